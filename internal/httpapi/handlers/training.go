package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/quantumaikr/exlm-app/internal/common"
	"github.com/quantumaikr/exlm-app/internal/trainer"
	"github.com/quantumaikr/exlm-app/internal/training"
)

// SubmitTrainingJob validates and, if valid, creates + enqueues a job.
// Invalid configurations come back as data with code 0 and valid=false; no
// record is created.
func (h *Handler) SubmitTrainingJob(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req training.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	res, err := h.TrainingSvc.Submit(c.Request.Context(), uid, req)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusNotFound, 40403, "dataset or model not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50003, "failed to submit training job")
		return
	}
	common.OK(c, res)
}

func (h *Handler) ValidateTrainingConfig(c *gin.Context) {
	if _, okk := userIDFromContext(c); !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var cfg trainer.Config
	if err := c.ShouldBindJSON(&cfg); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	common.OK(c, h.TrainingSvc.ValidateConfig(cfg))
}

func (h *Handler) ListTrainingMethods(c *gin.Context) {
	common.OK(c, gin.H{"methods": training.SupportedMethods()})
}

func (h *Handler) ListTrainingJobs(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	limit, _ := strconv.Atoi(c.Query("limit"))
	offset, _ := strconv.Atoi(c.Query("offset"))
	status := training.Status(c.Query("status"))

	jobs, err := h.TrainingSvc.List(c.Request.Context(), uid, status, limit, offset)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50002, "failed to list jobs")
		return
	}
	common.OK(c, gin.H{"jobs": jobs})
}

func (h *Handler) GetTrainingJob(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	job, err := h.TrainingSvc.Get(c.Request.Context(), uid, c.Param("job_id"))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusNotFound, 40402, "job not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	common.OK(c, gin.H{"job": job})
}

func (h *Handler) GetTrainingJobLogs(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	tail := 100
	if v, err := strconv.Atoi(c.Query("tail")); err == nil && v > 0 {
		tail = v
	}
	if tail > 1000 {
		tail = 1000
	}

	logs, err := h.TrainingSvc.Logs(c.Request.Context(), uid, c.Param("job_id"), tail)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusNotFound, 40402, "job not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	common.OK(c, gin.H{"logs": logs})
}

func (h *Handler) GetTrainingJobMetrics(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	m, err := h.TrainingSvc.Metrics(c.Request.Context(), uid, c.Param("job_id"))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusNotFound, 40402, "job not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	common.OK(c, m)
}

func (h *Handler) CancelTrainingJob(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	err := h.TrainingSvc.Cancel(c.Request.Context(), uid, c.Param("job_id"))
	if err != nil {
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			common.Fail(c, http.StatusNotFound, 40402, "job not found")
		case errors.Is(err, training.ErrNotCancellable):
			common.Fail(c, http.StatusBadRequest, 40003, "job already finished")
		default:
			common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		}
		return
	}
	common.OK(c, gin.H{"cancelled": true})
}

func (h *Handler) DeleteTrainingJob(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	err := h.TrainingSvc.Delete(c.Request.Context(), uid, c.Param("job_id"))
	if err != nil {
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			common.Fail(c, http.StatusNotFound, 40402, "job not found")
		case errors.Is(err, training.ErrJobRunning):
			common.Fail(c, http.StatusConflict, 40901, "cannot delete a running job")
		default:
			common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		}
		return
	}
	common.OK(c, gin.H{"deleted": true})
}
