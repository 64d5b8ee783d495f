package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/quantumaikr/exlm-app/internal/common"
	"github.com/quantumaikr/exlm-app/internal/config"
	"github.com/quantumaikr/exlm-app/internal/httpapi/handlers"
	"github.com/quantumaikr/exlm-app/internal/httpapi/middleware"
	"github.com/quantumaikr/exlm-app/internal/notify"
	"github.com/quantumaikr/exlm-app/internal/training"
)

func NewRouter(db *gorm.DB, cfg config.Config, svc *training.Service, hub *notify.Hub) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Logger())
	r.Use(middleware.Recovery())

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.Use(middleware.RequestID())

	h := handlers.NewHandler(db, cfg, svc, hub)

	r.GET("/ping", h.Ping)

	r.POST("/users", h.Register)
	r.POST("/login", h.Login)

	authGroup := r.Group("/")
	authGroup.Use(middleware.AuthRequired(cfg.JWTSecret))
	authGroup.GET("/me", h.Me)

	// Training (JWT required)
	authGroup.GET("/training/methods", h.ListTrainingMethods)
	authGroup.POST("/training/validate-config", h.ValidateTrainingConfig)
	authGroup.POST("/training/jobs", h.SubmitTrainingJob)
	authGroup.GET("/training/jobs", h.ListTrainingJobs)
	authGroup.GET("/training/jobs/:job_id", h.GetTrainingJob)
	authGroup.GET("/training/jobs/:job_id/logs", h.GetTrainingJobLogs)
	authGroup.GET("/training/jobs/:job_id/metrics", h.GetTrainingJobMetrics)
	authGroup.POST("/training/jobs/:job_id/cancel", h.CancelTrainingJob)
	authGroup.DELETE("/training/jobs/:job_id", h.DeleteTrainingJob)

	// Live event stream (SSE)
	authGroup.GET("/events", h.StreamEvents)

	return r
}
