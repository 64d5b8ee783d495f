package training

import (
	"context"
	"errors"
	"log"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ErrJobRunning is returned when a caller tries to delete a job that is
// still executing.
var ErrJobRunning = errors.New("training job is running")

const defaultLogRetention = 500

// Repo is the job record store. All status mutations go through the guarded
// transition methods below; each opens and commits its own unit of work and
// reports via the applied return whether the guard matched, so duplicate or
// late callers degrade to no-ops instead of corrupting state.
type Repo struct {
	db           *gorm.DB
	logRetention int
}

func NewRepo(db *gorm.DB, logRetention int) *Repo {
	if logRetention <= 0 {
		logRetention = defaultLogRetention
	}
	return &Repo{db: db, logRetention: logRetention}
}

func (r *Repo) Create(ctx context.Context, j *Job) error {
	return r.db.WithContext(ctx).Create(j).Error
}

func (r *Repo) Get(ctx context.Context, id string) (*Job, error) {
	var j Job
	if err := r.db.WithContext(ctx).First(&j, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &j, nil
}

func (r *Repo) GetByTaskID(ctx context.Context, taskID string) (*Job, error) {
	var j Job
	if err := r.db.WithContext(ctx).First(&j, "task_id = ?", taskID).Error; err != nil {
		return nil, err
	}
	return &j, nil
}

// List returns a user's jobs, newest first. status == "" means all statuses.
func (r *Repo) List(ctx context.Context, userID uint64, status Status, limit, offset int) ([]Job, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	q := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Offset(offset)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var jobs []Job
	if err := q.Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

// MarkQueued performs pending -> queued and records the task id. The guard
// also refuses a second task id for the same job: re-submission means a new
// job row, never a task_id update.
func (r *Repo) MarkQueued(ctx context.Context, id, taskID string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status = ? AND task_id IS NULL", id, StatusPending).
		Updates(map[string]any{
			"status":  StatusQueued,
			"task_id": taskID,
		})
	return res.RowsAffected > 0, res.Error
}

// MarkRunning performs queued -> running and stamps started_at once.
func (r *Repo) MarkRunning(ctx context.Context, id string) (bool, error) {
	now := time.Now().UTC()
	res := r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status = ?", id, StatusQueued).
		Updates(map[string]any{
			"status":     StatusRunning,
			"started_at": now,
		})
	return res.RowsAffected > 0, res.Error
}

// ProgressUpdate carries one progress callback's worth of state.
type ProgressUpdate struct {
	Progress     float64 // 0.0-1.0
	CurrentEpoch int
	TotalEpochs  int
	CurrentStep  int
	TotalSteps   int
	Loss         *float64
	LearningRate *float64
	LogLine      string
}

// RecordProgress applies a running -> running update. Regressing progress is
// logged and accepted: trainers may legitimately resync their counters.
// Returns applied == false once the job has left the running state.
func (r *Repo) RecordProgress(ctx context.Context, id string, upd ProgressUpdate) (bool, error) {
	applied := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var j Job
		if err := tx.Where("id = ? AND status = ?", id, StatusRunning).First(&j).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}

		if upd.Progress < j.Progress {
			log.Printf("training: job=%s progress regressed %.3f -> %.3f, accepting", id, j.Progress, upd.Progress)
		}

		vals := map[string]any{
			"progress": clampFraction(upd.Progress),
		}
		if upd.CurrentEpoch > 0 {
			vals["current_epoch"] = upd.CurrentEpoch
		}
		if upd.TotalEpochs > 0 {
			vals["total_epochs"] = upd.TotalEpochs
		}
		if upd.CurrentStep > 0 {
			vals["current_step"] = upd.CurrentStep
		}
		if upd.TotalSteps > 0 {
			vals["total_steps"] = upd.TotalSteps
		}
		if upd.Loss != nil {
			vals["loss"] = *upd.Loss
		}
		if upd.LearningRate != nil {
			vals["learning_rate"] = *upd.LearningRate
		}
		if upd.LogLine != "" {
			vals["logs"] = appendBounded(j.Logs, upd.LogLine, r.logRetention)
		}

		res := tx.Model(&Job{}).
			Where("id = ? AND status = ?", id, StatusRunning).
			Updates(vals)
		if res.Error != nil {
			return res.Error
		}
		applied = res.RowsAffected > 0
		return nil
	})
	return applied, err
}

// FinalizePayload carries the terminal outcome. Exactly one of Metrics or
// ErrorMessage ends up populated; a cancellation carries neither.
type FinalizePayload struct {
	ModelPath    string
	Metrics      map[string]float64
	ErrorMessage string
	LogLine      string
}

// Finalize moves a job into a terminal state. The guard only matches
// non-terminal rows, so a late or duplicate finalization is a no-op and the
// first terminal state sticks.
func (r *Repo) Finalize(ctx context.Context, id string, to Status, payload FinalizePayload) (bool, error) {
	if !to.Terminal() {
		return false, errors.New("finalize requires a terminal status")
	}

	applied := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var j Job
		if err := tx.Where("id = ? AND status IN ?", id, nonTerminal).First(&j).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}

		now := time.Now().UTC()
		vals := map[string]any{
			"status":       to,
			"completed_at": now,
		}
		switch to {
		case StatusCompleted:
			vals["progress"] = 1.0
			vals["model_path"] = payload.ModelPath
			metrics := make(datatypes.JSONMap, len(payload.Metrics))
			for k, v := range payload.Metrics {
				metrics[k] = v
			}
			vals["metrics"] = metrics
		case StatusFailed:
			vals["error_message"] = payload.ErrorMessage
		}
		if payload.LogLine != "" {
			vals["logs"] = appendBounded(j.Logs, payload.LogLine, r.logRetention)
		}

		res := tx.Model(&Job{}).
			Where("id = ? AND status IN ?", id, nonTerminal).
			Updates(vals)
		if res.Error != nil {
			return res.Error
		}
		applied = res.RowsAffected > 0
		return nil
	})
	return applied, err
}

// Delete removes a job record. Running jobs must be cancelled first.
func (r *Repo) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var j Job
		if err := tx.First(&j, "id = ?", id).Error; err != nil {
			return err
		}
		if j.Status == StatusRunning {
			return ErrJobRunning
		}
		return tx.Delete(&Job{}, "id = ?", id).Error
	})
}

func clampFraction(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func appendBounded(logs datatypes.JSONSlice[string], line string, limit int) datatypes.JSONSlice[string] {
	logs = append(logs, line)
	if len(logs) > limit {
		logs = logs[len(logs)-limit:]
	}
	return logs
}
