package training

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"path/filepath"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/quantumaikr/exlm-app/internal/catalog"
	"github.com/quantumaikr/exlm-app/internal/common"
	"github.com/quantumaikr/exlm-app/internal/store/redisstore"
	"github.com/quantumaikr/exlm-app/internal/trainer"
)

// ErrNotCancellable is returned when cancelling a job that already reached a
// terminal state.
var ErrNotCancellable = errors.New("job is not cancellable")

// TaskQueue hands accepted jobs to the worker fleet. Any broker satisfying
// this interface is substitutable; production uses RabbitMQ.
type TaskQueue interface {
	EnqueueTraining(ctx context.Context, jobID string, cfg trainer.Config) (taskID string, err error)
}

// SnapshotReader reads the live-progress cache; nil disables the live path.
type SnapshotReader interface {
	GetJobSnapshot(ctx context.Context, jobID string) (*redisstore.JobSnapshot, error)
}

// Service is the submission-side API: validate, create, enqueue, query,
// cancel, delete. Worker-side mutation lives in Executor/Synchronizer.
type Service struct {
	repo      *Repo
	catalog   *catalog.Repo
	validator *Validator
	queue     TaskQueue
	sync      *Synchronizer
	snapshots SnapshotReader
	modelsDir string
}

func NewService(repo *Repo, cat *catalog.Repo, validator *Validator, queue TaskQueue, sync *Synchronizer, snapshots SnapshotReader, modelsDir string) *Service {
	return &Service{
		repo:      repo,
		catalog:   cat,
		validator: validator,
		queue:     queue,
		sync:      sync,
		snapshots: snapshots,
		modelsDir: modelsDir,
	}
}

type SubmitRequest struct {
	Name    string         `json:"name" binding:"required"`
	ModelID *string        `json:"model_id"`
	Config  trainer.Config `json:"config" binding:"required"`
}

// SubmitResult carries either validation errors (no record created) or the
// new job id plus its estimates.
type SubmitResult struct {
	JobID      string           `json:"job_id,omitempty"`
	Validation ValidationResult `json:"validation"`
}

// Submit validates the configuration, creates the pending record and hands it
// to the queue. Invalid configurations are reported as data, never as errors,
// and leave no record behind.
func (s *Service) Submit(ctx context.Context, userID uint64, req SubmitRequest) (*SubmitResult, error) {
	vr := s.validator.Validate(req.Config)
	if !vr.Valid {
		return &SubmitResult{Validation: vr}, nil
	}

	// Referenced records must exist; filesystem presence alone is not enough.
	if _, err := s.catalog.GetDataset(ctx, req.Config.DatasetID); err != nil {
		return nil, err
	}
	if req.ModelID != nil {
		if _, err := s.catalog.GetModel(ctx, *req.ModelID); err != nil {
			return nil, err
		}
	}

	jobID, err := common.NewULID()
	if err != nil {
		return nil, err
	}

	datasetID := req.Config.DatasetID
	job := &Job{
		ID:              jobID,
		Name:            req.Name,
		Status:          StatusPending,
		BaseModel:       req.Config.ModelName,
		TrainingMethod:  req.Config.TrainingMethod,
		Hyperparameters: configMap(req.Config),
		TotalEpochs:     req.Config.EpochsOrDefault(),
		ModelID:         req.ModelID,
		DatasetID:       &datasetID,
		UserID:          userID,
	}
	if err := s.repo.Create(ctx, job); err != nil {
		return nil, err
	}

	cfg := req.Config
	cfg.DatasetPath = s.validator.DatasetPath(cfg.DatasetID)
	cfg.OutputDir = filepath.Join(s.modelsDir, jobID)

	taskID, err := s.queue.EnqueueTraining(ctx, jobID, cfg)
	if err != nil {
		log.Printf("training: job=%s enqueue failed: %v", jobID, err)
		return nil, err
	}
	if err := s.sync.MarkQueued(ctx, jobID, taskID); err != nil {
		return nil, err
	}

	return &SubmitResult{JobID: jobID, Validation: vr}, nil
}

// ValidateConfig exposes validation without submission.
func (s *Service) ValidateConfig(cfg trainer.Config) ValidationResult {
	return s.validator.Validate(cfg)
}

func (s *Service) Get(ctx context.Context, userID uint64, jobID string) (*Job, error) {
	job, err := s.repo.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.UserID != userID {
		// Hide existence from other users.
		return nil, gorm.ErrRecordNotFound
	}
	return job, nil
}

func (s *Service) List(ctx context.Context, userID uint64, status Status, limit, offset int) ([]Job, error) {
	return s.repo.List(ctx, userID, status, limit, offset)
}

// Cancel records cancellation intent. The run, if started, stops
// cooperatively; a late success or failure callback is discarded by the
// terminal guard.
func (s *Service) Cancel(ctx context.Context, userID uint64, jobID string) error {
	job, err := s.Get(ctx, userID, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return ErrNotCancellable
	}
	return s.sync.Cancel(ctx, jobID)
}

// Delete removes a job record; rejected with ErrJobRunning while the job is
// executing.
func (s *Service) Delete(ctx context.Context, userID uint64, jobID string) error {
	if _, err := s.Get(ctx, userID, jobID); err != nil {
		return err
	}
	return s.repo.Delete(ctx, jobID)
}

// Logs returns the last n retained log lines.
func (s *Service) Logs(ctx context.Context, userID uint64, jobID string, tail int) ([]string, error) {
	job, err := s.Get(ctx, userID, jobID)
	if err != nil {
		return nil, err
	}
	logs := []string(job.Logs)
	if tail > 0 && len(logs) > tail {
		logs = logs[len(logs)-tail:]
	}
	return logs, nil
}

// JobMetrics is the merged live/persisted view served to dashboards.
type JobMetrics struct {
	JobID        string         `json:"job_id"`
	Status       Status         `json:"status"`
	Progress     float64        `json:"progress"`
	CurrentEpoch int            `json:"current_epoch"`
	TotalEpochs  int            `json:"total_epochs"`
	CurrentStep  int            `json:"current_step"`
	TotalSteps   int            `json:"total_steps"`
	Loss         *float64       `json:"loss,omitempty"`
	LearningRate *float64       `json:"learning_rate,omitempty"`
	Metrics      map[string]any `json:"metrics,omitempty"`
	Live         bool           `json:"live"`
}

// Metrics prefers the live snapshot for running jobs and falls back to the
// persisted row. The row is authoritative; the snapshot only fills the gap
// between throttled persists.
func (s *Service) Metrics(ctx context.Context, userID uint64, jobID string) (*JobMetrics, error) {
	job, err := s.Get(ctx, userID, jobID)
	if err != nil {
		return nil, err
	}

	m := &JobMetrics{
		JobID:        job.ID,
		Status:       job.Status,
		Progress:     job.Progress,
		CurrentEpoch: job.CurrentEpoch,
		TotalEpochs:  job.TotalEpochs,
		CurrentStep:  job.CurrentStep,
		TotalSteps:   job.TotalSteps,
		Loss:         job.Loss,
		LearningRate: job.LearningRate,
		Metrics:      job.Metrics,
	}

	if job.Status == StatusRunning && s.snapshots != nil {
		if snap, err := s.snapshots.GetJobSnapshot(ctx, jobID); err == nil && snap.Status == string(StatusRunning) {
			m.Progress = snap.Progress
			m.CurrentEpoch = snap.CurrentEpoch
			m.TotalEpochs = snap.TotalEpochs
			m.CurrentStep = snap.CurrentStep
			m.TotalSteps = snap.TotalSteps
			m.Live = true
		}
	}
	return m, nil
}

// MethodInfo describes a supported training method for the UI.
type MethodInfo struct {
	Name           string `json:"name"`
	Description    string `json:"description"`
	RequiresConfig bool   `json:"requires_config"`
}

func SupportedMethods() []MethodInfo {
	return []MethodInfo{
		{Name: trainer.MethodFullFinetuning, Description: "Full parameter fine-tuning", RequiresConfig: false},
		{Name: trainer.MethodLoRA, Description: "Low-rank adaptation", RequiresConfig: true},
		{Name: trainer.MethodQLoRA, Description: "Quantized low-rank adaptation", RequiresConfig: true},
		{Name: trainer.MethodDPO, Description: "Direct preference optimization", RequiresConfig: true},
		{Name: trainer.MethodORPO, Description: "Odds-ratio preference optimization", RequiresConfig: true},
	}
}

// configMap stores the full configuration on the job row as an opaque bag;
// the schema belongs to the trainer.
func configMap(cfg trainer.Config) datatypes.JSONMap {
	b, err := json.Marshal(cfg)
	if err != nil {
		return datatypes.JSONMap{}
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return datatypes.JSONMap{}
	}
	return datatypes.JSONMap(m)
}
