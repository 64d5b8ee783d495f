package training

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/quantumaikr/exlm-app/internal/catalog"
	"github.com/quantumaikr/exlm-app/internal/notify"
	"github.com/quantumaikr/exlm-app/internal/store/redisstore"
	"github.com/quantumaikr/exlm-app/internal/trainer"
)

// ErrNotRunning signals that a progress update arrived for a job that has
// left the running state, usually because it was cancelled.
var ErrNotRunning = errors.New("job is not running")

// SnapshotCache is the live-progress side channel (Redis in production).
type SnapshotCache interface {
	SetJobSnapshot(ctx context.Context, snap redisstore.JobSnapshot) error
	DeleteJobSnapshot(ctx context.Context, jobID string) error
}

// Synchronizer is the single writer path from executor callbacks to the job
// record store plus its notification and cache side effects. Terminal
// handlers are idempotent per job: the repo guards reject a second terminal
// transition and the duplicate is logged, not surfaced.
type Synchronizer struct {
	repo      *Repo
	models    *catalog.Repo
	publisher notify.Publisher
	cache     SnapshotCache

	// persistInterval coalesces running -> running database writes; the
	// snapshot cache still sees every callback.
	persistInterval time.Duration

	mu          sync.Mutex
	lastPersist map[string]time.Time
}

func NewSynchronizer(repo *Repo, models *catalog.Repo, publisher notify.Publisher, cache SnapshotCache) *Synchronizer {
	return &Synchronizer{
		repo:            repo,
		models:          models,
		publisher:       publisher,
		cache:           cache,
		persistInterval: time.Second,
		lastPersist:     make(map[string]time.Time),
	}
}

func (s *Synchronizer) MarkQueued(ctx context.Context, jobID, taskID string) error {
	applied, err := s.repo.MarkQueued(ctx, jobID, taskID)
	if err != nil {
		return err
	}
	if !applied {
		log.Printf("training: job=%s not pending, queue transition skipped", jobID)
		return nil
	}
	s.publishStatus(ctx, jobID, StatusQueued, nil)
	return nil
}

// MarkRunning returns false when the job is no longer queued, which the
// executor treats as "cancelled before start" and skips the run.
func (s *Synchronizer) MarkRunning(ctx context.Context, jobID string) (bool, error) {
	applied, err := s.repo.MarkRunning(ctx, jobID)
	if err != nil {
		return false, err
	}
	if !applied {
		return false, nil
	}
	s.setSnapshot(ctx, jobID, StatusRunning, ProgressUpdate{})
	s.publishStatus(ctx, jobID, StatusRunning, nil)
	return true, nil
}

// RecordProgress mirrors every callback into the snapshot cache and persists
// to the database at most once per persistInterval (final callbacks with
// Progress >= 1 always persist). Returns ErrNotRunning once the job has been
// cancelled or finalized.
func (s *Synchronizer) RecordProgress(ctx context.Context, jobID string, upd ProgressUpdate) error {
	s.setSnapshot(ctx, jobID, StatusRunning, upd)

	if upd.Progress < 1 && !s.duePersist(jobID) {
		return nil
	}

	applied, err := s.repo.RecordProgress(ctx, jobID, upd)
	if err != nil {
		return err
	}
	if !applied {
		return ErrNotRunning
	}
	if job, err := s.repo.Get(ctx, jobID); err == nil {
		s.publisher.PublishEvent(ctx, notify.Event{
			Type:   "training_progress",
			UserID: job.UserID,
			Data: map[string]any{
				"job_id":   jobID,
				"status":   string(StatusRunning),
				"progress": clampFraction(upd.Progress),
			},
		})
	}
	return nil
}

// Complete finalizes a successful run and best-effort publishes the result
// onto the owning model record. A model-sync failure is logged and never
// rolls back the job's completed status.
func (s *Synchronizer) Complete(ctx context.Context, jobID string, res *trainer.Result) error {
	applied, err := s.repo.Finalize(ctx, jobID, StatusCompleted, FinalizePayload{
		ModelPath: res.ModelPath,
		Metrics:   res.Metrics,
		LogLine:   "training completed",
	})
	if err != nil {
		return err
	}
	if !applied {
		log.Printf("training: job=%s already terminal, completion discarded", jobID)
		return nil
	}
	s.forgetPersist(jobID)

	job, err := s.repo.Get(ctx, jobID)
	if err != nil {
		return err
	}

	if job.ModelID != nil {
		if err := s.models.UpdateStatusAndMetrics(ctx, *job.ModelID, catalog.ModelStatusReady, res.ModelPath, res.Metrics); err != nil {
			log.Printf("training: job=%s model=%s sync failed: %v", jobID, *job.ModelID, err)
		}
	}

	s.setSnapshot(ctx, jobID, StatusCompleted, ProgressUpdate{Progress: 1})
	s.publishStatus(ctx, jobID, StatusCompleted, res.Metrics)
	return nil
}

// Fail finalizes a failed run. Safe to call more than once and from the
// worker's recovery path; only the first call wins.
func (s *Synchronizer) Fail(ctx context.Context, jobID, errMsg, trace string) error {
	msg := errMsg
	if trace != "" {
		msg = errMsg + "\n" + trace
	}
	applied, err := s.repo.Finalize(ctx, jobID, StatusFailed, FinalizePayload{
		ErrorMessage: msg,
		LogLine:      "training failed: " + errMsg,
	})
	if err != nil {
		return err
	}
	if !applied {
		log.Printf("training: job=%s already terminal, failure callback ignored", jobID)
		return nil
	}
	s.forgetPersist(jobID)
	s.setSnapshot(ctx, jobID, StatusFailed, ProgressUpdate{})
	s.publishStatus(ctx, jobID, StatusFailed, nil)
	return nil
}

// Cancel marks cancellation intent. The executor notices on its next
// progress write; a job that never started simply stays cancelled.
func (s *Synchronizer) Cancel(ctx context.Context, jobID string) error {
	applied, err := s.repo.Finalize(ctx, jobID, StatusCancelled, FinalizePayload{
		LogLine: "cancelled by user",
	})
	if err != nil {
		return err
	}
	if !applied {
		log.Printf("training: job=%s already terminal, cancel ignored", jobID)
		return nil
	}
	s.forgetPersist(jobID)
	s.setSnapshot(ctx, jobID, StatusCancelled, ProgressUpdate{})
	s.publishStatus(ctx, jobID, StatusCancelled, nil)
	return nil
}

func (s *Synchronizer) duePersist(jobID string) bool {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if last, ok := s.lastPersist[jobID]; ok && now.Sub(last) < s.persistInterval {
		return false
	}
	s.lastPersist[jobID] = now
	return true
}

func (s *Synchronizer) forgetPersist(jobID string) {
	s.mu.Lock()
	delete(s.lastPersist, jobID)
	s.mu.Unlock()
}

func (s *Synchronizer) setSnapshot(ctx context.Context, jobID string, status Status, upd ProgressUpdate) {
	if s.cache == nil {
		return
	}
	snap := redisstore.JobSnapshot{
		JobID:        jobID,
		Status:       string(status),
		Progress:     clampFraction(upd.Progress),
		CurrentEpoch: upd.CurrentEpoch,
		TotalEpochs:  upd.TotalEpochs,
		CurrentStep:  upd.CurrentStep,
		TotalSteps:   upd.TotalSteps,
		Message:      upd.LogLine,
		UpdatedAt:    time.Now().UTC(),
	}
	if err := s.cache.SetJobSnapshot(ctx, snap); err != nil {
		log.Printf("training: job=%s snapshot cache write failed: %v", jobID, err)
	}
}

func (s *Synchronizer) publishStatus(ctx context.Context, jobID string, status Status, metrics map[string]float64) {
	job, err := s.repo.Get(ctx, jobID)
	if err != nil {
		log.Printf("training: job=%s load for broadcast failed: %v", jobID, err)
		return
	}
	data := map[string]any{
		"job_id": jobID,
		"status": string(status),
	}
	if job.ModelID != nil {
		data["model_id"] = *job.ModelID
	}
	if len(metrics) > 0 {
		data["metrics"] = metrics
	}
	s.publisher.PublishEvent(ctx, notify.Event{
		Type:   "training_" + string(status),
		UserID: job.UserID,
		Data:   data,
	})
}
