package training

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"

	"gorm.io/gorm"

	"github.com/quantumaikr/exlm-app/internal/trainer"
)

// Executor is the worker-side code path that drives one job through
// queued -> running -> terminal by invoking the external trainer. It holds no
// state of its own; every observable effect goes through the Synchronizer.
type Executor struct {
	repo   *Repo
	sync   *Synchronizer
	runner trainer.Runner
}

func NewExecutor(repo *Repo, sync *Synchronizer, runner trainer.Runner) *Executor {
	return &Executor{repo: repo, sync: sync, runner: runner}
}

// Execute runs one training job to a terminal state. The returned error is
// non-nil only when the terminal outcome could not be persisted; a job that
// trained and failed is still a handled delivery. Panics anywhere below are
// routed to the failed state exactly once before re-reporting.
func (e *Executor) Execute(ctx context.Context, jobID string, cfg trainer.Config) (err error) {
	job, err := e.repo.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Printf("executor: job=%s no longer exists, dropping", jobID)
			return nil
		}
		return err
	}

	started, err := e.sync.MarkRunning(ctx, jobID)
	if err != nil {
		return err
	}
	if !started {
		// Cancelled before pickup, or a duplicate delivery.
		log.Printf("executor: job=%s not queued (status=%s), skipping", jobID, job.Status)
		return nil
	}

	defer func() {
		if p := recover(); p != nil {
			ferr := e.sync.Fail(ctx, jobID, fmt.Sprintf("panic: %v", p), string(debug.Stack()))
			if ferr != nil {
				err = ferr
				return
			}
			err = nil
		}
	}()

	runCtx, stopRun := context.WithCancel(ctx)
	defer stopRun()

	totalEpochs := cfg.EpochsOrDefault()
	report := func(current, total int, message string) {
		upd := progressUpdate(current, total, totalEpochs, message)
		if perr := e.sync.RecordProgress(runCtx, jobID, upd); errors.Is(perr, ErrNotRunning) {
			// Cancellation intent was recorded; ask the trainer to stop.
			stopRun()
		}
	}

	res, runErr := e.runner.Run(runCtx, cfg, report)

	if runErr != nil {
		if errors.Is(runErr, context.Canceled) {
			log.Printf("executor: job=%s run stopped: %v", jobID, runErr)
			// Finalize is a no-op when the job is already cancelled.
			return e.sync.Fail(ctx, jobID, runErr.Error(), "")
		}
		return e.sync.Fail(ctx, jobID, runErr.Error(), "")
	}

	if res == nil || res.Status != trainer.ResultCompleted {
		msg := "trainer reported failure"
		if res != nil && res.Error != "" {
			msg = res.Error
		}
		return e.sync.Fail(ctx, jobID, msg, "")
	}

	return e.sync.Complete(ctx, jobID, res)
}

// progressUpdate maps the trainer's (current, total, message) callback onto
// the persisted counters. Epoch counters are derived from the step fraction
// so dashboards get both without widening the trainer contract.
func progressUpdate(current, total, totalEpochs int, message string) ProgressUpdate {
	upd := ProgressUpdate{
		CurrentStep: current,
		TotalSteps:  total,
		LogLine:     message,
	}
	if total > 0 {
		upd.Progress = float64(current) / float64(total)
		if totalEpochs > 0 {
			upd.TotalEpochs = totalEpochs
			upd.CurrentEpoch = int(upd.Progress * float64(totalEpochs))
			if upd.CurrentEpoch > totalEpochs {
				upd.CurrentEpoch = totalEpochs
			}
		}
	}
	return upd
}
