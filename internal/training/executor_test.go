package training

import (
	"context"
	"errors"
	"testing"

	"github.com/quantumaikr/exlm-app/internal/trainer"
)

// stubRunner drives the executor without a real training process.
type stubRunner struct {
	run func(ctx context.Context, cfg trainer.Config, report trainer.Progress) (*trainer.Result, error)
}

func (r stubRunner) Run(ctx context.Context, cfg trainer.Config, report trainer.Progress) (*trainer.Result, error) {
	return r.run(ctx, cfg, report)
}

func newTestExecutor(t *testing.T, runner trainer.Runner) (*Executor, *Repo, *capturePublisher) {
	t.Helper()
	syncer, repo, _, pub := newTestSyncer(t)
	return NewExecutor(repo, syncer, runner), repo, pub
}

func queuedJob(t *testing.T, repo *Repo, id string) {
	t.Helper()
	seedJob(t, repo, id)
	if applied, err := repo.MarkQueued(context.Background(), id, "task-"+id); err != nil || !applied {
		t.Fatalf("queue %s: applied=%v err=%v", id, applied, err)
	}
}

func TestExecute_Success(t *testing.T) {
	runner := stubRunner{run: func(ctx context.Context, cfg trainer.Config, report trainer.Progress) (*trainer.Result, error) {
		report(50, 100, "epoch 2/3")
		report(100, 100, "done")
		return completedResult("/models/out", map[string]float64{"loss": 0.2}), nil
	}}
	exec, repo, pub := newTestExecutor(t, runner)
	queuedJob(t, repo, "01EXE000000000000000000001")

	if err := exec.Execute(context.Background(), "01EXE000000000000000000001", trainer.Config{NumTrainEpochs: 3}); err != nil {
		t.Fatalf("execute: %v", err)
	}

	j, _ := repo.Get(context.Background(), "01EXE000000000000000000001")
	if j.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", j.Status)
	}
	if j.Progress != 1.0 || j.ModelPath != "/models/out" {
		t.Fatalf("progress=%v path=%s", j.Progress, j.ModelPath)
	}
	if pub.lastType() != "training_completed" {
		t.Fatalf("last event = %s", pub.lastType())
	}
}

func TestExecute_TrainerError(t *testing.T) {
	runner := stubRunner{run: func(ctx context.Context, cfg trainer.Config, report trainer.Progress) (*trainer.Result, error) {
		return nil, errors.New("CUDA out of memory")
	}}
	exec, repo, _ := newTestExecutor(t, runner)
	queuedJob(t, repo, "01EXE000000000000000000002")

	// A run that trained and failed is a handled delivery, not a redelivery.
	if err := exec.Execute(context.Background(), "01EXE000000000000000000002", trainer.Config{}); err != nil {
		t.Fatalf("execute: %v", err)
	}

	j, _ := repo.Get(context.Background(), "01EXE000000000000000000002")
	if j.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", j.Status)
	}
	if j.ErrorMessage != "CUDA out of memory" {
		t.Fatalf("error message = %q", j.ErrorMessage)
	}
}

func TestExecute_FailureResult(t *testing.T) {
	runner := stubRunner{run: func(ctx context.Context, cfg trainer.Config, report trainer.Progress) (*trainer.Result, error) {
		return &trainer.Result{Status: trainer.ResultFailed, Error: "loss diverged"}, nil
	}}
	exec, repo, _ := newTestExecutor(t, runner)
	queuedJob(t, repo, "01EXE000000000000000000003")

	if err := exec.Execute(context.Background(), "01EXE000000000000000000003", trainer.Config{}); err != nil {
		t.Fatalf("execute: %v", err)
	}
	j, _ := repo.Get(context.Background(), "01EXE000000000000000000003")
	if j.Status != StatusFailed || j.ErrorMessage != "loss diverged" {
		t.Fatalf("status=%s error=%q", j.Status, j.ErrorMessage)
	}
}

func TestExecute_PanicMarksFailed(t *testing.T) {
	runner := stubRunner{run: func(ctx context.Context, cfg trainer.Config, report trainer.Progress) (*trainer.Result, error) {
		panic("corrupt config")
	}}
	exec, repo, _ := newTestExecutor(t, runner)
	queuedJob(t, repo, "01EXE000000000000000000004")

	if err := exec.Execute(context.Background(), "01EXE000000000000000000004", trainer.Config{}); err != nil {
		t.Fatalf("execute: %v", err)
	}
	j, _ := repo.Get(context.Background(), "01EXE000000000000000000004")
	if j.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", j.Status)
	}
	if j.ErrorMessage == "" {
		t.Fatalf("expected panic message in error_message")
	}
}

func TestExecute_SkipsNonQueuedJob(t *testing.T) {
	called := false
	runner := stubRunner{run: func(ctx context.Context, cfg trainer.Config, report trainer.Progress) (*trainer.Result, error) {
		called = true
		return completedResult("/models/out", nil), nil
	}}
	exec, repo, _ := newTestExecutor(t, runner)

	// Cancelled before the worker picked it up.
	queuedJob(t, repo, "01EXE000000000000000000005")
	repo.Finalize(context.Background(), "01EXE000000000000000000005", StatusCancelled, FinalizePayload{})

	if err := exec.Execute(context.Background(), "01EXE000000000000000000005", trainer.Config{}); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if called {
		t.Fatalf("trainer must not run for a cancelled job")
	}
	j, _ := repo.Get(context.Background(), "01EXE000000000000000000005")
	if j.Status != StatusCancelled {
		t.Fatalf("status = %s, want cancelled", j.Status)
	}
}

func TestExecute_MissingJobDropped(t *testing.T) {
	runner := stubRunner{run: func(ctx context.Context, cfg trainer.Config, report trainer.Progress) (*trainer.Result, error) {
		t.Fatalf("trainer must not run for a deleted job")
		return nil, nil
	}}
	exec, _, _ := newTestExecutor(t, runner)

	if err := exec.Execute(context.Background(), "01EXE00000000000000000GONE", trainer.Config{}); err != nil {
		t.Fatalf("execute: %v", err)
	}
}

func TestExecute_CancelStopsRun(t *testing.T) {
	var syncer *Synchronizer

	runner := stubRunner{run: func(ctx context.Context, cfg trainer.Config, report trainer.Progress) (*trainer.Result, error) {
		report(10, 100, "step 10")
		// User cancels mid-run.
		if err := syncer.Cancel(context.Background(), "01EXE000000000000000000006"); err != nil {
			return nil, err
		}
		// The next progress write fails the running guard and the executor
		// cancels the run context.
		report(20, 100, "step 20")
		if ctx.Err() == nil {
			return nil, errors.New("run context not cancelled")
		}
		return nil, ctx.Err()
	}}

	var repo *Repo
	var pub *capturePublisher
	syncer, repo, _, pub = newTestSyncer(t)
	exec := NewExecutor(repo, syncer, runner)
	queuedJob(t, repo, "01EXE000000000000000000006")

	if err := exec.Execute(context.Background(), "01EXE000000000000000000006", trainer.Config{NumTrainEpochs: 3}); err != nil {
		t.Fatalf("execute: %v", err)
	}

	j, _ := repo.Get(context.Background(), "01EXE000000000000000000006")
	if j.Status != StatusCancelled {
		t.Fatalf("status = %s, want cancelled", j.Status)
	}
	if pub.lastType() != "training_cancelled" {
		t.Fatalf("last event = %s, want training_cancelled", pub.lastType())
	}
}
