package training

import (
	"context"
	"errors"
	"testing"

	"github.com/quantumaikr/exlm-app/internal/catalog"
	"github.com/quantumaikr/exlm-app/internal/notify"
	"github.com/quantumaikr/exlm-app/internal/trainer"
)

// capturePublisher records broadcast events in order.
type capturePublisher struct {
	events []notify.Event
}

func (p *capturePublisher) PublishEvent(_ context.Context, evt notify.Event) {
	p.events = append(p.events, evt)
}

func (p *capturePublisher) lastType() string {
	if len(p.events) == 0 {
		return ""
	}
	return p.events[len(p.events)-1].Type
}

func newTestSyncer(t *testing.T) (*Synchronizer, *Repo, *catalog.Repo, *capturePublisher) {
	t.Helper()
	db := openTestDB(t)
	repo := NewRepo(db, 0)
	cat := catalog.NewRepo(db)
	pub := &capturePublisher{}
	return NewSynchronizer(repo, cat, pub, nil), repo, cat, pub
}

func completedResult(modelPath string, metrics map[string]float64) *trainer.Result {
	return &trainer.Result{
		Status:    trainer.ResultCompleted,
		ModelPath: modelPath,
		Metrics:   metrics,
	}
}

func TestSynchronizer_QueueRunningProgress(t *testing.T) {
	syncer, repo, _, pub := newTestSyncer(t)
	ctx := context.Background()
	seedJob(t, repo, "01SYN000000000000000000001")

	if err := syncer.MarkQueued(ctx, "01SYN000000000000000000001", "task-1"); err != nil {
		t.Fatalf("queue: %v", err)
	}
	started, err := syncer.MarkRunning(ctx, "01SYN000000000000000000001")
	if err != nil || !started {
		t.Fatalf("running: started=%v err=%v", started, err)
	}
	if err := syncer.RecordProgress(ctx, "01SYN000000000000000000001", ProgressUpdate{Progress: 0.5, LogLine: "epoch 2"}); err != nil {
		t.Fatalf("progress: %v", err)
	}

	types := make([]string, 0, len(pub.events))
	for _, e := range pub.events {
		types = append(types, e.Type)
	}
	want := []string{"training_queued", "training_running", "training_progress"}
	if len(types) != len(want) {
		t.Fatalf("event types = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("event types = %v, want %v", types, want)
		}
	}
	for _, e := range pub.events {
		if e.UserID != 1 {
			t.Fatalf("event %s addressed to user %d, want 1", e.Type, e.UserID)
		}
		if e.Data["job_id"] != "01SYN000000000000000000001" {
			t.Fatalf("event %s data = %v", e.Type, e.Data)
		}
	}
}

func TestFail_Idempotent(t *testing.T) {
	syncer, repo, _, pub := newTestSyncer(t)
	ctx := context.Background()
	seedJob(t, repo, "01SYN000000000000000000002")
	syncer.MarkQueued(ctx, "01SYN000000000000000000002", "task-1")
	syncer.MarkRunning(ctx, "01SYN000000000000000000002")

	if err := syncer.Fail(ctx, "01SYN000000000000000000002", "CUDA out of memory", ""); err != nil {
		t.Fatalf("fail: %v", err)
	}
	before := len(pub.events)

	// The worker's recovery path may call Fail again; only the first wins.
	if err := syncer.Fail(ctx, "01SYN000000000000000000002", "panic: second report", "stack"); err != nil {
		t.Fatalf("second fail: %v", err)
	}
	if len(pub.events) != before {
		t.Fatalf("duplicate failure broadcast an event")
	}

	j, _ := repo.Get(ctx, "01SYN000000000000000000002")
	if j.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", j.Status)
	}
	if j.ErrorMessage != "CUDA out of memory" {
		t.Fatalf("error message = %q, want first report", j.ErrorMessage)
	}
	if j.CompletedAt == nil {
		t.Fatalf("failed job must carry completed_at")
	}
	if len(j.Metrics) != 0 {
		t.Fatalf("failed job must carry no metrics, got %v", j.Metrics)
	}
}

func TestComplete_SyncsModelRecord(t *testing.T) {
	syncer, repo, cat, pub := newTestSyncer(t)
	ctx := context.Background()

	if err := cat.CreateModel(ctx, &catalog.Model{
		ID:     "01MDL000000000000000000001",
		Name:   "my-model",
		Status: catalog.ModelStatusTraining,
		UserID: 1,
	}); err != nil {
		t.Fatalf("create model: %v", err)
	}

	j := seedJob(t, repo, "01SYN000000000000000000003")
	modelID := "01MDL000000000000000000001"
	j.ModelID = &modelID
	if err := repo.db.Save(j).Error; err != nil {
		t.Fatalf("attach model: %v", err)
	}
	syncer.MarkQueued(ctx, j.ID, "task-1")
	syncer.MarkRunning(ctx, j.ID)

	if err := syncer.Complete(ctx, j.ID, completedResult("/models/out", map[string]float64{"loss": 0.42})); err != nil {
		t.Fatalf("complete: %v", err)
	}

	got, _ := repo.Get(ctx, j.ID)
	if got.Status != StatusCompleted || got.ModelPath != "/models/out" {
		t.Fatalf("job after complete: status=%s path=%s", got.Status, got.ModelPath)
	}

	m, err := cat.GetModel(ctx, modelID)
	if err != nil {
		t.Fatalf("get model: %v", err)
	}
	if m.Status != catalog.ModelStatusReady || m.FilePath != "/models/out" {
		t.Fatalf("model after complete: status=%s path=%s", m.Status, m.FilePath)
	}
	if pub.lastType() != "training_completed" {
		t.Fatalf("last event = %s, want training_completed", pub.lastType())
	}
	last := pub.events[len(pub.events)-1]
	if last.Data["model_id"] != modelID {
		t.Fatalf("completion event data = %v", last.Data)
	}
}

func TestComplete_ModelGoneStaysCompleted(t *testing.T) {
	syncer, repo, _, _ := newTestSyncer(t)
	ctx := context.Background()

	j := seedJob(t, repo, "01SYN000000000000000000004")
	modelID := "01MDL00000000000000000GONE"
	j.ModelID = &modelID
	if err := repo.db.Save(j).Error; err != nil {
		t.Fatalf("attach model: %v", err)
	}
	syncer.MarkQueued(ctx, j.ID, "task-1")
	syncer.MarkRunning(ctx, j.ID)

	// Model deleted while training ran: the job still completes.
	if err := syncer.Complete(ctx, j.ID, completedResult("/models/out", map[string]float64{"loss": 0.3})); err != nil {
		t.Fatalf("complete: %v", err)
	}

	got, _ := repo.Get(ctx, j.ID)
	if got.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if got.Metrics["loss"] == nil {
		t.Fatalf("metrics not persisted: %v", got.Metrics)
	}
}

func TestCancel_ThenLateCompletionDiscarded(t *testing.T) {
	syncer, repo, _, pub := newTestSyncer(t)
	ctx := context.Background()
	seedJob(t, repo, "01SYN000000000000000000005")
	syncer.MarkQueued(ctx, "01SYN000000000000000000005", "task-1")
	syncer.MarkRunning(ctx, "01SYN000000000000000000005")

	if err := syncer.Cancel(ctx, "01SYN000000000000000000005"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	// Executor notices cancellation through the progress write.
	err := syncer.RecordProgress(ctx, "01SYN000000000000000000005", ProgressUpdate{Progress: 0.9})
	if !errors.Is(err, ErrNotRunning) {
		t.Fatalf("progress after cancel: err=%v, want ErrNotRunning", err)
	}

	// A late success report from the trainer changes nothing.
	before := len(pub.events)
	if err := syncer.Complete(ctx, "01SYN000000000000000000005", completedResult("/models/late", nil)); err != nil {
		t.Fatalf("late complete: %v", err)
	}
	if len(pub.events) != before {
		t.Fatalf("late completion broadcast an event")
	}

	j, _ := repo.Get(ctx, "01SYN000000000000000000005")
	if j.Status != StatusCancelled {
		t.Fatalf("status = %s, want cancelled", j.Status)
	}
	if j.ModelPath != "" {
		t.Fatalf("cancelled job picked up a model path: %s", j.ModelPath)
	}
}
