package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	monitorKeyPrefix = "training:monitor:"
	monitorTTL       = 24 * time.Hour

	// EventsChannel carries serialized notify.Event payloads between the
	// worker processes and API-side subscribers.
	EventsChannel = "training:events"
)

type Store struct {
	rdb *redis.Client
}

func New(addr, password string, db int) *Store {
	return &Store{rdb: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

func (s *Store) Close() error { return s.rdb.Close() }

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// JobSnapshot is the live view of a running job, refreshed on every progress
// callback. It expires on its own; the database row is the durable record.
type JobSnapshot struct {
	JobID        string    `json:"job_id"`
	Status       string    `json:"status"`
	Progress     float64   `json:"progress"`
	CurrentEpoch int       `json:"current_epoch,omitempty"`
	TotalEpochs  int       `json:"total_epochs,omitempty"`
	CurrentStep  int       `json:"current_step,omitempty"`
	TotalSteps   int       `json:"total_steps,omitempty"`
	Message      string    `json:"message,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (s *Store) SetJobSnapshot(ctx context.Context, snap JobSnapshot) error {
	b, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return s.rdb.SetEx(ctx, monitorKeyPrefix+snap.JobID, b, monitorTTL).Err()
}

func (s *Store) GetJobSnapshot(ctx context.Context, jobID string) (*JobSnapshot, error) {
	b, err := s.rdb.Get(ctx, monitorKeyPrefix+jobID).Bytes()
	if err != nil {
		return nil, err
	}
	var snap JobSnapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}

func (s *Store) DeleteJobSnapshot(ctx context.Context, jobID string) error {
	return s.rdb.Del(ctx, monitorKeyPrefix+jobID).Err()
}

// PublishEvent pushes a serialized event onto the shared pub/sub channel.
func (s *Store) PublishEvent(ctx context.Context, payload []byte) error {
	return s.rdb.Publish(ctx, EventsChannel, payload).Err()
}

// SubscribeEvents opens a pub/sub subscription on the events channel.
// Callers own the returned subscription and must Close it.
func (s *Store) SubscribeEvents(ctx context.Context) *redis.PubSub {
	return s.rdb.Subscribe(ctx, EventsChannel)
}
