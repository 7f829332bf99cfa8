package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"chorus/internal/store"
)

// Task kinds understood by the chorus daemon.
const (
	KindConsensus = "consensus"
	KindExport    = "export"
	KindCleanup   = "cleanup"
)

// Request describes work to submit.
type Request struct {
	Kind    string
	Payload any
	// MaxAttempts bounds retries of transient failures; zero means one attempt.
	MaxAttempts int
	// Delay postpones the first attempt.
	Delay time.Duration
}

// Scheduler accepts background work and reports on it.
type Scheduler interface {
	Submit(ctx context.Context, req Request) (string, error)
	Status(ctx context.Context, id string) (*store.Task, error)
	Cancel(ctx context.Context, id string) error
}

// Progress reports incremental progress from inside a handler.
type Progress func(percent float64, message string)

// Handler executes one task attempt. The returned value is stored as the
// task's JSON result.
type Handler func(ctx context.Context, task *store.Task, progress Progress) (any, error)

// Registrar binds handlers to task kinds.
type Registrar interface {
	Register(kind string, handler Handler)
}

// Decode unmarshals the task payload into v.
func Decode(task *store.Task, v any) error {
	if task == nil {
		return fmt.Errorf("decode payload: nil task")
	}
	if err := json.Unmarshal([]byte(task.Payload), v); err != nil {
		return fmt.Errorf("decode %s payload: %w", task.Kind, err)
	}
	return nil
}

func encode(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func noProgress(float64, string) {}
