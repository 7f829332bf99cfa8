package tasks

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"chorus/internal/services"
	"chorus/internal/store"
)

// Memory is an in-process Scheduler. Submitted tasks run only when RunPending
// is called, which makes pipeline tests deterministic.
type Memory struct {
	mu       sync.Mutex
	handlers map[string]Handler
	tasks    map[string]*store.Task
	order    []string
}

// NewMemory returns an empty in-process scheduler.
func NewMemory() *Memory {
	return &Memory{
		handlers: make(map[string]Handler),
		tasks:    make(map[string]*store.Task),
	}
}

// Register binds handler to kind.
func (m *Memory) Register(kind string, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[kind] = handler
}

// Submit records a queued task.
func (m *Memory) Submit(_ context.Context, req Request) (string, error) {
	if strings.TrimSpace(req.Kind) == "" {
		return "", services.Wrap(services.ErrValidation, "tasks", "submit", "task kind is required", nil)
	}
	payload, err := encode(req.Payload)
	if err != nil {
		return "", services.Wrap(services.ErrValidation, "tasks", "submit", "encode payload", err)
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	now := time.Now().UTC()
	task := &store.Task{
		ID:          uuid.NewString(),
		Kind:        req.Kind,
		Payload:     payload,
		Status:      store.TaskQueued,
		MaxAttempts: maxAttempts,
		NotBefore:   now.Add(req.Delay),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.mu.Lock()
	m.tasks[task.ID] = task
	m.order = append(m.order, task.ID)
	m.mu.Unlock()
	return task.ID, nil
}

// Status returns a copy of the task.
func (m *Memory) Status(_ context.Context, id string) (*store.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, services.Wrap(services.ErrNotFound, "tasks", "status", fmt.Sprintf("task %s", id), nil)
	}
	cp := *task
	return &cp, nil
}

// Cancel marks a queued task cancelled.
func (m *Memory) Cancel(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return services.Wrap(services.ErrNotFound, "tasks", "cancel", fmt.Sprintf("task %s", id), nil)
	}
	if task.Status.Terminal() {
		return services.Wrap(services.ErrValidation, "tasks", "cancel", fmt.Sprintf("task %s already %s", id, task.Status), nil)
	}
	task.Status = store.TaskCancelled
	task.ErrorMessage = "Cancelled"
	task.UpdatedAt = time.Now().UTC()
	return nil
}

// Submitted returns copies of every task of kind in submission order. An
// empty kind returns all tasks.
func (m *Memory) Submitted(kind string) []*store.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Task
	for _, id := range m.order {
		task := m.tasks[id]
		if kind != "" && task.Kind != kind {
			continue
		}
		cp := *task
		out = append(out, &cp)
	}
	return out
}

// RunPending executes queued tasks, including tasks submitted by handlers,
// until none remain runnable. Delays are ignored. Transient failures are
// retried immediately until MaxAttempts is exhausted. It returns the number of
// attempts made.
func (m *Memory) RunPending(ctx context.Context) int {
	attempts := 0
	for {
		if ctx.Err() != nil {
			return attempts
		}
		task, handler := m.next()
		if task == nil {
			return attempts
		}
		attempts++
		if handler == nil {
			m.complete(task.ID, store.TaskFailed, "", fmt.Sprintf("no handler registered for %q", task.Kind))
			continue
		}
		snapshot := *task
		progress := func(percent float64, message string) {
			m.mu.Lock()
			defer m.mu.Unlock()
			if t, ok := m.tasks[snapshot.ID]; ok {
				t.ProgressPercent = percent
				t.ProgressMessage = message
			}
		}
		result, err := runHandler(services.WithTaskID(ctx, snapshot.ID), handler, &snapshot, progress)
		switch {
		case err == nil:
			encoded, encErr := encode(result)
			if encErr != nil {
				m.complete(snapshot.ID, store.TaskFailed, "", encErr.Error())
				continue
			}
			m.complete(snapshot.ID, store.TaskSucceeded, encoded, "")
		case services.IsPermanent(err) || snapshot.Attempts >= snapshot.MaxAttempts:
			m.complete(snapshot.ID, store.TaskFailed, "", err.Error())
		default:
			m.requeue(snapshot.ID, err.Error())
		}
	}
}

func (m *Memory) next() (*store.Task, Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.order {
		task := m.tasks[id]
		if task.Status != store.TaskQueued {
			continue
		}
		task.Status = store.TaskRunning
		task.Attempts++
		task.UpdatedAt = time.Now().UTC()
		cp := *task
		return &cp, m.handlers[task.Kind]
	}
	return nil, nil
}

func (m *Memory) complete(id string, status store.TaskStatus, result, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task := m.tasks[id]
	if task == nil || task.Status != store.TaskRunning {
		return
	}
	task.Status = status
	task.Result = result
	task.ErrorMessage = message
	if status == store.TaskSucceeded {
		task.ProgressPercent = 100
	}
	task.UpdatedAt = time.Now().UTC()
}

func (m *Memory) requeue(id, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task := m.tasks[id]
	if task == nil || task.Status != store.TaskRunning {
		return
	}
	task.Status = store.TaskQueued
	task.ErrorMessage = message
	task.UpdatedAt = time.Now().UTC()
}
