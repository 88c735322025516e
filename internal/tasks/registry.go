// Package tasks exposes every long-running orchestration as an
// observable, cancellable, expiring handle.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrNotFound indicates an unknown task ID, or one whose retention TTL
// has elapsed.
var ErrNotFound = errors.New("task not found")

// State is the task lifecycle state.
type State string

const (
	StatePending State = "PENDING"
	StateStarted State = "STARTED"
	StateSuccess State = "SUCCESS"
	StateFailure State = "FAILURE"
	StateRetry   State = "RETRY"
	StateRevoked State = "REVOKED"
)

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	switch s {
	case StateSuccess, StateFailure, StateRevoked:
		return true
	}
	return false
}

// Progress is a point-in-time progress snapshot.
type Progress struct {
	Current int    `json:"current"`
	Total   int    `json:"total"`
	Message string `json:"message"`
}

// Snapshot is the externally visible view of a task.
type Snapshot struct {
	ID            string          `json:"task_id"`
	Name          string          `json:"name"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	State         State           `json:"state"`
	Ready         bool            `json:"ready"`
	Successful    bool            `json:"successful"`
	Progress      Progress        `json:"progress"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         string          `json:"error,omitempty"`
	Worker        string          `json:"worker,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	ExpiresAt     time.Time       `json:"expires_at"`
}

// Store persists task snapshots so terminal results survive process
// restarts within the retention window.
type Store interface {
	Put(ctx context.Context, s Snapshot) error
	Get(ctx context.Context, id string) (Snapshot, error)
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// CancelResult reports the outcome of a cancel request.
type CancelResult struct {
	Cancelled  bool   `json:"cancelled"`
	Terminated bool   `json:"terminated"`
	Message    string `json:"message"`
}

// Registry tracks tasks in memory with write-through persistence.
// Updates are last-write-wins; terminal transitions are immediately
// visible to readers. Entries expire after the retention TTL.
type Registry struct {
	ttl   time.Duration
	store Store
	now   func() time.Time
	log   zerolog.Logger

	mu    sync.Mutex
	tasks map[string]Snapshot
}

// Option configures a Registry.
type Option func(*Registry)

// WithStore enables write-through persistence of snapshots.
func WithStore(s Store) Option { return func(r *Registry) { r.store = s } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(r *Registry) { r.now = now } }

// WithLogger sets the registry logger.
func WithLogger(l zerolog.Logger) Option { return func(r *Registry) { r.log = l } }

// NewRegistry creates a registry. Zero ttl defaults to 24h.
func NewRegistry(ttl time.Duration, opts ...Option) *Registry {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	r := &Registry{
		ttl:   ttl,
		now:   time.Now,
		log:   zerolog.Nop(),
		tasks: make(map[string]Snapshot),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create registers a new PENDING task correlated with an orchestration
// and returns its ID.
func (r *Registry) Create(name, correlationID string) Snapshot {
	now := r.now()
	snap := Snapshot{
		ID:            uuid.NewString(),
		Name:          name,
		CorrelationID: correlationID,
		State:         StatePending,
		CreatedAt:     now,
		ExpiresAt:     now.Add(r.ttl),
	}
	r.commit(snap)
	return snap
}

// Update transitions a task's state. Updating a terminal task is a no-op.
func (r *Registry) Update(id string, state State) {
	r.mutate(id, func(s *Snapshot) { s.State = state })
}

// Progress records a progress snapshot without changing state.
func (r *Registry) Progress(id string, current, total int, message string) {
	r.mutate(id, func(s *Snapshot) {
		s.Progress = Progress{Current: current, Total: total, Message: message}
	})
}

// Succeed completes a task with a result payload.
func (r *Registry) Succeed(id string, result any) {
	raw, err := json.Marshal(result)
	if err != nil {
		r.log.Error().Str("task", id).Err(err).Msg("failed to encode task result")
	}
	r.mutate(id, func(s *Snapshot) {
		s.State = StateSuccess
		s.Ready = true
		s.Successful = true
		s.Result = raw
		t := r.now()
		s.CompletedAt = &t
	})
}

// Fail completes a task with an error payload.
func (r *Registry) Fail(id string, taskErr error) {
	r.mutate(id, func(s *Snapshot) {
		s.State = StateFailure
		s.Ready = true
		if taskErr != nil {
			s.Error = taskErr.Error()
		}
		t := r.now()
		s.CompletedAt = &t
	})
}

// Revoke marks a cancelled task terminal.
func (r *Registry) Revoke(id, message string) {
	r.mutate(id, func(s *Snapshot) {
		s.State = StateRevoked
		s.Ready = true
		s.Error = message
		t := r.now()
		s.CompletedAt = &t
	})
}

// Get returns the latest committed snapshot, or [ErrNotFound] for an
// unknown or expired task.
func (r *Registry) Get(ctx context.Context, id string) (Snapshot, error) {
	now := r.now()

	r.mu.Lock()
	snap, ok := r.tasks[id]
	if ok && now.After(snap.ExpiresAt) {
		delete(r.tasks, id)
		ok = false
	}
	r.mu.Unlock()
	if ok {
		return snap, nil
	}

	if r.store != nil {
		stored, err := r.store.Get(ctx, id)
		if err == nil && now.Before(stored.ExpiresAt) {
			return stored, nil
		}
	}
	return Snapshot{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// List returns up to limit snapshots, newest first. A non-positive
// limit returns everything.
func (r *Registry) List(limit int) []Snapshot {
	now := r.now()

	r.mu.Lock()
	out := make([]Snapshot, 0, len(r.tasks))
	for id, snap := range r.tasks {
		if now.After(snap.ExpiresAt) {
			delete(r.tasks, id)
			continue
		}
		out = append(out, snap)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Sweep evicts expired entries from memory and the store. Run it
// periodically; Get also evicts lazily.
func (r *Registry) Sweep(ctx context.Context) {
	now := r.now()

	r.mu.Lock()
	for id, snap := range r.tasks {
		if now.After(snap.ExpiresAt) {
			delete(r.tasks, id)
		}
	}
	r.mu.Unlock()

	if r.store != nil {
		if n, err := r.store.DeleteExpired(ctx, now); err != nil {
			r.log.Error().Err(err).Msg("task sweep failed")
		} else if n > 0 {
			r.log.Debug().Int("evicted", n).Msg("swept expired tasks")
		}
	}
}

// RunJanitor sweeps at the given interval until ctx is cancelled.
func (r *Registry) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// mutate applies fn to a live, non-terminal task and commits the result.
func (r *Registry) mutate(id string, fn func(*Snapshot)) {
	r.mu.Lock()
	snap, ok := r.tasks[id]
	if !ok || snap.State.Terminal() {
		r.mu.Unlock()
		return
	}
	fn(&snap)
	r.tasks[id] = snap
	r.mu.Unlock()

	r.persist(snap)
}

func (r *Registry) commit(snap Snapshot) {
	r.mu.Lock()
	r.tasks[snap.ID] = snap
	r.mu.Unlock()
	r.persist(snap)
}

func (r *Registry) persist(snap Snapshot) {
	if r.store == nil {
		return
	}
	if err := r.store.Put(context.Background(), snap); err != nil {
		r.log.Error().Str("task", snap.ID).Err(err).Msg("failed to persist task snapshot")
	}
}
