// Package controlapi implements component C7: the in-process facade
// that an operator-facing CLI or future RPC surface calls into. It is
// a thin wrapper over *store.Store, narrowing the surface to exactly
// the operations spec §6 names and translating store errors into the
// same taxonomy the rest of the system uses.
package controlapi

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/queuectl/queuectl/internal/job"
	"github.com/queuectl/queuectl/internal/store"
)

// API is the Control API surface (spec §4.7, component C7).
type API struct {
	store *store.Store
}

// New wraps a Store for control-plane use.
func New(s *store.Store) *API {
	return &API{store: s}
}

// EnqueueRequest mirrors store.EnqueueParams: a zero RunAt means "now"
// and a zero MaxRetries means the default of 3.
type EnqueueRequest struct {
	Command    string
	Priority   int32
	MaxRetries uint32
	RunAt      time.Time
}

// Enqueue submits a new job for execution.
func (a *API) Enqueue(ctx context.Context, req EnqueueRequest) (uuid.UUID, error) {
	return a.store.Enqueue(ctx, store.EnqueueParams{
		Command:    req.Command,
		Priority:   req.Priority,
		MaxRetries: req.MaxRetries,
		RunAt:      req.RunAt,
	})
}

// Get fetches a single job by ID.
func (a *API) Get(ctx context.Context, id uuid.UUID) (*job.Job, error) {
	return a.store.Get(ctx, id)
}

// ListFilter is the control-plane view of store.Filter; State is
// optional and, if empty, accepted as a human-readable string so CLI
// flags don't need to know the internal State encoding.
type ListFilter struct {
	State string
	Limit int
}

// List returns jobs matching filter.
func (a *API) List(ctx context.Context, filter ListFilter) ([]*job.Job, error) {
	state, err := job.ParseState(filter.State)
	if err != nil {
		return nil, err
	}
	return a.store.List(ctx, store.Filter{State: state, Limit: filter.Limit})
}

// DeadLetters is a convenience over List(state=dead), matching the
// "dlq" view named in spec §6.
func (a *API) DeadLetters(ctx context.Context, limit int) ([]*job.Job, error) {
	return a.store.List(ctx, store.Filter{State: job.Dead, Limit: limit})
}

// Requeue moves a dead job back to pending with attempts reset.
func (a *API) Requeue(ctx context.Context, id uuid.UUID) error {
	return a.store.Requeue(ctx, id)
}

// InitStore creates or upgrades the backing schema.
func (a *API) InitStore(ctx context.Context) error {
	return a.store.InitStore(ctx)
}

// Stats returns a per-state job count, the aggregate view this
// facade adds beyond the store's raw List contract.
func (a *API) Stats(ctx context.Context) (map[string]int64, error) {
	raw, err := a.store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(raw))
	for state, count := range raw {
		out[state.String()] = count
	}
	return out, nil
}
