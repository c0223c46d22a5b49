package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"sunarp-console/internal/analyses"
	"sunarp-console/internal/cache"
	"sunarp-console/internal/shared/metrics"
	"sunarp-console/internal/shared/telemetry"
)

// DefaultFetchTimeout bounds a shared read that no single caller owns.
const DefaultFetchTimeout = 30 * time.Second

// API is the subset of the registry client the coordinator drives.
type API interface {
	CreateAnalysis(ctx context.Context, req analyses.CreateRequest) (analyses.Created, error)
	GetAnalysis(ctx context.Context, id string) (analyses.Analysis, error)
	ListAnalyses(ctx context.Context, p analyses.ListParams) (analyses.Page, error)
	CancelAnalysis(ctx context.Context, id string) (analyses.Analysis, error)
	DeleteAnalysis(ctx context.Context, id string) error
}

// Coordinator owns every read and write of analysis state against the server
// and keeps the cache consistent with confirmed results. Mutations are never
// optimistic: the cache changes only after the server confirms.
type Coordinator struct {
	api     API
	store   *cache.Store
	group   singleflight.Group
	timeout time.Duration
}

// New constructs a Coordinator.
func New(api API, store *cache.Store) *Coordinator {
	if store == nil {
		store = cache.NewStore()
	}
	return &Coordinator{api: api, store: store, timeout: DefaultFetchTimeout}
}

// WithFetchTimeout bounds coalesced reads. A non-positive d is ignored.
func (c *Coordinator) WithFetchTimeout(d time.Duration) *Coordinator {
	if d > 0 {
		c.timeout = d
	}
	return c
}

// shared runs fn once per key for every concurrent caller. fn gets a context
// detached from the caller that started it, so one caller giving up never
// fails the others; each caller stops waiting when its own ctx ends.
func (c *Coordinator) shared(ctx context.Context, key cache.Key, fn func(ctx context.Context) (any, error)) (any, error) {
	ch := c.group.DoChan(string(key), func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		return fn(fetchCtx)
	})
	select {
	case r := <-ch:
		return r.Val, r.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Store exposes the cache the coordinator reconciles.
func (c *Coordinator) Store() *cache.Store { return c.store }

// Cached returns the last known snapshot for id without any request.
func (c *Coordinator) Cached(id string) (analyses.Analysis, bool) {
	a, _, ok := cache.Lookup[analyses.Analysis](c.store, cache.EntityKey(id))
	return a, ok
}

// Analysis returns the entity, from cache when fresh, otherwise from the server.
func (c *Coordinator) Analysis(ctx context.Context, id string) (analyses.Analysis, error) {
	if a, stale, ok := cache.Lookup[analyses.Analysis](c.store, cache.EntityKey(id)); ok && !stale {
		return a, nil
	}
	return c.fetch(ctx, id)
}

// Refresh always re-fetches the entity.
func (c *Coordinator) Refresh(ctx context.Context, id string) (analyses.Analysis, error) {
	return c.fetch(ctx, id)
}

// List returns one page of the history, from cache when fresh.
func (c *Coordinator) List(ctx context.Context, p analyses.ListParams) (analyses.Page, error) {
	p = p.Normalize()
	key := cache.ListKey(p)
	if page, stale, ok := cache.Lookup[analyses.Page](c.store, key); ok && !stale {
		return page, nil
	}

	v, err := c.shared(ctx, key, func(ctx context.Context) (any, error) {
		ticket := c.store.Observe(key)
		page, err := c.api.ListAnalyses(ctx, p)
		if err != nil {
			return analyses.Page{}, err
		}
		c.store.Commit(ticket, page)
		return page, nil
	})
	if err != nil {
		return analyses.Page{}, fmt.Errorf("list analyses: %w", err)
	}
	return v.(analyses.Page), nil
}

func (c *Coordinator) fetch(ctx context.Context, id string) (analyses.Analysis, error) {
	key := cache.EntityKey(id)
	v, err := c.shared(ctx, key, func(ctx context.Context) (any, error) {
		prev, hadPrev := c.Cached(id)
		ticket := c.store.Observe(key)

		a, err := c.api.GetAnalysis(ctx, id)
		if err != nil {
			if errors.Is(err, analyses.ErrNotFound) {
				c.store.Remove(key)
			}
			return analyses.Analysis{}, err
		}

		if hadPrev && !analyses.CanTransition(prev.Status, a.Status) {
			telemetry.Warn("analysis.unexpected_transition", map[string]any{
				"analysis_id": id,
				"from":        string(prev.Status),
				"to":          string(a.Status),
			})
		}
		if err := a.CheckInvariants(); err != nil {
			telemetry.Warn("analysis.invariant_violation", map[string]any{
				"analysis_id": id,
				"error":       err.Error(),
			})
		}

		if !c.store.Commit(ticket, a) {
			metrics.IncStaleCommitDropped()
			telemetry.Info("cache.stale_commit_dropped", map[string]any{"analysis_id": id})
			if current, ok := c.Cached(id); ok {
				return current, nil
			}
			return analyses.Analysis{}, fmt.Errorf("%w: analysis %s was removed", analyses.ErrNotFound, id)
		}
		return a, nil
	})
	if err != nil {
		return analyses.Analysis{}, fmt.Errorf("get analysis %s: %w", id, err)
	}
	return v.(analyses.Analysis), nil
}

// Create validates input locally and submits a new analysis. Collection keys are
// invalidated on success; the caller fetches the entity by the returned id.
func (c *Coordinator) Create(ctx context.Context, office, folio, area string) (analyses.Created, error) {
	req, err := analyses.NewCreateRequest(office, folio, area)
	if err != nil {
		metrics.IncMutation("create", "invalid")
		return analyses.Created{}, err
	}

	created, err := c.api.CreateAnalysis(ctx, req)
	if err != nil {
		metrics.IncMutation("create", outcome(err))
		telemetry.Warn("mutation.create_failed", map[string]any{
			"oficina": req.Office,
			"partida": req.Folio,
			"error":   err.Error(),
		})
		return analyses.Created{}, fmt.Errorf("create analysis: %w", err)
	}

	c.store.Apply(cache.Result{Invalidate: []cache.Key{cache.AllLists}})
	metrics.IncMutation("create", "ok")
	telemetry.Info("mutation.create", map[string]any{
		"analysis_id": created.ID,
		"status":      string(created.Status),
	})
	return created, nil
}

// Cancel stops a pending or processing analysis. The entity the server returns
// replaces the cached one before collection keys are invalidated.
func (c *Coordinator) Cancel(ctx context.Context, id string) (analyses.Analysis, error) {
	snap, err := c.lastKnown(ctx, id)
	if err != nil {
		metrics.IncMutation("cancel", outcome(err))
		return analyses.Analysis{}, fmt.Errorf("cancel analysis %s: %w", id, err)
	}
	if !snap.Status.CanCancel() {
		metrics.IncMutation("cancel", "rejected")
		return analyses.Analysis{}, &analyses.StateError{Op: "cancel", ID: id, Status: snap.Status}
	}

	updated, err := c.api.CancelAnalysis(ctx, id)
	if err != nil {
		metrics.IncMutation("cancel", outcome(err))
		telemetry.Warn("mutation.cancel_failed", map[string]any{"analysis_id": id, "error": err.Error()})
		return analyses.Analysis{}, fmt.Errorf("cancel analysis %s: %w", id, err)
	}

	c.store.Apply(cache.Result{
		Key:        cache.EntityKey(id),
		Value:      updated,
		Invalidate: []cache.Key{cache.AllLists},
	})
	metrics.IncMutation("cancel", "ok")
	telemetry.Info("mutation.cancel", map[string]any{
		"analysis_id": id,
		"status":      string(updated.Status),
	})
	return updated, nil
}

// Delete hard-deletes a failed analysis. Any other status is rejected locally
// and no request is sent.
func (c *Coordinator) Delete(ctx context.Context, id string) error {
	snap, err := c.lastKnown(ctx, id)
	if err != nil {
		metrics.IncMutation("delete", outcome(err))
		return fmt.Errorf("delete analysis %s: %w", id, err)
	}
	if !snap.Status.CanDelete() {
		metrics.IncMutation("delete", "rejected")
		return &analyses.StateError{Op: "delete", ID: id, Status: snap.Status}
	}

	if err := c.api.DeleteAnalysis(ctx, id); err != nil {
		metrics.IncMutation("delete", outcome(err))
		telemetry.Warn("mutation.delete_failed", map[string]any{"analysis_id": id, "error": err.Error()})
		return fmt.Errorf("delete analysis %s: %w", id, err)
	}

	c.store.Apply(cache.Result{
		Key:        cache.EntityKey(id),
		Remove:     true,
		Invalidate: []cache.Key{cache.AllLists},
	})
	metrics.IncMutation("delete", "ok")
	telemetry.Info("mutation.delete", map[string]any{"analysis_id": id})
	return nil
}

// lastKnown returns the cached snapshot, stale or not, and reads through only
// when nothing is cached.
func (c *Coordinator) lastKnown(ctx context.Context, id string) (analyses.Analysis, error) {
	if a, ok := c.Cached(id); ok {
		return a, nil
	}
	return c.fetch(ctx, id)
}

func outcome(err error) string {
	switch {
	case errors.Is(err, analyses.ErrValidation):
		return "invalid"
	case errors.Is(err, analyses.ErrAlreadyInProgress):
		return "conflict"
	case errors.Is(err, analyses.ErrInvalidState):
		return "rejected"
	case errors.Is(err, analyses.ErrNotFound):
		return "not_found"
	case errors.Is(err, analyses.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, analyses.ErrTransient):
		return "transient"
	default:
		return "error"
	}
}
