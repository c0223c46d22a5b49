package fakeregistry

import (
	"errors"
	"sort"
	"sync"
	"time"

	"sunarp-console/internal/analyses"
)

var (
	errNotFound  = errors.New("analysis not found")
	errDuplicate = errors.New("analysis already in progress")
	errConflict  = errors.New("analysis not in a valid state")
)

// repo stores analyses in memory and is safe for concurrent use.
type repo struct {
	mu     sync.RWMutex
	byID   map[string]analyses.Analysis
	byUser map[string][]string
}

func newRepo() *repo {
	return &repo{
		byID:   make(map[string]analyses.Analysis),
		byUser: make(map[string][]string),
	}
}

// create stores a pending analysis unless the user already has an active one
// for the same office and folio.
func (r *repo) create(userID string, a analyses.Analysis) (analyses.Analysis, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.byUser[userID] {
		existing := r.byID[id]
		if existing.Office == a.Office && existing.Folio == a.Folio && existing.Status.IsActive() {
			return analyses.Analysis{}, errDuplicate
		}
	}
	a.RequestedBy = userID
	r.byID[a.ID] = a
	r.byUser[userID] = append(r.byUser[userID], a.ID)
	return a, nil
}

// get returns the analysis when it belongs to userID. An empty userID skips
// the ownership check.
func (r *repo) get(userID, id string) (analyses.Analysis, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byID[id]
	if !ok || (userID != "" && a.RequestedBy != userID) {
		return analyses.Analysis{}, errNotFound
	}
	return a, nil
}

// update applies fn to the stored analysis and saves the result.
func (r *repo) update(userID, id string, fn func(*analyses.Analysis) error) (analyses.Analysis, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.byID[id]
	if !ok || (userID != "" && a.RequestedBy != userID) {
		return analyses.Analysis{}, errNotFound
	}
	if err := fn(&a); err != nil {
		return analyses.Analysis{}, err
	}
	now := time.Now().UTC()
	a.LastUpdatedAt = &now
	r.byID[id] = a
	return a, nil
}

// remove deletes the analysis unless it is processing.
func (r *repo) remove(userID, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.byID[id]
	if !ok || a.RequestedBy != userID {
		return errNotFound
	}
	if a.Status == analyses.StatusProcessing {
		return errConflict
	}
	delete(r.byID, id)
	ids := r.byUser[userID]
	for i, existing := range ids {
		if existing == id {
			r.byUser[userID] = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	return nil
}

// list returns one page of the user's analyses, newest first.
func (r *repo) list(userID string, p analyses.ListParams) ([]analyses.Summary, analyses.Pagination) {
	p = p.Normalize()

	r.mu.RLock()
	matched := make([]analyses.Analysis, 0, len(r.byUser[userID]))
	for _, id := range r.byUser[userID] {
		a := r.byID[id]
		if p.Status != "" && a.Status != p.Status {
			continue
		}
		matched = append(matched, a)
	}
	r.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	page := analyses.Pagination{Page: p.Page, PerPage: p.PerPage, Total: len(matched)}
	offset := (p.Page - 1) * p.PerPage
	if offset >= len(matched) {
		return []analyses.Summary{}, page
	}
	end := offset + p.PerPage
	if end > len(matched) {
		end = len(matched)
	}
	out := make([]analyses.Summary, 0, end-offset)
	for _, a := range matched[offset:end] {
		out = append(out, analyses.Summarize(a))
	}
	return out, page
}

// activeIDs lists every pending or processing analysis.
func (r *repo) activeIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for id, a := range r.byID {
		if a.Status.IsActive() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
