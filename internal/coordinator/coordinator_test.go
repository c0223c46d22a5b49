package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"sunarp-console/internal/analyses"
	"sunarp-console/internal/cache"
)

type stubAPI struct {
	mu    sync.Mutex
	items map[string]analyses.Analysis
	calls map[string]int

	createErr error
	cancelErr error

	// when set, GetAnalysis signals started and waits for release
	getStarted chan struct{}
	getRelease chan struct{}

	// when set, ListAnalyses builds its page, then signals and waits
	listStarted chan struct{}
	listRelease chan struct{}
}

func newStubAPI(items ...analyses.Analysis) *stubAPI {
	s := &stubAPI{items: map[string]analyses.Analysis{}, calls: map[string]int{}}
	for _, a := range items {
		s.items[a.ID] = a
	}
	return s
}

func (s *stubAPI) count(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

func (s *stubAPI) record(op string) {
	s.mu.Lock()
	s.calls[op]++
	s.mu.Unlock()
}

func (s *stubAPI) CreateAnalysis(ctx context.Context, req analyses.CreateRequest) (analyses.Created, error) {
	s.record("create")
	if s.createErr != nil {
		return analyses.Created{}, s.createErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := fmt.Sprintf("a-%d", len(s.items)+1)
	now := time.Now().UTC()
	s.items[id] = analyses.Analysis{ID: id, Office: req.Office, Folio: req.Folio, RegistryArea: req.RegistryArea, Status: analyses.StatusPending, CreatedAt: now}
	return analyses.Created{ID: id, Status: analyses.StatusPending, Office: req.Office, Folio: req.Folio, CreatedAt: now}, nil
}

func (s *stubAPI) GetAnalysis(ctx context.Context, id string) (analyses.Analysis, error) {
	s.record("get")
	s.mu.Lock()
	a, ok := s.items[id]
	started, release := s.getStarted, s.getRelease
	s.mu.Unlock()
	if started != nil {
		close(started)
		select {
		case <-release:
		case <-ctx.Done():
			return analyses.Analysis{}, ctx.Err()
		}
	}
	if !ok {
		return analyses.Analysis{}, analyses.ErrNotFound
	}
	return a, nil
}

func (s *stubAPI) ListAnalyses(ctx context.Context, p analyses.ListParams) (analyses.Page, error) {
	s.record("list")
	s.mu.Lock()
	page := analyses.Page{Items: []analyses.Summary{}, Pagination: analyses.Pagination{Page: p.Page, PerPage: p.PerPage}}
	for _, a := range s.items {
		if p.Status != "" && a.Status != p.Status {
			continue
		}
		page.Items = append(page.Items, analyses.Summarize(a))
	}
	page.Pagination.Total = len(page.Items)
	started, release := s.listStarted, s.listRelease
	s.listStarted, s.listRelease = nil, nil
	s.mu.Unlock()
	if started != nil {
		close(started)
		<-release
	}
	return page, nil
}

func (s *stubAPI) CancelAnalysis(ctx context.Context, id string) (analyses.Analysis, error) {
	s.record("cancel")
	if s.cancelErr != nil {
		return analyses.Analysis{}, s.cancelErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.items[id]
	if !ok {
		return analyses.Analysis{}, analyses.ErrNotFound
	}
	msg := "Cancelled by user"
	now := time.Now().UTC()
	a.Status = analyses.StatusFailed
	a.ErrorMessage = &msg
	a.CompletedAt = &now
	s.items[id] = a
	return a, nil
}

func (s *stubAPI) DeleteAnalysis(ctx context.Context, id string) error {
	s.record("delete")
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; !ok {
		return analyses.ErrNotFound
	}
	delete(s.items, id)
	return nil
}

func analysisWithStatus(id string, status analyses.Status) analyses.Analysis {
	a := analyses.Analysis{ID: id, Office: "LIMA", Folio: "11012345", RegistryArea: analyses.DefaultRegistryArea, Status: status, CreatedAt: time.Now().UTC()}
	if status.IsTerminal() {
		now := time.Now().UTC()
		a.CompletedAt = &now
	}
	if status == analyses.StatusCompleted {
		total, report := 3, "ok"
		a.TotalEntries = &total
		a.Report = &report
		a.Encumbrances = []analyses.Encumbrance{}
	}
	return a
}

func seedLists(t *testing.T, c *Coordinator) []cache.Key {
	t.Helper()
	params := []analyses.ListParams{{Page: 1}, {Page: 2}, {Page: 1, Status: analyses.StatusFailed}}
	keys := make([]cache.Key, 0, len(params))
	for _, p := range params {
		if _, err := c.List(context.Background(), p); err != nil {
			t.Fatalf("seed list: %v", err)
		}
		keys = append(keys, cache.ListKey(p))
	}
	return keys
}

func assertListsStale(t *testing.T, store *cache.Store, keys []cache.Key, want bool) {
	t.Helper()
	for _, k := range keys {
		e, ok := store.Get(k)
		if !ok {
			t.Fatalf("list key %s missing", k)
		}
		if e.Stale != want {
			t.Fatalf("list key %s stale=%v, want %v", k, e.Stale, want)
		}
	}
}

func TestCreateInvalidatesEveryList(t *testing.T) {
	api := newStubAPI()
	c := New(api, nil)
	lists := seedLists(t, c)

	created, err := c.Create(context.Background(), "lima", "11012345", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.ID == "" || created.Status != analyses.StatusPending {
		t.Fatalf("unexpected created %#v", created)
	}
	assertListsStale(t, c.Store(), lists, true)

	// the entity is not cached until fetched by id
	if _, ok := c.Cached(created.ID); ok {
		t.Fatalf("create must not write the entity key")
	}
	a, err := c.Analysis(context.Background(), created.ID)
	if err != nil || a.Status != analyses.StatusPending {
		t.Fatalf("expected pending entity, got %#v %v", a, err)
	}
}

func TestCreateValidationSendsNothing(t *testing.T) {
	api := newStubAPI()
	c := New(api, nil)

	cases := []struct {
		name, office, folio, area, field string
	}{
		{"unknown office", "ATLANTIS", "11012345", "", "oficina"},
		{"short folio", "LIMA", "123", "", "partida"},
		{"letters in folio", "LIMA", "12345a", "", "partida"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := c.Create(context.Background(), tc.office, tc.folio, tc.area)
			var verr *analyses.ValidationError
			if !errors.As(err, &verr) || verr.Field != tc.field {
				t.Fatalf("expected validation error on %s, got %v", tc.field, err)
			}
		})
	}
	if api.count("create") != 0 {
		t.Fatalf("expected no network call, got %d", api.count("create"))
	}
}

func TestCreateConflictLeavesCacheUntouched(t *testing.T) {
	api := newStubAPI()
	api.createErr = fmt.Errorf("409: %w", analyses.ErrAlreadyInProgress)
	c := New(api, nil)
	lists := seedLists(t, c)

	_, err := c.Create(context.Background(), "LIMA", "11012345", "")
	if !errors.Is(err, analyses.ErrAlreadyInProgress) {
		t.Fatalf("expected conflict, got %v", err)
	}
	assertListsStale(t, c.Store(), lists, false)
}

func TestCancelWritesServerEntityAndInvalidatesLists(t *testing.T) {
	api := newStubAPI(analysisWithStatus("a-1", analyses.StatusProcessing))
	c := New(api, nil)
	if _, err := c.Analysis(context.Background(), "a-1"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	lists := seedLists(t, c)

	updated, err := c.Cancel(context.Background(), "a-1")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if updated.Status != analyses.StatusFailed || updated.ErrorMessage == nil || *updated.ErrorMessage != "Cancelled by user" {
		t.Fatalf("unexpected cancel result %#v", updated)
	}
	cached, ok := c.Cached("a-1")
	if !ok || cached.Status != analyses.StatusFailed {
		t.Fatalf("expected cached entity to be the server result, got %#v", cached)
	}
	e, _ := c.Store().Get(cache.EntityKey("a-1"))
	if e.Stale {
		t.Fatalf("entity written by cancel should be fresh")
	}
	assertListsStale(t, c.Store(), lists, true)
}

func TestCancelRejectedForTerminalStatus(t *testing.T) {
	api := newStubAPI(analysisWithStatus("a-1", analyses.StatusCompleted))
	c := New(api, nil)

	_, err := c.Cancel(context.Background(), "a-1")
	var serr *analyses.StateError
	if !errors.As(err, &serr) || serr.Status != analyses.StatusCompleted {
		t.Fatalf("expected state error, got %v", err)
	}
	// no snapshot was cached, so the gate read first
	if api.count("get") != 1 || api.count("cancel") != 0 {
		t.Fatalf("expected one read and no cancel, got get=%d cancel=%d", api.count("get"), api.count("cancel"))
	}
}

func TestCancelFailureLeavesCacheUntouched(t *testing.T) {
	api := newStubAPI(analysisWithStatus("a-1", analyses.StatusPending))
	api.cancelErr = fmt.Errorf("502: %w", analyses.ErrTransient)
	c := New(api, nil)
	if _, err := c.Analysis(context.Background(), "a-1"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	lists := seedLists(t, c)

	if _, err := c.Cancel(context.Background(), "a-1"); !errors.Is(err, analyses.ErrTransient) {
		t.Fatalf("expected transient error, got %v", err)
	}
	cached, _ := c.Cached("a-1")
	if cached.Status != analyses.StatusPending {
		t.Fatalf("cache must not change on failure, got %s", cached.Status)
	}
	assertListsStale(t, c.Store(), lists, false)
}

func TestDeleteRejectedLocallyForProcessing(t *testing.T) {
	api := newStubAPI(analysisWithStatus("a-1", analyses.StatusProcessing))
	c := New(api, nil)
	if _, err := c.Analysis(context.Background(), "a-1"); err != nil {
		t.Fatalf("seed: %v", err)
	}

	err := c.Delete(context.Background(), "a-1")
	if !errors.Is(err, analyses.ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
	if api.count("delete") != 0 {
		t.Fatalf("expected no delete request, got %d", api.count("delete"))
	}
	if _, ok := c.Cached("a-1"); !ok {
		t.Fatalf("rejected delete must keep the entity cached")
	}
}

func TestDeleteRemovesEntityAndInvalidatesLists(t *testing.T) {
	api := newStubAPI(analysisWithStatus("a-1", analyses.StatusFailed))
	c := New(api, nil)
	if _, err := c.Analysis(context.Background(), "a-1"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	lists := seedLists(t, c)

	if err := c.Delete(context.Background(), "a-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := c.Store().Get(cache.EntityKey("a-1")); ok {
		t.Fatalf("entity key should be removed")
	}
	assertListsStale(t, c.Store(), lists, true)
}

func TestDeleteWinsOverInFlightPoll(t *testing.T) {
	api := newStubAPI(analysisWithStatus("a-1", analyses.StatusFailed))
	c := New(api, nil)
	if _, err := c.Analysis(context.Background(), "a-1"); err != nil {
		t.Fatalf("seed: %v", err)
	}

	started := make(chan struct{})
	release := make(chan struct{})
	api.mu.Lock()
	api.getStarted, api.getRelease = started, release
	api.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		_, err := c.Refresh(context.Background(), "a-1")
		done <- err
	}()
	<-started

	api.mu.Lock()
	api.getStarted, api.getRelease = nil, nil
	api.mu.Unlock()

	if err := c.Delete(context.Background(), "a-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	close(release)

	// the in-flight read answered with the pre-delete entity; it must not land
	if err := <-done; !errors.Is(err, analyses.ErrNotFound) {
		t.Fatalf("expected not found from dropped read, got %v", err)
	}
	if _, ok := c.Store().Get(cache.EntityKey("a-1")); ok {
		t.Fatalf("late read resurrected a deleted entity")
	}
}

func TestReadNotFoundRemovesEntity(t *testing.T) {
	api := newStubAPI(analysisWithStatus("a-1", analyses.StatusPending))
	c := New(api, nil)
	if _, err := c.Analysis(context.Background(), "a-1"); err != nil {
		t.Fatalf("seed: %v", err)
	}

	api.mu.Lock()
	delete(api.items, "a-1")
	api.mu.Unlock()

	if _, err := c.Refresh(context.Background(), "a-1"); !errors.Is(err, analyses.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, ok := c.Cached("a-1"); ok {
		t.Fatalf("expected entity removed after 404")
	}
}

func TestReadThroughUsesFreshCache(t *testing.T) {
	api := newStubAPI(analysisWithStatus("a-1", analyses.StatusPending))
	c := New(api, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := c.Analysis(ctx, "a-1"); err != nil {
			t.Fatalf("read: %v", err)
		}
	}
	if api.count("get") != 1 {
		t.Fatalf("expected one fetch, got %d", api.count("get"))
	}

	if _, err := c.List(ctx, analyses.ListParams{}); err != nil {
		t.Fatalf("list: %v", err)
	}
	if _, err := c.List(ctx, analyses.ListParams{Page: 1, PerPage: 20}); err != nil {
		t.Fatalf("list: %v", err)
	}
	if api.count("list") != 1 {
		t.Fatalf("expected equivalent params to share a key, got %d fetches", api.count("list"))
	}

	c.Store().Invalidate(cache.AllLists)
	if _, err := c.List(ctx, analyses.ListParams{}); err != nil {
		t.Fatalf("list: %v", err)
	}
	if api.count("list") != 2 {
		t.Fatalf("expected stale list to refetch, got %d", api.count("list"))
	}
}

func TestMutationDuringListFetchLeavesPageStale(t *testing.T) {
	api := newStubAPI()
	c := New(api, nil)
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	api.mu.Lock()
	api.listStarted, api.listRelease = started, release
	api.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		_, err := c.List(ctx, analyses.ListParams{})
		done <- err
	}()
	<-started

	if _, err := c.Create(ctx, "lima", "11012345", ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("list: %v", err)
	}

	key := cache.ListKey(analyses.ListParams{})
	if _, stale, ok := cache.Lookup[analyses.Page](c.Store(), key); !ok || !stale {
		t.Fatalf("page read before create must be stale, ok=%v stale=%v", ok, stale)
	}
	page, err := c.List(ctx, analyses.ListParams{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if page.Pagination.Total != 1 || api.count("list") != 2 {
		t.Fatalf("expected a refetch showing the new analysis, total=%d fetches=%d", page.Pagination.Total, api.count("list"))
	}
}

func TestCallerCancelDoesNotFailSharedRead(t *testing.T) {
	api := newStubAPI(analysisWithStatus("a-1", analyses.StatusProcessing))
	c := New(api, nil)

	started := make(chan struct{})
	release := make(chan struct{})
	api.mu.Lock()
	api.getStarted, api.getRelease = started, release
	api.mu.Unlock()

	short, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := c.Refresh(short, "a-1")
		first <- err
	}()
	<-started
	api.mu.Lock()
	api.getStarted, api.getRelease = nil, nil
	api.mu.Unlock()

	second := make(chan error, 1)
	go func() {
		_, err := c.Refresh(context.WithoutCancel(context.Background()), "a-1")
		second <- err
	}()
	time.Sleep(50 * time.Millisecond)

	cancel()
	if err := <-first; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected the cancelled caller to see its own cancellation, got %v", err)
	}
	close(release)
	if err := <-second; err != nil {
		t.Fatalf("other caller must not inherit the cancellation: %v", err)
	}
	if a, ok := c.Cached("a-1"); !ok || a.Status != analyses.StatusProcessing {
		t.Fatalf("shared read should still commit, got %#v ok=%v", a, ok)
	}
}
