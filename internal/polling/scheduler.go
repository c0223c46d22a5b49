package polling

import (
	"context"
	"errors"
	"sync"
	"time"

	"sunarp-console/internal/analyses"
	"sunarp-console/internal/shared/metrics"
	"sunarp-console/internal/shared/telemetry"
)

// DefaultInterval is the fixed re-fetch interval for active analyses.
const DefaultInterval = 5 * time.Second

// Reader is the coordinator read capacity the scheduler depends on.
type Reader interface {
	Analysis(ctx context.Context, id string) (analyses.Analysis, error)
	Refresh(ctx context.Context, id string) (analyses.Analysis, error)
}

// Update is one delivery to an observer. Err is set when the fetch failed;
// Analysis then holds the last good snapshot, if any.
type Update struct {
	Analysis analyses.Analysis
	Err      error
}

// Observer receives updates on the subscription goroutine, one at a time.
type Observer func(Update)

// Ticker abstracts time.Ticker so tests can drive ticks by hand.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

// NewRealTicker wraps time.NewTicker.
func NewRealTicker(d time.Duration) Ticker { return realTicker{t: time.NewTicker(d)} }

// Scheduler arms per-entity re-fetch while an analysis is pending or processing.
type Scheduler struct {
	reader    Reader
	interval  time.Duration
	newTicker func(time.Duration) Ticker
}

// New constructs a Scheduler. A non-positive interval falls back to DefaultInterval.
func New(reader Reader, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{reader: reader, interval: interval, newTicker: NewRealTicker}
}

// WithTicker replaces the ticker source.
func (s *Scheduler) WithTicker(fn func(time.Duration) Ticker) *Scheduler {
	if fn != nil {
		s.newTicker = fn
	}
	return s
}

// Interval returns the configured re-fetch interval.
func (s *Scheduler) Interval() time.Duration { return s.interval }

// StopReason says why a subscription stopped.
type StopReason string

const (
	StopTerminal     StopReason = "terminal"
	StopClosed       StopReason = "closed"
	StopNotFound     StopReason = "not_found"
	StopUnauthorized StopReason = "unauthorized"
)

// Subscription is one observer's interest in one analysis. It must be closed
// by its owner; Close never revokes a request already sent.
type Subscription struct {
	id       string
	observer Observer

	// held across the closed check and the observer call
	deliverMu sync.Mutex

	mu     sync.Mutex
	closed bool
	last   analyses.Analysis
	hasAny bool
	err    error
	reason StopReason

	closing   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// Watch reads the analysis, delivers it, and keeps re-fetching at the fixed
// interval until it reaches a terminal status or the subscription is closed.
func (s *Scheduler) Watch(ctx context.Context, id string, observer Observer) *Subscription {
	sub := &Subscription{
		id:       id,
		observer: observer,
		closing:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	go sub.run(ctx, s)
	return sub
}

func (sub *Subscription) run(ctx context.Context, s *Scheduler) {
	defer close(sub.done)

	// requests already sent outlive the subscription; their responses are
	// dropped by deliver once closed
	fetchCtx := context.WithoutCancel(ctx)

	a, err := s.reader.Analysis(fetchCtx, sub.id)
	if !sub.deliver(a, err) {
		sub.stop(StopClosed, nil)
		return
	}
	if reason, stop := stopFor(a, err); stop {
		sub.stop(reason, err)
		return
	}

	ticker := s.newTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			sub.stop(StopClosed, nil)
			return
		case <-sub.closing:
			sub.stop(StopClosed, nil)
			return
		case <-ticker.C():
		}

		metrics.IncPoll()
		a, err := s.reader.Refresh(fetchCtx, sub.id)
		if !sub.deliver(a, err) {
			sub.stop(StopClosed, nil)
			return
		}
		telemetry.Info("analysis.poll", map[string]any{
			"analysis_id": sub.id,
			"status":      string(a.Status),
			"ok":          err == nil,
		})
		if reason, stop := stopFor(a, err); stop {
			sub.stop(reason, err)
			return
		}
	}
}

// stopFor decides whether polling continues. Transient failures keep the same
// interval; a missing entity or an expired session ends the subscription.
func stopFor(a analyses.Analysis, err error) (StopReason, bool) {
	switch {
	case err == nil:
		if a.Status.IsTerminal() {
			return StopTerminal, true
		}
		return "", false
	case errors.Is(err, analyses.ErrNotFound):
		return StopNotFound, true
	case errors.Is(err, analyses.ErrUnauthorized):
		return StopUnauthorized, true
	default:
		return "", false
	}
}

// deliver records and forwards one result. It reports false when the
// subscription was closed and the result was discarded.
func (sub *Subscription) deliver(a analyses.Analysis, err error) bool {
	sub.deliverMu.Lock()
	defer sub.deliverMu.Unlock()

	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		return false
	}
	if err == nil {
		sub.last = a
		sub.hasAny = true
	}
	sub.err = err
	u := Update{Analysis: sub.last, Err: err}
	sub.mu.Unlock()

	if sub.observer != nil {
		sub.observer(u)
	}
	return true
}

func (sub *Subscription) stop(reason StopReason, err error) {
	sub.mu.Lock()
	sub.reason = reason
	if err != nil {
		sub.err = err
	}
	sub.mu.Unlock()

	metrics.IncPollStop()
	telemetry.Info("analysis.poll_stopped", map[string]any{
		"analysis_id": sub.id,
		"reason":      string(reason),
	})
}

// Stop ends the subscription without waiting for an update being delivered.
// It is the form to use from inside the observer.
func (sub *Subscription) Stop() {
	sub.closeOnce.Do(func() {
		sub.mu.Lock()
		sub.closed = true
		sub.mu.Unlock()
		close(sub.closing)
	})
}

// Close stops scheduling and waits for an update being delivered, so the
// observer is never called once Close returns. Safe to call more than once.
// Calling it from the observer deadlocks; use Stop there.
func (sub *Subscription) Close() {
	sub.Stop()
	sub.deliverMu.Lock()
	sub.deliverMu.Unlock()
}

// Done is closed once the subscription has stopped for any reason.
func (sub *Subscription) Done() <-chan struct{} { return sub.done }

// Last returns the last successfully fetched snapshot.
func (sub *Subscription) Last() (analyses.Analysis, bool) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.last, sub.hasAny
}

// Err returns the error of the most recent fetch, or the one that stopped polling.
func (sub *Subscription) Err() error {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.err
}

// Reason returns why the subscription stopped; empty while it is running.
func (sub *Subscription) Reason() StopReason {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.reason
}
