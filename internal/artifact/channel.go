package artifact

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"sunarp-console/internal/analyses"
	"sunarp-console/internal/shared/metrics"
	"sunarp-console/internal/shared/storage/object"
	"sunarp-console/internal/shared/telemetry"
	"sunarp-console/internal/shared/util"
)

// DefaultGrace is how long a retrieved payload stays addressable.
const DefaultGrace = 10 * time.Second

const defaultContentType = "application/pdf"

// Fetcher downloads the bearer-authenticated artifact bytes.
type Fetcher interface {
	FetchArtifact(ctx context.Context, id string) ([]byte, string, error)
}

// Timer is the part of *time.Timer the channel needs.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules fn after d, like time.AfterFunc.
type AfterFunc func(d time.Duration, fn func()) Timer

func realAfterFunc(d time.Duration, fn func()) Timer { return time.AfterFunc(d, fn) }

// State is the per-analysis retrieval status shown to the user.
type State struct {
	Loading bool
	Failed  bool
}

// Channel retrieves artifacts out of band from polling. Every Download gets its
// own fetch, handle and release timer.
type Channel struct {
	fetcher   Fetcher
	store     object.Store
	grace     time.Duration
	afterFunc AfterFunc

	mu          sync.Mutex
	states      map[string]State
	outstanding int
}

// NewChannel constructs a Channel. A non-positive grace falls back to DefaultGrace.
func NewChannel(fetcher Fetcher, store object.Store, grace time.Duration) *Channel {
	if grace <= 0 {
		grace = DefaultGrace
	}
	return &Channel{
		fetcher:   fetcher,
		store:     store,
		grace:     grace,
		afterFunc: realAfterFunc,
		states:    make(map[string]State),
	}
}

// WithAfterFunc replaces the release scheduler.
func (c *Channel) WithAfterFunc(fn AfterFunc) *Channel {
	if fn != nil {
		c.afterFunc = fn
	}
	return c
}

// Grace returns the release delay.
func (c *Channel) Grace() time.Duration { return c.grace }

// FileName is the name the artifact is saved under.
func FileName(id string) (string, error) {
	return util.SanitizeFileName("copia_literal_" + id + ".pdf")
}

// Download fetches, inspects and saves the artifact of a completed analysis and
// returns a handle that is released automatically after the grace period.
// Analyses without an artifact reference fail before any request.
func (c *Channel) Download(ctx context.Context, a analyses.Analysis) (*Handle, error) {
	if a.Status != analyses.StatusCompleted || !a.HasArtifact() {
		return nil, fmt.Errorf("download analysis %s: %w", a.ID, analyses.ErrNoArtifact)
	}
	name, err := FileName(a.ID)
	if err != nil {
		return nil, fmt.Errorf("download analysis %s: %w", a.ID, err)
	}

	c.setState(a.ID, State{Loading: true})

	data, contentType, err := c.fetcher.FetchArtifact(ctx, a.ID)
	if err != nil {
		return nil, c.fail(a.ID, "fetch", err)
	}
	if contentType == "" {
		contentType = defaultContentType
	}

	info, inspectErr := Inspect(data)
	if inspectErr != nil {
		telemetry.Warn("artifact.inspect_failed", map[string]any{
			"analysis_id": a.ID,
			"error":       inspectErr.Error(),
		})
	}

	saved, err := c.store.Save(ctx, name, contentType, bytes.NewReader(data))
	if err != nil {
		return nil, c.fail(a.ID, "save", err)
	}

	h := &Handle{
		AnalysisID:  a.ID,
		FileName:    name,
		ContentType: contentType,
		Info:        info,
		Saved:       saved,
		data:        data,
		channel:     c,
	}
	c.mu.Lock()
	c.outstanding++
	c.states[a.ID] = State{}
	c.mu.Unlock()
	h.setTimer(c.afterFunc(c.grace, h.Release))

	metrics.IncArtifactDownload()
	telemetry.Info("artifact.downloaded", map[string]any{
		"analysis_id": a.ID,
		"file_name":   name,
		"size_bytes":  len(data),
		"pages":       info.Pages,
		"location":    saved.Location,
	})
	return h, nil
}

// State reports the retrieval status for id.
func (c *Channel) State(id string) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.states[id]
}

// Outstanding counts handles not yet released.
func (c *Channel) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outstanding
}

func (c *Channel) setState(id string, s State) {
	c.mu.Lock()
	c.states[id] = s
	c.mu.Unlock()
}

// fail flags the retrieval as failed. There is no retry.
func (c *Channel) fail(id, stage string, err error) error {
	c.setState(id, State{Failed: true})
	metrics.IncArtifactFailure()
	telemetry.Error("artifact.failed", map[string]any{
		"analysis_id": id,
		"stage":       stage,
		"error":       err.Error(),
	})
	return fmt.Errorf("download analysis %s: %s: %w", id, stage, err)
}

func (c *Channel) released() {
	c.mu.Lock()
	c.outstanding--
	c.mu.Unlock()
}

// Handle is one retrieved payload. Its bytes are dropped on Release.
type Handle struct {
	AnalysisID  string
	FileName    string
	ContentType string
	Info        Info
	Saved       object.Saved

	mu       sync.Mutex
	data     []byte
	timer    Timer
	released bool
	channel  *Channel
}

func (h *Handle) setTimer(t Timer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		t.Stop()
		return
	}
	h.timer = t
}

// Bytes returns the payload, or nil once released.
func (h *Handle) Bytes() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.data
}

// Released reports whether the handle has been released.
func (h *Handle) Released() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.released
}

// Release frees the payload. It runs automatically after the grace period and
// may be called early; only the first call has any effect.
func (h *Handle) Release() {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return
	}
	h.released = true
	h.data = nil
	if h.timer != nil {
		h.timer.Stop()
	}
	h.mu.Unlock()

	h.channel.released()
	metrics.IncArtifactRelease()
	telemetry.Info("artifact.released", map[string]any{"analysis_id": h.AnalysisID})
}
