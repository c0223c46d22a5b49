// Package fakeregistry is an in-memory registry API for tests and local runs.
// It never runs jobs: callers drive every status transition explicitly.
package fakeregistry

import (
	"bytes"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"sunarp-console/internal/analyses"
	"sunarp-console/internal/shared/auth"
	"sunarp-console/internal/shared/server/middleware"
	"sunarp-console/internal/shared/util"
)

const cancelledMessage = "Cancelled by user"

// Options configures a Server.
type Options struct {
	// Secret signs issued tokens. Defaults to a fixed development secret.
	Secret   string
	TokenTTL time.Duration
	// RateLimit enables per-user budgets by route class when set.
	RateLimit *middleware.Throttle
	Now       func() time.Time
}

// Result is what Complete writes onto an analysis.
type Result struct {
	TotalEntries int
	Report       string
	Encumbrances []analyses.Encumbrance
	// PDF is served by the artifact endpoint. Nil serves a blank one page document.
	PDF []byte
}

type user struct {
	id        string
	email     string
	password  string
	createdAt time.Time
}

type fault struct {
	status  int
	code    string
	message string
}

// Server holds the fake registry state and its gin engine.
type Server struct {
	engine *gin.Engine
	signer *auth.Signer
	repo   *repo
	now    func() time.Time

	mu        sync.Mutex
	users     map[string]user
	artifacts map[string][]byte
	faults    map[string][]fault
	delays    map[string]time.Duration
	hits      map[string]int
}

// New constructs a Server with its routes registered.
func New(opts Options) (*Server, error) {
	secret := opts.Secret
	if strings.TrimSpace(secret) == "" {
		secret = "fake-registry-dev-secret"
	}
	signer, err := auth.NewSigner(secret, opts.TokenTTL)
	if err != nil {
		return nil, fmt.Errorf("fake registry signer: %w", err)
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	signer.WithClock(now)

	s := &Server{
		signer:    signer,
		repo:      newRepo(),
		now:       now,
		users:     make(map[string]user),
		artifacts: make(map[string][]byte),
		faults:    make(map[string][]fault),
		delays:    make(map[string]time.Duration),
		hits:      make(map[string]int),
	}
	s.engine = s.router(opts.RateLimit)
	return s, nil
}

// Handler returns the HTTP handler serving the registry API.
func (s *Server) Handler() http.Handler { return s.engine }

// Signer returns the token signer, for tests that mint tokens directly.
func (s *Server) Signer() *auth.Signer { return s.signer }

func (s *Server) router(limit *middleware.Throttle) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(
		middleware.RequestID(),
		middleware.Logging(),
		middleware.Recovery(),
		middleware.Auth(s.signer, "/api/auth/login", "/health"),
	)
	if limit != nil {
		cfg := *limit
		if cfg.Classify == nil {
			cfg.Classify = classifyRoute
		}
		r.Use(middleware.RateLimit(cfg))
	}
	r.Use(s.inject)

	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ok": true}) })
	r.POST("/api/auth/login", s.login)
	r.GET("/api/auth/me", s.me)

	api := r.Group("/api/sunarp")
	api.POST("/analyze", s.createAnalysis)
	api.GET("/analyses", s.listAnalyses)
	api.GET("/analyses/:id", s.getAnalysis)
	api.POST("/analyses/:id/cancel", s.cancelAnalysis)
	api.DELETE("/analyses/:id", s.deleteAnalysis)
	api.GET("/analyses/:id/pdf", s.analysisPDF)
	return r
}

// classifyRoute charges each endpoint to the budget a real client spends on
// it: status reads and history pages are polling, the PDF is its own class.
func classifyRoute(c *gin.Context) middleware.RouteClass {
	switch {
	case c.Request.Method == http.MethodGet && c.FullPath() == "/api/sunarp/analyses/:id/pdf":
		return middleware.ClassArtifact
	default:
		return middleware.ClassifyByMethod(c)
	}
}

// Route names a registered endpoint as "METHOD /path/:param", for fault injection.
func Route(method, path string) string { return method + " " + path }

// inject counts the request and applies queued faults and delays for its route.
func (s *Server) inject(c *gin.Context) {
	route := Route(c.Request.Method, c.FullPath())

	s.mu.Lock()
	s.hits[route]++
	delay := s.delays[route]
	var f *fault
	if queued := s.faults[route]; len(queued) > 0 {
		f = &queued[0]
		s.faults[route] = queued[1:]
	}
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-c.Request.Context().Done():
			c.Abort()
			return
		}
	}
	if f != nil {
		writeError(c, f.status, f.code, f.message)
		return
	}
	c.Next()
}

// AddUser registers credentials and returns the user id.
func (s *Server) AddUser(email, password string) string {
	id := util.HashUserKey(email)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[id] = user{id: id, email: strings.TrimSpace(email), password: password, createdAt: s.now()}
	return id
}

// Token mints a bearer token for a registered user.
func (s *Server) Token(email string) (string, error) {
	id := util.HashUserKey(email)
	s.mu.Lock()
	u, ok := s.users[id]
	s.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("fake registry: unknown user %s", email)
	}
	return s.signer.Sign(auth.Claims{Sub: u.id, Email: u.email})
}

// FailNext makes the next request to route answer with status and code.
// Calls queue up; each fault is used once.
func (s *Server) FailNext(route string, status int, code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[route] = append(s.faults[route], fault{status: status, code: code, message: "injected failure"})
}

// Delay holds every request to route for d before handling it. Zero clears it.
func (s *Server) Delay(route string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d <= 0 {
		delete(s.delays, route)
		return
	}
	s.delays[route] = d
}

// Hits returns how many requests reached route.
func (s *Server) Hits(route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[route]
}

// Analysis returns the stored entity, ignoring ownership.
func (s *Server) Analysis(id string) (analyses.Analysis, bool) {
	a, err := s.repo.get("", id)
	return a, err == nil
}

// Advance moves pending to processing, and processing to completed with a
// default result.
func (s *Server) Advance(id string) (analyses.Analysis, error) {
	a, ok := s.Analysis(id)
	if !ok {
		return analyses.Analysis{}, fmt.Errorf("advance %s: %w", id, errNotFound)
	}
	switch a.Status {
	case analyses.StatusPending:
		return s.repo.update("", id, func(a *analyses.Analysis) error {
			now := s.now()
			log := "Conectando con SUNARP\nBuscando partida " + a.Folio
			a.Status = analyses.StatusProcessing
			a.StartedAt = &now
			a.ProgressLog = &log
			return nil
		})
	case analyses.StatusProcessing:
		return s.Complete(id, Result{})
	default:
		return analyses.Analysis{}, fmt.Errorf("advance %s in status %s: %w", id, a.Status, errConflict)
	}
}

// AdvanceAll advances every active analysis one step and returns how many moved.
func (s *Server) AdvanceAll() int {
	n := 0
	for _, id := range s.repo.activeIDs() {
		if _, err := s.Advance(id); err == nil {
			n++
		}
	}
	return n
}

// Complete finishes an active analysis with result and makes its artifact downloadable.
func (s *Server) Complete(id string, result Result) (analyses.Analysis, error) {
	if result.Report == "" {
		result.Report = "Informe registral de la partida"
	}
	if result.TotalEntries == 0 {
		result.TotalEntries = len(result.Encumbrances) + 1
	}
	if result.Encumbrances == nil {
		result.Encumbrances = []analyses.Encumbrance{}
	}
	if result.PDF == nil {
		result.PDF = BlankPDF(1)
	}

	a, err := s.repo.update("", id, func(a *analyses.Analysis) error {
		if !a.Status.IsActive() {
			return errConflict
		}
		now := s.now()
		ref := "pdfs/" + a.ID + ".pdf"
		total, report := result.TotalEntries, result.Report
		a.Status = analyses.StatusCompleted
		a.TotalEntries = &total
		a.Report = &report
		a.Encumbrances = result.Encumbrances
		a.ArtifactRef = &ref
		finish(a, now)
		return nil
	})
	if err != nil {
		return a, fmt.Errorf("complete %s: %w", id, err)
	}
	s.mu.Lock()
	s.artifacts[id] = result.PDF
	s.mu.Unlock()
	return a, nil
}

// Fail ends an active analysis with message.
func (s *Server) Fail(id, message string) (analyses.Analysis, error) {
	a, err := s.repo.update("", id, func(a *analyses.Analysis) error {
		if !a.Status.IsActive() {
			return errConflict
		}
		a.Status = analyses.StatusFailed
		a.ErrorMessage = &message
		finish(a, s.now())
		return nil
	})
	if err != nil {
		return a, fmt.Errorf("fail %s: %w", id, err)
	}
	return a, nil
}

func finish(a *analyses.Analysis, now time.Time) {
	a.CompletedAt = &now
	secs := int(now.Sub(a.CreatedAt).Seconds())
	if secs < 0 {
		secs = 0
	}
	a.DurationSecs = &secs
}

// BlankPDF builds a valid PDF with the given number of empty pages.
func BlankPDF(pages int) []byte {
	if pages < 1 {
		pages = 1
	}
	var buf bytes.Buffer
	var offsets []int
	obj := func(body string) {
		offsets = append(offsets, buf.Len())
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", len(offsets), body)
	}

	buf.WriteString("%PDF-1.4\n")
	obj("<< /Type /Catalog /Pages 2 0 R >>")
	var kids strings.Builder
	for i := 0; i < pages; i++ {
		fmt.Fprintf(&kids, "%d 0 R ", 3+i)
	}
	obj(fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", kids.String(), pages))
	for i := 0; i < pages; i++ {
		obj("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] >>")
	}

	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", len(offsets)+1)
	buf.WriteString("0000000000 65535 f \n")
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(offsets)+1, xref)
	return buf.Bytes()
}
