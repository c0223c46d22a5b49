package registry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"sunarp-console/internal/analyses"
	"sunarp-console/internal/session"
)

func newTestClient(t *testing.T, router http.Handler, timeout time.Duration) (*Client, *session.Session) {
	t.Helper()
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	sess, err := session.New(session.NewMemoryStore())
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if err := sess.SignIn("tok-123"); err != nil {
		t.Fatalf("sign in: %v", err)
	}
	client, err := New(Options{BaseURL: srv.URL, Timeout: timeout}, sess)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client, sess
}

func TestCreateAnalysisSendsBearerAndRequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/api/sunarp/analyze", func(c *gin.Context) {
		if got := c.GetHeader("Authorization"); got != "Bearer tok-123" {
			c.JSON(http.StatusUnauthorized, gin.H{"data": nil, "error": gin.H{"message": "bad token " + got, "code": "UNAUTHORIZED"}})
			return
		}
		if c.GetHeader("X-Request-Id") == "" {
			c.JSON(http.StatusBadRequest, gin.H{"data": nil, "error": gin.H{"message": "missing request id", "code": "VALIDATION_ERROR"}})
			return
		}
		var body analyses.CreateRequest
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"data": nil, "error": gin.H{"message": err.Error(), "code": "VALIDATION_ERROR"}})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"data": gin.H{
			"id":         "a-1",
			"status":     "pending",
			"oficina":    body.Office,
			"partida":    body.Folio,
			"created_at": "2026-01-02T03:04:05Z",
		}})
	})
	client, _ := newTestClient(t, router, time.Second)

	req, err := analyses.NewCreateRequest("lima", "11012345", "")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	created, err := client.CreateAnalysis(context.Background(), req)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.ID != "a-1" || created.Status != analyses.StatusPending || created.Office != "LIMA" {
		t.Fatalf("unexpected created %#v", created)
	}
}

func TestErrorEnvelopeMapsToSentinels(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/api/sunarp/analyze", func(c *gin.Context) {
		c.JSON(http.StatusConflict, gin.H{"data": nil, "error": gin.H{"message": "already running", "code": "DUPLICATE_ANALYSIS"}})
	})
	router.POST("/api/sunarp/analyses/:id/cancel", func(c *gin.Context) {
		c.JSON(http.StatusConflict, gin.H{"detail": "Cannot cancel analysis with status 'completed'"})
	})
	router.GET("/api/sunarp/analyses/:id", func(c *gin.Context) {
		switch c.Param("id") {
		case "missing":
			c.JSON(http.StatusNotFound, gin.H{"data": nil, "error": gin.H{"message": "Analysis not found", "code": "NOT_FOUND"}})
		default:
			c.JSON(http.StatusBadGateway, gin.H{"data": nil, "error": gin.H{"message": "upstream", "code": "UPSTREAM_ERROR"}})
		}
	})
	client, _ := newTestClient(t, router, time.Second)
	ctx := context.Background()

	req, err := analyses.NewCreateRequest("LIMA", "11012345", "")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	_, err = client.CreateAnalysis(ctx, req)
	if !errors.Is(err, analyses.ErrAlreadyInProgress) {
		t.Fatalf("expected already in progress, got %v", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != analyses.ErrorCodeDuplicate || apiErr.RequestID == "" {
		t.Fatalf("expected api error with code and request id, got %#v", apiErr)
	}

	_, err = client.CancelAnalysis(ctx, "a-1")
	if !errors.Is(err, analyses.ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
	if !errors.As(err, &apiErr) || apiErr.Message == "" {
		t.Fatalf("expected detail message to be carried, got %#v", apiErr)
	}

	if _, err := client.GetAnalysis(ctx, "missing"); !errors.Is(err, analyses.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := client.GetAnalysis(ctx, "other"); !errors.Is(err, analyses.ErrTransient) {
		t.Fatalf("expected transient, got %v", err)
	}
}

func TestUnauthorizedExpiresSession(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/api/sunarp/analyses/:id", func(c *gin.Context) {
		c.JSON(http.StatusUnauthorized, gin.H{"detail": "Invalid token"})
	})
	client, sess := newTestClient(t, router, time.Second)

	expired := 0
	sess.OnExpired(func() { expired++ })

	_, err := client.GetAnalysis(context.Background(), "a-1")
	if !errors.Is(err, analyses.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if sess.SignedIn() || expired != 1 {
		t.Fatalf("expected session expired once, signed_in=%v hooks=%d", sess.SignedIn(), expired)
	}
}

func TestUnauthorizedForSupersededTokenKeepsNewSession(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var sess *session.Session
	router := gin.New()
	router.GET("/api/sunarp/analyses/:id", func(c *gin.Context) {
		// another login lands while this request is being answered
		if err := sess.SignIn("tok-456"); err != nil {
			t.Errorf("sign in: %v", err)
		}
		c.JSON(http.StatusUnauthorized, gin.H{"detail": "Invalid token"})
	})
	client, s := newTestClient(t, router, time.Second)
	sess = s

	expired := 0
	sess.OnExpired(func() { expired++ })

	if _, err := client.GetAnalysis(context.Background(), "a-1"); !errors.Is(err, analyses.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	tok, err := sess.Token()
	if err != nil || tok.AccessToken != "tok-456" || expired != 0 {
		t.Fatalf("newer credential must survive, token=%v err=%v hooks=%d", tok, err, expired)
	}
}

func TestSignedOutSessionDoesNotReachServer(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var hits atomic.Int32
	router := gin.New()
	router.Use(func(c *gin.Context) { hits.Add(1); c.Next() })
	router.GET("/api/sunarp/analyses/:id", func(c *gin.Context) { c.Status(http.StatusOK) })
	client, sess := newTestClient(t, router, time.Second)
	if err := sess.SignOut(); err != nil {
		t.Fatalf("sign out: %v", err)
	}

	_, err := client.GetAnalysis(context.Background(), "a-1")
	if !errors.Is(err, analyses.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if errors.Is(err, analyses.ErrTransient) {
		t.Fatalf("signed-out error must not be transient: %v", err)
	}
	if hits.Load() != 0 {
		t.Fatalf("expected no request, got %d", hits.Load())
	}
}

func TestTimeoutIsTransient(t *testing.T) {
	gin.SetMode(gin.TestMode)
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	router := gin.New()
	router.GET("/api/sunarp/analyses/:id", func(c *gin.Context) {
		select {
		case <-release:
		case <-c.Request.Context().Done():
		}
	})
	client, _ := newTestClient(t, router, 50*time.Millisecond)

	_, err := client.GetAnalysis(context.Background(), "slow")
	if !errors.Is(err, analyses.ErrTransient) {
		t.Fatalf("expected transient timeout, got %v", err)
	}
}

func TestListAnalysesSendsQueryAndReadsPagination(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/api/sunarp/analyses", func(c *gin.Context) {
		if c.Query("page") != "2" || c.Query("per_page") != "5" || c.Query("status") != "failed" {
			c.JSON(http.StatusBadRequest, gin.H{"data": nil, "error": gin.H{"message": c.Request.URL.RawQuery, "code": "VALIDATION_ERROR"}})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"data": []gin.H{{
				"id": "a-9", "oficina": "CUSCO", "partida": "123456", "status": "failed",
				"cargas_count": 0, "created_at": "2026-01-02T03:04:05Z",
			}},
			"pagination": gin.H{"page": 2, "per_page": 5, "total": 6},
		})
	})
	client, _ := newTestClient(t, router, time.Second)

	page, err := client.ListAnalyses(context.Background(), analyses.ListParams{Page: 2, PerPage: 5, Status: analyses.StatusFailed})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].ID != "a-9" || page.Pagination.Total != 6 {
		t.Fatalf("unexpected page %#v", page)
	}
}

func TestFetchArtifactAndDelete(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/api/sunarp/analyses/:id/pdf", func(c *gin.Context) {
		c.Data(http.StatusOK, "application/pdf", []byte("%PDF-1.4 test"))
	})
	router.DELETE("/api/sunarp/analyses/:id", func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
	client, _ := newTestClient(t, router, time.Second)
	ctx := context.Background()

	data, contentType, err := client.FetchArtifact(ctx, "a-1")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if string(data) != "%PDF-1.4 test" || contentType != "application/pdf" {
		t.Fatalf("unexpected artifact %q %q", data, contentType)
	}
	if err := client.DeleteAnalysis(ctx, "a-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
}

func TestLoginSignsSessionIn(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/api/auth/login", func(c *gin.Context) {
		if c.GetHeader("Authorization") != "" {
			c.JSON(http.StatusBadRequest, gin.H{"detail": "login must be anonymous"})
			return
		}
		var body struct {
			Email    string `json:"email"`
			Password string `json:"password"`
		}
		_ = c.ShouldBindJSON(&body)
		if body.Password != "secret-pass" {
			c.JSON(http.StatusUnauthorized, gin.H{"detail": "Invalid credentials"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": gin.H{"token": "fresh-token"}})
	})
	client, sess := newTestClient(t, router, time.Second)
	ctx := context.Background()

	if err := client.Login(ctx, "staff@example.com", "wrong"); !errors.Is(err, analyses.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if !sess.SignedIn() {
		t.Fatalf("failed login must not expire the existing session")
	}
	if err := client.Login(ctx, "staff@example.com", "secret-pass"); err != nil {
		t.Fatalf("login: %v", err)
	}
	tok, err := sess.Token()
	if err != nil || tok.AccessToken != "fresh-token" {
		t.Fatalf("expected fresh token, got %v %v", tok, err)
	}
	if err := client.Login(ctx, "", "x"); !errors.Is(err, analyses.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestPinnedRequestIDIsSent(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	var seen []string
	router.GET("/api/sunarp/analyses/:id", func(c *gin.Context) {
		seen = append(seen, c.GetHeader("X-Request-Id"))
		c.JSON(http.StatusNotFound, gin.H{"data": nil, "error": gin.H{"message": "analysis not found", "code": "NOT_FOUND"}})
	})
	client, _ := newTestClient(t, router, time.Second)

	ctx := analyses.WithRequestID(context.Background(), "trace-42")
	_, err := client.GetAnalysis(ctx, "a-1")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.RequestID != "trace-42" {
		t.Fatalf("expected APIError with pinned request id, got %v", err)
	}
	if _, err := client.GetAnalysis(context.Background(), "a-1"); err == nil {
		t.Fatalf("expected not found")
	}
	if len(seen) != 2 || seen[0] != "trace-42" || seen[1] == "" || seen[1] == "trace-42" {
		t.Fatalf("unexpected request ids %v", seen)
	}
}

func TestRateLimitedIsTransientWithRetryAfter(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/api/sunarp/analyses/:id", func(c *gin.Context) {
		c.Header("Retry-After", "2")
		c.JSON(http.StatusTooManyRequests, gin.H{"data": nil, "error": gin.H{"message": "polling budget exhausted, retry in 2s", "code": "RATE_LIMITED"}})
	})
	client, sess := newTestClient(t, router, time.Second)

	_, err := client.GetAnalysis(context.Background(), "a-1")
	if !errors.Is(err, analyses.ErrTransient) {
		t.Fatalf("expected transient, got %v", err)
	}
	if wait, ok := RetryAfter(err); !ok || wait != 2*time.Second {
		t.Fatalf("expected 2s retry hint, got %s ok=%v", wait, ok)
	}
	if !sess.SignedIn() {
		t.Fatalf("rate limiting must not expire the session")
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"5", 5 * time.Second},
		{"0", 0},
		{"soon", 0},
		{now.Add(90 * time.Second).Format(http.TimeFormat), 90 * time.Second},
		{now.Add(-time.Minute).Format(http.TimeFormat), 0},
	}
	for _, tc := range cases {
		if got := parseRetryAfter(tc.in, now); got != tc.want {
			t.Fatalf("parseRetryAfter(%q) = %s, want %s", tc.in, got, tc.want)
		}
	}
}
