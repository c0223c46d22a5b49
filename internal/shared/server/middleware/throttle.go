package middleware

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"sunarp-console/internal/shared/server/respond"
	"sunarp-console/internal/shared/telemetry"
)

// RouteClass groups endpoints that share one request budget per user.
type RouteClass string

const (
	ClassPolling  RouteClass = "polling"
	ClassMutation RouteClass = "mutation"
	ClassArtifact RouteClass = "artifact"
)

// Budget allows PerSecond requests on average with up to Burst back to back.
type Budget struct {
	PerSecond float64
	Burst     int
}

func (b Budget) valid() bool { return b.PerSecond > 0 && b.Burst > 0 }

// Throttle configures per-user request budgets. Classes without a budget are
// not limited. Classify defaults to ClassifyByMethod.
type Throttle struct {
	Budgets  map[RouteClass]Budget
	Classify func(*gin.Context) RouteClass
	Limiter  *Limiter
}

// ClassifyByMethod treats reads as polling and everything else as mutations.
func ClassifyByMethod(c *gin.Context) RouteClass {
	switch c.Request.Method {
	case http.MethodGet, http.MethodHead:
		return ClassPolling
	default:
		return ClassMutation
	}
}

// Limiter tracks, per key, the theoretical arrival time of the next request
// (GCRA). A request is admitted while that time is within the burst tolerance.
type Limiter struct {
	mu  sync.Mutex
	tat map[string]time.Time
	now func() time.Time
}

// NewLimiter constructs a Limiter. A nil clock uses time.Now.
func NewLimiter(now func() time.Time) *Limiter {
	if now == nil {
		now = time.Now
	}
	return &Limiter{tat: make(map[string]time.Time), now: now}
}

// Admit reports whether one more request fits the budget for key, and if not,
// how long until it would.
func (l *Limiter) Admit(key string, b Budget) (bool, time.Duration) {
	if !b.valid() {
		return true, 0
	}
	interval := time.Duration(float64(time.Second) / b.PerSecond)
	tolerance := time.Duration(b.Burst-1) * interval

	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	tat := l.tat[key]
	if tat.Before(now) {
		tat = now
	}
	if wait := tat.Sub(now) - tolerance; wait > 0 {
		return false, wait
	}
	l.tat[key] = tat.Add(interval)
	return true, 0
}

// RateLimit rejects requests over their class budget with 429 RATE_LIMITED and
// a Retry-After in whole seconds.
func RateLimit(cfg Throttle) gin.HandlerFunc {
	if cfg.Limiter == nil {
		cfg.Limiter = NewLimiter(nil)
	}
	if cfg.Classify == nil {
		cfg.Classify = ClassifyByMethod
	}
	return func(c *gin.Context) {
		class := cfg.Classify(c)
		budget, ok := cfg.Budgets[class]
		if !ok {
			c.Next()
			return
		}
		principal := strings.TrimSpace(UserIDFromContext(c))
		if principal == "" {
			principal = c.ClientIP()
		}
		admitted, wait := cfg.Limiter.Admit(principal+"|"+string(class), budget)
		if admitted {
			c.Next()
			return
		}

		secs := int(math.Ceil(wait.Seconds()))
		if secs < 1 {
			secs = 1
		}
		telemetry.Warn("rate_limit.rejected", map[string]any{
			"class":          string(class),
			"user_id":        UserIDFromContext(c),
			"retry_after_ms": wait.Milliseconds(),
		})
		c.Header("Retry-After", strconv.Itoa(secs))
		respond.Error(c, http.StatusTooManyRequests, "RATE_LIMITED", fmt.Sprintf("%s budget exhausted, retry in %ds", class, secs))
	}
}
