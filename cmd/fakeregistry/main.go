package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sunarp-console/internal/fakeregistry"
	"sunarp-console/internal/shared/server/middleware"
	"sunarp-console/internal/shared/telemetry"
)

func main() {
	addr := flag.String("addr", ":8000", "listen address")
	email := flag.String("email", envOr("FAKE_REGISTRY_EMAIL", "demo@example.com"), "seeded account email")
	password := flag.String("password", envOr("FAKE_REGISTRY_PASSWORD", "demo"), "seeded account password")
	advanceEvery := flag.Duration("advance-every", 0, "move every active analysis one step forward at this interval (0 disables)")
	rateLimit := flag.Bool("rate-limit", false, "enable per-user budgets for polling, mutations and downloads")
	flag.Parse()

	opts := fakeregistry.Options{Secret: os.Getenv("FAKE_REGISTRY_SECRET")}
	if *rateLimit {
		opts.RateLimit = &middleware.Throttle{
			Budgets: map[middleware.RouteClass]middleware.Budget{
				middleware.ClassPolling:  {PerSecond: 5, Burst: 20},
				middleware.ClassMutation: {PerSecond: 0.5, Burst: 3},
				middleware.ClassArtifact: {PerSecond: 1, Burst: 2},
			},
		}
	}
	srv, err := fakeregistry.New(opts)
	if err != nil {
		log.Fatalf("fake registry: %v", err)
	}
	srv.AddUser(*email, *password)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *advanceEvery > 0 {
		go func() {
			ticker := time.NewTicker(*advanceEvery)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if n := srv.AdvanceAll(); n > 0 {
						telemetry.Info("fakeregistry.advanced", map[string]any{"count": n})
					}
				}
			}
		}()
	}

	httpSrv := &http.Server{Addr: *addr, Handler: srv.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	log.Printf("Starting fake registry on %s (account %s)", *addr, *email)
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server error: %v", err)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
