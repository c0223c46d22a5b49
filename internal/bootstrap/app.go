package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"sunarp-console/internal/artifact"
	"sunarp-console/internal/cache"
	"sunarp-console/internal/coordinator"
	"sunarp-console/internal/polling"
	"sunarp-console/internal/registry"
	"sunarp-console/internal/session"
	"sunarp-console/internal/shared/config"
	"sunarp-console/internal/shared/storage/object"
	gcsstore "sunarp-console/internal/shared/storage/object/gcs"
	localstore "sunarp-console/internal/shared/storage/object/local"
	s3store "sunarp-console/internal/shared/storage/object/s3"
	"sunarp-console/internal/shared/telemetry"
)

// App holds the wired client components.
type App struct {
	Config      config.Config
	Session     *session.Session
	Registry    *registry.Client
	Cache       *cache.Store
	Coordinator *coordinator.Coordinator
	Scheduler   *polling.Scheduler
	Artifacts   *artifact.Channel
	Store       object.Store

	fileTokens bool
}

// Overrides replaces default dependencies, mainly for tests.
type Overrides struct {
	TokenStore session.TokenStore
	Transport  http.RoundTripper
	Store      object.Store
	Ticker     func(time.Duration) polling.Ticker
}

// Build prepares every component from cfg.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	return BuildWith(ctx, cfg, Overrides{})
}

// BuildWith is Build with some dependencies supplied by the caller.
func BuildWith(ctx context.Context, cfg config.Config, o Overrides) (*App, error) {
	tokens := o.TokenStore
	if tokens == nil {
		tokens = session.NewFileStore(cfg.TokenFile)
	}
	sess, err := session.New(tokens)
	if err != nil {
		return nil, fmt.Errorf("build session: %w", err)
	}
	sess.OnExpired(func() {
		telemetry.Warn("session.expired", map[string]any{"api_base_url": cfg.APIBaseURL})
	})

	client, err := registry.New(registry.Options{
		BaseURL:   cfg.APIBaseURL,
		Timeout:   cfg.RequestTimeout,
		Transport: o.Transport,
	}, sess)
	if err != nil {
		return nil, fmt.Errorf("build registry client: %w", err)
	}

	store := o.Store
	if store == nil {
		store, err = buildStore(ctx, cfg)
		if err != nil {
			return nil, err
		}
	}

	entries := cache.NewStore()
	coord := coordinator.New(client, entries).WithFetchTimeout(cfg.RequestTimeout)

	app := &App{
		Config:      cfg,
		Session:     sess,
		Registry:    client,
		Cache:       entries,
		Coordinator: coord,
		Scheduler:   polling.New(coord, cfg.PollInterval).WithTicker(o.Ticker),
		Artifacts:   artifact.NewChannel(client, store, cfg.ArtifactGrace),
		Store:       store,
		fileTokens:  o.TokenStore == nil,
	}
	telemetry.Info("app.built", map[string]any{
		"api_base_url":   cfg.APIBaseURL,
		"artifact_store": cfg.ArtifactStore,
		"poll_interval":  cfg.PollInterval.String(),
		"env":            cfg.Env,
	})
	return app, nil
}

func buildStore(ctx context.Context, cfg config.Config) (object.Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.ArtifactStore)) {
	case "s3":
		if cfg.AWSRegion == "" || cfg.S3Bucket == "" {
			return nil, errors.New("ARTIFACT_STORE=s3 requires AWS_REGION and S3_BUCKET")
		}
		store, err := s3store.New(ctx, cfg.AWSRegion, cfg.S3Bucket, cfg.S3Prefix, cfg.SSEKMSKeyID)
		if err != nil {
			return nil, fmt.Errorf("build s3 store: %w", err)
		}
		return store, nil
	case "gcs":
		store, err := gcsstore.New(ctx, cfg.GCSBucket, cfg.GCSPrefix)
		if err != nil {
			return nil, fmt.Errorf("build gcs store: %w", err)
		}
		return store, nil
	case "", "local":
		return localstore.New(cfg.DownloadsDir), nil
	default:
		return nil, fmt.Errorf("unknown ARTIFACT_STORE %q", cfg.ArtifactStore)
	}
}

// Download reads the analysis through the coordinator and retrieves its artifact.
func (a *App) Download(ctx context.Context, id string) (*artifact.Handle, error) {
	entity, err := a.Coordinator.Analysis(ctx, id)
	if err != nil {
		return nil, err
	}
	return a.Artifacts.Download(ctx, entity)
}

// FollowSession keeps the session in step with the token file while ctx lives.
// It is a no-op when tokens are not file-backed.
func (a *App) FollowSession(ctx context.Context) error {
	if !a.fileTokens {
		return nil
	}
	return a.Session.Follow(ctx, a.Config.TokenFile)
}

// Watch subscribes to id until it reaches a terminal status.
func (a *App) Watch(ctx context.Context, id string, observer polling.Observer) *polling.Subscription {
	return a.Scheduler.Watch(ctx, id, observer)
}
