// Package app wires configuration into a running coordinator: sandbox
// backend, worker pool, ledger, artifact store and result cache.
package app

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/michaelbrown/labrun/internal/artifact"
	"github.com/michaelbrown/labrun/internal/cache"
	"github.com/michaelbrown/labrun/internal/config"
	"github.com/michaelbrown/labrun/internal/execution"
	"github.com/michaelbrown/labrun/internal/pool"
	"github.com/michaelbrown/labrun/internal/sandbox"
	"github.com/michaelbrown/labrun/internal/storage"
	"github.com/michaelbrown/labrun/internal/storage/sqlite"
	"github.com/michaelbrown/labrun/internal/validate"
)

// App holds the long-lived components of one labrun process.
type App struct {
	Config      *config.Config
	Log         *logrus.Logger
	Store       storage.Store
	Pool        *pool.Pool
	Coordinator *execution.Coordinator

	cache cache.Cache
}

// NewLogger builds a logrus logger from the log section.
func NewLogger(cfg config.LogConfig) (*logrus.Logger, error) {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}
	log.SetLevel(level)
	if cfg.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log, nil
}

// Build creates every component and starts the pool. Close releases them.
func Build(ctx context.Context, cfg *config.Config, log *logrus.Logger) (*App, error) {
	a := &App{Config: cfg, Log: log}
	ok := false
	defer func() {
		if !ok {
			a.Close(context.Background())
		}
	}()

	registry, err := cfg.Registry()
	if err != nil {
		return nil, fmt.Errorf("building language registry: %w", err)
	}

	opts := []validate.Option{validate.WithMaxSourceBytes(cfg.Validator.MaxSourceBytes)}
	if cfg.Validator.RulesFile != "" {
		rules, err := validate.LoadRules(cfg.Validator.RulesFile)
		if err != nil {
			return nil, err
		}
		opts = append(opts, validate.WithRules(rules))
	}
	validator, err := validate.New(registry, opts...)
	if err != nil {
		return nil, fmt.Errorf("building validator: %w", err)
	}

	store, err := sqlite.Open(cfg.Storage.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	a.Store = store

	factory, err := newFactory(ctx, cfg, log.WithField("component", "sandbox"))
	if err != nil {
		return nil, err
	}
	a.Pool = pool.New(cfg.PoolConfig(), factory, log.WithField("component", "pool"))
	if err := a.Pool.Start(ctx); err != nil {
		return nil, err
	}

	a.cache, err = newCache(ctx, cfg.Cache)
	if err != nil {
		return nil, err
	}

	coordOpts := []execution.Option{
		execution.WithLogger(log.WithField("component", "execution")),
		execution.WithCache(a.cache),
	}
	arts, err := newArtifactStore(ctx, cfg.Artifacts)
	if err != nil {
		return nil, err
	}
	if arts != nil {
		coordOpts = append(coordOpts, execution.WithArtifactStore(arts))
	}

	a.Coordinator = execution.New(cfg.ExecutionConfig(), registry, validator, a.Pool, a.Store, coordOpts...)
	ok = true
	return a, nil
}

// Close drains the pool and closes the ledger and cache.
func (a *App) Close(ctx context.Context) error {
	var firstErr error
	if a.Pool != nil {
		if err := a.Pool.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if a.cache != nil {
		if err := a.cache.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func newFactory(ctx context.Context, cfg *config.Config, log *logrus.Entry) (sandbox.Factory, error) {
	switch cfg.Sandbox.Backend {
	case "docker":
		f, err := sandbox.NewDockerFactory(ctx, cfg.Sandbox.Image, cfg.Policy(), log)
		if err != nil {
			return nil, fmt.Errorf("creating docker backend: %w", err)
		}
		return f, nil
	default:
		f, err := sandbox.NewProcessFactory(cfg.Sandbox.ScratchDir, cfg.Policy(), log)
		if err != nil {
			return nil, fmt.Errorf("creating process backend: %w", err)
		}
		if err := f.Check(ctx); err != nil {
			return nil, fmt.Errorf("%w (enable unprivileged user namespaces or set sandbox.backend: docker)", err)
		}
		return f, nil
	}
}

func newCache(ctx context.Context, cfg config.CacheConfig) (cache.Cache, error) {
	switch cfg.Backend {
	case "redis":
		c, err := cache.NewRedis(ctx, cfg.Addr, cfg.Password, cfg.DB, cfg.TTL)
		if err != nil {
			return nil, err
		}
		return c, nil
	case "memory":
		return cache.NewMemory(cfg.TTL), nil
	default:
		return cache.Nop{}, nil
	}
}

func newArtifactStore(ctx context.Context, cfg config.ArtifactsConfig) (artifact.Store, error) {
	switch cfg.Backend {
	case "s3":
		s, err := artifact.NewS3Store(ctx, cfg.Bucket, cfg.Region, cfg.Endpoint)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "local":
		s, err := artifact.NewLocalStore(cfg.Dir)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, nil
	}
}
