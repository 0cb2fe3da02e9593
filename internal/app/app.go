// Package app assembles the gateway from its configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/kenneth/segment-key-gateway/internal/api"
	"github.com/kenneth/segment-key-gateway/internal/audit"
	"github.com/kenneth/segment-key-gateway/internal/cache"
	"github.com/kenneth/segment-key-gateway/internal/config"
	"github.com/kenneth/segment-key-gateway/internal/delivery"
	"github.com/kenneth/segment-key-gateway/internal/entitlement"
	"github.com/kenneth/segment-key-gateway/internal/events"
	"github.com/kenneth/segment-key-gateway/internal/keys"
	"github.com/kenneth/segment-key-gateway/internal/metrics"
	"github.com/kenneth/segment-key-gateway/internal/pipeline"
	"github.com/kenneth/segment-key-gateway/internal/s3"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	redisCachePrefix = "skg:cache:"
	redisKeysPrefix  = "skg:keys:"
)

// Options overrides dependencies that are normally built from the config.
type Options struct {
	Logger  *logrus.Logger
	Metrics *metrics.Metrics
	// Objects replaces the S3 client built from cfg.Backend.
	Objects s3.Client
	// Transcoder replaces the ffmpeg transcoder.
	Transcoder pipeline.Transcoder
}

// App is a fully wired gateway.
type App struct {
	cfg        *config.Config
	logger     *logrus.Logger
	metrics    *metrics.Metrics
	handler    http.Handler
	dispatcher *events.Dispatcher
	spool      *events.SpoolWatcher
	store      keys.Store
	audit      audit.Logger
	redis      *redis.Client

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds every component named by cfg. Connections opened before a
// failure are closed again.
func New(ctx context.Context, cfg *config.Config, opts Options) (a *App, err error) {
	if cfg.Backend.Bucket == "" {
		return nil, fmt.Errorf("backend.bucket is required")
	}
	if cfg.Entitlement.ServiceURL == "" || cfg.Entitlement.CatalogURL == "" {
		return nil, fmt.Errorf("entitlement.service_url and entitlement.catalog_url are required")
	}

	a = &App{cfg: cfg, logger: opts.Logger, metrics: opts.Metrics}
	if a.logger == nil {
		a.logger = logrus.StandardLogger()
	}
	defer func() {
		if err != nil {
			a.close(context.Background())
		}
	}()

	var shared cache.Cache
	if cfg.Redis.URL != "" {
		redisOpts, perr := redis.ParseURL(cfg.Redis.URL)
		if perr != nil {
			return nil, fmt.Errorf("invalid redis url: %w", perr)
		}
		a.redis = redis.NewClient(redisOpts)
		if perr := a.redis.Ping(ctx).Err(); perr != nil {
			return nil, fmt.Errorf("failed to ping redis: %w", perr)
		}
		shared = cache.NewRedisCache(a.redis, redisCachePrefix)
	} else {
		a.logger.Warn("No redis configured, using in-process caches")
		shared = cache.NewMemoryCache(nil)
	}

	if a.store, err = a.openKeyStore(ctx); err != nil {
		return nil, err
	}

	if a.audit, err = audit.NewLoggerFromConfig(cfg.Audit); err != nil {
		return nil, fmt.Errorf("failed to create audit logger: %w", err)
	}

	objects := opts.Objects
	if objects == nil {
		if objects, err = s3.NewClient(ctx, &cfg.Backend, a.metrics); err != nil {
			return nil, fmt.Errorf("failed to create object storage client: %w", err)
		}
	}

	issuer := keys.NewIssuer(a.store, keys.ReissuePolicy(cfg.Keys.ReissuePolicy), a.logger,
		keys.WithMetrics(a.metrics), keys.WithAudit(a.audit))

	policy, err := entitlement.ParseFailurePolicy(cfg.Entitlement.UpstreamFailure)
	if err != nil {
		return nil, err
	}
	gate := entitlement.NewGate(
		entitlement.NewHTTPEntitlementClient(cfg.Entitlement.ServiceURL, cfg.Entitlement.UpstreamTimeout),
		entitlement.NewHTTPCatalogClient(cfg.Entitlement.CatalogURL, cfg.Entitlement.UpstreamTimeout),
		shared,
		entitlement.Options{
			FreeTier:       cfg.Entitlement.FreeTierName,
			EntitlementTTL: cfg.Entitlement.EntitlementTTL,
			CatalogTTL:     cfg.Entitlement.CatalogTTL,
			FailurePolicy:  policy,
		},
		a.logger,
		entitlement.WithMetrics(a.metrics),
		entitlement.WithAudit(a.audit),
	)

	envelope, err := delivery.ParseEnvelope(cfg.Delivery.KeyEnvelope)
	if err != nil {
		return nil, err
	}
	gw, err := delivery.NewGateway(delivery.Config{
		Objects:       objects,
		Bucket:        cfg.Backend.Bucket,
		Keys:          a.store,
		Gate:          gate,
		Sessions:      cache.NewSessionKeys(shared, cfg.Delivery.SessionTTL),
		Envelope:      envelope,
		GatewayBase:   cfg.GatewayBaseURL,
		SegmentBase:   cfg.Delivery.SegmentBaseURL,
		SegmentURLTTL: cfg.Delivery.SegmentURLTTL,
		Logger:        a.logger,
		Metrics:       a.metrics,
		Audit:         a.audit,
	})
	if err != nil {
		return nil, err
	}

	transcoder := opts.Transcoder
	if transcoder == nil {
		transcoder = pipeline.NewFFmpegTranscoder(cfg.Pipeline.FFmpegPath)
	}
	sealer, err := pipeline.NewSealer(cfg.Pipeline.Sealer, cfg.Pipeline.FFmpegPath)
	if err != nil {
		return nil, err
	}
	runner, err := pipeline.NewRunner(pipeline.Config{
		Objects:         objects,
		Bucket:          cfg.Backend.Bucket,
		Issuer:          issuer,
		Transcoder:      transcoder,
		Sealer:          sealer,
		SegmentDuration: cfg.Pipeline.SegmentDuration,
		WorkDir:         cfg.Pipeline.WorkDir,
		GatewayBase:     cfg.GatewayBaseURL,
		Logger:          a.logger,
		Metrics:         a.metrics,
		Audit:           a.audit,
	})
	if err != nil {
		return nil, err
	}

	a.dispatcher = events.NewDispatcher(runner, cfg.Pipeline.Workers, cfg.Pipeline.QueueSize,
		cfg.Pipeline.RunTimeout, a.logger, a.metrics)
	if cfg.Events.SpoolDir != "" {
		a.spool = events.NewSpoolWatcher(cfg.Events.SpoolDir, a.dispatcher, a.logger, 0)
	}

	handler := api.NewHandler(api.Config{
		Issuer:        issuer,
		Delivery:      gw,
		Events:        a.dispatcher,
		InternalToken: cfg.InternalToken,
		ReadyChecks: map[string]metrics.CheckFunc{
			"key_store":      a.store.HealthCheck,
			"cache":          shared.Ping,
			"pipeline_queue": a.dispatcher.HealthCheck,
			"object_storage": func(ctx context.Context) error {
				return objects.HeadBucket(ctx, cfg.Backend.Bucket)
			},
		},
		Logger:  a.logger,
		Metrics: a.metrics,
	})
	a.handler = api.NewRouter(handler, api.RouterOptions{
		UserHeader:     cfg.Auth.UserHeader,
		AllowedOrigins: cfg.Auth.AllowedOrigins,
		ServiceName:    cfg.Tracing.ServiceName,
		Logger:         a.logger,
		Metrics:        a.metrics,
	})
	return a, nil
}

func (a *App) openKeyStore(ctx context.Context) (keys.Store, error) {
	switch a.cfg.KeyStore.Backend {
	case "redis":
		if a.redis == nil {
			return nil, fmt.Errorf("redis key store requires redis.url")
		}
		return keys.NewRedisStore(a.redis, redisKeysPrefix), nil
	case "mongo":
		store, err := keys.ConnectMongo(ctx, a.cfg.KeyStore.MongoURL, a.cfg.KeyStore.Database)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		a.logger.Warn("Using in-memory key store, keys are lost on restart")
		return keys.NewMemoryStore(), nil
	}
}

// Handler returns the HTTP surface.
func (a *App) Handler() http.Handler {
	return a.handler
}

// Start launches the pipeline workers and the spool watcher.
func (a *App) Start(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)
	a.dispatcher.Start(ctx)
	if a.spool == nil {
		return
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.spool.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.WithError(err).Error("Spool watcher stopped")
		}
	}()
}

// Shutdown drains in-flight pipeline runs until ctx ends, then releases every
// connection.
func (a *App) Shutdown(ctx context.Context) error {
	err := a.dispatcher.Shutdown(ctx)
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	a.close(ctx)
	return err
}

func (a *App) close(ctx context.Context) {
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if a.audit != nil {
		if err := a.audit.Close(); err != nil {
			a.logger.WithError(err).Warn("Failed to flush audit log")
		}
	}
	if a.store != nil {
		if err := a.store.Close(closeCtx); err != nil {
			a.logger.WithError(err).Warn("Failed to close key store")
		}
	}
	// The redis key store owns the shared client.
	if a.redis != nil && (a.store == nil || a.cfg.KeyStore.Backend != "redis") {
		if err := a.redis.Close(); err != nil {
			a.logger.WithError(err).Warn("Failed to close redis client")
		}
	}
}
