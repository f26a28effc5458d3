package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/rcm/rcm/internal/config"
	"github.com/rcm/rcm/internal/domain/claims"
	"github.com/rcm/rcm/internal/domain/denial"
	"github.com/rcm/rcm/internal/domain/files"
	"github.com/rcm/rcm/internal/domain/identity"
	"github.com/rcm/rcm/internal/domain/notification"
	"github.com/rcm/rcm/internal/platform/apperr"
	"github.com/rcm/rcm/internal/platform/auth"
	"github.com/rcm/rcm/internal/platform/blobstore"
	"github.com/rcm/rcm/internal/platform/cache"
	"github.com/rcm/rcm/internal/platform/db"
	"github.com/rcm/rcm/internal/platform/kvstore"
	"github.com/rcm/rcm/internal/platform/metrics"
	"github.com/rcm/rcm/internal/platform/middleware"
	"github.com/rcm/rcm/internal/platform/queue"
	"github.com/rcm/rcm/internal/platform/ratelimit"
	"github.com/rcm/rcm/internal/platform/validate"
	"github.com/rcm/rcm/internal/platform/webhook"
	"github.com/rcm/rcm/internal/platform/websocket"
)

// analysisQueue is the Redis queue batch analysis jobs travel on.
const analysisQueue = "ai-analysis"

// app holds every long-lived dependency. Nothing here is a package-level
// singleton; serve and worker each build their own.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger

	pool *pgxpool.Pool
	rdb  *redis.Client

	hub    *websocket.Hub
	relay  *websocket.Subscriber
	reaper *auth.SessionReaper
	authn  *auth.Authenticator
	limits *ratelimit.Set
	queue  *queue.Queue

	identity      *identity.Service
	claims        *claims.Service
	denial        *denial.Service
	notifications *notification.Service
	files         *files.Service
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	logger.Info().Msg("connected to database")

	rdb, err := kvstore.NewClient(ctx, cfg.RedisURL)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	logger.Info().Msg("connected to redis")

	blobs, err := newPresigner(ctx, cfg, logger)
	if err != nil {
		_ = rdb.Close()
		pool.Close()
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, pool: pool, rdb: rdb}
	a.wire(backends{blobs: blobs, sessions: auth.NewPGSessionStore(pool)})
	return a, nil
}

// backends are the stores that an in-process harness replaces.
type backends struct {
	blobs    blobstore.Presigner
	sessions auth.SessionStore
}

// newPresigner uses S3 when a bucket is configured. Without one, upload URLs
// are placeholders, which is only accepted outside production.
func newPresigner(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (blobstore.Presigner, error) {
	if cfg.S3Bucket == "" {
		logger.Warn().Msg("S3_BUCKET not set, upload URLs will not be fetchable")
		return blobstore.NewMemoryPresigner("local"), nil
	}
	p, err := blobstore.NewS3Presigner(ctx, blobstore.S3Config{
		Bucket:          cfg.S3Bucket,
		Region:          cfg.S3Region,
		Endpoint:        cfg.S3Endpoint,
		AccessKeyID:     cfg.S3AccessKeyID,
		SecretAccessKey: cfg.S3SecretAccessKey,
	})
	if err != nil {
		return nil, fmt.Errorf("configure object storage: %w", err)
	}
	return p, nil
}

func (a *app) wire(be backends) {
	cfg, logger, pool, rdb := a.cfg, a.logger, a.pool, a.rdb

	tx := db.NewTxManager(pool)
	c := cache.New(cache.NewRedisStore(rdb), cfg.CacheTTL, logger)

	codec := auth.NewTokenCodec([]byte(cfg.JWTSecret), cfg.AccessTokenTTL, cfg.RefreshTokenTTL)
	revoker := auth.NewRedisRevoker(rdb)
	sessions := be.sessions
	a.authn = auth.NewAuthenticator(codec, revoker, sessions, a.cookies(), logger)
	a.reaper = auth.NewSessionReaper(sessions, cfg.SessionReapInterval, logger)

	a.limits = ratelimit.NewSet(ratelimit.NewRedisStore(rdb), ratelimit.Limits{
		Auth:   cfg.RateLimitAuthMax,
		API:    cfg.RateLimitAPIMax,
		Upload: cfg.RateLimitUploadMax,
		AI:     cfg.RateLimitAIMax,
	}, cfg.RateLimitFailOpen, logger)

	// Socket events always go through Redis so that every API process,
	// and a standalone worker, reach clients connected anywhere.
	a.hub = websocket.NewHub(logger)
	a.relay = websocket.NewSubscriber(rdb, a.hub, logger)
	emitter := websocket.NewPublisher(rdb, logger)

	a.queue = newAnalysisQueue(rdb, cfg, logger)

	users := identity.NewUserRepoPG(pool)
	a.identity = identity.NewService(tx, identity.NewOrganizationRepoPG(pool), users, sessions, revoker, codec, c, logger)
	a.notifications = notification.NewService(notification.NewRepoPG(pool), emitter, nil, logger)
	a.claims = claims.NewService(tx, claims.NewRepoPG(pool), users, a.notifications, c, logger)
	a.denial = denial.NewService(a.claims, denial.NewAnalyzer(c), a.queue, emitter, a.notifications, logger)
	a.files = files.NewService(tx, files.NewRepoPG(pool), be.blobs, a.claims, a.notifications, logger)
}

func (a *app) cookies() auth.CookieConfig {
	return auth.CookieConfig{
		Secure:     a.cfg.CookieSecure,
		AccessTTL:  a.cfg.AccessTokenTTL,
		RefreshTTL: a.cfg.RefreshTokenTTL,
	}
}

func newAnalysisQueue(rdb redis.UniversalClient, cfg *config.Config, logger zerolog.Logger) *queue.Queue {
	return queue.New(rdb, analysisQueue, queue.Options{
		MaxAttempts: cfg.AIQueueMaxAttempts,
		Backoff:     cfg.AIQueueBackoff,
	}, logger)
}

func (a *app) worker(concurrency int) *queue.Worker {
	return queue.NewWorker(a.queue, a.denial.HandleJob, concurrency)
}

// newEcho builds the server with the global middleware chain and the
// unauthenticated liveness route.
func newEcho(cfg *config.Config, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = validate.New()
	e.HTTPErrorHandler = apperr.HTTPErrorHandler(logger, cfg.IsProduction())

	e.Use(middleware.RequestID())
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.Logger(logger))
	e.Use(metrics.Middleware())
	e.Use(middleware.SecurityHeaders(middleware.SecurityConfigFor(cfg.IsProduction(), cfg.TLSEnabled)))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:     cfg.CORSOrigins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders:     []string{echo.HeaderAuthorization, echo.HeaderContentType, echo.HeaderXRequestID},
		AllowCredentials: true,
	}))
	e.Use(middleware.BodyLimit("1M", nil))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	e.Use(middleware.Sanitize(logger))
	e.Use(middleware.Audit(logger, nil))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"success": true,
			"status":  "ok",
			"env":     cfg.Env,
		})
	})
	e.GET("/metrics", metrics.Handler())
	return e
}

// isProbe matches liveness and scrape endpoints, which the api limiter
// leaves alone.
func isProbe(c echo.Context) bool {
	p := c.Request().URL.Path
	return p == "/health" || strings.HasPrefix(p, "/health/") || p == "/metrics"
}

func (a *app) router() *echo.Echo {
	e := newEcho(a.cfg, a.logger)
	// Every route, including the socket upgrade and webhooks, counts
	// against the api limiter.
	e.Use(a.limits.API.Middleware(isProbe))
	e.GET("/health/db", db.HealthHandler(a.pool))
	e.GET("/health/redis", kvstore.HealthHandler(a.rdb))

	websocket.NewHandler(a.hub, a.authn, a.cfg.CORSOrigins, a.logger).RegisterRoutes(e)
	webhook.NewHandler(
		webhook.NewVerifier(a.cfg.WebhookSecret, a.cfg.WebhookTolerance),
		webhook.NewRedisDeduper(a.rdb, webhook.DedupeTTL),
		webhook.NewPGEventLog(a.pool),
		a.logger,
	).RegisterRoutes(e)

	api := e.Group("/api/v1")
	authn := a.authn.Middleware()

	identity.NewHandler(a.identity, a.cookies()).RegisterRoutes(api, authn, a.limits.Auth.Middleware())
	claims.NewHandler(a.claims).RegisterRoutes(api, authn)
	denial.NewHandler(a.denial).RegisterRoutes(api, authn, a.limits.AI.Middleware())
	notification.NewHandler(a.notifications).RegisterRoutes(api, authn)
	files.NewHandler(a.files).RegisterRoutes(api, authn, a.limits.Upload.Middleware())
	return e
}

// Close releases Redis and the database pool, in that order.
func (a *app) Close() {
	if err := a.rdb.Close(); err != nil {
		a.logger.Error().Err(err).Msg("close redis")
	}
	a.pool.Close()
}
