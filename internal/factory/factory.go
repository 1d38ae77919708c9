package factory

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"request-guard/internal/client"
	"request-guard/internal/config"
	"request-guard/internal/cronauth"
	"request-guard/internal/csrf"
	"request-guard/internal/events"
	"request-guard/internal/guard"
	"request-guard/internal/handler"
	"request-guard/internal/metrics"
	"request-guard/internal/ratelimit"
	"request-guard/internal/util"
)

const healthCheckTimeout = 2 * time.Second

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config *config.Config
	logger *zap.Logger

	// Clients
	redisClient   *client.RedisClient
	kafkaProducer *client.KafkaProducer

	metrics   *metrics.Metrics
	publisher *events.Publisher
	limiter   *ratelimit.Limiter
	csrf      *csrf.Service
	issuer    *csrf.Issuer
	cron      *cronauth.Verifier
	guard     *guard.Guard

	closeOnce sync.Once
}

// NewFactory loads configuration from the environment and builds everything.
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()
	logger, err := util.Init(cfg.Environment, cfg.Logging)
	if err != nil {
		return nil, err
	}
	return New(cfg, logger)
}

// New builds every dependency from cfg. Missing optional backends degrade to
// in-process equivalents; a missing CSRF secret in production disables the
// capability rather than falling back to a guessable one.
func New(cfg *config.Config, logger *zap.Logger) (*Factory, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	for _, w := range cfg.Warnings {
		logger.Warn("Configuration value ignored", zap.String("detail", w))
	}

	f := &Factory{
		config:  cfg,
		logger:  logger,
		metrics: metrics.New(),
	}

	f.initializeStore()
	if err := f.initializeCSRF(); err != nil {
		return nil, err
	}
	f.initializeCron()
	f.initializeEvents()

	opts := []guard.Option{guard.WithRecorder(f.metrics)}
	if f.publisher != nil {
		opts = append(opts, guard.WithEventSink(f.publisher))
	}
	f.guard = guard.New(guard.Config{
		SiteOrigin:        cfg.Origins.SiteOrigin,
		DevOrigins:        cfg.Origins.DevOrigins,
		AllowDevOrigins:   cfg.IsDevelopment(),
		TrustForwardedFor: cfg.RateLimit.TrustForwardedFor,
	}, f.csrf, f.cron, logger.Named("guard"), opts...)

	logger.Info("Factory initialized successfully",
		zap.String("environment", cfg.Environment),
		zap.String("store", f.limiter.Backend()),
		zap.Bool("csrf_enabled", f.csrf != nil),
		zap.Bool("cron_enabled", f.cron != nil),
		zap.Bool("events_enabled", f.publisher != nil),
	)
	return f, nil
}

// initializeStore prefers the shared counter service and falls back to the
// local bucket store when it is absent or unreachable.
func (f *Factory) initializeStore() {
	var store ratelimit.Store
	if f.config.DistributedStoreEnabled() {
		rc, err := client.NewRedisClient(f.config.RateLimit)
		if err != nil {
			f.logger.Warn("Rate limit store unreachable, using local buckets", zap.Error(err))
		} else {
			f.redisClient = rc
			store = ratelimit.NewRedisStore(rc, f.config.RateLimit.StoreTimeout)
		}
	}
	if store == nil {
		store = ratelimit.NewLocalStore()
	}
	f.limiter = ratelimit.NewLimiter(store, f.logger.Named("ratelimit"), ratelimit.WithFailureRecorder(f.metrics))
}

func (f *Factory) initializeCSRF() error {
	secret := f.config.CSRF.Secret
	if secret == "" {
		if !f.config.IsDevelopment() {
			f.logger.Error("CSRF_SECRET is not set, protected endpoints will answer 503")
			return nil
		}
		generated, err := csrf.NewEphemeralSecret()
		if err != nil {
			return fmt.Errorf("generate development csrf secret: %w", err)
		}
		f.logger.Warn("CSRF_SECRET is not set, using a random per-process secret")
		secret = generated
	}

	svc, err := csrf.NewService(secret, csrf.WithTTL(f.config.CSRF.TokenTTL))
	if err != nil {
		return fmt.Errorf("csrf service: %w", err)
	}
	f.csrf = svc
	f.issuer = csrf.NewIssuer(svc, csrf.CookieOptions{Secure: f.config.IsProduction()}, f.logger.Named("csrf"))
	return nil
}

func (f *Factory) initializeCron() {
	v, err := cronauth.NewVerifier(f.config.Cron.Secret)
	if err != nil {
		if errors.Is(err, cronauth.ErrMissingSecret) {
			f.logger.Warn("CRON_SECRET is not set, cron endpoints will answer 503")
		}
		return
	}
	f.cron = v
}

func (f *Factory) initializeEvents() {
	if len(f.config.Kafka.Brokers) == 0 {
		return
	}
	producer, err := client.NewKafkaProducer(f.config.Kafka, f.logger.Named("kafka"))
	if err != nil {
		f.logger.Warn("Kafka producer initialization failed - proceeding without security events", zap.Error(err))
		return
	}
	f.kafkaProducer = producer
	f.publisher = events.NewPublisher(producer, events.DefaultBufferSize, f.logger.Named("events"))
}

// Router returns the HTTP handler for the whole service.
func (f *Factory) Router() http.Handler {
	origins := []string{f.config.Origins.SiteOrigin}
	if f.config.IsDevelopment() {
		origins = append(origins, f.config.Origins.DevOrigins...)
	}
	return handler.NewRouter(handler.Deps{
		Guard:          f.guard,
		Limiter:        f.limiter,
		Issuer:         f.issuer,
		Metrics:        f.metrics.Handler(),
		AllowedOrigins: origins,
		Health:         f.Health,
		Logger:         f.logger.Named("http"),
	})
}

func (f *Factory) healthSummary() map[string]string {
	enabled := func(b bool) string {
		if b {
			return "enabled"
		}
		return "disabled"
	}
	return map[string]string{
		"store":  f.limiter.Backend(),
		"csrf":   enabled(f.csrf != nil),
		"cron":   enabled(f.cron != nil),
		"events": enabled(f.publisher != nil),
	}
}

// Health is the /health report: capability summary plus one ok/error entry
// per external backend. It is unhealthy when any backend in use fails.
func (f *Factory) Health(ctx context.Context) (map[string]string, bool) {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	report := f.healthSummary()
	failures := f.HealthCheck(ctx)
	if f.redisClient != nil {
		report["redis"] = backendStatus(failures["redis"])
	}
	if f.kafkaProducer != nil {
		report["kafka"] = backendStatus(failures["kafka"])
	}
	for backend, err := range failures {
		f.logger.Warn("Health check failed", zap.String("backend", backend), zap.Error(err))
	}
	return report, len(failures) == 0
}

func backendStatus(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// HealthCheck pings the external backends that are in use.
func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	healthErrors := make(map[string]error)
	if f.redisClient != nil {
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			healthErrors["redis"] = err
		}
	}
	if f.kafkaProducer != nil {
		if err := f.kafkaProducer.HealthCheck(ctx); err != nil {
			healthErrors["kafka"] = err
		}
	}
	return healthErrors
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		f.logger.Info("Shutting down factory...")

		if f.publisher != nil {
			// Closes the Kafka producer after draining.
			if err := f.publisher.Close(); err != nil {
				f.logger.Error("Failed to close security event publisher", zap.Error(err))
			}
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				f.logger.Error("Failed to close Redis client", zap.Error(err))
			}
		}

		f.logger.Info("Factory shutdown completed")
		_ = f.logger.Sync()
	})
	return nil
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) Limiter() *ratelimit.Limiter {
	return f.limiter
}
