package factory

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"admin-auth-service/internal/audit"
	"admin-auth-service/internal/bucketing"
	"admin-auth-service/internal/client"
	"admin-auth-service/internal/config"
	"admin-auth-service/internal/encryption"
	"admin-auth-service/internal/handler"
	"admin-auth-service/internal/hashing"
	"admin-auth-service/internal/repository"
	"admin-auth-service/internal/repository/memory"
	redisstore "admin-auth-service/internal/repository/redis"
	"admin-auth-service/internal/repository/scylla"
	"admin-auth-service/internal/service"
	"admin-auth-service/internal/tls"
	"admin-auth-service/internal/util"
)

const initTimeout = 30 * time.Second

// lazy holds a value built at most once, on first use, by whichever goroutine gets
// there first. A failed build is remembered.
type lazy[T any] struct {
	once sync.Once
	done atomic.Bool
	val  T
	err  error
}

func (l *lazy[T]) get(build func() (T, error)) (T, error) {
	l.once.Do(func() {
		l.val, l.err = build()
		l.done.Store(true)
	})
	return l.val, l.err
}

// peek returns the value only when it has already been built successfully.
func (l *lazy[T]) peek() (T, bool) {
	var zero T
	if !l.done.Load() || l.err != nil {
		return zero, false
	}
	return l.val, true
}

// Factory owns every client and service of the process. Everything is created on
// first use and torn down by Close.
type Factory struct {
	config *config.Config
	logger *zap.Logger

	kmsOverride encryption.KMSAPI

	// Clients
	redisClient      lazy[*client.RedisClient]
	scyllaClient     lazy[*scylla.ScyllaClient]
	kafkaProducer    lazy[*client.KafkaProducer]
	esClient         lazy[*client.ESClient]
	clickhouseClient lazy[*client.ClickHouseClient]
	kmsClient        lazy[encryption.KMSAPI]

	// Managers
	hasher            lazy[*hashing.Hasher]
	encryptionManager lazy[*encryption.EncryptionManager]
	bucketingManager  *bucketing.BucketingManager
	tlsManager        lazy[*tls.TLSManager]

	// Stores and services
	sessionStore lazy[repository.SessionStore]
	rateLimiter  lazy[repository.RateLimiter]
	dispatcher   lazy[*audit.Dispatcher]
	delivery     lazy[service.OTPDelivery]
	otpService   lazy[*service.OTPService]
	tokenService lazy[*service.TokenService]
	router       lazy[http.Handler]

	closeOnce sync.Once
	closed    chan struct{}
}

type Option func(*Factory)

// WithKMSClient replaces the AWS KMS client.
func WithKMSClient(c encryption.KMSAPI) Option {
	return func(f *Factory) { f.kmsOverride = c }
}

// NewFactory expects a validated configuration.
func NewFactory(cfg *config.Config, opts ...Option) *Factory {
	f := &Factory{
		config:           cfg,
		logger:           util.Get(),
		bucketingManager: bucketing.NewBucketingManager(cfg),
		closed:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Initialize builds the whole request path so that misconfiguration and unreachable
// backends fail at startup rather than on the first request.
func (f *Factory) Initialize(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, initTimeout)
	defer cancel()

	if _, err := f.Router(ctx); err != nil {
		return err
	}

	util.Info("Factory initialized successfully",
		util.String("environment", f.config.Environment),
		util.String("store_backend", f.config.Store.Backend),
		util.String("otp_delivery", f.config.Auth.Delivery),
		util.Strings("audit_sinks", f.config.Audit.Sinks),
		util.Bool("tls_enabled", f.config.Server.EnableTLS),
		util.Bool("kms_enabled", f.config.KMS.Enabled),
	)
	return nil
}

// ==============================
// Clients
// ==============================

func (f *Factory) RedisClient(ctx context.Context) (*client.RedisClient, error) {
	return f.redisClient.get(func() (*client.RedisClient, error) {
		c, err := client.NewRedisClient(f.config)
		if err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		if err := c.HealthCheck(ctx); err != nil {
			c.Close()
			return nil, fmt.Errorf("redis health check: %w", err)
		}
		return c, nil
	})
}

func (f *Factory) ScyllaClient(ctx context.Context) (*scylla.ScyllaClient, error) {
	return f.scyllaClient.get(func() (*scylla.ScyllaClient, error) {
		c, err := scylla.NewScyllaClient(f.config)
		if err != nil {
			return nil, fmt.Errorf("scylla: %w", err)
		}
		if err := c.EnsureSchema(ctx); err != nil {
			c.Close()
			return nil, fmt.Errorf("scylla schema: %w", err)
		}
		return c, nil
	})
}

func (f *Factory) KafkaProducer() (*client.KafkaProducer, error) {
	return f.kafkaProducer.get(func() (*client.KafkaProducer, error) {
		p, err := client.NewKafkaProducer(f.config)
		if err != nil {
			return nil, fmt.Errorf("kafka: %w", err)
		}
		return p, nil
	})
}

func (f *Factory) ElasticsearchClient(ctx context.Context) (*client.ESClient, error) {
	return f.esClient.get(func() (*client.ESClient, error) {
		// the constructor already checks cluster health
		c, err := client.NewElasticsearchClient(f.config)
		if err != nil {
			return nil, fmt.Errorf("elasticsearch: %w", err)
		}
		return c, nil
	})
}

func (f *Factory) ClickHouseClient(ctx context.Context) (*client.ClickHouseClient, error) {
	return f.clickhouseClient.get(func() (*client.ClickHouseClient, error) {
		c, err := client.NewClickHouseClient(f.config)
		if err != nil {
			return nil, fmt.Errorf("clickhouse: %w", err)
		}
		if err := c.HealthCheck(ctx); err != nil {
			c.Close()
			return nil, fmt.Errorf("clickhouse health check: %w", err)
		}
		return c, nil
	})
}

// KMSClient returns nil when KMS is disabled.
func (f *Factory) KMSClient(ctx context.Context) (encryption.KMSAPI, error) {
	return f.kmsClient.get(func() (encryption.KMSAPI, error) {
		if !f.config.KMS.Enabled {
			return nil, nil
		}
		if f.kmsOverride != nil {
			return f.kmsOverride, nil
		}
		c, err := client.NewKMSClient(ctx, f.config)
		if err != nil {
			return nil, fmt.Errorf("kms: %w", err)
		}
		return c, nil
	})
}

// ==============================
// Managers
// ==============================

func (f *Factory) Hasher() (*hashing.Hasher, error) {
	return f.hasher.get(func() (*hashing.Hasher, error) {
		return hashing.NewHasher(f.config)
	})
}

func (f *Factory) EncryptionManager(ctx context.Context) (*encryption.EncryptionManager, error) {
	return f.encryptionManager.get(func() (*encryption.EncryptionManager, error) {
		kmsClient, err := f.KMSClient(ctx)
		if err != nil {
			return nil, err
		}
		return encryption.NewEncryptionManager(f.config, kmsClient), nil
	})
}

func (f *Factory) BucketingManager() *bucketing.BucketingManager {
	return f.bucketingManager
}

func (f *Factory) TLSManager() (*tls.TLSManager, error) {
	return f.tlsManager.get(func() (*tls.TLSManager, error) {
		return tls.NewTLSManager(f.config)
	})
}

// ==============================
// Stores
// ==============================

func (f *Factory) SessionStore(ctx context.Context) (repository.SessionStore, error) {
	return f.sessionStore.get(func() (repository.SessionStore, error) {
		switch f.config.Store.Backend {
		case config.StoreRedis:
			c, err := f.RedisClient(ctx)
			if err != nil {
				return nil, err
			}
			return redisstore.NewStore(c), nil
		case config.StoreScylla:
			c, err := f.ScyllaClient(ctx)
			if err != nil {
				return nil, err
			}
			return scylla.NewStore(c), nil
		case config.StoreMemory:
			util.Warn("Using the in-memory session store; sessions do not survive a restart")
			return memory.NewStore(), nil
		default:
			return nil, fmt.Errorf("unknown store backend %q", f.config.Store.Backend)
		}
	})
}

// RateLimiter returns nil when send-otp is not rate limited.
func (f *Factory) RateLimiter(ctx context.Context) (repository.RateLimiter, error) {
	return f.rateLimiter.get(func() (repository.RateLimiter, error) {
		if !f.config.RateLimit.Enabled {
			return nil, nil
		}
		switch {
		case f.config.Store.Backend == config.StoreMemory:
			store, err := f.SessionStore(ctx)
			if err != nil {
				return nil, err
			}
			return store.(*memory.Store), nil
		case f.config.Redis.URL != "":
			c, err := f.RedisClient(ctx)
			if err != nil {
				return nil, err
			}
			return redisstore.NewRateLimitCache(c), nil
		default:
			util.Warn("Rate limiting enabled but no redis configured; send-otp is not rate limited")
			return nil, nil
		}
	})
}

// ==============================
// Audit and delivery
// ==============================

func (f *Factory) AuditDispatcher(ctx context.Context) (*audit.Dispatcher, error) {
	return f.dispatcher.get(func() (*audit.Dispatcher, error) {
		var sinks []audit.Sink
		for _, name := range f.config.Audit.Sinks {
			sink, err := f.auditSink(ctx, name)
			if err != nil {
				return nil, err
			}
			sinks = append(sinks, sink)
		}
		util.Info("Audit dispatcher started",
			util.Strings("sinks", f.config.Audit.Sinks),
			util.Int("buffer_size", f.config.Audit.BufferSize))
		return audit.NewDispatcher(f.config.Audit.BufferSize, f.bucketingManager, sinks...), nil
	})
}

func (f *Factory) auditSink(ctx context.Context, name string) (audit.Sink, error) {
	switch name {
	case config.AuditSinkLog:
		return audit.LogSink{}, nil
	case config.AuditSinkKafka:
		p, err := f.KafkaProducer()
		if err != nil {
			return nil, err
		}
		return audit.NewKafkaSink(p, f.config.Kafka.AuditTopic), nil
	case config.AuditSinkClickhouse:
		c, err := f.ClickHouseClient(ctx)
		if err != nil {
			return nil, err
		}
		sink := audit.NewClickHouseSink(c, f.config.Clickhouse.AuditTable)
		if err := sink.EnsureTable(ctx); err != nil {
			return nil, fmt.Errorf("clickhouse audit table: %w", err)
		}
		return sink, nil
	case config.AuditSinkElasticsearch:
		c, err := f.ElasticsearchClient(ctx)
		if err != nil {
			return nil, err
		}
		return audit.NewElasticsearchSink(c, f.config.Elasticsearch.AuditIndex, f.bucketingManager), nil
	default:
		return nil, fmt.Errorf("unknown audit sink %q", name)
	}
}

func (f *Factory) OTPDelivery(ctx context.Context) (service.OTPDelivery, error) {
	return f.delivery.get(func() (service.OTPDelivery, error) {
		switch f.config.Auth.Delivery {
		case config.DeliveryLog:
			util.Warn("OTP codes are delivered to the log; development only")
			return service.LogDelivery{}, nil
		case config.DeliveryKafka:
			p, err := f.KafkaProducer()
			if err != nil {
				return nil, err
			}
			em, err := f.EncryptionManager(ctx)
			if err != nil {
				return nil, err
			}
			return service.NewKafkaDelivery(p, em, f.config.Kafka.OTPDeliveryTopic), nil
		default:
			return nil, fmt.Errorf("unknown otp delivery %q", f.config.Auth.Delivery)
		}
	})
}

// ==============================
// Services
// ==============================

// SigningKey returns the session signing key, unwrapping it with KMS when configured.
func (f *Factory) SigningKey(ctx context.Context) ([]byte, error) {
	if !f.config.Auth.SigningKeyIsKMS {
		return []byte(f.config.Auth.SigningKey), nil
	}
	em, err := f.EncryptionManager(ctx)
	if err != nil {
		return nil, err
	}
	key, err := em.DecryptSecret(ctx, f.config.Auth.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt signing key: %w", err)
	}
	return key, nil
}

func (f *Factory) OTPService(ctx context.Context) (*service.OTPService, error) {
	return f.otpService.get(func() (*service.OTPService, error) {
		store, err := f.SessionStore(ctx)
		if err != nil {
			return nil, err
		}
		hasher, err := f.Hasher()
		if err != nil {
			return nil, err
		}
		delivery, err := f.OTPDelivery(ctx)
		if err != nil {
			return nil, err
		}
		events, err := f.AuditDispatcher(ctx)
		if err != nil {
			return nil, err
		}
		limiter, err := f.RateLimiter(ctx)
		if err != nil {
			return nil, err
		}

		var opts []service.OTPOption
		if limiter != nil {
			opts = append(opts, service.WithRateLimiter(limiter))
		}
		return service.NewOTPService(store, hasher, delivery, events, service.OTPPolicyFromConfig(f.config), opts...), nil
	})
}

func (f *Factory) TokenService(ctx context.Context) (*service.TokenService, error) {
	return f.tokenService.get(func() (*service.TokenService, error) {
		store, err := f.SessionStore(ctx)
		if err != nil {
			return nil, err
		}
		events, err := f.AuditDispatcher(ctx)
		if err != nil {
			return nil, err
		}
		key, err := f.SigningKey(ctx)
		if err != nil {
			return nil, err
		}
		return service.NewTokenService(store, events, service.TokenPolicy{
			TTL:        f.config.Auth.SessionTTL,
			Issuer:     f.config.Auth.TokenIssuer,
			SigningKey: key,
		})
	})
}

// Router wires the HTTP surface on top of the services.
func (f *Factory) Router(ctx context.Context) (http.Handler, error) {
	return f.router.get(func() (http.Handler, error) {
		otp, err := f.OTPService(ctx)
		if err != nil {
			return nil, err
		}
		tokens, err := f.TokenService(ctx)
		if err != nil {
			return nil, err
		}

		cookies := handler.CookiePolicy{
			Name:   f.config.Auth.CookieName,
			TTL:    f.config.Auth.SessionTTL,
			Secure: f.config.SecureCookies(),
		}
		authHandler := handler.NewAuthHandler(otp, tokens, cookies, f.config.Auth.AdminUserID, f.logger)

		trusted, err := f.config.Server.TrustedProxyPrefixes()
		if err != nil {
			return nil, err
		}
		opts := handler.RouterOptions{
			RequireHTTPS:   f.config.Server.RequireHTTPS,
			AllowedOrigins: f.config.Server.AllowedOrigins,
			TrustedProxies: trusted,
			ContentMount:   f.config.Content.MountPath,
		}
		if f.config.Content.UpstreamURL != "" {
			proxy, err := handler.NewContentProxy(f.config.Content.UpstreamURL, cookies.Name, f.logger.Named("content"))
			if err != nil {
				return nil, err
			}
			opts.Content = proxy
			util.Info("Content gateway mounted",
				util.String("mount", f.config.Content.MountPath),
				util.String("upstream", f.config.Content.UpstreamURL))
		}

		return handler.NewRouter(authHandler, f, opts, f.logger.Named("http")), nil
	})
}

// ==============================
// Health Checks
// ==============================

// HealthCheck reports every backend that has been initialized; a nil value means healthy.
func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	health := make(map[string]error)

	if c, ok := f.redisClient.peek(); ok {
		health["redis"] = c.HealthCheck(ctx)
	}
	if c, ok := f.scyllaClient.peek(); ok {
		health["scylla"] = c.HealthCheck(ctx)
	}
	if c, ok := f.esClient.peek(); ok {
		health["elasticsearch"] = c.HealthCheck(ctx)
	}
	if c, ok := f.clickhouseClient.peek(); ok {
		health["clickhouse"] = c.HealthCheck(ctx)
	}
	if p, ok := f.kafkaProducer.peek(); ok {
		health["kafka"] = p.HealthCheck(ctx)
	}
	if _, ok := f.sessionStore.peek(); ok {
		health["session_store"] = nil
	} else {
		health["session_store"] = errors.New("session store not initialized")
	}

	return health
}

func (f *Factory) IsHealthy(ctx context.Context) bool {
	for _, err := range f.HealthCheck(ctx) {
		if err != nil {
			return false
		}
	}
	return true
}

// ==============================
// Shutdown
// ==============================

// Close flushes the audit pipeline and then closes every client that was opened.
func (f *Factory) Close(ctx context.Context) error {
	var errs []error
	f.closeOnce.Do(func() {
		defer close(f.closed)
		util.Info("Shutting down factory...")

		if d, ok := f.dispatcher.peek(); ok {
			if err := d.Close(ctx); err != nil {
				errs = append(errs, fmt.Errorf("audit dispatcher: %w", err))
			} else {
				util.Info("Audit dispatcher drained", zap.Uint64("dropped_events", d.Dropped()))
			}
		}

		if c, ok := f.clickhouseClient.peek(); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("clickhouse: %w", err))
			}
		}

		if p, ok := f.kafkaProducer.peek(); ok {
			if err := p.Close(); err != nil {
				errs = append(errs, fmt.Errorf("kafka: %w", err))
			}
		}

		if c, ok := f.scyllaClient.peek(); ok {
			c.Close()
		}

		if c, ok := f.redisClient.peek(); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("redis: %w", err))
			}
		}

		if em, ok := f.encryptionManager.peek(); ok {
			em.ClearCache()
		}

		for _, err := range errs {
			util.Error("Shutdown error", util.ErrorField(err))
		}
		util.Info("Factory shutdown completed")
		util.Sync()
	})
	return errors.Join(errs...)
}

func (f *Factory) WaitForClose() {
	<-f.closed
}

func (f *Factory) Config() *config.Config {
	return f.config
}
