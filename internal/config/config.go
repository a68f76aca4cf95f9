package config

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

const (
	EnvProduction  = "production"
	EnvDevelopment = "development"
	EnvTest        = "test"
)

// Store backends
const (
	StoreRedis  = "redis"
	StoreScylla = "scylla"
	StoreMemory = "memory"
)

// OTP delivery channels
const (
	DeliveryLog   = "log"
	DeliveryKafka = "kafka"
)

// Audit sinks
const (
	AuditSinkLog           = "log"
	AuditSinkKafka         = "kafka"
	AuditSinkClickhouse    = "clickhouse"
	AuditSinkElasticsearch = "elasticsearch"
)

type Config struct {
	Environment string

	Server        ServerConfig
	Auth          AuthConfig
	Store         StoreConfig
	Redis         RedisConfig
	Scylla        ScyllaConfig
	Kafka         KafkaConfig
	Elasticsearch ElasticsearchConfig
	Clickhouse    ClickhouseConfig
	KMS           KMSConfig
	Hashing       HashingConfig
	Bucketing     BucketingConfig
	Audit         AuditConfig
	RateLimit     RateLimitConfig
	Content       ContentConfig
	Logging       LoggingConfig
}

type ServerConfig struct {
	Port           int
	TLSPort        int
	EnableTLS      bool
	RequireHTTPS   bool
	AutoCert       bool
	Domain         string
	CertFile       string
	KeyFile        string
	AutoCertDir    string
	Email          string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	AllowedOrigins []string
	// TrustedProxies lists the peers (IPs or CIDRs) whose forwarding headers are honoured.
	TrustedProxies []string
}

// AuthConfig holds the OTP and admin session policy.
type AuthConfig struct {
	AdminUserID     string
	AdminRecipient  string
	OTPTTL          time.Duration
	OTPLength       int
	MaxOTPAttempts  int
	SessionTTL      time.Duration
	CookieName      string
	TokenIssuer     string
	SigningKey      string
	SigningKeyIsKMS bool
	Delivery        string
}

type StoreConfig struct {
	Backend string
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int
}

type ScyllaConfig struct {
	Nodes    []string
	Keyspace string
	Username string
	Password string
	UseTLS   bool
}

type KafkaConfig struct {
	Brokers          []string
	OTPDeliveryTopic string
	AuditTopic       string
}

type ElasticsearchConfig struct {
	URL        string
	Username   string
	Password   string
	AuditIndex string
}

type ClickhouseConfig struct {
	URL        string
	Username   string
	Password   string
	Database   string
	AuditTable string
}

type KMSConfig struct {
	Enabled bool
	Region  string
	KeyID   string
}

type HashingConfig struct {
	Argon2MemoryCost  int
	Argon2TimeCost    int
	Argon2Parallelism int
	// Peppers are indexed by version starting at 1; the last one hashes new codes.
	Peppers []string
}

type BucketingConfig struct {
	UserBuckets  int
	EventBuckets int
}

type AuditConfig struct {
	Sinks      []string
	BufferSize int
}

type RateLimitConfig struct {
	Enabled       bool
	SendOTPLimit  int
	SendOTPWindow time.Duration
}

// ContentConfig points at the content service whose privileged routes sit behind the auth gate.
type ContentConfig struct {
	UpstreamURL string
	MountPath   string
}

type LoggingConfig struct {
	Level  string
	Format string
}

var (
	current   *Config
	currentMu sync.RWMutex
)

// LoadConfig reads the configuration from the environment, after loading an optional .env file.
// It does not validate; call Validate before using the result.
func LoadConfig() *Config {
	_ = godotenv.Load()

	env := strings.ToLower(GetEnv("APP_ENV", EnvDevelopment))

	cfg := &Config{
		Environment: env,
		Server: ServerConfig{
			Port:           GetEnvInt("SERVER_PORT", 8080),
			TLSPort:        GetEnvInt("SERVER_TLS_PORT", 8443),
			EnableTLS:      GetEnvBool("SERVER_ENABLE_TLS", false),
			RequireHTTPS:   GetEnvBool("SERVER_REQUIRE_HTTPS", env == EnvProduction),
			AutoCert:       GetEnvBool("SERVER_AUTO_CERT", false),
			Domain:         GetEnv("SERVER_DOMAIN", "localhost"),
			CertFile:       GetEnv("SERVER_CERT_FILE", ""),
			KeyFile:        GetEnv("SERVER_KEY_FILE", ""),
			AutoCertDir:    GetEnv("SERVER_AUTO_CERT_DIR", "./certs"),
			Email:          GetEnv("SERVER_ACME_EMAIL", ""),
			ReadTimeout:    GetEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:   GetEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:    GetEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			AllowedOrigins: GetEnvList("SERVER_ALLOWED_ORIGINS", []string{"https://*"}),
			TrustedProxies: GetEnvList("SERVER_TRUSTED_PROXIES", nil),
		},
		Auth: AuthConfig{
			AdminUserID:     GetEnv("ADMIN_USER_ID", "admin"),
			AdminRecipient:  GetEnv("ADMIN_OTP_RECIPIENT", ""),
			OTPTTL:          GetEnvDuration("OTP_TTL", 5*time.Minute),
			OTPLength:       GetEnvInt("OTP_LENGTH", 6),
			MaxOTPAttempts:  GetEnvInt("OTP_MAX_ATTEMPTS", 5),
			SessionTTL:      GetEnvDuration("SESSION_TTL", 24*time.Hour),
			CookieName:      GetEnv("SESSION_COOKIE_NAME", "admin-token"),
			TokenIssuer:     GetEnv("SESSION_TOKEN_ISSUER", "admin-auth-service"),
			SigningKey:      GetEnv("SESSION_SIGNING_KEY", ""),
			SigningKeyIsKMS: GetEnvBool("SESSION_SIGNING_KEY_KMS", false),
			Delivery:        strings.ToLower(GetEnv("OTP_DELIVERY", DeliveryLog)),
		},
		Store: StoreConfig{
			Backend: strings.ToLower(GetEnv("STORE_BACKEND", StoreRedis)),
		},
		Redis: RedisConfig{
			URL:      GetEnv("REDIS_URL", ""),
			Password: GetEnv("REDIS_PASSWORD", ""),
			DB:       GetEnvInt("REDIS_DB", 0),
			PoolSize: GetEnvInt("REDIS_POOL_SIZE", 20),
		},
		Scylla: ScyllaConfig{
			Nodes:    GetEnvList("SCYLLA_NODES", nil),
			Keyspace: GetEnv("SCYLLA_KEYSPACE", "admin_auth"),
			Username: GetEnv("SCYLLA_USERNAME", ""),
			Password: GetEnv("SCYLLA_PASSWORD", ""),
			UseTLS:   GetEnvBool("SCYLLA_TLS", env == EnvProduction),
		},
		Kafka: KafkaConfig{
			Brokers:          GetEnvList("KAFKA_BROKERS", nil),
			OTPDeliveryTopic: GetEnv("OTP_DELIVERY_TOPIC", "admin.otp.delivery"),
			AuditTopic:       GetEnv("AUDIT_KAFKA_TOPIC", "admin.auth.events"),
		},
		Elasticsearch: ElasticsearchConfig{
			URL:        GetEnv("ELASTICSEARCH_URL", ""),
			Username:   GetEnv("ELASTICSEARCH_USERNAME", ""),
			Password:   GetEnv("ELASTICSEARCH_PASSWORD", ""),
			AuditIndex: GetEnv("ELASTICSEARCH_AUDIT_INDEX", "admin-auth-events"),
		},
		Clickhouse: ClickhouseConfig{
			URL:        GetEnv("CLICKHOUSE_URL", ""),
			Username:   GetEnv("CLICKHOUSE_USERNAME", "default"),
			Password:   GetEnv("CLICKHOUSE_PASSWORD", ""),
			Database:   GetEnv("CLICKHOUSE_DATABASE", "default"),
			AuditTable: GetEnv("CLICKHOUSE_AUDIT_TABLE", "admin_auth_events"),
		},
		KMS: KMSConfig{
			Enabled: GetEnvBool("KMS_ENABLED", false),
			Region:  GetEnv("KMS_REGION", "us-east-1"),
			KeyID:   GetEnv("KMS_KEY_ID", ""),
		},
		Hashing: HashingConfig{
			Argon2MemoryCost:  GetEnvInt("ARGON2_MEMORY_KB", 19*1024),
			Argon2TimeCost:    GetEnvInt("ARGON2_TIME_COST", 2),
			Argon2Parallelism: GetEnvInt("ARGON2_PARALLELISM", 1),
			Peppers:           GetEnvList("OTP_PEPPERS", nil),
		},
		Bucketing: BucketingConfig{
			UserBuckets:  GetEnvInt("BUCKETING_USER_BUCKETS", 64),
			EventBuckets: GetEnvInt("BUCKETING_EVENT_BUCKETS", 32),
		},
		Audit: AuditConfig{
			Sinks:      lowerAll(GetEnvList("AUDIT_SINKS", []string{AuditSinkLog})),
			BufferSize: GetEnvInt("AUDIT_BUFFER_SIZE", 1024),
		},
		RateLimit: RateLimitConfig{
			Enabled:       GetEnvBool("RATE_LIMIT_ENABLED", true),
			SendOTPLimit:  GetEnvInt("RATE_LIMIT_SEND_OTP", 5),
			SendOTPWindow: GetEnvDuration("RATE_LIMIT_SEND_OTP_WINDOW", 15*time.Minute),
		},
		Content: ContentConfig{
			UpstreamURL: GetEnv("CONTENT_UPSTREAM_URL", ""),
			MountPath:   GetEnv("CONTENT_MOUNT_PATH", "/api/admin"),
		},
		Logging: LoggingConfig{
			Level:  GetEnv("LOG_LEVEL", "info"),
			Format: GetEnv("LOG_FORMAT", "json"),
		},
	}

	currentMu.Lock()
	current = cfg
	currentMu.Unlock()

	return cfg
}

// Get returns the most recently loaded configuration, loading it on first use.
func Get() *Config {
	currentMu.RLock()
	cfg := current
	currentMu.RUnlock()
	if cfg == nil {
		return LoadConfig()
	}
	return cfg
}

// Validate checks that everything needed at request time is present.
func (c *Config) Validate() error {
	var errs []error

	switch c.Environment {
	case EnvProduction, EnvDevelopment, EnvTest:
	default:
		errs = append(errs, fmt.Errorf("APP_ENV must be one of production, development, test (got %q)", c.Environment))
	}

	if _, err := c.Server.TrustedProxyPrefixes(); err != nil {
		errs = append(errs, err)
	}

	a := c.Auth
	if a.AdminUserID == "" {
		errs = append(errs, errors.New("ADMIN_USER_ID is required"))
	}
	if a.OTPTTL <= 0 {
		errs = append(errs, errors.New("OTP_TTL must be positive"))
	}
	if a.SessionTTL <= 0 {
		errs = append(errs, errors.New("SESSION_TTL must be positive"))
	}
	if a.OTPLength < 4 || a.OTPLength > 10 {
		errs = append(errs, errors.New("OTP_LENGTH must be between 4 and 10"))
	}
	if a.MaxOTPAttempts <= 0 {
		errs = append(errs, errors.New("OTP_MAX_ATTEMPTS must be positive"))
	}
	if a.CookieName == "" {
		errs = append(errs, errors.New("SESSION_COOKIE_NAME is required"))
	}
	if a.SigningKey == "" {
		errs = append(errs, errors.New("SESSION_SIGNING_KEY is required"))
	} else if !a.SigningKeyIsKMS && len(a.SigningKey) < 32 {
		errs = append(errs, errors.New("SESSION_SIGNING_KEY must be at least 32 bytes"))
	}
	if a.SigningKeyIsKMS && !c.KMS.Enabled {
		errs = append(errs, errors.New("SESSION_SIGNING_KEY_KMS requires KMS_ENABLED"))
	}

	switch a.Delivery {
	case DeliveryLog:
		if c.IsProduction() {
			errs = append(errs, errors.New("OTP_DELIVERY=log is not allowed in production"))
		}
	case DeliveryKafka:
		if len(c.Kafka.Brokers) == 0 {
			errs = append(errs, errors.New("KAFKA_BROKERS is required for kafka OTP delivery"))
		}
		if a.AdminRecipient == "" {
			errs = append(errs, errors.New("ADMIN_OTP_RECIPIENT is required for kafka OTP delivery"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown OTP_DELIVERY %q", a.Delivery))
	}

	switch c.Store.Backend {
	case StoreRedis:
		if c.Redis.URL == "" {
			errs = append(errs, errors.New("REDIS_URL is required for the redis store"))
		}
	case StoreScylla:
		if len(c.Scylla.Nodes) == 0 {
			errs = append(errs, errors.New("SCYLLA_NODES is required for the scylla store"))
		}
	case StoreMemory:
		if c.IsProduction() {
			errs = append(errs, errors.New("STORE_BACKEND=memory is not allowed in production"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_BACKEND %q", c.Store.Backend))
	}

	if c.RateLimit.Enabled && c.Store.Backend == StoreRedis {
		if c.RateLimit.SendOTPLimit <= 0 || c.RateLimit.SendOTPWindow <= 0 {
			errs = append(errs, errors.New("RATE_LIMIT_SEND_OTP and RATE_LIMIT_SEND_OTP_WINDOW must be positive"))
		}
	}

	for _, sink := range c.Audit.Sinks {
		switch sink {
		case AuditSinkLog:
		case AuditSinkKafka:
			if len(c.Kafka.Brokers) == 0 {
				errs = append(errs, errors.New("KAFKA_BROKERS is required for the kafka audit sink"))
			}
		case AuditSinkClickhouse:
			if c.Clickhouse.URL == "" {
				errs = append(errs, errors.New("CLICKHOUSE_URL is required for the clickhouse audit sink"))
			}
		case AuditSinkElasticsearch:
			if c.Elasticsearch.URL == "" {
				errs = append(errs, errors.New("ELASTICSEARCH_URL is required for the elasticsearch audit sink"))
			}
		default:
			errs = append(errs, fmt.Errorf("unknown audit sink %q", sink))
		}
	}

	if c.KMS.Enabled && c.KMS.KeyID == "" {
		errs = append(errs, errors.New("KMS_KEY_ID is required when KMS is enabled"))
	}
	if c.Hashing.Argon2MemoryCost <= 0 || c.Hashing.Argon2TimeCost <= 0 || c.Hashing.Argon2Parallelism <= 0 {
		errs = append(errs, errors.New("argon2 parameters must be positive"))
	}
	if c.IsProduction() && len(c.Hashing.Peppers) == 0 {
		errs = append(errs, errors.New("OTP_PEPPERS is required in production"))
	}
	if c.Bucketing.EventBuckets <= 0 || c.Bucketing.UserBuckets <= 0 {
		errs = append(errs, errors.New("bucket counts must be positive"))
	}
	if c.Server.EnableTLS && !c.Server.AutoCert && (c.Server.CertFile == "") != (c.Server.KeyFile == "") {
		errs = append(errs, errors.New("SERVER_CERT_FILE and SERVER_KEY_FILE must be set together"))
	}

	return errors.Join(errs...)
}

func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == EnvDevelopment
}

// SecureCookies reports whether the session cookie carries the Secure attribute.
func (c *Config) SecureCookies() bool {
	return c.IsProduction()
}

// HasAuditSink reports whether the named sink is enabled.
func (c *Config) HasAuditSink(name string) bool {
	for _, s := range c.Audit.Sinks {
		if s == name {
			return true
		}
	}
	return false
}

func (c *Config) GetServerAddress() string {
	if c.Server.EnableTLS {
		return fmt.Sprintf(":%d", c.Server.TLSPort)
	}
	return fmt.Sprintf(":%d", c.Server.Port)
}

// TrustedProxyPrefixes parses TrustedProxies. A bare address is treated as a single-host prefix.
func (s ServerConfig) TrustedProxyPrefixes() ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(s.TrustedProxies))
	for _, entry := range s.TrustedProxies {
		if strings.Contains(entry, "/") {
			p, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, fmt.Errorf("SERVER_TRUSTED_PROXIES: invalid prefix %q: %w", entry, err)
			}
			prefixes = append(prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("SERVER_TRUSTED_PROXIES: invalid address %q: %w", entry, err)
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		out = append(out, strings.ToLower(s))
	}
	return out
}
