package factory

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"admin-auth-service/internal/config"
	"admin-auth-service/internal/repository"
)

func testConfig() *config.Config {
	return &config.Config{
		Environment: config.EnvTest,
		Server:      config.ServerConfig{AllowedOrigins: []string{"https://admin.example.com"}},
		Auth: config.AuthConfig{
			AdminUserID:    "admin",
			OTPTTL:         5 * time.Minute,
			OTPLength:      6,
			MaxOTPAttempts: 5,
			SessionTTL:     24 * time.Hour,
			CookieName:     "admin-token",
			TokenIssuer:    "admin-auth-service",
			SigningKey:     "0123456789abcdef0123456789abcdef",
			Delivery:       config.DeliveryLog,
		},
		Store:     config.StoreConfig{Backend: config.StoreMemory},
		Hashing:   config.HashingConfig{Argon2MemoryCost: 1024, Argon2TimeCost: 1, Argon2Parallelism: 1, Peppers: []string{"p1"}},
		Bucketing: config.BucketingConfig{UserBuckets: 8, EventBuckets: 8},
		Audit:     config.AuditConfig{Sinks: []string{config.AuditSinkLog}, BufferSize: 16},
		RateLimit: config.RateLimitConfig{Enabled: true, SendOTPLimit: 5, SendOTPWindow: time.Minute},
		Content:   config.ContentConfig{MountPath: "/api/admin"},
	}
}

func TestFactory_InitializeServesRequests(t *testing.T) {
	cfg := testConfig()
	require.NoError(t, cfg.Validate())

	f := NewFactory(cfg)
	ctx := context.Background()
	require.NoError(t, f.Initialize(ctx))
	defer f.Close(ctx)

	router, err := f.Router(ctx)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/auth/send-otp", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, f.IsHealthy(ctx))
}

func TestFactory_LazyInitIsSharedAcrossGoroutines(t *testing.T) {
	f := NewFactory(testConfig())
	ctx := context.Background()
	defer f.Close(ctx)

	const n = 16
	stores := make([]repository.SessionStore, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := f.SessionStore(ctx)
			assert.NoError(t, err)
			stores[i] = s
		}(i)
	}
	wg.Wait()

	for _, s := range stores[1:] {
		assert.Same(t, stores[0], s)
	}

	limiter, err := f.RateLimiter(ctx)
	require.NoError(t, err)
	assert.Same(t, stores[0], limiter)
}

func TestFactory_HealthBeforeInit(t *testing.T) {
	f := NewFactory(testConfig())
	health := f.HealthCheck(context.Background())
	assert.Error(t, health["session_store"])
	assert.False(t, f.IsHealthy(context.Background()))
}

func TestFactory_UnknownBackendFails(t *testing.T) {
	cfg := testConfig()
	cfg.Store.Backend = "dynamo"
	f := NewFactory(cfg)

	_, err := f.SessionStore(context.Background())
	assert.Error(t, err)

	// the failure is remembered
	_, err = f.SessionStore(context.Background())
	assert.Error(t, err)
}

type xorKMS struct{}

func (xorKMS) GenerateDataKey(context.Context, *kms.GenerateDataKeyInput, ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error) {
	key := make([]byte, 32)
	return &kms.GenerateDataKeyOutput{Plaintext: key, CiphertextBlob: xorBytes(key)}, nil
}

func (xorKMS) Decrypt(_ context.Context, in *kms.DecryptInput, _ ...func(*kms.Options)) (*kms.DecryptOutput, error) {
	return &kms.DecryptOutput{Plaintext: xorBytes(in.CiphertextBlob)}, nil
}

func xorBytes(b []byte) []byte {
	out := make([]byte, len(b))
	for i := range b {
		out[i] = b[i] ^ 0x5a
	}
	return out
}

func TestFactory_SigningKeyFromKMS(t *testing.T) {
	secret := []byte("kms-wrapped-signing-key-32-bytes!")
	cfg := testConfig()
	cfg.KMS = config.KMSConfig{Enabled: true, Region: "us-east-1", KeyID: "alias/admin-auth"}
	cfg.Auth.SigningKeyIsKMS = true
	cfg.Auth.SigningKey = base64.StdEncoding.EncodeToString(xorBytes(secret))

	f := NewFactory(cfg, WithKMSClient(xorKMS{}))
	ctx := context.Background()
	defer f.Close(ctx)

	key, err := f.SigningKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, secret, key)

	_, err = f.TokenService(ctx)
	assert.NoError(t, err)
}

func TestFactory_CloseIsIdempotent(t *testing.T) {
	f := NewFactory(testConfig())
	ctx := context.Background()
	require.NoError(t, f.Initialize(ctx))

	assert.NoError(t, f.Close(ctx))
	assert.NoError(t, f.Close(ctx))
	f.WaitForClose()
}
