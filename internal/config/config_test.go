package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setBaseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("APP_ENV", "development")
	t.Setenv("SESSION_SIGNING_KEY", "0123456789abcdef0123456789abcdef")
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("AUDIT_SINKS", "log")
}

func TestLoadConfig_Defaults(t *testing.T) {
	setBaseEnv(t)

	cfg := LoadConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 5*time.Minute, cfg.Auth.OTPTTL)
	assert.Equal(t, 24*time.Hour, cfg.Auth.SessionTTL)
	assert.Equal(t, 6, cfg.Auth.OTPLength)
	assert.Equal(t, 5, cfg.Auth.MaxOTPAttempts)
	assert.Equal(t, "admin-token", cfg.Auth.CookieName)
	assert.False(t, cfg.SecureCookies())
	assert.Same(t, cfg, Get())
}

func TestLoadConfig_Overrides(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("OTP_TTL", "90")
	t.Setenv("SESSION_TTL", "2h")
	t.Setenv("OTP_MAX_ATTEMPTS", "3")
	t.Setenv("AUDIT_SINKS", "LOG, kafka")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")

	cfg := LoadConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 90*time.Second, cfg.Auth.OTPTTL)
	assert.Equal(t, 2*time.Hour, cfg.Auth.SessionTTL)
	assert.Equal(t, 3, cfg.Auth.MaxOTPAttempts)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.True(t, cfg.HasAuditSink(AuditSinkKafka))
	assert.True(t, cfg.HasAuditSink(AuditSinkLog))
}

func TestValidate_FailsFast(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"missing signing key", map[string]string{"SESSION_SIGNING_KEY": ""}, "SESSION_SIGNING_KEY is required"},
		{"short signing key", map[string]string{"SESSION_SIGNING_KEY": "short"}, "at least 32 bytes"},
		{"bad trusted proxy", map[string]string{"SERVER_TRUSTED_PROXIES": "10.0.0.0/33"}, "SERVER_TRUSTED_PROXIES"},
		{"redis without url", map[string]string{"STORE_BACKEND": "redis"}, "REDIS_URL is required"},
		{"unknown backend", map[string]string{"STORE_BACKEND": "etcd"}, "unknown STORE_BACKEND"},
		{"memory in production", map[string]string{"APP_ENV": "production", "OTP_PEPPERS": "p1", "OTP_DELIVERY": "kafka", "KAFKA_BROKERS": "k:9092", "ADMIN_OTP_RECIPIENT": "ops@example.com"}, "memory is not allowed in production"},
		{"log delivery in production", map[string]string{"APP_ENV": "production", "STORE_BACKEND": "redis", "REDIS_URL": "redis://localhost:6379", "OTP_PEPPERS": "p1"}, "OTP_DELIVERY=log is not allowed"},
		{"bad otp length", map[string]string{"OTP_LENGTH": "2"}, "OTP_LENGTH"},
		{"clickhouse sink without url", map[string]string{"AUDIT_SINKS": "clickhouse"}, "CLICKHOUSE_URL is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setBaseEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			err := LoadConfig().Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestGetEnvDuration_FallsBackOnGarbage(t *testing.T) {
	t.Setenv("SOME_DURATION", "soon")
	assert.Equal(t, time.Minute, GetEnvDuration("SOME_DURATION", time.Minute))
}

func TestTrustedProxyPrefixes(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("SERVER_TRUSTED_PROXIES", "10.0.0.0/8, 192.0.2.7,::1")

	cfg := LoadConfig()
	require.NoError(t, cfg.Validate())

	prefixes, err := cfg.Server.TrustedProxyPrefixes()
	require.NoError(t, err)
	require.Len(t, prefixes, 3)
	assert.Equal(t, "10.0.0.0/8", prefixes[0].String())
	assert.Equal(t, "192.0.2.7/32", prefixes[1].String())
	assert.Equal(t, "::1/128", prefixes[2].String())

	_, err = ServerConfig{TrustedProxies: []string{"proxy.internal"}}.TrustedProxyPrefixes()
	assert.Error(t, err)
}
