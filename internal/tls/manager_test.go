package tls

import (
	"crypto/tls"
	"crypto/x509"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"admin-auth-service/internal/config"
)

func TestDevCertGenerator_ReusesValidCertificate(t *testing.T) {
	dir := t.TempDir()
	gen := NewDevCertGenerator(dir)

	first, err := gen.GenerateCert([]string{"admin.local", "127.0.0.1"})
	require.NoError(t, err)

	leaf, err := x509.ParseCertificate(first.Certificate[0])
	require.NoError(t, err)
	assert.Contains(t, leaf.DNSNames, "admin.local")
	require.Len(t, leaf.IPAddresses, 1)
	assert.Equal(t, "127.0.0.1", leaf.IPAddresses[0].String())

	second, err := gen.GenerateCert([]string{"admin.local"})
	require.NoError(t, err)
	assert.Equal(t, first.Certificate[0], second.Certificate[0])

	gen.now = func() time.Time { return time.Now().Add(2 * devCertValidity) }
	third, err := gen.GenerateCert([]string{"admin.local"})
	require.NoError(t, err)
	assert.NotEqual(t, first.Certificate[0], third.Certificate[0])
}

func TestTLSManager_SelfSignedOutsideProduction(t *testing.T) {
	cfg := &config.Config{
		Environment: config.EnvDevelopment,
		Server:      config.ServerConfig{Domain: "localhost", AutoCertDir: t.TempDir()},
	}
	m, err := NewTLSManager(cfg)
	require.NoError(t, err)

	cert, err := m.GetCertificate(&tls.ClientHelloInfo{ServerName: "localhost"})
	require.NoError(t, err)
	require.NotNil(t, cert)

	again, err := m.GetCertificate(&tls.ClientHelloInfo{ServerName: "localhost"})
	require.NoError(t, err)
	assert.Same(t, cert, again)

	assert.Equal(t, uint16(tls.VersionTLS12), m.GetTLSConfig().MinVersion)
	assert.Nil(t, m.GetAutocertManager())
}

func TestTLSManager_ProductionNeedsCertificate(t *testing.T) {
	cfg := &config.Config{
		Environment: config.EnvProduction,
		Server:      config.ServerConfig{Domain: "admin.example.com", AutoCertDir: t.TempDir()},
	}
	_, err := NewTLSManager(cfg)
	assert.ErrorIs(t, err, ErrNoCertificate)
}

func TestTLSManager_LoadsKeyPair(t *testing.T) {
	dir := t.TempDir()
	_, err := NewDevCertGenerator(dir).GenerateCert([]string{"admin.example.com"})
	require.NoError(t, err)

	cfg := &config.Config{
		Environment: config.EnvProduction,
		Server: config.ServerConfig{
			CertFile: dir + "/dev-cert.pem",
			KeyFile:  dir + "/dev-key.pem",
		},
	}
	m, err := NewTLSManager(cfg)
	require.NoError(t, err)

	cert, err := m.GetCertificate(&tls.ClientHelloInfo{ServerName: "admin.example.com"})
	require.NoError(t, err)
	assert.NotEmpty(t, cert.Certificate)
}
