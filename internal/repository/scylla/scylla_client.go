package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"admin-auth-service/internal/config"
	"admin-auth-service/internal/util"
)

// Statements are prepared lazily by gocql on first use and cached per session.
const (
	createOTPSessionsTable = `
		CREATE TABLE IF NOT EXISTS otp_sessions (
			session_id text PRIMARY KEY,
			code_hash text,
			code_salt text,
			pepper_version int,
			algorithm text,
			created_at timestamp,
			expires_at timestamp,
			attempts int,
			max_attempts int,
			consumed boolean,
			client_ip text
		)`

	createAdminTokensTable = `
		CREATE TABLE IF NOT EXISTS admin_tokens (
			token_id text PRIMARY KEY,
			token_hash text,
			user_id text,
			session_id text,
			issued_at timestamp,
			expires_at timestamp
		)`

	insertOTPSession = `
		INSERT INTO otp_sessions (
			session_id, code_hash, code_salt, pepper_version, algorithm,
			created_at, expires_at, attempts, max_attempts, consumed, client_ip
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) USING TTL ?`

	selectOTPSession = `
		SELECT session_id, code_hash, code_salt, pepper_version, algorithm,
			created_at, expires_at, attempts, max_attempts, consumed, client_ip
		FROM otp_sessions WHERE session_id = ?`

	casUpdateOTPSession = `
		UPDATE otp_sessions USING TTL ? SET attempts = ?, consumed = ?
		WHERE session_id = ? IF attempts = ? AND consumed = ?`

	deleteOTPSession = `DELETE FROM otp_sessions WHERE session_id = ?`

	insertAdminToken = `
		INSERT INTO admin_tokens (token_id, token_hash, user_id, session_id, issued_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?) USING TTL ?`

	selectAdminToken = `
		SELECT token_id, token_hash, user_id, session_id, issued_at, expires_at
		FROM admin_tokens WHERE token_id = ?`

	deleteAdminToken = `DELETE FROM admin_tokens WHERE token_id = ?`
)

type ScyllaClient struct {
	Session *gocql.Session
}

func NewScyllaClient(cfg *config.Config) (*ScyllaClient, error) {
	scyllaConfig := cfg.Scylla

	cluster := gocql.NewCluster(scyllaConfig.Nodes...)
	cluster.Keyspace = scyllaConfig.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.SerialConsistency = gocql.LocalSerial
	cluster.Timeout = 5 * time.Second
	cluster.ConnectTimeout = 10 * time.Second
	cluster.NumConns = 2
	cluster.SocketKeepalive = 30 * time.Second

	if scyllaConfig.UseTLS {
		cluster.SslOpts = &gocql.SslOptions{
			CaPath:                 config.GetEnv("SCYLLA_TLS_CA_FILE", "/app/certs/scylla-ca.pem"),
			CertPath:               config.GetEnv("SCYLLA_TLS_CERT_FILE", ""),
			KeyPath:                config.GetEnv("SCYLLA_TLS_KEY_FILE", ""),
			EnableHostVerification: true,
		}
	}

	if scyllaConfig.Username != "" && scyllaConfig.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: scyllaConfig.Username,
			Password: scyllaConfig.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	client := &ScyllaClient{Session: session}

	util.Info("ScyllaDB client initialized",
		zap.Strings("nodes", scyllaConfig.Nodes),
		zap.String("keyspace", scyllaConfig.Keyspace))

	return client, nil
}

// EnsureSchema creates the session tables inside the configured keyspace. NewScyllaClient
// does not run it.
func (s *ScyllaClient) EnsureSchema(ctx context.Context) error {
	for _, stmt := range []string{createOTPSessionsTable, createAdminTokensTable} {
		if err := s.Session.Query(stmt).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("failed to create scylla schema: %w", err)
		}
	}
	return nil
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
		util.Info("ScyllaDB client closed")
	}
}

func (s *ScyllaClient) Query(ctx context.Context, stmt string, values ...interface{}) *gocql.Query {
	return s.Session.Query(stmt, values...).WithContext(ctx)
}

func (s *ScyllaClient) HealthCheck(ctx context.Context) error {
	var clusterName string
	err := s.Session.Query(`SELECT cluster_name FROM system.local`).WithContext(ctx).Scan(&clusterName)
	if err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}

	util.Debug("ScyllaDB health check passed", zap.String("cluster_name", clusterName))
	return nil
}
