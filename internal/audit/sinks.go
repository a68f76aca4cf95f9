package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"admin-auth-service/internal/bucketing"
	"admin-auth-service/internal/model"
	"admin-auth-service/internal/util"
)

// ---------------- log ----------------

// LogSink writes events to the process logger.
type LogSink struct{}

func (LogSink) Name() string { return "log" }

func (LogSink) Write(_ context.Context, events []model.SecurityEvent) error {
	for _, e := range events {
		util.Info("security event",
			zap.String("event_id", e.EventID),
			zap.String("event_type", e.EventType),
			zap.String("outcome", e.Outcome),
			zap.String("user_id", e.UserID),
			zap.String("session_id", e.SessionID),
			zap.String("client_ip", e.ClientIP),
			zap.Int("event_bucket", e.EventBucket),
			zap.Int("user_bucket", e.UserBucket),
		)
	}
	return nil
}

// ---------------- kafka ----------------

type MessageProducer interface {
	ProduceMessage(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// KafkaSink publishes each event as JSON keyed by event id.
type KafkaSink struct {
	producer MessageProducer
	topic    string
}

func NewKafkaSink(producer MessageProducer, topic string) *KafkaSink {
	return &KafkaSink{producer: producer, topic: topic}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Write(ctx context.Context, events []model.SecurityEvent) error {
	var errs []error
	for _, e := range events {
		value, err := json.Marshal(e)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		headers := map[string]string{"event_type": e.EventType}
		if err := s.producer.ProduceMessage(ctx, s.topic, []byte(e.EventID), value, headers); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ---------------- clickhouse ----------------

type BatchInserter interface {
	Exec(ctx context.Context, query string, args ...interface{}) error
	BatchInsert(ctx context.Context, query string, rows [][]interface{}) error
}

// ClickHouseSink batch-inserts events into a MergeTree table partitioned by day.
type ClickHouseSink struct {
	client BatchInserter
	table  string
}

func NewClickHouseSink(client BatchInserter, table string) *ClickHouseSink {
	return &ClickHouseSink{client: client, table: table}
}

func (s *ClickHouseSink) Name() string { return "clickhouse" }

// EnsureTable creates the audit table if it does not exist.
func (s *ClickHouseSink) EnsureTable(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			event_id String,
			event_bucket UInt16,
			user_bucket UInt16,
			event_date Date,
			event_type LowCardinality(String),
			outcome LowCardinality(String),
			user_id String,
			session_id String,
			token_id String,
			client_ip String,
			user_agent String,
			details String,
			event_time DateTime64(3, 'UTC')
		) ENGINE = MergeTree
		PARTITION BY event_date
		ORDER BY (event_type, event_time, event_bucket, user_bucket)`, s.table)
	if err := s.client.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create audit table: %w", err)
	}
	return nil
}

func (s *ClickHouseSink) Write(ctx context.Context, events []model.SecurityEvent) error {
	query := fmt.Sprintf(`INSERT INTO %s (event_id, event_bucket, user_bucket, event_date, event_type, outcome,
		user_id, session_id, token_id, client_ip, user_agent, details, event_time)`, s.table)

	rows := make([][]interface{}, 0, len(events))
	for _, e := range events {
		rows = append(rows, []interface{}{
			e.EventID, uint16(e.EventBucket), uint16(e.UserBucket), e.EventTime.UTC().Truncate(24 * time.Hour), e.EventType, e.Outcome,
			e.UserID, e.SessionID, e.TokenID, e.ClientIP, e.UserAgent, e.Details, e.EventTime,
		})
	}
	return s.client.BatchInsert(ctx, query, rows)
}

// ---------------- elasticsearch ----------------

type DocumentIndexer interface {
	IndexDocument(ctx context.Context, index, id string, document interface{}) error
}

// ElasticsearchSink indexes each event into a daily index.
type ElasticsearchSink struct {
	client  DocumentIndexer
	index   string
	buckets *bucketing.BucketingManager
}

func NewElasticsearchSink(client DocumentIndexer, index string, buckets *bucketing.BucketingManager) *ElasticsearchSink {
	return &ElasticsearchSink{client: client, index: index, buckets: buckets}
}

func (s *ElasticsearchSink) Name() string { return "elasticsearch" }

func (s *ElasticsearchSink) Write(ctx context.Context, events []model.SecurityEvent) error {
	var errs []error
	for _, e := range events {
		index := s.index + "-" + s.buckets.GetDateBucket(e.EventTime)
		if err := s.client.IndexDocument(ctx, index, e.EventID, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
