package audit

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"admin-auth-service/internal/bucketing"
	"admin-auth-service/internal/config"
	"admin-auth-service/internal/model"
)

type recordingSink struct {
	mu      sync.Mutex
	events  []model.SecurityEvent
	started chan struct{}
	release chan struct{}
	err     error
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Write(_ context.Context, events []model.SecurityEvent) error {
	if s.started != nil {
		select {
		case s.started <- struct{}{}:
		default:
		}
	}
	if s.release != nil {
		<-s.release
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, events...)
	return s.err
}

func (s *recordingSink) snapshot() []model.SecurityEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.SecurityEvent(nil), s.events...)
}

func testBuckets() *bucketing.BucketingManager {
	return bucketing.NewBucketingManager(&config.Config{Bucketing: config.BucketingConfig{UserBuckets: 4, EventBuckets: 8}})
}

func TestDispatcher_DeliversToEverySink(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{err: errors.New("sink down")}
	d := NewDispatcher(16, testBuckets(), a, b)

	d.Emit(model.SecurityEvent{EventType: model.EventOTPSent, Outcome: "success", UserID: "admin"})
	d.Emit(model.SecurityEvent{EventType: model.EventLogout, Outcome: "success", UserID: "admin"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, d.Close(ctx))

	for _, sink := range []*recordingSink{a, b} {
		got := sink.snapshot()
		require.Len(t, got, 2)
		for _, e := range got {
			assert.NotEmpty(t, e.EventID)
			assert.False(t, e.EventTime.IsZero())
			assert.GreaterOrEqual(t, e.EventBucket, 0)
			assert.Less(t, e.EventBucket, 8)
			assert.Equal(t, testBuckets().GetUserBucket("admin"), e.UserBucket)
		}
	}
	assert.Zero(t, d.Dropped())
}

func TestDispatcher_DropsWhenFull(t *testing.T) {
	sink := &recordingSink{started: make(chan struct{}, 1), release: make(chan struct{})}
	d := NewDispatcher(1, testBuckets(), sink)

	d.Emit(model.SecurityEvent{EventType: "first"})
	select {
	case <-sink.started:
	case <-time.After(2 * time.Second):
		t.Fatal("sink never started")
	}

	d.Emit(model.SecurityEvent{EventType: "second"})
	done := make(chan struct{})
	go func() {
		d.Emit(model.SecurityEvent{EventType: "third"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Emit blocked on a full buffer")
	}
	assert.Equal(t, uint64(1), d.Dropped())

	close(sink.release)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, d.Close(ctx))

	var types []string
	for _, e := range sink.snapshot() {
		types = append(types, e.EventType)
	}
	assert.Equal(t, []string{"first", "second"}, types)
}

func TestDispatcher_EmitAfterCloseIsDropped(t *testing.T) {
	d := NewDispatcher(4, nil, &recordingSink{})
	require.NoError(t, d.Close(context.Background()))
	require.NoError(t, d.Close(context.Background()))

	d.Emit(model.SecurityEvent{EventType: "late"})
	assert.Equal(t, uint64(1), d.Dropped())
}

type fakeProducer struct {
	topics []string
	values [][]byte
}

func (p *fakeProducer) ProduceMessage(_ context.Context, topic string, _, value []byte, _ map[string]string) error {
	p.topics = append(p.topics, topic)
	p.values = append(p.values, value)
	return nil
}

type fakeInserter struct {
	execs []string
	rows  [][]interface{}
}

func (f *fakeInserter) Exec(_ context.Context, query string, _ ...interface{}) error {
	f.execs = append(f.execs, query)
	return nil
}

func (f *fakeInserter) BatchInsert(_ context.Context, _ string, rows [][]interface{}) error {
	f.rows = append(f.rows, rows...)
	return nil
}

type fakeIndexer struct {
	indices []string
	ids     []string
}

func (f *fakeIndexer) IndexDocument(_ context.Context, index, id string, _ interface{}) error {
	f.indices = append(f.indices, index)
	f.ids = append(f.ids, id)
	return nil
}

func TestSinks(t *testing.T) {
	evt := model.SecurityEvent{
		EventID:   "evt-1",
		EventType: model.EventOTPVerified,
		Outcome:   "success",
		UserID:    "admin",
		EventTime: time.Date(2026, 3, 4, 10, 30, 0, 0, time.UTC),
	}
	ctx := context.Background()

	producer := &fakeProducer{}
	require.NoError(t, NewKafkaSink(producer, "admin.auth.events").Write(ctx, []model.SecurityEvent{evt}))
	require.Len(t, producer.values, 1)
	assert.Equal(t, "admin.auth.events", producer.topics[0])
	var decoded model.SecurityEvent
	require.NoError(t, json.Unmarshal(producer.values[0], &decoded))
	assert.Equal(t, "evt-1", decoded.EventID)

	inserter := &fakeInserter{}
	chSink := NewClickHouseSink(inserter, "admin_auth_events")
	require.NoError(t, chSink.EnsureTable(ctx))
	require.NoError(t, chSink.Write(ctx, []model.SecurityEvent{evt}))
	assert.Contains(t, inserter.execs[0], "CREATE TABLE IF NOT EXISTS admin_auth_events")
	require.Len(t, inserter.rows, 1)
	assert.Equal(t, uint16(evt.UserBucket), inserter.rows[0][2])
	assert.Equal(t, time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC), inserter.rows[0][3])

	indexer := &fakeIndexer{}
	require.NoError(t, NewElasticsearchSink(indexer, "admin-auth-events", testBuckets()).Write(ctx, []model.SecurityEvent{evt}))
	assert.Equal(t, []string{"admin-auth-events-2026-03-04"}, indexer.indices)
	assert.Equal(t, []string{"evt-1"}, indexer.ids)

	assert.NoError(t, LogSink{}.Write(ctx, []model.SecurityEvent{evt}))
}
