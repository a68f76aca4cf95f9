// Package audit ships security events to the configured sinks without blocking requests.
package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"admin-auth-service/internal/bucketing"
	"admin-auth-service/internal/metrics"
	"admin-auth-service/internal/model"
	"admin-auth-service/internal/util"
)

const (
	maxBatchSize     = 64
	sinkWriteTimeout = 5 * time.Second
)

// Emitter accepts security events. Emit must never block the caller.
type Emitter interface {
	Emit(evt model.SecurityEvent)
}

// Sink persists a batch of events somewhere.
type Sink interface {
	Name() string
	Write(ctx context.Context, events []model.SecurityEvent) error
}

// Dispatcher buffers events in a bounded channel drained by one goroutine,
// which fans every batch out to all sinks concurrently. A full buffer drops the event.
type Dispatcher struct {
	events    chan model.SecurityEvent
	sinks     []Sink
	buckets   *bucketing.BucketingManager
	dropped   atomic.Uint64
	mu        sync.RWMutex
	closed    bool
	done      chan struct{}
	closeOnce sync.Once
}

var _ Emitter = (*Dispatcher)(nil)

func NewDispatcher(bufferSize int, buckets *bucketing.BucketingManager, sinks ...Sink) *Dispatcher {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	d := &Dispatcher{
		events:  make(chan model.SecurityEvent, bufferSize),
		sinks:   sinks,
		buckets: buckets,
		done:    make(chan struct{}),
	}
	go d.run()
	return d
}

// Emit stamps the event and queues it.
func (d *Dispatcher) Emit(evt model.SecurityEvent) {
	if evt.EventID == "" {
		evt.EventID = uuid.NewString()
	}
	if evt.EventTime.IsZero() {
		evt.EventTime = time.Now().UTC()
	}
	if d.buckets != nil {
		evt.EventBucket = d.buckets.GetEventBucket(evt.EventID)
		if evt.UserID != "" {
			evt.UserBucket = d.buckets.GetUserBucket(evt.UserID)
		}
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.drop(evt)
		return
	}

	select {
	case d.events <- evt:
	default:
		d.drop(evt)
	}
}

// Dropped returns how many events were discarded.
func (d *Dispatcher) Dropped() uint64 {
	return d.dropped.Load()
}

// Close stops accepting events and waits until the buffer is flushed or ctx ends.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.events)
		d.mu.Unlock()
	})

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) drop(evt model.SecurityEvent) {
	d.dropped.Add(1)
	metrics.RecordAuditDropped()
	util.Warn("audit buffer full, event dropped", zap.String("event_type", evt.EventType))
}

func (d *Dispatcher) run() {
	defer close(d.done)

	for evt := range d.events {
		batch := []model.SecurityEvent{evt}
	drain:
		for len(batch) < maxBatchSize {
			select {
			case next, ok := <-d.events:
				if !ok {
					break drain
				}
				batch = append(batch, next)
			default:
				break drain
			}
		}
		d.write(batch)
	}
}

func (d *Dispatcher) write(batch []model.SecurityEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), sinkWriteTimeout)
	defer cancel()

	var g errgroup.Group
	for _, sink := range d.sinks {
		g.Go(func() error {
			if err := sink.Write(ctx, batch); err != nil {
				metrics.RecordAuditSinkFailure(sink.Name())
				util.Error("audit sink write failed",
					zap.String("sink", sink.Name()),
					zap.Int("events", len(batch)),
					zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}
