package messaging

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"loom-backend/internal/domain/events"
)

// DefaultSinkBuffer is the number of events a Sink queues before dropping.
const DefaultSinkBuffer = 256

// Sink is a tree observer that hands events to a Publisher on its own
// goroutine. Observe never blocks the tree owner: when the queue is full the
// event is dropped and counted.
type Sink struct {
	publisher Publisher
	queue     chan events.DomainEvent
	timeout   time.Duration
	logger    *zap.Logger

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
	done    chan struct{}
}

// NewSink creates a sink buffering up to buffer events.
func NewSink(publisher Publisher, buffer int, logger *zap.Logger) *Sink {
	if buffer <= 0 {
		buffer = DefaultSinkBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{
		publisher: publisher,
		queue:     make(chan events.DomainEvent, buffer),
		timeout:   10 * time.Second,
		logger:    logger,
		done:      make(chan struct{}),
	}
}

// Observe queues evt for publishing. Its signature matches tree.Observer.
func (s *Sink) Observe(evt events.TreeChanged) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.queue <- evt:
	default:
		s.dropped.Add(1)
		s.logger.Warn("Event queue full, dropping event",
			zap.String("operation", evt.Operation),
			zap.Int("version", evt.Version),
		)
	}
}

// Run publishes queued events in batches until Close has been called and the
// queue is drained, or ctx is done.
func (s *Sink) Run(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-s.queue:
			if !ok {
				return
			}
			batch := []events.DomainEvent{evt}
		drain:
			for len(batch) < maxEntries {
				select {
				case more, ok := <-s.queue:
					if !ok {
						break drain
					}
					batch = append(batch, more)
				default:
					break drain
				}
			}
			s.publish(ctx, batch)
		}
	}
}

func (s *Sink) publish(ctx context.Context, batch []events.DomainEvent) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.publisher.Publish(ctx, batch); err != nil {
		s.logger.Error("Failed to publish tree events",
			zap.Error(err),
			zap.Int("count", len(batch)),
		)
	}
}

// Close stops accepting events. Run returns once the queue is drained.
func (s *Sink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.queue)
}

// Done is closed when Run returns.
func (s *Sink) Done() <-chan struct{} { return s.done }

// Dropped returns the number of events dropped because the queue was full.
func (s *Sink) Dropped() int64 { return s.dropped.Load() }
