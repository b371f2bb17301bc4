package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/registry-scanner/internal/events"
	"github.com/registry-scanner/internal/logging"
)

// EventWriter persists a batch of events
type EventWriter interface {
	WriteEvents(ctx context.Context, batch []events.Event) error
}

// BatchingEventSink buffers events and writes them in batches from a background goroutine.
// Emit never blocks: events are dropped when the buffer is full.
type BatchingEventSink struct {
	writer        EventWriter
	batchSize     int
	flushInterval time.Duration
	logger        *logging.Logger

	ch      chan events.Event
	dropped atomic.Int64
	stopCh  chan struct{}
	doneCh  chan struct{}
	once    sync.Once
}

// NewBatchingEventSink starts the flush loop
func NewBatchingEventSink(writer EventWriter, bufferSize, batchSize int, flushInterval time.Duration, logger *logging.Logger) *BatchingEventSink {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	s := &BatchingEventSink{
		writer:        writer,
		batchSize:     max(batchSize, 1),
		flushInterval: flushInterval,
		logger:        logger,
		ch:            make(chan events.Event, max(bufferSize, 1)),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *BatchingEventSink) Emit(_ context.Context, e events.Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	select {
	case s.ch <- e:
	default:
		s.dropped.Add(1)
	}
}

// Dropped returns the number of events discarded because the buffer was full
func (s *BatchingEventSink) Dropped() int64 {
	return s.dropped.Load()
}

// Close flushes buffered events and stops the loop
func (s *BatchingEventSink) Close() {
	s.once.Do(func() {
		close(s.stopCh)
		<-s.doneCh
	})
}

func (s *BatchingEventSink) loop() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	batch := make([]events.Event, 0, s.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.writer.WriteEvents(ctx, batch); err != nil {
			s.logger.WithField("events", len(batch)).WithError(err).Warn("Failed to write sync events")
		}
		batch = batch[:0]
	}

	for {
		select {
		case e := <-s.ch:
			batch = append(batch, e)
			if len(batch) >= s.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-s.stopCh:
			for {
				select {
				case e := <-s.ch:
					batch = append(batch, e)
					if len(batch) >= s.batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}
