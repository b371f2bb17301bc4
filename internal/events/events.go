// Package events carries sync progress events to observability sinks.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/registry-scanner/internal/logging"
)

// Kind identifies a progress event
type Kind string

const (
	KindRunStarted       Kind = "run_started"
	KindPlanned          Kind = "planned"
	KindPage             Kind = "page"
	KindPartitionDone    Kind = "partition_done"
	KindPartitionFailed  Kind = "partition_failed"
	KindPartitionSkipped Kind = "partition_skipped"
	KindGap              Kind = "gap"
	KindRunFinished      Kind = "run_finished"
)

// Event is a single progress observation
type Event struct {
	RunID        string
	Kind         Kind
	PartitionKey string
	Page         int
	Count        int64
	Message      string
	At           time.Time
}

// Sink receives events. Emit must not block the caller for long and never fails the pipeline.
type Sink interface {
	Emit(ctx context.Context, e Event)
}

// Nop discards events
type Nop struct{}

func (Nop) Emit(context.Context, Event) {}

// LogSink writes events through the context logger at debug level
type LogSink struct{}

func (LogSink) Emit(ctx context.Context, e Event) {
	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"runId":     e.RunID,
		"event":     string(e.Kind),
		"partition": e.PartitionKey,
		"page":      e.Page,
		"count":     e.Count,
	})
	switch e.Kind {
	case KindPartitionFailed, KindGap:
		logger.Warn(e.Message)
	case KindRunStarted, KindRunFinished, KindPlanned:
		logger.Info(e.Message)
	default:
		logger.Debug(e.Message)
	}
}

// FanOut delivers each event to every sink in order
type FanOut []Sink

func (f FanOut) Emit(ctx context.Context, e Event) {
	for _, s := range f {
		s.Emit(ctx, e)
	}
}

// WithRun stamps the run ID and time on every event
func WithRun(sink Sink, runID string) Sink {
	return runSink{sink: sink, runID: runID}
}

type runSink struct {
	sink  Sink
	runID string
}

func (r runSink) Emit(ctx context.Context, e Event) {
	e.RunID = r.runID
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	r.sink.Emit(ctx, e)
}

// Recorder keeps events in memory, for tests
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(_ context.Context, e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfKind returns the recorded events of kind k
func (r *Recorder) OfKind(k Kind) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Kind == k {
			out = append(out, e)
		}
	}
	return out
}
