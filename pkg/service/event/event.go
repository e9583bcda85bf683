// Package event fans operational events out to log, metrics and analytics sinks.
package event

import (
	"context"
	"sync"

	"github.com/m-mizutani/simgen/pkg/interfaces"
	"github.com/m-mizutani/simgen/pkg/model"
	"github.com/m-mizutani/simgen/pkg/utils/logging"
)

// Multi delivers each event to every sink once
type Multi []interfaces.EventSink

func (m Multi) Emit(ctx context.Context, ev model.Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(ctx, ev)
		}
	}
}

// Logger writes events to the context logger
type Logger struct{}

func (Logger) Emit(ctx context.Context, ev model.Event) {
	args := make([]any, 0, len(ev.Fields)*2+2)
	args = append(args, "event", string(ev.Type))
	for k, v := range ev.Fields {
		args = append(args, k, v)
	}

	logger := logging.From(ctx)
	switch ev.Type {
	case model.EventValidationError, model.EventBreakerTransition, model.EventCacheDrop:
		logger.Warn("event", args...)
	case model.EventJobTerminal:
		if ev.Fields["status"] == string(model.JobFailed) {
			logger.Warn("event", args...)
			return
		}
		logger.Info("event", args...)
	default:
		logger.Debug("event", args...)
	}
}

// Nop drops every event
type Nop struct{}

func (Nop) Emit(context.Context, model.Event) {}

// Recorder keeps events in memory. Used by tests and the debug endpoint.
type Recorder struct {
	mu     sync.Mutex
	events []model.Event
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Emit(_ context.Context, ev model.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns a snapshot of recorded events
func (r *Recorder) Events() []model.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.Event, len(r.events))
	copy(out, r.events)
	return out
}

// Count returns how many events of typ were recorded
func (r *Recorder) Count(typ model.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

// Filter returns recorded events of typ in order
func (r *Recorder) Filter(typ model.EventType) []model.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Event
	for _, ev := range r.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}
