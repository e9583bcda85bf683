package event

import (
	"context"
	"fmt"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/simgen/pkg/model"
	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus counts events by type and a small set of bounded labels
type Prometheus struct {
	events      *prometheus.CounterVec
	transitions *prometheus.CounterVec
	jobs        *prometheus.CounterVec
}

// NewPrometheus registers the event counters with reg
func NewPrometheus(reg prometheus.Registerer) (*Prometheus, error) {
	p := &Prometheus{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "simgen",
			Name:      "events_total",
			Help:      "Total number of orchestration events by type",
		}, []string{"type"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "simgen",
			Subsystem: "breaker",
			Name:      "transitions_total",
			Help:      "Circuit breaker transitions",
		}, []string{"from", "to"}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "simgen",
			Subsystem: "jobs",
			Name:      "terminal_total",
			Help:      "Jobs reaching a terminal state",
		}, []string{"status", "reason"}),
	}

	for _, c := range []prometheus.Collector{p.events, p.transitions, p.jobs} {
		if err := reg.Register(c); err != nil {
			return nil, goerr.Wrap(err, "failed to register event metrics")
		}
	}
	return p, nil
}

func (p *Prometheus) Emit(_ context.Context, ev model.Event) {
	p.events.WithLabelValues(string(ev.Type)).Inc()

	switch ev.Type {
	case model.EventBreakerTransition:
		p.transitions.WithLabelValues(label(ev.Fields["from"]), label(ev.Fields["to"])).Inc()
	case model.EventJobTerminal:
		p.jobs.WithLabelValues(label(ev.Fields["status"]), label(ev.Fields["reason"])).Inc()
	}
}

func label(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}
