// Package metrics turns event bus traffic into prometheus series.
package metrics

import (
	"context"
	"net/http"
	"strings"

	"fedtrain/internal/eventbus"
	"fedtrain/internal/task/engine"
	"fedtrain/internal/training/callback"
	"fedtrain/internal/training/jobmanager"
	"fedtrain/internal/training/trainer"
	logx "fedtrain/pkg/logx"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fedtrain"

// Metrics owns a private registry. All series are fed from the bus.
type Metrics struct {
	reg *prometheus.Registry
	log logx.Logger

	runs      *prometheus.CounterVec
	callbacks *prometheus.CounterVec
	arms      *prometheus.CounterVec
	tasks     *prometheus.CounterVec
	duration  prometheus.Histogram
}

func New(log logx.Logger) *Metrics {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		log: log.With(logx.String("comp", "metrics")),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Training runs by final outcome.",
		}, []string{"outcome"}),
		callbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "callbacks_total",
			Help:      "Result callback deliveries by failure category; empty category is success.",
		}, []string{"category"}),
		arms: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "schedule_arms_total",
			Help:      "Wake-ups armed by scheduling reason.",
		}, []string{"reason"}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_tasks_total",
			Help:      "Task engine lifecycle events.",
		}, []string{"event"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of training runs that found a task.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 14),
		}),
	}
	m.reg.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		m.runs, m.callbacks, m.arms, m.tasks, m.duration,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// TrackInFlight exposes fn as the in-flight runs gauge.
func (m *Metrics) TrackInFlight(fn func() int) {
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "runs_in_flight",
		Help:      "Training runs currently executing.",
	}, func() float64 { return float64(fn()) }))
}

// TrackBusDrops exposes the bus drop counter.
func (m *Metrics) TrackBusDrops(bus eventbus.Bus) {
	m.reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "eventbus_dropped_total",
		Help:      "Events dropped because a subscriber was slow.",
	}, func() float64 { return float64(bus.Dropped()) }))
}

// Consume feeds series from bus until ctx ends.
func (m *Metrics) Consume(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(256, "training.", "callback.", "task.")
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			m.Observe(ev)
		}
	}
}

// Observe records one event. Unknown events are ignored.
func (m *Metrics) Observe(ev eventbus.Event) {
	switch data := ev.Data.(type) {
	case trainer.RunEvent:
		if ev.Type != trainer.EventRunFinished {
			return
		}
		m.runs.WithLabelValues(data.Outcome).Inc()
		if data.Outcome != trainer.OutcomeNoTask {
			m.duration.Observe(data.Duration.Seconds())
		}
	case callback.Event:
		m.callbacks.WithLabelValues(string(data.Category)).Inc()
	case jobmanager.ScheduledEvent:
		if ev.Type == jobmanager.EventScheduled {
			m.arms.WithLabelValues(data.Reason.String()).Inc()
		}
	case engine.TaskEvent:
		m.tasks.WithLabelValues(strings.TrimPrefix(ev.Type, "task.")).Inc()
	}
}
