package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gammadia/ehos/scheduler"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics turns the scheduler events into prometheus metrics.
type Metrics struct {
	registry *prometheus.Registry

	nodes      *prometheus.GaugeVec
	jobs       *prometheus.GaugeVec
	thresholds *prometheus.GaugeVec
	decisions  *prometheus.CounterVec
	cycles     *prometheus.CounterVec
	actions    *prometheus.CounterVec
	lastCycle  prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		nodes: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ehos_nodes",
				Help: "Number of registered nodes",
			},
			[]string{"status"},
		),
		jobs: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ehos_jobs",
				Help: "Number of jobs in the queue",
			},
			[]string{"status"},
		),
		thresholds: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ehos_thresholds",
				Help: "Configured node thresholds",
			},
			[]string{"threshold"},
		),
		decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ehos_scaling_decisions_total",
				Help: "Total scaling decisions",
			},
			[]string{"action"},
		),
		cycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ehos_cycles_total",
				Help: "Total control loop cycles",
			},
			[]string{"result"},
		),
		actions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ehos_node_actions_total",
				Help: "Total node creations and deletions",
			},
			[]string{"cloud", "action", "result"},
		),
		lastCycle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "ehos_last_cycle_timestamp_seconds",
				Help: "Time of the last completed cycle",
			},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.nodes,
		m.jobs,
		m.thresholds,
		m.decisions,
		m.cycles,
		m.actions,
		m.lastCycle,
	)
	return m
}

// Handle records a scheduler event. It is meant to be used as scheduler.Config.OnEvent.
func (m *Metrics) Handle(event scheduler.Event) {
	switch event := event.(type) {
	case scheduler.EventCycleCompleted:
		m.nodes.WithLabelValues("idle").Set(float64(event.Nodes.Idle))
		m.nodes.WithLabelValues("busy").Set(float64(event.Nodes.Busy))
		m.jobs.WithLabelValues("idle").Set(float64(event.Jobs.Idle))
		m.jobs.WithLabelValues("total").Set(float64(event.Jobs.Total))
		m.thresholds.WithLabelValues("min").Set(float64(event.Thresholds.Min))
		m.thresholds.WithLabelValues("max").Set(float64(event.Thresholds.Max))
		m.thresholds.WithLabelValues("spare").Set(float64(event.Thresholds.Spare))
		m.decisions.WithLabelValues(string(event.Decision.Action)).Inc()
		m.cycles.WithLabelValues("completed").Inc()
		m.lastCycle.SetToCurrentTime()

	case scheduler.EventCycleFailed:
		m.cycles.WithLabelValues("failed").Inc()

	case scheduler.EventNodeCreated:
		m.actions.WithLabelValues(event.Cloud, string(scheduler.ActionCreate), "success").Inc()

	case scheduler.EventNodeDeleted:
		m.actions.WithLabelValues(event.Cloud, string(scheduler.ActionDelete), "success").Inc()

	case scheduler.EventNodeActionFailed:
		m.actions.WithLabelValues(event.Cloud, string(event.Action), "failure").Inc()
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Serve exposes /metrics on addr until the context is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string, log *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("Serving metrics", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
