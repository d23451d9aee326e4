// Package metrics exposes Prometheus collectors for the scheduling core.
package metrics

import (
	"net/http"
	"net/http/pprof"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Coordinator metrics

	RunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "macrosched",
		Name:      "runs_total",
		Help:      "Run requests handled by the coordinator, by outcome.",
	}, []string{"outcome"})

	RunDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "macrosched",
		Name:      "run_duration_seconds",
		Help:      "Duration of executed runs including countdown and repeats.",
		Buckets:   []float64{.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600, 1800},
	}, []string{"status"})

	QueueLength = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "macrosched",
		Name:      "coordinator_queue_length",
		Help:      "Run requests waiting under the QUEUE policy.",
	})

	ActiveRuns = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "macrosched",
		Name:      "coordinator_active_runs",
		Help:      "1 while a run (countdown included) owns the player.",
	})

	// Evaluator / scheduler metrics

	TriggerDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "macrosched",
		Name:      "trigger_decisions_total",
		Help:      "Evaluator tick decisions, by schedule mode and result.",
	}, []string{"mode", "result"})

	SchedulesArmed = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "macrosched",
		Name:      "schedules_armed",
		Help:      "Schedules with a live evaluator after the last reload.",
	})

	SchedulerReloads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "macrosched",
		Name:      "scheduler_reloads_total",
		Help:      "Scheduler rebuilds from the repository, by result.",
	}, []string{"result"})

	// Player

	PlayerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "macrosched",
		Name:      "player_state",
		Help:      "1 for the player's current state, 0 otherwise.",
	}, []string{"state"})
)

var registerOnce sync.Once

// Register adds every collector to the default registry. Safe to call more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			RunsTotal,
			RunDuration,
			QueueLength,
			ActiveRuns,
			TriggerDecisions,
			SchedulesArmed,
			SchedulerReloads,
			PlayerState,
		)
	})
}

// SetPlayerState flips the player_state gauge to the given state.
func SetPlayerState(state string) {
	for _, s := range []string{"IDLE", "PLAYING", "PAUSED"} {
		v := 0.0
		if s == state {
			v = 1
		}
		PlayerState.WithLabelValues(s).Set(v)
	}
}

// NewServer serves /metrics and, when withPprof is set, /debug/pprof/.
func NewServer(addr string, withPprof bool) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if withPprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	return &http.Server{Addr: addr, Handler: mux}
}
