// Package metrics exposes controller state to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sweeney/irrigation-controller/internal/depth"
	"github.com/sweeney/irrigation-controller/internal/scheduler"
	"github.com/sweeney/irrigation-controller/internal/valve"
)

var (
	reservoirDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "irrigation_reservoir_depth_cm",
		Help: "Latest reservoir depth reading in centimetres",
	})

	depthReadings = promauto.NewCounter(prometheus.CounterOpts{
		Name: "irrigation_depth_readings_total",
		Help: "Depth readings received",
	})

	valveOpen = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "irrigation_valve_open",
		Help: "1 while the valve is on",
	}, []string{"valve"})

	valveTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "irrigation_valve_transitions_total",
		Help: "Valve transitions by state and reason",
	}, []string{"valve", "state", "reason"})

	valveRunSeconds = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "irrigation_valve_run_seconds_total",
		Help: "Accumulated on-time per valve",
	}, []string{"valve"})

	safetyCutoffs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "irrigation_safety_cutoffs_total",
		Help: "Times the safety monitor closed the unreliable valve group",
	})

	schedulerActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "irrigation_scheduler_actions_total",
		Help: "Scheduler decisions by action",
	}, []string{"action"})

	schedulerEnabled = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "irrigation_scheduler_enabled",
		Help: "1 while automatic scheduling is enabled",
	})
)

// ObserveDepth records a depth reading.
func ObserveDepth(r depth.Reading) {
	reservoirDepth.Set(r.Depth)
	depthReadings.Inc()
}

// ObserveValve records a valve transition.
func ObserveValve(e valve.Event) {
	name := e.Valve.Name
	valveTransitions.WithLabelValues(name, string(e.Valve.State), string(e.Reason)).Inc()
	if e.Valve.State == valve.StateOn {
		valveOpen.WithLabelValues(name).Set(1)
		return
	}
	valveOpen.WithLabelValues(name).Set(0)
	if e.RunTime > 0 {
		valveRunSeconds.WithLabelValues(name).Add(e.RunTime.Seconds())
	}
}

// ObserveCutoff records a safety monitor cutoff.
func ObserveCutoff(float64) {
	safetyCutoffs.Inc()
}

// ObserveScheduler records a scheduler decision.
func ObserveScheduler(a scheduler.Action) {
	schedulerActions.WithLabelValues(string(a)).Inc()
	switch a {
	case scheduler.ActionEnable:
		schedulerEnabled.Set(1)
	case scheduler.ActionDisable:
		schedulerEnabled.Set(0)
	}
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
