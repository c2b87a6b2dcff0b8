// Package metrics exposes Prometheus collectors for the dispenser state machine.
package metrics

import (
	"github.com/MarcoPoloResearchLab/tally/backend/internal/dispenser"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "tally"

// Recorder implements dispenser.MetricsRecorder with Prometheus collectors.
type Recorder struct {
	actions          *prometheus.CounterVec
	rollovers        *prometheus.CounterVec
	resets           prometheus.Counter
	malformed        prometheus.Counter
	consumption      prometheus.Gauge
	consumptionLimit prometheus.Gauge
	lockoutRemaining prometheus.Gauge
	currentStreak    prometheus.Gauge
	highestStreak    prometheus.Gauge
}

// NewRecorder creates the collectors and registers them with registerer.
func NewRecorder(registerer prometheus.Registerer) (*Recorder, error) {
	recorder := &Recorder{
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "device",
			Name:      "actions_total",
			Help:      "Replies sent to the device, by action.",
		}, []string{"action"}),
		rollovers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cycle",
			Name:      "rollovers_total",
			Help:      "Completed consumption cycles, by outcome.",
		}, []string{"outcome"}),
		resets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cycle",
			Name:      "manual_resets_total",
			Help:      "Dashboard-requested resets.",
		}),
		malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "device",
			Name:      "malformed_reports_total",
			Help:      "Device messages that did not carry a usable report.",
		}),
		consumption: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cycle",
			Name:      "consumption_count",
			Help:      "Drinks consumed in the current cycle.",
		}),
		consumptionLimit: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cycle",
			Name:      "consumption_limit",
			Help:      "Drinks allowed per cycle.",
		}),
		lockoutRemaining: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "device",
			Name:      "lockout_remaining_seconds",
			Help:      "Seconds left on the active lockout.",
		}),
		currentStreak: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "streak",
			Name:      "current",
			Help:      "Consecutive cycles within the limit.",
		}),
		highestStreak: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "streak",
			Name:      "highest",
			Help:      "Longest run of cycles within the limit.",
		}),
	}

	collectors := []prometheus.Collector{
		recorder.actions,
		recorder.rollovers,
		recorder.resets,
		recorder.malformed,
		recorder.consumption,
		recorder.consumptionLimit,
		recorder.lockoutRemaining,
		recorder.currentStreak,
		recorder.highestStreak,
	}
	for _, collector := range collectors {
		if err := registerer.Register(collector); err != nil {
			return nil, err
		}
	}
	return recorder, nil
}

func (r *Recorder) ObserveAction(action dispenser.Action) {
	r.actions.WithLabelValues(string(action)).Inc()
}

func (r *Recorder) ObserveRollover(limitExceeded bool) {
	outcome := "within_limit"
	if limitExceeded {
		outcome = "exceeded"
	}
	r.rollovers.WithLabelValues(outcome).Inc()
}

func (r *Recorder) ObserveReset() {
	r.resets.Inc()
}

// ObserveMalformed counts a device message that could not be decoded into a report.
func (r *Recorder) ObserveMalformed() {
	r.malformed.Inc()
}

func (r *Recorder) ObserveStatus(status dispenser.Status) {
	r.consumption.Set(float64(status.ConsumptionCount))
	r.consumptionLimit.Set(float64(status.ConsumptionLimit))
	r.lockoutRemaining.Set(float64(status.LockoutRemaining))
	r.currentStreak.Set(float64(status.CurrentStreak))
	r.highestStreak.Set(float64(status.HighestStreak))
}
