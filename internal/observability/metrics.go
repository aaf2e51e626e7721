package observability

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/signalsfoundry/snap-bringup/model"
)

// BringupCollector bundles the Prometheus metrics of the bring-up pipeline
// and adapts the sequencer's event stream onto them.
type BringupCollector struct {
	gatherer prometheus.Gatherer

	StageRuns      *prometheus.CounterVec
	StageDurations *prometheus.HistogramVec

	CalibrationAttempts prometheus.Counter
	FailingLanes        prometheus.Gauge

	LinkUp        prometheus.Gauge
	LinkOverflows prometheus.Gauge
	FPGAClockMHz  prometheus.Gauge

	mu     sync.Mutex
	starts map[model.Stage]time.Time
}

// NewBringupCollector registers the bring-up metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
// Registration is idempotent so repeated runs in one process reuse the same
// collectors.
func NewBringupCollector(reg prometheus.Registerer) (*BringupCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bringup_stages_total",
		Help: "Completed bring-up stages, labeled by stage and outcome.",
	}, []string{"stage", "outcome"})
	runs, err := registerCounterVec(reg, runs, "bringup_stages_total")
	if err != nil {
		return nil, err
	}

	durations := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bringup_stage_duration_seconds",
		Help:    "Bring-up stage wall time in seconds.",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
	}, []string{"stage"})
	durations, err = registerHistogramVec(reg, durations, "bringup_stage_duration_seconds")
	if err != nil {
		return nil, err
	}

	attempts, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bringup_calibration_attempts_total",
		Help: "ADC calibration attempts across all runs.",
	}), "bringup_calibration_attempts_total")
	if err != nil {
		return nil, err
	}
	lanes, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bringup_calibration_failing_lanes",
		Help: "Failing ADC lanes reported by the most recent calibration attempt.",
	}), "bringup_calibration_failing_lanes")
	if err != nil {
		return nil, err
	}
	linkUp, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bringup_link_up",
		Help: "Whether the 10GbE link reported up during the last network bring-up (1 or 0).",
	}), "bringup_link_up")
	if err != nil {
		return nil, err
	}
	overflows, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bringup_link_overflow_count",
		Help: "Transmit overflow counter sampled during the last network bring-up.",
	}), "bringup_link_overflow_count")
	if err != nil {
		return nil, err
	}
	clock, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bringup_fpga_clock_mhz",
		Help: "FPGA fabric clock estimate from the last completed run.",
	}), "bringup_fpga_clock_mhz")
	if err != nil {
		return nil, err
	}

	return &BringupCollector{
		gatherer:            gatherer,
		StageRuns:           runs,
		StageDurations:      durations,
		CalibrationAttempts: attempts,
		FailingLanes:        lanes,
		LinkUp:              linkUp,
		LinkOverflows:       overflows,
		FPGAClockMHz:        clock,
		starts:              make(map[model.Stage]time.Time),
	}, nil
}

// Emit implements model.EventSink, so the collector plugs straight into the
// sequencer's Events field.
func (c *BringupCollector) Emit(e model.Event) {
	if c == nil {
		return
	}
	switch e.Type {
	case model.EventStageStart:
		c.mu.Lock()
		c.starts[e.Stage] = e.At
		c.mu.Unlock()

	case model.EventStageDone:
		outcome := "ok"
		if e.Err != nil {
			outcome = "error"
		}
		c.StageRuns.WithLabelValues(e.Stage.String(), outcome).Inc()

		c.mu.Lock()
		start, ok := c.starts[e.Stage]
		delete(c.starts, e.Stage)
		c.mu.Unlock()
		if ok {
			c.StageDurations.WithLabelValues(e.Stage.String()).Observe(e.At.Sub(start).Seconds())
		}

	case model.EventCalibrationAttempt:
		c.CalibrationAttempts.Inc()
		if e.Calibration != nil {
			c.FailingLanes.Set(float64(len(e.Calibration.Failures())))
		}

	case model.EventLinkStatus:
		if e.Link == nil {
			return
		}
		if e.Link.LinkUp {
			c.LinkUp.Set(1)
		} else {
			c.LinkUp.Set(0)
		}
		c.LinkOverflows.Set(float64(e.Link.OverflowCount))

	case model.EventClockEstimate:
		c.FPGAClockMHz.Set(e.ClockMHz)
	}
}

// Handler exposes a ready-to-use /metrics handler.
func (c *BringupCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
