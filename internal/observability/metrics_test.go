package observability

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"

	"github.com/signalsfoundry/snap-bringup/model"
)

func TestStageEventsRecordMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewBringupCollector(reg)
	if err != nil {
		t.Fatalf("NewBringupCollector: %v", err)
	}

	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	collector.Emit(model.Event{Type: model.EventStageStart, Stage: model.StageProgram, At: start})
	collector.Emit(model.Event{Type: model.EventStageDone, Stage: model.StageProgram, At: start.Add(3 * time.Second)})
	collector.Emit(model.Event{Type: model.EventStageStart, Stage: model.StageNetwork, At: start})
	collector.Emit(model.Event{Type: model.EventStageDone, Stage: model.StageNetwork, At: start.Add(time.Second), Err: errors.New("boom")})

	if got := testutil.ToFloat64(collector.StageRuns.WithLabelValues("program", "ok")); got != 1 {
		t.Fatalf("bringup_stages_total{program,ok} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(collector.StageRuns.WithLabelValues("network", "error")); got != 1 {
		t.Fatalf("bringup_stages_total{network,error} = %v, want 1", got)
	}
	if count := histogramSampleCount(t, reg, "bringup_stage_duration_seconds", map[string]string{
		"stage": "program",
	}); count != 1 {
		t.Fatalf("bringup_stage_duration_seconds sample_count = %d, want 1", count)
	}
}

func TestCalibrationAndLinkEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewBringupCollector(reg)
	if err != nil {
		t.Fatalf("NewBringupCollector: %v", err)
	}

	cal := &model.CalibrationResult{
		RampFailures: model.NewLaneSet(model.LaneID{Chip: 0, Lane: 2}),
	}
	collector.Emit(model.Event{Type: model.EventCalibrationAttempt, Attempt: 1, Calibration: cal})
	collector.Emit(model.Event{Type: model.EventCalibrationAttempt, Attempt: 2, Calibration: cal})
	collector.Emit(model.Event{Type: model.EventLinkStatus, Link: &model.LinkStatus{LinkUp: true, OverflowCount: 4}})
	collector.Emit(model.Event{Type: model.EventClockEstimate, ClockMHz: 250})

	if got := testutil.ToFloat64(collector.CalibrationAttempts); got != 2 {
		t.Fatalf("calibration attempts = %v, want 2", got)
	}
	if got := testutil.ToFloat64(collector.FailingLanes); got != 1 {
		t.Fatalf("failing lanes = %v, want 1", got)
	}
	if got := testutil.ToFloat64(collector.LinkUp); got != 1 {
		t.Fatalf("link up = %v, want 1", got)
	}
	if got := testutil.ToFloat64(collector.LinkOverflows); got != 4 {
		t.Fatalf("link overflows = %v, want 4", got)
	}
	if got := testutil.ToFloat64(collector.FPGAClockMHz); got != 250 {
		t.Fatalf("fpga clock = %v, want 250", got)
	}
}

func TestRegistrationIsIdempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewBringupCollector(reg)
	if err != nil {
		t.Fatalf("first registration: %v", err)
	}
	second, err := NewBringupCollector(reg)
	if err != nil {
		t.Fatalf("second registration: %v", err)
	}
	first.StageRuns.WithLabelValues("program", "ok").Inc()
	if got := testutil.ToFloat64(second.StageRuns.WithLabelValues("program", "ok")); got != 1 {
		t.Fatalf("collectors not shared across registrations: %v", got)
	}
}

func TestMetricsHandlerExposesBringupSeries(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewBringupCollector(reg)
	if err != nil {
		t.Fatalf("NewBringupCollector: %v", err)
	}
	collector.StageRuns.WithLabelValues("program", "ok").Inc()
	collector.FPGAClockMHz.Set(250)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d, want 200", rr.Code)
	}
	body := rr.Body.String()
	for _, metric := range []string{
		"bringup_stages_total",
		"bringup_fpga_clock_mhz",
	} {
		if !strings.Contains(body, metric) {
			t.Fatalf("expected %q in /metrics output", metric)
		}
	}
}

func histogramSampleCount(t *testing.T, gatherer prometheus.Gatherer, name string, labels map[string]string) uint64 {
	t.Helper()

	metrics, err := gatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metrics {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.Metric {
			if matchLabels(m.GetLabel(), labels) && m.GetHistogram() != nil {
				return m.GetHistogram().GetSampleCount()
			}
		}
	}
	return 0
}

func matchLabels(got []*dto.LabelPair, want map[string]string) bool {
	if len(got) < len(want) {
		return false
	}
	matched := 0
	for _, lp := range got {
		if val, ok := want[lp.GetName()]; ok && val == lp.GetValue() {
			matched++
		}
	}
	return matched == len(want)
}
