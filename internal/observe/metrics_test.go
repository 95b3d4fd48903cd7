package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestLatencyHistograms(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	cases := []struct {
		name string
		hist metric.Float64Histogram
	}{
		{"lumen.turn.assembly.duration", m.TurnAssemblyDuration},
		{"lumen.response.latency", m.ResponseLatency},
	}
	for _, tc := range cases {
		tc.hist.Record(ctx, 0.42)
	}

	rm := collect(t, reader)
	for _, tc := range cases {
		met := findMetric(rm, tc.name)
		if met == nil {
			t.Errorf("metric %s not found", tc.name)
			continue
		}
		hist, ok := met.Data.(metricdata.Histogram[float64])
		if !ok {
			t.Errorf("%s is not a float64 histogram", tc.name)
			continue
		}
		if len(hist.DataPoints) != 1 || hist.DataPoints[0].Count != 1 {
			t.Errorf("%s: unexpected data points %+v", tc.name, hist.DataPoints)
		}
	}
}

func TestVadEventsCounter(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordVadEvent(ctx, "start")
	m.RecordVadEvent(ctx, "start")
	m.RecordVadEvent(ctx, "end")

	rm := collect(t, reader)
	met := findMetric(rm, "lumen.vad.events")
	if met == nil {
		t.Fatal("metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("metric is not an int64 sum")
	}

	var total int64
	startFound := false
	for _, dp := range sum.DataPoints {
		total += dp.Value
		for _, kv := range dp.Attributes.ToSlice() {
			if string(kv.Key) == "kind" && kv.Value.AsString() == "start" {
				startFound = true
				if dp.Value != 2 {
					t.Errorf("kind=start count = %d; want 2", dp.Value)
				}
			}
		}
	}
	if total != 3 {
		t.Errorf("total VAD events = %d; want 3", total)
	}
	if !startFound {
		t.Error("data point with kind=start not found")
	}
}

func TestTurnsCounterAttributes(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordTurn(ctx, "user", "completed")
	m.RecordTurn(ctx, "model", "interrupted")

	rm := collect(t, reader)
	met := findMetric(rm, "lumen.turns")
	if met == nil {
		t.Fatal("metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("metric is not an int64 sum")
	}
	if len(sum.DataPoints) != 2 {
		t.Fatalf("data points = %d; want 2 (one per attribute set)", len(sum.DataPoints))
	}

	interrupted := false
	for _, dp := range sum.DataPoints {
		speaker, outcome := "", ""
		for _, kv := range dp.Attributes.ToSlice() {
			switch string(kv.Key) {
			case "speaker":
				speaker = kv.Value.AsString()
			case "outcome":
				outcome = kv.Value.AsString()
			}
		}
		if speaker == "model" && outcome == "interrupted" {
			interrupted = true
		}
	}
	if !interrupted {
		t.Error("data point with speaker=model outcome=interrupted not found")
	}
}

func TestReconnectsCounter(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordReconnect(ctx, "failed")
	m.RecordReconnect(ctx, "failed")
	m.RecordReconnect(ctx, "ok")

	rm := collect(t, reader)
	met := findMetric(rm, "lumen.channel.reconnects")
	if met == nil {
		t.Fatal("metric not found")
	}
	sum := met.Data.(metricdata.Sum[int64])

	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	if total != 3 {
		t.Errorf("total reconnects = %d; want 3", total)
	}
}

func TestChannelErrorsCounter(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordChannelError(ctx, "response_failed")

	rm := collect(t, reader)
	met := findMetric(rm, "lumen.channel.errors")
	if met == nil {
		t.Fatal("metric not found")
	}
	sum := met.Data.(metricdata.Sum[int64])
	if len(sum.DataPoints) != 1 || sum.DataPoints[0].Value != 1 {
		t.Errorf("unexpected data points %+v", sum.DataPoints)
	}
}

func TestGaugesUpAndDown(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveSessions.Add(ctx, 2)
	m.ActiveSessions.Add(ctx, -1)

	rm := collect(t, reader)
	met := findMetric(rm, "lumen.active_sessions")
	if met == nil {
		t.Fatal("metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("metric is not an int64 sum")
	}
	if len(sum.DataPoints) != 1 || sum.DataPoints[0].Value != 1 {
		t.Errorf("active sessions = %+v; want single point with value 1", sum.DataPoints)
	}
}

func TestModelAudioBytesCounter(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ModelAudioBytes.Add(ctx, 640)
	m.ModelAudioBytes.Add(ctx, 640)

	rm := collect(t, reader)
	met := findMetric(rm, "lumen.model.audio.bytes")
	if met == nil {
		t.Fatal("metric not found")
	}
	sum := met.Data.(metricdata.Sum[int64])
	if len(sum.DataPoints) != 1 || sum.DataPoints[0].Value != 1280 {
		t.Errorf("unexpected data points %+v", sum.DataPoints)
	}
}

func TestBargeInsWithAttr(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.BargeIns.Add(ctx, 1, metric.WithAttributes(attribute.String("session_id", "s1")))

	rm := collect(t, reader)
	met := findMetric(rm, "lumen.barge_ins")
	if met == nil {
		t.Fatal("metric not found")
	}
	sum := met.Data.(metricdata.Sum[int64])
	if len(sum.DataPoints) != 1 || sum.DataPoints[0].Value != 1 {
		t.Errorf("unexpected data points %+v", sum.DataPoints)
	}
}

func TestDefaultMetricsSingleton(t *testing.T) {
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different instances")
	}
}

func TestAttrHelper(t *testing.T) {
	kv := Attr("speaker", "user")
	if string(kv.Key) != "speaker" || kv.Value.AsString() != "user" {
		t.Errorf("Attr produced %v", kv)
	}
}
