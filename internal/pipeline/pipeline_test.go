package pipeline

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ThingsPanel/telemetry-hub/internal/live"
	"github.com/ThingsPanel/telemetry-hub/internal/model"
	"github.com/ThingsPanel/telemetry-hub/internal/resolver"
)

type fakeResolver struct {
	owners map[string]*resolver.Owner
}

func (f *fakeResolver) Resolve(_ context.Context, topic string) (*resolver.Owner, error) {
	return f.owners[topic], nil
}

// fakeWriter emulates the store's idempotent upsert: same key, one row.
type fakeWriter struct {
	mu        sync.Mutex
	rows      map[string]model.Metric
	legacy    []model.SensorReading
	lastSeen  map[string]time.Time
	legacyErr error
	upsertErr error
}

func newFakeWriter() *fakeWriter {
	return &fakeWriter{rows: map[string]model.Metric{}, lastSeen: map[string]time.Time{}}
}

func metricKey(m model.Metric) string {
	return fmt.Sprintf("%d/%s/%s", m.Time.UnixNano(), m.SensorID, m.ChannelID)
}

func (w *fakeWriter) UpsertMetrics(_ context.Context, partition string, rows []model.Metric) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.upsertErr != nil {
		return w.upsertErr
	}
	for _, r := range rows {
		w.rows[metricKey(r)] = r
	}
	return nil
}

func (w *fakeWriter) TouchSensorLastSeen(_ context.Context, partition, sensorID string, at time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastSeen[sensorID] = at
	return nil
}

func (w *fakeWriter) InsertLegacyReading(_ context.Context, partition string, row *model.SensorReading) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.legacyErr != nil {
		return w.legacyErr
	}
	w.legacy = append(w.legacy, *row)
	return nil
}

type captureEvents struct {
	mu     sync.Mutex
	events []live.Event
}

func (c *captureEvents) Broadcast(event live.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func f64(v float64) *float64 { return &v }
func str(v string) *string   { return &v }

func tempOwner() *resolver.Owner {
	return &resolver.Owner{
		TenantID:  "t1",
		Partition: "tenant_t1",
		Sensor:    model.Sensor{ID: "s1", TenantID: "t1", Serial: "sn-1", PayloadFormat: "json"},
		Channels: []model.Channel{{
			ID:          "c1",
			SensorID:    "s1",
			ChannelKey:  "temperature",
			Enabled:     true,
			PhysicalMin: f64(-10),
			PhysicalMax: f64(50),
		}},
	}
}

func newTestPipeline(owner *resolver.Owner, opts Options) (*Pipeline, *fakeWriter, *captureEvents) {
	res := &fakeResolver{owners: map[string]*resolver.Owner{}}
	if owner != nil {
		res.owners["sensors/sn-1/data"] = owner
	}
	w := newFakeWriter()
	ev := &captureEvents{}
	return New(res, w, ev, nil, zap.NewNop(), opts), w, ev
}

func TestEndToEndJSONReading(t *testing.T) {
	p, w, ev := newTestPipeline(tempOwner(), Options{})

	p.HandleSensorData("sensors/sn-1/data", []byte(`{"temperature": 24.5, "timestamp": "2025-01-01T00:00:00Z"}`))

	if len(w.rows) != 1 {
		t.Fatalf("expected exactly one metric row, got %d", len(w.rows))
	}
	for _, m := range w.rows {
		if m.RawValue != 24.5 || m.Value != 24.5 {
			t.Fatalf("unexpected values: %+v", m)
		}
		if m.QualityCode < 192 {
			t.Fatalf("expected good quality, got %d", m.QualityCode)
		}
		want := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
		if !m.Time.Equal(want) {
			t.Fatalf("embedded timestamp not used: %v", m.Time)
		}
		if m.TenantID != "t1" {
			t.Fatalf("tenant not denormalized: %+v", m)
		}
	}
	if _, ok := w.lastSeen["s1"]; !ok {
		t.Fatalf("last-seen not updated")
	}
	if len(ev.events) != 1 || ev.events[0].Type != live.EventSensorReading {
		t.Fatalf("expected reading event, got %+v", ev.events)
	}
	if ev.events[0].TenantID != "t1" || ev.events[0].SensorID != "s1" {
		t.Fatalf("event tags missing: %+v", ev.events[0])
	}
}

func TestReingestionIsIdempotent(t *testing.T) {
	p, w, _ := newTestPipeline(tempOwner(), Options{})
	msg := []byte(`{"temperature": 24.5, "timestamp": "2025-01-01T00:00:00Z"}`)

	p.HandleSensorData("sensors/sn-1/data", msg)
	p.HandleSensorData("sensors/sn-1/data", msg)

	if len(w.rows) != 1 {
		t.Fatalf("re-ingestion duplicated rows: %d", len(w.rows))
	}
}

func TestUnresolvedTopicIsDropped(t *testing.T) {
	p, w, ev := newTestPipeline(nil, Options{})

	p.HandleSensorData("sensors/unknown/data", []byte(`{"temperature": 1}`))

	if len(w.rows) != 0 || len(ev.events) != 0 {
		t.Fatalf("unresolved message must be dropped entirely")
	}
}

func TestMalformedPayloadIsDropped(t *testing.T) {
	p, w, ev := newTestPipeline(tempOwner(), Options{})

	p.HandleSensorData("sensors/sn-1/data", []byte(`{broken`))

	if len(w.rows) != 0 || len(ev.events) != 0 {
		t.Fatalf("malformed message must be dropped entirely")
	}
}

func TestMissingChannelPathSkipsChannelOnly(t *testing.T) {
	owner := tempOwner()
	owner.Channels = append(owner.Channels, model.Channel{
		ID: "c2", SensorID: "s1", ChannelKey: "humidity", Enabled: true,
	})
	p, w, _ := newTestPipeline(owner, Options{})

	p.HandleSensorData("sensors/sn-1/data", []byte(`{"temperature": 20}`))

	if len(w.rows) != 1 {
		t.Fatalf("expected the present channel only, got %d rows", len(w.rows))
	}
	for _, m := range w.rows {
		if m.ChannelID != "c1" {
			t.Fatalf("wrong channel written: %+v", m)
		}
	}
}

func TestDisabledChannelIgnored(t *testing.T) {
	owner := tempOwner()
	owner.Channels[0].Enabled = false
	p, w, _ := newTestPipeline(owner, Options{})

	p.HandleSensorData("sensors/sn-1/data", []byte(`{"temperature": 20}`))

	if len(w.rows) != 0 {
		t.Fatalf("disabled channel must not produce rows")
	}
}

func TestCalibrationApplied(t *testing.T) {
	owner := tempOwner()
	owner.Channels[0].CalibrationEnabled = true
	owner.Channels[0].Multiplier = f64(2)
	owner.Channels[0].Offset = f64(1)
	owner.Channels[0].PhysicalMin = nil
	owner.Channels[0].PhysicalMax = nil
	p, w, _ := newTestPipeline(owner, Options{})

	p.HandleSensorData("sensors/sn-1/data", []byte(`{"temperature": 10}`))

	for _, m := range w.rows {
		if m.RawValue != 10 || m.Value != 21 {
			t.Fatalf("calibration not applied: %+v", m)
		}
	}
}

func TestOutOfPhysicalBoundsStoredAsBad(t *testing.T) {
	p, w, _ := newTestPipeline(tempOwner(), Options{})

	p.HandleSensorData("sensors/sn-1/data", []byte(`{"temperature": 99}`))

	if len(w.rows) != 1 {
		t.Fatalf("out-of-bounds reading must still be recorded")
	}
	for _, m := range w.rows {
		if m.QualityCode != 0 {
			t.Fatalf("expected BAD quality, got %d", m.QualityCode)
		}
		if m.QualityBits == 0 {
			t.Fatalf("expected out-of-range bit")
		}
	}
}

func TestLegacyReadingToggle(t *testing.T) {
	p, w, _ := newTestPipeline(tempOwner(), Options{LegacyReadings: true})

	p.HandleSensorData("sensors/sn-1/data", []byte(`{"temperature": 20}`))

	if len(w.legacy) != 1 {
		t.Fatalf("expected legacy wide row")
	}
	if w.legacy[0].SensorID != "s1" || w.legacy[0].Readings == "" {
		t.Fatalf("unexpected legacy row: %+v", w.legacy[0])
	}
}

func TestLegacyFailureDoesNotAbortMetrics(t *testing.T) {
	p, w, _ := newTestPipeline(tempOwner(), Options{LegacyReadings: true})
	w.legacyErr = errors.New("legacy table gone")

	p.HandleSensorData("sensors/sn-1/data", []byte(`{"temperature": 20}`))

	if len(w.rows) != 1 {
		t.Fatalf("metric write must survive legacy failure")
	}
}

func TestMetricFailureDoesNotAbortLegacy(t *testing.T) {
	p, w, _ := newTestPipeline(tempOwner(), Options{LegacyReadings: true})
	w.upsertErr = errors.New("partition offline")

	p.HandleSensorData("sensors/sn-1/data", []byte(`{"temperature": 20}`))

	if len(w.legacy) != 1 {
		t.Fatalf("legacy write must survive metric failure")
	}
}

func TestParentChildExtraction(t *testing.T) {
	parent := &resolver.Owner{
		TenantID:  "t1",
		Partition: "tenant_t1",
		Sensor: model.Sensor{
			ID: "p1", TenantID: "t1", Serial: "sn-1",
			Type: model.SensorTypeMulti, PayloadFormat: "json",
		},
		Children: []resolver.Owner{{
			TenantID:  "t1",
			Partition: "tenant_t1",
			Sensor: model.Sensor{
				ID: "child1", TenantID: "t1", Serial: "sn-1-a",
				ParentID: str("p1"), Address: str("probes[0]"), PayloadFormat: "json",
			},
			Channels: []model.Channel{{
				ID: "cc1", SensorID: "child1", ChannelKey: "moisture", Enabled: true,
			}},
		}},
	}
	p, w, _ := newTestPipeline(parent, Options{})

	p.HandleSensorData("sensors/sn-1/data", []byte(`{"probes": [{"moisture": 31.5}]}`))

	if len(w.rows) != 1 {
		t.Fatalf("expected one child row, got %d", len(w.rows))
	}
	for _, m := range w.rows {
		if m.SensorID != "child1" || m.RawValue != 31.5 {
			t.Fatalf("child extraction failed: %+v", m)
		}
	}
}

func TestCSVPayload(t *testing.T) {
	owner := tempOwner()
	owner.Sensor.PayloadFormat = "csv"
	owner.Channels[0].DataPath = "temp"
	p, w, _ := newTestPipeline(owner, Options{})

	p.HandleSensorData("sensors/sn-1/data", []byte("temp,hum\n21.5,60"))

	if len(w.rows) != 1 {
		t.Fatalf("csv payload not ingested")
	}
	for _, m := range w.rows {
		if m.RawValue != 21.5 {
			t.Fatalf("unexpected raw value: %+v", m)
		}
	}
}
