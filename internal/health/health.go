// Package health watches sensor and device liveness. Sensor staleness
// and device offline detection run on independent windows: a sensor can
// go stale while its edge device keeps heartbeating, and vice versa.
package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ThingsPanel/telemetry-hub/internal/device"
	"github.com/ThingsPanel/telemetry-hub/internal/live"
	"github.com/ThingsPanel/telemetry-hub/internal/metrics"
	"github.com/ThingsPanel/telemetry-hub/internal/model"
)

// Tracker records the last reading time per sensor. The pipeline feeds
// it on every accepted message.
type Tracker struct {
	mu       sync.Mutex
	lastSeen map[string]time.Time
	notified map[string]bool
	lastAny  time.Time
}

func NewTracker() *Tracker {
	return &Tracker{
		lastSeen: make(map[string]time.Time),
		notified: make(map[string]bool),
		lastAny:  time.Now(),
	}
}

// MarkReading records a reading. A fresh reading clears the sensor's
// stale flag so a later lapse is reported again.
func (t *Tracker) MarkReading(sensorID string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastSeen[sensorID] = at
	delete(t.notified, sensorID)
	if at.After(t.lastAny) {
		t.lastAny = at
	}
}

// staleSensors returns sensors whose last reading predates the cutoff
// and which have not been reported stale yet, plus the total stale
// count for the gauge.
func (t *Tracker) staleSensors(cutoff time.Time) (fresh []string, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, at := range t.lastSeen {
		if !at.Before(cutoff) {
			continue
		}
		total++
		if !t.notified[id] {
			t.notified[id] = true
			fresh = append(fresh, id)
		}
	}
	return fresh, total
}

// idleSince reports whether no sensor at all has produced a reading
// since the cutoff, and resets the idle clock so one lapse triggers one
// recovery attempt.
func (t *Tracker) idleSince(cutoff, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.lastAny.Before(cutoff) {
		t.lastAny = now
		return true
	}
	return false
}

// DeviceStore is the slice of the store the monitor sweeps.
type DeviceStore interface {
	DevicesSilentSince(ctx context.Context, cutoff time.Time) ([]model.EdgeDevice, error)
	SaveDevice(ctx context.Context, device *model.EdgeDevice) error
}

// Broadcaster fans health events out to live subscribers.
type Broadcaster interface {
	Broadcast(event live.Event)
}

// Transport is the recovery hook for a dead subscription.
type Transport interface {
	Bounce()
}

type Options struct {
	SweepInterval         time.Duration
	SensorStaleAfter      time.Duration
	DeviceOfflineAfter    time.Duration
	SubscriptionIdleAfter time.Duration
}

func (o *Options) defaults() {
	if o.SweepInterval <= 0 {
		o.SweepInterval = 30 * time.Second
	}
	if o.SensorStaleAfter <= 0 {
		o.SensorStaleAfter = 5 * time.Minute
	}
	if o.DeviceOfflineAfter <= 0 {
		o.DeviceOfflineAfter = 2 * time.Minute
	}
	if o.SubscriptionIdleAfter <= 0 {
		o.SubscriptionIdleAfter = 10 * time.Minute
	}
}

// Monitor periodically sweeps sensor staleness and device heartbeats.
type Monitor struct {
	tracker   *Tracker
	store     DeviceStore
	events    Broadcaster
	transport Transport
	log       *zap.Logger
	opts      Options
	nowFunc   func() time.Time
}

func NewMonitor(tracker *Tracker, store DeviceStore, events Broadcaster, transport Transport, log *zap.Logger, opts Options) *Monitor {
	opts.defaults()
	return &Monitor{
		tracker:   tracker,
		store:     store,
		events:    events,
		transport: transport,
		log:       log,
		opts:      opts,
		nowFunc:   time.Now,
	}
}

// Run sweeps until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.Sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Sweep runs one pass of all three checks.
func (m *Monitor) Sweep(ctx context.Context) {
	now := m.nowFunc()
	m.sweepSensors(now)
	m.sweepDevices(ctx, now)
	m.checkSubscription(now)
}

func (m *Monitor) sweepSensors(now time.Time) {
	fresh, total := m.tracker.staleSensors(now.Add(-m.opts.SensorStaleAfter))
	metrics.SensorsStale.Set(float64(total))
	for _, id := range fresh {
		m.log.Warn("sensor went stale",
			zap.String("sensor", id), zap.Duration("window", m.opts.SensorStaleAfter))
		if m.events != nil {
			m.events.Broadcast(live.Event{
				Type:     live.EventSensorStale,
				SensorID: id,
				Time:     now,
				Data:     map[string]interface{}{"stale_after": m.opts.SensorStaleAfter.String()},
			})
		}
	}
}

func (m *Monitor) sweepDevices(ctx context.Context, now time.Time) {
	silent, err := m.store.DevicesSilentSince(ctx, now.Add(-m.opts.DeviceOfflineAfter))
	if err != nil {
		m.log.Error("silent device sweep failed", zap.Error(err))
		return
	}
	for i := range silent {
		d := &silent[i]
		if !device.CanTransition(d.State, device.StateOffline) {
			continue
		}
		d.State = device.StateOffline
		d.IsOnline = false
		if err := m.store.SaveDevice(ctx, d); err != nil {
			m.log.Error("device offline save failed",
				zap.String("device", d.DeviceCode), zap.Error(err))
			continue
		}
		metrics.DevicesMarkedOffline.Inc()
		m.log.Warn("device marked offline, no heartbeat",
			zap.String("device", d.DeviceCode), zap.Duration("window", m.opts.DeviceOfflineAfter))
		if m.events != nil {
			m.events.Broadcast(live.Event{
				Type:     live.EventDeviceOffline,
				TenantID: d.TenantID,
				Time:     now,
				Data: map[string]interface{}{
					"device_code": d.DeviceCode,
					"state":       d.State,
					"is_online":   false,
				},
			})
		}
	}
}

// checkSubscription bounces the broker connection when nothing at all
// has arrived for the idle window. A healthy-looking connection with a
// dead subscription otherwise stays silent forever.
func (m *Monitor) checkSubscription(now time.Time) {
	if m.transport == nil {
		return
	}
	if m.tracker.idleSince(now.Add(-m.opts.SubscriptionIdleAfter), now) {
		m.log.Warn("no readings received, bouncing broker connection",
			zap.Duration("idle", m.opts.SubscriptionIdleAfter))
		m.transport.Bounce()
	}
}
