// Package device drives the edge-device lifecycle state machine from
// heartbeat/status messages and correlates outbound commands with
// their asynchronous responses.
package device

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/ThingsPanel/telemetry-hub/internal/live"
	"github.com/ThingsPanel/telemetry-hub/internal/model"
	"github.com/ThingsPanel/telemetry-hub/internal/topics"
)

// Device message types carried in the last topic segment.
const (
	MsgHeartbeat = "heartbeat"
	MsgTelemetry = "telemetry"
	MsgStatus    = "status"
	MsgBirth     = "birth"
	MsgDeath     = "death"
	MsgResponse  = "response"
)

// Store is the slice of the authoritative store the manager mutates.
type Store interface {
	DeviceByCode(ctx context.Context, code string) (*model.EdgeDevice, error)
	SaveDevice(ctx context.Context, device *model.EdgeDevice) error
}

// Broadcaster fans device events out to live subscribers.
type Broadcaster interface {
	Broadcast(event live.Event)
}

// healthReport is the heartbeat/telemetry body shape.
type healthReport struct {
	CPU         *float64 `json:"cpu"`
	Memory      *float64 `json:"memory"`
	Disk        *float64 `json:"disk"`
	Temperature *float64 `json:"temperature"`
	Uptime      *int64   `json:"uptime"`
}

type Manager struct {
	store      Store
	correlator *Correlator
	events     Broadcaster
	log        *zap.Logger
	nowFunc    func() time.Time
}

func NewManager(store Store, correlator *Correlator, events Broadcaster, log *zap.Logger) *Manager {
	return &Manager{
		store:      store,
		correlator: correlator,
		events:     events,
		log:        log,
		nowFunc:    time.Now,
	}
}

// ParseDeviceTopic understands both coexisting device topic shapes:
// edge/{deviceCode}/{messageType} and
// tenants/{tenantId}/devices/{deviceCode}/{messageType}.
func ParseDeviceTopic(topic string) (tenantID, deviceCode, messageType string, ok bool) {
	segs := topics.Segments(topic)
	switch {
	case len(segs) == 3 && segs[0] == "edge":
		return "", segs[1], segs[2], true
	case len(segs) == 5 && segs[0] == "tenants" && segs[2] == "devices":
		return segs[1], segs[3], segs[4], true
	}
	return "", "", "", false
}

// Handle consumes one device message. Never returns an error to the
// transport; failures are logged and the message dropped.
func (m *Manager) Handle(topic string, payload []byte) {
	tenantID, code, msgType, ok := ParseDeviceTopic(topic)
	if !ok {
		m.log.Debug("unrecognized device topic", zap.String("topic", topic))
		return
	}
	switch msgType {
	case MsgHeartbeat, MsgTelemetry, MsgStatus:
		m.handleHeartbeat(tenantID, code, payload, true)
	case MsgBirth:
		// birth is a heartbeat with isOnline=true
		m.handleHeartbeat(tenantID, code, payload, true)
	case MsgDeath:
		// death (including broker last-will) flips the device offline
		m.handleHeartbeat(tenantID, code, payload, false)
	case MsgResponse:
		m.correlator.HandleResponse(topic, payload)
	default:
		m.log.Debug("unknown device message type",
			zap.String("topic", topic), zap.String("type", msgType))
	}
}

func (m *Manager) handleHeartbeat(tenantID, code string, payload []byte, online bool) {
	ctx := context.Background()
	device, err := m.store.DeviceByCode(ctx, code)
	if err != nil {
		m.log.Error("device lookup failed", zap.String("device", code), zap.Error(err))
		return
	}
	if device == nil {
		m.log.Debug("heartbeat from unknown device", zap.String("device", code))
		return
	}
	if device.State == StateDecommissioned || device.State == StateRevoked {
		m.log.Debug("ignoring message from retired device",
			zap.String("device", code), zap.String("state", device.State))
		return
	}

	var report healthReport
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &report); err != nil {
			m.log.Warn("malformed device payload", zap.String("device", code), zap.Error(err))
			report = healthReport{}
		}
	}
	applyHealth(device, report)

	now := m.nowFunc()
	device.IsOnline = online
	if online {
		device.LastHeartbeatAt = &now
		if device.State == StateOffline && CanTransition(StateOffline, StateActive) {
			device.State = StateActive
		}
	} else if device.State == StateActive && CanTransition(StateActive, StateOffline) {
		device.State = StateOffline
	}

	if err := m.store.SaveDevice(ctx, device); err != nil {
		m.log.Error("device save failed", zap.String("device", code), zap.Error(err))
		return
	}

	if m.events != nil {
		kind := live.EventDeviceHeartbeat
		if !online {
			kind = live.EventDeviceOffline
		}
		m.events.Broadcast(live.Event{
			Type:     kind,
			TenantID: firstNonEmpty(tenantID, device.TenantID),
			Data: map[string]interface{}{
				"device_code": code,
				"state":       device.State,
				"is_online":   device.IsOnline,
			},
		})
	}
}

func applyHealth(device *model.EdgeDevice, report healthReport) {
	if report.CPU != nil {
		device.CPUPercent = report.CPU
	}
	if report.Memory != nil {
		device.MemoryPercent = report.Memory
	}
	if report.Disk != nil {
		device.DiskPercent = report.Disk
	}
	if report.Temperature != nil {
		device.TemperatureC = report.Temperature
	}
	if report.Uptime != nil {
		device.UptimeSeconds = report.Uptime
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
