package device

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ThingsPanel/telemetry-hub/internal/metrics"
)

// Commands the platform can issue to a device.
const (
	CommandPing   = "ping"
	CommandReboot = "reboot"
	CommandConfig = "config"
)

// Publisher publishes one message to the broker.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// CommandResult is always a value, never an error: a timeout yields a
// failed result so callers do not have to handle rejected operations.
type CommandResult struct {
	CommandID  string                 `json:"command_id"`
	DeviceCode string                 `json:"device_code"`
	Success    bool                   `json:"success"`
	Error      string                 `json:"error,omitempty"`
	Latency    time.Duration          `json:"latency"`
	Response   map[string]interface{} `json:"response,omitempty"`
}

type pendingCommand struct {
	deviceCode string
	issuedAt   time.Time
	ch         chan CommandResult
	timer      *time.Timer
}

// Correlator matches asynchronous response messages back to the
// command publication that caused them via the shared command id. The
// pending map is the only shared state; response and timeout race for
// an entry and the loser's action is a no-op.
type Correlator struct {
	mu        sync.Mutex
	pending   map[string]*pendingCommand
	publisher Publisher
	log       *zap.Logger
	nowFunc   func() time.Time
}

func NewCorrelator(publisher Publisher, log *zap.Logger) *Correlator {
	return &Correlator{
		pending:   make(map[string]*pendingCommand),
		publisher: publisher,
		log:       log,
		nowFunc:   time.Now,
	}
}

// Send publishes a command to the device's command topic and waits for
// the matching response or the timeout, whichever comes first.
func (c *Correlator) Send(ctx context.Context, deviceCode, command string, params map[string]interface{}, timeout time.Duration) CommandResult {
	id := uuid.New().String()
	body := map[string]interface{}{
		"commandId": id,
		"command":   command,
	}
	for k, v := range params {
		body[k] = v
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return CommandResult{CommandID: id, DeviceCode: deviceCode, Error: err.Error()}
	}

	p := &pendingCommand{
		deviceCode: deviceCode,
		issuedAt:   c.nowFunc(),
		ch:         make(chan CommandResult, 1),
	}
	c.mu.Lock()
	c.pending[id] = p
	c.mu.Unlock()
	metrics.CommandsPending.Inc()
	p.timer = time.AfterFunc(timeout, func() { c.expire(id) })

	topic := "edge/" + deviceCode + "/cmd/" + command
	if err := c.publisher.Publish(topic, payload); err != nil {
		c.remove(id)
		p.timer.Stop()
		c.log.Warn("command publish failed",
			zap.String("device", deviceCode), zap.String("command", command), zap.Error(err))
		return CommandResult{CommandID: id, DeviceCode: deviceCode, Error: err.Error()}
	}

	select {
	case result := <-p.ch:
		return result
	case <-ctx.Done():
		c.remove(id)
		p.timer.Stop()
		return CommandResult{CommandID: id, DeviceCode: deviceCode, Error: ctx.Err().Error()}
	}
}

// HandleResponse resolves the pending entry matching the response's
// command id. A response with an unknown or already-resolved id is
// counted and discarded; it is not an error for the system.
func (c *Correlator) HandleResponse(topic string, payload []byte) {
	var body map[string]interface{}
	if err := json.Unmarshal(payload, &body); err != nil {
		c.log.Warn("malformed command response", zap.String("topic", topic), zap.Error(err))
		return
	}
	id, _ := body["commandId"].(string)
	if id == "" {
		c.log.Debug("command response without id", zap.String("topic", topic))
		return
	}
	p := c.remove(id)
	if p == nil {
		metrics.CommandsLateResponses.Inc()
		c.log.Debug("late or unknown command response", zap.String("command_id", id))
		return
	}
	p.timer.Stop()
	latency := c.nowFunc().Sub(p.issuedAt)
	metrics.CommandRoundTrip.Observe(latency.Seconds())
	p.ch <- CommandResult{
		CommandID:  id,
		DeviceCode: p.deviceCode,
		Success:    true,
		Latency:    latency,
		Response:   body,
	}
}

func (c *Correlator) expire(id string) {
	p := c.remove(id)
	if p == nil {
		return // response won the race
	}
	p.ch <- CommandResult{
		CommandID:  id,
		DeviceCode: p.deviceCode,
		Error:      "timeout",
	}
}

func (c *Correlator) remove(id string) *pendingCommand {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	metrics.CommandsPending.Dec()
	return p
}

// PendingCount reports the number of commands awaiting a response.
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
