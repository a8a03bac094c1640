// Package transport owns the single outbound MQTT connection: connect,
// subscribe, bounded reconnect, publish, and dispatch of inbound
// messages to handlers by topic shape.
package transport

import (
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ThingsPanel/telemetry-hub/internal/metrics"
	"github.com/ThingsPanel/telemetry-hub/internal/topics"
)

// Connection states.
const (
	StateDisconnected int32 = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

// Handler consumes one inbound message. Handlers must not block the
// read loop; the manager dispatches them on their own goroutine and
// swallows panics.
type Handler func(topic string, payload []byte)

type route struct {
	filter  string
	handler Handler
}

type Options struct {
	Broker               string
	Username             string
	Password             string
	ClientID             string
	QoS                  byte
	ConnectTimeout       time.Duration
	PublishTimeout       time.Duration
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int
}

func (o *Options) defaults() {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.PublishTimeout <= 0 {
		o.PublishTimeout = 15 * time.Second
	}
	if o.ReconnectInterval <= 0 {
		o.ReconnectInterval = 5 * time.Second
	}
	if o.MaxReconnectAttempts <= 0 {
		o.MaxReconnectAttempts = 10
	}
	if o.QoS == 0 {
		o.QoS = 1
	}
}

type Manager struct {
	opts  Options
	log   *zap.Logger
	state int32

	mu      sync.RWMutex
	client  mqtt.Client
	routes  []route
	filters []string

	// injection point for tests
	newClient func(*mqtt.ClientOptions) mqtt.Client
}

func NewManager(opts Options, log *zap.Logger) *Manager {
	opts.defaults()
	return &Manager{
		opts:      opts,
		log:       log,
		state:     StateDisconnected,
		newClient: mqtt.NewClient,
	}
}

// Register binds a handler to a subscription filter. Must be called
// before Connect.
func (m *Manager) Register(filter string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes = append(m.routes, route{filter: filter, handler: h})
	m.filters = append(m.filters, filter)
}

// State returns the current connection state.
func (m *Manager) State() int32 {
	return atomic.LoadInt32(&m.state)
}

// Connect establishes the broker connection and subscribes the
// registered filters. Reconnection after a transport-level disconnect
// is handled internally with bounded attempts.
func (m *Manager) Connect() error {
	atomic.StoreInt32(&m.state, StateConnecting)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(m.opts.Broker)
	opts.SetUsername(m.opts.Username)
	opts.SetPassword(m.opts.Password)
	opts.SetClientID(m.opts.ClientID)
	opts.SetCleanSession(true)
	opts.SetOrderMatters(false)
	opts.SetAutoReconnect(false)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		m.log.Warn("broker connection lost", zap.Error(err))
		go m.reconnect()
	})

	client := m.newClient(opts)
	m.mu.Lock()
	m.client = client
	m.mu.Unlock()

	if token := client.Connect(); !token.WaitTimeout(m.opts.ConnectTimeout) || token.Error() != nil {
		atomic.StoreInt32(&m.state, StateDisconnected)
		if token.Error() != nil {
			return errors.Wrap(token.Error(), "broker connect")
		}
		return errors.New("broker connect timed out")
	}
	if err := m.subscribeAll(client); err != nil {
		atomic.StoreInt32(&m.state, StateDisconnected)
		return err
	}
	atomic.StoreInt32(&m.state, StateConnected)
	m.log.Info("broker connected", zap.String("broker", m.opts.Broker))
	return nil
}

func (m *Manager) subscribeAll(client mqtt.Client) error {
	m.mu.RLock()
	filters := append([]string(nil), m.filters...)
	m.mu.RUnlock()
	for _, f := range filters {
		token := client.Subscribe(f, m.opts.QoS, m.onMessage)
		if !token.WaitTimeout(m.opts.ConnectTimeout) || token.Error() != nil {
			if token.Error() != nil {
				return errors.Wrapf(token.Error(), "subscribe %s", f)
			}
			return errors.Errorf("subscribe %s timed out", f)
		}
	}
	return nil
}

// reconnect retries with a fixed period up to the bounded attempt
// count. Exceeding the bound is fatal for this connection: logged,
// closed, no further automatic retry.
func (m *Manager) reconnect() {
	atomic.StoreInt32(&m.state, StateReconnecting)
	m.mu.RLock()
	client := m.client
	m.mu.RUnlock()

	for attempt := 1; attempt <= m.opts.MaxReconnectAttempts; attempt++ {
		metrics.TransportReconnects.Inc()
		token := client.Connect()
		if token.WaitTimeout(m.opts.ConnectTimeout) && token.Error() == nil {
			if err := m.subscribeAll(client); err != nil {
				m.log.Warn("resubscribe failed", zap.Error(err))
			} else {
				atomic.StoreInt32(&m.state, StateConnected)
				m.log.Info("broker reconnected", zap.Int("attempt", attempt))
				return
			}
		}
		m.log.Warn("reconnect attempt failed",
			zap.Int("attempt", attempt), zap.Int("max", m.opts.MaxReconnectAttempts))
		time.Sleep(m.opts.ReconnectInterval)
	}
	atomic.StoreInt32(&m.state, StateDisconnected)
	m.log.Error("reconnect attempts exhausted, closing connection",
		zap.Int("max", m.opts.MaxReconnectAttempts))
	client.Disconnect(250)
}

// onMessage routes an inbound message to every matching handler.
// Dispatch is fire-and-forget: handler errors and panics never reach
// the transport read loop.
func (m *Manager) onMessage(_ mqtt.Client, msg mqtt.Message) {
	topic := msg.Topic()
	payload := msg.Payload()
	m.mu.RLock()
	routes := append([]route(nil), m.routes...)
	m.mu.RUnlock()
	for _, rt := range routes {
		if !topics.Match(rt.filter, topic) {
			continue
		}
		h := rt.handler
		go func() {
			defer func() {
				if r := recover(); r != nil {
					m.log.Error("handler panicked",
						zap.String("topic", topic), zap.Any("panic", r))
				}
			}()
			h(topic, payload)
		}()
	}
}

// Bounce drops the current connection and dials again. The health
// monitor calls this when the subscription has gone silent even though
// the connection still reports healthy.
func (m *Manager) Bounce() {
	if !atomic.CompareAndSwapInt32(&m.state, StateConnected, StateReconnecting) {
		return
	}
	m.mu.RLock()
	client := m.client
	m.mu.RUnlock()
	if client != nil {
		client.Disconnect(250)
	}
	go m.reconnect()
}

// Publish sends a message with the configured QoS and waits for the
// broker ack up to the publish timeout.
func (m *Manager) Publish(topic string, payload []byte) error {
	m.mu.RLock()
	client := m.client
	m.mu.RUnlock()
	if client == nil {
		return errors.New("not connected")
	}
	token := client.Publish(topic, m.opts.QoS, false, payload)
	if !token.WaitTimeout(m.opts.PublishTimeout) {
		return errors.Errorf("publish to %s timed out", topic)
	}
	return errors.Wrapf(token.Error(), "publish to %s", topic)
}

// Close unsubscribes and drops the connection. In-flight handler
// goroutines finish on their own.
func (m *Manager) Close() {
	m.mu.RLock()
	client := m.client
	filters := append([]string(nil), m.filters...)
	m.mu.RUnlock()
	if client == nil {
		return
	}
	if len(filters) > 0 {
		client.Unsubscribe(filters...).WaitTimeout(m.opts.ConnectTimeout)
	}
	client.Disconnect(250)
	atomic.StoreInt32(&m.state, StateDisconnected)
}
