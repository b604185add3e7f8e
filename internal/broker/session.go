// Package broker keeps one resilient MQTT session shared by every
// component of the process.
//
// Paho callbacks never run domain logic. They translate connection changes
// and incoming messages into Events on a single channel so one control
// goroutine sees them in arrival order.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// ErrNotConnected is returned by Publish while the session is down.
var ErrNotConnected = errors.New("broker: not connected")

// MinReconnectInterval is the floor applied to Config.ReconnectInterval
const MinReconnectInterval = time.Second

const (
	defaultConnectTimeout = 5 * time.Second
	defaultPublishTimeout = 2 * time.Second
	defaultEventBuffer    = 256
	disconnectQuiesceMs   = 250
)

// Config configures a Session
type Config struct {
	Broker            string // host:port
	ClientID          string
	WillTopic         string // payload is the client id
	ReconnectInterval time.Duration
	ConnectTimeout    time.Duration
	PublishTimeout    time.Duration
}

// EventKind identifies what happened on the session
type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventMessage
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventMessage:
		return "message"
	default:
		return "unknown"
	}
}

// Event is delivered on Session.Events in arrival order.
type Event struct {
	Kind    EventKind
	Topic   string // EventMessage only
	Payload []byte // EventMessage only
	Err     error  // EventDisconnected only
}

// ClientFactory builds the underlying paho client. Tests swap it for a fake.
type ClientFactory func(opts *mqtt.ClientOptions) mqtt.Client

// Option configures a Session
type Option func(*Session)

// WithClientFactory overrides how the paho client is created
func WithClientFactory(f ClientFactory) Option {
	return func(s *Session) { s.newClient = f }
}

// Session is a long-lived MQTT connection with fixed-interval reconnect,
// a last-will message and subscriptions that survive reconnects.
type Session struct {
	cfg       Config
	newClient ClientFactory
	client    mqtt.Client
	events    chan Event
	done      chan struct{}
	closeOnce sync.Once

	// serializes publishes
	pubMu sync.Mutex

	mu        sync.RWMutex
	subs      map[string]byte
	connected bool
	published map[string]uint64
	errors    uint64
}

// New creates a session. Nothing touches the network until Connect.
func New(cfg Config, opts ...Option) *Session {
	if cfg.ReconnectInterval < MinReconnectInterval {
		cfg.ReconnectInterval = MinReconnectInterval
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = defaultPublishTimeout
	}

	s := &Session{
		cfg:       cfg,
		newClient: mqtt.NewClient,
		events:    make(chan Event, defaultEventBuffer),
		done:      make(chan struct{}),
		subs:      make(map[string]byte),
		published: make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Events returns the channel carrying connection changes and messages.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Connect starts the session. When the broker is unreachable it logs and
// returns nil; paho keeps retrying in the background and EventConnected
// fires once the link is up.
func (s *Session) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", s.cfg.Broker))
	opts.SetClientID(s.cfg.ClientID)
	opts.SetCleanSession(true)
	opts.SetOrderMatters(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(s.cfg.ReconnectInterval)
	opts.SetMaxReconnectInterval(s.cfg.ReconnectInterval)
	if s.cfg.WillTopic != "" {
		opts.SetWill(s.cfg.WillTopic, s.cfg.ClientID, 2, false)
	}
	opts.SetOnConnectHandler(s.onConnect)
	opts.SetConnectionLostHandler(s.onConnectionLost)

	s.client = s.newClient(opts)

	slog.Info("broker: connecting",
		"broker", s.cfg.Broker,
		"client_id", s.cfg.ClientID,
		"reconnect_interval", s.cfg.ReconnectInterval,
	)

	token := s.client.Connect()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("broker: connect failed: %w", err)
		}
	case <-time.After(s.cfg.ConnectTimeout):
		slog.Warn("broker: not reachable yet, retrying in background",
			"broker", s.cfg.Broker,
			"timeout", s.cfg.ConnectTimeout,
		)
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Subscribe registers a subscription. It is applied now if connected and
// again after every reconnect.
func (s *Session) Subscribe(topic string, qos byte) error {
	s.mu.Lock()
	s.subs[topic] = qos
	connected := s.connected
	s.mu.Unlock()

	if !connected || s.client == nil {
		return nil
	}
	return s.subscribe(s.client, topic, qos)
}

func (s *Session) subscribe(c mqtt.Client, topic string, qos byte) error {
	token := c.Subscribe(topic, qos, s.onMessage)
	if !token.WaitTimeout(s.cfg.ConnectTimeout) {
		return fmt.Errorf("broker: subscribe %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("broker: subscribe %s: %w", topic, err)
	}
	slog.Debug("broker: subscribed", "topic", topic, "qos", qos)
	return nil
}

// Publish sends payload on topic. It returns ErrNotConnected while the
// session is down; nothing is queued.
func (s *Session) Publish(topic string, qos byte, payload []byte) error {
	if !s.IsConnected() || s.client == nil {
		s.countError()
		return ErrNotConnected
	}

	s.pubMu.Lock()
	defer s.pubMu.Unlock()

	token := s.client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(s.cfg.PublishTimeout) {
		s.countError()
		return fmt.Errorf("broker: publish %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		s.countError()
		return fmt.Errorf("broker: publish %s: %w", topic, err)
	}

	s.mu.Lock()
	s.published[topic]++
	s.mu.Unlock()

	slog.Debug("broker: published", "topic", topic, "qos", qos, "size", len(payload))
	return nil
}

// IsConnected reports the last known link state
func (s *Session) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// Disconnect closes the session gracefully. The broker does not send the
// will message for a graceful disconnect.
func (s *Session) Disconnect() {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.client != nil {
			s.client.Disconnect(disconnectQuiesceMs)
		}
		s.mu.Lock()
		s.connected = false
		s.mu.Unlock()
		slog.Info("broker: disconnected")
	})
}

// Stats is a point-in-time view of the session
type Stats struct {
	Connected bool
	Published map[string]uint64
	Errors    uint64
}

func (s *Session) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	published := make(map[string]uint64, len(s.published))
	for k, v := range s.published {
		published[k] = v
	}
	return Stats{
		Connected: s.connected,
		Published: published,
		Errors:    s.errors,
	}
}

func (s *Session) countError() {
	s.mu.Lock()
	s.errors++
	s.mu.Unlock()
}

func (s *Session) onConnect(c mqtt.Client) {
	s.mu.Lock()
	s.connected = true
	subs := make(map[string]byte, len(s.subs))
	for k, v := range s.subs {
		subs[k] = v
	}
	s.mu.Unlock()

	slog.Info("broker: connected", "broker", s.cfg.Broker, "client_id", s.cfg.ClientID)

	for topic, qos := range subs {
		if err := s.subscribe(c, topic, qos); err != nil {
			slog.Error("broker: resubscribe failed", "topic", topic, "error", err)
		}
	}

	s.emit(Event{Kind: EventConnected})
}

func (s *Session) onConnectionLost(_ mqtt.Client, err error) {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()

	slog.Warn("broker: connection lost, will auto-reconnect",
		"error", err,
		"broker", s.cfg.Broker,
		"retry_interval", s.cfg.ReconnectInterval,
	)
	s.emit(Event{Kind: EventDisconnected, Err: err})
}

func (s *Session) onMessage(_ mqtt.Client, msg mqtt.Message) {
	payload := make([]byte, len(msg.Payload()))
	copy(payload, msg.Payload())
	s.emit(Event{Kind: EventMessage, Topic: msg.Topic(), Payload: payload})
}

// emit blocks while the control loop is behind so per-topic order is kept.
func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}
