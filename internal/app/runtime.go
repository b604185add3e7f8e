// Package app wires the media session components into one process and runs
// the control loop.
//
// Every state change happens on the goroutine running Runtime.Run: broker
// events, engine notices and both tickers are consumed by a single select.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/e7canasta/rover-media/internal/announce"
	"github.com/e7canasta/rover-media/internal/broker"
	"github.com/e7canasta/rover-media/internal/config"
	"github.com/e7canasta/rover-media/internal/events"
	"github.com/e7canasta/rover-media/internal/metrics"
	"github.com/e7canasta/rover-media/internal/negotiate"
	"github.com/e7canasta/rover-media/internal/pipeline"
	"github.com/e7canasta/rover-media/internal/profile"
	"github.com/e7canasta/rover-media/internal/telemetry"
	"github.com/e7canasta/rover-media/internal/wire"
)

const (
	TopicAudioBounce = "audio_bounce"
	TopicVideoBounce = "video_bounce"
	TopicSystemDown  = "system_down"

	timeoutCheckInterval = time.Second
)

var errNoReceiver = errors.New("no receiver address announced yet")

// Session is the broker surface the runtime drives. *broker.Session
// implements it.
type Session interface {
	Connect(ctx context.Context) error
	Subscribe(topic string, qos byte) error
	Publish(topic string, qos byte, payload []byte) error
	Events() <-chan broker.Event
	IsConnected() bool
	Disconnect()
}

type messageHandler func(topic string, payload []byte) (bool, error)

// pendingRequest is a configured start request not yet published
type pendingRequest struct {
	slot    string
	profile profile.Profile
}

// Runtime owns every component of one mediactl process.
type Runtime struct {
	cfg *config.Config

	session    Session
	manager    *pipeline.Manager
	negotiator *negotiate.Negotiator // controller only
	responder  *negotiate.Responder  // producer only
	announcer  *announce.Announcer   // controller only
	registry   *announce.Registry
	telemetry  *telemetry.Consumer
	bus        events.Bus
	metrics    *metrics.Metrics

	handlers  []messageHandler
	subs      map[string]byte
	pending   []pendingRequest
	malformed *malformedLog

	addrSource announce.AddrSource

	mu      sync.RWMutex
	started time.Time
	running bool
	server  *http.Server
}

// Option configures a Runtime
type Option func(*Runtime)

// WithSession replaces the MQTT session
func WithSession(s Session) Option {
	return func(r *Runtime) { r.session = s }
}

// WithAddrSource overrides interface enumeration for announcements
func WithAddrSource(src announce.AddrSource) Option {
	return func(r *Runtime) { r.addrSource = src }
}

// New builds the runtime for cfg on top of engine
func New(cfg *config.Config, engine pipeline.Engine, opts ...Option) (*Runtime, error) {
	r := &Runtime{
		cfg:       cfg,
		registry:  announce.NewRegistry(),
		bus:       events.New(),
		metrics:   metrics.New(),
		subs:      make(map[string]byte),
		malformed: newMalformedLog(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.session == nil {
		r.session = broker.New(broker.Config{
			Broker:            cfg.MQTT.Broker,
			ClientID:          cfg.ClientID,
			WillTopic:         TopicSystemDown,
			ReconnectInterval: cfg.MQTT.ReconnectInterval,
			ConnectTimeout:    cfg.MQTT.ConnectTimeout,
			PublishTimeout:    cfg.MQTT.PublishTimeout,
		})
	}

	channels, slots, err := r.buildSlots()
	if err != nil {
		return nil, err
	}

	r.manager, err = pipeline.NewManager(engine, slots)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	r.manager.Subscribe(r.onSlotEvent)

	r.telemetry = telemetry.NewConsumer(r.session)

	switch cfg.Role {
	case config.RoleProducer:
		r.responder = negotiate.NewResponder(r.session, r.manager, channels...)
		r.handlers = append(r.handlers, r.responder.HandleMessage, r.handleBounce)
		r.addSubscriptions(r.responder.Subscriptions())
		for _, topic := range r.bounceTopics() {
			r.subs[topic] = 0
		}

	default:
		r.negotiator = negotiate.NewNegotiator(r.session, r.manager, cfg.Negotiation.RequestTimeout, channels...)
		r.negotiator.OnChange(r.onNegotiationChange)
		r.handlers = append(r.handlers, r.negotiator.HandleMessage, r.telemetry.HandleMessage)
		r.addSubscriptions(r.negotiator.Subscriptions())
		r.addSubscriptions(r.telemetry.Subscriptions())

		var annOpts []announce.Option
		if r.addrSource != nil {
			annOpts = append(annOpts, announce.WithAddrSource(r.addrSource))
		}
		r.announcer = announce.New(r.session, cfg.ClientID, r.bounceTopics(), annOpts...)

		if err := r.loadRequests(); err != nil {
			return nil, err
		}
	}

	r.handlers = append(r.handlers, r.handleSystemDown)
	r.subs[TopicSystemDown] = 2

	r.metrics.TrackLivePipelines(r.manager.LivePipelines)
	r.metrics.TrackBusDrops(func() uint64 { return r.bus.Stats().TotalDropped })

	slog.Info("app: runtime configured",
		"role", cfg.Role,
		"client_id", cfg.ClientID,
		"slots", len(slots),
		"topics", len(r.subs),
	)
	return r, nil
}

func (r *Runtime) buildSlots() ([]negotiate.Channel, []pipeline.SlotConfig, error) {
	var (
		channels []negotiate.Channel
		slots    []pipeline.SlotConfig
	)

	if r.cfg.Audio.Enabled {
		channels = append(channels, negotiate.AudioChannel{})
		slots = append(slots, pipeline.SlotConfig{
			ID:       negotiate.AudioSlot,
			Port:     r.cfg.Audio.Port,
			Describe: r.describer(TopicAudioBounce, r.cfg.Audio.Source),
		})
	}

	if len(r.cfg.Cameras) > 0 {
		ids := make([]wire.CameraIdentity, 0, len(r.cfg.Cameras))
		for _, cam := range r.cfg.Cameras {
			ids = append(ids, cam.Identity())
			slots = append(slots, pipeline.SlotConfig{
				ID:       negotiate.CameraSlot(cam.Index),
				Port:     cam.Port,
				Describe: r.describer(TopicVideoBounce, cam.Source),
			})
		}
		video, err := negotiate.NewVideoChannel(ids)
		if err != nil {
			return nil, nil, fmt.Errorf("app: %w", err)
		}
		channels = append(channels, video)
	}
	return channels, slots, nil
}

// describer receives on the controller and sends to the latest receiver
// announced on bounceTopic on the producer.
func (r *Runtime) describer(bounceTopic, source string) pipeline.Describer {
	if r.cfg.Role != config.RoleProducer {
		return profile.ReceiveDescription
	}
	return func(p profile.Profile, port int) (string, error) {
		peer, ok := r.registry.Latest(bounceTopic)
		if !ok {
			return "", errNoReceiver
		}
		return profile.SendDescription(p, source, peer.Address.String(), port)
	}
}

func (r *Runtime) bounceTopics() []string {
	var topics []string
	if r.cfg.Audio.Enabled {
		topics = append(topics, TopicAudioBounce)
	}
	if len(r.cfg.Cameras) > 0 {
		topics = append(topics, TopicVideoBounce)
	}
	return topics
}

// slotsFor returns the slots whose receiver is announced on bounceTopic
func (r *Runtime) slotsFor(bounceTopic string) []string {
	switch bounceTopic {
	case TopicAudioBounce:
		if r.cfg.Audio.Enabled {
			return []string{negotiate.AudioSlot}
		}
	case TopicVideoBounce:
		slots := make([]string, 0, len(r.cfg.Cameras))
		for _, cam := range r.cfg.Cameras {
			slots = append(slots, negotiate.CameraSlot(cam.Index))
		}
		return slots
	}
	return nil
}

func (r *Runtime) addSubscriptions(subs map[string]byte) {
	for topic, qos := range subs {
		r.subs[topic] = qos
	}
}

func (r *Runtime) loadRequests() error {
	if r.cfg.Audio.Enabled && r.cfg.Audio.Request != "" {
		p := profile.ParseAudio(r.cfg.Audio.Request)
		if !p.IsUsable() {
			return fmt.Errorf("app: audio.request %q is not a usable profile", r.cfg.Audio.Request)
		}
		r.pending = append(r.pending, pendingRequest{slot: negotiate.AudioSlot, profile: p})
	}
	for _, cam := range r.cfg.Cameras {
		if cam.Request == "" {
			continue
		}
		p := profile.ParseVideo(cam.Request)
		if !p.IsUsable() {
			return fmt.Errorf("app: camera %d request %q is not a usable profile", cam.Index, cam.Request)
		}
		r.pending = append(r.pending, pendingRequest{slot: negotiate.CameraSlot(cam.Index), profile: p})
	}
	return nil
}

// Run subscribes, connects and processes events until ctx is cancelled.
func (r *Runtime) Run(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("app: runtime is already running")
	}
	r.running = true
	r.started = time.Now()
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	topics := make([]string, 0, len(r.subs))
	for topic := range r.subs {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	for _, topic := range topics {
		if err := r.session.Subscribe(topic, r.subs[topic]); err != nil {
			return fmt.Errorf("app: subscribe %s: %w", topic, err)
		}
	}

	if err := r.session.Connect(ctx); err != nil {
		return fmt.Errorf("app: %w", err)
	}

	announceTicker := time.NewTicker(r.cfg.Announce.Interval)
	defer announceTicker.Stop()
	timeoutTicker := time.NewTicker(timeoutCheckInterval)
	defer timeoutTicker.Stop()

	slog.Info("app: control loop started", "role", r.cfg.Role)

	for {
		select {
		case <-ctx.Done():
			slog.Info("app: control loop stopped")
			return nil

		case ev := <-r.session.Events():
			r.handleBrokerEvent(ev)

		case n := <-r.manager.Events():
			r.manager.HandleEngineEvent(n)

		case <-announceTicker.C:
			r.announce()

		case now := <-timeoutTicker.C:
			if r.negotiator != nil {
				if reverted := r.negotiator.CheckTimeouts(now); len(reverted) > 0 {
					r.metrics.RequestTimeouts(len(reverted))
				}
			}
		}
	}
}

func (r *Runtime) handleBrokerEvent(ev broker.Event) {
	switch ev.Kind {
	case broker.EventConnected:
		r.metrics.BrokerEvent("connected")
		r.announce()
		if r.responder != nil {
			if err := r.responder.RepublishAll(); err != nil {
				slog.Warn("app: state republish failed", "error", err)
			}
		}
		r.sendPending()

	case broker.EventDisconnected:
		r.metrics.BrokerEvent("disconnected")

	case broker.EventMessage:
		r.dispatch(ev.Topic, ev.Payload)
	}
}

func (r *Runtime) dispatch(topic string, payload []byte) {
	for _, h := range r.handlers {
		handled, err := h(topic, payload)
		if !handled {
			continue
		}
		if err != nil {
			r.metrics.Malformed(topic)
			r.malformed.report(topic, len(payload), err)
		}
		return
	}
	slog.Debug("app: message on unhandled topic", "topic", topic, "size", len(payload))
}

func (r *Runtime) announce() {
	if r.announcer == nil {
		return
	}
	if n := r.announcer.Announce(); n > 0 {
		r.metrics.Announced(n)
	}
}

// sendPending publishes configured start requests once the broker is up.
// Requests that fail stay pending for the next connect.
func (r *Runtime) sendPending() {
	if r.negotiator == nil || len(r.pending) == 0 {
		return
	}
	var left []pendingRequest
	for _, req := range r.pending {
		if err := r.negotiator.RequestStart(req.slot, req.profile); err != nil {
			left = append(left, req)
		}
	}
	r.pending = left
}

func (r *Runtime) handleBounce(topic string, payload []byte) (bool, error) {
	if topic != TopicAudioBounce && topic != TopicVideoBounce {
		return false, nil
	}
	msg, err := wire.DecodeBounceMessage(payload)
	if err != nil {
		slog.Debug("app: dropping malformed bounce", "topic", topic, "error", err)
		return true, err
	}
	if msg.ClientID == r.cfg.ClientID {
		return true, nil
	}

	if r.registry.Observe(topic, msg) {
		slog.Info("app: receiver address changed",
			"topic", topic,
			"client_id", msg.ClientID,
			"address", msg.Address.String(),
		)
		if r.responder != nil {
			r.responder.Retarget(r.slotsFor(topic)...)
		}
	}
	return true, nil
}

func (r *Runtime) handleSystemDown(topic string, payload []byte) (bool, error) {
	if topic != TopicSystemDown {
		return false, nil
	}
	clientID := string(payload)
	if clientID == r.cfg.ClientID {
		return true, nil
	}
	slog.Warn("app: peer went down", "client_id", clientID)
	for _, topic := range r.registry.Forget(clientID) {
		peer, ok := r.registry.Latest(topic)
		if !ok || r.responder == nil {
			continue
		}
		slog.Info("app: falling back to previous receiver",
			"topic", topic,
			"client_id", peer.ClientID,
			"address", peer.Address.String(),
		)
		r.responder.Retarget(r.slotsFor(topic)...)
	}
	return true, nil
}

func (r *Runtime) onSlotEvent(ev pipeline.Event) {
	r.metrics.SlotEvent(ev.Slot, ev.Kind.String())
	if ev.Kind == pipeline.EventError && ev.Category != "" {
		r.metrics.EngineFailure(ev.Slot, ev.Category)
	}
	r.bus.Publish(events.Event{
		Source:  events.SourcePipeline,
		Slot:    ev.Slot,
		Kind:    ev.Kind.String(),
		Profile: labelOf(ev.Profile),
		Message: ev.Message,
		At:      ev.At,
	})

	if r.responder != nil && ev.Kind == pipeline.EventError {
		msg := fmt.Sprintf("%s: %s", ev.Slot, ev.Message)
		if err := r.telemetry.Notify(wire.LevelWarning, "Stream failed", msg); err != nil {
			slog.Debug("app: failure notification not sent", "slot", ev.Slot, "error", err)
		}
	}
}

func (r *Runtime) onNegotiationChange(c negotiate.Change) {
	r.metrics.NegotiationChange(c.Slot, c.Phase.String())
	r.bus.Publish(events.Event{
		Source:  events.SourceNegotiate,
		Slot:    c.Slot,
		Kind:    c.Phase.String(),
		Profile: labelOf(c.Profile),
		Message: c.Reason,
		At:      c.Since,
	})
}

// Shutdown tears every pipeline down and closes the broker session and the
// health server.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.manager.Shutdown()
	r.session.Disconnect()
	r.bus.Close()

	r.mu.RLock()
	server := r.server
	r.mu.RUnlock()
	if server != nil {
		if err := server.Shutdown(ctx); err != nil {
			return fmt.Errorf("app: health server shutdown: %w", err)
		}
	}
	return nil
}

// ShutdownTimeout returns the configured graceful shutdown timeout
func (r *Runtime) ShutdownTimeout() time.Duration { return r.cfg.ShutdownTimeout }

func labelOf(p profile.Profile) string {
	if p == nil {
		return ""
	}
	return p.Label()
}
