package app

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/rover-media/internal/broker"
	"github.com/e7canasta/rover-media/internal/config"
	"github.com/e7canasta/rover-media/internal/events"
	"github.com/e7canasta/rover-media/internal/negotiate"
	"github.com/e7canasta/rover-media/internal/pipeline"
	"github.com/e7canasta/rover-media/internal/profile"
	"github.com/e7canasta/rover-media/internal/wire"
)

type published struct {
	topic   string
	qos     byte
	payload []byte
}

type fakeSession struct {
	mu           sync.Mutex
	connected    bool
	disconnected bool
	subs         map[string]byte
	sent         []published
	events       chan broker.Event
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		subs:   make(map[string]byte),
		events: make(chan broker.Event, 64),
	}
}

func (s *fakeSession) Connect(context.Context) error { return nil }

func (s *fakeSession) Subscribe(topic string, qos byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[topic] = qos
	return nil
}

func (s *fakeSession) Publish(topic string, qos byte, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return broker.ErrNotConnected
	}
	s.sent = append(s.sent, published{topic: topic, qos: qos, payload: payload})
	return nil
}

func (s *fakeSession) Events() <-chan broker.Event { return s.events }

func (s *fakeSession) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *fakeSession) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	s.disconnected = true
}

func (s *fakeSession) Stats() broker.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	published := make(map[string]uint64)
	for _, p := range s.sent {
		published[p.topic]++
	}
	return broker.Stats{Connected: s.connected, Published: published}
}

func (s *fakeSession) setConnected(up bool) {
	s.mu.Lock()
	s.connected = up
	s.mu.Unlock()

	kind := broker.EventDisconnected
	if up {
		kind = broker.EventConnected
	}
	s.events <- broker.Event{Kind: kind}
}

func (s *fakeSession) deliver(topic string, payload []byte) {
	s.events <- broker.Event{Kind: broker.EventMessage, Topic: topic, Payload: payload}
}

func (s *fakeSession) count(topic string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.sent {
		if p.topic == topic {
			n++
		}
	}
	return n
}

func (s *fakeSession) last(topic string) (published, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.sent) - 1; i >= 0; i-- {
		if s.sent[i].topic == topic {
			return s.sent[i], true
		}
	}
	return published{}, false
}

type fakeEngine struct {
	mu    sync.Mutex
	descs []string
	live  int
}

func (e *fakeEngine) Launch(desc string) (pipeline.Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.descs = append(e.descs, desc)
	e.live++
	return &fakeHandle{engine: e}, nil
}

func (e *fakeEngine) launched() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.descs...)
}

type fakeHandle struct{ engine *fakeEngine }

func (h *fakeHandle) Play() error                      { return nil }
func (h *fakeHandle) Watch(func(pipeline.EngineEvent)) {}
func (h *fakeHandle) Detach()                          {}

func (h *fakeHandle) Close() error {
	h.engine.mu.Lock()
	defer h.engine.mu.Unlock()
	h.engine.live--
	return nil
}

func staticAddrs(ip string) func() ([]net.Addr, error) {
	return func() ([]net.Addr, error) {
		return []net.Addr{
			&net.IPNet{IP: net.ParseIP("127.0.0.1"), Mask: net.CIDRMask(8, 32)},
			&net.IPNet{IP: net.ParseIP(ip), Mask: net.CIDRMask(24, 32)},
		}, nil
	}
}

func testConfig(role config.Role) *config.Config {
	cfg := &config.Config{
		ClientID: "mc_test",
		Role:     role,
		MQTT:     config.MQTTConfig{Broker: "localhost:1883"},
		Announce: config.AnnounceConfig{Interval: 200 * time.Millisecond},
		Audio:    config.AudioConfig{Enabled: true, Port: 5502},
	}
	if role == config.RoleProducer {
		cfg.ClientID = "rover_test"
		cfg.Audio.Source = "audiotestsrc"
	}
	return cfg
}

func startRuntime(t *testing.T, r *Runtime) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("control loop did not stop")
		}
	})
}

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func TestAnnouncerResumesAfterReconnect(t *testing.T) {
	sess := newFakeSession()
	r, err := New(testConfig(config.RoleController), &fakeEngine{},
		WithSession(sess),
		WithAddrSource(staticAddrs("192.168.1.20")),
	)
	require.NoError(t, err)
	startRuntime(t, r)

	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, 0, sess.count(TopicAudioBounce), "nothing is sent while the broker is down")

	sess.setConnected(true)
	require.Eventually(t, func() bool { return sess.count(TopicAudioBounce) >= 1 }, 200*time.Millisecond, tick)

	msg, ok := sess.last(TopicAudioBounce)
	require.True(t, ok)
	bounce, err := wire.DecodeBounceMessage(msg.payload)
	require.NoError(t, err)
	assert.Equal(t, "mc_test", bounce.ClientID)
	assert.Equal(t, netip.MustParseAddr("192.168.1.20"), bounce.Address)
	assert.Equal(t, byte(0), msg.qos)

	sess.setConnected(false)
	time.Sleep(50 * time.Millisecond)
	before := sess.count(TopicAudioBounce)
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, before, sess.count(TopicAudioBounce))

	sess.setConnected(true)
	require.Eventually(t, func() bool { return sess.count(TopicAudioBounce) > before }, 200*time.Millisecond, tick,
		"announcements resume within one tick of reconnecting")
}

func TestControllerNegotiatesConfiguredRequest(t *testing.T) {
	sess := newFakeSession()
	engine := &fakeEngine{}

	cfg := testConfig(config.RoleController)
	cfg.Audio.Request = "6_32000"

	r, err := New(cfg, engine, WithSession(sess), WithAddrSource(staticAddrs("192.168.1.20")))
	require.NoError(t, err)

	busEvents := make(chan events.Event, 16)
	require.NoError(t, r.bus.Subscribe("test", busEvents))

	startRuntime(t, r)
	sess.setConnected(true)

	require.Eventually(t, func() bool { return sess.count("audio_request") == 1 }, waitFor, tick)
	req, _ := sess.last("audio_request")
	assert.Equal(t, negotiate.RequestQoS, req.qos)

	ac3 := profile.AudioProfile{Codec: profile.CodecAC3, Bitrate: 32000}
	sess.deliver("audio_state", wire.AudioMessage{Profile: ac3}.Encode())

	require.Eventually(t, func() bool {
		st, _ := r.negotiator.State(negotiate.AudioSlot)
		return st.Phase == negotiate.PhaseActive
	}, waitFor, tick)

	descs := engine.launched()
	require.Len(t, descs, 1)
	assert.True(t, strings.HasPrefix(descs[0], "udpsrc port=5502 "))

	info, _ := r.manager.Slot(negotiate.AudioSlot)
	assert.Equal(t, pipeline.StateStreaming, info.State)

	var kinds []string
	for len(kinds) < 3 {
		select {
		case ev := <-busEvents:
			kinds = append(kinds, string(ev.Source)+":"+ev.Kind)
		case <-time.After(waitFor):
			t.Fatalf("bus events so far: %v", kinds)
		}
	}
	assert.Equal(t, []string{"negotiate:requested", "pipeline:playing", "negotiate:active"}, kinds)

	health := r.HealthCheck()
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "streaming", health.Slots["audio"].State)
	assert.Equal(t, "active", health.Slots["audio"].Phase)
}

func TestMalformedMessagesAreCounted(t *testing.T) {
	sess := newFakeSession()
	r, err := New(testConfig(config.RoleController), &fakeEngine{}, WithSession(sess))
	require.NoError(t, err)
	startRuntime(t, r)

	sess.deliver("gps", []byte{1, 2, 3})
	sess.deliver("audio_state", []byte{0})

	require.Eventually(t, func() bool {
		body := scrape(t, r.Handler(), "/metrics")
		return strings.Contains(body, `rover_media_malformed_messages_total{topic="gps"} 1`) &&
			strings.Contains(body, `rover_media_malformed_messages_total{topic="audio_state"} 1`)
	}, waitFor, tick)
}

func TestProducerServesRequestsToLatestReceiver(t *testing.T) {
	sess := newFakeSession()
	engine := &fakeEngine{}

	r, err := New(testConfig(config.RoleProducer), engine, WithSession(sess))
	require.NoError(t, err)
	startRuntime(t, r)

	sess.setConnected(true)
	require.Eventually(t, func() bool { return sess.count("audio_state") == 1 }, waitFor, tick,
		"current state is republished on connect")

	ac3 := wire.AudioMessage{Profile: profile.AudioProfile{Codec: profile.CodecAC3, Bitrate: 32000}}.Encode()

	// no receiver known yet
	sess.deliver("audio_request", ac3)
	require.Eventually(t, func() bool {
		return sess.count("notification") == 1 && sess.count("audio_state") == 2
	}, waitFor, tick)
	st, _ := sess.last("audio_state")
	decoded, err := wire.DecodeAudioMessage(st.payload)
	require.NoError(t, err)
	assert.False(t, decoded.Profile.IsUsable())

	bounce := func(addr string) []byte {
		return wire.BounceMessage{ClientID: "mc_ctrl", Address: netip.MustParseAddr(addr)}.Encode()
	}

	// the first receiver announcement serves the waiting request
	sess.deliver(TopicAudioBounce, bounce("10.0.0.7"))
	require.Eventually(t, func() bool { return len(engine.launched()) == 1 }, waitFor, tick)
	assert.Contains(t, engine.launched()[0], "audiotestsrc ! ")
	assert.Contains(t, engine.launched()[0], "udpsink host=10.0.0.7 port=5502")
	require.Eventually(t, func() bool { return sess.count("audio_state") == 3 }, waitFor, tick)
	st, _ = sess.last("audio_state")
	decoded, err = wire.DecodeAudioMessage(st.payload)
	require.NoError(t, err)
	assert.True(t, decoded.Profile.IsUsable())

	sess.deliver(TopicAudioBounce, bounce("10.0.0.7"))
	sess.deliver(TopicAudioBounce, bounce("10.0.0.8"))
	require.Eventually(t, func() bool { return len(engine.launched()) == 2 }, waitFor, tick)
	assert.Contains(t, engine.launched()[1], "udpsink host=10.0.0.8 port=5502")

	sess.deliver(TopicSystemDown, []byte("mc_ctrl"))
	require.Eventually(t, func() bool { return r.registry.Len() == 0 }, waitFor, tick)
}

func TestProducerFallsBackWhenReceiverGoesDown(t *testing.T) {
	sess := newFakeSession()
	engine := &fakeEngine{}

	r, err := New(testConfig(config.RoleProducer), engine, WithSession(sess))
	require.NoError(t, err)
	startRuntime(t, r)
	sess.setConnected(true)

	bounce := func(client, addr string) []byte {
		return wire.BounceMessage{ClientID: client, Address: netip.MustParseAddr(addr)}.Encode()
	}
	sess.deliver(TopicAudioBounce, bounce("mc_a", "10.0.0.7"))
	sess.deliver(TopicAudioBounce, bounce("mc_b", "10.0.0.8"))
	// video receivers do not move the audio target
	sess.deliver(TopicVideoBounce, bounce("mc_c", "10.0.0.9"))
	sess.deliver("audio_request", wire.AudioMessage{Profile: profile.AudioProfile{Codec: profile.CodecAC3, Bitrate: 32000}}.Encode())

	require.Eventually(t, func() bool { return len(engine.launched()) == 1 }, waitFor, tick)
	assert.Contains(t, engine.launched()[0], "udpsink host=10.0.0.8 port=5502")

	sess.deliver(TopicSystemDown, []byte("mc_b"))
	require.Eventually(t, func() bool { return len(engine.launched()) == 2 }, waitFor, tick)
	assert.Contains(t, engine.launched()[1], "udpsink host=10.0.0.7 port=5502")
}

func TestStaleEngineFailureIsNotCounted(t *testing.T) {
	r, err := New(testConfig(config.RoleController), &fakeEngine{}, WithSession(newFakeSession()))
	require.NoError(t, err)

	_, err = r.manager.Apply(negotiate.AudioSlot, profile.AudioProfile{Codec: profile.CodecAC3, Bitrate: 32000})
	require.NoError(t, err)

	r.manager.HandleEngineEvent(pipeline.Notice{
		Slot:       negotiate.AudioSlot,
		Generation: 7,
		Event:      pipeline.EngineEvent{Kind: pipeline.EngineError, Message: "old", Category: "network"},
	})
	assert.NotContains(t, scrape(t, r.Handler(), "/metrics"), "rover_media_engine_failures_total{")

	r.manager.HandleEngineEvent(pipeline.Notice{
		Slot:       negotiate.AudioSlot,
		Generation: 1,
		Event:      pipeline.EngineEvent{Kind: pipeline.EngineError, Message: "bind failed", Category: "network"},
	})
	assert.Contains(t, scrape(t, r.Handler(), "/metrics"),
		`rover_media_engine_failures_total{category="network",slot="audio"} 1`)
}

func TestReadinessReportsTelemetry(t *testing.T) {
	sess := newFakeSession()
	r, err := New(testConfig(config.RoleController), &fakeEngine{}, WithSession(sess))
	require.NoError(t, err)
	startRuntime(t, r)

	sess.deliver("gps", wire.GPSMessage{Latitude: 38.4, Longitude: -110.8, Satellites: 9}.Encode())
	sess.deliver("notification", wire.NotificationMessage{Level: wire.LevelInfo, Title: "Rover", Message: "ready"}.Encode())

	var health HealthStatus
	require.Eventually(t, func() bool {
		health = HealthStatus{}
		body := scrape(t, r.Handler(), "/readiness")
		if err := json.Unmarshal([]byte(body), &health); err != nil {
			return false
		}
		return health.Telemetry != nil && health.Telemetry.GPS != nil && health.Telemetry.Notifications == 1
	}, waitFor, tick)

	assert.InDelta(t, 38.4, health.Telemetry.GPS.Latitude, 1e-9)
	assert.Equal(t, uint8(9), health.Telemetry.GPS.Satellites)
	assert.Nil(t, health.Telemetry.Heading)
	assert.Equal(t, "info: Rover: ready", health.Telemetry.LastNotification)
	require.NotNil(t, health.Broker)
	assert.Equal(t, uint64(0), health.Broker.Errors)
}

func TestShutdownReleasesPipelines(t *testing.T) {
	sess := newFakeSession()
	engine := &fakeEngine{}
	r, err := New(testConfig(config.RoleController), engine, WithSession(sess))
	require.NoError(t, err)

	_, err = r.manager.Apply(negotiate.AudioSlot, profile.AudioProfile{Codec: profile.CodecAC3, Bitrate: 32000})
	require.NoError(t, err)
	require.Equal(t, 1, r.manager.LivePipelines())

	require.NoError(t, r.Shutdown(context.Background()))
	assert.Equal(t, 0, r.manager.LivePipelines())
	assert.True(t, sess.disconnected)
}

func TestSubscriptionsPerRole(t *testing.T) {
	ctrl, err := New(testConfig(config.RoleController), &fakeEngine{}, WithSession(newFakeSession()))
	require.NoError(t, err)
	assert.Equal(t, negotiate.StateQoS, ctrl.subs["audio_state"])
	assert.Contains(t, ctrl.subs, "notification")
	assert.NotContains(t, ctrl.subs, TopicAudioBounce)
	assert.Equal(t, byte(2), ctrl.subs[TopicSystemDown])

	prod, err := New(testConfig(config.RoleProducer), &fakeEngine{}, WithSession(newFakeSession()))
	require.NoError(t, err)
	assert.Equal(t, negotiate.RequestQoS, prod.subs["audio_request"])
	assert.Contains(t, prod.subs, TopicAudioBounce)
	assert.NotContains(t, prod.subs, "audio_state")
}

func TestInvalidConfiguredRequest(t *testing.T) {
	cfg := testConfig(config.RoleController)
	cfg.Audio.Request = "6_0"
	_, err := New(cfg, &fakeEngine{}, WithSession(newFakeSession()))
	assert.Error(t, err)
}

func TestReadinessBeforeRun(t *testing.T) {
	r, err := New(testConfig(config.RoleController), &fakeEngine{}, WithSession(newFakeSession()))
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readiness", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var health HealthStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&health))
	assert.Equal(t, "unhealthy", health.Status)
	assert.Equal(t, "idle", health.Slots["audio"].State)

	rec = httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func scrape(t *testing.T, h http.Handler, path string) string {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}
