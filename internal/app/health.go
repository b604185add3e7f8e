package app

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/e7canasta/rover-media/internal/broker"
	"github.com/e7canasta/rover-media/internal/events"
	"github.com/e7canasta/rover-media/internal/pipeline"
	"github.com/e7canasta/rover-media/internal/wire"
)

// SlotHealth is the health view of one stream slot
type SlotHealth struct {
	State     string `json:"state"`
	Profile   string `json:"profile,omitempty"`
	Live      bool   `json:"live"`
	LastError string `json:"last_error,omitempty"`
	Phase     string `json:"phase,omitempty"` // controller only
}

// HealthStatus represents the health state of the process
type HealthStatus struct {
	Status          string                `json:"status"` // "healthy", "degraded", "unhealthy"
	Role            string                `json:"role"`
	ClientID        string                `json:"client_id"`
	UptimeSeconds   int64                 `json:"uptime_seconds"`
	BrokerConnected bool                  `json:"broker_connected"`
	LivePipelines   int                   `json:"live_pipelines"`
	KnownPeers      int                   `json:"known_peers"`
	Slots           map[string]SlotHealth `json:"slots"`
	Broker          *BrokerHealth         `json:"broker,omitempty"`
	Telemetry       *TelemetryHealth      `json:"telemetry,omitempty"` // controller only
}

// BrokerHealth carries session counters when the session reports them
type BrokerHealth struct {
	Published map[string]uint64 `json:"published"`
	Errors    uint64            `json:"errors"`
}

// TelemetryHealth is the last known rover telemetry. Readings never
// received are omitted.
type TelemetryHealth struct {
	GPS              *wire.GPSMessage        `json:"gps,omitempty"`
	Heading          *float64                `json:"heading,omitempty"`
	Atmosphere       *wire.AtmosphereMessage `json:"atmosphere,omitempty"`
	Bitrate          *wire.BitrateMessage    `json:"bitrate,omitempty"`
	Notifications    int                     `json:"notifications"`
	LastNotification string                  `json:"last_notification,omitempty"`
}

type statsReporter interface {
	Stats() broker.Stats
}

// HealthCheck returns the current health status
func (r *Runtime) HealthCheck() HealthStatus {
	r.mu.RLock()
	running := r.running
	started := r.started
	r.mu.RUnlock()

	status := HealthStatus{
		Status:          "healthy",
		Role:            string(r.cfg.Role),
		ClientID:        r.cfg.ClientID,
		BrokerConnected: r.session.IsConnected(),
		LivePipelines:   r.manager.LivePipelines(),
		KnownPeers:      r.registry.Len(),
		Slots:           make(map[string]SlotHealth),
	}
	if running {
		status.UptimeSeconds = int64(time.Since(started).Seconds())
	}

	failed := false
	for _, info := range r.manager.Slots() {
		sh := SlotHealth{
			State:     info.State.String(),
			Profile:   labelOf(info.Profile),
			Live:      info.Live,
			LastError: info.LastError,
		}
		if r.negotiator != nil {
			if st, ok := r.negotiator.State(info.ID); ok {
				sh.Phase = st.Phase.String()
			}
		}
		if info.State == pipeline.StateError {
			failed = true
		}
		status.Slots[info.ID] = sh
	}

	if sr, ok := r.session.(statsReporter); ok {
		st := sr.Stats()
		status.Broker = &BrokerHealth{Published: st.Published, Errors: st.Errors}
	}
	if r.negotiator != nil {
		status.Telemetry = r.telemetryHealth()
	}

	switch {
	case !running:
		status.Status = "unhealthy"
	case !status.BrokerConnected || failed:
		status.Status = "degraded"
	}
	return status
}

func (r *Runtime) telemetryHealth() *TelemetryHealth {
	snap := r.telemetry.Snapshot()
	th := &TelemetryHealth{Notifications: snap.Notified}

	if !snap.GPSAt.IsZero() {
		gps := snap.GPS
		th.GPS = &gps
	}
	if !snap.HeadingAt.IsZero() {
		heading := snap.Heading
		th.Heading = &heading
	}
	if snap.AtmosphereOn && !snap.AtmosphereAt.IsZero() {
		atm := snap.Atmosphere
		th.Atmosphere = &atm
	}
	if !snap.BitrateAt.IsZero() {
		br := snap.Bitrate
		th.Bitrate = &br
	}
	if snap.Notified > 0 {
		n := snap.Notification
		th.LastNotification = fmt.Sprintf("%s: %s: %s", n.Level, n.Title, n.Message)
	}
	return th
}

// LivenessHandler handles /health
func (r *Runtime) LivenessHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	r.mu.RLock()
	started := r.started
	r.mu.RUnlock()

	response := map[string]interface{}{
		"status": "alive",
		"uptime": int64(time.Since(started).Seconds()),
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(response)
}

// ReadinessHandler handles /readiness. Degraded is still ready.
func (r *Runtime) ReadinessHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	health := r.HealthCheck()

	statusCode := http.StatusOK
	if health.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}

	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(health)
}

// Handler returns the mux serving /health, /readiness, /metrics and the
// /events websocket stream.
func (r *Runtime) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", r.LivenessHandler)
	mux.HandleFunc("/readiness", r.ReadinessHandler)
	mux.Handle("/metrics", r.metrics.Handler())
	mux.Handle("/events", events.NewStreamHandler(r.bus))
	return mux
}

// StartHealthServer starts the HTTP health server on addr. It does not
// block; an empty addr disables the server.
func (r *Runtime) StartHealthServer(addr string) error {
	if addr == "" {
		slog.Info("app: health server disabled")
		return nil
	}

	server := &http.Server{
		Addr:         addr,
		Handler:      r.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	r.mu.Lock()
	r.server = server
	r.mu.Unlock()

	slog.Info("app: starting health server",
		"addr", addr,
		"endpoints", []string{"/health", "/readiness", "/metrics", "/events"},
	)

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("app: health server failed", "error", err)
		}
	}()

	return nil
}
