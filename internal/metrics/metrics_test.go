package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New()

	m.SlotEvent("audio", "playing")
	m.SlotEvent("audio", "playing")
	m.SlotEvent("camera0", "error")
	m.EngineFailure("camera0", "")
	m.Malformed("video_state")
	m.BrokerEvent("connected")
	m.Announced(2)
	m.NegotiationChange("audio", "active")
	m.RequestTimeouts(1)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.slotEvents.WithLabelValues("audio", "playing")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.slotEvents.WithLabelValues("camera0", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.engineFailures.WithLabelValues("camera0", "unknown")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.malformed.WithLabelValues("video_state")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.brokerEvents.WithLabelValues("connected")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.announcements))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.negotiateChange.WithLabelValues("audio", "active")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requestTimeouts))
}

func TestHandlerExposesGauges(t *testing.T) {
	m := New()
	m.TrackLivePipelines(func() int { return 3 })
	m.TrackBusDrops(func() uint64 { return 7 })

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	text := string(body)

	assert.True(t, strings.Contains(text, "rover_media_live_pipelines 3"))
	assert.True(t, strings.Contains(text, "rover_media_event_bus_dropped_total 7"))
}
