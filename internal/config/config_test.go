package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const producerYAML = `
client_id: rover_main
role: producer
mqtt:
  broker: 192.168.1.10:1883
  reconnect_interval: 2s
announce:
  interval: 3s
negotiation:
  request_timeout: 15s
audio:
  enabled: true
  source: alsasrc device=hw:1
cameras:
  - index: 0
    name: mast
    vendor_id: "046d"
    product_id: "0825"
    source: v4l2src device=/dev/video0
  - index: 1
    port: 6000
    source: v4l2src device=/dev/video1
health:
  listen: ":8080"
`

func TestParseProducer(t *testing.T) {
	cfg, err := Parse([]byte(producerYAML))
	require.NoError(t, err)

	assert.Equal(t, "rover_main", cfg.ClientID)
	assert.Equal(t, RoleProducer, cfg.Role)
	assert.Equal(t, 2*time.Second, cfg.MQTT.ReconnectInterval)
	assert.Equal(t, DefaultConnectTimeout, cfg.MQTT.ConnectTimeout)
	assert.Equal(t, 3*time.Second, cfg.Announce.Interval)
	assert.Equal(t, 15*time.Second, cfg.Negotiation.RequestTimeout)
	assert.Equal(t, DefaultAudioPort, cfg.Audio.Port)
	assert.Equal(t, "alsasrc device=hw:1", cfg.Audio.Source)

	require.Len(t, cfg.Cameras, 2)
	assert.Equal(t, 5510, cfg.Cameras[0].Port)
	assert.Equal(t, 6000, cfg.Cameras[1].Port)
	assert.Equal(t, "camera 1", cfg.Cameras[1].Name)

	id := cfg.Cameras[0].Identity()
	assert.Equal(t, "mast", id.Name)
	assert.Equal(t, "046d", id.VendorID)
	assert.Equal(t, ":8080", cfg.Health.Listen)
}

func TestDefaults(t *testing.T) {
	cfg, err := Parse([]byte("mqtt:\n  broker: localhost:1883\naudio:\n  enabled: true\n"))
	require.NoError(t, err)

	assert.Equal(t, RoleController, cfg.Role)
	assert.True(t, strings.HasPrefix(cfg.ClientID, "mc_"))
	assert.Len(t, cfg.ClientID, len("mc_")+12)
	assert.Equal(t, time.Second, cfg.MQTT.ReconnectInterval)
	assert.Equal(t, time.Second, cfg.Announce.Interval)
	assert.Equal(t, DefaultRequestTimeout, cfg.Negotiation.RequestTimeout)
	assert.Equal(t, DefaultShutdownTimeout, cfg.ShutdownTimeout)
	assert.Equal(t, DefaultAudioSource, cfg.Audio.Source)
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"missing broker", "audio:\n  enabled: true\n", "mqtt.broker"},
		{"broker url", "mqtt:\n  broker: tcp://b:1883/x\naudio:\n  enabled: true\n", "host:port"},
		{"bad role", "role: rover\nmqtt:\n  broker: b:1883\naudio:\n  enabled: true\n", "role"},
		{"short reconnect", "mqtt:\n  broker: b:1883\n  reconnect_interval: 200ms\naudio:\n  enabled: true\n", "reconnect_interval"},
		{"no slots", "mqtt:\n  broker: b:1883\n", "no stream slots"},
		{"duplicate camera", "mqtt:\n  broker: b:1883\ncameras:\n  - index: 2\n  - index: 2\n", "configured twice"},
		{"port clash", "mqtt:\n  broker: b:1883\naudio:\n  enabled: true\ncameras:\n  - index: 0\n    port: 5502\n", "already used"},
		{"producer without source", "role: producer\nmqtt:\n  broker: b:1883\ncameras:\n  - index: 0\n", "source is required"},
		{"negative timeout", "mqtt:\n  broker: b:1883\nnegotiation:\n  request_timeout: -1s\naudio:\n  enabled: true\n", "request_timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mediactl.yaml")
	require.NoError(t, os.WriteFile(path, []byte(producerYAML), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, RoleProducer, cfg.Role)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestNewClientIDUnique(t *testing.T) {
	assert.NotEqual(t, NewClientID(), NewClientID())
}
