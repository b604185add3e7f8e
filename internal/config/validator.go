package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Defaults applied by Validate
const (
	DefaultAudioPort         = 5502
	DefaultCameraBasePort    = 5510
	DefaultReconnectInterval = time.Second
	DefaultConnectTimeout    = 10 * time.Second
	DefaultPublishTimeout    = 5 * time.Second
	DefaultAnnounceInterval  = time.Second
	DefaultRequestTimeout    = 10 * time.Second
	DefaultShutdownTimeout   = 5 * time.Second
	DefaultAudioSource       = "autoaudiosrc"

	clientIDPrefix = "mc_"
)

// Validate checks the configuration and fills defaults
func Validate(cfg *Config) error {
	if cfg.ClientID == "" {
		cfg.ClientID = NewClientID()
	}

	switch cfg.Role {
	case "":
		cfg.Role = RoleController
	case RoleController, RoleProducer:
	default:
		return fmt.Errorf("role must be %q or %q, got %q", RoleController, RoleProducer, cfg.Role)
	}

	if cfg.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required")
	}
	if _, _, err := net.SplitHostPort(cfg.MQTT.Broker); err != nil {
		return fmt.Errorf("mqtt.broker must be host:port: %w", err)
	}
	if cfg.MQTT.ReconnectInterval == 0 {
		cfg.MQTT.ReconnectInterval = DefaultReconnectInterval
	}
	if cfg.MQTT.ReconnectInterval < time.Second {
		return fmt.Errorf("mqtt.reconnect_interval must be >= 1s, got %s", cfg.MQTT.ReconnectInterval)
	}
	if cfg.MQTT.ConnectTimeout <= 0 {
		cfg.MQTT.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.MQTT.PublishTimeout <= 0 {
		cfg.MQTT.PublishTimeout = DefaultPublishTimeout
	}

	if cfg.Announce.Interval <= 0 {
		cfg.Announce.Interval = DefaultAnnounceInterval
	}

	if cfg.Negotiation.RequestTimeout < 0 {
		return fmt.Errorf("negotiation.request_timeout must be >= 0")
	}
	if cfg.Negotiation.RequestTimeout == 0 {
		cfg.Negotiation.RequestTimeout = DefaultRequestTimeout
	}

	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}

	if cfg.Audio.Port == 0 {
		cfg.Audio.Port = DefaultAudioPort
	}
	if cfg.Audio.Source == "" {
		cfg.Audio.Source = DefaultAudioSource
	}

	ports := map[int]string{}
	if cfg.Audio.Enabled {
		ports[cfg.Audio.Port] = "audio"
	}

	seen := map[uint16]bool{}
	for i := range cfg.Cameras {
		cam := &cfg.Cameras[i]
		if seen[cam.Index] {
			return fmt.Errorf("camera index %d is configured twice", cam.Index)
		}
		seen[cam.Index] = true

		if cam.Port == 0 {
			cam.Port = DefaultCameraBasePort + int(cam.Index)
		}
		if cam.Name == "" {
			cam.Name = fmt.Sprintf("camera %d", cam.Index)
		}
		if cfg.Role == RoleProducer && cam.Source == "" {
			return fmt.Errorf("camera %d: source is required for the producer role", cam.Index)
		}

		if owner, taken := ports[cam.Port]; taken {
			return fmt.Errorf("camera %d: port %d already used by %s", cam.Index, cam.Port, owner)
		}
		ports[cam.Port] = fmt.Sprintf("camera %d", cam.Index)
	}

	for port := range ports {
		if port <= 0 || port > 65535 {
			return fmt.Errorf("port %d out of range", port)
		}
	}

	if !cfg.Audio.Enabled && len(cfg.Cameras) == 0 {
		return fmt.Errorf("no stream slots configured (enable audio or add cameras)")
	}

	return nil
}

// NewClientID returns a random broker client id
func NewClientID() string {
	return clientIDPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
