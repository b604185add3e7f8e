// Package telemetry consumes the rover's sensor and notification topics and
// keeps the latest reading of each.
package telemetry

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/e7canasta/rover-media/internal/wire"
)

const (
	TopicNotification     = "notification"
	TopicGPS              = "gps"
	TopicCompass          = "compass"
	TopicAtmosphere       = "atmosphere"
	TopicAtmosphereSwitch = "atmosphere_switch"
	TopicBitrate          = "bitrate"
)

// NotifyQoS is used for notifications and switches
const NotifyQoS byte = 2

// Publisher is the subset of broker.Session used to send notifications
type Publisher interface {
	Publish(topic string, qos byte, payload []byte) error
}

// Snapshot is the latest known telemetry. Zero times mean never received.
type Snapshot struct {
	GPS          wire.GPSMessage
	GPSAt        time.Time
	Heading      float64
	HeadingAt    time.Time
	Atmosphere   wire.AtmosphereMessage
	AtmosphereAt time.Time
	// AtmosphereOn mirrors the last atmosphere_switch value
	AtmosphereOn bool
	Bitrate      wire.BitrateMessage
	BitrateAt    time.Time
	Notification wire.NotificationMessage
	Notified     int
}

// Consumer decodes telemetry payloads into a Snapshot.
type Consumer struct {
	pub Publisher

	mu   sync.RWMutex
	snap Snapshot

	now func() time.Time
}

// NewConsumer creates a consumer. pub may be nil when the process never
// sends notifications.
func NewConsumer(pub Publisher) *Consumer {
	return &Consumer{
		pub:  pub,
		snap: Snapshot{AtmosphereOn: true},
		now:  time.Now,
	}
}

// Subscriptions returns the topics and qos the consumer listens on
func (c *Consumer) Subscriptions() map[string]byte {
	return map[string]byte{
		TopicNotification:     NotifyQoS,
		TopicGPS:              0,
		TopicCompass:          0,
		TopicAtmosphere:       0,
		TopicAtmosphereSwitch: NotifyQoS,
		TopicBitrate:          0,
	}
}

// HandleMessage consumes a payload if the topic is a telemetry topic. It
// returns the decode error for malformed payloads.
func (c *Consumer) HandleMessage(topic string, payload []byte) (bool, error) {
	var err error
	switch topic {
	case TopicNotification:
		err = c.handleNotification(payload)
	case TopicGPS:
		var m wire.GPSMessage
		if m, err = wire.DecodeGPSMessage(payload); err == nil {
			c.update(func(s *Snapshot) { s.GPS, s.GPSAt = m, c.now() })
		}
	case TopicCompass:
		var m wire.CompassMessage
		if m, err = wire.DecodeCompassMessage(payload); err == nil {
			c.update(func(s *Snapshot) { s.Heading, s.HeadingAt = m.Heading, c.now() })
		}
	case TopicAtmosphere:
		var m wire.AtmosphereMessage
		if m, err = wire.DecodeAtmosphereMessage(payload); err == nil {
			c.update(func(s *Snapshot) {
				if !s.AtmosphereOn {
					return
				}
				s.Atmosphere, s.AtmosphereAt = m, c.now()
			})
		}
	case TopicAtmosphereSwitch:
		var m wire.SwitchMessage
		if m, err = wire.DecodeSwitchMessage(payload); err == nil {
			slog.Info("telemetry: atmosphere logging switched", "on", m.On)
			c.update(func(s *Snapshot) {
				s.AtmosphereOn = m.On
				if !m.On {
					s.Atmosphere, s.AtmosphereAt = wire.AtmosphereMessage{}, time.Time{}
				}
			})
		}
	case TopicBitrate:
		var m wire.BitrateMessage
		if m, err = wire.DecodeBitrateMessage(payload); err == nil {
			c.update(func(s *Snapshot) { s.Bitrate, s.BitrateAt = m, c.now() })
		}
	default:
		return false, nil
	}

	if err != nil {
		slog.Debug("telemetry: dropping malformed payload",
			"topic", topic,
			"size", len(payload),
			"error", err,
		)
	}
	return true, err
}

func (c *Consumer) handleNotification(payload []byte) error {
	m, err := wire.DecodeNotificationMessage(payload)
	if err != nil {
		return err
	}

	attrs := []any{"title", m.Title, "message", m.Message}
	switch m.Level {
	case wire.LevelError:
		slog.Error("telemetry: notification", attrs...)
	case wire.LevelWarning:
		slog.Warn("telemetry: notification", attrs...)
	default:
		slog.Info("telemetry: notification", attrs...)
	}

	c.update(func(s *Snapshot) {
		s.Notification = m
		s.Notified++
	})
	return nil
}

// Notify publishes a notification at qos 2
func (c *Consumer) Notify(level wire.NotificationLevel, title, message string) error {
	if c.pub == nil {
		return fmt.Errorf("telemetry: no publisher")
	}
	payload := wire.NotificationMessage{Level: level, Title: title, Message: message}.Encode()
	if err := c.pub.Publish(TopicNotification, NotifyQoS, payload); err != nil {
		return fmt.Errorf("telemetry: notify: %w", err)
	}
	return nil
}

// Snapshot returns a copy of the latest telemetry
func (c *Consumer) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap
}

func (c *Consumer) update(fn func(*Snapshot)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.snap)
}
