// Package negotiate runs the request/state exchange that agrees on each
// stream slot's active profile.
//
// The controller side (Negotiator) publishes requests and treats whatever
// the producer announces on the state topic as authoritative. The producer
// side (Responder) applies requests to its own pipelines and announces the
// outcome.
package negotiate

import (
	"errors"
	"fmt"

	"github.com/e7canasta/rover-media/internal/profile"
	"github.com/e7canasta/rover-media/internal/wire"
)

// ErrUnknownSlot is returned for a slot the channel does not carry
var ErrUnknownSlot = errors.New("negotiate: unknown slot")

// AudioSlot is the id of the single audio slot
const AudioSlot = "audio"

// Channel is one request/state topic pair and the payload codec used on it.
type Channel interface {
	// Kind is "audio" or "video"
	Kind() string
	RequestTopic() string
	StateTopic() string
	// Slots lists the slot ids carried on this channel
	Slots() []string
	// Encode builds the payload announcing p for slot. A nil p encodes the
	// Null profile.
	Encode(slot string, p profile.Profile) ([]byte, error)
	// Decode extracts the slot and profile from a payload
	Decode(payload []byte) (string, profile.Profile, error)
}

// AudioChannel carries the audio slot on audio_request/audio_state
type AudioChannel struct{}

func (AudioChannel) Kind() string         { return "audio" }
func (AudioChannel) RequestTopic() string { return "audio_request" }
func (AudioChannel) StateTopic() string   { return "audio_state" }
func (AudioChannel) Slots() []string      { return []string{AudioSlot} }

func (AudioChannel) Encode(slot string, p profile.Profile) ([]byte, error) {
	if slot != AudioSlot {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSlot, slot)
	}
	var ap profile.AudioProfile
	if p != nil {
		v, ok := p.(profile.AudioProfile)
		if !ok {
			return nil, fmt.Errorf("negotiate: %T on audio channel", p)
		}
		ap = v
	}
	return wire.AudioMessage{Profile: ap}.Encode(), nil
}

func (AudioChannel) Decode(payload []byte) (string, profile.Profile, error) {
	msg, err := wire.DecodeAudioMessage(payload)
	if err != nil {
		return "", nil, err
	}
	return AudioSlot, msg.Profile, nil
}

// VideoChannel carries one slot per configured camera on
// video_request/video_state. The camera identity travels with every message.
type VideoChannel struct {
	cameras map[string]wire.CameraIdentity
	byIndex map[uint16]string
	order   []string
}

// CameraSlot returns the slot id for a camera index
func CameraSlot(index uint16) string {
	return fmt.Sprintf("camera%d", index)
}

// NewVideoChannel creates a channel for the given cameras. Camera indexes
// must be unique.
func NewVideoChannel(cameras []wire.CameraIdentity) (*VideoChannel, error) {
	c := &VideoChannel{
		cameras: make(map[string]wire.CameraIdentity, len(cameras)),
		byIndex: make(map[uint16]string, len(cameras)),
	}
	for _, cam := range cameras {
		slot := CameraSlot(cam.Index)
		if _, dup := c.cameras[slot]; dup {
			return nil, fmt.Errorf("negotiate: duplicate camera index %d", cam.Index)
		}
		c.cameras[slot] = cam
		c.byIndex[cam.Index] = slot
		c.order = append(c.order, slot)
	}
	return c, nil
}

func (c *VideoChannel) Kind() string         { return "video" }
func (c *VideoChannel) RequestTopic() string { return "video_request" }
func (c *VideoChannel) StateTopic() string   { return "video_state" }

func (c *VideoChannel) Slots() []string {
	return append([]string(nil), c.order...)
}

func (c *VideoChannel) Encode(slot string, p profile.Profile) ([]byte, error) {
	cam, ok := c.cameras[slot]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSlot, slot)
	}
	var vp profile.VideoProfile
	if p != nil {
		v, ok := p.(profile.VideoProfile)
		if !ok {
			return nil, fmt.Errorf("negotiate: %T on video channel", p)
		}
		vp = v
	}
	return wire.VideoMessage{Profile: vp, Camera: cam}.Encode(), nil
}

func (c *VideoChannel) Decode(payload []byte) (string, profile.Profile, error) {
	msg, err := wire.DecodeVideoMessage(payload)
	if err != nil {
		return "", nil, err
	}
	slot, ok := c.byIndex[msg.Camera.Index]
	if !ok {
		return "", nil, fmt.Errorf("%w: camera index %d", ErrUnknownSlot, msg.Camera.Index)
	}
	return slot, msg.Profile, nil
}

// nullProfile returns the Null profile of the channel's media kind
func nullProfile(ch Channel) profile.Profile {
	if ch.Kind() == "audio" {
		return profile.AudioProfile{}
	}
	return profile.VideoProfile{}
}
