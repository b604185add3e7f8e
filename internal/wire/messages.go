package wire

import (
	"net/netip"

	"github.com/e7canasta/rover-media/internal/profile"
)

// AudioMessage carries the audio slot profile on audio_request/audio_state.
type AudioMessage struct {
	Profile profile.AudioProfile
}

func (m AudioMessage) Encode() []byte {
	e := NewEncoder(16)
	e.String(m.Profile.WireString())
	return e.Bytes()
}

// DecodeAudioMessage decodes an audio control payload. A framing error is
// returned as such; a malformed profile string decodes to the Null profile.
func DecodeAudioMessage(b []byte) (AudioMessage, error) {
	return decode(b, func(d *Decoder) AudioMessage {
		s := d.String("profile")
		if d.err != nil {
			return AudioMessage{}
		}
		return AudioMessage{Profile: profile.ParseAudio(s)}
	})
}

// CameraIdentity describes the physical camera behind a video slot. Stereo
// rigs carry a second set of identity fields for the paired sensor.
type CameraIdentity struct {
	ComputerIndex uint32
	Index         uint16
	Name          string
	Offset        int32
	ProductID     string
	Serial        string
	VendorID      string
	Stereo        bool
	Offset2       int32
	ProductID2    string
	Serial2       string
	VendorID2     string
}

// VideoMessage carries one camera slot's profile on video_request/video_state.
type VideoMessage struct {
	Profile profile.VideoProfile
	Camera  CameraIdentity
}

func (m VideoMessage) Encode() []byte {
	c := m.Camera
	e := NewEncoder(128)
	e.String(m.Profile.WireString())
	e.Uint32(c.ComputerIndex)
	e.Uint16(c.Index)
	e.String(c.Name)
	e.Int32(c.Offset)
	e.String(c.ProductID)
	e.String(c.Serial)
	e.String(c.VendorID)
	e.Bool(c.Stereo)
	e.Int32(c.Offset2)
	e.String(c.ProductID2)
	e.String(c.Serial2)
	e.String(c.VendorID2)
	return e.Bytes()
}

func DecodeVideoMessage(b []byte) (VideoMessage, error) {
	return decode(b, func(d *Decoder) VideoMessage {
		s := d.String("profile")
		c := CameraIdentity{
			ComputerIndex: d.Uint32("computer_index"),
			Index:         d.Uint16("camera_index"),
			Name:          d.String("name"),
			Offset:        d.Int32("offset"),
			ProductID:     d.String("product_id"),
			Serial:        d.String("serial"),
			VendorID:      d.String("vendor_id"),
			Stereo:        d.Bool("stereo"),
			Offset2:       d.Int32("offset2"),
			ProductID2:    d.String("product_id2"),
			Serial2:       d.String("serial2"),
			VendorID2:     d.String("vendor_id2"),
		}
		if d.err != nil {
			return VideoMessage{}
		}
		return VideoMessage{Profile: profile.ParseVideo(s), Camera: c}
	})
}

// NotificationLevel is the severity of a NotificationMessage.
type NotificationLevel uint8

const (
	LevelError NotificationLevel = iota
	LevelWarning
	LevelInfo
)

func (l NotificationLevel) String() string {
	switch l {
	case LevelError:
		return "error"
	case LevelWarning:
		return "warning"
	case LevelInfo:
		return "info"
	default:
		return "unknown"
	}
}

// NotificationMessage is a human-facing alert exchanged on "notification".
type NotificationMessage struct {
	Level   NotificationLevel
	Title   string
	Message string
}

func (m NotificationMessage) Encode() []byte {
	e := NewEncoder(16 + len(m.Title) + len(m.Message))
	e.Uint8(uint8(m.Level))
	e.String(m.Title)
	e.String(m.Message)
	return e.Bytes()
}

func DecodeNotificationMessage(b []byte) (NotificationMessage, error) {
	return decode(b, func(d *Decoder) NotificationMessage {
		level := NotificationLevel(d.Uint8("level"))
		if d.err == nil && level > LevelInfo {
			d.Fail("level", "unknown level %d", level)
		}
		return NotificationMessage{
			Level:   level,
			Title:   d.String("title"),
			Message: d.String("message"),
		}
	})
}

// BounceMessage announces the unicast address a receiver wants media sent to.
type BounceMessage struct {
	ClientID string
	Address  netip.Addr
}

// Encode writes the client id and the IPv4 address as four raw bytes.
// A missing or non-IPv4 address is written as 0.0.0.0.
func (m BounceMessage) Encode() []byte {
	e := NewEncoder(8 + len(m.ClientID))
	e.String(m.ClientID)
	var a4 [4]byte
	if addr := m.Address.Unmap(); addr.Is4() {
		a4 = addr.As4()
	}
	e.Fixed(a4[:])
	return e.Bytes()
}

func DecodeBounceMessage(b []byte) (BounceMessage, error) {
	return decode(b, func(d *Decoder) BounceMessage {
		id := d.String("client_id")
		raw := d.Fixed(4, "address")
		if d.err != nil {
			return BounceMessage{}
		}
		return BounceMessage{ClientID: id, Address: netip.AddrFrom4([4]byte(raw))}
	})
}

// DriveMessage is a six-wheel actuator command, one signed speed per wheel.
type DriveMessage struct {
	WheelFL int8
	WheelML int8
	WheelBL int8
	WheelFR int8
	WheelMR int8
	WheelBR int8
}

func (m DriveMessage) Encode() []byte {
	e := NewEncoder(6)
	e.Int8(m.WheelFL)
	e.Int8(m.WheelML)
	e.Int8(m.WheelBL)
	e.Int8(m.WheelFR)
	e.Int8(m.WheelMR)
	e.Int8(m.WheelBR)
	return e.Bytes()
}

func DecodeDriveMessage(b []byte) (DriveMessage, error) {
	return decode(b, func(d *Decoder) DriveMessage {
		return DriveMessage{
			WheelFL: d.Int8("wheel_fl"),
			WheelML: d.Int8("wheel_ml"),
			WheelBL: d.Int8("wheel_bl"),
			WheelFR: d.Int8("wheel_fr"),
			WheelMR: d.Int8("wheel_mr"),
			WheelBR: d.Int8("wheel_br"),
		}
	})
}

// BitrateMessage reports link throughput in bits per second.
type BitrateMessage struct {
	Up   uint64
	Down uint64
}

func (m BitrateMessage) Encode() []byte {
	e := NewEncoder(16)
	e.Uint64(m.Up)
	e.Uint64(m.Down)
	return e.Bytes()
}

func DecodeBitrateMessage(b []byte) (BitrateMessage, error) {
	return decode(b, func(d *Decoder) BitrateMessage {
		return BitrateMessage{Up: d.Uint64("up"), Down: d.Uint64("down")}
	})
}

type GPSMessage struct {
	Latitude   float64
	Longitude  float64
	Elevation  float64
	Satellites uint8
}

func (m GPSMessage) Encode() []byte {
	e := NewEncoder(25)
	e.Float64(m.Latitude)
	e.Float64(m.Longitude)
	e.Float64(m.Elevation)
	e.Uint8(m.Satellites)
	return e.Bytes()
}

func DecodeGPSMessage(b []byte) (GPSMessage, error) {
	return decode(b, func(d *Decoder) GPSMessage {
		return GPSMessage{
			Latitude:   d.Float64("latitude"),
			Longitude:  d.Float64("longitude"),
			Elevation:  d.Float64("elevation"),
			Satellites: d.Uint8("satellites"),
		}
	})
}

// CompassMessage carries a heading in degrees.
type CompassMessage struct {
	Heading float64
}

func (m CompassMessage) Encode() []byte {
	e := NewEncoder(8)
	e.Float64(m.Heading)
	return e.Bytes()
}

func DecodeCompassMessage(b []byte) (CompassMessage, error) {
	return decode(b, func(d *Decoder) CompassMessage {
		return CompassMessage{Heading: d.Float64("heading")}
	})
}

type AtmosphereMessage struct {
	Temperature   float64
	Humidity      float64
	WindDirection float64
	WindSpeed     float64
}

func (m AtmosphereMessage) Encode() []byte {
	e := NewEncoder(32)
	e.Float64(m.Temperature)
	e.Float64(m.Humidity)
	e.Float64(m.WindDirection)
	e.Float64(m.WindSpeed)
	return e.Bytes()
}

func DecodeAtmosphereMessage(b []byte) (AtmosphereMessage, error) {
	return decode(b, func(d *Decoder) AtmosphereMessage {
		return AtmosphereMessage{
			Temperature:   d.Float64("temperature"),
			Humidity:      d.Float64("humidity"),
			WindDirection: d.Float64("wind_direction"),
			WindSpeed:     d.Float64("wind_speed"),
		}
	})
}

// SwitchMessage toggles a sensor group on or off.
type SwitchMessage struct {
	On bool
}

func (m SwitchMessage) Encode() []byte {
	e := NewEncoder(1)
	e.Bool(m.On)
	return e.Bytes()
}

func DecodeSwitchMessage(b []byte) (SwitchMessage, error) {
	return decode(b, func(d *Decoder) SwitchMessage {
		return SwitchMessage{On: d.Bool("on")}
	})
}
