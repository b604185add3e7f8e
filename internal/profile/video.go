package profile

import "fmt"

// VideoProfile is the parameter set of one camera slot.
// The zero value is the Null profile.
type VideoProfile struct {
	Codec     Codec
	Bitrate   uint32 // bits per second
	Width     uint32
	Height    uint32
	Framerate uint32
}

// videoWireFields is the number of fields in a video wire string
const videoWireFields = 5

// IsUsable reports whether the profile describes an active stream
func (p VideoProfile) IsUsable() bool {
	return p.Codec != CodecNull && p.Bitrate > 0
}

// CodecID returns the profile's codec
func (p VideoProfile) CodecID() Codec {
	return p.Codec
}

// WireString encodes the profile as
// "<codec>_<bitrate>_<width>_<height>_<framerate>".
// Null and unknown codecs encode to the off token "0_0_0_0_0".
func (p VideoProfile) WireString() string {
	if p.Codec.wireOrdinal() == 0 {
		return joinWire(0, 0, 0, 0, 0)
	}
	return joinWire(
		p.Codec.wireOrdinal(),
		uint64(p.Bitrate),
		uint64(p.Width),
		uint64(p.Height),
		uint64(p.Framerate),
	)
}

// Label returns a display string such as "H264 1280x720@30 2000kbps".
func (p VideoProfile) Label() string {
	switch {
	case p.Codec == CodecNull:
		return "No Video"
	case !p.Codec.IsVideo():
		return "Unknown Encoding"
	default:
		return fmt.Sprintf("%s %dx%d@%d %dkbps",
			p.Codec, p.Width, p.Height, p.Framerate, p.Bitrate/1000)
	}
}

// ParseVideo decodes a video wire string. It never fails: malformed input
// is logged and decodes to the Null profile.
func ParseVideo(s string) VideoProfile {
	fields, err := splitWire(s, videoWireFields)
	if err != nil {
		logMalformed("video", s, err)
		return VideoProfile{}
	}
	return VideoProfile{
		Codec:     CodecFromWire(fields[0]),
		Bitrate:   uint32(fields[1]),
		Width:     uint32(fields[2]),
		Height:    uint32(fields[3]),
		Framerate: uint32(fields[4]),
	}
}
