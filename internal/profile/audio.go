package profile

import "fmt"

// AudioProfile is the parameter set of the audio slot.
// The zero value is the Null profile.
type AudioProfile struct {
	Codec   Codec
	Bitrate uint32 // bits per second
}

// audioWireFields is the number of fields in an audio wire string
const audioWireFields = 2

// IsUsable reports whether the profile describes an active stream
func (p AudioProfile) IsUsable() bool {
	return p.Codec != CodecNull && p.Bitrate > 0
}

// CodecID returns the profile's codec
func (p AudioProfile) CodecID() Codec {
	return p.Codec
}

// WireString encodes the profile as "<codec>_<bitrate>".
// Null and unknown codecs encode to the off token "0_0".
func (p AudioProfile) WireString() string {
	if p.Codec.wireOrdinal() == 0 {
		return joinWire(0, 0)
	}
	return joinWire(p.Codec.wireOrdinal(), uint64(p.Bitrate))
}

// Label returns a display string such as "AC3@32000".
func (p AudioProfile) Label() string {
	switch {
	case p.Codec == CodecNull:
		return "No Audio"
	case !p.Codec.IsAudio():
		return "Unknown Encoding"
	default:
		return fmt.Sprintf("%s@%d", p.Codec, p.Bitrate)
	}
}

// ParseAudio decodes an audio wire string. It never fails: malformed input
// is logged and decodes to the Null profile.
func ParseAudio(s string) AudioProfile {
	fields, err := splitWire(s, audioWireFields)
	if err != nil {
		logMalformed("audio", s, err)
		return AudioProfile{}
	}
	return AudioProfile{
		Codec:   CodecFromWire(fields[0]),
		Bitrate: uint32(fields[1]),
	}
}
