// Package profile encodes negotiated stream parameters.
//
// A profile is the codec plus parameter set for one audio or video slot.
// It has three representations:
//
//   - a compact wire string ("4_2000000_1280_720_30") republished on every
//     negotiation round
//   - a GStreamer launch fragment used to build the transport pipeline
//   - a human label used only for display
//
// Wire decoding never fails: malformed input decodes to the Null profile,
// which means "not streaming".
package profile

import (
	"errors"
	"strconv"
)

// ErrUnknownCodec is returned when a profile references a codec this
// build cannot put into a pipeline. Callers treat it as "no stream".
var ErrUnknownCodec = errors.New("profile: unknown codec")

// Codec is the closed set of codecs known on the wire.
type Codec int

const (
	// CodecNull means the stream is off
	CodecNull Codec = iota
	CodecMPEG2
	CodecVP8
	CodecVP9
	CodecH264
	CodecMJPEG
	CodecAC3

	// CodecUnknown is any ordinal received from a peer that is not listed above
	CodecUnknown Codec = -1
)

// CodecFromWire maps a wire ordinal onto the enumeration. Out-of-range
// values become CodecUnknown.
func CodecFromWire(v uint64) Codec {
	if v > uint64(CodecAC3) {
		return CodecUnknown
	}
	return Codec(v)
}

// wireOrdinal returns the ordinal written to the wire. Unknown codecs are
// never written; they encode as the off token.
func (c Codec) wireOrdinal() uint64 {
	if c < CodecNull || c > CodecAC3 {
		return 0
	}
	return uint64(c)
}

// IsVideo reports whether c is a video codec.
func (c Codec) IsVideo() bool {
	switch c {
	case CodecMPEG2, CodecVP8, CodecVP9, CodecH264, CodecMJPEG:
		return true
	default:
		return false
	}
}

// IsAudio reports whether c is an audio codec.
func (c Codec) IsAudio() bool {
	return c == CodecAC3
}

// String returns the codec name
func (c Codec) String() string {
	switch c {
	case CodecNull:
		return "Null"
	case CodecMPEG2:
		return "MPEG2"
	case CodecVP8:
		return "VP8"
	case CodecVP9:
		return "VP9"
	case CodecH264:
		return "H264"
	case CodecMJPEG:
		return "MJPEG"
	case CodecAC3:
		return "AC3"
	default:
		return "Unknown(" + strconv.Itoa(int(c)) + ")"
	}
}
