package profile

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

// wireDelimiter separates the integer fields of a wire string
const wireDelimiter = "_"

// Profile is the negotiated parameter set of one stream slot.
//
// Implementations are small comparable value types, so two profiles can be
// compared with == to decide whether a pipeline restart is needed.
type Profile interface {
	// IsUsable reports whether the profile describes an active stream
	IsUsable() bool
	// WireString returns the compact, round-trippable wire encoding
	WireString() string
	// Label returns a display string. Never use it on the wire.
	Label() string
	// CodecID returns the profile's codec
	CodecID() Codec
}

// IsUsable reports whether p can be streamed. A nil profile is not usable.
func IsUsable(p Profile) bool {
	return p != nil && p.IsUsable()
}

// joinWire joins unsigned fields with the wire delimiter.
func joinWire(fields ...uint64) string {
	parts := make([]string, len(fields))
	for i, f := range fields {
		parts[i] = strconv.FormatUint(f, 10)
	}
	return strings.Join(parts, wireDelimiter)
}

// splitWire parses exactly want unsigned fields from s. Extra trailing
// fields are ignored so a video string can still be read by an audio parser.
func splitWire(s string, want int) ([]uint64, error) {
	items := strings.Split(strings.TrimSpace(s), wireDelimiter)
	if len(items) < want {
		return nil, fmt.Errorf("expected %d fields, got %d", want, len(items))
	}

	out := make([]uint64, want)
	for i := 0; i < want; i++ {
		v, err := strconv.ParseUint(items[i], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("field %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

func logMalformed(kind, s string, err error) {
	slog.Warn("profile: malformed wire string, treating as stopped",
		"kind", kind,
		"input", s,
		"error", err,
	)
}
