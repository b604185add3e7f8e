package gstengine

import "strings"

// ErrorCategory is the telemetry classification of a GStreamer error
type ErrorCategory int

const (
	// ErrCategoryNetwork covers socket, bind and transport failures
	ErrCategoryNetwork ErrorCategory = iota
	// ErrCategoryCodec covers caps negotiation and encode/decode failures
	ErrCategoryCodec
	// ErrCategoryResource covers missing devices or plugins
	ErrCategoryResource
	// ErrCategoryUnknown indicates unclassified errors
	ErrCategoryUnknown
)

func (e ErrorCategory) String() string {
	switch e {
	case ErrCategoryNetwork:
		return "network"
	case ErrCategoryCodec:
		return "codec"
	case ErrCategoryResource:
		return "resource"
	default:
		return "unknown"
	}
}

var (
	resourceKeywords = []string{
		"no such element",
		"no element",
		"missing plugin",
		"could not open device",
		"device is busy",
		"resource busy",
		"no such file",
		"permission denied",
	}

	codecKeywords = []string{
		"not negotiated",
		"negotiation",
		"caps",
		"codec",
		"decode",
		"encode",
		"format",
		"h264",
		"vp8",
		"vp9",
		"mpeg",
		"jpeg",
		"ac3",
	}

	networkKeywords = []string{
		"could not bind",
		"address already in use",
		"socket",
		"udp",
		"network",
		"unreachable",
		"connection",
		"timeout",
		"resolve",
	}
)

// Classify categorizes an error from its message and debug string.
// go-gst's GError does not expose the domain, so this is keyword based.
// Resource problems are checked first since they are the most specific.
func Classify(message, debug string) ErrorCategory {
	combined := strings.ToLower(message + " " + debug)

	switch {
	case containsAny(combined, resourceKeywords):
		return ErrCategoryResource
	case containsAny(combined, codecKeywords):
		return ErrCategoryCodec
	case containsAny(combined, networkKeywords):
		return ErrCategoryNetwork
	default:
		return ErrCategoryUnknown
	}
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
