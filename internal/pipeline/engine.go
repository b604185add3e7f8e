// Package pipeline owns the per-slot media pipeline lifecycle.
//
// Each stream slot has at most one live engine handle. Applying a profile
// always tears the current handle down first (observers detached, then the
// handle closed) before anything new is launched, so two pipelines never
// compete for a slot's transport port.
//
// The package is engine-agnostic: gstengine provides the GStreamer
// implementation, tests use a fake.
package pipeline

// EngineEventKind classifies what an engine reported on its bus
type EngineEventKind int

const (
	EngineError EngineEventKind = iota
	EngineWarning
	EngineEOS
	EngineStateChanged
)

func (k EngineEventKind) String() string {
	switch k {
	case EngineError:
		return "error"
	case EngineWarning:
		return "warning"
	case EngineEOS:
		return "eos"
	case EngineStateChanged:
		return "state_changed"
	default:
		return "unknown"
	}
}

// Fatal reports whether the event ends the pipeline
func (k EngineEventKind) Fatal() bool {
	return k == EngineError || k == EngineEOS
}

// EngineEvent is one asynchronous report from a running pipeline
type EngineEvent struct {
	Kind     EngineEventKind
	Message  string
	Category string // error classification (network, codec, resource, unknown)
	From, To string // EngineStateChanged only
}

// Handle is one launched pipeline.
type Handle interface {
	// Play moves the pipeline to the playing state
	Play() error
	// Watch installs the single observer for bus events. fn runs on an
	// engine goroutine and must not block.
	Watch(fn func(EngineEvent))
	// Detach removes the observer. No event is delivered after it returns.
	Detach()
	// Close stops the pipeline and releases its resources. It is synchronous.
	Close() error
}

// Engine builds pipelines from textual launch descriptions
type Engine interface {
	Launch(description string) (Handle, error)
}
