package negotiate

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/e7canasta/rover-media/internal/pipeline"
	"github.com/e7canasta/rover-media/internal/profile"
)

// Responder is the producer side of the exchange. It applies requested
// profiles to the send-side manager and announces the outcome, which the
// controller treats as authoritative.
type Responder struct {
	pub Publisher
	mgr SlotManager

	byRequestTopic map[string]Channel
	bySlot         map[string]Channel

	mu        sync.Mutex
	current   map[string]profile.Profile // last announced profile per slot
	requested map[string]profile.Profile // last requested profile per slot
}

// NewResponder wires a responder to its manager
func NewResponder(pub Publisher, mgr SlotManager, channels ...Channel) *Responder {
	r := &Responder{
		pub:            pub,
		mgr:            mgr,
		byRequestTopic: make(map[string]Channel, len(channels)),
		bySlot:         make(map[string]Channel),
		current:        make(map[string]profile.Profile),
		requested:      make(map[string]profile.Profile),
	}
	for _, ch := range channels {
		r.byRequestTopic[ch.RequestTopic()] = ch
		for _, slot := range ch.Slots() {
			r.bySlot[slot] = ch
			r.current[slot] = nullProfile(ch)
			r.requested[slot] = nullProfile(ch)
		}
	}
	mgr.Subscribe(r.HandlePipelineEvent)
	return r
}

// Subscriptions returns the topics and qos the producer listens on
func (r *Responder) Subscriptions() map[string]byte {
	subs := make(map[string]byte, len(r.byRequestTopic))
	for topic := range r.byRequestTopic {
		subs[topic] = RequestQoS
	}
	return subs
}

// HandleMessage consumes a broker message if it is on a request topic.
func (r *Responder) HandleMessage(topic string, payload []byte) (bool, error) {
	ch, ok := r.byRequestTopic[topic]
	if !ok {
		return false, nil
	}
	return true, r.HandleRequest(ch, payload)
}

// HandleRequest applies a requested profile. The state announcement is
// published from the resulting pipeline event.
func (r *Responder) HandleRequest(ch Channel, payload []byte) error {
	slot, p, err := ch.Decode(payload)
	if err != nil {
		slog.Debug("negotiate: dropping malformed request",
			"topic", ch.RequestTopic(),
			"size", len(payload),
			"error", err,
		)
		return err
	}

	slog.Info("negotiate: request received", "slot", slot, "profile", p.Label())

	if _, known := r.bySlot[slot]; known {
		r.mu.Lock()
		r.requested[slot] = p
		r.mu.Unlock()
	}

	if _, err := r.mgr.Apply(slot, p); err != nil {
		slog.Warn("negotiate: cannot serve request", "slot", slot, "error", err)
	}
	return nil
}

// HandlePipelineEvent announces the slot's new authoritative profile:
// the applied one while playing, Null otherwise.
func (r *Responder) HandlePipelineEvent(ev pipeline.Event) {
	ch, ok := r.bySlot[ev.Slot]
	if !ok {
		return
	}

	announced := nullProfile(ch)
	if ev.Kind == pipeline.EventPlaying && ev.Profile != nil {
		announced = ev.Profile
	}

	r.mu.Lock()
	r.current[ev.Slot] = announced
	r.mu.Unlock()

	if err := r.publishState(ch, ev.Slot, announced); err != nil {
		slog.Warn("negotiate: state announcement failed", "slot", ev.Slot, "error", err)
	}
}

// RepublishAll announces every slot's current profile, e.g. after the
// broker session reconnects.
func (r *Responder) RepublishAll() error {
	var firstErr error
	for _, slot := range r.slotIDs() {
		r.mu.Lock()
		p := r.current[slot]
		r.mu.Unlock()

		if err := r.publishState(r.bySlot[slot], slot, p); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Retarget restarts the given slots after their receiver address changed.
// A streaming slot restarts with its current profile so the send pipeline
// picks up the new destination. A slot whose last request could not be
// served, typically because no receiver was known yet, is started with
// that request.
func (r *Responder) Retarget(slots ...string) {
	for _, slot := range slots {
		if _, ok := r.bySlot[slot]; !ok {
			continue
		}

		r.mu.Lock()
		p := r.current[slot]
		if !profile.IsUsable(p) {
			p = r.requested[slot]
		}
		r.mu.Unlock()

		if !profile.IsUsable(p) {
			continue
		}
		slog.Info("negotiate: retargeting slot", "slot", slot, "profile", p.Label())
		if _, err := r.mgr.Apply(slot, p); err != nil {
			slog.Warn("negotiate: retarget failed", "slot", slot, "error", err)
		}
	}
}

func (r *Responder) publishState(ch Channel, slot string, p profile.Profile) error {
	payload, err := ch.Encode(slot, p)
	if err != nil {
		return err
	}
	if err := r.pub.Publish(ch.StateTopic(), StateQoS, payload); err != nil {
		return fmt.Errorf("negotiate: publish state %s: %w", slot, err)
	}
	slog.Debug("negotiate: state announced", "slot", slot, "profile", p.Label())
	return nil
}

func (r *Responder) slotIDs() []string {
	ids := make([]string, 0, len(r.bySlot))
	for id := range r.bySlot {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
