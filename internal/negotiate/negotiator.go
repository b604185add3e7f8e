package negotiate

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/e7canasta/rover-media/internal/pipeline"
	"github.com/e7canasta/rover-media/internal/profile"
)

// Request and state qos levels
const (
	RequestQoS byte = 2
	StateQoS   byte = 1
)

// Publisher is the subset of broker.Session used for control messages
type Publisher interface {
	Publish(topic string, qos byte, payload []byte) error
}

// SlotManager is the subset of pipeline.Manager the negotiation sides drive
type SlotManager interface {
	Apply(slot string, p profile.Profile) (pipeline.Event, error)
	Subscribe(fn pipeline.Observer)
}

// Phase is the negotiated state of a slot on the controller side
type Phase int

const (
	PhaseStopped Phase = iota
	PhaseRequested
	PhaseActive
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseStopped:
		return "stopped"
	case PhaseRequested:
		return "requested"
	case PhaseActive:
		return "active"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// SlotState is the negotiated value of one slot
type SlotState struct {
	Phase   Phase
	Profile profile.Profile // requested or active profile
	Reason  string          // PhaseFailed only
	Since   time.Time
}

// Change is reported to observers whenever a slot's SlotState changes
type Change struct {
	Slot string
	SlotState
}

type negotiatedSlot struct {
	channel   Channel
	state     SlotState
	confirmed SlotState // last state backed by the producer
}

// Negotiator is the controller side of the exchange.
type Negotiator struct {
	pub     Publisher
	mgr     SlotManager
	timeout time.Duration

	byStateTopic map[string]Channel

	mu        sync.Mutex
	slots     map[string]*negotiatedSlot
	observers []func(Change)

	now func() time.Time
}

// NewNegotiator wires a negotiator to its manager. A zero requestTimeout
// disables CheckTimeouts.
func NewNegotiator(pub Publisher, mgr SlotManager, requestTimeout time.Duration, channels ...Channel) *Negotiator {
	n := &Negotiator{
		pub:          pub,
		mgr:          mgr,
		timeout:      requestTimeout,
		byStateTopic: make(map[string]Channel, len(channels)),
		slots:        make(map[string]*negotiatedSlot),
		now:          time.Now,
	}
	for _, ch := range channels {
		n.byStateTopic[ch.StateTopic()] = ch
		for _, slot := range ch.Slots() {
			n.slots[slot] = &negotiatedSlot{
				channel:   ch,
				state:     SlotState{Phase: PhaseStopped, Since: n.now()},
				confirmed: SlotState{Phase: PhaseStopped, Since: n.now()},
			}
		}
	}
	mgr.Subscribe(n.HandlePipelineEvent)
	return n
}

// Subscriptions returns the topics and qos the controller listens on
func (n *Negotiator) Subscriptions() map[string]byte {
	subs := make(map[string]byte, len(n.byStateTopic))
	for topic := range n.byStateTopic {
		subs[topic] = StateQoS
	}
	return subs
}

// OnChange registers an observer for slot state changes
func (n *Negotiator) OnChange(fn func(Change)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.observers = append(n.observers, fn)
}

// RequestStart asks the producer to stream p on slot. Local state becomes
// Requested until the producer's state message arrives.
func (n *Negotiator) RequestStart(slot string, p profile.Profile) error {
	return n.request(slot, p)
}

// RequestStop asks the producer to stop slot
func (n *Negotiator) RequestStop(slot string) error {
	return n.request(slot, nil)
}

func (n *Negotiator) request(slot string, p profile.Profile) error {
	n.mu.Lock()
	s, ok := n.slots[slot]
	n.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSlot, slot)
	}

	if p == nil {
		p = nullProfile(s.channel)
	}
	payload, err := s.channel.Encode(slot, p)
	if err != nil {
		return err
	}

	if err := n.pub.Publish(s.channel.RequestTopic(), RequestQoS, payload); err != nil {
		slog.Error("negotiate: failed to send request",
			"slot", slot,
			"profile", p.Label(),
			"error", err,
		)
		return fmt.Errorf("negotiate: request %s: %w", slot, err)
	}

	slog.Info("negotiate: request sent", "slot", slot, "profile", p.Label())
	n.set(slot, SlotState{Phase: PhaseRequested, Profile: p}, false)
	return nil
}

// HandleMessage consumes a broker message if it is on one of the state
// topics. It reports whether the topic belongs to the negotiator and
// returns the decode error for malformed payloads.
func (n *Negotiator) HandleMessage(topic string, payload []byte) (bool, error) {
	ch, ok := n.byStateTopic[topic]
	if !ok {
		return false, nil
	}
	return true, n.HandleState(ch, payload)
}

// HandleState applies an authoritative state message. The manager tears
// any current pipeline down before starting the announced profile; the
// resulting pipeline event moves the slot to Active, Stopped or Failed.
func (n *Negotiator) HandleState(ch Channel, payload []byte) error {
	slot, p, err := ch.Decode(payload)
	if err != nil {
		slog.Debug("negotiate: dropping malformed state message",
			"topic", ch.StateTopic(),
			"size", len(payload),
			"error", err,
		)
		return err
	}

	slog.Debug("negotiate: state received", "slot", slot, "profile", p.Label())

	if _, err := n.mgr.Apply(slot, p); err != nil {
		slog.Warn("negotiate: apply failed", "slot", slot, "error", err)
	}
	return nil
}

// HandlePipelineEvent maps a slot event from the manager onto the
// negotiated state.
func (n *Negotiator) HandlePipelineEvent(ev pipeline.Event) {
	var next SlotState
	switch ev.Kind {
	case pipeline.EventPlaying:
		next = SlotState{Phase: PhaseActive, Profile: ev.Profile}
	case pipeline.EventStopped:
		next = SlotState{Phase: PhaseStopped}
	case pipeline.EventError:
		next = SlotState{Phase: PhaseFailed, Profile: ev.Profile, Reason: ev.Message}
	default:
		return
	}
	n.set(ev.Slot, next, true)
}

// CheckTimeouts reverts slots stuck in Requested for longer than the
// request timeout to their last confirmed state. It returns the reverted
// slot ids.
func (n *Negotiator) CheckTimeouts(now time.Time) []string {
	if n.timeout <= 0 {
		return nil
	}

	n.mu.Lock()
	var expired []string
	for id, s := range n.slots {
		if s.state.Phase == PhaseRequested && now.Sub(s.state.Since) > n.timeout {
			expired = append(expired, id)
		}
	}
	n.mu.Unlock()

	sort.Strings(expired)
	for _, id := range expired {
		n.mu.Lock()
		s := n.slots[id]
		requested := s.state.Profile
		revert := s.confirmed
		n.mu.Unlock()

		slog.Warn("negotiate: request timed out, reverting",
			"slot", id,
			"requested", requested.Label(),
			"reverted_to", revert.Phase.String(),
			"timeout", n.timeout,
		)
		n.set(id, revert, true)
	}
	return expired
}

// State returns the negotiated state of slot
func (n *Negotiator) State(slot string) (SlotState, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	s, ok := n.slots[slot]
	if !ok {
		return SlotState{}, false
	}
	return s.state, true
}

// set updates a slot and notifies observers when the state changed.
// confirmed marks the state as backed by the producer.
func (n *Negotiator) set(slot string, next SlotState, confirmed bool) {
	n.mu.Lock()
	s, ok := n.slots[slot]
	if !ok {
		n.mu.Unlock()
		return
	}

	changed := s.state.Phase != next.Phase || s.state.Profile != next.Profile || s.state.Reason != next.Reason
	if changed || next.Phase == PhaseRequested {
		next.Since = n.now()
	} else {
		next.Since = s.state.Since
	}
	s.state = next
	if confirmed {
		s.confirmed = next
	}
	observers := make([]func(Change), len(n.observers))
	copy(observers, n.observers)
	n.mu.Unlock()

	if !changed {
		return
	}

	slog.Info("negotiate: slot state changed",
		"slot", slot,
		"phase", next.Phase.String(),
		"profile", labelOf(next.Profile),
		"reason", next.Reason,
	)
	for _, fn := range observers {
		fn(Change{Slot: slot, SlotState: next})
	}
}

func labelOf(p profile.Profile) string {
	if p == nil {
		return ""
	}
	return p.Label()
}
