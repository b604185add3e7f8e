package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/e7canasta/rover-media/internal/profile"
)

// ErrUnknownSlot is returned for a slot id the manager was not built with
var ErrUnknownSlot = errors.New("pipeline: unknown slot")

const defaultNoticeBuffer = 64

// State is the lifecycle state of a slot
type State int

const (
	StateIdle State = iota
	StateStarting
	StateStreaming
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateStreaming:
		return "streaming"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// EventKind is the outcome a slot reports to its observers
type EventKind int

const (
	EventPlaying EventKind = iota
	EventStopped
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventPlaying:
		return "playing"
	case EventStopped:
		return "stopped"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is emitted after every Apply and after a fatal engine report
type Event struct {
	Slot     string
	Kind     EventKind
	State    State
	Profile  profile.Profile // the applied profile (Playing) or the requested one
	Message  string          // EventError only
	Category string          // set when a running pipeline failed, empty for start failures
	At       time.Time
}

// Describer builds the launch description for a profile on a slot port.
type Describer func(p profile.Profile, port int) (string, error)

// SlotConfig declares one stream slot
type SlotConfig struct {
	ID       string
	Port     int
	Describe Describer
}

// SlotInfo is a snapshot of a slot
type SlotInfo struct {
	ID        string
	Port      int
	State     State
	Profile   profile.Profile
	Live      bool
	LastError string
	Since     time.Time
}

// Notice is an engine event tagged with the slot and pipeline generation
// that produced it. Notices from a torn-down generation are discarded.
type Notice struct {
	Slot       string
	Generation uint64
	Event      EngineEvent
}

// Observer receives slot events on the goroutine that caused them
type Observer func(Event)

type activePipeline struct {
	handle     Handle
	generation uint64
	profile    profile.Profile
	startedAt  time.Time
}

type slot struct {
	mu sync.Mutex

	id       string
	port     int
	describe Describer

	state      State
	profile    profile.Profile
	active     *activePipeline
	generation uint64
	lastError  string
	since      time.Time
}

// Manager drives every slot's state machine.
type Manager struct {
	engine  Engine
	slots   map[string]*slot
	notices chan Notice

	obsMu     sync.RWMutex
	observers []Observer

	// fatal notices that found the queue full, latest per slot
	latchMu sync.Mutex
	latched map[string]Notice

	now func() time.Time
}

// NewManager creates a manager for the given slots. Slot ids must be unique.
func NewManager(engine Engine, slots []SlotConfig) (*Manager, error) {
	m := &Manager{
		engine:  engine,
		slots:   make(map[string]*slot, len(slots)),
		notices: make(chan Notice, defaultNoticeBuffer),
		latched: make(map[string]Notice),
		now:     time.Now,
	}

	for _, sc := range slots {
		if sc.ID == "" {
			return nil, fmt.Errorf("pipeline: empty slot id")
		}
		if sc.Describe == nil {
			return nil, fmt.Errorf("pipeline: slot %s has no describer", sc.ID)
		}
		if _, dup := m.slots[sc.ID]; dup {
			return nil, fmt.Errorf("pipeline: duplicate slot %s", sc.ID)
		}
		m.slots[sc.ID] = &slot{
			id:       sc.ID,
			port:     sc.Port,
			describe: sc.Describe,
			state:    StateIdle,
			since:    m.now(),
		}
	}
	return m, nil
}

// Subscribe adds an observer for slot events
func (m *Manager) Subscribe(fn Observer) {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	m.observers = append(m.observers, fn)
}

// Events returns tagged engine notices. The control loop feeds each one
// back through HandleEngineEvent.
func (m *Manager) Events() <-chan Notice {
	return m.notices
}

// Apply makes p the slot's profile. Any current pipeline is torn down
// first, even when p equals the running profile.
//
// An unusable profile leaves the slot Idle. A profile whose codec cannot
// be described also leaves it Idle and the ErrUnknownCodec is returned
// wrapped. Launch or play failures put the slot in Error.
func (m *Manager) Apply(slotID string, p profile.Profile) (Event, error) {
	s, ok := m.slots[slotID]
	if !ok {
		return Event{}, fmt.Errorf("%w: %s", ErrUnknownSlot, slotID)
	}

	ev, err := m.apply(s, p)
	m.notify(ev)
	return ev, err
}

func (m *Manager) apply(s *slot, p profile.Profile) (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m.teardown(s)

	if !profile.IsUsable(p) {
		m.transition(s, StateIdle, nil, "")
		return m.event(s, EventStopped, p, ""), nil
	}

	desc, err := s.describe(p, s.port)
	if err != nil {
		if errors.Is(err, profile.ErrUnknownCodec) {
			slog.Warn("pipeline: cannot stream profile, staying idle",
				"slot", s.id,
				"profile", p.Label(),
				"error", err,
			)
			m.transition(s, StateIdle, nil, "")
			return m.event(s, EventStopped, p, ""), fmt.Errorf("pipeline: slot %s: %w", s.id, err)
		}
		return m.fail(s, p, fmt.Errorf("describe: %w", err))
	}

	m.transition(s, StateStarting, p, "")
	s.generation++
	gen := s.generation

	slog.Debug("pipeline: launching", "slot", s.id, "generation", gen, "description", desc)

	h, err := m.engine.Launch(desc)
	if err != nil {
		return m.fail(s, p, fmt.Errorf("launch: %w", err))
	}

	slotID := s.id
	h.Watch(func(e EngineEvent) {
		m.enqueue(Notice{Slot: slotID, Generation: gen, Event: e})
	})

	if err := h.Play(); err != nil {
		h.Detach()
		if cerr := h.Close(); cerr != nil {
			slog.Warn("pipeline: close after failed play", "slot", s.id, "error", cerr)
		}
		return m.fail(s, p, fmt.Errorf("play: %w", err))
	}

	s.active = &activePipeline{handle: h, generation: gen, profile: p, startedAt: m.now()}
	m.transition(s, StateStreaming, p, "")

	slog.Info("pipeline: streaming",
		"slot", s.id,
		"profile", p.Label(),
		"port", s.port,
		"generation", gen,
	)
	return m.event(s, EventPlaying, p, ""), nil
}

// HandleEngineEvent applies an engine notice. Notices for a generation that
// is no longer live are dropped. A fatal notice tears the pipeline down and
// leaves the slot in Error.
//
// Fatal notices latched while the queue was full are applied first.
func (m *Manager) HandleEngineEvent(n Notice) {
	for _, l := range m.takeLatched() {
		m.handleNotice(l)
	}
	m.handleNotice(n)
}

func (m *Manager) handleNotice(n Notice) {
	s, ok := m.slots[n.Slot]
	if !ok {
		return
	}

	ev, fatal := m.handleEngineEvent(s, n)
	if fatal {
		m.notify(ev)
	}
}

func (m *Manager) takeLatched() []Notice {
	m.latchMu.Lock()
	defer m.latchMu.Unlock()
	if len(m.latched) == 0 {
		return nil
	}
	out := make([]Notice, 0, len(m.latched))
	for id, n := range m.latched {
		out = append(out, n)
		delete(m.latched, id)
	}
	return out
}

func (m *Manager) handleEngineEvent(s *slot, n Notice) (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active == nil || s.active.generation != n.Generation {
		slog.Debug("pipeline: dropping stale engine event",
			"slot", s.id,
			"generation", n.Generation,
			"kind", n.Event.Kind.String(),
		)
		return Event{}, false
	}

	switch {
	case n.Event.Kind.Fatal():
		p := s.active.profile
		uptime := m.now().Sub(s.active.startedAt)
		msg := n.Event.Message
		if msg == "" {
			msg = n.Event.Kind.String()
		}

		slog.Error("pipeline: engine failure",
			"slot", s.id,
			"kind", n.Event.Kind.String(),
			"category", n.Event.Category,
			"error", msg,
			"uptime", uptime,
		)

		category := n.Event.Category
		if category == "" {
			category = n.Event.Kind.String()
		}

		m.teardown(s)
		m.transition(s, StateError, p, msg)
		ev := m.event(s, EventError, p, msg)
		ev.Category = category
		return ev, true

	case n.Event.Kind == EngineWarning:
		slog.Warn("pipeline: engine warning", "slot", s.id, "warning", n.Event.Message)

	case n.Event.Kind == EngineStateChanged:
		slog.Debug("pipeline: engine state changed", "slot", s.id, "from", n.Event.From, "to", n.Event.To)
	}
	return Event{}, false
}

// Shutdown tears down every slot and leaves them Idle.
func (m *Manager) Shutdown() {
	for _, id := range m.slotIDs() {
		s := m.slots[id]
		s.mu.Lock()
		m.teardown(s)
		m.transition(s, StateIdle, nil, "")
		s.mu.Unlock()
	}
	slog.Info("pipeline: all slots shut down")
}

// Slot returns a snapshot of one slot
func (m *Manager) Slot(id string) (SlotInfo, bool) {
	s, ok := m.slots[id]
	if !ok {
		return SlotInfo{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info(), true
}

// Slots returns snapshots of every slot ordered by id
func (m *Manager) Slots() []SlotInfo {
	ids := m.slotIDs()
	out := make([]SlotInfo, 0, len(ids))
	for _, id := range ids {
		info, _ := m.Slot(id)
		out = append(out, info)
	}
	return out
}

// LivePipelines counts slots currently holding an engine handle
func (m *Manager) LivePipelines() int {
	n := 0
	for _, s := range m.slots {
		s.mu.Lock()
		if s.active != nil {
			n++
		}
		s.mu.Unlock()
	}
	return n
}

func (m *Manager) slotIDs() []string {
	ids := make([]string, 0, len(m.slots))
	for id := range m.slots {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// teardown releases the live handle, if any. Caller holds s.mu.
func (m *Manager) teardown(s *slot) {
	if s.active == nil {
		return
	}
	a := s.active
	s.active = nil

	a.handle.Detach()
	if err := a.handle.Close(); err != nil {
		slog.Warn("pipeline: close failed", "slot", s.id, "generation", a.generation, "error", err)
	}
	slog.Debug("pipeline: torn down", "slot", s.id, "generation", a.generation)
}

func (m *Manager) fail(s *slot, p profile.Profile, err error) (Event, error) {
	slog.Error("pipeline: start failed", "slot", s.id, "profile", p.Label(), "error", err)
	m.transition(s, StateError, p, err.Error())
	return m.event(s, EventError, p, err.Error()), fmt.Errorf("pipeline: slot %s: %w", s.id, err)
}

func (m *Manager) transition(s *slot, to State, p profile.Profile, lastError string) {
	if s.state != to {
		slog.Debug("pipeline: slot transition", "slot", s.id, "from", s.state.String(), "to", to.String())
		s.since = m.now()
	}
	s.state = to
	s.profile = p
	if lastError != "" {
		s.lastError = lastError
	}
}

func (m *Manager) event(s *slot, kind EventKind, p profile.Profile, msg string) Event {
	return Event{Slot: s.id, Kind: kind, State: s.state, Profile: p, Message: msg, At: m.now()}
}

func (m *Manager) notify(ev Event) {
	m.obsMu.RLock()
	observers := make([]Observer, len(m.observers))
	copy(observers, m.observers)
	m.obsMu.RUnlock()

	for _, fn := range observers {
		fn(ev)
	}
}

// enqueue never blocks: it runs on engine goroutines that Close waits for.
// A fatal notice that does not fit is latched instead of dropped. The
// queue is full at that point, so the control loop is bound to call
// HandleEngineEvent again and pick it up.
func (m *Manager) enqueue(n Notice) {
	select {
	case m.notices <- n:
		return
	default:
	}

	if n.Event.Kind.Fatal() {
		m.latchMu.Lock()
		m.latched[n.Slot] = n
		m.latchMu.Unlock()
		slog.Warn("pipeline: engine notice queue full, latching fatal event",
			"slot", n.Slot,
			"generation", n.Generation,
			"kind", n.Event.Kind.String(),
		)
		return
	}

	slog.Warn("pipeline: engine notice queue full, dropping",
		"slot", n.Slot,
		"kind", n.Event.Kind.String(),
	)
}

func (s *slot) info() SlotInfo {
	return SlotInfo{
		ID:        s.id,
		Port:      s.port,
		State:     s.state,
		Profile:   s.profile,
		Live:      s.active != nil,
		LastError: s.lastError,
		Since:     s.since,
	}
}
