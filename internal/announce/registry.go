package announce

import (
	"net/netip"
	"sync"
	"time"

	"github.com/e7canasta/rover-media/internal/wire"
)

// Peer is the latest announcement seen from one client on one topic
type Peer struct {
	ClientID string
	Address  netip.Addr
	SeenAt   time.Time
}

// Registry keeps the latest announced address per bounce topic and client
// id. Each topic has its own most recent announcer, which is the receiver
// a producer sends that topic's streams to.
type Registry struct {
	mu     sync.RWMutex
	peers  map[string]map[string]Peer // topic -> client id -> peer
	latest map[string]string          // topic -> client id
	now    func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		peers:  make(map[string]map[string]Peer),
		latest: make(map[string]string),
		now:    time.Now,
	}
}

// Observe records msg seen on topic and reports whether it changed the
// topic's latest receiver address.
func (r *Registry) Observe(topic string, msg wire.BounceMessage) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	before, had := r.latestLocked(topic)

	clients, ok := r.peers[topic]
	if !ok {
		clients = make(map[string]Peer)
		r.peers[topic] = clients
	}
	clients[msg.ClientID] = Peer{ClientID: msg.ClientID, Address: msg.Address, SeenAt: r.now()}
	r.latest[topic] = msg.ClientID

	return !had || before.Address != msg.Address
}

// Latest returns the most recent announcement on topic from any client.
func (r *Registry) Latest(topic string) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.latestLocked(topic)
}

// Forget drops a client from every topic, typically after its will
// message arrives. It returns the topics whose latest receiver changed.
func (r *Registry) Forget(clientID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var changed []string
	for topic, clients := range r.peers {
		if _, ok := clients[clientID]; !ok {
			continue
		}
		delete(clients, clientID)
		if r.latest[topic] != clientID {
			continue
		}

		delete(r.latest, topic)
		var newest time.Time
		for id, p := range clients {
			if p.SeenAt.After(newest) {
				newest, r.latest[topic] = p.SeenAt, id
			}
		}
		changed = append(changed, topic)
	}
	return changed
}

// Len returns the number of distinct known clients
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, clients := range r.peers {
		for id := range clients {
			seen[id] = struct{}{}
		}
	}
	return len(seen)
}

func (r *Registry) latestLocked(topic string) (Peer, bool) {
	id, ok := r.latest[topic]
	if !ok {
		return Peer{}, false
	}
	p, ok := r.peers[topic][id]
	return p, ok
}
