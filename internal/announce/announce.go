// Package announce publishes this host's unicast address so a remote sender
// can target media at it, and tracks the addresses announced by peers.
package announce

import (
	"errors"
	"log/slog"
	"net"
	"net/netip"

	"github.com/e7canasta/rover-media/internal/broker"
	"github.com/e7canasta/rover-media/internal/wire"
)

// Publisher is the subset of broker.Session the announcer needs
type Publisher interface {
	Publish(topic string, qos byte, payload []byte) error
}

// AddrSource lists local interface addresses. net.InterfaceAddrs by default.
type AddrSource func() ([]net.Addr, error)

// Announcer publishes a BounceMessage on each of its topics per call.
type Announcer struct {
	pub      Publisher
	clientID string
	topics   []string
	addrs    AddrSource
}

// Option configures an Announcer
type Option func(*Announcer)

// WithAddrSource overrides interface enumeration
func WithAddrSource(src AddrSource) Option {
	return func(a *Announcer) { a.addrs = src }
}

// New creates an announcer publishing clientID's address on topics
func New(pub Publisher, clientID string, topics []string, opts ...Option) *Announcer {
	a := &Announcer{
		pub:      pub,
		clientID: clientID,
		topics:   topics,
		addrs:    net.InterfaceAddrs,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Announce publishes the current address once per topic at qos 0 and
// reports how many announcements went out. No usable address or a down
// broker skips the tick.
func (a *Announcer) Announce() int {
	addrs, err := a.addrs()
	if err != nil {
		slog.Debug("announce: interface enumeration failed, skipping tick", "error", err)
		return 0
	}

	addr, ok := SelectAddress(addrs)
	if !ok {
		slog.Debug("announce: no non-loopback IPv4 address, skipping tick")
		return 0
	}

	payload := wire.BounceMessage{ClientID: a.clientID, Address: addr}.Encode()

	sent := 0
	for _, topic := range a.topics {
		if err := a.pub.Publish(topic, 0, payload); err != nil {
			if errors.Is(err, broker.ErrNotConnected) {
				slog.Debug("announce: broker down, skipping tick", "topic", topic)
				return sent
			}
			slog.Warn("announce: publish failed", "topic", topic, "error", err)
			continue
		}
		sent++
	}
	return sent
}

// SelectAddress returns the first non-loopback IPv4 address in addrs.
func SelectAddress(addrs []net.Addr) (netip.Addr, bool) {
	for _, a := range addrs {
		var ip net.IP
		switch v := a.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		default:
			continue
		}

		addr, ok := netip.AddrFromSlice(ip)
		if !ok {
			continue
		}
		addr = addr.Unmap()
		if !addr.Is4() || addr.IsLoopback() || addr.IsUnspecified() {
			continue
		}
		return addr, true
	}
	return netip.Addr{}, false
}
