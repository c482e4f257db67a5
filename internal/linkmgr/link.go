// Package linkmgr implements the multi-link scheduler that bonds several
// UDP sockets into the single transport WireGuard's device.Device drives.
package linkmgr

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/vtrunkd/vtrunkd/internal/vtlog"
)

// sendErrorWarnWindow throttles repeated "still failing" warnings for a
// link stuck sending errors, so a sustained outage logs once on entry and
// then at most once per window rather than once per packet.
const sendErrorWarnWindow = 10 * time.Second

// Link is one UDP socket with a bind address, optional configured remote
// endpoint, weight, and liveness state. Its liveness fields are written
// from three independent goroutines (the per-link receive loop via
// classify, the health-check ticker, and the scheduler's send path), so
// every access goes through mu.
type Link struct {
	Name   string
	Weight uint32

	conn *net.UDPConn

	// configuredEndpoint is set once at construction and never mutated
	// afterward, so it is safe to read without mu.
	configuredEndpoint *net.UDPAddr

	mu sync.Mutex
	// remote is the effective destination: configuredEndpoint when set,
	// otherwise learned from the source address of the most recent
	// inbound datagram.
	remote       *net.UDPAddr
	lastRx       *time.Time
	lastPingSent *time.Time
	lastRTT      *time.Duration
	downSince    *time.Time
	seq          uint64 // most recent outstanding ping sequence

	warn *vtlog.Throttle
	log  *vtlog.Logger
}

// newLink constructs a Link bound per the address-family mirroring rule:
// an absent bind host defaults to 0.0.0.0 for an IPv4 endpoint and :: for
// an IPv6 endpoint, because a default IPv4 bind cannot reach an IPv6
// endpoint.
func newLink(name, bindAddr string, endpoint *net.UDPAddr, weight uint32, warn *vtlog.Throttle, log *vtlog.Logger) (*Link, error) {
	resolvedBind, err := resolveBind(bindAddr, endpoint)
	if err != nil {
		return nil, fmt.Errorf("link %s: %w", name, err)
	}
	conn, err := net.ListenUDP("udp", resolvedBind)
	if err != nil {
		return nil, fmt.Errorf("link %s: bind %s: %w", name, resolvedBind, err)
	}
	return &Link{
		Name:               name,
		Weight:             weight,
		conn:               conn,
		configuredEndpoint: endpoint,
		remote:             endpoint,
		warn:               warn,
		log:                log.With(name),
	}, nil
}

// resolveBind implements the mandatory endpoint-family mirroring default.
func resolveBind(bindAddr string, endpoint *net.UDPAddr) (*net.UDPAddr, error) {
	if bindAddr != "" {
		addr, err := net.ResolveUDPAddr("udp", bindAddr)
		if err != nil {
			return nil, fmt.Errorf("invalid bind address %q: %w", bindAddr, err)
		}
		return addr, nil
	}
	if endpoint != nil && endpoint.IP.To4() == nil {
		return &net.UDPAddr{IP: net.IPv6unspecified, Port: 0}, nil
	}
	return &net.UDPAddr{IP: net.IPv4zero, Port: 0}, nil
}

// Available implements the tri-state liveness rule of the data model: a
// link is available if it has recently received a datagram, or has never
// sent a ping (grace), or its most recent ping is still within timeout.
// Omitting the last-ping-sent branch would let a never-responding link
// stay "available" forever. A link with no configured or learned
// destination is never available; a non-positive healthTimeout disables
// the liveness rule, leaving any link with a destination available.
func (l *Link) Available(now time.Time, healthTimeout time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.remote == nil {
		return false
	}
	if healthTimeout <= 0 {
		return true
	}
	switch {
	case l.lastRx != nil:
		return now.Sub(*l.lastRx) <= healthTimeout
	case l.lastPingSent == nil:
		return true
	default:
		return now.Sub(*l.lastPingSent) <= healthTimeout
	}
}

// RecentlyActive reports whether a datagram was received within interval
// of now, used by the health ticker to skip pinging a busy link.
func (l *Link) RecentlyActive(now time.Time, interval time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastRx != nil && now.Sub(*l.lastRx) <= interval
}

// InBackoff reports whether a recent send error still has this link
// benched for errorBackoff.
func (l *Link) InBackoff(now time.Time, errorBackoff time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.downSince != nil && now.Sub(*l.downSince) < errorBackoff
}

// Destination returns the address a send to this link should target, and
// whether one is known at all (configured, or learned from traffic).
func (l *Link) Destination() (*net.UDPAddr, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.remote == nil {
		return nil, false
	}
	return l.remote, true
}

// ObserveRx updates last-rx and the learned peer address. If the link has
// no configured endpoint, src becomes the new destination for egress.
func (l *Link) ObserveRx(src *net.UDPAddr, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.configuredEndpoint == nil && !addrEqual(l.remote, src) {
		l.log.Debugf("remote learned %s", src)
		l.remote = src
	}
	l.recordRxLocked(now)
}

// recordRxLocked requires mu to already be held.
func (l *Link) recordRxLocked(now time.Time) {
	l.lastRx = &now
	if l.downSince != nil {
		l.log.Infof("recovered (rx)")
		l.downSince = nil
	}
}

// ObservePingSent records that a ping with the given sequence was just
// sent, for later RTT correlation.
func (l *Link) ObservePingSent(seq uint64, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastPingSent = &now
	l.seq = seq
}

// ObservePong matches an inbound pong sequence against the most recent
// outstanding ping, recording RTT on a match. A pong is proof of liveness
// regardless of sequence match, so last-rx is always refreshed.
func (l *Link) ObservePong(seq uint64, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if seq == l.seq && l.lastPingSent != nil {
		rtt := now.Sub(*l.lastPingSent)
		l.lastRTT = &rtt
	}
	l.recordRxLocked(now)
}

// RecordSendOK clears any error-backoff state.
func (l *Link) RecordSendOK() {
	l.mu.Lock()
	wasDown := l.downSince != nil
	l.downSince = nil
	l.mu.Unlock()
	if wasDown {
		l.log.Infof("recovered (send ok)")
	}
}

// RecordSendError places the link into error-backoff. The first
// transition logs immediately; while the link stays down, further
// warnings are throttled so a sustained outage doesn't flood the log.
func (l *Link) RecordSendError(now time.Time, err error) {
	l.mu.Lock()
	wasDown := l.downSince != nil
	l.downSince = &now
	l.mu.Unlock()

	// Allow is consulted on every error, including the first, so that the
	// entry log also starts the throttle window.
	allowed := l.warn.Allow(l.Name, now)
	if !wasDown || allowed {
		l.log.Warnf("send error, entering backoff: %v", err)
	}
}

// Send writes bytes to dst on this link's socket. Errors are non-fatal:
// the caller is expected to call RecordSendError and move on.
func (l *Link) Send(b []byte, dst *net.UDPAddr) error {
	_, err := l.conn.WriteToUDP(b, dst)
	return err
}

// Recv blocks for one inbound datagram. Deadlines are managed by the
// caller via SetReadDeadline if cancellation is required.
func (l *Link) Recv(buf []byte) (int, *net.UDPAddr, error) {
	return l.conn.ReadFromUDP(buf)
}

// Close releases the link's socket.
func (l *Link) Close() error {
	return l.conn.Close()
}

// LocalAddr exposes the bound address, mainly for logging and tests.
func (l *Link) LocalAddr() *net.UDPAddr {
	return l.conn.LocalAddr().(*net.UDPAddr)
}

func addrEqual(a, b *net.UDPAddr) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.IP.Equal(b.IP) && a.Port == b.Port
}
