package linkmgr

import (
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"golang.zx2c4.com/wireguard/conn"

	"github.com/vtrunkd/vtrunkd/internal/config"
	"github.com/vtrunkd/vtrunkd/internal/vtlog"
)

// Mode is the bonding policy, decoupled from config.BondingMode so this
// package does not import config's YAML tags into its own vocabulary.
type Mode int

const (
	ModeAggregate Mode = iota
	ModeRedundant
	ModeFailover
)

// LinkSpec is the resolved (pre-bind) configuration for one link.
type LinkSpec struct {
	Name     string
	Bind     string
	Endpoint string // host:port, may be empty
	Weight   uint32
}

// Manager owns the link table and the scheduler. It also implements
// golang.zx2c4.com/wireguard/conn.Bind, which is how device.Device's
// encryption routine is made to drive this scheduler on every outbound
// packet and how inbound datagrams reach the packet classifier.
type Manager struct {
	mode          Mode
	errorBackoff  time.Duration
	healthTimeout time.Duration // zero disables health-driven unavailability

	mu    sync.Mutex // guards the fields below; see concurrency notes in SPEC_FULL.md §5
	links []*Link

	// scheduler cursor state for aggregate mode: a weighted round-robin
	// computed on the fly, without physically materializing the expanded
	// per-link sequence.
	nextIndex       int
	remainingWeight uint32

	log *vtlog.Logger
}

// NewManager resolves each LinkSpec's endpoint, binds its socket per the
// address-family mirroring rule, and returns a Manager ready to be handed
// to device.NewDevice as a conn.Bind.
func NewManager(specs []LinkSpec, mode Mode, errorBackoff, healthTimeout time.Duration, log *vtlog.Logger) (*Manager, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("link manager requires at least one link")
	}

	m := &Manager{
		mode:          mode,
		errorBackoff:  errorBackoff,
		healthTimeout: healthTimeout,
		log:           log,
	}

	warn := vtlog.NewThrottle(sendErrorWarnWindow)
	for _, spec := range specs {
		var endpoint *net.UDPAddr
		if spec.Endpoint != "" {
			addr, err := net.ResolveUDPAddr("udp", spec.Endpoint)
			if err != nil {
				m.closeAll()
				return nil, fmt.Errorf("link %s: resolve endpoint %q: %w", spec.Name, spec.Endpoint, err)
			}
			endpoint = addr
		}
		link, err := newLink(spec.Name, spec.Bind, endpoint, spec.Weight, warn, log)
		if err != nil {
			m.closeAll()
			return nil, err
		}
		m.links = append(m.links, link)
	}

	return m, nil
}

// ModeFromConfig translates the config package's BondingMode into this
// package's Mode, keeping the YAML vocabulary out of the scheduler.
func ModeFromConfig(c config.BondingMode) Mode {
	switch c {
	case config.Redundant:
		return ModeRedundant
	case config.Failover:
		return ModeFailover
	default:
		return ModeAggregate
	}
}

func (m *Manager) closeAll() {
	for _, l := range m.links {
		_ = l.Close()
	}
}

// HasEndpoints reports whether any link has a configured or learned
// destination.
func (m *Manager) HasEndpoints() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.links {
		if _, ok := l.Destination(); ok {
			return true
		}
	}
	return false
}

// Links exposes the link table for the health monitor.
func (m *Manager) Links() []*Link {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Link, len(m.links))
	copy(out, m.links)
	return out
}

// ---- Scheduled, broadcast and targeted send ----

// Scheduled runs the active bonding policy and sends packet on the chosen
// link(s). Used for WireGuard data and protocol-emitted bytes alike.
func (m *Manager) Scheduled(packet []byte) error {
	switch m.mode {
	case ModeRedundant:
		return m.Broadcast(packet)
	case ModeFailover:
		return m.sendFailover(packet)
	default:
		return m.sendAggregate(packet)
	}
}

// Broadcast sends packet on every link, available or not — pings must
// reach down links too, so they can recover.
func (m *Manager) Broadcast(packet []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	sent := 0
	for _, l := range m.links {
		if m.sendToLinkLocked(l, packet, now) {
			sent++
		}
	}
	if sent == 0 {
		m.log.Warnf("broadcast: no link accepted the send")
	}
	return nil
}

// Targeted sends packet on exactly one named link, addressed to dst — used
// for pong replies, which must answer on the link the ping arrived on.
func (m *Manager) Targeted(link *Link, packet []byte, dst *net.UDPAddr) error {
	now := time.Now()
	if err := link.Send(packet, dst); err != nil {
		link.RecordSendError(now, err)
		return err
	}
	link.RecordSendOK()
	return nil
}

func (m *Manager) sendAggregate(packet []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()

	n := len(m.links)
	for attempts := 0; attempts < n; attempts++ {
		idx, ok := m.nextWeightedIndexLocked(now)
		if !ok {
			break
		}
		if m.sendToLinkLocked(m.links[idx], packet, now) {
			return nil
		}
	}

	if !m.sendAnyLocked(packet, now) {
		m.log.Warnf("aggregate: no link available for send")
	}
	return nil
}

func (m *Manager) sendFailover(packet []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()

	if idx, ok := m.bestFailoverIndexLocked(now); ok {
		if m.sendToLinkLocked(m.links[idx], packet, now) {
			return nil
		}
	}
	if !m.sendAnyLocked(packet, now) {
		m.log.Warnf("failover: no link available for send")
	}
	return nil
}

// nextWeightedIndexLocked implements weighted round-robin: conceptually,
// each link appears `weight` times in a sequence and the cursor advances
// over it modulo its length, skipping unavailable links. This computes the
// same result on the fly rather than materializing the sequence.
func (m *Manager) nextWeightedIndexLocked(now time.Time) (int, bool) {
	n := len(m.links)
	if n == 0 {
		return 0, false
	}

	for attempts := 0; attempts < n; attempts++ {
		idx := m.nextIndex % n
		l := m.links[idx]
		if l.Weight == 0 || !m.usableLocked(l, now) {
			m.advanceCursorLocked(n)
			continue
		}

		if m.remainingWeight == 0 {
			m.remainingWeight = l.Weight
		}
		m.remainingWeight--
		if m.remainingWeight == 0 {
			m.advanceCursorLocked(n)
		}
		return idx, true
	}
	return 0, false
}

func (m *Manager) bestFailoverIndexLocked(now time.Time) (int, bool) {
	best := -1
	var bestWeight uint32
	for i, l := range m.links {
		if !m.usableLocked(l, now) {
			continue
		}
		if best == -1 || l.Weight > bestWeight {
			best = i
			bestWeight = l.Weight
		}
	}
	if best == -1 {
		return 0, false
	}
	return best, true
}

func (m *Manager) advanceCursorLocked(n int) {
	m.nextIndex = (m.nextIndex + 1) % n
	m.remainingWeight = 0
}

// usableLocked combines the tri-state availability rule with the
// error-backoff window: a link in backoff is skipped by the scheduler even
// if it would otherwise be "available" by the health rule.
func (m *Manager) usableLocked(l *Link, now time.Time) bool {
	if _, ok := l.Destination(); !ok {
		return false
	}
	if l.InBackoff(now, m.errorBackoff) {
		return false
	}
	return l.Available(now, m.healthTimeout)
}

func (m *Manager) sendAnyLocked(packet []byte, now time.Time) bool {
	for _, l := range m.links {
		if m.sendToLinkLocked(l, packet, now) {
			return true
		}
	}
	return false
}

func (m *Manager) sendToLinkLocked(l *Link, packet []byte, now time.Time) bool {
	dst, ok := l.Destination()
	if !ok {
		return false
	}
	if err := l.Send(packet, dst); err != nil {
		l.RecordSendError(now, err)
		return false
	}
	l.RecordSendOK()
	return true
}

// ---- conn.Bind realization ----

// bondEndpoint is a sentinel conn.Endpoint: vtrunkd bonds N sockets behind
// one logical WireGuard peer, so there is exactly one Endpoint value ever
// handed to device.Device, and all real link selection happens inside
// Send by consulting the Manager's own link table — the destination
// embedded in this value is never used for addressing.
type bondEndpoint struct{}

func (bondEndpoint) ClearSrc()           {}
func (bondEndpoint) SrcToString() string { return "bond" }
func (bondEndpoint) DstToString() string { return "bond" }
func (bondEndpoint) DstToBytes() []byte  { return []byte("vtrunkd-bond") }
func (bondEndpoint) DstIP() netip.Addr   { return netip.Addr{} }
func (bondEndpoint) SrcIP() netip.Addr   { return netip.Addr{} }

var _ conn.Bind = (*Manager)(nil)

// Open starts one receive loop per link. Each returned ReceiveFunc reads
// from exactly one link's socket and only returns once it has a WireGuard
// protocol datagram to hand to device.Device — control datagrams are
// absorbed internally by the classifier and never surface here.
func (m *Manager) Open(uint16) ([]conn.ReceiveFunc, uint16, error) {
	m.mu.Lock()
	links := make([]*Link, len(m.links))
	copy(links, m.links)
	m.mu.Unlock()

	fns := make([]conn.ReceiveFunc, 0, len(links))
	for _, l := range links {
		l := l
		fns = append(fns, func(packets [][]byte, sizes []int, eps []conn.Endpoint) (int, error) {
			buf := make([]byte, 65535)
			for {
				n, src, err := l.Recv(buf)
				if err != nil {
					return 0, err
				}
				now := time.Now()
				if m.classify(l, buf[:n], src, now) == classifyWireGuard {
					copy(packets[0], buf[:n])
					sizes[0] = n
					eps[0] = bondEndpoint{}
					return 1, nil
				}
			}
		})
	}

	actualPort := uint16(0)
	if len(links) > 0 {
		actualPort = uint16(links[0].LocalAddr().Port)
	}
	return fns, actualPort, nil
}

// Close tears down every link's socket.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for _, l := range m.links {
		if err := l.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// SetMark is a no-op: SO_MARK has no single-socket meaning across a bond
// of independently-routed links, and nothing in this daemon's deployment
// model relies on it.
func (m *Manager) SetMark(uint32) error { return nil }

// Send runs the scheduler for one outbound WireGuard datagram per buf in
// bufs. The destination Endpoint is ignored — see
// bondEndpoint — because addressing is the scheduler's job, not the
// caller's.
func (m *Manager) Send(bufs [][]byte, _ conn.Endpoint) error {
	for _, b := range bufs {
		if err := m.Scheduled(b); err != nil {
			return err
		}
	}
	return nil
}

// ParseEndpoint always returns the bond sentinel: vtrunkd has exactly one
// logical peer regardless of how many links carry its traffic.
func (m *Manager) ParseEndpoint(string) (conn.Endpoint, error) {
	return bondEndpoint{}, nil
}

// BatchSize is 1: each link's ReceiveFunc performs one blocking read at a
// time, and Send iterates bufs itself rather than relying on OS-level
// batched sendmmsg (links may be bound to different interfaces/families).
func (m *Manager) BatchSize() int { return 1 }
