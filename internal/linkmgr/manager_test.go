package linkmgr

import (
	"net"
	"testing"
	"time"
)

// captureSocket is a bare UDP listener standing in for "the peer", used to
// observe which link a scheduled send actually went out on.
type captureSocket struct {
	conn *net.UDPConn
}

func newCaptureSocket(t *testing.T) *captureSocket {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &captureSocket{conn: conn}
}

func (c *captureSocket) addr() string { return c.conn.LocalAddr().String() }

func (c *captureSocket) recvOrFail(t *testing.T) []byte {
	t.Helper()
	buf := make([]byte, 64)
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := c.conn.Read(buf)
	if err != nil {
		t.Fatalf("expected a datagram, got error: %v", err)
	}
	return buf[:n]
}

func newManagerForTest(t *testing.T, specs []LinkSpec, mode Mode) *Manager {
	t.Helper()
	m, err := NewManager(specs, mode, time.Second, 0, testLogger())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

// TestWeightedStripingFollowsConfiguredRatio checks that with A weighted 2
// and B weighted 1, 6 packets stripe across them as A,A,B,A,A,B.
func TestWeightedStripingFollowsConfiguredRatio(t *testing.T) {
	a := newCaptureSocket(t)
	b := newCaptureSocket(t)

	m := newManagerForTest(t, []LinkSpec{
		{Name: "a", Endpoint: a.addr(), Weight: 2},
		{Name: "b", Endpoint: b.addr(), Weight: 1},
	}, ModeAggregate)

	want := []string{"a", "a", "b", "a", "a", "b"}
	for i, expect := range want {
		packet := []byte{wgMsgTransportData, byte(i)}
		if err := m.Scheduled(packet); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
		switch expect {
		case "a":
			a.recvOrFail(t)
		case "b":
			b.recvOrFail(t)
		}
	}
}

// TestFailoverSwitchesOnUnavailability checks that with A (weight 2) and
// B (weight 1) both available, packet 1 goes to A; once A is marked
// unavailable, packet 2 goes to B; once A recovers, packet 3 goes to A
// again.
func TestFailoverSwitchesOnUnavailability(t *testing.T) {
	a := newCaptureSocket(t)
	b := newCaptureSocket(t)

	m := newManagerForTest(t, []LinkSpec{
		{Name: "a", Endpoint: a.addr(), Weight: 2},
		{Name: "b", Endpoint: b.addr(), Weight: 1},
	}, ModeFailover)

	if err := m.Scheduled([]byte{wgMsgTransportData, 1}); err != nil {
		t.Fatal(err)
	}
	a.recvOrFail(t)

	linkA := m.Links()[0]
	down := time.Now()
	linkA.downSince = &down
	m.errorBackoff = time.Hour // force A out of the usability check

	if err := m.Scheduled([]byte{wgMsgTransportData, 2}); err != nil {
		t.Fatal(err)
	}
	b.recvOrFail(t)

	m.errorBackoff = time.Second
	linkA.downSince = nil

	if err := m.Scheduled([]byte{wgMsgTransportData, 3}); err != nil {
		t.Fatal(err)
	}
	a.recvOrFail(t)
}

// TestRedundantBroadcastsToEveryAvailableLink covers the redundant mode
// contract: every outbound datagram reaches every available link.
func TestRedundantBroadcastsToEveryAvailableLink(t *testing.T) {
	a := newCaptureSocket(t)
	b := newCaptureSocket(t)

	m := newManagerForTest(t, []LinkSpec{
		{Name: "a", Endpoint: a.addr(), Weight: 1},
		{Name: "b", Endpoint: b.addr(), Weight: 1},
	}, ModeRedundant)

	if err := m.Scheduled([]byte{wgMsgTransportData, 9}); err != nil {
		t.Fatal(err)
	}
	a.recvOrFail(t)
	b.recvOrFail(t)
}

func TestHandshakeAndKeepaliveStillGoThroughScheduler(t *testing.T) {
	a := newCaptureSocket(t)
	m := newManagerForTest(t, []LinkSpec{
		{Name: "a", Endpoint: a.addr(), Weight: 1},
	}, ModeAggregate)

	if err := m.Scheduled([]byte{wgMsgHandshakeInit, 0, 0, 0}); err != nil {
		t.Fatal(err)
	}
	a.recvOrFail(t)
}
