package linkmgr

import (
	"testing"
	"time"
)

// TestHealthMonitorPingsIdleLinkThenMarksItDown checks that a link which is
// configured but never receives data goes unavailable once the health
// timeout has elapsed since the first ping.
func TestHealthMonitorPingsIdleLinkThenMarksItDown(t *testing.T) {
	peer := newCaptureSocket(t)
	m := newManagerForTest(t, []LinkSpec{
		{Name: "a", Endpoint: peer.addr(), Weight: 1},
	}, ModeAggregate)

	hm := NewHealthMonitor(m, 50*time.Millisecond)
	hm.tick()

	reply := peer.recvOrFail(t)
	if _, _, ok := parseControlPacket(reply); !ok {
		t.Fatalf("expected a ping control packet, got %v", reply)
	}

	link := m.Links()[0]
	future := time.Now().Add(time.Second)
	if link.Available(future, 100*time.Millisecond) {
		t.Error("link with no rx and a stale ping should be unavailable after timeout")
	}
}

func TestHealthMonitorSkipsLinkWithoutDestination(t *testing.T) {
	m := newManagerForTest(t, []LinkSpec{{Name: "a", Weight: 1}}, ModeAggregate)
	hm := NewHealthMonitor(m, 50*time.Millisecond)
	hm.tick() // must not panic or block despite no destination
}
