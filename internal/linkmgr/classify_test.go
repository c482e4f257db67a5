package linkmgr

import (
	"net"
	"testing"
	"time"
)

func TestControlPacketRoundTrip(t *testing.T) {
	packet := buildControlPacket(controlPing, 42)
	discriminant, seq, ok := parseControlPacket(packet)
	if !ok {
		t.Fatal("expected control packet to parse")
	}
	if discriminant != controlPing || seq != 42 {
		t.Errorf("got (%v, %v), want (%v, 42)", discriminant, seq, controlPing)
	}
}

func TestParseControlPacketRejectsWrongLength(t *testing.T) {
	if _, _, ok := parseControlPacket([]byte{controlPing, 1, 2, 3}); ok {
		t.Error("expected short packet to be rejected")
	}
}

func TestParseControlPacketRejectsUnknownDiscriminant(t *testing.T) {
	packet := buildControlPacket(controlPing, 1)
	packet[0] = 0x05
	if _, _, ok := parseControlPacket(packet); ok {
		t.Error("expected unknown discriminant to be rejected")
	}
}

func TestIsWireGuardMessageAcceptsReservedRange(t *testing.T) {
	for _, b := range []byte{wgMsgHandshakeInit, wgMsgHandshakeResp, wgMsgCookieReply, wgMsgTransportData} {
		if !isWireGuardMessage([]byte{b, 0, 0, 0}) {
			t.Errorf("byte 0x%02x should be classified as WireGuard", b)
		}
	}
}

func TestIsWireGuardMessageRejectsEmptyAndControlBytes(t *testing.T) {
	if isWireGuardMessage(nil) {
		t.Error("empty datagram must not classify as WireGuard")
	}
	if isWireGuardMessage([]byte{controlPing}) {
		t.Error("ping discriminant must not classify as WireGuard")
	}
}

func TestClassifyDropsEmptyDatagram(t *testing.T) {
	m := newManagerForTest(t, []LinkSpec{{Name: "a", Weight: 1}}, ModeAggregate)
	link := m.Links()[0]
	result := m.classify(link, nil, nil, time.Now())
	if result != classifyAbsorbed {
		t.Error("empty datagram must be absorbed, never forwarded")
	}
}

func TestClassifyRoutesWireGuardBytesThrough(t *testing.T) {
	m := newManagerForTest(t, []LinkSpec{{Name: "a", Weight: 1}}, ModeAggregate)
	link := m.Links()[0]
	result := m.classify(link, []byte{wgMsgTransportData, 0, 0, 0}, &net.UDPAddr{}, time.Now())
	if result != classifyWireGuard {
		t.Error("WireGuard-typed datagram must be forwarded to the tunnel session")
	}
}

func TestClassifyAnswersPingWithPongOnSameLink(t *testing.T) {
	peer := newCaptureSocket(t)
	m := newManagerForTest(t, []LinkSpec{{Name: "a", Weight: 1}}, ModeAggregate)
	link := m.Links()[0]

	peerAddr, err := net.ResolveUDPAddr("udp", peer.addr())
	if err != nil {
		t.Fatal(err)
	}

	ping := buildControlPacket(controlPing, 7)
	result := m.classify(link, ping, peerAddr, time.Now())
	if result != classifyAbsorbed {
		t.Error("a ping must be absorbed by the classifier, never forwarded")
	}

	reply := peer.recvOrFail(t)
	discriminant, seq, ok := parseControlPacket(reply)
	if !ok || discriminant != controlPong || seq != 7 {
		t.Errorf("expected pong echoing seq 7, got %v", reply)
	}
}

func TestClassifyMalformedDatagramNeverPropagatesAnError(t *testing.T) {
	m := newManagerForTest(t, []LinkSpec{{Name: "a", Weight: 1}}, ModeAggregate)
	link := m.Links()[0]

	// A single stray byte outside both the WireGuard and control ranges
	// must never propagate as an error out of the datapath.
	result := m.classify(link, []byte{0xFF}, &net.UDPAddr{}, time.Now())
	if result != classifyAbsorbed {
		t.Error("garbage datagrams must be dropped, never forwarded")
	}
}
