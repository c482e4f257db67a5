package linkmgr

import (
	"encoding/binary"
	"net"
	"time"
)

// WireGuard reserves message types 1-4 for its own protocol (handshake
// initiation, handshake response, cookie reply, transport data). These are
// mirrored here as local constants rather than imported from
// golang.zx2c4.com/wireguard/device, which does not export them.
const (
	wgMsgHandshakeInit = 1
	wgMsgHandshakeResp = 2
	wgMsgCookieReply   = 3
	wgMsgTransportData = 4

	// controlPing and controlPong are the out-of-band discriminants. They
	// sit well outside WireGuard's reserved 1-4 range so a first byte can
	// never be ambiguous between the two protocols, resolving the open
	// question in the design notes.
	controlPing byte = 0xF1
	controlPong byte = 0xF2

	controlPacketLen = 9 // 1 discriminant byte + 8 big-endian sequence bytes
)

func isWireGuardMessage(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	switch b[0] {
	case wgMsgHandshakeInit, wgMsgHandshakeResp, wgMsgCookieReply, wgMsgTransportData:
		return true
	default:
		return false
	}
}

func buildControlPacket(discriminant byte, seq uint64) []byte {
	buf := make([]byte, controlPacketLen)
	buf[0] = discriminant
	binary.BigEndian.PutUint64(buf[1:], seq)
	return buf
}

func parseControlPacket(b []byte) (discriminant byte, seq uint64, ok bool) {
	if len(b) != controlPacketLen {
		return 0, 0, false
	}
	if b[0] != controlPing && b[0] != controlPong {
		return 0, 0, false
	}
	return b[0], binary.BigEndian.Uint64(b[1:]), true
}

// classifyResult tells the receive loop what happened to an inbound
// datagram: either it was absorbed here (control traffic or garbage) or it
// must be handed to the tunnel session for decapsulation.
type classifyResult int

const (
	classifyAbsorbed classifyResult = iota
	classifyWireGuard
)

// classify inspects one inbound datagram. Garbage and malformed control
// datagrams are dropped and logged, never propagated as an error.
func (m *Manager) classify(link *Link, data []byte, src *net.UDPAddr, now time.Time) classifyResult {
	if len(data) == 0 {
		m.log.Debugf("%s: dropped empty datagram", link.Name)
		return classifyAbsorbed
	}

	if isWireGuardMessage(data) {
		return classifyWireGuard
	}

	discriminant, seq, ok := parseControlPacket(data)
	if !ok {
		m.log.Debugf("%s: dropped unrecognized datagram, first byte 0x%02x", link.Name, data[0])
		return classifyAbsorbed
	}

	switch discriminant {
	case controlPing:
		link.ObserveRx(src, now)
		pong := buildControlPacket(controlPong, seq)
		if err := link.Send(pong, src); err != nil {
			link.RecordSendError(now, err)
		} else {
			link.RecordSendOK()
		}
	case controlPong:
		link.ObservePong(seq, now)
	}
	return classifyAbsorbed
}
