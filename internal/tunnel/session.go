// Package tunnel wraps the real WireGuard noise-protocol engine
// (golang.zx2c4.com/wireguard/device) as the "tunnel session" component of
// the datapath: it owns the TUN device and the crypto/handshake/timer
// state machine, and is driven entirely through the conn.Bind supplied by
// internal/linkmgr.
package tunnel

import (
	"encoding/hex"
	"fmt"
	"strings"

	"golang.zx2c4.com/wireguard/conn"
	"golang.zx2c4.com/wireguard/device"
	"golang.zx2c4.com/wireguard/tun"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/vtrunkd/vtrunkd/internal/vtlog"
)

// Keys holds the parsed WireGuard key material for one session.
type Keys struct {
	PrivateKey          wgtypes.Key
	PeerPublicKey       wgtypes.Key
	PresharedKey        *wgtypes.Key
	PersistentKeepalive uint16 // seconds, 0 disables
}

// Session owns the TUN device and the WireGuard device.Device. Packet
// encryption, decryption and timer handling run inside device.Device
// itself (its RoutineEncryption/RoutineDecryption/RoutineHandshake
// goroutines, started by Up): Session's job is construction, IPC
// configuration, and exposing the lifecycle surface (Up/Close/Wait) the
// orchestrator needs to detect an unexpected exit.
type Session struct {
	tun    tun.Device
	device *device.Device
	log    *vtlog.Logger
}

// NewSession creates the TUN device named ifaceName with the given MTU,
// assigns it iface's inner address, and builds the WireGuard device.Device
// bound to bind (supplied by internal/linkmgr.Manager). It does not bring
// the WireGuard device up; call Up.
func NewSession(ifaceName string, mtu int, iface InterfaceConfig, bind conn.Bind, keys Keys, log *vtlog.Logger) (*Session, error) {
	tunDev, err := tun.CreateTUN(ifaceName, mtu)
	if err != nil {
		return nil, fmt.Errorf("create tun %s: %w", ifaceName, err)
	}

	realName, err := tunDev.Name()
	if err != nil || realName == "" {
		realName = ifaceName
	}
	if err := applyInterfaceAddress(realName, iface); err != nil {
		tunDev.Close()
		return nil, err
	}

	wgLogger := &device.Logger{
		Verbosef: func(format string, args ...any) { log.Debugf(format, args...) },
		Errorf:   func(format string, args ...any) { log.Errorf(format, args...) },
	}

	dev := device.NewDevice(tunDev, bind, wgLogger)

	s := &Session{tun: tunDev, device: dev, log: log}
	if err := s.configure(keys); err != nil {
		dev.Close()
		return nil, err
	}
	return s, nil
}

// configure pushes key material to device.Device over its IPC interface.
// The UAPI wire format for IpcSet is hex, not base64: the keys arrive
// already parsed by wgtypes.ParseKey (the orchestrator's parseKeys), so
// here they are re-encoded
// with encoding/hex before being written into the config string.
func (s *Session) configure(keys Keys) error {
	var b strings.Builder
	fmt.Fprintf(&b, "private_key=%s\n", hex.EncodeToString(keys.PrivateKey[:]))
	fmt.Fprintf(&b, "public_key=%s\n", hex.EncodeToString(keys.PeerPublicKey[:]))
	if keys.PresharedKey != nil {
		fmt.Fprintf(&b, "preshared_key=%s\n", hex.EncodeToString(keys.PresharedKey[:]))
	}
	if keys.PersistentKeepalive > 0 {
		fmt.Fprintf(&b, "persistent_keepalive_interval=%d\n", keys.PersistentKeepalive)
	}
	// vtrunkd bonds every link behind one logical peer carrying the whole
	// tunnel, so that peer is cryptokey-routed as the default route for
	// both families. Without an allowed_ip, device.Device's allowedips
	// trie never selects this peer and every packet is dropped, in both
	// directions.
	b.WriteString("allowed_ip=0.0.0.0/0\n")
	b.WriteString("allowed_ip=::/0\n")
	// The bond has no single real socket endpoint; linkmgr.Manager.Send
	// ignores the Endpoint value entirely and schedules over its own link
	// table, so any string ParseEndpoint accepts here is sufficient to
	// give the peer a non-nil endpoint at configuration time.
	b.WriteString("endpoint=255.255.255.255:1\n")

	if err := s.device.IpcSet(b.String()); err != nil {
		return fmt.Errorf("configure wireguard device: %w", err)
	}
	return nil
}

// Up starts the tunnel session: handshake, timers, TUN and bind I/O
// routines all begin running inside device.Device.
func (s *Session) Up() error {
	return s.device.Up()
}

// Wait returns the channel device.Device closes when it stops running,
// whether because of Close or an internal fatal condition. The
// orchestrator races this against its shutdown signal so an unexpected
// stop surfaces as an error instead of a silent exit.
func (s *Session) Wait() chan struct{} {
	return s.device.Wait()
}

// Close tears down the WireGuard device and the TUN device.
func (s *Session) Close() error {
	s.device.Close()
	return s.tun.Close()
}
