// Package orchestrator wires the tunnel session, the link manager and the
// health monitor together and owns their shared lifecycle.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/vtrunkd/vtrunkd/internal/config"
	"github.com/vtrunkd/vtrunkd/internal/linkmgr"
	"github.com/vtrunkd/vtrunkd/internal/tunnel"
	"github.com/vtrunkd/vtrunkd/internal/vtlog"
)

const defaultInterfaceName = "tun0"

// Orchestrator owns the tunnel session and the link manager for their
// lifetimes.
type Orchestrator struct {
	cfg config.Config
	log *vtlog.Logger

	session *tunnel.Session
	manager *linkmgr.Manager
	health  *linkmgr.HealthMonitor
}

// New builds an Orchestrator from a validated configuration. It does not
// open any socket or TUN device yet — that happens in Run, so that
// construction failures and runtime failures are both reported the same
// way, through Run's return value.
func New(cfg config.Config, log *vtlog.Logger) *Orchestrator {
	return &Orchestrator{cfg: cfg, log: log}
}

// Run builds the tunnel session and link manager, brings the tunnel up,
// and blocks until ctx is cancelled or a core task exits. An unexpected
// exit of any core task surfaces as an error, never a silent return.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.start(); err != nil {
		return err
	}
	defer o.stop()

	healthErrCh := make(chan error, 1)
	if o.cfg.WireGuard.HealthCheck.Enabled {
		go func() { healthErrCh <- o.health.Run(ctx) }()
	}

	select {
	case <-ctx.Done():
		return nil
	case <-o.session.Wait():
		return fmt.Errorf("tunnel session exited unexpectedly")
	case err := <-healthErrCh:
		if err != nil && err != context.Canceled {
			return fmt.Errorf("health monitor exited unexpectedly: %w", err)
		}
		<-ctx.Done()
		return nil
	}
}

func (o *Orchestrator) start() error {
	keys, err := parseKeys(o.cfg.WireGuard)
	if err != nil {
		return err
	}

	specs := make([]linkmgr.LinkSpec, 0, len(o.cfg.WireGuard.Links))
	for _, l := range o.cfg.WireGuard.Links {
		specs = append(specs, linkmgr.LinkSpec{
			Name:     l.Name,
			Bind:     l.Bind,
			Endpoint: l.Endpoint,
			Weight:   l.Weight,
		})
	}

	errorBackoff := time.Duration(o.cfg.EffectiveErrorBackoffSecs()) * time.Second
	healthTimeout := time.Duration(0)
	if o.cfg.WireGuard.HealthCheck.Enabled && o.cfg.WireGuard.HealthCheck.TimeoutMS != nil {
		healthTimeout = time.Duration(*o.cfg.WireGuard.HealthCheck.TimeoutMS) * time.Millisecond
	}

	manager, err := linkmgr.NewManager(specs, linkmgr.ModeFromConfig(o.cfg.WireGuard.BondingMode), errorBackoff, healthTimeout, o.log)
	if err != nil {
		return err
	}
	o.manager = manager

	ifaceName := o.cfg.Network.Interface
	if ifaceName == "" {
		ifaceName = defaultInterfaceName
	}

	iface := tunnel.InterfaceConfig{
		Address:     o.cfg.Network.Address,
		Netmask:     o.cfg.Network.Netmask,
		Destination: o.cfg.Network.Destination,
	}
	session, err := tunnel.NewSession(ifaceName, int(o.cfg.Network.MTU), iface, manager, keys, o.log)
	if err != nil {
		_ = manager.Close()
		return err
	}
	o.session = session

	if err := o.session.Up(); err != nil {
		_ = o.session.Close()
		return fmt.Errorf("bring tunnel up: %w", err)
	}

	o.log.Infof("vtrunkd up: iface=%s links=%d mode=%s", ifaceName, len(specs), o.cfg.WireGuard.BondingMode)

	interval := time.Duration(o.cfg.EffectiveHealthIntervalMS()) * time.Millisecond
	o.health = linkmgr.NewHealthMonitor(o.manager, interval)

	return nil
}

func (o *Orchestrator) stop() {
	if o.session != nil {
		_ = o.session.Close()
	}
}

func parseKeys(wg config.WireGuardConfig) (tunnel.Keys, error) {
	private, err := wgtypes.ParseKey(wg.PrivateKey)
	if err != nil {
		return tunnel.Keys{}, fmt.Errorf("wireguard.private_key: %w", err)
	}
	peer, err := wgtypes.ParseKey(wg.PeerPublicKey)
	if err != nil {
		return tunnel.Keys{}, fmt.Errorf("wireguard.peer_public_key: %w", err)
	}

	keys := tunnel.Keys{PrivateKey: private, PeerPublicKey: peer}
	if wg.PresharedKey != "" {
		psk, err := wgtypes.ParseKey(wg.PresharedKey)
		if err != nil {
			return tunnel.Keys{}, fmt.Errorf("wireguard.preshared_key: %w", err)
		}
		keys.PresharedKey = &psk
	}
	if wg.PersistentKeepalive != nil {
		keys.PersistentKeepalive = *wg.PersistentKeepalive
	}
	return keys, nil
}
