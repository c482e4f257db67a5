package tunnel

import (
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
)

// InterfaceConfig is the inner-tunnel addressing applied to the TUN device
// after creation: address and netmask are dotted-decimal IPv4 strings,
// destination is the optional point-to-point peer address. All fields are
// optional — an address-less interface is left to external configuration.
type InterfaceConfig struct {
	Address     string
	Netmask     string
	Destination *string
}

// applyInterfaceAddress assigns ifaceName its inner address/netmask and
// brings the link up, the way a real TUN device must be configured before
// the kernel will route traffic into it: creating the device alone never
// does this.
func applyInterfaceAddress(ifaceName string, iface InterfaceConfig) error {
	link, err := netlink.LinkByName(ifaceName)
	if err != nil {
		return fmt.Errorf("lookup interface %s: %w", ifaceName, err)
	}

	if iface.Address != "" {
		addr, err := buildNetlinkAddr(iface)
		if err != nil {
			return err
		}
		if err := netlink.AddrReplace(link, addr); err != nil {
			return fmt.Errorf("assign address %s to %s: %w", iface.Address, ifaceName, err)
		}
	}

	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("bring up interface %s: %w", ifaceName, err)
	}
	return nil
}

func buildNetlinkAddr(iface InterfaceConfig) (*netlink.Addr, error) {
	ip := net.ParseIP(iface.Address).To4()
	if ip == nil {
		return nil, fmt.Errorf("invalid network.address %q", iface.Address)
	}

	mask := net.CIDRMask(32, 32)
	if iface.Netmask != "" {
		maskIP := net.ParseIP(iface.Netmask).To4()
		if maskIP == nil {
			return nil, fmt.Errorf("invalid network.netmask %q", iface.Netmask)
		}
		mask = net.IPMask(maskIP)
	}

	addr := &netlink.Addr{IPNet: &net.IPNet{IP: ip, Mask: mask}}
	if iface.Destination != nil {
		dst := net.ParseIP(*iface.Destination).To4()
		if dst == nil {
			return nil, fmt.Errorf("invalid network.destination %q", *iface.Destination)
		}
		addr.Peer = &net.IPNet{IP: dst, Mask: net.CIDRMask(32, 32)}
	}
	return addr, nil
}
