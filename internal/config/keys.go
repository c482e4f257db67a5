package config

import (
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// parseKeyLen validates that value is a well-formed base64 WireGuard key,
// returning its decoded length check via wgtypes so config validation and
// the tunnel session agree on what a "valid key" means.
func parseKeyLen(value string) (int, error) {
	key, err := wgtypes.ParseKey(value)
	if err != nil {
		return 0, err
	}
	return len(key[:]), nil
}
