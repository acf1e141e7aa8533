//go:build !linux

package portwait

import (
	"errors"
	"net/netip"
)

// ListeningPorts is implemented via netlink sock_diag and therefore
// Linux only. Callers treat the error as "unknown", not as a failure.
func ListeningPorts() ([]netip.AddrPort, error) {
	return nil, errors.New("portwait: listing listening ports is available only on Linux")
}
