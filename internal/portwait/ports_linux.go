package portwait

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/mdlayher/netlink"
	"golang.org/x/sys/unix"
)

// Constants from linux/inet_diag.h and include/net/tcp_states.h.
const (
	netlinkSockDiag  = 4
	sockDiagByFamily = 20
	tcpListen        = 10
)

// inet_diag_sockid
type diagSockID struct {
	SourcePort [2]byte
	DestPort   [2]byte
	Source     [16]byte
	Dest       [16]byte
	Interface  uint32
	Cookie     [2]uint32
}

// inet_diag_req_v2, zeroed ID acts as a wildcard
type diagRequest struct {
	Family   uint8
	Protocol uint8
	Ext      uint8
	Pad      uint8
	States   uint32
	ID       diagSockID
}

// inet_diag_msg
type diagMessage struct {
	Family  uint8
	State   uint8
	Timer   uint8
	Retrans uint8
	ID      diagSockID
	Expires uint32
	RQueue  uint32
	WQueue  uint32
	UID     uint32
	Inode   uint32
}

// ListeningPorts dumps local TCP sockets in LISTEN state straight from
// the kernel via the sock_diag netlink interface. Used for diagnostics
// when a port never opened in time: knowing what actually listens is
// usually the fastest way to spot a service bound to the wrong port.
func ListeningPorts() ([]netip.AddrPort, error) {
	var out []netip.AddrPort
	for _, family := range []uint8{unix.AF_INET, unix.AF_INET6} {
		ports, err := dumpListeners(family)
		if err != nil {
			return nil, fmt.Errorf("portwait: dumping listeners for family %d: %w", family, err)
		}
		out = append(out, ports...)
	}
	return out, nil
}

func dumpListeners(family uint8) ([]netip.AddrPort, error) {
	conn, err := netlink.Dial(netlinkSockDiag, nil)
	if err != nil {
		return nil, fmt.Errorf("netlink dial: %w", err)
	}
	defer func() {
		_ = conn.Close()
	}()

	req := diagRequest{
		Family:   family,
		Protocol: unix.IPPROTO_TCP,
		States:   1 << tcpListen,
	}
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.NativeEndian, req); err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	msgs, err := conn.Execute(netlink.Message{
		Header: netlink.Header{
			Type:  sockDiagByFamily,
			Flags: netlink.Request | netlink.Dump,
		},
		Data: buf.Bytes(),
	})
	if err != nil {
		return nil, fmt.Errorf("netlink execute: %w", err)
	}

	addrLen := 4
	if family == unix.AF_INET6 {
		addrLen = 16
	}

	ports := make([]netip.AddrPort, 0, len(msgs))
	for _, m := range msgs {
		if m.Header.Type == netlink.Done {
			continue
		}
		var msg diagMessage
		if err := binary.Read(bytes.NewReader(m.Data), binary.NativeEndian, &msg); err != nil {
			continue
		}
		// addresses and ports inside the sock id are network byte order
		port := binary.BigEndian.Uint16(msg.ID.SourcePort[:])
		addr, ok := netip.AddrFromSlice(msg.ID.Source[:addrLen])
		if !ok {
			continue
		}
		ports = append(ports, netip.AddrPortFrom(addr, port))
	}
	return ports, nil
}
