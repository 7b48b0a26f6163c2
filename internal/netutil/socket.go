// Package netutil implements socket and interface setup for the TFTP
// server: resolving bind addresses for IPv4/IPv6 (optionally restricted to
// one interface), binding the well-known server port with SO_REUSEADDR, and
// creating ephemeral per-session sockets bound to the server's local IP.
package netutil

import (
	"context"
	"fmt"
	"net"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// TFTPPort is the well-known TFTP service port (RFC 1350).
const TFTPPort = 69

// Family selects which IP families the server listens on.
type Family int

const (
	FamilyBoth Family = iota
	FamilyV4Only
	FamilyV6Only
)

var reuseAddrListenConfig = net.ListenConfig{
	Control: func(network, address string, c syscall.RawConn) error {
		var setErr error
		err := c.Control(func(fd uintptr) {
			setErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		})
		if err != nil {
			return err
		}
		return setErr
	},
}

// BindAddrs returns the wildcard bind addresses to listen on for the
// requested family, optionally restricted to a single named interface. When
// ifname is non-empty, the interface must exist and carry an address of
// every family requested.
func BindAddrs(family Family, ifname string) ([]string, error) {
	if ifname == "" {
		return wildcardAddrs(family), nil
	}
	return interfaceAddrs(family, ifname)
}

func wildcardAddrs(family Family) []string {
	var addrs []string
	if family != FamilyV6Only {
		addrs = append(addrs, fmt.Sprintf("0.0.0.0:%d", TFTPPort))
	}
	if family != FamilyV4Only {
		addrs = append(addrs, fmt.Sprintf("[::]:%d", TFTPPort))
	}
	return addrs
}

func interfaceAddrs(family Family, ifname string) ([]string, error) {
	iface, err := net.InterfaceByName(ifname)
	if err != nil {
		return nil, errors.Wrapf(err, "netutil: interface %q not found", ifname)
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return nil, errors.Wrapf(err, "netutil: addresses of interface %q", ifname)
	}

	var v4, v6 string
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		ip := ipNet.IP
		if ip4 := ip.To4(); ip4 != nil {
			if v4 == "" {
				v4 = ip4.String()
			}
			continue
		}
		if ip.To16() != nil && v6 == "" {
			// Scoped-link binding for IPv6 requires %ifname.
			v6 = ip.String() + "%" + ifname
		}
	}

	var out []string
	if family != FamilyV6Only {
		if v4 == "" {
			return nil, errors.Errorf("netutil: interface %q has no ipv4 address", ifname)
		}
		out = append(out, fmt.Sprintf("%s:%d", v4, TFTPPort))
	}
	if family != FamilyV4Only {
		if v6 == "" {
			return nil, errors.Errorf("netutil: interface %q has no ipv6 address", ifname)
		}
		out = append(out, fmt.Sprintf("[%s]:%d", v6, TFTPPort))
	}
	return out, nil
}

// ListenServers binds one UDP socket per address in addrs, with
// SO_REUSEADDR set before bind.
func ListenServers(ctx context.Context, addrs []string) ([]*net.UDPConn, error) {
	var conns []*net.UDPConn
	for _, addr := range addrs {
		pc, err := reuseAddrListenConfig.ListenPacket(ctx, "udp", addr)
		if err != nil {
			for _, c := range conns {
				c.Close()
			}
			return nil, errors.Wrapf(err, "netutil: listen %s", addr)
		}
		conns = append(conns, pc.(*net.UDPConn))
	}
	return conns, nil
}

// NewEphemeralSocket creates a per-session UDP socket bound to the local IP
// of serverConn (the socket that received the triggering request) with an
// ephemeral port, i.e. a fresh TID per RFC 1350.
func NewEphemeralSocket(serverConn *net.UDPConn) (*net.UDPConn, error) {
	local := serverConn.LocalAddr().(*net.UDPAddr)
	bindAddr := &net.UDPAddr{IP: local.IP, Port: 0, Zone: local.Zone}
	conn, err := net.ListenUDP("udp", bindAddr)
	if err != nil {
		return nil, errors.Wrapf(err, "netutil: ephemeral socket on %s", local.IP)
	}
	return conn, nil
}
