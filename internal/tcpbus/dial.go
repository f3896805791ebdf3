//go:build linux

package tcpbus

import (
	"fmt"
	"net"
	"strconv"

	"golang.org/x/sys/unix"
)

// resolveSockaddr turns a "host:port" endpoint address, as returned by
// endpoint.Manager.Resolve, into a raw unix.Sockaddr usable with
// unix.Connect and the socket family it needs to be created with.
func resolveSockaddr(addr string) (unix.Sockaddr, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, 0, fmt.Errorf("tcpbus: invalid endpoint address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, 0, fmt.Errorf("tcpbus: invalid endpoint port %q: %w", portStr, err)
	}

	ip := net.ParseIP(host)
	if ip == nil {
		ips, err := net.LookupIP(host)
		if err != nil || len(ips) == 0 {
			return nil, 0, fmt.Errorf("tcpbus: resolve %q: %w", host, err)
		}
		ip = ips[0]
	}

	if v4 := ip.To4(); v4 != nil {
		sa := &unix.SockaddrInet4{Port: port}
		copy(sa.Addr[:], v4)
		return sa, unix.AF_INET, nil
	}

	sa := &unix.SockaddrInet6{Port: port}
	copy(sa.Addr[:], ip.To16())
	return sa, unix.AF_INET6, nil
}
