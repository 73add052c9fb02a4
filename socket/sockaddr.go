package socket

import (
	"fmt"
	"net"
	"net/netip"

	"golang.org/x/sys/unix"

	"github.com/moqsien/gkasync/utils/errs"
)

func SockaddrToTCPOrUnixAddr(sa unix.Sockaddr) net.Addr {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: append([]byte{}, v.Addr[:]...), Port: v.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: append([]byte{}, v.Addr[:]...), Port: v.Port, Zone: zone(v.ZoneId)}
	case *unix.SockaddrUnix:
		return &net.UnixAddr{Name: v.Name, Net: "unix"}
	}
	return nil
}

func SockaddrToUDPAddr(sa unix.Sockaddr) net.Addr {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.UDPAddr{IP: append([]byte{}, v.Addr[:]...), Port: v.Port}
	case *unix.SockaddrInet6:
		return &net.UDPAddr{IP: append([]byte{}, v.Addr[:]...), Port: v.Port, Zone: zone(v.ZoneId)}
	case *unix.SockaddrUnix:
		return &net.UnixAddr{Name: v.Name, Net: "unixgram"}
	}
	return nil
}

func zone(id uint32) string {
	if id == 0 {
		return ""
	}
	if ifi, err := net.InterfaceByIndex(int(id)); err == nil {
		return ifi.Name
	}
	return fmt.Sprint(id)
}

func ipSockaddr(ip net.IP, port int, zoneName string) (unix.Sockaddr, int, error) {
	if ip4 := ip.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: port}
		copy(sa.Addr[:], ip4)
		return sa, unix.AF_INET, nil
	}
	if len(ip) == 0 {
		// unspecified: listen or send on all IPv4 interfaces
		return &unix.SockaddrInet4{Port: port}, unix.AF_INET, nil
	}
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return nil, 0, fmt.Errorf("invalid ip %v: %w", ip, errs.ErrUnsupportedOp)
	}
	sa := &unix.SockaddrInet6{Port: port, Addr: addr.As16()}
	if zoneName != "" {
		if ifi, err := net.InterfaceByName(zoneName); err == nil {
			sa.ZoneId = uint32(ifi.Index)
		}
	}
	return sa, unix.AF_INET6, nil
}

// AddrToSockaddr converts a resolved address into its socket address and family.
func AddrToSockaddr(addr net.Addr) (unix.Sockaddr, int, error) {
	switch v := addr.(type) {
	case *net.TCPAddr:
		return ipSockaddr(v.IP, v.Port, v.Zone)
	case *net.UDPAddr:
		return ipSockaddr(v.IP, v.Port, v.Zone)
	case *net.UnixAddr:
		return &unix.SockaddrUnix{Name: v.Name}, unix.AF_UNIX, nil
	}
	return nil, 0, fmt.Errorf("address %v: %w", addr, errs.ErrUnsupportedOp)
}
