package socket

import (
	"errors"
	"io"
	"net"
	"os"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/moqsien/gkasync/sys"
	"github.com/moqsien/gkasync/utils/errs"
)

type IListener interface {
	net.Listener
	GetFd() int
	IsUDP() bool
}

// GkListener is a bound endpoint whose fd is driven by a runner instead of the Go netpoller.
type GkListener struct {
	fd      int
	addr    net.Addr
	network string
	isUDP   bool
	file    *os.File  // owns fd
	origin  io.Closer // listener the fd was duplicated from
}

// Accept is not served here: a runner accepts on GetFd.
func (that *GkListener) Accept() (net.Conn, error) {
	return nil, errs.ErrUnsupportedOp
}

func (that *GkListener) Close() (err error) {
	if that.file == nil {
		return nil
	}
	err = that.file.Close()
	if that.origin != nil {
		_ = that.origin.Close()
	}
	that.file, that.origin = nil, nil
	that.fd = -1
	return
}

func (that *GkListener) Addr() net.Addr {
	return that.addr
}

func (that *GkListener) Network() string {
	return that.network
}

func (that *GkListener) GetFd() int {
	return that.fd
}

func (that *GkListener) IsUDP() bool {
	return that.isUDP
}

type filer interface {
	File() (*os.File, error)
}

// ResolveFd duplicates the fd of ln into a non-blocking descriptor.
func ResolveFd(ln interface{}) (fd int, file *os.File, err error) {
	var f filer
	switch l := ln.(type) {
	case *net.TCPListener:
		f = l
	case *net.UnixListener:
		f = l
	case *net.UDPConn:
		f = l
	case *net.UnixConn:
		f = l
	default:
		return -1, nil, errors.New("unsupported Listener")
	}
	if file, err = f.File(); err != nil {
		return -1, nil, err
	}
	fd = int(file.Fd())
	if err = sys.SetNonblock(fd); err != nil {
		_ = file.Close()
		return -1, nil, err
	}
	return fd, file, nil
}

func isDatagram(network string) bool {
	return strings.Contains(network, "udp") || network == "unixgram"
}

// Listen binds network/address, e.g. ("tcp", "127.0.0.1:0"), ("udp", ":9000"), ("unix", "/tmp/s").
func Listen(network, address string) (gl *GkListener, err error) {
	var (
		origin io.Closer
		addr   net.Addr
	)
	switch {
	case strings.Contains(network, "udp"):
		var ua *net.UDPAddr
		if ua, err = net.ResolveUDPAddr(network, address); err != nil {
			return nil, err
		}
		var l *net.UDPConn
		if l, err = net.ListenUDP(network, ua); err != nil {
			return nil, err
		}
		origin, addr = l, l.LocalAddr()
	case network == "unixgram":
		var l *net.UnixConn
		if l, err = net.ListenUnixgram(network, &net.UnixAddr{Name: address, Net: network}); err != nil {
			return nil, err
		}
		origin, addr = l, l.LocalAddr()
	default:
		var l net.Listener
		if l, err = net.Listen(network, address); err != nil {
			return nil, err
		}
		origin, addr = l, l.Addr()
	}
	fd, file, err := ResolveFd(origin)
	if err != nil {
		_ = origin.Close()
		return nil, err
	}
	return &GkListener{
		fd:      fd,
		addr:    addr,
		network: network,
		isUDP:   isDatagram(network),
		file:    file,
		origin:  origin,
	}, nil
}

// AdaptListener takes over an already bound net.Listener.
func AdaptListener(l net.Listener) (gl *GkListener, err error) {
	fd, file, err := ResolveFd(l)
	if err != nil {
		return nil, err
	}
	return &GkListener{fd: fd, addr: l.Addr(), network: l.Addr().Network(), file: file, origin: l}, nil
}

// AdaptUDPConn takes over an already bound UDP socket.
func AdaptUDPConn(c *net.UDPConn) (gl *GkListener, err error) {
	fd, file, err := ResolveFd(c)
	if err != nil {
		return nil, err
	}
	return &GkListener{fd: fd, addr: c.LocalAddr(), network: "udp", isUDP: true, file: file, origin: c}, nil
}

// Dial opens a non-blocking client socket for network/address. The connect is left to
// the caller, with the returned socket address.
func Dial(network, address string) (fd int, sa unix.Sockaddr, remote net.Addr, err error) {
	typ := unix.SOCK_STREAM
	switch {
	case strings.Contains(network, "udp"):
		typ = unix.SOCK_DGRAM
		remote, err = net.ResolveUDPAddr(network, address)
	case strings.HasPrefix(network, "tcp"):
		remote, err = net.ResolveTCPAddr(network, address)
	case network == "unix":
		remote = &net.UnixAddr{Name: address, Net: network}
	case network == "unixgram":
		typ = unix.SOCK_DGRAM
		remote = &net.UnixAddr{Name: address, Net: network}
	default:
		err = errs.ErrUnsupportedOp
	}
	if err != nil {
		return -1, nil, nil, err
	}
	var family int
	if sa, family, err = AddrToSockaddr(remote); err != nil {
		return -1, nil, nil, err
	}
	if fd, err = sys.Socket(family, typ); err != nil {
		return -1, nil, nil, os.NewSyscallError("socket", err)
	}
	return fd, sa, remote, nil
}

// LocalAddr returns the bound address of fd.
func LocalAddr(fd int, datagram bool) net.Addr {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return nil
	}
	if datagram {
		return SockaddrToUDPAddr(sa)
	}
	return SockaddrToTCPOrUnixAddr(sa)
}
