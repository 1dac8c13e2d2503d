package hio

import (
	"net"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// SocketFamily selects the address family/transport a socket device uses.
type SocketFamily int

const (
	TCP4 SocketFamily = iota
	TCP6
	UDP4
	UDP6
	UNIX
	QX
)

// ListenFlags configure a listening socket.
type ListenFlags uint32

const (
	ReuseAddr ListenFlags = 1 << iota
	ReusePort
	Lenient // survive individual accept failures instead of halting
	SSL
)

const listenBacklog = 4096

// NewTCPListener creates, binds and listens a TCP4/TCP6 socket device.
// cb.OnConnect fires per accepted child unless cb.OnRawAccept is set, in
// which case the accepted fd is handed to the caller raw (for side-
// channel handoff to another loop) and no child Device is constructed.
func (l *Loop) NewTCPListener(addr string, family SocketFamily, flags ListenFlags, cb Callbacks) (*Device, error) {
	var domain int
	switch family {
	case TCP6:
		domain = unix.AF_INET6
	case UNIX:
		domain = unix.AF_UNIX
		_ = unix.Unlink(addr)
	default:
		domain = unix.AF_INET
	}
	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, NewError(KindIO, "socket.listen", err)
	}
	if flags&ReuseAddr != 0 {
		_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	}
	if flags&ReusePort != 0 {
		_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	}

	sa, err := sockaddrFromString(addr, family)
	if err != nil {
		_ = unix.Close(fd)
		return nil, NewError(KindInvalid, "socket.listen", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, NewError(KindIO, "socket.bind", err)
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		_ = unix.Close(fd)
		return nil, NewError(KindIO, "socket.listen", err)
	}

	var dev *Device
	dev, err = l.newListenerDevice(KindSocket, fd, cb,
		func(d *Device) { _ = unix.Close(d.fd) },
		func(IOEvents) { l.acceptLoop(dev, flags) },
	)
	if err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	dev.State = StListening
	return dev, nil
}

func (l *Loop) acceptLoop(listener *Device, flags ListenFlags) {
	for {
		nfd, sa, err := unix.Accept4(listener.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if err == unix.EAGAIN {
				return
			}
			if flags&Lenient != 0 {
				l.log.Warn("accept failed, listener is lenient", "error", err)
				return
			}
			l.log.Error("accept failed, halting listener", "error", err)
			l.Halt(listener)
			return
		}
		peer := sockaddrToNetAddr(sa)
		if _, ok := sa.(*unix.SockaddrUnix); !ok {
			_ = unix.SetsockoptInt(nfd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
		}

		if listener.callbacks.OnRawAccept != nil {
			listener.callbacks.OnRawAccept(listener, nfd, peer)
			continue
		}

		child, err := l.newDevice(KindSocket, nfd, listener.callbacks, deviceOps{
			rawRead:  socketRawRead,
			rawWrite: socketRawWrite,
			closeOS:  func(d *Device) { _ = unix.Close(d.fd) },
		}, nil)
		if err != nil {
			_ = unix.Close(nfd)
			continue
		}
		child.State = StAccepted
		child.peerAddr = peer
		if child.callbacks.OnConnect != nil {
			child.callbacks.OnConnect(child)
		}
	}
}

// NewTCPConnector creates a non-blocking outbound TCP connection. OnConnect
// fires once the connect completes (or immediately if it completed
// synchronously); OnDisconnect fires if an in-progress connect fails. A
// connect that fails at once returns an error and fires neither.
func (l *Loop) NewTCPConnector(addr string, family SocketFamily, cb Callbacks) (*Device, error) {
	domain := unix.AF_INET
	if family == TCP6 {
		domain = unix.AF_INET6
	}
	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, NewError(KindIO, "socket.connect", err)
	}
	sa, err := sockaddrFromString(addr, family)
	if err != nil {
		_ = unix.Close(fd)
		return nil, NewError(KindInvalid, "socket.connect", err)
	}

	dev, err := l.newDevice(KindSocket, fd, cb, deviceOps{
		rawRead:  socketRawRead,
		rawWrite: socketRawWrite,
		closeOS:  func(d *Device) { _ = unix.Close(d.fd) },
	}, nil)
	if err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	dev.State = StConnecting

	connErr := unix.Connect(fd, sa)
	if connErr == nil {
		dev.State = StConnected
		if cb.OnConnect != nil {
			cb.OnConnect(dev)
		}
		return dev, nil
	}
	if connErr != unix.EINPROGRESS {
		l.Kill(dev)
		return nil, NewError(KindIO, "socket.connect", connErr)
	}
	if err := l.mux.ModifyFD(fd, EventWrite); err != nil {
		l.Kill(dev)
		return nil, NewError(KindIO, "socket.connect", err)
	}
	return dev, nil
}

// AdoptSocket wraps an already-connected socket fd (typically one handed
// over by another loop through a QX side-channel) as an accepted client
// device on this loop, firing OnConnect the same way a locally accepted
// child would.
func (l *Loop) AdoptSocket(fd int, peer net.Addr, cb Callbacks) (*Device, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, NewError(KindIO, "socket.adopt", err)
	}
	if _, ok := peer.(*net.UnixAddr); !ok {
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	}
	dev, err := l.newDevice(KindSocket, fd, cb, deviceOps{
		rawRead:  socketRawRead,
		rawWrite: socketRawWrite,
		closeOS:  func(d *Device) { _ = unix.Close(d.fd) },
	}, nil)
	if err != nil {
		return nil, err
	}
	dev.State = StAccepted
	dev.peerAddr = peer
	if cb.OnConnect != nil {
		cb.OnConnect(dev)
	}
	return dev, nil
}

func socketRawRead(dev *Device, buf []byte) (int, net.Addr, bool, error) {
	n, _, err := unix.Recvfrom(dev.fd, buf, 0)
	if err != nil {
		if err == unix.EAGAIN {
			return 0, nil, false, nil
		}
		return 0, nil, true, err
	}
	return n, nil, true, nil
}

// NewUDPSocket creates a datagram socket device bound to addr (pass "" to
// skip binding for a send-only socket). OnRead delivers each datagram with
// its source address; Write's dst selects the destination per datagram.
func (l *Loop) NewUDPSocket(addr string, family SocketFamily, cb Callbacks) (*Device, error) {
	domain := unix.AF_INET
	if family == UDP6 {
		domain = unix.AF_INET6
	}
	fd, err := unix.Socket(domain, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, NewError(KindIO, "socket.udp", err)
	}
	if addr != "" {
		bindFamily := TCP4
		if family == UDP6 {
			bindFamily = TCP6
		}
		sa, serr := sockaddrFromString(addr, bindFamily)
		if serr != nil {
			_ = unix.Close(fd)
			return nil, NewError(KindInvalid, "socket.udp", serr)
		}
		if err := unix.Bind(fd, sa); err != nil {
			_ = unix.Close(fd)
			return nil, NewError(KindIO, "socket.udp", err)
		}
	}

	dev, err := l.newDevice(KindSocket, fd, cb, deviceOps{
		rawRead:  datagramRawRead,
		rawWrite: socketRawWrite,
		closeOS:  func(d *Device) { _ = unix.Close(d.fd) },
	}, nil)
	if err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	dev.State = StConnected
	return dev, nil
}

func datagramRawRead(dev *Device, buf []byte) (int, net.Addr, bool, error) {
	n, from, err := unix.Recvfrom(dev.fd, buf, 0)
	if err != nil {
		if err == unix.EAGAIN {
			return 0, nil, false, nil
		}
		return 0, nil, true, err
	}
	return n, sockaddrToNetAddr(from), true, nil
}

func socketRawWrite(dev *Device, entry *writeEntry) (int, bool, error) {
	if entry.IsSendfile {
		n, err := unix.Sendfile(dev.fd, entry.SrcFD, &entry.Offset, int(entry.Length))
		if err != nil {
			if err == unix.EAGAIN {
				return 0, false, nil
			}
			return 0, true, err
		}
		return n, true, nil
	}
	if entry.Data == nil {
		return 0, true, nil // EOF marker write
	}
	if entry.DstAddr != nil {
		sa, serr := netAddrToSockaddr(entry.DstAddr)
		if serr != nil {
			return 0, true, serr
		}
		if err := unix.Sendto(dev.fd, entry.Data, 0, sa); err != nil {
			if err == unix.EAGAIN {
				return 0, false, nil
			}
			return 0, true, err
		}
		return len(entry.Data), true, nil
	}
	n, err := unix.Write(dev.fd, entry.Data)
	if err != nil {
		if err == unix.EAGAIN {
			return 0, false, nil
		}
		return 0, true, err
	}
	if n < len(entry.Data) {
		entry.Data = entry.Data[n:]
		return n, false, nil
	}
	return n, true, nil
}

func sockaddrFromString(addr string, family SocketFamily) (unix.Sockaddr, error) {
	if family == UNIX {
		return &unix.SockaddrUnix{Name: addr}, nil
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, err
	}
	ip := net.ParseIP(host)
	if ip == nil {
		ip = net.IPv4zero
	}
	if family == TCP6 {
		sa := &unix.SockaddrInet6{Port: port}
		copy(sa.Addr[:], ip.To16())
		return sa, nil
	}
	sa := &unix.SockaddrInet4{Port: port}
	copy(sa.Addr[:], ip.To4())
	return sa, nil
}

func netAddrToSockaddr(a net.Addr) (unix.Sockaddr, error) {
	var ip net.IP
	var port int
	switch v := a.(type) {
	case *net.UDPAddr:
		ip, port = v.IP, v.Port
	case *net.TCPAddr:
		ip, port = v.IP, v.Port
	case *net.UnixAddr:
		return &unix.SockaddrUnix{Name: v.Name}, nil
	default:
		return nil, NewError(KindInvalid, "socket.sendto", nil)
	}
	if ip4 := ip.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: port}
		copy(sa.Addr[:], ip4)
		return sa, nil
	}
	sa := &unix.SockaddrInet6{Port: port}
	copy(sa.Addr[:], ip.To16())
	return sa, nil
}

func sockaddrToNetAddr(sa unix.Sockaddr) net.Addr {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(v.Addr[:]), Port: v.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: net.IP(v.Addr[:]), Port: v.Port}
	case *unix.SockaddrUnix:
		return &net.UnixAddr{Name: v.Name, Net: "unix"}
	default:
		return nil
	}
}

// NewQXListener creates an in-process side-channel listener: a pipe whose
// read end is registered as a device, whose write end is exposed via
// WriteToSideChannel so another loop can hand off accepted connections
// (see sidechannel.go). It never binds/listens at the OS level.
func (l *Loop) NewQXListener(cb Callbacks) (*Device, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, NewError(KindExhausted, "socket.qxlisten", err)
	}
	rfd, wfd := fds[0], fds[1]

	var qxBuf []byte
	var dev *Device
	dev, err := l.newListenerDevice(KindSocket, rfd, cb,
		func(d *Device) {
			_ = unix.Close(rfd)
			_ = unix.Close(wfd)
		},
		func(IOEvents) {
			var buf [4096]byte
			for {
				n, rerr := unix.Read(rfd, buf[:])
				if n <= 0 || rerr != nil {
					if rerr != unix.EAGAIN && (rerr != nil || n == 0) {
						l.Halt(dev)
					}
					return
				}
				qxBuf = append(qxBuf, buf[:n]...)
				for {
					msg, consumed, ok := DecodeQXMessage(qxBuf)
					if !ok {
						break
					}
					qxBuf = qxBuf[consumed:]
					if msg.Cmd == QXNewConn && cb.OnRawAccept != nil {
						cb.OnRawAccept(dev, msg.SysHnd, msg.RemoteAddr)
					}
				}
			}
		},
	)
	if err != nil {
		_ = unix.Close(rfd)
		_ = unix.Close(wfd)
		return nil, err
	}
	dev.State = StListening
	dev.sidechan = newSidechannel(wfd)
	return dev, nil
}

// parseSocketFamily maps a listener bind address string prefix to a
// SocketFamily, following the "unix:" / "qx:" / bare host:port convention.
// Nothing in this module calls it; htts Bind values carry their
// SocketFamily explicitly.
func parseSocketFamily(bind string) (SocketFamily, string) {
	switch {
	case strings.HasPrefix(bind, "unix:"):
		return UNIX, strings.TrimPrefix(bind, "unix:")
	case bind == "qx:":
		return QX, ""
	case strings.Contains(bind, "["):
		return TCP6, bind
	default:
		return TCP4, bind
	}
}
