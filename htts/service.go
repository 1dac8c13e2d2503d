// Package htts implements the embeddable HTTP/1.x server built on top of
// the hio event loop: listener/client bookkeeping, the task base with its
// four-halves completion tracking, and five task strategies (file, cgi,
// fcgi, thr, txt).
package htts

import (
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/joeycumines/go-catrate"

	hio "github.com/hyung-hwan/hio-go"
	"github.com/hyung-hwan/hio-go/htrd"
)

// idleCeiling is the client idle timeout
const idleCeiling = 10 * time.Second

// Bind describes one listening socket the service should create.
type Bind struct {
	Addr     string
	Family   hio.SocketFamily
	Flags    hio.ListenFlags
	CertFile string
	KeyFile  string
}

// ProcReqFunc is supplied by the embedder and invoked from the client's
// HTRD Peek callback, once request headers are available. It inspects
// method/path and calls one of the task constructors (DoFile, DoCGI,
// DoFCGI, DoThread, DoText) to bind a task to the request.
type ProcReqFunc func(svc *Service, cli *Client, rec *htrd.Record)

// Service is one HTTS instance: a set of listeners sharing a client list,
// an idle-client scanner, and the task framework's shared limits.
type Service struct {
	Loop    *hio.Loop
	ProcReq ProcReqFunc

	Docroot    string
	IndexFile  string
	ListDir    bool
	ReadOnly   bool
	CGIMax     int
	ServerName string

	// FCGI is the upstream FastCGI client session tasks dispatch to via
	// DoFCGI. Nil unless the embedder assigns one (see DialFCGI).
	FCGI *FCGIClient

	binds     []Bind
	listeners []*hio.Device
	clients   map[*hio.Device]*Client

	cgiActive  int
	cgiLimiter *catrate.Limiter

	svc *hio.Service
}

// Start allocates a Service, creates one listening socket per bind, and
// schedules the idle-client scanner.
func Start(loop *hio.Loop, binds []Bind, procReq ProcReqFunc) (*Service, error) {
	s := &Service{
		Loop:       loop,
		ProcReq:    procReq,
		ServerName: "hio-htts",
		CGIMax:     32,
		binds:      binds,
		clients:    make(map[*hio.Device]*Client),
		// Per-remote-address fork rate ceiling, independent of the hard
		// CGIMax concurrency ceiling: at most 8 forks/sec and 60/min from
		// any single address.
		cgiLimiter: catrate.NewLimiter(map[time.Duration]int{
			time.Second: 8,
			time.Minute: 60,
		}),
	}

	for _, b := range binds {
		var dev *hio.Device
		var err error
		switch b.Family {
		case hio.QX:
			dev, err = loop.NewQXListener(hio.Callbacks{
				OnRawAccept:  s.adoptHandoff,
				OnDisconnect: s.listenerOnDisconnect,
			})
		default:
			dev, err = loop.NewTCPListener(b.Addr, b.Family, b.Flags, hio.Callbacks{
				OnConnect:    s.listenerOnConnect,
				OnDisconnect: s.listenerOnDisconnect,
			})
		}
		if err != nil {
			s.Stop()
			return nil, err
		}
		s.listeners = append(s.listeners, dev)
	}

	loop.ScheduleTimerAfter(idleCeiling/4, s.haltIdleClientsTick, nil)
	s.svc = loop.StartService("htts", func(l *hio.Loop) { s.Stop() })

	return s, nil
}

func (s *Service) haltIdleClientsTick(l *hio.Loop, now hio.Instant, job *hio.TimerJob) {
	s.haltIdleClients(now)
	l.ScheduleTimerAfter(idleCeiling/4, s.haltIdleClientsTick, nil)
}

// haltIdleClients halts every client whose last-active instant predates
// the idle ceiling and has no bound task. A client with a bound task is
// never evicted regardless of activity time.
func (s *Service) haltIdleClients(now hio.Instant) {
	for dev, cli := range s.clients {
		if cli.task != nil {
			continue
		}
		if now.Sub(cli.lastActive) >= idleCeiling {
			s.Loop.Halt(dev)
		}
	}
}

// Stop kills every listener and every client.
func (s *Service) Stop() {
	for _, l := range s.listeners {
		s.Loop.Halt(l)
	}
	s.listeners = nil
	for dev := range s.clients {
		s.Loop.Halt(dev)
	}
	if s.FCGI != nil {
		s.FCGI.Close()
		s.FCGI = nil
	}
}

func (s *Service) listenerOnConnect(dev *hio.Device) {
	if dev.State&hio.StAccepted == 0 {
		return
	}
	s.initClient(dev)
}

func (s *Service) listenerOnDisconnect(dev *hio.Device) {}

// adoptHandoff is the QX listener's raw-accept handler: another loop's
// listener accepted this connection and wrote its fd over the
// side-channel; wrap it as a client device on this loop.
func (s *Service) adoptHandoff(listener *hio.Device, fd int, peer net.Addr) {
	dev, err := s.Loop.AdoptSocket(fd, peer, hio.Callbacks{
		OnConnect:    s.listenerOnConnect,
		OnDisconnect: s.listenerOnDisconnect,
	})
	if err != nil {
		return
	}
	_ = dev
}

// WriteToSideChannel hands an accepted connection to the listener at
// idx: the message is written on that listener's internal pipe and the
// owning loop adopts the carried fd as a client. Only QX listeners
// carry a side-channel; any other idx is an error.
func (s *Service) WriteToSideChannel(idx int, msg hio.QXMessage) error {
	if idx < 0 || idx >= len(s.listeners) {
		return hio.NewError(hio.KindInvalid, "htts.writetosidechan", nil)
	}
	return s.listeners[idx].WriteToSideChannel(hio.EncodeQXMessage(msg))
}

// listenAddr and listenPort report the first TCP bind's host/port, for
// the SERVER_ADDR/SERVER_PORT CGI environment variables. A QX- or
// UNIX-only service has no meaningful value here; both return the zero
// value.
func (s *Service) listenAddr() string {
	host, _ := s.firstTCPBindHostPort()
	return host
}

func (s *Service) listenPort() int {
	_, port := s.firstTCPBindHostPort()
	return port
}

func (s *Service) firstTCPBindHostPort() (string, int) {
	for _, b := range s.binds {
		if b.Family != hio.TCP4 && b.Family != hio.TCP6 {
			continue
		}
		host, portStr, err := splitHostPort(b.Addr)
		if err != nil {
			continue
		}
		port, _ := strconv.Atoi(portStr)
		return host, port
	}
	return "", 0
}

func splitHostPort(addr string) (host, port string, err error) {
	i := strings.LastIndexByte(addr, ':')
	if i < 0 {
		return "", "", hio.NewError(hio.KindInvalid, "htts.bind", nil)
	}
	return addr[:i], addr[i+1:], nil
}
