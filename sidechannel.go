package hio

import (
	"encoding/binary"
	"net"

	"golang.org/x/sys/unix"
)

// QXCommand is the command carried by a side-channel message.
type QXCommand uint32

const (
	// QXNewConn instructs the recipient loop to adopt SysHnd as an
	// already-accepted client socket bound to RemoteAddr.
	QXNewConn QXCommand = iota + 1
)

// QXMessage is the fixed-layout message passed across a side-channel pipe
// to hand an accepted connection from one loop to another, e.g. a
// per-CPU HTTS worker accepting on behalf of its siblings and
// round-robining the resulting fd out over QX pipes.
type QXMessage struct {
	Cmd        QXCommand
	SockType   DeviceKind
	SysHnd     int
	RemoteAddr net.Addr
}

// qxMessageWireHeader is the fixed portion of the encoded message: cmd,
// scktype, syshnd are each a uint32; the address is length-prefixed and
// appended after.
const qxMessageWireHeader = 4 + 4 + 4

// sidechannel is a loop-owned pipe used to carry QXMessage values from
// one loop's listener to another loop's QX-kind device. Writes happen
// from any goroutine (typically another loop's goroutine); reads happen
// on the owning loop via the normal device read path.
type sidechannel struct {
	wfd int
}

func newSidechannel(wfd int) *sidechannel {
	return &sidechannel{wfd: wfd}
}

// write sends a pre-encoded buffer as-is. WriteToSideChannel on Device
// takes the encoded form rather than a QXMessage so callers forwarding an
// already-encoded message from elsewhere aren't forced through
// EncodeQXMessage a second time.
func (s *sidechannel) write(msg []byte) error {
	_, err := unix.Write(s.wfd, msg)
	return err
}

// EncodeQXMessage serializes msg to the wire layout read by
// DecodeQXMessage on the receiving loop.
func EncodeQXMessage(msg QXMessage) []byte {
	addrBytes := encodeAddr(msg.RemoteAddr)
	buf := make([]byte, qxMessageWireHeader+4+len(addrBytes))
	binary.BigEndian.PutUint32(buf[0:4], uint32(msg.Cmd))
	binary.BigEndian.PutUint32(buf[4:8], uint32(msg.SockType))
	binary.BigEndian.PutUint32(buf[8:12], uint32(msg.SysHnd))
	binary.BigEndian.PutUint32(buf[12:16], uint32(len(addrBytes)))
	copy(buf[16:], addrBytes)
	return buf
}

// DecodeQXMessage parses a buffer produced by EncodeQXMessage. ok is
// false if buf does not contain a complete message (the caller should
// buffer and retry once more data arrives, the same partial-frame
// handling every other device read path uses).
func DecodeQXMessage(buf []byte) (msg QXMessage, n int, ok bool) {
	if len(buf) < qxMessageWireHeader+4 {
		return QXMessage{}, 0, false
	}
	addrLen := int(binary.BigEndian.Uint32(buf[12:16]))
	total := qxMessageWireHeader + 4 + addrLen
	if len(buf) < total {
		return QXMessage{}, 0, false
	}
	msg = QXMessage{
		Cmd:      QXCommand(binary.BigEndian.Uint32(buf[0:4])),
		SockType: DeviceKind(binary.BigEndian.Uint32(buf[4:8])),
		SysHnd:   int(binary.BigEndian.Uint32(buf[8:12])),
	}
	msg.RemoteAddr = decodeAddr(buf[16:total])
	return msg, total, true
}

func encodeAddr(a net.Addr) []byte {
	if a == nil {
		return nil
	}
	return []byte(a.String())
}

// qxTextAddr is a net.Addr that only round-trips through its String
// form; sufficient for logging and for the HTTS task layer, which only
// ever needs the peer address as text.
type qxTextAddr struct {
	network, addr string
}

func (a qxTextAddr) Network() string { return a.network }
func (a qxTextAddr) String() string  { return a.addr }

func decodeAddr(b []byte) net.Addr {
	if len(b) == 0 {
		return nil
	}
	return qxTextAddr{network: "qx", addr: string(b)}
}
