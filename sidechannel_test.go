package hio

import (
	"bytes"
	"net"
	"testing"
)

func TestQXMessageRoundTrip(t *testing.T) {
	in := QXMessage{
		Cmd:        QXNewConn,
		SockType:   KindSocket,
		SysHnd:     42,
		RemoteAddr: &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 8080},
	}
	wire := EncodeQXMessage(in)

	out, n, ok := DecodeQXMessage(wire)
	if !ok {
		t.Fatal("DecodeQXMessage reported incomplete for a complete message")
	}
	if n != len(wire) {
		t.Fatalf("consumed = %d, want %d", n, len(wire))
	}
	if out.Cmd != in.Cmd || out.SockType != in.SockType || out.SysHnd != in.SysHnd {
		t.Fatalf("decoded = %+v, want cmd/scktype/syshnd of %+v", out, in)
	}
	if out.RemoteAddr == nil || out.RemoteAddr.String() != in.RemoteAddr.String() {
		t.Fatalf("remote addr = %v, want %v", out.RemoteAddr, in.RemoteAddr)
	}
}

func TestQXMessageDecodePartial(t *testing.T) {
	wire := EncodeQXMessage(QXMessage{Cmd: QXNewConn, SysHnd: 7, RemoteAddr: qxTextAddr{"qx", "peer"}})
	for i := 0; i < len(wire); i++ {
		if _, _, ok := DecodeQXMessage(wire[:i]); ok {
			t.Fatalf("DecodeQXMessage accepted a %d-byte prefix of a %d-byte message", i, len(wire))
		}
	}
}

func TestQXMessageDecodeStream(t *testing.T) {
	a := EncodeQXMessage(QXMessage{Cmd: QXNewConn, SysHnd: 1})
	b := EncodeQXMessage(QXMessage{Cmd: QXNewConn, SysHnd: 2, RemoteAddr: qxTextAddr{"qx", "x"}})
	stream := append(append([]byte{}, a...), b...)

	m1, n1, ok := DecodeQXMessage(stream)
	if !ok || m1.SysHnd != 1 {
		t.Fatalf("first decode = %+v, ok=%v", m1, ok)
	}
	m2, n2, ok := DecodeQXMessage(stream[n1:])
	if !ok || m2.SysHnd != 2 {
		t.Fatalf("second decode = %+v, ok=%v", m2, ok)
	}
	if n1+n2 != len(stream) {
		t.Fatalf("consumed %d+%d, want %d", n1, n2, len(stream))
	}
	if !bytes.Equal(stream[:n1], a) {
		t.Fatal("first message bytes were not consumed exactly")
	}
}
