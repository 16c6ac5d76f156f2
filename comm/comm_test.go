package comm_test

import (
	"bytes"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/nasa-jpl/golab-apt/comm"
)

func tcpEchoServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("could not listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() { io.Copy(conn, conn) }()
		}
	}()
	return ln.Addr().String()
}

func TestRemoteDeviceEchoesOverTCP(t *testing.T) {
	addr := tcpEchoServer(t)
	rd := comm.NewRemoteDevice(addr, false, nil)
	if err := rd.Open(); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rd.Close()
	msg := []byte{0x23, 0x02, 0x00, 0x00, 0x21, 0x01}
	if _, err := rd.Write(msg); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, len(msg))
	if _, err := io.ReadFull(&rd, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(buf, msg) {
		t.Errorf("expected echo % X, got % X", msg, buf)
	}
}

func TestIOBeforeOpenIsNotConnected(t *testing.T) {
	rd := comm.NewRemoteDevice("127.0.0.1:1", false, nil)
	if _, err := rd.Write([]byte{1}); !errors.Is(err, comm.ErrNotConnected) {
		t.Errorf("write: expected ErrNotConnected, got %v", err)
	}
	if _, err := rd.Read(make([]byte, 1)); !errors.Is(err, comm.ErrNotConnected) {
		t.Errorf("read: expected ErrNotConnected, got %v", err)
	}
}

func TestOpenRefusedFailsFast(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("could not listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	rd := comm.NewRemoteDevice(addr, false, nil)
	start := time.Now()
	if err := rd.Open(); err == nil {
		rd.Close()
		t.Fatal("expected open of a closed port to fail")
	}
	if time.Since(start) > time.Second {
		t.Errorf("refused connection was retried for %v", time.Since(start))
	}
}

func TestSerialWithoutConfig(t *testing.T) {
	rd := comm.NewRemoteDevice("/dev/null", true, nil)
	if err := rd.Open(); !errors.Is(err, comm.ErrNoSerialConf) {
		t.Errorf("expected ErrNoSerialConf, got %v", err)
	}
}
