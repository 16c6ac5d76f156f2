/*Package comm provides the byte-stream transport used to reach lab hardware
over RS232 or a TCP terminal server.

A RemoteDevice is an io.ReadWriteCloser once opened:

	rd := comm.NewRemoteDevice("/dev/ttyUSB0", true, &serial.Config{Name: "/dev/ttyUSB0", Baud: 115200})
	if err := rd.Open(); err != nil {
		return err
	}
	defer rd.Close()

For TCP, Addr is host:port of the terminal server port and the serial
config may be nil.
*/
package comm

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"
)

var (
	// ErrNoSerialConf is generated when IsSerial is true and no serial config was given
	ErrNoSerialConf = errors.New("comm: IsSerial=true but no serial config given")

	// ErrNotConnected is generated when I/O is attempted before Open
	ErrNotConnected = errors.New("comm: conn is nil, not connected to remote")
)

// RemoteDevice has an address and implements io.ReadWriteCloser.
//
// Reads and writes may happen concurrently with each other, as with any
// full duplex stream.
type RemoteDevice struct {
	Addr     string
	IsSerial bool

	// DialTimeout bounds a single TCP connection attempt
	DialTimeout time.Duration

	mu     sync.Mutex
	conn   io.ReadWriteCloser
	serCfg *serial.Config
}

// NewRemoteDevice creates a new RemoteDevice instance
func NewRemoteDevice(addr string, serial bool, serCfg *serial.Config) RemoteDevice {
	return RemoteDevice{
		Addr:        addr,
		IsSerial:    serial,
		DialTimeout: 3 * time.Second,
		serCfg:      serCfg}
}

// SerialConf returns the serial config used to open a serial device
func (rd *RemoteDevice) SerialConf() *serial.Config {
	return rd.serCfg
}

// Open the connection.  Attempts are retried with exponential backoff for a
// few seconds; a refused connection is not retried.
func (rd *RemoteDevice) Open() error {
	var refused error
	op := func() error {
		err := rd.open()
		if err != nil && strings.Contains(strings.ToLower(err.Error()), "refused") {
			refused = err
			return nil
		}
		return err
	}
	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      3 * time.Second,
		Clock:               backoff.SystemClock})
	if refused != nil {
		return refused
	}
	if err != nil {
		return fmt.Errorf("comm: connection timeout to %s: %w", rd.Addr, err)
	}
	return nil
}

func (rd *RemoteDevice) open() error {
	var (
		conn io.ReadWriteCloser
		err  error
	)
	if rd.IsSerial {
		if rd.serCfg == nil {
			return ErrNoSerialConf
		}
		conn, err = serial.OpenPort(rd.serCfg)
	} else {
		conn, err = TCPSetup(rd.Addr, rd.DialTimeout)
	}
	if err != nil {
		return err
	}
	rd.mu.Lock()
	rd.conn = conn
	rd.mu.Unlock()
	return nil
}

func (rd *RemoteDevice) c() io.ReadWriteCloser {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	return rd.conn
}

// Read reads from the remote.  A serial read that times out with no data
// returns 0, nil rather than io.EOF so that EOF always means the stream is
// gone.
func (rd *RemoteDevice) Read(p []byte) (int, error) {
	conn := rd.c()
	if conn == nil {
		return 0, ErrNotConnected
	}
	n, err := conn.Read(p)
	if rd.IsSerial && n == 0 && err == io.EOF {
		return 0, nil
	}
	return n, err
}

// Write writes to the remote
func (rd *RemoteDevice) Write(p []byte) (int, error) {
	conn := rd.c()
	if conn == nil {
		return 0, ErrNotConnected
	}
	return conn.Write(p)
}

// Close the connection
func (rd *RemoteDevice) Close() error {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	if rd.conn == nil {
		return ErrNotConnected
	}
	err := rd.conn.Close()
	rd.conn = nil
	return err
}

// TCPSetup opens a new TCP connection with a timeout on connect.  The
// connection has no read or write deadline, it is meant to be held open.
func TCPSetup(addr string, timeout time.Duration) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetKeepAlive(true)
		tc.SetKeepAlivePeriod(30 * time.Second)
	}
	return conn, nil
}
