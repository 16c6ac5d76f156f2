/*Package apt implements the host side of the Thorlabs APT binary protocol
used by card-slot motor controllers such as the BBD102/BBD103/BBD203
brushless DC drivers.

The package is layered the same way the wire is:

	Address    module addressing (host, motherboard, bays, generic USB)
	Kind       the closed catalogue of message identifiers and payload schemas
	Frame      6-byte fixed frames and header+payload variable frames
	Controller request/response correlation, update routing and channel state

A Controller owns one byte stream to one controller (usually a
comm.RemoteDevice on a serial port) and may be used from many goroutines at
once.  Operations on different bays, or different request families on the
same bay, proceed independently.

	rd := comm.NewRemoteDevice("/dev/ttyUSB0", true, apt.SerialConf("/dev/ttyUSB0"))
	if err := rd.Open(); err != nil {
		log.Fatal(err)
	}
	ctl := apt.NewController(&rd, apt.DefaultConfig())
	defer ctl.Close()
	ctx := context.Background()
	err := ctl.SetChannelEnabled(ctx, apt.Bay0, apt.Channel1, true)
	...
	err = ctl.MoveHome(ctx, apt.Bay0, apt.Channel1)
	...
	err = ctl.WaitHomed(ctx, apt.Bay0, apt.Channel1)

All positions, velocities and accelerations are carried in raw device units
(encoder counts and their derived units).  Use Scale to convert at the
boundary.
*/
package apt

import (
	"errors"
	"fmt"
	"time"

	"github.com/tarm/serial"
)

var (
	// ErrInvalidAddress is generated when a byte is not a known module address,
	// or when a frame would be addressed to its own source
	ErrInvalidAddress = errors.New("apt: invalid module address")

	// ErrUnknownMessageID is generated when decoding a message ID that is not
	// in the catalogue
	ErrUnknownMessageID = errors.New("apt: unknown message id")

	// ErrMalformedAddressBit is generated when the variable-frame marker on the
	// destination byte disagrees with the shape of the message
	ErrMalformedAddressBit = errors.New("apt: destination marker bit does not match frame shape")

	// ErrTruncatedFrame is generated when fewer bytes are available than the
	// frame announces
	ErrTruncatedFrame = errors.New("apt: truncated frame")

	// ErrTrailingBytes is generated when a buffer holds more than one frame's worth of bytes
	ErrTrailingBytes = errors.New("apt: trailing bytes after frame")

	// ErrSchemaViolation is generated when the values given for a message do
	// not match its schema
	ErrSchemaViolation = errors.New("apt: values do not match message schema")

	// ErrInvalidChannel is generated for channel numbers outside [1, MaxChannel]
	ErrInvalidChannel = errors.New("apt: invalid channel")

	// ErrTimeout is generated when the hardware did not reply before the deadline
	ErrTimeout = errors.New("apt: timed out waiting for response")

	// ErrTransport is generated when bytes could not be handed to the transport
	ErrTransport = errors.New("apt: transport error")

	// ErrDisconnected is generated for operations outstanding or issued after
	// the transport has failed or the controller was closed
	ErrDisconnected = errors.New("apt: disconnected")

	// ErrBusy is generated in fail-fast mode when a request of the same
	// family is already outstanding to the same module
	ErrBusy = errors.New("apt: request of this kind already pending")
)

// HWError is an error reported by the hardware through HW_RESPONSE or
// HW_RICHRESPONSE
type HWError struct {
	Source   Address
	MsgIdent MessageID
	Code     uint16
	Notes    string
}

// Error satisfies stdlib error interface
func (e HWError) Error() string {
	if e.Notes == "" {
		return fmt.Sprintf("apt: %s reported error %d in response to %s", e.Source, e.Code, e.MsgIdent)
	}
	return fmt.Sprintf("apt: %s reported error %d in response to %s - %s", e.Source, e.Code, e.MsgIdent, e.Notes)
}

// Channel identifies a motor channel within a module
type Channel uint8

const (
	// Channel1 is the first (for bay cards, the only) channel
	Channel1 Channel = 1

	// Channel2 is the second channel of a multi-channel module
	Channel2 Channel = 2

	// MaxChannel is the largest channel number accepted
	MaxChannel Channel = 4
)

func validChannel(ch Channel) error {
	if ch < Channel1 || ch > MaxChannel {
		return fmt.Errorf("%w: %d", ErrInvalidChannel, ch)
	}
	return nil
}

// SerialConf makes a new serial config with the settings of the RS232
// interface: 115200 baud, 8 data bits, 1 stop bit, no parity.
//
// The controller expects RTS/CTS handshaking, which tarm/serial does not
// drive; a cable with RTS looped to CTS, or a USB adapter with hardware
// flow control enabled in its driver, is required.
func SerialConf(addr string) *serial.Config {
	return &serial.Config{
		Name:        addr,
		Baud:        115200,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: 100 * time.Millisecond}
}
