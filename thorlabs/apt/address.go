package apt

import (
	"fmt"
	"strconv"
	"strings"
)

// Address is a module address used as the source or destination of a frame.
type Address byte

const (
	// Host is the controlling computer
	Host Address = 0x01

	// Motherboard is the rack controller (e.g. BBD203) itself
	Motherboard Address = 0x11

	// Bay0 through Bay9 are the card slots of a rack
	Bay0 Address = 0x21
	Bay1 Address = 0x22
	Bay2 Address = 0x23
	Bay3 Address = 0x24
	Bay4 Address = 0x25
	Bay5 Address = 0x26
	Bay6 Address = 0x27
	Bay7 Address = 0x28
	Bay8 Address = 0x29
	Bay9 Address = 0x2A

	// GenericUSB is a single-channel USB hardware unit
	GenericUSB Address = 0x50

	// variableMarker is OR'd into the destination byte of variable frames
	variableMarker = 0x80
)

// Validate converts a raw byte to an Address, rejecting anything outside
// the known module set.  Bytes carrying the variable-frame marker are not
// addresses; use StripDest for destination bytes off the wire.
func Validate(b byte) (Address, error) {
	a := Address(b)
	switch {
	case a == Host, a == Motherboard, a == GenericUSB:
		return a, nil
	case a >= Bay0 && a <= Bay9:
		return a, nil
	}
	return 0, fmt.Errorf("%w: 0x%02X", ErrInvalidAddress, b)
}

// FormatDest renders a destination address for the wire, applying the
// variable-frame marker when required
func FormatDest(a Address, s Shape) byte {
	if s == Variable {
		return byte(a) | variableMarker
	}
	return byte(a)
}

// StripDest splits a destination byte into its logical address and the
// shape implied by the marker bit
func StripDest(b byte) (Address, Shape, error) {
	shape := Fixed
	if b&variableMarker != 0 {
		shape = Variable
	}
	a, err := Validate(b &^ variableMarker)
	return a, shape, err
}

// BayAddress returns the address of bay n, 0 <= n <= 9
func BayAddress(n int) (Address, error) {
	if n < 0 || n > 9 {
		return 0, fmt.Errorf("%w: bay %d out of range [0,9]", ErrInvalidAddress, n)
	}
	return Bay0 + Address(n), nil
}

// Bay returns the bay index of the address and true, or -1 and false if the
// address is not a bay
func (a Address) Bay() (int, bool) {
	if a >= Bay0 && a <= Bay9 {
		return int(a - Bay0), true
	}
	return -1, false
}

func (a Address) String() string {
	switch a {
	case Host:
		return "host"
	case Motherboard:
		return "motherboard"
	case GenericUSB:
		return "usb"
	}
	if n, ok := a.Bay(); ok {
		return "bay" + strconv.Itoa(n)
	}
	return fmt.Sprintf("Address(0x%02X)", byte(a))
}

// ParseAddress parses the String() form of an address, or a numeric literal
// such as 0x21
func ParseAddress(s string) (Address, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "host":
		return Host, nil
	case "motherboard", "mb":
		return Motherboard, nil
	case "usb", "generic-usb":
		return GenericUSB, nil
	}
	if strings.HasPrefix(s, "bay") {
		n, err := strconv.Atoi(s[3:])
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
		}
		return BayAddress(n)
	}
	u, err := strconv.ParseUint(s, 0, 8)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	return Validate(byte(u))
}
