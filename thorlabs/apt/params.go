package apt

import (
	"bytes"
	"fmt"
	"math"

	"github.com/nasa-jpl/golab-apt/util"
)

// all motion quantities are kept in device units: encoder counts for
// position, and the controller's scaled integer units for velocity and
// acceleration.

// VelocityParams are the trapezoidal velocity profile parameters
type VelocityParams struct {
	MinVel int32 `json:"minVel"`
	Accn   int32 `json:"accn"`
	MaxVel int32 `json:"maxVel"`
}

func (p VelocityParams) values(ch Channel) []Value {
	return []Value{Num(int64(ch)), Num(int64(p.MinVel)), Num(int64(p.Accn)), Num(int64(p.MaxVel))}
}

func velocityParamsFrom(v []Value) VelocityParams {
	return VelocityParams{MinVel: int32(v[1].Num), Accn: int32(v[2].Num), MaxVel: int32(v[3].Num)}
}

// JogMode selects continuous or single step jogging
type JogMode uint16

const (
	// JogContinuous jogs for as long as the jog command is held
	JogContinuous JogMode = 1

	// JogSingleStep jogs by JogParams.StepSize per command
	JogSingleStep JogMode = 2
)

// StopMode selects how motion is stopped
type StopMode uint16

const (
	// StopImmediate stops abruptly
	StopImmediate StopMode = 1

	// StopProfiled decelerates along the velocity profile
	StopProfiled StopMode = 2
)

// Direction is the sense of a jog or velocity move
type Direction uint8

const (
	// Forward moves toward increasing position
	Forward Direction = 1

	// Reverse moves toward decreasing position
	Reverse Direction = 2
)

func (d Direction) valid() error {
	if d != Forward && d != Reverse {
		return fmt.Errorf("%w: direction %d", ErrSchemaViolation, d)
	}
	return nil
}

// JogParams configure the jog buttons and MoveJog
type JogParams struct {
	Mode     JogMode  `json:"mode"`
	StepSize int32    `json:"stepSize"`
	MinVel   int32    `json:"minVel"`
	Accn     int32    `json:"accn"`
	MaxVel   int32    `json:"maxVel"`
	StopMode StopMode `json:"stopMode"`
}

func (p JogParams) values(ch Channel) []Value {
	return []Value{
		Num(int64(ch)),
		Num(int64(p.Mode)),
		Num(int64(p.StepSize)),
		Num(int64(p.MinVel)),
		Num(int64(p.Accn)),
		Num(int64(p.MaxVel)),
		Num(int64(p.StopMode))}
}

func jogParamsFrom(v []Value) JogParams {
	return JogParams{
		Mode:     JogMode(v[1].Num),
		StepSize: int32(v[2].Num),
		MinVel:   int32(v[3].Num),
		Accn:     int32(v[4].Num),
		MaxVel:   int32(v[5].Num),
		StopMode: StopMode(v[6].Num)}
}

// HomeParams configure the homing sequence
type HomeParams struct {
	Direction   uint16 `json:"direction"`
	LimitSwitch uint16 `json:"limitSwitch"`
	Velocity    int32  `json:"velocity"`
	Offset      int32  `json:"offset"`
}

func (p HomeParams) values(ch Channel) []Value {
	return []Value{
		Num(int64(ch)),
		Num(int64(p.Direction)),
		Num(int64(p.LimitSwitch)),
		Num(int64(p.Velocity)),
		Num(int64(p.Offset))}
}

func homeParamsFrom(v []Value) HomeParams {
	return HomeParams{
		Direction:   uint16(v[1].Num),
		LimitSwitch: uint16(v[2].Num),
		Velocity:    int32(v[3].Num),
		Offset:      int32(v[4].Num)}
}

// LimitSwitchParams configure the hard and soft limits
type LimitSwitchParams struct {
	CWHard  uint16 `json:"cwHard"`
	CCWHard uint16 `json:"ccwHard"`
	CWSoft  int32  `json:"cwSoft"`
	CCWSoft int32  `json:"ccwSoft"`
	Mode    uint16 `json:"mode"`
}

func (p LimitSwitchParams) values(ch Channel) []Value {
	return []Value{
		Num(int64(ch)),
		Num(int64(p.CWHard)),
		Num(int64(p.CCWHard)),
		Num(int64(p.CWSoft)),
		Num(int64(p.CCWSoft)),
		Num(int64(p.Mode))}
}

func limitSwitchParamsFrom(v []Value) LimitSwitchParams {
	return LimitSwitchParams{
		CWHard:  uint16(v[1].Num),
		CCWHard: uint16(v[2].Num),
		CWSoft:  int32(v[3].Num),
		CCWSoft: int32(v[4].Num),
		Mode:    uint16(v[5].Num)}
}

// MoveRelParams hold the distance of a parameterless relative move
type MoveRelParams struct {
	Distance int32 `json:"distance"`
}

// MoveAbsParams hold the target of a parameterless absolute move
type MoveAbsParams struct {
	Position int32 `json:"position"`
}

// ADCInputs are the two analog inputs of a channel
type ADCInputs struct {
	Input1 uint16 `json:"input1"`
	Input2 uint16 `json:"input2"`
}

// StatusBits is the status word of a DC servo channel
type StatusBits uint32

// bit indices within StatusBits
const (
	bitCWHardLimit  = 0
	bitCCWHardLimit = 1
	bitCWSoftLimit  = 2
	bitCCWSoftLimit = 3
	bitMovingCW     = 4
	bitMovingCCW    = 5
	bitJoggingCW    = 6
	bitJoggingCCW   = 7
	bitHoming       = 9
	bitHomed        = 10
	bitTracking     = 12
	bitSettled      = 13
	bitEnabled      = 31
)

func (s StatusBits) bit(i uint) bool {
	return util.GetBit32(uint32(s), i)
}

// CWLimit is true when either clockwise limit is active
func (s StatusBits) CWLimit() bool { return s.bit(bitCWHardLimit) || s.bit(bitCWSoftLimit) }

// CCWLimit is true when either counter-clockwise limit is active
func (s StatusBits) CCWLimit() bool { return s.bit(bitCCWHardLimit) || s.bit(bitCCWSoftLimit) }

// Moving is true while the motor is in motion for any reason
func (s StatusBits) Moving() bool {
	return s.bit(bitMovingCW) || s.bit(bitMovingCCW) || s.bit(bitJoggingCW) || s.bit(bitJoggingCCW) || s.bit(bitHoming)
}

// Jogging is true while a jog is in progress
func (s StatusBits) Jogging() bool { return s.bit(bitJoggingCW) || s.bit(bitJoggingCCW) }

// Homing is true while the homing sequence runs
func (s StatusBits) Homing() bool { return s.bit(bitHoming) }

// Homed is true once the channel has been homed
func (s StatusBits) Homed() bool { return s.bit(bitHomed) }

// InPosition is true when the servo is tracking and has settled
func (s StatusBits) InPosition() bool { return s.bit(bitTracking) && s.bit(bitSettled) }

// Enabled is true when the channel is energized
func (s StatusBits) Enabled() bool { return s.bit(bitEnabled) }

// Status is the DC servo status carried by MOVE_COMPLETED, MOVE_STOPPED and
// the status update messages
type Status struct {
	Position     int32      `json:"position"`
	Velocity     uint16     `json:"velocity"`
	MotorCurrent int16      `json:"motorCurrent"`
	Bits         StatusBits `json:"bits"`
}

func statusFrom(v []Value) Status {
	return Status{
		Position:     int32(v[1].Num),
		Velocity:     uint16(v[2].Num),
		MotorCurrent: int16(v[3].Num),
		Bits:         StatusBits(v[4].Num)}
}

// HardwareInfo is the reply to HW_REQ_INFO
type HardwareInfo struct {
	SerialNumber    uint32 `json:"serialNumber"`
	ModelNumber     string `json:"modelNumber"`
	Type            uint16 `json:"type"`
	FirmwareVersion uint32 `json:"firmwareVersion"`
	Notes           string `json:"notes"`
	HWVersion       uint16 `json:"hwVersion"`
	ModState        uint16 `json:"modState"`
	NumChannels     uint16 `json:"numChannels"`
}

// Firmware formats the firmware version as major.minor.interim
func (h HardwareInfo) Firmware() string {
	v := h.FirmwareVersion
	return fmt.Sprintf("%d.%d.%d", (v>>16)&0xFF, (v>>8)&0xFF, v&0xFF)
}

func hardwareInfoFrom(v []Value) HardwareInfo {
	return HardwareInfo{
		SerialNumber:    uint32(v[0].Num),
		ModelNumber:     cString(v[1].Raw),
		Type:            uint16(v[2].Num),
		FirmwareVersion: uint32(v[3].Num),
		Notes:           cString(v[4].Raw),
		HWVersion:       uint16(v[6].Num),
		ModState:        uint16(v[7].Num),
		NumChannels:     uint16(v[8].Num)}
}

func (h HardwareInfo) values() []Value {
	return []Value{
		Num(int64(h.SerialNumber)),
		Raw([]byte(truncate(h.ModelNumber, 8))),
		Num(int64(h.Type)),
		Num(int64(h.FirmwareVersion)),
		Raw([]byte(truncate(h.Notes, 48))),
		Raw(nil),
		Num(int64(h.HWVersion)),
		Num(int64(h.ModState)),
		Num(int64(h.NumChannels))}
}

func hwErrorFrom(src Address, v []Value) HWError {
	return HWError{
		Source:   src,
		MsgIdent: MessageID(v[0].Num),
		Code:     uint16(v[1].Num),
		Notes:    cString(v[2].Raw)}
}

// cString trims a NUL padded char field
func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(bytes.TrimSpace(b))
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

// Scale converts between real units and device units.  Each factor is the
// number of device units per real unit, for example encoder counts per mm.
type Scale struct {
	Position     float64 `yaml:"Position" json:"position"`
	Velocity     float64 `yaml:"Velocity" json:"velocity"`
	Acceleration float64 `yaml:"Acceleration" json:"acceleration"`
}

// DefaultScale passes device units through unchanged
var DefaultScale = Scale{Position: 1, Velocity: 1, Acceleration: 1}

func factor(f float64) float64 {
	if f == 0 {
		return 1
	}
	return f
}

// toDevice scales v and rounds it half away from zero.  Results which do not
// fit the 32-bit fields of the protocol are rejected rather than wrapped.
func toDevice(what string, v, scale float64) (int32, error) {
	f := math.Round(v * factor(scale))
	if math.IsNaN(f) || f < math.MinInt32 || f > math.MaxInt32 {
		return 0, fmt.Errorf("%w: %s %g is %g device units, outside the 32-bit range", ErrSchemaViolation, what, v, f)
	}
	return int32(f), nil
}

// ToCounts converts a position in real units to encoder counts
func (s Scale) ToCounts(pos float64) (int32, error) { return toDevice("position", pos, s.Position) }

// FromCounts converts encoder counts to a position in real units
func (s Scale) FromCounts(c int32) float64 { return float64(c) / factor(s.Position) }

// ToVelocity converts a velocity in real units to device units
func (s Scale) ToVelocity(v float64) (int32, error) { return toDevice("velocity", v, s.Velocity) }

// FromVelocity converts a velocity in device units to real units
func (s Scale) FromVelocity(v int32) float64 { return float64(v) / factor(s.Velocity) }

// ToAcceleration converts an acceleration in real units to device units
func (s Scale) ToAcceleration(a float64) (int32, error) {
	return toDevice("acceleration", a, s.Acceleration)
}

// FromAcceleration converts an acceleration in device units to real units
func (s Scale) FromAcceleration(a int32) float64 { return float64(a) / factor(s.Acceleration) }
