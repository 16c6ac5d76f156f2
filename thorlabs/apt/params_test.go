package apt

import (
	"errors"
	"math"
	"testing"
)

func TestScale(t *testing.T) {
	s := Scale{Position: 34304, Velocity: 767367.49, Acceleration: 261.93}
	counts := func(s Scale, pos float64) int32 {
		t.Helper()
		c, err := s.ToCounts(pos)
		if err != nil {
			t.Fatal(err)
		}
		return c
	}
	if c := counts(s, 1.5); c != 51456 {
		t.Errorf("1.5 mm is %d counts, expected 51456", c)
	}
	if c := counts(s, -1.5); c != -51456 {
		t.Errorf("-1.5 mm is %d counts, expected -51456", c)
	}
	if p := s.FromCounts(34304); p != 1 {
		t.Errorf("34304 counts is %f mm, expected 1", p)
	}
	v, err := s.ToVelocity(2)
	if err != nil {
		t.Fatal(err)
	}
	if got := s.FromVelocity(v); math.Abs(got-2) > 1e-5 {
		t.Errorf("velocity round trip gave %f", got)
	}
	a, err := s.ToAcceleration(10)
	if err != nil {
		t.Fatal(err)
	}
	if got := s.FromAcceleration(a); math.Abs(got-10) > 1e-2 {
		t.Errorf("acceleration round trip gave %f", got)
	}

	var zero Scale
	if c := counts(zero, 42); c != 42 {
		t.Errorf("zero scale should pass through, got %d", c)
	}
	if c := counts(DefaultScale, 0.5); c != 1 {
		t.Errorf("0.5 should round away from zero, got %d", c)
	}
	if c := counts(DefaultScale, -0.5); c != -1 {
		t.Errorf("-0.5 should round away from zero, got %d", c)
	}
	if c := counts(DefaultScale, math.MaxInt32); c != math.MaxInt32 {
		t.Errorf("largest position gave %d", c)
	}
	if c := counts(DefaultScale, math.MinInt32); c != math.MinInt32 {
		t.Errorf("smallest position gave %d", c)
	}
}

func TestScaleRejectsOutOfRange(t *testing.T) {
	s := Scale{Position: 34304, Velocity: 767367.49, Acceleration: 261.93}
	for _, v := range []float64{3e9, -3e9, math.MaxInt32 + 1, math.NaN(), math.Inf(1), math.Inf(-1)} {
		if c, err := DefaultScale.ToCounts(v); !errors.Is(err, ErrSchemaViolation) {
			t.Errorf("position %g: expected ErrSchemaViolation, got %d, %v", v, c, err)
		}
	}
	if _, err := s.ToCounts(1e5); !errors.Is(err, ErrSchemaViolation) {
		t.Errorf("1e5 mm overflows the counts but was accepted: %v", err)
	}
	if _, err := s.ToVelocity(1e4); !errors.Is(err, ErrSchemaViolation) {
		t.Errorf("velocity overflow was accepted: %v", err)
	}
	if _, err := s.ToAcceleration(math.Inf(1)); !errors.Is(err, ErrSchemaViolation) {
		t.Errorf("infinite acceleration was accepted: %v", err)
	}
}

func TestStatusBits(t *testing.T) {
	tests := []struct {
		name string
		bits StatusBits
		fn   func(StatusBits) bool
		want bool
	}{
		{"cw hard", 1 << bitCWHardLimit, StatusBits.CWLimit, true},
		{"cw soft", 1 << bitCWSoftLimit, StatusBits.CWLimit, true},
		{"ccw hard", 1 << bitCCWHardLimit, StatusBits.CCWLimit, true},
		{"ccw not cw", 1 << bitCCWHardLimit, StatusBits.CWLimit, false},
		{"moving ccw", 1 << bitMovingCCW, StatusBits.Moving, true},
		{"homing moves", 1 << bitHoming, StatusBits.Moving, true},
		{"jogging", 1 << bitJoggingCW, StatusBits.Jogging, true},
		{"homed", 1 << bitHomed, StatusBits.Homed, true},
		{"in position", 1<<bitTracking | 1<<bitSettled, StatusBits.InPosition, true},
		{"tracking only", 1 << bitTracking, StatusBits.InPosition, false},
		{"enabled", 1 << bitEnabled, StatusBits.Enabled, true},
		{"idle", 0, StatusBits.Moving, false},
	}
	for _, tt := range tests {
		if got := tt.fn(tt.bits); got != tt.want {
			t.Errorf("%s: expected %v, got %v", tt.name, tt.want, got)
		}
	}
}

func TestHardwareInfoThroughFrame(t *testing.T) {
	info := HardwareInfo{
		SerialNumber:    83812345,
		ModelNumber:     "BBD203",
		Type:            16,
		FirmwareVersion: 0x00020A01,
		Notes:           "Brushless DC Motor Controller",
		HWVersion:       3,
		ModState:        0,
		NumChannels:     3}
	b, err := Encode(HWGetInfo, Host, Motherboard, info.values()...)
	if err != nil {
		t.Fatal(err)
	}
	if len(b) != 90 {
		t.Errorf("HW_GET_INFO is 90 bytes on the wire, got %d", len(b))
	}
	f, err := Decode(b)
	if err != nil {
		t.Fatal(err)
	}
	vals, err := f.Values()
	if err != nil {
		t.Fatal(err)
	}
	got := hardwareInfoFrom(vals)
	if got != info {
		t.Errorf("expected %+v, got %+v", info, got)
	}
	if fw := got.Firmware(); fw != "2.10.1" {
		t.Errorf("firmware %q, expected 2.10.1", fw)
	}
}

func TestParamValuesRoundTrip(t *testing.T) {
	jog := JogParams{Mode: JogSingleStep, StepSize: 500, MinVel: 1, Accn: 2, MaxVel: 3, StopMode: StopProfiled}
	if got := jogParamsFrom(jog.values(Channel1)); got != jog {
		t.Errorf("jog: expected %+v, got %+v", jog, got)
	}
	home := HomeParams{Direction: 2, LimitSwitch: 1, Velocity: 1000, Offset: -20}
	if got := homeParamsFrom(home.values(Channel1)); got != home {
		t.Errorf("home: expected %+v, got %+v", home, got)
	}
	lim := LimitSwitchParams{CWHard: 2, CCWHard: 2, CWSoft: 100, CCWSoft: -100, Mode: 1}
	if got := limitSwitchParamsFrom(lim.values(Channel2)); got != lim {
		t.Errorf("limits: expected %+v, got %+v", lim, got)
	}
	vel := VelocityParams{MinVel: 0, Accn: 4506, MaxVel: 134218}
	if got := velocityParamsFrom(vel.values(Channel1)); got != vel {
		t.Errorf("velocity: expected %+v, got %+v", vel, got)
	}
}
