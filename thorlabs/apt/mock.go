package apt

import (
	"io"
	"sync"
	"time"
)

type mockChannel struct {
	enabled  bool
	homed    bool
	moving   bool
	pos      int32
	vel      VelocityParams
	jog      JogParams
	home     HomeParams
	lim      LimitSwitchParams
	rel      MoveRelParams
	abs      MoveAbsParams
	adc      ADCInputs
	stopMove chan struct{}
}

// MockRack simulates a BBD20x rack controller with cards in some of its
// bays.  It implements io.ReadWriteCloser from the point of view of the
// host, so it can stand in for a serial port.
type MockRack struct {
	sync.Mutex

	// MoveTime is how long simulated homes and moves take
	MoveTime time.Duration

	// UpdatePeriod is the interval of status updates once started
	UpdatePeriod time.Duration

	bays     map[Address]*mockChannel
	silent   map[Address]bool
	updating bool
	received []Frame

	hostR *io.PipeReader
	rackW *io.PipeWriter
	rackR *io.PipeReader
	hostW *io.PipeWriter

	closeOnce sync.Once
	done      chan struct{}
}

// NewMockRack returns a running rack with cards in the given bays
func NewMockRack(bays ...int) *MockRack {
	m := &MockRack{
		MoveTime:     20 * time.Millisecond,
		UpdatePeriod: 100 * time.Millisecond,
		bays:         map[Address]*mockChannel{},
		silent:       map[Address]bool{},
		done:         make(chan struct{}),
	}
	for _, b := range bays {
		if a, err := BayAddress(b); err == nil {
			m.bays[a] = &mockChannel{
				vel: VelocityParams{MinVel: 0, Accn: 4506, MaxVel: 134218},
				adc: ADCInputs{Input1: 512, Input2: 1024}}
		}
	}
	m.hostR, m.rackW = io.Pipe()
	m.rackR, m.hostW = io.Pipe()
	go m.serve()
	go m.updates()
	return m
}

// Read reads bytes sent by the rack
func (m *MockRack) Read(p []byte) (int, error) {
	return m.hostR.Read(p)
}

// Write sends bytes to the rack
func (m *MockRack) Write(p []byte) (int, error) {
	return m.hostW.Write(p)
}

// Close disconnects the rack
func (m *MockRack) Close() error {
	m.closeOnce.Do(func() {
		close(m.done)
		m.hostW.Close()
		m.rackW.Close()
		m.hostR.Close()
		m.rackR.Close()
	})
	return nil
}

// Silence makes a module ignore everything sent to it
func (m *MockRack) Silence(a Address) {
	m.Lock()
	defer m.Unlock()
	m.silent[a] = true
}

// Received returns the frames the rack has received so far
func (m *MockRack) Received() []Frame {
	m.Lock()
	defer m.Unlock()
	out := make([]Frame, len(m.received))
	copy(out, m.received)
	return out
}

// Inject sends raw bytes to the host as if the rack had sent them
func (m *MockRack) Inject(b []byte) error {
	_, err := m.rackW.Write(b)
	return err
}

// Fail breaks the link as a failing transport would
func (m *MockRack) Fail(err error) {
	m.rackW.CloseWithError(err)
}

func (m *MockRack) emit(id MessageID, src Address, vals ...Value) {
	b, err := Encode(id, Host, src, vals...)
	if err != nil {
		panic(err)
	}
	m.rackW.Write(b)
}

func (m *MockRack) emitStatus(id MessageID, src Address, ch Channel, mc *mockChannel) {
	var bits uint32
	if mc.enabled {
		bits |= 1 << bitEnabled
	}
	if mc.homed {
		bits |= 1 << bitHomed
	}
	if mc.moving {
		bits |= 1 << bitMovingCW
	} else {
		bits |= 1<<bitTracking | 1<<bitSettled
	}
	m.emit(id, src, Num(int64(ch)), Num(int64(mc.pos)), Num(0), Num(0), Num(int64(bits)))
}

func (m *MockRack) serve() {
	var d Deframer
	buf := make([]byte, 256)
	for {
		n, err := m.rackR.Read(buf)
		if err != nil {
			return
		}
		d.Write(buf[:n])
		for {
			f, err := d.Next()
			if err == errIncomplete {
				break
			}
			if err != nil {
				continue
			}
			m.handle(f)
		}
	}
}

func (m *MockRack) updates() {
	for {
		m.Lock()
		period := m.UpdatePeriod
		m.Unlock()
		select {
		case <-time.After(period):
		case <-m.done:
			return
		}
		m.Lock()
		if m.updating {
			for a, mc := range m.bays {
				if !m.silent[a] {
					m.emitStatus(MotGetDCStatusUpdate, a, Channel1, mc)
				}
			}
		}
		m.Unlock()
	}
}

// later runs fn after the move time unless the move is stopped first
func (m *MockRack) later(mc *mockChannel, fn func()) {
	stop := make(chan struct{})
	mc.stopMove = stop
	mc.moving = true
	go func() {
		select {
		case <-time.After(m.MoveTime):
		case <-stop:
			return
		case <-m.done:
			return
		}
		m.Lock()
		defer m.Unlock()
		if mc.stopMove != stop {
			return
		}
		mc.moving = false
		mc.stopMove = nil
		fn()
	}()
}

func (m *MockRack) handle(f Frame) {
	m.Lock()
	defer m.Unlock()
	m.received = append(m.received, f)
	if m.silent[f.Dest] {
		return
	}
	vals, err := f.Values()
	if err != nil {
		return
	}
	src := f.Dest

	switch f.ID {
	case HWReqInfo:
		info := HardwareInfo{SerialNumber: 83000001, ModelNumber: "BBD203", Type: 16,
			FirmwareVersion: 0x010203, Notes: "APT Brushless DC Motor Controller", NumChannels: 3}
		if _, bay := src.Bay(); bay {
			info.ModelNumber = "BBD201"
			info.NumChannels = 1
			info.SerialNumber += uint32(src - Bay0 + 1)
		} else if src != Motherboard {
			return
		}
		m.emit(HWGetInfo, src, info.values()...)
		return
	case RackReqBayUsed:
		if src != Motherboard {
			return
		}
		a, err := BayAddress(int(vals[0].Num))
		state := int64(0x02)
		if _, ok := m.bays[a]; ok && err == nil {
			state = 0x01
		}
		m.emit(RackGetBayUsed, src, Num(vals[0].Num), Num(state))
		return
	case HWStartUpdateMsgs:
		m.updating = true
		return
	case HWStopUpdateMsgs:
		m.updating = false
		return
	}

	mc, ok := m.bays[src]
	if !ok {
		return
	}
	ch := Channel(vals[0].Num)
	if ch == 0 {
		ch = Channel1
	}
	chv := Num(int64(ch))

	switch f.ID {
	case HubReqBayUsed:
		m.emit(HubGetBayUsed, src, Num(0xFF), Num(0))
	case ModSetChanEnableState:
		mc.enabled = vals[1].Num == chanEnabled
	case ModReqChanEnableState:
		state := int64(chanDisabled)
		if mc.enabled {
			state = chanEnabled
		}
		m.emit(ModGetChanEnableState, src, chv, Num(state))
	case MotSetVelParams:
		mc.vel = velocityParamsFrom(vals)
	case MotReqVelParams:
		m.emit(MotGetVelParams, src, mc.vel.values(ch)...)
	case MotSetJogParams:
		mc.jog = jogParamsFrom(vals)
	case MotReqJogParams:
		m.emit(MotGetJogParams, src, mc.jog.values(ch)...)
	case MotSetHomeParams:
		mc.home = homeParamsFrom(vals)
	case MotReqHomeParams:
		m.emit(MotGetHomeParams, src, mc.home.values(ch)...)
	case MotSetLimSwitchParams:
		mc.lim = limitSwitchParamsFrom(vals)
	case MotReqLimSwitchParams:
		m.emit(MotGetLimSwitchParams, src, mc.lim.values(ch)...)
	case MotSetMoveRelParams:
		mc.rel.Distance = int32(vals[1].Num)
	case MotReqMoveRelParams:
		m.emit(MotGetMoveRelParams, src, chv, Num(int64(mc.rel.Distance)))
	case MotSetMoveAbsParams:
		mc.abs.Position = int32(vals[1].Num)
	case MotReqMoveAbsParams:
		m.emit(MotGetMoveAbsParams, src, chv, Num(int64(mc.abs.Position)))
	case MotReqADCInputs:
		m.emit(MotGetADCInputs, src, Num(int64(mc.adc.Input1)), Num(int64(mc.adc.Input2)))
	case MotReqDCStatusUpdate:
		m.emitStatus(MotGetDCStatusUpdate, src, ch, mc)
	case MotMoveHome:
		m.later(mc, func() {
			mc.pos = 0
			mc.homed = true
			m.emit(MotMoveHomed, src, chv, Num(0))
		})
	case MotMoveRelative, MotMoveAbsolute:
		target := int32(vals[1].Num)
		if f.ID == MotMoveRelative {
			target += mc.pos
		}
		m.later(mc, func() {
			mc.pos = target
			m.emitStatus(MotMoveCompleted, src, ch, mc)
		})
	case MotMoveJog:
		step := mc.jog.StepSize
		if Direction(vals[1].Num) == Reverse {
			step = -step
		}
		m.later(mc, func() {
			mc.pos += step
			m.emitStatus(MotMoveCompleted, src, ch, mc)
		})
	case MotMoveVelocity:
		mc.stopMove = make(chan struct{})
		mc.moving = true
	case MotMoveStop:
		if mc.stopMove != nil {
			close(mc.stopMove)
			mc.stopMove = nil
		}
		mc.moving = false
		m.emitStatus(MotMoveStopped, src, ch, mc)
	}
}
