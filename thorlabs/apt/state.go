package apt

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// State is the motion state of a channel
type State uint8

const (
	// Unknown is the state before anything has been heard from the channel,
	// and after it was lost
	Unknown State = iota

	// Disabled means the motor is not energized
	Disabled

	// Enabled means the motor is energized and idle
	Enabled

	// Homing means a homing sequence was commanded and has not finished
	Homing

	// Homed means the last homing sequence finished
	Homed

	// Moving means a relative, absolute or velocity move is in progress
	Moving

	// Completed means the last move finished
	Completed

	// Stopped means the last motion was stopped before finishing
	Stopped

	// Jogging means a jog is in progress
	Jogging
)

var stateNames = [...]string{"unknown", "disabled", "enabled", "homing", "homed", "moving", "completed", "stopped", "jogging"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// MarshalText renders the state by name
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Busy is true for the states in which motion is in progress
func (s State) Busy() bool {
	return s == Homing || s == Moving || s == Jogging
}

// enable state values carried by the CHANENABLESTATE messages
const (
	chanEnabled  = 0x01
	chanDisabled = 0x02
)

// ChannelState is a snapshot of what is known about one channel.  Parameter
// fields are nil until the parameters have been read from or written to the
// hardware.
type ChannelState struct {
	Dest    Address `json:"dest"`
	Channel Channel `json:"channel"`
	State   State   `json:"state"`
	Enabled bool    `json:"enabled"`
	Homed   bool    `json:"homed"`

	Velocity    *VelocityParams    `json:"velocity,omitempty"`
	Jog         *JogParams         `json:"jog,omitempty"`
	Home        *HomeParams        `json:"home,omitempty"`
	LimitSwitch *LimitSwitchParams `json:"limitSwitch,omitempty"`
	MoveRel     *MoveRelParams     `json:"moveRel,omitempty"`
	MoveAbs     *MoveAbsParams     `json:"moveAbs,omitempty"`
	ADC         *ADCInputs         `json:"adc,omitempty"`
	Status      *Status            `json:"status,omitempty"`
	LastError   *HWError           `json:"lastError,omitempty"`

	Updated time.Time `json:"updated"`
}

// intend applies the state implied by an outbound command.  It runs before
// the command is written so the reply can never be overtaken.
func (cs *ChannelState) intend(id MessageID, vals []Value) {
	switch id {
	case ModSetChanEnableState:
		cs.setEnabled(vals[1].Num == chanEnabled)
	case MotMoveHome:
		cs.State = Homing
		cs.Homed = false
	case MotMoveRelative, MotMoveAbsolute, MotMoveVelocity:
		cs.State = Moving
	case MotMoveJog:
		cs.State = Jogging
	case MotSetVelParams:
		p := velocityParamsFrom(vals)
		cs.Velocity = &p
	case MotSetJogParams:
		p := jogParamsFrom(vals)
		cs.Jog = &p
	case MotSetHomeParams:
		p := homeParamsFrom(vals)
		cs.Home = &p
	case MotSetLimSwitchParams:
		p := limitSwitchParamsFrom(vals)
		cs.LimitSwitch = &p
	case MotSetMoveRelParams:
		cs.MoveRel = &MoveRelParams{Distance: int32(vals[1].Num)}
	case MotSetMoveAbsParams:
		cs.MoveAbs = &MoveAbsParams{Position: int32(vals[1].Num)}
	}
}

func (cs *ChannelState) setEnabled(on bool) {
	cs.Enabled = on
	switch {
	case !on:
		cs.State = Disabled
	case cs.State == Unknown || cs.State == Disabled:
		cs.State = Enabled
	}
}

// observe applies an inbound frame addressed to this channel
func (cs *ChannelState) observe(f Frame, vals []Value) {
	switch f.ID {
	case ModGetChanEnableState:
		cs.setEnabled(vals[1].Num == chanEnabled)
	case MotMoveHomed:
		cs.State = Homed
		cs.Homed = true
	case MotMoveCompleted:
		cs.applyStatus(statusFrom(vals))
		if cs.State != Homing {
			cs.State = Completed
		}
	case MotMoveStopped:
		cs.applyStatus(statusFrom(vals))
		cs.State = Stopped
	case MotGetDCStatusUpdate:
		st := statusFrom(vals)
		cs.applyStatus(st)
		if cs.State == Unknown {
			if st.Bits.Enabled() {
				cs.State = Enabled
			} else {
				cs.State = Disabled
			}
		}
	case MotGetVelParams:
		p := velocityParamsFrom(vals)
		cs.Velocity = &p
	case MotGetJogParams:
		p := jogParamsFrom(vals)
		cs.Jog = &p
	case MotGetHomeParams:
		p := homeParamsFrom(vals)
		cs.Home = &p
	case MotGetLimSwitchParams:
		p := limitSwitchParamsFrom(vals)
		cs.LimitSwitch = &p
	case MotGetMoveRelParams:
		cs.MoveRel = &MoveRelParams{Distance: int32(vals[1].Num)}
	case MotGetMoveAbsParams:
		cs.MoveAbs = &MoveAbsParams{Position: int32(vals[1].Num)}
	case MotGetADCInputs:
		cs.ADC = &ADCInputs{Input1: uint16(vals[0].Num), Input2: uint16(vals[1].Num)}
	}
}

func (cs *ChannelState) applyStatus(st Status) {
	cs.Status = &st
	cs.Enabled = st.Bits.Enabled()
	if st.Bits.Homed() {
		cs.Homed = true
	}
}

// ModuleState is a snapshot of what is known about one module
type ModuleState struct {
	Address    Address       `json:"address"`
	Info       *HardwareInfo `json:"info,omitempty"`
	Bays       map[int]bool  `json:"bays,omitempty"`
	Subscribed bool          `json:"subscribed"`
	LastError  *HWError      `json:"lastError,omitempty"`
	Updated    time.Time     `json:"updated"`
}

type chanKey struct {
	dest Address
	ch   Channel
}

// stateStore holds channel and module state.  The dispatch loop is the only
// writer; snapshot readers take the read lock.
type stateStore struct {
	mu    sync.RWMutex
	chans map[chanKey]*ChannelState
	mods  map[Address]*ModuleState
	now   func() time.Time
}

func newStateStore() *stateStore {
	return &stateStore{
		chans: map[chanKey]*ChannelState{},
		mods:  map[Address]*ModuleState{},
		now:   time.Now}
}

// update runs fn on the state of a channel, creating it if needed
func (s *stateStore) update(dest Address, ch Channel, fn func(*ChannelState)) ChannelState {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := chanKey{dest, ch}
	cs, ok := s.chans[k]
	if !ok {
		cs = &ChannelState{Dest: dest, Channel: ch}
		s.chans[k] = cs
	}
	fn(cs)
	cs.Updated = s.now()
	return *cs
}

// revert puts prev back unless the channel changed again after the update
// stamped at
func (s *stateStore) revert(prev ChannelState, stamp time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.chans[chanKey{prev.Dest, prev.Channel}]
	if !ok || !cs.Updated.Equal(stamp) {
		return
	}
	*cs = prev
	cs.Updated = s.now()
}

// updateAll runs fn on every known channel of dest and returns the channels
// whose state changed
func (s *stateStore) updateAll(dest Address, fn func(*ChannelState)) []ChannelState {
	s.mu.Lock()
	defer s.mu.Unlock()
	var changed []ChannelState
	for k, cs := range s.chans {
		if k.dest != dest {
			continue
		}
		before := cs.State
		fn(cs)
		if cs.State != before {
			cs.Updated = s.now()
			changed = append(changed, *cs)
		}
	}
	return changed
}

func (s *stateStore) updateModule(dest Address, fn func(*ModuleState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mods[dest]
	if !ok {
		m = &ModuleState{Address: dest}
		s.mods[dest] = m
	}
	fn(m)
	m.Updated = s.now()
}

// reset forgets the motion state of every channel and every subscription
func (s *stateStore) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cs := range s.chans {
		cs.State = Unknown
	}
	for _, m := range s.mods {
		m.Subscribed = false
	}
}

func (s *stateStore) channel(dest Address, ch Channel) ChannelState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if cs, ok := s.chans[chanKey{dest, ch}]; ok {
		return *cs
	}
	return ChannelState{Dest: dest, Channel: ch}
}

func (s *stateStore) channels() []ChannelState {
	s.mu.RLock()
	out := make([]ChannelState, 0, len(s.chans))
	for _, cs := range s.chans {
		out = append(out, *cs)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Dest != out[j].Dest {
			return out[i].Dest < out[j].Dest
		}
		return out[i].Channel < out[j].Channel
	})
	return out
}

func (s *stateStore) module(dest Address) ModuleState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.mods[dest]
	if !ok {
		return ModuleState{Address: dest}
	}
	out := *m
	if m.Bays != nil {
		out.Bays = make(map[int]bool, len(m.Bays))
		for k, v := range m.Bays {
			out.Bays[k] = v
		}
	}
	return out
}
