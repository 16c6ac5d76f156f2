package apt

import (
	"testing"
	"time"
)

func statusVals(ch Channel, pos int32, bits StatusBits) []Value {
	return []Value{Num(int64(ch)), Num(int64(pos)), Num(0), Num(0), Num(int64(bits))}
}

func TestStateTransitions(t *testing.T) {
	var cs ChannelState
	step := func(name string, fn func(), want State) {
		t.Helper()
		fn()
		if cs.State != want {
			t.Errorf("%s: expected %s, got %s", name, want, cs.State)
		}
	}
	enable := []Value{Num(1), Num(chanEnabled)}
	disable := []Value{Num(1), Num(chanDisabled)}

	step("enable", func() { cs.intend(ModSetChanEnableState, enable) }, Enabled)
	step("home", func() { cs.intend(MotMoveHome, []Value{Num(1), Num(0)}) }, Homing)
	step("completed while homing", func() {
		cs.observe(Frame{ID: MotMoveCompleted}, statusVals(1, 0, 1<<bitEnabled))
	}, Homing)
	step("homed", func() { cs.observe(Frame{ID: MotMoveHomed}, []Value{Num(1), Num(0)}) }, Homed)
	if !cs.Homed {
		t.Error("homed flag not set")
	}
	step("move", func() { cs.intend(MotMoveRelative, []Value{Num(1), Num(100)}) }, Moving)
	step("completed", func() {
		cs.observe(Frame{ID: MotMoveCompleted}, statusVals(1, 100, 1<<bitEnabled|1<<bitHomed))
	}, Completed)
	if cs.Status == nil || cs.Status.Position != 100 {
		t.Errorf("status not recorded: %+v", cs.Status)
	}
	step("jog", func() { cs.intend(MotMoveJog, []Value{Num(1), Num(1)}) }, Jogging)
	step("stopped", func() { cs.observe(Frame{ID: MotMoveStopped}, statusVals(1, 150, 1<<bitEnabled)) }, Stopped)
	step("enable again keeps stopped", func() { cs.intend(ModSetChanEnableState, enable) }, Stopped)
	step("disable", func() { cs.intend(ModSetChanEnableState, disable) }, Disabled)
	if cs.Enabled {
		t.Error("enabled flag still set after disable")
	}
	step("status does not override known state", func() {
		cs.observe(Frame{ID: MotGetDCStatusUpdate}, statusVals(1, 150, 1<<bitEnabled))
	}, Disabled)
}

func TestStatusUpdateResolvesUnknown(t *testing.T) {
	var cs ChannelState
	cs.observe(Frame{ID: MotGetDCStatusUpdate}, statusVals(1, 7, 1<<bitEnabled|1<<bitHomed))
	if cs.State != Enabled || !cs.Enabled || !cs.Homed {
		t.Errorf("unexpected state %+v", cs)
	}
	var off ChannelState
	off.observe(Frame{ID: MotGetDCStatusUpdate}, statusVals(1, 7, 0))
	if off.State != Disabled {
		t.Errorf("expected disabled, got %s", off.State)
	}
}

func TestParamsAreCached(t *testing.T) {
	var cs ChannelState
	vel := VelocityParams{MinVel: 0, Accn: 10, MaxVel: 20}
	cs.intend(MotSetVelParams, vel.values(Channel1))
	if cs.Velocity == nil || *cs.Velocity != vel {
		t.Errorf("velocity not cached from SET: %+v", cs.Velocity)
	}
	cs.observe(Frame{ID: MotGetMoveAbsParams}, []Value{Num(1), Num(-42)})
	if cs.MoveAbs == nil || cs.MoveAbs.Position != -42 {
		t.Errorf("abs params not cached from GET: %+v", cs.MoveAbs)
	}
	cs.observe(Frame{ID: MotGetADCInputs}, []Value{Num(3), Num(4)})
	if cs.ADC == nil || cs.ADC.Input2 != 4 {
		t.Errorf("adc not cached: %+v", cs.ADC)
	}
}

func TestStateStore(t *testing.T) {
	s := newStateStore()
	t0 := time.Unix(1000, 0)
	s.now = func() time.Time { return t0 }

	s.update(Bay1, Channel1, func(cs *ChannelState) { cs.State = Moving })
	s.update(Bay0, Channel2, func(cs *ChannelState) { cs.State = Enabled })
	s.update(Bay0, Channel1, func(cs *ChannelState) { cs.State = Homing })

	chans := s.channels()
	if len(chans) != 3 || chans[0].Dest != Bay0 || chans[0].Channel != Channel1 || chans[2].Dest != Bay1 {
		t.Errorf("channels not sorted: %+v", chans)
	}
	if got := s.channel(Bay0, Channel1); got.State != Homing || !got.Updated.Equal(t0) {
		t.Errorf("unexpected snapshot %+v", got)
	}
	if got := s.channel(Bay5, Channel1); got.State != Unknown || got.Dest != Bay5 {
		t.Errorf("unseen channel should be unknown, got %+v", got)
	}

	changed := s.updateAll(Bay0, func(cs *ChannelState) {
		if cs.State == Homing {
			cs.State = Unknown
		}
	})
	if len(changed) != 1 || changed[0].Channel != Channel1 {
		t.Errorf("expected only channel 1 to change, got %+v", changed)
	}

	s.updateModule(Motherboard, func(m *ModuleState) {
		m.Subscribed = true
		m.Bays = map[int]bool{0: true}
	})
	mod := s.module(Motherboard)
	mod.Bays[1] = true
	if _, ok := s.module(Motherboard).Bays[1]; ok {
		t.Error("module snapshot shares its bay map with the store")
	}

	s.reset()
	if s.channel(Bay1, Channel1).State != Unknown {
		t.Error("reset kept motion state")
	}
	if s.module(Motherboard).Subscribed {
		t.Error("reset kept subscription")
	}
}

func TestStateNames(t *testing.T) {
	if Jogging.String() != "jogging" || State(99).String() != "State(99)" {
		t.Errorf("unexpected names %s, %s", Jogging, State(99))
	}
	b, _ := Homed.MarshalText()
	if string(b) != "homed" {
		t.Errorf("MarshalText gave %q", b)
	}
	for _, s := range []State{Homing, Moving, Jogging} {
		if !s.Busy() {
			t.Errorf("%s should be busy", s)
		}
	}
	if Completed.Busy() {
		t.Error("completed is not busy")
	}
}

func TestRevertKeepsNewerState(t *testing.T) {
	s := newStateStore()
	tick := time.Unix(0, 0)
	s.now = func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	}
	s.update(Bay0, Channel1, func(cs *ChannelState) { cs.intend(ModSetChanEnableState, []Value{Num(1), Num(chanEnabled)}) })

	prev := s.channel(Bay0, Channel1)
	next := s.update(Bay0, Channel1, func(cs *ChannelState) { cs.intend(MotMoveHome, []Value{Num(1), Num(0)}) })
	s.revert(prev, next.Updated)
	if st := s.channel(Bay0, Channel1).State; st != Enabled {
		t.Errorf("expected the intent to be taken back, got %s", st)
	}

	prev = s.channel(Bay0, Channel1)
	next = s.update(Bay0, Channel1, func(cs *ChannelState) { cs.intend(MotMoveRelative, []Value{Num(1), Num(10)}) })
	s.update(Bay0, Channel1, func(cs *ChannelState) {
		cs.observe(Frame{ID: MotMoveStopped}, statusVals(1, 5, 1<<bitEnabled))
	})
	s.revert(prev, next.Updated)
	if st := s.channel(Bay0, Channel1).State; st != Stopped {
		t.Errorf("a newer observation was overwritten, got %s", st)
	}

	fresh := s.channel(Bay1, Channel2)
	next = s.update(Bay1, Channel2, func(cs *ChannelState) { cs.intend(MotMoveHome, []Value{Num(2), Num(0)}) })
	s.revert(fresh, next.Updated)
	if st := s.channel(Bay1, Channel2).State; st != Unknown {
		t.Errorf("expected an unseen channel to return to unknown, got %s", st)
	}
}
