package apt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"gopkg.in/tomb.v1"
)

// ErrMotionAborted is generated by WaitHomed and WaitMoved when the motion
// ended without reaching its target
var ErrMotionAborted = errors.New("apt: motion ended before completion")

// Config holds the tunables of a Controller
type Config struct {
	// Name labels log lines and metrics
	Name string

	// Source is the address the host speaks as
	Source Address

	// Timeout bounds the wait for a reply to any request
	Timeout time.Duration

	// FailFast makes a request fail with ErrBusy instead of queueing when a
	// request of the same kind is outstanding to the same module
	FailFast bool

	// MinFrameInterval paces outbound frames.  Zero disables pacing.
	MinFrameInterval time.Duration

	// NotifyBuffer is the buffer depth of each subscriber
	NotifyBuffer int

	// KeepAlive is the period of status update acknowledgements sent to
	// subscribed modules.  Zero disables them.
	KeepAlive time.Duration

	// Logger receives diagnostics.  Nil uses a logger on stderr.
	Logger *log.Logger
}

// DefaultConfig returns the configuration used for BBD series racks
func DefaultConfig() Config {
	return Config{
		Name:         "apt",
		Source:       Host,
		Timeout:      3 * time.Second,
		NotifyBuffer: 64,
		KeepAlive:    time.Second,
	}
}

// Notification describes a frame which arrived without being requested,
// and the state it left its channel in.  Channel is zero for frames which
// concern the whole module.
type Notification struct {
	Frame   Frame
	Dest    Address
	Channel Channel
	State   State
	Status  *Status
	Err     error
	Time    time.Time
}

// Controller speaks APT over one byte stream.  It is safe for concurrent use.
type Controller struct {
	cfg     Config
	rw      io.ReadWriteCloser
	logger  *log.Logger
	limiter *rate.Limiter
	state   *stateStore

	tomb   tomb.Tomb
	wg     sync.WaitGroup
	calls  chan call
	frames chan Frame
	wmu    sync.Mutex

	// owned by the dispatch goroutine
	active  map[family]*pending
	queued  map[family][]*pending
	subs    map[int]chan Notification
	nextSub int

	closeErr error
}

// NewController starts a controller on rw.  The controller owns rw and closes
// it on Close or on the first transport error.
func NewController(rw io.ReadWriteCloser, cfg Config) *Controller {
	def := DefaultConfig()
	if cfg.Name == "" {
		cfg.Name = def.Name
	}
	if cfg.Source == 0 {
		cfg.Source = def.Source
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.NotifyBuffer <= 0 {
		cfg.NotifyBuffer = def.NotifyBuffer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, cfg.Name+" ", log.LstdFlags)
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.MinFrameInterval > 0 {
		limiter = rate.NewLimiter(rate.Every(cfg.MinFrameInterval), 1)
	}
	c := &Controller{
		cfg:     cfg,
		rw:      rw,
		logger:  logger,
		limiter: limiter,
		state:   newStateStore(),
		calls:   make(chan call),
		frames:  make(chan Frame, 16),
		active:  map[family]*pending{},
		queued:  map[family][]*pending{},
		subs:    map[int]chan Notification{},
	}
	c.wg.Add(1)
	go c.readLoop()
	if cfg.KeepAlive > 0 {
		c.wg.Add(1)
		go c.keepAlive()
	}
	go c.loop()
	return c
}

func (c *Controller) logf(format string, args ...interface{}) {
	c.logger.Printf(format, args...)
}

// Close stops the controller and closes the transport.  Outstanding
// requests complete with ErrDisconnected.
func (c *Controller) Close() error {
	c.tomb.Kill(nil)
	c.tomb.Wait()
	return c.closeErr
}

// Err returns the reason the controller stopped, or nil while it runs or
// after a clean Close
func (c *Controller) Err() error {
	err := c.tomb.Err()
	if err == tomb.ErrStillAlive {
		return nil
	}
	return err
}

// Done is closed once the controller has stopped
func (c *Controller) Done() <-chan struct{} {
	return c.tomb.Dead()
}

// Snapshot returns the last known state of a channel.  It never waits on
// the hardware.
func (c *Controller) Snapshot(dest Address, ch Channel) ChannelState {
	return c.state.channel(dest, ch)
}

// Channels returns the state of every channel heard from
func (c *Controller) Channels() []ChannelState {
	return c.state.channels()
}

// Module returns the last known state of a module
func (c *Controller) Module(dest Address) ModuleState {
	return c.state.module(dest)
}

// Subscribed reports if status updates were started on dest
func (c *Controller) Subscribed(dest Address) bool {
	return c.state.module(dest).Subscribed
}

// Subscribe returns a channel of notifications for unsolicited frames and a
// function that ends the subscription.  The channel is closed when the
// subscription ends or the controller stops.
func (c *Controller) Subscribe() (<-chan Notification, func()) {
	ch := make(chan Notification, c.cfg.NotifyBuffer)
	id := -1
	err := c.do(context.Background(), func() {
		id = c.nextSub
		c.nextSub++
		c.subs[id] = ch
	})
	if err != nil {
		close(ch)
		return ch, func() {}
	}
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			c.do(context.Background(), func() {
				if s, ok := c.subs[id]; ok {
					close(s)
					delete(c.subs, id)
				}
			})
		})
	}
	return ch, cancel
}

// Identify flashes the front panel LED of a module.  For bays the channel
// ident is sent as zero.
func (c *Controller) Identify(ctx context.Context, dest Address, ch Channel) error {
	if err := validChannel(ch); err != nil {
		return err
	}
	p1 := int64(ch)
	if _, bay := dest.Bay(); bay {
		p1 = 0
	}
	return c.send(ctx, dest, 0, ModIdentify, Num(p1), Num(0))
}

// SetChannelEnabled energizes or de-energizes a channel
func (c *Controller) SetChannelEnabled(ctx context.Context, dest Address, ch Channel, enabled bool) error {
	state := int64(chanDisabled)
	if enabled {
		state = chanEnabled
	}
	return c.send(ctx, dest, ch, ModSetChanEnableState, Num(int64(ch)), Num(state))
}

// GetChannelEnabled queries if a channel is energized
func (c *Controller) GetChannelEnabled(ctx context.Context, dest Address, ch Channel) (bool, error) {
	vals, err := c.request(ctx, dest, ch, ModReqChanEnableState, Num(int64(ch)), Num(0))
	if err != nil {
		return false, err
	}
	return vals[1].Num == chanEnabled, nil
}

func (c *Controller) get(ctx context.Context, dest Address, ch Channel, id MessageID) ([]Value, error) {
	return c.request(ctx, dest, ch, id, Num(int64(ch)), Num(0))
}

// SetVelocityParams sets the velocity profile of a channel
func (c *Controller) SetVelocityParams(ctx context.Context, dest Address, ch Channel, p VelocityParams) error {
	return c.send(ctx, dest, ch, MotSetVelParams, p.values(ch)...)
}

// GetVelocityParams reads the velocity profile of a channel
func (c *Controller) GetVelocityParams(ctx context.Context, dest Address, ch Channel) (VelocityParams, error) {
	vals, err := c.get(ctx, dest, ch, MotReqVelParams)
	if err != nil {
		return VelocityParams{}, err
	}
	return velocityParamsFrom(vals), nil
}

// SetJogParams sets the jog parameters of a channel
func (c *Controller) SetJogParams(ctx context.Context, dest Address, ch Channel, p JogParams) error {
	return c.send(ctx, dest, ch, MotSetJogParams, p.values(ch)...)
}

// GetJogParams reads the jog parameters of a channel
func (c *Controller) GetJogParams(ctx context.Context, dest Address, ch Channel) (JogParams, error) {
	vals, err := c.get(ctx, dest, ch, MotReqJogParams)
	if err != nil {
		return JogParams{}, err
	}
	return jogParamsFrom(vals), nil
}

// SetHomeParams sets the homing parameters of a channel
func (c *Controller) SetHomeParams(ctx context.Context, dest Address, ch Channel, p HomeParams) error {
	return c.send(ctx, dest, ch, MotSetHomeParams, p.values(ch)...)
}

// GetHomeParams reads the homing parameters of a channel
func (c *Controller) GetHomeParams(ctx context.Context, dest Address, ch Channel) (HomeParams, error) {
	vals, err := c.get(ctx, dest, ch, MotReqHomeParams)
	if err != nil {
		return HomeParams{}, err
	}
	return homeParamsFrom(vals), nil
}

// SetLimitSwitchParams sets the limit switch configuration of a channel
func (c *Controller) SetLimitSwitchParams(ctx context.Context, dest Address, ch Channel, p LimitSwitchParams) error {
	return c.send(ctx, dest, ch, MotSetLimSwitchParams, p.values(ch)...)
}

// GetLimitSwitchParams reads the limit switch configuration of a channel
func (c *Controller) GetLimitSwitchParams(ctx context.Context, dest Address, ch Channel) (LimitSwitchParams, error) {
	vals, err := c.get(ctx, dest, ch, MotReqLimSwitchParams)
	if err != nil {
		return LimitSwitchParams{}, err
	}
	return limitSwitchParamsFrom(vals), nil
}

// SetMoveRelParams sets the distance used by parameterless relative moves
func (c *Controller) SetMoveRelParams(ctx context.Context, dest Address, ch Channel, p MoveRelParams) error {
	return c.send(ctx, dest, ch, MotSetMoveRelParams, Num(int64(ch)), Num(int64(p.Distance)))
}

// GetMoveRelParams reads the distance used by parameterless relative moves
func (c *Controller) GetMoveRelParams(ctx context.Context, dest Address, ch Channel) (MoveRelParams, error) {
	vals, err := c.get(ctx, dest, ch, MotReqMoveRelParams)
	if err != nil {
		return MoveRelParams{}, err
	}
	return MoveRelParams{Distance: int32(vals[1].Num)}, nil
}

// SetMoveAbsParams sets the target used by parameterless absolute moves
func (c *Controller) SetMoveAbsParams(ctx context.Context, dest Address, ch Channel, p MoveAbsParams) error {
	return c.send(ctx, dest, ch, MotSetMoveAbsParams, Num(int64(ch)), Num(int64(p.Position)))
}

// GetMoveAbsParams reads the target used by parameterless absolute moves
func (c *Controller) GetMoveAbsParams(ctx context.Context, dest Address, ch Channel) (MoveAbsParams, error) {
	vals, err := c.get(ctx, dest, ch, MotReqMoveAbsParams)
	if err != nil {
		return MoveAbsParams{}, err
	}
	return MoveAbsParams{Position: int32(vals[1].Num)}, nil
}

// GetADCInputs reads the analog inputs of a channel
func (c *Controller) GetADCInputs(ctx context.Context, dest Address, ch Channel) (ADCInputs, error) {
	vals, err := c.get(ctx, dest, ch, MotReqADCInputs)
	if err != nil {
		return ADCInputs{}, err
	}
	return ADCInputs{Input1: uint16(vals[0].Num), Input2: uint16(vals[1].Num)}, nil
}

// GetStatus reads the position, velocity and status bits of a channel
func (c *Controller) GetStatus(ctx context.Context, dest Address, ch Channel) (Status, error) {
	vals, err := c.get(ctx, dest, ch, MotReqDCStatusUpdate)
	if err != nil {
		return Status{}, err
	}
	return statusFrom(vals), nil
}

// MoveHome starts the homing sequence.  Use WaitHomed to wait for it.
func (c *Controller) MoveHome(ctx context.Context, dest Address, ch Channel) error {
	return c.send(ctx, dest, ch, MotMoveHome, Num(int64(ch)), Num(0))
}

// MoveRelative starts a move by distance counts.  Use WaitMoved to wait for
// it.
func (c *Controller) MoveRelative(ctx context.Context, dest Address, ch Channel, distance int32) error {
	return c.send(ctx, dest, ch, MotMoveRelative, Num(int64(ch)), Num(int64(distance)))
}

// MoveAbsolute starts a move to position counts.  Use WaitMoved to wait for
// it.
func (c *Controller) MoveAbsolute(ctx context.Context, dest Address, ch Channel, position int32) error {
	return c.send(ctx, dest, ch, MotMoveAbsolute, Num(int64(ch)), Num(int64(position)))
}

// MoveJog starts a jog in the given direction using the jog parameters
func (c *Controller) MoveJog(ctx context.Context, dest Address, ch Channel, dir Direction) error {
	if err := dir.valid(); err != nil {
		return err
	}
	return c.send(ctx, dest, ch, MotMoveJog, Num(int64(ch)), Num(int64(dir)))
}

// MoveVelocity starts a continuous move in the given direction at the
// maximum velocity of the velocity parameters
func (c *Controller) MoveVelocity(ctx context.Context, dest Address, ch Channel, dir Direction) error {
	if err := dir.valid(); err != nil {
		return err
	}
	return c.send(ctx, dest, ch, MotMoveVelocity, Num(int64(ch)), Num(int64(dir)))
}

// MoveStop stops motion on a channel
func (c *Controller) MoveStop(ctx context.Context, dest Address, ch Channel, mode StopMode) error {
	if mode != StopImmediate && mode != StopProfiled {
		return fmt.Errorf("%w: stop mode %d", ErrSchemaViolation, mode)
	}
	return c.send(ctx, dest, ch, MotMoveStop, Num(int64(ch)), Num(int64(mode)))
}

// StartUpdates asks dest to send status updates and keeps them flowing
// with periodic acknowledgements
func (c *Controller) StartUpdates(ctx context.Context, dest Address) error {
	if err := c.send(ctx, dest, 0, HWStartUpdateMsgs, Num(0), Num(0)); err != nil {
		return err
	}
	return c.do(ctx, func() {
		c.state.updateModule(dest, func(m *ModuleState) { m.Subscribed = true })
	})
}

// StopUpdates asks dest to stop sending status updates
func (c *Controller) StopUpdates(ctx context.Context, dest Address) error {
	err := c.do(ctx, func() {
		c.state.updateModule(dest, func(m *ModuleState) { m.Subscribed = false })
	})
	if err != nil {
		return err
	}
	return c.send(ctx, dest, 0, HWStopUpdateMsgs, Num(0), Num(0))
}

// HardwareInfo queries the identity of a module
func (c *Controller) HardwareInfo(ctx context.Context, dest Address) (HardwareInfo, error) {
	vals, err := c.request(ctx, dest, 0, HWReqInfo, Num(0), Num(0))
	if err != nil {
		return HardwareInfo{}, err
	}
	return hardwareInfoFrom(vals), nil
}

// RackBayUsed asks the motherboard if bay holds a card
func (c *Controller) RackBayUsed(ctx context.Context, bay int) (bool, error) {
	if _, err := BayAddress(bay); err != nil {
		return false, err
	}
	vals, err := c.request(ctx, Motherboard, 0, RackReqBayUsed, Num(int64(bay)), Num(0))
	if err != nil {
		return false, err
	}
	return vals[1].Num == 0x01, nil
}

// HubBayUsed asks a USB unit which hub bay it is plugged into.  It returns
// -1 when the unit is not on a hub and 0 when the bay is unknown.
func (c *Controller) HubBayUsed(ctx context.Context, dest Address) (int, error) {
	vals, err := c.request(ctx, dest, 0, HubReqBayUsed, Num(0), Num(0))
	if err != nil {
		return 0, err
	}
	return int(int8(vals[0].Num)), nil
}

// WaitHomed waits for a homing sequence on the channel to finish
func (c *Controller) WaitHomed(ctx context.Context, dest Address, ch Channel) error {
	return c.waitState(ctx, dest, ch, Homed)
}

// WaitMoved waits for a move on the channel to complete
func (c *Controller) WaitMoved(ctx context.Context, dest Address, ch Channel) error {
	return c.waitState(ctx, dest, ch, Completed)
}

func (c *Controller) waitState(ctx context.Context, dest Address, ch Channel, target State) error {
	if err := validChannel(ch); err != nil {
		return err
	}
	notes, cancel := c.Subscribe()
	defer cancel()

	check := func(s State, err error) (bool, error) {
		switch {
		case s == target:
			return true, nil
		case s.Busy():
			return false, nil
		case err != nil:
			return true, err
		case s == Unknown:
			return true, fmt.Errorf("%w: %s channel %d state was lost", ErrMotionAborted, dest, ch)
		}
		return true, fmt.Errorf("%w: %s channel %d is %s", ErrMotionAborted, dest, ch, s)
	}

	snap := c.Snapshot(dest, ch)
	var lastErr error
	if snap.LastError != nil {
		lastErr = *snap.LastError
	}
	if done, err := check(snap.State, lastErr); done {
		return err
	}
	for {
		select {
		case n, ok := <-notes:
			if !ok {
				return ErrDisconnected
			}
			if n.Dest != dest || n.Channel != ch {
				continue
			}
			if done, err := check(n.State, n.Err); done {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
