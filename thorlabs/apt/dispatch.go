package apt

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	framesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "apt",
		Name:      "frames_sent_total",
		Help:      "frames written to the transport",
	}, []string{"controller"})

	framesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "apt",
		Name:      "frames_received_total",
		Help:      "frames decoded from the transport",
	}, []string{"controller"})

	decodeErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "apt",
		Name:      "decode_errors_total",
		Help:      "framing errors recovered by discarding bytes",
	}, []string{"controller"})

	timeouts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "apt",
		Name:      "timeouts_total",
		Help:      "requests which were not answered before their deadline",
	}, []string{"controller"})

	unsolicited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "apt",
		Name:      "unsolicited_frames_total",
		Help:      "frames which did not answer a pending request",
	}, []string{"controller"})
)

func init() {
	prometheus.MustRegister(framesSent, framesReceived, decodeErrors, timeouts, unsolicited)
}

// family keys pending requests.  Only one request per module and reply kind
// may be outstanding, since the reply carries nothing else to correlate on.
type family struct {
	dest  Address
	reply MessageID
}

type result struct {
	frame Frame
	vals  []Value
	err   error
}

type pending struct {
	key family
	req MessageID
	ch  Channel

	// granted is closed when the request reaches the head of its family
	// queue and may be written
	granted chan struct{}

	// done receives exactly one result
	done chan result
}

// call is a closure run on the dispatch goroutine
type call struct {
	fn   func()
	done chan struct{}
}

// do runs fn on the dispatch goroutine and waits for it to finish
func (c *Controller) do(ctx context.Context, fn func()) error {
	cl := call{fn: fn, done: make(chan struct{})}
	select {
	case c.calls <- cl:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.tomb.Dying():
		return ErrDisconnected
	}
	<-cl.done
	return nil
}

func (c *Controller) loop() {
	defer c.tomb.Done()
	for {
		select {
		case cl := <-c.calls:
			cl.fn()
			close(cl.done)
		case f := <-c.frames:
			c.dispatch(f)
		case <-c.tomb.Dying():
			c.shutdown()
			return
		}
	}
}

func (c *Controller) readLoop() {
	defer c.wg.Done()
	var d Deframer
	buf := make([]byte, 256)
	for {
		n, err := c.rw.Read(buf)
		if n > 0 {
			d.Write(buf[:n])
			for {
				f, ferr := d.Next()
				if ferr == errIncomplete {
					break
				}
				if ferr != nil {
					decodeErrors.WithLabelValues(c.cfg.Name).Inc()
					c.logf("discarding input: %v", ferr)
					continue
				}
				select {
				case c.frames <- f:
				case <-c.tomb.Dying():
					return
				}
			}
		}
		if err != nil {
			c.fail(err)
			return
		}
	}
}

// fail tears the controller down after a transport error
func (c *Controller) fail(err error) {
	select {
	case <-c.tomb.Dying():
		return
	default:
	}
	c.logf("transport failed: %v", err)
	c.tomb.Kill(fmt.Errorf("%w: %v", ErrTransport, err))
}

func (c *Controller) shutdown() {
	c.closeErr = c.rw.Close()
	for key, p := range c.active {
		p.done <- result{err: ErrDisconnected}
		delete(c.active, key)
	}
	for key, q := range c.queued {
		for _, p := range q {
			p.done <- result{err: ErrDisconnected}
		}
		delete(c.queued, key)
	}
	c.state.reset()
	for id, s := range c.subs {
		close(s)
		delete(c.subs, id)
	}
	c.wg.Wait()
}

// enqueue registers a request.  It is granted at once when its family is
// idle, otherwise it waits behind the requests already queued.
func (c *Controller) enqueue(p *pending) error {
	if _, busy := c.active[p.key]; !busy {
		c.active[p.key] = p
		close(p.granted)
		return nil
	}
	if c.cfg.FailFast {
		return fmt.Errorf("%w: %s to %s", ErrBusy, p.key.reply, p.key.dest)
	}
	c.queued[p.key] = append(c.queued[p.key], p)
	return nil
}

// release drops p from the tables, granting the next request of its family
// if p was active
func (c *Controller) release(p *pending) {
	if c.active[p.key] != p {
		q := c.queued[p.key]
		for i, o := range q {
			if o == p {
				c.queued[p.key] = append(q[:i], q[i+1:]...)
				break
			}
		}
		return
	}
	delete(c.active, p.key)
	q := c.queued[p.key]
	if len(q) == 0 {
		return
	}
	next := q[0]
	if len(q) == 1 {
		delete(c.queued, p.key)
	} else {
		c.queued[p.key] = q[1:]
	}
	c.active[p.key] = next
	close(next.granted)
}

func (c *Controller) complete(p *pending, r result) {
	p.done <- r
	c.release(p)
}

// failDest completes every request addressed to dest with err
func (c *Controller) failDest(dest Address, err error) {
	c.failActive(func(key family, _ *pending) bool { return key.dest == dest }, err)
}

// failActive completes the active requests matching fn with err.  Completing
// grants queued requests, so the matches are collected first.
func (c *Controller) failActive(fn func(family, *pending) bool, err error) {
	var matched []*pending
	for key, p := range c.active {
		if fn(key, p) {
			matched = append(matched, p)
		}
	}
	for _, p := range matched {
		c.complete(p, result{err: err})
	}
}

func (c *Controller) dispatch(f Frame) {
	framesReceived.WithLabelValues(c.cfg.Name).Inc()
	vals, err := f.Values()
	if err != nil {
		c.logf("dropping %s: %v", f, err)
		return
	}
	if f.Dest != c.cfg.Source {
		c.logf("%s addressed to %s, expected %s", f.ID, f.Dest, c.cfg.Source)
	}

	if p, ok := c.active[family{f.Source, f.ID}]; ok {
		c.complete(p, result{frame: f, vals: vals})
		c.observe(f, vals, p.ch, false)
		return
	}
	unsolicited.WithLabelValues(c.cfg.Name).Inc()
	c.observe(f, vals, 0, true)
}

// channelOf extracts the channel of a frame whose first field is the
// channel ident
func channelOf(f Frame, vals []Value) (Channel, bool) {
	k := f.Kind()
	if len(k.Schema) == 0 || k.Schema[0].Name != "ChanIdent" {
		return 0, false
	}
	ch := Channel(vals[0].Num)
	if ch == 0 {
		ch = Channel1
	}
	return ch, validChannel(ch) == nil
}

// observe folds an inbound frame into module and channel state.  ch is the
// channel of the request the frame answered, or zero.
func (c *Controller) observe(f Frame, vals []Value, ch Channel, notify bool) {
	dest := f.Source
	switch f.ID {
	case HWDisconnect:
		c.failDest(dest, ErrDisconnected)
		c.state.updateModule(dest, func(m *ModuleState) { m.Subscribed = false })
		changed := c.state.updateAll(dest, func(cs *ChannelState) { cs.State = Unknown })
		c.notifyAll(f, changed, nil)
		return

	case HWResponse, HWRichResponse:
		hwerr := HWError{Source: dest, Notes: "unspecified fault"}
		if f.ID == HWRichResponse {
			hwerr = hwErrorFrom(dest, vals)
			c.failActive(func(key family, p *pending) bool {
				return key.dest == dest && p.req == hwerr.MsgIdent
			}, hwerr)
		}
		c.logf("%v", hwerr)
		c.state.updateModule(dest, func(m *ModuleState) { m.LastError = &hwerr })
		changed := c.state.updateAll(dest, func(cs *ChannelState) {
			if cs.State == Homing {
				cs.State = Unknown
				cs.LastError = &hwerr
			}
		})
		c.notifyAll(f, changed, hwerr)
		return

	case HWGetInfo:
		info := hardwareInfoFrom(vals)
		c.state.updateModule(dest, func(m *ModuleState) { m.Info = &info })

	case RackGetBayUsed:
		bay, used := int(vals[0].Num), vals[1].Num == 0x01
		c.state.updateModule(dest, func(m *ModuleState) {
			if m.Bays == nil {
				m.Bays = map[int]bool{}
			}
			m.Bays[bay] = used
		})
	}

	if ch == 0 {
		if fch, ok := channelOf(f, vals); ok {
			ch = fch
		}
	}
	if ch == 0 {
		if notify {
			c.notify(Notification{Frame: f, Dest: dest})
		}
		return
	}
	st := c.state.update(dest, ch, func(cs *ChannelState) { cs.observe(f, vals) })
	if notify {
		c.notify(Notification{Frame: f, Dest: dest, Channel: ch, State: st.State, Status: st.Status})
	}
}

func (c *Controller) notifyAll(f Frame, changed []ChannelState, err error) {
	if len(changed) == 0 {
		c.notify(Notification{Frame: f, Dest: f.Source, Err: err})
		return
	}
	for _, cs := range changed {
		c.notify(Notification{Frame: f, Dest: f.Source, Channel: cs.Channel, State: cs.State, Err: err})
	}
}

// notify fans n out to subscribers without blocking.  A subscriber whose
// buffer is full misses the notification.
func (c *Controller) notify(n Notification) {
	if n.Time.IsZero() {
		n.Time = time.Now()
	}
	for id, s := range c.subs {
		select {
		case s <- n:
		default:
			c.logf("subscriber %d is not keeping up, dropped %s", id, n.Frame.ID)
		}
	}
}

// keepAlive acknowledges status updates on every subscribed module.  BBD
// controllers stop sending updates when they are not acknowledged.
func (c *Controller) keepAlive() {
	defer c.wg.Done()
	t := time.NewTicker(c.cfg.KeepAlive)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			for _, dest := range c.subscribed() {
				ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout)
				err := c.send(ctx, dest, 0, MotAckDCStatusUpdate, Num(0), Num(0))
				cancel()
				if err != nil && !errors.Is(err, ErrDisconnected) {
					c.logf("status acknowledge to %s: %v", dest, err)
				}
			}
		case <-c.tomb.Dying():
			return
		}
	}
}

func (c *Controller) subscribed() []Address {
	c.state.mu.RLock()
	defer c.state.mu.RUnlock()
	var out []Address
	for a, m := range c.state.mods {
		if m.Subscribed {
			out = append(out, a)
		}
	}
	return out
}

// write hands bytes to the transport once the frame interval allows.  Any
// write error is fatal.
func (c *Controller) write(ctx context.Context, b []byte) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	return c.writeNow(b)
}

func (c *Controller) writeNow(b []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	select {
	case <-c.tomb.Dying():
		return ErrDisconnected
	default:
	}
	if _, err := c.rw.Write(b); err != nil {
		c.fail(err)
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	framesSent.WithLabelValues(c.cfg.Name).Inc()
	return nil
}

// prepare validates the addressing of an operation and builds its frame.
// Messages which lead with a channel ident need a valid channel, except
// identify which sends zero to bays.
func (c *Controller) prepare(dest Address, ch Channel, id MessageID, vals []Value) (Frame, error) {
	k, ok := Lookup(id)
	if ok && id != ModIdentify && len(k.Schema) > 0 && k.Schema[0].Name == "ChanIdent" {
		if err := validChannel(ch); err != nil {
			return Frame{}, err
		}
	}
	return NewFrame(id, dest, c.cfg.Source, vals...)
}

// send writes a message which is not answered.  When ch is nonzero the
// state implied by the message is applied to the channel first.
func (c *Controller) send(ctx context.Context, dest Address, ch Channel, id MessageID, vals ...Value) error {
	f, err := c.prepare(dest, ch, id, vals)
	if err != nil {
		return err
	}
	if ch == 0 {
		return c.write(ctx, f.Bytes())
	}
	if err = c.limiter.Wait(ctx); err != nil {
		return err
	}
	var prev, next ChannelState
	err = c.do(ctx, func() {
		prev = c.state.channel(dest, ch)
		next = c.state.update(dest, ch, func(cs *ChannelState) { cs.intend(id, vals) })
	})
	if err != nil {
		return err
	}
	if err = c.writeNow(f.Bytes()); err != nil {
		c.do(context.Background(), func() { c.state.revert(prev, next.Updated) })
		return err
	}
	return nil
}

// request writes a message and waits for its reply
func (c *Controller) request(ctx context.Context, dest Address, ch Channel, id MessageID, vals ...Value) ([]Value, error) {
	f, err := c.prepare(dest, ch, id, vals)
	if err != nil {
		return nil, err
	}
	k := f.Kind()
	p := &pending{
		key:     family{dest, k.Reply},
		req:     id,
		ch:      ch,
		granted: make(chan struct{}),
		done:    make(chan result, 1)}
	var qerr error
	if err := c.do(ctx, func() { qerr = c.enqueue(p) }); err != nil {
		return nil, err
	}
	if qerr != nil {
		return nil, qerr
	}

	select {
	case <-p.granted:
	case r := <-p.done:
		return nil, r.err
	case <-ctx.Done():
		return c.abandon(p, ctx.Err())
	}

	if err := c.write(ctx, f.Bytes()); err != nil {
		return c.abandon(p, err)
	}

	t := time.NewTimer(c.cfg.Timeout)
	defer t.Stop()
	select {
	case r := <-p.done:
		return r.vals, r.err
	case <-t.C:
		timeouts.WithLabelValues(c.cfg.Name).Inc()
		return c.abandon(p, fmt.Errorf("%w: %s from %s after %s", ErrTimeout, k.Reply, dest, c.cfg.Timeout))
	case <-ctx.Done():
		return c.abandon(p, ctx.Err())
	}
}

// abandon removes p from the tables.  A reply which raced the abandonment
// wins over err.
func (c *Controller) abandon(p *pending, err error) ([]Value, error) {
	c.do(context.Background(), func() { c.release(p) })
	select {
	case r := <-p.done:
		return r.vals, r.err
	default:
		return nil, err
	}
}
