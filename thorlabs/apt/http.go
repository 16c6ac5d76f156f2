package apt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/go-chi/chi"
	"github.com/nasa-jpl/golab-apt/generichttp"
	"github.com/nasa-jpl/golab-apt/generichttp/motion"
)

// Axis names one motor channel and the conversion to real units for it
type Axis struct {
	Dest    Address
	Channel Channel
	Scale   Scale
}

// AxisMap maps axis names, as used in URLs, to channels
type AxisMap map[string]Axis

// AxisController adapts a Controller to the interfaces of the motion
// package.  Motions wait for completion before returning.
type AxisController struct {
	c    *Controller
	axes AxisMap
}

// NewAxisController returns a motion controller for the named axes of c
func NewAxisController(c *Controller, axes AxisMap) *AxisController {
	return &AxisController{c: c, axes: axes}
}

// Controller returns the underlying protocol engine
func (a *AxisController) Controller() *Controller {
	return a.c
}

// Axes returns the sorted axis names
func (a *AxisController) Axes() []string {
	out := make([]string, 0, len(a.axes))
	for k := range a.axes {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (a *AxisController) axis(name string) (Axis, error) {
	ax, ok := a.axes[name]
	if !ok {
		return Axis{}, fmt.Errorf("%w: %q", motion.ErrUnknownAxis, name)
	}
	return ax, nil
}

// modules returns the distinct modules hosting an axis
func (a *AxisController) modules() []Address {
	seen := map[Address]bool{}
	var out []Address
	for _, ax := range a.axes {
		if !seen[ax.Dest] {
			seen[ax.Dest] = true
			out = append(out, ax.Dest)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// GetPos returns the position of an axis in real units
func (a *AxisController) GetPos(ctx context.Context, name string) (float64, error) {
	ax, err := a.axis(name)
	if err != nil {
		return 0, err
	}
	st, err := a.c.GetStatus(ctx, ax.Dest, ax.Channel)
	if err != nil {
		return 0, err
	}
	return ax.Scale.FromCounts(st.Position), nil
}

// MoveAbs moves an axis to pos and waits for the move to complete
func (a *AxisController) MoveAbs(ctx context.Context, name string, pos float64) error {
	ax, err := a.axis(name)
	if err != nil {
		return err
	}
	counts, err := ax.Scale.ToCounts(pos)
	if err != nil {
		return fmt.Errorf("%w: %w", motion.ErrOutOfRange, err)
	}
	if err = a.c.MoveAbsolute(ctx, ax.Dest, ax.Channel, counts); err != nil {
		return err
	}
	return a.c.WaitMoved(ctx, ax.Dest, ax.Channel)
}

// MoveRel moves an axis by delta and waits for the move to complete
func (a *AxisController) MoveRel(ctx context.Context, name string, delta float64) error {
	ax, err := a.axis(name)
	if err != nil {
		return err
	}
	counts, err := ax.Scale.ToCounts(delta)
	if err != nil {
		return fmt.Errorf("%w: %w", motion.ErrOutOfRange, err)
	}
	if err = a.c.MoveRelative(ctx, ax.Dest, ax.Channel, counts); err != nil {
		return err
	}
	return a.c.WaitMoved(ctx, ax.Dest, ax.Channel)
}

// Home homes an axis and waits for the sequence to finish
func (a *AxisController) Home(ctx context.Context, name string) error {
	ax, err := a.axis(name)
	if err != nil {
		return err
	}
	if err = a.c.MoveHome(ctx, ax.Dest, ax.Channel); err != nil {
		return err
	}
	return a.c.WaitHomed(ctx, ax.Dest, ax.Channel)
}

// Enable energizes an axis
func (a *AxisController) Enable(ctx context.Context, name string) error {
	ax, err := a.axis(name)
	if err != nil {
		return err
	}
	return a.c.SetChannelEnabled(ctx, ax.Dest, ax.Channel, true)
}

// Disable de-energizes an axis
func (a *AxisController) Disable(ctx context.Context, name string) error {
	ax, err := a.axis(name)
	if err != nil {
		return err
	}
	return a.c.SetChannelEnabled(ctx, ax.Dest, ax.Channel, false)
}

// GetEnabled queries the hardware if an axis is energized
func (a *AxisController) GetEnabled(ctx context.Context, name string) (bool, error) {
	ax, err := a.axis(name)
	if err != nil {
		return false, err
	}
	return a.c.GetChannelEnabled(ctx, ax.Dest, ax.Channel)
}

// SetVelocity sets the maximum velocity of the profile of an axis, keeping
// its acceleration
func (a *AxisController) SetVelocity(ctx context.Context, name string, vel float64) error {
	ax, err := a.axis(name)
	if err != nil {
		return err
	}
	vmax, err := ax.Scale.ToVelocity(vel)
	if err != nil {
		return fmt.Errorf("%w: %w", motion.ErrOutOfRange, err)
	}
	p, err := a.c.GetVelocityParams(ctx, ax.Dest, ax.Channel)
	if err != nil {
		return err
	}
	p.MaxVel = vmax
	return a.c.SetVelocityParams(ctx, ax.Dest, ax.Channel, p)
}

// GetVelocity returns the maximum velocity of the profile of an axis
func (a *AxisController) GetVelocity(ctx context.Context, name string) (float64, error) {
	ax, err := a.axis(name)
	if err != nil {
		return 0, err
	}
	p, err := a.c.GetVelocityParams(ctx, ax.Dest, ax.Channel)
	if err != nil {
		return 0, err
	}
	return ax.Scale.FromVelocity(p.MaxVel), nil
}

// Stop decelerates an axis to a stop
func (a *AxisController) Stop(ctx context.Context, name string) error {
	ax, err := a.axis(name)
	if err != nil {
		return err
	}
	return a.c.MoveStop(ctx, ax.Dest, ax.Channel, StopProfiled)
}

// GetInPosition is true when the servo of an axis has settled and it is not
// moving
func (a *AxisController) GetInPosition(ctx context.Context, name string) (bool, error) {
	ax, err := a.axis(name)
	if err != nil {
		return false, err
	}
	st, err := a.c.GetStatus(ctx, ax.Dest, ax.Channel)
	if err != nil {
		return false, err
	}
	return st.Bits.InPosition() && !st.Bits.Moving(), nil
}

// Initialize enables an axis and reads its velocity profile into the state
// cache
func (a *AxisController) Initialize(ctx context.Context, name string) error {
	ax, err := a.axis(name)
	if err != nil {
		return err
	}
	if err = a.c.SetChannelEnabled(ctx, ax.Dest, ax.Channel, true); err != nil {
		return err
	}
	_, err = a.c.GetVelocityParams(ctx, ax.Dest, ax.Channel)
	return err
}

// Jog jogs an axis one step using its jog parameters
func (a *AxisController) Jog(ctx context.Context, name string, dir Direction) error {
	ax, err := a.axis(name)
	if err != nil {
		return err
	}
	return a.c.MoveJog(ctx, ax.Dest, ax.Channel, dir)
}

// Identify flashes the front panel of the module hosting an axis
func (a *AxisController) Identify(ctx context.Context, name string) error {
	ax, err := a.axis(name)
	if err != nil {
		return err
	}
	return a.c.Identify(ctx, ax.Dest, ax.Channel)
}

// State returns the cached state of an axis without touching the hardware
func (a *AxisController) State(name string) (ChannelState, error) {
	ax, err := a.axis(name)
	if err != nil {
		return ChannelState{}, err
	}
	return a.c.Snapshot(ax.Dest, ax.Channel), nil
}

// HTTPWrapper provides HTTP bindings on top of the motion routes of an
// AxisController
type HTTPWrapper struct {
	motion.HTTPMotionController

	ac *AxisController
}

// NewHTTPWrapper returns a new HTTP wrapper with the route table pre-configured
func NewHTTPWrapper(ac *AxisController) HTTPWrapper {
	w := HTTPWrapper{HTTPMotionController: motion.NewHTTPMotionController(ac), ac: ac}
	rt := w.RouteTable
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/axis/{axis}/identify"}] = w.identify
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/axis/{axis}/state"}] = w.state
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/axis/{axis}/jog"}] = w.jog
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/axes"}] = w.axes
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/updates"}] = w.getUpdates
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/updates"}] = w.setUpdates
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/hwinfo"}] = w.hwinfo
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/bays"}] = w.bays
	return w
}

// writeError writes err with a status code matching its cause
func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, motion.ErrUnknownAxis):
		code = http.StatusNotFound
	case errors.Is(err, ErrInvalidChannel), errors.Is(err, ErrInvalidAddress), errors.Is(err, ErrSchemaViolation),
		errors.Is(err, motion.ErrOutOfRange):
		code = http.StatusBadRequest
	case errors.Is(err, ErrBusy):
		code = http.StatusConflict
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		code = http.StatusGatewayTimeout
	case errors.Is(err, ErrDisconnected), errors.Is(err, ErrTransport):
		code = http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled):
		return
	}
	http.Error(w, err.Error(), code)
}

func (h HTTPWrapper) identify(w http.ResponseWriter, r *http.Request) {
	if err := h.ac.Identify(r.Context(), chi.URLParam(r, "axis")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h HTTPWrapper) state(w http.ResponseWriter, r *http.Request) {
	st, err := h.ac.State(chi.URLParam(r, "axis"))
	if err != nil {
		writeError(w, err)
		return
	}
	generichttp.RespondJSON(w, st)
}

// jog takes {"str": "forward"} or {"str": "reverse"}
func (h HTTPWrapper) jog(w http.ResponseWriter, r *http.Request) {
	s := generichttp.StrT{}
	err := json.NewDecoder(r.Body).Decode(&s)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var dir Direction
	switch strings.ToLower(s.Str) {
	case "forward", "fwd", "+":
		dir = Forward
	case "reverse", "rev", "-":
		dir = Reverse
	default:
		http.Error(w, fmt.Sprintf("jog direction %q is not forward or reverse", s.Str), http.StatusBadRequest)
		return
	}
	if err = h.ac.Jog(r.Context(), chi.URLParam(r, "axis"), dir); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h HTTPWrapper) axes(w http.ResponseWriter, r *http.Request) {
	generichttp.RespondJSON(w, h.ac.Axes())
}

func (h HTTPWrapper) getUpdates(w http.ResponseWriter, r *http.Request) {
	out := map[string]bool{}
	for _, dest := range h.ac.modules() {
		out[dest.String()] = h.ac.c.Subscribed(dest)
	}
	generichttp.RespondJSON(w, out)
}

// setUpdates takes {"bool": true} to start status updates on every module
// hosting an axis, or false to stop them
func (h HTTPWrapper) setUpdates(w http.ResponseWriter, r *http.Request) {
	b := generichttp.BoolT{}
	err := json.NewDecoder(r.Body).Decode(&b)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	for _, dest := range h.ac.modules() {
		if b.Bool {
			err = h.ac.c.StartUpdates(r.Context(), dest)
		} else {
			err = h.ac.c.StopUpdates(r.Context(), dest)
		}
		if err != nil {
			writeError(w, err)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}

func (h HTTPWrapper) hwinfo(w http.ResponseWriter, r *http.Request) {
	out := map[string]HardwareInfo{}
	for _, dest := range h.ac.modules() {
		info, err := h.ac.c.HardwareInfo(r.Context(), dest)
		if err != nil {
			writeError(w, err)
			return
		}
		out[dest.String()] = info
	}
	generichttp.RespondJSON(w, out)
}

// bays asks the motherboard which bays hold cards
func (h HTTPWrapper) bays(w http.ResponseWriter, r *http.Request) {
	out := make([]bool, 10)
	for i := range out {
		used, err := h.ac.c.RackBayUsed(r.Context(), i)
		if err != nil {
			writeError(w, err)
			return
		}
		out[i] = used
	}
	generichttp.RespondJSON(w, out)
}
