// Package motion provides an HTTP interface to motion controllers.
//
// Controllers implement Mover and any of the other interfaces in this
// package; NewHTTPMotionController discovers which and binds their routes.
// Every method receives the context of the HTTP request, so a client that
// goes away cancels the hardware wait behind it.
package motion

import (
	"context"
	"errors"
	"net/http"

	"github.com/nasa-jpl/golab-apt/generichttp"
)

var (
	// ErrUnknownAxis is returned by controllers for axis names they do not
	// have
	ErrUnknownAxis = errors.New("unknown axis")

	// ErrOutOfRange is returned by controllers for setpoints their hardware
	// cannot represent
	ErrOutOfRange = errors.New("setpoint out of range")

	errClamped = errors.New("requested position violates software limits, aborted")
)

// Controller is used for the HTTP interface, which will check if the concrete
// type satisfies the other interfaces in this package and inject their routes
// automatically
type Controller interface {
	// Mover - all Controllers must be Movers
	Mover
}

// HTTPMotionController wraps a motion controller with HTTP
type HTTPMotionController struct {
	Controller

	RouteTable generichttp.RouteTable
}

// NewHTTPMotionController returns a new HTTP wrapper with the route table pre-configured
func NewHTTPMotionController(c Controller) HTTPMotionController {
	w := HTTPMotionController{Controller: c}
	rt := generichttp.RouteTable{}
	HTTPMove(c, rt)
	if enabler, ok := c.(Enabler); ok {
		HTTPEnable(enabler, rt)
	}
	if speeder, ok := c.(Speeder); ok {
		HTTPSpeed(speeder, rt)
	}
	if stopper, ok := c.(Stopper); ok {
		HTTPStop(stopper, rt)
	}
	if inpos, ok := c.(InPositionQueryer); ok {
		HTTPInPosition(inpos, rt)
	}
	if initializer, ok := c.(Initializer); ok {
		HTTPInitialize(initializer, rt)
	}
	w.RouteTable = rt
	return w
}

// RT satisfies the HTTPer interface
func (h HTTPMotionController) RT() generichttp.RouteTable {
	return h.RouteTable
}

// httpError writes err with a status code matching its cause
func httpError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrUnknownAxis):
		code = http.StatusNotFound
	case errors.Is(err, ErrOutOfRange):
		code = http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		code = http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		// the client is gone, nobody will read this
		return
	}
	http.Error(w, err.Error(), code)
}
