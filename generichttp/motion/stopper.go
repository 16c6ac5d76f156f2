package motion

import (
	"context"
	"net/http"

	"github.com/go-chi/chi"
	"github.com/nasa-jpl/golab-apt/generichttp"
)

// Stopper describes an interface with stop-related methods for axes
type Stopper interface {
	// Stop aborts motion of the axis
	Stop(context.Context, string) error
}

// HTTPStop adds routes for the stopper to the route table
func HTTPStop(iface Stopper, table generichttp.RouteTable) {
	table[generichttp.MethodPath{Method: http.MethodPost, Path: "/axis/{axis}/stop"}] = Stop(iface)
}

// Stop returns an HTTP handler func from a stopper that stops an axis
func Stop(s Stopper) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.Stop(r.Context(), chi.URLParam(r, "axis")); err != nil {
			httpError(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}
