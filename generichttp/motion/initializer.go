package motion

import (
	"context"
	"net/http"

	"github.com/go-chi/chi"
	"github.com/nasa-jpl/golab-apt/generichttp"
)

// Initializer is a type which may initialize an axis
type Initializer interface {
	// Initialize an axis, engaging the control electronics
	Initialize(context.Context, string) error
}

// HTTPInitialize adds routes for initialization to the route table
func HTTPInitialize(i Initializer, table generichttp.RouteTable) {
	table[generichttp.MethodPath{Method: http.MethodPost, Path: "/axis/{axis}/initialize"}] = Initialize(i)
}

// Initialize returns an HTTP handler func that calls Initialize for an axis
func Initialize(i Initializer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := i.Initialize(r.Context(), chi.URLParam(r, "axis")); err != nil {
			httpError(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}
