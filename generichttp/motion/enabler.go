package motion

import (
	"context"
	"encoding/json"
	"go/types"
	"net/http"

	"github.com/go-chi/chi"
	"github.com/nasa-jpl/golab-apt/generichttp"
)

// Enabler describes an interface with enable/disable methods for axes
type Enabler interface {
	// Enable enables an axis
	Enable(context.Context, string) error

	// Disable disables an axis
	Disable(context.Context, string) error

	// GetEnabled gets if an axis is enabled
	GetEnabled(context.Context, string) (bool, error)
}

// HTTPEnable adds routes for the enabler to the route table
func HTTPEnable(iface Enabler, table generichttp.RouteTable) {
	table[generichttp.MethodPath{Method: http.MethodGet, Path: "/axis/{axis}/enabled"}] = GetEnabled(iface)
	table[generichttp.MethodPath{Method: http.MethodPost, Path: "/axis/{axis}/enabled"}] = SetEnabled(iface)
}

// SetEnabled returns an HTTP handler func from an enabler that enables or disables the axis
func SetEnabled(e Enabler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		axis := chi.URLParam(r, "axis")
		b := generichttp.BoolT{}
		err := json.NewDecoder(r.Body).Decode(&b)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if b.Bool {
			err = e.Enable(r.Context(), axis)
		} else {
			err = e.Disable(r.Context(), axis)
		}
		if err != nil {
			httpError(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// GetEnabled returns an HTTP handler func from an enabler that returns if the axis is enabled
func GetEnabled(e Enabler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		enabled, err := e.GetEnabled(r.Context(), chi.URLParam(r, "axis"))
		if err != nil {
			httpError(w, err)
			return
		}
		hp := generichttp.HumanPayload{T: types.Bool, Bool: enabled}
		hp.EncodeAndRespond(w, r)
	}
}
