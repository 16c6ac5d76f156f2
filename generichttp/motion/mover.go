package motion

import (
	"context"
	"encoding/json"
	"go/types"
	"net/http"
	"strconv"

	"github.com/go-chi/chi"
	"github.com/nasa-jpl/golab-apt/generichttp"
)

// Mover describes an interface with position-related methods for axes
type Mover interface {
	// GetPos gets the current position of an axis
	GetPos(context.Context, string) (float64, error)

	// MoveAbs moves an axis to an absolute position and waits for it to arrive
	MoveAbs(context.Context, string, float64) error

	// MoveRel moves an axis a relative amount and waits for it to arrive
	MoveRel(context.Context, string, float64) error

	// Home homes an axis and waits for the sequence to finish
	Home(context.Context, string) error
}

// HTTPMove adds routes for the mover to the route table
func HTTPMove(iface Mover, table generichttp.RouteTable) {
	table[generichttp.MethodPath{Method: http.MethodPost, Path: "/axis/{axis}/home"}] = Home(iface)
	table[generichttp.MethodPath{Method: http.MethodGet, Path: "/axis/{axis}/pos"}] = GetPos(iface)
	table[generichttp.MethodPath{Method: http.MethodPost, Path: "/axis/{axis}/pos"}] = SetPos(iface)
}

// GetPos returns an HTTP handler func from a mover that gets the position of an axis
func GetPos(m Mover) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		axis := chi.URLParam(r, "axis")
		pos, err := m.GetPos(r.Context(), axis)
		if err != nil {
			httpError(w, err)
			return
		}
		hp := generichttp.HumanPayload{T: types.Float64, Float: pos}
		hp.EncodeAndRespond(w, r)
	}
}

func relativeQuery(r *http.Request) (bool, error) {
	relative := r.URL.Query().Get("relative")
	if relative == "" {
		return false, nil
	}
	return strconv.ParseBool(relative)
}

func popAxisRelative(r *http.Request) (string, bool, error) {
	rel, err := relativeQuery(r)
	return chi.URLParam(r, "axis"), rel, err
}

// SetPos returns an HTTP handler func from a mover that triggers an absolute or
// relative move on an axis based on the relative query parameter
func SetPos(m Mover) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		axis, rel, err := popAxisRelative(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f := generichttp.FloatT{}
		err = json.NewDecoder(r.Body).Decode(&f)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if rel {
			err = m.MoveRel(r.Context(), axis, f.F64)
		} else {
			err = m.MoveAbs(r.Context(), axis, f.F64)
		}
		if err != nil {
			httpError(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// Home returns an HTTP handler func from a mover that homes an axis
func Home(m Mover) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := m.Home(r.Context(), chi.URLParam(r, "axis"))
		if err != nil {
			httpError(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}
