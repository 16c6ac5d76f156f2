// Package generichttp defines interfaces for generic devices
// and an extensible type that wraps them in an HTTP interface
package generichttp

import (
	"encoding/json"
	"fmt"
	"go/types"
	"log"
	"net/http"
	"sort"
	"strings"

	"github.com/go-chi/chi"
)

// MethodPath is a struct containing an HTTP method and path
type MethodPath struct {
	Method string
	Path   string
}

// RouteTable maps method/path pairs to handlers
type RouteTable map[MethodPath]http.HandlerFunc

// Endpoints lists the routes in the table as "METHOD path", sorted by path
func (rt RouteTable) Endpoints() []string {
	routes := make([]string, 0, len(rt))
	for k := range rt {
		routes = append(routes, k.Method+" "+k.Path)
	}
	sort.Slice(routes, func(i, j int) bool {
		pi := routes[i][strings.IndexByte(routes[i], ' ')+1:]
		pj := routes[j][strings.IndexByte(routes[j], ' ')+1:]
		if pi != pj {
			return pi < pj
		}
		return routes[i] < routes[j]
	})
	return routes
}

// Bind binds every route in the table to r, along with a GET /endpoints
// route that lists them
func (rt RouteTable) Bind(r chi.Router) {
	for mp, fcn := range rt {
		r.MethodFunc(mp.Method, mp.Path, fcn)
	}
	r.Get("/endpoints", func(w http.ResponseWriter, r *http.Request) {
		RespondJSON(w, rt.Endpoints())
	})
}

// HTTPer is an object which has a route table
type HTTPer interface {
	RT() RouteTable
}

// SubMuxSanitize converts a URL like "omc/nkt" or "/omc/nkt/*" to the
// "/omc/nkt" form expected by chi.Router.Mount
func SubMuxSanitize(str string) string {
	str = strings.TrimSuffix(str, "*")
	str = strings.TrimSuffix(str, "/")
	if !strings.HasPrefix(str, "/") {
		str = "/" + str
	}
	return str
}

// BoolT is a struct with a single Bool field
type BoolT struct {
	Bool bool `json:"bool"`
}

// FloatT is a struct with a single F64 field
type FloatT struct {
	F64 float64 `json:"f64"`
}

// IntT is a struct with a single Int field
type IntT struct {
	Int int `json:"int"`
}

// StrT is a struct with a single Str field
type StrT struct {
	Str string `json:"str"`
}

// HumanPayload is a struct containing the basic types
// (bool, int, float, string) and a T field indicating which one is populated
type HumanPayload struct {
	Bool   bool
	Float  float64
	Int    int
	String string

	// T is the type of the payload, which selects the field to encode
	T types.BasicKind
}

// EncodeAndRespond encodes the payload as a one-key JSON object and writes it
// to w
func (hp *HumanPayload) EncodeAndRespond(w http.ResponseWriter, r *http.Request) {
	switch hp.T {
	case types.Bool:
		RespondJSON(w, BoolT{Bool: hp.Bool})
	case types.Float64:
		RespondJSON(w, FloatT{F64: hp.Float})
	case types.Int:
		RespondJSON(w, IntT{Int: hp.Int})
	case types.String:
		RespondJSON(w, StrT{Str: hp.String})
	default:
		http.Error(w, fmt.Sprintf("unsupported payload type %v", hp.T), http.StatusInternalServerError)
	}
}

// RespondJSON encodes v as JSON and writes it to w with status OK
func RespondJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("error encoding response to json %q", err)
	}
}
