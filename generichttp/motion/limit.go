package motion

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi"
	"github.com/nasa-jpl/golab-apt/generichttp"
	"github.com/nasa-jpl/golab-apt/util"
)

// LimitMiddleware imposes axis-specific software limits on motion.  Moves
// which would leave the limits are refused before they reach the hardware.
type LimitMiddleware struct {
	// Limits contains the server imposed limits on the controller
	Limits map[string]util.Limiter

	// Mov is a reference to the mover, used to query axis positions
	Mov Mover
}

// Check verifies if a motion would violate the axis limit, if it exists,
// and if it does, responds with StatusBadRequest
// otherwise, flows control to the next handler
func (l *LimitMiddleware) Check(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || !strings.HasSuffix(r.URL.Path, "/pos") {
			next.ServeHTTP(w, r)
			return
		}
		axis, relative, err := popAxisFromPath(r)
		limiter, ok := l.Limits[axis]
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		// downstream handlers want the body too, read it here and put it back
		body, _ := io.ReadAll(r.Body)
		r.Body.Close()
		r.Body = io.NopCloser(bytes.NewReader(body))
		f := generichttp.FloatT{}
		if err = json.Unmarshal(body, &f); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		cmd := f.F64
		if relative {
			pos, err := l.Mov.GetPos(r.Context(), axis)
			if err != nil {
				httpError(w, err)
				return
			}
			cmd += pos
		}
		if !limiter.Check(cmd) {
			http.Error(w, errClamped.Error(), http.StatusBadRequest)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// popAxisFromPath is popAxisRelative for middleware, which runs before chi
// has matched the route and filled in the URL params
func popAxisFromPath(r *http.Request) (string, bool, error) {
	parts := strings.Split(strings.TrimSuffix(r.URL.Path, "/pos"), "/")
	rel, err := relativeQuery(r)
	return parts[len(parts)-1], rel, err
}

// Inject places a /axis/{axis}/limits route on the table of the HTTPer
func (l LimitMiddleware) Inject(h generichttp.HTTPer) {
	h.RT()[generichttp.MethodPath{Method: http.MethodGet, Path: "/axis/{axis}/limits"}] = Limits(l)
}

// Limits returns an HTTP handler func that returns the limits for an axis,
// or null if it has none
func Limits(l LimitMiddleware) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lim, ok := l.Limits[chi.URLParam(r, "axis")]
		if !ok {
			generichttp.RespondJSON(w, nil)
			return
		}
		generichttp.RespondJSON(w, lim)
	}
}
