// Package locker provides an HTTP middleware which allows an HTTPHandler to be locked, returning 423 (locked)
package locker

import (
	"encoding/json"
	"go/types"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi"
	"github.com/nasa-jpl/golab-apt/generichttp"
)

// ManipulableLock is a lock which can be checked as middleware and
// manipulated over HTTP
type ManipulableLock interface {
	// Check is the middleware
	Check(http.Handler) http.Handler

	// HTTPGet reports the lock state
	HTTPGet(http.ResponseWriter, *http.Request)

	// HTTPSet locks or unlocks
	HTTPSet(http.ResponseWriter, *http.Request)
}

// Inject adds lock routes to an HTTPer which are used to manipulate the lock.
// A Locker is served on /lock, an AxisLocker on /axis/{axis}/lock
func Inject(other generichttp.HTTPer, l ManipulableLock) {
	rt := other.RT()
	path := "/lock"
	if _, ok := l.(*AxisLocker); ok {
		path = "/axis/{axis}/lock"
	}
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: path}] = l.HTTPGet
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: path}] = l.HTTPSet
}

// Locker is a type which behaves like a sync.Mutex without the blocking,
// and holds a list of paths to not protect
type Locker struct {
	mu       sync.RWMutex
	isLocked bool

	// DoNotProtect is a list of paths not to apply the lock to
	DoNotProtect []string
}

// New returns a new Locker with DoNotProtect prepopulated with "lock"
func New() *Locker {
	return &Locker{DoNotProtect: []string{"lock"}}
}

// Lock the locker
func (l *Locker) Lock() {
	l.mu.Lock()
	l.isLocked = true
	l.mu.Unlock()
}

// Unlock the locker
func (l *Locker) Unlock() {
	l.mu.Lock()
	l.isLocked = false
	l.mu.Unlock()
}

// Locked returns true if the locker is locked
func (l *Locker) Locked() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.isLocked
}

func protected(path string, exempt []string) bool {
	for _, str := range exempt {
		if strings.Contains(path, str) {
			return false
		}
	}
	return true
}

// Check is an HTTP middleware that returns http.StatusLocked if Locked() is true, otherwise passes down the line
func (l *Locker) Check(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if l.Locked() && protected(r.URL.Path, l.DoNotProtect) {
			w.WriteHeader(http.StatusLocked)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// HTTPSet calls Lock or Unlock based on json:bool on the request body
func (l *Locker) HTTPSet(w http.ResponseWriter, r *http.Request) {
	b := generichttp.BoolT{}
	err := json.NewDecoder(r.Body).Decode(&b)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if b.Bool {
		l.Lock()
	} else {
		l.Unlock()
	}
	w.WriteHeader(http.StatusOK)
}

// HTTPGet returns Locked() over HTTP as JSON
func (l *Locker) HTTPGet(w http.ResponseWriter, r *http.Request) {
	hp := generichttp.HumanPayload{T: types.Bool, Bool: l.Locked()}
	hp.EncodeAndRespond(w, r)
}

// AxisLocker locks the axes of a motion controller individually.  Requests
// which would change a locked axis get 423; reading it is still allowed.
type AxisLocker struct {
	mu     sync.RWMutex
	locked map[string]bool
}

// NewAL returns a new AxisLocker with every axis unlocked
func NewAL() *AxisLocker {
	return &AxisLocker{locked: map[string]bool{}}
}

// Lock an axis
func (al *AxisLocker) Lock(axis string) {
	al.mu.Lock()
	al.locked[axis] = true
	al.mu.Unlock()
}

// Unlock an axis
func (al *AxisLocker) Unlock(axis string) {
	al.mu.Lock()
	delete(al.locked, axis)
	al.mu.Unlock()
}

// Locked returns true if the axis is locked
func (al *AxisLocker) Locked(axis string) bool {
	al.mu.RLock()
	defer al.mu.RUnlock()
	return al.locked[axis]
}

// axisFromPath finds the segment after "axis" in a path.  Middleware runs
// before chi has filled in the URL params.
func axisFromPath(path string) (string, bool) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	for i := 0; i < len(parts)-1; i++ {
		if parts[i] == "axis" {
			return parts[i+1], true
		}
	}
	return "", false
}

// Check is an HTTP middleware that returns http.StatusLocked for requests
// other than GET to a locked axis
func (al *AxisLocker) Check(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && !strings.HasSuffix(r.URL.Path, "/lock") {
			if axis, ok := axisFromPath(r.URL.Path); ok && al.Locked(axis) {
				w.WriteHeader(http.StatusLocked)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// HTTPSet locks or unlocks the axis in the URL based on json:bool on the
// request body
func (al *AxisLocker) HTTPSet(w http.ResponseWriter, r *http.Request) {
	b := generichttp.BoolT{}
	err := json.NewDecoder(r.Body).Decode(&b)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	axis := chi.URLParam(r, "axis")
	if b.Bool {
		al.Lock(axis)
	} else {
		al.Unlock(axis)
	}
	w.WriteHeader(http.StatusOK)
}

// HTTPGet returns Locked(axis) over HTTP as JSON
func (al *AxisLocker) HTTPGet(w http.ResponseWriter, r *http.Request) {
	hp := generichttp.HumanPayload{T: types.Bool, Bool: al.Locked(chi.URLParam(r, "axis"))}
	hp.EncodeAndRespond(w, r)
}
