package generichttp_test

import (
	"encoding/json"
	"go/types"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"

	"github.com/go-chi/chi"
	"github.com/nasa-jpl/golab-apt/generichttp"
)

func ok(w http.ResponseWriter, r *http.Request) {}

func TestEndpointsSortedByPath(t *testing.T) {
	rt := generichttp.RouteTable{
		{Method: http.MethodPost, Path: "/b"}: ok,
		{Method: http.MethodGet, Path: "/b"}:  ok,
		{Method: http.MethodGet, Path: "/a"}:  ok,
	}
	got := rt.Endpoints()
	want := []string{"GET /a", "GET /b", "POST /b"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v got %v", want, got)
	}
}

func TestBindListsEndpoints(t *testing.T) {
	rt := generichttp.RouteTable{{Method: http.MethodGet, Path: "/thing"}: ok}
	r := chi.NewRouter()
	rt.Bind(r)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/thing", nil))
	if w.Code != http.StatusOK {
		t.Errorf("bound route answered %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/endpoints", nil))
	var eps []string
	if err := json.NewDecoder(w.Body).Decode(&eps); err != nil {
		t.Fatal(err)
	}
	if len(eps) != 1 || eps[0] != "GET /thing" {
		t.Errorf("endpoints listed as %v", eps)
	}
}

func TestSubMuxSanitize(t *testing.T) {
	for in, want := range map[string]string{
		"omc/stages":    "/omc/stages",
		"/omc/stages/":  "/omc/stages",
		"/omc/stages/*": "/omc/stages",
		"omc/stages/*":  "/omc/stages",
	} {
		if got := generichttp.SubMuxSanitize(in); got != want {
			t.Errorf("%q: expected %q got %q", in, want, got)
		}
	}
}

func TestHumanPayload(t *testing.T) {
	cases := []struct {
		hp   generichttp.HumanPayload
		want string
	}{
		{generichttp.HumanPayload{T: types.Bool, Bool: true}, `{"bool":true}` + "\n"},
		{generichttp.HumanPayload{T: types.Float64, Float: 1.5}, `{"f64":1.5}` + "\n"},
		{generichttp.HumanPayload{T: types.Int, Int: 3}, `{"int":3}` + "\n"},
		{generichttp.HumanPayload{T: types.String, String: "bay0"}, `{"str":"bay0"}` + "\n"},
	}
	for _, tc := range cases {
		w := httptest.NewRecorder()
		tc.hp.EncodeAndRespond(w, httptest.NewRequest(http.MethodGet, "/", nil))
		if w.Body.String() != tc.want {
			t.Errorf("expected %q got %q", tc.want, w.Body.String())
		}
		if ct := w.Header().Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type %q", ct)
		}
	}

	w := httptest.NewRecorder()
	hp := generichttp.HumanPayload{T: types.Complex128}
	hp.EncodeAndRespond(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusInternalServerError {
		t.Errorf("unsupported payload answered %d", w.Code)
	}
}
