package main

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nasa-jpl/golab-apt/thorlabs/apt"
	"github.com/nasa-jpl/golab-apt/util"
)

func mockConfig() Config {
	return Config{
		Addr: ":0",
		Mock: true,
		Nodes: []ObjSetup{{
			Endpoint: "omc/stages/",
			Type:     "BBD203",
			Timeout:  0.5,
			AxisLock: true,
			Axes: map[string]AxisSetup{
				"x": {Dest: "bay0", Scale: apt.Scale{Position: 100}, Limits: &util.Limiter{Min: -1, Max: 1}},
				"y": {Dest: "0x22", Channel: 1},
			}}}}
}

func newTestServer(t *testing.T, c Config) *httptest.Server {
	t.Helper()
	mux, closers, err := BuildMux(c)
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		for _, cl := range closers {
			cl.Close()
		}
	})
	return srv
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestServerMovesWithinLimits(t *testing.T) {
	srv := newTestServer(t, mockConfig())
	base := srv.URL + "/omc/stages"

	if resp := post(t, base+"/axis/x/pos", `{"f64": 0.5}`); resp.StatusCode != http.StatusOK {
		t.Fatalf("move within limits: %s", resp.Status)
	}
	if resp := post(t, base+"/axis/x/pos", `{"f64": 5}`); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("move outside limits: expected 400, got %s", resp.Status)
	}
	if resp := post(t, base+"/axis/x/pos?relative=true", `{"f64": 0.75}`); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("relative move outside limits: expected 400, got %s", resp.Status)
	}

	resp, err := http.Get(base + "/axis/x/pos")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var f struct {
		F64 float64 `json:"f64"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&f); err != nil {
		t.Fatal(err)
	}
	if f.F64 != 0.5 {
		t.Errorf("expected 0.5, got %f", f.F64)
	}
}

func TestServerAxisLock(t *testing.T) {
	srv := newTestServer(t, mockConfig())
	base := srv.URL + "/omc/stages"
	if resp := post(t, base+"/axis/y/lock", `{"bool": true}`); resp.StatusCode != http.StatusOK {
		t.Fatalf("lock: %s", resp.Status)
	}
	if resp := post(t, base+"/axis/y/pos", `{"f64": 10}`); resp.StatusCode != http.StatusLocked {
		t.Errorf("move of locked axis: expected 423, got %s", resp.Status)
	}
	if resp := post(t, base+"/axis/x/pos", `{"f64": 0.1}`); resp.StatusCode != http.StatusOK {
		t.Errorf("move of unlocked axis: %s", resp.Status)
	}
}

func TestServerEndpointsAndMetrics(t *testing.T) {
	srv := newTestServer(t, mockConfig())
	resp, err := http.Get(srv.URL + "/endpoints")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	graph := map[string][]string{}
	if err := json.NewDecoder(resp.Body).Decode(&graph); err != nil {
		t.Fatal(err)
	}
	routes := strings.Join(graph["/omc/stages"], "\n")
	for _, want := range []string{"GET /axis/{axis}/pos", "POST /axis/{axis}/lock", "GET /axis/{axis}/limits", "GET /hwinfo"} {
		if !strings.Contains(routes, want) {
			t.Errorf("%s missing from %v", want, graph)
		}
	}

	if resp := post(t, srv.URL+"/omc/stages/axis/x/enabled", `{"bool": true}`); resp.StatusCode != http.StatusOK {
		t.Fatalf("enable: %s", resp.Status)
	}
	mresp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer mresp.Body.Close()
	body, _ := io.ReadAll(mresp.Body)
	if !strings.Contains(string(body), `apt_frames_sent_total{controller="omc/stages"}`) {
		t.Errorf("frame counter missing from metrics")
	}
}

func TestBuildMuxRejectsBadConfig(t *testing.T) {
	bad := []Config{
		{Mock: true, Nodes: []ObjSetup{{Endpoint: "a", Type: "esp301"}}},
		{Mock: true, Nodes: []ObjSetup{{Endpoint: "a", Type: "apt", Axes: map[string]AxisSetup{"x": {Dest: "bay12"}}}}},
		{Mock: true, Nodes: []ObjSetup{{Endpoint: "a", Type: "apt", Axes: map[string]AxisSetup{"x": {Dest: "bay0", Channel: 7}}}}},
		{Mock: true, Nodes: []ObjSetup{{Endpoint: "a", Type: "apt"}, {Endpoint: "/a/", Type: "apt"}}},
	}
	for i, c := range bad {
		if _, _, err := BuildMux(c); err == nil {
			t.Errorf("config %d should have been rejected", i)
		}
	}
}
