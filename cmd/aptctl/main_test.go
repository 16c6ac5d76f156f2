package main

import (
	"bytes"
	"strings"
	"testing"
)

func executeCommand(args ...string) (string, error) {
	root := newRootCmd()
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func TestVersion(t *testing.T) {
	out, err := executeCommand("version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "aptctl version") {
		t.Errorf("got %q", out)
	}
}

func TestNoAddress(t *testing.T) {
	_, err := executeCommand("state")
	if err == nil || !strings.Contains(err.Error(), "no address") {
		t.Errorf("expected no address error, got %v", err)
	}
}

func TestBadDest(t *testing.T) {
	_, err := executeCommand("--mock", "--dest", "bay12", "state")
	if err == nil {
		t.Error("bay12 was accepted")
	}
}

func TestMockCommands(t *testing.T) {
	cases := []struct {
		name string
		args []string
		want []string
	}{
		{"info rack", []string{"--dest", "motherboard", "info"}, []string{"model:    BBD203", "channels: 3"}},
		{"info bay", []string{"--dest", "bay1", "info"}, []string{"model:    BBD201", "firmware: 1.2.3"}},
		{"bays", []string{"bays"}, []string{"bay0: used", "bay2: used", "bay3: empty", "bay9: empty"}},
		{"enable", []string{"enable", "on"}, []string{"bay0 channel 1 enabled"}},
		{"disable", []string{"--dest", "bay2", "enable", "off"}, []string{"bay2 channel 1 disabled"}},
		{"query enable", []string{"enable"}, []string{"bay0 channel 1 disabled"}},
		{"identify", []string{"identify"}, []string{"identify sent to bay0"}},
		{"home", []string{"home"}, []string{"bay0 channel 1 homed"}},
		{"move", []string{"move", "20000"}, []string{"position 20000"}},
		{"move relative", []string{"--dest", "bay1", "move", "-r", "--", "-150"}, []string{"bay1 channel 1 position -150"}},
		{"jog", []string{"jog", "forward"}, []string{"position 0"}},
		{"stop", []string{"stop", "--immediate"}, []string{"position 0"}},
		{"state", []string{"state"}, []string{"state:", "position:    0", "max vel:     134218"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out, err := executeCommand(append([]string{"--mock"}, tc.args...)...)
			if err != nil {
				t.Fatalf("%v\n%s", err, out)
			}
			for _, w := range tc.want {
				if !strings.Contains(out, w) {
					t.Errorf("output missing %q:\n%s", w, out)
				}
			}
		})
	}
}

func TestBadArgs(t *testing.T) {
	for _, args := range [][]string{
		{"--mock", "enable", "maybe"},
		{"--mock", "jog", "sideways"},
		{"--mock", "move", "far"},
		{"--mock", "--channel", "9", "home"},
	} {
		if _, err := executeCommand(args...); err == nil {
			t.Errorf("%v: expected an error", args)
		}
	}
}

func TestListen(t *testing.T) {
	out, err := executeCommand("--mock", "listen", "--duration", "350ms")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "MGMSG_MOT_GET_DCSTATUSUPDATE bay0/1") {
		t.Errorf("no status update printed:\n%s", out)
	}
}

func TestListenRaw(t *testing.T) {
	out, err := executeCommand("--mock", "--dest", "bay1", "listen", "--raw", "--duration", "350ms")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "apt.Frame") {
		t.Errorf("no frame dumped:\n%s", out)
	}
}
