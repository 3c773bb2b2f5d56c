package main

import (
	"net"
	"strconv"
	"testing"
)

func TestRunRejectsInvalidArguments(t *testing.T) {
	cases := []struct {
		name string
		args []string
	}{
		{"port too low", []string{"--port", "0"}},
		{"port too high", []string{"--port", "70000"}},
		{"port not a number", []string{"--port", "abc"}},
		{"empty node id", []string{"--node-id", ""}},
		{"zero probe interval", []string{"--probe-interval", "0"}},
		{"negative stale timeout", []string{"--stale-timeout", "-5"}},
		{"unknown flag", []string{"--verbose"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("PEERBEAT_DATA_DIR", t.TempDir())

			if code := run(tc.args); code != exitInvalidArgs {
				t.Fatalf("expected exit %d, got %d", exitInvalidArgs, code)
			}
		})
	}
}

func TestRunReportsBindConflict(t *testing.T) {
	t.Setenv("PEERBEAT_DATA_DIR", t.TempDir())

	listener, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatalf("occupy port: %v", err)
	}
	defer func() {
		_ = listener.Close()
	}()
	port := listener.Addr().(*net.TCPAddr).Port

	code := run([]string{"--port", strconv.Itoa(port), "--node-id", "alpha"})
	if code != exitBindFailure {
		t.Fatalf("expected exit %d, got %d", exitBindFailure, code)
	}
}
