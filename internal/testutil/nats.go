// Package testutil holds helpers shared by package tests: an embedded
// NATS server and a scriptable browser session.
package testutil

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
)

// serve runs an in-process server on a random loopback port, with JetStream
// stored under a test directory when storeDir is set, and connects to it
func serve(t *testing.T, storeDir string) (*server.Server, *nats.Conn) {
	t.Helper()

	s, err := server.NewServer(&server.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	})
	require.NoError(t, err)
	if storeDir != "" {
		require.NoError(t, s.EnableJetStream(&server.JetStreamConfig{StoreDir: storeDir}))
	}

	go s.Start()
	if !s.ReadyForConnections(10 * time.Second) {
		t.Fatal("NATS server did not become ready")
	}

	nc, err := nats.Connect(s.ClientURL(), nats.Timeout(5*time.Second))
	require.NoError(t, err)
	return s, nc
}

// StartJetStream starts a JetStream-enabled server and returns a context on it
func StartJetStream(t *testing.T) (*server.Server, nats.JetStreamContext, func()) {
	t.Helper()

	s, nc := serve(t, t.TempDir())
	js, err := nc.JetStream(nats.MaxWait(5 * time.Second))
	require.NoError(t, err)

	return s, js, func() {
		nc.Close()
		s.Shutdown()
	}
}

// StartServer starts a core NATS server for request/reply tests
func StartServer(t *testing.T) (*nats.Conn, func()) {
	t.Helper()

	s, nc := serve(t, "")
	return nc, func() {
		nc.Close()
		s.Shutdown()
	}
}

// WaitForStream polls until stream name exists or timeout passes
func WaitForStream(t *testing.T, js nats.JetStreamContext, name string, timeout time.Duration) error {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		_, err := js.StreamInfo(name)
		switch {
		case err == nil:
			return nil
		case !errors.Is(err, nats.ErrStreamNotFound):
			return err
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("stream %s not created within %s", name, timeout)
}
