package tunnel

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipforge/clipforge/pkg/config"
	"github.com/clipforge/clipforge/pkg/registry"
)

func testConfig() config.TunnelConfig {
	cfg := config.DefaultTunnelConfig()
	cfg.ReadinessTimeout = 2 * time.Second
	cfg.ReadinessInterval = 50 * time.Millisecond
	return cfg
}

// reservePort binds an ephemeral port and returns it still held by the
// listener so tests can simulate a foreign owner.
func reservePort(t *testing.T) (int, net.Listener) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	return ln.Addr().(*net.TCPAddr).Port, ln
}

func TestAcquireForeignPortOwner(t *testing.T) {
	port, _ := reservePort(t)
	m := NewManager(testConfig())

	_, err := m.Acquire(context.Background(), registry.Descriptor{
		Key:       "qwen3_vl_fp8",
		LocalPort: port,
		SSHHost:   "gw",
		SSHUser:   "pipeline",
	})
	assert.ErrorIs(t, err, ErrLocalPortInUse)
}

func TestAcquireChildExitsBeforeReady(t *testing.T) {
	cfg := testConfig()
	cfg.SSHPath = "/bin/false" // child exits immediately, port never opens
	m := NewManager(cfg)

	port, ln := reservePort(t)
	require.NoError(t, ln.Close()) // free the port before establishment

	_, err := m.Acquire(context.Background(), registry.Descriptor{
		Key:        "minimax",
		LocalPort:  port,
		SSHHost:    "gw",
		SSHUser:    "pipeline",
		RemoteHost: "worker-9",
		RemotePort: 8001,
	})
	assert.ErrorIs(t, err, ErrReadinessTimeout)
}

func TestAcquireHonorsContextCancel(t *testing.T) {
	// Stand-in forwarder that stays alive but never opens the port.
	script := filepath.Join(t.TempDir(), "fake-ssh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\nexec sleep 60\n"), 0o755))

	cfg := testConfig()
	cfg.SSHPath = script
	cfg.ReadinessTimeout = time.Minute
	m := NewManager(cfg)
	defer m.Shutdown()

	port, ln := reservePort(t)
	require.NoError(t, ln.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := m.Acquire(ctx, registry.Descriptor{
		Key:       "parakeet",
		LocalPort: port,
		SSHHost:   "gw",
		SSHUser:   "pipeline",
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestForwarderArgsMatch(t *testing.T) {
	forwarder := []string{
		"ssh", "-N",
		"-o", "BatchMode=yes",
		"-o", "ExitOnForwardFailure=yes",
		"-L", "18434:worker-9:8000",
		"pipeline@gw",
	}
	assert.True(t, forwarderArgsMatch(forwarder, 18434))
	assert.False(t, forwarderArgsMatch(forwarder, 18435), "different port")
	// 18434 must match the full port field, not a prefix of another port.
	assert.False(t, forwarderArgsMatch([]string{"ssh", "-N", "-L", "1843:worker-9:8000", "pipeline@gw"}, 18434))

	interactive := []string{"ssh", "-L", "18434:worker-9:8000", "pipeline@gw"}
	assert.False(t, forwarderArgsMatch(interactive, 18434), "no -N, not one of ours")

	unrelated := []string{"nginx", "-g", "daemon off;"}
	assert.False(t, forwarderArgsMatch(unrelated, 18434))
	assert.False(t, forwarderArgsMatch(nil, 18434))
}

func TestFindOrphanForwarderSkipsForeignProcesses(t *testing.T) {
	// Nothing on this host runs a forwarder for the reserved port; the
	// listener held by the test process itself must not be attributed.
	port, _ := reservePort(t)
	assert.Zero(t, findOrphanForwarder(port))
}

func TestHandleURLs(t *testing.T) {
	h := &Handle{BasePort: 18434, path: "/v1/chat/completions"}

	assert.Equal(t, "http://127.0.0.1:18434", h.BaseURL())
	assert.Equal(t, "http://127.0.0.1:18434/v1/chat/completions", h.EndpointURL())
}

func TestPortBound(t *testing.T) {
	port, ln := reservePort(t)
	assert.True(t, portBound(port, probeTimeout))

	require.NoError(t, ln.Close())
	assert.False(t, portBound(port, probeTimeout))
}
