// Package tunnel manages SSH local port forwards to the inference services.
// One forward is shared per model key and reference-counted; the forward is
// only handed out once its local port accepts TCP connections.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/clipforge/clipforge/pkg/config"
	"github.com/clipforge/clipforge/pkg/registry"
)

// Sentinel errors for tunnel establishment.
var (
	// ErrReadinessTimeout indicates the forward's local port never became
	// connectable within the readiness window.
	ErrReadinessTimeout = errors.New("tunnel readiness timeout")

	// ErrLocalPortInUse indicates the local port is bound by a process this
	// manager does not own.
	ErrLocalPortInUse = errors.New("tunnel local port in use")
)

// Manager owns the SSH forward child processes.
type Manager struct {
	cfg config.TunnelConfig

	mu      sync.Mutex
	keyLock map[string]*sync.Mutex
	procs   map[string]*forward
}

// forward is one live SSH child process serving a model key.
type forward struct {
	key       string
	localPort int
	cmd       *exec.Cmd
	exited    chan struct{}
	refs      int
}

// Handle is a lease on an established forward. Release is idempotent.
type Handle struct {
	BasePort int

	mgr      *Manager
	key      string
	path     string
	released sync.Once
}

// NewManager creates a tunnel manager.
func NewManager(cfg config.TunnelConfig) *Manager {
	return &Manager{
		cfg:     cfg,
		keyLock: make(map[string]*sync.Mutex),
		procs:   make(map[string]*forward),
	}
}

// lockFor serializes establishment per model key so two runs needing the
// same model never race to spawn two forwards.
func (m *Manager) lockFor(key string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.keyLock[key]
	if !ok {
		l = &sync.Mutex{}
		m.keyLock[key] = l
	}
	return l
}

// Acquire returns a ready forward for the model descriptor, starting the
// SSH child if needed. The caller must Release the handle.
func (m *Manager) Acquire(ctx context.Context, desc registry.Descriptor) (*Handle, error) {
	kl := m.lockFor(desc.Key)
	kl.Lock()
	defer kl.Unlock()

	m.mu.Lock()
	fw, ok := m.procs[desc.Key]
	m.mu.Unlock()

	if ok && fw.alive() {
		m.mu.Lock()
		fw.refs++
		m.mu.Unlock()
		return m.handle(desc), nil
	}
	if ok {
		// Previous child died; reap its entry before restarting.
		m.drop(desc.Key)
	}

	fw, err := m.establish(ctx, desc, true)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	fw.refs = 1
	m.procs[desc.Key] = fw
	m.mu.Unlock()
	return m.handle(desc), nil
}

// probeTimeout bounds a single TCP readiness dial.
const probeTimeout = 250 * time.Millisecond

// establish spawns the SSH forward and waits for the local port to accept
// connections. On a port already bound at spawn time, a forward we can
// attribute to ourselves is killed and establishment retried once: first a
// forward this manager owns for the key, then an orphan left by a crashed
// prior worker, identified by its forwarder-shaped command line. A port held
// by anything else is ErrLocalPortInUse.
func (m *Manager) establish(ctx context.Context, desc registry.Descriptor, allowRetry bool) (*forward, error) {
	if bound := portBound(desc.LocalPort, probeTimeout); bound {
		m.mu.Lock()
		stale, owned := m.procs[desc.Key]
		m.mu.Unlock()
		if owned && allowRetry {
			slog.Warn("Killing stale tunnel holding local port",
				"model", desc.Key, "local_port", desc.LocalPort)
			stale.kill()
			m.drop(desc.Key)
			return m.establish(ctx, desc, false)
		}
		if pid := findOrphanForwarder(desc.LocalPort); pid != 0 && allowRetry {
			slog.Warn("Killing orphaned forwarder holding local port",
				"model", desc.Key, "local_port", desc.LocalPort, "pid", pid)
			if proc, err := os.FindProcess(pid); err == nil {
				_ = proc.Kill()
			}
			// Give the listener a moment to go away before re-probing.
			time.Sleep(probeTimeout)
			return m.establish(ctx, desc, false)
		}
		return nil, fmt.Errorf("%w: %d (model %s)", ErrLocalPortInUse, desc.LocalPort, desc.Key)
	}

	args := []string{
		"-N",
		"-o", "BatchMode=yes",
		"-o", "ExitOnForwardFailure=yes",
		"-o", fmt.Sprintf("ConnectTimeout=%d", int(m.cfg.ConnectTimeout.Seconds())),
		"-o", "ServerAliveInterval=15",
		"-o", "ServerAliveCountMax=3",
		"-L", fmt.Sprintf("%d:%s:%d", desc.LocalPort, desc.RemoteHost, desc.RemotePort),
		fmt.Sprintf("%s@%s", desc.SSHUser, desc.SSHHost),
	}
	cmd := exec.Command(m.cfg.SSHPath, args...)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting ssh forward for %s: %w", desc.Key, err)
	}

	fw := &forward{
		key:       desc.Key,
		localPort: desc.LocalPort,
		cmd:       cmd,
		exited:    make(chan struct{}),
	}
	go func() {
		_ = cmd.Wait()
		close(fw.exited)
	}()

	if err := m.awaitReady(ctx, fw); err != nil {
		fw.kill()
		return nil, err
	}
	slog.Info("Tunnel established",
		"model", desc.Key, "local_port", desc.LocalPort,
		"remote", fmt.Sprintf("%s:%d", desc.RemoteHost, desc.RemotePort))
	return fw, nil
}

// awaitReady probes the local port until it accepts a connection, the child
// exits, or the readiness window closes.
func (m *Manager) awaitReady(ctx context.Context, fw *forward) error {
	deadline := time.Now().Add(m.cfg.ReadinessTimeout)
	ticker := time.NewTicker(m.cfg.ReadinessInterval)
	defer ticker.Stop()

	for {
		if portBound(fw.localPort, probeTimeout) {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: port %d after %s", ErrReadinessTimeout, fw.localPort, m.cfg.ReadinessTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-fw.exited:
			return fmt.Errorf("%w: ssh exited during establishment (port %d)", ErrReadinessTimeout, fw.localPort)
		case <-ticker.C:
		}
	}
}

func (m *Manager) handle(desc registry.Descriptor) *Handle {
	return &Handle{
		BasePort: desc.LocalPort,
		mgr:      m,
		key:      desc.Key,
		path:     desc.EndpointPath,
	}
}

// release decrements the forward's refcount and stops the child when the
// last lease goes away.
func (m *Manager) release(key string) {
	m.mu.Lock()
	fw, ok := m.procs[key]
	if !ok {
		m.mu.Unlock()
		return
	}
	fw.refs--
	if fw.refs > 0 {
		m.mu.Unlock()
		return
	}
	delete(m.procs, key)
	m.mu.Unlock()

	fw.kill()
	slog.Debug("Tunnel closed", "model", key)
}

// drop removes the bookkeeping entry without touching refcounts. Used for
// dead children.
func (m *Manager) drop(key string) {
	m.mu.Lock()
	delete(m.procs, key)
	m.mu.Unlock()
}

// Shutdown kills every live forward. Called on process exit.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	procs := make([]*forward, 0, len(m.procs))
	for _, fw := range m.procs {
		procs = append(procs, fw)
	}
	m.procs = make(map[string]*forward)
	m.mu.Unlock()

	for _, fw := range procs {
		fw.kill()
	}
}

func (fw *forward) alive() bool {
	select {
	case <-fw.exited:
		return false
	default:
		return true
	}
}

func (fw *forward) kill() {
	if fw.cmd != nil && fw.cmd.Process != nil {
		_ = fw.cmd.Process.Kill()
	}
	<-fw.exited
}

// BaseURL is the local endpoint the inference client should call.
func (h *Handle) BaseURL() string {
	return "http://127.0.0.1:" + strconv.Itoa(h.BasePort)
}

// EndpointURL is the full service endpoint behind the forward.
func (h *Handle) EndpointURL() string {
	return h.BaseURL() + h.path
}

// Release returns the lease. Safe to call more than once.
func (h *Handle) Release() {
	h.released.Do(func() { h.mgr.release(h.key) })
}

// forwarderArgsMatch reports whether a command line looks like one of our
// SSH forwards bound to localPort: a -N no-command session carrying a -L
// spec for that port.
func forwarderArgsMatch(args []string, localPort int) bool {
	spec := strconv.Itoa(localPort) + ":"
	var noCommand, forwardsPort bool
	for i, a := range args {
		switch {
		case a == "-N":
			noCommand = true
		case a == "-L" && i+1 < len(args) && strings.HasPrefix(args[i+1], spec):
			forwardsPort = true
		}
	}
	return noCommand && forwardsPort
}

// findOrphanForwarder scans the process table for a forwarder left behind by
// a crashed prior worker on this host. Returns 0 when none is found.
func findOrphanForwarder(localPort int) int {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return 0
	}
	self := os.Getpid()
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil || pid == self {
			continue
		}
		raw, err := os.ReadFile(filepath.Join("/proc", e.Name(), "cmdline"))
		if err != nil {
			continue
		}
		args := strings.Split(strings.TrimRight(string(raw), "\x00"), "\x00")
		if forwarderArgsMatch(args, localPort) {
			return pid
		}
	}
	return 0
}

// portBound reports whether something is accepting connections on the local
// port.
func portBound(port int, timeout time.Duration) bool {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), timeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
