package chatsync

import (
	"context"
	"log/slog"
	"sync"
)

// Registry owns at most one live connection per hub name. Connections are
// expensive shared resources keyed by hub name, not by caller, so one registry
// instance is shared application-wide. It is constructed explicitly and
// injected, never reached through package globals.
type Registry struct {
	dialer Dialer
	logger *slog.Logger

	mu    sync.Mutex
	conns map[string]*hubEntry
}

type hubEntry struct {
	state ConnState
	conn  Conn
}

// NewRegistry creates a registry that dials hubs through the given dialer.
func NewRegistry(dialer Dialer, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		dialer: dialer,
		logger: logger,
		conns:  make(map[string]*hubEntry),
	}
}

// Start establishes a connection for the named hub. It is idempotent: when a
// connection for the hub is connected or connecting, Start returns nil without
// dialing. The check and the reservation of the connecting slot happen under
// one lock hold, so two racing Start calls produce exactly one dial.
//
// On failure the attempt is logged and the registry holds no entry for the
// hub; retry policy is left to the caller.
func (r *Registry) Start(ctx context.Context, hubName string) error {
	r.mu.Lock()
	if e, ok := r.conns[hubName]; ok {
		state := e.state
		if e.conn != nil {
			state = e.conn.State()
		}
		if state == StateConnected || state == StateConnecting {
			r.mu.Unlock()
			return nil
		}
		// The previous connection dropped; replace the stale entry.
		delete(r.conns, hubName)
	}
	r.conns[hubName] = &hubEntry{state: StateConnecting}
	r.mu.Unlock()

	conn, err := r.dialer.Dial(ctx, hubName)

	r.mu.Lock()
	e := r.conns[hubName]
	if err != nil {
		if e != nil && e.conn == nil {
			delete(r.conns, hubName)
		}
		r.mu.Unlock()
		r.logger.Error("hub connect failed", "hub", hubName, "error", err)
		return err
	}
	if e == nil {
		// Stop arrived while the dial was in flight; don't leak the socket.
		r.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	e.state = StateConnected
	e.conn = conn
	r.mu.Unlock()

	r.logger.Info("hub connected", "hub", hubName)
	return nil
}

// Get returns the live connection for the hub, or nil when none is
// established. It never blocks on an in-flight dial.
func (r *Registry) Get(hubName string) Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.conns[hubName]; ok {
		return e.conn
	}
	return nil
}

// Stop closes and removes the hub's connection. Stopping an unknown or
// already-closed hub is a no-op; close errors are swallowed.
func (r *Registry) Stop(hubName string) {
	r.mu.Lock()
	e := r.conns[hubName]
	delete(r.conns, hubName)
	r.mu.Unlock()

	if e != nil && e.conn != nil {
		if err := e.conn.Close(); err != nil {
			r.logger.Debug("hub close", "hub", hubName, "error", err)
		}
	}
}

// StopAll closes every connection. Invoked on teardown to avoid leaked
// sockets.
func (r *Registry) StopAll() {
	r.mu.Lock()
	entries := r.conns
	r.conns = make(map[string]*hubEntry)
	r.mu.Unlock()

	for name, e := range entries {
		if e.conn != nil {
			if err := e.conn.Close(); err != nil {
				r.logger.Debug("hub close", "hub", name, "error", err)
			}
		}
	}
}
