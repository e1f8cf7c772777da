package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
)

// ============================================================================
// Fake transport
// ============================================================================

type invocation struct {
	command string
	payload interface{}
}

type fakeHandler struct {
	id HandlerID
	fn EventHandler
}

type fakeConn struct {
	mu        sync.Mutex
	state     ConnState
	closed    bool
	invokeErr error
	invoked   []invocation
	nextID    HandlerID
	handlers  map[string][]fakeHandler
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		state:    StateConnected,
		handlers: make(map[string][]fakeHandler),
	}
}

func (f *fakeConn) Invoke(ctx context.Context, command string, payload interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.invokeErr != nil {
		return f.invokeErr
	}
	f.invoked = append(f.invoked, invocation{command: command, payload: payload})
	return nil
}

func (f *fakeConn) On(event string, h EventHandler) HandlerID {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.handlers[event] = append(f.handlers[event], fakeHandler{id: f.nextID, fn: h})
	return f.nextID
}

func (f *fakeConn) Off(event string, id HandlerID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entries := f.handlers[event]
	for i, e := range entries {
		if e.id == id {
			f.handlers[event] = append(entries[:i:i], entries[i+1:]...)
			return
		}
	}
}

func (f *fakeConn) State() ConnState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.state = StateDisconnected
	return nil
}

func (f *fakeConn) setState(s ConnState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = s
}

func (f *fakeConn) handlerCount(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers[event])
}

func (f *fakeConn) invocations() []invocation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]invocation(nil), f.invoked...)
}

// emit marshals the payload and runs the event's handlers synchronously, the
// way a real read loop dispatches frames.
func (f *fakeConn) emit(t *testing.T, event string, payload interface{}) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal %s payload: %v", event, err)
	}
	f.emitRaw(event, data)
}

func (f *fakeConn) emitRaw(event string, data []byte) {
	f.mu.Lock()
	entries := append([]fakeHandler(nil), f.handlers[event]...)
	f.mu.Unlock()
	for _, e := range entries {
		e.fn(data)
	}
}

type fakeDialer struct {
	mu      sync.Mutex
	dials   int
	err     error
	conns   []*fakeConn
	started chan struct{}
	release chan struct{}
}

func (d *fakeDialer) Dial(ctx context.Context, hubName string) (Conn, error) {
	d.mu.Lock()
	d.dials++
	started := d.started
	release := d.release
	err := d.err
	d.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if release != nil {
		<-release
	}
	if err != nil {
		return nil, err
	}

	c := newFakeConn()
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return c, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// ============================================================================
// Registry
// ============================================================================

func TestStartIsIdempotent(t *testing.T) {
	d := &fakeDialer{}
	r := NewRegistry(d, nil)

	if err := r.Start(context.Background(), ChatHub); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if err := r.Start(context.Background(), ChatHub); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if got := d.dialCount(); got != 1 {
		t.Fatalf("dialed %d times, want 1", got)
	}
	if r.Get(ChatHub) == nil {
		t.Fatal("expected a live connection")
	}
}

func TestConcurrentStartDialsOnce(t *testing.T) {
	d := &fakeDialer{
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	r := NewRegistry(d, nil)

	first := make(chan error, 1)
	go func() { first <- r.Start(context.Background(), ChatHub) }()
	<-d.started // the first dial is in flight

	// The racing call must observe the connecting slot and return without
	// dialing.
	if err := r.Start(context.Background(), ChatHub); err != nil {
		t.Fatalf("racing Start: %v", err)
	}

	close(d.release)
	if err := <-first; err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if got := d.dialCount(); got != 1 {
		t.Fatalf("dialed %d times, want 1", got)
	}
}

func TestGetNeverBlocksDuringDial(t *testing.T) {
	d := &fakeDialer{
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	r := NewRegistry(d, nil)

	done := make(chan error, 1)
	go func() { done <- r.Start(context.Background(), ChatHub) }()
	<-d.started

	if conn := r.Get(ChatHub); conn != nil {
		t.Fatal("Get must return nil while the dial is in flight")
	}

	close(d.release)
	if err := <-done; err != nil {
		t.Fatalf("Start: %v", err)
	}
	if r.Get(ChatHub) == nil {
		t.Fatal("expected a live connection after the dial completed")
	}
}

func TestStartFailureLeavesNoEntry(t *testing.T) {
	d := &fakeDialer{err: errors.New("refused")}
	r := NewRegistry(d, nil)

	if err := r.Start(context.Background(), ChatHub); err == nil {
		t.Fatal("expected Start to fail")
	}
	if r.Get(ChatHub) != nil {
		t.Fatal("failed hub must hold no entry")
	}

	// A later Start must dial again rather than seeing a phantom slot.
	d.mu.Lock()
	d.err = nil
	d.mu.Unlock()
	if err := r.Start(context.Background(), ChatHub); err != nil {
		t.Fatalf("retry Start: %v", err)
	}
	if got := d.dialCount(); got != 2 {
		t.Fatalf("dialed %d times, want 2", got)
	}
}

func TestStopClosesConnection(t *testing.T) {
	d := &fakeDialer{}
	r := NewRegistry(d, nil)
	if err := r.Start(context.Background(), ChatHub); err != nil {
		t.Fatalf("Start: %v", err)
	}

	r.Stop(ChatHub)

	if r.Get(ChatHub) != nil {
		t.Fatal("stopped hub must hold no entry")
	}
	if !d.conns[0].closed {
		t.Fatal("underlying connection was not closed")
	}

	// Stopping again is a no-op.
	r.Stop(ChatHub)
}

func TestStopDuringDialClosesLateConnection(t *testing.T) {
	d := &fakeDialer{
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	r := NewRegistry(d, nil)

	done := make(chan error, 1)
	go func() { done <- r.Start(context.Background(), ChatHub) }()
	<-d.started

	r.Stop(ChatHub)
	close(d.release)

	if err := <-done; err != nil {
		t.Fatalf("Start: %v", err)
	}
	if r.Get(ChatHub) != nil {
		t.Fatal("stopped hub must hold no entry")
	}
	if !d.conns[0].closed {
		t.Fatal("late connection must be closed, not leaked")
	}
}

func TestStopAll(t *testing.T) {
	d := &fakeDialer{}
	r := NewRegistry(d, nil)
	if err := r.Start(context.Background(), "hubA"); err != nil {
		t.Fatalf("Start hubA: %v", err)
	}
	if err := r.Start(context.Background(), "hubB"); err != nil {
		t.Fatalf("Start hubB: %v", err)
	}

	r.StopAll()

	if r.Get("hubA") != nil || r.Get("hubB") != nil {
		t.Fatal("expected no entries after StopAll")
	}
	for i, c := range d.conns {
		if !c.closed {
			t.Fatalf("connection %d was not closed", i)
		}
	}
}

func TestStartReplacesDroppedConnection(t *testing.T) {
	d := &fakeDialer{}
	r := NewRegistry(d, nil)
	if err := r.Start(context.Background(), ChatHub); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// The transport dropped; the entry is stale but still present.
	d.conns[0].setState(StateDisconnected)

	if err := r.Start(context.Background(), ChatHub); err != nil {
		t.Fatalf("reconnect Start: %v", err)
	}
	if got := d.dialCount(); got != 2 {
		t.Fatalf("dialed %d times, want 2", got)
	}
	if r.Get(ChatHub) != Conn(d.conns[1]) {
		t.Fatal("registry must hold the fresh connection")
	}
}
