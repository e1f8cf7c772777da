package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"nhooyr.io/websocket"
)

// Hub names used by the chat client.
const ChatHub = "chatHub"

// ErrNotConnected is returned when a command is issued without an established
// connection. The caller sees this synchronously; nothing is queued.
var ErrNotConnected = errors.New("chatsync: not connected")

// ConnState represents the connection state of a hub channel.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
)

// EventHandler consumes one server-pushed event payload. Handlers for a
// connection run sequentially in arrival order; a handler must return before
// the next event is dispatched.
type EventHandler func(payload json.RawMessage)

// HandlerID identifies a registered handler so it can be deregistered.
type HandlerID uint64

// Conn is the surface the engine needs from a live push channel. HubConnection
// is the production implementation; tests substitute fakes.
type Conn interface {
	Invoke(ctx context.Context, command string, payload interface{}) error
	On(event string, h EventHandler) HandlerID
	Off(event string, id HandlerID)
	State() ConnState
	Close() error
}

// ============================================================================
// Event Dispatcher
// ============================================================================

type handlerEntry struct {
	id HandlerID
	fn EventHandler
}

type dispatcher struct {
	mu       sync.RWMutex
	nextID   HandlerID
	handlers map[string][]handlerEntry
}

func newDispatcher() *dispatcher {
	return &dispatcher{handlers: make(map[string][]handlerEntry)}
}

func (d *dispatcher) add(event string, h EventHandler) HandlerID {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	d.handlers[event] = append(d.handlers[event], handlerEntry{id: d.nextID, fn: h})
	return d.nextID
}

func (d *dispatcher) remove(event string, id HandlerID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	entries := d.handlers[event]
	for i, e := range entries {
		if e.id == id {
			d.handlers[event] = append(entries[:i:i], entries[i+1:]...)
			return
		}
	}
}

// dispatch invokes handlers synchronously, in registration order. Events are
// therefore processed to completion one at a time from the read loop.
func (d *dispatcher) dispatch(env Envelope) {
	d.mu.RLock()
	entries := append([]handlerEntry(nil), d.handlers[env.Event]...)
	d.mu.RUnlock()
	for _, e := range entries {
		e.fn(env.Payload)
	}
}

// ============================================================================
// HubConnection
// ============================================================================

// TokenSource supplies the bearer token attached when a connection is
// established. It must not block.
type TokenSource func() string

// HubConnection is one long-lived, named, bidirectional push channel.
type HubConnection struct {
	name    string
	baseURL string
	token   TokenSource
	logger  *slog.Logger

	mu               sync.Mutex
	state            ConnState
	conn             *websocket.Conn
	intentionalClose bool
	cancelFn         context.CancelFunc

	dispatcher *dispatcher
}

// NewHubConnection creates a disconnected channel for the named hub.
// Call Connect to establish it.
func NewHubConnection(name, baseURL string, token TokenSource, logger *slog.Logger) *HubConnection {
	if logger == nil {
		logger = slog.Default()
	}
	return &HubConnection{
		name:       name,
		baseURL:    baseURL,
		token:      token,
		logger:     logger,
		state:      StateDisconnected,
		dispatcher: newDispatcher(),
	}
}

// Name returns the hub name this channel is bound to.
func (hc *HubConnection) Name() string {
	return hc.name
}

// State returns the current connection state.
func (hc *HubConnection) State() ConnState {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	return hc.state
}

// On registers a handler for the named event and returns its id.
func (hc *HubConnection) On(event string, h EventHandler) HandlerID {
	return hc.dispatcher.add(event, h)
}

// Off deregisters a previously registered handler.
func (hc *HubConnection) Off(event string, id HandlerID) {
	hc.dispatcher.remove(event, id)
}

// Connect establishes the WebSocket connection. Calling Connect while the
// channel is connected or connecting is a no-op; the state check and the
// transition to connecting happen under one lock hold, so two racing calls
// cannot both dial.
func (hc *HubConnection) Connect(ctx context.Context) error {
	hc.mu.Lock()
	if hc.state == StateConnected || hc.state == StateConnecting {
		hc.mu.Unlock()
		return nil
	}
	hc.state = StateConnecting
	hc.intentionalClose = false
	hc.mu.Unlock()

	wsURL := strings.Replace(hc.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/hubs/" + hc.name
	if token := hc.token(); token != "" {
		wsURL += "?access_token=" + token
	}

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		hc.mu.Lock()
		hc.state = StateDisconnected
		hc.mu.Unlock()
		return fmt.Errorf("websocket dial: %w", err)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	hc.mu.Lock()
	hc.conn = conn
	hc.state = StateConnected
	hc.cancelFn = cancel
	hc.mu.Unlock()

	go hc.readLoop(connCtx, conn)

	return nil
}

// Close gracefully closes the connection. Closing an already-closed channel
// is a no-op.
func (hc *HubConnection) Close() error {
	hc.mu.Lock()
	hc.intentionalClose = true
	if hc.cancelFn != nil {
		hc.cancelFn()
		hc.cancelFn = nil
	}
	conn := hc.conn
	hc.conn = nil
	hc.state = StateDisconnected
	hc.mu.Unlock()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// Invoke sends a command over the channel. It is fire-and-forget: delivery
// outcomes arrive later as events, not through the return value.
func (hc *HubConnection) Invoke(ctx context.Context, command string, payload interface{}) error {
	hc.mu.Lock()
	conn := hc.conn
	hc.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(&Command{Command: command, Payload: payload})
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (hc *HubConnection) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			hc.mu.Lock()
			intentional := hc.intentionalClose
			if hc.conn == conn {
				hc.conn = nil
				hc.state = StateDisconnected
			}
			hc.mu.Unlock()

			if !intentional {
				hc.logger.Warn("hub connection lost", "hub", hc.name, "error", err)
			}
			return
		}

		var env Envelope
		if json.Unmarshal(data, &env) != nil {
			hc.logger.Debug("dropping malformed frame", "hub", hc.name)
			continue
		}

		hc.dispatcher.dispatch(env)
	}
}

// ============================================================================
// Dialer
// ============================================================================

// Dialer produces an established connection for a hub name. The Registry uses
// it so tests can substitute a fake transport.
type Dialer interface {
	Dial(ctx context.Context, hubName string) (Conn, error)
}

// WebSocketDialer dials hub channels over WebSocket against a base URL.
type WebSocketDialer struct {
	baseURL string
	token   TokenSource
	logger  *slog.Logger
}

// NewWebSocketDialer creates a dialer. token supplies the bearer credential
// attached at connection-start time.
func NewWebSocketDialer(baseURL string, token TokenSource) *WebSocketDialer {
	return &WebSocketDialer{baseURL: baseURL, token: token}
}

// WithLogger sets the logger handed to dialed connections.
func (d *WebSocketDialer) WithLogger(logger *slog.Logger) *WebSocketDialer {
	d.logger = logger
	return d
}

func (d *WebSocketDialer) Dial(ctx context.Context, hubName string) (Conn, error) {
	hc := NewHubConnection(hubName, d.baseURL, d.token, d.logger)
	if err := hc.Connect(ctx); err != nil {
		return nil, err
	}
	return hc, nil
}
