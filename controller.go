package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

var (
	// ErrEmptyMessage rejects sends whose text is empty or whitespace.
	ErrEmptyMessage = errors.New("chatsync: empty message")

	// ErrNotReady rejects operations that need a selected, loaded
	// conversation.
	ErrNotReady = errors.New("chatsync: no conversation ready")
)

// ControllerState is the view controller's lifecycle state.
type ControllerState string

const (
	NoConversation ControllerState = "no-conversation-selected"
	LoadingHistory ControllerState = "loading-history"
	Ready          ControllerState = "ready"
)

// ConversationAPI is the conversation lookup/read-receipt collaborator.
// *Client implements it.
type ConversationAPI interface {
	Conversations(ctx context.Context) ([]Conversation, error)
	MarkRead(ctx context.Context, conversationID string) error
}

// ControllerConfig wires a Controller to its collaborators.
type ControllerConfig struct {
	// Registry supplies the push channel. Required.
	Registry *Registry

	// HubName selects the hub. Defaults to ChatHub.
	HubName string

	// History fetches message pages. Required.
	History HistoryFetcher

	// API lists conversations and posts read receipts. Optional.
	API ConversationAPI

	// SelfID is the current user's id.
	SelfID string

	PageSize int

	// OnTimelineChange and OnConversationsChange notify the view layer.
	OnTimelineChange      func()
	OnConversationsChange func()

	// StaleSendAfter is forwarded to the timeline; zero keeps
	// unacknowledged sends in sending state indefinitely.
	StaleSendAfter time.Duration

	Logger *slog.Logger
}

// Controller is the single owner of the "active conversation" state. It binds
// push events to store mutations and drives optimistic send creation.
type Controller struct {
	registry      *Registry
	hubName       string
	api           ConversationAPI
	timeline      *Timeline
	conversations *ConversationList
	selfID        string
	logger        *slog.Logger

	mu        sync.Mutex
	state     ControllerState
	activeID  string
	boundConn Conn
	recvID    HandlerID
	ackID     HandlerID
}

// NewController creates a controller in the no-conversation-selected state.
func NewController(cfg ControllerConfig) *Controller {
	if cfg.HubName == "" {
		cfg.HubName = ChatHub
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	c := &Controller{
		registry:      cfg.Registry,
		hubName:       cfg.HubName,
		api:           cfg.API,
		selfID:        cfg.SelfID,
		logger:        cfg.Logger,
		state:         NoConversation,
		conversations: NewConversationList(cfg.OnConversationsChange),
	}
	c.timeline = NewTimeline(cfg.History, TimelineOptions{
		PageSize:       cfg.PageSize,
		SelfID:         cfg.SelfID,
		OnChange:       cfg.OnTimelineChange,
		StaleSendAfter: cfg.StaleSendAfter,
		Logger:         cfg.Logger,
	})
	return c
}

// Timeline exposes the active conversation's message list to the view layer.
func (c *Controller) Timeline() *Timeline {
	return c.timeline
}

// Conversations exposes the conversation list to the view layer.
func (c *Controller) Conversations() *ConversationList {
	return c.conversations
}

// State returns the controller's current lifecycle state.
func (c *Controller) State() ControllerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ActiveConversation returns the selected conversation id, or "".
func (c *Controller) ActiveConversation() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeID
}

// ============================================================================
// Conversation selection
// ============================================================================

// Select makes a conversation active: the timeline is cleared synchronously,
// live-event handlers are rebound (always deregister before register, so
// handlers never accumulate across switches), then the first history page is
// loaded. Completion moves the controller to Ready.
//
// A history fetch left in flight for the previous conversation is not
// cancelled; its response is discarded by the timeline's epoch guard.
func (c *Controller) Select(ctx context.Context, conversationID string) error {
	c.mu.Lock()
	c.state = LoadingHistory
	c.activeID = conversationID
	c.mu.Unlock()

	c.timeline.Clear()
	c.rebindHandlers()

	if err := c.timeline.LoadHistory(ctx, conversationID); err != nil {
		c.mu.Lock()
		if c.activeID == conversationID {
			c.state = NoConversation
			c.activeID = ""
		}
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	if c.activeID != conversationID {
		// A newer Select won the race; leave its state alone.
		c.mu.Unlock()
		return nil
	}
	c.state = Ready
	c.mu.Unlock()

	c.conversations.MarkRead(conversationID)
	if c.api != nil {
		if err := c.api.MarkRead(ctx, conversationID); err != nil {
			c.logger.Warn("mark read failed", "conversation", conversationID, "error", err)
		}
	}
	return nil
}

// rebindHandlers swaps this controller's event subscription onto the current
// connection. Deregistration happens synchronously before registration and
// before any fetch begins, so there is no window with two live subscriptions.
func (c *Controller) rebindHandlers() {
	conn := c.registry.Get(c.hubName)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.boundConn != nil {
		c.boundConn.Off(EventMessageReceived, c.recvID)
		c.boundConn.Off(EventMessageSent, c.ackID)
		c.boundConn = nil
	}
	if conn == nil {
		c.logger.Warn("no hub connection; live events unavailable", "hub", c.hubName)
		return
	}
	c.recvID = conn.On(EventMessageReceived, c.handleReceived)
	c.ackID = conn.On(EventMessageSent, c.handleAck)
	c.boundConn = conn
}

// ============================================================================
// Event handlers
// ============================================================================

// handleReceived runs on the connection's read loop. Decode failures are
// logged and swallowed so one bad frame cannot abort processing of the events
// queued behind it.
func (c *Controller) handleReceived(payload json.RawMessage) {
	var m Message
	if err := json.Unmarshal(payload, &m); err != nil {
		c.logger.Warn("dropping malformed MessageReceived", "error", err)
		return
	}
	m.Status = StatusSent

	// The list reflects activity for every conversation, active or not.
	c.conversations.UpdateOnMessage(&m)

	c.mu.Lock()
	active := c.activeID
	c.mu.Unlock()

	if m.ConversationID == active {
		c.timeline.ReceiveLive(m)
	} else if m.SenderID != c.selfID {
		c.conversations.IncrementUnread(m.ConversationID)
	}
}

func (c *Controller) handleAck(payload json.RawMessage) {
	var ack AckPayload
	if err := json.Unmarshal(payload, &ack); err != nil {
		c.logger.Warn("dropping malformed MessageSent ack", "error", err)
		return
	}
	c.timeline.ReconcileAck(ack)
}

// ============================================================================
// Sending
// ============================================================================

// Send creates an optimistic entry and issues the send command, returning the
// optimistic message (its TrackID keys the later reconciliation). The command
// is fire-and-forget: success or failure arrives via the MessageSent ack.
//
// Empty text and a missing connection are rejected synchronously, before any
// optimistic entry exists.
func (c *Controller) Send(ctx context.Context, text string) (Message, error) {
	if strings.TrimSpace(text) == "" {
		return Message{}, ErrEmptyMessage
	}

	c.mu.Lock()
	if c.state != Ready {
		c.mu.Unlock()
		return Message{}, ErrNotReady
	}
	c.mu.Unlock()

	conn := c.registry.Get(c.hubName)
	if conn == nil || conn.State() != StateConnected {
		return Message{}, ErrNotConnected
	}

	m, err := c.timeline.AppendOptimistic(text, TypeText)
	if err != nil {
		return Message{}, err
	}
	c.conversations.UpdateOnMessage(&m)

	err = conn.Invoke(ctx, CommandSendMessage, SendPayload{
		ConversationID: m.ConversationID,
		TrackID:        m.TrackID,
		Type:           m.Type,
		Body:           m.Body,
	})
	if err != nil {
		// The command never reached the transport; fail the bubble now
		// rather than leaving it waiting for an ack that cannot come.
		c.timeline.ReconcileAck(AckPayload{TrackID: m.TrackID, DeliveryStatus: DeliveryFailed})
		return m, fmt.Errorf("send message: %w", err)
	}
	return m, nil
}

// ============================================================================
// Pagination
// ============================================================================

// CanLoadMore reports whether older history remains for the active
// conversation.
func (c *Controller) CanLoadMore() bool {
	return c.timeline.CanLoadMore()
}

// LoadMore fetches the next older history page, when one exists.
func (c *Controller) LoadMore(ctx context.Context) error {
	return c.timeline.LoadMore(ctx)
}

// ============================================================================
// Ancillary commands
// ============================================================================

// RefreshConversations reloads the conversation list from the API.
func (c *Controller) RefreshConversations(ctx context.Context) error {
	if c.api == nil {
		return nil
	}
	conversations, err := c.api.Conversations(ctx)
	if err != nil {
		return fmt.Errorf("refresh conversations: %w", err)
	}
	c.conversations.Replace(conversations)
	return nil
}

// StartTyping sends a best-effort typing indicator for the active
// conversation. No connection or no selection is not an error.
func (c *Controller) StartTyping(ctx context.Context) {
	c.typing(ctx, CommandStartTyping)
}

// StopTyping clears the typing indicator.
func (c *Controller) StopTyping(ctx context.Context) {
	c.typing(ctx, CommandStopTyping)
}

func (c *Controller) typing(ctx context.Context, command string) {
	c.mu.Lock()
	active := c.activeID
	c.mu.Unlock()
	if active == "" {
		return
	}
	conn := c.registry.Get(c.hubName)
	if conn == nil {
		return
	}
	if err := conn.Invoke(ctx, command, TypingPayload{ConversationID: active}); err != nil {
		c.logger.Debug("typing indicator failed", "error", err)
	}
}

// Close detaches the controller from the connection and clears the timeline.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.boundConn != nil {
		c.boundConn.Off(EventMessageReceived, c.recvID)
		c.boundConn.Off(EventMessageSent, c.ackID)
		c.boundConn = nil
	}
	c.state = NoConversation
	c.activeID = ""
	c.mu.Unlock()

	c.timeline.Clear()
}
