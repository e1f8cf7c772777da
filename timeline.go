package chatsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNoActiveConversation is returned when a timeline mutation requires an
// active conversation and none is selected.
var ErrNoActiveConversation = errors.New("chatsync: no active conversation")

// HistoryFetcher fetches pages of older messages. *Client implements it.
type HistoryFetcher interface {
	History(ctx context.Context, conversationID string, limit int, cursor string) (*HistoryPage, error)
}

// TimelineOptions configures a Timeline.
type TimelineOptions struct {
	// PageSize is the history page size. Defaults to DefaultPageSize.
	PageSize int

	// SelfID is the current user's id, stamped onto optimistic messages.
	SelfID string

	// OnChange is invoked after every visible mutation, outside internal
	// locks. The view layer re-renders from Messages() on each call.
	OnChange func()

	// StaleSendAfter marks a sending message as failed once it has waited
	// this long for an acknowledgment, via ExpireStaleSends. Zero disables
	// expiry: an unacknowledged message stays in sending indefinitely.
	StaleSendAfter time.Duration

	Logger *slog.Logger
}

// Timeline maintains the active conversation's ordered message list: the
// union of fetched history, optimistic sends, and live events, free of
// duplicates and sorted ascending by time.
//
// Every lookup that correlates an event to an entry goes through the id and
// trackId indexes, so reconciliation stays near-constant time as the
// timeline grows.
type Timeline struct {
	fetcher        HistoryFetcher
	pageSize       int
	selfID         string
	onChange       func()
	staleSendAfter time.Duration
	logger         *slog.Logger
	now            func() time.Time

	mu             sync.Mutex
	conversationID string
	epoch          uint64
	entries        []*Message
	byID           map[string]*Message
	byTrack        map[string]*Message
	cursor         string
	exhausted      bool
}

// NewTimeline creates an empty timeline backed by the given history fetcher.
func NewTimeline(fetcher HistoryFetcher, opts TimelineOptions) *Timeline {
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Timeline{
		fetcher:        fetcher,
		pageSize:       opts.PageSize,
		selfID:         opts.SelfID,
		onChange:       opts.OnChange,
		staleSendAfter: opts.StaleSendAfter,
		logger:         opts.Logger,
		now:            time.Now,
		byID:           make(map[string]*Message),
		byTrack:        make(map[string]*Message),
	}
}

// ConversationID returns the id of the active conversation, or "".
func (tl *Timeline) ConversationID() string {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return tl.conversationID
}

// Messages returns a snapshot of the timeline in display order.
func (tl *Timeline) Messages() []Message {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	out := make([]Message, len(tl.entries))
	for i, m := range tl.entries {
		out[i] = *m
	}
	return out
}

// CanLoadMore reports whether an older page can still be fetched.
func (tl *Timeline) CanLoadMore() bool {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return tl.conversationID != "" && !tl.exhausted && tl.cursor != ""
}

// Clear drops all timeline state. In-flight history responses from before the
// call are discarded when they land.
func (tl *Timeline) Clear() {
	tl.mu.Lock()
	tl.reset("")
	tl.mu.Unlock()
	tl.notify()
}

// reset must be called with tl.mu held.
func (tl *Timeline) reset(conversationID string) {
	tl.conversationID = conversationID
	tl.epoch++
	tl.entries = nil
	tl.byID = make(map[string]*Message)
	tl.byTrack = make(map[string]*Message)
	tl.cursor = ""
	tl.exhausted = false
}

func (tl *Timeline) notify() {
	if tl.onChange != nil {
		tl.onChange()
	}
}

// ============================================================================
// History
// ============================================================================

// LoadHistory switches the timeline to a conversation: prior state is cleared
// synchronously before the fetch begins, then the first page is merged beneath
// whatever arrived while the fetch was in flight, and its cursor is adopted.
//
// Each call captures a fresh epoch; a response that lands after a newer
// LoadHistory or Clear is discarded, so a slow fetch for a conversation the
// user already left can never resurrect its messages into the new timeline.
func (tl *Timeline) LoadHistory(ctx context.Context, conversationID string) error {
	tl.mu.Lock()
	tl.reset(conversationID)
	epoch := tl.epoch
	tl.mu.Unlock()
	tl.notify()

	page, err := tl.fetcher.History(ctx, conversationID, tl.pageSize, "")
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}

	tl.mu.Lock()
	if tl.epoch != epoch {
		tl.mu.Unlock()
		tl.logger.Debug("discarding stale history response", "conversation", conversationID)
		return nil
	}
	tl.install(page.Messages)
	tl.cursor = page.NextCursor
	tl.exhausted = page.NextCursor == ""
	tl.mu.Unlock()

	tl.notify()
	return nil
}

// LoadMore fetches the next older page and prepends it. Once a page reports
// an empty cursor, backfill is disabled until the conversation is reloaded.
// A fetch failure leaves the timeline untouched.
func (tl *Timeline) LoadMore(ctx context.Context) error {
	tl.mu.Lock()
	if tl.conversationID == "" || tl.exhausted || tl.cursor == "" {
		tl.mu.Unlock()
		return nil
	}
	conversationID := tl.conversationID
	cursor := tl.cursor
	epoch := tl.epoch
	tl.mu.Unlock()

	page, err := tl.fetcher.History(ctx, conversationID, tl.pageSize, cursor)
	if err != nil {
		return fmt.Errorf("load more: %w", err)
	}

	tl.mu.Lock()
	if tl.epoch != epoch {
		tl.mu.Unlock()
		tl.logger.Debug("discarding stale page response", "conversation", conversationID)
		return nil
	}
	// Prepend in place: existing entries keep their relative positions so the
	// view's scroll anchor survives the merge.
	older := make([]*Message, 0, len(page.Messages))
	for i := range page.Messages {
		m := page.Messages[i]
		if m.ID != "" && tl.byID[m.ID] != nil {
			continue
		}
		m.Status = StatusSent
		older = append(older, &m)
	}
	sortByTime(older)
	for _, m := range older {
		if m.ID != "" {
			tl.byID[m.ID] = m
		}
	}
	tl.entries = append(older, tl.entries...)
	tl.cursor = page.NextCursor
	tl.exhausted = page.NextCursor == ""
	tl.mu.Unlock()

	tl.notify()
	return nil
}

// install merges a history page into the current entries. Live events and
// optimistic sends accepted while the fetch was in flight are kept; page
// messages whose id is already indexed (their live echo won the race) are
// skipped. Must be called with tl.mu held.
func (tl *Timeline) install(messages []Message) {
	for i := range messages {
		m := messages[i]
		if m.ID != "" && tl.byID[m.ID] != nil {
			continue
		}
		m.Status = StatusSent
		tl.entries = append(tl.entries, &m)
		if m.ID != "" {
			tl.byID[m.ID] = &m
		}
	}
	sortByTime(tl.entries)
}

// ============================================================================
// Optimistic sends
// ============================================================================

// AppendOptimistic inserts a locally created message in sending state with a
// freshly generated trackId and returns it. The trackId keys both the later
// reconciliation and the view's render identity, so the bubble never blinks
// when the acknowledgment lands.
func (tl *Timeline) AppendOptimistic(body string, msgType MessageType) (Message, error) {
	tl.mu.Lock()
	if tl.conversationID == "" {
		tl.mu.Unlock()
		return Message{}, ErrNoActiveConversation
	}
	m := &Message{
		TrackID:        uuid.NewString(),
		ConversationID: tl.conversationID,
		SenderID:       tl.selfID,
		Type:           msgType,
		Body:           body,
		SentAt:         tl.now().UTC(),
		Status:         StatusSending,
	}
	tl.entries = append(tl.entries, m)
	sortByTime(tl.entries)
	tl.byTrack[m.TrackID] = m
	out := *m
	tl.mu.Unlock()

	tl.notify()
	return out, nil
}

// ReconcileAck resolves an optimistic entry by trackId: on delivery the entry
// adopts its server-assigned id and becomes sent, otherwise it is marked
// failed. An ack with no matching entry is dropped silently; the timeline was
// cleared by a conversation switch in the meantime.
func (tl *Timeline) ReconcileAck(ack AckPayload) bool {
	tl.mu.Lock()
	m := tl.byTrack[ack.TrackID]
	if m == nil {
		tl.mu.Unlock()
		tl.logger.Debug("dropping ack for unknown trackId", "trackId", ack.TrackID)
		return false
	}

	if ack.Delivered() {
		if ack.AssignedID != "" {
			if echo := tl.byID[ack.AssignedID]; echo != nil && echo != m {
				// The live echo of our own send beat the ack; keep the echo
				// and drop the optimistic duplicate.
				tl.removeEntry(m)
				delete(tl.byTrack, ack.TrackID)
				tl.mu.Unlock()
				tl.notify()
				return true
			}
			m.ID = ack.AssignedID
			tl.byID[m.ID] = m
		}
		m.Status = StatusSent
	} else {
		m.Status = StatusFailed
	}
	tl.mu.Unlock()

	tl.notify()
	return true
}

// removeEntry must be called with tl.mu held.
func (tl *Timeline) removeEntry(target *Message) {
	for i, m := range tl.entries {
		if m == target {
			tl.entries = append(tl.entries[:i:i], tl.entries[i+1:]...)
			return
		}
	}
}

// ExpireStaleSends marks sending entries older than StaleSendAfter as failed
// and returns how many were expired. With expiry disabled (the default) it
// does nothing.
func (tl *Timeline) ExpireStaleSends() int {
	if tl.staleSendAfter <= 0 {
		return 0
	}
	deadline := tl.now().Add(-tl.staleSendAfter)

	tl.mu.Lock()
	expired := 0
	for _, m := range tl.entries {
		if m.Status == StatusSending && m.SentAt.Before(deadline) {
			m.Status = StatusFailed
			expired++
		}
	}
	tl.mu.Unlock()

	if expired > 0 {
		tl.notify()
	}
	return expired
}

// ============================================================================
// Live events
// ============================================================================

// ReceiveLive applies a pushed message. Events for other conversations and
// exact duplicates of an already-present id are dropped; duplicate
// suppression is an expected outcome of the live/optimistic race, not an
// error. Returns whether the timeline changed.
func (tl *Timeline) ReceiveLive(m Message) bool {
	tl.mu.Lock()
	if m.ConversationID != tl.conversationID || tl.conversationID == "" {
		tl.mu.Unlock()
		return false
	}
	if m.ID != "" && tl.byID[m.ID] != nil {
		tl.mu.Unlock()
		return false
	}
	m.Status = StatusSent
	entry := &m
	tl.entries = append(tl.entries, entry)
	sortByTime(tl.entries)
	if m.ID != "" {
		tl.byID[m.ID] = entry
	}
	tl.mu.Unlock()

	tl.notify()
	return true
}

// sortByTime orders entries ascending by timestamp. The sort is stable:
// entries with identical timestamps keep their relative insertion order,
// which guards against same-millisecond optimistic/echo collisions.
func sortByTime(entries []*Message) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].SentAt.Before(entries[j].SentAt)
	})
}
