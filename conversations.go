package chatsync

import "sync"

// ConversationList is the ordered collection of conversation summaries,
// most recently active first. Any new activity, live or optimistic, moves its
// conversation to the front, so the list reflects true recency even while the
// user is reading a different thread.
type ConversationList struct {
	mu       sync.Mutex
	entries  []*Conversation
	byID     map[string]*Conversation
	onChange func()
}

// NewConversationList creates an empty list. onChange may be nil.
func NewConversationList(onChange func()) *ConversationList {
	return &ConversationList{
		byID:     make(map[string]*Conversation),
		onChange: onChange,
	}
}

func (cl *ConversationList) notify() {
	if cl.onChange != nil {
		cl.onChange()
	}
}

// List returns a snapshot of the conversations in display order.
func (cl *ConversationList) List() []Conversation {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	out := make([]Conversation, len(cl.entries))
	for i, c := range cl.entries {
		out[i] = *c
	}
	return out
}

// Get returns a copy of the conversation with the given id.
func (cl *ConversationList) Get(id string) (Conversation, bool) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if c, ok := cl.byID[id]; ok {
		return *c, true
	}
	return Conversation{}, false
}

// Replace installs a freshly fetched list, dropping prior entries. Order is
// kept as given; the server already returns most-recent-first.
func (cl *ConversationList) Replace(conversations []Conversation) {
	cl.mu.Lock()
	cl.entries = make([]*Conversation, 0, len(conversations))
	cl.byID = make(map[string]*Conversation, len(conversations))
	for i := range conversations {
		c := conversations[i]
		if cl.byID[c.ID] != nil {
			continue
		}
		cl.entries = append(cl.entries, &c)
		cl.byID[c.ID] = &c
	}
	cl.mu.Unlock()
	cl.notify()
}

// Upsert inserts the conversation at the front, or updates the existing entry
// in place. There is exactly one entry per id.
func (cl *ConversationList) Upsert(conversation Conversation) {
	cl.mu.Lock()
	if existing, ok := cl.byID[conversation.ID]; ok {
		*existing = conversation
	} else {
		c := conversation
		cl.entries = append([]*Conversation{&c}, cl.entries...)
		cl.byID[c.ID] = &c
	}
	cl.mu.Unlock()
	cl.notify()
}

// UpdateOnMessage replaces the conversation's last message and moves it to
// the front. Unknown conversations leave the list unchanged; creation is the
// conversation lookup collaborator's job.
func (cl *ConversationList) UpdateOnMessage(m *Message) {
	cl.mu.Lock()
	c, ok := cl.byID[m.ConversationID]
	if !ok {
		cl.mu.Unlock()
		return
	}
	last := *m
	c.LastMessage = &last
	cl.moveToFront(c)
	cl.mu.Unlock()
	cl.notify()
}

// IncrementUnread bumps the unread counter, used for activity in conversations
// other than the active one.
func (cl *ConversationList) IncrementUnread(id string) {
	cl.mu.Lock()
	if c, ok := cl.byID[id]; ok {
		c.UnreadCount++
	}
	cl.mu.Unlock()
	cl.notify()
}

// MarkRead clears the unread counter.
func (cl *ConversationList) MarkRead(id string) {
	cl.mu.Lock()
	if c, ok := cl.byID[id]; ok {
		c.UnreadCount = 0
	}
	cl.mu.Unlock()
	cl.notify()
}

// moveToFront must be called with cl.mu held.
func (cl *ConversationList) moveToFront(target *Conversation) {
	for i, c := range cl.entries {
		if c == target {
			if i == 0 {
				return
			}
			copy(cl.entries[1:i+1], cl.entries[:i])
			cl.entries[0] = target
			return
		}
	}
}
