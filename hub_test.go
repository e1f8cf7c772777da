package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func TestDispatcherRunsHandlersInRegistrationOrder(t *testing.T) {
	d := newDispatcher()
	var order []string
	d.add("ev", func(json.RawMessage) { order = append(order, "first") })
	d.add("ev", func(json.RawMessage) { order = append(order, "second") })

	d.dispatch(Envelope{Event: "ev", Payload: json.RawMessage(`{}`)})

	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("order = %v", order)
	}
}

func TestDispatcherRemove(t *testing.T) {
	d := newDispatcher()
	calls := 0
	id := d.add("ev", func(json.RawMessage) { calls++ })
	d.add("other", func(json.RawMessage) { calls++ })

	d.remove("ev", id)
	d.dispatch(Envelope{Event: "ev"})

	if calls != 0 {
		t.Fatalf("removed handler ran %d times", calls)
	}

	// Removing twice is harmless.
	d.remove("ev", id)
}

func TestDispatcherPayloadReachesHandler(t *testing.T) {
	d := newDispatcher()
	var got AckPayload
	d.add(EventMessageSent, func(p json.RawMessage) {
		if err := json.Unmarshal(p, &got); err != nil {
			t.Errorf("unmarshal: %v", err)
		}
	})

	d.dispatch(Envelope{
		Event:   EventMessageSent,
		Payload: json.RawMessage(`{"trackId":"t1","assignedId":"m42","deliveryStatus":"delivered"}`),
	})

	if got.TrackID != "t1" || got.AssignedID != "m42" || !got.Delivered() {
		t.Fatalf("payload = %+v", got)
	}
}

func TestInvokeWithoutConnection(t *testing.T) {
	hc := NewHubConnection(ChatHub, "https://example.com", func() string { return "" }, nil)

	err := hc.Invoke(context.Background(), CommandSendMessage, SendPayload{})
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("got %v, want ErrNotConnected", err)
	}
}

func TestCloseWithoutConnection(t *testing.T) {
	hc := NewHubConnection(ChatHub, "https://example.com", func() string { return "" }, nil)
	if err := hc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := hc.State(); got != StateDisconnected {
		t.Fatalf("state = %q, want disconnected", got)
	}
}
