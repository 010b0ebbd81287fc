package events

import (
	"fmt"
	"testing"
	"time"
)

func TestPublishDeliversToAllSubscribers(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	a := bus.Subscribe(8)
	b := bus.Subscribe(8)
	defer a.Cancel()
	defer b.Cancel()

	bus.Publish(Event{Channel: "session:created", SessionID: "s1"})

	for _, sub := range []*Subscription{a, b} {
		select {
		case e := <-sub.C:
			if e.Channel != "session:created" || e.SessionID != "s1" {
				t.Errorf("unexpected event %+v", e)
			}
			if e.Timestamp.IsZero() {
				t.Error("timestamp not stamped")
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestPublishPreservesOrder(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.Subscribe(64)
	defer sub.Cancel()

	for i := 0; i < 20; i++ {
		bus.Publish(Event{Channel: "page:navigated", Type: fmt.Sprintf("e%d", i)})
	}

	for i := 0; i < 20; i++ {
		select {
		case e := <-sub.C:
			if want := fmt.Sprintf("e%d", i); e.Type != want {
				t.Fatalf("event %d: got %q, want %q", i, e.Type, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out at event %d", i)
		}
	}
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.Subscribe(2)
	defer sub.Cancel()

	for i := 0; i < 10; i++ {
		bus.Publish(Event{Channel: "metric", Type: fmt.Sprintf("e%d", i)})
	}

	// Give the publisher loop time to churn through the backlog.
	time.Sleep(100 * time.Millisecond)

	var got []string
	for {
		select {
		case e := <-sub.C:
			got = append(got, e.Type)
			continue
		default:
		}
		break
	}
	if len(got) == 0 || len(got) > 2 {
		t.Fatalf("expected 1-2 buffered events, got %d: %v", len(got), got)
	}
	// The newest published event must have survived the drops.
	if got[len(got)-1] != "e9" {
		t.Errorf("newest event lost, tail is %q", got[len(got)-1])
	}
}

func TestCancelClosesChannel(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.Subscribe(4)
	sub.Cancel()
	sub.Cancel() // idempotent

	if _, ok := <-sub.C; ok {
		t.Error("channel still open after Cancel")
	}

	// Publishing after cancel must not panic.
	bus.Publish(Event{Channel: "session:closed"})
	time.Sleep(50 * time.Millisecond)
}

func TestCloseClosesSubscribers(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(4)

	bus.Close()
	bus.Close() // idempotent

	select {
	case _, ok := <-sub.C:
		if ok {
			t.Error("expected closed channel after bus Close")
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber channel not closed")
	}
}

func TestChannelMatch(t *testing.T) {
	cases := []struct {
		pattern, channel string
		want             bool
	}{
		{"session:created", "session:created", true},
		{"session:created", "session:closed", false},
		{"session:*", "session:created", true},
		{"session:*", "page:navigated", false},
		{"*", "anything", true},
		{"page:*", "page:console", true},
	}
	for _, c := range cases {
		if got := ChannelMatch(c.pattern, c.channel); got != c.want {
			t.Errorf("ChannelMatch(%q, %q) = %v, want %v", c.pattern, c.channel, got, c.want)
		}
	}
}

func TestEventFields(t *testing.T) {
	e := Event{
		SessionID: "s1",
		UserID:    "u1",
		PageID:    "p1",
		Data:      map[string]any{"url": "https://example.com", "count": 3},
	}
	f := e.Fields()
	if f["sessionId"] != "s1" || f["userId"] != "u1" || f["pageId"] != "p1" {
		t.Errorf("id fields missing: %v", f)
	}
	if f["url"] != "https://example.com" {
		t.Errorf("string data field missing: %v", f)
	}
	if _, ok := f["count"]; ok {
		t.Error("non-string data value must be excluded from filter fields")
	}
}
