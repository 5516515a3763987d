package notify

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func expectEvent(t *testing.T, stream <-chan Event, eventType string) Event {
	t.Helper()
	select {
	case event := <-stream:
		if event.Type != eventType {
			t.Fatalf("expected event %s, got %s", eventType, event.Type)
		}
		return event
	case <-time.After(time.Second):
		t.Fatalf("expected %s within deadline", eventType)
		return Event{}
	}
}

func expectSilence(t *testing.T, stream <-chan Event) {
	t.Helper()
	select {
	case event := <-stream:
		t.Fatalf("did not expect event, got %+v", event)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestNotifyUserReachesEverySocketOfThatUser(t *testing.T) {
	hub := NewHub(Config{Clock: func() time.Time { return time.UnixMilli(1700000000000) }})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	laptop, _ := hub.Subscribe(ctx, "user-1")
	phone, _ := hub.Subscribe(ctx, "user-1")
	other, _ := hub.Subscribe(ctx, "user-2")

	hub.NotifyUser(ctx, "user-1", Event{Type: EventMembershipAdded, ProjectID: "project-1"})

	first := expectEvent(t, laptop, EventMembershipAdded)
	if first.ProjectID != "project-1" || first.Timestamp != 1700000000000 {
		t.Fatalf("unexpected event %+v", first)
	}
	expectEvent(t, phone, EventMembershipAdded)
	expectSilence(t, other)
}

func TestNotifyUsersSkipsExcludedUser(t *testing.T) {
	hub := NewHub(Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	actor, _ := hub.Subscribe(ctx, "owner")
	member, _ := hub.Subscribe(ctx, "member")

	hub.NotifyUsers(ctx, []string{"owner", "member", "member", "offline"}, Event{Type: EventProjectDeleted, ProjectID: "project-1"}, "owner")

	expectEvent(t, member, EventProjectDeleted)
	expectSilence(t, member)
	expectSilence(t, actor)
}

func TestSubscriptionEndsWithContext(t *testing.T) {
	hub := NewHub(Config{})
	ctx, cancel := context.WithCancel(context.Background())

	_, release := hub.Subscribe(ctx, "user-1")
	if hub.Connected("user-1") != 1 {
		t.Fatalf("expected one stream")
	}
	cancel()
	deadline := time.Now().Add(time.Second)
	for hub.Connected("user-1") != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("expected stream to be released after cancel")
		}
		time.Sleep(5 * time.Millisecond)
	}
	release()

	hub.NotifyUser(context.Background(), "user-1", Event{Type: EventProjectUpdated})
}

func TestSlowStreamDropsInsteadOfBlocking(t *testing.T) {
	hub := NewHub(Config{BufferSize: 1})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, _ := hub.Subscribe(ctx, "user-1")

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			hub.NotifyUser(ctx, "user-1", Event{Type: EventProjectUpdated})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("notify blocked on a full stream")
	}
	expectEvent(t, stream, EventProjectUpdated)
	expectSilence(t, stream)
}

func TestRelayDeliversAcrossHubs(t *testing.T) {
	server := miniredis.RunT(t)
	newHub := func() *Hub {
		client := redis.NewClient(&redis.Options{Addr: server.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		return NewHub(Config{Relay: NewRelayWithClient(client, "test:notifications")})
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	publisher := newHub()
	receiver := newHub()
	if err := publisher.StartRelay(ctx); err != nil {
		t.Fatalf("publisher relay failed: %v", err)
	}
	if err := receiver.StartRelay(ctx); err != nil {
		t.Fatalf("receiver relay failed: %v", err)
	}

	remote, _ := receiver.Subscribe(ctx, "user-1")
	local, _ := publisher.Subscribe(ctx, "user-1")
	publisher.NotifyUser(ctx, "user-1", Event{Type: EventMembershipRemoved, ProjectID: "project-9"})

	if event := expectEvent(t, remote, EventMembershipRemoved); event.ProjectID != "project-9" {
		t.Fatalf("unexpected relayed event %+v", event)
	}
	expectEvent(t, local, EventMembershipRemoved)
}

func TestRelayFailureFallsBackToLocalDelivery(t *testing.T) {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr(), MaxRetries: -1})
	defer client.Close()
	hub := NewHub(Config{Relay: NewRelayWithClient(client, "")})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, _ := hub.Subscribe(ctx, "user-1")

	server.Close()
	hub.NotifyUser(ctx, "user-1", Event{Type: EventProjectUpdated})
	expectEvent(t, stream, EventProjectUpdated)
}
