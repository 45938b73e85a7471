package realtime

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/matheus3301/rtchat/internal/access"
	"github.com/matheus3301/rtchat/internal/bus"
	"github.com/matheus3301/rtchat/internal/call"
	"github.com/matheus3301/rtchat/internal/domain"
	"github.com/matheus3301/rtchat/internal/hosted"
	"github.com/matheus3301/rtchat/internal/messaging"
	"github.com/matheus3301/rtchat/internal/presence"
	"github.com/matheus3301/rtchat/internal/relay"
	"github.com/matheus3301/rtchat/internal/state"
	"github.com/matheus3301/rtchat/internal/status"
	"github.com/matheus3301/rtchat/internal/store"
	"github.com/matheus3301/rtchat/internal/stories"
)

type world struct {
	db  *store.DB
	hub *relay.Memory
}

func newWorld(t *testing.T) *world {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	hub := relay.NewMemory()
	t.Cleanup(func() {
		_ = hub.Close()
		_ = db.Close()
	})
	return &world{db: db, hub: hub}
}

// join logs name in on its own hosted client and starts a session.
func (w *world) join(t *testing.T, name string, machine uint16) *Session {
	t.Helper()
	ctx := context.Background()
	svc, err := hosted.New(w.db, w.hub, machine, nil)
	if err != nil {
		t.Fatal(err)
	}
	self, err := svc.EnsureUser(ctx, name, "", false)
	if err != nil {
		t.Fatal(err)
	}
	// No STUN lookups in tests.
	peers, err := call.NewPionFactory([]string{"stun:127.0.0.1:3478"}, call.SyntheticSource{})
	if err != nil {
		t.Fatal(err)
	}

	st := state.New(self)
	b := bus.New()
	gate := access.New(svc, nil)
	s := New(Deps{
		State:     st,
		Relay:     w.hub,
		Messaging: messaging.New(st, svc, gate, w.hub, nil, b, nil, messaging.Options{}, nil),
		Calls:     call.New(st, w.hub, gate, peers, call.SyntheticSource{}, b, nil, nil),
		Stories:   stories.New(st, svc, gate, b, nil),
		Presence:  presence.New(svc, self.ID, time.Minute, nil),
		Bus:       b,
	})
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close(context.Background()) })
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	waitUntil(t, what, 3*time.Second, cond)
}

func waitUntil(t *testing.T, what string, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func conversation(s *Session, id string) (domain.Conversation, bool) {
	return s.Messaging().Conversation(id)
}

func TestStartLoadsAndIsReady(t *testing.T) {
	w := newWorld(t)
	alice := w.join(t, "alice", 1)

	snap := alice.Snapshot()
	if snap.Status != status.Ready || !snap.DataLoaded {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap.Self.Username != "alice" {
		t.Fatalf("self = %+v", snap.Self)
	}
	if n := w.hub.Subscribers(relay.SignalingTopic(snap.Self.ID)); n != 1 {
		t.Fatalf("signaling subscribers = %d", n)
	}
}

func TestMessageReachesOtherSession(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	alice := w.join(t, "alice", 1)
	bob := w.join(t, "bob", 2)
	bobID := bob.State().Self().ID

	convID, err := alice.Messaging().CreateConversation(ctx, bobID)
	if err != nil {
		t.Fatal(err)
	}
	temp, err := alice.Messaging().SendMessage(ctx, "hello", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(temp.ID, messaging.TempPrefix) {
		t.Fatalf("optimistic id = %q", temp.ID)
	}

	// Bob never had the conversation: the insert makes him refresh.
	waitFor(t, "bob sees the message", func() bool {
		c, ok := conversation(bob, convID)
		return ok && c.LastMessage != nil && c.LastMessage.Text == "hello" && c.UnreadCount == 1
	})
	waitFor(t, "alice's send confirmed", func() bool {
		msgs := alice.Messaging().Messages()
		return len(msgs) == 1 && msgs[0].ID != temp.ID && alice.Messaging().Pending() == 0
	})

	if err := bob.Messaging().SelectConversation(ctx, convID); err != nil {
		t.Fatal(err)
	}
	if c, _ := conversation(bob, convID); c.UnreadCount != 0 {
		t.Fatalf("unread after select = %d", c.UnreadCount)
	}
	waitFor(t, "alice sees seen", func() bool {
		msgs := alice.Messaging().Messages()
		return len(msgs) == 1 && msgs[0].Status == domain.StatusSeen
	})
}

func TestCallBetweenSessions(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	alice := w.join(t, "alice", 1)
	bob := w.join(t, "bob", 2)

	if _, err := alice.Calls().StartCall(ctx, bob.State().Self(), false); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "bob rings", func() bool { return bob.Calls().Phase() == call.Incoming })
	if err := bob.Calls().AcceptCall(ctx); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "alice connected", func() bool { return alice.Calls().Phase() == call.Connected })
	if c := alice.Snapshot().ActiveCall; c == nil || c.Status != domain.CallConnected || c.StartedAt == nil {
		t.Fatalf("active call = %+v", c)
	}
	if n := len(alice.Snapshot().LocalStream); n != 1 {
		t.Fatalf("local tracks = %d", n)
	}

	// Closing a session hangs up its call.
	bob.Close(ctx)
	waitFor(t, "alice idle", func() bool { return alice.Calls().Phase() == call.Idle })
	if bob.Status().Current() != status.Stopped {
		t.Fatalf("bob status = %s", bob.Status().Current())
	}
	if n := w.hub.Subscribers(relay.SignalingTopic(bob.State().Self().ID)); n != 0 {
		t.Fatalf("bob still subscribed: %d", n)
	}
}

func TestPresenceFollowsSessionLifetime(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	alice := w.join(t, "alice", 1)
	bob := w.join(t, "bob", 2)
	bobID := bob.State().Self().ID

	convID, err := alice.Messaging().CreateConversation(ctx, bobID)
	if err != nil {
		t.Fatal(err)
	}
	online := func(want bool) func() bool {
		return func() bool {
			c, ok := conversation(alice, convID)
			return ok && len(c.Participants) == 1 && c.Participants[0].Online == want
		}
	}
	waitFor(t, "bob online", online(true))
	bob.Close(ctx)
	waitFor(t, "bob offline", online(false))
}

func TestRelayDisconnectClearsTypingAndResyncs(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	alice := w.join(t, "alice", 1)
	bob := w.join(t, "bob", 2)

	convID, err := alice.Messaging().CreateConversation(ctx, bob.State().Self().ID)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := bob.Messaging().CreateConversation(ctx, alice.State().Self().ID); err != nil {
		t.Fatal(err)
	}
	if err := bob.Messaging().NotifyTyping(ctx, true); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "alice sees typing", func() bool {
		c, _ := conversation(alice, convID)
		return c.IsTyping
	})

	alice.connectionChanged(false)
	if alice.Status().Current() != status.Reconnecting {
		t.Fatalf("status = %s", alice.Status().Current())
	}
	if c, _ := conversation(alice, convID); c.IsTyping {
		t.Fatal("typing survived disconnect")
	}

	alice.connectionChanged(true)
	waitFor(t, "ready again", func() bool { return alice.Status().Current() == status.Ready })
}

// Every inbound message in the active conversation makes the session publish
// a seen update from its own drain goroutine. A burst far larger than any
// buffer must still get through.
func TestInboundBurstDoesNotStall(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	alice := w.join(t, "alice", 1)
	bob := w.join(t, "bob", 2)
	aliceID := alice.State().Self().ID

	convID, err := alice.Messaging().CreateConversation(ctx, bob.State().Self().ID)
	if err != nil {
		t.Fatal(err)
	}
	if id, err := bob.Messaging().CreateConversation(ctx, aliceID); err != nil || id != convID {
		t.Fatalf("bob conversation = %q, %v", id, err)
	}

	sender, err := hosted.New(w.db, w.hub, 9, nil)
	if err != nil {
		t.Fatal(err)
	}
	const burst = 1500
	sent := make(chan error, 1)
	go func() {
		for i := 0; i < burst; i++ {
			m := domain.Message{ConversationID: convID, SenderID: aliceID, Text: fmt.Sprintf("m%d", i)}
			if _, err := sender.SendMessage(ctx, m); err != nil {
				sent <- err
				return
			}
		}
		sent <- nil
	}()

	select {
	case err := <-sent:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(60 * time.Second):
		t.Fatalf("publisher stuck; bob has %d messages", len(bob.Messaging().Messages()))
	}
	waitUntil(t, "bob receives the burst", 60*time.Second, func() bool {
		return len(bob.Messaging().Messages()) == burst
	})
	if c, _ := conversation(bob, convID); c.UnreadCount != 0 {
		t.Errorf("unread in active conversation = %d", c.UnreadCount)
	}
}
