package access

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/matheus3301/rtchat/internal/domain"
	"github.com/matheus3301/rtchat/internal/errs"
	"github.com/matheus3301/rtchat/internal/hosted"
	"github.com/matheus3301/rtchat/internal/relay"
	"github.com/matheus3301/rtchat/internal/store"
)

func testGate(t *testing.T) (*Gate, *hosted.Service) {
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
	svc, err := hosted.New(db, hub, 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	return New(svc, nil), svc
}

func users(t *testing.T, svc *hosted.Service, names ...string) []domain.User {
	t.Helper()
	var out []domain.User
	for _, n := range names {
		u, err := svc.EnsureUser(context.Background(), n, "", false)
		if err != nil {
			t.Fatal(err)
		}
		out = append(out, u)
	}
	return out
}

func TestBlockGatesComposeAndCall(t *testing.T) {
	g, svc := testGate(t)
	ctx := context.Background()
	u := users(t, svc, "alice", "bob")
	alice, bob := u[0], u[1]

	if err := g.CanCompose(ctx, alice.ID, bob.ID); err != nil {
		t.Fatalf("unexpected block: %v", err)
	}

	if err := g.Block(ctx, bob.ID, alice.ID); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		self string
		peer string
	}{
		{"blocked side", alice.ID, bob.ID},
		{"blocking side", bob.ID, alice.ID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := g.CanCompose(ctx, tt.self, tt.peer); !errs.Is(err, errs.Blocked) {
				t.Errorf("CanCompose err = %v, want Blocked", err)
			}
			if err := g.CanCall(ctx, tt.self, tt.peer); !errs.Is(err, errs.Blocked) {
				t.Errorf("CanCall err = %v, want Blocked", err)
			}
		})
	}

	annotated := g.Annotate(ctx, alice.ID, bob)
	if annotated.BlockedByMe || !annotated.BlockedMe {
		t.Errorf("flags = %v/%v, want false/true", annotated.BlockedByMe, annotated.BlockedMe)
	}

	if err := g.Unblock(ctx, bob.ID, alice.ID); err != nil {
		t.Fatal(err)
	}
	if err := g.CanCall(ctx, alice.ID, bob.ID); err != nil {
		t.Errorf("after unblock: %v", err)
	}
}

func TestBlockSelfIsNoop(t *testing.T) {
	g, svc := testGate(t)
	alice := users(t, svc, "alice")[0]
	if err := g.Block(context.Background(), alice.ID, alice.ID); !errs.Is(err, errs.ValidationNoop) {
		t.Errorf("err = %v, want ValidationNoop", err)
	}
}

func TestFriendRequestFlow(t *testing.T) {
	g, svc := testGate(t)
	ctx := context.Background()
	u := users(t, svc, "alice", "bob", "bobby")
	alice, bob := u[0], u[1]

	status, err := g.SendFriendRequest(ctx, alice.ID, bob.ID)
	if err != nil {
		t.Fatal(err)
	}
	if status != domain.FriendshipPendingSent {
		t.Errorf("status = %s, want pending_sent", status)
	}

	pending, err := g.PendingRequests(ctx, bob.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].ID != alice.ID {
		t.Fatalf("pending = %+v", pending)
	}

	found, err := g.SearchUsers(ctx, alice.ID, "bob")
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]domain.FriendshipStatus{"bob": domain.FriendshipPendingSent, "bobby": domain.FriendshipNone}
	for _, f := range found {
		if f.FriendshipStatus != want[f.Username] {
			t.Errorf("%s status = %s, want %s", f.Username, f.FriendshipStatus, want[f.Username])
		}
	}

	if err := g.AcceptFriendRequest(ctx, bob.ID, alice.ID); err != nil {
		t.Fatal(err)
	}
	friends, err := g.Friends(ctx, alice.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(friends) != 1 || friends[0].ID != bob.ID || friends[0].FriendshipStatus != domain.FriendshipAccepted {
		t.Errorf("friends = %+v", friends)
	}
}
