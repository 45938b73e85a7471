package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/matheus3301/rtchat/internal/domain"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func seedUsers(t *testing.T, db *DB, names ...string) {
	t.Helper()
	for _, n := range names {
		if err := db.UpsertUser(context.Background(), domain.User{ID: n, Username: n}); err != nil {
			t.Fatal(err)
		}
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := testDB(t)

	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 2 {
		t.Errorf("version = %d, want 2 (init + social)", result.Version)
	}
}

func TestMigrateFromEmpty(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "fresh.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()

	if v, err := db.SchemaVersion(); err != nil || v != 0 {
		t.Fatalf("SchemaVersion() = %d, %v; want 0", v, err)
	}
	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if !result.Changed || result.From != 0 || result.Version != 2 {
		t.Errorf("result = %+v", result)
	}
	if v, err := db.SchemaVersion(); err != nil || v != 2 {
		t.Errorf("SchemaVersion() = %d, %v; want 2", v, err)
	}
}

func TestUserPresenceAndSearch(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	seedUsers(t, db, "alice", "bob", "bobby")

	at := time.UnixMilli(1_700_000_000_000).UTC()
	u, err := db.SetPresence(ctx, "bob", true, at)
	if err != nil {
		t.Fatal(err)
	}
	if !u.Online || !u.LastActive.Equal(at) {
		t.Errorf("presence = %v/%v, want true/%v", u.Online, u.LastActive, at)
	}

	if _, err := db.SetPresence(ctx, "ghost", true, at); !errors.Is(err, ErrNotFound) {
		t.Errorf("SetPresence(ghost) err = %v, want ErrNotFound", err)
	}

	found, err := db.SearchUsers(ctx, "bob", "alice", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 2 || found[0].ID != "bob" || found[1].ID != "bobby" {
		t.Errorf("search = %+v", found)
	}
}

func TestConversationLifecycle(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	seedUsers(t, db, "alice", "bob", "carol")

	now := time.Now()
	if err := db.CreateConversation(ctx, "c1", []string{"alice", "bob"}, now); err != nil {
		t.Fatal(err)
	}
	if err := db.CreateConversation(ctx, "c2", []string{"alice", "carol"}, now.Add(time.Second)); err != nil {
		t.Fatal(err)
	}

	id, err := db.FindDirectConversation(ctx, "bob", "alice")
	if err != nil || id != "c1" {
		t.Fatalf("FindDirectConversation = %q, %v; want c1", id, err)
	}
	if _, err := db.FindDirectConversation(ctx, "bob", "carol"); !errors.Is(err, ErrNotFound) {
		t.Errorf("bob/carol err = %v, want ErrNotFound", err)
	}

	msg := domain.Message{
		ID: "m1", ConversationID: "c1", SenderID: "bob", Text: "hi",
		Status: domain.StatusSent, CreatedAt: now.Add(2 * time.Second),
		Attachments: []domain.Attachment{{Type: domain.AttachmentImage, URL: "https://x/1.png", Name: "1.png"}},
	}
	if err := db.InsertMessage(ctx, msg); err != nil {
		t.Fatal(err)
	}

	convs, err := db.ListConversations(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 2 {
		t.Fatalf("got %d conversations, want 2", len(convs))
	}
	if convs[0].ID != "c1" {
		t.Errorf("most recent = %s, want c1", convs[0].ID)
	}
	if convs[0].UnreadCount != 1 {
		t.Errorf("unread = %d, want 1", convs[0].UnreadCount)
	}
	if len(convs[0].ParticipantIDs) != 1 || convs[0].ParticipantIDs[0] != "bob" {
		t.Errorf("participants = %v, want [bob]", convs[0].ParticipantIDs)
	}
	if convs[0].LastMessage == nil || convs[0].LastMessage.ID != "m1" || len(convs[0].LastMessage.Attachments) != 1 {
		t.Errorf("last message = %+v", convs[0].LastMessage)
	}
	if convs[1].LastMessage != nil {
		t.Errorf("c2 should have no last message")
	}

	if err := db.ResetUnread(ctx, "c1", "alice"); err != nil {
		t.Fatal(err)
	}
	convs, _ = db.ListConversations(ctx, "alice")
	if convs[0].UnreadCount != 0 {
		t.Errorf("unread after reset = %d, want 0", convs[0].UnreadCount)
	}
}

func TestAdvanceStatus(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	seedUsers(t, db, "alice", "bob")
	if err := db.CreateConversation(ctx, "c1", []string{"alice", "bob"}, time.Now()); err != nil {
		t.Fatal(err)
	}

	base := time.Now()
	for i, m := range []domain.Message{
		{ID: "m1", SenderID: "bob", Status: domain.StatusSent},
		{ID: "m2", SenderID: "bob", Status: domain.StatusDelivered},
		{ID: "m3", SenderID: "alice", Status: domain.StatusSent},
		{ID: "m4", SenderID: "bob", Status: domain.StatusSeen},
	} {
		m.ConversationID = "c1"
		m.Text = m.ID
		m.CreatedAt = base.Add(time.Duration(i) * time.Second)
		if err := db.InsertMessage(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	delivered, err := db.AdvanceStatus(ctx, "c1", "alice", []domain.MessageStatus{domain.StatusSent}, domain.StatusDelivered)
	if err != nil {
		t.Fatal(err)
	}
	if len(delivered) != 1 || delivered[0].ID != "m1" {
		t.Errorf("delivered = %+v, want [m1]", delivered)
	}

	seen, err := db.AdvanceStatus(ctx, "c1", "alice",
		[]domain.MessageStatus{domain.StatusSent, domain.StatusDelivered}, domain.StatusSeen)
	if err != nil {
		t.Fatal(err)
	}
	if len(seen) != 2 {
		t.Fatalf("seen = %d messages, want 2", len(seen))
	}

	again, err := db.AdvanceStatus(ctx, "c1", "alice",
		[]domain.MessageStatus{domain.StatusSent, domain.StatusDelivered}, domain.StatusSeen)
	if err != nil {
		t.Fatal(err)
	}
	if len(again) != 0 {
		t.Errorf("second mark-seen updated %d messages, want 0", len(again))
	}

	own, err := db.GetMessage(ctx, "m3")
	if err != nil {
		t.Fatal(err)
	}
	if own.Status != domain.StatusSent {
		t.Errorf("own message status = %s, want sent", own.Status)
	}

	msgs, err := db.ListMessages(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	for i, id := range []string{"m1", "m2", "m3", "m4"} {
		if msgs[i].ID != id {
			t.Errorf("msgs[%d] = %s, want %s", i, msgs[i].ID, id)
		}
	}
}

func TestBlocksAndFriendships(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	seedUsers(t, db, "alice", "bob")

	if err := db.Block(ctx, "alice", "bob"); err != nil {
		t.Fatal(err)
	}
	if err := db.Block(ctx, "alice", "bob"); err != nil {
		t.Fatalf("second block: %v", err)
	}
	ab, ba, err := db.BlockStatus(ctx, "bob", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if ab || !ba {
		t.Errorf("BlockStatus(bob, alice) = %v, %v; want false, true", ab, ba)
	}
	if err := db.Unblock(ctx, "alice", "bob"); err != nil {
		t.Fatal(err)
	}
	if ab, ba, _ = db.BlockStatus(ctx, "alice", "bob"); ab || ba {
		t.Error("block should be removed")
	}

	f, err := db.RequestFriendship(ctx, "alice", "bob")
	if err != nil {
		t.Fatal(err)
	}
	if f.Status != FriendshipPending {
		t.Errorf("status = %s, want pending", f.Status)
	}

	// A crossing request accepts the pending one.
	f, err = db.RequestFriendship(ctx, "bob", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if f.Status != FriendshipAccepted || f.RequesterID != "alice" {
		t.Errorf("crossing request = %+v, want accepted alice->bob", f)
	}

	all, err := db.Friendships(ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Errorf("friendships = %d, want 1", len(all))
	}

	if _, err := db.AcceptFriendship(ctx, "bob", "alice"); !errors.Is(err, ErrNotFound) {
		t.Errorf("accept missing request err = %v, want ErrNotFound", err)
	}
}

func TestStories(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	seedUsers(t, db, "alice", "bob")

	now := time.Now()
	for _, s := range []domain.Story{
		{ID: "s-old", UserID: "bob", MediaType: domain.StoryText, TextContent: "old", CreatedAt: now.Add(-25 * time.Hour)},
		{ID: "s1", UserID: "bob", MediaType: domain.StoryText, TextContent: "one", CreatedAt: now.Add(-time.Hour)},
		{ID: "s2", UserID: "alice", MediaType: domain.StoryImage, MediaURL: "https://x/s.png", CreatedAt: now},
	} {
		if err := db.InsertStory(ctx, s); err != nil {
			t.Fatal(err)
		}
	}

	stories, err := db.ListStories(ctx, []string{"alice", "bob"}, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(stories) != 2 || stories[0].ID != "s2" || stories[1].ID != "s1" {
		t.Fatalf("stories = %+v", stories)
	}
	if stories[1].Username != "bob" {
		t.Errorf("username = %q, want bob", stories[1].Username)
	}

	added, err := db.AddStoryViewer(ctx, "s1", "alice")
	if err != nil || !added {
		t.Fatalf("AddStoryViewer = %v, %v", added, err)
	}
	added, err = db.AddStoryViewer(ctx, "s1", "alice")
	if err != nil || added {
		t.Errorf("repeat view = %v, %v; want false", added, err)
	}
	s, err := db.GetStory(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if !s.ViewedBy("alice") || len(s.Viewers) != 1 {
		t.Errorf("viewers = %v", s.Viewers)
	}

	if err := db.DeleteStory(ctx, "s1", "alice"); !errors.Is(err, ErrNotFound) {
		t.Errorf("deleting someone else's story err = %v, want ErrNotFound", err)
	}
	if err := db.DeleteStory(ctx, "s1", "bob"); err != nil {
		t.Fatal(err)
	}
	if _, err := db.GetStory(ctx, "s1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("deleted story err = %v, want ErrNotFound", err)
	}
}
