// Package stories keeps the 24h story feed of the local user and their
// friends.
package stories

import (
	"context"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/rtchat/internal/bus"
	"github.com/matheus3301/rtchat/internal/domain"
	"github.com/matheus3301/rtchat/internal/errs"
	"github.com/matheus3301/rtchat/internal/relay"
	"github.com/matheus3301/rtchat/internal/state"
)

// Window is how long a story stays visible.
const Window = 24 * time.Hour

// Store is the slice of the hosted store the feed uses.
type Store interface {
	Stories(ctx context.Context, userIDs []string, since time.Time) ([]domain.Story, error)
	PostStory(ctx context.Context, st domain.Story) (domain.Story, error)
	DeleteStory(ctx context.Context, storyID, userID string) error
	MarkStoryViewed(ctx context.Context, storyID, viewerID string) (domain.Story, error)
}

// Friends lists the users whose stories are visible.
type Friends interface {
	FriendIDs(ctx context.Context, selfID string) ([]string, error)
}

type deleted struct {
	ID     string `json:"id"`
	UserID string `json:"userId"`
}

// Feed is the story feed of one session, newest first.
type Feed struct {
	state   *state.State
	store   Store
	friends Friends
	bus     *bus.Bus
	logger  *zap.Logger
	now     func() time.Time

	mu      sync.Mutex
	stories []domain.Story
	authors map[string]bool
}

func New(st *state.State, s Store, f Friends, b *bus.Bus, logger *zap.Logger) *Feed {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Feed{
		state:   st,
		store:   s,
		friends: f,
		bus:     b,
		logger:  logger,
		now:     time.Now,
		authors: map[string]bool{},
	}
}

// Load replaces the feed with the stories of self and friends posted in the
// last 24 hours.
func (f *Feed) Load(ctx context.Context) error {
	const op = "stories.Load"
	self := f.state.Self()
	if self.ID == "" {
		return errs.E(errs.ValidationNoop, op, nil)
	}
	ids, err := f.friends.FriendIDs(ctx, self.ID)
	if err != nil {
		return errs.E(errs.TransientNetwork, op, err)
	}
	authors := map[string]bool{self.ID: true}
	for _, id := range ids {
		authors[id] = true
	}
	list, err := f.store.Stories(ctx, append([]string{self.ID}, ids...), f.now().Add(-Window))
	if err != nil {
		return errs.E(errs.TransientNetwork, op, err)
	}
	for i := range list {
		list[i].IsViewed = list[i].ViewedBy(self.ID)
	}

	f.mu.Lock()
	f.stories = list
	f.authors = authors
	f.mu.Unlock()
	f.emit()
	return nil
}

// Stories returns the unexpired stories, newest first.
func (f *Feed) Stories() []domain.Story {
	cutoff := f.now().Add(-Window)
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Story, 0, len(f.stories))
	for _, s := range f.stories {
		if s.CreatedAt.After(cutoff) {
			s.Viewers = slices.Clone(s.Viewers)
			out = append(out, s)
		}
	}
	return out
}

// Post publishes a story as the local user.
func (f *Feed) Post(ctx context.Context, st domain.Story) (domain.Story, error) {
	const op = "stories.Post"
	self := f.state.Self()
	if self.ID == "" || !postable(st) {
		return domain.Story{}, errs.E(errs.ValidationNoop, op, nil)
	}
	st.UserID = self.ID
	st.Username = self.Username
	st.UserAvatar = self.Avatar
	saved, err := f.store.PostStory(ctx, st)
	if err != nil {
		f.logger.Warn("post story failed", zap.Error(err))
		f.bus.Notify(bus.LevelError, "Failed to post story")
		return domain.Story{}, errs.E(errs.TransientNetwork, op, err)
	}
	f.upsert(saved)
	f.bus.Notify(bus.LevelSuccess, "Story posted!")
	return saved, nil
}

func postable(st domain.Story) bool {
	switch st.MediaType {
	case domain.StoryText:
		return st.TextContent != ""
	case domain.StoryImage, domain.StoryVideo, domain.StoryAudio:
		return st.MediaURL != ""
	default:
		return false
	}
}

// Delete removes one of the local user's stories.
func (f *Feed) Delete(ctx context.Context, storyID string) error {
	const op = "stories.Delete"
	self := f.state.Self()
	if err := f.store.DeleteStory(ctx, storyID, self.ID); err != nil {
		f.logger.Warn("delete story failed", zap.String("story_id", storyID), zap.Error(err))
		f.bus.Notify(bus.LevelError, "Could not delete story")
		if errs.Is(err, errs.NotFound) {
			return err
		}
		return errs.E(errs.TransientNetwork, op, err)
	}
	f.remove(storyID)
	f.bus.Notify(bus.LevelSuccess, "Story deleted")
	return nil
}

// MarkViewed records that the local user saw a story. Only the first view
// reaches the store.
func (f *Feed) MarkViewed(ctx context.Context, storyID string) error {
	const op = "stories.MarkViewed"
	self := f.state.Self()
	f.mu.Lock()
	i := f.index(storyID)
	if i < 0 {
		f.mu.Unlock()
		return errs.E(errs.NotFound, op, nil)
	}
	if f.stories[i].ViewedBy(self.ID) {
		f.mu.Unlock()
		return nil
	}
	f.mu.Unlock()

	saved, err := f.store.MarkStoryViewed(ctx, storyID, self.ID)
	if err != nil {
		return errs.E(errs.TransientNetwork, op, err)
	}
	f.mu.Lock()
	if i := f.index(storyID); i >= 0 {
		f.stories[i].Viewers = saved.Viewers
		f.stories[i].IsViewed = true
	}
	f.mu.Unlock()
	f.emit()
	return nil
}

// HandleStoryRow applies a story row change from the relay.
func (f *Feed) HandleStoryRow(env relay.Envelope) {
	self := f.state.Self()
	switch env.Event {
	case relay.EventInsert, relay.EventUpdate:
		var st domain.Story
		if err := env.Decode(&st); err != nil {
			f.logger.Warn("bad story row", zap.Error(err))
			return
		}
		f.mu.Lock()
		visible := f.authors[st.UserID] || st.UserID == self.ID
		f.mu.Unlock()
		if !visible {
			return
		}
		st.IsViewed = st.ViewedBy(self.ID)
		isNew := f.upsert(st)
		if env.Event == relay.EventInsert && isNew && st.UserID != self.ID {
			f.bus.Notify(bus.LevelInfo, "New story from "+st.Username)
		}
	case relay.EventDelete:
		var d deleted
		if err := env.Decode(&d); err != nil {
			f.logger.Warn("bad story delete", zap.Error(err))
			return
		}
		f.remove(d.ID)
	}
}

// upsert puts st at the front, replacing any story with the same id, and
// reports whether it was not known before.
func (f *Feed) upsert(st domain.Story) bool {
	f.mu.Lock()
	i := f.index(st.ID)
	if i >= 0 {
		f.stories[i] = st
	} else {
		f.stories = append([]domain.Story{st}, f.stories...)
	}
	f.mu.Unlock()
	f.emit()
	return i < 0
}

func (f *Feed) remove(id string) {
	f.mu.Lock()
	i := f.index(id)
	if i >= 0 {
		f.stories = slices.Delete(f.stories, i, i+1)
	}
	f.mu.Unlock()
	if i >= 0 {
		f.emit()
	}
}

func (f *Feed) index(id string) int {
	return slices.IndexFunc(f.stories, func(s domain.Story) bool { return s.ID == id })
}

func (f *Feed) emit() {
	f.bus.Emit(bus.KindStoriesChanged, f.Stories())
}
