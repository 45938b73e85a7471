package hosted

import (
	"context"
	"time"

	"github.com/matheus3301/rtchat/internal/domain"
	"github.com/matheus3301/rtchat/internal/relay"
)

// PostStory persists a story under a server id and announces it.
func (s *Service) PostStory(ctx context.Context, st domain.Story) (domain.Story, error) {
	id, err := s.nextID()
	if err != nil {
		return domain.Story{}, wrap("hosted.PostStory", err)
	}
	st.ID = id
	st.CreatedAt = s.now()
	st.Viewers = []string{}
	if err := s.db.InsertStory(ctx, st); err != nil {
		return domain.Story{}, wrap("hosted.PostStory", err)
	}
	saved, err := s.db.GetStory(ctx, id)
	if err != nil {
		return domain.Story{}, wrap("hosted.PostStory", err)
	}
	s.announce(ctx, relay.TopicStoryRows, relay.EventInsert, saved)
	return saved, nil
}

// DeleteStory removes a story owned by userID and announces the removal.
func (s *Service) DeleteStory(ctx context.Context, storyID, userID string) error {
	if err := s.db.DeleteStory(ctx, storyID, userID); err != nil {
		return wrap("hosted.DeleteStory", err)
	}
	s.announce(ctx, relay.TopicStoryRows, relay.EventDelete, StoryDeleted{ID: storyID, UserID: userID})
	return nil
}

// Stories returns the stories of userIDs posted after since, newest first.
func (s *Service) Stories(ctx context.Context, userIDs []string, since time.Time) ([]domain.Story, error) {
	stories, err := s.db.ListStories(ctx, userIDs, since)
	return stories, wrap("hosted.Stories", err)
}

// MarkStoryViewed records a view. Repeated views are not announced.
func (s *Service) MarkStoryViewed(ctx context.Context, storyID, viewerID string) (domain.Story, error) {
	added, err := s.db.AddStoryViewer(ctx, storyID, viewerID)
	if err != nil {
		return domain.Story{}, wrap("hosted.MarkStoryViewed", err)
	}
	st, err := s.db.GetStory(ctx, storyID)
	if err != nil {
		return domain.Story{}, wrap("hosted.MarkStoryViewed", err)
	}
	if added {
		s.announce(ctx, relay.TopicStoryRows, relay.EventUpdate, st)
	}
	return st, nil
}
