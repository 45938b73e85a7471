package api

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/rtchat/internal/access"
	"github.com/matheus3301/rtchat/internal/bus"
	"github.com/matheus3301/rtchat/internal/domain"
	"github.com/matheus3301/rtchat/internal/errs"
	"github.com/matheus3301/rtchat/internal/realtime"
)

const watchBuffer = 128

// Service implements the engine service over one realtime session.
type Service struct {
	sessionName string
	startedAt   time.Time
	session     *realtime.Session
	gate        *access.Gate
	bus         *bus.Bus
	logger      *zap.Logger

	done     chan struct{}
	doneOnce sync.Once
}

// NewService creates the service for a started session.
func NewService(sessionName string, rs *realtime.Session, gate *access.Gate, b *bus.Bus, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		sessionName: sessionName,
		startedAt:   time.Now(),
		session:     rs,
		gate:        gate,
		bus:         b,
		logger:      logger,
		done:        make(chan struct{}),
	}
}

// Shutdown ends every WatchEvents stream so a graceful stop can complete.
func (s *Service) Shutdown() {
	s.doneOnce.Do(func() { close(s.done) })
}

func (s *Service) selfID() string {
	return s.session.State().Self().ID
}

func (s *Service) getStatus(_ context.Context, _ Empty) (StatusReply, error) {
	snap := s.session.Snapshot()
	_, since := s.session.Status().Since()
	rep := StatusReply{
		Session:     s.sessionName,
		Status:      string(snap.Status),
		StatusSince: since,
		UserID:      snap.Self.ID,
		Username:    snap.Self.Username,
		UptimeMs:    time.Since(s.startedAt).Milliseconds(),
		Chats:       len(snap.Conversations),
		Friends:     len(snap.Friends),
		Stories:     len(snap.Stories),
	}
	if snap.ActiveCall != nil {
		rep.CallStatus = string(snap.ActiveCall.Status)
	}
	return rep, nil
}

func (s *Service) getSnapshot(_ context.Context, _ Empty) (realtime.Snapshot, error) {
	return s.session.Snapshot(), nil
}

func (s *Service) createConversation(ctx context.Context, req UserRequest) (ConversationReply, error) {
	id, err := s.session.Messaging().CreateConversation(ctx, req.UserID)
	if err != nil {
		return ConversationReply{}, err
	}
	return ConversationReply{ConversationID: id}, nil
}

func (s *Service) selectConversation(ctx context.Context, req ConversationRequest) (Empty, error) {
	return Empty{}, s.session.Messaging().SelectConversation(ctx, req.ConversationID)
}

func (s *Service) sendMessage(ctx context.Context, req SendRequest) (MessageReply, error) {
	m := s.session.Messaging()
	if req.ConversationID != "" && req.ConversationID != s.session.State().Active() {
		if err := m.SelectConversation(ctx, req.ConversationID); err != nil {
			return MessageReply{}, err
		}
	}
	msg, err := m.SendMessage(ctx, req.Text, req.Attachments)
	if err != nil {
		return MessageReply{}, err
	}
	return MessageReply{Message: msg}, nil
}

func (s *Service) setTyping(ctx context.Context, req TypingRequest) (Empty, error) {
	return Empty{}, s.session.Messaging().NotifyTyping(ctx, req.Typing)
}

// contact finds a user among the cached conversation participants and
// friends.
func (s *Service) contact(userID string) (domain.User, bool) {
	m := s.session.Messaging()
	for _, c := range m.Conversations() {
		for _, p := range c.Participants {
			if p.ID == userID {
				return p, true
			}
		}
	}
	for _, f := range m.Friends() {
		if f.ID == userID {
			return f, true
		}
	}
	return domain.User{}, false
}

func (s *Service) startCall(ctx context.Context, req CallRequest) (CallReply, error) {
	receiver, ok := s.contact(req.UserID)
	if !ok {
		return CallReply{}, errs.E(errs.NotFound, "api.StartCall", nil)
	}
	c, err := s.session.Calls().StartCall(ctx, receiver, req.Video)
	if err != nil {
		return CallReply{}, err
	}
	return CallReply{Call: c}, nil
}

func (s *Service) acceptCall(ctx context.Context, _ Empty) (Empty, error) {
	return Empty{}, s.session.Calls().AcceptCall(ctx)
}

func (s *Service) rejectCall(ctx context.Context, _ Empty) (Empty, error) {
	return Empty{}, s.session.Calls().RejectCall(ctx)
}

func (s *Service) endCall(ctx context.Context, _ Empty) (Empty, error) {
	return Empty{}, s.session.Calls().EndCall(ctx)
}

func (s *Service) toggleMute(_ context.Context, _ Empty) (ToggleReply, error) {
	on, err := s.session.Calls().ToggleMute()
	return ToggleReply{On: on}, err
}

func (s *Service) toggleVideo(_ context.Context, _ Empty) (ToggleReply, error) {
	on, err := s.session.Calls().ToggleVideo()
	return ToggleReply{On: on}, err
}

func (s *Service) postStory(ctx context.Context, req StoryRequest) (StoryReply, error) {
	st, err := s.session.Stories().Post(ctx, req.Story)
	if err != nil {
		return StoryReply{}, err
	}
	return StoryReply{Story: st}, nil
}

func (s *Service) deleteStory(ctx context.Context, req StoryIDRequest) (Empty, error) {
	return Empty{}, s.session.Stories().Delete(ctx, req.StoryID)
}

func (s *Service) viewStory(ctx context.Context, req StoryIDRequest) (Empty, error) {
	return Empty{}, s.session.Stories().MarkViewed(ctx, req.StoryID)
}

func (s *Service) replyToStory(ctx context.Context, req StoryReplyRequest) (MessageReply, error) {
	for _, st := range s.session.Stories().Stories() {
		if st.ID != req.StoryID {
			continue
		}
		msg, err := s.session.Messaging().SendStoryReply(ctx, st, req.Text)
		if err != nil {
			return MessageReply{}, err
		}
		return MessageReply{Message: msg}, nil
	}
	return MessageReply{}, errs.E(errs.NotFound, "api.ReplyToStory", nil)
}

func (s *Service) searchUsers(ctx context.Context, req SearchRequest) (UsersReply, error) {
	users, err := s.gate.SearchUsers(ctx, s.selfID(), req.Query)
	if err != nil {
		return UsersReply{}, err
	}
	return UsersReply{Users: users}, nil
}

func (s *Service) pendingRequests(ctx context.Context, _ Empty) (UsersReply, error) {
	users, err := s.gate.PendingRequests(ctx, s.selfID())
	if err != nil {
		return UsersReply{}, err
	}
	return UsersReply{Users: users}, nil
}

func (s *Service) sendFriendRequest(ctx context.Context, req UserRequest) (FriendshipReply, error) {
	st, err := s.gate.SendFriendRequest(ctx, s.selfID(), req.UserID)
	if err != nil {
		return FriendshipReply{}, err
	}
	if st == domain.FriendshipAccepted {
		s.session.Resync(ctx)
	}
	return FriendshipReply{Status: st}, nil
}

func (s *Service) acceptFriendRequest(ctx context.Context, req UserRequest) (Empty, error) {
	if err := s.gate.AcceptFriendRequest(ctx, s.selfID(), req.UserID); err != nil {
		return Empty{}, err
	}
	// New friends bring their stories and show up in the friend list.
	s.session.Resync(ctx)
	return Empty{}, nil
}

func (s *Service) block(ctx context.Context, req UserRequest) (Empty, error) {
	if err := s.gate.Block(ctx, s.selfID(), req.UserID); err != nil {
		return Empty{}, err
	}
	s.session.Messaging().SetBlocked(req.UserID, true)
	return Empty{}, nil
}

func (s *Service) unblock(ctx context.Context, req UserRequest) (Empty, error) {
	if err := s.gate.Unblock(ctx, s.selfID(), req.UserID); err != nil {
		return Empty{}, err
	}
	s.session.Messaging().SetBlocked(req.UserID, false)
	return Empty{}, nil
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	var req WatchRequest
	if err := decode(in, &req); err != nil {
		return toStatus(errs.E(errs.ValidationNoop, "api.WatchEvents", err))
	}
	return srv.(*Service).watch(stream.Context(), req, stream.SendMsg)
}

// watch forwards bus events to send until ctx ends. Slow watchers lose
// events rather than stalling the engines.
func (s *Service) watch(ctx context.Context, req WatchRequest, send func(any) error) error {
	ch, unsub := s.bus.Subscribe(req.Prefix, watchBuffer)
	defer unsub()
	s.logger.Debug("watcher attached", zap.String("prefix", req.Prefix))

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.done:
			return nil
		case evt := <-ch:
			out, err := eventStruct(evt)
			if err != nil {
				s.logger.Warn("unencodable event", zap.String("kind", evt.Kind), zap.Error(err))
				continue
			}
			if err := send(out); err != nil {
				return err
			}
		}
	}
}

func eventStruct(evt bus.Event) (*structpb.Struct, error) {
	e := Event{Kind: evt.Kind, Timestamp: evt.Timestamp}
	if evt.Payload != nil {
		payload, err := json.Marshal(evt.Payload)
		if err != nil {
			return nil, err
		}
		e.Payload = payload
	}
	return encode(e)
}
