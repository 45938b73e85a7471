package api

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/rtchat/internal/domain"
	"github.com/matheus3301/rtchat/internal/realtime"
)

// Client talks to a daemon's engine service.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the daemon listening on the Unix socket socketPath.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func invoke[Rep any](ctx context.Context, c *Client, name string, req any) (Rep, error) {
	var rep Rep
	in, err := encode(req)
	if err != nil {
		return rep, err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, fullMethod(name), in, out); err != nil {
		return rep, err
	}
	err = decode(out, &rep)
	return rep, err
}

func (c *Client) Status(ctx context.Context) (StatusReply, error) {
	return invoke[StatusReply](ctx, c, "GetStatus", Empty{})
}

func (c *Client) Snapshot(ctx context.Context) (realtime.Snapshot, error) {
	return invoke[realtime.Snapshot](ctx, c, "GetSnapshot", Empty{})
}

func (c *Client) CreateConversation(ctx context.Context, userID string) (string, error) {
	rep, err := invoke[ConversationReply](ctx, c, "CreateConversation", UserRequest{UserID: userID})
	return rep.ConversationID, err
}

func (c *Client) SelectConversation(ctx context.Context, conversationID string) error {
	_, err := invoke[Empty](ctx, c, "SelectConversation", ConversationRequest{ConversationID: conversationID})
	return err
}

func (c *Client) SendMessage(ctx context.Context, req SendRequest) (domain.Message, error) {
	rep, err := invoke[MessageReply](ctx, c, "SendMessage", req)
	return rep.Message, err
}

func (c *Client) SetTyping(ctx context.Context, typing bool) error {
	_, err := invoke[Empty](ctx, c, "SetTyping", TypingRequest{Typing: typing})
	return err
}

func (c *Client) StartCall(ctx context.Context, userID string, video bool) (domain.Call, error) {
	rep, err := invoke[CallReply](ctx, c, "StartCall", CallRequest{UserID: userID, Video: video})
	return rep.Call, err
}

func (c *Client) AcceptCall(ctx context.Context) error {
	_, err := invoke[Empty](ctx, c, "AcceptCall", Empty{})
	return err
}

func (c *Client) RejectCall(ctx context.Context) error {
	_, err := invoke[Empty](ctx, c, "RejectCall", Empty{})
	return err
}

func (c *Client) EndCall(ctx context.Context) error {
	_, err := invoke[Empty](ctx, c, "EndCall", Empty{})
	return err
}

// ToggleMute flips the microphone and reports whether it is now muted.
func (c *Client) ToggleMute(ctx context.Context) (bool, error) {
	rep, err := invoke[ToggleReply](ctx, c, "ToggleMute", Empty{})
	return rep.On, err
}

// ToggleVideo flips the camera and reports whether it is now off.
func (c *Client) ToggleVideo(ctx context.Context) (bool, error) {
	rep, err := invoke[ToggleReply](ctx, c, "ToggleVideo", Empty{})
	return rep.On, err
}

func (c *Client) PostStory(ctx context.Context, st domain.Story) (domain.Story, error) {
	rep, err := invoke[StoryReply](ctx, c, "PostStory", StoryRequest{Story: st})
	return rep.Story, err
}

func (c *Client) DeleteStory(ctx context.Context, storyID string) error {
	_, err := invoke[Empty](ctx, c, "DeleteStory", StoryIDRequest{StoryID: storyID})
	return err
}

func (c *Client) ViewStory(ctx context.Context, storyID string) error {
	_, err := invoke[Empty](ctx, c, "ViewStory", StoryIDRequest{StoryID: storyID})
	return err
}

func (c *Client) ReplyToStory(ctx context.Context, storyID, text string) (domain.Message, error) {
	rep, err := invoke[MessageReply](ctx, c, "ReplyToStory", StoryReplyRequest{StoryID: storyID, Text: text})
	return rep.Message, err
}

func (c *Client) SearchUsers(ctx context.Context, query string) ([]domain.User, error) {
	rep, err := invoke[UsersReply](ctx, c, "SearchUsers", SearchRequest{Query: query})
	return rep.Users, err
}

func (c *Client) PendingRequests(ctx context.Context) ([]domain.User, error) {
	rep, err := invoke[UsersReply](ctx, c, "PendingRequests", Empty{})
	return rep.Users, err
}

func (c *Client) SendFriendRequest(ctx context.Context, userID string) (domain.FriendshipStatus, error) {
	rep, err := invoke[FriendshipReply](ctx, c, "SendFriendRequest", UserRequest{UserID: userID})
	return rep.Status, err
}

func (c *Client) AcceptFriendRequest(ctx context.Context, userID string) error {
	_, err := invoke[Empty](ctx, c, "AcceptFriendRequest", UserRequest{UserID: userID})
	return err
}

func (c *Client) Block(ctx context.Context, userID string) error {
	_, err := invoke[Empty](ctx, c, "Block", UserRequest{UserID: userID})
	return err
}

func (c *Client) Unblock(ctx context.Context, userID string) error {
	_, err := invoke[Empty](ctx, c, "Unblock", UserRequest{UserID: userID})
	return err
}

// Watch streams bus events whose kind starts with prefix to fn until ctx
// ends or fn returns false.
func (c *Client) Watch(ctx context.Context, prefix string, fn func(Event) bool) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := c.conn.NewStream(ctx, &serviceDesc.Streams[0], fullMethod(watchStream))
	if err != nil {
		return err
	}
	in, err := encode(WatchRequest{Prefix: prefix})
	if err != nil {
		return err
	}
	if err := stream.SendMsg(in); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		out := new(structpb.Struct)
		if err := stream.RecvMsg(out); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		var evt Event
		if err := decode(out, &evt); err != nil {
			return err
		}
		if !fn(evt) {
			return nil
		}
	}
}
