// Package api exposes a running session over gRPC. Requests and replies are
// JSON-shaped structpb.Struct messages. The contract is
// proto/rtchat/v1/engine.proto; since every message is a Struct, the
// service descriptor below is declared by hand instead of generated.
package api

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "rtchat.v1.Engine"

const watchStream = "WatchEvents"

type handlerFunc func(s *Service, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)

func method(name string, fn handlerFunc) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(*Service)
			invoke := func(ctx context.Context, req any) (any, error) {
				out, err := fn(s, ctx, req.(*structpb.Struct))
				if err != nil {
					return nil, toStatus(err)
				}
				return out, nil
			}
			if interceptor == nil {
				return invoke(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			return interceptor(ctx, in, info, invoke)
		},
	}
}

// typed adapts a handler with concrete request and reply types.
func typed[Req, Rep any](fn func(s *Service, ctx context.Context, req Req) (Rep, error)) handlerFunc {
	return func(s *Service, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
		var req Req
		if err := decode(in, &req); err != nil {
			return nil, err
		}
		rep, err := fn(s, ctx, req)
		if err != nil {
			return nil, err
		}
		return encode(rep)
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		method("GetStatus", typed((*Service).getStatus)),
		method("GetSnapshot", typed((*Service).getSnapshot)),
		method("CreateConversation", typed((*Service).createConversation)),
		method("SelectConversation", typed((*Service).selectConversation)),
		method("SendMessage", typed((*Service).sendMessage)),
		method("SetTyping", typed((*Service).setTyping)),
		method("StartCall", typed((*Service).startCall)),
		method("AcceptCall", typed((*Service).acceptCall)),
		method("RejectCall", typed((*Service).rejectCall)),
		method("EndCall", typed((*Service).endCall)),
		method("ToggleMute", typed((*Service).toggleMute)),
		method("ToggleVideo", typed((*Service).toggleVideo)),
		method("PostStory", typed((*Service).postStory)),
		method("DeleteStory", typed((*Service).deleteStory)),
		method("ViewStory", typed((*Service).viewStory)),
		method("ReplyToStory", typed((*Service).replyToStory)),
		method("SearchUsers", typed((*Service).searchUsers)),
		method("PendingRequests", typed((*Service).pendingRequests)),
		method("SendFriendRequest", typed((*Service).sendFriendRequest)),
		method("AcceptFriendRequest", typed((*Service).acceptFriendRequest)),
		method("Block", typed((*Service).block)),
		method("Unblock", typed((*Service).unblock)),
	},
	Streams: []grpc.StreamDesc{{
		StreamName:    watchStream,
		Handler:       watchHandler,
		ServerStreams: true,
	}},
	Metadata: "rtchat/v1/engine.proto",
}

// Register adds the engine service to srv.
func Register(srv *grpc.Server, s *Service) {
	srv.RegisterService(&serviceDesc, s)
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

func encode(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	out := new(structpb.Struct)
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return out, nil
}

func decode(in *structpb.Struct, v any) error {
	if in == nil {
		return nil
	}
	data, err := protojson.Marshal(in)
	if err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}
