package api

import (
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/matheus3301/rtchat/internal/errs"
)

var kindCodes = map[errs.Kind]codes.Code{
	errs.TransientNetwork: codes.Unavailable,
	errs.PermissionDenied: codes.PermissionDenied,
	errs.Conflict:         codes.AlreadyExists,
	errs.NotFound:         codes.NotFound,
	errs.ValidationNoop:   codes.InvalidArgument,
	errs.Blocked:          codes.FailedPrecondition,
	errs.InvalidState:     codes.FailedPrecondition,
}

// toStatus converts an engine error into a gRPC status error.
func toStatus(err error) error {
	if _, ok := grpcstatus.FromError(err); ok {
		return err
	}
	code := codes.Internal
	if c, ok := kindCodes[errs.KindOf(err)]; ok {
		code = c
	}
	return grpcstatus.Error(code, err.Error())
}
