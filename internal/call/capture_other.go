//go:build !linux

package call

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"
)

var errCaptureUnsupported = errors.New("call: media capture is not supported on this platform")

// CaptureSource is unavailable off linux; use SyntheticSource instead.
type CaptureSource struct{}

func NewCaptureSource() (*CaptureSource, error) {
	return nil, errCaptureUnsupported
}

func (*CaptureSource) ConfigureMediaEngine(me *webrtc.MediaEngine) error {
	return me.RegisterDefaultCodecs()
}

func (*CaptureSource) Acquire(context.Context, Constraints) ([]*LocalTrack, error) {
	return nil, errCaptureUnsupported
}
