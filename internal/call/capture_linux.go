//go:build linux

package call

import (
	"context"
	"fmt"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// CaptureSource acquires camera and microphone tracks through
// pion/mediadevices, encoded as VP8 and Opus.
type CaptureSource struct {
	selector *mediadevices.CodecSelector
}

func NewCaptureSource() (*CaptureSource, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}

	return &CaptureSource{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

func (s *CaptureSource) ConfigureMediaEngine(me *webrtc.MediaEngine) error {
	s.selector.Populate(me)
	return nil
}

// Acquire opens the microphone and, for video calls, the camera. The
// microphone driver has no echo cancellation, noise suppression or gain
// control, so audio tracks report those as off whatever was asked.
func (s *CaptureSource) Acquire(ctx context.Context, c Constraints) ([]*LocalTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	constraints := mediadevices.MediaStreamConstraints{
		Codec: s.selector,
		Audio: func(mc *mediadevices.MediaTrackConstraints) {
			mc.ChannelCount = prop.Int(c.Audio.ChannelCount)
			mc.SampleRate = prop.Int(c.Audio.SampleRate)
			mc.SampleSize = prop.Int(c.Audio.SampleSize)
		},
	}
	if c.Video {
		constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
			// MJPEG nodes on some cameras produce frames the VP8 encoder
			// rejects.
			mc.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			mc.Width = prop.IntRanged{Max: 640}
			mc.Height = prop.IntRanged{Max: 480}
		}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, err
	}
	applied := AudioConstraints{
		ChannelCount: c.Audio.ChannelCount,
		SampleRate:   c.Audio.SampleRate,
		SampleSize:   c.Audio.SampleSize,
	}
	var out []*LocalTrack
	for _, tr := range stream.GetTracks() {
		tr := tr
		lt := NewLocalTrack(tr, tr.Kind(), func() { _ = tr.Close() })
		if tr.Kind() == webrtc.RTPCodecTypeAudio {
			lt.WithAudio(applied)
		}
		out = append(out, lt)
	}
	return out, nil
}
