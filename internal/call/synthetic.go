package call

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// SyntheticSource produces sample tracks that carry no captured media. It
// serves headless daemons and platforms without capture drivers.
type SyntheticSource struct{}

func (SyntheticSource) ConfigureMediaEngine(me *webrtc.MediaEngine) error {
	return me.RegisterDefaultCodecs()
}

func (SyntheticSource) Acquire(_ context.Context, c Constraints) ([]*LocalTrack, error) {
	streamID := "rtchat-" + uuid.NewString()
	applied := c.Audio
	if applied.ChannelCount == 0 {
		applied.ChannelCount = 2
	}
	if applied.SampleRate == 0 {
		applied.SampleRate = 48000
	}
	audio, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: uint32(applied.SampleRate),
		Channels:  uint16(applied.ChannelCount),
	}, "audio", streamID)
	if err != nil {
		return nil, fmt.Errorf("create audio track: %w", err)
	}
	// Nothing is captured, so the requested processing holds trivially.
	tracks := []*LocalTrack{NewLocalTrack(audio, webrtc.RTPCodecTypeAudio, nil).WithAudio(applied)}

	if c.Video {
		video, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeVP8,
			ClockRate: 90000,
		}, "video", streamID)
		if err != nil {
			return nil, fmt.Errorf("create video track: %w", err)
		}
		tracks = append(tracks, NewLocalTrack(video, webrtc.RTPCodecTypeVideo, nil))
	}
	return tracks, nil
}
