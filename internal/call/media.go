package call

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"
)

// AudioConstraints describes the microphone capture quality. Sources attach
// the settings they actually applied to each audio track, so a request for
// processing the device cannot do shows up as off in the call snapshot.
type AudioConstraints struct {
	ChannelCount     int  `json:"channelCount"`
	SampleRate       int  `json:"sampleRate"`
	SampleSize       int  `json:"sampleSize"`
	EchoCancellation bool `json:"echoCancellation"`
	NoiseSuppression bool `json:"noiseSuppression"`
	AutoGainControl  bool `json:"autoGainControl"`
}

// DefaultAudio is stereo 48 kHz 16-bit capture with echo cancellation,
// noise suppression and automatic gain.
var DefaultAudio = AudioConstraints{
	ChannelCount:     2,
	SampleRate:       48000,
	SampleSize:       16,
	EchoCancellation: true,
	NoiseSuppression: true,
	AutoGainControl:  true,
}

// Constraints select what a MediaSource acquires. Audio is always captured.
type Constraints struct {
	Audio AudioConstraints
	Video bool
}

// MediaSource acquires local tracks.
type MediaSource interface {
	Acquire(ctx context.Context, c Constraints) ([]*LocalTrack, error)
}

// CodecConfigurer registers the codecs a MediaSource produces.
type CodecConfigurer interface {
	ConfigureMediaEngine(me *webrtc.MediaEngine) error
}

// TrackSender is the sending side of an attached track. *webrtc.RTPSender
// satisfies it.
type TrackSender interface {
	ReplaceTrack(track webrtc.TrackLocal) error
}

// LocalTrack is a captured track that can be muted without renegotiation:
// disabling it detaches the track from its sender.
type LocalTrack struct {
	track webrtc.TrackLocal
	kind  webrtc.RTPCodecType
	stop  func()

	audio *AudioConstraints

	mu      sync.Mutex
	sender  TrackSender
	enabled bool
	stopped bool
}

// NewLocalTrack wraps track. stop releases the underlying device and may be
// nil.
func NewLocalTrack(track webrtc.TrackLocal, kind webrtc.RTPCodecType, stop func()) *LocalTrack {
	return &LocalTrack{track: track, kind: kind, stop: stop, enabled: true}
}

// WithAudio records the capture settings applied to an audio track.
func (t *LocalTrack) WithAudio(a AudioConstraints) *LocalTrack {
	t.audio = &a
	return t
}

// Audio returns the applied capture settings, if the source recorded any.
func (t *LocalTrack) Audio() (AudioConstraints, bool) {
	if t.audio == nil {
		return AudioConstraints{}, false
	}
	return *t.audio, true
}

func (t *LocalTrack) Track() webrtc.TrackLocal { return t.track }

func (t *LocalTrack) Kind() webrtc.RTPCodecType { return t.kind }

func (t *LocalTrack) ID() string {
	if t.track == nil {
		return ""
	}
	return t.track.ID()
}

// Bind records the sender the track was attached with.
func (t *LocalTrack) Bind(s TrackSender) {
	t.mu.Lock()
	t.sender = s
	t.mu.Unlock()
}

// SetEnabled attaches or detaches the track from its sender.
func (t *LocalTrack) SetEnabled(on bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.enabled == on {
		return nil
	}
	if t.sender != nil {
		var next webrtc.TrackLocal
		if on {
			next = t.track
		}
		if err := t.sender.ReplaceTrack(next); err != nil {
			return err
		}
	}
	t.enabled = on
	return nil
}

func (t *LocalTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

// Stop releases the track. It is safe to call more than once.
func (t *LocalTrack) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	stop := t.stop
	t.mu.Unlock()
	if stop != nil {
		stop()
	}
}

func (t *LocalTrack) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

func stopAll(tracks []*LocalTrack) {
	for _, t := range tracks {
		t.Stop()
	}
}
