package call

import (
	"context"
	"strings"
	"testing"

	"github.com/pion/webrtc/v4"
)

func TestPionOfferAnswer(t *testing.T) {
	src := SyntheticSource{}
	f, err := NewPionFactory(nil, src)
	if err != nil {
		t.Fatal(err)
	}
	caller, err := f.NewPeer()
	if err != nil {
		t.Fatal(err)
	}
	defer caller.Close()
	callee, err := f.NewPeer()
	if err != nil {
		t.Fatal(err)
	}
	defer callee.Close()

	tracks, err := src.Acquire(context.Background(), Constraints{Audio: DefaultAudio, Video: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(tracks) != 2 || tracks[0].Kind() != webrtc.RTPCodecTypeAudio || tracks[1].Kind() != webrtc.RTPCodecTypeVideo {
		t.Fatalf("tracks = %+v", tracks)
	}

	offer, err := createOffer(caller, tracks)
	if err != nil {
		t.Fatalf("offer: %v", err)
	}
	for _, codec := range []string{"opus", "VP8"} {
		if !strings.Contains(offer.SDP, codec) {
			t.Errorf("offer does not carry %s", codec)
		}
	}

	if err := callee.SetRemoteDescription(offer); err != nil {
		t.Fatalf("callee remote: %v", err)
	}
	answer, err := callee.CreateAnswer()
	if err != nil {
		t.Fatal(err)
	}
	if err := callee.SetLocalDescription(answer); err != nil {
		t.Fatal(err)
	}
	if err := caller.SetRemoteDescription(answer); err != nil {
		t.Fatalf("caller remote: %v", err)
	}

	// Muting swaps the track out of its sender without renegotiating.
	if err := tracks[0].SetEnabled(false); err != nil {
		t.Fatalf("mute: %v", err)
	}
	if tracks[0].Enabled() {
		t.Fatal("track still enabled")
	}
	if err := tracks[0].SetEnabled(true); err != nil {
		t.Fatalf("unmute: %v", err)
	}
}

func TestLocalTrackStopOnce(t *testing.T) {
	calls := 0
	tr := NewLocalTrack(nil, webrtc.RTPCodecTypeAudio, func() { calls++ })
	tr.Stop()
	tr.Stop()
	if calls != 1 || !tr.Stopped() {
		t.Fatalf("stop called %d times", calls)
	}
}

func TestSyntheticAudioSettings(t *testing.T) {
	tracks, err := SyntheticSource{}.Acquire(context.Background(), Constraints{Audio: DefaultAudio})
	if err != nil {
		t.Fatal(err)
	}
	if len(tracks) != 1 {
		t.Fatalf("tracks = %d, want audio only", len(tracks))
	}
	applied, ok := tracks[0].Audio()
	if !ok || applied != DefaultAudio {
		t.Errorf("applied = %+v, %v; want %+v", applied, ok, DefaultAudio)
	}
	sample, ok := tracks[0].Track().(*webrtc.TrackLocalStaticSample)
	if !ok {
		t.Fatalf("track type = %T", tracks[0].Track())
	}
	if c := sample.Codec(); c.Channels != 2 || c.ClockRate != 48000 {
		t.Errorf("codec = %+v, want stereo 48 kHz", c)
	}

	mono := DefaultAudio
	mono.ChannelCount = 1
	tracks, err = SyntheticSource{}.Acquire(context.Background(), Constraints{Audio: mono})
	if err != nil {
		t.Fatal(err)
	}
	if c := tracks[0].Track().(*webrtc.TrackLocalStaticSample).Codec(); c.Channels != 1 {
		t.Errorf("mono channels = %d", c.Channels)
	}
}
