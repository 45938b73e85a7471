package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/matheus3301/rtchat/internal/bus"
	"github.com/matheus3301/rtchat/internal/domain"
	"github.com/matheus3301/rtchat/internal/errs"
	"github.com/matheus3301/rtchat/internal/relay"
	"github.com/matheus3301/rtchat/internal/state"
)

type fakePeer struct {
	name string

	mu         sync.Mutex
	tracks     []*LocalTrack
	local      webrtc.SessionDescription
	remote     webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	closed     bool
	onICE      func(webrtc.ICECandidateInit)
	onTrack    func(RemoteTrack)
	onState    func(webrtc.PeerConnectionState)
}

func (p *fakePeer) AddTrack(t *LocalTrack) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tracks = append(p.tracks, t)
	return nil
}

func (p *fakePeer) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-" + p.name}, nil
}

func (p *fakePeer) CreateAnswer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-" + p.name}, nil
}

// SetLocalDescription starts "gathering": one host candidate fires right away.
func (p *fakePeer) SetLocalDescription(sd webrtc.SessionDescription) error {
	p.mu.Lock()
	p.local = sd
	onICE := p.onICE
	p.mu.Unlock()
	if onICE != nil {
		onICE(webrtc.ICECandidateInit{Candidate: "candidate:" + p.name})
	}
	return nil
}

func (p *fakePeer) SetRemoteDescription(sd webrtc.SessionDescription) error {
	p.mu.Lock()
	p.remote = sd
	onTrack := p.onTrack
	p.mu.Unlock()
	if onTrack != nil {
		onTrack(RemoteTrack{ID: "remote-audio", StreamID: "s", Kind: webrtc.RTPCodecTypeAudio})
	}
	return nil
}

func (p *fakePeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote.SDP == "" {
		return errors.New("no remote description")
	}
	p.candidates = append(p.candidates, c)
	return nil
}

func (p *fakePeer) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.mu.Lock()
	p.onICE = fn
	p.mu.Unlock()
}

func (p *fakePeer) OnTrack(fn func(RemoteTrack)) {
	p.mu.Lock()
	p.onTrack = fn
	p.mu.Unlock()
}

func (p *fakePeer) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	p.onState = fn
	p.mu.Unlock()
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePeer) setState(s webrtc.PeerConnectionState) {
	p.mu.Lock()
	fn := p.onState
	p.mu.Unlock()
	fn(s)
}

func (p *fakePeer) snapshot() (remote string, candidates []webrtc.ICECandidateInit, closed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote.SDP, append([]webrtc.ICECandidateInit(nil), p.candidates...), p.closed
}

func (p *fakePeer) hasLocal() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.local.SDP != ""
}

type fakeFactory struct {
	name  string
	mu    sync.Mutex
	peers []*fakePeer
}

func (f *fakeFactory) NewPeer() (Peer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := &fakePeer{name: f.name}
	f.peers = append(f.peers, p)
	return p, nil
}

func (f *fakeFactory) last() *fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.peers) == 0 {
		return nil
	}
	return f.peers[len(f.peers)-1]
}

type fakeMedia struct {
	err     error
	entered chan struct{}
	release chan struct{}

	mu       sync.Mutex
	acquired []*LocalTrack
}

func (m *fakeMedia) Acquire(ctx context.Context, c Constraints) ([]*LocalTrack, error) {
	if m.entered != nil {
		close(m.entered)
	}
	if m.release != nil {
		select {
		case <-m.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if m.err != nil {
		return nil, m.err
	}
	tracks := []*LocalTrack{NewLocalTrack(nil, webrtc.RTPCodecTypeAudio, nil).WithAudio(c.Audio)}
	if c.Video {
		tracks = append(tracks, NewLocalTrack(nil, webrtc.RTPCodecTypeVideo, nil))
	}
	m.mu.Lock()
	m.acquired = append(m.acquired, tracks...)
	m.mu.Unlock()
	return tracks, nil
}

func (m *fakeMedia) allStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.acquired {
		if !t.Stopped() {
			return false
		}
	}
	return len(m.acquired) > 0
}

type fakeGate struct{ blocked map[string]bool }

func (g *fakeGate) CanCall(_ context.Context, _, otherID string) error {
	if g.blocked[otherID] {
		return errs.E(errs.Blocked, "fake", nil)
	}
	return nil
}

type party struct {
	user    domain.User
	engine  *Engine
	peers   *fakeFactory
	media   *fakeMedia
	gate    *fakeGate
	bus     *bus.Bus
	notices <-chan bus.Event
}

func newParty(t *testing.T, hub *relay.Memory, id string) *party {
	t.Helper()
	p := &party{
		user:  domain.User{ID: id, Username: id},
		peers: &fakeFactory{name: id},
		media: &fakeMedia{},
		gate:  &fakeGate{blocked: map[string]bool{}},
		bus:   bus.New(),
	}
	notices, unsub := p.bus.Subscribe("notify.", 16)
	t.Cleanup(unsub)
	p.notices = notices
	p.engine = New(state.New(p.user), hub, p.gate, p.peers, p.media, p.bus, nil, nil)
	sub, err := hub.Subscribe(relay.SignalingTopic(id), nil, func(env relay.Envelope) {
		p.engine.HandleSignal(context.Background(), env)
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(sub.Unsubscribe)
	return p
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func expectNotice(t *testing.T, p *party, text string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case evt := <-p.notices:
			if n, ok := evt.Payload.(bus.Notification); ok && n.Text == text {
				return
			}
		case <-deadline:
			t.Fatalf("%s: no %q notification", p.user.ID, text)
		}
	}
}

func phaseIs(p *party, ph Phase) func() bool {
	return func() bool { return p.engine.Phase() == ph }
}

// connect runs a full offer/answer exchange between caller and callee.
func connect(t *testing.T, caller, callee *party, video bool) {
	t.Helper()
	ctx := context.Background()
	c, err := caller.engine.StartCall(ctx, callee.user, video)
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	if c.Status != domain.CallDialing {
		t.Fatalf("status = %s, want dialing", c.Status)
	}
	waitFor(t, "incoming call", phaseIs(callee, Incoming))
	if err := callee.engine.AcceptCall(ctx); err != nil {
		t.Fatalf("AcceptCall: %v", err)
	}
	waitFor(t, "caller connected", phaseIs(caller, Connected))
}

func TestCallLifecycle(t *testing.T) {
	hub := relay.NewMemory()
	defer hub.Close()
	alice := newParty(t, hub, "alice")
	bob := newParty(t, hub, "bob")

	connect(t, alice, bob, false)
	expectNotice(t, bob, "Incoming call from alice")

	ac := alice.engine.ActiveCall()
	if ac == nil || ac.StartedAt == nil || ac.Status != domain.CallConnected {
		t.Fatalf("alice call = %+v", ac)
	}
	bc := bob.engine.ActiveCall()
	if bc == nil || bc.ID != ac.ID || bc.Caller.ID != "alice" || bc.ReceiverID != "bob" {
		t.Fatalf("bob call = %+v, alice call id %s", bc, ac.ID)
	}

	// Candidates gathered before the offer and answer went out still arrive.
	waitFor(t, "bob gets alice's candidate", func() bool {
		_, cands, _ := bob.peers.last().snapshot()
		return len(cands) == 1 && cands[0].Candidate == "candidate:alice"
	})
	waitFor(t, "alice gets bob's candidate", func() bool {
		remote, cands, _ := alice.peers.last().snapshot()
		return remote == "answer-bob" && len(cands) == 1 && cands[0].Candidate == "candidate:bob"
	})
	if remote, _, _ := bob.peers.last().snapshot(); remote != "offer-alice" {
		t.Fatalf("bob remote description = %q", remote)
	}
	snap := alice.engine.Snapshot()
	if len(snap.Local) != 1 || len(snap.Remote) != 1 {
		t.Fatalf("alice snapshot = %+v", snap)
	}
	if a := snap.Local[0].Audio; a == nil || *a != DefaultAudio {
		t.Errorf("local audio settings = %+v, want %+v", a, DefaultAudio)
	}

	if err := bob.engine.EndCall(context.Background()); err != nil {
		t.Fatal(err)
	}
	if bob.engine.ActiveCall() != nil {
		t.Fatal("bob still has a call after EndCall")
	}
	waitFor(t, "alice idle", phaseIs(alice, Idle))
	expectNotice(t, alice, "Call ended")
	if _, _, closed := alice.peers.last().snapshot(); !closed {
		t.Error("alice peer not closed")
	}
	if !alice.media.allStopped() || !bob.media.allStopped() {
		t.Error("local tracks not stopped")
	}

	// Ending twice is harmless.
	if err := bob.engine.EndCall(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestBusyCalleeIgnoresSecondOffer(t *testing.T) {
	hub := relay.NewMemory()
	defer hub.Close()
	alice := newParty(t, hub, "alice")
	bob := newParty(t, hub, "bob")
	carol := newParty(t, hub, "carol")

	connect(t, alice, bob, false)

	if _, err := carol.engine.StartCall(context.Background(), bob.user, false); err != nil {
		t.Fatalf("carol StartCall: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if c := bob.engine.ActiveCall(); c == nil || c.Caller.ID != "alice" || c.Status != domain.CallConnected {
		t.Fatalf("bob call = %+v, want connected call with alice", c)
	}
	if carol.engine.Phase() != Dialing {
		t.Fatalf("carol phase = %s, want dialing", carol.engine.Phase())
	}

	_, err := bob.engine.StartCall(context.Background(), carol.user, false)
	if !errs.Is(err, errs.Conflict) {
		t.Fatalf("err = %v, want conflict", err)
	}
}

func TestRejectReturnsBothToIdle(t *testing.T) {
	hub := relay.NewMemory()
	defer hub.Close()
	alice := newParty(t, hub, "alice")
	bob := newParty(t, hub, "bob")

	if _, err := alice.engine.StartCall(context.Background(), bob.user, true); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "incoming call", phaseIs(bob, Incoming))
	if !bob.engine.ActiveCall().IsVideo {
		t.Fatal("video flag lost")
	}
	if err := bob.engine.RejectCall(context.Background()); err != nil {
		t.Fatal(err)
	}
	if bob.engine.Phase() != Idle {
		t.Fatalf("bob phase = %s", bob.engine.Phase())
	}
	waitFor(t, "alice idle", phaseIs(alice, Idle))
	if err := bob.engine.AcceptCall(context.Background()); !errs.Is(err, errs.InvalidState) {
		t.Fatalf("accept after reject: %v", err)
	}
}

func TestMediaFailureReturnsToIdle(t *testing.T) {
	hub := relay.NewMemory()
	defer hub.Close()
	alice := newParty(t, hub, "alice")
	bob := newParty(t, hub, "bob")
	alice.media.err = errors.New("no microphone")

	_, err := alice.engine.StartCall(context.Background(), bob.user, false)
	if !errs.Is(err, errs.PermissionDenied) {
		t.Fatalf("err = %v, want permission denied", err)
	}
	if alice.engine.Phase() != Idle {
		t.Fatalf("phase = %s", alice.engine.Phase())
	}
	expectNotice(t, alice, "Could not access camera or microphone")
	if alice.peers.last() != nil {
		t.Error("peer created without media")
	}
	if bob.engine.Phase() != Idle {
		t.Error("offer published after media failure")
	}
}

func TestAcceptMediaFailureHangsUp(t *testing.T) {
	hub := relay.NewMemory()
	defer hub.Close()
	alice := newParty(t, hub, "alice")
	bob := newParty(t, hub, "bob")
	bob.media.err = errors.New("camera busy")

	if _, err := alice.engine.StartCall(context.Background(), bob.user, false); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "incoming call", phaseIs(bob, Incoming))
	if err := bob.engine.AcceptCall(context.Background()); !errs.Is(err, errs.PermissionDenied) {
		t.Fatalf("err = %v", err)
	}
	waitFor(t, "alice idle", phaseIs(alice, Idle))
}

func TestEndDuringMediaAcquisition(t *testing.T) {
	hub := relay.NewMemory()
	defer hub.Close()
	alice := newParty(t, hub, "alice")
	bob := newParty(t, hub, "bob")
	alice.media.entered = make(chan struct{})
	alice.media.release = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := alice.engine.StartCall(context.Background(), bob.user, true)
		done <- err
	}()
	<-alice.media.entered
	if alice.engine.Phase() != Dialing {
		t.Fatalf("phase = %s, want dialing", alice.engine.Phase())
	}
	if err := alice.engine.EndCall(context.Background()); err != nil {
		t.Fatal(err)
	}
	close(alice.media.release)

	if err := <-done; !errs.Is(err, errs.InvalidState) {
		t.Fatalf("err = %v, want invalid state", err)
	}
	if alice.engine.Phase() != Idle {
		t.Fatalf("phase = %s", alice.engine.Phase())
	}
	if !alice.media.allStopped() {
		t.Error("tracks acquired after hang-up were not stopped")
	}
	if alice.peers.last() != nil {
		t.Error("peer created for an ended call")
	}
}

func TestConnectionLossEndsCall(t *testing.T) {
	hub := relay.NewMemory()
	defer hub.Close()
	alice := newParty(t, hub, "alice")
	bob := newParty(t, hub, "bob")
	connect(t, alice, bob, false)

	alice.peers.last().setState(webrtc.PeerConnectionStateFailed)
	if alice.engine.Phase() != Idle {
		t.Fatalf("phase = %s", alice.engine.Phase())
	}
	expectNotice(t, alice, "Call connection lost")

	// A late state change for the old peer does not touch a new call.
	alice.peers.last().setState(webrtc.PeerConnectionStateDisconnected)
	if alice.engine.Phase() != Idle {
		t.Fatalf("phase = %s", alice.engine.Phase())
	}
}

func TestToggleMuteAndVideo(t *testing.T) {
	hub := relay.NewMemory()
	defer hub.Close()
	alice := newParty(t, hub, "alice")
	bob := newParty(t, hub, "bob")

	if _, err := alice.engine.ToggleMute(); !errs.Is(err, errs.InvalidState) {
		t.Fatalf("mute without call: %v", err)
	}
	connect(t, alice, bob, false)

	muted, err := alice.engine.ToggleMute()
	if err != nil || !muted {
		t.Fatalf("ToggleMute = %v, %v", muted, err)
	}
	snap := alice.engine.Snapshot()
	if !snap.Muted || snap.Local[0].Enabled {
		t.Fatalf("snapshot = %+v", snap)
	}
	if muted, _ = alice.engine.ToggleMute(); muted {
		t.Fatal("second toggle did not unmute")
	}
	if _, err := alice.engine.ToggleVideo(); !errs.Is(err, errs.InvalidState) {
		t.Fatalf("video toggle on audio call: %v", err)
	}
}

func TestBlockedCalls(t *testing.T) {
	hub := relay.NewMemory()
	defer hub.Close()
	alice := newParty(t, hub, "alice")
	bob := newParty(t, hub, "bob")

	alice.gate.blocked["bob"] = true
	if _, err := alice.engine.StartCall(context.Background(), bob.user, false); !errs.Is(err, errs.Blocked) {
		t.Fatalf("err = %v, want blocked", err)
	}

	alice.gate.blocked["bob"] = false
	bob.gate.blocked["alice"] = true
	if _, err := alice.engine.StartCall(context.Background(), bob.user, false); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	if bob.engine.Phase() != Idle {
		t.Fatal("blocked caller rang through")
	}
}

func TestStrayCandidateIsDropped(t *testing.T) {
	hub := relay.NewMemory()
	defer hub.Close()
	bob := newParty(t, hub, "bob")

	env, err := relay.NewEnvelope(relay.SignalingTopic("bob"), EventCandidate, candidatePayload{
		Candidate: webrtc.ICECandidateInit{Candidate: "candidate:x"},
		From:      "alice",
	})
	if err != nil {
		t.Fatal(err)
	}
	bob.engine.HandleSignal(context.Background(), env)
	if bob.engine.Phase() != Idle || bob.peers.last() != nil {
		t.Fatal("stray candidate changed state")
	}
}

// A candidate that beats the answer waits for the remote description
// instead of being dropped or applied too early.
func TestEarlyCandidateAppliedAfterAnswer(t *testing.T) {
	hub := relay.NewMemory()
	defer hub.Close()
	alice := newParty(t, hub, "alice")
	bob := domain.User{ID: "bob", Username: "bob"}
	ctx := context.Background()

	if _, err := alice.engine.StartCall(ctx, bob, false); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "offer sent", func() bool {
		p := alice.peers.last()
		return p != nil && p.hasLocal()
	})
	peer := alice.peers.last()

	early := webrtc.ICECandidateInit{Candidate: "candidate:bob-early"}
	env, err := relay.NewEnvelope(relay.SignalingTopic("alice"), EventCandidate, candidatePayload{Candidate: early, From: "bob"})
	if err != nil {
		t.Fatal(err)
	}
	alice.engine.HandleSignal(ctx, env)

	if remote, candidates, _ := peer.snapshot(); remote != "" || len(candidates) != 0 {
		t.Fatalf("before answer: remote = %q, candidates = %v", remote, candidates)
	}
	if alice.engine.Phase() != Dialing {
		t.Fatalf("phase = %s, want dialing", alice.engine.Phase())
	}

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-bob"}
	env, err = relay.NewEnvelope(relay.SignalingTopic("alice"), EventAnswer, answerPayload{Answer: answer, From: "bob"})
	if err != nil {
		t.Fatal(err)
	}
	alice.engine.HandleSignal(ctx, env)

	remote, candidates, _ := peer.snapshot()
	if remote != "answer-bob" {
		t.Errorf("remote = %q, want answer-bob", remote)
	}
	if len(candidates) != 1 || candidates[0].Candidate != early.Candidate {
		t.Errorf("candidates = %v, want [%s]", candidates, early.Candidate)
	}
	if alice.engine.Phase() != Connected {
		t.Errorf("phase = %s, want connected", alice.engine.Phase())
	}
}

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		from, to Phase
		ok       bool
	}{
		{Idle, Dialing, true},
		{Idle, Incoming, true},
		{Idle, Connected, false},
		{Dialing, Incoming, false},
		{Incoming, Dialing, false},
		{Connected, Dialing, false},
		{Connected, Idle, true},
	}
	for _, tt := range tests {
		err := checkTransition(tt.from, tt.to)
		if (err == nil) != tt.ok {
			t.Errorf("%s -> %s: err = %v", tt.from, tt.to, err)
		}
	}
}
