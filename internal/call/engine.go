// Package call runs the one-to-one call state machine of a session: media
// acquisition, the offer/answer exchange over the relay's signaling topics,
// ICE candidate trickling and hang-up.
package call

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/matheus3301/rtchat/internal/bus"
	"github.com/matheus3301/rtchat/internal/domain"
	"github.com/matheus3301/rtchat/internal/errs"
	"github.com/matheus3301/rtchat/internal/metrics"
	"github.com/matheus3301/rtchat/internal/relay"
	"github.com/matheus3301/rtchat/internal/state"
)

const signalTimeout = 5 * time.Second

var errSuperseded = errors.New("call ended while setting up")

// Publisher broadcasts on relay topics.
type Publisher interface {
	Publish(ctx context.Context, topic, event string, payload any) error
}

// Gate decides whether two users may call each other.
type Gate interface {
	CanCall(ctx context.Context, selfID, otherID string) error
}

// TrackInfo describes one track of a stream.
type TrackInfo struct {
	ID      string            `json:"id"`
	Kind    string            `json:"kind"`
	Enabled bool              `json:"enabled"`
	Audio   *AudioConstraints `json:"audio,omitempty"`
}

// Snapshot is the call state handed to the UI.
type Snapshot struct {
	Call     *domain.Call `json:"call,omitempty"`
	Local    []TrackInfo  `json:"local,omitempty"`
	Remote   []TrackInfo  `json:"remote,omitempty"`
	Muted    bool         `json:"muted"`
	VideoOff bool         `json:"videoOff"`
}

// session holds the media of the active call.
type session struct {
	peer       Peer
	local      []*LocalTrack
	remote     []RemoteTrack
	remoteSet  bool
	pendingICE []webrtc.ICECandidateInit
	// Local candidates wait in outgoing until the offer or answer is out.
	signaled  bool
	outgoing  []webrtc.ICECandidateInit
	accepting bool
	muted     bool
	videoOff  bool
}

// Engine is the call engine of one session. At most one call is active.
type Engine struct {
	state   *state.State
	relay   Publisher
	gate    Gate
	peers   PeerFactory
	media   MediaSource
	bus     *bus.Bus
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu    sync.Mutex
	phase Phase
	call  *domain.Call
	sess  *session
	// attempt identifies the current call. Teardown bumps it so work still
	// in flight for an ended call can tell it lost.
	attempt uint64
}

// New creates an idle Engine. gate may be nil.
func New(st *state.State, p Publisher, g Gate, peers PeerFactory, media MediaSource, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		state:   st,
		relay:   p,
		gate:    g,
		peers:   peers,
		media:   media,
		bus:     b,
		metrics: m,
		logger:  logger,
		phase:   Idle,
	}
}

// Phase returns the current phase.
func (e *Engine) Phase() Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase
}

// ActiveCall returns a copy of the active call, or nil.
func (e *Engine) ActiveCall() *domain.Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.call == nil {
		return nil
	}
	c := *e.call
	return &c
}

func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Engine) snapshotLocked() Snapshot {
	var s Snapshot
	if e.call != nil {
		c := *e.call
		s.Call = &c
	}
	if e.sess != nil {
		for _, t := range e.sess.local {
			info := TrackInfo{ID: t.ID(), Kind: t.Kind().String(), Enabled: t.Enabled()}
			if a, ok := t.Audio(); ok {
				info.Audio = &a
			}
			s.Local = append(s.Local, info)
		}
		for _, t := range e.sess.remote {
			s.Remote = append(s.Remote, TrackInfo{ID: t.ID, Kind: t.Kind.String(), Enabled: true})
		}
		s.Muted = e.sess.muted
		s.VideoOff = e.sess.videoOff
	}
	return s
}

func (e *Engine) emit() {
	e.bus.Emit(bus.KindCallChanged, e.Snapshot())
}

// StartCall places a call to receiver. It returns once the offer has been
// published; the answer arrives through HandleSignal.
func (e *Engine) StartCall(ctx context.Context, receiver domain.User, isVideo bool) (domain.Call, error) {
	const op = "call.StartCall"
	self := e.state.Self()
	if self.ID == "" || receiver.ID == "" || receiver.ID == self.ID {
		return domain.Call{}, errs.E(errs.ValidationNoop, op, nil)
	}
	if e.gate != nil {
		if err := e.gate.CanCall(ctx, self.ID, receiver.ID); err != nil {
			return domain.Call{}, err
		}
	}

	e.mu.Lock()
	if err := checkTransition(e.phase, Dialing); err != nil {
		e.mu.Unlock()
		e.metrics.Call("busy")
		return domain.Call{}, errs.E(errs.Conflict, op, err)
	}
	e.phase = Dialing
	e.attempt++
	a := e.attempt
	e.call = &domain.Call{
		ID:         uuid.NewString(),
		Caller:     self,
		ReceiverID: receiver.ID,
		Status:     domain.CallDialing,
		IsVideo:    isVideo,
	}
	e.sess = &session{}
	call := *e.call
	e.mu.Unlock()
	e.emit()

	tracks, err := e.media.Acquire(ctx, Constraints{Audio: DefaultAudio, Video: isVideo})
	if err != nil {
		e.logger.Warn("acquire media failed", zap.String("call_id", call.ID), zap.Error(err))
		e.metrics.Call("media_failed")
		e.teardown(a, bus.LevelError, "Could not access camera or microphone")
		return domain.Call{}, errs.E(errs.PermissionDenied, op, err)
	}
	if !e.attach(a, tracks) {
		return domain.Call{}, errs.E(errs.InvalidState, op, errSuperseded)
	}

	peer, err := e.newPeer(a, receiver.ID)
	if err != nil {
		return domain.Call{}, e.fail(a, op, err)
	}
	offer, err := createOffer(peer, tracks)
	if err != nil {
		return domain.Call{}, e.fail(a, op, err)
	}

	err = e.relay.Publish(ctx, relay.SignalingTopic(receiver.ID), EventOffer, offerPayload{
		Offer:   offer,
		Caller:  self,
		CallID:  call.ID,
		IsVideo: isVideo,
	})
	if err != nil {
		return domain.Call{}, e.fail(a, op, err)
	}
	e.flushCandidates(a, receiver.ID)
	e.metrics.Call("started")
	e.logger.Info("call offer sent", zap.String("call_id", call.ID), zap.String("to", receiver.ID), zap.Bool("video", isVideo))
	e.emit()
	return call, nil
}

func createOffer(peer Peer, tracks []*LocalTrack) (webrtc.SessionDescription, error) {
	for _, t := range tracks {
		if err := peer.AddTrack(t); err != nil {
			return webrtc.SessionDescription{}, err
		}
	}
	offer, err := peer.CreateOffer()
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := peer.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

// AcceptCall answers the incoming call.
func (e *Engine) AcceptCall(ctx context.Context) error {
	const op = "call.AcceptCall"
	e.mu.Lock()
	if e.phase != Incoming || e.sess == nil || e.sess.peer == nil || e.sess.accepting {
		e.mu.Unlock()
		return errs.E(errs.InvalidState, op, nil)
	}
	e.sess.accepting = true
	a := e.attempt
	call := *e.call
	peer := e.sess.peer
	e.mu.Unlock()

	tracks, err := e.media.Acquire(ctx, Constraints{Audio: DefaultAudio, Video: call.IsVideo})
	if err != nil {
		e.logger.Warn("acquire media failed", zap.String("call_id", call.ID), zap.Error(err))
		e.metrics.Call("media_failed")
		e.hangup(a, call.Caller.ID, bus.LevelError, "Could not access camera or microphone")
		return errs.E(errs.PermissionDenied, op, err)
	}
	if !e.attach(a, tracks) {
		return errs.E(errs.InvalidState, op, errSuperseded)
	}

	for _, t := range tracks {
		if err := peer.AddTrack(t); err != nil {
			return e.fail(a, op, err)
		}
	}
	answer, err := peer.CreateAnswer()
	if err != nil {
		return e.fail(a, op, err)
	}
	if err := peer.SetLocalDescription(answer); err != nil {
		return e.fail(a, op, err)
	}

	e.mu.Lock()
	if e.attempt != a {
		e.mu.Unlock()
		return errs.E(errs.InvalidState, op, errSuperseded)
	}
	e.phase = Connected
	now := time.Now().UTC()
	e.call.Status = domain.CallConnected
	e.call.StartedAt = &now
	e.mu.Unlock()

	self := e.state.Self()
	err = e.relay.Publish(ctx, relay.SignalingTopic(call.Caller.ID), EventAnswer, answerPayload{Answer: answer, From: self.ID})
	if err != nil {
		return e.fail(a, op, err)
	}
	e.flushCandidates(a, call.Caller.ID)
	e.metrics.Call("accepted")
	e.logger.Info("call accepted", zap.String("call_id", call.ID))
	e.emit()
	return nil
}

// RejectCall declines the incoming call.
func (e *Engine) RejectCall(ctx context.Context) error {
	e.mu.Lock()
	if e.phase != Incoming {
		e.mu.Unlock()
		return errs.E(errs.InvalidState, "call.RejectCall", nil)
	}
	a := e.attempt
	caller := e.call.Caller.ID
	e.mu.Unlock()

	e.publishEnd(ctx, caller)
	e.teardown(a, "", "")
	e.metrics.Call("rejected")
	return nil
}

// EndCall hangs up. Ending is always local: the counterpart is told on a
// best-effort basis. It is a no-op without an active call.
func (e *Engine) EndCall(ctx context.Context) error {
	self := e.state.Self()
	e.mu.Lock()
	if e.call == nil {
		e.mu.Unlock()
		return nil
	}
	a := e.attempt
	to := e.call.Counterpart(self.ID)
	e.mu.Unlock()

	e.publishEnd(ctx, to)
	if e.teardown(a, "", "") {
		e.metrics.Call("ended")
	}
	return nil
}

// Close hangs up any active call.
func (e *Engine) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), signalTimeout)
	defer cancel()
	_ = e.EndCall(ctx)
}

// ToggleMute flips the microphone and reports whether it is now muted.
func (e *Engine) ToggleMute() (bool, error) {
	return e.toggle("call.ToggleMute", webrtc.RTPCodecTypeAudio)
}

// ToggleVideo flips the camera and reports whether it is now off.
func (e *Engine) ToggleVideo() (bool, error) {
	return e.toggle("call.ToggleVideo", webrtc.RTPCodecTypeVideo)
}

func (e *Engine) toggle(op string, kind webrtc.RTPCodecType) (bool, error) {
	e.mu.Lock()
	if e.sess == nil {
		e.mu.Unlock()
		return false, errs.E(errs.InvalidState, op, nil)
	}
	var tracks []*LocalTrack
	for _, t := range e.sess.local {
		if t.Kind() == kind {
			tracks = append(tracks, t)
		}
	}
	if len(tracks) == 0 {
		e.mu.Unlock()
		return false, errs.E(errs.InvalidState, op, nil)
	}
	flag := &e.sess.muted
	if kind == webrtc.RTPCodecTypeVideo {
		flag = &e.sess.videoOff
	}
	off := !*flag
	*flag = off
	e.mu.Unlock()

	var firstErr error
	for _, t := range tracks {
		if err := t.SetEnabled(!off); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	e.emit()
	if firstErr != nil {
		return off, errs.E(errs.TransientNetwork, op, firstErr)
	}
	return off, nil
}

// HandleSignal processes one envelope from the session's signaling topic.
func (e *Engine) HandleSignal(ctx context.Context, env relay.Envelope) {
	switch env.Event {
	case EventOffer:
		e.handleOffer(ctx, env)
	case EventAnswer:
		e.handleAnswer(ctx, env)
	case EventCandidate:
		e.handleCandidate(env)
	case EventEnd:
		e.handleEnd(env)
	default:
		e.logger.Debug("unknown signaling event", zap.String("event", env.Event))
	}
}

func (e *Engine) handleOffer(ctx context.Context, env relay.Envelope) {
	var msg offerPayload
	if err := env.Decode(&msg); err != nil {
		e.logger.Warn("bad call offer", zap.Error(err))
		return
	}
	self := e.state.Self()
	if self.ID == "" || msg.Caller.ID == "" || msg.Caller.ID == self.ID {
		return
	}
	if e.gate != nil {
		if err := e.gate.CanCall(ctx, self.ID, msg.Caller.ID); err != nil {
			e.logger.Info("ignoring call from blocked user", zap.String("from", msg.Caller.ID))
			return
		}
	}

	e.mu.Lock()
	if err := checkTransition(e.phase, Incoming); err != nil {
		e.mu.Unlock()
		e.logger.Info("busy, ignoring call offer", zap.String("from", msg.Caller.ID), zap.String("call_id", msg.CallID))
		e.metrics.Call("busy")
		return
	}
	e.phase = Incoming
	e.attempt++
	a := e.attempt
	e.call = &domain.Call{
		ID:         msg.CallID,
		Caller:     msg.Caller,
		ReceiverID: self.ID,
		Status:     domain.CallIncoming,
		IsVideo:    msg.IsVideo,
	}
	e.sess = &session{}
	e.mu.Unlock()

	peer, err := e.newPeer(a, msg.Caller.ID)
	if err != nil {
		e.logger.Warn("create peer failed", zap.Error(err))
		e.hangup(a, msg.Caller.ID, bus.LevelError, "Incoming call failed")
		return
	}
	if err := e.setRemote(a, peer, msg.Offer); err != nil {
		e.logger.Warn("apply call offer failed", zap.Error(err))
		e.hangup(a, msg.Caller.ID, bus.LevelError, "Incoming call failed")
		return
	}
	e.metrics.Call("incoming")
	e.logger.Info("incoming call", zap.String("call_id", msg.CallID), zap.String("from", msg.Caller.ID))
	e.emit()
	e.bus.Notify(bus.LevelInfo, "Incoming call from "+msg.Caller.Username)
}

func (e *Engine) handleAnswer(ctx context.Context, env relay.Envelope) {
	var msg answerPayload
	if err := env.Decode(&msg); err != nil {
		e.logger.Warn("bad call answer", zap.Error(err))
		return
	}
	e.mu.Lock()
	if e.phase != Dialing || e.sess == nil || e.sess.peer == nil || e.call.ReceiverID != msg.From {
		e.mu.Unlock()
		e.logger.Debug("stray call answer", zap.String("from", msg.From))
		return
	}
	a := e.attempt
	peer := e.sess.peer
	e.mu.Unlock()

	if err := e.setRemote(a, peer, msg.Answer); err != nil {
		e.logger.Warn("apply call answer failed", zap.Error(err))
		e.hangup(a, msg.From, bus.LevelError, "Call failed")
		return
	}

	e.mu.Lock()
	if e.attempt != a || checkTransition(e.phase, Connected) != nil {
		e.mu.Unlock()
		return
	}
	e.phase = Connected
	now := time.Now().UTC()
	e.call.Status = domain.CallConnected
	e.call.StartedAt = &now
	e.mu.Unlock()

	e.metrics.Call("connected")
	e.emit()
}

// handleCandidate adds a trickled candidate. Candidates that beat the
// remote description are queued until it is set; candidates without a
// peer are dropped.
func (e *Engine) handleCandidate(env relay.Envelope) {
	var msg candidatePayload
	if err := env.Decode(&msg); err != nil {
		e.logger.Warn("bad ice candidate", zap.Error(err))
		return
	}
	self := e.state.Self()
	e.mu.Lock()
	if e.sess == nil || e.sess.peer == nil || e.call.Counterpart(self.ID) != msg.From {
		e.mu.Unlock()
		e.logger.Debug("dropping ice candidate without a peer", zap.String("from", msg.From))
		return
	}
	if !e.sess.remoteSet {
		e.sess.pendingICE = append(e.sess.pendingICE, msg.Candidate)
		e.mu.Unlock()
		return
	}
	peer := e.sess.peer
	e.mu.Unlock()

	if err := peer.AddICECandidate(msg.Candidate); err != nil {
		e.logger.Debug("add ice candidate failed", zap.Error(err))
	}
}

func (e *Engine) handleEnd(env relay.Envelope) {
	var msg endPayload
	if err := env.Decode(&msg); err != nil {
		e.logger.Warn("bad end-call", zap.Error(err))
		return
	}
	self := e.state.Self()
	e.mu.Lock()
	if e.call == nil || e.call.Counterpart(self.ID) != msg.From {
		e.mu.Unlock()
		return
	}
	a := e.attempt
	e.mu.Unlock()

	if e.teardown(a, bus.LevelInfo, "Call ended") {
		e.metrics.Call("remote_ended")
	}
}

// newPeer creates the peer of attempt a and wires its callbacks.
func (e *Engine) newPeer(a uint64, counterpart string) (Peer, error) {
	peer, err := e.peers.NewPeer()
	if err != nil {
		return nil, err
	}
	peer.OnICECandidate(func(c webrtc.ICECandidateInit) {
		e.sendCandidate(a, counterpart, c)
	})
	peer.OnTrack(func(rt RemoteTrack) {
		e.addRemote(a, rt)
	})
	peer.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		e.connectionChanged(a, s)
	})

	e.mu.Lock()
	if e.attempt != a || e.sess == nil {
		e.mu.Unlock()
		_ = peer.Close()
		return nil, errSuperseded
	}
	e.sess.peer = peer
	e.mu.Unlock()
	return peer, nil
}

// attach stores acquired tracks on attempt a, or stops them if the call
// ended while they were being acquired.
func (e *Engine) attach(a uint64, tracks []*LocalTrack) bool {
	e.mu.Lock()
	if e.attempt != a || e.sess == nil {
		e.mu.Unlock()
		stopAll(tracks)
		e.logger.Debug("call ended during media acquisition")
		return false
	}
	e.sess.local = tracks
	e.mu.Unlock()
	return true
}

func (e *Engine) setRemote(a uint64, peer Peer, sd webrtc.SessionDescription) error {
	if err := peer.SetRemoteDescription(sd); err != nil {
		return err
	}
	e.mu.Lock()
	if e.attempt != a || e.sess == nil {
		e.mu.Unlock()
		return errSuperseded
	}
	e.sess.remoteSet = true
	pending := e.sess.pendingICE
	e.sess.pendingICE = nil
	e.mu.Unlock()

	for _, c := range pending {
		if err := peer.AddICECandidate(c); err != nil {
			e.logger.Debug("add queued ice candidate failed", zap.Error(err))
		}
	}
	return nil
}

func (e *Engine) sendCandidate(a uint64, to string, c webrtc.ICECandidateInit) {
	e.mu.Lock()
	if e.attempt != a || e.sess == nil {
		e.mu.Unlock()
		return
	}
	if !e.sess.signaled {
		e.sess.outgoing = append(e.sess.outgoing, c)
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()
	e.publishCandidate(to, c)
}

// flushCandidates publishes the candidates gathered before the offer or
// answer was sent.
func (e *Engine) flushCandidates(a uint64, to string) {
	e.mu.Lock()
	if e.attempt != a || e.sess == nil {
		e.mu.Unlock()
		return
	}
	e.sess.signaled = true
	queued := e.sess.outgoing
	e.sess.outgoing = nil
	e.mu.Unlock()
	for _, c := range queued {
		e.publishCandidate(to, c)
	}
}

func (e *Engine) publishCandidate(to string, c webrtc.ICECandidateInit) {
	ctx, cancel := context.WithTimeout(context.Background(), signalTimeout)
	defer cancel()
	self := e.state.Self()
	if err := e.relay.Publish(ctx, relay.SignalingTopic(to), EventCandidate, candidatePayload{Candidate: c, From: self.ID}); err != nil {
		e.logger.Warn("publish ice candidate failed", zap.Error(err))
	}
}

func (e *Engine) addRemote(a uint64, rt RemoteTrack) {
	e.mu.Lock()
	if e.attempt != a || e.sess == nil {
		e.mu.Unlock()
		return
	}
	e.sess.remote = append(e.sess.remote, rt)
	e.mu.Unlock()
	e.logger.Info("remote track", zap.String("kind", rt.Kind.String()), zap.String("id", rt.ID))
	e.emit()
}

func (e *Engine) connectionChanged(a uint64, s webrtc.PeerConnectionState) {
	e.logger.Debug("peer connection state", zap.String("state", s.String()))
	switch s {
	case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed:
		if e.teardown(a, bus.LevelError, "Call connection lost") {
			e.metrics.Call("lost")
		}
	}
}

func (e *Engine) publishEnd(ctx context.Context, to string) {
	if to == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, signalTimeout)
	defer cancel()
	self := e.state.Self()
	if err := e.relay.Publish(ctx, relay.SignalingTopic(to), EventEnd, endPayload{From: self.ID}); err != nil {
		e.logger.Warn("publish end-call failed", zap.String("to", to), zap.Error(err))
	}
}

// hangup tells the counterpart and ends attempt a.
func (e *Engine) hangup(a uint64, to string, level bus.Level, text string) {
	e.mu.Lock()
	current := e.attempt == a
	e.mu.Unlock()
	if !current {
		return
	}
	e.publishEnd(context.Background(), to)
	e.teardown(a, level, text)
}

// fail ends attempt a after a setup error and classifies err.
func (e *Engine) fail(a uint64, op string, err error) error {
	if errors.Is(err, errSuperseded) {
		return errs.E(errs.InvalidState, op, err)
	}
	e.logger.Warn("call setup failed", zap.String("op", op), zap.Error(err))
	e.mu.Lock()
	var to string
	if e.attempt == a && e.call != nil {
		to = e.call.Counterpart(e.state.Self().ID)
	}
	e.mu.Unlock()
	e.hangup(a, to, bus.LevelError, "Call failed")
	return errs.E(errs.TransientNetwork, op, err)
}

// teardown returns the engine to Idle if a is still the active attempt,
// stopping local tracks and closing the peer. It reports whether it ended
// the call.
func (e *Engine) teardown(a uint64, level bus.Level, text string) bool {
	e.mu.Lock()
	if e.attempt != a || e.call == nil {
		e.mu.Unlock()
		return false
	}
	sess := e.sess
	ended := *e.call
	ended.Status = domain.CallEnded
	e.call = nil
	e.sess = nil
	e.phase = Idle
	e.attempt++
	e.mu.Unlock()

	if sess != nil {
		stopAll(sess.local)
		if sess.peer != nil {
			if err := sess.peer.Close(); err != nil {
				e.logger.Debug("close peer", zap.Error(err))
			}
		}
	}
	e.logger.Info("call ended", zap.String("call_id", ended.ID))
	e.bus.Emit(bus.KindCallChanged, Snapshot{Call: &ended})
	if text != "" {
		e.bus.Notify(level, text)
	}
	return true
}
