// Package call owns the lifecycle of at most one call session: local media,
// the peer link, ring timing and the mute and camera controls.
package call

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"chatlink/pkg/log"
	"chatlink/pkg/media"
	"chatlink/pkg/metrics"
	"chatlink/pkg/peer"
	"chatlink/pkg/signal"
	chatsync "chatlink/pkg/sync"
	"chatlink/pkg/types"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const defaultNegotiationTimeout = 30 * time.Second

type Sender interface {
	Send(name signal.EventName, payload any) error
}

type Blocklist interface {
	Blocked(userID string) bool
}

// Link is the media link of one session. *peer.Link implements it.
type Link interface {
	Offer(ctx context.Context) (json.RawMessage, error)
	Answer(ctx context.Context, remote json.RawMessage) (json.RawMessage, error)
	Accept(remote json.RawMessage) error
	AddCandidate(raw json.RawMessage) error
	ReplaceVideoTrack(track *media.Track) error
	Events() <-chan peer.Event
	Done() <-chan struct{}
	Dispose()
}

type LinkFactory func(role peer.Role, stream *media.Stream) (Link, error)

func NewPeerLinkFactory(cfg peer.LinkConfig) LinkFactory {
	return func(role peer.Role, stream *media.Stream) (Link, error) {
		return peer.NewLink(cfg, role, stream)
	}
}

type ControllerConfig struct {
	// RingTimeout ends a session still ringing after this long. Zero rings
	// until someone hangs up.
	RingTimeout time.Duration
	// NegotiationTimeout bounds local ICE gathering.
	NegotiationTimeout time.Duration
}

type session struct {
	id        string
	kind      types.CallKind
	direction Direction
	state     State
	peerID    string
	peerInfo  types.User

	// offer is the remote description of an incoming call.
	offer json.RawMessage

	local  *media.Stream
	link   Link
	remote []*peer.Remote

	mutedAudio bool
	mutedVideo bool
	facing     media.Facing

	// inflight is set while a setup step runs outside the controller lock.
	inflight bool
	cancel   context.CancelFunc

	createdAt   time.Time
	activeSince time.Time
}

func (s *session) logger() *logrus.Entry {
	return log.WithFields(logrus.Fields{
		"component": "call",
		"session":   s.id,
		"peer":      s.peerID,
	})
}

// Controller serializes every transition of the current session behind one
// lock. Slow setup steps run unlocked with the session marked in flight, and
// re-check on return that the session was not ended meanwhile.
type Controller struct {
	cfg       ControllerConfig
	sender    Sender
	devices   media.Devices
	newLink   LinkFactory
	blocklist Blocklist

	mu      sync.Mutex
	session *session
	ring    chatsync.DelayTimer

	observersMx sync.Mutex
	observers   []func(Snapshot)
}

func NewController(cfg ControllerConfig, sender Sender, devices media.Devices, newLink LinkFactory, blocklist Blocklist) *Controller {
	if cfg.NegotiationTimeout <= 0 {
		cfg.NegotiationTimeout = defaultNegotiationTimeout
	}

	return &Controller{
		cfg:       cfg,
		sender:    sender,
		devices:   devices,
		newLink:   newLink,
		blocklist: blocklist,
	}
}

// OnChange registers an observer called with a snapshot after every
// transition or control change. Observers run outside the controller lock.
func (c *Controller) OnChange(fn func(Snapshot)) {
	c.observersMx.Lock()
	c.observers = append(c.observers, fn)
	c.observersMx.Unlock()
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.snapshotLocked()
}

// StartCall acquires local media, gathers an offer and rings peerID.
// On any failure before call_user is sent the controller stays Idle and
// everything acquired so far is released.
func (c *Controller) StartCall(ctx context.Context, peerID string, kind types.CallKind) error {
	if !kind.Valid() {
		return errors.Wrapf(ErrInvalidKind, "%q", kind)
	}

	if peerID == "" {
		return errors.New("empty peer")
	}

	if c.blocklist != nil && c.blocklist.Blocked(peerID) {
		return errors.Wrap(ErrBlocked, peerID)
	}

	setupCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()

	if c.active() {
		c.mu.Unlock()
		cancel()

		return ErrSessionAlreadyActive
	}

	s := &session{
		id:        uuid.NewString(),
		kind:      kind,
		direction: DirectionOutgoing,
		state:     StateIdle,
		peerID:    peerID,
		facing:    media.FacingFront,
		inflight:  true,
		cancel:    cancel,
		createdAt: time.Now(),
	}
	c.session = s
	c.mu.Unlock()

	defer cancel()

	s.logger().Infof("starting %s call", kind)

	stream, err := c.devices.Acquire(setupCtx, media.Constraints{
		Audio:  true,
		Video:  kind == types.CallVideo,
		Facing: media.FacingFront,
	})
	if err != nil {
		return c.abortSetup(s, setupError(err))
	}

	if !c.attachLocal(s, stream) {
		return ErrCancelled
	}

	link, err := c.newLink(peer.RoleInitiator, stream)
	if err != nil {
		return c.abortSetup(s, errors.Wrapf(ErrNegotiationFailed, "%s", err))
	}

	if !c.attachLink(s, link) {
		return ErrCancelled
	}

	gatherCtx, gatherCancel := context.WithTimeout(setupCtx, c.cfg.NegotiationTimeout)
	offer, err := link.Offer(gatherCtx)
	gatherCancel()

	if err != nil {
		if setupCtx.Err() != nil && ctx.Err() == nil {
			return ErrCancelled
		}

		return c.abortSetup(s, errors.Wrapf(ErrNegotiationFailed, "%s", err))
	}

	c.mu.Lock()

	if c.session != s || !s.inflight {
		c.mu.Unlock()

		return ErrCancelled
	}

	err = c.sender.Send(signal.EventCallUser, signal.CallUser{
		CalleeID: peerID,
		Signal:   offer,
		CallType: kind,
	})
	if err != nil {
		c.mu.Unlock()

		return c.abortSetup(s, err)
	}

	s.inflight = false
	s.cancel = nil
	c.transitionLocked(s, StateOutgoing)
	c.armRingLocked(s)

	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.notify(snap)

	return nil
}

// HandleIncoming opens an Incoming session for an offer from the channel.
// While another session is live the caller is rejected as busy and the live
// session is left untouched.
func (c *Controller) HandleIncoming(ev signal.IncomingCall) error {
	callerID := ev.CallerID
	if callerID == "" {
		callerID = ev.Caller.ID
	}

	logger := log.Component("call").WithField("peer", callerID)

	if c.blocklist != nil && c.blocklist.Blocked(callerID) {
		logger.Info("rejecting call from blocked user")

		return c.sender.Send(signal.EventRejectCall, signal.RejectCall{CallerID: callerID})
	}

	c.mu.Lock()

	if c.active() {
		c.mu.Unlock()

		logger.Info("rejecting call, busy")
		metrics.CallSessionsTotal.WithLabelValues(string(DirectionIncoming), "busy").Inc()

		if err := c.sender.Send(signal.EventRejectCall, signal.RejectCall{CallerID: callerID}); err != nil {
			return err
		}

		return ErrBusy
	}

	kind := ev.CallType
	if !kind.Valid() {
		kind = types.CallAudio
	}

	s := &session{
		id:        uuid.NewString(),
		kind:      kind,
		direction: DirectionIncoming,
		state:     StateIdle,
		peerID:    callerID,
		peerInfo:  ev.Caller,
		offer:     ev.Signal,
		facing:    media.FacingFront,
		createdAt: time.Now(),
	}
	c.session = s
	c.transitionLocked(s, StateIncoming)
	c.armRingLocked(s)

	snap := c.snapshotLocked()
	c.mu.Unlock()

	s.logger().Infof("incoming %s call", kind)
	c.notify(snap)

	return nil
}

// AcceptCall answers the Incoming session. Any failure declines the call so
// the caller is not left ringing.
func (c *Controller) AcceptCall(ctx context.Context) error {
	setupCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()

	s := c.session
	if s == nil || s.state != StateIncoming || s.inflight {
		c.mu.Unlock()

		return ErrNoSession
	}

	s.inflight = true
	s.cancel = cancel
	c.ring.Stop()
	c.mu.Unlock()

	stream, err := c.devices.Acquire(setupCtx, media.Constraints{
		Audio:  true,
		Video:  s.kind == types.CallVideo,
		Facing: media.FacingFront,
	})
	if err != nil {
		return c.declineAfter(s, setupError(err))
	}

	if !c.attachLocal(s, stream) {
		return ErrCancelled
	}

	link, err := c.newLink(peer.RoleResponder, stream)
	if err != nil {
		return c.declineAfter(s, errors.Wrapf(ErrNegotiationFailed, "%s", err))
	}

	if !c.attachLink(s, link) {
		return ErrCancelled
	}

	gatherCtx, gatherCancel := context.WithTimeout(setupCtx, c.cfg.NegotiationTimeout)
	answer, err := link.Answer(gatherCtx, s.offer)
	gatherCancel()

	if err != nil {
		if setupCtx.Err() != nil && ctx.Err() == nil {
			return ErrCancelled
		}

		return c.declineAfter(s, errors.Wrapf(ErrNegotiationFailed, "%s", err))
	}

	c.mu.Lock()

	if c.session != s || !s.inflight {
		c.mu.Unlock()

		return ErrCancelled
	}

	err = c.sender.Send(signal.EventAcceptCall, signal.AcceptCall{
		CallerID: s.peerID,
		Signal:   answer,
	})
	if err != nil {
		c.finishLocked(s, StateEnded)

		snap := c.snapshotLocked()
		c.mu.Unlock()
		c.notify(snap)

		return err
	}

	s.inflight = false
	s.cancel = nil
	c.transitionLocked(s, StateConnecting)

	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.notify(snap)

	return nil
}

// DeclineCall rejects the Incoming session.
func (c *Controller) DeclineCall() error {
	c.mu.Lock()

	s := c.session
	if s == nil || s.state != StateIncoming {
		c.mu.Unlock()

		return ErrNoSession
	}

	err := c.endLocked(s)

	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.notify(snap)

	return err
}

// HandleAccepted applies the callee's answer to the Outgoing session.
func (c *Controller) HandleAccepted(ev signal.CallAccepted) {
	c.mu.Lock()

	s := c.session
	if s == nil || s.state != StateOutgoing {
		c.mu.Unlock()
		log.Component("call").Debug("ignoring call_accepted without an outgoing session")

		return
	}

	c.ring.Stop()

	if err := s.link.Accept(ev.Signal); err != nil {
		s.logger().Errorf("apply answer: %v", err)

		c.transitionLocked(s, StateConnecting)
		c.failLocked(s)
	} else {
		c.transitionLocked(s, StateConnecting)
	}

	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.notify(snap)
}

// HandleRejected ends the Outgoing session after the callee declined.
func (c *Controller) HandleRejected() {
	c.mu.Lock()

	s := c.session
	if s == nil || s.state != StateOutgoing {
		c.mu.Unlock()

		return
	}

	s.logger().Info("call rejected by peer")
	c.finishLocked(s, StateEnded)

	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.notify(snap)
}

// HandleEnded ends the session after the peer hung up.
func (c *Controller) HandleEnded() {
	c.mu.Lock()

	s := c.session
	if s == nil || s.state.Terminal() || s.state == StateIdle {
		c.mu.Unlock()

		return
	}

	s.logger().Info("call ended by peer")
	c.finishLocked(s, StateEnded)

	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.notify(snap)
}

// HandleCandidate applies a trickled candidate to the current link, if any.
func (c *Controller) HandleCandidate(ev signal.ICECandidate) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.session
	if s == nil || s.link == nil || s.state.Terminal() {
		return
	}

	if err := s.link.AddCandidate(ev.Candidate); err != nil {
		s.logger().Warnf("add candidate: %v", err)
	}
}

// EndCall ends the current session from any non-terminal state. The peer is
// told at most once; a second call is a no-op. Media is always released.
func (c *Controller) EndCall() error {
	c.mu.Lock()

	s := c.session
	if s == nil || s.state.Terminal() {
		c.mu.Unlock()

		return nil
	}

	err := c.endLocked(s)

	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.notify(snap)

	return err
}

// Close is the teardown path: it ends any session and stops the ring timer.
func (c *Controller) Close() error {
	err := c.EndCall()
	c.ring.Stop()

	return err
}

func (c *Controller) ToggleMute() (bool, error) {
	c.mu.Lock()

	s := c.session
	if s == nil || s.state.Terminal() || s.local == nil {
		c.mu.Unlock()

		return false, ErrNoSession
	}

	audio := s.local.Audio()
	if audio == nil {
		c.mu.Unlock()

		return false, ErrUnsupported
	}

	s.mutedAudio = !s.mutedAudio
	audio.SetEnabled(!s.mutedAudio)
	muted := s.mutedAudio

	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.notify(snap)

	return muted, nil
}

func (c *Controller) ToggleVideo() (bool, error) {
	c.mu.Lock()

	s := c.session
	if s == nil || s.state.Terminal() || s.local == nil {
		c.mu.Unlock()

		return false, ErrNoSession
	}

	video := s.local.Video()
	if video == nil {
		c.mu.Unlock()

		return false, ErrUnsupported
	}

	s.mutedVideo = !s.mutedVideo
	video.SetEnabled(!s.mutedVideo)
	off := s.mutedVideo

	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.notify(snap)

	return off, nil
}

// SwitchCamera stops the current video capture, opens the camera facing the
// other way and replaces the outgoing track on the established link.
func (c *Controller) SwitchCamera(ctx context.Context) error {
	c.mu.Lock()

	s := c.session
	if s == nil || s.state.Terminal() || s.local == nil || s.link == nil || s.inflight {
		c.mu.Unlock()

		return ErrNoSession
	}

	old := s.local.Video()
	if old == nil {
		c.mu.Unlock()

		return ErrUnsupported
	}

	facing := s.facing.Opposite()
	s.inflight = true
	old.Stop()
	c.mu.Unlock()

	stream, err := c.devices.Acquire(ctx, media.Constraints{Video: true, Facing: facing})

	c.mu.Lock()
	s.inflight = false

	if err != nil {
		c.mu.Unlock()

		return setupError(err)
	}

	track := stream.Video()
	if c.session != s || s.state.Terminal() || track == nil {
		c.mu.Unlock()
		stream.Stop()

		return ErrNoSession
	}

	if err := s.link.ReplaceVideoTrack(track); err != nil {
		c.mu.Unlock()
		stream.Stop()

		if errors.Is(err, peer.ErrNoVideoSender) {
			return ErrUnsupported
		}

		return err
	}

	s.local.ReplaceVideo(track)
	track.SetEnabled(!s.mutedVideo)
	s.facing = facing

	s.logger().Infof("switched camera to %s", facing)

	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.notify(snap)

	return nil
}

// active reports whether a non-terminal session exists.
func (c *Controller) active() bool {
	return c.session != nil && !c.session.state.Terminal()
}

func (c *Controller) attachLocal(s *session, stream *media.Stream) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session != s || !s.inflight {
		stream.Stop()

		return false
	}

	s.local = stream

	return true
}

func (c *Controller) attachLink(s *session, link Link) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session != s || !s.inflight {
		link.Dispose()

		return false
	}

	s.link = link

	go c.pump(s, link)

	return true
}

// abortSetup drops an outgoing session that never reached the peer, leaving
// the controller Idle.
func (c *Controller) abortSetup(s *session, err error) error {
	c.mu.Lock()

	if c.session != s {
		c.mu.Unlock()

		return ErrCancelled
	}

	c.releaseLocked(s)
	c.session = nil

	snap := c.snapshotLocked()
	c.mu.Unlock()

	s.logger().Warnf("call setup failed: %v", err)
	metrics.CallSetupFailuresTotal.WithLabelValues(failureReason(err)).Inc()
	c.notify(snap)

	return err
}

// declineAfter implicitly declines an Incoming session whose acceptance failed.
func (c *Controller) declineAfter(s *session, err error) error {
	c.mu.Lock()

	if c.session != s || s.state.Terminal() {
		c.mu.Unlock()

		return ErrCancelled
	}

	if sendErr := c.sender.Send(signal.EventRejectCall, signal.RejectCall{CallerID: s.peerID}); sendErr != nil {
		s.logger().Warnf("implicit decline: %v", sendErr)
	}

	c.finishLocked(s, StateEnded)

	snap := c.snapshotLocked()
	c.mu.Unlock()

	s.logger().Warnf("accept failed, declined: %v", err)
	metrics.CallSetupFailuresTotal.WithLabelValues(failureReason(err)).Inc()
	c.notify(snap)

	return err
}

// endLocked performs a local hang-up of a non-terminal session.
func (c *Controller) endLocked(s *session) error {
	var err error

	switch {
	case s.state == StateIdle:
		// Setup in progress, the peer has not been contacted.
		s.logger().Info("call setup cancelled")
		c.releaseLocked(s)
		c.session = nil

		return nil
	case s.state == StateIncoming:
		err = c.sender.Send(signal.EventRejectCall, signal.RejectCall{CallerID: s.peerID})
	default:
		err = c.sender.Send(signal.EventEndCall, signal.EndCall{OtherUserID: s.peerID})
	}

	if err != nil {
		s.logger().Warnf("peer not notified: %v", err)
	}

	c.finishLocked(s, StateEnded)

	return err
}

// failLocked informs the peer if still possible and ends the session Failed.
func (c *Controller) failLocked(s *session) {
	if err := c.sender.Send(signal.EventEndCall, signal.EndCall{OtherUserID: s.peerID}); err != nil {
		s.logger().Debugf("peer not notified of failure: %v", err)
	}

	c.finishLocked(s, StateFailed)
}

func (c *Controller) finishLocked(s *session, state State) {
	c.transitionLocked(s, state)
	c.releaseLocked(s)

	metrics.CallSessionsTotal.WithLabelValues(string(s.direction), state.String()).Inc()
	s.logger().Infof("call %s after %s", state, time.Since(s.createdAt).Round(time.Millisecond))
}

func (c *Controller) releaseLocked(s *session) {
	c.ring.Stop()

	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}

	s.inflight = false

	if s.link != nil {
		s.link.Dispose()
	}

	if s.local != nil {
		s.local.Stop()
	}
}

func (c *Controller) transitionLocked(s *session, to State) {
	if !canTransition(s.state, to) {
		s.logger().Errorf("illegal transition %s -> %s", s.state, to)

		return
	}

	s.logger().Debugf("%s -> %s", s.state, to)
	s.state = to

	if to == StateActive {
		s.activeSince = time.Now()
	}
}

func (c *Controller) armRingLocked(s *session) {
	if c.cfg.RingTimeout <= 0 {
		return
	}

	c.ring.Restart(c.cfg.RingTimeout, func() {
		c.mu.Lock()

		if c.session != s || !s.state.Ringing() || s.inflight {
			c.mu.Unlock()

			return
		}

		s.logger().Info("ring timeout")
		_ = c.endLocked(s)

		snap := c.snapshotLocked()
		c.mu.Unlock()

		c.notify(snap)
	})
}

// pump forwards link events of s until the link is disposed.
func (c *Controller) pump(s *session, link Link) {
	for {
		select {
		case <-link.Done():
			return
		case ev := <-link.Events():
			c.onLinkEvent(s, ev)
		}
	}
}

func (c *Controller) onLinkEvent(s *session, ev peer.Event) {
	c.mu.Lock()

	if c.session != s || s.state.Terminal() {
		c.mu.Unlock()

		return
	}

	switch ev.Kind {
	case peer.EventRemoteMedia:
		s.remote = append(s.remote, ev.Remote)

		if s.state == StateConnecting {
			c.transitionLocked(s, StateActive)
			metrics.CallSetupDuration.WithLabelValues(string(s.direction)).Observe(time.Since(s.createdAt).Seconds())
		}
	case peer.EventLinkError:
		s.logger().Errorf("link error: %v", ev.Err)

		if s.state == StateConnecting || s.state == StateActive {
			c.failLocked(s)
		}
	}

	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.notify(snap)
}

func (c *Controller) notify(snap Snapshot) {
	c.observersMx.Lock()
	observers := append(([]func(Snapshot))(nil), c.observers...)
	c.observersMx.Unlock()

	for _, fn := range observers {
		fn(snap)
	}
}

func setupError(err error) error {
	if errors.Is(err, media.ErrAccessDenied) {
		return errors.Wrapf(ErrMediaAccessDenied, "%s", err)
	}

	if errors.Is(err, context.Canceled) {
		return ErrCancelled
	}

	return err
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrMediaAccessDenied):
		return "media_access_denied"
	case errors.Is(err, ErrNegotiationFailed):
		return "negotiation_failed"
	case errors.Is(err, signal.ErrChannelUnavailable):
		return "channel_unavailable"
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	}
	return "other"
}
