// Package peer wraps a pion PeerConnection as the media link of one call.
// Negotiation is batched: Offer and Answer return only once local ICE
// gathering has completed, so a single payload carries every candidate.
package peer

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"chatlink/pkg/log"
	"chatlink/pkg/media"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
)

var (
	ErrNoVideoSender  = errors.New("link has no outgoing video")
	ErrDisposed       = errors.New("link disposed")
	ErrWrongRole      = errors.New("operation not valid for link role")
	ErrInvalidPayload = errors.New("invalid negotiation payload")
	ErrLinkFailed     = errors.New("peer link failed")
)

type Role int

const (
	RoleInitiator Role = iota
	RoleResponder
)

func (r Role) String() string {
	if r == RoleInitiator {
		return "initiator"
	}
	return "responder"
}

type LinkConfig struct {
	STUN []string

	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration

	// IncludeLoopback gathers loopback candidates, useful when both ends run
	// on one host.
	IncludeLoopback bool
}

type EventKind int

const (
	EventRemoteMedia EventKind = iota
	EventLinkError
)

type Event struct {
	Kind   EventKind
	Remote *Remote
	Err    error
}

// Remote is the handle of one inbound track. The link drains the track
// itself; Remote only reports what arrived.
type Remote struct {
	Kind     media.Kind
	TrackID  string
	StreamID string
	MimeType string

	FirstSequence uint16

	packets atomic.Uint64
}

func (r *Remote) Packets() uint64 {
	return r.packets.Load()
}

// Link is owned by exactly one call session, which must call Dispose on every
// exit path. After Dispose no event is delivered.
type Link struct {
	role Role
	conn *webrtc.PeerConnection

	events chan Event
	done   chan struct{}

	videoSender *webrtc.RTPSender
	senderMx    sync.Mutex

	disposeOnce sync.Once
}

func NewLink(cfg LinkConfig, role Role, stream *media.Stream) (*Link, error) {
	if cfg.DisconnectedTimeout <= 0 {
		cfg.DisconnectedTimeout = 30 * time.Second
	}

	if cfg.FailedTimeout <= 0 {
		cfg.FailedTimeout = 120 * time.Second
	}

	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = 2 * time.Second
	}

	ice := make([]webrtc.ICEServer, len(cfg.STUN))

	for i, stun := range cfg.STUN {
		ice[i] = webrtc.ICEServer{
			URLs: []string{"stun:" + stun},
		}
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, errors.Wrap(err, "register codecs")
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, errors.Wrap(err, "register interceptors")
	}

	settings := webrtc.SettingEngine{}

	settings.SetICETimeouts(cfg.DisconnectedTimeout, cfg.FailedTimeout, cfg.KeepAliveInterval)
	settings.SetIncludeLoopbackCandidate(cfg.IncludeLoopback)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(settings),
	)

	conn, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: ice,
	})
	if err != nil {
		return nil, errors.Wrap(err, "new peer connection")
	}

	l := &Link{
		role:   role,
		conn:   conn,
		events: make(chan Event, 8),
		done:   make(chan struct{}),
	}

	if stream != nil {
		for _, track := range stream.Tracks() {
			sender, err := conn.AddTrack(track.Local())
			if err != nil {
				_ = conn.Close()

				return nil, errors.Wrapf(err, "add %s track", track.Kind())
			}

			if track.Kind() == media.KindVideo {
				l.videoSender = sender
			}

			go l.drainRTCP(sender)
		}
	}

	l.conn.OnTrack(l.onTrack)
	l.conn.OnConnectionStateChange(l.onConnStateChange)

	return l, nil
}

func (l *Link) Role() Role {
	return l.role
}

// Events delivers remote media and link errors. The channel is never closed;
// select on Done as well.
func (l *Link) Events() <-chan Event {
	return l.events
}

func (l *Link) Done() <-chan struct{} {
	return l.done
}

// Offer creates the initiator's description and waits for gathering to
// complete.
func (l *Link) Offer(ctx context.Context) (json.RawMessage, error) {
	if l.role != RoleInitiator {
		return nil, ErrWrongRole
	}

	offer, err := l.conn.CreateOffer(nil)
	if err != nil {
		return nil, errors.Wrap(err, "create offer")
	}

	return l.setLocal(ctx, offer)
}

// Answer applies the remote offer and returns the responder's description
// once gathering has completed.
func (l *Link) Answer(ctx context.Context, remote json.RawMessage) (json.RawMessage, error) {
	if l.role != RoleResponder {
		return nil, ErrWrongRole
	}

	offer, err := DecodeDescription(remote)
	if err != nil {
		return nil, err
	}

	if offer.Type != webrtc.SDPTypeOffer {
		return nil, errors.Wrapf(ErrInvalidPayload, "expected offer, got %s", offer.Type)
	}

	if err := l.conn.SetRemoteDescription(offer); err != nil {
		return nil, errors.Wrap(err, "set remote offer")
	}

	answer, err := l.conn.CreateAnswer(nil)
	if err != nil {
		return nil, errors.Wrap(err, "create answer")
	}

	return l.setLocal(ctx, answer)
}

// Accept applies the responder's answer on the initiator.
func (l *Link) Accept(remote json.RawMessage) error {
	if l.role != RoleInitiator {
		return ErrWrongRole
	}

	answer, err := DecodeDescription(remote)
	if err != nil {
		return err
	}

	if answer.Type != webrtc.SDPTypeAnswer {
		return errors.Wrapf(ErrInvalidPayload, "expected answer, got %s", answer.Type)
	}

	return errors.Wrap(l.conn.SetRemoteDescription(answer), "set remote answer")
}

// AddCandidate applies a trickled candidate, given either as a bare string or
// as an ICECandidateInit object. Batched negotiation never sends one, but a
// remote that trickles is still honored.
func (l *Link) AddCandidate(raw json.RawMessage) error {
	cand := webrtc.ICECandidateInit{}

	if err := json.Unmarshal(raw, &cand.Candidate); err != nil {
		if err := json.Unmarshal(raw, &cand); err != nil {
			return errors.Wrapf(ErrInvalidPayload, "candidate: %s", err)
		}
	}

	return errors.Wrap(l.conn.AddICECandidate(cand), "add candidate")
}

// ReplaceVideoTrack swaps the outgoing video on the established link without
// renegotiation.
func (l *Link) ReplaceVideoTrack(track *media.Track) error {
	l.senderMx.Lock()
	defer l.senderMx.Unlock()

	if l.videoSender == nil {
		return ErrNoVideoSender
	}

	return errors.Wrap(l.videoSender.ReplaceTrack(track.Local()), "replace video track")
}

// Dispose closes the connection. Safe to call more than once.
func (l *Link) Dispose() {
	l.disposeOnce.Do(func() {
		close(l.done)

		if err := l.conn.Close(); err != nil {
			log.Component("peer").Warnf("close link: %v", err)
		}
	})
}

func (l *Link) setLocal(ctx context.Context, desc webrtc.SessionDescription) (json.RawMessage, error) {
	gathered := webrtc.GatheringCompletePromise(l.conn)

	if err := l.conn.SetLocalDescription(desc); err != nil {
		return nil, errors.Wrapf(err, "set local %s", desc.Type)
	}

	select {
	case <-gathered:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.done:
		return nil, ErrDisposed
	}

	return EncodeDescription(*l.conn.LocalDescription())
}

func (l *Link) onTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	remote := &Remote{
		Kind:     media.KindAudio,
		TrackID:  track.ID(),
		StreamID: track.StreamID(),
		MimeType: track.Codec().MimeType,
	}

	if track.Kind() == webrtc.RTPCodecTypeVideo {
		remote.Kind = media.KindVideo
	}

	logger := log.Component("peer").WithField("track", remote.TrackID)

	// The first packet is what makes media "available".
	var first *rtp.Packet

	first, _, err := track.ReadRTP()
	if err != nil {
		logger.Debugf("remote %s ended before first packet: %v", remote.Kind, err)

		return
	}

	remote.packets.Add(1)
	remote.FirstSequence = first.SequenceNumber

	if remote.Kind == media.KindVideo {
		err := l.conn.WriteRTCP([]rtcp.Packet{
			&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
		})
		if err != nil {
			logger.Debugf("request keyframe: %v", err)
		}
	}

	logger.Infof("remote %s flowing (%s)", remote.Kind, remote.MimeType)
	l.emit(Event{Kind: EventRemoteMedia, Remote: remote})

	for {
		if _, _, err := track.ReadRTP(); err != nil {
			return
		}

		remote.packets.Add(1)
	}
}

func (l *Link) onConnStateChange(state webrtc.PeerConnectionState) {
	log.Component("peer").Info("connection state changed: ", state)

	if state == webrtc.PeerConnectionStateFailed {
		l.emit(Event{Kind: EventLinkError, Err: ErrLinkFailed})
	}
}

func (l *Link) emit(ev Event) {
	select {
	case <-l.done:
		return
	default:
	}

	select {
	case l.events <- ev:
	case <-l.done:
	}
}

// drainRTCP keeps interceptors fed with the remote's RTCP for one sender.
func (l *Link) drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)

	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// EncodeDescription renders a session description the way browsers do:
// {"type": "...", "sdp": "..."}.
func EncodeDescription(desc webrtc.SessionDescription) (json.RawMessage, error) {
	raw, err := json.Marshal(desc)
	if err != nil {
		return nil, errors.Wrap(err, "encode description")
	}

	return raw, nil
}

func DecodeDescription(raw json.RawMessage) (webrtc.SessionDescription, error) {
	desc := webrtc.SessionDescription{}

	if len(raw) == 0 {
		return desc, errors.Wrap(ErrInvalidPayload, "empty")
	}

	if err := json.Unmarshal(raw, &desc); err != nil {
		return desc, errors.Wrapf(ErrInvalidPayload, "%s", err)
	}

	if len(desc.SDP) == 0 {
		return desc, errors.Wrap(ErrInvalidPayload, "missing sdp")
	}

	return desc, nil
}
