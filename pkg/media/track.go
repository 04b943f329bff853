// Package media owns local capture: tracks that can be enabled or disabled
// without touching the peer link, and the devices that produce them.
package media

import (
	"context"
	"sync"
	"sync/atomic"

	"chatlink/pkg/log"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/pkg/errors"
)

// ErrAccessDenied is returned by Devices when the user or the platform refuses
// camera or microphone access.
var ErrAccessDenied = errors.New("media access denied")

type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

type Facing string

const (
	FacingFront Facing = "front"
	FacingBack  Facing = "back"
)

func (f Facing) Opposite() Facing {
	if f == FacingBack {
		return FacingFront
	}
	return FacingBack
}

type Constraints struct {
	Audio  bool
	Video  bool
	Facing Facing
}

// Devices acquires local media.
type Devices interface {
	Acquire(ctx context.Context, c Constraints) (*Stream, error)
}

// Source produces encoded samples for one track. ReadSample blocks until the
// next sample is ready and fails once the source is closed.
type Source interface {
	ReadSample() (pionmedia.Sample, error)
	Close() error
}

// Track is one local capture feeding a pion sample track. A disabled track
// keeps capturing but drops samples, so the peer sees silence or a frozen
// frame without any renegotiation.
type Track struct {
	kind   Kind
	facing Facing
	local  *webrtc.TrackLocalStaticSample
	src    Source

	enabled  atomic.Bool
	stopped  atomic.Bool
	stopOnce sync.Once
	done     chan struct{}
}

func codecFor(kind Kind) webrtc.RTPCodecCapability {
	if kind == KindVideo {
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	}
	return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
}

// NewTrack wraps src in a pion sample track and starts pumping samples.
func NewTrack(kind Kind, facing Facing, streamID string, src Source) (*Track, error) {
	local, err := webrtc.NewTrackLocalStaticSample(codecFor(kind), string(kind)+"-"+uuid.NewString(), streamID)
	if err != nil {
		return nil, errors.Wrapf(err, "%s track", kind)
	}

	t := &Track{
		kind:   kind,
		facing: facing,
		local:  local,
		src:    src,
		done:   make(chan struct{}),
	}
	t.enabled.Store(true)

	go t.pump()

	return t, nil
}

func (t *Track) Kind() Kind {
	return t.kind
}

func (t *Track) Facing() Facing {
	return t.facing
}

// Local is the handle added to the peer link.
func (t *Track) Local() webrtc.TrackLocal {
	return t.local
}

func (t *Track) Enabled() bool {
	return t.enabled.Load()
}

func (t *Track) SetEnabled(enabled bool) {
	t.enabled.Store(enabled)
}

func (t *Track) Stopped() bool {
	return t.stopped.Load()
}

// Stop releases the capture. Safe to call more than once.
func (t *Track) Stop() {
	t.stopOnce.Do(func() {
		t.stopped.Store(true)
		close(t.done)

		if err := t.src.Close(); err != nil {
			log.Component("media").Warnf("close %s source: %v", t.kind, err)
		}
	})
}

func (t *Track) pump() {
	for {
		sample, err := t.src.ReadSample()
		if err != nil {
			return
		}

		select {
		case <-t.done:
			return
		default:
		}

		if !t.enabled.Load() {
			continue
		}

		if err := t.local.WriteSample(sample); err != nil {
			log.Component("media").Debugf("write %s sample: %v", t.kind, err)
		}
	}
}

// Stream is the set of local tracks of one call.
type Stream struct {
	mu     sync.Mutex
	tracks []*Track
}

func NewStream(tracks ...*Track) *Stream {
	return &Stream{tracks: tracks}
}

func (s *Stream) Tracks() []*Track {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]*Track(nil), s.tracks...)
}

func (s *Stream) Audio() *Track {
	return s.first(KindAudio)
}

func (s *Stream) Video() *Track {
	return s.first(KindVideo)
}

func (s *Stream) first(kind Kind) *Track {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.tracks {
		if t.kind == kind {
			return t
		}
	}

	return nil
}

// ReplaceVideo swaps the video track and returns the previous one, which the
// caller still owns.
func (s *Stream) ReplaceVideo(track *Track) *Track {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, t := range s.tracks {
		if t.kind == KindVideo {
			s.tracks[i] = track
			return t
		}
	}

	s.tracks = append(s.tracks, track)

	return nil
}

// Stop releases every track.
func (s *Stream) Stop() {
	for _, t := range s.Tracks() {
		t.Stop()
	}
}
