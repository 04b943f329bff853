package media

import (
	"context"
	"io"
	"sync"
	"time"

	"chatlink/pkg/log"

	"github.com/google/uuid"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/pkg/errors"
)

const (
	audioFrameInterval = 20 * time.Millisecond
	videoFrameInterval = 33 * time.Millisecond
)

// opusSilence is a single 20ms Opus frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// videoPlaceholder is a fixed payload: receivers observe packets but have
// nothing meaningful to render.
var videoPlaceholder = []byte{0x10, 0x02, 0x00, 0x9d, 0x01, 0x2a}

// Synthetic devices generate timed placeholder frames instead of opening
// hardware. The Deny* switches simulate refused permissions.
type Synthetic struct {
	Deny      bool
	DenyAudio bool
	DenyVideo bool
}

func (d *Synthetic) Acquire(ctx context.Context, c Constraints) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if d.Deny {
		return nil, ErrAccessDenied
	}

	if c.Facing == "" {
		c.Facing = FacingFront
	}

	streamID := "local-" + uuid.NewString()

	var tracks []*Track

	release := func() {
		for _, t := range tracks {
			t.Stop()
		}
	}

	if c.Audio {
		if d.DenyAudio {
			return nil, errors.Wrap(ErrAccessDenied, "microphone")
		}

		t, err := NewTrack(KindAudio, "", streamID, newTickerSource(audioFrameInterval, opusSilence))
		if err != nil {
			return nil, err
		}

		tracks = append(tracks, t)
	}

	if c.Video {
		if d.DenyVideo {
			release()

			return nil, errors.Wrap(ErrAccessDenied, "camera")
		}

		t, err := NewTrack(KindVideo, c.Facing, streamID, newTickerSource(videoFrameInterval, videoPlaceholder))
		if err != nil {
			release()

			return nil, err
		}

		tracks = append(tracks, t)
	}

	log.Component("media").Debugf("synthetic capture: %d tracks (facing %s)", len(tracks), c.Facing)

	return NewStream(tracks...), nil
}

type tickerSource struct {
	ticker   *time.Ticker
	interval time.Duration
	frame    []byte

	closeOnce sync.Once
	done      chan struct{}
}

func newTickerSource(interval time.Duration, frame []byte) *tickerSource {
	return &tickerSource{
		ticker:   time.NewTicker(interval),
		interval: interval,
		frame:    frame,
		done:     make(chan struct{}),
	}
}

func (s *tickerSource) ReadSample() (pionmedia.Sample, error) {
	select {
	case <-s.done:
		return pionmedia.Sample{}, io.EOF
	case <-s.ticker.C:
		return pionmedia.Sample{Data: s.frame, Duration: s.interval}, nil
	}
}

func (s *tickerSource) Close() error {
	s.closeOnce.Do(func() {
		s.ticker.Stop()
		close(s.done)
	})

	return nil
}
