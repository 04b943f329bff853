//go:build hwmedia

package media

import (
	"context"
	"time"

	"chatlink/pkg/log"

	"github.com/google/uuid"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/pkg/errors"
)

// Hardware captures the local camera and microphone through pion/mediadevices.
// Front facing is the first enumerated camera, back facing the second one
// when it exists.
type Hardware struct {
	codecs *mediadevices.CodecSelector
}

func NewHardware() (*Hardware, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, errors.Wrap(err, "vp8 params")
	}
	vpxParams.BitRate = 1_000_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, errors.Wrap(err, "opus params")
	}

	return &Hardware{
		codecs: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

func (h *Hardware) Acquire(ctx context.Context, c Constraints) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if c.Facing == "" {
		c.Facing = FacingFront
	}

	constraints := mediadevices.MediaStreamConstraints{Codec: h.codecs}

	if c.Video {
		cameraID, ok := h.camera(c.Facing)
		if !ok {
			return nil, errors.Wrap(ErrAccessDenied, "no camera")
		}

		constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
			mc.DeviceID = prop.String(cameraID)
			mc.FrameFormat = prop.FrameFormatOneOf{frame.FormatYUYV, frame.FormatI420}
			mc.Width = prop.IntRanged{Max: 640}
			mc.Height = prop.IntRanged{Max: 480}
		}
	}

	if c.Audio {
		constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
	}

	ms, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, errors.Wrapf(ErrAccessDenied, "get user media: %s", err)
	}

	streamID := "local-" + uuid.NewString()

	var tracks []*Track

	for _, mt := range ms.GetTracks() {
		kind, facing, mime := KindAudio, Facing(""), webrtc.MimeTypeOpus
		if mt.Kind() == webrtc.RTPCodecTypeVideo {
			kind, facing, mime = KindVideo, c.Facing, webrtc.MimeTypeVP8
		}

		reader, err := mt.NewEncodedReader(mime)
		if err != nil {
			_ = mt.Close()
			NewStream(tracks...).Stop()

			return nil, errors.Wrapf(err, "%s encoder", kind)
		}

		t, err := NewTrack(kind, facing, streamID, &encodedSource{track: mt, reader: reader, kind: kind})
		if err != nil {
			_ = reader.Close()
			_ = mt.Close()
			NewStream(tracks...).Stop()

			return nil, err
		}

		tracks = append(tracks, t)
	}

	log.Component("media").Infof("captured %d hardware tracks", len(tracks))

	return NewStream(tracks...), nil
}

func (h *Hardware) camera(facing Facing) (string, bool) {
	var cameras []string

	for _, d := range mediadevices.EnumerateDevices() {
		if d.Kind == mediadevices.VideoInput {
			cameras = append(cameras, d.DeviceID)
		}
	}

	switch {
	case len(cameras) == 0:
		return "", false
	case facing == FacingBack && len(cameras) > 1:
		return cameras[1], true
	default:
		return cameras[0], true
	}
}

type encodedSource struct {
	track  mediadevices.Track
	reader mediadevices.EncodedReadCloser
	kind   Kind
}

func (s *encodedSource) ReadSample() (pionmedia.Sample, error) {
	buf, release, err := s.reader.Read()
	if err != nil {
		return pionmedia.Sample{}, err
	}
	defer release()

	data := make([]byte, len(buf.Data))
	copy(data, buf.Data)

	duration := time.Second / 30
	if s.kind == KindAudio {
		duration = time.Duration(buf.Samples) * time.Second / 48000
	}

	return pionmedia.Sample{Data: data, Duration: duration}, nil
}

func (s *encodedSource) Close() error {
	_ = s.reader.Close()

	return s.track.Close()
}
