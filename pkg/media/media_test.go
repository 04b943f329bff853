package media

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSynthetic_Acquire(t *testing.T) {
	d := &Synthetic{}

	t.Run("audio only", func(t *testing.T) {
		s, err := d.Acquire(context.Background(), Constraints{Audio: true})
		require.NoError(t, err)
		defer s.Stop()

		require.NotNil(t, s.Audio())
		assert.Nil(t, s.Video())
		assert.Len(t, s.Tracks(), 1)
		assert.Equal(t, "audio", s.Audio().Local().Kind().String())
	})

	t.Run("audio and video", func(t *testing.T) {
		s, err := d.Acquire(context.Background(), Constraints{Audio: true, Video: true, Facing: FacingBack})
		require.NoError(t, err)
		defer s.Stop()

		require.NotNil(t, s.Video())
		assert.Equal(t, FacingBack, s.Video().Facing())
		assert.Equal(t, s.Audio().Local().StreamID(), s.Video().Local().StreamID())
	})
}

func TestSynthetic_Denied(t *testing.T) {
	_, err := (&Synthetic{Deny: true}).Acquire(context.Background(), Constraints{Audio: true})
	assert.ErrorIs(t, err, ErrAccessDenied)

	_, err = (&Synthetic{DenyVideo: true}).Acquire(context.Background(), Constraints{Audio: true, Video: true})
	assert.ErrorIs(t, err, ErrAccessDenied)

	s, err := (&Synthetic{DenyVideo: true}).Acquire(context.Background(), Constraints{Audio: true})
	require.NoError(t, err)
	s.Stop()
}

func TestSynthetic_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := (&Synthetic{}).Acquire(ctx, Constraints{Audio: true})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTrack_EnableAndStop(t *testing.T) {
	s, err := (&Synthetic{}).Acquire(context.Background(), Constraints{Audio: true})
	require.NoError(t, err)

	a := s.Audio()
	assert.True(t, a.Enabled())

	a.SetEnabled(false)
	assert.False(t, a.Enabled())

	s.Stop()
	s.Stop()
	assert.True(t, a.Stopped())
}

func TestStream_ReplaceVideo(t *testing.T) {
	d := &Synthetic{}

	s, err := d.Acquire(context.Background(), Constraints{Audio: true, Video: true})
	require.NoError(t, err)
	defer s.Stop()

	back, err := d.Acquire(context.Background(), Constraints{Video: true, Facing: FacingBack})
	require.NoError(t, err)

	old := s.ReplaceVideo(back.Video())
	require.NotNil(t, old)
	old.Stop()

	assert.Equal(t, FacingBack, s.Video().Facing())
	assert.Len(t, s.Tracks(), 2)
}

func TestFacing_Opposite(t *testing.T) {
	assert.Equal(t, FacingBack, FacingFront.Opposite())
	assert.Equal(t, FacingFront, FacingBack.Opposite())
}
