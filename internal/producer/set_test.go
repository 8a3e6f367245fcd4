package producer

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mikeyg42/broadcast/internal/capture"
	"github.com/mikeyg42/broadcast/internal/capture/capturetest"
	"github.com/mikeyg42/broadcast/internal/rtpcaps"
)

type fakeSender struct {
	calls  int
	fail   error
	closed []string
}

func (f *fakeSender) Produce(_ context.Context, track capture.Track) (*Producer, error) {
	f.calls++
	if f.fail != nil {
		return nil, f.fail
	}
	localID := track.ID() + "-local"
	return New("relay-"+track.ID(), localID, track, rtpcaps.RtpParameters{}, func() {
		f.closed = append(f.closed, localID)
	}), nil
}

func TestAttachAndClose(t *testing.T) {
	sender := &fakeSender{}
	s := NewSet(sender, WithLogger(zaptest.NewLogger(t)))
	video := capturetest.NewTrack(rtpcaps.KindVideo)
	audio := capturetest.NewTrack(rtpcaps.KindAudio)

	require.NoError(t, s.Attach(context.Background(), video))
	require.NoError(t, s.Attach(context.Background(), audio))
	assert.Equal(t, []rtpcaps.MediaKind{rtpcaps.KindVideo, rtpcaps.KindAudio}, s.Kinds())
	assert.Equal(t, "relay-"+video.ID(), s.Producers()[0].ID())

	s.CloseAll()
	s.CloseAll()
	assert.Empty(t, s.Producers())
	assert.Len(t, sender.closed, 2)
	// borrowed tracks keep running
	assert.False(t, video.Stopped())
	assert.False(t, audio.Stopped())
}

func TestAttachNilTrackIsNoop(t *testing.T) {
	sender := &fakeSender{}
	s := NewSet(sender, WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, s.Attach(context.Background(), nil))
	assert.Equal(t, 0, sender.calls)
}

func TestAttachTwiceFails(t *testing.T) {
	s := NewSet(&fakeSender{}, WithLogger(zaptest.NewLogger(t)))
	video := capturetest.NewTrack(rtpcaps.KindVideo)
	require.NoError(t, s.Attach(context.Background(), video))
	assert.Error(t, s.Attach(context.Background(), video))
}

func TestAttachError(t *testing.T) {
	boom := errors.New("boom")
	s := NewSet(&fakeSender{fail: boom}, WithLogger(zaptest.NewLogger(t)))
	err := s.Attach(context.Background(), capturetest.NewTrack(rtpcaps.KindAudio))
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, s.Producers())
}

func TestProducerCloseOnce(t *testing.T) {
	calls := 0
	p := New("id", "local", capturetest.NewTrack(rtpcaps.KindVideo), rtpcaps.RtpParameters{}, func() { calls++ })
	p.Close()
	p.Close()
	assert.True(t, p.Closed())
	assert.Equal(t, 1, calls)
	assert.Equal(t, rtpcaps.KindVideo, p.Kind())
}
