// Package capture acquires and releases the local camera and microphone.
package capture

import (
	"errors"
	"image"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/mikeyg42/broadcast/internal/rtpcaps"
)

// ErrNoTracks is returned when neither a camera nor a microphone is available
var ErrNoTracks = errors.New("capture: no camera or microphone available")

// Track is one hardware-backed capture track. Stop releases the device and is
// safe to call more than once.
type Track interface {
	ID() string
	Kind() rtpcaps.MediaKind
	Stop()
	Stopped() bool
}

// LocalTrack is a Track the webrtc engine can send. TrackLocal returns nil if
// the track cannot be bound to a PeerConnection.
type LocalTrack interface {
	Track
	TrackLocal() webrtc.TrackLocal
}

// FrameReader yields raw frames. release must be called once the frame is no
// longer used.
type FrameReader interface {
	Read() (img image.Image, release func(), err error)
}

// FrameSource is implemented by video tracks that can feed a preview
type FrameSource interface {
	NewFrameReader() FrameReader
}

// Stream is the set of tracks acquired for one session
type Stream struct {
	tracks []Track
	once   sync.Once
}

// NewStream groups tracks, skipping nil entries
func NewStream(tracks ...Track) *Stream {
	s := &Stream{}
	for _, t := range tracks {
		if t != nil {
			s.tracks = append(s.tracks, t)
		}
	}
	return s
}

func (s *Stream) Tracks() []Track {
	if s == nil {
		return nil
	}
	return append([]Track(nil), s.tracks...)
}

func (s *Stream) VideoTracks() []Track { return s.ofKind(rtpcaps.KindVideo) }

func (s *Stream) AudioTracks() []Track { return s.ofKind(rtpcaps.KindAudio) }

func (s *Stream) ofKind(kind rtpcaps.MediaKind) []Track {
	if s == nil {
		return nil
	}
	var out []Track
	for _, t := range s.tracks {
		if t.Kind() == kind {
			out = append(out, t)
		}
	}
	return out
}

func (s *Stream) Empty() bool {
	return s == nil || len(s.tracks) == 0
}

// Stop releases every track. Only the first call reaches the tracks.
func (s *Stream) Stop() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		for _, t := range s.tracks {
			t.Stop()
		}
	})
}
