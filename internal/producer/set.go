package producer

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/mikeyg42/broadcast/internal/capture"
	"github.com/mikeyg42/broadcast/internal/rtpcaps"
)

// Sender creates producers, normally a transport
type Sender interface {
	Produce(ctx context.Context, track capture.Track) (*Producer, error)
}

type Option func(*Set)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Set) { s.logger = logger }
}

// Set holds the producers of one session
type Set struct {
	sender Sender
	logger *zap.Logger

	mu        sync.Mutex
	producers []*Producer
}

func NewSet(sender Sender, opts ...Option) *Set {
	s := &Set{
		sender: sender,
		logger: zap.L().Named("producer"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Attach sends track through the transport. A nil track is skipped, so an
// absent microphone or camera is not an error.
func (s *Set) Attach(ctx context.Context, track capture.Track) error {
	if track == nil {
		return nil
	}

	s.mu.Lock()
	for _, p := range s.producers {
		if p.Track().ID() == track.ID() && !p.Closed() {
			s.mu.Unlock()
			return fmt.Errorf("track %s is already attached", track.ID())
		}
	}
	s.mu.Unlock()

	p, err := s.sender.Produce(ctx, track)
	if err != nil {
		return fmt.Errorf("failed to produce %s track: %w", track.Kind(), err)
	}

	s.mu.Lock()
	s.producers = append(s.producers, p)
	s.mu.Unlock()

	s.logger.Info("Track attached",
		zap.String("kind", string(track.Kind())),
		zap.String("track", track.ID()),
		zap.String("producer", p.ID()))
	return nil
}

// Producers returns the open producers in attach order
func (s *Set) Producers() []*Producer {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Producer
	for _, p := range s.producers {
		if !p.Closed() {
			out = append(out, p)
		}
	}
	return out
}

// Kinds returns the media kinds currently produced
func (s *Set) Kinds() []rtpcaps.MediaKind {
	var kinds []rtpcaps.MediaKind
	seen := make(map[rtpcaps.MediaKind]bool)
	for _, p := range s.Producers() {
		if !seen[p.Kind()] {
			seen[p.Kind()] = true
			kinds = append(kinds, p.Kind())
		}
	}
	return kinds
}

// CloseAll closes every producer. Capture tracks are left running.
func (s *Set) CloseAll() {
	s.mu.Lock()
	producers := s.producers
	s.producers = nil
	s.mu.Unlock()

	for _, p := range producers {
		p.Close()
	}
}
