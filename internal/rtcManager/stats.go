package rtcManager

import (
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/mikeyg42/broadcast/internal/rtpcaps"
	"github.com/mikeyg42/broadcast/internal/ring"
	"github.com/mikeyg42/broadcast/internal/transport"
)

const (
	statsHistory    = 10
	stallSamples    = 3    // samples without new bytes before a stream counts as stalled
	warningNACKRate = 0.05 // nacks per packet
)

type WarningType int

const (
	StalledWarning WarningType = iota
	NACKWarning
)

func (t WarningType) String() string {
	switch t {
	case StalledWarning:
		return "stalled"
	case NACKWarning:
		return "nack"
	default:
		return "unknown"
	}
}

type Warning struct {
	Type        WarningType
	SSRC        uint32
	Message     string
	Measurement float64
	Timestamp   time.Time
}

type sample struct {
	at      time.Time
	packets uint32
	bytes   uint64
	nacks   uint32
}

// statsCollector keeps a short history per outbound SSRC to derive bitrate
// and health from cumulative counters
type statsCollector struct {
	mu       sync.Mutex
	capacity int
	history  map[uint32]*ring.Buffer[sample]
	now      func() time.Time
}

func newStatsCollector(capacity int) *statsCollector {
	return &statsCollector{
		capacity: capacity,
		history:  make(map[uint32]*ring.Buffer[sample]),
		now:      time.Now,
	}
}

// outbound accepts both forms a stats report may store
func outbound(s webrtc.Stats) (webrtc.OutboundRTPStreamStats, bool) {
	switch stat := s.(type) {
	case webrtc.OutboundRTPStreamStats:
		return stat, true
	case *webrtc.OutboundRTPStreamStats:
		if stat != nil {
			return *stat, true
		}
	}
	return webrtc.OutboundRTPStreamStats{}, false
}

func (c *statsCollector) collect(report webrtc.StatsReport, localIDs map[uint32]string, kinds map[uint32]rtpcaps.MediaKind) []transport.OutboundStats {
	var out []transport.OutboundStats
	for _, s := range report {
		stat, ok := outbound(s)
		if !ok {
			continue
		}
		ssrc := uint32(stat.SSRC)
		localID, ok := localIDs[ssrc]
		if !ok {
			continue
		}
		snap := c.observe(ssrc, sample{packets: stat.PacketsSent, bytes: stat.BytesSent, nacks: stat.NACKCount})
		snap.LocalID = localID
		snap.Kind = kinds[ssrc]
		snap.FramesEncoded = stat.FramesEncoded
		out = append(out, snap)
	}
	return out
}

// observe records one cumulative sample and returns the derived snapshot
func (c *statsCollector) observe(ssrc uint32, s sample) transport.OutboundStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s.at.IsZero() {
		s.at = c.now()
	}
	buf, ok := c.history[ssrc]
	if !ok {
		buf = ring.New[sample](c.capacity)
		c.history[ssrc] = buf
	}
	snap := transport.OutboundStats{
		SSRC:        ssrc,
		PacketsSent: s.packets,
		BytesSent:   s.bytes,
		NACKCount:   s.nacks,
		Timestamp:   s.at,
	}
	if prev := buf.Recent(1); len(prev) == 1 {
		if dt := s.at.Sub(prev[0].at).Seconds(); dt > 0 && s.bytes >= prev[0].bytes {
			snap.BitrateEstimate = float64(s.bytes-prev[0].bytes) * 8 / dt
		}
	}
	buf.Add(s)
	return snap
}

func (c *statsCollector) forget(ssrc uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.history, ssrc)
}

// diagnose flags streams that stopped sending or retransmit too often
func (c *statsCollector) diagnose() []Warning {
	c.mu.Lock()
	defer c.mu.Unlock()

	var warnings []Warning
	now := c.now()
	for ssrc, buf := range c.history {
		recent := buf.Recent(stallSamples + 1)
		if len(recent) < 2 {
			continue
		}
		// newest first
		last, first := recent[0], recent[len(recent)-1]
		if len(recent) == stallSamples+1 && last.bytes == first.bytes {
			warnings = append(warnings, Warning{
				Type:      StalledWarning,
				SSRC:      ssrc,
				Message:   fmt.Sprintf("no bytes sent over the last %d samples", stallSamples),
				Timestamp: now,
			})
		}
		if last.packets > first.packets && last.nacks >= first.nacks {
			rate := float64(last.nacks-first.nacks) / float64(last.packets-first.packets)
			if rate > warningNACKRate {
				warnings = append(warnings, Warning{
					Type:        NACKWarning,
					SSRC:        ssrc,
					Message:     fmt.Sprintf("nack rate %.1f%%", rate*100),
					Measurement: rate,
					Timestamp:   now,
				})
			}
		}
	}
	return warnings
}
