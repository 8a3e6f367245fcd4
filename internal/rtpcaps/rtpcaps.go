// Package rtpcaps holds the capability and parameter types exchanged with the
// media relay. Field names follow the relay's camelCase wire format.
package rtpcaps

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// MediaKind is the kind of a media track
type MediaKind string

const (
	KindAudio MediaKind = "audio"
	KindVideo MediaKind = "video"
)

// Valid reports whether k is audio or video
func (k MediaKind) Valid() bool {
	return k == KindAudio || k == KindVideo
}

type RtcpFeedback struct {
	Type      string `json:"type"`
	Parameter string `json:"parameter,omitempty"`
}

// RtpCodecCapability describes one codec supported by an endpoint
type RtpCodecCapability struct {
	Kind                 MediaKind      `json:"kind"`
	MimeType             string         `json:"mimeType"`
	PreferredPayloadType uint8          `json:"preferredPayloadType,omitempty"`
	ClockRate            uint32         `json:"clockRate"`
	Channels             uint16         `json:"channels,omitempty"`
	Parameters           map[string]any `json:"parameters,omitempty"`
	RtcpFeedback         []RtcpFeedback `json:"rtcpFeedback,omitempty"`
}

type RtpHeaderExtension struct {
	Kind             MediaKind `json:"kind"`
	URI              string    `json:"uri"`
	PreferredID      int       `json:"preferredId"`
	PreferredEncrypt bool      `json:"preferredEncrypt,omitempty"`
	Direction        string    `json:"direction,omitempty"`
}

// RtpCapabilities is the Capability Set of an endpoint
type RtpCapabilities struct {
	Codecs           []RtpCodecCapability `json:"codecs"`
	HeaderExtensions []RtpHeaderExtension `json:"headerExtensions,omitempty"`
}

// Clone returns a deep copy so callers cannot mutate a loaded Capability Set
func (c RtpCapabilities) Clone() RtpCapabilities {
	out := RtpCapabilities{
		Codecs:           make([]RtpCodecCapability, len(c.Codecs)),
		HeaderExtensions: append([]RtpHeaderExtension(nil), c.HeaderExtensions...),
	}
	for i, codec := range c.Codecs {
		out.Codecs[i] = codec.Clone()
	}
	return out
}

// Clone returns a copy that shares no maps or slices with c
func (c RtpCodecCapability) Clone() RtpCodecCapability {
	cp := c
	if c.Parameters != nil {
		cp.Parameters = make(map[string]any, len(c.Parameters))
		for k, v := range c.Parameters {
			cp.Parameters[k] = v
		}
	}
	cp.RtcpFeedback = append([]RtcpFeedback(nil), c.RtcpFeedback...)
	return cp
}

type RtpCodecParameters struct {
	MimeType     string         `json:"mimeType"`
	PayloadType  uint8          `json:"payloadType"`
	ClockRate    uint32         `json:"clockRate"`
	Channels     uint16         `json:"channels,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	RtcpFeedback []RtcpFeedback `json:"rtcpFeedback,omitempty"`
}

type RtpHeaderExtensionParameters struct {
	URI     string `json:"uri"`
	ID      int    `json:"id"`
	Encrypt bool   `json:"encrypt,omitempty"`
}

type RtxParameters struct {
	Ssrc uint32 `json:"ssrc"`
}

type RtpEncodingParameters struct {
	Ssrc uint32         `json:"ssrc,omitempty"`
	Rid  string         `json:"rid,omitempty"`
	Rtx  *RtxParameters `json:"rtx,omitempty"`
}

type RtcpParameters struct {
	Cname       string `json:"cname,omitempty"`
	ReducedSize bool   `json:"reducedSize"`
}

// RtpParameters describe one outbound stream as negotiated by the local engine
type RtpParameters struct {
	Mid              string                         `json:"mid,omitempty"`
	Codecs           []RtpCodecParameters           `json:"codecs"`
	HeaderExtensions []RtpHeaderExtensionParameters `json:"headerExtensions,omitempty"`
	Encodings        []RtpEncodingParameters        `json:"encodings"`
	Rtcp             RtcpParameters                 `json:"rtcp"`
}

// Validate checks the minimum the relay needs to accept a producer
func (p RtpParameters) Validate() error {
	if len(p.Codecs) == 0 {
		return fmt.Errorf("rtp parameters: no codecs")
	}
	for _, c := range p.Codecs {
		if _, err := KindOfMimeType(c.MimeType); err != nil {
			return fmt.Errorf("rtp parameters: %w", err)
		}
		if c.ClockRate == 0 {
			return fmt.Errorf("rtp parameters: codec %s has no clock rate", c.MimeType)
		}
	}
	if len(p.Encodings) == 0 {
		return fmt.Errorf("rtp parameters: no encodings")
	}
	return nil
}

// KindOfMimeType extracts the media kind from "audio/opus" style mime types
func KindOfMimeType(mimeType string) (MediaKind, error) {
	prefix, name, ok := strings.Cut(mimeType, "/")
	if !ok || name == "" {
		return "", fmt.Errorf("invalid mime type %q", mimeType)
	}
	kind := MediaKind(strings.ToLower(prefix))
	if !kind.Valid() {
		return "", fmt.Errorf("invalid mime type %q", mimeType)
	}
	return kind, nil
}

// IsRtxCodec reports whether the mime type denotes a retransmission codec
func IsRtxCodec(mimeType string) bool {
	_, name, _ := strings.Cut(mimeType, "/")
	return strings.EqualFold(name, "rtx")
}

// MatchCodec reports whether two codec descriptions refer to the same codec.
// Audio compares channels (missing means mono), H264 compares packetization-mode.
func MatchCodec(a, b RtpCodecCapability) bool {
	if !strings.EqualFold(a.MimeType, b.MimeType) || a.ClockRate != b.ClockRate {
		return false
	}
	kind, err := KindOfMimeType(a.MimeType)
	if err != nil {
		return false
	}
	if kind == KindAudio && channelsOrMono(a.Channels) != channelsOrMono(b.Channels) {
		return false
	}
	if strings.EqualFold(a.MimeType, "video/H264") {
		if ParamString(a.Parameters, "packetization-mode", "0") != ParamString(b.Parameters, "packetization-mode", "0") {
			return false
		}
	}
	return true
}

func channelsOrMono(c uint16) uint16 {
	if c == 0 {
		return 1
	}
	return c
}

// ParamString renders a codec parameter as a string. JSON decodes numbers as
// float64 so they are formatted without a fraction.
func ParamString(params map[string]any, key, def string) string {
	v, ok := params[key]
	if !ok || v == nil {
		return def
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// ParseFmtp turns "minptime=10;useinbandfec=1" into a parameter map. Integer
// values are kept as numbers.
func ParseFmtp(line string) map[string]any {
	if strings.TrimSpace(line) == "" {
		return nil
	}
	params := make(map[string]any)
	for _, part := range strings.Split(line, ";") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || key == "" {
			continue
		}
		if n, err := strconv.Atoi(value); err == nil {
			params[key] = n
			continue
		}
		params[key] = value
	}
	return params
}

// FormatFmtp is the inverse of ParseFmtp with keys in a stable order
func FormatFmtp(params map[string]any) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+ParamString(params, k, ""))
	}
	return strings.Join(parts, ";")
}
