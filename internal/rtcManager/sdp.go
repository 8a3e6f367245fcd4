package rtcManager

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"

	"github.com/mikeyg42/broadcast/internal/rtpcaps"
)

// SDPValidationError reports a local description the relay could not use
type SDPValidationError struct {
	Field   string
	Message string
}

func (e *SDPValidationError) Error() string {
	return fmt.Sprintf("SDP validation error in %s: %s", e.Field, e.Message)
}

type offeredCodec struct {
	payloadType uint8
	mimeType    string
	clockRate   uint32
	channels    uint16
	fmtp        string
	feedback    []rtpcaps.RtcpFeedback
}

func (c offeredCodec) capability(kind rtpcaps.MediaKind) rtpcaps.RtpCodecCapability {
	return rtpcaps.RtpCodecCapability{
		Kind:       kind,
		MimeType:   c.mimeType,
		ClockRate:  c.clockRate,
		Channels:   c.channels,
		Parameters: rtpcaps.ParseFmtp(c.fmtp),
	}
}

// offeredMedia is one m-section of the local offer
type offeredMedia struct {
	desc      *sdp.MediaDescription
	kind      rtpcaps.MediaKind
	mid       string
	direction string
	codecs    []offeredCodec
	extmaps   []rtpcaps.RtpHeaderExtensionParameters
	ssrc      uint32
	rtxSSRC   uint32
	cname     string
}

// localOffer is the parsed local description
type localOffer struct {
	media        []*offeredMedia
	fingerprints []rtpcaps.DtlsFingerprint
}

func (o *localOffer) byMid(mid string) *offeredMedia {
	for _, m := range o.media {
		if m.mid == mid {
			return m
		}
	}
	return nil
}

func parseOffer(raw string) (*localOffer, error) {
	desc := &sdp.SessionDescription{}
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		return nil, &SDPValidationError{Field: "SessionDescription", Message: err.Error()}
	}

	offer := &localOffer{}
	seen := make(map[string]bool)
	addFingerprint := func(value string) {
		alg, fp, ok := strings.Cut(strings.TrimSpace(value), " ")
		if !ok || seen[alg] {
			return
		}
		seen[alg] = true
		offer.fingerprints = append(offer.fingerprints, rtpcaps.DtlsFingerprint{Algorithm: alg, Value: fp})
	}
	for _, a := range desc.Attributes {
		if a.Key == "fingerprint" {
			addFingerprint(a.Value)
		}
	}

	for _, md := range desc.MediaDescriptions {
		m, err := parseMedia(md)
		if err != nil {
			return nil, err
		}
		for _, a := range md.Attributes {
			if a.Key == "fingerprint" {
				addFingerprint(a.Value)
			}
		}
		offer.media = append(offer.media, m)
	}

	if len(offer.media) == 0 {
		return nil, &SDPValidationError{Field: "Media", Message: "no media sections found"}
	}
	if len(offer.fingerprints) == 0 {
		return nil, &SDPValidationError{Field: "DTLS", Message: "no DTLS fingerprint found"}
	}
	return offer, nil
}

func parseMedia(md *sdp.MediaDescription) (*offeredMedia, error) {
	kind := rtpcaps.MediaKind(md.MediaName.Media)
	if !kind.Valid() {
		return nil, &SDPValidationError{Field: "Media", Message: "unsupported media " + md.MediaName.Media}
	}
	m := &offeredMedia{desc: md, kind: kind, direction: "sendrecv"}

	byPT := make(map[uint8]*offeredCodec)
	var order []uint8
	for _, f := range md.MediaName.Formats {
		pt, err := strconv.ParseUint(f, 10, 8)
		if err != nil {
			continue
		}
		byPT[uint8(pt)] = &offeredCodec{payloadType: uint8(pt)}
		order = append(order, uint8(pt))
	}

	for _, a := range md.Attributes {
		switch a.Key {
		case "mid":
			m.mid = a.Value
		case "sendrecv", "sendonly", "recvonly", "inactive":
			m.direction = a.Key
		case "rtpmap":
			c, rest := codecAttr(byPT, a.Value)
			if c == nil {
				continue
			}
			parts := strings.Split(rest, "/")
			c.mimeType = string(kind) + "/" + parts[0]
			if len(parts) > 1 {
				if rate, err := strconv.ParseUint(parts[1], 10, 32); err == nil {
					c.clockRate = uint32(rate)
				}
			}
			if len(parts) > 2 {
				if ch, err := strconv.ParseUint(parts[2], 10, 16); err == nil {
					c.channels = uint16(ch)
				}
			}
		case "fmtp":
			if c, rest := codecAttr(byPT, a.Value); c != nil {
				c.fmtp = rest
			}
		case "rtcp-fb":
			if c, rest := codecAttr(byPT, a.Value); c != nil {
				typ, param, _ := strings.Cut(rest, " ")
				c.feedback = append(c.feedback, rtpcaps.RtcpFeedback{Type: typ, Parameter: param})
			}
		case "extmap":
			idPart, uri, ok := strings.Cut(a.Value, " ")
			if !ok {
				continue
			}
			idPart, _, _ = strings.Cut(idPart, "/")
			id, err := strconv.Atoi(idPart)
			if err != nil {
				continue
			}
			uri, _, _ = strings.Cut(uri, " ")
			m.extmaps = append(m.extmaps, rtpcaps.RtpHeaderExtensionParameters{URI: uri, ID: id})
		case "ssrc":
			idPart, rest, _ := strings.Cut(a.Value, " ")
			ssrc, err := strconv.ParseUint(idPart, 10, 32)
			if err != nil {
				continue
			}
			if m.ssrc == 0 {
				m.ssrc = uint32(ssrc)
			}
			if cname, ok := strings.CutPrefix(rest, "cname:"); ok && m.cname == "" {
				m.cname = cname
			}
		case "ssrc-group":
			fields := strings.Fields(a.Value)
			if len(fields) == 3 && fields[0] == "FID" {
				primary, err1 := strconv.ParseUint(fields[1], 10, 32)
				rtx, err2 := strconv.ParseUint(fields[2], 10, 32)
				if err1 == nil && err2 == nil {
					m.ssrc = uint32(primary)
					m.rtxSSRC = uint32(rtx)
				}
			}
		}
	}

	for _, pt := range order {
		if c := byPT[pt]; c.mimeType != "" {
			m.codecs = append(m.codecs, *c)
		}
	}
	return m, nil
}

// codecAttr splits "96 rest" and looks up the payload type
func codecAttr(byPT map[uint8]*offeredCodec, value string) (*offeredCodec, string) {
	ptPart, rest, _ := strings.Cut(value, " ")
	pt, err := strconv.ParseUint(ptPart, 10, 8)
	if err != nil {
		return nil, ""
	}
	return byPT[uint8(pt)], strings.TrimSpace(rest)
}

// negotiate picks the offered codecs the relay accepts. RTX follows its
// primary codec and the preferred codec goes first.
func (m *offeredMedia) negotiate(caps rtpcaps.RtpCapabilities, preferred *rtpcaps.RtpCodecCapability) []offeredCodec {
	var primaries []offeredCodec
	for _, c := range m.codecs {
		if rtpcaps.IsRtxCodec(c.mimeType) {
			continue
		}
		remote, ok := findCodec(caps, m.kind, c.capability(m.kind))
		if !ok {
			continue
		}
		c.feedback = commonFeedback(c.feedback, remote.RtcpFeedback)
		primaries = append(primaries, c)
	}
	if preferred != nil {
		sort.SliceStable(primaries, func(i, j int) bool {
			return rtpcaps.MatchCodec(primaries[i].capability(m.kind), *preferred) &&
				!rtpcaps.MatchCodec(primaries[j].capability(m.kind), *preferred)
		})
	}

	out := make([]offeredCodec, 0, len(m.codecs))
	for _, p := range primaries {
		out = append(out, p)
		for _, c := range m.codecs {
			if !rtpcaps.IsRtxCodec(c.mimeType) {
				continue
			}
			apt := rtpcaps.ParamString(rtpcaps.ParseFmtp(c.fmtp), "apt", "")
			if apt == strconv.Itoa(int(p.payloadType)) {
				c.feedback = nil
				out = append(out, c)
			}
		}
	}
	return out
}

func findCodec(caps rtpcaps.RtpCapabilities, kind rtpcaps.MediaKind, c rtpcaps.RtpCodecCapability) (rtpcaps.RtpCodecCapability, bool) {
	for _, remote := range caps.Codecs {
		if remote.Kind == kind && rtpcaps.MatchCodec(remote, c) {
			return remote, true
		}
	}
	return rtpcaps.RtpCodecCapability{}, false
}

func commonFeedback(local, remote []rtpcaps.RtcpFeedback) []rtpcaps.RtcpFeedback {
	var out []rtpcaps.RtcpFeedback
	for _, l := range local {
		for _, r := range remote {
			if l == r {
				out = append(out, l)
				break
			}
		}
	}
	return out
}

func (m *offeredMedia) acceptedExtensions(caps rtpcaps.RtpCapabilities) []rtpcaps.RtpHeaderExtensionParameters {
	var out []rtpcaps.RtpHeaderExtensionParameters
	for _, ext := range m.extmaps {
		for _, h := range caps.HeaderExtensions {
			if h.Kind == m.kind && h.URI == ext.URI {
				out = append(out, ext)
				break
			}
		}
	}
	return out
}

// rtpParameters describes what this section sends with the negotiated codecs
func (m *offeredMedia) rtpParameters(codecs []offeredCodec, exts []rtpcaps.RtpHeaderExtensionParameters) rtpcaps.RtpParameters {
	params := rtpcaps.RtpParameters{
		Mid:              m.mid,
		HeaderExtensions: exts,
		Rtcp:             rtpcaps.RtcpParameters{Cname: m.cname, ReducedSize: true},
	}
	for _, c := range codecs {
		params.Codecs = append(params.Codecs, rtpcaps.RtpCodecParameters{
			MimeType:     c.mimeType,
			PayloadType:  c.payloadType,
			ClockRate:    c.clockRate,
			Channels:     c.channels,
			Parameters:   rtpcaps.ParseFmtp(c.fmtp),
			RtcpFeedback: c.feedback,
		})
	}
	enc := rtpcaps.RtpEncodingParameters{Ssrc: m.ssrc}
	if m.rtxSSRC != 0 {
		enc.Rtx = &rtpcaps.RtxParameters{Ssrc: m.rtxSSRC}
	}
	params.Encodings = []rtpcaps.RtpEncodingParameters{enc}
	return params
}

func answerDirection(offered string) string {
	switch offered {
	case "inactive":
		return "inactive"
	case "recvonly":
		return "sendonly"
	default:
		return "recvonly"
	}
}

// buildAnswer renders the relay side of the negotiation from its transport
// parameters. The relay is ICE-lite and takes the passive DTLS role.
func buildAnswer(offer *localOffer, opts rtpcaps.TransportOptions, caps rtpcaps.RtpCapabilities, preferred map[string]rtpcaps.RtpCodecCapability) (*sdp.SessionDescription, error) {
	answer, err := sdp.NewJSEPSessionDescription(false)
	if err != nil {
		return nil, err
	}
	if opts.IceParameters.IceLite {
		answer.WithPropertyAttribute("ice-lite")
	}

	ip, port := "0.0.0.0", 9
	if len(opts.IceCandidates) > 0 {
		ip, port = opts.IceCandidates[0].IP, int(opts.IceCandidates[0].Port)
	}
	addrType := "IP4"
	if strings.Contains(ip, ":") {
		addrType = "IP6"
	}

	var bundle []string
	for _, m := range offer.media {
		var pref *rtpcaps.RtpCodecCapability
		if p, ok := preferred[m.mid]; ok {
			pref = &p
		}
		codecs := m.negotiate(caps, pref)

		md := &sdp.MediaDescription{
			MediaName: sdp.MediaName{
				Media:  m.desc.MediaName.Media,
				Port:   sdp.RangedPort{Value: port},
				Protos: m.desc.MediaName.Protos,
			},
			ConnectionInformation: &sdp.ConnectionInformation{
				NetworkType: "IN",
				AddressType: addrType,
				Address:     &sdp.Address{Address: ip},
			},
		}
		md.WithValueAttribute("mid", m.mid)

		if len(codecs) == 0 {
			md.MediaName.Port = sdp.RangedPort{Value: 0}
			md.MediaName.Formats = m.desc.MediaName.Formats[:1]
			md.WithPropertyAttribute("inactive")
			answer.WithMedia(md)
			continue
		}
		bundle = append(bundle, m.mid)

		md.WithICECredentials(opts.IceParameters.UsernameFragment, opts.IceParameters.Password)
		for _, fp := range opts.DtlsParameters.Fingerprints {
			md.WithFingerprint(fp.Algorithm, fp.Value)
		}
		md.WithValueAttribute("setup", "passive")
		md.WithPropertyAttribute(answerDirection(m.direction))
		md.WithPropertyAttribute("rtcp-mux")
		md.WithPropertyAttribute("rtcp-rsize")

		for _, c := range codecs {
			pt := strconv.Itoa(int(c.payloadType))
			md.MediaName.Formats = append(md.MediaName.Formats, pt)
			_, name, _ := strings.Cut(c.mimeType, "/")
			rtpmap := fmt.Sprintf("%s %s/%d", pt, name, c.clockRate)
			if c.channels > 0 {
				rtpmap += "/" + strconv.Itoa(int(c.channels))
			}
			md.WithValueAttribute("rtpmap", rtpmap)
			if c.fmtp != "" {
				md.WithValueAttribute("fmtp", pt+" "+c.fmtp)
			}
			for _, fb := range c.feedback {
				v := pt + " " + fb.Type
				if fb.Parameter != "" {
					v += " " + fb.Parameter
				}
				md.WithValueAttribute("rtcp-fb", v)
			}
		}
		for _, ext := range m.acceptedExtensions(caps) {
			md.WithValueAttribute("extmap", fmt.Sprintf("%d %s", ext.ID, ext.URI))
		}
		for _, cand := range opts.IceCandidates {
			md.WithCandidate(cand.SDPValue())
		}
		md.WithPropertyAttribute("end-of-candidates")
		answer.WithMedia(md)
	}

	if len(bundle) > 0 {
		answer.Attributes = append([]sdp.Attribute{sdp.NewAttribute("group", "BUNDLE "+strings.Join(bundle, " "))}, answer.Attributes...)
	}
	return answer, nil
}
