package rtpcaps

import (
	"encoding/json"
	"fmt"

	"github.com/pion/stun/v3"
)

type IceParameters struct {
	UsernameFragment string `json:"usernameFragment"`
	Password         string `json:"password"`
	IceLite          bool   `json:"iceLite,omitempty"`
}

type IceCandidate struct {
	Foundation string `json:"foundation"`
	Priority   uint32 `json:"priority"`
	IP         string `json:"ip"`
	Protocol   string `json:"protocol"`
	Port       uint16 `json:"port"`
	Type       string `json:"type"`
	TCPType    string `json:"tcpType,omitempty"`
}

// SDPValue renders the candidate as the value of an SDP "a=candidate:" line
func (c IceCandidate) SDPValue() string {
	v := fmt.Sprintf("%s 1 %s %d %s %d typ %s", c.Foundation, c.Protocol, c.Priority, c.IP, c.Port, c.Type)
	if c.TCPType != "" {
		v += " tcptype " + c.TCPType
	}
	return v
}

// DTLS roles as used on the wire
const (
	DtlsRoleAuto   = "auto"
	DtlsRoleClient = "client"
	DtlsRoleServer = "server"
)

type DtlsFingerprint struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

type DtlsParameters struct {
	Role         string            `json:"role,omitempty"`
	Fingerprints []DtlsFingerprint `json:"fingerprints"`
}

// TransportOptions are the relay-issued parameters of a WebRTC transport
type TransportOptions struct {
	ID             string         `json:"id"`
	IceParameters  IceParameters  `json:"iceParameters"`
	IceCandidates  []IceCandidate `json:"iceCandidates"`
	DtlsParameters DtlsParameters `json:"dtlsParameters"`
}

// Validate checks that everything needed to build the remote description is present
func (o TransportOptions) Validate() error {
	if o.ID == "" {
		return fmt.Errorf("transport options: missing id")
	}
	if o.IceParameters.UsernameFragment == "" || o.IceParameters.Password == "" {
		return fmt.Errorf("transport options: missing ICE credentials")
	}
	if len(o.IceCandidates) == 0 {
		return fmt.Errorf("transport options: no ICE candidates")
	}
	if len(o.DtlsParameters.Fingerprints) == 0 {
		return fmt.Errorf("transport options: no DTLS fingerprints")
	}
	return nil
}

// IceServer is a STUN/TURN server descriptor as returned by getTurnCredentials
type IceServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// UnmarshalJSON accepts "urls" either as a single string or a list
func (s *IceServer) UnmarshalJSON(data []byte) error {
	var raw struct {
		URLs       json.RawMessage `json:"urls"`
		Username   string          `json:"username"`
		Credential string          `json:"credential"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	s.Username = raw.Username
	s.Credential = raw.Credential
	s.URLs = nil
	if len(raw.URLs) == 0 {
		return nil
	}
	var single string
	if err := json.Unmarshal(raw.URLs, &single); err == nil {
		s.URLs = []string{single}
		return nil
	}
	return json.Unmarshal(raw.URLs, &s.URLs)
}

// Validate parses every url and requires credentials for TURN entries
func (s IceServer) Validate() error {
	if len(s.URLs) == 0 {
		return fmt.Errorf("ice server: no urls")
	}
	for _, raw := range s.URLs {
		uri, err := stun.ParseURI(raw)
		if err != nil {
			return fmt.Errorf("ice server: invalid url %q: %w", raw, err)
		}
		if uri.Scheme == stun.SchemeTypeTURN || uri.Scheme == stun.SchemeTypeTURNS {
			if s.Username == "" || s.Credential == "" {
				return fmt.Errorf("ice server: %q requires username and credential", raw)
			}
		}
	}
	return nil
}
