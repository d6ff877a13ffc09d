package calls

import (
	"encoding/json"
	"fmt"
)

// Signal payloads form the wire contract between the two participants. Each
// signal type carries exactly one payload shape; DecodePayload is the only
// place that maps type to shape, so consumers never guess from raw JSON.

// SDPPayload carries a session description for offer, answer and renegotiate
// signals.
type SDPPayload struct {
	SDP string `json:"sdp"`
}

// ICEPayload carries one connectivity candidate.
type ICEPayload struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdp_mid,omitempty"`
	SDPMLineIndex uint16 `json:"sdp_mline_index,omitempty"`
}

// HangupPayload carries an optional reason tag.
type HangupPayload struct {
	Reason string `json:"reason,omitempty"`
}

// ControlPayload is reserved. Receivers ignore it.
type ControlPayload struct {
	Action string `json:"action,omitempty"`
}

// EncodePayload marshals a typed payload for storage and transport.
func EncodePayload(v any) (json.RawMessage, error) {
	switch v.(type) {
	case SDPPayload, ICEPayload, HangupPayload, ControlPayload:
	default:
		return nil, fmt.Errorf("unsupported payload type %T", v)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return b, nil
}

// DecodePayload unmarshals raw into the payload shape for t.
func DecodePayload(t SignalType, raw json.RawMessage) (any, error) {
	switch t {
	case SignalOffer, SignalAnswer, SignalRenegotiate:
		var p SDPPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", t, err)
		}
		if p.SDP == "" {
			return nil, fmt.Errorf("%s payload missing sdp", t)
		}
		return p, nil
	case SignalICE:
		var p ICEPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode ice payload: %w", err)
		}
		if p.Candidate == "" {
			return nil, fmt.Errorf("ice payload missing candidate")
		}
		return p, nil
	case SignalHangup:
		var p HangupPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode hangup payload: %w", err)
		}
		return p, nil
	case SignalControl:
		var p ControlPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode control payload: %w", err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown signal type %q", t)
	}
}
