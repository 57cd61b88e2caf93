package signaling

import (
	"bytes"
	"encoding/json"

	"advisorhub/pkg/types"
)

// Reasons reported by ValidateSignalingMessage.
var (
	ErrMalformedJSON     = types.NewValidationError("message", "message is not a JSON object")
	ErrNotSignaling      = types.NewValidationError("type", "not a signaling message type")
	ErrPayloadNotObject  = types.NewValidationError("payload", "payload must be an object")
	ErrMissingSessionID  = types.NewValidationError("sessionId", "sessionId is required")
	ErrInvalidSessionID  = types.NewValidationError("sessionId", "sessionId must be a positive integer")
	ErrMissingOffer      = types.NewValidationError("offer", "offer description is required")
	ErrInvalidOffer      = types.NewValidationError("offer", "offer must have type 'offer' and an sdp")
	ErrInvalidCallType   = types.NewValidationError("callType", "callType must be 'audio' or 'video'")
	ErrMissingAnswer     = types.NewValidationError("answer", "answer description is required")
	ErrInvalidAnswer     = types.NewValidationError("answer", "answer must have type 'answer' and an sdp")
	ErrMissingCandidate  = types.NewValidationError("candidate", "candidate is required")
	ErrInvalidCandidate  = types.NewValidationError("candidate", "candidate must carry a candidate string")
	ErrMissingMediaIndex = types.NewValidationError("candidate", "candidate needs sdpMid or sdpMLineIndex")
	ErrInvalidReason     = types.NewValidationError("reason", "reason must be a string")
)

type rawSignal struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ValidateSignalingMessage parses raw into a typed signaling message. It never
// panics; any structural problem yields a nil message and a ValidationError
// naming the rule that failed.
func ValidateSignalingMessage(raw []byte) (*types.SignalingMessage, error) {
	var env rawSignal
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, ErrMalformedJSON
	}
	return validatePayload(env.Type, env.Payload)
}

func validatePayload(kind string, payload json.RawMessage) (*types.SignalingMessage, error) {
	switch kind {
	case types.TypeSignalOffer, types.TypeSignalAnswer, types.TypeSignalIceCandidate, types.TypeSignalEnd:
	default:
		return nil, ErrNotSignaling
	}

	fields, err := objectFields(payload)
	if err != nil {
		return nil, err
	}

	sessionID, err := sessionIDField(fields)
	if err != nil {
		return nil, err
	}

	msg := &types.SignalingMessage{Kind: kind, SessionID: sessionID}

	switch kind {
	case types.TypeSignalOffer:
		desc, err := descriptionField(fields, "offer", ErrMissingOffer, ErrInvalidOffer)
		if err != nil {
			return nil, err
		}
		var callType string
		if err := decodeField(fields, "callType", &callType); err != nil ||
			(callType != types.SessionTypeAudio && callType != types.SessionTypeVideo) {
			return nil, ErrInvalidCallType
		}
		msg.Offer = &types.SignalOffer{SessionID: sessionID, Offer: desc, CallType: callType}

	case types.TypeSignalAnswer:
		desc, err := descriptionField(fields, "answer", ErrMissingAnswer, ErrInvalidAnswer)
		if err != nil {
			return nil, err
		}
		msg.Answer = &types.SignalAnswer{SessionID: sessionID, Answer: desc}

	case types.TypeSignalIceCandidate:
		candidate, err := candidateField(fields)
		if err != nil {
			return nil, err
		}
		msg.Candidate = &types.SignalIceCandidate{SessionID: sessionID, Candidate: candidate}

	case types.TypeSignalEnd:
		var reason string
		if _, ok := fields["reason"]; ok && !isNull(fields["reason"]) {
			if err := decodeField(fields, "reason", &reason); err != nil {
				return nil, ErrInvalidReason
			}
		}
		msg.End = &types.SignalEnd{SessionID: sessionID, Reason: reason}
	}

	return msg, nil
}

func objectFields(payload json.RawMessage) (map[string]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, ErrPayloadNotObject
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, ErrPayloadNotObject
	}
	return fields, nil
}

func sessionIDField(fields map[string]json.RawMessage) (int64, error) {
	raw, ok := fields["sessionId"]
	if !ok || isNull(raw) {
		return 0, ErrMissingSessionID
	}
	var id int64
	if err := json.Unmarshal(raw, &id); err != nil || id <= 0 {
		return 0, ErrInvalidSessionID
	}
	return id, nil
}

func descriptionField(fields map[string]json.RawMessage, name string, missing, invalid error) (types.SessionDescription, error) {
	raw, ok := fields[name]
	if !ok || isNull(raw) {
		return types.SessionDescription{}, missing
	}
	inner, err := objectFields(raw)
	if err != nil {
		return types.SessionDescription{}, invalid
	}
	var desc types.SessionDescription
	if decodeField(inner, "type", &desc.Type) != nil || desc.Type != name {
		return types.SessionDescription{}, invalid
	}
	if decodeField(inner, "sdp", &desc.SDP) != nil || desc.SDP == "" {
		return types.SessionDescription{}, invalid
	}
	return desc, nil
}

func candidateField(fields map[string]json.RawMessage) (types.IceCandidate, error) {
	raw, ok := fields["candidate"]
	if !ok || isNull(raw) {
		return types.IceCandidate{}, ErrMissingCandidate
	}
	inner, err := objectFields(raw)
	if err != nil {
		return types.IceCandidate{}, ErrInvalidCandidate
	}

	var c types.IceCandidate
	if _, ok := inner["candidate"]; !ok || decodeField(inner, "candidate", &c.Candidate) != nil {
		return types.IceCandidate{}, ErrInvalidCandidate
	}
	if v, ok := inner["sdpMid"]; ok && !isNull(v) {
		var mid string
		if json.Unmarshal(v, &mid) != nil {
			return types.IceCandidate{}, ErrInvalidCandidate
		}
		c.SDPMid = &mid
	}
	if v, ok := inner["sdpMLineIndex"]; ok && !isNull(v) {
		var idx int
		if json.Unmarshal(v, &idx) != nil || idx < 0 {
			return types.IceCandidate{}, ErrInvalidCandidate
		}
		c.SDPMLineIndex = &idx
	}
	if c.SDPMid == nil && c.SDPMLineIndex == nil {
		return types.IceCandidate{}, ErrMissingMediaIndex
	}
	return c, nil
}

// decodeField strictly decodes fields[name] into a string destination. A
// missing key or a JSON value of the wrong kind is an error.
func decodeField(fields map[string]json.RawMessage, name string, dst *string) error {
	raw, ok := fields[name]
	if !ok || isNull(raw) {
		return ErrPayloadNotObject
	}
	return json.Unmarshal(raw, dst)
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
