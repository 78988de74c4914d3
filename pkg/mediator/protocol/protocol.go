// Package protocol defines the tagged wire format spoken over the customer
// and supervisor websocket connections. Inbound frames decode into a closed
// variant set; unknown tags are protocol violations.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

// Session mode as seen on the wire.
const (
	ModeAI    = "ai"
	ModeHuman = "human"
)

// ---------------------------------------------------------------------------
// Customer inbound (client -> server)

type CustomerAudio struct {
	Type string `json:"type"`
	Data string `json:"data"` // base64 pcm_s16le_16k_mono
}

type CustomerText struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// CustomerCaption is a client-supplied caption for diagnostics. It is
// appended to the transcript but never forwarded to the AI.
type CustomerCaption struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

func DecodeCustomerMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case "audio":
		var msg CustomerAudio
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid audio frame", "")
		}
		if strings.TrimSpace(msg.Data) == "" {
			return nil, badRequest("audio.data is required", "data")
		}
		return msg, nil
	case "text":
		var msg CustomerText
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid text frame", "")
		}
		if strings.TrimSpace(msg.Content) == "" {
			return nil, badRequest("text.content is required", "content")
		}
		return msg, nil
	case "transcript":
		var msg CustomerCaption
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid transcript frame", "")
		}
		if strings.TrimSpace(msg.Content) == "" {
			return nil, badRequest("transcript.content is required", "content")
		}
		return msg, nil
	default:
		return nil, badRequest("unsupported message type", "type")
	}
}

// ---------------------------------------------------------------------------
// Supervisor inbound (dashboard -> server)

type Takeover struct {
	Type         string `json:"type"`
	SessionID    string `json:"sessionId"`
	SupervisorID string `json:"supervisorId"`
}

type Handback struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Context   string `json:"context,omitempty"`
}

type InjectContext struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Context   string `json:"context"`
}

type SupervisorText struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Content   string `json:"content"`
}

type SupervisorAudio struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Data      string `json:"data"` // base64 pcm
}

type EndCall struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

type GetSessions struct {
	Type string `json:"type"`
}

// decodeContextString accepts only a JSON string for context fields. The
// dashboards historically sent both `"..."` and `["..."]`; the array shape is
// rejected at decode so downstream code sees a single string.
func decodeContextString(raw json.RawMessage, param string) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", badRequest("context must be a string", param)
	}
	return s, nil
}

func DecodeSupervisorMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case "takeover":
		var msg Takeover
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid takeover frame", "")
		}
		if strings.TrimSpace(msg.SessionID) == "" {
			return nil, badRequest("takeover.sessionId is required", "sessionId")
		}
		if strings.TrimSpace(msg.SupervisorID) == "" {
			return nil, badRequest("takeover.supervisorId is required", "supervisorId")
		}
		return msg, nil
	case "handback":
		var raw struct {
			Type      string          `json:"type"`
			SessionID string          `json:"sessionId"`
			Context   json.RawMessage `json:"context"`
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, badRequest("invalid handback frame", "")
		}
		if strings.TrimSpace(raw.SessionID) == "" {
			return nil, badRequest("handback.sessionId is required", "sessionId")
		}
		ctxStr, err := decodeContextString(raw.Context, "context")
		if err != nil {
			return nil, err
		}
		return Handback{Type: raw.Type, SessionID: raw.SessionID, Context: ctxStr}, nil
	case "injectContext":
		var raw struct {
			Type      string          `json:"type"`
			SessionID string          `json:"sessionId"`
			Context   json.RawMessage `json:"context"`
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, badRequest("invalid injectContext frame", "")
		}
		if strings.TrimSpace(raw.SessionID) == "" {
			return nil, badRequest("injectContext.sessionId is required", "sessionId")
		}
		ctxStr, err := decodeContextString(raw.Context, "context")
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(ctxStr) == "" {
			return nil, badRequest("injectContext.context is required", "context")
		}
		return InjectContext{Type: raw.Type, SessionID: raw.SessionID, Context: ctxStr}, nil
	case "supervisorMessage":
		var msg SupervisorText
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid supervisorMessage frame", "")
		}
		if strings.TrimSpace(msg.SessionID) == "" {
			return nil, badRequest("supervisorMessage.sessionId is required", "sessionId")
		}
		if strings.TrimSpace(msg.Content) == "" {
			return nil, badRequest("supervisorMessage.content is required", "content")
		}
		return msg, nil
	case "supervisorAudio":
		var msg SupervisorAudio
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid supervisorAudio frame", "")
		}
		if strings.TrimSpace(msg.SessionID) == "" {
			return nil, badRequest("supervisorAudio.sessionId is required", "sessionId")
		}
		if strings.TrimSpace(msg.Data) == "" {
			return nil, badRequest("supervisorAudio.data is required", "data")
		}
		return msg, nil
	case "endCall":
		var msg EndCall
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid endCall frame", "")
		}
		if strings.TrimSpace(msg.SessionID) == "" {
			return nil, badRequest("endCall.sessionId is required", "sessionId")
		}
		return msg, nil
	case "getSessions":
		return GetSessions{Type: typ}, nil
	default:
		return nil, badRequest("unsupported message type", "type")
	}
}
