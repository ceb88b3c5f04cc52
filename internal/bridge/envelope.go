// Package bridge carries structured request/response envelopes between the
// sidebar and the host process over a local websocket, and pushes voice
// status events back to every connected sidebar.
package bridge

import "encoding/json"

// Request types accepted from the sidebar.
const (
	TypeVoiceStart        = "voice.start"
	TypeVoiceStop         = "voice.stop"
	TypeVoiceToggle       = "voice.toggle"
	TypeVoiceEndUtterance = "voice.end_utterance"
	TypeVoiceState        = "voice.state"
	TypeCommand           = "command"

	TypeResponse    = "response"
	TypeVoiceStatus = "voice.status"
)

// Request is one sidebar call. ID is echoed in the response.
type Request struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type Response struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

// Event is pushed without a request.
type Event struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Payload any    `json:"payload"`
}

type statePayload struct {
	State string `json:"state"`
}

func ok(id string, payload any) Response {
	return Response{Type: TypeResponse, ID: id, OK: true, Payload: payload}
}

func fail(id, msg string) Response {
	return Response{Type: TypeResponse, ID: id, Error: msg}
}
