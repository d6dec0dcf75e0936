package protocol

import (
	"encoding/json"
	"strings"
)

// Wire event names, client → server.
const (
	eventJoinSession = "join_session"
	eventTextMessage = "text_message"
	eventInterrupt   = "interrupt"
)

// Wire event names, server → client.
const (
	eventVoiceResponse = "voice_response"
	eventStatus        = "status"
	eventError         = "error"
)

// envelope is the framing for every message on the socket.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// joinPayload announces the client to the orchestrator for one session.
type joinPayload struct {
	SessionID   string `json:"sessionId"`
	UserID      string `json:"userId,omitempty"`
	JobPosition string `json:"jobPosition,omitempty"`
	Background  string `json:"background,omitempty"`
}

// textPayload carries one recognized user utterance.
type textPayload struct {
	Text        string `json:"text"`
	SessionID   string `json:"sessionId"`
	UserID      string `json:"userId,omitempty"`
	JobPosition string `json:"jobPosition,omitempty"`
	Background  string `json:"background,omitempty"`
}

// VoiceResponse is the orchestrator's reply to a submitted utterance.
type VoiceResponse struct {
	// Text is the digital human's spoken response.
	Text string `json:"text"`

	// AudioURL points at a server-synthesized asset; empty when the client
	// must synthesize locally.
	AudioURL string `json:"audioUrl,omitempty"`

	// TTSMode is "client" when the client synthesizes Text itself, anything
	// else (or empty with AudioURL set) means play the provided asset.
	TTSMode string `json:"ttsMode,omitempty"`

	// UserText echoes the recognized user utterance this responds to.
	UserText string `json:"userText,omitempty"`

	// IsCompleted marks the final response of the interview.
	IsCompleted bool `json:"isCompleted,omitempty"`

	// Status may carry "completed" instead of the boolean flag.
	Status string `json:"status,omitempty"`
}

// Completed reports whether the response carries the explicit completion
// flag in either of its wire forms.
func (v VoiceResponse) Completed() bool {
	return v.IsCompleted || strings.EqualFold(v.Status, "completed")
}

// ClientTTS reports whether the client must synthesize the text locally.
func (v VoiceResponse) ClientTTS() bool {
	if v.TTSMode != "" {
		return strings.EqualFold(v.TTSMode, "client")
	}
	return v.AudioURL == ""
}

// Status is the orchestrator's processing-state broadcast.
type Status struct {
	IsProcessing           bool   `json:"isProcessing"`
	IsDigitalHumanSpeaking bool   `json:"isDigitalHumanSpeaking"`
	IsCompleted            bool   `json:"isCompleted,omitempty"`
	Status                 string `json:"status,omitempty"`
}

// Completed reports whether the status carries the completion flag.
func (s Status) Completed() bool {
	return s.IsCompleted || strings.EqualFold(s.Status, "completed")
}

// errorPayload is the orchestrator's error broadcast.
type errorPayload struct {
	Message string `json:"message"`
}

// EventKind discriminates inbound [Event] values.
type EventKind int

const (
	// KindVoiceResponse carries a [VoiceResponse].
	KindVoiceResponse EventKind = iota

	// KindStatus carries a [Status].
	KindStatus

	// KindError carries a server-reported error message.
	KindError

	// KindDisconnected is emitted once when the receive loop exits.
	KindDisconnected
)

// Event is one inbound protocol event, delivered on [Client.Events].
type Event struct {
	Kind   EventKind
	Voice  VoiceResponse // valid when Kind == KindVoiceResponse
	Status Status        // valid when Kind == KindStatus
	Err    string        // valid when Kind == KindError or KindDisconnected
}
