package realtime

import (
	"encoding/json"
	"fmt"
)

// Event names a client-side event delivered to handlers.
type Event string

// Connection events.
const (
	EventConnected       Event = "connected"
	EventDisconnected    Event = "disconnected"
	EventReconnectFailed Event = "reconnect_failed"
)

// Session events translated from inbound messages.
const (
	EventSessionCreated          Event = "session_created"
	EventSessionUpdated          Event = "session_updated"
	EventConversationItemCreated Event = "conversation_item_created"
	EventTranscriptionCompleted  Event = "transcription_completed"
	EventTranscriptionFailed     Event = "transcription_failed"
	EventAudioBufferCommitted    Event = "audio_buffer_committed"
	EventSpeechStarted           Event = "speech_started"
	EventSpeechStopped           Event = "speech_stopped"
	EventAudioTranscriptDelta    Event = "audio_transcript_delta"
	EventAudioTranscriptDone     Event = "audio_transcript_done"
	EventAudioDelta              Event = "audio_delta"
	EventAudioDone               Event = "audio_done"
	EventResponseCreated         Event = "response_created"
	EventResponseDone            Event = "response_done"
	EventError                   Event = "error"
)

// Message is the payload handed to event handlers. Fields not relevant to the
// event are zero.
type Message struct {
	// Type is the vendor message type, empty for connection events.
	Type    string
	EventID string

	Transcript string
	Delta      string
	// Audio holds decoded PCM16 bytes for EventAudioDelta.
	Audio []byte
	Error *APIError

	// CloseCode is set for EventDisconnected.
	CloseCode int
	// Err is the read error that ended the connection, if any.
	Err error

	Raw json.RawMessage
}

// Handler receives events. Handlers run on the client's read goroutine and
// must not block for long.
type Handler func(Message)

// APIError is the error object of an inbound "error" message.
type APIError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Param   string `json:"param"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("realtime %s (%s): %s", e.Type, e.Code, e.Message)
	}
	return fmt.Sprintf("realtime %s: %s", e.Type, e.Message)
}
