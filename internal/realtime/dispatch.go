package realtime

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"drillquiz/internal/logging"
)

// directEvents maps vendor message types that translate one-to-one.
var directEvents = map[string]Event{
	"session.created":                                       EventSessionCreated,
	"session.updated":                                       EventSessionUpdated,
	"conversation.item.created":                             EventConversationItemCreated,
	"input_audio_buffer.committed":                          EventAudioBufferCommitted,
	"input_audio_buffer.speech_started":                     EventSpeechStarted,
	"input_audio_buffer.speech_stopped":                     EventSpeechStopped,
	"conversation.item.input_audio_transcription.completed": EventTranscriptionCompleted,
	"conversation.item.input_audio_transcription.failed":    EventTranscriptionFailed,
	"response.audio_transcript.delta":                       EventAudioTranscriptDelta,
	"response.audio_transcript.done":                        EventAudioTranscriptDone,
	"response.output_audio_transcript.done":                 EventAudioTranscriptDone,
	"response.audio.done":                                   EventAudioDone,
	"response.output_audio.done":                            EventAudioDone,
	"response.created":                                      EventResponseCreated,
	"response.done":                                         EventResponseDone,
}

// quietTypes are known messages that carry nothing handlers need.
var quietTypes = map[string]struct{}{
	"conversation.item.added":     {},
	"response.output_item.added":  {},
	"response.output_item.done":   {},
	"response.content_part.added": {},
	"response.content_part.done":  {},
	"rate_limits.updated":         {},
}

type contentPart struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	Transcript string `json:"transcript,omitempty"`
}

type conversationItem struct {
	Transcript string        `json:"transcript"`
	Content    []contentPart `json:"content"`
}

type envelope struct {
	Type       string            `json:"type"`
	EventID    string            `json:"event_id"`
	Delta      string            `json:"delta"`
	Transcript string            `json:"transcript"`
	Error      *APIError         `json:"error"`
	Item       *conversationItem `json:"item"`
}

// dispatch decodes one inbound frame and emits the matching event.
func (c *Client) dispatch(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.logger.Debug("dropping unparseable realtime message", logging.Error(err))
		return
	}
	msg := Message{
		Type:       env.Type,
		EventID:    env.EventID,
		Delta:      env.Delta,
		Transcript: env.Transcript,
		Raw:        json.RawMessage(data),
	}

	if event, ok := directEvents[env.Type]; ok {
		c.emit(event, msg)
		return
	}

	switch env.Type {
	case "conversation.item.done":
		transcript := strings.TrimSpace(itemTranscript(env))
		if transcript == "" {
			c.logger.Warn("conversation item finished without transcript",
				logging.String(logging.FieldEventType, env.Type),
				logging.String("event_id", env.EventID),
			)
			return
		}
		msg.Transcript = transcript
		c.emit(EventTranscriptionCompleted, msg)
	case "response.output_audio_transcript.delta":
		if env.Delta != "" {
			c.emit(EventAudioTranscriptDelta, msg)
		}
	case "response.audio.delta", "response.output_audio.delta":
		if env.Delta == "" {
			c.logger.Warn("audio delta without payload", logging.String(logging.FieldEventType, env.Type))
			return
		}
		audio, err := base64.StdEncoding.DecodeString(env.Delta)
		if err != nil {
			c.logger.Warn("audio delta is not valid base64",
				logging.String(logging.FieldEventType, env.Type),
				logging.Error(err),
			)
			return
		}
		msg.Audio = audio
		c.emit(EventAudioDelta, msg)
	case "error":
		msg.Error = env.Error
		if msg.Error == nil {
			msg.Error = &APIError{Type: "unknown", Message: "error message without details"}
		}
		c.logger.Warn("realtime api error",
			logging.String(logging.FieldEventType, "api_error"),
			logging.String("error_type", msg.Error.Type),
			logging.String("error_code", msg.Error.Code),
			logging.String("error_message", msg.Error.Message),
		)
		c.emit(EventError, msg)
	default:
		if _, ok := quietTypes[env.Type]; ok {
			c.logger.Debug("realtime message ignored", logging.String(logging.FieldEventType, env.Type))
			return
		}
		c.logger.Warn("unknown realtime message type",
			logging.String(logging.FieldEventType, env.Type),
			logging.String("event_id", env.EventID),
		)
	}
}

// itemTranscript looks for the user's transcript in the item content, then
// on the item, then at the top level.
func itemTranscript(env envelope) string {
	if env.Item != nil {
		for _, part := range env.Item.Content {
			if part.Type == "input_text" && part.Text != "" {
				return part.Text
			}
			if part.Type == "input_audio_transcription" && part.Transcript != "" {
				return part.Transcript
			}
		}
		if env.Item.Transcript != "" {
			return env.Item.Transcript
		}
	}
	return env.Transcript
}
