package account

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"drillquiz/internal/logging"
)

// SessionRequest asks the backend for a realtime voice session.
type SessionRequest struct {
	ExamID       string `json:"exam_id,omitempty"`
	Voice        string `json:"voice,omitempty"`
	Language     string `json:"language,omitempty"`
	Instructions string `json:"instructions,omitempty"`
}

// RealtimeSession is the backend's answer to a session request.
type RealtimeSession struct {
	SessionID    string `json:"session_id"`
	ClientSecret string `json:"client_secret"`
	Voice        string `json:"voice"`
	Language     string `json:"language"`
	ExamTitle    string `json:"exam_title"`
	WebSocketURL string `json:"websocket_url"`
}

// CreateRealtimeSession starts a realtime voice session.
func (s *Service) CreateRealtimeSession(ctx context.Context, req SessionRequest) (*RealtimeSession, error) {
	var session RealtimeSession
	if err := s.client.PostJSON(ctx, RealtimeSessionPath, req, &session); err != nil {
		return nil, err
	}
	if session.SessionID == "" {
		return nil, errors.New("realtime session response missing session_id")
	}
	s.logger.Info("realtime session created",
		logging.String(logging.FieldSessionID, session.SessionID),
		logging.Bool("has_websocket_url", session.WebSocketURL != ""),
	)
	return &session, nil
}

// DeleteRealtimeSession ends the session with id.
func (s *Service) DeleteRealtimeSession(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("realtime session id is required")
	}
	if err := s.client.Delete(ctx, RealtimeSessionPath+url.PathEscape(id)+"/"); err != nil {
		return err
	}
	s.logger.Info("realtime session deleted", logging.String(logging.FieldSessionID, id))
	return nil
}
