package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"drillquiz/internal/account"
	"drillquiz/internal/logging"
	"drillquiz/internal/realtime"
)

func newRealtimeCommand(ctx *commandContext) *cobra.Command {
	var req account.SessionRequest
	var text string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "realtime",
		Short: "Run one typed turn of a realtime voice interview",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			text = strings.TrimSpace(text)
			if text == "" {
				return errors.New("--text is required")
			}
			return ctx.withSession(cmd, func(s *cliSession) error {
				if req.Voice == "" {
					req.Voice = s.Config.Realtime.Voice
				}
				if req.Language == "" {
					req.Language = s.Config.API.Language
				}
				runCtx := cmd.Context()
				if timeout > 0 {
					var cancel context.CancelFunc
					runCtx, cancel = context.WithTimeout(runCtx, timeout)
					defer cancel()
				}
				return runRealtimeTurn(runCtx, cmd.OutOrStdout(), s, req, text)
			})
		},
	}

	cmd.Flags().StringVar(&req.ExamID, "exam", "", "Exam to interview on")
	cmd.Flags().StringVar(&req.Voice, "voice", "", "Voice (defaults to realtime.voice)")
	cmd.Flags().StringVar(&req.Language, "language", "", "Session language (defaults to api.language)")
	cmd.Flags().StringVar(&req.Instructions, "instructions", "", "Extra instructions for the interviewer")
	cmd.Flags().StringVar(&text, "text", "", "Message to send")
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "Give up waiting for a response after this long")
	return cmd
}

// runRealtimeTurn creates a session, sends text, prints the reply transcript,
// and tears the session down.
func runRealtimeTurn(ctx context.Context, out io.Writer, s *cliSession, req account.SessionRequest, text string) error {
	session, err := s.Accounts.CreateRealtimeSession(ctx, req)
	if err != nil {
		return fmt.Errorf("create realtime session: %w", err)
	}
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := s.Accounts.DeleteRealtimeSession(cleanupCtx, session.SessionID); err != nil {
			logging.WarnWithContext(s.Logger, "realtime session cleanup failed", "session_cleanup",
				logging.String(logging.FieldSessionID, session.SessionID),
				logging.Error(err),
			)
		}
	}()
	if session.WebSocketURL == "" {
		return errors.New("backend returned no websocket_url for the session")
	}

	client := realtime.New(session.WebSocketURL,
		realtime.WithClientSecret(session.ClientSecret),
		realtime.WithReconnect(s.Config.Realtime.ReconnectAttempts, s.Config.ReconnectDelay()),
		realtime.WithLogger(s.Logger),
	)
	defer client.Close()

	var outMu sync.Mutex
	printf := func(format string, args ...any) {
		outMu.Lock()
		defer outMu.Unlock()
		fmt.Fprintf(out, format, args...)
	}

	done := make(chan error, 1)
	finish := func(err error) {
		select {
		case done <- err:
		default:
		}
	}

	client.On(realtime.EventTranscriptionCompleted, func(m realtime.Message) {
		printf("you: %s\n", m.Transcript)
	})
	client.On(realtime.EventAudioTranscriptDelta, func(m realtime.Message) {
		printf("%s", m.Delta)
	})
	client.On(realtime.EventAudioTranscriptDone, func(realtime.Message) {
		printf("\n")
	})
	client.On(realtime.EventError, func(m realtime.Message) {
		printf("error: %s\n", m.Error.Error())
	})
	client.On(realtime.EventResponseDone, func(realtime.Message) {
		finish(nil)
	})
	client.On(realtime.EventReconnectFailed, func(realtime.Message) {
		finish(errors.New("realtime connection lost and could not be restored"))
	})

	if err := client.Connect(ctx); err != nil {
		return err
	}
	if session.ExamTitle != "" {
		printf("Interview: %s\n", session.ExamTitle)
	}
	if err := client.SendText(text); err != nil {
		return err
	}
	if err := client.RequestResponse(""); err != nil {
		return err
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("waiting for realtime response: %w", ctx.Err())
	}
}
