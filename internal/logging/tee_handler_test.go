package logging

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
)

func TestTeeHandlerSkipsNilSinks(t *testing.T) {
	if _, ok := TeeHandler(nil, nil).(NoopHandler); !ok {
		t.Fatal("expected NoopHandler when every sink is nil")
	}
	inner := slog.NewJSONHandler(&bytes.Buffer{}, nil)
	if h := TeeHandler(nil, inner); h != inner {
		t.Fatal("expected a single sink to be returned unwrapped")
	}
}

func TestTeeHandlerRespectsSinkLevels(t *testing.T) {
	var console, file bytes.Buffer
	tee := TeeHandler(
		slog.NewTextHandler(&console, &slog.HandlerOptions{Level: slog.LevelWarn}),
		slog.NewJSONHandler(&file, &slog.HandlerOptions{Level: slog.LevelDebug}),
	)
	logger := slog.New(tee)

	logger.Debug("refresh started")
	if console.Len() != 0 {
		t.Fatalf("expected warn sink to skip debug, got %q", console.String())
	}
	if !bytes.Contains(file.Bytes(), []byte("refresh started")) {
		t.Fatalf("expected debug sink to receive record, got %q", file.String())
	}
	if tee.Enabled(context.Background(), slog.LevelDebug-4) {
		t.Fatal("expected tee disabled below every sink level")
	}
}

func TestTeeHandlerCarriesAttrsToEverySink(t *testing.T) {
	var a, b bytes.Buffer
	tee := TeeHandler(slog.NewJSONHandler(&a, nil), slog.NewJSONHandler(&b, nil))
	slog.New(tee.WithAttrs([]slog.Attr{slog.String(FieldComponent, "realtime")})).Info("connected")

	for name, buf := range map[string]*bytes.Buffer{"first": &a, "second": &b} {
		if !bytes.Contains(buf.Bytes(), []byte(`"component":"realtime"`)) {
			t.Fatalf("expected component attribute in %s sink: %q", name, buf.String())
		}
	}
}

type failingHandler struct{ NoopHandler }

func (failingHandler) Enabled(context.Context, slog.Level) bool { return true }

func (failingHandler) Handle(context.Context, slog.Record) error { return errors.New("disk full") }

func TestTeeHandlerJoinsSinkErrors(t *testing.T) {
	var buf bytes.Buffer
	tee := TeeHandler(failingHandler{}, slog.NewJSONHandler(&buf, nil))
	err := tee.Handle(context.Background(), slog.NewRecord(timeZero, slog.LevelInfo, "msg", 0))
	if err == nil || err.Error() != "disk full" {
		t.Fatalf("expected joined sink error, got %v", err)
	}
	if buf.Len() == 0 {
		t.Fatal("expected healthy sink to still receive the record")
	}
}
