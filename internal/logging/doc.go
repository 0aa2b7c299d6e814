// Package logging assembles structured slog loggers and formatting helpers used
// across the DrillQuiz client.
//
// It owns the configurable console/JSON handlers, centralizes level and output
// plumbing, and exposes context-aware helpers so transport code can tag log
// lines with request IDs and realtime session IDs. The package also provides a
// no-op logger for tests and wiring code that cannot fail.
package logging
