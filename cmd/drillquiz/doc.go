// Package main hosts the DrillQuiz CLI entrypoint and command graph.
//
// The Cobra command tree signs in against a DrillQuiz backend, persists the
// resulting credentials, and issues authenticated API requests through the
// same transport the library exposes. Configuration resolution, credential
// storage, and logging are wired once in commandContext so each subcommand
// only deals with its own output.
package main
