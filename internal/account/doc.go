// Package account wraps the DrillQuiz authentication and profile endpoints.
//
// Service stores the tokens and user returned by login and registration,
// clears them on logout, caches the user profile for a few minutes, and
// creates or deletes realtime voice sessions.
package account
