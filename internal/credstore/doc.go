// Package credstore persists the DrillQuiz access/refresh credential pair, the
// cached user profile, and broadcasts authentication snapshots to subscribers.
//
// The Store is an explicit service object: construct it with New over a
// Storage backend, call Init to hydrate its cache, and Dispose when finished.
// Storage backends cover in-memory use (tests, ephemeral sessions), a locked
// JSON file, SQLite, and Redis for sessions shared between hosts.
package credstore
