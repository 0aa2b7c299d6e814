// Package realtime is a WebSocket client for realtime voice sessions.
//
// Client connects to the session's WebSocket URL, translates inbound vendor
// messages into a small set of events, and sends microphone audio and text
// back. An abnormal close triggers a bounded number of reconnect attempts.
package realtime
