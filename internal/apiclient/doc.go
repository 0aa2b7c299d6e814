// Package apiclient is the authenticated HTTP client for the DrillQuiz API.
//
// Transport is an http.RoundTripper that attaches the bearer credential and
// CSRF token before a request leaves, refreshes an expiring access token, and
// retries a request once after a 401. When no credential can be recovered it
// clears the credential store and asks the LoginRedirector to send the user to
// sign in. Client layers JSON helpers and two timeouts over that transport, and
// Open wires the whole stack from configuration.
package apiclient
