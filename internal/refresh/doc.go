// Package refresh exchanges the stored refresh token for a new access token.
//
// Coordinator guarantees at most one refresh call is outstanding: concurrent
// callers join the pending exchange and all observe its outcome.
package refresh
