package apiclient

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnauthorized reports that the request could not be authenticated and the
// stored credentials were discarded.
var ErrUnauthorized = errors.New("unauthorized: sign in again")

const maxErrorBody = 4 << 10

// StatusError is returned by the JSON helpers for non-2xx responses.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.StatusCode)
	if body := strings.TrimSpace(string(e.Body)); body != "" {
		msg += ": " + body
	}
	return msg
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.StatusCode == code
}
