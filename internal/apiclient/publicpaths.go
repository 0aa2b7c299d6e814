package apiclient

import (
	"net/http"
	"strings"
)

// PublicPaths is the allow-list of API prefixes anonymous users may read. A
// 401 on a GET below one of them is returned to the caller untouched.
type PublicPaths []string

// Allows reports whether method and path fall under an allow-listed prefix.
// Matching is by exact prefix, never substring.
func (p PublicPaths) Allows(method, path string) bool {
	if method != http.MethodGet {
		return false
	}
	for _, prefix := range p {
		if prefix != "" && strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}
