package logging

import (
	"log/slog"
	"strconv"
	"strings"
)

const redacted = "[redacted]"

// sensitiveKeys never reach a log sink in clear text, whichever helper
// produced them.
var sensitiveKeys = map[string]struct{}{
	"access":        {},
	"access_token":  {},
	"refresh":       {},
	"refresh_token": {},
	"authorization": {},
	"password":      {},
	"client_secret": {},
	"csrf_token":    {},
	"x-csrftoken":   {},
	"cookie":        {},
}

func isSensitive(key string) bool {
	if i := strings.LastIndexByte(key, '.'); i >= 0 {
		key = key[i+1:]
	}
	_, ok := sensitiveKeys[strings.ToLower(key)]
	return ok
}

// redactValue replaces the value of a sensitive key unless it was already
// masked by Secret.
func redactValue(key string, v slog.Value) slog.Value {
	if !isSensitive(key) {
		return v
	}
	if v.Kind() == slog.KindString && strings.HasPrefix(v.String(), "len=") {
		return v
	}
	return slog.StringValue(redacted)
}

func maskSecret(value string) string {
	if value == "" {
		return "len=0"
	}
	if len(value) <= 8 {
		return "len=" + strconv.Itoa(len(value))
	}
	return "len=" + strconv.Itoa(len(value)) + " ..." + value[len(value)-4:]
}
