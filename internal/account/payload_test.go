package account

import (
	"encoding/json"
	"testing"
	"time"
)

func TestExtractAuthPayload(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		wantOK      bool
		wantAccess  string
		wantRefresh string
		wantAccTTL  time.Duration
		wantRefTTL  time.Duration
		wantUser    string
	}{
		{
			name:        "top level",
			body:        `{"access":"a","refresh":"r","expires_in":1800,"refresh_expires_in":3600}`,
			wantOK:      true,
			wantAccess:  "a",
			wantRefresh: "r",
			wantAccTTL:  1800 * time.Second,
			wantRefTTL:  time.Hour,
		},
		{
			name:        "nested tokens",
			body:        `{"tokens":{"access":"na","refresh":"nr","access_expires_in":60},"user":{"username":"kim"}}`,
			wantOK:      true,
			wantAccess:  "na",
			wantRefresh: "nr",
			wantAccTTL:  time.Minute,
			wantUser:    "kim",
		},
		{
			name:       "top level wins over nested",
			body:       `{"access":"top","tokens":{"access":"nested","access_expires_in":5},"expires_in":10}`,
			wantOK:     true,
			wantAccess: "top",
			wantAccTTL: 10 * time.Second,
		},
		{
			name:     "user only",
			body:     `{"user":{"username":"lee"}}`,
			wantOK:   true,
			wantUser: "lee",
		},
		{
			name:       "non-positive lifetime means omitted",
			body:       `{"access":"a","expires_in":0}`,
			wantOK:     true,
			wantAccess: "a",
		},
		{
			name: "nothing to store",
			body: `{"message":"ok"}`,
		},
		{
			name: "empty body",
			body: ``,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			result, ok, err := extractAuthPayload(json.RawMessage(tc.body))
			if err != nil {
				t.Fatalf("extractAuthPayload: %v", err)
			}
			if ok != tc.wantOK {
				t.Fatalf("expected ok=%v, got %v", tc.wantOK, ok)
			}
			if result.AccessToken != tc.wantAccess || result.RefreshToken != tc.wantRefresh {
				t.Fatalf("unexpected tokens %q/%q", result.AccessToken, result.RefreshToken)
			}
			if result.AccessExpiresIn != tc.wantAccTTL || result.RefreshExpiresIn != tc.wantRefTTL {
				t.Fatalf("unexpected lifetimes %s/%s", result.AccessExpiresIn, result.RefreshExpiresIn)
			}
			gotUser := ""
			if result.User != nil {
				gotUser = result.User.Username
			}
			if gotUser != tc.wantUser {
				t.Fatalf("expected user %q, got %q", tc.wantUser, gotUser)
			}
		})
	}
}

func TestExtractAuthPayloadRejectsMalformedJSON(t *testing.T) {
	if _, _, err := extractAuthPayload(json.RawMessage(`{"access":`)); err == nil {
		t.Fatal("expected decode error")
	}
}
