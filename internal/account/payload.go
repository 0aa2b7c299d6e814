package account

import (
	"encoding/json"
	"time"

	"drillquiz/internal/credstore"
)

type tokenFields struct {
	Access           string `json:"access"`
	Refresh          string `json:"refresh"`
	AccessExpiresIn  *int64 `json:"access_expires_in"`
	RefreshExpiresIn *int64 `json:"refresh_expires_in"`
}

type authPayload struct {
	Access           string          `json:"access"`
	Refresh          string          `json:"refresh"`
	ExpiresIn        *int64          `json:"expires_in"`
	RefreshExpiresIn *int64          `json:"refresh_expires_in"`
	Tokens           *tokenFields    `json:"tokens"`
	User             *credstore.User `json:"user"`
}

// extractAuthPayload reads tokens from the top level of a login or
// registration response, falling back to the nested "tokens" object. ok is
// false when the response carries no access token, refresh token, or user.
func extractAuthPayload(raw json.RawMessage) (credstore.AuthResult, bool, error) {
	var p authPayload
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return credstore.AuthResult{}, false, err
		}
	}
	nested := tokenFields{}
	if p.Tokens != nil {
		nested = *p.Tokens
	}

	result := credstore.AuthResult{
		AccessToken:      firstNonEmpty(p.Access, nested.Access),
		RefreshToken:     firstNonEmpty(p.Refresh, nested.Refresh),
		AccessExpiresIn:  seconds(firstSet(p.ExpiresIn, nested.AccessExpiresIn)),
		RefreshExpiresIn: seconds(firstSet(p.RefreshExpiresIn, nested.RefreshExpiresIn)),
		User:             p.User,
	}
	if result.AccessToken == "" && result.RefreshToken == "" && result.User == nil {
		return result, false, nil
	}
	return result, true, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstSet(values ...*int64) *int64 {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}

func seconds(v *int64) time.Duration {
	if v == nil || *v <= 0 {
		return 0
	}
	return time.Duration(*v) * time.Second
}
