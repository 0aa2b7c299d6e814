package credstore

import (
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AdminRole is the profile role that grants administrator rights regardless of
// the Django staff flags.
const AdminRole = "admin_role"

// User is the cached profile of the signed-in account.
type User struct {
	ID          int64  `json:"id,omitempty"`
	Username    string `json:"username,omitempty"`
	Email       string `json:"email,omitempty"`
	Role        string `json:"role,omitempty"`
	IsSuperuser bool   `json:"is_superuser,omitempty"`
	IsStaff     bool   `json:"is_staff,omitempty"`
	Language    string `json:"language,omitempty"`
}

// IsZero reports whether no field is set.
func (u *User) IsZero() bool {
	return u == nil || *u == User{}
}

// IsAdmin reports administrator rights.
func (u *User) IsAdmin() bool {
	if u == nil {
		return false
	}
	if u.Role == AdminRole {
		return true
	}
	return u.IsSuperuser || u.IsStaff
}

func (u *User) clone() *User {
	if u == nil {
		return nil
	}
	c := *u
	return &c
}

// AuthResult is what login, register, and refresh hand to the store. Zero
// durations mean the server omitted the lifetime.
type AuthResult struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresIn  time.Duration
	RefreshExpiresIn time.Duration
	User             *User
}

// Snapshot is the derived authentication state broadcast to subscribers.
type Snapshot struct {
	User            *User
	IsAuthenticated bool
	IsAdmin         bool
}

// mergeUser lays overlay over base. Non-empty strings and IDs replace; the
// staff flags replace only when overlay is a full server profile.
func mergeUser(base, overlay *User, overlayIsProfile bool) *User {
	if base == nil {
		return overlay.clone()
	}
	if overlay == nil {
		return base.clone()
	}
	merged := *base
	if overlay.ID != 0 {
		merged.ID = overlay.ID
	}
	if overlay.Username != "" {
		merged.Username = overlay.Username
	}
	if overlay.Email != "" {
		merged.Email = overlay.Email
	}
	if overlay.Role != "" {
		merged.Role = overlay.Role
	}
	if overlay.Language != "" {
		merged.Language = overlay.Language
	}
	if overlayIsProfile {
		merged.IsSuperuser = overlay.IsSuperuser
		merged.IsStaff = overlay.IsStaff
	} else {
		merged.IsSuperuser = merged.IsSuperuser || overlay.IsSuperuser
		merged.IsStaff = merged.IsStaff || overlay.IsStaff
	}
	return &merged
}

// enrichFromToken fills empty user fields from the access token's claims. The
// signature is not verified; the backend remains the authority on the token.
func enrichFromToken(user *User, token string) *User {
	enriched := user.clone()
	if enriched == nil {
		enriched = &User{}
	}
	if strings.TrimSpace(token) == "" {
		return enriched
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return enriched
	}

	if enriched.Username == "" {
		enriched.Username = claimString(claims, "username")
	}
	if enriched.Email == "" {
		enriched.Email = claimString(claims, "email")
	}
	if enriched.ID == 0 {
		enriched.ID = claimInt(claims, "user_id")
	}
	if !enriched.IsSuperuser {
		enriched.IsSuperuser = claimBool(claims, "is_superuser")
	}
	if !enriched.IsStaff {
		enriched.IsStaff = claimBool(claims, "is_staff")
	}
	if enriched.Role == "" {
		enriched.Role = claimString(claims, "role")
	}
	if enriched.Language == "" {
		enriched.Language = claimString(claims, "language")
	}
	return enriched
}

func claimString(claims jwt.MapClaims, key string) string {
	value, _ := claims[key].(string)
	return value
}

func claimBool(claims jwt.MapClaims, key string) bool {
	value, _ := claims[key].(bool)
	return value
}

func claimInt(claims jwt.MapClaims, key string) int64 {
	switch v := claims[key].(type) {
	case float64:
		return int64(v)
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}
