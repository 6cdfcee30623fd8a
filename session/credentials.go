package session

import (
	"strings"

	"github.com/hupe1980/retouch-go/core"
)

// APIKeyPrefix marks a long-lived API key credentials string.
const APIKeyPrefix = "RTAPI-"

// Credentials holds either a long-lived API key (passed per request, never
// refreshed) or a user/password pair (exchanged at login for a short-lived
// signed token).
type Credentials struct {
	APIKey   string
	User     string
	Password string
}

// IsAPIKey reports whether the credentials are a long-lived API key.
func (c Credentials) IsAPIKey() bool { return c.APIKey != "" }

// ParseCredentials accepts the two supported credential spellings:
// "RTAPI-..." for an API key or "user@example.com:password" for a login
// pair.
func ParseCredentials(s string) (Credentials, error) {
	if s == "" {
		return Credentials{}, core.Errf(core.KindValidation, "session.credentials", "credentials are empty")
	}
	if strings.HasPrefix(s, APIKeyPrefix) {
		return Credentials{APIKey: s}, nil
	}
	user, password, ok := strings.Cut(s, ":")
	if !ok || user == "" || password == "" {
		return Credentials{}, core.Errf(core.KindValidation, "session.credentials", "credentials must be an %sXXX key or user:password", APIKeyPrefix)
	}
	return Credentials{User: user, Password: password}, nil
}
