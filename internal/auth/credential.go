package auth

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrMalformed      = errors.New("auth: malformed credential")
	ErrSessionExpired = errors.New("auth: session expired, please log in again")
)

// Claims is the subset of the JWT payload the client reads. The signature is
// the backend's concern and is never checked here.
type Claims struct {
	Subject   string `json:"sub"`
	Role      string `json:"role"`
	ExpiresAt int64  `json:"exp"`
}

func (c Claims) Expiry() time.Time {
	if c.ExpiresAt == 0 {
		return time.Time{}
	}
	return time.Unix(c.ExpiresAt, 0)
}

// Expired reports whether the claims are unusable at now. A missing exp
// counts as expired.
func (c Claims) Expired(now time.Time) bool {
	return c.ExpiresAt == 0 || now.Unix() >= c.ExpiresAt
}

// Credential is a bearer token together with its decoded claims.
type Credential struct {
	Token  string
	Claims Claims
}

func Decode(token string) (Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return Claims{}, fmt.Errorf("%w: want 3 segments, got %d", ErrMalformed, len(parts))
	}
	payload, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(parts[1], "="))
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	var c Claims
	if err := json.Unmarshal(payload, &c); err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return c, nil
}

// Parse decodes token and returns it only when it is still valid at now.
func Parse(token string, now time.Time) (Credential, bool) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Credential{}, false
	}
	claims, err := Decode(token)
	if err != nil || claims.Expired(now) {
		return Credential{}, false
	}
	return Credential{Token: token, Claims: claims}, true
}
