// Package token holds the bearer credential value types exchanged with the auth server
// and the minimal claims decoding the client needs (the "exp" claim).
package token

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrMalformed is returned when an access token's claims cannot be decoded.
var ErrMalformed = errors.New("malformed access token")

// Access is a short-lived bearer credential. It is opaque except for its "exp" claim.
type Access string

// Refresh is a single-use credential exchanged for a new Pair.
type Refresh string

// Pair is an access/refresh generation issued together by the auth server.
type Pair struct {
	Access  Access
	Refresh Refresh
}

// String keeps tokens out of logs and fmt verbs.
func (a Access) String() string { return redacted(string(a)) }

// String keeps tokens out of logs and fmt verbs.
func (r Refresh) String() string { return redacted(string(r)) }

func redacted(s string) string {
	if s == "" {
		return ""
	}
	return "[redacted]"
}

type claims struct {
	Exp *int64 `json:"exp"`
}

// ExpiresAt decodes the access token claims and returns its "exp" instant.
//
// Two shapes are accepted:
//   - the whole token is a base64url (no padding) encoded JSON claims object
//   - a JWT (header.claims.signature); claims are read without verification,
//     the server is the only party that validates signatures
func ExpiresAt(a Access) (time.Time, error) {
	raw := strings.TrimSpace(string(a))
	if raw == "" {
		return time.Time{}, fmt.Errorf("%w: empty", ErrMalformed)
	}

	if strings.Count(raw, ".") == 2 {
		return jwtExpiresAt(raw)
	}

	payload, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: base64: %v", ErrMalformed, err)
	}

	var c claims
	if err := json.Unmarshal(payload, &c); err != nil {
		return time.Time{}, fmt.Errorf("%w: json: %v", ErrMalformed, err)
	}
	if c.Exp == nil {
		return time.Time{}, fmt.Errorf("%w: missing exp", ErrMalformed)
	}
	return time.Unix(*c.Exp, 0).UTC(), nil
}

func jwtExpiresAt(raw string) (time.Time, error) {
	var rc jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &rc); err != nil {
		return time.Time{}, fmt.Errorf("%w: jwt: %v", ErrMalformed, err)
	}
	if rc.ExpiresAt == nil {
		return time.Time{}, fmt.Errorf("%w: missing exp", ErrMalformed)
	}
	return rc.ExpiresAt.UTC(), nil
}

// Encode builds an unsigned claims token of the base64url JSON shape. It is used by
// tests and local tooling that stand in for the auth server. It panics when extra
// holds a value encoding/json cannot marshal.
func Encode(exp time.Time, extra map[string]any) Access {
	body := make(map[string]any, len(extra)+1)
	for k, v := range extra {
		body[k] = v
	}
	body["exp"] = exp.Unix()
	b, err := json.Marshal(body)
	if err != nil {
		panic(fmt.Sprintf("token: encode claims: %v", err))
	}
	return Access(base64.RawURLEncoding.EncodeToString(b))
}
