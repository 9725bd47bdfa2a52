package main

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"adledger/crypto"
)

const adminScope = "escrow.admin"

// AdminVerifier validates HS256 bearer tokens for the admin endpoints. The
// token subject is the bech32 address of the acting platform admin; the
// ledger's roles registry decides whether that address actually holds the
// admin role.
type AdminVerifier struct {
	secret []byte
	leeway time.Duration
	nowFn  func() time.Time
}

func NewAdminVerifier(secret string, nowFn func() time.Time) (*AdminVerifier, error) {
	trimmed := strings.TrimSpace(secret)
	if trimmed == "" {
		return nil, errors.New("admin JWT secret must not be empty")
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	return &AdminVerifier{secret: []byte(trimmed), leeway: 30 * time.Second, nowFn: nowFn}, nil
}

// VerifyRequest extracts and validates the bearer token, returning the
// admin's ledger address from the subject claim.
func (v *AdminVerifier) VerifyRequest(r *http.Request) ([20]byte, error) {
	var zero [20]byte
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if authz == "" {
		return zero, errors.New("missing authorization")
	}
	parts := strings.SplitN(authz, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return zero, errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return zero, errors.New("missing bearer token")
	}

	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(func() time.Time { return v.nowFn() }),
	)
	if err != nil {
		return zero, fmt.Errorf("parse token: %w", err)
	}
	if !parsed.Valid {
		return zero, errors.New("token validation failed")
	}

	if !hasScope(claims, adminScope) {
		return zero, fmt.Errorf("token missing %s scope", adminScope)
	}

	subject, _ := claims["sub"].(string)
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return zero, errors.New("token subject missing")
	}
	addr, err := crypto.DecodeAddress(subject)
	if err != nil {
		return zero, fmt.Errorf("decode token subject: %w", err)
	}
	return addr.Raw(), nil
}

func hasScope(claims jwt.MapClaims, want string) bool {
	raw, ok := claims["scope"]
	if !ok {
		raw = claims["scopes"]
	}
	switch v := raw.(type) {
	case string:
		for _, scope := range strings.Fields(v) {
			if scope == want {
				return true
			}
		}
	case []interface{}:
		for _, entry := range v {
			if s, ok := entry.(string); ok && strings.TrimSpace(s) == want {
				return true
			}
		}
	}
	return false
}
