// Package auth signs the session tokens handed out by the login endpoint.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"sitepress/api/internal/util"
)

// CookieName carries the session token for browser clients.
const CookieName = "sitepress_session"

const tokenVersion = "sp1"

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
)

type Claims struct {
	Email string `json:"email"`
	Role  string `json:"role"`
	JTI   string `json:"jti"`
	Iat   int64  `json:"iat"`
	Exp   int64  `json:"exp"`
}

// NewClaims stamps a fresh token id and the issue and expiry times.
func NewClaims(email, role string, ttl time.Duration, now time.Time) Claims {
	return Claims{
		Email: strings.ToLower(strings.TrimSpace(email)),
		Role:  role,
		JTI:   util.NewID("jti"),
		Iat:   now.Unix(),
		Exp:   now.Add(ttl).Unix(),
	}
}

func (c Claims) ExpiresAt() time.Time {
	return time.Unix(c.Exp, 0).UTC()
}

// IssueToken returns "sp1.<payload>.<signature>".
func IssueToken(secret []byte, claims Claims) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("session secret is empty")
	}
	payloadBytes, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}
	payload := base64.RawURLEncoding.EncodeToString(payloadBytes)
	return tokenVersion + "." + payload + "." + sign(secret, payload), nil
}

// ParseToken verifies the signature and checks expiry against now.
func ParseToken(secret []byte, token string, now time.Time) (Claims, error) {
	parts := strings.Split(strings.TrimSpace(token), ".")
	if len(parts) != 3 || parts[0] != tokenVersion {
		return Claims{}, ErrInvalidToken
	}
	payload, signature := parts[1], parts[2]
	if !hmac.Equal([]byte(signature), []byte(sign(secret, payload))) {
		return Claims{}, ErrInvalidToken
	}

	decoded, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return Claims{}, ErrInvalidToken
	}
	var claims Claims
	if err := json.Unmarshal(decoded, &claims); err != nil {
		return Claims{}, ErrInvalidToken
	}
	if claims.Email == "" || claims.JTI == "" || claims.Exp == 0 || claims.Exp < claims.Iat {
		return Claims{}, ErrInvalidToken
	}
	if now.Unix() >= claims.Exp {
		return Claims{}, ErrExpiredToken
	}
	return claims, nil
}

func sign(secret []byte, payload string) string {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write([]byte(tokenVersion + "." + payload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
