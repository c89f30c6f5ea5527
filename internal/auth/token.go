// Package auth issues and verifies the HMAC-signed bearer tokens that carry
// the caller identity into every annotation operation.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"margin/api/internal/util"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
	// ErrRevokedToken is an ErrInvalidToken for a token signed out early.
	ErrRevokedToken = fmt.Errorf("revoked: %w", ErrInvalidToken)
)

// Identity is the user a token is issued to.
type Identity struct {
	UserID string
	Name   string
	Email  string
}

// Claims is the signed payload. JTI names the token for sign-out.
type Claims struct {
	Sub   string `json:"sub"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
	JTI   string `json:"jti"`
	Exp   int64  `json:"exp"`
}

func (c Claims) ExpiresAt() time.Time {
	return time.Unix(c.Exp, 0)
}

func (c Claims) Identity() Identity {
	return Identity{UserID: c.Sub, Name: c.Name, Email: c.Email}
}

// RevocationList reports tokens that were signed out before they expired.
type RevocationList interface {
	IsRevoked(ctx context.Context, jti string) (bool, error)
}

// Signer issues session tokens with a fixed lifetime and verifies them,
// consulting the revocation list when one is configured.
type Signer struct {
	secret  []byte
	ttl     time.Duration
	revoked RevocationList
	now     func() time.Time
}

func NewSigner(secret []byte, ttl time.Duration, revoked RevocationList) *Signer {
	return &Signer{secret: secret, ttl: ttl, revoked: revoked, now: time.Now}
}

// Issue signs a fresh token for id.
func (s *Signer) Issue(id Identity) (string, Claims, error) {
	if id.UserID == "" {
		return "", Claims{}, errors.New("issue token: missing user id")
	}
	claims := Claims{
		Sub:   id.UserID,
		Name:  id.Name,
		Email: id.Email,
		JTI:   util.NewID("jti"),
		Exp:   s.now().Add(s.ttl).Unix(),
	}
	token, err := encode(s.secret, claims)
	if err != nil {
		return "", Claims{}, err
	}
	return token, claims, nil
}

// Verify checks signature, shape and expiry, then revocation.
func (s *Signer) Verify(ctx context.Context, token string) (Claims, error) {
	claims, err := decode(s.secret, token)
	if err != nil {
		return Claims{}, err
	}
	if s.now().Unix() >= claims.Exp {
		return Claims{}, ErrExpiredToken
	}
	if s.revoked == nil {
		return claims, nil
	}
	revoked, err := s.revoked.IsRevoked(ctx, claims.JTI)
	if err != nil {
		return Claims{}, fmt.Errorf("check revocation: %w", err)
	}
	if revoked {
		return Claims{}, ErrRevokedToken
	}
	return claims, nil
}

// A token is base64url(json claims) "." base64url(hmac-sha256).
func encode(secret []byte, claims Claims) (string, error) {
	raw, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}
	payload := base64.RawURLEncoding.EncodeToString(raw)
	return payload + "." + mac(secret, payload), nil
}

func decode(secret []byte, token string) (Claims, error) {
	payload, signature, ok := strings.Cut(token, ".")
	if !ok || strings.Contains(signature, ".") {
		return Claims{}, ErrInvalidToken
	}
	if !hmac.Equal([]byte(signature), []byte(mac(secret, payload))) {
		return Claims{}, ErrInvalidToken
	}
	raw, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return Claims{}, ErrInvalidToken
	}
	var claims Claims
	if err := json.Unmarshal(raw, &claims); err != nil {
		return Claims{}, ErrInvalidToken
	}
	if claims.Sub == "" || claims.JTI == "" || claims.Exp == 0 {
		return Claims{}, ErrInvalidToken
	}
	return claims, nil
}

func mac(secret []byte, payload string) string {
	sum := hmac.New(sha256.New, secret)
	_, _ = sum.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(sum.Sum(nil))
}
