// Package identity reads the signed-in user from the session bearer token.
package identity

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dgrijalva/jwt-go"
)

var ErrNoToken = errors.New("no session token")

type Identity struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

// DisplayName is what finalize and delete attribution records: the name,
// falling back to the email.
func (i Identity) DisplayName() string {
	if strings.TrimSpace(i.Name) != "" {
		return i.Name
	}
	return i.Email
}

type Claims struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  string `json:"role"`
	jwt.StandardClaims
}

// FromToken parses a session token. With a secret the HMAC signature and
// expiry are verified; without one the claims are read as-is, since the
// API that issued the token remains the one enforcing it.
func FromToken(token string, secret []byte) (Identity, error) {
	token = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer "))
	if token == "" {
		return Identity{}, ErrNoToken
	}
	claims := &Claims{}
	if len(secret) > 0 {
		_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return secret, nil
		})
		if err != nil {
			return Identity{}, fmt.Errorf("verify session token: %w", err)
		}
	} else if _, _, err := new(jwt.Parser).ParseUnverified(token, claims); err != nil {
		return Identity{}, fmt.Errorf("parse session token: %w", err)
	}
	return Identity{Name: claims.Name, Email: claims.Email, Role: claims.Role}, nil
}

// RoleAllowed reports whether role appears in allowed, ignoring case.
func RoleAllowed(role string, allowed []string) bool {
	role = strings.TrimSpace(role)
	if role == "" {
		return false
	}
	for _, candidate := range allowed {
		if strings.EqualFold(strings.TrimSpace(candidate), role) {
			return true
		}
	}
	return false
}
