// Package auth maps bearer tokens to participant identities.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/petervdpas/consultcall/internal/proto"
)

const issuer = "consultcall"

var (
	ErrNoToken      = errors.New("auth: missing bearer token")
	ErrInvalidToken = errors.New("auth: invalid token")
)

// Claims is the token payload issued by the session provider.
type Claims struct {
	UserID string `json:"id"`
	Name   string `json:"name,omitempty"`
	Email  string `json:"email,omitempty"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// User maps the claims to the wire user. The subject stands in for a
// missing id.
func (c *Claims) User() proto.User {
	id := c.UserID
	if id == "" {
		id = c.Subject
	}
	return proto.User{ID: id, Name: c.Name, Email: c.Email, Role: c.Role}
}

// Issue signs an HS256 token for user. A ttl of zero means no expiry.
func Issue(secret string, user proto.User, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("auth: empty signing secret")
	}
	now := time.Now()
	claims := &Claims{
		UserID: user.ID,
		Name:   user.Name,
		Email:  user.Email,
		Role:   user.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// Verify checks the signature and expiry of tok and returns its identity.
func Verify(secret, tok string) (proto.User, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(tok, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return proto.User{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return checkUser(claims.User())
}

// Identity reads the identity from tok without checking the signature.
// Clients use it to learn who they are; the relay uses it only when no
// secret is configured.
func Identity(tok string) (proto.User, error) {
	var claims Claims
	if _, _, err := jwt.NewParser().ParseUnverified(tok, &claims); err != nil {
		return proto.User{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return checkUser(claims.User())
}

func checkUser(u proto.User) (proto.User, error) {
	if u.ID == "" {
		return u, fmt.Errorf("%w: no user id", ErrInvalidToken)
	}
	switch u.Role {
	case proto.RoleSpecialist, proto.RolePatient, proto.RoleAdmin:
	default:
		return u, fmt.Errorf("%w: unknown role %q", ErrInvalidToken, u.Role)
	}
	return u, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, error) {
	const prefix = "bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", ErrNoToken
	}
	tok := strings.TrimSpace(header[len(prefix):])
	if tok == "" {
		return "", ErrNoToken
	}
	return tok, nil
}
