package auth

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims represents JWT payload.
type Claims struct {
	Subject string `json:"sub"`
	Email   string `json:"email,omitempty"`
	Role    string `json:"role"`
	jwt.RegisteredClaims
}

// RoleInstructor is the only role allowed on instructor endpoints.
const RoleInstructor = "instructor"

// Issue signs an HS256 token for subject valid for ttl.
func Issue(subject, email, issuer, key string, ttl time.Duration) (string, time.Time, error) {
	now := time.Now()
	exp := now.Add(ttl)
	claims := Claims{
		Subject: subject,
		Email:   email,
		Role:    RoleInstructor,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
	if err != nil {
		return "", time.Time{}, err
	}
	return token, exp, nil
}

// Parse validates a token and returns claims.
func Parse(tokenStr, key, issuer string) (Claims, error) {
	parsed, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(key), nil
	})
	if err != nil {
		return Claims{}, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return Claims{}, errors.New("invalid token")
	}
	if issuer != "" && claims.Issuer != issuer {
		return Claims{}, errors.New("issuer mismatch")
	}
	return *claims, nil
}

// JWTVerifier checks locally signed instructor tokens. It stands in for the
// identity provider in development and tests.
type JWTVerifier struct {
	key    string
	issuer string
	ttl    time.Duration
}

// NewJWTVerifier creates a verifier for HS256 tokens signed with key.
func NewJWTVerifier(key, issuer string, ttl time.Duration) *JWTVerifier {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &JWTVerifier{key: key, issuer: issuer, ttl: ttl}
}

// Verify implements Verifier.
func (v *JWTVerifier) Verify(_ context.Context, token string) (Identity, error) {
	claims, err := Parse(token, v.key, v.issuer)
	if err != nil {
		return Identity{}, err
	}
	if claims.Role != RoleInstructor {
		return Identity{}, errors.New("not an instructor token")
	}
	return Identity{UID: claims.Subject, Email: claims.Email}, nil
}

// Mint issues a token this verifier accepts.
func (v *JWTVerifier) Mint(subject, email string) (string, time.Time, error) {
	return Issue(subject, email, v.issuer, v.key, v.ttl)
}
