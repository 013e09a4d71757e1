// Package auth gates the admin billing surface. Verification is
// fail-closed: a missing signing key or an empty actor allow-list denies
// every request rather than letting them through.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"courtside/internal/config"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
)

type Principal struct {
	ActorID string
	Role    string
}

type Service struct {
	Config config.Config
	Now    func() time.Time
}

func NewService(cfg config.Config) *Service {
	return &Service{
		Config: cfg,
		Now:    func() time.Time { return time.Now().UTC() },
	}
}

// VerifyToken parses and validates a bearer token from an Authorization
// header value.
func (s *Service) VerifyToken(authHeader string) (Principal, error) {
	headerParts := strings.Fields(authHeader)
	if len(headerParts) != 2 || !strings.EqualFold(headerParts[0], "Bearer") {
		return Principal{}, ErrUnauthorized
	}
	rawToken := strings.TrimSpace(headerParts[1])

	signingKey := []byte(s.Config.Admin.TokenSigningKey)
	if len(signingKey) == 0 {
		return Principal{}, fmt.Errorf("%w: token signing key not configured", ErrUnauthorized)
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithTimeFunc(s.Now),
	}
	if iss := strings.TrimSpace(s.Config.Admin.Issuer); iss != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(iss))
	}
	if aud := strings.TrimSpace(s.Config.Admin.Audience); aud != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(aud))
	}

	parsed, err := jwt.Parse(rawToken, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return signingKey, nil
	}, parserOpts...)
	if err != nil || !parsed.Valid {
		return Principal{}, ErrUnauthorized
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return Principal{}, ErrUnauthorized
	}

	actorID := claimString(claims["sub"])
	if actorID == "" {
		return Principal{}, ErrUnauthorized
	}
	return Principal{
		ActorID: actorID,
		Role:    claimString(claims["role"]),
	}, nil
}

// RequireAdmin authenticates the request and checks the admin allow-list.
// An empty allow-list denies everyone.
func (s *Service) RequireAdmin(r *http.Request) (Principal, error) {
	principal, err := s.VerifyToken(r.Header.Get("Authorization"))
	if err != nil {
		return Principal{}, err
	}
	if principal.Role != "admin" {
		return Principal{}, ErrForbidden
	}
	if !s.actorAllowed(principal.ActorID) {
		return Principal{}, ErrForbidden
	}
	return principal, nil
}

func (s *Service) actorAllowed(actorID string) bool {
	for _, allowed := range s.Config.Admin.AllowedActors {
		if strings.EqualFold(strings.TrimSpace(allowed), actorID) {
			return true
		}
	}
	return false
}

func claimString(v any) string {
	switch value := v.(type) {
	case string:
		return strings.TrimSpace(value)
	default:
		return ""
	}
}
