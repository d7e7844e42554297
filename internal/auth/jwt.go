package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/example/parking-match/internal/models"
)

// Claims carries the caller identity. The subject is the rider or driver id.
type Claims struct {
	Role models.Role `json:"role"`
	Name string      `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// JWTService issues and verifies HS256 bearer tokens.
type JWTService struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

func NewJWTService(secret, issuer string, ttl time.Duration) *JWTService {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &JWTService{secret: []byte(secret), issuer: issuer, ttl: ttl}
}

// GenerateToken signs a token for actor.
func (s *JWTService) GenerateToken(actor models.Actor) (string, error) {
	now := time.Now()
	claims := &Claims{
		Role: actor.Role,
		Name: actor.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ID,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Verify parses a raw or "Bearer "-prefixed token and returns the actor.
func (s *JWTService) Verify(raw string) (models.Actor, error) {
	raw = strings.TrimSpace(strings.TrimPrefix(raw, "Bearer "))
	if raw == "" {
		return models.Actor{}, fmt.Errorf("%w: missing token", models.ErrUnauthorized)
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) { return s.secret, nil }, opts...)
	if err != nil {
		return models.Actor{}, fmt.Errorf("%w: %v", models.ErrUnauthorized, err)
	}
	if claims.Subject == "" {
		return models.Actor{}, fmt.Errorf("%w: token has no subject", models.ErrUnauthorized)
	}
	if !claims.Role.Valid() {
		return models.Actor{}, fmt.Errorf("%w: unknown role %q", models.ErrUnauthorized, claims.Role)
	}
	return models.Actor{ID: claims.Subject, Role: claims.Role, Name: claims.Name}, nil
}

type ctxKey struct{}

// WithActor stores the verified caller on ctx.
func WithActor(ctx context.Context, a models.Actor) context.Context {
	return context.WithValue(ctx, ctxKey{}, a)
}

// ActorFrom returns the caller stored by WithActor.
func ActorFrom(ctx context.Context) (models.Actor, bool) {
	a, ok := ctx.Value(ctxKey{}).(models.Actor)
	return a, ok
}

var ErrForbiddenRole = errors.New("role not permitted")

// RequireRole fails unless actor has role.
func RequireRole(a models.Actor, role models.Role) error {
	if a.Role != role {
		return fmt.Errorf("%w: %w: need %s", models.ErrUnauthorized, ErrForbiddenRole, role)
	}
	return nil
}
