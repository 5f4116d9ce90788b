// Package auth issues and verifies the bearer tokens that identify the owner
// behind each API call.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// OwnerHeader carries the owner id when token auth is disabled.
const OwnerHeader = "X-Owner-ID"

// DefaultOwner is used when auth is disabled and no owner header is sent.
const DefaultOwner = "local"

var (
	// ErrMissingToken is returned when a request has no bearer token.
	ErrMissingToken = errors.New("missing bearer token")
	// ErrInvalidToken covers bad signatures, expiry and malformed tokens.
	ErrInvalidToken = errors.New("invalid token")
)

// Claims binds a token to an owner through the subject claim.
type Claims struct {
	jwt.RegisteredClaims
}

// Owner returns the owner id the token was issued for.
func (c *Claims) Owner() string {
	return c.Subject
}

// Service signs and validates HS256 tokens.
type Service struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewService builds a Service. A non-positive ttl defaults to one hour.
func NewService(secret, issuer string, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Service{secret: []byte(secret), issuer: issuer, ttl: ttl, now: time.Now}
}

// Issue signs a token for ownerID.
func (s *Service) Issue(ownerID string) (string, error) {
	if strings.TrimSpace(ownerID) == "" {
		return "", errors.New("owner id is required")
	}
	now := s.now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   ownerID,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify parses a token and returns its claims.
func (s *Service) Verify(token string) (*Claims, error) {
	if token == "" {
		return nil, ErrMissingToken
	}
	claims := &Claims{}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

type ownerKey struct{}

// WithOwner stores the owner id on ctx.
func WithOwner(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, ownerKey{}, ownerID)
}

// OwnerFrom returns the owner id set by the middleware.
func OwnerFrom(ctx context.Context) (string, bool) {
	owner, ok := ctx.Value(ownerKey{}).(string)
	return owner, ok && owner != ""
}

// ErrorWriter renders an auth failure.
type ErrorWriter func(w http.ResponseWriter, status int, msg string)

// Middleware resolves the request owner. With a nil service every request is
// accepted and the owner comes from OwnerHeader.
func Middleware(svc *Service, onError ErrorWriter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if svc == nil {
				owner := strings.TrimSpace(r.Header.Get(OwnerHeader))
				if owner == "" {
					owner = DefaultOwner
				}
				next.ServeHTTP(w, r.WithContext(WithOwner(r.Context(), owner)))
				return
			}
			claims, err := svc.Verify(bearer(r))
			if err != nil {
				onError(w, http.StatusUnauthorized, err.Error())
				return
			}
			next.ServeHTTP(w, r.WithContext(WithOwner(r.Context(), claims.Owner())))
		})
	}
}

func bearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return strings.TrimSpace(h[len(prefix):])
	}
	return ""
}
