package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	PrincipalKey contextKey = "principal"
)

// ErrAuthInvalid is returned for any token that is absent, malformed,
// expired, revoked, or does not name a user.
var ErrAuthInvalid = errors.New("auth: invalid token")

// Principal is the authenticated actor behind a request or connection.
// PatientID and ProfessionalID are empty when the user has no such identity.
type Principal struct {
	UserID         string    `json:"user_id"`
	PatientID      string    `json:"patient_id,omitempty"`
	ProfessionalID string    `json:"professional_id,omitempty"`
	TokenID        string    `json:"-"`
	ExpiresAt      time.Time `json:"-"`
}

// HasIdentity reports whether the principal carries at least one chat identity.
func (p Principal) HasIdentity() bool {
	return p.PatientID != "" || p.ProfessionalID != ""
}

type Claims struct {
	jwt.RegisteredClaims
	PatientID      string   `json:"patient_id,omitempty"`
	ProfessionalID string   `json:"professional_id,omitempty"`
	Roles          []string `json:"roles,omitempty"`
}

type JWTConfig struct {
	Issuer   string
	Audience string
	JWKSURL  string
	// SigningKey enables HS256 validation; when empty JWKSURL is used.
	SigningKey []byte
}

// Resolver maps a bearer token to a Principal.
type Resolver interface {
	Resolve(ctx context.Context, token string) (Principal, error)
}

// JWTResolver validates JWTs against a shared HMAC key or a remote JWKS and
// rejects revoked token IDs.
type JWTResolver struct {
	cfg     JWTConfig
	keyFunc jwt.Keyfunc
	revoked *TokenRevocationStore
}

// NewJWTResolver builds a resolver. revoked may be nil.
func NewJWTResolver(cfg JWTConfig, revoked *TokenRevocationStore) *JWTResolver {
	r := &JWTResolver{cfg: cfg, revoked: revoked}
	if len(cfg.SigningKey) > 0 {
		key := cfg.SigningKey
		r.keyFunc = func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
			}
			return key, nil
		}
	} else {
		r.keyFunc = jwksKeyFunc(cfg.JWKSURL)
	}
	return r
}

func (r *JWTResolver) Resolve(_ context.Context, tokenStr string) (Principal, error) {
	if tokenStr == "" {
		return Principal{}, ErrAuthInvalid
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256", "HS256"}),
		jwt.WithExpirationRequired(),
	}
	if r.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(r.cfg.Issuer))
	}
	if r.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(r.cfg.Audience))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, r.keyFunc, opts...)
	if err != nil || !token.Valid {
		return Principal{}, ErrAuthInvalid
	}
	if claims.Subject == "" {
		return Principal{}, ErrAuthInvalid
	}
	if r.revoked != nil && claims.ID != "" && r.revoked.IsRevoked(claims.ID) {
		return Principal{}, ErrAuthInvalid
	}

	p := Principal{
		UserID:         claims.Subject,
		PatientID:      strings.TrimSpace(claims.PatientID),
		ProfessionalID: strings.TrimSpace(claims.ProfessionalID),
		TokenID:        claims.ID,
	}
	if claims.ExpiresAt != nil {
		p.ExpiresAt = claims.ExpiresAt.Time
	}
	return p, nil
}

// BearerToken extracts the token from an Authorization header value.
// The scheme is matched case-insensitively.
func BearerToken(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// TokenFromRequest returns the request's bearer token. When allowQuery is
// set, a non-empty "token" query parameter takes precedence over the header.
func TokenFromRequest(r *http.Request, allowQuery bool) string {
	if allowQuery {
		if t := strings.TrimSpace(r.URL.Query().Get("token")); t != "" {
			return t
		}
	}
	return BearerToken(r.Header.Get("Authorization"))
}

// Middleware authenticates the Authorization header and stores the
// principal on the request context.
func Middleware(resolver Resolver) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if c.Request().Header.Get("Authorization") == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}
			tokenStr := TokenFromRequest(c.Request(), false)
			if tokenStr == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
			}

			p, err := resolver.Resolve(c.Request().Context(), tokenStr)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			c.SetRequest(c.Request().WithContext(WithPrincipal(c.Request().Context(), p)))
			return next(c)
		}
	}
}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, PrincipalKey, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(PrincipalKey).(Principal)
	return p, ok
}

func UserIDFromContext(ctx context.Context) string {
	p, _ := PrincipalFromContext(ctx)
	return p.UserID
}
