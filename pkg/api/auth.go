package api

import (
	"context"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/franklyco/db-version-control-advanced-sub002/pkg/errcode"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/onboarding"
)

// Operator roles carried in the token's roles claim. mothership_admin
// implies operator.
const (
	RoleOperator        = "operator"
	RoleMothershipAdmin = "mothership_admin"
)

// Claims are the bearer token claims.
type Claims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles"`
}

// HasRole reports whether the claims grant role.
func (c *Claims) HasRole(role string) bool {
	if slices.Contains(c.Roles, role) {
		return true
	}
	return role == RoleOperator && slices.Contains(c.Roles, RoleMothershipAdmin)
}

// TokenValidator checks HS256 operator tokens.
type TokenValidator struct {
	secret []byte
	issuer string
	clock  func() time.Time
}

// NewTokenValidator validates HS256 tokens from issuer. A nil validator or
// an empty secret rejects every token.
func NewTokenValidator(secret, issuer string) *TokenValidator {
	if secret == "" {
		return nil
	}
	return &TokenValidator{secret: []byte(secret), issuer: issuer, clock: time.Now}
}

// Validate parses and verifies a token string.
func (v *TokenValidator) Validate(token string) (*Claims, error) {
	claims := &Claims{}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.clock),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) { return v.secret, nil }, opts...)
	if err != nil {
		return nil, errcode.Wrap(errcode.Unauthorized, err, "invalid or expired token")
	}
	if !parsed.Valid {
		return nil, errcode.New(errcode.Unauthorized, "invalid token")
	}
	if claims.Subject == "" {
		return nil, errcode.New(errcode.Unauthorized, "token subject is required")
	}
	return claims, nil
}

// IssueToken signs an operator token. It backs the CLI token command and
// tests.
func IssueToken(secret, issuer, subject string, roles []string, ttl time.Duration, now time.Time) (string, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Roles: roles,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

type claimsKey struct{}

// ClaimsFrom returns the operator claims of an authenticated request.
func ClaimsFrom(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(*Claims)
	return c, ok
}

func actorFrom(ctx context.Context) string {
	if c, ok := ClaimsFrom(ctx); ok {
		return c.Subject
	}
	if c, ok := SiteFrom(ctx); ok {
		return c.SiteUID
	}
	return "system"
}

// requireRole guards a handler with a bearer token holding role. Without a
// configured validator every request is rejected.
func (s *Server) requireRole(role string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.tokens == nil {
			s.fail(w, r, errcode.New(errcode.Unauthorized, "operator authentication is not configured").
				WithHint("set auth.jwt_secret or DBVC_JWT_SECRET"))
			return
		}
		scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
			s.fail(w, r, errcode.New(errcode.Unauthorized, "missing bearer token"))
			return
		}
		claims, err := s.tokens.Validate(token)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		if !claims.HasRole(role) {
			s.fail(w, r, errcode.Newf(errcode.RoleMismatch, "role %q is required", role))
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
	}
}

type siteKey struct{}

// SiteFrom returns the client site of a request authenticated with basic auth.
func SiteFrom(ctx context.Context) (*onboarding.Client, bool) {
	c, ok := ctx.Value(siteKey{}).(*onboarding.Client)
	return c, ok
}

// requireSite guards client-to-mothership routes with HTTP basic auth of
// site_uid and the handshake secret.
func (s *Server) requireSite(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, secret, ok := r.BasicAuth()
		if !ok || uid == "" || secret == "" {
			w.Header().Set("WWW-Authenticate", `Basic realm="dbvc"`)
			s.fail(w, r, errcode.New(errcode.Unauthorized, "site credentials are required"))
			return
		}
		client, err := s.deps.Onboarding.Authenticate(r.Context(), uid, secret)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), siteKey{}, client)))
	}
}
