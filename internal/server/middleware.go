package server

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// reportClaims are the claims carried by a report-API token. Scopes is
// optional; when present it must include ScopeReadReports for read access.
type reportClaims struct {
	jwt.RegisteredClaims
	Scopes []string `json:"scopes,omitempty"`
}

// ScopeReadReports authorizes read access to stored runs and hotspots.
const ScopeReadReports = "reports:read"

// subjectKey carries the authenticated token subject in request contexts.
// An unexported type keeps the key collision-free.
type subjectKey struct{}

// Subject returns the subject of the verified token that authenticated the
// request, or "" on routes where token auth is disabled.
func Subject(ctx context.Context) string {
	s, _ := ctx.Value(subjectKey{}).(string)
	return s
}

var (
	errNoToken      = errors.New("missing bearer token")
	errBadToken     = errors.New("invalid or expired token")
	errMissingScope = errors.New("token lacks the reports:read scope")
)

// RequireToken returns a middleware enforcing RS256 bearer tokens on the
// report API. Requests without a verifiable token receive HTTP 401; a valid
// token whose scope list excludes reports access receives HTTP 403. On
// success the token subject is recorded in the request context.
func RequireToken(pubKey *rsa.PublicKey) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := verifyRequest(r, pubKey)
			switch {
			case errors.Is(err, errMissingScope):
				writeError(w, http.StatusForbidden, err.Error())
				return
			case err != nil:
				writeError(w, http.StatusUnauthorized, err.Error())
				return
			}
			ctx := context.WithValue(r.Context(), subjectKey{}, claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// verifyRequest extracts the bearer token from r, checks its RS256
// signature and registered claims against pubKey, and enforces the scope
// list when one is present.
func verifyRequest(r *http.Request, pubKey *rsa.PublicKey) (*reportClaims, error) {
	raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || raw == "" {
		return nil, errNoToken
	}

	claims := &reportClaims{}
	_, err := jwt.ParseWithClaims(raw, claims,
		func(*jwt.Token) (any, error) { return pubKey, nil },
		jwt.WithValidMethods([]string{"RS256"}))
	if err != nil {
		return nil, errBadToken
	}

	if len(claims.Scopes) > 0 {
		found := false
		for _, s := range claims.Scopes {
			if s == ScopeReadReports {
				found = true
				break
			}
		}
		if !found {
			return nil, errMissingScope
		}
	}
	return claims, nil
}

// LoadPublicKey reads a PEM-encoded RSA public key from path. Both PKIX
// ("PUBLIC KEY") and PKCS#1 ("RSA PUBLIC KEY") encodings are accepted.
func LoadPublicKey(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("server: read public key %q: %w", path, err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("server: no PEM block in %q", path)
	}
	if key, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("server: parse public key %q: %w", path, err)
	}
	key, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("server: key in %q is not RSA", path)
	}
	return key, nil
}
