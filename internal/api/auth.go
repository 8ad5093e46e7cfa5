package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// ErrInvalidToken reports a bearer token the verifier does not accept.
var ErrInvalidToken = errors.New("invalid token")

// Identity is the authenticated caller.
type Identity struct {
	UID   string
	Email string
}

// TokenVerifier resolves a bearer token to an identity.
type TokenVerifier interface {
	Verify(token string) (Identity, error)
}

// StaticVerifier checks tokens against a fixed token-to-uid table.
// Suitable for development and tests; production deployments plug in
// their identity provider here.
type StaticVerifier map[string]string

func (v StaticVerifier) Verify(token string) (Identity, error) {
	uid, ok := v[token]
	if !ok {
		return Identity{}, ErrInvalidToken
	}
	return Identity{UID: uid}, nil
}

type identityKey struct{}

// identityFrom returns the caller identity, or the zero Identity when
// authentication is disabled.
func identityFrom(ctx context.Context) Identity {
	id, _ := ctx.Value(identityKey{}).(Identity)
	return id
}

// requireAuth rejects requests without a valid bearer token. A nil
// verifier disables authentication and requests pass through with no
// identity attached.
func requireAuth(verifier TokenVerifier, next http.HandlerFunc) http.HandlerFunc {
	if verifier == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			respondWithError(w, http.StatusUnauthorized, "Missing token", r.Method, r.URL.Path)
			return
		}
		identity, err := verifier.Verify(token)
		if err != nil {
			respondWithError(w, http.StatusUnauthorized, "Invalid token", r.Method, r.URL.Path)
			return
		}
		ctx := context.WithValue(r.Context(), identityKey{}, identity)
		next(w, r.WithContext(ctx))
	}
}
