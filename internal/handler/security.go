package handler

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/bazaar-pricing/internal/domain/auth"
)

// APIKeyHeader carries the raw API key. The legacy api_key header is also
// accepted.
const APIKeyHeader = "X-API-Key"

var errUnauthorized = errors.New("unauthorized")

type apiKeyCtxKey struct{}

// APIKeyFromContext returns the key that authenticated the request, if any.
func APIKeyFromContext(ctx context.Context) (*auth.APIKeyInfo, bool) {
	info, ok := ctx.Value(apiKeyCtxKey{}).(*auth.APIKeyInfo)
	return info, ok
}

// KeyAuth authenticates requests via HMAC-SHA256 hashed API keys.
type KeyAuth struct {
	apikeys auth.Repository
	pepper  string
}

// NewKeyAuth creates a KeyAuth with the given API key repository and HMAC
// pepper.
func NewKeyAuth(apikeys auth.Repository, pepper string) *KeyAuth {
	return &KeyAuth{apikeys: apikeys, pepper: pepper}
}

// Authenticate computes the HMAC of the raw key, looks it up and compares
// the stored hash in constant time.
func (a *KeyAuth) Authenticate(ctx context.Context, raw string) (*auth.APIKeyInfo, error) {
	if raw == "" {
		return nil, errUnauthorized
	}
	hexHash := auth.HashKey(a.pepper, raw)

	info, err := a.apikeys.FindByHash(ctx, hexHash)
	if err != nil {
		if errors.Is(err, auth.ErrKeyNotFound) {
			return nil, errUnauthorized
		}
		return nil, errors.Wrap(err, "find api key")
	}

	computed, _ := hex.DecodeString(hexHash)
	stored, err := hex.DecodeString(info.KeyHash)
	if err != nil || subtle.ConstantTimeCompare(computed, stored) != 1 {
		return nil, errUnauthorized
	}
	return info, nil
}

// Require returns a middleware that admits requests carrying a valid key
// with scope: 401 for a missing or unknown key, 403 for a missing scope.
func (a *KeyAuth) Require(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := r.Header.Get(APIKeyHeader)
			if raw == "" {
				raw = r.Header.Get("api_key")
			}

			info, err := a.Authenticate(r.Context(), raw)
			switch {
			case errors.Is(err, errUnauthorized):
				writeError(w, http.StatusUnauthorized, "missing or invalid api key")
				return
			case err != nil:
				zctx.From(r.Context()).Error("API key lookup failed", zap.Error(err))
				writeError(w, http.StatusInternalServerError, "internal server error")
				return
			case !info.Allows(scope):
				writeError(w, http.StatusForbidden, "api key lacks scope "+scope)
				return
			}

			ctx := context.WithValue(r.Context(), apiKeyCtxKey{}, info)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
