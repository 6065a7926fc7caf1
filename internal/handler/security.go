package handler

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/kart-checkout/internal/domain/auth"
)

// APIKeyHeader carries the caller's API key. A bearer token in Authorization
// is accepted as well.
const APIKeyHeader = "api_key"

// Security authenticates requests via HMAC-SHA256 hashed API keys and binds
// the key owner as the request principal.
type Security struct {
	apikeys auth.Repository
	pepper  []byte
}

// NewSecurity creates a Security with the given API key repository and HMAC
// pepper.
func NewSecurity(apikeys auth.Repository, pepper []byte) *Security {
	return &Security{
		apikeys: apikeys,
		pepper:  pepper,
	}
}

// HashKey returns the hex HMAC-SHA256 of key under pepper, as stored in the
// api_keys table.
func HashKey(pepper []byte, key string) string {
	mac := hmac.New(sha256.New, pepper)
	mac.Write([]byte(key))
	return hex.EncodeToString(mac.Sum(nil))
}

// Middleware rejects unauthenticated requests with 401.
func (s *Security) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := s.authenticate(r)
		if err != nil {
			if !errors.Is(err, auth.ErrUnauthorized) {
				zctx.From(r.Context()).Error("API key lookup failed", zap.Error(err))
			}
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		ctx := auth.WithPrincipal(r.Context(), p)
		ctx = zctx.Base(ctx, zctx.From(ctx).With(zap.String("user_id", p.UserID)))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Security) authenticate(r *http.Request) (auth.Principal, error) {
	key := extractKey(r)
	if key == "" {
		return auth.Principal{}, auth.ErrUnauthorized
	}

	hexHash := HashKey(s.pepper, key)
	info, err := s.apikeys.FindByHash(r.Context(), hexHash)
	if err != nil {
		return auth.Principal{}, err
	}

	stored, err := hex.DecodeString(info.KeyHash)
	if err != nil {
		return auth.Principal{}, auth.ErrUnauthorized
	}
	computed, _ := hex.DecodeString(hexHash)
	if subtle.ConstantTimeCompare(computed, stored) != 1 || info.UserID == "" {
		return auth.Principal{}, auth.ErrUnauthorized
	}

	return auth.Principal{UserID: info.UserID, KeyID: info.ID}, nil
}

func extractKey(r *http.Request) string {
	if k := r.Header.Get(APIKeyHeader); k != "" {
		return k
	}
	const prefix = "Bearer "
	if h := r.Header.Get("Authorization"); len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return strings.TrimSpace(h[len(prefix):])
	}
	return ""
}
