package authn

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
)

var ErrUnauthorized = errors.New("unauthorized")

// Reviewer authenticates the humans allowed to resolve approval
// checkpoints. Tokens are configured as SHA256 hex hashes so the plaintext
// never lives in the environment of the running service.
type Reviewer struct {
	tokenHashes []string
}

// NewReviewer builds a reviewer set from comma-separated token hashes.
// An empty configuration disables authentication (dev mode).
func NewReviewer(hashesCSV string) *Reviewer {
	var hashes []string
	for _, h := range strings.Split(hashesCSV, ",") {
		h = strings.ToLower(strings.TrimSpace(h))
		if h != "" {
			hashes = append(hashes, h)
		}
	}
	return &Reviewer{tokenHashes: hashes}
}

// Enabled reports whether any reviewer tokens are configured.
func (rv *Reviewer) Enabled() bool { return len(rv.tokenHashes) > 0 }

// Authenticate checks an Authorization header against the configured
// token hashes.
func (rv *Reviewer) Authenticate(authorization string) error {
	if !rv.Enabled() {
		return nil
	}
	token, ok := parseBearerToken(authorization)
	if !ok {
		return ErrUnauthorized
	}
	tokenHash := HashToken(token)
	for _, h := range rv.tokenHashes {
		if subtle.ConstantTimeCompare([]byte(h), []byte(tokenHash)) == 1 {
			return nil
		}
	}
	return ErrUnauthorized
}

// Middleware rejects unauthenticated requests with 401 before they reach
// the handler.
func (rv *Reviewer) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := rv.Authenticate(r.Header.Get("Authorization")); err != nil {
			w.Header().Set("content-type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":{"code":"UNAUTHORIZED","message":"reviewer token required"}}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// HashToken returns the SHA256 hex digest stored for a reviewer token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func parseBearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if token == "" {
		return "", false
	}
	return token, true
}
