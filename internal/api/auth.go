package api

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// GenerateAPIKey returns a random API key and its bcrypt hash. Only the
// hash belongs in the configuration.
func GenerateAPIKey() (key, hash string, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", "", fmt.Errorf("failed to generate API key: %w", err)
	}
	key = base64.RawURLEncoding.EncodeToString(b)
	hash, err = HashAPIKey(key)
	return key, hash, err
}

// HashAPIKey hashes a key for server.api_key_hash
func HashAPIKey(key string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash API key: %w", err)
	}
	return string(h), nil
}

// requestKey reads the key from X-API-Key or a bearer Authorization header
func requestKey(r *http.Request) string {
	if k := r.Header.Get("X-API-Key"); k != "" {
		return k
	}
	if a := r.Header.Get("Authorization"); strings.HasPrefix(a, "Bearer ") {
		return strings.TrimPrefix(a, "Bearer ")
	}
	return ""
}

// keyAuth checks request keys against one bcrypt hash. Verified keys are
// remembered by digest so bcrypt runs once per distinct key.
type keyAuth struct {
	hash []byte

	mu       sync.Mutex
	verified map[[sha256.Size]byte]bool
}

func (a *keyAuth) valid(key string) bool {
	if key == "" {
		return false
	}
	digest := sha256.Sum256([]byte(key))

	a.mu.Lock()
	ok, seen := a.verified[digest]
	a.mu.Unlock()
	if seen {
		return ok
	}

	ok = bcrypt.CompareHashAndPassword(a.hash, []byte(key)) == nil
	a.mu.Lock()
	if len(a.verified) > 1024 {
		a.verified = make(map[[sha256.Size]byte]bool)
	}
	a.verified[digest] = ok
	a.mu.Unlock()
	return ok
}

// APIKeyMiddleware rejects requests without a key matching hash. /health
// stays open for probes.
func APIKeyMiddleware(hash string) func(http.Handler) http.Handler {
	a := &keyAuth{hash: []byte(hash), verified: make(map[[sha256.Size]byte]bool)}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/health" {
				next.ServeHTTP(w, r)
				return
			}
			key := requestKey(r)
			if key == "" {
				http.Error(w, "Missing API key", http.StatusUnauthorized)
				return
			}
			if !a.valid(key) {
				http.Error(w, "Invalid API key", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
