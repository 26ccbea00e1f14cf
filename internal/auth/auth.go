// Package auth verifies gateway API keys. Keys are configured as bcrypt
// hashes; the plaintext key never touches disk or logs.
package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/modelbridge/gateway/internal/domain"
)

// Verifier checks presented API keys against a configured set of bcrypt
// hashes. An empty set disables authentication.
type Verifier struct {
	hashes []string

	// bcrypt comparison is deliberately slow; verified keys are remembered
	// by SHA-256 digest so steady-state requests skip it.
	mu    sync.RWMutex
	known map[string]struct{}
}

func NewVerifier(hashes []string) *Verifier {
	return &Verifier{
		hashes: hashes,
		known:  make(map[string]struct{}),
	}
}

// Enabled reports whether any keys are configured.
func (v *Verifier) Enabled() bool { return len(v.hashes) > 0 }

// Verify checks a presented key. Returns an Authentication-kind error on
// failure; nil when the key is accepted or auth is disabled.
func (v *Verifier) Verify(key string) error {
	if !v.Enabled() {
		return nil
	}
	if key == "" {
		return domain.NewError(domain.KindAuthentication, "missing API key", nil)
	}

	digest := sha256.Sum256([]byte(key))
	id := hex.EncodeToString(digest[:])

	v.mu.RLock()
	_, ok := v.known[id]
	v.mu.RUnlock()
	if ok {
		return nil
	}

	for _, h := range v.hashes {
		if bcrypt.CompareHashAndPassword([]byte(h), []byte(key)) == nil {
			v.mu.Lock()
			v.known[id] = struct{}{}
			v.mu.Unlock()
			return nil
		}
	}

	return domain.NewError(domain.KindAuthentication, "invalid API key", nil)
}

// ExtractKey pulls the API key from the Authorization bearer header or the
// x-api-key header.
func ExtractKey(r *http.Request) string {
	if a := r.Header.Get("Authorization"); strings.HasPrefix(a, "Bearer ") {
		return strings.TrimPrefix(a, "Bearer ")
	}
	return r.Header.Get("x-api-key")
}

// HashKey produces a bcrypt hash for provisioning a new API key.
func HashKey(key string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}
