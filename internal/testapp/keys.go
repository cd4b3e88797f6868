package testapp

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kuitang/ui-scenarios/internal/errs"
)

const (
	// keyTokenBytes is the number of random bytes in an issued key.
	keyTokenBytes = 32

	// KeyPrefix distinguishes fixture API keys from arbitrary query values.
	KeyPrefix = "uis_key_"
)

// APIKey is an issued key. Only the SHA-256 hash of the token is kept.
type APIKey struct {
	ID        string
	Owner     string
	Hash      []byte
	CreatedAt time.Time
	Revoked   bool
}

// KeyStore holds issued API keys in memory.
type KeyStore struct {
	mu   sync.RWMutex
	keys []*APIKey
}

// NewKeyStore returns an empty store.
func NewKeyStore() *KeyStore {
	return &KeyStore{}
}

// Issue creates a key for owner and returns the plaintext token once.
func (s *KeyStore) Issue(owner string) (token string, key APIKey, err error) {
	raw := make([]byte, keyTokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", APIKey{}, errs.Wrap(errs.Internal, "generate api key", err)
	}
	token = KeyPrefix + base64.RawURLEncoding.EncodeToString(raw)
	k := &APIKey{
		ID:        "key-" + uuid.NewString(),
		Owner:     owner,
		Hash:      hashKey(token),
		CreatedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	s.keys = append(s.keys, k)
	s.mu.Unlock()
	return token, *k, nil
}

// Revoke marks a key unusable. Revoked keys still exist so they can be reported
// as revoked rather than unknown.
func (s *KeyStore) Revoke(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.keys {
		if k.ID == id {
			k.Revoked = true
			return nil
		}
	}
	return errs.New(errs.NotFound, "api key not found")
}

// Verify resolves token to its key. Unknown, malformed and revoked tokens are all
// PermissionDenied; the message does not reveal which.
func (s *KeyStore) Verify(token string) (APIKey, error) {
	denied := errs.New(errs.PermissionDenied, "Authentication required")
	if !strings.HasPrefix(token, KeyPrefix) {
		return APIKey{}, denied
	}
	sum := hashKey(token)

	s.mu.RLock()
	defer s.mu.RUnlock()
	var match *APIKey
	// Compare against every key so timing does not depend on position.
	for _, k := range s.keys {
		if subtle.ConstantTimeCompare(k.Hash, sum) == 1 {
			match = k
		}
	}
	if match == nil || match.Revoked {
		return APIKey{}, denied
	}
	return *match, nil
}

func hashKey(token string) []byte {
	sum := sha256.Sum256([]byte(token))
	return sum[:]
}
