package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// Hasher digests share-link passwords with a server-wide key
// (HMAC-SHA-256). The same password yields the same digest for every share;
// there is no per-entry salt.
type Hasher struct {
	secret []byte
}

func NewHasher(secret []byte) (*Hasher, error) {
	if len(secret) == 0 {
		return nil, errors.New("hasher: empty secret")
	}
	cp := make([]byte, len(secret))
	copy(cp, secret)
	return &Hasher{secret: cp}, nil
}

// Hash returns the hex-encoded digest of password.
func (h *Hasher) Hash(password string) string {
	return hex.EncodeToString(h.sum(password))
}

// Verify compares password against a digest produced by Hash in constant time.
func (h *Hasher) Verify(password, digest string) bool {
	want, err := hex.DecodeString(digest)
	if err != nil {
		return false
	}
	return hmac.Equal(h.sum(password), want)
}

func (h *Hasher) sum(password string) []byte {
	mac := hmac.New(sha256.New, h.secret)
	_, _ = mac.Write([]byte(password))
	return mac.Sum(nil)
}
