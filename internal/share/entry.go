package share

import (
	"errors"
	"time"

	"fastpan/internal/fsutil"
)

var (
	// ErrUnauthorized: issuance or revocation without a valid session.
	ErrUnauthorized = errors.New("share: not logged in")
	// ErrNotFound: the token is unknown to the store.
	ErrNotFound = errors.New("share: link not found")
	// ErrExpired: the token is known but past its expiry. The entry is reaped.
	ErrExpired = errors.New("share: link expired")
	// ErrWrongPassword: the link is password protected and the supplied
	// password is missing or does not match.
	ErrWrongPassword = errors.New("share: password required or wrong")
	// ErrPathViolation: the shared path escapes the root or no longer exists.
	ErrPathViolation = fsutil.ErrPathViolation

	errTokenExists = errors.New("share: token already in use")
)

// Entry is one share link. ExpiresAt nil means the link never expires;
// PasswordHash empty means possession of the token is enough.
type Entry struct {
	Token        string     `json:"-"`
	Path         string     `json:"path"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	PasswordHash string     `json:"password_hash,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

func (e Entry) HasPassword() bool {
	return e.PasswordHash != ""
}

// Expired reports whether the entry is past its expiry at now. An entry
// expiring exactly at now counts as expired.
func (e Entry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
}

func (e Entry) clone() Entry {
	if e.ExpiresAt != nil {
		t := *e.ExpiresAt
		e.ExpiresAt = &t
	}
	return e
}
