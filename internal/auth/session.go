package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"fastpan/internal/logging"
	"fastpan/internal/metrics"
)

// ErrBadCredentials is returned by Login for a wrong username or password.
var ErrBadCredentials = errors.New("invalid credentials")

// Admin is the single identity allowed to log in.
type Admin struct {
	Username string
	Bcrypt   string
}

// Sessions is the in-memory table of live login tokens. All sessions act as
// the same admin; a token is either valid or it is not.
type Sessions struct {
	admin Admin
	ttl   time.Duration
	now   func() time.Time

	mu     sync.Mutex
	tokens map[string]time.Time
}

type SessionOption func(*Sessions)

// WithSessionClock overrides time.Now, for tests.
func WithSessionClock(now func() time.Time) SessionOption {
	return func(s *Sessions) { s.now = now }
}

func NewSessions(admin Admin, ttl time.Duration, opts ...SessionOption) *Sessions {
	s := &Sessions{
		admin:  admin,
		ttl:    ttl,
		now:    time.Now,
		tokens: map[string]time.Time{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Login checks the admin credentials and opens a new session.
func (s *Sessions) Login(username, password string) (token string, expiresAt time.Time, err error) {
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(s.admin.Username)) == 1
	// always pay for bcrypt so a wrong username is not faster than a wrong password
	passErr := bcrypt.CompareHashAndPassword([]byte(s.admin.Bcrypt), []byte(password))
	if !userOK || passErr != nil {
		metrics.RecordLogin(false)
		return "", time.Time{}, ErrBadCredentials
	}

	token, err = newSessionToken()
	if err != nil {
		return "", time.Time{}, err
	}
	expiresAt = s.now().Add(s.ttl)

	s.mu.Lock()
	s.tokens[token] = expiresAt
	n := len(s.tokens)
	s.mu.Unlock()

	metrics.RecordLogin(true)
	metrics.SetActiveSessions(n)
	return token, expiresAt, nil
}

// Valid reports whether token names a live session. An expired session is
// dropped on first sight.
func (s *Sessions) Valid(token string) bool {
	if token == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.tokens[token]
	if !ok {
		return false
	}
	if !s.now().Before(exp) {
		delete(s.tokens, token)
		metrics.SetActiveSessions(len(s.tokens))
		return false
	}
	return true
}

func (s *Sessions) Logout(token string) {
	s.mu.Lock()
	delete(s.tokens, token)
	n := len(s.tokens)
	s.mu.Unlock()
	metrics.SetActiveSessions(n)
}

// Count returns the number of sessions in the table, including any that
// have expired but not yet been swept.
func (s *Sessions) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokens)
}

// Sweep removes every expired session and returns how many were dropped.
func (s *Sessions) Sweep() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for tok, exp := range s.tokens {
		if !now.Before(exp) {
			delete(s.tokens, tok)
			n++
		}
	}
	metrics.SetActiveSessions(len(s.tokens))
	return n
}

// RunSweeper calls Sweep every interval until ctx is done.
func (s *Sessions) RunSweeper(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := s.Sweep(); n > 0 {
				logging.L().Debug("expired sessions swept", zap.Int("count", n))
			}
		}
	}
}

// CheckBasic validates admin credentials without opening a session. Used for
// WebDAV clients that cannot carry a cookie.
func (s *Sessions) CheckBasic(username, password string) bool {
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(s.admin.Username)) == 1
	passErr := bcrypt.CompareHashAndPassword([]byte(s.admin.Bcrypt), []byte(password))
	return userOK && passErr == nil
}

func newSessionToken() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b[:]), nil
}
