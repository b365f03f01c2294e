package share

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"fastpan/internal/auth"
	"fastpan/internal/fsutil"
	"fastpan/internal/logging"
	"fastpan/internal/metrics"
)

const (
	tokenBytes  = 16
	issueTries  = 3
	tokenPrefix = 6 // characters of a token that may appear in logs

	// longest ttl that still fits in a time.Duration
	maxTTLSeconds = int64(math.MaxInt64 / int64(time.Second))
)

// Issued is what the creator of a link gets back.
type Issued struct {
	Token      string
	URL        string
	Path       string
	ExpiresAt  *time.Time
	TTLSeconds int64 // after capping; 0 for a permanent link
}

// Target is a redeemed or inspected link: the entry plus its target
// resolved under the storage root at the time of the call.
type Target struct {
	Entry
	Abs string
}

// Service issues and redeems share links.
type Service struct {
	store    *Store
	resolver *fsutil.Resolver
	hasher   *auth.Hasher
	baseURL  string
	now      func() time.Time
	random   io.Reader
}

type Option func(*Service)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithRandom overrides the token source (crypto/rand by default).
func WithRandom(r io.Reader) Option {
	return func(s *Service) { s.random = r }
}

func NewService(store *Store, resolver *fsutil.Resolver, hasher *auth.Hasher, baseURL string, opts ...Option) *Service {
	s := &Service{
		store:    store,
		resolver: resolver,
		hasher:   hasher,
		baseURL:  strings.TrimRight(baseURL, "/"),
		now:      time.Now,
		random:   rand.Reader,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Issue creates a link for relPath. ttlSeconds <= 0 means the link never
// expires; larger values are capped at maxTTLSeconds. An empty password
// leaves the link unprotected.
func (s *Service) Issue(authenticated bool, relPath string, ttlSeconds int64, password string) (Issued, error) {
	if !authenticated {
		metrics.RecordShareIssued("unauthorized")
		return Issued{}, ErrUnauthorized
	}
	if _, err := s.resolver.ResolveExisting(relPath); err != nil {
		metrics.RecordShareIssued("path_violation")
		return Issued{}, ErrPathViolation
	}

	now := s.now()
	e := Entry{
		Path:      fsutil.CleanRelPath(relPath),
		CreatedAt: now.UTC(),
	}
	if ttlSeconds > 0 {
		ttlSeconds = min(ttlSeconds, maxTTLSeconds)
		exp := now.Add(time.Duration(ttlSeconds) * time.Second).UTC()
		e.ExpiresAt = &exp
	}
	if password != "" {
		e.PasswordHash = s.hasher.Hash(password)
	}

	var err error
	for i := 0; i < issueTries; i++ {
		e.Token, err = s.newToken()
		if err != nil {
			metrics.RecordShareIssued("error")
			return Issued{}, fmt.Errorf("generate token: %w", err)
		}
		err = s.store.Put(e)
		if !errors.Is(err, errTokenExists) {
			break
		}
	}
	if err != nil {
		metrics.RecordShareIssued("error")
		logging.L().Error("share issue failed", zap.String("path", e.Path), zap.Error(err))
		return Issued{}, err
	}

	metrics.RecordShareIssued("ok")
	logging.L().Info("share issued",
		zap.String("token", redact(e.Token)),
		zap.String("path", e.Path),
		zap.Bool("password", e.HasPassword()),
		zap.Timep("expires_at", e.ExpiresAt),
	)
	iss := Issued{
		Token:     e.Token,
		URL:       s.URL(e.Token),
		Path:      e.Path,
		ExpiresAt: e.ExpiresAt,
	}
	if e.ExpiresAt != nil {
		iss.TTLSeconds = ttlSeconds
	}
	return iss, nil
}

// URL is the public address of a link.
func (s *Service) URL(token string) string {
	return s.baseURL + "/s/" + token
}

// Redeem checks token and password and returns the link's target, resolved
// afresh under the root.
func (s *Service) Redeem(token, password string) (Target, error) {
	t, err := s.lookup(token)
	if err != nil {
		metrics.RecordShareRedeem(outcome(err))
		return Target{}, err
	}
	if t.HasPassword() && (password == "" || !s.hasher.Verify(password, t.PasswordHash)) {
		metrics.RecordShareRedeem(outcome(ErrWrongPassword))
		return Target{}, ErrWrongPassword
	}
	t.Abs, err = s.resolver.ResolveExisting(t.Path)
	if err != nil {
		metrics.RecordShareRedeem(outcome(ErrPathViolation))
		return Target{}, ErrPathViolation
	}
	metrics.RecordShareRedeem("ok")
	return t, nil
}

// Inspect is Redeem without the password check: enough to show the link's
// name, size and expiry before asking for a password.
func (s *Service) Inspect(token string) (Target, error) {
	t, err := s.lookup(token)
	if err != nil {
		return Target{}, err
	}
	t.Abs, err = s.resolver.ResolveExisting(t.Path)
	if err != nil {
		return Target{}, ErrPathViolation
	}
	return t, nil
}

// Revoke deletes a link.
func (s *Service) Revoke(authenticated bool, token string) error {
	if !authenticated {
		return ErrUnauthorized
	}
	ok, err := s.store.Remove(token)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	logging.L().Info("share revoked", zap.String("token", redact(token)))
	return nil
}

// List returns the links that are still live at the time of the call.
func (s *Service) List(authenticated bool) ([]Entry, error) {
	if !authenticated {
		return nil, ErrUnauthorized
	}
	now := s.now()
	all := s.store.List()
	live := all[:0]
	for _, e := range all {
		if !e.Expired(now) {
			live = append(live, e)
		}
	}
	return live, nil
}

// Reap drops every expired link from the store.
func (s *Service) Reap() (int, error) {
	n, err := s.store.Reap(s.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logging.L().Info("expired shares reaped", zap.Int("count", n))
	}
	return n, nil
}

// RunReaper calls Reap every interval until ctx is done.
func (s *Service) RunReaper(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := s.Reap(); err != nil {
				logging.L().Error("share reap failed", zap.Error(err))
			}
		}
	}
}

// lookup finds token and enforces expiry, reaping the entry when it has
// passed.
func (s *Service) lookup(token string) (Target, error) {
	e, ok := s.store.Get(token)
	if !ok {
		return Target{}, ErrNotFound
	}
	if e.Expired(s.now()) {
		if _, err := s.store.Remove(token); err != nil {
			logging.L().Error("reap expired share failed", zap.String("token", redact(token)), zap.Error(err))
		} else {
			metrics.RecordSharesReaped(1)
		}
		return Target{}, ErrExpired
	}
	return Target{Entry: e}, nil
}

func (s *Service) newToken() (string, error) {
	var b [tokenBytes]byte
	if _, err := io.ReadFull(s.random, b[:]); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b[:]), nil
}

func outcome(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrWrongPassword):
		return "wrong_password"
	case errors.Is(err, ErrPathViolation):
		return "path_violation"
	default:
		return "error"
	}
}

func redact(token string) string {
	if len(token) <= tokenPrefix {
		return token
	}
	return token[:tokenPrefix] + "…"
}
