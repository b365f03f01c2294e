package share

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fastpan/internal/auth"
	"fastpan/internal/fsutil"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	root     string
	state    string
	clock    *fakeClock
	resolver *fsutil.Resolver
	hasher   *auth.Hasher
	store    *Store
	svc      *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	base := t.TempDir()
	root := filepath.Join(base, "storage")
	state := filepath.Join(base, "state")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "docs"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "docs", "report.pdf"), []byte("%PDF"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(base, "passwd"), []byte("root:x"), 0o644))

	resolver, err := fsutil.NewResolver(root)
	require.NoError(t, err)
	hasher, err := auth.NewHasher([]byte("test-secret"))
	require.NoError(t, err)

	f := &fixture{
		root:     root,
		state:    state,
		clock:    &fakeClock{t: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)},
		resolver: resolver,
		hasher:   hasher,
	}
	f.reopen(t)
	return f
}

// reopen simulates a process restart: a fresh store and service over the
// same state file.
func (f *fixture) reopen(t *testing.T) {
	t.Helper()
	f.store = NewStore(filepath.Join(f.state, "shares.json"))
	require.NoError(t, f.store.Load(f.clock.Now()))
	f.svc = NewService(f.store, f.resolver, f.hasher, "http://files.example/", WithClock(f.clock.Now))
}

func TestIssueAndRedeemWithExpiry(t *testing.T) {
	f := newFixture(t)

	iss, err := f.svc.Issue(true, "docs/report.pdf", 3600, "")
	require.NoError(t, err)
	assert.Equal(t, "http://files.example/s/"+iss.Token, iss.URL)
	assert.Len(t, iss.Token, 22)
	require.NotNil(t, iss.ExpiresAt)
	assert.Equal(t, f.clock.Now().Add(time.Hour), *iss.ExpiresAt)

	got, err := f.svc.Redeem(iss.Token, "")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(f.resolver.Root(), "docs", "report.pdf"), got.Abs)
	assert.Equal(t, "docs/report.pdf", got.Path)

	f.clock.Advance(3599 * time.Second)
	_, err = f.svc.Redeem(iss.Token, "")
	require.NoError(t, err)

	f.clock.Advance(2 * time.Second)
	_, err = f.svc.Redeem(iss.Token, "")
	assert.ErrorIs(t, err, ErrExpired)

	_, ok := f.store.Get(iss.Token)
	assert.False(t, ok, "expired entry is reaped")
	_, err = f.svc.Redeem(iss.Token, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExpiryBoundaryIsInclusive(t *testing.T) {
	f := newFixture(t)
	iss, err := f.svc.Issue(true, "docs", 10, "")
	require.NoError(t, err)

	f.clock.Advance(10 * time.Second)
	_, err = f.svc.Redeem(iss.Token, "")
	assert.ErrorIs(t, err, ErrExpired)
}

func TestPermanentLinkNeverExpires(t *testing.T) {
	f := newFixture(t)
	for _, ttl := range []int64{0, -5} {
		iss, err := f.svc.Issue(true, "docs/report.pdf", ttl, "")
		require.NoError(t, err)
		assert.Nil(t, iss.ExpiresAt)

		f.clock.Advance(10 * 365 * 24 * time.Hour)
		_, err = f.svc.Redeem(iss.Token, "")
		assert.NoError(t, err)
		n, err := f.svc.Reap()
		require.NoError(t, err)
		assert.Zero(t, n)
	}
}

func TestHugeTTLIsCappedNotWrapped(t *testing.T) {
	f := newFixture(t)
	for _, ttl := range []int64{10_000_000_000, 1 << 62, math.MaxInt64} {
		iss, err := f.svc.Issue(true, "docs/report.pdf", ttl, "")
		require.NoError(t, err)
		require.NotNil(t, iss.ExpiresAt)
		assert.True(t, iss.ExpiresAt.After(f.clock.Now()), "ttl %d", ttl)

		_, err = f.svc.Redeem(iss.Token, "")
		assert.NoError(t, err, "ttl %d", ttl)
	}
}

func TestPasswordProtectedLink(t *testing.T) {
	f := newFixture(t)
	iss, err := f.svc.Issue(true, "docs/report.pdf", 0, "s3cret")
	require.NoError(t, err)

	e, ok := f.store.Get(iss.Token)
	require.True(t, ok)
	assert.True(t, e.HasPassword())
	assert.NotContains(t, e.PasswordHash, "s3cret")

	_, err = f.svc.Redeem(iss.Token, "")
	assert.ErrorIs(t, err, ErrWrongPassword)
	_, err = f.svc.Redeem(iss.Token, "S3CRET")
	assert.ErrorIs(t, err, ErrWrongPassword)

	_, err = f.svc.Redeem(iss.Token, "s3cret")
	assert.NoError(t, err)

	// links are reusable
	_, err = f.svc.Redeem(iss.Token, "s3cret")
	assert.NoError(t, err)

	// inspecting does not need the password
	tgt, err := f.svc.Inspect(iss.Token)
	require.NoError(t, err)
	assert.True(t, tgt.HasPassword())
}

func TestIssueRejectsTraversalAndMissing(t *testing.T) {
	f := newFixture(t)

	for _, p := range []string{"../passwd", "../etc/passwd", "docs/../../passwd", "docs/nope.pdf"} {
		_, err := f.svc.Issue(true, p, 0, "")
		assert.ErrorIs(t, err, ErrPathViolation, "Issue(%q)", p)
	}
	assert.Zero(t, f.store.Len())
}

func TestIssueRequiresAuthentication(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Issue(false, "docs/report.pdf", 0, "")
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Zero(t, f.store.Len())
}

func TestIssueNormalizesPath(t *testing.T) {
	f := newFixture(t)
	iss, err := f.svc.Issue(true, "/docs//report.pdf", 0, "")
	require.NoError(t, err)
	assert.Equal(t, "docs/report.pdf", iss.Path)
}

func TestRedeemUnknownToken(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Redeem("does-not-exist", "")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.svc.Inspect("does-not-exist")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedeemReResolvesTarget(t *testing.T) {
	f := newFixture(t)
	iss, err := f.svc.Issue(true, "docs/report.pdf", 0, "")
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(f.root, "docs", "report.pdf")))
	_, err = f.svc.Redeem(iss.Token, "")
	assert.ErrorIs(t, err, ErrPathViolation)

	// a new file under the same name is served again
	require.NoError(t, os.WriteFile(filepath.Join(f.root, "docs", "report.pdf"), []byte("v2"), 0o644))
	_, err = f.svc.Redeem(iss.Token, "")
	assert.NoError(t, err)

	// swapping the directory for a symlink out of the root is caught
	require.NoError(t, os.RemoveAll(filepath.Join(f.root, "docs")))
	require.NoError(t, os.Symlink(filepath.Dir(f.root), filepath.Join(f.root, "docs")))
	_, err = f.svc.Redeem(iss.Token, "")
	assert.ErrorIs(t, err, ErrPathViolation)
}

func TestRestartRoundTrip(t *testing.T) {
	f := newFixture(t)

	open, err := f.svc.Issue(true, "docs/report.pdf", 0, "")
	require.NoError(t, err)
	locked, err := f.svc.Issue(true, "docs", 7200, "pw")
	require.NoError(t, err)
	shortLived, err := f.svc.Issue(true, "docs", 60, "")
	require.NoError(t, err)

	f.clock.Advance(2 * time.Minute)
	f.reopen(t)

	assert.Equal(t, 2, f.store.Len(), "expired entry pruned on load")
	_, ok := f.store.Get(shortLived.Token)
	assert.False(t, ok)

	e, ok := f.store.Get(open.Token)
	require.True(t, ok)
	assert.Equal(t, "docs/report.pdf", e.Path)
	assert.False(t, e.HasPassword())
	assert.Nil(t, e.ExpiresAt)

	e, ok = f.store.Get(locked.Token)
	require.True(t, ok)
	assert.Equal(t, "docs", e.Path)
	assert.True(t, e.HasPassword())
	require.NotNil(t, e.ExpiresAt)
	assert.True(t, e.ExpiresAt.Equal(*locked.ExpiresAt))

	_, err = f.svc.Redeem(locked.Token, "pw")
	assert.NoError(t, err)
	_, err = f.svc.Redeem(locked.Token, "nope")
	assert.ErrorIs(t, err, ErrWrongPassword)

	// the pruned state was written back
	b, err := os.ReadFile(filepath.Join(f.state, "shares.json"))
	require.NoError(t, err)
	assert.NotContains(t, string(b), shortLived.Token)
}

func TestConcurrentIssue(t *testing.T) {
	f := newFixture(t)
	const n = 64

	tokens := make([]string, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			iss, err := f.svc.Issue(true, "docs/report.pdf", 3600, fmt.Sprintf("pw%d", i))
			tokens[i], errs[i] = iss.Token, err
		}(i)
	}
	wg.Wait()

	seen := map[string]bool{}
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.False(t, seen[tokens[i]], "duplicate token")
		seen[tokens[i]] = true
	}
	assert.Equal(t, n, f.store.Len())

	b, err := os.ReadFile(filepath.Join(f.state, "shares.json"))
	require.NoError(t, err)
	var st fileState
	require.NoError(t, json.Unmarshal(b, &st))
	assert.Len(t, st.Shares, n)

	f.reopen(t)
	for i, tok := range tokens {
		_, err := f.svc.Redeem(tok, fmt.Sprintf("pw%d", i))
		assert.NoError(t, err)
	}
}

func TestConcurrentRedeemAndReap(t *testing.T) {
	f := newFixture(t)
	iss, err := f.svc.Issue(true, "docs/report.pdf", 1, "")
	require.NoError(t, err)
	f.clock.Advance(time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := f.svc.Redeem(iss.Token, "")
			if err != ErrExpired && err != ErrNotFound {
				t.Errorf("unexpected redeem result: %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			_, _ = f.svc.Reap()
		}()
	}
	wg.Wait()
	assert.Zero(t, f.store.Len())
}

func TestIssueRetriesOnTokenCollision(t *testing.T) {
	f := newFixture(t)
	first := bytes.Repeat([]byte{0xAA}, tokenBytes)
	second := bytes.Repeat([]byte{0xBB}, tokenBytes)

	f.svc = NewService(f.store, f.resolver, f.hasher, "http://x", WithClock(f.clock.Now),
		WithRandom(bytes.NewReader(append(append(append([]byte{}, first...), first...), second...))))

	a, err := f.svc.Issue(true, "docs", 0, "")
	require.NoError(t, err)
	b, err := f.svc.Issue(true, "docs", 0, "")
	require.NoError(t, err)
	assert.NotEqual(t, a.Token, b.Token)
	assert.Equal(t, 2, f.store.Len())
}

func TestRevokeAndList(t *testing.T) {
	f := newFixture(t)
	a, err := f.svc.Issue(true, "docs/report.pdf", 0, "")
	require.NoError(t, err)
	b, err := f.svc.Issue(true, "docs", 30, "")
	require.NoError(t, err)

	_, err = f.svc.List(false)
	assert.ErrorIs(t, err, ErrUnauthorized)

	live, err := f.svc.List(true)
	require.NoError(t, err)
	require.Len(t, live, 2)
	assert.Equal(t, "docs", live[0].Path)
	assert.Equal(t, "docs/report.pdf", live[1].Path)

	f.clock.Advance(time.Minute)
	live, err = f.svc.List(true)
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, a.Token, live[0].Token)

	assert.ErrorIs(t, f.svc.Revoke(false, a.Token), ErrUnauthorized)
	require.NoError(t, f.svc.Revoke(true, a.Token))
	assert.ErrorIs(t, f.svc.Revoke(true, a.Token), ErrNotFound)
	_, err = f.svc.Redeem(a.Token, "")
	assert.ErrorIs(t, err, ErrNotFound)

	n, err := f.svc.Reap()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, ok := f.store.Get(b.Token)
	assert.False(t, ok)
}

func TestLoadCorruptFileStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shares.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	s := NewStore(path)
	require.NoError(t, s.Load(time.Now()))
	assert.Zero(t, s.Len())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	var st fileState
	require.NoError(t, json.Unmarshal(b, &st), "store rewritten in valid form")

	matches, err := filepath.Glob(path + ".corrupt-*")
	require.NoError(t, err)
	assert.Len(t, matches, 1, "corrupt file kept aside")
}

func TestLoadMissingFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "shares.json")
	s := NewStore(path)
	require.NoError(t, s.Load(time.Now()))
	assert.Zero(t, s.Len())
	assert.FileExists(t, path)
}

func TestPutFailsLoudlyWhenPersistFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state", "shares.json")
	s := NewStore(path)
	require.NoError(t, s.Load(time.Now()))

	// replace the state directory with a file so the temp file cannot be created
	require.NoError(t, os.RemoveAll(filepath.Join(dir, "state")))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "state"), nil, 0o644))

	err := s.Put(Entry{Token: "tok", Path: "docs"})
	require.Error(t, err)
	_, ok := s.Get("tok")
	assert.False(t, ok, "failed put is rolled back")
}

func TestPutRejectsDuplicateToken(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "shares.json"))
	require.NoError(t, s.Load(time.Now()))
	require.NoError(t, s.Put(Entry{Token: "tok", Path: "a"}))
	assert.ErrorIs(t, s.Put(Entry{Token: "tok", Path: "b"}), errTokenExists)
	e, ok := s.Get("tok")
	require.True(t, ok)
	assert.Equal(t, "a", e.Path)
}

func TestGetReturnsCopy(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "shares.json"))
	require.NoError(t, s.Load(time.Now()))
	exp := time.Now().Add(time.Hour)
	require.NoError(t, s.Put(Entry{Token: "tok", Path: "a", ExpiresAt: &exp}))

	e, _ := s.Get("tok")
	*e.ExpiresAt = time.Time{}
	again, _ := s.Get("tok")
	assert.True(t, again.ExpiresAt.Equal(exp))
}
