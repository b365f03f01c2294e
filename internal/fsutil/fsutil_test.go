package fsutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTree(t *testing.T) (*Resolver, string) {
	t.Helper()
	base := t.TempDir()
	root := filepath.Join(base, "storage")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "docs", "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "docs", "report.pdf"), []byte("pdf"), 0o644))

	// sibling whose name shares the root's prefix
	require.NoError(t, os.MkdirAll(filepath.Join(base, "storage2"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(base, "storage2", "secret.txt"), []byte("x"), 0o644))

	r, err := NewResolver(root)
	require.NoError(t, err)
	return r, base
}

func TestCleanRelPath(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{".", ""},
		{"/", ""},
		{"/a/b", "a/b"},
		{"a//b/", "a/b"},
		{"a\\b", "a/b"},
		{"  docs  ", "docs"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CleanRelPath(tt.in), "CleanRelPath(%q)", tt.in)
	}
}

func TestResolveWithinRoot(t *testing.T) {
	r, _ := newTestTree(t)

	tests := []struct {
		rel  string
		want string
	}{
		{"", r.Root()},
		{".", r.Root()},
		{"docs", filepath.Join(r.Root(), "docs")},
		{"docs/report.pdf", filepath.Join(r.Root(), "docs", "report.pdf")},
		{"/docs/report.pdf", filepath.Join(r.Root(), "docs", "report.pdf")},
		{"///docs//./sub/", filepath.Join(r.Root(), "docs", "sub")},
		{"docs\\sub", filepath.Join(r.Root(), "docs", "sub")},
		{"new/dir/file.txt", filepath.Join(r.Root(), "new", "dir", "file.txt")},
		{"docs/..report", filepath.Join(r.Root(), "docs", "..report")},
	}
	for _, tt := range tests {
		got, err := r.Resolve(tt.rel)
		require.NoError(t, err, "Resolve(%q)", tt.rel)
		assert.Equal(t, tt.want, got, "Resolve(%q)", tt.rel)
		assert.True(t, Within(r.Root(), got))
	}
}

func TestResolveRejectsTraversal(t *testing.T) {
	r, _ := newTestTree(t)

	for _, rel := range []string{
		"..",
		"../etc/passwd",
		"docs/../../etc/passwd",
		"docs/../report.pdf",
		"/../storage2/secret.txt",
		"..\\storage2\\secret.txt",
		"docs/\x00",
		"C:/Windows",
		"c:foo",
	} {
		_, err := r.Resolve(rel)
		assert.ErrorIs(t, err, ErrPathViolation, "Resolve(%q)", rel)
	}
}

func TestResolveRejectsSymlinkEscape(t *testing.T) {
	r, base := newTestTree(t)

	require.NoError(t, os.Symlink(filepath.Join(base, "storage2"), filepath.Join(r.Root(), "escape")))
	require.NoError(t, os.Symlink(filepath.Join(r.Root(), "docs"), filepath.Join(r.Root(), "alias")))
	require.NoError(t, os.Symlink(filepath.Join(base, "nowhere"), filepath.Join(r.Root(), "dangling")))

	_, err := r.Resolve("escape/secret.txt")
	assert.ErrorIs(t, err, ErrPathViolation)
	_, err = r.Resolve("escape")
	assert.ErrorIs(t, err, ErrPathViolation)
	_, err = r.Resolve("dangling")
	assert.ErrorIs(t, err, ErrPathViolation)

	got, err := r.Resolve("alias/report.pdf")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(r.Root(), "docs", "report.pdf"), got)
}

func TestResolveExisting(t *testing.T) {
	r, _ := newTestTree(t)

	got, err := r.ResolveExisting("docs/report.pdf")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(r.Root(), "docs", "report.pdf"), got)

	_, err = r.ResolveExisting("docs/missing.pdf")
	assert.ErrorIs(t, err, ErrPathViolation)

	_, err = r.ResolveExisting("docs/report.pdf/child")
	assert.ErrorIs(t, err, ErrPathViolation)
}

func TestWithinUsesComponentBoundary(t *testing.T) {
	root := filepath.FromSlash("/srv/storage")
	assert.True(t, Within(root, root))
	assert.True(t, Within(root, filepath.FromSlash("/srv/storage/a/b")))
	assert.False(t, Within(root, filepath.FromSlash("/srv/storage2")))
	assert.False(t, Within(root, filepath.FromSlash("/srv/storage2/a")))
	assert.False(t, Within(root, filepath.FromSlash("/srv")))
	assert.True(t, Within(root, filepath.FromSlash("/srv/storage/..a")))
}

func TestRel(t *testing.T) {
	r, _ := newTestTree(t)
	assert.Equal(t, "", r.Rel(r.Root()))
	assert.Equal(t, "docs/report.pdf", r.Rel(filepath.Join(r.Root(), "docs", "report.pdf")))
}

func TestNewResolverRequiresDirectory(t *testing.T) {
	dir := t.TempDir()
	f := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(f, nil, 0o644))

	_, err := NewResolver(f)
	assert.Error(t, err)
	_, err = NewResolver(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func TestHiddenStateDir(t *testing.T) {
	r, _ := newTestTree(t)
	state := filepath.Join(r.Root(), ".fastpan")
	require.NoError(t, os.MkdirAll(state, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(state, "share.secret"), []byte("s"), 0o600))
	require.NoError(t, r.Hide(state))

	for _, rel := range []string{".fastpan", ".fastpan/share.secret", "/.fastpan/new"} {
		_, err := r.Resolve(rel)
		assert.ErrorIs(t, err, ErrPathViolation, "Resolve(%q)", rel)
	}

	// a link pointing into the hidden dir is no way around it
	require.NoError(t, os.Symlink(state, filepath.Join(r.Root(), "peek")))
	_, err := r.Resolve("peek/share.secret")
	assert.ErrorIs(t, err, ErrPathViolation)

	_, err = r.Resolve(".fastpanx")
	assert.NoError(t, err)
	assert.Error(t, r.Hide(r.Root()))
}

func TestResolveEntryDoesNotFollowLastLink(t *testing.T) {
	r, base := newTestTree(t)
	require.NoError(t, os.Symlink(filepath.Join(r.Root(), "docs"), filepath.Join(r.Root(), "shortcut")))
	require.NoError(t, os.Symlink(filepath.Join(base, "storage2"), filepath.Join(r.Root(), "away")))

	got, err := r.ResolveEntry("shortcut")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(r.Root(), "shortcut"), got)

	// the link itself is in the root even though its target is not
	got, err = r.ResolveEntry("/away")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(r.Root(), "away"), got)

	// but nothing beneath it is
	_, err = r.ResolveEntry("away/secret.txt")
	assert.ErrorIs(t, err, ErrPathViolation)

	got, err = r.ResolveEntry("shortcut/report.pdf")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(r.Root(), "docs", "report.pdf"), got)

	_, err = r.ResolveEntry("docs/missing")
	assert.ErrorIs(t, err, ErrPathViolation)
	_, err = r.ResolveEntry("../storage2")
	assert.ErrorIs(t, err, ErrPathViolation)

	got, err = r.ResolveEntry("")
	require.NoError(t, err)
	assert.Equal(t, r.Root(), got)
}
