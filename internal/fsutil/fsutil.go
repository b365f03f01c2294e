package fsutil

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// ErrPathViolation is returned for any path that escapes the storage root or
// does not exist where existence is required. It deliberately carries no
// detail about what lies outside the root.
var ErrPathViolation = errors.New("path violation")

// CleanRelPath takes a user path like "", ".", "/a/b", "a//b", and returns a
// slash-based, no-leading-slash relative path ("" means root). It is for
// display and link building only; access goes through Resolver.
func CleanRelPath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" || p == "." || p == "/" {
		return ""
	}
	p = strings.ReplaceAll(p, "\\", "/")
	p = path.Clean("/" + p) // force absolute for stable cleaning
	p = strings.TrimPrefix(p, "/")
	if p == "." {
		return ""
	}
	return p
}

// Resolver confines caller-supplied relative paths to a storage root.
type Resolver struct {
	root   string
	hidden []string
}

// NewResolver canonicalizes root (absolute, symlinks resolved) and checks
// that it is a directory.
func NewResolver(root string) (*Resolver, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("abs root: %w", err)
	}
	canon, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	st, err := os.Stat(canon)
	if err != nil {
		return nil, fmt.Errorf("stat root: %w", err)
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("root %s is not a directory", canon)
	}
	return &Resolver{root: filepath.Clean(canon)}, nil
}

// Hide makes abs and everything beneath it unreachable through the
// resolver, as if it lay outside the root. It is used for the state dir when
// that lives inside the served tree. Hide is not safe to call concurrently
// with Resolve and is meant for setup.
func (r *Resolver) Hide(abs string) error {
	a, err := filepath.Abs(abs)
	if err != nil {
		return err
	}
	canon, err := canonicalize(a)
	if err != nil {
		return err
	}
	if canon == r.root {
		return fmt.Errorf("cannot hide the root itself")
	}
	r.hidden = append(r.hidden, canon)
	return nil
}

// Root returns the canonical storage root.
func (r *Resolver) Root() string {
	return r.root
}

// Resolve maps rel onto the filesystem under the root. Leading separators are
// stripped so rel is always root-relative. Any ".." segment, NUL byte or
// drive-letter prefix is rejected outright. The joined path is canonicalized
// (symlinks included, for the part of it that exists) and must remain the
// root or a descendant of it. The target itself need not exist.
func (r *Resolver) Resolve(rel string) (string, error) {
	segs, err := splitRel(rel)
	if err != nil {
		return "", err
	}
	joined := filepath.Join(append([]string{r.root}, segs...)...)
	canon, err := canonicalize(joined)
	if err != nil {
		return "", ErrPathViolation
	}
	if !Within(r.root, canon) {
		return "", ErrPathViolation
	}
	if r.isHidden(canon) {
		return "", ErrPathViolation
	}
	return canon, nil
}

// ResolveEntry names an existing entry without following a symlink in its
// last segment, so removing the result removes the link and not its target.
// The parent is canonicalized and confined like Resolve.
func (r *Resolver) ResolveEntry(rel string) (string, error) {
	segs, err := splitRel(rel)
	if err != nil {
		return "", err
	}
	if len(segs) == 0 {
		return r.root, nil
	}
	parent, err := r.Resolve(strings.Join(segs[:len(segs)-1], "/"))
	if err != nil {
		return "", err
	}
	abs := filepath.Join(parent, segs[len(segs)-1])
	if _, err := os.Lstat(abs); err != nil {
		return "", ErrPathViolation
	}
	if r.isHidden(abs) {
		return "", ErrPathViolation
	}
	return abs, nil
}

func (r *Resolver) isHidden(p string) bool {
	for _, h := range r.hidden {
		if Within(h, p) {
			return true
		}
	}
	return false
}

// ResolveExisting is Resolve plus a requirement that the target exists.
func (r *Resolver) ResolveExisting(rel string) (string, error) {
	abs, err := r.Resolve(rel)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(abs); err != nil {
		return "", ErrPathViolation
	}
	return abs, nil
}

// Rel converts a confined absolute path back into the slash form used by
// clients ("" for the root).
func (r *Resolver) Rel(abs string) string {
	rel, err := filepath.Rel(r.root, abs)
	if err != nil || rel == "." {
		return ""
	}
	return filepath.ToSlash(rel)
}

// Within reports whether p is root or lies beneath it. Both must be clean
// absolute paths. Comparison is by path components, so "/srv/storage2" is
// not within "/srv/storage".
func Within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	if filepath.IsAbs(rel) || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}
	return true
}

func splitRel(rel string) ([]string, error) {
	if strings.ContainsRune(rel, 0) {
		return nil, ErrPathViolation
	}
	rel = strings.ReplaceAll(rel, "\\", "/")
	rel = strings.TrimLeft(rel, "/")
	if len(rel) >= 2 && rel[1] == ':' && isASCIILetter(rel[0]) {
		return nil, ErrPathViolation
	}
	var segs []string
	for _, s := range strings.Split(rel, "/") {
		switch s {
		case "", ".":
			continue
		case "..":
			return nil, ErrPathViolation
		}
		segs = append(segs, s)
	}
	return segs, nil
}

// canonicalize resolves symlinks in the longest existing prefix of p and
// re-attaches the missing tail.
func canonicalize(p string) (string, error) {
	canon, err := filepath.EvalSymlinks(p)
	if err == nil {
		return filepath.Clean(canon), nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", err
	}
	// A dangling symlink exists but cannot be resolved; writing through it
	// could land anywhere.
	if _, lerr := os.Lstat(p); lerr == nil {
		return "", err
	}
	parent := filepath.Dir(p)
	if parent == p {
		return "", err
	}
	base, err := canonicalize(parent)
	if err != nil {
		return "", err
	}
	return filepath.Join(base, filepath.Base(p)), nil
}

func isASCIILetter(c byte) bool {
	return (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z')
}
