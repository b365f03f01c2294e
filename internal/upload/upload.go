package upload

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"fastpan/internal/fsutil"
	"fastpan/internal/logging"
	"fastpan/internal/metrics"
)

// A minimal resumable upload protocol:
// - POST   /api/uploads?path=<destRel>&size=<n>  => {id, offset}
// - PATCH  /api/uploads/<id> (Content-Range: bytes <start>-<end>/<total>) body=chunk
// - POST   /api/uploads/<id>/finish               => move into dest
//
// State is stored on disk in <stateDir>/uploads/<id>.{part,json}.

var (
	ErrNotFound = errors.New("upload: no such session")
	ErrOffset   = errors.New("upload: offset mismatch")
	ErrBusy     = errors.New("upload: another chunk is in flight")
)

type Manager struct {
	resolver *fsutil.Resolver
	dir      string
	mu       sync.Mutex
	sessions map[string]*Session
	inflight map[string]bool // sessions with a chunk being copied; mu guards it
}

type Session struct {
	ID      string `json:"id"`
	DestRel string `json:"destRel"`
	Size    int64  `json:"size"`   // total if known, else -1
	Offset  int64  `json:"offset"` // written bytes
	Created int64  `json:"created"`
}

func New(resolver *fsutil.Resolver, stateDir string) (*Manager, error) {
	dir := filepath.Join(stateDir, "uploads")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	m := &Manager{
		resolver: resolver,
		dir:      dir,
		sessions: map[string]*Session{},
		inflight: map[string]bool{},
	}
	if err := m.loadExisting(); err != nil {
		logging.L().Warn("resumable uploads not restored", zap.Error(err))
	}
	return m, nil
}

// Dir is where partial uploads are staged.
func (m *Manager) Dir() string {
	return m.dir
}

func (m *Manager) loadExisting() error {
	ents, err := os.ReadDir(m.dir)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range ents {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		b, err := os.ReadFile(filepath.Join(m.dir, e.Name()))
		if err != nil {
			continue
		}
		var s Session
		if json.Unmarshal(b, &s) != nil {
			continue
		}
		if s.ID != "" {
			cp := s
			m.sessions[s.ID] = &cp
		}
	}
	return nil
}

// Create opens an upload session. The destination must resolve inside the
// root and must not be the root itself.
func (m *Manager) Create(destRel string, total int64) (*Session, error) {
	if _, err := m.resolver.Resolve(destRel); err != nil {
		return nil, err
	}
	destRel = fsutil.CleanRelPath(destRel)
	if destRel == "" {
		return nil, fsutil.ErrPathViolation
	}
	id, err := newID()
	if err != nil {
		return nil, err
	}
	s := &Session{
		ID:      id,
		DestRel: destRel,
		Size:    total,
		Offset:  0,
		Created: time.Now().Unix(),
	}
	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()
	if err := m.save(*s); err != nil {
		return nil, err
	}
	return s, nil
}

func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	cp := *s
	return &cp, true
}

// Patch appends one chunk described by contentRange. The body is copied
// without holding the manager lock; a second chunk for the same session
// while one is in flight gets ErrBusy.
func (m *Manager) Patch(ctx context.Context, id, contentRange string, body io.Reader) (*Session, error) {
	start, end, total, err := parseContentRange(contentRange)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	s, ok := m.sessions[id]
	switch {
	case !ok:
		m.mu.Unlock()
		return nil, ErrNotFound
	case m.inflight[id]:
		m.mu.Unlock()
		return nil, ErrBusy
	case start != s.Offset:
		have := s.Offset
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: have %d want %d", ErrOffset, have, start)
	case s.Size >= 0 && total >= 0 && s.Size != total:
		have := s.Size
		m.mu.Unlock()
		return nil, fmt.Errorf("size mismatch: have %d want %d", have, total)
	}
	m.inflight[id] = true
	m.mu.Unlock()

	wrote, err := m.writeChunk(id, start, (end-start)+1, body)

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inflight, id)
	if err != nil {
		return nil, err
	}
	metrics.RecordBytesUploaded(wrote)
	if s.Size < 0 && total >= 0 {
		s.Size = total
	}
	s.Offset += wrote
	if err := m.save(*s); err != nil {
		return nil, err
	}
	cp := *s
	return &cp, nil
}

func (m *Manager) writeChunk(id string, start, want int64, body io.Reader) (int64, error) {
	f, err := os.OpenFile(filepath.Join(m.dir, id+".part"), os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	if _, err := f.Seek(start, io.SeekStart); err != nil {
		return 0, err
	}
	wrote, err := io.CopyN(f, body, want)
	if err != nil {
		return 0, err
	}
	if wrote != want {
		return 0, fmt.Errorf("short write: %d != %d", wrote, want)
	}
	return wrote, f.Sync()
}

// Finish moves a complete upload to its destination, re-resolved now in case
// the tree changed while the upload was in flight.
func (m *Manager) Finish(ctx context.Context, id string) (dstAbs string, size int64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return "", 0, ErrNotFound
	}
	if m.inflight[id] {
		return "", 0, ErrBusy
	}
	if s.Size >= 0 && s.Offset != s.Size {
		return "", 0, fmt.Errorf("upload incomplete: offset=%d size=%d", s.Offset, s.Size)
	}

	partPath := filepath.Join(m.dir, id+".part")
	st, err := os.Stat(partPath)
	if errors.Is(err, os.ErrNotExist) && s.Offset == 0 {
		// zero-length upload never received a chunk
		if err := os.WriteFile(partPath, nil, 0o644); err != nil {
			return "", 0, err
		}
		st, err = os.Stat(partPath)
	}
	if err != nil {
		return "", 0, err
	}
	if s.Size >= 0 && st.Size() != s.Size {
		return "", 0, fmt.Errorf("size mismatch: file=%d expected=%d", st.Size(), s.Size)
	}

	dstAbs, err = m.resolver.Resolve(s.DestRel)
	if err != nil {
		return "", 0, err
	}
	if err := os.MkdirAll(filepath.Dir(dstAbs), 0o755); err != nil {
		return "", 0, err
	}
	if err := moveFile(partPath, dstAbs); err != nil {
		return "", 0, err
	}

	_ = os.Remove(filepath.Join(m.dir, id+".json"))
	delete(m.sessions, id)
	return dstAbs, st.Size(), nil
}

func (m *Manager) save(s Session) error {
	b, _ := json.MarshalIndent(s, "", "  ")
	tmp := filepath.Join(m.dir, s.ID+".json.tmp")
	final := filepath.Join(m.dir, s.ID+".json")
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, final)
}

// moveFile renames src onto dst, falling back to copy+fsync across devices.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	if err := copyFile(src, dst); err != nil {
		return err
	}
	return os.Remove(src)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	if err := out.Sync(); err != nil {
		return err
	}
	return out.Close()
}

// WriteFile stores r at dstAbs through a staging file in the upload dir, so a
// half-written upload never appears under its final name.
func (m *Manager) WriteFile(dstAbs string, r io.Reader) (int64, error) {
	tmp, err := os.CreateTemp(m.dir, "mp-*.tmp")
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return 0, err
	}
	if err := moveFile(tmp.Name(), dstAbs); err != nil {
		_ = os.Remove(tmp.Name())
		return 0, err
	}
	metrics.RecordBytesUploaded(n)
	return n, nil
}

func newID() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}

func parseContentRange(v string) (start, end, total int64, err error) {
	// "bytes <start>-<end>/<total>" where total may be "*"
	v = strings.TrimSpace(v)
	if !strings.HasPrefix(v, "bytes ") {
		return 0, 0, 0, errors.New("missing Content-Range (expected: bytes start-end/total)")
	}
	v = strings.TrimPrefix(v, "bytes ")
	parts := strings.SplitN(v, "/", 2)
	if len(parts) != 2 {
		return 0, 0, 0, errors.New("invalid Content-Range")
	}
	se := strings.SplitN(parts[0], "-", 2)
	if len(se) != 2 {
		return 0, 0, 0, errors.New("invalid Content-Range range")
	}
	start, err = strconv.ParseInt(se[0], 10, 64)
	if err != nil || start < 0 {
		return 0, 0, 0, errors.New("invalid Content-Range start")
	}
	end, err = strconv.ParseInt(se[1], 10, 64)
	if err != nil || end < start {
		return 0, 0, 0, errors.New("invalid Content-Range end")
	}
	if parts[1] == "*" {
		total = -1
	} else {
		total, err = strconv.ParseInt(parts[1], 10, 64)
		if err != nil || total <= 0 || end >= total {
			return 0, 0, 0, errors.New("invalid Content-Range total")
		}
	}
	return start, end, total, nil
}
