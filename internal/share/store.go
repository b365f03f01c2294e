package share

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"fastpan/internal/logging"
	"fastpan/internal/metrics"
)

const fileVersion = 1

type fileState struct {
	Version int              `json:"version"`
	Shares  map[string]Entry `json:"shares"`
}

// Store maps share tokens to entries. The in-memory map is authoritative;
// the JSON file at path is rewritten wholesale (temp file + rename) after
// every mutation and is only read back by Load. Mutations are serialized
// under mu, persistence included, and are rolled back in memory when the
// write fails so memory and disk never disagree.
type Store struct {
	path string

	mu      sync.Mutex
	entries map[string]Entry
}

// NewStore returns an empty store backed by path. Call Load before use.
func NewStore(path string) *Store {
	return &Store{
		path:    path,
		entries: map[string]Entry{},
	}
}

// Load reads the persisted table. A missing or unreadable file starts the
// store empty instead of failing; a corrupt file is moved aside. Entries
// already expired at now are dropped and the pruned table is written back.
// The returned error is only for that write.
func (s *Store) Load(now time.Time) error {
	log := logging.L().With(zap.String("file", s.path))

	entries, err := readState(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Info("no share store yet, starting empty")
		} else {
			log.Warn("share store unreadable, starting empty", zap.Error(err))
			aside := fmt.Sprintf("%s.corrupt-%d", s.path, now.Unix())
			if rerr := os.Rename(s.path, aside); rerr == nil {
				log.Warn("moved unreadable share store aside", zap.String("to", aside))
			}
		}
		entries = map[string]Entry{}
	}

	reaped := 0
	for tok, e := range entries {
		if tok == "" || e.Expired(now) {
			delete(entries, tok)
			reaped++
			continue
		}
		e.Token = tok
		entries[tok] = e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = entries
	metrics.SetSharesLive(len(s.entries))
	if reaped > 0 {
		metrics.RecordSharesReaped(reaped)
		log.Info("reaped expired shares on load", zap.Int("count", reaped))
	}
	log.Info("share store loaded", zap.Int("live", len(s.entries)))
	return s.persistLocked()
}

// Put inserts e under e.Token and persists before returning.
func (s *Store) Put(e Entry) error {
	if e.Token == "" {
		return errors.New("share: empty token")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[e.Token]; ok {
		return errTokenExists
	}
	s.entries[e.Token] = e.clone()
	if err := s.persistLocked(); err != nil {
		delete(s.entries, e.Token)
		return err
	}
	metrics.SetSharesLive(len(s.entries))
	return nil
}

// Get looks token up in memory. It does not evaluate expiry.
func (s *Store) Get(token string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[token]
	if !ok {
		return Entry{}, false
	}
	return e.clone(), true
}

// Remove deletes token and persists. Removing an unknown token is a no-op
// and reports false.
func (s *Store) Remove(token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[token]
	if !ok {
		return false, nil
	}
	delete(s.entries, token)
	if err := s.persistLocked(); err != nil {
		s.entries[token] = e
		return false, err
	}
	metrics.SetSharesLive(len(s.entries))
	return true, nil
}

// Reap removes every entry expired at now and returns how many went.
func (s *Store) Reap(now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var gone []Entry
	for tok, e := range s.entries {
		if e.Expired(now) {
			gone = append(gone, e)
			delete(s.entries, tok)
		}
	}
	if len(gone) == 0 {
		return 0, nil
	}
	if err := s.persistLocked(); err != nil {
		for _, e := range gone {
			s.entries[e.Token] = e
		}
		return 0, err
	}
	metrics.SetSharesLive(len(s.entries))
	metrics.RecordSharesReaped(len(gone))
	return len(gone), nil
}

// List returns every entry, ordered by path then token.
func (s *Store) List() []Entry {
	s.mu.Lock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.clone())
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Path != out[j].Path {
			return out[i].Path < out[j].Path
		}
		return out[i].Token < out[j].Token
	})
	return out
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Close writes the current table one last time.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked()
}

func readState(path string) (map[string]Entry, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var st fileState
	if err := json.Unmarshal(b, &st); err != nil {
		return nil, fmt.Errorf("parse share store: %w", err)
	}
	if st.Version != fileVersion {
		return nil, fmt.Errorf("share store version %d not supported", st.Version)
	}
	if st.Shares == nil {
		st.Shares = map[string]Entry{}
	}
	return st.Shares, nil
}

// persistLocked writes the full table to a temp file in the same directory,
// fsyncs it and renames it over s.path. Callers hold s.mu.
func (s *Store) persistLocked() error {
	b, err := json.MarshalIndent(fileState{Version: fileVersion, Shares: s.entries}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode share store: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("persist share store: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("persist share store: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("persist share store: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("persist share store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("persist share store: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		cleanup()
		return fmt.Errorf("persist share store: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		cleanup()
		return fmt.Errorf("persist share store: %w", err)
	}
	syncDir(dir)
	return nil
}

// syncDir makes the rename durable where the platform allows it.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
