package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// PermissionStore implements AllowListStore: a per-project persisted
// allow-list (JSON array of permission keys, sorted, unique, written
// atomically and held under a file lock) plus a process-wide in-memory
// session set.
//
// Writes go through a copy-write path: read current contents, merge in the
// new key, sort and dedupe, then atomic temp-file-then-rename so a reader
// never observes a partially written file.
type PermissionStore struct {
	path string

	mu        sync.Mutex
	sessionMu sync.RWMutex
	session   map[string]bool
}

// NewPermissionStore creates a store backed by the JSON file at path. The
// file need not exist yet; it is created on first save.
func NewPermissionStore(path string) *PermissionStore {
	return &PermissionStore{
		path:    path,
		session: make(map[string]bool),
	}
}

// HasProjectGrant reports whether key is present in the on-disk allow-list.
func (s *PermissionStore) HasProjectGrant(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys, err := s.readLocked()
	if err != nil {
		return false
	}
	for _, k := range keys {
		if k == key {
			return true
		}
	}
	return false
}

// HasSessionGrant reports whether key is present in the in-memory session
// set.
func (s *PermissionStore) HasSessionGrant(key string) bool {
	s.sessionMu.RLock()
	defer s.sessionMu.RUnlock()
	return s.session[key]
}

// SaveSessionGrant adds key to the in-memory session set. It resets when
// the process exits.
func (s *PermissionStore) SaveSessionGrant(key string) {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()
	s.session[key] = true
}

// SaveProjectGrant appends key to the on-disk allow-list, sorted and
// deduplicated, written atomically under a file lock.
func (s *PermissionStore) SaveProjectGrant(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := acquireFileLock(s.path + ".lock")
	if err != nil {
		return fmt.Errorf("acquire allow-list lock: %w", err)
	}
	defer unlock()

	keys, err := s.readLocked()
	if err != nil {
		return err
	}

	keys = append(keys, key)
	keys = sortUnique(keys)

	payload, err := json.MarshalIndent(keys, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal allow-list: %w", err)
	}

	return atomicWriteFile(s.path, payload)
}

func (s *PermissionStore) readLocked() ([]string, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read allow-list: %w", err)
	}
	var keys []string
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, fmt.Errorf("parse allow-list: %w", err)
	}
	return keys, nil
}

func sortUnique(keys []string) []string {
	seen := make(map[string]bool, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// atomicWriteFile writes data to path via a temp file in the same
// directory followed by a rename, so concurrent readers never observe a
// torn write.
func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create allow-list dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write allow-list tmp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename allow-list tmp file: %w", err)
	}
	return nil
}

// acquireFileLock takes an exclusive-create lock file at lockPath so that
// concurrent processes editing the same project allow-list serialize their
// writes. The returned function releases it. A stale lock (the holder
// process no longer exists) is reclaimed rather than blocking forever.
func acquireFileLock(lockPath string) (func(), error) {
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, err
	}

	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%d", os.Getpid())
			f.Close()
			return func() { os.Remove(lockPath) }, nil
		}
		if !os.IsExist(err) {
			return nil, err
		}
		if staleLock(lockPath) {
			os.Remove(lockPath)
			continue
		}
		return nil, fmt.Errorf("allow-list lock %s held by another process", lockPath)
	}
}

// staleLockAge is how long a lock file may sit before it is assumed to
// belong to a crashed process rather than a live, slow writer.
const staleLockAge = 30 * time.Second

func staleLock(lockPath string) bool {
	info, err := os.Stat(lockPath)
	if err != nil {
		return true
	}
	return time.Since(info.ModTime()) > staleLockAge
}
