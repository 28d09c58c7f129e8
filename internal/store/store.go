// Package store persists the AuthState to a single JSON file with atomic
// writes, a process-local cache invalidated by filesystem notifications, a
// deterministic migration chain, and a two-level lock: an in-process FIFO
// mutex plus a cross-process directory lock. All mutation goes through
// WithLock, which reduces state changes to a linearizable sequence even with
// several processes sharing one data directory.
package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"ttyhub/internal/state"
)

const (
	DefaultLockTimeout = 5 * time.Second
	DefaultLockStale   = 30 * time.Second
)

// Store owns the state file at <dataDir>/<name>-auth.json.
type Store struct {
	path     string
	lockPath string
	dataDir  string
	fileName string
	log      *slog.Logger

	lockTimeout time.Duration
	lockStale   time.Duration

	// queue is a capacity-1 semaphore. Goroutines blocked on a channel send
	// are woken in order, so lock acquisitions run in enqueue order.
	queue chan struct{}

	cacheMu    chan struct{} // capacity-1, guards the two cache fields
	cache      *state.AuthState
	cacheValid bool

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// Option configures a Store.
type Option func(*Store)

func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) { s.lockTimeout = d }
}

func WithLockStale(d time.Duration) Option {
	return func(s *Store) { s.lockStale = d }
}

// New creates the data directory if needed and starts the cache-invalidation
// watcher. A watcher that cannot be created is logged and skipped: cache
// coherence across processes is already guaranteed by the lock path, which
// invalidates before every locked read.
func New(dataDir, name string, log *slog.Logger, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("store: create data dir: %w", err)
	}
	fileName := name + "-auth.json"
	path := filepath.Join(dataDir, fileName)

	s := &Store{
		path:        path,
		lockPath:    path + ".lock",
		dataDir:     dataDir,
		fileName:    fileName,
		log:         log,
		lockTimeout: DefaultLockTimeout,
		lockStale:   DefaultLockStale,
		queue:       make(chan struct{}, 1),
		cacheMu:     make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn("store: fsnotify unavailable, relying on lock-path invalidation", "error", err)
	} else if err := watcher.Add(dataDir); err != nil {
		log.Warn("store: cannot watch data dir", "dir", dataDir, "error", err)
		watcher.Close()
	} else {
		s.watcher = watcher
		go s.watchLoop()
	}

	return s, nil
}

// Path returns the state file location.
func (s *Store) Path() string {
	return s.path
}

// Close stops the filesystem watcher.
func (s *Store) Close() error {
	close(s.done)
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

func (s *Store) watchLoop() {
	for {
		select {
		case <-s.done:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) == s.fileName {
				s.InvalidateCache()
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.Warn("store: fsnotify error", "error", err)
		}
	}
}

// InvalidateCache marks the cache unknown; the next Load rereads the file.
func (s *Store) InvalidateCache() {
	s.cacheMu <- struct{}{}
	s.cache = nil
	s.cacheValid = false
	<-s.cacheMu
}

func (s *Store) cacheGet() (*state.AuthState, bool) {
	s.cacheMu <- struct{}{}
	defer func() { <-s.cacheMu }()
	return s.cache, s.cacheValid
}

func (s *Store) cacheSet(st *state.AuthState) {
	s.cacheMu <- struct{}{}
	s.cache = st
	s.cacheValid = true
	<-s.cacheMu
}

// Load returns the current state, or nil when no usable state exists on disk.
// Corrupt or empty files are logged and treated as absent, never returned as
// errors. A cold read runs the migration chain and a one-shot expired-token
// prune, persisting the result when either changed anything.
func (s *Store) Load() (*state.AuthState, error) {
	if st, ok := s.cacheGet(); ok {
		return st, nil
	}

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		s.cacheSet(nil)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: read state: %w", err)
	}
	if strings.TrimSpace(string(data)) == "" {
		s.log.Warn("store: state file is empty, treating as absent", "path", s.path)
		s.cacheSet(nil)
		return nil, nil
	}

	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		s.log.Error("store: state file is corrupt, treating as absent", "path", s.path, "error", err)
		s.cacheSet(nil)
		return nil, nil
	}

	now := time.Now().UnixMilli()
	doc, migrated := state.Migrate(doc, now, s.log)

	st, err := state.FromDocument(doc)
	if err != nil {
		s.log.Error("store: state file undecodable after migration, treating as absent", "path", s.path, "error", err)
		s.cacheSet(nil)
		return nil, nil
	}

	pruned, removed := st.PruneExpiredTokens(now)
	if removed > 0 {
		s.log.Info("store: pruned expired setup tokens", "count", removed)
		st = pruned
	}

	if migrated || removed > 0 {
		if err := s.Save(st); err != nil {
			return nil, fmt.Errorf("store: persist migrated state: %w", err)
		}
	}

	s.cacheSet(&st)
	return &st, nil
}

// Save serializes the state to <path>.tmp.<pid> with mode 0600 and renames it
// over the final path, then refreshes the cache.
func (s *Store) Save(st state.AuthState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("store: encode state: %w", err)
	}
	tmp := fmt.Sprintf("%s.tmp.%d", s.path, os.Getpid())
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("store: write temp state: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("store: rename state: %w", err)
	}
	s.cacheSet(&st)
	return nil
}

// WithLock runs fn under both the in-process FIFO mutex and the cross-process
// directory lock. The cache is invalidated before the read so fn always sees
// the state another process may have written. fn receives nil when no state
// exists; returning a non-nil state persists it, returning nil leaves the
// file untouched. Both locks are released on every exit path, including a
// panic inside fn, and an error from one invocation never blocks queued
// callers.
func (s *Store) WithLock(fn func(cur *state.AuthState) (*state.AuthState, error)) error {
	s.queue <- struct{}{}
	defer func() { <-s.queue }()

	if err := acquireDirLock(s.lockPath, s.lockTimeout, s.lockStale, s.log); err != nil {
		return err
	}
	defer releaseDirLock(s.lockPath, s.log)

	s.InvalidateCache()
	cur, err := s.Load()
	if err != nil {
		return err
	}

	next, err := fn(cur)
	if err != nil {
		return err
	}
	if next != nil {
		return s.Save(*next)
	}
	return nil
}
