package config

import (
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/codedesk-ai/codedesk/internal/logging"
	"github.com/codedesk-ai/codedesk/pkg/types"
)

// Store is a read-through cache over the merged configuration. The
// permission arbiter consults it on every request; a filesystem watcher
// on the project config directory invalidates the cache so external
// edits (or SaveProjectGrant from another session) are picked up
// without a restart.
type Store struct {
	mu        sync.RWMutex
	directory string
	cached    *types.Config
	watcher   *fsnotify.Watcher
	done      chan struct{}
}

// NewStore creates a store rooted at the given project directory and
// starts the invalidation watcher. The watcher is best-effort: if the
// project config directory does not exist yet, the store still works
// and simply reloads on every Get until a grant is saved.
func NewStore(directory string) (*Store, error) {
	s := &Store{
		directory: directory,
		done:      make(chan struct{}),
	}

	cfg, err := Load(directory)
	if err != nil {
		return nil, err
	}
	s.cached = cfg

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logging.Warn().Err(err).Msg("config watcher unavailable, falling back to reload per access")
		return s, nil
	}
	s.watcher = watcher

	if directory != "" {
		if err := watcher.Add(ProjectConfigDir(directory)); err != nil {
			logging.Debug().Err(err).Str("dir", directory).Msg("project config dir not watched")
		}
	}
	if err := watcher.Add(GetPaths().Config); err != nil {
		logging.Debug().Err(err).Msg("global config dir not watched")
	}

	go s.watch()
	return s, nil
}

func (s *Store) watch() {
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				s.invalidate()
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			logging.Warn().Err(err).Msg("config watcher error")
		}
	}
}

func (s *Store) invalidate() {
	s.mu.Lock()
	s.cached = nil
	s.mu.Unlock()
}

// Get returns the current merged configuration, reloading if the cache
// was invalidated (or if no watcher is running).
func (s *Store) Get() *types.Config {
	s.mu.RLock()
	if s.cached != nil && s.watcher != nil {
		cfg := s.cached
		s.mu.RUnlock()
		return cfg
	}
	s.mu.RUnlock()

	cfg, err := Load(s.directory)
	if err != nil {
		logging.Error().Err(err).Msg("config reload failed")
		cfg = &types.Config{}
		applyDefaults(cfg)
	}

	s.mu.Lock()
	s.cached = cfg
	s.mu.Unlock()
	return cfg
}

// AllowAlways persists a project-scoped always-allow grant for a tool
// and invalidates the cache so the next Get sees it.
func (s *Store) AllowAlways(toolName string) error {
	if err := SaveProjectGrant(s.directory, toolName); err != nil {
		return err
	}
	s.invalidate()
	return nil
}

// Directory returns the project directory this store is rooted at.
func (s *Store) Directory() string {
	return s.directory
}

// Close stops the watcher.
func (s *Store) Close() error {
	close(s.done)
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}
