package gitrepo

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/mergebot/mergebot/pkg/errors"
	"github.com/mergebot/mergebot/pkg/logger"
)

// seedLockTimeout bounds waiting for another process that is updating the
// same seed clone.
const seedLockTimeout = 2 * time.Minute

// SeedStorage maintains a local cache of bare clones, one per repository.
// Working trees are created from the seed instead of the network, so a burst
// of work items on the same repository clones from disk. The cache is safe
// for concurrent use within a process (per-repository mutex) and across
// processes (file lock next to the seed).
type SeedStorage struct {
	root string

	mu    sync.Mutex
	repos map[string]*sync.Mutex
}

// NewSeedStorage creates the storage rooted at the given directory
func NewSeedStorage(root string) (*SeedStorage, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, errors.Wrap(errors.ErrCodeGitClone, "cannot create seed storage "+root, err)
	}
	return &SeedStorage{
		root:  root,
		repos: make(map[string]*sync.Mutex),
	}, nil
}

func (s *SeedStorage) repoLock(name string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.repos[name]
	if !ok {
		lock = &sync.Mutex{}
		s.repos[name] = lock
	}
	return lock
}

// seedPath maps a repository name like "owner/repo" to its seed directory
func (s *SeedStorage) seedPath(name string) string {
	return filepath.Join(s.root, strings.ReplaceAll(name, "/", "__")+".git")
}

// Materialize ensures an up-to-date bare seed clone for the repository and
// returns its path. An existing seed is fetched, a missing one is created.
func (s *SeedStorage) Materialize(ctx context.Context, name, url, token string) (string, error) {
	lock := s.repoLock(name)
	lock.Lock()
	defer lock.Unlock()

	path := s.seedPath(name)
	fileLock := flock.New(path + ".lock")
	lockCtx, cancel := context.WithTimeout(ctx, seedLockTimeout)
	defer cancel()
	locked, err := fileLock.TryLockContext(lockCtx, 100*time.Millisecond)
	if err != nil || !locked {
		return "", errors.Wrap(errors.ErrCodeGitClone, "cannot lock seed for "+name, err)
	}
	defer fileLock.Unlock()

	env, cleanup, err := credentialEnv(token)
	if err != nil {
		return "", err
	}
	defer cleanup()

	if _, statErr := os.Stat(filepath.Join(path, "HEAD")); statErr != nil {
		// Initialize rather than clone so an interrupted first fetch leaves a
		// repairable seed instead of a half-written clone.
		logger.Info("creating seed clone",
			zap.String("repository", name), zap.String("path", path))
		if _, err := runGit(ctx, s.root, nil, "init", "--bare", path); err != nil {
			return "", err
		}
	}
	if _, err := runGit(ctx, path, nil, "remote", "set-url", "origin", url); err != nil {
		if _, err := runGit(ctx, path, nil, "remote", "add", "origin", url); err != nil {
			return "", err
		}
	}
	if _, err := runGit(ctx, path, env, "fetch", "--prune", "--no-tags", "origin",
		"+refs/heads/*:refs/heads/*"); err != nil {
		return "", errors.Wrap(errors.ErrCodeGitFetch, "cannot refresh seed for "+name, err)
	}
	return path, nil
}
