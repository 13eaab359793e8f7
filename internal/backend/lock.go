package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	defaultLockPoll  = 100 * time.Millisecond
	defaultLockStale = 30 * time.Minute
)

// InstallKey is the serialization key for one package version.
func InstallKey(ecosystem, name, version string) string {
	return ecosystem + "|" + name + "|" + version
}

// Locker serializes installs per key, both within this process (keyed
// mutex) and across processes sharing the cache (O_EXCL lock file).
type Locker struct {
	dir        string
	poll       time.Duration
	staleAfter time.Duration
	logger     *slog.Logger

	mu   sync.Mutex
	keys map[string]*keyLock
}

type keyLock struct {
	sem  chan struct{}
	refs int
}

// NewLocker creates a locker whose lock files live in dir.
// An empty dir disables the cross-process lock file.
func NewLocker(dir string, staleAfter time.Duration, logger *slog.Logger) *Locker {
	if staleAfter <= 0 {
		staleAfter = defaultLockStale
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Locker{
		dir:        dir,
		poll:       defaultLockPoll,
		staleAfter: staleAfter,
		logger:     logger,
		keys:       make(map[string]*keyLock),
	}
}

// Lock blocks until key is held or ctx is done. The returned func releases it.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	kl := l.ref(key)

	select {
	case kl.sem <- struct{}{}:
	case <-ctx.Done():
		l.unref(key)
		return nil, fmt.Errorf("acquire install lock %s: %w", key, ctx.Err())
	}

	release := func() {
		<-kl.sem
		l.unref(key)
	}

	if l.dir == "" {
		return release, nil
	}

	unlockFile, err := l.lockFile(ctx, key)
	if err != nil {
		release()
		return nil, err
	}
	return func() {
		unlockFile()
		release()
	}, nil
}

func (l *Locker) ref(key string) *keyLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl, ok := l.keys[key]
	if !ok {
		kl = &keyLock{sem: make(chan struct{}, 1)}
		l.keys[key] = kl
	}
	kl.refs++
	return kl
}

func (l *Locker) unref(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl := l.keys[key]
	kl.refs--
	if kl.refs == 0 {
		delete(l.keys, key)
	}
}

// LockPath returns the lock file used for key.
func (l *Locker) LockPath(key string) string {
	name := strings.NewReplacer("/", "_", "\\", "_", "|", "_", "..", "_").Replace(key)
	return filepath.Join(l.dir, name+".lock")
}

func (l *Locker) lockFile(ctx context.Context, key string) (func(), error) {
	if err := os.MkdirAll(l.dir, 0o700); err != nil {
		return nil, fmt.Errorf("prepare lock dir: %w", err)
	}

	lockPath := l.LockPath(key)
	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()

	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			_, _ = f.WriteString(strconv.Itoa(os.Getpid()))
			_ = f.Close()
			return func() { _ = os.Remove(lockPath) }, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("acquire lock: %w", err)
		}

		if info, statErr := os.Stat(lockPath); statErr == nil && time.Since(info.ModTime()) > l.staleAfter {
			l.logger.Warn("removing stale install lock",
				slog.String("lock", lockPath),
				slog.Duration("age", time.Since(info.ModTime())),
			)
			_ = os.Remove(lockPath)
			continue
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("acquire lock: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}
