package tokenstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultWatchDebounce = 100 * time.Millisecond

// Watch invokes onChange whenever another writer changes, replaces or removes
// the token file. Changes that leave the file as this store last wrote it are
// skipped. Bursts are coalesced into one call per debounce window. Watch blocks
// until ctx is done.
//
// The parent directory is watched rather than the file itself because Save
// replaces the file by rename.
func (s *FileStore) Watch(ctx context.Context, onChange func()) error {
	return s.watch(ctx, defaultWatchDebounce, onChange)
}

func (s *FileStore) watch(ctx context.Context, debounce time.Duration, onChange func()) error {
	if onChange == nil {
		return fmt.Errorf("watch: nil callback")
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create token dir: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer func() { _ = fsw.Close() }()

	if err := fsw.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	target := filepath.Base(s.path)

	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	fire := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Reset(debounce)
			return
		}
		timer = time.AfterFunc(debounce, func() {
			mu.Lock()
			timer = nil
			mu.Unlock()
			if ctx.Err() == nil && !s.ownWrite() {
				onChange()
			}
		})
	}
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Base(evt.Name) != target {
				continue
			}
			if evt.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			fire()
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}
}
