package server

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"github.com/ije/gox/log"
)

const watchDebounce = 30 * time.Millisecond

var defaultWatchIgnores = []string{
	"**/.git/**",
	"**/node_modules/**",
	"**/*.swp",
	"**/*~",
	"**/.DS_Store",
}

// watcher watches the root directory recursively and calls onChange with the
// absolute paths of the files changed within the debounce window.
type watcher struct {
	root     string
	ignores  []string
	fsw      *fsnotify.Watcher
	logger   *log.Logger
	onChange func(files []string)
}

func newWatcher(config *Config, logger *log.Logger, onChange func(files []string)) (*watcher, error) {
	ignores := make([]string, 0, len(defaultWatchIgnores)+len(config.WatchIgnore)+1)
	ignores = append(ignores, defaultWatchIgnores...)
	ignores = append(ignores, config.CacheDir+"/**")
	for _, pattern := range config.WatchIgnore {
		if !doublestar.ValidatePattern(pattern) {
			return nil, errors.New("invalid watch ignore pattern: " + pattern)
		}
		ignores = append(ignores, pattern)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &watcher{
		root:     config.Root,
		ignores:  ignores,
		fsw:      fsw,
		logger:   logger,
		onChange: onChange,
	}
	err = filepath.WalkDir(w.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			logger.Warnf("[watch] skip %s: %v", path, err)
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != w.root && w.isIgnoredDir(path) {
			return filepath.SkipDir
		}
		return fsw.Add(path)
	})
	if err != nil {
		fsw.Close()
		return nil, err
	}
	return w, nil
}

// run blocks until ctx is done.
func (w *watcher) run(ctx context.Context) {
	var (
		lock    sync.Mutex
		pending = map[string]struct{}{}
		timer   *time.Timer
	)
	fire := func() {
		lock.Lock()
		files := make([]string, 0, len(pending))
		for file := range pending {
			files = append(files, file)
		}
		clear(pending)
		lock.Unlock()
		if len(files) > 0 && ctx.Err() == nil {
			sort.Strings(files)
			w.onChange(files)
		}
	}

	defer func() {
		lock.Lock()
		if timer != nil {
			timer.Stop()
		}
		lock.Unlock()
		w.fsw.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if w.isIgnored(evt.Name) {
				continue
			}
			if evt.Has(fsnotify.Create) {
				if fi, err := os.Stat(evt.Name); err == nil && fi.IsDir() {
					if !w.isIgnoredDir(evt.Name) {
						if err := w.fsw.Add(evt.Name); err != nil {
							w.logger.Warnf("[watch] add %s: %v", evt.Name, err)
						}
					}
					continue
				}
			}
			if evt.Has(fsnotify.Chmod) && !evt.Has(fsnotify.Write) {
				continue
			}
			lock.Lock()
			pending[evt.Name] = struct{}{}
			if timer == nil {
				timer = time.AfterFunc(watchDebounce, fire)
			} else {
				timer.Reset(watchDebounce)
			}
			lock.Unlock()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Errorf("[watch] %v", err)
		}
	}
}

func (w *watcher) isIgnored(filename string) bool {
	rel, err := filepath.Rel(w.root, filename)
	if err != nil {
		return true
	}
	rel = filepath.ToSlash(rel)
	for _, pattern := range w.ignores {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

func (w *watcher) isIgnoredDir(dirname string) bool {
	return w.isIgnored(dirname) || w.isIgnored(filepath.Join(dirname, "_"))
}
