package tasks

import (
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"particlestack/internal/fsutil"
	"particlestack/internal/logging"
)

// DirectoryEvent reports a directory that received new images and has been
// quiet for the settle period since.
type DirectoryEvent struct {
	Dir   string    `json:"dir"`
	Files []string  `json:"files"`
	Time  time.Time `json:"time"`
}

// DirectoryWatcher monitors directories for new image files and debounces
// bursts of writes into one DirectoryEvent per directory.
type DirectoryWatcher struct {
	watcher   *fsnotify.Watcher
	Events    chan DirectoryEvent
	watchDirs []string
	settle    time.Duration
	exts      []string
	logger    *slog.Logger

	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewDirectoryWatcher creates a watcher for dirs. Files whose extension is not
// in exts (defaults apply when empty) are ignored.
func NewDirectoryWatcher(dirs []string, settle time.Duration, exts []string, logger *slog.Logger) (*DirectoryWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.Discard()
	}
	if settle <= 0 {
		settle = time.Second
	}
	return &DirectoryWatcher{
		watcher:   watcher,
		Events:    make(chan DirectoryEvent, 16),
		watchDirs: dirs,
		settle:    settle,
		exts:      exts,
		logger:    logger,
		done:      make(chan struct{}),
	}, nil
}

// Start begins monitoring the configured directories
func (dw *DirectoryWatcher) Start() error {
	for _, dir := range dw.watchDirs {
		if err := dw.watcher.Add(dir); err != nil {
			return err
		}
		dw.logger.Info("watching directory", "dir", dir)
	}
	dw.wg.Add(1)
	go dw.processEvents()
	return nil
}

// Stop stops the watcher and closes Events.
func (dw *DirectoryWatcher) Stop() error {
	var err error
	dw.once.Do(func() {
		close(dw.done)
		err = dw.watcher.Close()
		dw.wg.Wait()
		close(dw.Events)
	})
	return err
}

func (dw *DirectoryWatcher) processEvents() {
	defer dw.wg.Done()

	pending := make(map[string]map[string]struct{})
	last := make(map[string]time.Time)
	timer := time.NewTimer(dw.settle)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case event, ok := <-dw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if !fsutil.IsImageFile(event.Name, dw.exts...) {
				continue
			}
			dir := filepath.Dir(event.Name)
			if pending[dir] == nil {
				pending[dir] = make(map[string]struct{})
			}
			pending[dir][event.Name] = struct{}{}
			last[dir] = time.Now()
			timer.Reset(dw.settle)

		case <-timer.C:
			now := time.Now()
			var wait time.Duration
			for dir, files := range pending {
				if quiet := now.Sub(last[dir]); quiet < dw.settle {
					if rest := dw.settle - quiet; wait == 0 || rest < wait {
						wait = rest
					}
					continue
				}
				dw.emit(dir, files, now)
				delete(pending, dir)
				delete(last, dir)
			}
			if wait > 0 {
				timer.Reset(wait)
			}

		case err, ok := <-dw.watcher.Errors:
			if !ok {
				return
			}
			dw.logger.Warn("filesystem watcher error", "error", err)

		case <-dw.done:
			return
		}
	}
}

func (dw *DirectoryWatcher) emit(dir string, files map[string]struct{}, now time.Time) {
	ev := DirectoryEvent{Dir: dir, Time: now}
	for f := range files {
		ev.Files = append(ev.Files, f)
	}
	sort.Strings(ev.Files)

	select {
	case dw.Events <- ev:
		dw.logger.Info("directory settled", "dir", dir, "new_files", len(ev.Files))
	default:
		dw.logger.Warn("event buffer full, dropping directory event", "dir", dir)
	}
}
