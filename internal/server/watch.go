package server

import (
	"context"
	"path/filepath"
	"time"

	"particlestack/internal/pipeline"
	"particlestack/internal/tasks"
)

// WatchConfig turns settled directories into align jobs.
type WatchConfig struct {
	Dirs       []string
	Settle     time.Duration
	Extensions []string
	// OutputDir receives <dir>_average.tif per settled directory. When empty
	// the average is written next to the watched directory.
	OutputDir string
	Options   map[string]any
}

type watchLoop struct {
	cfg     WatchConfig
	watcher *tasks.DirectoryWatcher
	submit  func(pipeline.Job) (string, error)
	srv     *Server
}

// WatchDirectories makes Start watch cfg.Dirs and submit an align job for
// each directory that receives new images.
func (s *Server) WatchDirectories(cfg WatchConfig) error {
	w, err := tasks.NewDirectoryWatcher(cfg.Dirs, cfg.Settle, cfg.Extensions, s.log)
	if err != nil {
		return err
	}
	s.watch = &watchLoop{cfg: cfg, watcher: w, submit: s.pipeline.Submit, srv: s}
	return nil
}

func (wl *watchLoop) start(ctx context.Context) error {
	if err := wl.watcher.Start(); err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		wl.watcher.Stop()
	}()
	go func() {
		for ev := range wl.watcher.Events {
			wl.handle(ev)
		}
	}()
	return nil
}

func (wl *watchLoop) handle(ev tasks.DirectoryEvent) {
	job := pipeline.Job{
		Type:      pipeline.JobAlign,
		InputPath: ev.Dir,
		Output:    wl.outputFor(ev.Dir),
		Options:   map[string]any{"extensions": wl.cfg.Extensions},
	}
	for k, v := range wl.cfg.Options {
		job.Options[k] = v
	}
	id, err := wl.submit(job)
	if err != nil {
		wl.srv.log.Error("failed to submit job for settled directory", "dir", ev.Dir, "error", err)
		return
	}
	wl.srv.log.Info("submitted align job for settled directory", "dir", ev.Dir, "job", id, "new_files", len(ev.Files))
}

func (wl *watchLoop) outputFor(dir string) string {
	name := filepath.Base(dir) + "_average.tif"
	if wl.cfg.OutputDir != "" {
		return filepath.Join(wl.cfg.OutputDir, name)
	}
	return filepath.Join(filepath.Dir(dir), name)
}
