package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Daemon watches a directory for task list files, executes each one,
// and archives it. Per-file failures are logged; the daemon itself
// keeps running until the context is cancelled, finishing the file in
// flight first.
type Daemon struct {
	store      *Store
	engine     *Engine
	watchDir   string
	archiveDir string
	interval   time.Duration
	parallel   bool

	// settle delays processing so a file being written has a moment to
	// land completely.
	settle time.Duration
}

// NewDaemon builds the watcher. interval controls the periodic rescan
// that catches files missed by filesystem events.
func NewDaemon(store *Store, engine *Engine, watchDir, archiveDir string, interval time.Duration, parallel bool) *Daemon {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Daemon{
		store:      store,
		engine:     engine,
		watchDir:   watchDir,
		archiveDir: archiveDir,
		interval:   interval,
		parallel:   parallel,
		settle:     200 * time.Millisecond,
	}
}

// Run blocks until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	if err := os.MkdirAll(d.archiveDir, 0o755); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(d.watchDir); err != nil {
		return fmt.Errorf("watch %s: %w", d.watchDir, err)
	}

	log.Info().Str("dir", d.watchDir).Dur("interval", d.interval).Msg("task daemon watching")

	// Pick up whatever was dropped off while we were down.
	d.sweep(ctx)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("task daemon stopping")
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Write) {
				time.Sleep(d.settle)
				d.processFile(ctx, ev.Name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("watcher error")
		case <-ticker.C:
			d.sweep(ctx)
		}
	}
}

// sweep processes every eligible file currently in the watch dir.
func (d *Daemon) sweep(ctx context.Context) {
	entries, err := os.ReadDir(d.watchDir)
	if err != nil {
		log.Warn().Err(err).Str("dir", d.watchDir).Msg("rescan failed")
		return
	}
	for _, entry := range entries {
		if ctx.Err() != nil {
			return
		}
		if entry.IsDir() {
			continue
		}
		d.processFile(ctx, filepath.Join(d.watchDir, entry.Name()))
	}
}

// processFile runs one file through parse → persist → execute →
// archive. Every failure is terminal for the file only.
func (d *Daemon) processFile(ctx context.Context, path string) {
	if !SupportedExtension(path) {
		return
	}
	if _, err := os.Stat(path); err != nil {
		return // already archived or removed
	}
	logger := log.With().Str("file", filepath.Base(path)).Logger()

	parsed, err := ParseFile(path)
	if err != nil {
		logger.Error().Err(err).Msg("task file rejected")
		return
	}
	if err := d.store.SaveList(ctx, parsed.List, parsed.Tasks); err != nil {
		logger.Error().Err(err).Msg("task list not persisted")
		return
	}
	logger.Info().Str("list", parsed.List.ListID).Int("tasks", len(parsed.Tasks)).Msg("task list ingested")

	sum, err := d.engine.ExecuteList(ctx, parsed.List.ListID, d.parallel)
	if err != nil {
		logger.Error().Err(err).Str("list", parsed.List.ListID).Msg("task list execution failed")
		// Fall through: the file is still archived so it is not retried
		// in a loop.
	} else {
		logger.Info().
			Int("completed", sum.Completed).
			Int("failed", sum.Failed).
			Int("blocked", sum.Blocked).
			Msg("task list executed")
	}

	target := filepath.Join(d.archiveDir, parsed.List.ListID+"_"+filepath.Base(path))
	if err := os.Rename(path, target); err != nil {
		logger.Error().Err(err).Msg("archive move failed")
	}
}
