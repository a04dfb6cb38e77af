// Package feedwatch imports iCal files dropped into a local directory.
// A file named <userID>.ics is imported for that user as soon as the
// writer has settled, then removed.
package feedwatch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/teamtrack/calsync/internal/feed"
	"github.com/teamtrack/calsync/internal/logging"
)

// ImportRunner imports one already-read feed document for a user.
type ImportRunner interface {
	ImportData(ctx context.Context, userID string, data []byte) (feed.Report, error)
}

type Config struct {
	Dir string

	// Settle is how long a file must go without write events before it
	// is considered complete. Defaults to 500ms.
	Settle time.Duration

	// ImportTimeout bounds one import. Defaults to 30s.
	ImportTimeout time.Duration

	// KeepFiles leaves processed files in place instead of removing them.
	KeepFiles bool
}

// Watcher tails a drop directory and feeds *.ics files to an importer.
type Watcher struct {
	cfg      Config
	importer ImportRunner

	mu      sync.Mutex
	pending map[string]*time.Timer
}

func New(cfg Config, importer ImportRunner) (*Watcher, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("feedwatch: drop directory not set")
	}
	if cfg.Settle <= 0 {
		cfg.Settle = 500 * time.Millisecond
	}
	if cfg.ImportTimeout <= 0 {
		cfg.ImportTimeout = 30 * time.Second
	}
	return &Watcher{
		cfg:      cfg,
		importer: importer,
		pending:  map[string]*time.Timer{},
	}, nil
}

// Run watches the drop directory until ctx is cancelled. Files already
// present at startup are imported first.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("feedwatch: %w", err)
	}
	defer fsw.Close()

	if err := fsw.Add(w.cfg.Dir); err != nil {
		return fmt.Errorf("feedwatch: watch %s: %w", w.cfg.Dir, err)
	}
	logging.Info("watching feed drop directory", "dir", w.cfg.Dir)

	w.importExisting(ctx)

	for {
		select {
		case <-ctx.Done():
			w.cancelPending()
			return ctx.Err()
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if !isFeedFile(ev.Name) {
				continue
			}
			w.schedule(ctx, ev.Name)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			logging.Error("feed watcher error", err, "dir", w.cfg.Dir)
		}
	}
}

func (w *Watcher) importExisting(ctx context.Context) {
	entries, err := os.ReadDir(w.cfg.Dir)
	if err != nil {
		logging.Error("reading feed drop directory", err, "dir", w.cfg.Dir)
		return
	}
	for _, e := range entries {
		if e.IsDir() || !isFeedFile(e.Name()) {
			continue
		}
		w.importFile(ctx, filepath.Join(w.cfg.Dir, e.Name()))
	}
}

// schedule (re)arms the settle timer for path. Every write event pushes the
// import back so a partially written file is never read.
func (w *Watcher) schedule(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok {
		t.Reset(w.cfg.Settle)
		return
	}
	w.pending[path] = time.AfterFunc(w.cfg.Settle, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		w.importFile(ctx, path)
	})
}

func (w *Watcher) cancelPending() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, t := range w.pending {
		t.Stop()
		delete(w.pending, path)
	}
}

func (w *Watcher) importFile(ctx context.Context, path string) {
	userID := userIDFromPath(path)
	if userID == "" {
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		logging.Error("reading dropped feed file", err, "path", path)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, w.cfg.ImportTimeout)
	defer cancel()

	report, err := w.importer.ImportData(ctx, userID, data)
	if err != nil {
		logging.Error("importing dropped feed file", err, "path", path, "user_id", userID)
		return
	}
	logging.Info("imported dropped feed file",
		"path", path,
		"user_id", userID,
		"added", report.Added,
		"updated", report.Updated,
		"entry_errors", len(report.Errors))

	if !w.cfg.KeepFiles {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logging.Error("removing processed feed file", err, "path", path)
		}
	}
}

func isFeedFile(path string) bool {
	name := filepath.Base(path)
	return strings.HasSuffix(name, ".ics") && !strings.HasPrefix(name, ".")
}

func userIDFromPath(path string) string {
	name := filepath.Base(path)
	return strings.TrimSuffix(name, ".ics")
}
