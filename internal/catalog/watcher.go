package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	// ingestDebounceInterval is how often the watcher checks for pending
	// filesystem events, batching rapid writes into one draft per file.
	ingestDebounceInterval = 500 * time.Millisecond

	// ingestSettleAfter is how long a file must stay quiet before it is
	// read; a file still being copied in fires repeated writes.
	ingestSettleAfter = 300 * time.Millisecond
)

// IngestWatcher monitors a drop folder and turns settled new files
// into drafts on the Drafts channel. Files are run through the same
// intake resolution (sidecars, NFC names, geometry probe) as explicit
// selections. The watcher never mutates a draft list itself; the
// consumer appends drafts between batches.
type IngestWatcher struct {
	dir    string
	intake *Intake
	prober *Prober
	logger *slog.Logger

	// Drafts delivers one draft per settled file.
	Drafts chan *ReplicaDraft
}

// NewIngestWatcher creates a watcher for dir.
func NewIngestWatcher(dir string, intake *Intake, prober *Prober, logger *slog.Logger) *IngestWatcher {
	return &IngestWatcher{
		dir:    dir,
		intake: intake,
		prober: prober,
		logger: logger,
		Drafts: make(chan *ReplicaDraft, 16),
	}
}

// Watch blocks until the context is cancelled, emitting drafts for
// files created or modified under the drop folder. The folder is
// watched non-recursively; nested selections go through Collect.
func (w *IngestWatcher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watching drop folder: %w", err)
	}

	w.logger.Info("ingest watcher started", slog.String("dir", w.dir))

	// Debounce: batch rapid writes into a single draft per file.
	pending := make(map[string]time.Time)

	ticker := time.NewTicker(ingestDebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}

			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				pending[event.Name] = time.Now()
			}

			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				// The file went away before settling; nothing to ingest.
				delete(pending, event.Name)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}

			w.logger.Warn("watcher error", slog.String("error", err.Error()))

		case <-ticker.C:
			now := time.Now()
			for path, t := range pending {
				if now.Sub(t) < ingestSettleAfter {
					continue
				}

				delete(pending, path)
				w.ingest(ctx, path)
			}
		}
	}
}

// ingest resolves one settled path into a draft and emits it.
func (w *IngestWatcher) ingest(ctx context.Context, path string) {
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		w.logger.Warn("stat failed", slog.String("path", path), slog.String("error", err.Error()))
		return
	}

	if info.IsDir() || !info.Mode().IsRegular() {
		return
	}

	sel := &Selection{}
	ref, ok := w.intake.resolveFile(ctx, path, info, sel)
	for _, ie := range sel.Errors {
		w.logger.Warn("ingest error", slog.String("path", ie.Path), slog.String("error", ie.Err.Error()))
	}
	if !ok {
		return
	}

	drafts, errFiles := w.intake.BuildDrafts(ctx, []FileRef{ref}, w.prober)
	for _, ef := range errFiles {
		w.logger.Debug("ingest probe error", slog.String("path", ef.Path), slog.String("error", ef.Err.Error()))
	}

	for _, d := range drafts {
		select {
		case w.Drafts <- d:
			w.logger.Info("ingested", slog.String("name", d.Name), slog.Int64("bytes", d.Size))
		case <-ctx.Done():
			return
		}
	}
}
