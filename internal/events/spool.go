package events

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/kenneth/segment-key-gateway/internal/apperr"
	"github.com/sirupsen/logrus"
)

// Submitter accepts AssetUploaded events.
type Submitter interface {
	Submit(ev AssetUploaded) (Asset, error)
}

// SpoolWatcher turns *.json files dropped into a directory into
// AssetUploaded events. A file is removed once its event has been queued;
// a file whose event is invalid is renamed with a .rejected suffix.
type SpoolWatcher struct {
	dir       string
	submitter Submitter
	logger    *logrus.Logger
	rescan    time.Duration
}

// NewSpoolWatcher watches dir. Files left behind because the queue was full
// are retried every rescan interval.
func NewSpoolWatcher(dir string, s Submitter, logger *logrus.Logger, rescan time.Duration) *SpoolWatcher {
	if rescan <= 0 {
		rescan = 30 * time.Second
	}
	return &SpoolWatcher{dir: dir, submitter: s, logger: logger, rescan: rescan}
}

// Run watches the spool directory until ctx is cancelled.
func (w *SpoolWatcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o750); err != nil {
		return fmt.Errorf("failed to create spool dir %s: %w", w.dir, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create spool watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch spool dir %s: %w", w.dir, err)
	}

	w.logger.WithField("spool_dir", w.dir).Info("Watching spool directory for asset events")
	w.Scan()

	ticker := time.NewTicker(w.rescan)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) {
				w.handle(ev.Name, false)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.WithError(err).Warn("Spool watcher error")
		case <-ticker.C:
			w.Scan()
		}
	}
}

// Scan processes every spool file currently present.
func (w *SpoolWatcher) Scan() {
	matches, err := filepath.Glob(filepath.Join(w.dir, "*.json"))
	if err != nil {
		w.logger.WithError(err).Warn("Failed to list spool directory")
		return
	}
	for _, path := range matches {
		w.handle(path, true)
	}
}

// handle dispatches one spool file. A file that does not decode may still be
// being written, so it is only rejected on a full scan.
func (w *SpoolWatcher) handle(path string, settled bool) {
	if !strings.HasSuffix(path, ".json") {
		return
	}
	entry := w.logger.WithField("spool_file", filepath.Base(path))

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			entry.WithError(err).Warn("Failed to read spool file")
		}
		return
	}

	var ev AssetUploaded
	if err := json.Unmarshal(data, &ev); err != nil {
		if settled {
			entry.WithError(err).Warn("Rejecting malformed spool file")
			w.reject(path)
		}
		return
	}

	asset, err := w.submitter.Submit(ev)
	switch {
	case err == nil:
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			entry.WithError(err).Warn("Failed to remove dispatched spool file")
		}
		entry.WithFields(logrus.Fields{
			"content_kind": asset.Content.Kind,
			"content_id":   asset.Content.ID,
		}).Info("Dispatched spool event")
	case apperr.Is(err, apperr.KindValidation):
		entry.WithError(err).Warn("Rejecting invalid spool event")
		w.reject(path)
	default:
		entry.WithError(err).Debug("Spool event not dispatched, will retry")
	}
}

func (w *SpoolWatcher) reject(path string) {
	if err := os.Rename(path, path+".rejected"); err != nil && !os.IsNotExist(err) {
		w.logger.WithError(err).WithField("spool_file", filepath.Base(path)).Warn("Failed to reject spool file")
	}
}
