// Package watcher turns files dropped into an inbox directory into jobs.
package watcher

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Handler receives the path of every new supported file.
type Handler func(ctx context.Context, path string) error

// Extensions accepted from the inbox: audio, video and batch manifests.
var Extensions = []string{
	".wav", ".mp3", ".m4a", ".flac", ".ogg", ".aac", ".wma",
	".mp4", ".mov", ".avi", ".mkv", ".webm", ".m4v", ".flv",
	".xlsx",
}

type Watcher struct {
	dir     string
	handler Handler
	log     *logrus.Entry
	watcher *fsnotify.Watcher
	// settle is how long a new file is left alone so its writer can finish.
	settle time.Duration
	wg     sync.WaitGroup
}

func New(dir string, handler Handler, log *logrus.Entry) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	return &Watcher{
		dir:     dir,
		handler: handler,
		log:     log.WithFields(logrus.Fields{"component": "watcher", "dir": dir}),
		watcher: fw,
		settle:  500 * time.Millisecond,
	}, nil
}

// Start blocks until ctx is done or the watcher is stopped.
func (w *Watcher) Start(ctx context.Context) error {
	w.log.Info("inbox watcher started")
	for {
		select {
		case <-ctx.Done():
			w.wg.Wait()
			w.log.Info("inbox watcher stopped")
			return ctx.Err()

		case event, ok := <-w.watcher.Events:
			if !ok {
				w.wg.Wait()
				return nil
			}
			if !event.Has(fsnotify.Create) {
				continue
			}
			if !Supported(event.Name) {
				w.log.WithField("file", event.Name).Debug("ignoring unsupported file")
				continue
			}
			w.log.WithField("file", event.Name).Info("new file detected")
			w.wg.Add(1)
			go func(path string) {
				defer w.wg.Done()
				select {
				case <-time.After(w.settle):
				case <-ctx.Done():
					return
				}
				if err := w.handler(ctx, path); err != nil {
					w.log.WithError(err).WithField("file", path).Error("failed to submit file")
				}
			}(event.Name)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				w.wg.Wait()
				return nil
			}
			w.log.WithError(err).Error("watcher error")
		}
	}
}

func (w *Watcher) Stop() error {
	return w.watcher.Close()
}

// Supported reports whether path has an accepted extension. Hidden and
// temporary files are skipped.
func Supported(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") || strings.HasPrefix(base, "~$") {
		return false
	}
	return slices.Contains(Extensions, strings.ToLower(filepath.Ext(base)))
}
