// Package watch turns filesystem activity on the world documents into debounced "world saved"
// notifications.
package watch

import (
	"context"
	"log"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches one directory for writes to a fixed set of file names. A burst of events
// (the game writes both documents, usually through temp files and renames) collapses into a
// single notify call once the directory has been quiet for the debounce interval.
type Watcher struct {
	dir      string
	names    map[string]bool
	debounce time.Duration
	notify   func()
	logger   *log.Logger
}

func New(dir string, names []string, debounce time.Duration, notify func(), logger *log.Logger) *Watcher {
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return &Watcher{
		dir:      dir,
		names:    set,
		debounce: debounce,
		notify:   notify,
		logger:   logger,
	}
}

// Run blocks until ctx is cancelled or the underlying watcher fails to start.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()
	if err := fw.Add(w.dir); err != nil {
		return err
	}
	w.printf("watching %s", w.dir)

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	pending := false

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !w.relevant(ev) {
				continue
			}
			if pending && !timer.Stop() {
				<-timer.C
			}
			timer.Reset(w.debounce)
			pending = true
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.printf("watch error: %v", err)
		case <-timer.C:
			pending = false
			w.notify()
		}
	}
}

func (w *Watcher) relevant(ev fsnotify.Event) bool {
	if !w.names[filepath.Base(ev.Name)] {
		return false
	}
	return ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename)
}

func (w *Watcher) printf(format string, args ...any) {
	if w.logger != nil {
		w.logger.Printf(format, args...)
	}
}
