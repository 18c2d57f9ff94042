package game

import (
	"context"
	"os"
	"time"
)

// FileWatcher polls file modification times and triggers a callback on change.
// A file that appears after the first scan counts as a change.
type FileWatcher struct {
	Paths     []string
	Interval  time.Duration
	onChange  func(string) // called with path that changed
	lastMTime map[string]time.Time
}

// NewFileWatcher creates a watcher for given paths and interval.
func NewFileWatcher(paths []string, interval time.Duration, onChange func(string)) *FileWatcher {
	if interval <= 0 {
		interval = time.Second
	}
	return &FileWatcher{
		Paths:     paths,
		Interval:  interval,
		onChange:  onChange,
		lastMTime: make(map[string]time.Time),
	}
}

// Run polls until ctx is done.
func (w *FileWatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()
	w.scanAll(true)
	for {
		select {
		case <-ticker.C:
			w.scanAll(false)
		case <-ctx.Done():
			return
		}
	}
}

// scanAll invokes onChange for each path whose mtime moved since the last scan.
func (w *FileWatcher) scanAll(prime bool) {
	for _, p := range w.Paths {
		var mt time.Time
		if fi, err := os.Stat(p); err == nil {
			mt = fi.ModTime()
		}
		last, seen := w.lastMTime[p]
		w.lastMTime[p] = mt
		if prime || !seen {
			continue
		}
		if !mt.Equal(last) && !mt.IsZero() && w.onChange != nil {
			w.onChange(p)
		}
	}
}
