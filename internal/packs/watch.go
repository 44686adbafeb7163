package packs

import (
	"fmt"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches every discovery layer directory across all roots and
// reports manifest changes in them as the changed manifest file's path
// (spec §4.2, Discovery). Only the layer directories themselves are
// watched; the watch is not recursive, so changes inside pack
// subdirectories are not observed.
type Watcher struct {
	fsw    *fsnotify.Watcher
	events chan string
	errors chan error
	done   chan struct{}
}

// NewWatcher creates a Watcher over every existing layer directory in roots.
func NewWatcher(roots *RootsService) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("packs: create watcher: %w", err)
	}

	for _, dirName := range discoveryOrder {
		for _, dir := range roots.ReadDirs(dirName) {
			if err := fsw.Add(dir); err != nil {
				fsw.Close()
				return nil, fmt.Errorf("packs: watch %s: %w", dir, err)
			}
		}
	}

	w := &Watcher{
		fsw:    fsw,
		events: make(chan string, 32),
		errors: make(chan error, 8),
		done:   make(chan struct{}),
	}
	go w.pump()
	return w, nil
}

// Events yields the path of a manifest file whenever a filesystem change to
// it is observed. Non-manifest file events (pack assets, temp files) are
// filtered out.
func (w *Watcher) Events() <-chan string { return w.events }

// Errors yields watcher-level errors (e.g. an inotify queue overflow).
func (w *Watcher) Errors() <-chan error { return w.errors }

func (w *Watcher) pump() {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				close(w.events)
				return
			}
			if !IsManifestPath(ev.Name) {
				continue
			}
			select {
			case w.events <- ev.Name:
			default: // best-effort; a slow consumer just misses a coalesced burst
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				close(w.errors)
				return
			}
			select {
			case w.errors <- err:
			default:
			}
		case <-w.done:
			return
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}
