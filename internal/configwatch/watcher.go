// Package configwatch watches the active TOML config file for changes and
// invokes a callback after the writes settle, so a running server can pick
// up the knobs that are safe to change live (spec.md §6). There is no
// implementation of this shape in the teacher repo to adapt — only its test
// file, internal/plugins/watcher_test.go, which pins the exact API
// (NewWatcher(paths, onChange), Start, Stop, the watcher/paths/onChange
// fields) this package reproduces, generalized from "watch a plugin
// directory for .so files" to "watch one config file for writes".
package configwatch

import (
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// debounce absorbs the burst of fsnotify events a single `cp`/editor save
// can produce (write, chmod, sometimes a rename-into-place) into one
// onChange call, the same interval order of magnitude as the teacher's
// plugin watcher.
const debounce = 250 * time.Millisecond

// Watcher notifies onChange, debounced, whenever one of paths is written.
// paths are file paths (not directories); configwatch follows the teacher's
// plugins.Watcher in watching the parent directory (fsnotify can't watch a
// single file across editors that rename-into-place) and filtering events
// down to the files it was asked about.
type Watcher struct {
	watcher  *fsnotify.Watcher
	paths    []string
	onChange func(path string)
	logger   *logrus.Logger

	dirs map[string]struct{}

	mu        sync.Mutex
	timers    map[string]*time.Timer
	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewWatcher opens an fsnotify watcher on the parent directory of each path
// in paths. An invalid path (directory doesn't exist) fails construction,
// mirroring the teacher's "returns error for invalid path" contract.
func NewWatcher(paths []string, onChange func(path string)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	dirs := make(map[string]struct{})
	for _, p := range paths {
		dir := dirOf(p)
		if _, ok := dirs[dir]; ok {
			continue
		}
		if err := fw.Add(dir); err != nil {
			fw.Close()
			return nil, err
		}
		dirs[dir] = struct{}{}
	}

	return &Watcher{
		watcher:  fw,
		paths:    paths,
		onChange: onChange,
		logger:   logrus.New(),
		dirs:     dirs,
		timers:   make(map[string]*time.Timer),
		done:     make(chan struct{}),
	}, nil
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}

func (w *Watcher) watches(path string) bool {
	for _, p := range w.paths {
		if p == path {
			return true
		}
	}
	return false
}

// Start launches the watch loop in the background. Safe to call more than
// once; only the first call has an effect.
func (w *Watcher) Start() {
	w.startOnce.Do(func() {
		go w.loop()
	})
}

// Stop closes the underlying fsnotify watcher and waits for the loop to
// exit. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		w.watcher.Close()
	})
	select {
	case <-w.done:
	case <-time.After(time.Second):
	}
}

func (w *Watcher) loop() {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case _, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
		return
	}
	if !w.watches(ev.Name) {
		return
	}
	w.scheduleDebounced(ev.Name)
}

func (w *Watcher) scheduleDebounced(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.timers[path]; ok {
		t.Stop()
	}
	w.timers[path] = time.AfterFunc(debounce, func() {
		if w.onChange != nil {
			w.onChange(path)
		}
	})
}
