// Package hotreload re-reads the engine configuration when its file changes
// on disk, so scheduling knobs can be tuned without a restart.
package hotreload

import (
	"fmt"
	"log"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/ccmesh/routing-engine/pkg/config"
)

// Watcher watches one configuration file and invokes the apply callback with
// each successfully parsed revision. A file that fails to parse is logged
// and skipped; the running configuration stays in effect.
type Watcher struct {
	path    string
	apply   func(*config.Config)
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// New builds a watcher for the config file at path.
func New(path string, apply func(*config.Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	// Watch the directory, not the file: editors and config mounts replace
	// the file, which would orphan a direct watch.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}
	return &Watcher{
		path:    path,
		apply:   apply,
		watcher: fw,
		done:    make(chan struct{}),
	}, nil
}

// Start launches the watch loop.
func (w *Watcher) Start() {
	go w.loop()
	log.Printf("watching %s for configuration changes", w.path)
}

// Stop ends the watch loop and releases the fsnotify watcher.
func (w *Watcher) Stop() {
	close(w.done)
	w.watcher.Close()
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				w.reload()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("config watch error: %v", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := config.LoadConfigFromFile(w.path)
	if err != nil {
		log.Printf("config reload skipped: %v", err)
		return
	}
	log.Printf("configuration reloaded from %s", w.path)
	w.apply(cfg)
}
