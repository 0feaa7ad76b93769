// Package watcher monitors the configuration file and hot-reloads it when
// its content changes. Reloads are also triggered by SIGHUP, matching the
// usual daemon convention.
package watcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/phoebewiki/phoebe/internal/config"
)

// Watcher reloads the configuration file on change or SIGHUP. With an empty
// path it degrades to a pure SIGHUP handler and invokes the callback with a
// nil configuration, letting flag-only deployments reload and reopen logs.
type Watcher struct {
	configPath     string
	reloadCallback func(*config.Config)
	watcher        *fsnotify.Watcher

	mu             sync.Mutex
	lastConfigHash string
}

// NewWatcher creates a watcher for the given configuration file, which may
// be empty. The callback receives every successfully loaded configuration,
// or nil when there is no file to load.
func NewWatcher(configPath string, reloadCallback func(*config.Config)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		configPath:     configPath,
		reloadCallback: reloadCallback,
		watcher:        fsw,
	}, nil
}

// Start begins watching. It returns immediately; events are processed until
// the context is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	if w.configPath != "" {
		if err := w.watcher.Add(w.configPath); err != nil {
			log.Errorf("failed to watch config file %s: %v", w.configPath, err)
			return err
		}
		log.Debugf("watching config file: %s", w.configPath)
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)

	go w.processEvents(ctx, hup)
	return nil
}

// Stop stops the file watcher.
func (w *Watcher) Stop() error {
	return w.watcher.Close()
}

func (w *Watcher) processEvents(ctx context.Context, hup chan os.Signal) {
	// Stop only detaches this channel; other SIGHUP listeners stay intact.
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case <-hup:
			log.Infof("SIGHUP received, reloading")
			w.reload(true)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Errorf("file watcher error: %v", err)
		}
	}
}

// handleEvent filters file system events down to content-changing writes of
// the watched file.
func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Name != w.configPath {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		// Editors that rename-over the file remove the watch; re-add it so
		// subsequent writes are still seen.
		if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
			_ = w.watcher.Add(w.configPath)
		}
		return
	}
	log.Debugf("file system event detected: %s %s", event.Op.String(), event.Name)
	w.reload(false)
}

// reload loads the configuration and invokes the callback. Unless forced, a
// reload is skipped when the file content hash is unchanged. Without a
// config path the callback receives nil.
func (w *Watcher) reload(force bool) {
	if w.configPath == "" {
		if w.reloadCallback != nil {
			w.reloadCallback(nil)
		}
		return
	}
	data, err := os.ReadFile(w.configPath)
	if err != nil {
		log.Errorf("failed to read config file: %v", err)
		return
	}
	if len(data) == 0 {
		log.Debugf("ignoring empty config file write event")
		return
	}
	sum := sha256.Sum256(data)
	newHash := hex.EncodeToString(sum[:])

	w.mu.Lock()
	unchanged := w.lastConfigHash != "" && w.lastConfigHash == newHash
	w.mu.Unlock()
	if unchanged && !force {
		log.Debugf("config file content unchanged (hash match), skipping reload")
		return
	}

	cfg, err := config.Load(w.configPath)
	if err != nil {
		log.Errorf("failed to reload config: %v", err)
		return
	}

	w.mu.Lock()
	w.lastConfigHash = newHash
	w.mu.Unlock()

	log.Infof("config file changed, reloading: %s", w.configPath)
	if w.reloadCallback != nil {
		w.reloadCallback(cfg)
	}
}
