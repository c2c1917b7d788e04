// Package watcher hot-reloads the runtime configuration and picks up edits
// to credential files while the server is running.
package watcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/kiroproxy/kiroproxy/internal/config"
	"github.com/kiroproxy/kiroproxy/internal/pool"
)

// Watcher watches the config file and the auth directory.
type Watcher struct {
	configPath string
	authDir    string
	pool       *pool.Pool
	onConfig   func(*config.Config)

	fs *fsnotify.Watcher

	mu             sync.Mutex
	lastConfigHash string
}

// NewWatcher builds a watcher. onConfig runs with every successfully reloaded
// configuration and may be nil.
func NewWatcher(configPath, authDir string, p *pool.Pool, onConfig func(*config.Config)) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		configPath: configPath,
		authDir:    authDir,
		pool:       p,
		onConfig:   onConfig,
		fs:         fs,
	}, nil
}

// Start registers the watch targets and begins processing events until the
// context is cancelled. Missing targets are skipped with a log line so the
// server still runs without a config file on disk.
func (w *Watcher) Start(ctx context.Context) error {
	if w.configPath != "" {
		if err := w.fs.Add(w.configPath); err != nil {
			log.Warnf("cannot watch config file %s: %v", w.configPath, err)
		} else {
			log.Debugf("watching config file: %s", w.configPath)
		}
	}
	if w.authDir != "" {
		if err := w.fs.Add(w.authDir); err != nil {
			log.Warnf("cannot watch auth directory %s: %v", w.authDir, err)
		} else {
			log.Debugf("watching auth directory: %s", w.authDir)
		}
	}
	go w.processEvents(ctx)
	return nil
}

// Stop closes the underlying file watcher.
func (w *Watcher) Stop() error {
	return w.fs.Close()
}

func (w *Watcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			log.Errorf("file watcher error: %v", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	written := event.Op&(fsnotify.Write|fsnotify.Create) != 0

	if event.Name == w.configPath && written {
		w.reloadConfig()
		return
	}

	if w.authDir != "" && strings.HasPrefix(event.Name, w.authDir) && strings.HasSuffix(event.Name, ".json") {
		if written || event.Op&fsnotify.Remove != 0 {
			log.Infof("credentials file changed: %s", filepath.Base(event.Name))
			w.pool.InvalidateCredentials(event.Name)
		}
	}
}

// reloadConfig re-reads the config file, skipping no-op writes via a content
// hash. Editors that truncate before writing produce an empty intermediate
// state which is ignored.
func (w *Watcher) reloadConfig() {
	data, err := os.ReadFile(w.configPath)
	if err != nil {
		log.Errorf("read config for reload: %v", err)
		return
	}
	if len(data) == 0 {
		return
	}
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	w.mu.Lock()
	unchanged := w.lastConfigHash == hash
	w.mu.Unlock()
	if unchanged {
		log.Debug("config content unchanged, skipping reload")
		return
	}

	cfg, err := config.LoadConfig(w.configPath)
	if err != nil {
		log.Errorf("reload config: %v", err)
		return
	}

	w.mu.Lock()
	w.lastConfigHash = hash
	w.mu.Unlock()

	log.Infof("config reloaded from %s", w.configPath)
	if w.onConfig != nil {
		w.onConfig(cfg)
	}
}
