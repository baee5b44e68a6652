package adapter

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"crosstalk/internal/logging"
)

const catalogReloadDebounce = 200 * time.Millisecond

type catalogFile struct {
	Models []ModelInfo `yaml:"models"`
}

// LoadCatalog reads the model catalog from a YAML file.
func LoadCatalog(path string) ([]ModelInfo, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model catalog %s: %w", path, err)
	}

	var file catalogFile
	if err := yaml.Unmarshal(payload, &file); err != nil {
		return nil, fmt.Errorf("parse model catalog %s: %w", path, err)
	}

	for i, model := range file.Models {
		if model.ID == "" {
			return nil, fmt.Errorf("model catalog %s: entry %d has no id", path, i)
		}
		if model.Provider == "" {
			return nil, fmt.Errorf("model catalog %s: entry %s has no provider", path, model.ID)
		}
	}
	return file.Models, nil
}

// CatalogWatcher reloads the model catalog into a registry whenever the
// file changes on disk. Editors often replace rather than write in
// place, so the parent directory is watched and events are debounced.
type CatalogWatcher struct {
	watcher *fsnotify.Watcher
	done    chan struct{}
}

func WatchCatalog(path string, registry *Registry, logger *logging.Logger) (*CatalogWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, err
	}

	instance := &CatalogWatcher{
		watcher: watcher,
		done:    make(chan struct{}),
	}

	go func() {
		var reload *time.Timer
		target := filepath.Clean(path)
		for {
			select {
			case <-instance.done:
				if reload != nil {
					reload.Stop()
				}
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if reload != nil {
					reload.Stop()
				}
				reload = time.AfterFunc(catalogReloadDebounce, func() {
					models, err := LoadCatalog(path)
					if err != nil {
						if logger != nil {
							logger.Warn("model catalog reload failed", map[string]string{
								"path":  path,
								"error": err.Error(),
							})
						}
						return
					}
					registry.SetCatalog(models)
					if logger != nil {
						logger.Info("model catalog reloaded", map[string]string{
							"path":   path,
							"models": fmt.Sprintf("%d", len(models)),
						})
					}
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if logger != nil {
					logger.Warn("model catalog watch error", map[string]string{
						"error": err.Error(),
					})
				}
			}
		}
	}()

	return instance, nil
}

func (w *CatalogWatcher) Close() error {
	if w == nil {
		return nil
	}
	close(w.done)
	return w.watcher.Close()
}
