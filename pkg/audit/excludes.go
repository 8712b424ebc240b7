package audit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/entityaudit/pkg/observability"
)

// AllEntityTypes is the exclude-list key applied to every entity type
const AllEntityTypes = "*"

// ExcludeAttributes holds the per-entity-type attributes left out of audit payloads.
// It is safe for concurrent use and may be reloaded while in use.
type ExcludeAttributes struct {
	mu     sync.RWMutex
	byType map[string][]string
}

// excludeFile is the YAML layout of an exclude-attributes file
type excludeFile struct {
	Excludes map[string][]string `yaml:"excludes"`
}

// NewExcludeAttributes creates an exclude set from a type -> attributes map
func NewExcludeAttributes(byType map[string][]string) *ExcludeAttributes {
	e := &ExcludeAttributes{}
	e.Set(byType)
	return e
}

// LoadExcludeAttributes reads an exclude set from a YAML file
func LoadExcludeAttributes(path string) (*ExcludeAttributes, error) {
	e := &ExcludeAttributes{byType: map[string][]string{}}
	if err := e.Reload(path); err != nil {
		return nil, err
	}
	return e, nil
}

// Reload replaces the exclude set with the contents of a YAML file
func (e *ExcludeAttributes) Reload(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read exclude attributes: %w", err)
	}

	var f excludeFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("failed to parse exclude attributes %s: %w", path, err)
	}

	e.Set(f.Excludes)
	return nil
}

// Set replaces the exclude set
func (e *ExcludeAttributes) Set(byType map[string][]string) {
	copied := make(map[string][]string, len(byType))
	for t, attrs := range byType {
		copied[t] = append([]string(nil), attrs...)
	}

	e.mu.Lock()
	e.byType = copied
	e.mu.Unlock()
}

// For returns the excluded attributes for an entity type: the global list first, then
// the type's own entries, without duplicates. A nil receiver returns an empty list.
func (e *ExcludeAttributes) For(entityType string) []string {
	out := []string{}
	if e == nil {
		return out
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	seen := make(map[string]struct{})
	add := func(attrs []string) {
		for _, a := range attrs {
			if _, ok := seen[a]; ok || a == "" {
				continue
			}
			seen[a] = struct{}{}
			out = append(out, a)
		}
	}
	add(e.byType[AllEntityTypes])
	if entityType != AllEntityTypes {
		add(e.byType[entityType])
	}
	return out
}

// Prune returns a copy of attrs without the attributes excluded for entityType
func (e *ExcludeAttributes) Prune(entityType string, attrs map[string]interface{}) map[string]interface{} {
	return PruneAttributes(attrs, e.For(entityType))
}

// PruneAttributes returns a copy of attrs without the excluded keys
func PruneAttributes(attrs map[string]interface{}, excluded []string) map[string]interface{} {
	if attrs == nil {
		return nil
	}
	out := make(map[string]interface{}, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	for _, k := range excluded {
		delete(out, k)
	}
	return out
}

// WatchExcludeAttributes reloads e whenever the file at path changes, until ctx is done.
// The parent directory is watched so editors that replace the file are picked up.
func WatchExcludeAttributes(ctx context.Context, path string, e *ExcludeAttributes, logger *observability.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if logger == nil {
		logger = observability.NopLogger()
	}

	target := filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(target), err)
	}

	log := logger.WithField("path", target)
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			if err := e.Reload(target); err != nil {
				log.WithError(err).Warn("Failed to reload audit exclude attributes")
				continue
			}
			log.Info("Reloaded audit exclude attributes")

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.WithError(err).Warn("Exclude attributes watcher error")
		}
	}
}
