// Package instructions resolves named instruction strings with per-model
// overrides loaded from an instruction-sets directory.
package instructions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/fablekit/fable/internal/observability"
)

// ErrUnknownInstruction indicates a key with no default and no override.
var ErrUnknownInstruction = errors.New("unknown instruction")

// Instruction keys used by the generation pipeline and agents.
const (
	KeyWriterSystem      = "writer.system"
	KeyWriterToolUse     = "writer.toolUse"
	KeyWriterRefine      = "writer.refine"
	KeyLibrarianAnalyze  = "librarian.analyze"
	KeySuggestDirections = "directions.suggest"
)

// OverrideSet is one instruction-sets/*.json document. Sets with a lower
// priority are consulted first; the default priority is 100.
type OverrideSet struct {
	Name         string            `json:"name"`
	ModelMatch   string            `json:"modelMatch"`
	Priority     int               `json:"priority"`
	Instructions map[string]string `json:"instructions"`

	pattern *regexp.Regexp
	exact   string
}

// matches reports whether the set applies to the given model id.
func (o *OverrideSet) matches(model string) bool {
	if o.pattern != nil {
		return o.pattern.MatchString(model)
	}
	return o.exact == model
}

// compileMatch parses a modelMatch value: either an exact model id or a
// delimited regex of the form /pattern/flags (flag "i" supported).
func (o *OverrideSet) compileMatch() error {
	m := o.ModelMatch
	if len(m) >= 2 && strings.HasPrefix(m, "/") {
		end := strings.LastIndex(m, "/")
		if end > 0 {
			pattern, flags := m[1:end], m[end+1:]
			if strings.Contains(flags, "i") {
				pattern = "(?i)" + pattern
			}
			re, err := regexp.Compile(pattern)
			if err != nil {
				return fmt.Errorf("modelMatch %q: %w", m, err)
			}
			o.pattern = re
			return nil
		}
	}
	o.exact = m
	return nil
}

// Registry maps instruction keys to default text, with model-matched
// overrides. Resolve is lock-free apart from an RLock; override sets are
// replaced wholesale on reload.
type Registry struct {
	mu        sync.RWMutex
	defaults  map[string]string
	overrides []*OverrideSet

	dir     string
	logger  *observability.Logger
	watcher *fsnotify.Watcher
}

// NewRegistry creates a registry seeded with the built-in defaults.
func NewRegistry(logger *observability.Logger) *Registry {
	if logger == nil {
		logger = observability.NewTestLogger()
	}
	defaults := make(map[string]string, len(builtinDefaults))
	for k, v := range builtinDefaults {
		defaults[k] = v
	}
	return &Registry{defaults: defaults, logger: logger}
}

// SetDefault registers or replaces a default instruction.
func (r *Registry) SetDefault(key, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaults[key] = text
}

// Resolve returns the instruction text for key under the given model id.
// Override sets are scanned in ascending priority; the first whose pattern
// matches the model and which defines the key wins.
func (r *Registry) Resolve(key, model string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, set := range r.overrides {
		if !set.matches(model) {
			continue
		}
		if text, ok := set.Instructions[key]; ok {
			return text, nil
		}
	}
	if text, ok := r.defaults[key]; ok {
		return text, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownInstruction, key)
}

// LoadDir loads override sets from a directory of JSON documents. Malformed
// files are logged and skipped. A missing directory yields no overrides.
func (r *Registry) LoadDir(dir string) error {
	r.dir = dir

	dirents, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			r.setOverrides(nil)
			return nil
		}
		return fmt.Errorf("read instruction sets: %w", err)
	}

	var sets []*OverrideSet
	for _, de := range dirents {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, de.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			r.logger.Warn(nil, "skipping unreadable instruction set", "file", path, "error", err.Error())
			continue
		}
		var set OverrideSet
		if err := json.Unmarshal(data, &set); err != nil {
			r.logger.Warn(nil, "skipping malformed instruction set", "file", path, "error", err.Error())
			continue
		}
		if set.Priority == 0 {
			set.Priority = 100
		}
		if err := set.compileMatch(); err != nil {
			r.logger.Warn(nil, "skipping instruction set with bad modelMatch", "file", path, "error", err.Error())
			continue
		}
		sets = append(sets, &set)
	}

	sort.SliceStable(sets, func(i, j int) bool { return sets[i].Priority < sets[j].Priority })
	r.setOverrides(sets)
	return nil
}

// Reload re-reads the last loaded directory.
func (r *Registry) Reload() error {
	if r.dir == "" {
		return nil
	}
	return r.LoadDir(r.dir)
}

func (r *Registry) setOverrides(sets []*OverrideSet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides = sets
}

// Watch reloads the registry whenever the instruction-sets directory changes.
// It returns once the watcher is installed; reloads happen in a background
// goroutine until ctx is done.
func (r *Registry) Watch(ctx context.Context) error {
	if r.dir == "" {
		return nil
	}
	if _, err := os.Stat(r.dir); os.IsNotExist(err) {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("instruction watcher: %w", err)
	}
	if err := watcher.Add(r.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", r.dir, err)
	}
	r.watcher = watcher

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				if err := r.Reload(); err != nil {
					r.logger.Warn(ctx, "instruction reload failed", "error", err.Error())
				} else {
					r.logger.Info(ctx, "instruction sets reloaded", "trigger", event.Name)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.logger.Warn(ctx, "instruction watcher error", "error", err.Error())
			}
		}
	}()
	return nil
}

// Clear removes all overrides and restores built-in defaults. For tests.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides = nil
	r.defaults = make(map[string]string, len(builtinDefaults))
	for k, v := range builtinDefaults {
		r.defaults[k] = v
	}
}
