// Package plugins loads handler packs from descriptor files and keeps
// the registry in sync as files change. Each *.json5 file in the pack
// directory declares pattern-reply handlers; the fsnotify watcher
// replaces a file's handlers atomically on write and withdraws them on
// remove, so handler sets can be edited without restarting the core.
package plugins

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/titanous/json5"

	"github.com/sunflowermm/xrkbot/internal/scheduler"
	"github.com/sunflowermm/xrkbot/pkg/event"
)

// Pack is the descriptor file shape.
type Pack struct {
	Handlers []HandlerSpec `json:"handlers"`
}

// HandlerSpec declares one handler.
type HandlerSpec struct {
	Name     string   `json:"name"`
	Priority int      `json:"priority"`
	Events   []string `json:"events,omitempty"`
	Pattern  string   `json:"pattern,omitempty"`
	MinRole  string   `json:"min_role,omitempty"`
	Enhancer bool     `json:"enhancer,omitempty"`

	// Reply is the response template for normal handlers. {sender} and
	// {text} are substituted from the event.
	Reply string `json:"reply,omitempty"`

	// Meta is attached to the event by enhancer handlers.
	Meta map[string]string `json:"meta,omitempty"`
}

// Loader owns the pack directory.
type Loader struct {
	dir      string
	registry *scheduler.Registry

	mu    sync.Mutex
	files map[string][]string // file path → handler names it registered
}

// NewLoader creates a loader for dir.
func NewLoader(dir string, reg *scheduler.Registry) *Loader {
	return &Loader{dir: dir, registry: reg, files: make(map[string][]string)}
}

// LoadAll performs the initial scan of the pack directory. A missing
// directory is not an error; malformed files are logged and skipped.
func (l *Loader) LoadAll() error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read handler pack dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !isPackFile(entry.Name()) {
			continue
		}
		l.loadFile(filepath.Join(l.dir, entry.Name()))
	}
	return nil
}

// Watch runs the hot-reload loop until ctx is cancelled.
func (l *Loader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(l.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch handler pack dir: %w", err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !isPackFile(ev.Name) {
					continue
				}
				switch {
				case ev.Op.Has(fsnotify.Create), ev.Op.Has(fsnotify.Write):
					slog.Info("handler pack changed, reloading", "file", filepath.Base(ev.Name))
					l.loadFile(ev.Name)
				case ev.Op.Has(fsnotify.Remove), ev.Op.Has(fsnotify.Rename):
					slog.Info("handler pack removed, unregistering", "file", filepath.Base(ev.Name))
					l.removeFile(ev.Name)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("handler pack watcher error", "error", err)
			}
		}
	}()
	slog.Info("handler pack watcher started", "dir", l.dir)
	return nil
}

// loadFile parses one descriptor file and swaps its handlers into the
// registry. Handlers registered by a previous version of the file that
// no longer appear are unregistered.
func (l *Loader) loadFile(path string) {
	pack, err := ParseFile(path)
	if err != nil {
		slog.Warn("skipping malformed handler pack", "file", filepath.Base(path), "error", err)
		return
	}

	var names []string
	for _, spec := range pack.Handlers {
		d, err := Compile(spec)
		if err != nil {
			slog.Warn("skipping handler", "file", filepath.Base(path), "handler", spec.Name, "error", err)
			continue
		}
		l.registry.Replace(d.Name, d)
		names = append(names, d.Name)
	}

	l.mu.Lock()
	previous := l.files[path]
	l.files[path] = names
	l.mu.Unlock()

	current := make(map[string]bool, len(names))
	for _, n := range names {
		current[n] = true
	}
	for _, n := range previous {
		if !current[n] {
			l.registry.Unregister(n)
		}
	}
	slog.Info("handler pack loaded", "file", filepath.Base(path), "handlers", len(names))
}

func (l *Loader) removeFile(path string) {
	l.mu.Lock()
	names := l.files[path]
	delete(l.files, path)
	l.mu.Unlock()
	for _, n := range names {
		l.registry.Unregister(n)
	}
}

// ParseFile reads and validates one descriptor file.
func ParseFile(path string) (*Pack, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var pack Pack
	if err := json5.Unmarshal(data, &pack); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	return &pack, nil
}

// Compile turns a handler spec into a registrable descriptor.
func Compile(spec HandlerSpec) (*scheduler.Descriptor, error) {
	if spec.Name == "" {
		return nil, fmt.Errorf("handler missing name")
	}
	d := &scheduler.Descriptor{
		Name:     spec.Name,
		Priority: spec.Priority,
		MinRole:  event.ParseRole(spec.MinRole),
		Enhancer: spec.Enhancer,
	}
	if d.Priority == 0 {
		if spec.Enhancer {
			d.Priority = event.PriorityEnhancer
		} else {
			d.Priority = event.PriorityNormal
		}
	}
	for _, pt := range spec.Events {
		d.Events = append(d.Events, event.PostType(pt))
	}
	if spec.Pattern != "" {
		re, err := regexp.Compile(spec.Pattern)
		if err != nil {
			return nil, fmt.Errorf("bad pattern %q: %w", spec.Pattern, err)
		}
		d.Trigger = re
	}

	if spec.Enhancer {
		meta := spec.Meta
		d.Fn = func(_ context.Context, e *event.Event) (bool, error) {
			for k, v := range meta {
				e.SetMeta(k, v)
			}
			return false, nil
		}
		return d, nil
	}

	reply := spec.Reply
	d.Fn = func(ctx context.Context, e *event.Event) (bool, error) {
		if e.Reply == nil {
			return false, nil
		}
		text := strings.NewReplacer(
			"{sender}", e.Actor.Name,
			"{text}", e.Text(),
		).Replace(reply)
		ok, err := e.Reply(ctx, event.Text(text))
		if err != nil {
			return false, err
		}
		return ok, nil
	}
	return d, nil
}

func isPackFile(name string) bool {
	return strings.HasSuffix(name, ".json5") || strings.HasSuffix(name, ".json")
}
