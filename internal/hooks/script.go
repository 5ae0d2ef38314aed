package hooks

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// A hook script is a JavaScript file declaring two globals:
//
//	var hook = { name: "audit", type: "PreToolUse", priority: 10,
//	             mode: "blocking", timeout_ms: 2000 };
//	function handler(ctx) {
//	    return { decision: "continue" };
//	}
//
// The handler receives the hook context as a plain object and returns a
// result object ({decision, modifications, reason}); a missing or empty
// return means continue. Each invocation runs on a fresh VM; the compiled
// program is shared.

// ScriptLoader loads hook scripts from a directory into a registry and can
// watch the directory for live changes.
type ScriptLoader struct {
	dir      string
	registry *Registry
	log      zerolog.Logger
	watcher  *fsnotify.Watcher
	closed   bool

	mu      sync.Mutex
	scripts map[string]*scriptHook // keyed by script path

	debounceMu sync.Mutex
	debounce   map[string]*time.Timer
}

type scriptHook struct {
	path string
	name string
	typ  Type
}

type scriptMeta struct {
	Name      string `json:"name"`
	Type      string `json:"type"`
	Priority  int    `json:"priority"`
	Mode      string `json:"mode"`
	TimeoutMS int64  `json:"timeout_ms"`
}

// NewScriptLoader creates a loader over dir that registers into registry.
func NewScriptLoader(dir string, registry *Registry, log zerolog.Logger) *ScriptLoader {
	return &ScriptLoader{
		dir:      dir,
		registry: registry,
		log:      log,
		scripts:  make(map[string]*scriptHook),
		debounce: make(map[string]*time.Timer),
	}
}

// Load scans the directory and registers every valid .js hook. Invalid
// scripts are logged and skipped.
func (l *ScriptLoader) Load() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := os.Stat(l.dir); os.IsNotExist(err) {
		l.log.Debug().Str("dir", l.dir).Msg("hook script directory does not exist")
		return nil
	}

	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return fmt.Errorf("read hook script directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".js") {
			continue
		}
		path := filepath.Join(l.dir, entry.Name())
		if err := l.loadScriptLocked(path); err != nil {
			l.log.Warn().Err(err).Str("file", entry.Name()).Msg("failed to load hook script")
		}
	}

	l.log.Info().Int("count", len(l.scripts)).Str("dir", l.dir).Msg("loaded hook scripts")
	return nil
}

// loadScriptLocked compiles one script, extracts its metadata and registers
// it, replacing any previous registration from the same path.
func (l *ScriptLoader) loadScriptLocked(path string) error {
	src, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read script: %w", err)
	}

	prog, err := goja.Compile(path, string(src), false)
	if err != nil {
		return fmt.Errorf("compile script: %w", err)
	}

	meta, err := extractMeta(prog)
	if err != nil {
		return fmt.Errorf("extract metadata from %s: %w", path, err)
	}
	typ := Type(meta.Type)
	if !IsValidType(typ) {
		return fmt.Errorf("%w: %q in %s", ErrInvalidType, meta.Type, path)
	}

	reg := &Registration{
		Name:     meta.Name,
		Type:     typ,
		Priority: meta.Priority,
		Mode:     Mode(meta.Mode),
		Timeout:  time.Duration(meta.TimeoutMS) * time.Millisecond,
		Source:   path,
		Handler:  scriptHandler(prog),
	}

	if prev, ok := l.scripts[path]; ok {
		_ = l.registry.Unregister(prev.typ, prev.name)
	}
	if err := l.registry.Register(reg); err != nil {
		return err
	}

	l.scripts[path] = &scriptHook{path: path, name: meta.Name, typ: typ}
	l.log.Debug().Str("name", meta.Name).Str("type", meta.Type).Str("path", path).Msg("loaded hook script")
	return nil
}

// extractMeta runs the program once on a throwaway VM and reads the `hook`
// global. The `handler` global must be a function.
func extractMeta(prog *goja.Program) (*scriptMeta, error) {
	vm := goja.New()
	if _, err := vm.RunProgram(prog); err != nil {
		return nil, fmt.Errorf("evaluate script: %w", err)
	}

	if _, ok := goja.AssertFunction(vm.Get("handler")); !ok {
		return nil, fmt.Errorf("script must declare a handler function")
	}

	hookVal := vm.Get("hook")
	if hookVal == nil || goja.IsUndefined(hookVal) || goja.IsNull(hookVal) {
		return nil, fmt.Errorf("script must declare a hook metadata object")
	}

	raw, err := json.Marshal(hookVal.Export())
	if err != nil {
		return nil, fmt.Errorf("decode hook metadata: %w", err)
	}
	var meta scriptMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("decode hook metadata: %w", err)
	}
	if meta.Name == "" {
		return nil, fmt.Errorf("hook metadata must include a name")
	}
	return &meta, nil
}

// scriptHandler adapts a compiled program into a HandlerFunc. Every call gets
// a fresh VM seeded with the program; ctx cancellation interrupts the VM.
func scriptHandler(prog *goja.Program) HandlerFunc {
	return func(ctx context.Context, hc *Context) (*Result, error) {
		vm := goja.New()
		stop := context.AfterFunc(ctx, func() {
			vm.Interrupt(ctx.Err())
		})
		defer stop()

		if _, err := vm.RunProgram(prog); err != nil {
			return nil, fmt.Errorf("evaluate script: %w", err)
		}
		fn, ok := goja.AssertFunction(vm.Get("handler"))
		if !ok {
			return nil, fmt.Errorf("script handler is not a function")
		}

		// JSON round-trip keeps the script's view decoupled from Go types.
		raw, err := json.Marshal(hc)
		if err != nil {
			return nil, fmt.Errorf("encode hook context: %w", err)
		}
		var arg map[string]any
		if err := json.Unmarshal(raw, &arg); err != nil {
			return nil, fmt.Errorf("encode hook context: %w", err)
		}

		val, err := fn(goja.Undefined(), vm.ToValue(arg))
		if err != nil {
			return nil, fmt.Errorf("script handler: %w", err)
		}
		return parseScriptResult(val)
	}
}

func parseScriptResult(val goja.Value) (*Result, error) {
	if val == nil || goja.IsUndefined(val) || goja.IsNull(val) {
		return Continue(), nil
	}
	raw, err := json.Marshal(val.Export())
	if err != nil {
		return Continue(), nil
	}
	var res Result
	if err := json.Unmarshal(raw, &res); err != nil {
		return Continue(), nil
	}
	if res.Decision == "" {
		res.Decision = DecisionContinue
	}
	return &res, nil
}

// Watch starts watching the script directory; changed or added scripts are
// reloaded live, removed scripts are unregistered.
func (l *ScriptLoader) Watch() error {
	if l.closed {
		return fmt.Errorf("script loader is closed")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	l.watcher = watcher

	go l.watchLoop()

	if err := watcher.Add(l.dir); err != nil {
		return fmt.Errorf("watch %s: %w", l.dir, err)
	}
	l.log.Info().Str("dir", l.dir).Msg("watching hook script directory")
	return nil
}

func (l *ScriptLoader) watchLoop() {
	for {
		select {
		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, ".js") {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				l.debouncedReload(event.Name)
			}
			if event.Op&fsnotify.Remove != 0 {
				l.handleRemove(event.Name)
			}

		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.log.Error().Err(err).Msg("hook script watcher error")
		}
	}
}

// debouncedReload coalesces rapid write events per path (100ms window).
func (l *ScriptLoader) debouncedReload(path string) {
	l.debounceMu.Lock()
	defer l.debounceMu.Unlock()

	if timer, ok := l.debounce[path]; ok {
		timer.Stop()
	}
	l.debounce[path] = time.AfterFunc(100*time.Millisecond, func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.closed {
			return
		}
		if err := l.loadScriptLocked(path); err != nil {
			l.log.Warn().Err(err).Str("path", path).Msg("failed to reload hook script")
		}
	})
}

func (l *ScriptLoader) handleRemove(path string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	sh, ok := l.scripts[path]
	if !ok {
		return
	}
	_ = l.registry.Unregister(sh.typ, sh.name)
	delete(l.scripts, path)
	l.log.Debug().Str("name", sh.name).Str("path", path).Msg("unloaded hook script")
}

// Loaded returns the number of currently loaded scripts.
func (l *ScriptLoader) Loaded() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.scripts)
}

// Close stops watching. Loaded hooks stay registered.
func (l *ScriptLoader) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()

	if l.watcher != nil {
		return l.watcher.Close()
	}
	return nil
}
