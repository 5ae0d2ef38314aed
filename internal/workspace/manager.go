// Package workspace confines per-session file operations to a bound
// directory. Bindings persist as JSON under the data dir so they survive
// restarts alongside the event log.
package workspace

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"loom/internal/config"
	"loom/pkg/logger"
)

// DefaultMaxReadBytes caps ReadFile when the config leaves it unset.
const DefaultMaxReadBytes int64 = 10 * 1024 * 1024

// Binding ties a session to its workspace root.
type Binding struct {
	SessionID  string    `json:"sessionId"`
	Path       string    `json:"path"`
	ReadOnly   bool      `json:"readOnly"`
	BoundAt    time.Time `json:"boundAt"`
	LastAccess time.Time `json:"lastAccess"`
}

// FileContent is the result of a ReadFile call.
type FileContent struct {
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modTime"`
	Data    []byte    `json:"data"`
}

// Manager owns the binding table and the confined file operations.
// Safe for concurrent use.
type Manager struct {
	mu           sync.RWMutex
	bindings     map[string]*Binding
	bindingsPath string
	maxReadBytes int64
	log          zerolog.Logger
}

// NewManager loads persisted bindings and applies the config caps. A
// missing or unreadable bindings file starts the manager empty.
func NewManager(cfg config.WorkspaceConfig) *Manager {
	maxRead := cfg.MaxReadBytes
	if maxRead <= 0 {
		maxRead = DefaultMaxReadBytes
	}

	m := &Manager{
		bindings:     make(map[string]*Binding),
		bindingsPath: cfg.BindingsPath,
		maxReadBytes: maxRead,
		log:          *logger.Component("workspace"),
	}
	m.load()
	return m
}

func (m *Manager) load() {
	if m.bindingsPath == "" {
		return
	}
	data, err := os.ReadFile(m.bindingsPath)
	if err != nil {
		return
	}
	var bindings map[string]*Binding
	if err := json.Unmarshal(data, &bindings); err != nil {
		m.log.Warn().Err(err).Str("path", m.bindingsPath).Msg("bindings file unreadable, starting empty")
		return
	}
	m.bindings = bindings
}

// save persists the table. Callers hold the write lock.
func (m *Manager) save() error {
	if m.bindingsPath == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(m.bindingsPath), 0o755); err != nil {
		return fmt.Errorf("create bindings dir: %w", err)
	}
	data, err := json.MarshalIndent(m.bindings, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal bindings: %w", err)
	}
	if err := os.WriteFile(m.bindingsPath, data, 0o644); err != nil {
		return fmt.Errorf("write bindings: %w", err)
	}
	return nil
}

// Bind attaches a session to a workspace root. The path must exist and be
// a directory; rebinding replaces the previous binding.
func (m *Manager) Bind(sessionID, path string, readOnly bool) (*Binding, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("empty session id")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace path: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("workspace path: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace path %s is not a directory", abs)
	}

	now := time.Now()
	b := &Binding{
		SessionID:  sessionID,
		Path:       abs,
		ReadOnly:   readOnly,
		BoundAt:    now,
		LastAccess: now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.bindings[sessionID] = b
	if err := m.save(); err != nil {
		m.log.Warn().Err(err).Msg("bindings not persisted")
	}
	return b, nil
}

// Unbind removes a session's binding.
func (m *Manager) Unbind(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bindings[sessionID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotBound, sessionID)
	}
	delete(m.bindings, sessionID)
	if err := m.save(); err != nil {
		m.log.Warn().Err(err).Msg("bindings not persisted")
	}
	return nil
}

// Get returns a session's binding.
func (m *Manager) Get(sessionID string) (*Binding, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bindings[sessionID]
	return b, ok
}

// List returns all bindings sorted by session ID.
func (m *Manager) List() []*Binding {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Binding, 0, len(m.bindings))
	for _, b := range m.bindings {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// Resolve maps a workspace-relative path to an absolute one, rejecting
// absolute inputs and any traversal that would leave the binding root.
func (m *Manager) Resolve(sessionID, rel string) (string, error) {
	m.mu.Lock()
	b, ok := m.bindings[sessionID]
	if ok {
		b.LastAccess = time.Now()
	}
	m.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotBound, sessionID)
	}

	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: absolute path %s", ErrPathEscape, rel)
	}

	abs := filepath.Clean(filepath.Join(b.Path, rel))
	if abs != b.Path && !strings.HasPrefix(abs, b.Path+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPathEscape, rel)
	}
	return abs, nil
}

// ReadFile returns a workspace file's content, capped at the configured
// read limit.
func (m *Manager) ReadFile(sessionID, rel string) (*FileContent, error) {
	abs, err := m.Resolve(sessionID, rel)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, rel)
		}
		return nil, fmt.Errorf("stat %s: %w", rel, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("read %s: is a directory", rel)
	}
	if info.Size() > m.maxReadBytes {
		return nil, fmt.Errorf("%w: %s is %d bytes, limit %d", ErrFileTooLarge, rel, info.Size(), m.maxReadBytes)
	}

	f, err := os.Open(abs)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", rel, err)
	}
	defer f.Close()

	// The size was checked above, but the file may have grown since;
	// the limited reader keeps the cap authoritative.
	data, err := io.ReadAll(io.LimitReader(f, m.maxReadBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rel, err)
	}

	return &FileContent{
		Path:    rel,
		Size:    info.Size(),
		ModTime: info.ModTime(),
		Data:    data,
	}, nil
}

// CreateDir creates a directory (and parents) inside the workspace.
func (m *Manager) CreateDir(sessionID, rel string) error {
	b, ok := m.Get(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotBound, sessionID)
	}
	if b.ReadOnly {
		return fmt.Errorf("%w: %s", ErrReadOnly, sessionID)
	}

	abs, err := m.Resolve(sessionID, rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return fmt.Errorf("create dir %s: %w", rel, err)
	}
	return nil
}

// CleanupOrphans drops bindings whose session no longer exists and
// returns how many were removed.
func (m *Manager) CleanupOrphans(sessionExists func(sessionID string) bool) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int
	for id := range m.bindings {
		if !sessionExists(id) {
			delete(m.bindings, id)
			removed++
		}
	}
	if removed > 0 {
		if err := m.save(); err != nil {
			m.log.Warn().Err(err).Msg("bindings not persisted")
		}
	}
	return removed
}

// Len returns the number of bindings.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.bindings)
}
