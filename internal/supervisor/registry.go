// Package supervisor owns the set of registered projects. It runs one wake
// scheduler per project, routes control operations to the right worker, and
// fans events out through the bus.
package supervisor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/hugo-lorenzo-mato/anima/internal/core"
	"github.com/hugo-lorenzo-mato/anima/internal/logging"
)

// Registration is one entry in the application-level project registry.
type Registration struct {
	ID      string         `json:"id"`
	Path    string         `json:"path"`
	Name    string         `json:"name"`
	AddedAt core.Timestamp `json:"addedAt"`
}

// Registry persists project registrations in the application config file.
// Fields written by other tools (theme, window layout) are preserved across
// saves.
type Registry struct {
	path string
	log  *logging.Logger

	mu       sync.RWMutex
	projects []Registration
	extra    map[string]json.RawMessage
}

type registryFile struct {
	SchemaVersion int            `json:"schemaVersion,omitempty"`
	Projects      []Registration `json:"projects"`
}

// NewRegistry loads (or initializes) the registry at the given path.
func NewRegistry(path string, log *logging.Logger) (*Registry, error) {
	r := &Registry{
		path:  path,
		log:   log,
		extra: make(map[string]json.RawMessage),
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	log.Info("project registry loaded", "path", path, "project_count", len(r.projects))
	return r, nil
}

func (r *Registry) load() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return core.ErrPersistenceIO("READ_FAILED", fmt.Sprintf("reading registry: %v", err))
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return core.ErrCorruptState(r.path, string(data))
	}
	var file registryFile
	if err := json.Unmarshal(data, &file); err != nil {
		return core.ErrCorruptState(r.path, string(data))
	}

	delete(raw, "schemaVersion")
	delete(raw, "projects")
	r.projects = file.Projects
	r.extra = raw
	return nil
}

// save writes the registry atomically, merging preserved fields back in.
// Caller must hold the write lock.
func (r *Registry) save() error {
	doc := make(map[string]json.RawMessage, len(r.extra)+2)
	for k, v := range r.extra {
		doc[k] = v
	}
	file := registryFile{SchemaVersion: 1, Projects: r.projects}
	typed, err := json.Marshal(file)
	if err != nil {
		return core.ErrPersistenceIO("WRITE_FAILED", fmt.Sprintf("encoding registry: %v", err))
	}
	var typedMap map[string]json.RawMessage
	if err := json.Unmarshal(typed, &typedMap); err != nil {
		return core.ErrPersistenceIO("WRITE_FAILED", fmt.Sprintf("encoding registry: %v", err))
	}
	for k, v := range typedMap {
		doc[k] = v
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(doc); err != nil {
		return core.ErrPersistenceIO("WRITE_FAILED", fmt.Sprintf("encoding registry: %v", err))
	}

	if err := os.MkdirAll(filepath.Dir(r.path), 0o750); err != nil {
		return core.ErrPersistenceIO("WRITE_FAILED", fmt.Sprintf("creating config directory: %v", err))
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o600); err != nil {
		return core.ErrPersistenceIO("WRITE_FAILED", fmt.Sprintf("writing registry: %v", err))
	}
	if err := os.Rename(tmp, r.path); err != nil {
		_ = os.Remove(tmp)
		return core.ErrPersistenceIO("WRITE_FAILED", fmt.Sprintf("replacing registry: %v", err))
	}
	return nil
}

// List returns all registrations.
func (r *Registry) List() []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Registration(nil), r.projects...)
}

// Get returns the registration with the given id.
func (r *Registry) Get(id string) (Registration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.projects {
		if p.ID == id {
			return p, nil
		}
	}
	return Registration{}, core.ErrNotFound("project", id)
}

// Add registers a new project directory. The path must be an absolute,
// writable directory; duplicate paths are rejected.
func (r *Registry) Add(path, name string, addedAt core.Timestamp) (Registration, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return Registration{}, core.ErrValidation("INVALID_PATH", fmt.Sprintf("resolving path: %v", err))
	}
	abs = filepath.Clean(abs)
	if err := validateProjectPath(abs); err != nil {
		return Registration{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, p := range r.projects {
		if filepath.Clean(p.Path) == abs {
			return Registration{}, core.ErrValidation(core.CodeAlreadyExists,
				fmt.Sprintf("project already registered: %s", abs))
		}
	}

	if name == "" {
		name = displayName(abs)
	}
	reg := Registration{
		ID:      uuid.NewString(),
		Path:    abs,
		Name:    name,
		AddedAt: addedAt,
	}
	r.projects = append(r.projects, reg)
	if err := r.save(); err != nil {
		r.projects = r.projects[:len(r.projects)-1]
		return Registration{}, err
	}

	r.log.Info("project registered", "project_id", reg.ID, "name", name, "path", abs)
	return reg, nil
}

// Remove unregisters a project. The on-disk .anima tree is left untouched.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	index := -1
	for i, p := range r.projects {
		if p.ID == id {
			index = i
			break
		}
	}
	if index == -1 {
		return core.ErrNotFound("project", id)
	}

	removed := r.projects[index]
	r.projects = append(r.projects[:index], r.projects[index+1:]...)
	if err := r.save(); err != nil {
		r.projects = append(r.projects[:index],
			append([]Registration{removed}, r.projects[index:]...)...)
		return err
	}

	r.log.Info("project removed", "project_id", id, "name", removed.Name)
	return nil
}

func validateProjectPath(path string) error {
	if !filepath.IsAbs(path) {
		return core.ErrValidation("INVALID_PATH", "project path must be absolute")
	}
	info, err := os.Stat(path)
	if err != nil {
		return core.ErrValidation("INVALID_PATH", fmt.Sprintf("cannot access %s: %v", path, err))
	}
	if !info.IsDir() {
		return core.ErrValidation("INVALID_PATH", fmt.Sprintf("%s is not a directory", path))
	}
	probe := filepath.Join(path, ".anima-probe")
	if err := os.WriteFile(probe, nil, 0o600); err != nil {
		return core.ErrValidation("INVALID_PATH", fmt.Sprintf("%s is not writable: %v", path, err))
	}
	_ = os.Remove(probe)
	return nil
}

func displayName(path string) string {
	name := filepath.Base(path)
	name = strings.ReplaceAll(name, "-", " ")
	name = strings.ReplaceAll(name, "_", " ")
	if name != "" {
		name = strings.ToUpper(name[:1]) + name[1:]
	}
	return name
}
