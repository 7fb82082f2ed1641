// Package store implements durable persistence for a project's .anima tree.
// Every write is atomic (temp sibling plus rename), guarded by optimistic
// version tokens, and multi-file updates are serialized by an advisory
// per-project file lock.
package store

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/hugo-lorenzo-mato/anima/internal/core"
)

// Version is an opaque optimistic-concurrency token returned by reads. A
// write presenting a token that no longer matches the file fails with a
// stale error and the caller re-reads. The empty token means "file absent".
type Version string

// Store persists one project's state tree.
type Store struct {
	root      string // project root
	animaDir  string
	lockPath  string
	lockTTL   time.Duration
	lockRetry time.Duration
}

// Option configures the store.
type Option func(*Store)

// WithLockTTL sets how long a lock file is honored before being considered
// stale.
func WithLockTTL(ttl time.Duration) Option {
	return func(s *Store) { s.lockTTL = ttl }
}

// WithLockRetry sets the polling interval while waiting for the project lock.
func WithLockRetry(d time.Duration) Option {
	return func(s *Store) { s.lockRetry = d }
}

// New creates a store rooted at the given project directory.
func New(projectRoot string, opts ...Option) *Store {
	animaDir := filepath.Join(projectRoot, ".anima")
	s := &Store{
		root:      projectRoot,
		animaDir:  animaDir,
		lockPath:  filepath.Join(animaDir, ".lock"),
		lockTTL:   time.Hour,
		lockRetry: 50 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Root returns the project root directory.
func (s *Store) Root() string { return s.root }

// Dir returns the .anima directory.
func (s *Store) Dir() string { return s.animaDir }

// EnsureLayout creates the .anima directory tree.
func (s *Store) EnsureLayout() error {
	dirs := []string{
		s.animaDir,
		filepath.Join(s.animaDir, "inbox"),
		filepath.Join(s.animaDir, "milestones"),
		filepath.Join(s.animaDir, "memory"),
		filepath.Join(s.animaDir, "memory", "iterations"),
		filepath.Join(s.animaDir, "logs"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return core.ErrPersistenceIO("LAYOUT_FAILED", fmt.Sprintf("creating %s: %v", dir, err))
		}
	}
	return nil
}

func (s *Store) statePath() string  { return filepath.Join(s.animaDir, "state.json") }
func (s *Store) configPath() string { return filepath.Join(s.animaDir, "config.json") }
func (s *Store) orderPath() string  { return filepath.Join(s.animaDir, "milestones", "order.json") }

func (s *Store) inboxPath(id string) string {
	return filepath.Join(s.animaDir, "inbox", id+".json")
}
func (s *Store) milestonePath(id string) string {
	return filepath.Join(s.animaDir, "milestones", id+".json")
}
func (s *Store) milestoneDocPath(id string) string {
	return filepath.Join(s.animaDir, "milestones", id+".md")
}

// ConfigPath returns the project config file path, for callers that watch it.
func (s *Store) ConfigPath() string { return s.configPath() }

// versionOf computes the version token for raw file content.
func versionOf(data []byte) Version {
	hash := sha256.Sum256(data)
	return Version(hex.EncodeToString(hash[:]))
}

// readJSON reads path into out, returning the version token. A missing file
// yields the empty token and a nil out without error when allowAbsent is set.
func (s *Store) readJSON(path string, out any, allowAbsent bool) (Version, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if allowAbsent {
				return "", nil
			}
			return "", core.ErrNotFound("file", path)
		}
		return "", core.ErrPersistenceIO("READ_FAILED", fmt.Sprintf("reading %s: %v", path, err))
	}

	if err := json.Unmarshal(data, out); err != nil {
		return "", core.ErrCorruptState(path, string(data))
	}
	return versionOf(data), nil
}

// writeJSON writes value to path if the caller's token still matches the
// file. Unknown fields present on disk but absent from value's type are
// carried over so external tools can annotate records freely.
func (s *Store) writeJSON(path string, value any, expected Version) error {
	current := Version("")
	var existing map[string]any
	if data, err := os.ReadFile(path); err == nil {
		current = versionOf(data)
		// A corrupt file never matches a token, so the stale path below
		// reports it; no need to fail the decode here.
		_ = json.Unmarshal(data, &existing)
	} else if !os.IsNotExist(err) {
		return core.ErrPersistenceIO("READ_FAILED", fmt.Sprintf("reading %s: %v", path, err))
	}

	if current != expected {
		return core.ErrStale(path)
	}

	merged, err := mergeUnknownFields(existing, value)
	if err != nil {
		return err
	}

	data, err := encodeJSON(merged)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return core.ErrPersistenceIO("WRITE_FAILED", fmt.Sprintf("creating directory for %s: %v", path, err))
	}
	if err := atomicWriteFile(path, data, 0o644); err != nil {
		return core.ErrPersistenceIO("WRITE_FAILED", fmt.Sprintf("writing %s: %v", path, err))
	}
	return nil
}

// mergeUnknownFields overlays value's fields on top of the raw on-disk map.
func mergeUnknownFields(existing map[string]any, value any) (map[string]any, error) {
	valueBytes, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("marshaling value: %w", err)
	}
	var valueMap map[string]any
	if err := json.Unmarshal(valueBytes, &valueMap); err != nil {
		return nil, fmt.Errorf("remarshaling value: %w", err)
	}

	if existing == nil {
		return valueMap, nil
	}
	merged := make(map[string]any, len(existing)+len(valueMap))
	for k, v := range existing {
		merged[k] = v
	}
	for k, v := range valueMap {
		merged[k] = v
	}
	return merged, nil
}

// encodeJSON renders pretty-printed JSON without HTML escaping, so titles
// and descriptions stay readable in the files users open by hand.
func encodeJSON(value any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(value); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ReadProjectState loads state.json. A missing file returns a nil state with
// the empty token so a fresh project can be initialized with a first write.
func (s *Store) ReadProjectState() (*core.ProjectState, Version, error) {
	var state core.ProjectState
	v, err := s.readJSON(s.statePath(), &state, true)
	if err != nil {
		return nil, "", err
	}
	if v == "" {
		return nil, "", nil
	}
	return &state, v, nil
}

// WriteProjectState persists state.json.
func (s *Store) WriteProjectState(state *core.ProjectState, v Version) error {
	if err := state.Validate(); err != nil {
		return err
	}
	return s.writeJSON(s.statePath(), state, v)
}

// ReadMilestone loads a milestone record.
func (s *Store) ReadMilestone(id string) (*core.Milestone, Version, error) {
	var m core.Milestone
	v, err := s.readJSON(s.milestonePath(id), &m, false)
	if err != nil {
		return nil, "", err
	}
	return &m, v, nil
}

// WriteMilestone persists a milestone record.
func (s *Store) WriteMilestone(m *core.Milestone, v Version) error {
	if err := m.Validate(); err != nil {
		return err
	}
	return s.writeJSON(s.milestonePath(m.ID), m, v)
}

// ListMilestones returns all milestone records, sorted by id.
func (s *Store) ListMilestones() ([]*core.Milestone, error) {
	dir := filepath.Join(s.animaDir, "milestones")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, core.ErrPersistenceIO("READ_FAILED", fmt.Sprintf("listing milestones: %v", err))
	}

	var milestones []*core.Milestone
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") || name == "order.json" {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		m, _, err := s.ReadMilestone(id)
		if err != nil {
			return nil, err
		}
		milestones = append(milestones, m)
	}
	sort.Slice(milestones, func(i, j int) bool { return milestones[i].ID < milestones[j].ID })
	return milestones, nil
}

// ReadMilestoneDoc reads the human-authored milestone document. The document
// is read-only to the supervisor.
func (s *Store) ReadMilestoneDoc(id string) (*core.MilestoneDoc, error) {
	data, err := os.ReadFile(s.milestoneDocPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, core.ErrNotFound("milestone document", id)
		}
		return nil, core.ErrPersistenceIO("READ_FAILED", fmt.Sprintf("reading milestone document: %v", err))
	}
	return core.ParseMilestoneDoc(string(data))
}

// ReadInboxItem loads an inbox item.
func (s *Store) ReadInboxItem(id string) (*core.InboxItem, Version, error) {
	var item core.InboxItem
	v, err := s.readJSON(s.inboxPath(id), &item, false)
	if err != nil {
		return nil, "", err
	}
	return &item, v, nil
}

// WriteInboxItem persists an inbox item.
func (s *Store) WriteInboxItem(item *core.InboxItem, v Version) error {
	return s.writeJSON(s.inboxPath(item.ID), item, v)
}

// ListInboxItems returns all inbox items, sorted by creation time then id.
func (s *Store) ListInboxItems() ([]*core.InboxItem, error) {
	dir := filepath.Join(s.animaDir, "inbox")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, core.ErrPersistenceIO("READ_FAILED", fmt.Sprintf("listing inbox: %v", err))
	}

	var items []*core.InboxItem
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		item, _, err := s.ReadInboxItem(strings.TrimSuffix(name, ".json"))
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt.Time) {
			return items[i].CreatedAt.Before(items[j].CreatedAt.Time)
		}
		return items[i].ID < items[j].ID
	})
	return items, nil
}

// ReadOrder loads the milestone ordering. A missing file is an empty order.
func (s *Store) ReadOrder() (*core.MilestoneOrder, Version, error) {
	var order core.MilestoneOrder
	v, err := s.readJSON(s.orderPath(), &order, true)
	if err != nil {
		return nil, "", err
	}
	if v == "" {
		return &core.MilestoneOrder{}, "", nil
	}
	return &order, v, nil
}

// WriteOrder persists the milestone ordering.
func (s *Store) WriteOrder(order *core.MilestoneOrder, v Version) error {
	return s.writeJSON(s.orderPath(), order, v)
}

// WriteMilestoneAndState writes the milestone file and then the state file
// under the project lock. The ordering means a crash between the two writes
// leaves a milestone ahead of the state, never behind it, which recovery
// treats as an interrupted run.
func (s *Store) WriteMilestoneAndState(m *core.Milestone, mv Version, state *core.ProjectState, sv Version) error {
	if err := s.WriteMilestone(m, mv); err != nil {
		return err
	}
	return s.WriteProjectState(state, sv)
}

// Quarantine renames a corrupt file aside with a timestamped suffix and
// returns the new path.
func (s *Store) Quarantine(path string) (string, error) {
	quarantined := fmt.Sprintf("%s.corrupt-%s", path, time.Now().UTC().Format("20060102T150405Z"))
	if err := os.Rename(path, quarantined); err != nil {
		return "", core.ErrPersistenceIO("QUARANTINE_FAILED", fmt.Sprintf("quarantining %s: %v", path, err))
	}
	return quarantined, nil
}

// ReadVision returns the project vision document, empty if absent. The
// human-authored file lives at the project root; .anima/vision.md is honored
// as a legacy location.
func (s *Store) ReadVision() (string, error) {
	vision, err := s.readDoc(filepath.Join(s.root, "VISION.md"))
	if err != nil || vision != "" {
		return vision, err
	}
	return s.readDoc(filepath.Join(s.animaDir, "vision.md"))
}

// VisionPath returns where the vision document belongs.
func (s *Store) VisionPath() string {
	return filepath.Join(s.root, "VISION.md")
}

// ReadSoul returns the project soul document, empty if absent.
func (s *Store) ReadSoul() (string, error) {
	return s.readDoc(filepath.Join(s.animaDir, "soul.md"))
}

// ReadProjectMemory returns the agent-maintained memory document, empty if
// absent.
func (s *Store) ReadProjectMemory() (string, error) {
	return s.readDoc(filepath.Join(s.animaDir, "memory", "project.md"))
}

// WriteProjectMemory replaces the agent-maintained memory document.
func (s *Store) WriteProjectMemory(content string) error {
	path := filepath.Join(s.animaDir, "memory", "project.md")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return core.ErrPersistenceIO("WRITE_FAILED", fmt.Sprintf("creating memory directory: %v", err))
	}
	if err := atomicWriteFile(path, []byte(content), 0o644); err != nil {
		return core.ErrPersistenceIO("WRITE_FAILED", fmt.Sprintf("writing memory: %v", err))
	}
	return nil
}

// WriteIterationMemory appends a per-iteration memory document named by
// timestamp and milestone id.
func (s *Store) WriteIterationMemory(at time.Time, milestoneID, content string) error {
	dir := filepath.Join(s.animaDir, "memory", "iterations")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return core.ErrPersistenceIO("WRITE_FAILED", fmt.Sprintf("creating iterations directory: %v", err))
	}
	name := fmt.Sprintf("%s-%s.md", at.UTC().Format("20060102T150405Z"), milestoneID)
	if err := atomicWriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		return core.ErrPersistenceIO("WRITE_FAILED", fmt.Sprintf("writing iteration memory: %v", err))
	}
	return nil
}

func (s *Store) readDoc(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", core.ErrPersistenceIO("READ_FAILED", fmt.Sprintf("reading %s: %v", path, err))
	}
	return string(data), nil
}
