// Package settings holds the user-editable toggles of the sweeper.
package settings

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"sandboxsweep.io/internal/document"
	"sandboxsweep.io/internal/reconcile"
)

//go:embed settings.schema.json
var schemaJSON string

const schemaURL = "settings.schema.json"

var schema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(schemaURL, strings.NewReader(schemaJSON)); err != nil {
		panic(err)
	}
	return c.MustCompile(schemaURL)
}

type Settings struct {
	IgnoreFactionMembership bool    `yaml:"ignore_faction_membership" json:"ignore_faction_membership"`
	DeleteNPCShips          bool    `yaml:"delete_npc_ships" json:"delete_npc_ships"`
	NPCDisplayName          string  `yaml:"npc_display_name" json:"npc_display_name"`
	DryRun                  bool    `yaml:"dry_run" json:"dry_run"`
	DebounceMs              int     `yaml:"debounce_ms" json:"debounce_ms"`
	Backups                 Backups `yaml:"backups" json:"backups"`
}

type Backups struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	Keep    int  `yaml:"keep" json:"keep"`
}

func Defaults() Settings {
	return Settings{
		NPCDisplayName: reconcile.DefaultNPCDisplayName,
		DebounceMs:     2000,
		Backups:        Backups{Enabled: true, Keep: 20},
	}
}

func (s Settings) Debounce() time.Duration {
	return time.Duration(s.DebounceMs) * time.Millisecond
}

// ReconcileConfig is the per-pass snapshot handed to the reconciler.
func (s Settings) ReconcileConfig() reconcile.Config {
	return reconcile.Config{
		IgnoreFactionMembership: s.IgnoreFactionMembership,
		DeleteNPCShips:          s.DeleteNPCShips,
		NPCDisplayName:          s.NPCDisplayName,
		DryRun:                  s.DryRun,
	}
}

func (s *Settings) Normalize() {
	s.NPCDisplayName = strings.TrimSpace(s.NPCDisplayName)
	if s.NPCDisplayName == "" {
		s.NPCDisplayName = reconcile.DefaultNPCDisplayName
	}
}

// Validate checks s against the settings schema.
func (s Settings) Validate() error {
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	return schema.Validate(v)
}

// Load reads a yaml settings file. Keys missing from the file keep their defaults. An empty path
// or a missing file yields the defaults.
func Load(path string) (Settings, error) {
	s := Defaults()
	if strings.TrimSpace(path) == "" {
		return s, nil
	}
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return s, err
	}
	if err := Decode(b, &s); err != nil {
		return Defaults(), fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// Decode validates yaml (or json, which is valid yaml) against the schema and decodes it over s.
func Decode(b []byte, s *Settings) error {
	var raw any
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return err
	}
	if raw == nil {
		s.Normalize()
		return nil
	}
	// Round trip through json so the validator sees json types only.
	jb, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	var v any
	if err := json.Unmarshal(jb, &v); err != nil {
		return err
	}
	if err := schema.Validate(v); err != nil {
		return err
	}
	if err := yaml.Unmarshal(b, s); err != nil {
		return err
	}
	s.Normalize()
	return nil
}

func Save(path string, s Settings) error {
	b, err := yaml.Marshal(s)
	if err != nil {
		return err
	}
	return document.WriteFileAtomic(path, b)
}

// Store is the live settings of a running sweeper. Updates are validated and persisted before
// they become visible.
type Store struct {
	mu   sync.RWMutex
	path string
	cur  Settings
}

func NewStore(path string) (*Store, error) {
	s, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &Store{path: path, cur: s}, nil
}

func (st *Store) Path() string { return st.path }

func (st *Store) Snapshot() Settings {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.cur
}

// Update applies fn to a copy of the current settings, then validates and persists the result.
func (st *Store) Update(fn func(*Settings)) (Settings, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	next := st.cur
	fn(&next)
	next.Normalize()
	if err := next.Validate(); err != nil {
		return st.cur, err
	}
	if err := st.commit(next); err != nil {
		return st.cur, err
	}
	return next, nil
}

// Patch merges a partial json or yaml document into the current settings.
func (st *Store) Patch(b []byte) (Settings, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	next := st.cur
	if err := Decode(b, &next); err != nil {
		return st.cur, err
	}
	if err := st.commit(next); err != nil {
		return st.cur, err
	}
	return next, nil
}

// Reload re-reads the settings file, keeping the current settings if it is invalid.
func (st *Store) Reload() (Settings, error) {
	next, err := Load(st.path)
	st.mu.Lock()
	defer st.mu.Unlock()
	if err != nil {
		return st.cur, err
	}
	st.cur = next
	return next, nil
}

func (st *Store) commit(next Settings) error {
	if st.path != "" {
		if err := Save(st.path, next); err != nil {
			return fmt.Errorf("save settings: %w", err)
		}
	}
	st.cur = next
	return nil
}
