package runbook

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// ErrNotFound is returned when a runbook ID does not resolve.
var ErrNotFound = errors.New("runbook not found")

// Registry is the in-memory index of runbook definitions. Lookups hand out
// deep copies so an execution's snapshot can never be mutated behind its back.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]*Definition
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]*Definition)}
}

// Get returns a copy of the definition with the given ID.
func (r *Registry) Get(id string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return d.Clone(), nil
}

// List returns copies of all definitions sorted by name.
func (r *Registry) List() []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Definition, 0, len(r.defs))
	for _, d := range r.defs {
		out = append(out, d.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Create validates and adds a new definition at version 1. A missing ID is
// generated.
func (r *Registry) Create(d *Definition) (*Definition, error) {
	if err := Validate(d); err != nil {
		return nil, err
	}
	cp := d.Clone()
	if cp.ID == "" {
		cp.ID = NewID()
	}
	cp.Version = 1

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[cp.ID]; exists {
		return nil, fmt.Errorf("runbook %s already exists", cp.ID)
	}
	r.defs[cp.ID] = cp
	return cp.Clone(), nil
}

// Update validates and replaces an existing definition, bumping its version.
// In-flight executions keep the snapshot they bound to.
func (r *Registry) Update(id string, d *Definition) (*Definition, error) {
	if err := Validate(d); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	old, ok := r.defs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := d.Clone()
	cp.ID = id
	cp.Version = old.Version + 1
	r.defs[id] = cp
	return cp.Clone(), nil
}

// Put inserts a definition as-is, keeping its version. Used when rehydrating
// from the store at boot.
func (r *Registry) Put(d *Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[d.ID] = d.Clone()
}

// Delete removes a definition.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.defs[id]; !ok {
		return ErrNotFound
	}
	delete(r.defs, id)
	return nil
}

// LoadDir reads all *.yaml/*.yml files from dir and parses each into a
// definition. Files that fail validation abort the load; a missing directory
// yields an empty slice.
func LoadDir(dir string) ([]*Definition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var defs []*Definition
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		ext := strings.ToLower(filepath.Ext(name))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		d, err := Parse(data)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
		if err := Validate(d); err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		if d.ID == "" {
			// Stable ID derived from the file name so reloads upsert
			// rather than duplicate.
			d.ID = strings.TrimSuffix(name, ext)
		}
		defs = append(defs, d)
	}
	return defs, nil
}
