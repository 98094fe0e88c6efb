// Package toolcore executes tools on behalf of agents: built-in local
// functions, registered scripts and the remote python sandbox. Requests
// arrive over HTTP or the shared tool-request topic; every completed
// execution leaves as a task_result on the requesting agent's channel
// and the frontend broadcast.
package toolcore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// Tool kinds a registry entry may declare.
const (
	TypeLocal   = "local"
	TypeScript  = "script"
	TypeSandbox = "sandbox"
)

// Registry errors. Match with errors.Is.
var (
	ErrToolNotFound = errors.New("tool not found")
	ErrToolExists   = errors.New("tool already exists")

	// errPersist marks failures writing the registry file, as opposed
	// to definition validation failures.
	errPersist = errors.New("persist tool registry")
)

type (
	// Definition describes one registered tool: what it is called, how
	// it executes and the JSON schema its parameters must satisfy.
	Definition struct {
		Name            string         `yaml:"name" json:"name"`
		Type            string         `yaml:"type" json:"type"`
		Path            string         `yaml:"path,omitempty" json:"path,omitempty"`
		ParameterSchema map[string]any `yaml:"parameter_schema,omitempty" json:"parameter_schema,omitempty"`
		Active          bool           `yaml:"active" json:"active"`
		Description     string         `yaml:"description,omitempty" json:"description,omitempty"`
	}

	// Registry is the tools.yaml-backed store. Mutations rewrite the
	// whole file through a temp-file rename; parameter schemas compile
	// once and stay cached until their entry changes.
	Registry struct {
		path string

		mu      sync.RWMutex
		defs    []Definition
		schemas map[string]*jsonschema.Schema
	}

	// registryDoc is the on-disk document shape.
	registryDoc struct {
		Tools []Definition `yaml:"tools"`
	}
)

// Validate checks that the definition is executable as declared,
// including that its parameter schema compiles.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return errors.New("tool name is required")
	}
	switch d.Type {
	case TypeLocal, TypeSandbox:
	case TypeScript:
		if d.Path == "" {
			return fmt.Errorf("script tool %q requires a path", d.Name)
		}
	default:
		return fmt.Errorf("tool %q: unknown type %q", d.Name, d.Type)
	}
	if d.ParameterSchema != nil {
		if _, err := compileSchema(d.Name, d.ParameterSchema); err != nil {
			return err
		}
	}
	return nil
}

// OpenRegistry loads the registry at path. A missing file is an empty
// registry; the file appears on the first mutation.
func OpenRegistry(path string) (*Registry, error) {
	if path == "" {
		return nil, errors.New("registry path is required")
	}
	r := &Registry{path: path, schemas: make(map[string]*jsonschema.Schema)}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read tool registry: %w", err)
	}
	var doc registryDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse tool registry %s: %w", path, err)
	}
	for i := range doc.Tools {
		if err := doc.Tools[i].Validate(); err != nil {
			return nil, fmt.Errorf("tool registry %s entry %d: %w", path, i, err)
		}
	}
	r.defs = doc.Tools
	return r, nil
}

// List returns every definition in file order.
func (r *Registry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.defs)
}

// Get returns the definition registered under name.
func (r *Registry) Get(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if i := r.indexOf(name); i >= 0 {
		return r.defs[i], true
	}
	return Definition{}, false
}

// Create adds a definition and persists the registry.
func (r *Registry) Create(def Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.indexOf(def.Name) >= 0 {
		return fmt.Errorf("%w: %s", ErrToolExists, def.Name)
	}
	defs := append(slices.Clone(r.defs), def)
	if err := r.persist(defs); err != nil {
		return err
	}
	r.defs = defs
	delete(r.schemas, def.Name)
	return nil
}

// Update replaces the definition registered under name. An empty name
// in the new definition keeps the old one; a different name renames the
// entry as long as the new name is free.
func (r *Registry) Update(name string, def Definition) error {
	if def.Name == "" {
		def.Name = name
	}
	if err := def.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.indexOf(name)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	if def.Name != name && r.indexOf(def.Name) >= 0 {
		return fmt.Errorf("%w: %s", ErrToolExists, def.Name)
	}
	defs := slices.Clone(r.defs)
	defs[i] = def
	if err := r.persist(defs); err != nil {
		return err
	}
	r.defs = defs
	delete(r.schemas, name)
	delete(r.schemas, def.Name)
	return nil
}

// Delete removes the definition registered under name.
func (r *Registry) Delete(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.indexOf(name)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	defs := slices.Delete(slices.Clone(r.defs), i, i+1)
	if err := r.persist(defs); err != nil {
		return err
	}
	r.defs = defs
	delete(r.schemas, name)
	return nil
}

// Schema returns the compiled parameter schema for name, nil when the
// entry declares none.
func (r *Registry) Schema(name string) (*jsonschema.Schema, error) {
	r.mu.RLock()
	if sch, ok := r.schemas[name]; ok {
		r.mu.RUnlock()
		return sch, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if sch, ok := r.schemas[name]; ok {
		return sch, nil
	}
	i := r.indexOf(name)
	if i < 0 {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	if r.defs[i].ParameterSchema == nil {
		return nil, nil
	}
	sch, err := compileSchema(name, r.defs[i].ParameterSchema)
	if err != nil {
		return nil, err
	}
	r.schemas[name] = sch
	return sch, nil
}

// indexOf returns the position of name, -1 when absent. Callers hold
// the lock.
func (r *Registry) indexOf(name string) int {
	for i := range r.defs {
		if r.defs[i].Name == name {
			return i
		}
	}
	return -1
}

// persist writes the registry document through a temp file and rename
// so a crash cannot leave a torn file. Callers hold the write lock.
func (r *Registry) persist(defs []Definition) error {
	data, err := yaml.Marshal(registryDoc{Tools: defs})
	if err != nil {
		return fmt.Errorf("%w: encode: %w", errPersist, err)
	}
	if dir := filepath.Dir(r.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("%w: create directory: %w", errPersist, err)
		}
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("%w: write: %w", errPersist, err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("%w: replace: %w", errPersist, err)
	}
	return nil
}

// compileSchema compiles a parameter schema document. The document
// round-trips through JSON so YAML scalars take their JSON types.
func compileSchema(name string, doc map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("tool %q: encode parameter schema: %w", name, err)
	}
	var normalized any
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return nil, fmt.Errorf("tool %q: normalize parameter schema: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", normalized); err != nil {
		return nil, fmt.Errorf("tool %q: add parameter schema: %w", name, err)
	}
	sch, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("tool %q: compile parameter schema: %w", name, err)
	}
	return sch, nil
}
