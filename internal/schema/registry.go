package schema

import (
	"bytes"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/lox/wxarchive/internal/config"
)

// Registry holds the schemas available to data bindings, by name.
type Registry struct {
	schemas map[string]*Schema
}

// NewRegistry returns a registry containing the default schema and any extras.
func NewRegistry(extra ...*Schema) *Registry {
	r := &Registry{schemas: map[string]*Schema{}}
	r.Register(Default())
	for _, s := range extra {
		r.Register(s)
	}
	return r
}

// Register adds or replaces a schema.
func (r *Registry) Register(s *Schema) {
	r.schemas[s.Name] = s
}

// Get resolves a schema by name. An unknown name is a configuration error.
func (r *Registry) Get(name string) (*Schema, error) {
	s, ok := r.schemas[name]
	if !ok {
		return nil, &config.ConfigError{Key: "schemas", Msg: fmt.Sprintf("schema %q is not registered", name)}
	}
	return s, nil
}

func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.schemas))
	for k := range r.schemas {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

type schemaFile struct {
	Name   string     `yaml:"name"`
	Tables []TableDef `yaml:"tables"`
}

// Load parses a YAML schema declaration.
func Load(data []byte) (*Schema, error) {
	var f schemaFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	if f.Name == "" {
		return nil, &config.ConfigError{Key: "name", Msg: "schema file has no name"}
	}
	return New(f.Name, f.Tables)
}

// LoadFile reads a YAML schema declaration from disk.
func LoadFile(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema %s: %w", path, err)
	}
	s, err := Load(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}
