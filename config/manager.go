package config

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Store is the key value structure sources write into. Keys are dotted
// paths such as "log.level".
type Store interface {
	Set(key string, value any)
	Get(key string) (any, bool)
}

// Source applies its values to a Store.
type Source interface {
	Apply(Store) error
}

// ConfigReadError occurs when a source cannot be read or parsed.
type ConfigReadError struct {
	Source string
	Cause  error
}

func (e ConfigReadError) Error() string {
	return fmt.Sprintf("failed to read config from %s: %s", e.Source, e.Cause)
}

func (e ConfigReadError) Unwrap() error {
	return e.Cause
}

// ConfigUnmarshalError occurs when the layered values do not fit the target.
type ConfigUnmarshalError struct {
	Cause error
}

func (e ConfigUnmarshalError) Error() string {
	return fmt.Sprintf("failed to unmarshal config: %s", e.Cause)
}

func (e ConfigUnmarshalError) Unwrap() error {
	return e.Cause
}

// Manager holds the merged result of a set of sources
type Manager struct {
	mu     sync.RWMutex
	values map[string]any
}

// Read applies srcs in order. Later sources override earlier ones.
func Read(srcs ...Source) (*Manager, error) {
	m := &Manager{values: make(map[string]any)}
	for _, src := range srcs {
		if err := src.Apply(m); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Set stores value under the dotted key, creating intermediate sections.
func (m *Manager) Set(key string, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()

	parts := strings.Split(key, ".")
	section := m.values
	for _, p := range parts[:len(parts)-1] {
		next, ok := section[p].(map[string]any)
		if !ok {
			next = make(map[string]any)
			section[p] = next
		}
		section = next
	}
	section[parts[len(parts)-1]] = value
}

// Get returns the value stored under the dotted key.
func (m *Manager) Get(key string) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var v any = m.values
	for _, p := range strings.Split(key, ".") {
		section, ok := v.(map[string]any)
		if !ok {
			return nil, false
		}
		if v, ok = section[p]; !ok {
			return nil, false
		}
	}
	return v, true
}

// Unmarshal decodes the merged values into v. String values from the
// environment and flags are converted to the field types.
func (m *Manager) Unmarshal(v any) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           v,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return ConfigUnmarshalError{Cause: err}
	}
	if err := dec.Decode(m.values); err != nil {
		return ConfigUnmarshalError{Cause: err}
	}
	return nil
}

// Map is a Source of literal values. Nested maps become dotted keys.
type Map map[string]any

// Apply implements Source.
func (src Map) Apply(store Store) error {
	apply(store, "", src)
	return nil
}

func apply(store Store, prefix string, values map[string]any) {
	for k, v := range values {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			apply(store, key, nested)
			continue
		}
		store.Set(key, v)
	}
}

// Yaml is a Source parsed from a YAML document
type Yaml struct {
	name string
	open func() (io.ReadCloser, error)
}

// FromYaml reads YAML from r.
func FromYaml(r io.Reader) Yaml {
	return Yaml{
		name: "yaml",
		open: func() (io.ReadCloser, error) { return io.NopCloser(r), nil },
	}
}

// FromYamlFile reads YAML from the file at path.
func FromYamlFile(path string) Yaml {
	return Yaml{
		name: path,
		open: func() (io.ReadCloser, error) { return os.Open(path) },
	}
}

// Apply implements Source.
func (src Yaml) Apply(store Store) error {
	rc, err := src.open()
	if err != nil {
		return ConfigReadError{Source: src.name, Cause: err}
	}
	defer rc.Close()

	b, err := io.ReadAll(rc)
	if err != nil {
		return ConfigReadError{Source: src.name, Cause: err}
	}

	values := make(map[string]any)
	if err := yaml.Unmarshal(b, &values); err != nil {
		return ConfigReadError{Source: src.name, Cause: err}
	}
	apply(store, "", values)
	return nil
}

// Env is a Source of prefixed environment variables
type Env struct {
	prefix  string
	environ func() []string
}

// FromEnv maps PREFIX_NAME variables onto config keys.
func FromEnv(prefix string) Env {
	return Env{prefix: prefix, environ: os.Environ}
}

// Apply implements Source.
func (src Env) Apply(store Store) error {
	for _, pair := range src.environ() {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		name, ok := strings.CutPrefix(k, src.prefix+"_")
		if !ok || name == "" || name == "CONFIG" {
			continue
		}
		store.Set(resolveKey(store, strings.ToLower(name)), v)
	}
	return nil
}

// Flags is a Source of the flags set on the command line
type Flags struct {
	fs *pflag.FlagSet
}

// FromFlags applies only the flags in fs that were explicitly set.
func FromFlags(fs *pflag.FlagSet) Flags {
	return Flags{fs: fs}
}

// Apply implements Source.
func (src Flags) Apply(store Store) error {
	src.fs.Visit(func(f *pflag.Flag) {
		if f.Name == "config" {
			return
		}
		name := strings.ReplaceAll(f.Name, "-", "_")
		store.Set(resolveKey(store, name), f.Value.String())
	})
	return nil
}

// resolveKey turns an underscored name into a dotted key when its leading
// part names an existing section, so log_level maps to log.level while
// max_body_size stays flat.
func resolveKey(store Store, name string) string {
	section, rest, ok := strings.Cut(name, "_")
	if !ok {
		return name
	}
	if v, found := store.Get(section); found {
		if _, isSection := v.(map[string]any); isSection {
			return section + "." + rest
		}
	}
	return name
}
