// Package kernelspec describes kernel types and how to find them on disk.
package kernelspec

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Argv placeholders substituted at launch time.
const (
	PlaceholderConnectionFile = "{connection_file}"
	PlaceholderResourceDir    = "{resource_dir}"
)

// FileName is the kernel spec file inside a kernel directory.
const FileName = "kernel.json"

// Spec identifies a kernel type. A Spec is immutable once resolved.
type Spec struct {
	// Name is the registry key, normally the kernel directory name.
	Name string `json:"name,omitempty"`

	DisplayName   string            `json:"display_name"`
	Language      string            `json:"language"`
	Argv          []string          `json:"argv"`
	Env           map[string]string `json:"env,omitempty"`
	InterruptMode string            `json:"interrupt_mode,omitempty"`
	Metadata      map[string]any    `json:"metadata,omitempty"`

	// ResourceDir is the directory the spec was loaded from.
	ResourceDir string `json:"resource_dir,omitempty"`
}

// Validate reports whether the spec can be launched.
func (s Spec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidSpec)
	}
	if len(s.Argv) == 0 || s.Argv[0] == "" {
		return fmt.Errorf("%w: %s has no argv", ErrInvalidSpec, s.Name)
	}
	return nil
}

// Command expands the argv template for the given connection file.
func (s Spec) Command(connectionFile string) []string {
	argv := make([]string, len(s.Argv))
	for i, arg := range s.Argv {
		arg = strings.ReplaceAll(arg, PlaceholderConnectionFile, connectionFile)
		arg = strings.ReplaceAll(arg, PlaceholderResourceDir, s.ResourceDir)
		argv[i] = arg
	}
	return argv
}

// Environ overlays the spec environment on base. Keys from the spec win.
func (s Spec) Environ(base []string) []string {
	if len(s.Env) == 0 {
		return append([]string(nil), base...)
	}

	env := make([]string, 0, len(base)+len(s.Env))
	for _, kv := range base {
		k, _, _ := strings.Cut(kv, "=")
		if _, override := s.Env[k]; override {
			continue
		}
		env = append(env, kv)
	}

	keys := make([]string, 0, len(s.Env))
	for k := range s.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+s.Env[k])
	}
	return env
}

// Specs maps kernel names to specs.
type Specs map[string]Spec

// Names returns the kernel names in sorted order.
func (s Specs) Names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Load reads a kernel.json file. The spec name defaults to the parent
// directory name.
func Load(path string) (Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Spec{}, fmt.Errorf("read kernel spec %s: %w", path, err)
	}

	var spec Spec
	if err := json.Unmarshal(data, &spec); err != nil {
		return Spec{}, &ParseError{Path: path, Err: err}
	}

	dir := filepath.Dir(path)
	if spec.Name == "" {
		spec.Name = filepath.Base(dir)
	}
	if spec.ResourceDir == "" {
		spec.ResourceDir = dir
	}
	return spec, nil
}
