// Package language holds the registry of supported programming languages.
//
// Each Language names its container image, source file and the shell
// command templates used to build and run a submission. Registries are
// loaded from YAML or TOML files, from configuration, or from the built-in
// defaults.
package language

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

var (
	ErrNotFound = errors.New("language not found")
	ErrArchived = errors.New("language is archived")
)

// Language is immutable reference data describing how to build and run
// one language. CompileCmd may contain a single %s that receives the
// submission's compiler options.
type Language struct {
	ID          int     `json:"id" yaml:"id" toml:"id" mapstructure:"id"`
	Name        string  `json:"name" yaml:"name" toml:"name" mapstructure:"name"`
	SourceFile  string  `json:"source_file" yaml:"source_file" toml:"source_file" mapstructure:"source_file"`
	CompileCmd  string  `json:"compile_cmd,omitempty" yaml:"compile_cmd" toml:"compile_cmd" mapstructure:"compile_cmd"`
	RunCmd      string  `json:"run_cmd" yaml:"run_cmd" toml:"run_cmd" mapstructure:"run_cmd"`
	Image       string  `json:"image" yaml:"image" toml:"image" mapstructure:"image"`
	TimeLimit   float64 `json:"time_limit" yaml:"time_limit" toml:"time_limit" mapstructure:"time_limit"`
	MemoryLimit int     `json:"memory_limit" yaml:"memory_limit" toml:"memory_limit" mapstructure:"memory_limit"`
	IsArchived  bool    `json:"is_archived" yaml:"is_archived" toml:"is_archived" mapstructure:"is_archived"`
}

// SupportsCompilation reports whether the language has a build step.
func (l Language) SupportsCompilation() bool {
	return strings.TrimSpace(l.CompileCmd) != ""
}

// CompileCommand renders the build command with the given options.
func (l Language) CompileCommand(options string) string {
	if !strings.Contains(l.CompileCmd, "%s") {
		return l.CompileCmd
	}
	return strings.Join(strings.Fields(strings.Replace(l.CompileCmd, "%s", options, 1)), " ")
}

// RunCommand renders the run command followed by the given arguments.
func (l Language) RunCommand(args string) string {
	args = strings.TrimSpace(args)
	if args == "" {
		return l.RunCmd
	}
	return l.RunCmd + " " + args
}

func (l Language) validate() error {
	switch {
	case l.ID <= 0:
		return fmt.Errorf("invalid language id: %d", l.ID)
	case l.Name == "":
		return fmt.Errorf("language %d: name is required", l.ID)
	case l.SourceFile == "" || strings.ContainsAny(l.SourceFile, `/\`):
		return fmt.Errorf("language %d: invalid source_file %q", l.ID, l.SourceFile)
	case l.RunCmd == "":
		return fmt.Errorf("language %d: run_cmd is required", l.ID)
	case l.Image == "":
		return fmt.Errorf("language %d: image is required", l.ID)
	case strings.Count(l.CompileCmd, "%s") > 1:
		return fmt.Errorf("language %d: compile_cmd may contain at most one %%s", l.ID)
	}
	return nil
}

// Registry is a read-only lookup of languages by id.
type Registry struct {
	byID    map[int]Language
	ordered []Language
}

// NewRegistry validates the given languages and indexes them by id.
func NewRegistry(langs []Language) (*Registry, error) {
	r := &Registry{byID: make(map[int]Language, len(langs))}
	for _, l := range langs {
		if err := l.validate(); err != nil {
			return nil, err
		}
		if _, dup := r.byID[l.ID]; dup {
			return nil, fmt.Errorf("duplicate language id: %d", l.ID)
		}
		r.byID[l.ID] = l
		r.ordered = append(r.ordered, l)
	}
	slices.SortFunc(r.ordered, func(a, b Language) int { return a.ID - b.ID })
	return r, nil
}

type languageFile struct {
	Languages []Language `yaml:"languages" toml:"languages"`
}

// Load reads a registry from a .yaml, .yml or .toml file.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read languages file: %w", err)
	}

	var f languageFile
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &f)
	case ".toml":
		err = toml.Unmarshal(data, &f)
	default:
		return nil, fmt.Errorf("unsupported languages file extension: %s", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse languages file: %w", err)
	}
	return NewRegistry(f.Languages)
}

// Get returns the language with the given id.
func (r *Registry) Get(id int) (Language, bool) {
	l, ok := r.byID[id]
	return l, ok
}

// Lookup returns a language usable for new submissions.
func (r *Registry) Lookup(id int) (Language, error) {
	l, ok := r.byID[id]
	if !ok {
		return Language{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if l.IsArchived {
		return Language{}, fmt.Errorf("%w: %s", ErrArchived, l.Name)
	}
	return l, nil
}

// All returns every language ordered by id.
func (r *Registry) All() []Language {
	return slices.Clone(r.ordered)
}

// Active returns the languages that accept new submissions.
func (r *Registry) Active() []Language {
	out := make([]Language, 0, len(r.ordered))
	for _, l := range r.ordered {
		if !l.IsArchived {
			out = append(out, l)
		}
	}
	return out
}
