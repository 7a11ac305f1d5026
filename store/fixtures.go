package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/isdmx/codegrader/grade"
)

type problemFile struct {
	Problems []grade.Problem `yaml:"problems" toml:"problems"`
}

// LoadProblems reads problem fixtures from a .yaml, .yml or .toml file.
func LoadProblems(path string) ([]grade.Problem, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read problems file: %w", err)
	}

	var f problemFile
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &f)
	case ".toml":
		err = toml.Unmarshal(data, &f)
	default:
		return nil, fmt.Errorf("unsupported problems file extension: %s", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse problems file: %w", err)
	}

	seen := make(map[int64]bool, len(f.Problems))
	for i := range f.Problems {
		p := &f.Problems[i]
		if p.ID <= 0 {
			return nil, fmt.Errorf("problem %d: id must be positive", i)
		}
		if seen[p.ID] {
			return nil, fmt.Errorf("duplicate problem id: %d", p.ID)
		}
		seen[p.ID] = true
		for j := range p.TestCases {
			p.TestCases[j].ProblemID = p.ID
		}
		grade.SortTestCases(p.TestCases)
	}
	return f.Problems, nil
}

// Seed writes every problem into the store.
func Seed(ctx context.Context, s ProblemStore, problems []grade.Problem) error {
	for i := range problems {
		if err := s.PutProblem(ctx, &problems[i]); err != nil {
			return err
		}
	}
	return nil
}
