package grade

import "sort"

// Problem is the grading-relevant slice of a curriculum problem: a
// constraints template and its ordered test cases.
type Problem struct {
	ID          int64      `json:"id" yaml:"id" toml:"id"`
	Title       string     `json:"title" yaml:"title" toml:"title"`
	Constraints Overrides  `json:"constraints" yaml:"constraints" toml:"constraints"`
	TestCases   []TestCase `json:"test_cases" yaml:"test_cases" toml:"test_cases"`
}

// TestCase is one input/expected-output pair.
type TestCase struct {
	ProblemID      int64  `json:"problem_id" yaml:"-" toml:"-" db:"problem_id"`
	OrderIndex     int    `json:"order_index" yaml:"order_index" toml:"order_index" db:"order_index"`
	Input          string `json:"input" yaml:"input" toml:"input" db:"input"`
	ExpectedOutput string `json:"expected_output" yaml:"expected_output" toml:"expected_output" db:"expected_output"`
}

// SortTestCases orders cases by OrderIndex, keeping the given order for ties.
func SortTestCases(cases []TestCase) {
	sort.SliceStable(cases, func(i, j int) bool {
		return cases[i].OrderIndex < cases[j].OrderIndex
	})
}
