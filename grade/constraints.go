package grade

import (
	"fmt"
	"math"
	"net/url"
	"regexp"
	"slices"

	"github.com/google/shlex"
)

// MaxOptionsLength bounds compiler options and command line arguments.
const MaxOptionsLength = 512

var optionsPattern = regexp.MustCompile(`^[a-zA-Z0-9\s.\-_=,:/]*$`)

// Constraints is the execution policy attached to exactly one grade.
// Times are seconds, sizes are kilobytes.
type Constraints struct {
	NumberOfRuns                         int     `json:"number_of_runs" yaml:"number_of_runs" toml:"number_of_runs" mapstructure:"number_of_runs"`
	CPUTimeLimit                         float64 `json:"cpu_time_limit" yaml:"cpu_time_limit" toml:"cpu_time_limit" mapstructure:"cpu_time_limit"`
	CPUExtraTime                         float64 `json:"cpu_extra_time" yaml:"cpu_extra_time" toml:"cpu_extra_time" mapstructure:"cpu_extra_time"`
	WallTimeLimit                        float64 `json:"wall_time_limit" yaml:"wall_time_limit" toml:"wall_time_limit" mapstructure:"wall_time_limit"`
	MemoryLimit                          int     `json:"memory_limit" yaml:"memory_limit" toml:"memory_limit" mapstructure:"memory_limit"`
	StackLimit                           int     `json:"stack_limit" yaml:"stack_limit" toml:"stack_limit" mapstructure:"stack_limit"`
	MaxProcessesAndOrThreads             int     `json:"max_processes_and_or_threads" yaml:"max_processes_and_or_threads" toml:"max_processes_and_or_threads" mapstructure:"max_processes_and_or_threads"`
	EnablePerProcessAndThreadTimeLimit   bool    `json:"enable_per_process_and_thread_time_limit" yaml:"enable_per_process_and_thread_time_limit" toml:"enable_per_process_and_thread_time_limit" mapstructure:"enable_per_process_and_thread_time_limit"`
	EnablePerProcessAndThreadMemoryLimit bool    `json:"enable_per_process_and_thread_memory_limit" yaml:"enable_per_process_and_thread_memory_limit" toml:"enable_per_process_and_thread_memory_limit" mapstructure:"enable_per_process_and_thread_memory_limit"`
	MaxFileSize                          int     `json:"max_file_size" yaml:"max_file_size" toml:"max_file_size" mapstructure:"max_file_size"`
	CompilerOptions                      string  `json:"compiler_options" yaml:"compiler_options" toml:"compiler_options" mapstructure:"compiler_options"`
	CommandLineArguments                 string  `json:"command_line_arguments" yaml:"command_line_arguments" toml:"command_line_arguments" mapstructure:"command_line_arguments"`
	RedirectStderrToStdout               bool    `json:"redirect_stderr_to_stdout" yaml:"redirect_stderr_to_stdout" toml:"redirect_stderr_to_stdout" mapstructure:"redirect_stderr_to_stdout"`
	CallbackURL                          string  `json:"callback_url" yaml:"callback_url" toml:"callback_url" mapstructure:"callback_url"`
	AdditionalFiles                      []byte  `json:"additional_files,omitempty" yaml:"-" toml:"-" mapstructure:"-"`
	EnableNetwork                        bool    `json:"enable_network" yaml:"enable_network" toml:"enable_network" mapstructure:"enable_network"`
}

// Overrides carries the caller-supplied subset of constraints. Nil fields
// keep the value of the base they are applied to.
type Overrides struct {
	NumberOfRuns                         *int     `json:"number_of_runs,omitempty" yaml:"number_of_runs,omitempty" toml:"number_of_runs,omitempty"`
	CPUTimeLimit                         *float64 `json:"cpu_time_limit,omitempty" yaml:"cpu_time_limit,omitempty" toml:"cpu_time_limit,omitempty"`
	CPUExtraTime                         *float64 `json:"cpu_extra_time,omitempty" yaml:"cpu_extra_time,omitempty" toml:"cpu_extra_time,omitempty"`
	WallTimeLimit                        *float64 `json:"wall_time_limit,omitempty" yaml:"wall_time_limit,omitempty" toml:"wall_time_limit,omitempty"`
	MemoryLimit                          *int     `json:"memory_limit,omitempty" yaml:"memory_limit,omitempty" toml:"memory_limit,omitempty"`
	StackLimit                           *int     `json:"stack_limit,omitempty" yaml:"stack_limit,omitempty" toml:"stack_limit,omitempty"`
	MaxProcessesAndOrThreads             *int     `json:"max_processes_and_or_threads,omitempty" yaml:"max_processes_and_or_threads,omitempty" toml:"max_processes_and_or_threads,omitempty"`
	EnablePerProcessAndThreadTimeLimit   *bool    `json:"enable_per_process_and_thread_time_limit,omitempty" yaml:"enable_per_process_and_thread_time_limit,omitempty" toml:"enable_per_process_and_thread_time_limit,omitempty"`
	EnablePerProcessAndThreadMemoryLimit *bool    `json:"enable_per_process_and_thread_memory_limit,omitempty" yaml:"enable_per_process_and_thread_memory_limit,omitempty" toml:"enable_per_process_and_thread_memory_limit,omitempty"`
	MaxFileSize                          *int     `json:"max_file_size,omitempty" yaml:"max_file_size,omitempty" toml:"max_file_size,omitempty"`
	CompilerOptions                      *string  `json:"compiler_options,omitempty" yaml:"compiler_options,omitempty" toml:"compiler_options,omitempty"`
	CommandLineArguments                 *string  `json:"command_line_arguments,omitempty" yaml:"command_line_arguments,omitempty" toml:"command_line_arguments,omitempty"`
	RedirectStderrToStdout               *bool    `json:"redirect_stderr_to_stdout,omitempty" yaml:"redirect_stderr_to_stdout,omitempty" toml:"redirect_stderr_to_stdout,omitempty"`
	CallbackURL                          *string  `json:"callback_url,omitempty" yaml:"callback_url,omitempty" toml:"callback_url,omitempty"`
	AdditionalFiles                      []byte   `json:"additional_files,omitempty" yaml:"additional_files,omitempty" toml:"additional_files,omitempty"`
	EnableNetwork                        *bool    `json:"enable_network,omitempty" yaml:"enable_network,omitempty" toml:"enable_network,omitempty"`
}

// Apply returns base with every non-nil override copied over it.
func (o *Overrides) Apply(base Constraints) Constraints {
	if o == nil {
		return base
	}
	c := base
	setIf(&c.NumberOfRuns, o.NumberOfRuns)
	setIf(&c.CPUTimeLimit, o.CPUTimeLimit)
	setIf(&c.CPUExtraTime, o.CPUExtraTime)
	setIf(&c.WallTimeLimit, o.WallTimeLimit)
	setIf(&c.MemoryLimit, o.MemoryLimit)
	setIf(&c.StackLimit, o.StackLimit)
	setIf(&c.MaxProcessesAndOrThreads, o.MaxProcessesAndOrThreads)
	setIf(&c.EnablePerProcessAndThreadTimeLimit, o.EnablePerProcessAndThreadTimeLimit)
	setIf(&c.EnablePerProcessAndThreadMemoryLimit, o.EnablePerProcessAndThreadMemoryLimit)
	setIf(&c.MaxFileSize, o.MaxFileSize)
	setIf(&c.CompilerOptions, o.CompilerOptions)
	setIf(&c.CommandLineArguments, o.CommandLineArguments)
	setIf(&c.RedirectStderrToStdout, o.RedirectStderrToStdout)
	setIf(&c.CallbackURL, o.CallbackURL)
	setIf(&c.EnableNetwork, o.EnableNetwork)
	if len(o.AdditionalFiles) > 0 {
		c.AdditionalFiles = o.AdditionalFiles
	}
	return c
}

func setIf[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

// Validate checks every field against the configured bounds and feature
// flags. The first violation is returned as a *ValidationError.
//
//nolint:gocyclo // one branch per field
func (c *Constraints) Validate(l Limits, f Features, languageID int) error {
	switch {
	case c.NumberOfRuns < 1 || c.NumberOfRuns > l.MaxNumberOfRuns:
		return outOfRange("number_of_runs", 1, l.MaxNumberOfRuns)
	case !inRange(c.CPUTimeLimit, 0, l.MaxCPUTimeLimit):
		return outOfRange("cpu_time_limit", 0, l.MaxCPUTimeLimit)
	case !inRange(c.CPUExtraTime, 0, l.MaxCPUExtraTime):
		return outOfRange("cpu_extra_time", 0, l.MaxCPUExtraTime)
	case !inRange(c.WallTimeLimit, 1, l.MaxWallTimeLimit):
		return outOfRange("wall_time_limit", 1, l.MaxWallTimeLimit)
	case c.MemoryLimit < MinMemoryLimit || c.MemoryLimit > l.MaxMemoryLimit:
		return outOfRange("memory_limit", MinMemoryLimit, l.MaxMemoryLimit)
	case c.StackLimit < 0 || c.StackLimit > l.MaxStackLimit:
		return outOfRange("stack_limit", 0, l.MaxStackLimit)
	case c.MaxProcessesAndOrThreads < 1 || c.MaxProcessesAndOrThreads > l.MaxMaxProcessesAndOrThreads:
		return outOfRange("max_processes_and_or_threads", 1, l.MaxMaxProcessesAndOrThreads)
	case c.MaxFileSize < 0 || c.MaxFileSize > l.MaxMaxFileSize:
		return outOfRange("max_file_size", 0, l.MaxMaxFileSize)
	}

	if c.EnablePerProcessAndThreadTimeLimit && !f.AllowEnablePerProcessAndThreadTimeLimit {
		return &ValidationError{Field: "enable_per_process_and_thread_time_limit", Reason: "is not allowed"}
	}
	if c.EnablePerProcessAndThreadMemoryLimit && !f.AllowEnablePerProcessAndThreadMemoryLimit {
		return &ValidationError{Field: "enable_per_process_and_thread_memory_limit", Reason: "is not allowed"}
	}

	if c.CompilerOptions != "" {
		if !f.EnableCompilerOptions {
			return &ValidationError{Field: "compiler_options", Reason: "setting compiler options is not enabled"}
		}
		if len(f.CompilerOptionsLanguages) > 0 && !slices.Contains(f.CompilerOptionsLanguages, languageID) {
			return &ValidationError{Field: "compiler_options", Reason: fmt.Sprintf("setting compiler options is not allowed for language %d", languageID)}
		}
		if err := validateOptions("compiler_options", c.CompilerOptions); err != nil {
			return err
		}
	}

	if c.CommandLineArguments != "" {
		if !f.EnableCommandLineArguments {
			return &ValidationError{Field: "command_line_arguments", Reason: "setting command line arguments is not enabled"}
		}
		if err := validateOptions("command_line_arguments", c.CommandLineArguments); err != nil {
			return err
		}
	}

	if c.CallbackURL != "" {
		if !f.EnableCallbacks {
			return &ValidationError{Field: "callback_url", Reason: "callbacks are not enabled"}
		}
		u, err := url.Parse(c.CallbackURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return &ValidationError{Field: "callback_url", Reason: "must be a valid http or https URL"}
		}
	}

	if len(c.AdditionalFiles) > 0 {
		if !f.EnableAdditionalFiles {
			return &ValidationError{Field: "additional_files", Reason: "additional files are not enabled"}
		}
		if l.MaxExtractSize > 0 && len(c.AdditionalFiles) > l.MaxExtractSize*1024 {
			return &ValidationError{Field: "additional_files", Reason: fmt.Sprintf("must not exceed %d KB", l.MaxExtractSize)}
		}
	}

	if c.EnableNetwork && !f.AllowEnableNetwork {
		return &ValidationError{Field: "enable_network", Reason: "enabling network is not allowed"}
	}

	return nil
}

// CPUCeiling is the CPU time a run may consume before it is killed.
func (c *Constraints) CPUCeiling() float64 {
	return c.CPUTimeLimit + c.CPUExtraTime
}

func validateOptions(field, value string) error {
	if len(value) > MaxOptionsLength {
		return &ValidationError{Field: field, Reason: fmt.Sprintf("must not exceed %d characters", MaxOptionsLength)}
	}
	if !optionsPattern.MatchString(value) {
		return &ValidationError{Field: field, Reason: "contains forbidden characters"}
	}
	if _, err := shlex.Split(value); err != nil {
		return &ValidationError{Field: field, Reason: "cannot be tokenized"}
	}
	return nil
}

func inRange(v, lo, hi float64) bool {
	return !math.IsNaN(v) && v >= lo && v <= hi
}

func outOfRange[T int | float64](field string, lo, hi T) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf("must be between %v and %v", lo, hi)}
}
