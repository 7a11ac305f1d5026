package grade

import "fmt"

// MinMemoryLimit is the smallest memory limit in KB a grade may request.
const MinMemoryLimit = 2048

// Limits holds the upper bounds enforced on constraints and the defaults
// applied when neither the problem nor the caller sets a value.
type Limits struct {
	MaxNumberOfRuns             int     `mapstructure:"max_number_of_runs"`
	MaxCPUTimeLimit             float64 `mapstructure:"max_cpu_time_limit"`
	MaxCPUExtraTime             float64 `mapstructure:"max_cpu_extra_time"`
	MaxWallTimeLimit            float64 `mapstructure:"max_wall_time_limit"`
	MaxMemoryLimit              int     `mapstructure:"max_memory_limit"`
	MaxStackLimit               int     `mapstructure:"max_stack_limit"`
	MaxMaxProcessesAndOrThreads int     `mapstructure:"max_max_processes_and_or_threads"`
	MaxMaxFileSize              int     `mapstructure:"max_max_file_size"`
	MaxExtractSize              int     `mapstructure:"max_extract_size"`

	Defaults Constraints `mapstructure:"defaults"`
}

// Features toggles optional submission capabilities.
type Features struct {
	EnableCompilerOptions                     bool  `mapstructure:"enable_compiler_options"`
	EnableCommandLineArguments                bool  `mapstructure:"enable_command_line_arguments"`
	EnableCallbacks                           bool  `mapstructure:"enable_callbacks"`
	EnableAdditionalFiles                     bool  `mapstructure:"enable_additional_files"`
	AllowEnableNetwork                        bool  `mapstructure:"allow_enable_network"`
	AllowEnablePerProcessAndThreadTimeLimit   bool  `mapstructure:"allow_enable_per_process_and_thread_time_limit"`
	AllowEnablePerProcessAndThreadMemoryLimit bool  `mapstructure:"allow_enable_per_process_and_thread_memory_limit"`
	CompilerOptionsLanguages                  []int `mapstructure:"compiler_options_languages"`
}

// DefaultLimits returns the stock bounds.
func DefaultLimits() Limits {
	return Limits{
		MaxNumberOfRuns:             20,
		MaxCPUTimeLimit:             15,
		MaxCPUExtraTime:             5,
		MaxWallTimeLimit:            20,
		MaxMemoryLimit:              512000,
		MaxStackLimit:               128000,
		MaxMaxProcessesAndOrThreads: 120,
		MaxMaxFileSize:              4096,
		MaxExtractSize:              10240,
		Defaults: Constraints{
			NumberOfRuns:             1,
			CPUTimeLimit:             5,
			CPUExtraTime:             1,
			WallTimeLimit:            10,
			MemoryLimit:              128000,
			StackLimit:               64000,
			MaxProcessesAndOrThreads: 60,
			MaxFileSize:              1024,
		},
	}
}

// DefaultFeatures returns the stock feature flags.
func DefaultFeatures() Features {
	return Features{
		EnableCompilerOptions:      true,
		EnableCommandLineArguments: true,
		EnableCallbacks:            true,
		EnableAdditionalFiles:      true,
		AllowEnableNetwork:         true,
	}
}

// ValidationError names the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}
