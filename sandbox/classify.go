package sandbox

import (
	"fmt"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/isdmx/codegrader/grade"
)

// Exit status conventions of the run wrapper.
const (
	exitTimeout    = 124
	exitSignalBase = 128
)

// runOutcome is the raw observation of one run before classification.
type runOutcome struct {
	ExitCode  int
	CPUTime   float64
	WallTime  float64
	Stdout    string
	Truncated bool
	// OutputBytes is the size of the larger output file.
	OutputBytes int64
	// Killed is set when the runtime had to abandon the run after the
	// wrapper failed to stop it.
	Killed bool
	// OOMKilled is set when the memory cgroup killed a process during the
	// run.
	OOMKilled bool
	// Filtered is set when the seccomp profile kills offending processes.
	Filtered bool
	// Tampered is set when an output file was replaced by something other
	// than a regular file.
	Tampered bool
}

// classify maps a finished run to a verdict. The returned signal is nil
// unless the program died from one.
//
// An exit status alone never proves a limit was hit: a program may exit
// with 124 or raise SIGKILL itself. Each limit verdict needs a matching
// measurement, otherwise the run is a runtime error.
func classify(o runOutcome, c grade.Constraints, expected string) (grade.Status, *int, string) {
	if o.Tampered {
		return grade.StatusSecurityViolation, nil, "Output file was replaced"
	}
	if o.Killed {
		return grade.StatusTimeLimitExceeded, nil, "Time limit exceeded"
	}
	if o.ExitCode == exitTimeout && c.WallTimeLimit > 0 && o.WallTime >= c.WallTimeLimit {
		return grade.StatusTimeLimitExceeded, nil, "Time limit exceeded"
	}
	if o.OOMKilled && o.ExitCode != 0 {
		var signal *int
		if o.ExitCode > exitSignalBase {
			sig := o.ExitCode - exitSignalBase
			signal = &sig
		}
		return grade.StatusMemoryLimitExceeded, signal, "Memory limit exceeded"
	}

	if o.ExitCode > exitSignalBase {
		sig := o.ExitCode - exitSignalBase
		switch syscall.Signal(sig) {
		case syscall.SIGXCPU:
			if o.CPUTime >= c.CPUTimeLimit {
				return grade.StatusTimeLimitExceeded, &sig, "Time limit exceeded"
			}
		case syscall.SIGXFSZ:
			if o.OutputBytes >= int64(c.MaxFileSize)*1024 {
				return grade.StatusOutputLimitExceeded, &sig, "Output limit exceeded"
			}
		case syscall.SIGSYS:
			if o.Filtered {
				return grade.StatusSecurityViolation, &sig, "Forbidden system call"
			}
		}
		return grade.StatusRuntimeError, &sig, fmt.Sprintf("Exited with signal %d (%s)", sig, signalName(sig))
	}

	if o.Truncated {
		return grade.StatusOutputLimitExceeded, nil, "Output limit exceeded"
	}

	if o.ExitCode != 0 {
		return grade.StatusRuntimeError, nil, fmt.Sprintf("Exited with error status %d", o.ExitCode)
	}

	if (c.CPUTimeLimit > 0 && o.CPUTime > c.CPUTimeLimit) || (c.WallTimeLimit > 0 && o.WallTime > c.WallTimeLimit) {
		return grade.StatusTimeLimitExceeded, nil, "Time limit exceeded"
	}

	return CompareOutput(o.Stdout, expected), nil, ""
}

func signalName(sig int) string {
	if name := unix.SignalName(syscall.Signal(sig)); name != "" {
		return name
	}
	return "UNKNOWN"
}

// CompareOutput judges program output against the expected output. Trailing
// whitespace on each line and trailing blank lines are ignored; output that
// only differs in other whitespace is a presentation error. An empty
// expected output accepts anything.
func CompareOutput(actual, expected string) grade.Status {
	if expected == "" {
		return grade.StatusAccepted
	}
	if normalizeOutput(actual) == normalizeOutput(expected) {
		return grade.StatusAccepted
	}
	if strings.Join(strings.Fields(actual), " ") == strings.Join(strings.Fields(expected), " ") {
		return grade.StatusPresentationError
	}
	return grade.StatusWrongAnswer
}

func normalizeOutput(s string) string {
	lines := strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t\r")
	}
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return strings.Join(lines, "\n")
}
