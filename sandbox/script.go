package sandbox

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/isdmx/codegrader/grade"
	"github.com/isdmx/codegrader/language"
)

// scriptOptions tunes the generated shell scripts to the runtime.
type scriptOptions struct {
	CompileTimeoutSec int
	// LimitAddressSpace applies ulimit -v; used where no memory cgroup exists.
	LimitAddressSpace bool
	// Contained marks a runtime whose sandbox user owns nothing but the
	// submission, so the wrapper may kill every process of that user and
	// read the container's memory cgroup.
	Contained bool
}

// Both wrappers are invoked as sh <script> <box dir> <io dir>, with
// absolute paths.

// compileScripts returns build.sh (the bare command) and compile.sh (the
// wrapper that enforces the compile timeout and captures output).
func compileScripts(lang language.Language, c grade.Constraints, opts scriptOptions) (build, wrapper string) {
	build = "#!/bin/sh\n" + lang.CompileCommand(c.CompilerOptions) + "\n"

	var b strings.Builder
	b.WriteString("#!/bin/sh\n")
	b.WriteString("judge=$(dirname \"$0\")\n")
	b.WriteString("cd \"$1\" || exit 1\n")
	fmt.Fprintf(&b, "timeout %d sh \"$judge/%s\" > \"$2/%s\" 2>&1\n", opts.CompileTimeoutSec, buildScript, compileOutputFile)
	return build, b.String()
}

const (
	cgroupPeak   = "/sys/fs/cgroup/memory.peak"
	cgroupV1Peak = "/sys/fs/cgroup/memory/memory.max_usage_in_bytes"
	cgroupEvents = "/sys/fs/cgroup/memory.events"
)

// runScripts returns cmd.sh (the program invocation) and run.sh (the
// wrapper applying limits, redirections and measurement).
//
//nolint:funlen // one line per wrapper step
func runScripts(lang language.Language, c grade.Constraints, opts scriptOptions) (cmd, wrapper string) {
	invocation := lang.RunCommand(c.CommandLineArguments)
	if !strings.ContainsAny(invocation, "&;|") {
		invocation = "exec " + invocation
	}
	cmd = "#!/bin/sh\n" + invocation + "\n"

	var b strings.Builder
	b.WriteString("#!/bin/sh\n")
	b.WriteString("judge=$(dirname \"$0\")\n")
	b.WriteString("io=\"$2\"\n")
	b.WriteString("cd \"$1\" || exit 1\n")
	b.WriteString("export HOME=\"$io\" TMPDIR=\"$io/tmp\"\n")
	b.WriteString("mkdir -p \"$TMPDIR\"\n")
	if opts.Contained {
		// Nothing from an earlier run may survive into this one.
		b.WriteString("kill -9 -1 2>/dev/null\n")
		b.WriteString("rm -rf /tmp/* /tmp/.[!.]* 2>/dev/null\n")
		b.WriteString(memoryProbe("mem_before"))
		b.WriteString(oomProbe("oom_before"))
	}

	// ulimit -f counts 512-byte blocks in POSIX shells.
	fmt.Fprintf(&b, "ulimit -f %d 2>/dev/null\n", max(c.MaxFileSize, 1)*2)
	if c.StackLimit > 0 {
		fmt.Fprintf(&b, "ulimit -s %d 2>/dev/null\n", c.StackLimit)
	}
	fmt.Fprintf(&b, "ulimit -t %d 2>/dev/null\n", cpuCeilingSeconds(c))
	if opts.LimitAddressSpace {
		fmt.Fprintf(&b, "ulimit -v %d 2>/dev/null\n", c.MemoryLimit)
	}

	stderrTarget := fmt.Sprintf("2> \"$io/%s\"", stderrFile)
	if c.RedirectStderrToStdout {
		stderrTarget = "2>&1"
	}
	fmt.Fprintf(&b, ": > \"$io/%s\"\n", stderrFile)
	fmt.Fprintf(&b, "timeout %s sh \"$judge/%s\" < \"$io/%s\" > \"$io/%s\" %s\n",
		formatSeconds(c.WallTimeLimit), commandScript, stdinFile, stdoutFile, stderrTarget)
	b.WriteString("status=$?\n")

	if opts.Contained {
		b.WriteString("kill -9 -1 2>/dev/null\n")
	}
	// The program may have planted links or fifos under these names.
	fmt.Fprintf(&b, "rm -f \"$io/%s\" \"$io/%s\" \"$io/%s\"\n", timesFile, memoryFile, oomFile)
	fmt.Fprintf(&b, "times > \"$io/%s\"\n", timesFile)
	if opts.Contained {
		b.WriteString(memoryProbe("mem_after"))
		b.WriteString(oomProbe("oom_after"))
		fmt.Fprintf(&b, "echo \"${mem_before:-0} ${mem_after:-0}\" > \"$io/%s\"\n", memoryFile)
		fmt.Fprintf(&b, "echo \"${oom_before:--} ${oom_after:--}\" > \"$io/%s\"\n", oomFile)
	}
	b.WriteString("exit $status\n")
	return cmd, b.String()
}

func memoryProbe(name string) string {
	return fmt.Sprintf("%s=$(cat %s 2>/dev/null || cat %s 2>/dev/null)\n", name, cgroupPeak, cgroupV1Peak)
}

func oomProbe(name string) string {
	return fmt.Sprintf("%s=$(sed -n 's/^oom_kill //p' %s 2>/dev/null)\n", name, cgroupEvents)
}

func cpuCeilingSeconds(c grade.Constraints) int {
	return max(int(math.Ceil(c.CPUCeiling())), 1)
}

func formatSeconds(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

var timesPattern = regexp.MustCompile(`(\d+)m\s*(\d+(?:\.\d+)?)s`)

// parseTimes extracts the children's user+system CPU seconds from the
// output of the shell builtin times.
func parseTimes(out string) (float64, bool) {
	matches := timesPattern.FindAllStringSubmatch(out, -1)
	if len(matches) < 4 {
		return 0, false
	}
	var total float64
	for _, m := range matches[2:4] {
		minutes, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return 0, false
		}
		seconds, err := strconv.ParseFloat(m[2], 64)
		if err != nil {
			return 0, false
		}
		total += minutes*60 + seconds
	}
	return total, true
}

// parseMemoryWindow reads the "before after" cgroup peaks written by the
// run wrapper. The peak is cumulative for the container, so a run only has
// its own figure when it raised the peak; the result is then in kilobytes.
func parseMemoryWindow(out string) (int64, bool) {
	fields := strings.Fields(out)
	if len(fields) != 2 {
		return 0, false
	}
	before, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return 0, false
	}
	after, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil || after <= 0 || after <= before {
		return 0, false
	}
	return after / 1024, true
}

// parseOOMWindow reads the "before after" oom_kill counters written by the
// run wrapper. known is false when the cgroup did not expose them.
func parseOOMWindow(out string) (killed, known bool) {
	fields := strings.Fields(out)
	if len(fields) != 2 {
		return false, false
	}
	before, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return false, false
	}
	after, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return false, false
	}
	return after > before, true
}
