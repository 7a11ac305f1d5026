package sandbox

import (
	"encoding/json"
	"fmt"
	"slices"
)

// Seccomp actions understood by docker and podman.
const (
	SeccompActAllow       = "SCMP_ACT_ALLOW"
	SeccompActErrno       = "SCMP_ACT_ERRNO"
	SeccompActKillProcess = "SCMP_ACT_KILL_PROCESS"
)

type seccompProfile struct {
	DefaultAction string        `json:"defaultAction"`
	Syscalls      []seccompRule `json:"syscalls"`
}

type seccompRule struct {
	Names  []string `json:"names"`
	Action string   `json:"action"`
}

// DefaultAllowedSyscalls covers compilers and language runtimes commonly
// used for judging while leaving out mount, ptrace, kernel module, clock
// and namespace manipulation.
var DefaultAllowedSyscalls = []string{
	"access", "arch_prctl", "brk", "capget", "chdir", "chmod", "clock_getres",
	"clock_gettime", "clock_nanosleep", "clone", "clone3", "close", "close_range",
	"copy_file_range", "dup", "dup2", "dup3", "epoll_create", "epoll_create1",
	"epoll_ctl", "epoll_pwait", "epoll_wait", "eventfd", "eventfd2", "execve",
	"execveat", "exit", "exit_group", "faccessat", "faccessat2", "fadvise64",
	"fallocate", "fchdir", "fchmod", "fchmodat", "fcntl", "fdatasync", "flock",
	"fork", "fstat", "fstatfs", "fsync", "ftruncate", "futex", "getcwd",
	"getdents", "getdents64", "getegid", "geteuid", "getgid", "getgroups",
	"getitimer", "getpgid", "getpgrp", "getpid", "getppid", "getpriority",
	"getrandom", "getresgid", "getresuid", "getrlimit", "getrusage", "getsid",
	"gettid", "gettimeofday", "getuid", "getxattr", "ioctl", "kill", "lgetxattr",
	"link", "linkat", "lseek", "lstat", "madvise", "membarrier", "memfd_create",
	"mincore", "mkdir", "mkdirat", "mlock", "mmap", "mprotect", "mremap",
	"msync", "munlock", "munmap", "nanosleep", "newfstatat", "open", "openat",
	"openat2", "pipe", "pipe2", "poll", "ppoll", "prctl", "pread64", "preadv",
	"preadv2", "prlimit64", "pselect6", "pwrite64", "pwritev", "pwritev2", "read",
	"readlink", "readlinkat", "readv", "rename", "renameat", "renameat2",
	"restart_syscall", "rmdir", "rseq", "rt_sigaction", "rt_sigpending",
	"rt_sigprocmask", "rt_sigqueueinfo", "rt_sigreturn", "rt_sigsuspend",
	"rt_sigtimedwait", "sched_getaffinity", "sched_getparam",
	"sched_get_priority_max", "sched_get_priority_min", "sched_getscheduler",
	"sched_setaffinity", "sched_yield", "select", "set_robust_list",
	"set_tid_address", "setitimer", "setpgid", "setrlimit", "setsid",
	"sigaltstack", "stat", "statfs", "statx", "symlink", "symlinkat", "sysinfo",
	"tgkill", "time", "timer_create", "timer_delete", "timer_getoverrun",
	"timer_gettime", "timer_settime", "timerfd_create", "timerfd_gettime",
	"timerfd_settime", "times", "tkill", "truncate", "umask", "uname", "unlink",
	"unlinkat", "utime", "utimensat", "utimes", "vfork", "wait4", "waitid",
	"write", "writev",
}

// SeccompProfile renders an allow-list profile. Syscalls outside the list
// get defaultAction; SCMP_ACT_KILL_PROCESS makes violations visible as
// SIGSYS. An empty list returns nil, leaving the runtime's own default.
func SeccompProfile(allowed []string, defaultAction string) ([]byte, error) {
	if len(allowed) == 0 {
		return nil, nil
	}
	switch defaultAction {
	case "":
		defaultAction = SeccompActErrno
	case SeccompActErrno, SeccompActKillProcess:
	default:
		return nil, fmt.Errorf("invalid seccomp default action: %s", defaultAction)
	}

	names := slices.Clone(allowed)
	slices.Sort(names)
	names = slices.Compact(names)

	return json.Marshal(seccompProfile{
		DefaultAction: defaultAction,
		Syscalls:      []seccompRule{{Names: names, Action: SeccompActAllow}},
	})
}
