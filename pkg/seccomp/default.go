package seccomp

// The allowlist covers what user projects legitimately do inside their
// containers: Node, Python and JVM runtimes, package managers spawning
// child processes (npm, pip, mvn), and servers accepting connections.
// Kernel-surface syscalls that enable container escapes stay blocked.

func baseSyscalls(b *ProfileBuilder) *ProfileBuilder {
	return b.
		AllowSyscalls(
			"read", "write", "readv", "writev", "pread64", "pwrite64",
			"open", "openat", "openat2", "close", "lseek",
			"stat", "fstat", "lstat", "newfstatat", "statx",
			"access", "faccessat", "faccessat2",
			"getdents64", "readlink", "readlinkat",
			"dup", "dup2", "dup3", "pipe", "pipe2",
			"fcntl", "poll", "ppoll", "select", "pselect6",
		).
		AllowSyscalls(
			"mmap", "munmap", "mprotect", "mremap", "brk",
			"madvise", "mlock", "munlock", "msync",
		).
		AllowSyscalls(
			"clone", "clone3", "fork", "vfork", "execve", "execveat",
			"wait4", "waitid", "exit", "exit_group",
			"kill", "tkill", "tgkill",
			"rt_sigaction", "rt_sigprocmask", "rt_sigreturn",
			"rt_sigpending", "rt_sigtimedwait", "rt_sigsuspend", "rt_sigqueueinfo",
			"sigaltstack", "signalfd4",
			"futex", "set_robust_list", "get_robust_list",
			"set_tid_address", "gettid",
			"sched_yield", "sched_getaffinity", "sched_setaffinity",
			"setpgid", "getpgid", "getpgrp", "setsid", "getsid",
		).
		AllowSyscalls(
			"socket", "socketpair", "connect", "bind", "listen",
			"accept", "accept4",
			"sendto", "recvfrom", "sendmsg", "recvmsg", "sendmmsg", "recvmmsg",
			"getsockopt", "setsockopt",
			"getsockname", "getpeername",
			"shutdown",
		).
		AllowSyscalls(
			"clock_gettime", "clock_getres",
			"gettimeofday",
			"nanosleep", "clock_nanosleep",
			"timer_create", "timer_settime", "timer_gettime", "timer_delete",
			"timerfd_create", "timerfd_settime", "timerfd_gettime",
		).
		AllowSyscalls(
			"getpid", "getppid",
			"getuid", "geteuid",
			"getgid", "getegid",
			"getgroups", "setgroups",
			"setuid", "setgid",
			"uname",
			"getcwd",
		).
		AllowSyscalls(
			"epoll_create", "epoll_create1", "epoll_ctl", "epoll_wait", "epoll_pwait",
			"eventfd", "eventfd2",
			"inotify_init", "inotify_init1", "inotify_add_watch", "inotify_rm_watch",
		).
		AllowSyscalls(
			"getrandom",
			"arch_prctl",
			"prctl",
			"ioctl",
			"sysinfo",
			"getrlimit", "setrlimit", "prlimit64",
			"getrusage",
			"umask",
			"chown", "fchown", "fchownat", "lchown",
			"chmod", "fchmod", "fchmodat",
			"chdir", "fchdir",
			"rename", "renameat", "renameat2",
			"unlink", "unlinkat",
			"mkdir", "mkdirat",
			"rmdir",
			"symlink", "symlinkat",
			"link", "linkat",
			"truncate", "ftruncate",
			"fallocate",
			"fsync", "fdatasync", "sync", "syncfs",
			"flock",
			"utime", "utimes", "utimensat", "futimesat",
			"statfs", "fstatfs",
			"memfd_create",
			"copy_file_range", "sendfile",
			"getxattr", "lgetxattr", "fgetxattr",
			"setxattr", "lsetxattr", "fsetxattr",
			"listxattr", "llistxattr", "flistxattr",
		)
}

func dangerousSyscalls(b *ProfileBuilder) *ProfileBuilder {
	return b.
		TrapSyscalls(
			"ptrace",
			"process_vm_readv", "process_vm_writev",
			"keyctl",
			"add_key", "request_key",
			"bpf",
			"perf_event_open",
			"userfaultfd",
			"kexec_load", "kexec_file_load",
			"finit_module", "init_module", "delete_module",
		).
		BlockSyscalls(
			"mount", "umount2", "pivot_root",
			"reboot",
			"swapon", "swapoff",
			"sethostname", "setdomainname",
			"setns", "unshare",
			"acct",
			"settimeofday", "adjtimex", "clock_adjtime",
			"nfsservctl",
			"personality",
			"lookup_dcookie",
			"ioperm", "iopl",
		)
}

// ProjectProfile is the filter applied to every project container. It
// includes network and process-spawning syscalls because dependency
// installs and web servers need them.
func ProjectProfile() *ProfileBuilder {
	b := NewBuilder()
	b = baseSyscalls(b)
	return dangerousSyscalls(b)
}

// ProjectSecurityOpt renders the project profile for Docker.
func ProjectSecurityOpt() (string, error) {
	return SecurityOpt(ProjectProfile().Build())
}
