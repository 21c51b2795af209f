package validator

// Default rule sets. The whitelist is deliberately permissive for developer
// UX: the unit is already isolated, so it only needs to cover commands an
// agent plausibly runs. The blacklist covers operations that could harm the
// host, escape the unit, or exfiltrate data, and always wins.

// DefaultAllowedCommands is the default allow-set for the first token of
// each pipeline segment.
var DefaultAllowedCommands = []string{
	// Text processing
	"jq", "awk", "grep", "sed", "sort", "uniq", "head", "tail", "wc",
	"cut", "tr", "cat", "echo", "printf", "tee", "comm", "diff", "patch",
	"column", "expand", "unexpand", "fold", "fmt", "nl", "paste", "split",
	"strings", "tac", "rev", "shuf", "join",

	// File operations
	"ls", "find", "which", "file", "stat", "basename", "dirname",
	"realpath", "readlink", "mkdir", "rmdir", "touch", "cp", "mv", "rm",
	"ln", "du", "df", "tree",

	// Compression and archives
	"tar", "gzip", "gunzip", "bzip2", "bunzip2", "xz", "unxz", "zip",
	"unzip", "zcat", "zgrep",

	// Navigation and environment
	"cd", "pwd", "env", "printenv", "export", "unset", "whoami", "id",
	"groups", "date", "uname", "hostname",

	// Programming and execution
	"python3", "python", "pip", "pip3", "node", "npm", "npx", "ruby",
	"perl", "php", "java", "javac", "gcc", "g++", "make", "cargo",
	"rustc", "go", "bash", "sh", "bc", "expr", "test", "[", "true",
	"false", "yes", "seq", "sleep", "time", "timeout", "xargs",

	// Version control
	"git",

	// Data tools
	"sqlite3",

	// Checksums and encodings
	"md5sum", "sha1sum", "sha256sum", "sha512sum", "base64", "hexdump",
	"xxd", "od",

	// Process info (limited effect inside the unit)
	"ps", "kill", "pkill", "pgrep", "free",
}

// forbiddenRule pairs a rule identifier with its word-boundary-anchored,
// case-insensitive pattern. The whole raw command string is tested; a match
// invalidates the command even if every segment token is whitelisted.
type forbiddenRule struct {
	Name    string
	Pattern string
}

// DefaultForbiddenRules is the default blacklist.
var DefaultForbiddenRules = []forbiddenRule{
	// Destructive absolute-path deletes. Relative rm stays allowed; wiping
	// from the filesystem root (including the workspace mount) does not.
	{"rm_absolute_path", `\brm\s+(?:-+[a-z]+\s+)*-+[a-z]*r[a-z]*(?:\s+-+[a-z]+)*\s+/`},

	// Network access (data exfiltration)
	{"net_curl", `\bcurl\b`},
	{"net_wget", `\bwget\b`},
	{"net_fetch", `\bfetch\b`},
	{"net_nc", `\bnc\b`},
	{"net_netcat", `\bnetcat\b`},
	{"net_socat", `\bsocat\b`},
	{"net_ssh", `\bssh\b`},
	{"net_scp", `\bscp\b`},
	{"net_sftp", `\bsftp\b`},
	{"net_rsync", `\brsync\b`},
	{"net_ftp", `\bftp\b`},
	{"net_telnet", `\btelnet\b`},
	{"net_ping", `\bping\b`},
	{"net_dig", `\bdig\b`},
	{"net_nslookup", `\bnslookup\b`},
	{"net_traceroute", `\btraceroute\b`},
	{"net_ifconfig", `\bifconfig\b`},
	{"net_netstat", `\bnetstat\b`},

	// Privilege escalation
	{"priv_sudo", `\bsudo\b`},
	{"priv_su", `\bsu\b`},
	{"priv_doas", `\bdoas\b`},
	{"priv_pkexec", `\bpkexec\b`},

	// Disk operations
	{"disk_dd", `\bdd\b`},
	{"disk_fdisk", `\bfdisk\b`},
	{"disk_parted", `\bparted\b`},
	{"disk_mkfs", `\bmkfs\b`},
	{"disk_mount", `\bmount\b`},
	{"disk_umount", `\bumount\b`},
	{"disk_losetup", `\blosetup\b`},

	// Kernel and system modification
	{"sys_modprobe", `\bmodprobe\b`},
	{"sys_insmod", `\binsmod\b`},
	{"sys_sysctl", `\bsysctl\b`},
	{"sys_reboot", `\breboot\b`},
	{"sys_shutdown", `\bshutdown\b`},
	{"sys_poweroff", `\bpoweroff\b`},
	{"sys_systemctl", `\bsystemctl\b`},

	// Container escape attempts
	{"escape_docker", `\bdocker\b`},
	{"escape_kubectl", `\bkubectl\b`},
	{"escape_podman", `\bpodman\b`},
	{"escape_runc", `\brunc\b`},
	{"escape_nsenter", `\bnsenter\b`},
	{"escape_chroot", `\bchroot\b`},
	{"escape_unshare", `\bunshare\b`},

	// Persistence
	{"persist_crontab", `\bcrontab\b`},
	{"persist_at", `\bat\b`},
}
