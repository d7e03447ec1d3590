// Package shellcmd builds POSIX shell commands for remote file operations and
// parses their output.
//
// Everything here is pure: no I/O, no clocks except where a caller passes one
// in. It backs the shell file backend used for devices that have a shell but
// no SFTP subsystem (BusyBox routers, appliances, minimal containers).
//
// Every path that ends up in a command goes through [EscapeShellPath]. The
// builders never concatenate a raw path fragment.
package shellcmd

import (
	"fmt"
	"os"
	"strings"
)

// lsPrefix pins the locale so month names are always the English
// abbreviations ParseLsDate understands.
const lsPrefix = "LC_ALL=C "

// EscapeShellPath wraps p in single quotes. Each embedded single quote
// closes the quoting, adds an escaped quote and reopens it:
//
//	it's -> 'it'\''s'
func EscapeShellPath(p string) string {
	return "'" + strings.ReplaceAll(p, "'", `'\''`) + "'"
}

// BuildListCommand lists a directory. With showHidden, -A lists every dotfile
// except "." and "..". Without it the plain -la listing is used and the caller
// drops hidden rows; "." and ".." are always removed by the parser.
func BuildListCommand(path string, showHidden bool) string {
	if showHidden {
		return lsPrefix + "ls -laA " + EscapeShellPath(path)
	}
	return lsPrefix + "ls -la " + EscapeShellPath(path)
}

// BuildStatCommand describes a single path. -d keeps ls from listing the
// contents when path is a directory.
func BuildStatCommand(path string) string {
	return lsPrefix + "ls -lad " + EscapeShellPath(path)
}

// BuildStatFollowCommand describes the file a path resolves to, following
// symlinks, so the reported size is the target's.
func BuildStatFollowCommand(path string) string {
	return lsPrefix + "ls -ladL " + EscapeShellPath(path)
}

// BuildHomeCommand prints the remote home directory. The tilde is left
// unquoted so the remote shell expands it.
func BuildHomeCommand() string {
	return "echo ~"
}

// ResolveHomePath extracts the home directory from BuildHomeCommand output.
func ResolveHomePath(stdout string) string {
	return strings.TrimSpace(stdout)
}

// BuildMkdirCommand creates a single directory with the given mode.
func BuildMkdirCommand(path string, mode os.FileMode) string {
	return fmt.Sprintf("mkdir -m %o %s", mode.Perm(), EscapeShellPath(path))
}

// BuildRemoveFileCommand removes a file or symlink.
func BuildRemoveFileCommand(path string) string {
	return "rm -f " + EscapeShellPath(path)
}

// BuildRemoveDirCommand removes an empty directory.
func BuildRemoveDirCommand(path string) string {
	return "rmdir " + EscapeShellPath(path)
}

// BuildRemoveTreeCommand removes a directory and everything below it.
func BuildRemoveTreeCommand(path string) string {
	return "rm -rf " + EscapeShellPath(path)
}

// BuildTruncateCommand creates path or truncates it to zero length.
func BuildTruncateCommand(path string) string {
	return ": > " + EscapeShellPath(path)
}

// BuildAppendCommand appends stdin to path.
func BuildAppendCommand(path string) string {
	return "cat >> " + EscapeShellPath(path)
}

// BuildReadCommand writes the contents of path to stdout.
func BuildReadCommand(path string) string {
	return "cat " + EscapeShellPath(path)
}

// BuildExistsCommand exits 0 when path exists.
func BuildExistsCommand(path string) string {
	return "test -e " + EscapeShellPath(path)
}

// StderrKind is the classification of a failed command's stderr.
type StderrKind string

const (
	StderrUnknown       StderrKind = ""
	StderrNotFound      StderrKind = "not-found"
	StderrPermission    StderrKind = "permission-denied"
	StderrExists        StderrKind = "already-exists"
	StderrNotADirectory StderrKind = "not-a-directory"
	StderrIsADirectory  StderrKind = "is-a-directory"
	StderrNotEmpty      StderrKind = "not-empty"
)

// ClassifyStderr maps the usual coreutils/BusyBox/BSD error texts to a kind.
func ClassifyStderr(stderr string) StderrKind {
	s := strings.ToLower(stderr)
	switch {
	case strings.Contains(s, "no such file or directory"):
		return StderrNotFound
	case strings.Contains(s, "permission denied"), strings.Contains(s, "operation not permitted"):
		return StderrPermission
	case strings.Contains(s, "file exists"):
		return StderrExists
	case strings.Contains(s, "not a directory"):
		return StderrNotADirectory
	case strings.Contains(s, "is a directory"):
		return StderrIsADirectory
	case strings.Contains(s, "directory not empty"):
		return StderrNotEmpty
	default:
		return StderrUnknown
	}
}
