package fileservice

import (
	"mime"
	"path"
	"strings"
)

// NeedsHome reports whether resolving p requires the remote home directory:
// empty, "~", "~/..." and any other relative path.
func NeedsHome(p string) bool {
	return !strings.HasPrefix(p, "/")
}

// ResolvePath expands a leading "~" against home and cleans the result.
// Relative paths are taken relative to home as well, matching what a login
// shell or an SFTP server started in the home directory would do.
func ResolvePath(home, p string) string {
	switch {
	case p == "" || p == "~":
		return path.Clean(home)
	case strings.HasPrefix(p, "~/"):
		return path.Join(home, p[2:])
	case !strings.HasPrefix(p, "/"):
		return path.Join(home, p)
	default:
		return path.Clean(p)
	}
}

// JoinRemote joins a directory and a file name.
func JoinRemote(dir, name string) string {
	if dir == "" {
		dir = "/"
	}
	return path.Join(dir, name)
}

// MimeType guesses a content type from the file extension.
func MimeType(name string) string {
	if t := mime.TypeByExtension(strings.ToLower(path.Ext(name))); t != "" {
		return t
	}
	return "application/octet-stream"
}
