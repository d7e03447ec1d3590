package shellcmd

import (
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/gluk-w/claworc/sftp-gateway/internal/fileservice"
)

// epoch is the sentinel date for rows whose date columns cannot be parsed.
var epoch = time.Unix(0, 0).UTC()

// permBits maps each of the nine rwx positions to its mode bit.
var permBits = [9]struct {
	char byte
	bit  uint32
}{
	{'r', 0o400}, {'w', 0o200}, {'x', 0o100},
	{'r', 0o040}, {'w', 0o020}, {'x', 0o010},
	{'r', 0o004}, {'w', 0o002}, {'x', 0o001},
}

var months = map[string]time.Month{
	"jan": time.January, "feb": time.February, "mar": time.March,
	"apr": time.April, "may": time.May, "jun": time.June,
	"jul": time.July, "aug": time.August, "sep": time.September,
	"oct": time.October, "nov": time.November, "dec": time.December,
}

// ParseDirectoryListing parses `ls -l` output for basePath. The "total N"
// header, "." and ".." rows and any malformed rows are skipped.
func ParseDirectoryListing(stdout, basePath string) []fileservice.DirectoryEntry {
	return parseListing(stdout, basePath, time.Now())
}

func parseListing(stdout, basePath string, now time.Time) []fileservice.DirectoryEntry {
	entries := make([]fileservice.DirectoryEntry, 0)
	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" || isTotalLine(line) {
			continue
		}
		e := parseLsLineAt(line, basePath, now)
		if e == nil || e.Name == "." || e.Name == ".." {
			continue
		}
		entries = append(entries, *e)
	}
	return entries
}

// HasTotalHeader reports whether stdout contains the "total N" line every
// ls -l directory listing starts with. An empty directory still has it.
func HasTotalHeader(stdout string) bool {
	for _, line := range strings.Split(stdout, "\n") {
		if isTotalLine(line) {
			return true
		}
	}
	return false
}

func isTotalLine(line string) bool {
	f := strings.Fields(line)
	return len(f) == 2 && f[0] == "total"
}

// ParseLsLine parses one `ls -l` row. It returns nil for rows with fewer than
// nine columns or a permission string shorter than ten characters.
func ParseLsLine(line, basePath string) *fileservice.DirectoryEntry {
	return parseLsLineAt(line, basePath, time.Now())
}

func parseLsLineAt(line, basePath string, now time.Time) *fileservice.DirectoryEntry {
	fields, rest := splitColumns(line, 8)
	if len(fields) < 8 || rest == "" {
		return nil
	}
	perms := fields[0]
	if len(perms) < 10 {
		return nil
	}

	// Device nodes print "major, minor" where the size normally is.
	if strings.HasSuffix(fields[4], ",") {
		more, tail := splitColumns(rest, 1)
		if len(more) != 1 || tail == "" {
			return nil
		}
		fields = []string{fields[0], fields[1], fields[2], fields[3], "0", fields[6], fields[7], more[0]}
		rest = tail
	}

	name := rest
	var target string
	if perms[0] == 'l' {
		if i := strings.Index(name, " -> "); i >= 0 {
			target = name[i+4:]
			name = name[:i]
		}
	}

	size, err := strconv.ParseInt(fields[4], 10, 64)
	if err != nil {
		size = 0
	}
	modified := parseLsDateAt(fields[5], fields[6], fields[7], now)

	return &fileservice.DirectoryEntry{
		Name:             name,
		Path:             entryPath(basePath, name),
		Type:             entryType(perms[0]),
		Size:             size,
		Permissions:      perms[1:10],
		PermissionsOctal: strconv.FormatUint(uint64(ParsePermissionString(perms)), 8),
		Owner:            fields[2],
		Group:            fields[3],
		ModifiedAt:       modified,
		AccessedAt:       modified,
		IsHidden:         strings.HasPrefix(name, "."),
		LinkTarget:       target,
	}
}

// splitColumns returns the first n whitespace separated tokens of s and the
// remainder after the single separator that follows them. ls pads columns on
// the left, so everything past that separator belongs to the file name,
// including leading spaces.
func splitColumns(s string, n int) ([]string, string) {
	tokens := make([]string, 0, n)
	i := 0
	for len(tokens) < n {
		for i < len(s) && isSpace(s[i]) {
			i++
		}
		if i >= len(s) {
			return tokens, ""
		}
		start := i
		for i < len(s) && !isSpace(s[i]) {
			i++
		}
		tokens = append(tokens, s[start:i])
	}
	if i < len(s) && isSpace(s[i]) {
		i++
	}
	return tokens, s[i:]
}

func isSpace(c byte) bool { return c == ' ' || c == '\t' }

func entryPath(basePath, name string) string {
	if basePath == "/" || basePath == "." {
		return "/" + name
	}
	return strings.TrimSuffix(basePath, "/") + "/" + name
}

func entryType(c byte) fileservice.EntryType {
	switch c {
	case 'd':
		return fileservice.TypeDirectory
	case 'l':
		return fileservice.TypeSymlink
	case '-':
		return fileservice.TypeFile
	default:
		return fileservice.TypeOther
	}
}

// ParsePermissionString converts an ls permission column such as
// "drwxr-xr-x" to its mode bits (0o755). Setuid/setgid/sticky letters count
// as executable when lower case.
func ParsePermissionString(perms string) uint32 {
	if len(perms) < 10 {
		return 0
	}
	var mode uint32
	for i, pb := range permBits {
		c := perms[i+1]
		if c == pb.char || (pb.char == 'x' && (c == 's' || c == 't')) {
			mode |= pb.bit
		}
	}
	return mode
}

// ParseStatEntry parses `ls -lad path` output. The row is parsed against the
// parent of path, then name and path are replaced by the requested ones since
// ls echoes the argument rather than a bare name.
func ParseStatEntry(stdout, p string) *fileservice.DirectoryEntry {
	return parseStatAt(stdout, p, time.Now())
}

func parseStatAt(stdout, p string, now time.Time) *fileservice.DirectoryEntry {
	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" || isTotalLine(line) {
			continue
		}
		e := parseLsLineAt(line, path.Dir(p), now)
		if e == nil {
			return nil
		}
		e.Path = p
		e.Name = path.Base(p)
		e.IsHidden = strings.HasPrefix(e.Name, ".")
		return e
	}
	return nil
}

// ParseLsDate turns ls date columns into an RFC 3339 timestamp (UTC).
// "Jan 1 10:30" is a time in the current year, rolled back one year when that
// lands in the future; "Jan 1 2023" carries its year. Unparseable input
// yields the Unix epoch.
func ParseLsDate(month, day, timeOrYear string) string {
	return parseLsDateAt(month, day, timeOrYear, time.Now())
}

func parseLsDateAt(month, day, timeOrYear string, now time.Time) string {
	if len(month) < 3 {
		return fileservice.FormatTime(epoch)
	}
	m, ok := months[strings.ToLower(month[:3])]
	if !ok {
		return fileservice.FormatTime(epoch)
	}
	d, err := strconv.Atoi(day)
	if err != nil || d < 1 || d > 31 {
		return fileservice.FormatTime(epoch)
	}

	now = now.UTC()
	if hh, mm, isTime := strings.Cut(timeOrYear, ":"); isTime {
		h, err1 := strconv.Atoi(hh)
		mi, err2 := strconv.Atoi(mm)
		if err1 != nil || err2 != nil || h < 0 || h > 23 || mi < 0 || mi > 59 {
			return fileservice.FormatTime(epoch)
		}
		y := now.Year()
		if d > daysIn(m, y) || time.Date(y, m, d, h, mi, 0, 0, time.UTC).After(now) {
			y--
		}
		if d > daysIn(m, y) {
			return fileservice.FormatTime(epoch)
		}
		return fileservice.FormatTime(time.Date(y, m, d, h, mi, 0, 0, time.UTC))
	}

	y, err := strconv.Atoi(timeOrYear)
	if err != nil || y < 1970 || y > 9999 || d > daysIn(m, y) {
		return fileservice.FormatTime(epoch)
	}
	return fileservice.FormatTime(time.Date(y, m, d, 0, 0, 0, 0, time.UTC))
}

func daysIn(m time.Month, year int) int {
	return time.Date(year, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
