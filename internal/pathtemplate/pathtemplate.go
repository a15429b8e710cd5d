package pathtemplate

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// ErrUnknownPlaceholder indicates a template referenced a placeholder the
// resolver does not recognize. Unknown tokens fail the resolution outright so
// a typo never silently redirects a backup to an unintended directory.
var ErrUnknownPlaceholder = errors.New("unknown template placeholder")

var placeholderPattern = regexp.MustCompile(`\{([^{}]*)\}`)

// Context carries the values placeholders resolve against. Timestamp should
// come from the media being backed up (earliest file modification time), not
// the wall clock, so re-running against unmodified media resolves to the same
// path.
type Context struct {
	Timestamp time.Time
	UUID      string
}

// Resolve substitutes every placeholder in template using ctx and expands a
// leading "~" to the current user's home directory.
//
// Supported placeholders: {date}, {hour}, {minute}, {uuid}, {uuid_short}.
func Resolve(template string, ctx Context) (string, error) {
	var unknown []string
	resolved := placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		name := match[1 : len(match)-1]
		switch name {
		case "date":
			return ctx.Timestamp.Format("20060102")
		case "hour":
			return ctx.Timestamp.Format("15")
		case "minute":
			return ctx.Timestamp.Format("04")
		case "uuid":
			return ctx.UUID
		case "uuid_short":
			return shortUUID(ctx.UUID)
		default:
			unknown = append(unknown, name)
			return match
		}
	})
	if len(unknown) > 0 {
		return "", fmt.Errorf("%w: {%s}", ErrUnknownPlaceholder, strings.Join(unknown, "}, {"))
	}
	return ExpandHome(resolved)
}

func shortUUID(uuid string) string {
	if len(uuid) <= 4 {
		return uuid
	}
	return uuid[:4]
}

// ExpandHome replaces a leading "~" with the current user's home directory.
func ExpandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	if path == "~" {
		return home, nil
	}
	return filepath.Join(home, path[2:]), nil
}

// EarliestModTime walks root and returns the earliest file modification time
// found. The boolean reports whether any regular file was seen; callers fall
// back to the wall clock on an empty tree. Unreadable entries are skipped so
// a single bad file never aborts target resolution.
func EarliestModTime(root string) (time.Time, bool, error) {
	var earliest time.Time
	found := false
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if !found || info.ModTime().Before(earliest) {
			earliest = info.ModTime()
			found = true
		}
		return nil
	})
	if err != nil {
		return time.Time{}, false, fmt.Errorf("scan %s: %w", root, err)
	}
	return earliest, found, nil
}

// ContextFromSource builds a resolution context for a backup source tree. The
// timestamp is the earliest file modification time under sourcePath, falling
// back to now when the tree holds no files or cannot be scanned.
func ContextFromSource(sourcePath, uuid string, now time.Time) Context {
	ts := now
	if earliest, ok, err := EarliestModTime(sourcePath); err == nil && ok {
		ts = earliest
	}
	return Context{Timestamp: ts, UUID: uuid}
}
