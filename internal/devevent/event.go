package devevent

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Event is an immutable snapshot of one OS block-device notification,
// normalized from the raw uevent environment.
type Event struct {
	Subsystem       string
	Action          string
	DeviceType      string
	Bus             string
	PartitionNumber string
	FilesystemType  string
	FilesystemUUID  string
	DevicePath      string
	Label           string
}

// Filter decides whether a device event is eligible for automatic backup.
// Matching is deliberately narrow: first partition of a USB block device
// carrying a filesystem from the allowlist. That keeps internal disks and
// multi-partition media out of the backup path.
type Filter struct {
	Filesystems []string
}

// DefaultFilter matches the filesystems cameras actually format cards with.
func DefaultFilter() Filter {
	return Filter{Filesystems: []string{"exfat", "fat32", "udf"}}
}

// Matches reports whether every eligibility criterion holds. All criteria are
// evaluated against the event snapshot; there are no side effects.
func (f Filter) Matches(evt Event) bool {
	criteria := []bool{
		evt.Subsystem == "block",
		evt.Action == "add",
		evt.DeviceType == "partition",
		evt.Bus == "usb",
		evt.PartitionNumber == "1",
		f.filesystemAllowed(evt.FilesystemType),
	}
	for _, ok := range criteria {
		if !ok {
			return false
		}
	}
	return true
}

func (f Filter) filesystemAllowed(fstype string) bool {
	normalized := strings.ToLower(strings.TrimSpace(fstype))
	if normalized == "" {
		return false
	}
	for _, allowed := range f.Filesystems {
		if normalized == strings.ToLower(allowed) {
			return true
		}
	}
	return false
}

var labelCaser = cases.Title(language.Und)

// DisplayLabel renders a volume label for log lines. FAT-family labels are
// usually stored all-caps; those are title-cased for readability, anything
// mixed-case is kept as the user wrote it.
func DisplayLabel(label string) string {
	trimmed := strings.TrimSpace(label)
	if trimmed == "" {
		return "unlabeled"
	}
	if trimmed != strings.ToUpper(trimmed) {
		return trimmed
	}
	return labelCaser.String(strings.ToLower(trimmed))
}
