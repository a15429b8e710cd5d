// Package deps reports availability of the external tools cardbackup drives.
package deps

import (
	"fmt"
	"os/exec"
	"strings"

	"cardbackup/internal/config"
)

// Requirement defines an external dependency cardbackup relies on.
type Requirement struct {
	Name        string
	Command     string
	Description string
	Optional    bool
}

// Status reports the availability of a dependency.
type Status struct {
	Name        string
	Command     string
	Description string
	Optional    bool
	Available   bool
	Detail      string
}

// ForConfig returns the requirements implied by the configuration. rsync is
// the only hard requirement; the udev tooling is optional because manual
// backups work without it.
func ForConfig(cfg *config.Config) []Requirement {
	rsync := "rsync"
	if cfg != nil && strings.TrimSpace(cfg.Transfer.RsyncBinary) != "" {
		rsync = cfg.Transfer.RsyncBinary
	}
	return []Requirement{
		{Name: "rsync", Command: rsync, Description: "copies card contents to the target"},
		{Name: "udevadm", Command: "udevadm", Description: "inspects the udev device database", Optional: true},
	}
}

// CheckBinaries evaluates the provided requirements and reports availability.
func CheckBinaries(requirements []Requirement) []Status {
	results := make([]Status, 0, len(requirements))
	for _, req := range requirements {
		cmd := strings.TrimSpace(req.Command)
		status := Status{
			Name:        req.Name,
			Command:     cmd,
			Description: strings.TrimSpace(req.Description),
			Optional:    req.Optional,
		}
		if cmd == "" {
			status.Detail = "command not configured"
			results = append(results, status)
			continue
		}
		if _, err := exec.LookPath(cmd); err != nil {
			status.Detail = fmt.Sprintf("binary %q not found", cmd)
			results = append(results, status)
			continue
		}
		status.Available = true
		results = append(results, status)
	}
	return results
}

// MissingRequired returns the names of unavailable non-optional dependencies.
func MissingRequired(statuses []Status) []string {
	var missing []string
	for _, status := range statuses {
		if !status.Optional && !status.Available {
			missing = append(missing, status.Name)
		}
	}
	return missing
}
