// Package deps verifies the external binaries the pipeline shells out
// to. Assembly cannot run without ffmpeg; the rest degrade gracefully.
package deps

import (
	"fmt"
	"os/exec"
	"strings"
)

// Requirement defines an external dependency sakuga relies on.
type Requirement struct {
	Name        string
	Command     string
	Description string
	Optional    bool
}

// Status reports the availability of a dependency.
type Status struct {
	Name        string `json:"name"`
	Command     string `json:"command"`
	Description string `json:"description"`
	Optional    bool   `json:"optional"`
	Available   bool   `json:"available"`
	Detail      string `json:"detail,omitempty"`
}

// Defaults lists the binaries the daemon expects on PATH.
func Defaults() []Requirement {
	return []Requirement{
		{
			Name:        "FFmpeg",
			Command:     "ffmpeg",
			Description: "Scene and episode video assembly",
		},
		{
			Name:        "FFprobe",
			Command:     "ffprobe",
			Description: "Clip duration inspection",
			Optional:    true,
		},
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
