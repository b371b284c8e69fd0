package tasks

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"treeeval/internal/config"
)

// ToolManager checks that the external tools can be run.
type ToolManager struct {
	cfg *config.Config
}

// NewToolManager creates a new tool manager with configuration
func NewToolManager(cfg *config.Config) *ToolManager {
	return &ToolManager{cfg: cfg}
}

// ToolStatus represents the availability of a tool
type ToolStatus struct {
	Available bool
	Version   string
	Path      string
	Error     error
}

// CheckImporter verifies the importer binary is on PATH and answers a version probe.
func (tm *ToolManager) CheckImporter(ctx context.Context) ToolStatus {
	imp := tm.cfg.Tools.Importer
	return checkTool(ctx, imp.Binary, imp.VersionArgs)
}

// GetToolStatus returns the status of every configured tool, keyed by role.
func (tm *ToolManager) GetToolStatus(ctx context.Context) map[string]ToolStatus {
	return map[string]ToolStatus{
		"importer": tm.CheckImporter(ctx),
	}
}

func checkTool(ctx context.Context, binary string, versionArgs []string) ToolStatus {
	path, err := exec.LookPath(binary)
	if err != nil {
		return ToolStatus{Available: false, Error: err}
	}
	if len(versionArgs) == 0 {
		return ToolStatus{Available: true, Path: path}
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	output, err := exec.CommandContext(ctx, path, versionArgs...).CombinedOutput()
	if err != nil {
		// clap prints usage and exits non-zero for unknown flags; output still identifies the tool
		if len(output) > 0 {
			return ToolStatus{Available: true, Version: extractVersion(string(output)), Path: path}
		}
		return ToolStatus{Available: false, Path: path, Error: fmt.Errorf("version probe: %w", err)}
	}
	return ToolStatus{Available: true, Version: extractVersion(string(output)), Path: path}
}

// extractVersion extracts version information from tool output
func extractVersion(output string) string {
	lines := strings.Split(output, "\n")
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if strings.Contains(line, "version") || strings.Contains(line, "Version") {
			return line
		}
	}
	if len(lines) > 0 && strings.TrimSpace(lines[0]) != "" {
		return strings.TrimSpace(lines[0])
	}
	return "unknown"
}

// commandExists checks presence of an executable in PATH.
func commandExists(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}
