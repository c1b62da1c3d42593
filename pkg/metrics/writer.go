/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: writer.go
Description: Utility for writing monitor statistics snapshots to a metrics directory.
Writes timestamped JSON files under a per-PID subdirectory, creating it if it does
not exist.
*/

package metrics

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kleascm/faultmonitor/internal/monitorcore"
)

// WriteStatsSnapshot writes a monitor's cumulative statistics to
// dir/pid-<pid>/<timestamp>.json and returns the path written.
func WriteStatsSnapshot(dir string, pid int, stats monitorcore.Stats) (string, error) {
	subdir := filepath.Join(dir, fmt.Sprintf("pid-%d", pid))
	if err := os.MkdirAll(subdir, 0755); err != nil {
		return "", fmt.Errorf("failed to create metrics directory: %w", err)
	}

	timestamp := time.Now().Format("2006-01-02_15-04-05")
	filePath := filepath.Join(subdir, timestamp+".json")

	data, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal stats: %w", err)
	}

	if err := os.WriteFile(filePath, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write metrics file: %w", err)
	}

	return filePath, nil
}
