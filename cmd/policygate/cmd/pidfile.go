package cmd

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// pidFilePath returns the path to the gateway's PID file, creating its
// parent directory if necessary. Defaults to ~/.policygate/server.pid.
func pidFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".policygate", "server.pid")
	}
	dir := filepath.Join(home, ".policygate")
	_ = os.MkdirAll(dir, 0o755)
	return filepath.Join(dir, "server.pid")
}

// writePIDFile records the current process PID at path.
func writePIDFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

// readPIDFile reads the PID recorded at path. Returns 0 if the file is
// missing or does not contain a valid PID.
func readPIDFile(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}
