package supervisor

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// PIDFilePath returns the PID file location for a backend service.
func PIDFilePath(backend string) string {
	return filepath.Join(os.TempDir(), fmt.Sprintf("%s-service.pid", backend))
}

func writePIDFile(backend string, pid int) error {
	path := PIDFilePath(backend)
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)), 0o644); err != nil {
		return fmt.Errorf("write pid file %s: %w", path, err)
	}
	return nil
}

// readPIDFile returns the recorded PID, or 0 when the file is missing or
// holds garbage.
func readPIDFile(backend string) int {
	data, err := os.ReadFile(PIDFilePath(backend))
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0
	}
	return pid
}

func removePIDFile(backend string) {
	_ = os.Remove(PIDFilePath(backend))
}

// processAlive reports whether a process with the given PID exists. Signal 0
// performs the existence check without delivering anything.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	// EPERM means the process exists but belongs to another user.
	return err == syscall.EPERM
}
