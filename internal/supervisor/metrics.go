package supervisor

import (
	"context"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// ProcessMetrics is a point-in-time resource sample for one process.
type ProcessMetrics struct {
	MemoryMB   float64
	CPUPercent float64
}

// sampleProcessMetrics shells out to ps for the resident set size and CPU
// share of a process. A dead PID or an unparsable line yields zero metrics.
func sampleProcessMetrics(ctx context.Context, pid int) ProcessMetrics {
	if pid <= 0 {
		return ProcessMetrics{}
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "ps", "-o", "rss=,pcpu=", "-p", strconv.Itoa(pid)).Output()
	if err != nil {
		return ProcessMetrics{}
	}
	fields := strings.Fields(string(out))
	if len(fields) < 2 {
		return ProcessMetrics{}
	}

	var metrics ProcessMetrics
	if rssKB, err := strconv.ParseFloat(fields[0], 64); err == nil {
		metrics.MemoryMB = rssKB / 1024.0
	}
	if cpu, err := strconv.ParseFloat(fields[1], 64); err == nil {
		metrics.CPUPercent = cpu
	}
	return metrics
}
