package tunnel

import (
	"context"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// cpuSampler derives CPU utilization from consecutive /proc/stat readings.
// The first sample has no baseline and reports zero.
type cpuSampler struct {
	prevBusy  uint64
	prevTotal uint64
}

func (s *cpuSampler) percent() float64 {
	busy, total, ok := readCPUCounters()
	if !ok {
		return 0
	}
	deltaBusy := busy - s.prevBusy
	deltaTotal := total - s.prevTotal
	first := s.prevTotal == 0
	s.prevBusy, s.prevTotal = busy, total
	if first || deltaTotal == 0 {
		return 0
	}
	return float64(deltaBusy) / float64(deltaTotal) * 100
}

// readCPUCounters parses the aggregate cpu line of /proc/stat. Idle and
// iowait jiffies count as idle time.
func readCPUCounters() (busy, total uint64, ok bool) {
	data, err := os.ReadFile("/proc/stat")
	if err != nil {
		return 0, 0, false
	}
	line, _, _ := strings.Cut(string(data), "\n")
	fields := strings.Fields(line)
	if len(fields) < 5 || fields[0] != "cpu" {
		return 0, 0, false
	}
	var idle uint64
	for i, field := range fields[1:] {
		value, err := strconv.ParseUint(field, 10, 64)
		if err != nil {
			return 0, 0, false
		}
		total += value
		if i == 3 || i == 4 {
			idle += value
		}
	}
	return total - idle, total, true
}

// memoryPercent reports used memory from /proc/meminfo, zero when the file
// is unreadable.
func memoryPercent() float64 {
	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0
	}
	var total, available float64
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		value, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			total = value
		case "MemAvailable:":
			available = value
		}
	}
	if total <= 0 {
		return 0
	}
	return (total - available) / total * 100
}

// gpuPercent queries nvidia-smi for GPU utilization, zero when the tool is
// absent or fails.
func gpuPercent(ctx context.Context) float64 {
	queryCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	out, err := exec.CommandContext(queryCtx, "nvidia-smi", "--query-gpu=utilization.gpu", "--format=csv,noheader,nounits").Output()
	if err != nil {
		return 0
	}
	line, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
	value, err := strconv.ParseFloat(strings.TrimSpace(line), 64)
	if err != nil {
		return 0
	}
	return value
}

// localIP picks the first non-loopback IPv4 address, empty when none exists.
func localIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			return ip4.String()
		}
	}
	return ""
}
