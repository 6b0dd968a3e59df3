// Package supervisor owns backend service processes: spawning, readiness
// probing, graceful shutdown, restart, and resource sampling. One Supervisor
// manages one backend; the Manager indexes them per backend identifier.
package supervisor

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
)

// State is the lifecycle state of a supervised service.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

const (
	defaultReadyTimeout = 30 * time.Second
	defaultStopTimeout  = 10 * time.Second
	defaultPollInterval = 1 * time.Second
	defaultRestartDelay = 2 * time.Second
	defaultMaxRestarts  = 3
)

// StartResult reports the outcome of a start, stop, or restart operation.
type StartResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
	PID     int    `json:"pid,omitempty"`
}

// Status is a merged view of the state machine, the PID file, a live process
// check, a health probe, and a resource sample.
type Status struct {
	Backend      string  `json:"backend"`
	State        string  `json:"state"`
	IsRunning    bool    `json:"isRunning"`
	Healthy      bool    `json:"healthy"`
	PID          int     `json:"pid,omitempty"`
	Port         int     `json:"port,omitempty"`
	UptimeSec    int64   `json:"uptimeSeconds,omitempty"`
	RestartCount int     `json:"restartCount"`
	MemoryMB     float64 `json:"memoryMb,omitempty"`
	CPUPercent   float64 `json:"cpuPercent,omitempty"`
}

// Supervisor manages the lifecycle of one backend service process. The mutex
// serializes start, stop, and restart; the state field is atomic so Status
// never blocks behind a slow operation.
type Supervisor struct {
	command Command
	logDir  string

	mu           sync.Mutex
	cmd          *exec.Cmd
	startedAt    time.Time
	state        atomic.Int32
	generation   atomic.Int64
	restartCount atomic.Int32

	restartOnFailure bool
	maxRestarts      int

	probeClient  *http.Client
	readyTimeout time.Duration
	stopTimeout  time.Duration
	pollInterval time.Duration
	restartDelay time.Duration
}

// New creates a supervisor for the given launch command. Service output is
// appended to <logDir>/<backend>-service.log.
func New(command Command, logDir string) *Supervisor {
	if logDir == "" {
		logDir = "logs"
	}
	s := &Supervisor{
		command:      command,
		logDir:       logDir,
		maxRestarts:  defaultMaxRestarts,
		probeClient:  &http.Client{Timeout: 2 * time.Second},
		readyTimeout: defaultReadyTimeout,
		stopTimeout:  defaultStopTimeout,
		pollInterval: defaultPollInterval,
		restartDelay: defaultRestartDelay,
	}
	s.state.Store(int32(StateStopped))
	return s
}

// ConfigureAutoRestart enables restart-on-unexpected-exit, bounded by
// maxRestarts. Zero or negative maxRestarts keeps the default bound.
func (s *Supervisor) ConfigureAutoRestart(enabled bool, maxRestarts int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.restartOnFailure = enabled
	if maxRestarts > 0 {
		s.maxRestarts = maxRestarts
	}
}

// Backend returns the backend identifier this supervisor manages.
func (s *Supervisor) Backend() string { return s.command.Backend }

// State returns the current lifecycle state.
func (s *Supervisor) State() State { return State(s.state.Load()) }

// Start launches the service and waits for it to become ready. Starting a
// service that is already reachable, or already starting, succeeds without
// spawning a second process.
func (s *Supervisor) Start(ctx context.Context) *StartResult {
	switch s.State() {
	case StateStarting:
		return &StartResult{Success: true, Message: fmt.Sprintf("%s service is already starting", s.command.Backend)}
	case StateRunning:
		return &StartResult{Success: true, Message: fmt.Sprintf("%s service is already running", s.command.Backend), PID: s.pid()}
	}

	// An externally managed instance that already answers health probes
	// counts as running; do not spawn a competitor on the same port.
	if s.probeOnce(ctx) {
		log.Infof("supervisor: %s already reachable at %s, not spawning", s.command.Backend, s.command.HealthURL)
		return &StartResult{Success: true, Message: fmt.Sprintf("%s service is already running", s.command.Backend), PID: readPIDFile(s.command.Backend)}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startLocked(ctx)
}

func (s *Supervisor) startLocked(ctx context.Context) *StartResult {
	if state := s.State(); state == StateStarting || state == StateRunning {
		return &StartResult{Success: true, Message: fmt.Sprintf("%s service is already running", s.command.Backend), PID: s.pidLocked()}
	}

	binPath, err := exec.LookPath(s.command.Path)
	if err != nil {
		return &StartResult{
			Success: false,
			Message: fmt.Sprintf("%s binary not found on PATH", s.command.Path),
			Error:   err.Error(),
		}
	}

	s.state.Store(int32(StateStarting))
	log.Infof("supervisor: starting %s service: %s %v", s.command.Backend, binPath, s.command.Args)

	logFile, err := s.openServiceLog()
	if err != nil {
		s.state.Store(int32(StateStopped))
		return &StartResult{Success: false, Message: "failed to open service log", Error: err.Error()}
	}

	cmd := exec.Command(binPath, s.command.Args...)
	cmd.Env = append(os.Environ(), s.command.Env...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err = cmd.Start(); err != nil {
		_ = logFile.Close()
		s.state.Store(int32(StateStopped))
		return &StartResult{
			Success: false,
			Message: fmt.Sprintf("failed to spawn %s service", s.command.Backend),
			Error:   err.Error(),
		}
	}

	pid := cmd.Process.Pid
	if err = writePIDFile(s.command.Backend, pid); err != nil {
		log.Warnf("supervisor: %v", err)
	}
	s.cmd = cmd
	s.startedAt = time.Now()
	gen := s.generation.Add(1)
	go s.monitor(cmd, logFile, gen)

	if !s.waitReady(ctx) {
		log.Errorf("supervisor: %s service did not become ready within %s, killing pid %d", s.command.Backend, s.readyTimeout, pid)
		s.generation.Add(1)
		_ = cmd.Process.Kill()
		removePIDFile(s.command.Backend)
		s.cmd = nil
		s.state.Store(int32(StateStopped))
		return &StartResult{
			Success: false,
			Message: fmt.Sprintf("%s service failed to become ready within %s", s.command.Backend, s.readyTimeout),
			Error:   "readiness probe timed out",
			PID:     pid,
		}
	}

	s.state.Store(int32(StateRunning))
	log.Infof("supervisor: %s service ready, pid %d", s.command.Backend, pid)
	return &StartResult{Success: true, Message: fmt.Sprintf("%s service started", s.command.Backend), PID: pid}
}

// Stop terminates the service: SIGTERM, a bounded grace period, then SIGKILL.
// Stopping an already-stopped service succeeds.
func (s *Supervisor) Stop(ctx context.Context) *StartResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked(ctx)
}

func (s *Supervisor) stopLocked(ctx context.Context) *StartResult {
	pid := s.pidLocked()
	if s.State() == StateStopped && !processAlive(pid) {
		removePIDFile(s.command.Backend)
		return &StartResult{Success: true, Message: fmt.Sprintf("%s service is not running", s.command.Backend)}
	}

	s.state.Store(int32(StateStopping))
	s.generation.Add(1)
	log.Infof("supervisor: stopping %s service, pid %d", s.command.Backend, pid)

	proc, err := os.FindProcess(pid)
	if err == nil {
		_ = proc.Signal(syscall.SIGTERM)
	}

	deadline := time.Now().Add(s.stopTimeout)
	for processAlive(pid) && time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			break
		case <-time.After(200 * time.Millisecond):
		}
		if ctx.Err() != nil {
			break
		}
	}
	if processAlive(pid) {
		log.Warnf("supervisor: %s service did not exit within %s, sending SIGKILL", s.command.Backend, s.stopTimeout)
		if proc != nil {
			_ = proc.Signal(syscall.SIGKILL)
		}
	}

	removePIDFile(s.command.Backend)
	s.cmd = nil
	s.state.Store(int32(StateStopped))
	return &StartResult{Success: true, Message: fmt.Sprintf("%s service stopped", s.command.Backend), PID: pid}
}

// Restart stops the service, waits out the settle delay, and starts it again.
func (s *Supervisor) Restart(ctx context.Context) *StartResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	if stop := s.stopLocked(ctx); !stop.Success {
		return stop
	}
	select {
	case <-ctx.Done():
		return &StartResult{Success: false, Message: "restart cancelled", Error: ctx.Err().Error()}
	case <-time.After(s.restartDelay):
	}
	s.restartCount.Add(1)
	return s.startLocked(ctx)
}

// Status assembles the live view of the service.
func (s *Supervisor) Status(ctx context.Context) *Status {
	state := s.State()
	pid := s.pid()
	alive := processAlive(pid)

	status := &Status{
		Backend:      s.command.Backend,
		State:        state.String(),
		IsRunning:    state == StateRunning && alive,
		Healthy:      s.probeOnce(ctx),
		PID:          pid,
		Port:         s.command.Port,
		RestartCount: int(s.restartCount.Load()),
	}
	if status.IsRunning {
		s.mu.Lock()
		startedAt := s.startedAt
		s.mu.Unlock()
		if !startedAt.IsZero() {
			status.UptimeSec = int64(time.Since(startedAt).Seconds())
		}
	}
	if alive {
		metrics := sampleProcessMetrics(ctx, pid)
		status.MemoryMB = metrics.MemoryMB
		status.CPUPercent = metrics.CPUPercent
	}
	return status
}

// monitor watches one spawned process generation. An exit that was not
// initiated by Stop or Restart marks the service stopped and, when
// auto-restart is enabled and the bound not yet reached, brings it back.
func (s *Supervisor) monitor(cmd *exec.Cmd, logFile *os.File, gen int64) {
	err := cmd.Wait()
	_ = logFile.Close()

	if s.generation.Load() != gen {
		return
	}
	if state := s.State(); state == StateStopping || state == StateStopped {
		return
	}

	if err != nil {
		log.Warnf("supervisor: %s service exited unexpectedly: %v", s.command.Backend, err)
	} else {
		log.Warnf("supervisor: %s service exited unexpectedly", s.command.Backend)
	}
	removePIDFile(s.command.Backend)
	s.mu.Lock()
	s.cmd = nil
	s.mu.Unlock()
	s.state.Store(int32(StateStopped))

	if !s.restartOnFailure {
		return
	}
	count := int(s.restartCount.Load())
	if count >= s.maxRestarts {
		log.Errorf("supervisor: %s service hit the restart bound (%d), leaving it stopped", s.command.Backend, s.maxRestarts)
		return
	}
	time.Sleep(s.restartDelay)
	s.restartCount.Add(1)
	log.Infof("supervisor: auto-restarting %s service (attempt %d of %d)", s.command.Backend, count+1, s.maxRestarts)
	s.mu.Lock()
	result := s.startLocked(context.Background())
	s.mu.Unlock()
	if !result.Success {
		log.Errorf("supervisor: auto-restart of %s failed: %s", s.command.Backend, result.Message)
	}
}

// waitReady polls the health endpoint once per interval until the service
// answers or the window closes.
func (s *Supervisor) waitReady(ctx context.Context) bool {
	deadline := time.Now().Add(s.readyTimeout)
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		if s.probeOnce(ctx) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// probeOnce reports whether the health endpoint currently answers. Any
// completed HTTP exchange counts; the service is up even if it objects to
// the probe itself.
func (s *Supervisor) probeOnce(ctx context.Context) bool {
	if s.command.HealthURL == "" {
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.command.HealthURL, nil)
	if err != nil {
		return false
	}
	resp, err := s.probeClient.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return true
}

func (s *Supervisor) pid() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pidLocked()
}

func (s *Supervisor) pidLocked() int {
	if s.cmd != nil && s.cmd.Process != nil {
		return s.cmd.Process.Pid
	}
	return readPIDFile(s.command.Backend)
}

func (s *Supervisor) openServiceLog() (*os.File, error) {
	if err := os.MkdirAll(s.logDir, 0o755); err != nil {
		return nil, fmt.Errorf("create service log dir: %w", err)
	}
	path := filepath.Join(s.logDir, fmt.Sprintf("%s-service.log", s.command.Backend))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open service log %s: %w", path, err)
	}
	return file, nil
}
