package tunnel

import (
	"context"
	"os"
	"runtime"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/sight-ai/edge-node/internal/config"
	"github.com/sight-ai/edge-node/internal/registry"
)

// defaultHeartbeatInterval is used when the config leaves the interval unset.
const defaultHeartbeatInterval = 30 * time.Second

// Heartbeat periodically reports host telemetry to the gateway. Reports go
// through the non-blocking send path; a report dropped on a congested link
// is logged and the next tick tries again.
type Heartbeat struct {
	conn     *Conn
	registry *registry.BackendRegistry
	resolver *registry.ModelResolver
	identity *config.DeviceRegistration
	interval time.Duration
	cpu      cpuSampler
}

// NewHeartbeat builds a heartbeat reporter. A non-positive interval falls
// back to the default.
func NewHeartbeat(conn *Conn, reg *registry.BackendRegistry, resolver *registry.ModelResolver, identity *config.DeviceRegistration, interval time.Duration) *Heartbeat {
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}
	return &Heartbeat{
		conn:     conn,
		registry: reg,
		resolver: resolver,
		identity: identity,
		interval: interval,
	}
}

// Run emits one report per tick until ctx is cancelled. Ticks while the
// link is down are skipped; the CPU baseline still advances so the first
// report after a reconnect stays accurate.
func (h *Heartbeat) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cpu := h.cpu.percent()
			if !h.conn.Connected() {
				continue
			}
			h.report(ctx, cpu)
		}
	}
}

func (h *Heartbeat) report(ctx context.Context, cpu float64) {
	backend := h.registry.CurrentFramework()
	hostname, _ := os.Hostname()

	payload := &HeartbeatPayload{
		DeviceID:      h.identity.DeviceID,
		CPUPercent:    cpu,
		MemoryPercent: memoryPercent(),
		GPUPercent:    gpuPercent(ctx),
		IP:            localIP(),
		Model:         h.resolver.DefaultModel(ctx, backend),
		DeviceInfo: DeviceInfo{
			Hostname: hostname,
			OS:       runtime.GOOS,
			Arch:     runtime.GOARCH,
			Backend:  backend,
		},
		Timestamp: time.Now().UnixMilli(),
	}
	if err := h.conn.Send(TypeDeviceHeartbeatReport, payload); err != nil {
		log.Debugf("tunnel heartbeat skipped: %v", err)
	}
}
