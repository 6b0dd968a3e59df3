package tunnel

import (
	"context"
	"sync"
	"time"

	"github.com/sight-ai/edge-node/internal/config"
	"github.com/sight-ai/edge-node/internal/registry"
	"github.com/sight-ai/edge-node/internal/runtime"
)

// Options configures a tunnel service.
type Options struct {
	// GatewayURL is the websocket endpoint to dial.
	GatewayURL string

	// ProxyURL optionally routes the dial through a SOCKS5 or HTTP proxy.
	ProxyURL string

	// HeartbeatInterval between telemetry reports. Zero means 30 seconds.
	HeartbeatInterval time.Duration

	// Identity is the device registration presented to the gateway.
	Identity *config.DeviceRegistration
}

// Status is a point-in-time snapshot of the tunnel.
type Status struct {
	Enabled    bool   `json:"enabled"`
	Connected  bool   `json:"connected"`
	GatewayURL string `json:"gatewayUrl,omitempty"`
	InFlight   int    `json:"inFlight"`
}

// Service owns the gateway link: the connection, its message router, and
// the heartbeat reporter.
type Service struct {
	conn      *Conn
	router    *Router
	heartbeat *Heartbeat

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService wires a connection, router, and heartbeat together. Call Start
// to bring the link up.
func NewService(opts Options, engine *runtime.Engine, reg *registry.BackendRegistry, resolver *registry.ModelResolver) *Service {
	conn := NewConn(opts.GatewayURL, opts.ProxyURL)
	router := NewRouter(conn, engine, reg, resolver, opts.Identity)
	conn.OnMessage(router.Dispatch)
	conn.OnConnect(router.handleConnect)

	return &Service{
		conn:      conn,
		router:    router,
		heartbeat: NewHeartbeat(conn, reg, resolver, opts.Identity, opts.HeartbeatInterval),
	}
}

// Start brings the link up in the background. Safe to call once.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.conn.Run(runCtx)
	}()
	go func() {
		defer s.wg.Done()
		s.heartbeat.Run(runCtx)
	}()
}

// Stop cancels in-flight remote tasks, tears the link down, and waits for
// the background goroutines to drain.
func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	s.router.CancelAll()
	if cancel != nil {
		cancel()
	}
	s.conn.Close()
	s.wg.Wait()
}

// GatewayURL reports the endpoint this service dials.
func (s *Service) GatewayURL() string {
	return s.conn.gatewayURL
}

// Status reports the current link state.
func (s *Service) Status() Status {
	return Status{
		Enabled:    true,
		Connected:  s.conn.Connected(),
		GatewayURL: s.conn.gatewayURL,
		InFlight:   s.router.InFlight(),
	}
}
