package tunnel

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/sight-ai/edge-node/internal/util"
)

const (
	// writeWait is the deadline for a single websocket write.
	writeWait = 10 * time.Second

	// pongWait is how long a silent peer stays trusted. Pings go out at
	// pingPeriod so the deadline keeps sliding while the link is healthy.
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second

	// maxFrameSize bounds inbound frames. Inference chunks are small; this
	// mostly guards against a misbehaving peer.
	maxFrameSize = 8 << 20

	// sendQueueSize bounds the outbound queue shared by all senders.
	sendQueueSize = 256

	// busyWait is how long Send waits on a full queue before giving up.
	busyWait = time.Second

	reconnectBase = time.Second
	reconnectMax  = 30 * time.Second
)

// ErrTunnelBusy reports that the outbound queue stayed full past the send
// grace period. Callers decide whether to retry, drop, or surface it.
var ErrTunnelBusy = errors.New("tunnel busy: outbound queue full")

// ErrTunnelClosed reports a send against a closed connection.
var ErrTunnelClosed = errors.New("tunnel closed")

// Conn is the node's duplex link to the gateway. One writer goroutine owns
// the socket's write side; everything outbound funnels through a bounded
// queue. The queue outlives individual socket sessions, so messages queued
// during a reconnect are delivered once the link is back.
type Conn struct {
	gatewayURL string
	dialer     *websocket.Dialer

	send chan []byte

	onMessage func(ctx context.Context, envelope *Envelope)
	onConnect func(ctx context.Context)

	mu        sync.RWMutex
	connected bool

	done      chan struct{}
	closeOnce sync.Once
}

// NewConn prepares a connection to the given gateway websocket URL. An
// optional proxy URL routes the dial through SOCKS5 or HTTP proxies.
func NewConn(gatewayURL, proxyURL string) *Conn {
	dialer := &websocket.Dialer{
		HandshakeTimeout: 15 * time.Second,
	}
	if transport := util.ProxyTransport(proxyURL); transport != nil {
		dialer.Proxy = transport.Proxy
		dialer.NetDialContext = transport.DialContext
	}
	return &Conn{
		gatewayURL: gatewayURL,
		dialer:     dialer,
		send:       make(chan []byte, sendQueueSize),
		done:       make(chan struct{}),
	}
}

// OnMessage registers the inbound dispatch callback. It runs on the read
// goroutine, so a slow handler pauses peer reads. Set before Run.
func (c *Conn) OnMessage(fn func(ctx context.Context, envelope *Envelope)) {
	c.onMessage = fn
}

// OnConnect registers a callback fired after every successful dial,
// including reconnects. Set before Run.
func (c *Conn) OnConnect(fn func(ctx context.Context)) {
	c.onConnect = fn
}

// Connected reports whether a socket session is currently up.
func (c *Conn) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

func (c *Conn) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

// Run dials the gateway and keeps the link alive until ctx is cancelled or
// Close is called. Dial failures and dropped sessions retry with capped
// exponential backoff; the delay resets after each successful dial.
func (c *Conn) Run(ctx context.Context) {
	delay := reconnectBase
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		ws, _, err := c.dialer.DialContext(ctx, c.gatewayURL, nil)
		if err != nil {
			log.Warnf("tunnel dial %s failed: %v (retry in %s)", c.gatewayURL, err, delay)
			select {
			case <-ctx.Done():
				return
			case <-c.done:
				return
			case <-time.After(delay):
			}
			delay *= 2
			if delay > reconnectMax {
				delay = reconnectMax
			}
			continue
		}

		log.Infof("tunnel connected to %s", c.gatewayURL)
		delay = reconnectBase
		c.setConnected(true)
		if c.onConnect != nil {
			c.onConnect(ctx)
		}

		c.serve(ctx, ws)

		c.setConnected(false)
		log.Warnf("tunnel disconnected from %s", c.gatewayURL)
	}
}

// serve runs the write pump in the background and the read pump inline,
// returning when the session dies from either side.
func (c *Conn) serve(ctx context.Context, ws *websocket.Conn) {
	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer func() { _ = ws.Close() }()

	go c.writePump(sessionCtx, cancel, ws)
	c.readPump(sessionCtx, ws)
}

// readPump consumes inbound frames until the socket errors. Handlers run
// synchronously here: while one is busy the peer's frames stay unread,
// which is the backpressure signal for streamed traffic.
func (c *Conn) readPump(ctx context.Context, ws *websocket.Conn) {
	ws.SetReadLimit(maxFrameSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warnf("tunnel read failed: %v", err)
			}
			return
		}
		envelope, err := Decode(raw)
		if err != nil {
			log.Warnf("tunnel dropped inbound frame: %v", err)
			continue
		}
		if c.onMessage != nil {
			c.onMessage(ctx, envelope)
		}
	}
}

// writePump is the single writer for the session. It drains the shared
// outbound queue and keeps the link alive with protocol pings.
func (c *Conn) writePump(ctx context.Context, cancel context.CancelFunc, ws *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-c.done:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case msg := <-c.send:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				log.Warnf("tunnel write failed: %v", err)
				cancel()
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				cancel()
				return
			}
		}
	}
}

// Send enqueues one message, waiting up to one second for queue space
// before returning ErrTunnelBusy. Streamed responses that must not be
// dropped use SendBlocking instead.
func (c *Conn) Send(msgType string, payload any) error {
	data, err := Encode(msgType, payload)
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrTunnelClosed
	case <-time.After(busyWait):
		return ErrTunnelBusy
	}
}

// SendBlocking enqueues one message, waiting for queue space until ctx is
// done. This is the backpressure path for stream chunks.
func (c *Conn) SendBlocking(ctx context.Context, msgType string, payload any) error {
	data, err := Encode(msgType, payload)
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrTunnelClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close tears the connection down permanently. Run returns after the
// current session drains.
func (c *Conn) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}
