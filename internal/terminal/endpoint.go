package terminal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/gluk-w/workshop-gateway/internal/logutil"
	"github.com/gluk-w/workshop-gateway/internal/metrics"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// ServerPath is the single URL path all terminal sessions multiplex over.
const ServerPath = "/terminal/server"

const (
	defaultSendQueue = 256
	maxFrameSize     = 1024 * 1024
	writeTimeout     = 10 * time.Second
)

// EndpointOptions tunes the per-connection behaviour of the endpoint.
type EndpointOptions struct {
	// SendQueue is the number of outbound frames buffered per connection.
	// A connection that falls further behind is closed; its client
	// reconnects and replays from its last sequence number.
	SendQueue int
	// InputRate and InputBurst limit inbound frames per connection. Zero
	// means unlimited.
	InputRate  float64
	InputBurst int
	Metrics    *metrics.Metrics
}

// Endpoint accepts terminal WebSocket connections and feeds their frames
// into a Registry.
type Endpoint struct {
	registry *Registry
	opts     EndpointOptions
}

func NewEndpoint(registry *Registry, opts EndpointOptions) *Endpoint {
	if opts.SendQueue <= 0 {
		opts.SendQueue = defaultSendQueue
	}
	return &Endpoint{registry: registry, opts: opts}
}

// ServeHTTP handles one client connection. The optional "context" query
// parameter namespaces the session ids used on this connection.
func (e *Endpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[terminal] accept websocket: %v", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(maxFrameSize)

	prefix := r.URL.Query().Get("context")
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	client := newWSClient(conn, e.opts.SendQueue)
	go client.writeLoop(ctx)
	defer func() {
		e.registry.Detach(client)
		client.Close()
	}()

	limit := rate.Inf
	if e.opts.InputRate > 0 {
		limit = rate.Limit(e.opts.InputRate)
	}
	burst := e.opts.InputBurst
	if burst <= 0 {
		burst = 1
	}
	limiter := rate.NewLimiter(limit, burst)

	for {
		_, frame, err := conn.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway {
				log.Debugf("[terminal] connection closed: %v", err)
			}
			return
		}
		if err := limiter.Wait(ctx); err != nil {
			return
		}

		p, err := DecodePacket(frame)
		if err != nil {
			log.Warnf("[terminal] dropping frame: %s", logutil.SanitizeForLog(err.Error()))
			continue
		}
		e.opts.Metrics.PacketReceived(p.Type.String())

		if err := e.registry.Dispatch(prefix, client, p); err != nil {
			id := logutil.SanitizeForLog(SessionKey(prefix, p.ID))
			switch {
			case errors.Is(err, ErrForbidden):
				log.Warnf("[terminal] session %s: rejected hello with invalid token", id)
			case errors.Is(err, ErrMalformedPacket):
				log.Warnf("[terminal] session %s: dropping %s packet: %s", id, p.Type, logutil.SanitizeForLog(err.Error()))
			default:
				log.Errorf("[terminal] session %s: %v", id, err)
			}
		}
	}
}

// SessionsHandler lists all sessions known to the registry as JSON.
func SessionsHandler(registry *Registry) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if err := json.NewEncoder(w).Encode(map[string]any{
			"sessions": registry.List(),
		}); err != nil {
			log.Debugf("[terminal] write session list: %v", err)
		}
	})
}

// wsClient adapts a WebSocket connection to Conn. Frames are queued and
// written by a single goroutine so sessions never block on a slow socket.
type wsClient struct {
	conn      *websocket.Conn
	queue     chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newWSClient(conn *websocket.Conn, queue int) *wsClient {
	return &wsClient{
		conn:  conn,
		queue: make(chan []byte, queue),
		done:  make(chan struct{}),
	}
}

func (c *wsClient) Send(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.queue <- frame:
		return true
	default:
		log.Warnf("[terminal] send queue full (%d frames), closing connection", cap(c.queue))
		c.Close()
		return false
	}
}

func (c *wsClient) Open() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Close stops accepting frames. Frames already queued are still written
// before the WebSocket is closed.
func (c *wsClient) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *wsClient) writeLoop(ctx context.Context) {
	for {
		select {
		case frame := <-c.queue:
			if err := c.write(ctx, frame); err != nil {
				c.Close()
				c.conn.CloseNow()
				return
			}
		case <-c.done:
			for {
				select {
				case frame := <-c.queue:
					if err := c.write(ctx, frame); err != nil {
						c.conn.CloseNow()
						return
					}
				default:
					c.conn.Close(websocket.StatusNormalClosure, "")
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *wsClient) write(ctx context.Context, frame []byte) error {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return c.conn.Write(wctx, websocket.MessageText, frame)
}
