// Package gateway streams execution events to WebSocket observers.
package gateway

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/taskfleet/taskfleet/internal/common/logger"
	"github.com/taskfleet/taskfleet/internal/events"
)

const (
	clientBuffer  = 256
	writeDeadline = 10 * time.Second
	pingInterval  = 30 * time.Second
)

// EventGateway fans bus events out to connected WebSocket clients. It
// registers exactly one bus observer; per-client delivery is buffered, and a
// client that cannot keep up is disconnected rather than blocking the bus.
type EventGateway struct {
	upgrader websocket.Upgrader
	logger   *logger.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	conn    *websocket.Conn
	send    chan *events.Event
	traceID string
	once    sync.Once
}

// New creates the gateway and subscribes it to the bus.
func New(bus *events.Bus, log *logger.Logger) *EventGateway {
	g := &EventGateway{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger:  log.WithFields(zap.String("component", "event-gateway")),
		clients: make(map[*client]struct{}),
	}
	bus.Subscribe(events.ObserverFunc(g.broadcast))
	return g
}

// Register mounts the /ws/events route.
func (g *EventGateway) Register(engine *gin.Engine) {
	engine.GET("/ws/events", g.handleEvents)
}

// handleEvents upgrades the connection and streams events until the client
// disconnects. An optional trace_id query restricts the stream to one trace.
func (g *EventGateway) handleEvents(c *gin.Context) {
	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	cl := &client{
		conn:    conn,
		send:    make(chan *events.Event, clientBuffer),
		traceID: c.Query("trace_id"),
	}

	g.mu.Lock()
	g.clients[cl] = struct{}{}
	total := len(g.clients)
	g.mu.Unlock()
	g.logger.Info("event observer connected",
		zap.String("remote", conn.RemoteAddr().String()),
		zap.String("trace_id", cl.traceID),
		zap.Int("observers", total))

	go g.writeLoop(cl)
	g.readLoop(cl)
}

func (g *EventGateway) broadcast(event *events.Event) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for cl := range g.clients {
		if cl.traceID != "" && cl.traceID != event.TraceID {
			continue
		}
		select {
		case cl.send <- event:
		default:
			// Slow consumer; drop it instead of backing up the bus.
			g.dropLocked(cl)
		}
	}
}

func (g *EventGateway) writeLoop(cl *client) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-cl.send:
			if !ok {
				return
			}
			_ = cl.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := cl.conn.WriteJSON(event); err != nil {
				g.drop(cl)
				return
			}
		case <-ticker.C:
			_ = cl.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := cl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				g.drop(cl)
				return
			}
		}
	}
}

// readLoop drains client frames so close and pong control messages are
// processed; inbound data frames are ignored.
func (g *EventGateway) readLoop(cl *client) {
	defer g.drop(cl)
	cl.conn.SetReadLimit(1024)
	for {
		if _, _, err := cl.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (g *EventGateway) drop(cl *client) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.dropLocked(cl)
}

func (g *EventGateway) dropLocked(cl *client) {
	if _, ok := g.clients[cl]; !ok {
		return
	}
	delete(g.clients, cl)
	cl.once.Do(func() {
		close(cl.send)
		_ = cl.conn.Close()
	})
}

// Close disconnects every client.
func (g *EventGateway) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for cl := range g.clients {
		g.dropLocked(cl)
	}
}
