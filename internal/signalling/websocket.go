package signalling

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/Honorable-Knights-of-the-Roundtable/roundmesh/pkg/signalling"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	sendBufferSize = 256
)

// wsConn is a websocket connection with its outbound queue. It owns the
// read and write pumps shared by the client channel and the server side.
type wsConn struct {
	logger *slog.Logger
	conn   *websocket.Conn
	send   chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

func newWSConn(conn *websocket.Conn, logger *slog.Logger) *wsConn {
	return &wsConn{
		logger: logger,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		done:   make(chan struct{}),
	}
}

func (c *wsConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// enqueue never blocks; a full buffer drops the frame like a lost packet
// would, and the caller decides whether that is an error.
func (c *wsConn) enqueue(data []byte) error {
	select {
	case <-c.done:
		return ErrChannelClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (c *wsConn) readPump(handle func(signalling.Envelope)) {
	defer c.close()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket error", "err", err)
			}
			return
		}

		var envelope signalling.Envelope
		if err := json.Unmarshal(message, &envelope); err != nil {
			c.logger.Warn("failed to parse envelope", "err", err)
			continue
		}
		handle(envelope)
	}
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Warn("failed to write message", "err", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// --------------------------------------------------------------------------------
// CLIENT

// WebSocketChannel is a Channel to a hub served by a remote signalling server.
type WebSocketChannel struct {
	logger *slog.Logger
	conn   *wsConn

	handlersMu sync.RWMutex
	handlers   handlerSet
}

// DialWebSocket connects to the signalling server at url (ws:// or wss://).
//
// Handlers registered with On run on the channel's read goroutine, one at a
// time, so they should hand long work off to their own goroutines.
//
// If no logger is given, slog.Default() is used.
func DialWebSocket(ctx context.Context, url string, logger *slog.Logger) (*WebSocketChannel, error) {
	if logger == nil {
		logger = slog.Default()
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dialling signalling server: %w", err)
	}

	channel := &WebSocketChannel{
		logger: logger.With("signallingServer", url),
	}
	channel.conn = newWSConn(conn, channel.logger)
	go channel.conn.writePump()
	go channel.conn.readPump(channel.dispatch)
	return channel, nil
}

func (c *WebSocketChannel) Send(ctx context.Context, event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshalling %s payload: %w", event, err)
	}
	data, err := json.Marshal(signalling.Envelope{Event: event, Payload: raw})
	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.conn.done:
		return ErrChannelClosed
	case c.conn.send <- data:
		return nil
	}
}

func (c *WebSocketChannel) On(event string, handler func(json.RawMessage)) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers.add(event, handler)
}

// Done is closed once the connection to the server is gone.
func (c *WebSocketChannel) Done() <-chan struct{} {
	return c.conn.done
}

func (c *WebSocketChannel) Close() {
	c.conn.close()
}

func (c *WebSocketChannel) dispatch(envelope signalling.Envelope) {
	c.handlersMu.RLock()
	handlers := c.handlers.get(envelope.Event)
	c.handlersMu.RUnlock()

	if len(handlers) == 0 {
		c.logger.Debug("no handler for event", "event", envelope.Event)
	}
	for _, handler := range handlers {
		handler(envelope.Payload)
	}
}

// --------------------------------------------------------------------------------
// SERVER

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WebSocketServer accepts websocket clients and attaches each to the hub.
type WebSocketServer struct {
	hub     *Hub
	logger  *slog.Logger
	options WebSocketServerOptions
}

type WebSocketServerOptions struct {
	// Sustained inbound messages per second allowed per client. Zero
	// disables the limit.
	MessageRate rate.Limit

	// Burst of inbound messages allowed above MessageRate
	MessageBurst int

	// Served on /metrics when set
	MetricsHandler http.Handler

	Logger *slog.Logger
}

func NewWebSocketServer(hub *Hub, options WebSocketServerOptions) *WebSocketServer {
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	if options.MessageRate == 0 {
		options.MessageRate = rate.Inf
	}
	if options.MessageBurst <= 0 {
		options.MessageBurst = 1
	}
	return &WebSocketServer{hub: hub, logger: options.Logger, options: options}
}

// hubClient is the server side of one websocket client.
type hubClient struct {
	conn *wsConn
}

// Deliver implements Endpoint.
func (c *hubClient) Deliver(envelope signalling.Envelope) error {
	data, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	return c.conn.enqueue(data)
}

// Handle upgrades the request and serves the client until it disconnects.
func (s *WebSocketServer) Handle(c *gin.Context) {
	requestLogger := s.logger.WithGroup("request").With(
		"requestUUID", uuid.New().String(),
	)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		requestLogger.Error("failed to upgrade connection", "err", err)
		return
	}

	client := &hubClient{conn: newWSConn(conn, requestLogger)}
	id := s.hub.Register(client)
	requestLogger.Info("client connected", "participantId", id)

	limiter := rate.NewLimiter(s.options.MessageRate, s.options.MessageBurst)
	go client.conn.writePump()
	client.conn.readPump(func(envelope signalling.Envelope) {
		if !limiter.Allow() {
			requestLogger.Warn("dropping message over rate limit", "event", envelope.Event)
			s.hub.metrics.rateLimited.Inc()
			return
		}
		s.hub.Handle(id, envelope)
	})

	s.hub.Unregister(id)
	requestLogger.Info("client disconnected", "participantId", id)
}

// Router builds the gin engine of the signalling server: the websocket
// endpoint on /ws, a health check on /health and, when configured, metrics
// on /metrics.
func (s *WebSocketServer) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/ws", s.Handle)
	if s.options.MetricsHandler != nil {
		router.GET("/metrics", gin.WrapH(s.options.MetricsHandler))
	}
	return router
}
