package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/timmy/chronos/internal/domain"
	"github.com/timmy/chronos/internal/logger"
	"github.com/timmy/chronos/internal/tracker"
)

const (
	transportWebSocket = "websocket"
	transportSSE       = "sse"

	actionSubscribe   = "subscribe_jobs"
	actionUnsubscribe = "unsubscribe_jobs"

	maxClientMessage = 4096
)

var errStreamClosed = errors.New("stream closed")

// StreamConfig tunes the push channels.
type StreamConfig struct {
	PingInterval time.Duration
	PongWait     time.Duration
	WriteTimeout time.Duration
}

func (c StreamConfig) withDefaults() StreamConfig {
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.PongWait <= c.PingInterval {
		c.PongWait = 2 * c.PingInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	return c
}

// StreamHandler serves the WebSocket and Server-Sent Events push channels.
type StreamHandler struct {
	bus      *tracker.EventBus
	cfg      StreamConfig
	upgrader websocket.Upgrader
}

// NewStreamHandler creates a new stream handler.
// Parameters:
//   - bus: event bus observers subscribe to.
//   - cfg: ping and write deadlines.
//   - checkOrigin: WebSocket origin check; nil accepts same-origin requests only.
// Returns:
//   - *StreamHandler: initialized handler.
func NewStreamHandler(bus *tracker.EventBus, cfg StreamConfig, checkOrigin func(r *http.Request) bool) *StreamHandler {
	return &StreamHandler{
		bus: bus,
		cfg: cfg.withDefaults(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
	}
}

// ClientMessage is a control message sent by a WebSocket client.
type ClientMessage struct {
	Action string `json:"action"`
}

// wsConn serializes writes on a WebSocket connection.
type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	mu           sync.Mutex
}

func (w *wsConn) deadline(ctx context.Context) time.Time {
	d := time.Now().Add(w.writeTimeout)
	if cd, ok := ctx.Deadline(); ok && cd.Before(d) {
		d = cd
	}
	return d
}

func (w *wsConn) writeJSON(ctx context.Context, v interface{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	// Checked under the lock: once an observer is removed, none of its writes can
	// land behind a later ack or snapshot on this socket.
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := w.conn.SetWriteDeadline(w.deadline(ctx)); err != nil {
		return err
	}
	return w.conn.WriteJSON(v)
}

func (w *wsConn) ping() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(w.writeTimeout))
}

func (w *wsConn) closeWith(code int, text string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	msg := websocket.FormatCloseMessage(code, text)
	_ = w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(w.writeTimeout))
	// Unblock the read loop; the handler closes the socket.
	_ = w.conn.SetReadDeadline(time.Now())
}

// Send implements tracker.Transport.
func (w *wsConn) Send(ctx context.Context, ev domain.Event) error {
	return w.writeJSON(ctx, ev)
}

// Close implements tracker.Transport. The socket belongs to the handler, which
// may resubscribe on it, so removing the observer leaves it open.
func (w *wsConn) Close() error { return nil }

func ack(message string) domain.Event {
	return domain.Event{Type: domain.EventAck, Message: message, At: time.Now().UTC()}
}

// WebSocket handles GET /ws. A connection is subscribed right away and receives a
// snapshot followed by live updates. {"action":"unsubscribe_jobs"} stops the stream
// and {"action":"subscribe_jobs"} starts it again from a fresh snapshot; subscribing
// while already subscribed is acknowledged and changes nothing.
// Parameters:
//   - c: Gin request context.
// Returns: none (takes over the connection).
func (h *StreamHandler) WebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.CtxWarn(c.Request.Context(), "WebSocket upgrade failed: client_ip=%s, error=%v", c.ClientIP(), err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(logger.WithField(c.Request.Context(), logger.FieldTransport, transportWebSocket))
	defer cancel()

	ws := &wsConn{conn: conn, writeTimeout: h.cfg.WriteTimeout}
	conn.SetReadLimit(maxClientMessage)
	_ = conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	})

	go h.keepAlive(ctx, ws)

	logger.CtxInfo(ctx, "WebSocket connected: client_ip=%s", c.ClientIP())

	observer, err := h.subscribe(ctx, ws)
	if err != nil {
		ws.closeWith(websocket.CloseGoingAway, "server shutting down")
		return
	}
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.CtxDebug(ctx, "WebSocket read ended: %v", err)
			}
			break
		}
		// Any client frame proves liveness.
		_ = conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			_ = ws.writeJSON(ctx, ack("invalid message"))
			continue
		}

		switch msg.Action {
		case actionSubscribe:
			if observer != nil && !observerDone(observer) {
				_ = ws.writeJSON(ctx, ack("already subscribed"))
				continue
			}
			o, err := h.subscribe(ctx, ws)
			if err != nil {
				ws.closeWith(websocket.CloseGoingAway, "server shutting down")
				continue
			}
			observer = o
		case actionUnsubscribe:
			if observer != nil {
				h.bus.Unsubscribe(observer.ID())
				observer = nil
			}
			_ = ws.writeJSON(ctx, ack("unsubscribed"))
		default:
			_ = ws.writeJSON(ctx, ack("unknown action: "+msg.Action))
		}
	}

	logger.CtxInfo(ctx, "WebSocket disconnected: client_ip=%s", c.ClientIP())
}

func (h *StreamHandler) subscribe(ctx context.Context, ws *wsConn) (*tracker.Observer, error) {
	o, _, err := h.bus.Subscribe(ctx, transportWebSocket, ws)
	if err != nil {
		return nil, err
	}
	go h.watchDrop(o, ws)
	return o, nil
}

func observerDone(o *tracker.Observer) bool {
	select {
	case <-o.Done():
		return true
	default:
		return false
	}
}

// watchDrop closes the socket when the tracker drops the observer, so the client
// reconnects and resynchronizes from a fresh snapshot.
func (h *StreamHandler) watchDrop(o *tracker.Observer, ws *wsConn) {
	<-o.Done()
	switch reason := o.Reason(); reason {
	case tracker.ReasonMailboxFull, tracker.ReasonSendFailed:
		ws.closeWith(websocket.CloseTryAgainLater, "resync required: "+string(reason))
	case tracker.ReasonShutdown:
		ws.closeWith(websocket.CloseGoingAway, "server shutting down")
	}
}

func (h *StreamHandler) keepAlive(ctx context.Context, ws *wsConn) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := ws.ping(); err != nil {
				return
			}
		}
	}
}

// sseStream writes events onto a streaming HTTP response. Writes stop once the
// handler has returned.
type sseStream struct {
	c            *gin.Context
	rc           *http.ResponseController
	writeTimeout time.Duration
	mu           sync.Mutex
	closed       bool
}

func (s *sseStream) write(ctx context.Context, name string, data interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errStreamClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	d := time.Now().Add(s.writeTimeout)
	if cd, ok := ctx.Deadline(); ok && cd.Before(d) {
		d = cd
	}
	if err := s.rc.SetWriteDeadline(d); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}

	s.c.SSEvent(name, data)
	if err := s.c.Request.Context().Err(); err != nil {
		return err
	}
	s.c.Writer.Flush()
	return nil
}

// Send implements tracker.Transport.
func (s *sseStream) Send(ctx context.Context, ev domain.Event) error {
	return s.write(ctx, string(ev.Type), ev)
}

// Close implements tracker.Transport.
func (s *sseStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Events handles GET /api/events, the Server-Sent Events push channel. The stream
// starts with a snapshot event and ends when the client goes away or the observer
// is dropped; a reconnecting client resynchronizes from a new snapshot.
// Parameters:
//   - c: Gin request context.
// Returns: none (streams the response).
func (h *StreamHandler) Events(c *gin.Context) {
	ctx := logger.WithField(c.Request.Context(), logger.FieldTransport, transportSSE)

	stream := &sseStream{
		c:            c,
		rc:           http.NewResponseController(c.Writer),
		writeTimeout: h.cfg.WriteTimeout,
	}
	defer stream.Close()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	stream.mu.Lock()
	o, _, err := h.bus.Subscribe(ctx, transportSSE, stream)
	if err != nil {
		stream.closed = true
		stream.mu.Unlock()
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: err.Error()})
		return
	}
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()
	stream.mu.Unlock()

	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.Done():
			logger.CtxInfo(ctx, "SSE observer removed: reason=%s", o.Reason())
			return
		case <-ticker.C:
			if err := stream.write(ctx, "ping", gin.H{"at": time.Now().UTC()}); err != nil {
				return
			}
		}
	}
}
