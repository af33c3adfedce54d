package handler

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/climateaction/airstream/internal/api/middleware"
	"github.com/climateaction/airstream/internal/stream"
)

// WebSocket connection limits.
const (
	maxMessageSize = 4 << 10
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	closeWait      = time.Second
)

// StreamEngine is the part of the subscription engine the WebSocket handler drives.
type StreamEngine interface {
	Connect(clientID string, transport stream.Transport) error
	Disconnect(clientID string)
	HandleMessage(clientID string, data []byte) error
}

// StreamConfig holds configuration for the stream handler.
type StreamConfig struct {
	Engine StreamEngine
	Logger zerolog.Logger

	// CheckOrigin validates the Origin header of upgrade requests.
	// When nil every origin is accepted; callers are authenticated by token.
	CheckOrigin func(r *http.Request) bool
}

// StreamHandler upgrades clients to WebSocket connections and attaches them to
// the subscription engine.
type StreamHandler struct {
	engine   StreamEngine
	logger   zerolog.Logger
	upgrader websocket.Upgrader
}

// NewStreamHandler creates a new StreamHandler.
func NewStreamHandler(cfg StreamConfig) *StreamHandler {
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &StreamHandler{
		engine: cfg.Engine,
		logger: cfg.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  maxMessageSize,
			WriteBufferSize: 4 << 10,
			CheckOrigin:     checkOrigin,
		},
	}
}

// Subscribe handles GET /v1/ws/air-quality - a live air quality stream.
// Clients send {"latitude": ..., "longitude": ...} to (re)subscribe.
func (h *StreamHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written an HTTP error.
		h.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	clientID := middleware.GetUserID(r.Context()) + ":" + uuid.New().String()
	logger := h.logger.With().Str("client_id", clientID).Logger()
	transport := newWSTransport(conn)

	if err := h.engine.Connect(clientID, transport); err != nil {
		logger.Warn().Err(err).Msg("rejecting stream client")
		code := websocket.CloseInternalServerErr
		if errors.Is(err, stream.ErrEngineClosed) {
			code = websocket.CloseGoingAway
		}
		transport.closeWith(code, err.Error())
		return
	}
	defer h.engine.Disconnect(clientID)

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go transport.keepAlive(done, logger)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				logger.Debug().Err(err).Msg("stream client read failed")
			}
			return
		}
		if err := h.engine.HandleMessage(clientID, data); err != nil {
			logger.Debug().Err(err).Msg("stream message rejected")
		}
	}
}

// wsTransport adapts a WebSocket connection to stream.Transport.
type wsTransport struct {
	conn *websocket.Conn

	mu        sync.Mutex // serializes data frames
	closeOnce sync.Once
}

func newWSTransport(conn *websocket.Conn) *wsTransport {
	return &wsTransport{conn: conn}
}

// Send writes msg as a JSON text frame, bounded by ctx's deadline.
func (t *wsTransport) Send(ctx context.Context, msg stream.Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return t.conn.WriteJSON(msg)
}

// Close sends a normal close frame and closes the connection.
func (t *wsTransport) Close() error {
	return t.closeWith(websocket.CloseNormalClosure, "")
}

func (t *wsTransport) closeWith(code int, text string) error {
	var err error
	t.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, text)
		_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWait))
		err = t.conn.Close()
	})
	return err
}

// keepAlive pings the peer until done is closed or a ping fails.
func (t *wsTransport) keepAlive(done <-chan struct{}, logger zerolog.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(closeWait)); err != nil {
				logger.Debug().Err(err).Msg("stream ping failed")
				_ = t.conn.Close()
				return
			}
		}
	}
}
