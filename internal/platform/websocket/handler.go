package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/rcm/rcm/internal/platform/auth"
	"github.com/rcm/rcm/internal/platform/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// Authenticator resolves a bearer token to an identity.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*auth.Identity, error)
}

type authMessage struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

// Handler upgrades HTTP requests and runs the per-connection pumps.
type Handler struct {
	hub         *Hub
	authn       Authenticator
	upgrader    gorillawebsocket.Upgrader
	authTimeout time.Duration
	inbound     rate.Limit
	burst       int
	logger      zerolog.Logger
}

// NewHandler accepts connections from the given origins. An empty list
// accepts any origin.
func NewHandler(hub *Hub, authn Authenticator, origins []string, logger zerolog.Logger) *Handler {
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[o] = struct{}{}
	}
	return &Handler{
		hub:   hub,
		authn: authn,
		upgrader: gorillawebsocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" || len(allowed) == 0 {
					return true
				}
				_, ok := allowed[origin]
				return ok
			},
		},
		authTimeout: 10 * time.Second,
		inbound:     rate.Limit(5),
		burst:       10,
		logger:      logger.With().Str("component", "websocket").Logger(),
	}
}

func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/ws", h.HandleConnect)
}

// HandleConnect upgrades the connection and hands it to a goroutine. The
// upgrader has already answered the client when it fails.
func (h *Handler) HandleConnect(c echo.Context) error {
	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.logger.Debug().Err(err).Str("remote_ip", c.RealIP()).Msg("websocket upgrade failed")
		return nil
	}
	go h.serve(ws)
	return nil
}

func (h *Handler) serve(ws *gorillawebsocket.Conn) {
	metrics.WebsocketConnections.Inc()
	defer metrics.WebsocketConnections.Dec()

	ws.SetReadLimit(maxMessageSize)

	id, err := h.handshake(ws)
	if err != nil {
		h.logger.Info().Err(err).Msg("websocket authentication failed")
		h.writeJSON(ws, Message{Type: "auth:error", Data: map[string]string{"message": "Authentication failed"}})
		_ = ws.WriteControl(gorillawebsocket.CloseMessage,
			gorillawebsocket.FormatCloseMessage(gorillawebsocket.ClosePolicyViolation, "authentication failed"),
			time.Now().Add(writeWait))
		_ = ws.Close()
		return
	}

	client := NewClient(uuid.NewString(), id.ID.String())
	client.Rooms = []string{UserRoom(client.UserID)}

	if err := h.writeJSON(ws, Message{Type: "auth:success", Data: map[string]string{"message": "Authenticated successfully"}}); err != nil {
		_ = ws.Close()
		return
	}
	h.hub.Register(client)
	h.logger.Info().Str("client_id", client.ID).Str("user_id", client.UserID).Msg("websocket authenticated")

	go h.writePump(client, ws)
	h.readPump(client, ws)
}

// handshake waits for the auth message and validates its token.
func (h *Handler) handshake(ws *gorillawebsocket.Conn) (*auth.Identity, error) {
	_ = ws.SetReadDeadline(time.Now().Add(h.authTimeout))

	var msg authMessage
	if err := ws.ReadJSON(&msg); err != nil {
		return nil, err
	}
	if msg.Type != "auth" || msg.Token == "" {
		return nil, auth.ErrNoToken
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return h.authn.Authenticate(ctx, msg.Token)
}

func (h *Handler) readPump(client *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		h.hub.Unregister(client)
		_ = ws.Close()
		h.logger.Info().Str("client_id", client.ID).Msg("websocket disconnected")
	}()

	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	limiter := rate.NewLimiter(h.inbound, h.burst)
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if !limiter.Allow() {
			h.logger.Debug().Str("client_id", client.ID).Msg("dropping throttled message")
			continue
		}

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		if msg.Type == "ping" {
			h.hub.SendTo(client, Message{Type: "pong"})
		}
	}
}

func (h *Handler) writePump(client *Client, ws *gorillawebsocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = ws.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = ws.WriteMessage(gorillawebsocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(gorillawebsocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Handler) writeJSON(ws *gorillawebsocket.Conn, msg Message) error {
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.WriteJSON(msg)
}
