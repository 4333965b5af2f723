package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"settlement-core/internal/middleware"
	"settlement-core/internal/services"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type Message struct {
	Type   string      `json:"type"`
	UserID string      `json:"user_id,omitempty"`
	Data   interface{} `json:"data"`
}

type Client struct {
	UserID string
	Conn   *websocket.Conn

	mu sync.Mutex
}

func (c *Client) write(msg *Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.Conn.WriteJSON(msg)
}

// WebSocketHub fans user events out to that user's open connections. It
// implements services.Notifier; events for users with no connection are
// dropped.
type WebSocketHub struct {
	clients    map[string]map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan *Message
	done       chan struct{}
	log        *zap.Logger
}

func NewWebSocketHub(log *zap.Logger) *WebSocketHub {
	return &WebSocketHub{
		clients:    make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *Message, 256),
		done:       make(chan struct{}),
		log:        log,
	}
}

// Run serves the hub until ctx is done, then closes every connection.
func (hub *WebSocketHub) Run(ctx context.Context) {
	defer close(hub.done)
	for {
		select {
		case <-ctx.Done():
			for _, conns := range hub.clients {
				for client := range conns {
					client.Conn.Close()
				}
			}
			return

		case client := <-hub.register:
			if hub.clients[client.UserID] == nil {
				hub.clients[client.UserID] = make(map[*Client]bool)
			}
			hub.clients[client.UserID][client] = true
			hub.log.Debug("websocket client registered", zap.String("user_id", client.UserID))

		case client := <-hub.unregister:
			hub.remove(client)

		case message := <-hub.broadcast:
			for client := range hub.clients[message.UserID] {
				if err := client.write(message); err != nil {
					hub.log.Debug("websocket write failed", zap.String("user_id", client.UserID), zap.Error(err))
					client.Conn.Close()
					hub.remove(client)
				}
			}
		}
	}
}

func (hub *WebSocketHub) remove(client *Client) {
	conns, ok := hub.clients[client.UserID]
	if !ok || !conns[client] {
		return
	}
	delete(conns, client)
	if len(conns) == 0 {
		delete(hub.clients, client.UserID)
	}
	hub.log.Debug("websocket client unregistered", zap.String("user_id", client.UserID))
}

func (hub *WebSocketHub) NotifyUser(userID, eventType string, data interface{}) {
	msg := &Message{Type: eventType, UserID: userID, Data: data}
	select {
	case hub.broadcast <- msg:
	case <-hub.done:
	default:
		hub.log.Warn("websocket broadcast queue full, dropping event",
			zap.String("user_id", userID),
			zap.String("type", eventType),
		)
	}
}

var _ services.Notifier = (*WebSocketHub)(nil)

type WebSocketHandler struct {
	hub    *WebSocketHub
	ledger *services.Ledger
	log    *zap.Logger
}

func NewWebSocketHandler(hub *WebSocketHub, ledger *services.Ledger, log *zap.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		hub:    hub,
		ledger: ledger,
		log:    log,
	}
}

func (h *WebSocketHandler) HandleWebSocket(c *gin.Context) {
	userID := c.GetString(middleware.ContextUserID)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("failed to upgrade to websocket", zap.Error(err))
		return
	}

	client := &Client{
		UserID: userID,
		Conn:   conn,
	}

	select {
	case h.hub.register <- client:
	case <-h.hub.done:
		conn.Close()
		return
	}

	defer func() {
		select {
		case h.hub.unregister <- client:
		case <-h.hub.done:
		}
		conn.Close()
	}()

	h.sendBalance(c.Request.Context(), client)

	for {
		var msg Message
		err := conn.ReadJSON(&msg)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("websocket read failed", zap.String("user_id", userID), zap.Error(err))
			}
			break
		}

		if msg.Type == "PING" {
			client.write(&Message{
				Type: "PONG",
				Data: gin.H{"timestamp": time.Now().Unix()},
			})
		}
	}
}

func (h *WebSocketHandler) sendBalance(ctx context.Context, client *Client) {
	balance, err := h.ledger.Balance(ctx, client.UserID)
	if err != nil {
		h.log.Warn("failed to load balance for websocket", zap.String("user_id", client.UserID), zap.Error(err))
		return
	}

	client.write(&Message{
		Type: services.EventBalance,
		Data: gin.H{"balance": balance},
	})
}
