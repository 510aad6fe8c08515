package realtime

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/aura-telehealth/backend/internal/auth"
	"github.com/aura-telehealth/backend/internal/models"
	"github.com/aura-telehealth/backend/pkg/signaling"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 65536
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // origin is enforced by the token, not the browser
	},
}

// TokenValidator validates an access token.
type TokenValidator func(token string) (*auth.Claims, error)

// Client is one participant socket.
type Client struct {
	ID     string
	UserID uuid.UUID
	Role   models.Role

	hub    *Hub
	conn   *websocket.Conn
	send   chan signaling.WSMessage
	done   chan struct{}
	once   sync.Once
	logger *zap.Logger
}

func newClient(hub *Hub, conn *websocket.Conn, claims *auth.Claims, logger *zap.Logger) *Client {
	return &Client{
		ID:     uuid.New().String(),
		UserID: claims.UserID,
		Role:   claims.Role,
		hub:    hub,
		conn:   conn,
		send:   make(chan signaling.WSMessage, sendBufferSize),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// ServeWs upgrades the request and runs the socket until it disconnects. The
// token comes from the "token" query parameter or a bearer header.
func ServeWs(hub *Hub, validate TokenValidator, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Query("token")
		if token == "" {
			token, _ = auth.BearerToken(c.GetHeader("Authorization"))
		}
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "token required"})
			return
		}
		claims, err := validate(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		client := newClient(hub, conn, claims, logger)
		hub.Register(client)
		go client.writePump()
		client.readPump()
	}
}

// enqueue queues msg without blocking; a full buffer drops the message.
func (c *Client) enqueue(msg signaling.WSMessage) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		c.logger.Warn("socket send buffer full, dropping message", zap.String("socket_id", c.ID), zap.String("event", msg.Event))
		return false
	}
}

func (c *Client) close() {
	c.once.Do(func() { close(c.done) })
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(PongWait))
	})

	for {
		var msg signaling.WSMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Info("socket read failed", zap.String("socket_id", c.ID), zap.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait))
		c.hub.HandleMessage(c, msg)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
