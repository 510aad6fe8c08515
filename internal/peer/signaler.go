package peer

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/aura-telehealth/backend/pkg/signaling"
)

const (
	writeWait      = 10 * time.Second
	messageBacklog = 64
)

// Signaler carries relay messages for the coordinator.
type Signaler interface {
	Send(event string, payload interface{}) error
	// Messages is closed when the connection drops.
	Messages() <-chan signaling.WSMessage
	Close() error
}

// WSSignaler is a Signaler over the relay websocket.
type WSSignaler struct {
	conn   *websocket.Conn
	msgs   chan signaling.WSMessage
	done   chan struct{}
	mu     sync.Mutex
	once   sync.Once
	logger *zap.Logger
}

// DialSignaler connects to the relay at wsURL authenticating with token.
func DialSignaler(ctx context.Context, wsURL, token string, logger *zap.Logger) (*WSSignaler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("parse relay url: %w", err)
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial relay: %s: %w", resp.Status, err)
		}
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	s := &WSSignaler{
		conn:   conn,
		msgs:   make(chan signaling.WSMessage, messageBacklog),
		done:   make(chan struct{}),
		logger: logger,
	}
	go s.readLoop()
	return s, nil
}

// Send implements Signaler.
func (s *WSSignaler) Send(event string, payload interface{}) error {
	msg, err := signaling.Encode(event, payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("send %s: %w", event, err)
	}
	return nil
}

// Messages implements Signaler.
func (s *WSSignaler) Messages() <-chan signaling.WSMessage { return s.msgs }

// Close sends a close frame and drops the connection.
func (s *WSSignaler) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		s.mu.Lock()
		_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.mu.Unlock()
		err = s.conn.Close()
	})
	return err
}

func (s *WSSignaler) readLoop() {
	defer close(s.msgs)
	for {
		var msg signaling.WSMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("relay connection lost", zap.Error(err))
			}
			return
		}
		select {
		case s.msgs <- msg:
		case <-s.done:
			return
		}
	}
}
