package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"wisefido-maintenance/internal/metrics"
	"wisefido-maintenance/internal/models"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBuffer     = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type hubMessage struct {
	tenantID string
	data     []byte
}

// Hub WebSocket 告警推送：订阅者只收到自己租户的告警
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan hubMessage
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex
	logger     *zap.Logger
}

// Client 一个 WebSocket 订阅者
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	tenantID string
}

// NewHub 创建 Hub，需要调用 Run
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients:    map[*Client]bool{},
		broadcast:  make(chan hubMessage, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run 事件循环，ctx 取消时关闭全部连接
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			metrics.WebsocketClients.Set(0)
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebsocketClients.Set(float64(n))
			h.logger.Debug("Alert subscriber registered",
				zap.String("tenant_id", c.tenantID),
				zap.String("remote", c.conn.RemoteAddr().String()),
			)

		case c := <-h.unregister:
			h.remove(c)

		case msg := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				if c.tenantID != msg.tenantID {
					continue
				}
				select {
				case c.send <- msg.data:
				default:
					// 发送缓冲满，视为掉线
					close(c.send)
					delete(h.clients, c)
					h.logger.Warn("Alert subscriber too slow, dropped", zap.String("tenant_id", c.tenantID))
				}
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebsocketClients.Set(float64(n))
		}
	}
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.WebsocketClients.Set(float64(n))
}

// ClientCount 当前订阅者数量
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) Name() string { return "websocket" }

// Send 实现 Sink
func (h *Hub) Send(ctx context.Context, alert models.Alert, _ []byte) error {
	data, err := json.Marshal(map[string]interface{}{"type": "alert", "payload": alert})
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}
	select {
	case h.broadcast <- hubMessage{tenantID: alert.TenantID, data: data}:
		return nil
	case <-h.done:
		return fmt.Errorf("alert hub stopped")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ServeWS 升级连接并注册订阅者
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, tenantID string) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("failed to upgrade websocket: %w", err)
	}
	c := &Client{hub: h, conn: conn, send: make(chan []byte, sendBuffer), tenantID: tenantID}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return fmt.Errorf("alert hub stopped")
	case <-r.Context().Done():
		conn.Close()
		return r.Context().Err()
	}
	go c.writePump()
	go c.readPump()
	return nil
}

// readPump 只处理 pong 与关闭；订阅者不发送业务消息
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug("Alert subscriber read error", zap.Error(err))
			}
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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
