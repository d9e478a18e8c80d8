// Package websocket 向浏览器推送发件进度
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	authjwt "bulkmail/backend/internal/auth/jwt"
	"bulkmail/backend/internal/domain"
	"bulkmail/backend/internal/logger"
	"bulkmail/backend/internal/monitoring"
)

const (
	pingInterval = 30 * time.Second
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
	sendBuffer   = 256
)

// ErrHubBusy 广播队列已满，事件被丢弃
var ErrHubBusy = errors.New("websocket: broadcast queue is full")

// TokenValidator 令牌校验
type TokenValidator interface {
	ValidateToken(token string) (*authjwt.Claims, error)
}

// GroupStore 订阅时校验发件组归属
type GroupStore interface {
	GetSendingGroup(ctx context.Context, id int64) (*domain.SendingGroup, error)
}

// ProgressSource 订阅成功后立即推送的当前进度
type ProgressSource func(groupID int64) (*domain.ProgressEvent, bool)

// upgraderFactory 创建带有 Origin 验证的 WebSocket 升级器
func upgraderFactory(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			for _, origin := range allowedOrigins {
				if origin == "*" {
					return true
				}
			}

			requestOrigin := r.Header.Get("Origin")
			if requestOrigin == "" {
				return true
			}
			for _, origin := range allowedOrigins {
				if requestOrigin == origin {
					return true
				}
			}
			return false
		},
	}
}

// MessageType 定义WebSocket消息类型
type MessageType string

const (
	MessageTypeProgress      MessageType = "progress"
	MessageTypeItemResult    MessageType = "item_result"
	MessageTypeGroupFinished MessageType = "group_finished"
	MessageTypePing          MessageType = "ping"
	MessageTypePong          MessageType = "pong"
	MessageTypeSubscribe     MessageType = "subscribe"
	MessageTypeUnsubscribe   MessageType = "unsubscribe"
	MessageTypeSubscribed    MessageType = "subscribed"
	MessageTypeError         MessageType = "error"
)

// Message 定义WebSocket消息结构
//
// 订阅时 GroupID 为 0 表示订阅当前用户的全部发件组
type Message struct {
	Type      MessageType     `json:"type"`
	GroupID   int64           `json:"groupId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Client 代表一个WebSocket客户端连接
type Client struct {
	ID     string
	UserID int64
	Admin  bool

	conn *websocket.Conn
	send chan []byte
	hub  *Hub
	log  *zap.Logger

	mu     sync.RWMutex
	groups map[int64]bool
	all    bool
}

// wants 是否应收到该事件
func (c *Client) wants(event *domain.ProgressEvent) bool {
	if !c.Admin && c.UserID != event.UserID {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.all || c.groups[event.GroupID]
}

// Hub 管理所有WebSocket连接
type Hub struct {
	clients    map[string]*Client
	unregister chan *Client
	broadcast  chan *domain.ProgressEvent
	done       chan struct{}
	mu         sync.RWMutex
	stopped    bool

	allowedOrigins []string
	tokens         TokenValidator
	groups         GroupStore
	progress       ProgressSource
	metrics        *monitoring.Metrics
	log            *zap.Logger
}

// NewHub 创建WebSocket Hub
//
// 参数:
//   - allowedOrigins: 允许的 Origin 列表，为空时允许所有
//   - tokens: 访问令牌校验
//   - groups: 发件组存储，用于校验订阅权限
//   - log: 日志记录器
func NewHub(allowedOrigins []string, tokens TokenValidator, groups GroupStore, log *zap.Logger) *Hub {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}

	return &Hub{
		clients:        make(map[string]*Client),
		unregister:     make(chan *Client),
		broadcast:      make(chan *domain.ProgressEvent, 1024),
		done:           make(chan struct{}),
		allowedOrigins: allowedOrigins,
		tokens:         tokens,
		groups:         groups,
		log:            logger.OrNop(log).Named("websocket"),
	}
}

// SetProgressSource 设置订阅时的当前进度来源
func (h *Hub) SetProgressSource(src ProgressSource) {
	h.progress = src
}

// SetMetrics 设置连接数指标
func (h *Hub) SetMetrics(m *monitoring.Metrics) {
	h.metrics = m
}

// Run 启动Hub，ctx 结束时关闭所有连接
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.log.Info("websocket hub stopped")
			h.closeAllClients()
			return

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.ID]; ok {
				delete(h.clients, client.ID)
				close(client.send)
			}
			count := len(h.clients)
			h.mu.Unlock()
			h.updateClients(count)
			h.log.Debug("client unregistered", zap.String("id", client.ID))

		case event := <-h.broadcast:
			h.deliver(event)

		case <-ticker.C:
			h.pingAllClients()
		}
	}
}

// PublishProgress 将进度事件放入广播队列，不阻塞调用方
func (h *Hub) PublishProgress(ctx context.Context, event *domain.ProgressEvent) error {
	select {
	case h.broadcast <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrHubBusy
	}
}

// addClient 登记客户端，Hub 已停止时返回 false
func (h *Hub) addClient(client *Client) bool {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return false
	}
	h.clients[client.ID] = client
	count := len(h.clients)
	h.mu.Unlock()
	h.updateClients(count)
	h.log.Debug("client registered", zap.String("id", client.ID), zap.Int64("user_id", client.UserID))
	return true
}

// ClientCount 当前连接数
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) updateClients(count int) {
	if h.metrics != nil {
		h.metrics.UpdateWebSocketClients(count)
	}
}

// deliver 向订阅了该发件组的客户端发送事件
func (h *Hub) deliver(event *domain.ProgressEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		h.log.Error("failed to marshal progress event", zap.Error(err))
		return
	}
	msg, err := json.Marshal(&Message{
		Type:      MessageType(event.Type),
		GroupID:   event.GroupID,
		Data:      data,
		Timestamp: event.Timestamp,
	})
	if err != nil {
		h.log.Error("failed to marshal message", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		if !client.wants(event) {
			continue
		}
		select {
		case client.send <- msg:
		default:
			h.log.Warn("client channel blocked, skipping", zap.String("client_id", client.ID))
		}
	}
}

// pingAllClients 向所有客户端发送ping
func (h *Hub) pingAllClients() {
	data, err := json.Marshal(&Message{Type: MessageTypePing, Timestamp: time.Now()})
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		select {
		case client.send <- data:
		default:
		}
	}
}

// closeAllClients 关闭所有客户端连接
func (h *Hub) closeAllClients() {
	h.mu.Lock()
	h.stopped = true
	for _, client := range h.clients {
		close(client.send)
	}
	h.clients = make(map[string]*Client)
	h.mu.Unlock()
	h.updateClients(0)
}

// authenticate 从 URL 参数或 Authorization 头取出令牌并校验
func (h *Hub) authenticate(c *gin.Context) (*authjwt.Claims, error) {
	token := c.Query("token")
	if token == "" {
		parts := strings.SplitN(c.GetHeader("Authorization"), " ", 2)
		if len(parts) == 2 && parts[0] == "Bearer" {
			token = parts[1]
		}
	}
	if token == "" {
		return nil, errors.New("missing authentication token")
	}
	return h.tokens.ValidateToken(token)
}

// HandleWebSocket 处理WebSocket连接
func HandleWebSocket(hub *Hub) gin.HandlerFunc {
	upgrader := upgraderFactory(hub.allowedOrigins)

	return func(c *gin.Context) {
		claims, err := hub.authenticate(c)
		if err != nil {
			hub.log.Warn("websocket authentication failed",
				zap.Error(err),
				zap.String("remote_addr", c.ClientIP()))
			c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			hub.log.Warn("failed to upgrade connection",
				zap.Error(err),
				zap.String("origin", c.Request.Header.Get("Origin")),
				zap.String("remote_addr", c.ClientIP()))
			return
		}

		client := &Client{
			ID:     uuid.NewString(),
			UserID: claims.UserID,
			Admin:  claims.IsAdmin(),
			conn:   conn,
			send:   make(chan []byte, sendBuffer),
			hub:    hub,
			log:    hub.log,
			groups: make(map[int64]bool),
		}

		if !hub.addClient(client) {
			conn.Close()
			return
		}

		go client.writePump()
		go client.readPump()
	}
}

// readPump 处理客户端消息
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn("websocket error", zap.Error(err))
			}
			return
		}
		c.handleMessage(&msg)
	}
}

// writePump 发送消息给客户端
func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage 处理接收到的消息
func (c *Client) handleMessage(msg *Message) {
	switch msg.Type {
	case MessageTypeSubscribe:
		c.subscribe(msg.GroupID)
	case MessageTypeUnsubscribe:
		c.unsubscribe(msg.GroupID)
	case MessageTypePong:
		c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	default:
		c.log.Debug("unknown message type", zap.String("type", string(msg.Type)))
	}
}

// subscribe 订阅发件组，groupID 为 0 时订阅全部
func (c *Client) subscribe(groupID int64) {
	if groupID < 0 {
		c.sendError("invalid group id")
		return
	}

	if groupID > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		group, err := c.hub.groups.GetSendingGroup(ctx, groupID)
		cancel()
		if err != nil || (!c.Admin && group.UserID != c.UserID) {
			c.log.Debug("subscription denied",
				zap.String("client_id", c.ID),
				zap.Int64("group_id", groupID),
				zap.Error(err))
			c.sendError("sending group not found")
			return
		}
	}

	c.mu.Lock()
	if groupID == 0 {
		c.all = true
	} else {
		c.groups[groupID] = true
	}
	c.mu.Unlock()

	c.sendMessage(&Message{
		Type:      MessageTypeSubscribed,
		GroupID:   groupID,
		Timestamp: time.Now(),
	})

	if groupID > 0 && c.hub.progress != nil {
		if event, ok := c.hub.progress(groupID); ok {
			data, err := json.Marshal(event)
			if err == nil {
				c.sendMessage(&Message{
					Type:      MessageTypeProgress,
					GroupID:   groupID,
					Data:      data,
					Timestamp: time.Now(),
				})
			}
		}
	}
}

// unsubscribe 取消订阅，groupID 为 0 时取消全部
func (c *Client) unsubscribe(groupID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if groupID == 0 {
		c.all = false
		c.groups = make(map[int64]bool)
		return
	}
	delete(c.groups, groupID)
}

// sendError 发送错误消息给客户端
func (c *Client) sendError(errMsg string) {
	c.sendMessage(&Message{
		Type:      MessageTypeError,
		Error:     errMsg,
		Timestamp: time.Now(),
	})
}

// sendMessage 发送消息给客户端
func (c *Client) sendMessage(msg *Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.log.Error("failed to marshal message", zap.Error(err))
		return
	}

	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if _, ok := c.hub.clients[c.ID]; !ok {
		return
	}
	select {
	case c.send <- data:
	default:
		c.log.Warn("client channel blocked", zap.String("client_id", c.ID))
	}
}
