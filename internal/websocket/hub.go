package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"tempmail/relay/internal/domain"
	"tempmail/relay/internal/monitoring"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 64
)

// ErrNoAddress 会话当前没有占用地址
var ErrNoAddress = errors.New("session has no current address")

// AddressResolver 根据会话密钥取当前占用的地址
type AddressResolver interface {
	CurrentAddress(ctx context.Context, sessionKey string) (string, error)
}

// SessionKeyFunc 从请求中取会话密钥，由身份中间件提供
type SessionKeyFunc func(c *gin.Context) string

// upgraderFactory 创建带有 Origin 验证的 WebSocket 升级器
func upgraderFactory(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			requestOrigin := r.Header.Get("Origin")
			if requestOrigin == "" {
				return true
			}
			for _, origin := range allowedOrigins {
				if origin == "*" || origin == requestOrigin {
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
	MessageTypeNewMail     MessageType = "new_mail"
	MessageTypePing        MessageType = "ping"
	MessageTypePong        MessageType = "pong"
	MessageTypeSubscribe   MessageType = "subscribe"
	MessageTypeUnsubscribe MessageType = "unsubscribe"
	MessageTypeSubscribed  MessageType = "subscribed"
	MessageTypeError       MessageType = "error"
)

// Message 定义WebSocket消息结构
type Message struct {
	Type      MessageType     `json:"type"`
	Address   string          `json:"address,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Client 代表一个WebSocket客户端连接
type Client struct {
	ID         string
	SessionKey string
	conn       *websocket.Conn
	send       chan []byte
	hub        *Hub
	address    string // 当前订阅的地址，每个连接只订阅一个
	closed     bool   // send 已关闭，由 hub.mu 保护
	mu         sync.Mutex
	log        *zap.Logger
}

// Hub 管理所有WebSocket连接，按地址分发新邮件通知
type Hub struct {
	clients        map[string]*Client            // clientID -> Client
	addresses      map[string]map[string]*Client // address -> clientID -> Client
	register       chan *Client
	unregister     chan *Client
	broadcast      chan *broadcastMessage
	mu             sync.RWMutex
	log            *zap.Logger
	allowedOrigins []string
	resolver       AddressResolver
	metrics        *monitoring.Metrics
}

type broadcastMessage struct {
	Address string
	Message *Message
}

// NewHub 创建WebSocket Hub
//
// 参数:
//   - allowedOrigins: 允许的 Origin 列表，用于 WebSocket 连接验证
//   - resolver: 校验订阅的地址确实被该会话占用
func NewHub(allowedOrigins []string, resolver AddressResolver, logger *zap.Logger) *Hub {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients:        make(map[string]*Client),
		addresses:      make(map[string]map[string]*Client),
		register:       make(chan *Client),
		unregister:     make(chan *Client),
		broadcast:      make(chan *broadcastMessage, 256),
		log:            logger.Named("websocket"),
		allowedOrigins: allowedOrigins,
		resolver:       resolver,
	}
}

// SetMetrics 设置连接数指标
func (h *Hub) SetMetrics(m *monitoring.Metrics) {
	h.metrics = m
}

// Run 启动Hub，ctx 结束时关闭所有连接
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.log.Info("websocket hub stopped")
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.ID] = client
			count := len(h.clients)
			h.mu.Unlock()
			h.metrics.UpdateWebsocketClients(count)
			h.log.Debug("client registered", zap.String("id", client.ID))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.ID]; ok {
				h.detachLocked(client)
				delete(h.clients, client.ID)
				client.closed = true
				close(client.send)
			}
			count := len(h.clients)
			h.mu.Unlock()
			h.metrics.UpdateWebsocketClients(count)
			h.log.Debug("client unregistered", zap.String("id", client.ID))

		case msg := <-h.broadcast:
			h.broadcastToAddress(msg.Address, msg.Message)
		}
	}
}

// NewMailData 新邮件通知数据
type NewMailData struct {
	Count    int                     `json:"count"`
	Messages []domain.MessageSummary `json:"messages"`
}

// NotifyNewMessages 通知订阅该地址的客户端
func (h *Hub) NotifyNewMessages(address string, messages []domain.MessageSummary) {
	if len(messages) == 0 || !h.hasSubscribers(address) {
		return
	}

	data, err := json.Marshal(NewMailData{Count: len(messages), Messages: messages})
	if err != nil {
		h.log.Error("failed to marshal new mail data", zap.Error(err))
		return
	}

	msg := &broadcastMessage{
		Address: address,
		Message: &Message{Type: MessageTypeNewMail, Address: address, Data: data, Timestamp: time.Now()},
	}
	select {
	case h.broadcast <- msg:
	default:
		h.log.Warn("broadcast queue full, dropping notification", zap.String("address", address))
	}
}

// Subscribers 订阅该地址的连接数
func (h *Hub) Subscribers(address string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.addresses[address])
}

func (h *Hub) hasSubscribers(address string) bool {
	return h.Subscribers(address) > 0
}

func (h *Hub) broadcastToAddress(address string, msg *Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error("failed to marshal message", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.addresses[address] {
		if client.closed {
			continue
		}
		select {
		case client.send <- data:
		default:
			h.log.Warn("client channel blocked, skipping", zap.String("clientID", client.ID))
		}
	}
}

// attach 把客户端挂到新地址下，同时离开旧地址；已断开的连接返回 false
func (h *Hub) attach(client *Client, address string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if client.closed {
		return false
	}
	h.detachLocked(client)

	client.mu.Lock()
	client.address = address
	client.mu.Unlock()

	if h.addresses[address] == nil {
		h.addresses[address] = make(map[string]*Client)
	}
	h.addresses[address][client.ID] = client
	return true
}

func (h *Hub) detach(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.detachLocked(client)
}

func (h *Hub) detachLocked(client *Client) {
	client.mu.Lock()
	address := client.address
	client.address = ""
	client.mu.Unlock()

	if address == "" {
		return
	}
	if clients, ok := h.addresses[address]; ok {
		delete(clients, client.ID)
		if len(clients) == 0 {
			delete(h.addresses, address)
		}
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, client := range h.clients {
		client.closed = true
		close(client.send)
	}
	h.clients = make(map[string]*Client)
	h.addresses = make(map[string]map[string]*Client)
	h.metrics.UpdateWebsocketClients(0)
}

// authorize 确认地址是该会话当前占用的地址；address 为空时直接取当前地址
func (h *Hub) authorize(ctx context.Context, sessionKey, address string) (string, error) {
	current, err := h.resolver.CurrentAddress(ctx, sessionKey)
	if err != nil {
		return "", err
	}
	if current == "" {
		return "", ErrNoAddress
	}
	if address != "" && address != current {
		return "", errors.New("address is not held by this session")
	}
	return current, nil
}

// HandleWebSocket 处理WebSocket连接，连接后自动订阅会话当前地址
func HandleWebSocket(hub *Hub, sessionKey SessionKeyFunc) gin.HandlerFunc {
	upgrader := upgraderFactory(hub.allowedOrigins)

	return func(c *gin.Context) {
		key := sessionKey(c)
		if key == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "msg": "会话无效"})
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
			ID:         uuid.NewString(),
			SessionKey: key,
			conn:       conn,
			hub:        hub,
			send:       make(chan []byte, sendBuffer),
			log:        hub.log,
		}
		hub.register <- client

		go client.writePump()
		// 首次订阅完成后才开始读，避免与客户端发来的 subscribe 交错
		client.subscribe("")
		go client.readPump()
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Debug("websocket closed", zap.Error(err))
			}
			return
		}
		c.handleMessage(&msg)
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
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleMessage(msg *Message) {
	switch msg.Type {
	case MessageTypeSubscribe:
		c.subscribe(msg.Address)
	case MessageTypeUnsubscribe:
		c.hub.detach(c)
	case MessageTypePing:
		c.sendMessage(&Message{Type: MessageTypePong, Timestamp: time.Now()})
	case MessageTypePong:
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	default:
		c.sendError("unknown message type")
	}
}

// subscribe 地址换新后前端重新发送 subscribe 即可跟随
func (c *Client) subscribe(address string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	current, err := c.hub.authorize(ctx, c.SessionKey, address)
	if err != nil {
		c.log.Debug("subscription denied",
			zap.String("clientID", c.ID),
			zap.String("address", address),
			zap.Error(err))
		c.sendError("no permission to subscribe this address")
		return
	}

	if !c.hub.attach(c, current) {
		return
	}
	c.sendMessage(&Message{Type: MessageTypeSubscribed, Address: current, Timestamp: time.Now()})
}

func (c *Client) sendError(errMsg string) {
	c.sendMessage(&Message{Type: MessageTypeError, Error: errMsg, Timestamp: time.Now()})
}

func (c *Client) sendMessage(msg *Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.log.Error("failed to marshal message", zap.Error(err))
		return
	}

	// send 可能已被 Hub 关闭
	defer func() { _ = recover() }()
	select {
	case c.send <- data:
	default:
		c.log.Warn("client channel blocked", zap.String("clientID", c.ID))
	}
}
