package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Hub WebSocket连接管理中心
// 面向运维面板：柜格状态、柜机在线状态、硬件错误实时推送
type Hub struct {
	// 客户端连接池
	clients   map[string]*Client
	clientsMu sync.RWMutex

	// 消息广播通道
	broadcast chan *Message

	// 注册/注销通道
	register   chan *Client
	unregister chan *Client

	// 事件历史缓冲，供断线客户端拉取补齐
	events *EventBuffer

	logger *zap.Logger
}

// Message WebSocket消息
type Message struct {
	Type      string          `json:"type"`
	KioskID   string          `json:"kiosk_id,omitempty"`
	Seq       uint64          `json:"seq,omitempty"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

// MessageType 消息类型
const (
	// 系统消息
	MessageTypeConnected = "connected"
	MessageTypePing      = "ping"
	MessageTypePong      = "pong"
	MessageTypeError     = "error"
	MessageTypeSubscribe = "subscribe"

	// 业务消息
	MessageTypeStateUpdate      = "state_update"      // 柜格状态变更
	MessageTypeConnectionStatus = "connection_status" // 柜机上线/离线
	MessageTypeHardwareError    = MessageTypeError    // 硬件故障，广播消息带kiosk_id和locker_id
	MessageTypeSessionUpdate    = "session_update"    // 刷卡会话开始/取消/超时
)

// NewHub 创建Hub
func NewHub(logger *zap.Logger, eventBufferSize int) *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		broadcast:  make(chan *Message, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		events:     NewEventBuffer(eventBufferSize),
		logger:     logger,
	}
}

// Run 运行Hub
func (h *Hub) Run() {
	// 启动心跳检测
	go h.runHeartbeat()

	for {
		select {
		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)

		case message := <-h.broadcast:
			h.broadcastMessage(message)
		}
	}
}

// registerClient 注册客户端
func (h *Hub) registerClient(client *Client) {
	h.clientsMu.Lock()
	h.clients[client.ID] = client
	h.clientsMu.Unlock()

	h.logger.Info("WebSocket客户端连接",
		zap.String("client_id", client.ID),
		zap.String("remote", client.Remote))

	// 发送连接成功消息，带当前序号方便客户端对齐事件流
	data, _ := json.Marshal(map[string]interface{}{
		"message":  "连接成功",
		"last_seq": h.events.LastSeq(),
	})
	msg := &Message{
		Type:      MessageTypeConnected,
		Timestamp: time.Now().Unix(),
		Data:      data,
	}
	h.SendToClient(client.ID, msg)
}

// unregisterClient 注销客户端
func (h *Hub) unregisterClient(client *Client) {
	h.clientsMu.Lock()
	if _, ok := h.clients[client.ID]; ok {
		delete(h.clients, client.ID)
		close(client.Send)
	}
	h.clientsMu.Unlock()

	h.logger.Info("WebSocket客户端断开",
		zap.String("client_id", client.ID))
}

// broadcastMessage 广播消息
// 客户端订阅了特定柜机时只收该柜机的业务消息
func (h *Hub) broadcastMessage(message *Message) {
	data, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("序列化消息失败", zap.Error(err))
		return
	}

	h.clientsMu.RLock()
	for _, client := range h.clients {
		if message.KioskID != "" && client.KioskFilter != "" && client.KioskFilter != message.KioskID {
			continue
		}
		select {
		case client.Send <- data:
		default:
			// 发送缓冲区满，丢弃本条；慢客户端通过事件拉取接口补齐
			h.logger.Warn("客户端发送缓冲区满",
				zap.String("client_id", client.ID))
		}
	}
	h.clientsMu.RUnlock()
}

// SendToClient 发送消息给指定客户端
func (h *Hub) SendToClient(clientID string, message *Message) error {
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}

	h.clientsMu.RLock()
	client, ok := h.clients[clientID]
	h.clientsMu.RUnlock()

	if !ok {
		return ErrClientNotFound
	}

	select {
	case client.Send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// PublishEvent 记录事件并广播
// 事件先进入环形缓冲拿到序号，再推给在线客户端，
// 断线期间漏掉的事件客户端可以按序号拉取
func (h *Hub) PublishEvent(eventType, kioskID string, lockerID *uint, payload interface{}) {
	event := h.events.Append(eventType, kioskID, lockerID, payload)

	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("序列化事件失败", zap.Error(err))
		return
	}

	h.broadcast <- &Message{
		Type:      eventType,
		KioskID:   kioskID,
		Seq:       event.Seq,
		Data:      data,
		Timestamp: event.Timestamp.Unix(),
	}
}

// EventsSince 返回指定序号之后的事件
func (h *Hub) EventsSince(after uint64) []*Event {
	return h.events.Since(after)
}

// LastSeq 返回最新事件序号
func (h *Hub) LastSeq() uint64 {
	return h.events.LastSeq()
}

// Truncated 判断指定序号之后是否有事件已被环形缓冲覆盖
func (h *Hub) Truncated(after uint64) bool {
	return h.events.Truncated(after)
}

// GetOnlineCount 获取在线客户端数
func (h *Hub) GetOnlineCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

// runHeartbeat 运行心跳检测
func (h *Hub) runHeartbeat() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		<-ticker.C
		ping := &Message{
			Type:      MessageTypePing,
			Timestamp: time.Now().Unix(),
		}
		h.broadcast <- ping
	}
}

// Broadcast 广播消息（公开方法）
func (h *Hub) Broadcast(message *Message) {
	h.broadcast <- message
}

// Register 注册客户端（公开方法）
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister 注销客户端（公开方法）
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}
