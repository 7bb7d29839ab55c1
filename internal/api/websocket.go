// internal/api/websocket.go
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Corphon/GalNovelEngine/internal/services"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 4096
	sendBuffer     = 64
)

// WebSocket 升级器配置
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wsMessage 推送给客户端的消息
type wsMessage struct {
	Type      string                   `json:"type"`
	State     *services.SessionState   `json:"state,omitempty"`
	Voice     *services.SpeechClip     `json:"voice,omitempty"`
	Progress  *services.ProgressUpdate `json:"progress,omitempty"`
	Error     string                   `json:"error,omitempty"`
	Timestamp int64                    `json:"timestamp"`
}

// wsIntent 客户端发来的操作
type wsIntent struct {
	Action string `json:"action"`
	Index  int    `json:"index"`
	Value  bool   `json:"value"`
}

// wsClient 一个 websocket 连接
type wsClient struct {
	conn  *websocket.Conn
	topic string
	send  chan []byte
	done  chan struct{}

	mu     sync.Mutex
	closed bool
	once   sync.Once
}

// enqueue 非阻塞发送，队列满时丢弃
func (c *wsClient) enqueue(msg wsMessage) bool {
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// finish 发完队列中的消息后关闭连接
func (c *wsClient) finish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// shutdown 立即断开
func (c *wsClient) shutdown() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// WebSocketHub 管理所有 websocket 连接
type WebSocketHub struct {
	clients map[*wsClient]struct{}
	logger  *zap.Logger
	mu      sync.RWMutex
}

// NewWebSocketHub 创建连接管理器
func NewWebSocketHub(logger *zap.Logger) *WebSocketHub {
	return &WebSocketHub{
		clients: make(map[*wsClient]struct{}),
		logger:  logger.Named("ws"),
	}
}

func (hub *WebSocketHub) register(conn *websocket.Conn, topic string) *wsClient {
	client := &wsClient{
		conn:  conn,
		topic: topic,
		send:  make(chan []byte, sendBuffer),
		done:  make(chan struct{}),
	}
	hub.mu.Lock()
	hub.clients[client] = struct{}{}
	hub.mu.Unlock()
	hub.logger.Debug("连接已建立", zap.String("topic", topic))
	return client
}

func (hub *WebSocketHub) unregister(client *wsClient) {
	client.shutdown()
	hub.mu.Lock()
	delete(hub.clients, client)
	hub.mu.Unlock()
	hub.logger.Debug("连接已关闭", zap.String("topic", client.topic))
}

// Count 当前连接数
func (hub *WebSocketHub) Count() int {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	return len(hub.clients)
}

// Status 按主题统计连接数
func (hub *WebSocketHub) Status() map[string]int {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	out := make(map[string]int)
	for c := range hub.clients {
		out[c.topic]++
	}
	return out
}

// CloseAll 关闭全部连接
func (hub *WebSocketHub) CloseAll() {
	hub.mu.Lock()
	clients := make([]*wsClient, 0, len(hub.clients))
	for c := range hub.clients {
		clients = append(clients, c)
	}
	hub.clients = make(map[*wsClient]struct{})
	hub.mu.Unlock()

	for _, c := range clients {
		c.shutdown()
	}
}

func (hub *WebSocketHub) writePump(client *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.shutdown()
	}()

	for {
		select {
		case message, ok := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				client.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				hub.logger.Debug("写入失败", zap.String("topic", client.topic), zap.Error(err))
				return
			}
		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-client.done:
			return
		}
	}
}

func (hub *WebSocketHub) readPump(client *wsClient, onMessage func([]byte)) {
	defer client.shutdown()

	client.conn.SetReadLimit(maxMessageSize)
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		client.conn.SetReadDeadline(time.Now().Add(pongWait))
		_, data, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				hub.logger.Warn("读取失败", zap.String("topic", client.topic), zap.Error(err))
			}
			return
		}
		if onMessage != nil {
			onMessage(data)
		}
	}
}

// SessionWebSocket 推送会话事件，并接受客户端操作
func (h *Handler) SessionWebSocket(c *gin.Context) {
	session, ok := h.session(c)
	if !ok {
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket 升级失败", zap.Error(err))
		return
	}

	client := h.hub.register(conn, "session:"+session.ID())
	defer h.hub.unregister(client)

	events, cancel := session.Subscribe()
	defer cancel()

	go h.hub.writePump(client)
	go h.hub.readPump(client, func(data []byte) {
		h.handleIntent(session, client, data)
	})

	for {
		select {
		case evt, ok := <-events:
			if !ok {
				client.finish()
				<-client.done
				return
			}
			state := evt.State
			client.enqueue(wsMessage{Type: evt.Type, State: &state, Voice: evt.Voice})
		case <-client.done:
			return
		}
	}
}

// handleIntent 执行客户端操作；结果通过会话事件推送，失败时单独回复错误
func (h *Handler) handleIntent(session *services.NarrativeSession, client *wsClient, data []byte) {
	var intent wsIntent
	if err := json.Unmarshal(data, &intent); err != nil {
		client.enqueue(wsMessage{Type: services.EventError, Error: "消息格式错误"})
		return
	}

	ctx := h.svc.BaseContext
	if ctx == nil {
		ctx = context.Background()
	}

	var err error
	switch intent.Action {
	case "advance":
		_, err = session.Advance(ctx)
	case "choice":
		_, err = session.SelectChoice(ctx, intent.Index)
	case "jump":
		_, err = session.JumpToHistory(intent.Index)
	case "retry":
		_, err = session.Retry(ctx)
	case "pause":
		session.Pause()
	case "resume":
		session.Resume()
	case "autoplay":
		session.ToggleAutoPlay()
	case "typing":
		session.SetTyping(intent.Value)
	case "voice":
		session.SetVoiceEnabled(intent.Value)
	case "voice_playing":
		session.SetVoicePlaying(intent.Value)
	case "title":
		session.ReturnToTitle()
	case "state":
		state := session.State()
		client.enqueue(wsMessage{Type: services.EventState, State: &state})
	case "ping":
		client.enqueue(wsMessage{Type: "pong"})
	default:
		client.enqueue(wsMessage{Type: services.EventError, Error: "未知操作: " + intent.Action})
		return
	}
	if err != nil {
		state := session.State()
		client.enqueue(wsMessage{Type: services.EventError, State: &state, Error: err.Error()})
	}
}

// ProgressWebSocket 推送预加载进度，任务结束后关闭
func (h *Handler) ProgressWebSocket(c *gin.Context) {
	tracker, ok := h.svc.Preload.Progress().GetTracker(c.Param("taskId"))
	if !ok {
		h.rh.NotFound(c, "任务")
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket 升级失败", zap.Error(err))
		return
	}

	client := h.hub.register(conn, "progress:"+tracker.TaskID())
	defer h.hub.unregister(client)

	updates := tracker.Subscribe()
	defer tracker.Unsubscribe(updates)

	go h.hub.writePump(client)
	go h.hub.readPump(client, nil)

	for {
		select {
		case update, ok := <-updates:
			if !ok {
				client.finish()
				return
			}
			u := update
			client.enqueue(wsMessage{Type: "progress", Progress: &u})
			if update.Status != services.TaskRunning {
				client.finish()
				<-client.done
				return
			}
		case <-client.done:
			return
		}
	}
}

// WebSocketStatus 连接统计
func (h *Handler) WebSocketStatus(c *gin.Context) {
	h.rh.Success(c, gin.H{"total": h.hub.Count(), "topics": h.hub.Status()})
}
