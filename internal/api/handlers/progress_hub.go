package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/apk-protector/apk-protector-go/internal/domain"
	"github.com/apk-protector/apk-protector-go/internal/service"
)

const writeWait = 10 * time.Second

// ProgressMessage 推送给 WebSocket 客户端的进度消息
type ProgressMessage struct {
	TaskID    string       `json:"task_id"`
	Stage     domain.Stage `json:"stage"`
	Label     string       `json:"label"`
	Percent   int          `json:"percent"`
	Message   string       `json:"message,omitempty"`
	Replay    bool         `json:"replay,omitempty"` // 连接建立时补发的历史事件
	Timestamp int64        `json:"timestamp"`
}

func newProgressMessage(event *domain.TaskEvent, replay bool) ProgressMessage {
	return ProgressMessage{
		TaskID:    event.TaskID,
		Stage:     event.Stage,
		Label:     event.Stage.Label(),
		Percent:   event.Percent,
		Message:   event.Message,
		Replay:    replay,
		Timestamp: event.CreatedAt.Unix(),
	}
}

// wsClient 同一连接的写操作需要串行
type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) write(msg ProgressMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(msg)
}

// ProgressHub 任务进度的 WebSocket 推送，实现 worker.ProgressBroadcaster
type ProgressHub struct {
	taskService service.TaskService
	logger      *logrus.Logger
	upgrader    websocket.Upgrader

	clientMutex sync.RWMutex
	clients     map[string]map[*wsClient]struct{}

	broadcast chan *domain.TaskEvent
}

// NewProgressHub 创建进度推送器
func NewProgressHub(taskService service.TaskService, logger *logrus.Logger) *ProgressHub {
	return &ProgressHub{
		taskService: taskService,
		logger:      logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // 认证由 token 完成，不限制来源
			},
		},
		clients:   make(map[string]map[*wsClient]struct{}),
		broadcast: make(chan *domain.TaskEvent, 256),
	}
}

// Start 启动广播服务，ctx 结束时关闭所有连接
func (h *ProgressHub) Start(ctx context.Context) {
	go h.runBroadcaster(ctx)
}

func (h *ProgressHub) runBroadcaster(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case event := <-h.broadcast:
			h.deliver(event)
		}
	}
}

// deliver 发送给订阅该任务的客户端，写失败的连接被移除
func (h *ProgressHub) deliver(event *domain.TaskEvent) {
	h.clientMutex.RLock()
	subscribers := make([]*wsClient, 0, len(h.clients[event.TaskID]))
	for client := range h.clients[event.TaskID] {
		subscribers = append(subscribers, client)
	}
	h.clientMutex.RUnlock()

	msg := newProgressMessage(event, false)
	for _, client := range subscribers {
		if err := client.write(msg); err != nil {
			h.logger.WithError(err).WithField("task_id", event.TaskID).Warn("Failed to write to WebSocket client")
			h.unregister(event.TaskID, client)
			client.conn.Close()
		}
	}
}

// Broadcast 投递进度事件（非阻塞）
func (h *ProgressHub) Broadcast(event *domain.TaskEvent) {
	select {
	case h.broadcast <- event:
	default:
		h.logger.WithField("task_id", event.TaskID).Warn("Broadcast channel is full, dropping progress event")
	}
}

// HandleWebSocket 订阅任务进度
// GET /ws/jobs/:id
func (h *ProgressHub) HandleWebSocket(c *gin.Context) {
	taskID := c.Param("id")

	events, err := h.taskService.ListEvents(c.Request.Context(), taskID)
	if err != nil {
		c.JSON(statusForError(err), gin.H{"error": "任务不存在"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithError(err).Error("Failed to upgrade to WebSocket")
		return
	}
	defer conn.Close()

	client := &wsClient{conn: conn}
	h.register(taskID, client)
	defer h.unregister(taskID, client)

	h.logger.WithField("task_id", taskID).Info("WebSocket client connected")

	// 先注册再补发，期间产生的事件可能重复但不会丢失
	for _, event := range events {
		if err := client.write(newProgressMessage(event, true)); err != nil {
			return
		}
	}

	// 客户端不发送业务消息，读循环只用于感知断开
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.WithError(err).Warn("WebSocket error")
			}
			break
		}
	}

	h.logger.WithField("task_id", taskID).Info("WebSocket client disconnected")
}

func (h *ProgressHub) register(taskID string, client *wsClient) {
	h.clientMutex.Lock()
	defer h.clientMutex.Unlock()
	if h.clients[taskID] == nil {
		h.clients[taskID] = make(map[*wsClient]struct{})
	}
	h.clients[taskID][client] = struct{}{}
}

func (h *ProgressHub) unregister(taskID string, client *wsClient) {
	h.clientMutex.Lock()
	defer h.clientMutex.Unlock()
	delete(h.clients[taskID], client)
	if len(h.clients[taskID]) == 0 {
		delete(h.clients, taskID)
	}
}

// ClientCount 订阅某任务的连接数
func (h *ProgressHub) ClientCount(taskID string) int {
	h.clientMutex.RLock()
	defer h.clientMutex.RUnlock()
	return len(h.clients[taskID])
}

func (h *ProgressHub) closeAll() {
	h.clientMutex.Lock()
	defer h.clientMutex.Unlock()
	for taskID, set := range h.clients {
		for client := range set {
			client.mu.Lock()
			client.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(time.Second))
			client.mu.Unlock()
			client.conn.Close()
		}
		delete(h.clients, taskID)
	}
}
