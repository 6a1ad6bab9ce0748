package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/betbot/pairguard/internal/events"
	"github.com/betbot/pairguard/pkg/logger"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
	wsSendBuffer = 64
)

// wsEnvelope 推送给客户端的事件信封
type wsEnvelope struct {
	Kind string    `json:"kind"`
	Data any       `json:"data"`
	TS   time.Time `json:"ts"`
}

// Hub 把审计事件广播给所有 websocket 客户端。
// 实现 events.Sink，和 recorder 一起挂在 oracle 的 Fanout 上。
type Hub struct {
	mu      sync.RWMutex
	clients map[*wsClient]bool
	inbox   chan wsEnvelope
	done    chan struct{}
	once    sync.Once
}

var _ events.Sink = (*Hub)(nil)

func NewHub() *Hub {
	return &Hub{
		clients: make(map[*wsClient]bool),
		inbox:   make(chan wsEnvelope, 256),
		done:    make(chan struct{}),
	}
}

// Publish 事件入队（非阻塞，队满丢弃）
func (h *Hub) Publish(ev any) {
	env := wsEnvelope{Kind: eventKind(ev), Data: ev, TS: time.Now()}
	select {
	case h.inbox <- env:
	case <-h.done:
	default:
		logger.Warnf("[controlplane] ws 事件队列已满，丢弃 %s", env.Kind)
	}
}

func eventKind(ev any) string {
	switch ev.(type) {
	case events.ObservationRecordedEvent:
		return "observation_recorded"
	case events.CeilingChangedEvent:
		return "ceiling_changed"
	case events.FloorChangedEvent:
		return "floor_changed"
	case events.BoundsChangedEvent:
		return "bounds_changed"
	case events.GuardianChangedEvent:
		return "guardian_changed"
	default:
		return "unknown"
	}
}

// Run 广播循环，Stop 后退出
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			return
		case env := <-h.inbox:
			payload, err := json.Marshal(env)
			if err != nil {
				logger.Errorf("[controlplane] 序列化 ws 事件失败: %v", err)
				continue
			}
			h.mu.RLock()
			for c := range h.clients {
				select {
				case c.send <- payload:
				default:
					// 客户端写挂了就让 writePump 自己收尾
				}
			}
			h.mu.RUnlock()
		}
	}
}

func (h *Hub) Stop() {
	h.once.Do(func() { close(h.done) })
}

// ClientCount 当前连接数
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) register(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = true
	n := len(h.clients)
	h.mu.Unlock()
	logger.Debugf("[controlplane] ws 客户端接入 (共 %d)", n)
}

func (h *Hub) unregister(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

type wsClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()
	// 只读取以探测断连，客户端消息一律忽略
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// 控制面只在内网/本机暴露，不做 Origin 校验
	CheckOrigin: func(*http.Request) bool { return true },
}

func (s *Server) handleWS(c *gin.Context) {
	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Errorf("[controlplane] ws 升级失败: %v", err)
		return
	}
	client := &wsClient{hub: s.hub, conn: conn, send: make(chan []byte, wsSendBuffer)}
	s.hub.register(client)
	go client.writePump()
	go client.readPump()
}
