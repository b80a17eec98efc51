package logger

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// 日志级别
const (
	LevelInfo    = "INFO"
	LevelWarning = "WARNING"
	LevelError   = "ERROR"
	LevelSuccess = "SUCCESS"
)

// Entry 推送给运营面板的日志条目
type Entry struct {
	Level     string    `json:"level"`
	Module    string    `json:"module"`
	Message   string    `json:"message"`
	CallID    string    `json:"call_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// subscriber 一个面板连接，callID为空表示订阅全部通话
type subscriber struct {
	conn   *websocket.Conn
	callID string
}

// Hub 通话日志广播中心
//
// 所有日志先写到标准输出，再以非阻塞方式广播给 /ws/logs 上的订阅者。
// nil Hub 是合法的，只输出到标准日志。
type Hub struct {
	subscribers map[*websocket.Conn]*subscriber
	broadcast   chan Entry
	register    chan *subscriber
	unregister  chan *websocket.Conn
	done        chan struct{}
	mu          sync.RWMutex

	upgrader websocket.Upgrader
}

// NewHub 创建日志广播中心
func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[*websocket.Conn]*subscriber),
		broadcast:   make(chan Entry, 256),
		register:    make(chan *subscriber),
		unregister:  make(chan *websocket.Conn),
		done:        make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Run 运行广播循环，直到ctx取消
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.subscribers {
				conn.Close()
				delete(h.subscribers, conn)
			}
			h.mu.Unlock()
			return

		case sub := <-h.register:
			h.mu.Lock()
			h.subscribers[sub.conn] = sub
			n := len(h.subscribers)
			h.mu.Unlock()
			log.Printf("Log subscriber connected, total: %d", n)

		case conn := <-h.unregister:
			h.drop(conn)

		case entry := <-h.broadcast:
			h.mu.RLock()
			targets := make([]*subscriber, 0, len(h.subscribers))
			for _, sub := range h.subscribers {
				if sub.callID == "" || sub.callID == entry.CallID {
					targets = append(targets, sub)
				}
			}
			h.mu.RUnlock()

			for _, sub := range targets {
				sub.conn.SetWriteDeadline(time.Now().Add(time.Second))
				if err := sub.conn.WriteJSON(entry); err != nil {
					log.Printf("Failed to push log entry: %v", err)
					h.drop(sub.conn)
				}
			}
		}
	}
}

func (h *Hub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subscribers[conn]; ok {
		delete(h.subscribers, conn)
		conn.Close()
		log.Printf("Log subscriber disconnected, total: %d", len(h.subscribers))
	}
}

// SubscriberCount 当前订阅者数量
func (h *Hub) SubscriberCount() int {
	if h == nil {
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

func (h *Hub) emit(level, module, callID, message string) {
	if callID != "" {
		log.Printf("[%s] [%s] %s: %s", level, callID, module, message)
	} else {
		log.Printf("[%s] %s: %s", level, module, message)
	}
	if h == nil {
		return
	}

	entry := Entry{
		Level:     level,
		Module:    module,
		Message:   message,
		CallID:    callID,
		Timestamp: time.Now(),
	}
	select {
	case h.broadcast <- entry:
	default:
		// 面板跟不上时丢弃，不能阻塞通话路径
	}
}

// Info 记录信息日志
func (h *Hub) Info(module, callID, format string, args ...interface{}) {
	h.emit(LevelInfo, module, callID, fmt.Sprintf(format, args...))
}

// Warning 记录警告日志
func (h *Hub) Warning(module, callID, format string, args ...interface{}) {
	h.emit(LevelWarning, module, callID, fmt.Sprintf(format, args...))
}

// Error 记录错误日志
func (h *Hub) Error(module, callID, format string, args ...interface{}) {
	h.emit(LevelError, module, callID, fmt.Sprintf(format, args...))
}

// Success 记录成功日志
func (h *Hub) Success(module, callID, format string, args ...interface{}) {
	h.emit(LevelSuccess, module, callID, fmt.Sprintf(format, args...))
}

// HandleWebSocket 处理 /ws/logs 订阅，?call_id= 只看单通电话
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Log subscriber upgrade failed: %v", err)
		return
	}

	sub := &subscriber{conn: conn, callID: r.URL.Query().Get("call_id")}

	// 欢迎消息在注册前写出，注册后只有Run会写这个连接
	welcome := Entry{
		Level:     LevelInfo,
		Module:    "logger",
		Message:   "subscribed to negotiation log stream",
		CallID:    sub.callID,
		Timestamp: time.Now(),
	}
	conn.SetWriteDeadline(time.Now().Add(time.Second))
	if err := conn.WriteJSON(welcome); err != nil {
		conn.Close()
		return
	}

	select {
	case h.register <- sub:
	case <-h.done:
		conn.Close()
		return
	}

	// 订阅端只读关闭帧
	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.done:
			}
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
