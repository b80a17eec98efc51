package streamserver

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"path"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"VoiceBargainer/internal/logger"
	"VoiceBargainer/internal/voice"
)

// Attacher 把媒体流接到谈判会话上
type Attacher interface {
	AttachStream(ctx context.Context, callID, streamSID string, sink voice.MediaSink) (*voice.Channel, error)
	DetachStream(callID string)
}

// Config 媒体流服务配置
type Config struct {
	MaxConnections  int
	ReadBufferSize  int
	WriteBufferSize int
	ReadLimit       int64
	StartTimeout    time.Duration // 等待start事件
	ReadTimeout     time.Duration // 两帧之间的最长间隔
	WriteTimeout    time.Duration
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		MaxConnections:  100,
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		ReadLimit:       64 * 1024,
		StartTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		WriteTimeout:    5 * time.Second,
	}
}

// ConnectionStats 连接统计信息
type ConnectionStats struct {
	ConnectedAt    time.Time
	FramesReceived atomic.Uint64
	FramesSent     atomic.Uint64
	FramesDropped  atomic.Uint64
	LastActivity   atomic.Int64 // unix nano
}

// Connection 一路媒体流连接
type Connection struct {
	ID        string
	CallID    string
	StreamSID string
	Conn      *websocket.Conn
	Stats     *ConnectionStats

	channel      *voice.Channel
	writeTimeout time.Duration
	stopChan     chan struct{}
	closeOnce    sync.Once
	mu           sync.Mutex // 串行化写
}

func (c *Connection) safeClose() {
	c.closeOnce.Do(func() {
		close(c.stopChan)
	})
}

// SendMedia 实现 voice.MediaSink，向平台回放一帧音频
func (c *Connection) SendMedia(payload string) error {
	select {
	case <-c.stopChan:
		return voice.ErrChannelClosed
	default:
	}
	msg, err := OutboundMedia(c.StreamSID, payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if err := c.Conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		return err
	}
	c.Stats.FramesSent.Add(1)
	return nil
}

// Server 接收电话平台的双向媒体流
type Server struct {
	config   *Config
	attacher Attacher
	hub      *logger.Hub
	upgrader websocket.Upgrader

	connections sync.Map // map[string]*Connection
	connCount   atomic.Int32
	connWg      sync.WaitGroup

	totalConnections atomic.Uint64
	totalFrames      atomic.Uint64
	startTime        time.Time
	stopping         atomic.Bool
}

// New 创建媒体流服务
func New(config *Config, attacher Attacher, hub *logger.Hub) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	return &Server{
		config:   config,
		attacher: attacher,
		hub:      hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				return true // 平台回连不带Origin
			},
		},
		startTime: time.Now(),
	}
}

// ServeHTTP 升级为WebSocket并处理一路媒体流
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.stopping.Load() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}
	if s.connCount.Load() >= int32(s.config.MaxConnections) {
		http.Error(w, "Too many streams", http.StatusServiceUnavailable)
		return
	}

	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Stream upgrade failed: %v", err)
		return
	}

	conn := &Connection{
		ID:           fmt.Sprintf("stream_%d_%d", time.Now().UnixNano(), s.totalConnections.Add(1)),
		CallID:       callIDFromRequest(r),
		Conn:         wsConn,
		Stats:        &ConnectionStats{ConnectedAt: time.Now()},
		writeTimeout: s.config.WriteTimeout,
		stopChan:     make(chan struct{}),
	}
	conn.Stats.LastActivity.Store(time.Now().UnixNano())

	s.connections.Store(conn.ID, conn)
	s.connCount.Add(1)
	log.Printf("New stream connection: %s from %s", conn.ID, r.RemoteAddr)

	s.handleConnection(conn)
}

func callIDFromRequest(r *http.Request) string {
	if id := mux.Vars(r)["call_id"]; id != "" {
		return id
	}
	return path.Base(r.URL.Path)
}

// handleConnection 单路媒体流的生命周期
func (s *Server) handleConnection(conn *Connection) {
	s.connWg.Add(1)
	defer func() {
		if conn.channel != nil {
			s.attacher.DetachStream(conn.CallID)
		}
		s.closeConnection(conn, "Stream ended")
		s.connWg.Done()
	}()

	if !s.handleStart(conn) {
		return
	}

	s.connWg.Add(1)
	go s.frameReadLoop(conn)

	select {
	case <-conn.stopChan:
	case <-conn.channel.Done():
		s.hub.Info("stream", conn.CallID, "negotiation finished, closing stream %s", conn.StreamSID)
	}
}

// handleStart 等待start事件并挂接会话
func (s *Server) handleStart(conn *Connection) bool {
	conn.Conn.SetReadLimit(s.config.ReadLimit)
	deadline := time.Now().Add(s.config.StartTimeout)

	for {
		conn.Conn.SetReadDeadline(deadline)
		_, raw, err := conn.Conn.ReadMessage()
		if err != nil {
			log.Printf("Read start event failed: %v", err)
			return false
		}
		frame, err := DecodeFrame(raw)
		if err != nil {
			log.Printf("Stream %s: %v", conn.ID, err)
			continue
		}
		switch frame.Event {
		case EventConnected:
			continue
		case EventStop:
			return false
		case EventStart:
		default:
			log.Printf("Stream %s: unexpected %q before start", conn.ID, frame.Event)
			continue
		}

		if frame.Start == nil {
			log.Printf("Stream %s: start event without payload", conn.ID)
			return false
		}
		if id := frame.Start.CustomParameters["call_id"]; id != "" {
			conn.CallID = id
		}
		conn.StreamSID = frame.Start.StreamSID
		if conn.StreamSID == "" {
			conn.StreamSID = frame.StreamSID
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.config.StartTimeout)
		ch, err := s.attacher.AttachStream(ctx, conn.CallID, conn.StreamSID, conn)
		cancel()
		if err != nil {
			s.hub.Error("stream", conn.CallID, "attach stream %s failed: %v", conn.StreamSID, err)
			return false
		}
		conn.channel = ch
		s.hub.Success("stream", conn.CallID, "stream %s started", conn.StreamSID)
		return true
	}
}

// frameReadLoop 读取media/stop事件，音频交给语音通道
func (s *Server) frameReadLoop(conn *Connection) {
	defer func() {
		conn.safeClose()
		s.connWg.Done()
	}()

	for {
		conn.Conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		_, raw, err := conn.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("Stream read error: %v", err)
			}
			return
		}
		conn.Stats.LastActivity.Store(time.Now().UnixNano())

		frame, err := DecodeFrame(raw)
		if err != nil {
			log.Printf("Stream %s: %v", conn.ID, err)
			continue
		}

		switch frame.Event {
		case EventMedia:
			if frame.Media == nil || !frame.Media.inbound() {
				continue
			}
			conn.Stats.FramesReceived.Add(1)
			s.totalFrames.Add(1)
			accepted, err := conn.channel.Ingest(frame.Media.Payload)
			if errors.Is(err, voice.ErrChannelClosed) {
				return
			}
			if err != nil {
				s.hub.Warning("stream", conn.CallID, "dropping frame: %v", err)
				continue
			}
			if !accepted {
				conn.Stats.FramesDropped.Add(1)
			}
		case EventStop:
			s.hub.Info("stream", conn.CallID, "stream %s stopped by provider", conn.StreamSID)
			return
		case EventMark, EventConnected, EventStart:
		default:
			log.Printf("Stream %s: unknown event %q", conn.ID, frame.Event)
		}
	}
}

// closeConnection 关闭连接
func (s *Server) closeConnection(conn *Connection, reason string) {
	if _, loaded := s.connections.LoadAndDelete(conn.ID); !loaded {
		return
	}
	s.connCount.Add(-1)
	conn.safeClose()

	conn.mu.Lock()
	conn.Conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
		time.Now().Add(time.Second))
	conn.Conn.Close()
	conn.mu.Unlock()

	log.Printf("Stream connection closed: %s, reason: %s", conn.ID, reason)
}

// Shutdown 关闭所有媒体流并等待处理goroutine退出
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.stopping.CompareAndSwap(false, true) {
		return nil
	}
	s.connections.Range(func(key, value interface{}) bool {
		s.closeConnection(value.(*Connection), "Server shutdown")
		return true
	})

	done := make(chan struct{})
	go func() {
		s.connWg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetStats 获取服务统计信息
func (s *Server) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"uptime_seconds":      time.Since(s.startTime).Seconds(),
		"current_connections": s.connCount.Load(),
		"total_connections":   s.totalConnections.Load(),
		"total_frames":        s.totalFrames.Load(),
	}
}
