package callsession

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"VoiceBargainer/internal/voice"
)

// StreamHandle 一条活跃媒体流的运行时句柄，不持久化
type StreamHandle struct {
	CallID    string
	StreamSID string
	Channel   *voice.Channel
	StartedAt time.Time
	cancel    context.CancelFunc
}

// StreamInfo 对外展示的流信息
type StreamInfo struct {
	CallID    string    `json:"call_id"`
	StreamSID string    `json:"stream_sid"`
	StartedAt time.Time `json:"started_at"`
}

// Registry call_id到活跃媒体流的映射，由流服务和会话管理器共享
type Registry struct {
	mu      sync.RWMutex
	streams map[string]*StreamHandle
}

// NewRegistry 创建注册表
func NewRegistry() *Registry {
	return &Registry{streams: make(map[string]*StreamHandle)}
}

// Register 同一call_id只能有一条活跃流
func (r *Registry) Register(h *StreamHandle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.streams[h.CallID]; exists {
		return fmt.Errorf("stream for %s already registered", h.CallID)
	}
	r.streams[h.CallID] = h
	return nil
}

// Unregister 只在句柄仍是当前句柄时移除
func (r *Registry) Unregister(h *StreamHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.streams[h.CallID]; ok && cur == h {
		delete(r.streams, h.CallID)
	}
}

// Get 查找活跃流
func (r *Registry) Get(callID string) (*StreamHandle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.streams[callID]
	return h, ok
}

// Len 活跃流数量
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.streams)
}

// List 按开始时间排序
func (r *Registry) List() []StreamInfo {
	r.mu.RLock()
	out := make([]StreamInfo, 0, len(r.streams))
	for _, h := range r.streams {
		out = append(out, StreamInfo{CallID: h.CallID, StreamSID: h.StreamSID, StartedAt: h.StartedAt})
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}
