// Package recording 记录一通电话的事件时间线，通话结束后随会话一起归档
package recording

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// EventType 事件类型
type EventType string

const (
	EventStreamStart EventType = "STREAM_START"
	EventStreamStop  EventType = "STREAM_STOP"
	EventTranscript  EventType = "TRANSCRIPT"
	EventUtterance   EventType = "UTTERANCE"
	EventTransition  EventType = "TRANSITION"
	EventError       EventType = "ERROR"
	EventHangup      EventType = "HANGUP"
)

// CallEvent 通话事件
type CallEvent struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Duration  time.Duration          `json:"duration,omitempty"`
	Text      string                 `json:"text,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// CallStats 通话统计
type CallStats struct {
	StartTime         time.Time     `json:"start_time"`
	EndTime           time.Time     `json:"end_time"`
	Duration          time.Duration `json:"duration"`
	TotalEvents       int64         `json:"total_events"`
	FramesIn          int64         `json:"frames_in"`
	FramesOut         int64         `json:"frames_out"`
	FramesDropped     int64         `json:"frames_dropped"`
	BytesIn           int64         `json:"bytes_in"`
	BytesOut          int64         `json:"bytes_out"`
	Transcripts       int64         `json:"transcripts"`
	ErrorCount        int64         `json:"error_count"`
	AverageSTTLatency time.Duration `json:"average_stt_latency"`
	MaxSTTLatency     time.Duration `json:"max_stt_latency"`
}

// Recording 导出的完整记录
type Recording struct {
	CallID    string       `json:"call_id"`
	StartTime time.Time    `json:"start_time"`
	EndTime   time.Time    `json:"end_time"`
	Events    []*CallEvent `json:"events"`
	Stats     CallStats    `json:"stats"`
}

// CallRecorder 通话录制器，nil接收者上的方法都是空操作
type CallRecorder struct {
	callID    string
	startTime time.Time
	events    []*CallEvent

	eventCounter  atomic.Int64
	framesIn      atomic.Int64
	framesOut     atomic.Int64
	framesDropped atomic.Int64
	bytesIn       atomic.Int64
	bytesOut      atomic.Int64
	transcripts   atomic.Int64
	errorCount    atomic.Int64

	latencySum   atomic.Int64
	latencyCount atomic.Int64
	maxLatency   atomic.Int64

	mu       sync.RWMutex
	endTime  time.Time
	isActive atomic.Bool
}

// NewCallRecorder 创建录制器
func NewCallRecorder(callID string) *CallRecorder {
	r := &CallRecorder{
		callID:    callID,
		startTime: time.Now(),
		events:    make([]*CallEvent, 0, 64),
	}
	r.isActive.Store(true)
	return r
}

// RecordEvent 记录事件
func (r *CallRecorder) RecordEvent(eventType EventType, text string, metadata map[string]interface{}) {
	if r == nil || !r.isActive.Load() {
		return
	}
	event := &CallEvent{
		ID:        fmt.Sprintf("event_%d", r.eventCounter.Add(1)),
		Type:      eventType,
		Timestamp: time.Now(),
		Text:      text,
		Metadata:  metadata,
	}
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

// RecordFrame 记录媒体帧，direction为 "in" 或 "out"；帧本身不保存
func (r *CallRecorder) RecordFrame(direction string, size int) {
	if r == nil || !r.isActive.Load() {
		return
	}
	if direction == "out" {
		r.framesOut.Add(1)
		r.bytesOut.Add(int64(size))
		return
	}
	r.framesIn.Add(1)
	r.bytesIn.Add(int64(size))
}

// RecordDropped 入站队列满时丢弃的帧
func (r *CallRecorder) RecordDropped() {
	if r == nil {
		return
	}
	r.framesDropped.Add(1)
}

// RecordTranscript 记录识别结果和STT耗时
func (r *CallRecorder) RecordTranscript(text string, latency time.Duration) {
	if r == nil || !r.isActive.Load() {
		return
	}
	r.transcripts.Add(1)
	if latency > 0 {
		n := latency.Nanoseconds()
		r.latencySum.Add(n)
		r.latencyCount.Add(1)
		for {
			current := r.maxLatency.Load()
			if n <= current || r.maxLatency.CompareAndSwap(current, n) {
				break
			}
		}
	}
	r.RecordEvent(EventTranscript, text, map[string]interface{}{"latency_ms": latency.Milliseconds()})
}

// RecordError 记录错误事件
func (r *CallRecorder) RecordError(err error, metadata map[string]interface{}) {
	if r == nil || err == nil {
		return
	}
	r.errorCount.Add(1)
	if metadata == nil {
		metadata = make(map[string]interface{})
	}
	r.mu.Lock()
	active := r.isActive.Load()
	if active {
		r.events = append(r.events, &CallEvent{
			ID:        fmt.Sprintf("event_%d", r.eventCounter.Add(1)),
			Type:      EventError,
			Timestamp: time.Now(),
			Error:     err.Error(),
			Metadata:  metadata,
		})
	}
	r.mu.Unlock()
}

// Stop 停止录制，重复调用无效
func (r *CallRecorder) Stop() {
	if r == nil || !r.isActive.CompareAndSwap(true, false) {
		return
	}
	r.mu.Lock()
	r.endTime = time.Now()
	r.mu.Unlock()
}

// Stats 当前统计
func (r *CallRecorder) Stats() CallStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.statsLocked()
}

func (r *CallRecorder) statsLocked() CallStats {
	end := r.endTime
	if end.IsZero() {
		end = time.Now()
	}
	stats := CallStats{
		StartTime:     r.startTime,
		EndTime:       end,
		Duration:      end.Sub(r.startTime),
		TotalEvents:   int64(len(r.events)),
		FramesIn:      r.framesIn.Load(),
		FramesOut:     r.framesOut.Load(),
		FramesDropped: r.framesDropped.Load(),
		BytesIn:       r.bytesIn.Load(),
		BytesOut:      r.bytesOut.Load(),
		Transcripts:   r.transcripts.Load(),
		ErrorCount:    r.errorCount.Load(),
		MaxSTTLatency: time.Duration(r.maxLatency.Load()),
	}
	if n := r.latencyCount.Load(); n > 0 {
		stats.AverageSTTLatency = time.Duration(r.latencySum.Load() / n)
	}
	return stats
}

// Snapshot 导出当前记录
func (r *CallRecorder) Snapshot() *Recording {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stats := r.statsLocked()
	return &Recording{
		CallID:    r.callID,
		StartTime: r.startTime,
		EndTime:   stats.EndTime,
		Events:    append([]*CallEvent{}, r.events...),
		Stats:     stats,
	}
}

// ExportJSON 导出为JSON格式
func (r *CallRecorder) ExportJSON() ([]byte, error) {
	return json.MarshalIndent(r.Snapshot(), "", "  ")
}
