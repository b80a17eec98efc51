// Package testutil 测试共用的协作方替身
package testutil

import (
	"context"
	"encoding/base64"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/stretchr/testify/require"
	"github.com/zaf/g711"

	"VoiceBargainer/internal/model"
	"VoiceBargainer/internal/telephony"
)

// FakeBridge 记录外呼与挂断的电话桥
type FakeBridge struct {
	mu       sync.Mutex
	Dialed   []string
	Modes    []telephony.DialMode
	HungUp   []string
	DialErr  error
	sequence atomic.Int64
}

// Dial 实现 telephony.Bridge
func (b *FakeBridge) Dial(ctx context.Context, s *model.CallSession, mode telephony.DialMode) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.DialErr != nil {
		return "", b.DialErr
	}
	b.Dialed = append(b.Dialed, s.CallID)
	b.Modes = append(b.Modes, mode)
	return fmt.Sprintf("CA%04d", b.sequence.Add(1)), nil
}

// Hangup 实现 telephony.Bridge
func (b *FakeBridge) Hangup(ctx context.Context, callSID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.HungUp = append(b.HungUp, callSID)
	return nil
}

// DialedCalls 已外呼的call_id
func (b *FakeBridge) DialedCalls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.Dialed...)
}

// HangupCount 挂断次数
func (b *FakeBridge) HangupCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.HungUp)
}

// ScriptedSTT 按顺序返回预设文本，用完后返回空串
type ScriptedSTT struct {
	mu      sync.Mutex
	replies []string
	Calls   int
}

// NewScriptedSTT 创建脚本化识别
func NewScriptedSTT(replies ...string) *ScriptedSTT {
	return &ScriptedSTT{replies: replies}
}

// Transcribe 实现 speech.Transcriber
func (s *ScriptedSTT) Transcribe(ctx context.Context, wavData []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls++
	if len(s.replies) == 0 {
		return "", nil
	}
	r := s.replies[0]
	s.replies = s.replies[1:]
	return r, nil
}

// StaticTTS 总是返回同一段WAV
type StaticTTS struct {
	WAV   []byte
	mu    sync.Mutex
	Texts []string
}

// Synthesize 实现 speech.Synthesizer
func (s *StaticTTS) Synthesize(ctx context.Context, text string, voice model.AgentVoice) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Texts = append(s.Texts, text)
	return s.WAV, nil
}

// SpokenTexts 已合成的文本
func (s *StaticTTS) SpokenTexts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.Texts...)
}

// MemoryArchiver 把归档内容留在内存
type MemoryArchiver struct {
	mu         sync.Mutex
	Sessions   map[string]*model.CallSession
	Recordings map[string][]byte
	Err        error
}

// NewMemoryArchiver 创建内存归档
func NewMemoryArchiver() *MemoryArchiver {
	return &MemoryArchiver{Sessions: map[string]*model.CallSession{}, Recordings: map[string][]byte{}}
}

// Archive 实现 archive.Archiver
func (a *MemoryArchiver) Archive(ctx context.Context, s *model.CallSession, recording []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Err != nil {
		return a.Err
	}
	a.Sessions[s.CallID] = s.Clone()
	a.Recordings[s.CallID] = recording
	return nil
}

// Archived 读取归档的会话
func (a *MemoryArchiver) Archived(callID string) (*model.CallSession, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.Sessions[callID]
	return s, ok
}

// CaptureSink 收集出站媒体帧
type CaptureSink struct {
	mu       sync.Mutex
	Payloads []string
}

// SendMedia 实现 voice.MediaSink
func (c *CaptureSink) SendMedia(payload string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Payloads = append(c.Payloads, payload)
	return nil
}

// Count 已发送帧数
func (c *CaptureSink) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Payloads)
}

// ToneWav 生成8kHz单声道16位正弦波WAV
func ToneWav(t testing.TB, dur time.Duration) []byte {
	t.Helper()
	const rate = 8000
	n := int(rate * dur.Seconds())
	data := make([]int, n)
	for i := range data {
		data[i] = int(10000 * math.Sin(2*math.Pi*440*float64(i)/rate))
	}
	ws := &memWriteSeeker{}
	enc := wav.NewEncoder(ws, rate, 16, 1, 1)
	require.NoError(t, enc.Write(&audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: rate},
		Data:           data,
		SourceBitDepth: 16,
	}))
	require.NoError(t, enc.Close())
	return ws.buf
}

// LoudFramePayload 一帧有声音的μ-law，base64编码
func LoudFramePayload() string {
	pcm := make([]byte, 320)
	for i := 0; i < 160; i++ {
		v := int16(16000 * math.Sin(2*math.Pi*float64(i)/16))
		pcm[2*i] = byte(v)
		pcm[2*i+1] = byte(uint16(v) >> 8)
	}
	return base64.StdEncoding.EncodeToString(g711.EncodeUlaw(pcm))
}

type memWriteSeeker struct {
	buf []byte
	pos int
}

func (w *memWriteSeeker) Write(p []byte) (int, error) {
	if need := w.pos + len(p); need > len(w.buf) {
		w.buf = append(w.buf, make([]byte, need-len(w.buf))...)
	}
	n := copy(w.buf[w.pos:], p)
	w.pos += n
	return n, nil
}

func (w *memWriteSeeker) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case 0:
		w.pos = int(offset)
	case 1:
		w.pos += int(offset)
	case 2:
		w.pos = len(w.buf) + int(offset)
	}
	return int64(w.pos), nil
}
