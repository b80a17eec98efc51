package voice

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"VoiceBargainer/internal/model"
	"VoiceBargainer/internal/recording"
)

// ErrChannelClosed 媒体流已经结束
var ErrChannelClosed = errors.New("voice channel closed")

// MediaSink 出站媒体帧的去向，payload为base64编码的μ-law
type MediaSink interface {
	SendMedia(payload string) error
}

// MediaSinkFunc 函数适配器
type MediaSinkFunc func(payload string) error

// SendMedia 实现 MediaSink
func (f MediaSinkFunc) SendMedia(payload string) error { return f(payload) }

// Channel 一通电话的双工语音通道
//
// 入站帧由流连接的读循环(唯一生产者)通过Ingest放入有界队列，
// Listen(每个谈判回合的唯一消费者)从队列取帧、做说话结束检测并触发识别。
type Channel struct {
	callID string
	engine *Engine
	sink   MediaSink
	rec    *recording.CallRecorder

	frames chan []byte
	vad    *EnergyVAD

	mu      sync.Mutex
	closed  bool
	done    chan struct{}
	speakMu sync.Mutex
}

func newChannel(callID string, e *Engine, sink MediaSink, rec *recording.CallRecorder) *Channel {
	queue := e.cfg.FrameQueue
	if queue < 1 {
		queue = 512
	}
	return &Channel{
		callID: callID,
		engine: e,
		sink:   sink,
		rec:    rec,
		frames: make(chan []byte, queue),
		vad:    NewEnergyVAD(e.cfg.VADThreshold, e.cfg.VADHold),
		done:   make(chan struct{}),
	}
}

// CallID 所属通话
func (c *Channel) CallID() string { return c.callID }

// Done 通道关闭时关闭
func (c *Channel) Done() <-chan struct{} { return c.done }

// Ingest 放入一帧入站音频，队列满时丢弃并返回false
func (c *Channel) Ingest(payload string) (bool, error) {
	frame, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return false, fmt.Errorf("%w: decode media payload: %v", model.ErrAudioConversion, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false, ErrChannelClosed
	}
	select {
	case c.frames <- frame:
		c.rec.RecordFrame("in", len(frame))
		return true, nil
	default:
		c.rec.RecordDropped()
		return false, nil
	}
}

// Close 结束入站流，重复调用无效
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.frames)
	close(c.done)
}

// Closed 是否已关闭
func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Listen 等待商家说完一句话并返回识别文本
//
// 说话结束检测触发或静默窗口到期(强制刷新)时送去识别；结果为空或识别失败时等待
// retry_wait再识别一次，仍为空返回 model.ErrNoTranscript，仍失败返回第二次的错误。
func (c *Channel) Listen(ctx context.Context) (string, error) {
	c.vad.Reset()
	buf, err := c.collect(ctx, c.engine.cfg.QuietWindow)
	if err != nil && !errors.Is(err, ErrChannelClosed) {
		return "", err
	}
	text, terr := c.transcribe(ctx, buf)
	if text != "" {
		return text, nil
	}
	if errors.Is(err, ErrChannelClosed) {
		return "", err
	}
	if terr != nil {
		c.rec.RecordError(terr, map[string]interface{}{"op": "stt", "attempt": 1})
		c.engine.hub.Warning("voice", c.callID, "stt failed, retrying once: %v", terr)
	}

	more, err := c.collect(ctx, c.engine.cfg.RetryWait)
	if err != nil && !errors.Is(err, ErrChannelClosed) {
		return "", err
	}
	text, terr = c.transcribe(ctx, append(buf, more...))
	if terr != nil {
		return "", terr
	}
	if text == "" {
		if err != nil {
			return "", err
		}
		return "", model.ErrNoTranscript
	}
	return text, nil
}

// collect 从队列取帧，直到说话结束、超时、或通道关闭
func (c *Channel) collect(ctx context.Context, window time.Duration) ([]byte, error) {
	timer := time.NewTimer(window)
	defer timer.Stop()

	var buf []byte
	for {
		select {
		case <-ctx.Done():
			return buf, ctx.Err()
		case <-timer.C:
			return buf, nil
		case frame, ok := <-c.frames:
			if !ok {
				return buf, ErrChannelClosed
			}
			buf = append(buf, frame...)
			if c.vad.Feed(frame, time.Now()) {
				return buf, nil
			}
		}
	}
}

func (c *Channel) transcribe(ctx context.Context, ulaw []byte) (string, error) {
	if len(ulaw) == 0 {
		return "", nil
	}
	start := time.Now()
	text, err := c.engine.Transcribe(ctx, ulaw)
	if err != nil {
		if errors.Is(err, model.ErrTransientCollaborator) {
			// 重试耗尽按"没有识别出文本"处理
			c.rec.RecordError(err, map[string]interface{}{"op": "stt"})
			c.engine.hub.Warning("voice", c.callID, "stt unavailable: %v", err)
			return "", nil
		}
		return "", err
	}
	if text != "" {
		c.rec.RecordTranscript(text, time.Since(start))
	}
	return text, nil
}

// Speak 合成并发送一句话；转码失败时丢弃这句话并记录日志
func (c *Channel) Speak(ctx context.Context, text string, voice model.AgentVoice) error {
	c.speakMu.Lock()
	defer c.speakMu.Unlock()

	ulaw, err := c.engine.Render(ctx, text, voice)
	if err != nil {
		c.rec.RecordError(err, map[string]interface{}{"op": "speak", "text": text})
		switch {
		case errors.Is(err, model.ErrAudioConversion):
			c.engine.hub.Error("voice", c.callID, "dropping utterance: %v", err)
			return nil
		case errors.Is(err, model.ErrTransientCollaborator):
			canned, audio, ok := c.engine.fallbackAudio(voice)
			if !ok {
				return err
			}
			c.engine.hub.Warning("voice", c.callID, "tts unavailable, playing fallback: %v", err)
			text, ulaw = canned, audio
		default:
			return err
		}
	}

	c.rec.RecordEvent(recording.EventUtterance, text, map[string]interface{}{"frames": (len(ulaw) + FrameBytes - 1) / FrameBytes})
	for _, frame := range Frames(ulaw) {
		if c.Closed() {
			return ErrChannelClosed
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.sink.SendMedia(base64.StdEncoding.EncodeToString(frame)); err != nil {
			return fmt.Errorf("send media: %w", err)
		}
		c.rec.RecordFrame("out", len(frame))
	}
	return nil
}
