// Package voice 电话双工语音通道：入站缓冲与识别、出站合成与转码
package voice

import (
	"context"
	"fmt"

	"VoiceBargainer/internal/config"
	"VoiceBargainer/internal/logger"
	"VoiceBargainer/internal/model"
	"VoiceBargainer/internal/recording"
	"VoiceBargainer/internal/speech"
)

// Engine 所有通话共享的语音能力
type Engine struct {
	tts        speech.Synthesizer
	stt        speech.Transcriber
	transcoder *Transcoder
	cache      *AudioCache
	cfg        config.VoiceConfig
	hub        *logger.Hub
	fallback   string
}

// EngineOption 语音引擎选项
type EngineOption func(*Engine)

// WithFallbackUtterance TTS不可用时改播的兜底话术，需要先经 PregenerateFallback 缓存
func WithFallbackUtterance(text string) EngineOption {
	return func(e *Engine) {
		e.fallback = text
	}
}

// NewEngine 创建语音引擎，调用方负责 Close
func NewEngine(cfg config.VoiceConfig, tts speech.Synthesizer, stt speech.Transcriber, hub *logger.Hub, opts ...EngineOption) *Engine {
	e := &Engine{
		tts:        tts,
		stt:        stt,
		transcoder: NewTranscoder(cfg.TranscodeWorkers, cfg.FFmpegPath),
		cache:      NewAudioCache(256),
		cfg:        cfg,
		hub:        hub,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Close 停止转码worker
func (e *Engine) Close() {
	e.transcoder.Close()
}

// Render 合成一句话并转成μ-law，命中缓存时不调用TTS
func (e *Engine) Render(ctx context.Context, text string, voice model.AgentVoice) ([]byte, error) {
	if ulaw, ok := e.cache.Get(voice.Speaker, text); ok {
		return ulaw, nil
	}
	wav, err := e.tts.Synthesize(ctx, text, voice)
	if err != nil {
		return nil, err
	}
	ulaw, err := e.transcoder.ToMulaw(ctx, wav)
	if err != nil {
		return nil, err
	}
	return ulaw, nil
}

// Pregenerate 提前合成并缓存，用于接通前准备问候语
func (e *Engine) Pregenerate(ctx context.Context, text string, voice model.AgentVoice) error {
	ulaw, err := e.Render(ctx, text, voice)
	if err != nil {
		return fmt.Errorf("pregenerate %q: %w", text, err)
	}
	e.cache.Put(voice.Speaker, text, ulaw)
	return nil
}

// PregenerateFallback 按声音缓存兜底话术，已缓存时不重复合成
func (e *Engine) PregenerateFallback(ctx context.Context, voice model.AgentVoice) error {
	if e.fallback == "" {
		return nil
	}
	if _, ok := e.cache.Get(voice.Speaker, e.fallback); ok {
		return nil
	}
	return e.Pregenerate(ctx, e.fallback, voice)
}

// fallbackAudio 已缓存的兜底话术音频
func (e *Engine) fallbackAudio(voice model.AgentVoice) (string, []byte, bool) {
	if e.fallback == "" {
		return "", nil, false
	}
	ulaw, ok := e.cache.Get(voice.Speaker, e.fallback)
	return e.fallback, ulaw, ok
}

// Transcribe 入站μ-law转WAV后识别
func (e *Engine) Transcribe(ctx context.Context, ulaw []byte) (string, error) {
	wav, err := MulawToWav(ulaw)
	if err != nil {
		return "", err
	}
	return e.stt.Transcribe(ctx, wav)
}

// NewChannel 为一通电话创建通道
func (e *Engine) NewChannel(callID string, sink MediaSink, rec *recording.CallRecorder) *Channel {
	return newChannel(callID, e, sink, rec)
}
