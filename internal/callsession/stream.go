package callsession

import (
	"context"
	"errors"
	"fmt"
	"time"

	"VoiceBargainer/internal/model"
	"VoiceBargainer/internal/negotiation"
	"VoiceBargainer/internal/recording"
	"VoiceBargainer/internal/voice"
)

// AttachStream 媒体流建立后调用，启动这通电话的谈判任务
func (m *Manager) AttachStream(ctx context.Context, callID, streamSID string, sink voice.MediaSink) (*voice.Channel, error) {
	if m.engine == nil {
		return nil, fmt.Errorf("stream mode is not configured")
	}
	s, err := m.store.Get(ctx, callID)
	if err != nil {
		return nil, err
	}
	if s.Status.Terminal() {
		return nil, fmt.Errorf("%w: call %s already ended", model.ErrInvalidSession, callID)
	}

	st := m.state(callID)
	ch := m.engine.NewChannel(callID, sink, st.recorder)
	loopCtx, cancel := context.WithCancel(context.Background())
	h := &StreamHandle{
		CallID:    callID,
		StreamSID: streamSID,
		Channel:   ch,
		StartedAt: time.Now(),
		cancel:    cancel,
	}
	if err := m.registry.Register(h); err != nil {
		cancel()
		ch.Close()
		return nil, err
	}

	st.recorder.RecordEvent(recording.EventStreamStart, "", map[string]interface{}{"stream_sid": streamSID})
	m.hub.Info("session", callID, "media stream %s attached", streamSID)

	go m.runStream(loopCtx, s, h)
	return ch, nil
}

// DetachStream 媒体流结束或断开：关闭通道并取消谈判任务
func (m *Manager) DetachStream(callID string) {
	h, ok := m.registry.Get(callID)
	if !ok {
		return
	}
	h.Channel.Close()
	h.cancel()
	if st, ok := m.lookup(callID); ok {
		st.recorder.RecordEvent(recording.EventStreamStop, "", nil)
	}
	m.hub.Info("session", callID, "media stream %s detached", h.StreamSID)
}

// runStream 流式模式的谈判循环：等待识别、推进状态机、持久化、说话、检查结束信号
func (m *Manager) runStream(ctx context.Context, s *model.CallSession, h *StreamHandle) {
	defer m.registry.Unregister(h)
	defer h.cancel()
	ch := h.Channel

	if s.Status == model.StatusInitiated {
		step, err := m.machine.Start(s)
		if err != nil {
			m.hub.Error("session", s.CallID, "start failed: %v", err)
		} else {
			m.afterStep(ctx, s, step, model.RoundPatch(s))
			m.speak(ctx, ch, s, step.Utterance)
		}
	}

loop:
	for !s.Status.Terminal() {
		if s.Status == model.StatusConfirming {
			m.confirm(ctx, s, model.RoundPatch)
			break
		}

		if err := sleep(ctx, m.settings.RoundPacing); err != nil {
			break
		}

		text, err := ch.Listen(ctx)
		switch {
		case err == nil:
		case errors.Is(err, model.ErrNoTranscript):
			m.hub.Info("session", s.CallID, "round %d: no transcript", s.Round+1)
		case errors.Is(err, voice.ErrChannelClosed), ctx.Err() != nil:
			break loop
		default:
			m.hub.Warning("session", s.CallID, "listen failed: %v", err)
		}

		step, err := m.machine.Advance(ctx, s, text)
		if err != nil {
			m.hub.Error("session", s.CallID, "advance failed: %v", err)
			break
		}
		m.afterStep(ctx, s, step, model.RoundPatch(s))
		m.speak(ctx, ch, s, step.Utterance)

		if !s.Status.Terminal() && s.Status != model.StatusConfirming && negotiation.HasEndSignal(step.Utterance) {
			m.hub.Info("session", s.CallID, "end signal in agent reply, closing")
			m.machine.End(s)
		}
	}

	if !s.Status.Terminal() {
		m.machine.End(s)
	}

	// 给最后一句话留出播放时间，线路已断开时立即结束
	if !ch.Closed() && m.settings.EndGrace > 0 {
		timer := time.NewTimer(m.settings.EndGrace)
		select {
		case <-timer.C:
		case <-ch.Done():
			timer.Stop()
		}
	}

	m.finalize(ctx, s, true)
	ch.Close()
}

func (m *Manager) speak(ctx context.Context, ch *voice.Channel, s *model.CallSession, text string) {
	if text == "" {
		return
	}
	if err := ch.Speak(ctx, text, s.AgentVoice); err != nil && !errors.Is(err, voice.ErrChannelClosed) && ctx.Err() == nil {
		m.hub.Warning("session", s.CallID, "speak failed: %v", err)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
