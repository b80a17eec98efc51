package callsession

import (
	"context"
	"errors"
	"strings"

	"VoiceBargainer/internal/model"
	"VoiceBargainer/internal/negotiation"
	"VoiceBargainer/internal/telephony"
)

// 平台上报的通话结束状态
var terminalCallStatuses = map[string]bool{
	"completed": true,
	"failed":    true,
	"busy":      true,
	"no-answer": true,
	"canceled":  true,
}

// IsTerminalCallStatus 是否为结束状态
func IsTerminalCallStatus(status string) bool {
	return terminalCallStatuses[strings.ToLower(status)]
}

func webhookPatch(s *model.CallSession) model.SessionPatch {
	p := model.RoundPatch(s)
	stage := s.WebhookStage
	p.WebhookStage = &stage
	return p
}

// WebhookStart 电话接通后的第一轮：问候并开始收集语音
func (m *Manager) WebhookStart(ctx context.Context, callID string) (string, error) {
	st := m.state(callID)
	st.turnMu.Lock()
	defer st.turnMu.Unlock()

	s, err := m.store.Get(ctx, callID)
	if err != nil {
		return "", err
	}
	if s.Status.Terminal() {
		return telephony.HangupTwiML("", m.settings.Language)
	}

	if s.Status == model.StatusInitiated {
		step, err := m.machine.Start(s)
		if err != nil {
			return "", err
		}
		s.WebhookStage = model.StageInitiated
		m.afterStep(ctx, s, step, webhookPatch(s))
	}

	text := negotiation.GreetingText(s) + " " + negotiation.WebhookIntroText(s)
	return telephony.GatherTwiML(text, m.urls.Gather(callID), m.settings.Language)
}

// WebhookGather 处理平台识别出的一句商家话语，返回下一步TwiML
func (m *Manager) WebhookGather(ctx context.Context, callID, transcript string) (string, error) {
	st := m.state(callID)
	st.turnMu.Lock()
	defer st.turnMu.Unlock()

	s, err := m.store.Get(ctx, callID)
	if err != nil {
		return "", err
	}
	if s.Status.Terminal() {
		return telephony.HangupTwiML("", m.settings.Language)
	}
	if s.Status == model.StatusInitiated {
		step, err := m.machine.Start(s)
		if err != nil {
			return "", err
		}
		m.afterStep(ctx, s, step, webhookPatch(s))
	}

	s.WebhookStage = model.StageNegotiation
	var utterance string
	if s.Status != model.StatusConfirming {
		step, err := m.machine.Advance(ctx, s, transcript)
		if err != nil {
			return "", err
		}
		utterance = step.Utterance
		m.afterStep(ctx, s, step, webhookPatch(s))
	}

	switch {
	case s.Status == model.StatusConfirming:
		m.confirm(ctx, s, webhookPatch)
	case !s.Status.Terminal() && negotiation.HasEndSignal(utterance):
		m.machine.End(s)
	}

	if s.Status.Terminal() {
		s.WebhookStage = model.StageTerminal
		m.finalize(ctx, s, false)
		return telephony.HangupTwiML(utterance, m.settings.Language)
	}
	return telephony.GatherTwiML(utterance, m.urls.Gather(callID), m.settings.Language)
}

// WebhookStatus 平台状态回调；结束状态会关闭媒体流或直接收尾
func (m *Manager) WebhookStatus(ctx context.Context, callID, callStatus string) error {
	if !IsTerminalCallStatus(callStatus) {
		m.hub.Info("session", callID, "call status %s", callStatus)
		return nil
	}
	if _, ok := m.registry.Get(callID); ok {
		m.DetachStream(callID)
		return nil
	}
	if st, ok := m.lookup(callID); ok {
		st.mu.Lock()
		done := st.finalized
		st.mu.Unlock()
		if done {
			return nil
		}
	}

	st := m.state(callID)
	st.turnMu.Lock()
	defer st.turnMu.Unlock()

	s, err := m.store.Get(ctx, callID)
	if err != nil {
		if errors.Is(err, model.ErrInvalidSession) {
			m.resolveMissing(callID)
		}
		return err
	}
	m.hub.Info("session", callID, "call %s by provider", callStatus)
	if !s.Status.Terminal() {
		m.machine.End(s)
	}
	m.finalize(ctx, s, false)
	return nil
}
