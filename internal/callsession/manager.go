// Package callsession 单通电话的生命周期：外呼、逐轮谈判、持久化与收尾
package callsession

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"VoiceBargainer/internal/archive"
	"VoiceBargainer/internal/config"
	"VoiceBargainer/internal/logger"
	"VoiceBargainer/internal/model"
	"VoiceBargainer/internal/negotiation"
	"VoiceBargainer/internal/recording"
	"VoiceBargainer/internal/retry"
	"VoiceBargainer/internal/store"
	"VoiceBargainer/internal/telephony"
	"VoiceBargainer/internal/voice"
)

// finalizeTimeout 收尾(挂断、最终写入、归档)的总时限
const finalizeTimeout = 30 * time.Second

// Settings 会话管理参数
type Settings struct {
	Mode          telephony.DialMode
	PublicBaseURL string
	RoundPacing   time.Duration
	EndGrace      time.Duration
	CallTimeout   time.Duration
	// ResultRetention 已结束通话的结果保留时长，<=0表示一直保留
	ResultRetention time.Duration
	Language        string
	Retry           retry.Policy
}

// SettingsFromConfig 由配置构造
func SettingsFromConfig(cfg *config.AppConfig, mode telephony.DialMode) Settings {
	return Settings{
		Mode:            mode,
		PublicBaseURL:   cfg.Server.PublicBaseURL,
		RoundPacing:     cfg.Negotiation.RoundPacing,
		EndGrace:        cfg.Negotiation.EndGrace,
		CallTimeout:     cfg.Negotiation.CallTimeout,
		ResultRetention: cfg.Negotiation.ResultRetention,
		Language:        cfg.Voice.Language,
		Retry:           retry.FromConfig(cfg.Retry),
	}
}

// Deps 构造注入的协作方
type Deps struct {
	Machine  *negotiation.Machine
	Store    store.SessionStore
	Deals    store.DealStore
	Bridge   telephony.Bridge
	Engine   *voice.Engine
	Archiver archive.Archiver
	Registry *Registry
	Hub      *logger.Hub
}

// Result 一通电话的最终结果，Deal只在成交时非空
type Result struct {
	Session *model.CallSession
	Deal    *model.Deal
}

type callState struct {
	// turnMu 串行化同一通电话的webhook回合
	turnMu sync.Mutex

	mu        sync.Mutex
	recorder  *recording.CallRecorder
	done      chan struct{}
	result    Result
	finalized bool
	lastStep  *negotiation.Step
}

func newCallState(callID string) *callState {
	return &callState{recorder: recording.NewCallRecorder(callID), done: make(chan struct{})}
}

// Manager 会话管理器
type Manager struct {
	machine  *negotiation.Machine
	store    store.SessionStore
	deals    store.DealStore
	bridge   telephony.Bridge
	engine   *voice.Engine
	archiver archive.Archiver
	registry *Registry
	hub      *logger.Hub
	settings Settings
	urls     telephony.URLs

	mu    sync.Mutex
	calls map[string]*callState
}

// NewManager 创建会话管理器
func NewManager(d Deps, s Settings) *Manager {
	if d.Archiver == nil {
		d.Archiver = archive.Nop{}
	}
	if d.Registry == nil {
		d.Registry = NewRegistry()
	}
	if s.Language == "" {
		s.Language = "hi-IN"
	}
	return &Manager{
		machine:  d.Machine,
		store:    d.Store,
		deals:    d.Deals,
		bridge:   d.Bridge,
		engine:   d.Engine,
		archiver: d.Archiver,
		registry: d.Registry,
		hub:      d.Hub,
		settings: s,
		urls:     telephony.NewURLs(s.PublicBaseURL),
		calls:    make(map[string]*callState),
	}
}

// Registry 活跃媒体流
func (m *Manager) Registry() *Registry { return m.registry }

func (m *Manager) state(callID string) *callState {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.calls[callID]
	if !ok {
		st = newCallState(callID)
		m.calls[callID] = st
	}
	return st
}

func (m *Manager) lookup(callID string) (*callState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.calls[callID]
	return st, ok
}

// Open 创建会话并外呼；拨号失败时会话以ENDED收尾并返回错误
func (m *Manager) Open(ctx context.Context, vendor model.Vendor, trip model.TripContext) (*model.CallSession, error) {
	s, err := model.NewCallSession(vendor, trip, time.Now())
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.calls[s.CallID] = newCallState(s.CallID)
	m.mu.Unlock()

	if err := m.persist(ctx, s.CallID, model.FullPatch(s)); err != nil {
		return nil, fmt.Errorf("persist new session %s: %w", s.CallID, err)
	}

	if m.engine != nil && m.settings.Mode != telephony.DialWebhook {
		if err := m.engine.Pregenerate(ctx, negotiation.GreetingText(s), s.AgentVoice); err != nil {
			m.hub.Warning("session", s.CallID, "greeting pregeneration failed: %v", err)
		}
		if err := m.engine.PregenerateFallback(ctx, s.AgentVoice); err != nil {
			m.hub.Warning("session", s.CallID, "fallback pregeneration failed: %v", err)
		}
	}

	sid, err := m.bridge.Dial(ctx, s, m.settings.Mode)
	if err != nil {
		m.machine.End(s)
		m.finalize(ctx, s, false)
		return s, fmt.Errorf("dial %s: %w", s.Vendor.Name, err)
	}
	s.ProviderCallSID = sid
	if err := m.persist(ctx, s.CallID, model.SessionPatch{ProviderCallSID: &sid}); err != nil {
		m.hub.Warning("session", s.CallID, "persist call sid failed: %v", err)
	}

	m.hub.Info("session", s.CallID, "call placed to %s (%s)", s.Vendor.Name, s.Vendor.Phone)
	return s, nil
}

// Negotiate 外呼并等待结果，超过call_timeout时主动结束通话
func (m *Manager) Negotiate(ctx context.Context, vendor model.Vendor, trip model.TripContext) (*model.Deal, error) {
	callCtx := ctx
	if m.settings.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, m.settings.CallTimeout)
		defer cancel()
	}

	s, err := m.Open(callCtx, vendor, trip)
	if err != nil {
		return nil, err
	}

	res, err := m.Await(callCtx, s.CallID)
	if err != nil {
		m.hub.Warning("session", s.CallID, "no outcome before deadline, ending call: %v", err)
		m.Abort(context.WithoutCancel(ctx), s.CallID)
		waitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.settings.EndGrace+finalizeTimeout)
		defer cancel()
		if res, err = m.Await(waitCtx, s.CallID); err != nil {
			return nil, fmt.Errorf("await %s: %w", s.CallID, err)
		}
	}
	return res.Deal, nil
}

// Await 等待通话收尾
func (m *Manager) Await(ctx context.Context, callID string) (Result, error) {
	st, ok := m.lookup(callID)
	if !ok {
		return Result{}, model.SessionNotFound(callID)
	}
	select {
	case <-st.done:
		return st.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Abort 结束一通电话：有媒体流时取消谈判任务，否则直接收尾
func (m *Manager) Abort(ctx context.Context, callID string) {
	if _, ok := m.registry.Get(callID); ok {
		m.DetachStream(callID)
		return
	}
	st := m.state(callID)
	st.turnMu.Lock()
	defer st.turnMu.Unlock()

	s, err := m.store.Get(ctx, callID)
	if err != nil {
		m.hub.Error("session", callID, "abort: %v", err)
		m.resolveMissing(callID)
		return
	}
	m.machine.End(s)
	m.finalize(ctx, s, true)
}

// resolveMissing 存储里已经没有会话时，让等待方不再阻塞
func (m *Manager) resolveMissing(callID string) {
	st := m.state(callID)
	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.finalized {
		st.finalized = true
		close(st.done)
		m.expire(callID, st)
	}
}

// expire 保留期满后丢弃已结束通话的内存状态(结果和事件记录)
func (m *Manager) expire(callID string, st *callState) {
	if m.settings.ResultRetention <= 0 {
		return
	}
	time.AfterFunc(m.settings.ResultRetention, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.calls[callID] == st {
			delete(m.calls, callID)
		}
	})
}

// Get 读取会话，终态会话从已完成结果中返回
func (m *Manager) Get(ctx context.Context, callID string) (*model.CallSession, error) {
	s, err := m.store.Get(ctx, callID)
	if err == nil {
		return s, nil
	}
	if errors.Is(err, model.ErrInvalidSession) {
		if st, ok := m.lookup(callID); ok {
			st.mu.Lock()
			defer st.mu.Unlock()
			if st.finalized && st.result.Session != nil {
				return st.result.Session.Clone(), nil
			}
		}
	}
	return nil, err
}

// LastStep 最近一个回合的分析结果
func (m *Manager) LastStep(callID string) *negotiation.Step {
	st, ok := m.lookup(callID)
	if !ok {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.lastStep
}

func (m *Manager) persist(ctx context.Context, callID string, patch model.SessionPatch) error {
	return retry.Do(ctx, m.settings.Retry, "persist "+callID, func(ctx context.Context) error {
		return m.store.Set(ctx, callID, patch)
	})
}

// afterStep 记录并持久化一个回合
func (m *Manager) afterStep(ctx context.Context, s *model.CallSession, step *negotiation.Step, patch model.SessionPatch) {
	st := m.state(s.CallID)
	st.mu.Lock()
	st.lastStep = step
	st.mu.Unlock()

	for _, to := range step.Transitions {
		st.recorder.RecordEvent(recording.EventTransition, "", map[string]interface{}{
			"to":    string(to),
			"round": step.Round,
		})
	}
	if step.OracleFallback {
		st.recorder.RecordEvent(recording.EventError, "oracle fallback", nil)
	}
	if err := m.persist(ctx, s.CallID, patch); err != nil {
		m.hub.Error("session", s.CallID, "persist round %d failed: %v", step.Round, err)
	}
}

func (m *Manager) confirm(ctx context.Context, s *model.CallSession, patch func(*model.CallSession) model.SessionPatch) {
	_, step, err := m.machine.Confirm(s)
	if err != nil {
		m.hub.Error("session", s.CallID, "confirm failed: %v", err)
		m.machine.End(s)
		return
	}
	m.afterStep(ctx, s, step, patch(s))
}

// finalize 终态收尾：挂断、最终写入、保存成交、归档并从在线存储删除
func (m *Manager) finalize(ctx context.Context, s *model.CallSession, hangup bool) {
	st := m.state(s.CallID)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.finalized {
		return
	}
	st.finalized = true

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	if hangup && s.ProviderCallSID != "" {
		if err := m.bridge.Hangup(ctx, s.ProviderCallSID); err != nil {
			m.hub.Warning("session", s.CallID, "hangup failed: %v", err)
		}
		st.recorder.RecordEvent(recording.EventHangup, "", map[string]interface{}{"call_sid": s.ProviderCallSID})
	}

	if err := m.persist(ctx, s.CallID, model.FullPatch(s)); err != nil {
		m.hub.Error("session", s.CallID, "final write failed: %v", err)
	}

	if s.Deal != nil && m.deals != nil {
		deal := s.Deal
		if err := retry.Do(ctx, m.settings.Retry, "save deal "+s.CallID, func(ctx context.Context) error {
			return m.deals.SaveDeal(ctx, deal)
		}); err != nil {
			m.hub.Error("session", s.CallID, "save deal failed: %v", err)
		}
	}

	st.recorder.Stop()
	rec, err := st.recorder.ExportJSON()
	if err != nil {
		m.hub.Warning("session", s.CallID, "export recording failed: %v", err)
	}
	if err := m.archiver.Archive(ctx, s, rec); err != nil {
		// 归档失败时保留在线会话，由存储TTL回收
		m.hub.Error("session", s.CallID, "archive failed, keeping live session: %v", err)
	} else if err := m.store.Delete(ctx, s.CallID); err != nil {
		m.hub.Warning("session", s.CallID, "delete live session failed: %v", err)
	}

	st.result = Result{Session: s.Clone(), Deal: s.Deal}
	close(st.done)
	m.expire(s.CallID, st)

	if s.Deal != nil {
		m.hub.Success("session", s.CallID, "closed %s: %s at %d after %d rounds", s.Vendor.Name, s.Outcome, s.Deal.NegotiatedPrice, s.Round)
	} else {
		m.hub.Info("session", s.CallID, "closed %s: %s after %d rounds", s.Vendor.Name, s.Outcome, s.Round)
	}
}
