package negotiation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"VoiceBargainer/internal/logger"
	"VoiceBargainer/internal/model"
)

// 下一步动作
const (
	ActionQualifyVendor       = "QUALIFY_VENDOR"
	ActionRequestFlexibility  = "REQUEST_FLEXIBILITY"
	ActionEndCall             = "END_CALL"
	ActionAwaitVendorResponse = "AWAIT_VENDOR_RESPONSE"
	ActionContinueNegotiation = "CONTINUE_NEGOTIATION"
	ActionConfirmDeal         = "CONFIRM_DEAL"
	ActionFinalOfferOrReject  = "FINAL_OFFER_OR_REJECT"
	ActionCloseCall           = "CLOSE_CALL"
	ActionDone                = "DONE"
)

// Decision 本回合的决定
type Decision string

const (
	DecisionGreet    Decision = "GREET"
	DecisionAskAgain Decision = "ASK_AGAIN"
	DecisionCounter  Decision = "COUNTER"
	DecisionAccept   Decision = "ACCEPT"
	DecisionReject   Decision = "REJECT"
)

var (
	// ErrSessionTerminal 终态会话不再处理回合
	ErrSessionTerminal = errors.New("session already terminal")
	// ErrNotStarted 会话还没问候
	ErrNotStarted = errors.New("session not started")
	// ErrAwaitingConfirm 已决定成交，等待Confirm
	ErrAwaitingConfirm = errors.New("session awaiting confirmation")
)

// Step 一个回合的结果
type Step struct {
	From        model.Status
	To          model.Status
	Transitions []model.Status
	Round       int
	Quote       *int64
	Discount    int64
	Counter     *int64
	Decision    Decision
	NextAction  string
	Confidence  float64
	Phase       string
	Utterance   string
	// CloseEnough 通过"接近预算"规则成交
	CloseEnough bool
	// OracleFallback oracle失败，使用了兜底话术
	OracleFallback bool
	// Err 本回合的业务错误，例如 model.ErrNoQuote
	Err error
}

// Machine 每通电话的谈判状态机，本身无状态，可被多通电话共享
type Machine struct {
	policy atomic.Pointer[Policy]
	oracle Oracle
	now    func() time.Time
	hub    *logger.Hub
}

// MachineOption 状态机选项
type MachineOption func(*Machine)

// WithClock 替换时钟
func WithClock(now func() time.Time) MachineOption {
	return func(m *Machine) { m.now = now }
}

// WithLogHub 注入日志中心
func WithLogHub(h *logger.Hub) MachineOption {
	return func(m *Machine) { m.hub = h }
}

// NewMachine 创建状态机，oracle为nil时使用模板话术
func NewMachine(p Policy, oracle Oracle, opts ...MachineOption) *Machine {
	if oracle == nil {
		oracle = TemplateOracle{}
	}
	m := &Machine{oracle: oracle, now: time.Now}
	m.policy.Store(&p)
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Policy 当前策略
func (m *Machine) Policy() Policy {
	return *m.policy.Load()
}

// SetPolicy 热更新策略，进行中的回合使用旧值
func (m *Machine) SetPolicy(p Policy) {
	m.policy.Store(&p)
}

func (m *Machine) transition(s *model.CallSession, step *Step, to model.Status) {
	if !model.CanTransition(s.Status, to) {
		// 规则表和状态机不一致属于编程错误
		panic(fmt.Sprintf("illegal transition %s -> %s", s.Status, to))
	}
	s.Status = to
	step.Transitions = append(step.Transitions, to)
	step.To = to
}

// Start INITIATED -> GREETING，返回问候语
func (m *Machine) Start(s *model.CallSession) (*Step, error) {
	if s.Status != model.StatusInitiated {
		return nil, fmt.Errorf("start %s in %s: %w", s.CallID, s.Status, ErrSessionTerminal)
	}
	step := &Step{From: s.Status, Round: s.Round, Decision: DecisionGreet, NextAction: ActionQualifyVendor, Confidence: 0.8}
	m.transition(s, step, model.StatusGreeting)
	step.Utterance = GreetingText(s)
	s.AppendTurn(model.SpeakerAgent, step.Utterance, nil, m.now())
	s.UpdatedAt = m.now()
	return step, nil
}

// Advance 处理一句商家话语，推进一个回合
//
// vendorText为空表示本回合没有识别出文本，仍计为一个回合。
func (m *Machine) Advance(ctx context.Context, s *model.CallSession, vendorText string) (*Step, error) {
	switch {
	case s.Status.Terminal():
		return nil, fmt.Errorf("advance %s: %w", s.CallID, ErrSessionTerminal)
	case s.Status == model.StatusInitiated:
		return nil, fmt.Errorf("advance %s: %w", s.CallID, ErrNotStarted)
	case s.Status == model.StatusConfirming:
		return nil, fmt.Errorf("advance %s: %w", s.CallID, ErrAwaitingConfirm)
	}

	p := m.Policy()
	now := m.now()
	vendorText = strings.TrimSpace(vendorText)
	quote := QuoteParser{MinQuote: p.MinQuote}.Parse(vendorText)

	s.Round++
	if vendorText != "" {
		s.AppendTurn(model.SpeakerVendor, vendorText, quote, now)
	}

	step := &Step{From: s.Status, To: s.Status, Round: s.Round, Quote: quote}

	switch {
	case s.Status != model.StatusGreeting && s.QuoteKnown() && *s.CurrentQuote <= s.Trip.BudgetMax:
		// 回合开始时已在预算内，直接确认
		if quote != nil && *quote < *s.CurrentQuote {
			s.CurrentQuote = quote
		}
		m.accept(s, step)
	case s.Status == model.StatusGreeting:
		m.greeting(ctx, s, step, p)
	case s.Status == model.StatusQualifying:
		if quote != nil {
			s.CurrentQuote = quote
		}
		m.qualify(ctx, s, step, p, vendorText)
	case s.Status == model.StatusPitching:
		m.transition(s, step, model.StatusNegotiating)
		m.negotiate(ctx, s, step, p, vendorText)
	case s.Status == model.StatusNegotiating:
		m.negotiate(ctx, s, step, p, vendorText)
	case s.Status == model.StatusClosing:
		m.closing(s, step, p)
	}

	if step.Utterance != "" {
		s.AppendTurn(model.SpeakerAgent, step.Utterance, step.Counter, now)
	}
	s.UpdatedAt = now
	step.Phase = s.Phase

	m.hub.Info("negotiation", s.CallID, "round %d %s -> %s quote=%s decision=%s next=%s",
		step.Round, step.From, step.To, formatQuote(step.Quote), step.Decision, step.NextAction)
	return step, nil
}

func (m *Machine) greeting(ctx context.Context, s *model.CallSession, step *Step, p Policy) {
	if step.Quote == nil {
		s.NoQuoteStreak++
		if s.NoQuoteStreak <= 1 {
			step.Decision = DecisionAskAgain
			step.NextAction = ActionAwaitVendorResponse
			step.Confidence = 0.5
			step.Utterance = AskQuoteText()
			return
		}
		m.transition(s, step, model.StatusQualifying)
		m.deadlock(s, step, model.ErrNoQuote)
		return
	}

	s.NoQuoteStreak = 0
	s.CurrentQuote = step.Quote
	s.Phase = model.PhaseInitialQuote
	m.transition(s, step, model.StatusQualifying)
	m.qualify(ctx, s, step, p, "")
}

func (m *Machine) qualify(ctx context.Context, s *model.CallSession, step *Step, p Policy, vendorText string) {
	if s.Status != model.StatusQualifying {
		m.transition(s, step, model.StatusQualifying)
	}
	if !s.QuoteKnown() {
		m.deadlock(s, step, model.ErrNoQuote)
		return
	}
	if *s.CurrentQuote <= s.Trip.BudgetMax {
		m.accept(s, step)
		return
	}

	counter := p.PitchCounter(s.Trip.BudgetMax)
	m.transition(s, step, model.StatusPitching)
	s.Phase = model.PhaseInitialQuote
	step.Decision = DecisionCounter
	step.NextAction = ActionAwaitVendorResponse
	step.Confidence = 0.75
	m.speakCounter(ctx, s, step, IntentPitch, counter, vendorText)
}

func (m *Machine) negotiate(ctx context.Context, s *model.CallSession, step *Step, p Policy, vendorText string) {
	budget := s.Trip.BudgetMax
	previous := *s.CurrentQuote
	current := previous

	if step.Quote == nil {
		s.NoQuoteStreak++
		if s.NoQuoteStreak == 1 && s.Round+1 < p.MaxRounds {
			// 没听清报价，再问一次，本回合不计让价
			m.transition(s, step, model.StatusNegotiating)
			step.Decision = DecisionAskAgain
			step.NextAction = ActionAwaitVendorResponse
			step.Confidence = 0.5
			step.Utterance = AskQuoteText()
			return
		}
		// 连续没有报价视为坚持原价
	} else {
		s.NoQuoteStreak = 0
		current = *step.Quote
	}

	step.Discount = previous - current
	s.Discount = step.Discount
	s.CurrentQuote = model.Int64(current)
	s.Phase = model.PhaseValueAdd

	if current <= budget {
		m.accept(s, step)
		return
	}

	if p.IsStubborn(previous, current) {
		s.StubbornCount++
	}
	if current <= p.CloseEnoughCeiling(budget) && s.StubbornCount >= p.StubbornRounds {
		step.CloseEnough = true
		m.accept(s, step)
		return
	}

	if s.Round+1 < p.MaxRounds {
		m.transition(s, step, model.StatusNegotiating)
		step.Decision = DecisionCounter
		step.NextAction = ActionContinueNegotiation
		step.Confidence = 0.5
		counter := p.Counter(s.Trip.MarketRate, current, budget, s.Round)
		m.speakCounter(ctx, s, step, IntentCounter, counter, vendorText)
		return
	}

	m.transition(s, step, model.StatusClosing)
	step.Decision = DecisionCounter
	step.NextAction = ActionFinalOfferOrReject
	step.Confidence = 0.6
	m.speakCounter(ctx, s, step, IntentFinalOffer, p.FinalOffer(budget), vendorText)
}

func (m *Machine) closing(s *model.CallSession, step *Step, p Policy) {
	if step.Quote != nil {
		s.Discount = *s.CurrentQuote - *step.Quote
		step.Discount = s.Discount
		s.CurrentQuote = step.Quote
	}
	if s.QuoteKnown() && *s.CurrentQuote <= p.CloseEnoughCeiling(s.Trip.BudgetMax) {
		step.CloseEnough = *s.CurrentQuote > s.Trip.BudgetMax
		m.accept(s, step)
		return
	}
	m.deadlock(s, step, nil)
}

func (m *Machine) accept(s *model.CallSession, step *Step) {
	// PITCHING需要先经过NEGOTIATING
	if s.Status == model.StatusPitching {
		m.transition(s, step, model.StatusNegotiating)
	}
	m.transition(s, step, model.StatusConfirming)
	step.Decision = DecisionAccept
	step.NextAction = ActionConfirmDeal
	step.Confidence = 0.9
	step.Utterance = AcceptText(*s.CurrentQuote)
}

func (m *Machine) deadlock(s *model.CallSession, step *Step, cause error) {
	m.transition(s, step, model.StatusDeadlock)
	step.Decision = DecisionReject
	step.NextAction = ActionEndCall
	step.Confidence = 0.3
	step.Utterance = DeclineText()
	step.Err = cause
	s.Outcome = model.OutcomeDeadlock
	s.WebhookStage = model.StageTerminal
	final := s.Round
	s.FinalRound = &final
	ended := m.now()
	s.EndedAt = &ended
}

// speakCounter 请oracle组织还价话术；oracle的出价只在[市场价, 预算]内才采用
func (m *Machine) speakCounter(ctx context.Context, s *model.CallSession, step *Step, intent Intent, counter int64, vendorText string) {
	advice, err := m.oracle.Advise(ctx, OracleRequest{
		Session:         s,
		VendorUtterance: vendorText,
		Intent:          intent,
		SuggestedOffer:  counter,
	})
	if err != nil || strings.TrimSpace(advice.Utterance) == "" {
		if err != nil {
			m.hub.Warning("negotiation", s.CallID, "oracle unavailable, using canned reply: %v", err)
		}
		step.OracleFallback = true
		step.Utterance = CannedDecline
	} else {
		step.Utterance = strings.TrimSpace(advice.Utterance)
		if o := advice.Offer; o != nil && *o >= s.Trip.MarketRate && *o <= s.Trip.BudgetMax && intent != IntentFinalOffer {
			counter = *o
		}
	}
	step.Counter = model.Int64(counter)
	s.LastCounter = step.Counter
}

// Confirm CONFIRMING -> COMPLETED，生成成交记录
func (m *Machine) Confirm(s *model.CallSession) (*model.Deal, *Step, error) {
	if s.Status != model.StatusConfirming {
		return nil, nil, fmt.Errorf("confirm %s in %s: %w", s.CallID, s.Status, model.ErrInvalidSession)
	}
	if !s.QuoteKnown() {
		return nil, nil, fmt.Errorf("confirm %s: %w", s.CallID, model.ErrNoQuote)
	}

	now := m.now()
	step := &Step{From: s.Status, Round: s.Round, Decision: DecisionAccept, NextAction: ActionDone, Confidence: 1.0, Phase: s.Phase}
	deal := model.NewDeal(s, *s.CurrentQuote, now)
	m.transition(s, step, model.StatusCompleted)
	s.Deal = deal
	s.Outcome = model.OutcomeDealSuccess
	s.WebhookStage = model.StageTerminal
	final := s.Round
	s.FinalRound = &final
	s.EndedAt = &now
	s.UpdatedAt = now

	m.hub.Success("negotiation", s.CallID, "deal with %s at %d after %d rounds", s.Vendor.Name, deal.NegotiatedPrice, s.Round)
	return deal, step, nil
}

// End 外部原因结束通话（挂断、流中断、结束信号）
func (m *Machine) End(s *model.CallSession) *Step {
	if s.Status.Terminal() {
		return nil
	}
	now := m.now()
	step := &Step{From: s.Status, Round: s.Round, NextAction: ActionCloseCall, Confidence: 0.3, Phase: s.Phase}
	m.transition(s, step, model.StatusCompleted)
	if s.Outcome == "" {
		s.Outcome = model.OutcomeEnded
	}
	s.WebhookStage = model.StageTerminal
	final := s.Round
	s.FinalRound = &final
	s.EndedAt = &now
	s.UpdatedAt = now
	return step
}

func formatQuote(q *int64) string {
	if q == nil {
		return "none"
	}
	return fmt.Sprintf("%d", *q)
}
