package negotiation

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"VoiceBargainer/internal/model"
)

var fixedNow = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func newTestSession(t *testing.T, budget, market int64) *model.CallSession {
	t.Helper()
	s, err := model.NewCallSession(
		model.Vendor{Name: "Goa Beachfront Resort", Phone: "+919876543210", Category: "homestay", Gender: "male"},
		model.TripContext{TripID: "trip_123", Destination: "Goa", MarketRate: market, BudgetMax: budget, PartySize: 2},
		fixedNow,
	)
	require.NoError(t, err)
	return s
}

func newTestMachine(oracle Oracle) *Machine {
	return NewMachine(DefaultPolicy(), oracle, WithClock(func() time.Time { return fixedNow }))
}

func startedSession(t *testing.T, m *Machine, budget, market int64) *model.CallSession {
	s := newTestSession(t, budget, market)
	step, err := m.Start(s)
	require.NoError(t, err)
	assert.Equal(t, model.StatusGreeting, s.Status)
	assert.Equal(t, "Hello, Goa Beachfront Resort se bol rahe hain?", step.Utterance)
	return s
}

// TestConcessionScenario 测试商家每回合让价8%最终在第5回合成交
func TestConcessionScenario(t *testing.T) {
	m := newTestMachine(nil)
	s := startedSession(t, m, 3000, 2800)

	quote := int64(4000)
	var quotes []int64
	var last *Step
	for !s.Status.Terminal() && s.Status != model.StatusConfirming {
		quotes = append(quotes, quote)
		step, err := m.Advance(context.Background(), s, fmt.Sprintf("%d lagega", quote))
		require.NoError(t, err)
		last = step
		quote = RoundConcession(quote, 0.92)
	}

	assert.Equal(t, []int64{4000, 3680, 3386, 3115, 2866}, quotes)
	assert.Equal(t, 5, s.Round)
	assert.Equal(t, model.StatusConfirming, s.Status)
	assert.False(t, last.CloseEnough)
	assert.Equal(t, ActionConfirmDeal, last.NextAction)

	deal, step, err := m.Confirm(s)
	require.NoError(t, err)
	assert.Equal(t, int64(2866), deal.NegotiatedPrice)
	assert.Equal(t, model.DealSuccess, deal.Status)
	assert.Equal(t, "homestay", deal.ServiceType)
	assert.Equal(t, model.StatusCompleted, s.Status)
	assert.Equal(t, ActionDone, step.NextAction)
	assert.Equal(t, 1.0, step.Confidence)
}

// TestFirmVendorDeadlocks 测试商家坚持5000时以DEADLOCK结束
func TestFirmVendorDeadlocks(t *testing.T) {
	m := newTestMachine(nil)
	s := startedSession(t, m, 3000, 2800)

	var statuses []model.Status
	for !s.Status.Terminal() {
		step, err := m.Advance(context.Background(), s, "5000 se kam nahi hoga")
		require.NoError(t, err)
		statuses = append(statuses, step.To)
	}

	assert.Equal(t, 6, s.Round)
	assert.Equal(t, model.StatusDeadlock, s.Status)
	assert.Equal(t, model.StatusClosing, statuses[4])
	assert.Equal(t, model.OutcomeDeadlock, s.Outcome)
	assert.Nil(t, s.Deal)

	_, err := m.Advance(context.Background(), s, "4000")
	assert.ErrorIs(t, err, ErrSessionTerminal)
}

// TestQualifyingPitchesBudgetPlusSlack 测试首次还价为预算上浮5%
func TestQualifyingPitchesBudgetPlusSlack(t *testing.T) {
	m := newTestMachine(nil)
	s := startedSession(t, m, 3000, 2800)

	step, err := m.Advance(context.Background(), s, "5000 per night")
	require.NoError(t, err)

	assert.Equal(t, []model.Status{model.StatusQualifying, model.StatusPitching}, step.Transitions)
	assert.Equal(t, model.StatusPitching, s.Status)
	require.NotNil(t, step.Counter)
	assert.Equal(t, int64(3150), *step.Counter)
	assert.Contains(t, step.Utterance, "3150")
	assert.Equal(t, model.PhaseInitialQuote, step.Phase)
	assert.Equal(t, ActionAwaitVendorResponse, step.NextAction)
	assert.Equal(t, 0.75, step.Confidence)
}

// TestPartialConvergence 测试部分让价后继续谈判
func TestPartialConvergence(t *testing.T) {
	m := newTestMachine(nil)
	s := startedSession(t, m, 3000, 2800)

	_, err := m.Advance(context.Background(), s, "5000")
	require.NoError(t, err)
	step, err := m.Advance(context.Background(), s, "4200 kar dunga")
	require.NoError(t, err)

	assert.Equal(t, model.StatusNegotiating, s.Status)
	assert.Equal(t, int64(4200), *s.CurrentQuote)
	assert.Equal(t, int64(800), step.Discount)
	assert.Equal(t, ActionContinueNegotiation, step.NextAction)
	assert.Equal(t, model.PhaseValueAdd, step.Phase)
	require.NotNil(t, step.Counter)
	assert.GreaterOrEqual(t, *step.Counter, int64(2800))
	assert.LessOrEqual(t, *step.Counter, int64(3000))
}

// TestWithinBudgetGoesStraightToConfirming 测试预算内报价直接确认
func TestWithinBudgetGoesStraightToConfirming(t *testing.T) {
	m := newTestMachine(nil)
	s := startedSession(t, m, 3000, 2800)

	step, err := m.Advance(context.Background(), s, "2900 lagega")
	require.NoError(t, err)
	assert.Equal(t, model.StatusConfirming, s.Status)
	assert.Equal(t, 0.9, step.Confidence)
	assert.True(t, HasEndSignal(step.Utterance))

	_, err = m.Advance(context.Background(), s, "ok")
	assert.ErrorIs(t, err, ErrAwaitingConfirm)
}

// TestQuoteWithinBudgetAtRoundStart 测试回合开始时报价已在预算内则必然进入CONFIRMING
func TestQuoteWithinBudgetAtRoundStart(t *testing.T) {
	m := newTestMachine(nil)
	for _, status := range []model.Status{model.StatusQualifying, model.StatusPitching, model.StatusNegotiating, model.StatusClosing} {
		t.Run(string(status), func(t *testing.T) {
			s := newTestSession(t, 3000, 2800)
			s.Status = status
			s.CurrentQuote = model.Int64(2950)

			step, err := m.Advance(context.Background(), s, "arre 3500 bola tha")
			require.NoError(t, err)
			assert.Equal(t, model.StatusConfirming, step.To)
			assert.NotContains(t, step.Transitions[len(step.Transitions)-1:], model.StatusNegotiating)
			assert.Equal(t, int64(2950), *s.CurrentQuote)
		})
	}
}

// TestGreetingNoQuoteRetriesOnceThenDeadlock 测试问候阶段无报价重试一次后DEADLOCK
func TestGreetingNoQuoteRetriesOnceThenDeadlock(t *testing.T) {
	m := newTestMachine(nil)
	s := startedSession(t, m, 3000, 2800)

	step, err := m.Advance(context.Background(), s, "haan ji boliye")
	require.NoError(t, err)
	assert.Equal(t, DecisionAskAgain, step.Decision)
	assert.Equal(t, model.StatusGreeting, s.Status)

	step, err = m.Advance(context.Background(), s, "")
	require.NoError(t, err)
	assert.Equal(t, model.StatusDeadlock, s.Status)
	assert.Equal(t, ActionEndCall, step.NextAction)
	assert.True(t, errors.Is(step.Err, model.ErrNoQuote))
	assert.Equal(t, 2, s.Round)
}

// TestCloseEnoughAcceptsStubbornVendor 测试不肯让步但接近预算时接受
func TestCloseEnoughAcceptsStubbornVendor(t *testing.T) {
	m := newTestMachine(nil)
	s := startedSession(t, m, 3000, 2800)

	for _, q := range []string{"3500", "3395", "3293"} {
		_, err := m.Advance(context.Background(), s, q)
		require.NoError(t, err)
	}
	assert.Equal(t, model.StatusConfirming, s.Status)
	assert.Equal(t, int64(3293), *s.CurrentQuote)
	assert.Equal(t, 2, s.StubbornCount)
}

// TestCloseEnoughBandIsConfigurable 测试接近预算的比例可配置
func TestCloseEnoughBandIsConfigurable(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, int64(3300), p.CloseEnoughCeiling(3000))

	m := newTestMachine(nil)
	tight := DefaultPolicy()
	tight.CloseEnoughPct = decimal.NewFromInt(5)
	m.SetPolicy(tight)
	assert.Equal(t, int64(3150), m.Policy().CloseEnoughCeiling(3000))

	s := startedSession(t, m, 3000, 2800)
	for _, q := range []string{"3500", "3395", "3293"} {
		_, err := m.Advance(context.Background(), s, q)
		require.NoError(t, err)
	}
	assert.Equal(t, model.StatusNegotiating, s.Status)
}

// TestOracleFailureUsesCannedReply 测试oracle不可用时使用兜底话术且回合照常计数
func TestOracleFailureUsesCannedReply(t *testing.T) {
	failing := OracleFunc(func(ctx context.Context, req OracleRequest) (Advice, error) {
		return Advice{}, model.Transient("gemini", "generate", errors.New("unavailable"))
	})
	m := newTestMachine(failing)
	s := startedSession(t, m, 3000, 2800)

	step, err := m.Advance(context.Background(), s, "4000")
	require.NoError(t, err)
	assert.True(t, step.OracleFallback)
	assert.Equal(t, CannedDecline, step.Utterance)
	assert.Equal(t, 1, s.Round)
	assert.Equal(t, model.StatusPitching, s.Status)
}

// TestOracleCannotForceAcceptance 测试oracle说成交也不会改变数值判断
func TestOracleCannotForceAcceptance(t *testing.T) {
	eager := OracleFunc(func(ctx context.Context, req OracleRequest) (Advice, error) {
		low := int64(100)
		return Advice{Utterance: "जी ठीक है, 4000 में डन।", Offer: &low}, nil
	})
	m := newTestMachine(eager)
	s := startedSession(t, m, 3000, 2800)

	step, err := m.Advance(context.Background(), s, "4000")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPitching, s.Status)
	assert.Nil(t, s.Deal)
	// 超出[市场价, 预算]的出价被忽略
	assert.Equal(t, int64(3150), *step.Counter)
}

// TestRoundNeverDecreases 测试回合数严格递增
func TestRoundNeverDecreases(t *testing.T) {
	m := newTestMachine(nil)
	s := startedSession(t, m, 3000, 2800)

	inputs := []string{"", "4500", "", "4400", "4300", "4300", "4300"}
	prev := s.Round
	historyLen := len(s.History)
	for _, in := range inputs {
		if s.Status.Terminal() || s.Status == model.StatusConfirming {
			break
		}
		_, err := m.Advance(context.Background(), s, in)
		require.NoError(t, err)
		assert.Equal(t, prev+1, s.Round)
		assert.GreaterOrEqual(t, len(s.History), historyLen)
		prev = s.Round
		historyLen = len(s.History)
	}
}

// TestEndCompletesWithoutDeal 测试外部挂断
func TestEndCompletesWithoutDeal(t *testing.T) {
	m := newTestMachine(nil)
	s := startedSession(t, m, 3000, 2800)
	_, err := m.Advance(context.Background(), s, "4000")
	require.NoError(t, err)

	step := m.End(s)
	require.NotNil(t, step)
	assert.Equal(t, model.StatusCompleted, s.Status)
	assert.Equal(t, model.OutcomeEnded, s.Outcome)
	assert.Equal(t, 1, *s.FinalRound)
	assert.Nil(t, m.End(s))

	_, _, err = m.Confirm(s)
	assert.ErrorIs(t, err, model.ErrInvalidSession)
}
