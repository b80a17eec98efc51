package negotiation

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/cucumber/godog"

	"VoiceBargainer/internal/model"
)

// TestNegotiationFeatures 运行 features/negotiation.feature 中的场景
func TestNegotiationFeatures(t *testing.T) {
	suite := godog.TestSuite{
		Name:                "negotiation",
		ScenarioInitializer: InitializeScenario,
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"features"},
			Strict:   true,
			TestingT: t,
		},
	}
	if suite.Run() != 0 {
		t.Fatalf("non-zero godog status")
	}
}

// InitializeScenario 注册步骤定义
func InitializeScenario(ctx *godog.ScenarioContext) {
	state := &scenarioState{}
	ctx.Before(func(ctx context.Context, _ *godog.Scenario) (context.Context, error) {
		state.reset()
		return ctx, nil
	})

	ctx.Step(`^a trip with budget (\d+) and market rate (\d+)$`, state.givenTrip)
	ctx.Step(`^a vendor who opens at (\d+) and concedes by a factor of ([\d.]+) each round$`, state.givenConcedingVendor)
	ctx.Step(`^a vendor who holds firm at (\d+)$`, state.givenFirmVendor)
	ctx.Step(`^the negotiation runs to completion$`, state.runNegotiation)
	ctx.Step(`^the vendor quotes are "([^"]+)"$`, state.vendorQuotesAre)
	ctx.Step(`^the session is confirmed in round (\d+)$`, state.confirmedInRound)
	ctx.Step(`^the deal price is (\d+)$`, state.dealPriceIs)
	ctx.Step(`^the deal was accepted by the close-enough rule$`, state.acceptedCloseEnough)
	ctx.Step(`^the session ends in DEADLOCK after (\d+) rounds$`, state.deadlockAfter)
	ctx.Step(`^no deal is produced$`, state.noDeal)
}

// scenarioState 单个场景的状态
type scenarioState struct {
	budget, market int64
	nextQuote      func(round int) int64

	session  *model.CallSession
	quotes   []int64
	lastStep *Step
	deal     *model.Deal
}

func (s *scenarioState) reset() {
	*s = scenarioState{}
}

func (s *scenarioState) givenTrip(budget, market int) error {
	s.budget, s.market = int64(budget), int64(market)
	return nil
}

func (s *scenarioState) givenConcedingVendor(open int, factor float64) error {
	quote := int64(open)
	s.nextQuote = func(round int) int64 {
		if round > 1 {
			quote = RoundConcession(quote, factor)
		}
		return quote
	}
	return nil
}

func (s *scenarioState) givenFirmVendor(price int) error {
	s.nextQuote = func(int) int64 { return int64(price) }
	return nil
}

func (s *scenarioState) runNegotiation() error {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	session, err := model.NewCallSession(
		model.Vendor{Name: "Himalayan Cabs", Phone: "+919800000009", Category: "taxi"},
		model.TripContext{TripID: "trip_feature", Destination: "Manali", MarketRate: s.market, BudgetMax: s.budget, PartySize: 2},
		now,
	)
	if err != nil {
		return err
	}
	m := NewMachine(DefaultPolicy(), nil, WithClock(func() time.Time { return now }))
	if _, err := m.Start(session); err != nil {
		return err
	}

	for round := 1; !session.Status.Terminal() && session.Status != model.StatusConfirming; round++ {
		if round > 20 {
			return fmt.Errorf("negotiation did not terminate")
		}
		quote := s.nextQuote(round)
		s.quotes = append(s.quotes, quote)
		step, err := m.Advance(context.Background(), session, fmt.Sprintf("%d रुपये लगेगा", quote))
		if err != nil {
			return err
		}
		if step.Round != round {
			return fmt.Errorf("round %d reported as %d", round, step.Round)
		}
		s.lastStep = step
	}

	if session.Status == model.StatusConfirming {
		deal, _, err := m.Confirm(session)
		if err != nil {
			return err
		}
		s.deal = deal
	}
	s.session = session
	return nil
}

func (s *scenarioState) vendorQuotesAre(list string) error {
	var want []int64
	for _, part := range strings.Split(list, ",") {
		v, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil {
			return err
		}
		want = append(want, v)
	}
	if fmt.Sprint(want) != fmt.Sprint(s.quotes) {
		return fmt.Errorf("expected quotes %v, got %v", want, s.quotes)
	}
	return nil
}

func (s *scenarioState) confirmedInRound(round int) error {
	if s.deal == nil {
		return fmt.Errorf("expected a deal, session ended %s", s.session.Status)
	}
	if s.deal.Rounds != round {
		return fmt.Errorf("expected confirmation in round %d, got %d", round, s.deal.Rounds)
	}
	return nil
}

func (s *scenarioState) dealPriceIs(price int) error {
	if s.deal == nil {
		return fmt.Errorf("no deal produced")
	}
	if s.deal.NegotiatedPrice != int64(price) || s.deal.Status != model.DealSuccess {
		return fmt.Errorf("expected DEAL_SUCCESS at %d, got %s at %d", price, s.deal.Status, s.deal.NegotiatedPrice)
	}
	return nil
}

func (s *scenarioState) acceptedCloseEnough() error {
	if s.lastStep == nil || !s.lastStep.CloseEnough {
		return fmt.Errorf("deal was not accepted by the close-enough rule")
	}
	if *s.session.CurrentQuote <= s.budget {
		return fmt.Errorf("quote %d is within budget, close-enough not needed", *s.session.CurrentQuote)
	}
	return nil
}

func (s *scenarioState) deadlockAfter(rounds int) error {
	if s.session.Status != model.StatusDeadlock {
		return fmt.Errorf("expected DEADLOCK, got %s", s.session.Status)
	}
	if s.session.Round != rounds {
		return fmt.Errorf("expected %d rounds, got %d", rounds, s.session.Round)
	}
	return nil
}

func (s *scenarioState) noDeal() error {
	if s.deal != nil || s.session.Deal != nil {
		return fmt.Errorf("unexpected deal %+v", s.deal)
	}
	return nil
}
