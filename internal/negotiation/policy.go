package negotiation

import (
	"github.com/shopspring/decimal"

	"VoiceBargainer/internal/config"
)

var hundred = decimal.NewFromInt(100)

// Policy 谈判的数值规则，所有金额以卢比整数计
type Policy struct {
	MaxRounds             int
	PitchSlackPct         decimal.Decimal
	CloseEnoughPct        decimal.Decimal
	StubbornRounds        int
	StubbornConcessionPct decimal.Decimal
	MinQuote              int64
	CounterStep           int64
}

// DefaultPolicy 默认策略
func DefaultPolicy() Policy {
	return PolicyFromConfig(config.Default().Negotiation)
}

// PolicyFromConfig 由配置构造策略
func PolicyFromConfig(c config.NegotiationConfig) Policy {
	return Policy{
		MaxRounds:             c.MaxRounds,
		PitchSlackPct:         decimal.NewFromFloat(c.PitchSlackPct),
		CloseEnoughPct:        decimal.NewFromFloat(c.CloseEnoughPct),
		StubbornRounds:        c.StubbornRounds,
		StubbornConcessionPct: decimal.NewFromFloat(c.StubbornConcessionPct),
		MinQuote:              c.MinQuote,
		CounterStep:           c.CounterStep,
	}
}

func pct(base int64, p decimal.Decimal) decimal.Decimal {
	return decimal.NewFromInt(base).Mul(hundred.Add(p)).Div(hundred)
}

// PitchCounter 第一次还价：预算上浮PitchSlackPct
func (p Policy) PitchCounter(budget int64) int64 {
	return p.roundToStep(pct(budget, p.PitchSlackPct))
}

// CloseEnoughCeiling 接近预算时可以接受的最高价
func (p Policy) CloseEnoughCeiling(budget int64) int64 {
	return pct(budget, p.CloseEnoughPct).Floor().IntPart()
}

// IsStubborn 本回合让价比例低于阈值即视为不让步
func (p Policy) IsStubborn(previous, current int64) bool {
	if previous <= 0 {
		return false
	}
	concession := decimal.NewFromInt(previous - current).Mul(hundred).Div(decimal.NewFromInt(previous))
	return concession.LessThan(p.StubbornConcessionPct)
}

// Counter 在市场价和当前报价之间还价，越往后越靠近报价，但不超过预算
func (p Policy) Counter(marketRate, quote, budget int64, round int) int64 {
	if quote <= marketRate {
		return quote
	}
	weight := decimal.NewFromFloat(0.15).Mul(decimal.NewFromInt(int64(round)))
	if limit := decimal.NewFromFloat(0.6); weight.GreaterThan(limit) {
		weight = limit
	}
	span := decimal.NewFromInt(quote - marketRate)
	counter := p.roundToStep(decimal.NewFromInt(marketRate).Add(span.Mul(weight)))
	if counter > budget {
		counter = budget
	}
	if counter < marketRate {
		counter = marketRate
	}
	if counter >= quote {
		counter = quote - p.CounterStep
	}
	return counter
}

// FinalOffer 收尾阶段的最后出价
func (p Policy) FinalOffer(budget int64) int64 {
	return budget
}

func (p Policy) roundToStep(v decimal.Decimal) int64 {
	step := p.CounterStep
	if step <= 0 {
		step = 1
	}
	s := decimal.NewFromInt(step)
	return v.Div(s).Round(0).Mul(s).IntPart()
}

// RoundConcession 商家按固定比例让价后的报价，四舍五入到整数
func RoundConcession(quote int64, factor float64) int64 {
	return decimal.NewFromInt(quote).Mul(decimal.NewFromFloat(factor)).Round(0).IntPart()
}
