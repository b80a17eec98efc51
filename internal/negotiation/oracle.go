package negotiation

import (
	"context"

	"VoiceBargainer/internal/model"
)

// Intent 状态机希望oracle说出的意图
type Intent string

const (
	IntentPitch      Intent = "PITCH"
	IntentCounter    Intent = "COUNTER"
	IntentFinalOffer Intent = "FINAL_OFFER"
)

// OracleRequest oracle看到的全部上下文
type OracleRequest struct {
	Session         *model.CallSession
	VendorUtterance string
	Intent          Intent
	// SuggestedOffer 状态机算出的还价，oracle应围绕它组织话术
	SuggestedOffer int64
}

// Advice oracle给出的建议：一句话和可选的出价
type Advice struct {
	Utterance string
	Offer     *int64
}

// Oracle 生成下一句谈判话术，只作参考，不决定成交
type Oracle interface {
	Advise(ctx context.Context, req OracleRequest) (Advice, error)
}

// OracleFunc 函数适配器
type OracleFunc func(ctx context.Context, req OracleRequest) (Advice, error)

// Advise 实现 Oracle
func (f OracleFunc) Advise(ctx context.Context, req OracleRequest) (Advice, error) {
	return f(ctx, req)
}

// TemplateOracle 不依赖外部模型的模板话术，离线demo与降级时使用
type TemplateOracle struct{}

// Advise 实现 Oracle
func (TemplateOracle) Advise(_ context.Context, req OracleRequest) (Advice, error) {
	offer := req.SuggestedOffer
	switch req.Intent {
	case IntentFinalOffer:
		return Advice{Utterance: FinalOfferText(offer), Offer: &offer}, nil
	default:
		return Advice{Utterance: CounterText(offer, req.Session.Trip.MarketRate), Offer: &offer}, nil
	}
}
