package oracle

import (
	"fmt"
	"strings"

	"VoiceBargainer/internal/model"
	"VoiceBargainer/internal/negotiation"
)

// BuildPrompt 组装发给模型的完整提示词
func BuildPrompt(req negotiation.OracleRequest) string {
	s := req.Session
	trip := s.Trip
	vendorType := s.Vendor.Category
	requirements := strings.Join(trip.RequirementsFor(vendorType), ", ")

	var conversation strings.Builder
	for _, turn := range s.History {
		role := "You (Agent)"
		if turn.Speaker == model.SpeakerVendor {
			role = "Vendor"
		}
		fmt.Fprintf(&conversation, "%s: %s\n", role, turn.Text)
	}
	conversation.WriteString("You (Agent): ")

	var b strings.Builder
	fmt.Fprintf(&b, "### SYSTEM ROLE\n")
	fmt.Fprintf(&b, "You are %s, a local Indian customer calling a %s in %s. Polite, but street-smart with money.\n\n",
		s.AgentVoice.Name, vendorType, trip.Destination)

	fmt.Fprintf(&b, "### FACTS\n")
	fmt.Fprintf(&b, "- Requirements: %s\n", requirements)
	fmt.Fprintf(&b, "- Party size: %d\n", trip.PartySize)
	fmt.Fprintf(&b, "- Ideal market rate: ₹%d\n", trip.MarketRate)
	fmt.Fprintf(&b, "- Max budget (ceiling): ₹%d\n", trip.BudgetMax)
	if s.CurrentQuote != nil {
		fmt.Fprintf(&b, "- Vendor's current quote: ₹%d\n", *s.CurrentQuote)
	}
	fmt.Fprintf(&b, "- Round %d\n\n", s.Round)

	fmt.Fprintf(&b, "### YOUR MOVE\n")
	switch req.Intent {
	case negotiation.IntentPitch:
		fmt.Fprintf(&b, "Make your first counter offer of ₹%d. Do not agree to the vendor's price.\n", req.SuggestedOffer)
	case negotiation.IntentFinalOffer:
		fmt.Fprintf(&b, "This is your final offer: ₹%d. Say clearly that you cannot go higher. Do not say goodbye yet.\n", req.SuggestedOffer)
	default:
		fmt.Fprintf(&b, "Counter at ₹%d. Do not agree to the vendor's price.\n", req.SuggestedOffer)
	}
	fmt.Fprintf(&b, "Aggression: %s\n\n", aggression(s))

	fmt.Fprintf(&b, "### OUTPUT FORMAT\n")
	fmt.Fprintf(&b, "- HINDI (Devanagari script) only, under 20 words.\n")
	fmt.Fprintf(&b, "- Write numbers as Hindi words.\n")
	fmt.Fprintf(&b, "- Start with a filler such as \"हाँ..\", \"जी..\", \"अच्छा..\" or \"देखिये..\".\n")
	fmt.Fprintf(&b, "- Never say धन्यवाद, डन or कन्फर्म in this reply.\n\n")

	fmt.Fprintf(&b, "### CONVERSATION\n%s", conversation.String())
	return b.String()
}

// aggression 报价比市场价高出20%以上时语气强硬
func aggression(s *model.CallSession) string {
	if s.CurrentQuote == nil || s.Trip.MarketRate <= 0 {
		return "LOW (friendly, relationship based)"
	}
	if *s.CurrentQuote*100 > s.Trip.MarketRate*120 {
		return fmt.Sprintf("HIGH (shocked and firm; market rate is ₹%d)", s.Trip.MarketRate)
	}
	return "LOW (friendly, ask for a small adjustment)"
}
