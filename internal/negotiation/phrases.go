package negotiation

import (
	"fmt"
	"strings"

	"VoiceBargainer/internal/model"
)

// CannedDecline oracle不可用时的兜底话术
const CannedDecline = "Thoda mehenga lag raha hai bhaiya, kuch kam kijiye na."

// endSignals 出现这些短语说明代理已经决定结束通话
var endSignals = []string{
	"धन्यवाद", "thank you", "थैंक यू",
	"फिर हम और कहीं देख लेते हैं",
	"बजट के बाहर है",
	"कन्फर्म करता हूँ", "डन", "done",
	"ठीक है भैया",
}

// HasEndSignal 话语中是否包含结束信号
func HasEndSignal(utterance string) bool {
	lower := strings.ToLower(utterance)
	for _, s := range endSignals {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// GreetingText 接通后的第一句话
func GreetingText(s *model.CallSession) string {
	return fmt.Sprintf("Hello, %s se bol rahe hain?", s.Vendor.Name)
}

// WebhookIntroText 无流模式下第一次收集语音前的开场
func WebhookIntroText(s *model.CallSession) string {
	return fmt.Sprintf("Hum %s ke liye %s dekh rahe hain. Aapka rate kya hoga?",
		s.Trip.Destination, strings.Join(s.Trip.RequirementsFor(s.Vendor.Category), ", "))
}

// AskQuoteText 没听到报价时再问一次
func AskQuoteText() string {
	return "जी, आपका रेट कितना होगा?"
}

// AcceptText 成交确认，包含结束信号
func AcceptText(price int64) string {
	return fmt.Sprintf("जी ठीक है, %d में डन। मैं कन्फर्म करता हूँ।", price)
}

// DeclineText 谈崩时的礼貌结束语，包含结束信号
func DeclineText() string {
	return "माफ़ कीजिये, ये बजट के बाहर है। फिर हम और कहीं देख लेते हैं, धन्यवाद।"
}

// CounterText oracle缺席时的还价模板
func CounterText(counter int64, marketRate int64) string {
	return fmt.Sprintf("देखिये, मार्केट रेट तो %d चल रहा है। %d में कर दीजिये ना।", marketRate, counter)
}

// FinalOfferText 收尾阶段的最后出价模板
func FinalOfferText(offer int64) string {
	return fmt.Sprintf("अच्छा, आखिरी बात बताइये। %d में हो जाए तो अभी बुक कर देते हैं।", offer)
}
