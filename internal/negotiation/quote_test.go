package negotiation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestParseAmounts 测试数字与印地语数词报价识别
func TestParseAmounts(t *testing.T) {
	cases := []struct {
		text string
		want []int64
	}{
		{"4000 lagega bhaiya", []int64{4000}},
		{"₹3,680 final hai", []int64{3680}},
		{"चार हज़ार लगेगा", []int64{4000}},
		{"साढ़े तीन हज़ार में कर दूंगा", []int64{3500}},
		{"दो हज़ार आठ सौ पचास", []int64{2850}},
		{"पंद्रह सौ रुपये", []int64{1500}},
		{"डेढ़ हज़ार", []int64{1500}},
		{"ढाई हजार", []int64{2500}},
		{"सवा तीन हजार", []int64{3250}},
		{"पौने चार हजार", []int64{3750}},
		{"तीन हज़ार पांच सौ", []int64{3500}},
		{"४००० रुपये", []int64{4000}},
		{"4 हजार", []int64{4000}},
		{"5000 नहीं, 4500 कर दूंगा", []int64{5000, 4500}},
		{"do hazaar paanch sau", []int64{2500}},
		{"हजार बार बोला", nil},
		{"नमस्ते जी", nil},
	}

	for _, tc := range cases {
		t.Run(tc.text, func(t *testing.T) {
			assert.Equal(t, tc.want, ParseAmounts(tc.text))
		})
	}
}

// TestQuoteParserPicksLastPrice 测试忽略人数等小数字
func TestQuoteParserPicksLastPrice(t *testing.T) {
	p := QuoteParser{MinQuote: 100}

	q := p.Parse("2 log hain na, 3386 final")
	require.NotNil(t, q)
	assert.Equal(t, int64(3386), *q)

	q = p.Parse("5000 नहीं, 4500 कर दूंगा")
	require.NotNil(t, q)
	assert.Equal(t, int64(4500), *q)

	assert.Nil(t, p.Parse("हम 4 लोग हैं"))
	assert.Nil(t, p.Parse(""))
}

func TestHasEndSignal(t *testing.T) {
	assert.True(t, HasEndSignal(AcceptText(2866)))
	assert.True(t, HasEndSignal(DeclineText()))
	assert.True(t, HasEndSignal("OK, Done!"))
	assert.False(t, HasEndSignal(CounterText(3000, 2800)))
	assert.False(t, HasEndSignal(FinalOfferText(3000)))
	assert.False(t, HasEndSignal(AskQuoteText()))
	assert.False(t, HasEndSignal(CannedDecline))
}
