package testutil

import (
	"fmt"

	"VoiceBargainer/internal/negotiation"
)

// ConcedingReplies 商家从start开始每轮乘以factor让价，返回rounds句报价
func ConcedingReplies(start int64, factor float64, rounds int) []string {
	out := make([]string, 0, rounds)
	quote := start
	for i := 0; i < rounds; i++ {
		if i > 0 {
			quote = negotiation.RoundConcession(quote, factor)
		}
		out = append(out, fmt.Sprintf("%d रुपये लगेगा", quote))
	}
	return out
}

// FirmReplies 商家坚持同一个价格
func FirmReplies(price int64, rounds int) []string {
	return ConcedingReplies(price, 1, rounds)
}
