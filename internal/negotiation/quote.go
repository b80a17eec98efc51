package negotiation

import (
	"math"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// hindiUnits 0到99的印地语数词，键已去掉nukta
var hindiUnits = map[string]float64{
	"शून्य": 0, "एक": 1, "दो": 2, "तीन": 3, "चार": 4, "पांच": 5, "छह": 6, "छः": 6, "छे": 6, "सात": 7,
	"आठ": 8, "नौ": 9, "दस": 10, "ग्यारह": 11, "बारह": 12, "तेरह": 13, "चौदह": 14, "पंद्रह": 15,
	"पन्द्रह": 15, "सोलह": 16, "सत्रह": 17, "अठारह": 18, "उन्नीस": 19, "बीस": 20, "इक्कीस": 21,
	"बाईस": 22, "तेईस": 23, "चौबीस": 24, "पच्चीस": 25, "छब्बीस": 26, "सत्ताईस": 27, "अट्ठाईस": 28,
	"उनतीस": 29, "तीस": 30, "इकतीस": 31, "बत्तीस": 32, "तैंतीस": 33, "चौंतीस": 34, "पैंतीस": 35,
	"छत्तीस": 36, "सैंतीस": 37, "अडतीस": 38, "उनतालीस": 39, "चालीस": 40, "इकतालीस": 41,
	"बयालीस": 42, "तैंतालीस": 43, "चवालीस": 44, "पैंतालीस": 45, "छियालीस": 46, "सैंतालीस": 47,
	"अडतालीस": 48, "उनचास": 49, "पचास": 50, "इक्यावन": 51, "बावन": 52, "तिरेपन": 53, "चौवन": 54,
	"पचपन": 55, "छप्पन": 56, "सत्तावन": 57, "अट्ठावन": 58, "उनसठ": 59, "साठ": 60, "इकसठ": 61,
	"बासठ": 62, "तिरेसठ": 63, "चौंसठ": 64, "पैंसठ": 65, "छियासठ": 66, "सडसठ": 67, "अडसठ": 68,
	"उनहत्तर": 69, "सत्तर": 70, "इकहत्तर": 71, "बहत्तर": 72, "तिहत्तर": 73, "चौहत्तर": 74,
	"पचहत्तर": 75, "छिहत्तर": 76, "सतहत्तर": 77, "अठहत्तर": 78, "उन्यासी": 79, "अस्सी": 80,
	"इक्यासी": 81, "बयासी": 82, "तिरासी": 83, "चौरासी": 84, "पचासी": 85, "छियासी": 86,
	"सत्तासी": 87, "अट्ठासी": 88, "नवासी": 89, "नब्बे": 90, "इक्यानवे": 91, "बानवे": 92,
	"तिरानवे": 93, "चौरानवे": 94, "पचानवे": 95, "छियानवे": 96, "सत्तानवे": 97, "अट्ठानवे": 98,
	"निन्यानवे": 99,

	// 罗马化写法，STT偶尔会这样输出
	"ek": 1, "do": 2, "teen": 3, "char": 4, "chaar": 4, "paanch": 5, "panch": 5, "chhe": 6,
	"saat": 7, "aath": 8, "nau": 9, "das": 10, "pandrah": 15, "bees": 20, "pachees": 25,
	"tees": 30, "chalis": 40, "pachas": 50, "saath": 60, "sattar": 70, "assi": 80, "nabbe": 90,
}

// 整数倍词
var hindiMultipliers = map[string]float64{
	"सौ": 100, "sau": 100, "hundred": 100,
	"हजार": 1000, "hazar": 1000, "hazaar": 1000, "hajar": 1000, "thousand": 1000, "k": 1000,
	"लाख": 100000, "lakh": 100000, "lac": 100000,
}

// 修饰前缀：साढ़े +0.5，सवा +0.25，पौने -0.25
var hindiPrefixes = map[string]float64{
	"साढे": 0.5, "sadhe": 0.5, "saade": 0.5,
	"सवा": 0.25, "sava": 0.25, "sawa": 0.25,
	"पौने": -0.25, "paune": -0.25,
}

// 独立分数词
var hindiFractions = map[string]float64{
	"डेढ": 1.5, "dedh": 1.5,
	"ढाई": 2.5, "dhai": 2.5, "adhai": 2.5,
}

// normalizeDevanagari 去掉nukta，月牙点统一为anusvara，天城体数字转ASCII
func normalizeDevanagari(text string) string {
	decomposed := norm.NFD.String(text)
	var b strings.Builder
	b.Grow(len(decomposed))
	for _, r := range decomposed {
		switch {
		case r == '़':
			continue
		case r == 'ँ':
			b.WriteRune('ं')
		case r >= '०' && r <= '९':
			b.WriteRune('0' + (r - '०'))
		default:
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return norm.NFC.String(b.String())
}

type token struct {
	text    string
	numeric bool
}

// tokenize 切分为数字串和词，数字内的千分位逗号会被去掉
func tokenize(text string) []token {
	runes := []rune(normalizeDevanagari(text))
	var tokens []token
	for i := 0; i < len(runes); {
		r := runes[i]
		switch {
		case unicode.IsDigit(r):
			var b strings.Builder
			for i < len(runes) {
				c := runes[i]
				if unicode.IsDigit(c) {
					b.WriteRune(c)
					i++
					continue
				}
				// 4,000 / 3.5
				if (c == ',' || c == '.') && i+1 < len(runes) && unicode.IsDigit(runes[i+1]) {
					if c == '.' {
						b.WriteRune(c)
					}
					i++
					continue
				}
				break
			}
			tokens = append(tokens, token{text: b.String(), numeric: true})
		case unicode.IsLetter(r) || unicode.IsMark(r):
			start := i
			for i < len(runes) && (unicode.IsLetter(runes[i]) || unicode.IsMark(runes[i])) {
				i++
			}
			tokens = append(tokens, token{text: string(runes[start:i])})
		default:
			i++
		}
	}
	return tokens
}

// ParseAmounts 提取文本中所有金额，支持阿拉伯数字与印地语数词
func ParseAmounts(text string) []int64 {
	var (
		out      []int64
		total    float64
		chunk    float64
		prefix   float64
		inNumber bool
		hundreds bool
	)

	flush := func() {
		if inNumber {
			out = append(out, int64(math.Round(total+chunk)))
		}
		total, chunk, prefix, inNumber, hundreds = 0, 0, 0, false, false
	}

	addUnit := func(v float64) {
		if prefix != 0 {
			v += prefix
			prefix = 0
		}
		switch {
		case hundreds:
			// दो सौ पचास
			chunk += v
			hundreds = false
		case inNumber && chunk != 0:
			// 两个独立数字，前一个先结算
			flush()
			chunk = v
		default:
			chunk = v
		}
		inNumber = true
	}

	for _, tok := range tokenize(text) {
		if tok.numeric {
			v, err := strconv.ParseFloat(tok.text, 64)
			if err != nil {
				flush()
				continue
			}
			addUnit(v)
			continue
		}

		word := tok.text
		if v, ok := hindiUnits[word]; ok {
			addUnit(v)
			continue
		}
		if v, ok := hindiFractions[word]; ok {
			addUnit(v)
			continue
		}
		if v, ok := hindiPrefixes[word]; ok {
			if inNumber && chunk != 0 {
				flush()
			}
			prefix = v
			continue
		}
		if m, ok := hindiMultipliers[word]; ok {
			if !inNumber && prefix == 0 {
				// 单独的"हजार"不算金额
				continue
			}
			if chunk == 0 {
				chunk = 1 + prefix
				prefix = 0
			}
			if m >= 1000 {
				total += chunk * m
				chunk = 0
			} else {
				chunk *= m
				hundreds = true
			}
			inNumber = true
			continue
		}
		flush()
	}
	flush()
	return out
}

// QuoteParser 从商家话语中识别报价
type QuoteParser struct {
	MinQuote int64
}

// Parse 返回最后一个不小于MinQuote的金额；没有则返回nil
func (p QuoteParser) Parse(text string) *int64 {
	amounts := ParseAmounts(text)
	for i := len(amounts) - 1; i >= 0; i-- {
		if amounts[i] >= p.MinQuote && amounts[i] > 0 {
			v := amounts[i]
			return &v
		}
	}
	return nil
}
