// Package numeral converts between Chinese numerals and Arabic decimal text.
//
// ToArabic accepts the "normal" notation used in questions: an optional 负
// sign, an integer part built from digits and place units (一万二千, 十五,
// 两千零一), an optional 点 decimal part, and bare digit runs (一九 → 19,
// 二零二零 → 2020). ToChinese renders Arabic decimal text back into lower-case
// Chinese numerals so that mixed forms such as "3千" can be normalized through
// a single parser.
package numeral

import (
	"math"
	"strconv"
	"strings"

	"github.com/turtacn/nl2sql-engine/pkg/errors"
	"github.com/turtacn/nl2sql-engine/pkg/types/nl2sql"
)

// Character classes used by the text miners.
const (
	CNDigits = "〇一二三四五六七八九零壹贰叁肆伍陆柒捌玖貮两"
	CNUnits  = "十拾百佰千仟万萬亿億兆点"
)

const (
	pointRune    = '点'
	negativeRune = '负'
	yearRune     = "年"
)

// ErrNormalization is returned for any string that is not a well-formed
// numeral. Callers treat it as "drop this candidate".
var ErrNormalization = errors.New(errors.ErrCodeNormalization, "numeral normalization failed")

var digitValues = map[rune]int{
	'〇': 0, '零': 0,
	'一': 1, '壹': 1,
	'二': 2, '贰': 2, '貮': 2, '两': 2,
	'三': 3, '叁': 3,
	'四': 4, '肆': 4,
	'五': 5, '伍': 5,
	'六': 6, '陆': 6,
	'七': 7, '柒': 7,
	'八': 8, '捌': 8,
	'九': 9, '玖': 9,
}

var unitValues = map[rune]float64{
	'十': 10, '拾': 10,
	'百': 100, '佰': 100,
	'千': 1e3, '仟': 1e3,
	'万': 1e4, '萬': 1e4,
	'亿': 1e8, '億': 1e8,
	'兆': 1e12,
}

// multiplierUnits may trail a decimal part (一点五万).
var multiplierUnits = map[rune]float64{
	'万': 1e4, '萬': 1e4,
	'亿': 1e8, '億': 1e8,
	'兆': 1e12,
}

func fail(s string) error {
	return ErrNormalization.WithDetail(strconv.Quote(s))
}

// ─────────────────────────────────────────────────────────────────────────────
// Chinese → Arabic
// ─────────────────────────────────────────────────────────────────────────────

// ToArabic parses a Chinese numeral.
func ToArabic(s string) (float64, error) {
	runes := []rune(strings.TrimSpace(s))
	if len(runes) == 0 {
		return 0, fail(s)
	}
	sign := 1.0
	if runes[0] == negativeRune {
		sign = -1
		runes = runes[1:]
	}

	intPart, decPart, hasPoint := splitPoint(runes)
	if hasPoint < 0 {
		return 0, fail(s)
	}
	if len(intPart) == 0 {
		return 0, fail(s)
	}
	intVal, ok := integerValue(intPart)
	if !ok {
		return 0, fail(s)
	}
	if hasPoint == 0 {
		return sign * intVal, nil
	}

	mult := 1.0
	for len(decPart) > 0 {
		m, ok := multiplierUnits[decPart[len(decPart)-1]]
		if !ok {
			break
		}
		mult *= m
		decPart = decPart[:len(decPart)-1]
	}
	if len(decPart) == 0 {
		return 0, fail(s)
	}
	var frac strings.Builder
	for _, r := range decPart {
		d, ok := digitValues[r]
		if !ok {
			return 0, fail(s)
		}
		frac.WriteByte(byte('0' + d))
	}
	v, err := strconv.ParseFloat(strconv.FormatFloat(intVal, 'f', -1, 64)+"."+frac.String(), 64)
	if err != nil {
		return 0, fail(s)
	}
	return sign * v * mult, nil
}

// splitPoint splits at 点. The flag is 0 without a point, 1 with exactly one,
// and -1 when there are several.
func splitPoint(runes []rune) ([]rune, []rune, int) {
	idx := -1
	for i, r := range runes {
		if r != pointRune {
			continue
		}
		if idx >= 0 {
			return nil, nil, -1
		}
		idx = i
	}
	if idx < 0 {
		return runes, nil, 0
	}
	return runes[:idx], runes[idx+1:], 1
}

// integerValue reads digits and place units left to right. A run of digits
// without any unit is read positionally. Within a section (the span between
// 万/亿/兆) place units must strictly decrease, and a section may not be
// empty. A digit trailing the last unit sits one place lower: 两百五 is 250
// and 一万五 is 15000.
func integerValue(runes []rune) (float64, bool) {
	allDigits := true
	for _, r := range runes {
		if _, ok := digitValues[r]; ok {
			continue
		}
		if _, ok := unitValues[r]; ok {
			allDigits = false
			continue
		}
		return 0, false
	}
	if allDigits {
		v := 0.0
		for _, r := range runes {
			v = v*10 + float64(digitValues[r])
		}
		return v, true
	}

	// prevUnit is the unit before the pending digit, 0 after 零.
	var total, section, prevUnit float64
	pending := -1
	lastPlace, lastSection := math.Inf(1), math.Inf(1)
	for i, r := range runes {
		if d, ok := digitValues[r]; ok {
			if d == 0 {
				if pending > 0 {
					return 0, false
				}
				pending = -1
				prevUnit = 0
				continue
			}
			if pending > 0 {
				return 0, false
			}
			pending = d
			continue
		}

		u := unitValues[r]
		if u < 1e4 {
			if u >= lastPlace {
				return 0, false
			}
			n := float64(pending)
			if pending < 0 {
				if u != 10 && i != 0 {
					return 0, false
				}
				n = 1
			}
			section += n * u
			lastPlace = u
			pending = -1
			prevUnit = u
			continue
		}

		if pending > 0 {
			section += float64(pending)
			pending = -1
		}
		switch {
		case i == 0:
			section = 1
			fallthrough
		case u < lastSection:
			if section == 0 {
				return 0, false
			}
			total += section * u
		case u > lastSection:
			// compound units such as 万亿
			total = (total + section) * u
		default:
			return 0, false
		}
		section = 0
		lastSection = u
		lastPlace = math.Inf(1)
		prevUnit = u
	}
	if pending > 0 {
		if prevUnit >= 100 {
			section += float64(pending) * prevUnit / 10
		} else {
			section += float64(pending)
		}
	}
	return total + section, true
}

// ─────────────────────────────────────────────────────────────────────────────
// Arabic → Chinese
// ─────────────────────────────────────────────────────────────────────────────

var (
	lowDigits    = [10]string{"零", "一", "二", "三", "四", "五", "六", "七", "八", "九"}
	sectionUnits = [4]string{"", "十", "百", "千"}
	groupUnits   = [5]string{"", "万", "亿", "兆", "京"}
)

// ToChinese renders Arabic decimal text ([-+]?digits[.digits]) as lower-case
// Chinese numerals: 10 → 十, 1001 → 一千零一, 3.5 → 三点五, -2 → 负二.
func ToChinese(arabic string) (string, error) {
	s := strings.TrimSpace(arabic)
	neg := false
	if strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		neg = s[0] == '-'
		s = s[1:]
	}
	intText, decText, _ := strings.Cut(s, ".")
	if (intText == "" && decText == "") || !isASCIIDigits(intText) || !isASCIIDigits(decText) {
		return "", fail(arabic)
	}
	if strings.Contains(s, ".") && decText == "" {
		return "", fail(arabic)
	}
	intText = strings.TrimLeft(intText, "0")
	if len(intText) > 4*len(groupUnits) {
		return "", fail(arabic)
	}

	var b strings.Builder
	if neg {
		b.WriteRune(negativeRune)
	}
	b.WriteString(integerToChinese(intText))
	if decText != "" {
		b.WriteRune(pointRune)
		for i := 0; i < len(decText); i++ {
			b.WriteString(lowDigits[decText[i]-'0'])
		}
	}
	return b.String(), nil
}

func isASCIIDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// integerToChinese expects digits without leading zeros.
func integerToChinese(digits string) string {
	if digits == "" {
		return lowDigits[0]
	}
	// split into 4-digit groups, least significant first
	var groups []int
	for end := len(digits); end > 0; end -= 4 {
		start := end - 4
		if start < 0 {
			start = 0
		}
		g, _ := strconv.Atoi(digits[start:end])
		groups = append(groups, g)
	}

	var b strings.Builder
	pendingZero := false
	for gi := len(groups) - 1; gi >= 0; gi-- {
		sec := groups[gi]
		if sec == 0 {
			if b.Len() > 0 {
				pendingZero = true
			}
			continue
		}
		if b.Len() > 0 && (pendingZero || sec < 1000) {
			b.WriteString(lowDigits[0])
		}
		pendingZero = false
		b.WriteString(sectionToChinese(sec))
		b.WriteString(groupUnits[gi])
	}
	out := b.String()
	if strings.HasPrefix(out, "一十") {
		out = strings.TrimPrefix(out, "一")
	}
	return out
}

func sectionToChinese(sec int) string {
	var b strings.Builder
	zero := false
	for pos, div := 3, 1000; pos >= 0; pos, div = pos-1, div/10 {
		d := sec / div % 10
		if d == 0 {
			if b.Len() > 0 {
				zero = true
			}
			continue
		}
		if zero {
			b.WriteString(lowDigits[0])
			zero = false
		}
		b.WriteString(lowDigits[d])
		b.WriteString(sectionUnits[pos])
	}
	return b.String()
}

// ─────────────────────────────────────────────────────────────────────────────
// Normalizers used by the miners
// ─────────────────────────────────────────────────────────────────────────────

// FormatNumber renders integral values without a fraction.
func FormatNumber(f float64) string {
	return nl2sql.FormatFloat(f)
}

// parseLenient tries the Chinese parser first and falls back to a plain
// decimal parse of the same text.
func parseLenient(s string) (float64, bool) {
	if f, err := ToArabic(s); err == nil {
		return f, true
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// StrToNum normalizes a numeral string into canonical decimal text.
func StrToNum(s string) (string, bool) {
	f, ok := parseLenient(s)
	if !ok {
		return "", false
	}
	return FormatNumber(f), true
}

// StrToYear normalizes a two-character year such as 一九年 or 二零年. Only
// values below 1900 are accepted and they are shifted into the 2000s.
func StrToYear(s string) (string, bool) {
	f, ok := parseLenient(strings.ReplaceAll(s, yearRune, ""))
	if !ok || f >= 1900 {
		return "", false
	}
	return strconv.FormatInt(int64(f)+2000, 10), true
}
