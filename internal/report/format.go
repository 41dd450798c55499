package report

import (
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// FormatMoney renders d as $1,234.56
func FormatMoney(d decimal.Decimal) string {
	s := d.StringFixed(2)
	sign := ""
	if strings.HasPrefix(s, "-") {
		sign, s = "-", s[1:]
	}

	whole, frac := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		whole, frac = s[:i], s[i:]
	}

	var b strings.Builder
	b.WriteString(sign)
	b.WriteByte('$')
	for i, r := range whole {
		if i > 0 && (len(whole)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	b.WriteString(frac)
	return b.String()
}

// FormatPercent renders a percentage with one decimal, 87.5%
func FormatPercent(p float64) string {
	return strconv.FormatFloat(p, 'f', 1, 64) + "%"
}

// FormatMinutes renders minutes with one decimal, 12.3 min
func FormatMinutes(m float64) string {
	return strconv.FormatFloat(m, 'f', 1, 64) + " min"
}
