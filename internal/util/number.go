package util

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	reDotThousands   = regexp.MustCompile(`^-?\d{1,3}(?:\.\d{3})+(?:,\d+)?$`)
	reCommaThousands = regexp.MustCompile(`^-?\d{1,3}(?:,\d{3})+(?:\.\d+)?$`)
	reMultiDot       = regexp.MustCompile(`^-?\d{1,3}(?:\.\d{3}){2,}$`)
)

// ParseNumber reads Norwegian and international number spellings: "1 234,50", "1.234,50",
// "1,234.50", "12,5", "12.5". Whitespace (including NBSP) is ignored.
func ParseNumber(input string) (decimal.Decimal, bool) {
	compact := strings.NewReplacer(" ", "", "\u00A0", "", "\u202F", "", "\t", "").Replace(strings.TrimSpace(input))
	if compact == "" {
		return decimal.Zero, false
	}

	switch {
	case reDotThousands.MatchString(compact) && (strings.Contains(compact, ",") || reMultiDot.MatchString(compact)):
		compact = strings.ReplaceAll(compact, ".", "")
		compact = strings.ReplaceAll(compact, ",", ".")
	case reCommaThousands.MatchString(compact) && strings.Count(compact, ",") > 1:
		compact = strings.ReplaceAll(compact, ",", "")
	case strings.Contains(compact, ",") && strings.Contains(compact, "."):
		if strings.LastIndex(compact, ".") > strings.LastIndex(compact, ",") {
			compact = strings.ReplaceAll(compact, ",", "")
		} else {
			compact = strings.ReplaceAll(compact, ".", "")
			compact = strings.ReplaceAll(compact, ",", ".")
		}
	case strings.Count(compact, ",") == 1:
		compact = strings.ReplaceAll(compact, ",", ".")
	}

	d, err := decimal.NewFromString(compact)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}
