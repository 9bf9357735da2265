package gateway

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bcrtbchkrw-byte/gemini-trader-ai/internal/models"
)

// FormatOCCSymbol builds the OCC option symbol: underlying, YYMMDD
// expiration, C/P, and strike in thousandths padded to 8 digits.
func FormatOCCSymbol(symbol string, right models.OptionRight, strike float64, expiration time.Time) string {
	r := "C"
	if right == models.RightPut {
		r = "P"
	}
	return fmt.Sprintf("%s%s%s%08d",
		strings.ToUpper(symbol),
		expiration.Format("060102"),
		r,
		int64(strike*1000+0.5))
}

// ParseOCCSymbol splits an OCC option symbol into its components.
func ParseOCCSymbol(ref string) (symbol string, right models.OptionRight, strike float64, expiration time.Time, err error) {
	// Shortest valid form: 1-char underlying + 6-digit date + right + 8-digit strike.
	if len(ref) < 16 {
		err = fmt.Errorf("option symbol %q too short", ref)
		return
	}
	tail := ref[len(ref)-15:]
	symbol = ref[:len(ref)-15]
	if symbol == "" || !isAllDigits(tail[:6]) || !isAllDigits(tail[7:]) {
		err = fmt.Errorf("malformed option symbol %q", ref)
		return
	}
	expiration, err = time.Parse("060102", tail[:6])
	if err != nil {
		err = fmt.Errorf("option symbol %q: bad expiration: %w", ref, err)
		return
	}
	switch tail[6] {
	case 'C':
		right = models.RightCall
	case 'P':
		right = models.RightPut
	default:
		err = fmt.Errorf("option symbol %q: bad right %q", ref, tail[6])
		return
	}
	milli, convErr := strconv.ParseInt(tail[7:], 10, 64)
	if convErr != nil {
		err = fmt.Errorf("option symbol %q: bad strike: %w", ref, convErr)
		return
	}
	strike = float64(milli) / 1000
	return
}

func isAllDigits(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return len(s) > 0
}
