package ledger

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// microsPerUnit is the number of micro-units (1e-6) per whole currency unit.
const microsPerUnit = 1_000_000

// maxFractionalDigits is the client-facing precision bound from spec §4.1:
// "maximum cost has at most four decimal places of precision."
const maxFractionalDigits = 4

// ParseUSDMicros parses a decimal USD string (e.g. "0.1000") into
// micro-units. It rejects negative amounts, more than four fractional
// digits, and values that would not fit in 63 bits.
func ParseUSDMicros(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("amount is empty")
	}
	if strings.HasPrefix(s, "-") {
		return 0, fmt.Errorf("amount must not be negative")
	}

	whole, frac, hasFrac := strings.Cut(s, ".")
	if hasFrac {
		if len(frac) > maxFractionalDigits {
			return 0, fmt.Errorf("amount has more than %d fractional digits", maxFractionalDigits)
		}
		for _, r := range frac {
			if r < '0' || r > '9' {
				return 0, fmt.Errorf("amount contains non-digit characters")
			}
		}
	}
	for _, r := range whole {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("amount contains non-digit characters")
		}
	}
	if whole == "" {
		return 0, fmt.Errorf("amount is missing a whole-number part")
	}

	wholeUnits, err := strconv.ParseInt(whole, 10, 63)
	if err != nil {
		return 0, fmt.Errorf("parsing whole part: %w", err)
	}

	fracPadded := frac + strings.Repeat("0", maxFractionalDigits-len(frac))
	fracMicros := int64(0)
	if fracPadded != "" {
		n, err := strconv.ParseInt(fracPadded, 10, 63)
		if err != nil {
			return 0, fmt.Errorf("parsing fractional part: %w", err)
		}
		fracMicros = n * 100 // fracPadded holds 4 digits; 1 unit of that = 100 micros
	}

	if wholeUnits > (math.MaxInt64-fracMicros)/microsPerUnit {
		return 0, fmt.Errorf("amount overflows 63-bit micro-units")
	}
	return wholeUnits*microsPerUnit + fracMicros, nil
}

// FormatUSDMicros renders micro-units back to a 4-decimal-place USD string.
func FormatUSDMicros(micros int64) string {
	whole := micros / microsPerUnit
	frac := micros % microsPerUnit
	if frac < 0 {
		frac = -frac
	}
	return fmt.Sprintf("%d.%04d", whole, frac/100)
}
