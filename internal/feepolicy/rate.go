package feepolicy

import (
	"fmt"
	"math"
	"strconv"
)

// Rate is a fee percentage in basis points: 100 = 1%.
type Rate int64

// Percent returns the rate as a decimal percentage (700 -> 7.0).
func (r Rate) Percent() float64 {
	return float64(r) / 100
}

func (r Rate) String() string {
	return strconv.FormatFloat(r.Percent(), 'f', 2, 64) + "%"
}

// MarshalJSON renders the rate as a plain percentage number.
func (r Rate) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatFloat(r.Percent(), 'f', -1, 64)), nil
}

// UnmarshalJSON accepts a percentage number such as 7 or 2.5.
func (r *Rate) UnmarshalJSON(b []byte) error {
	f, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return fmt.Errorf("feepolicy: invalid rate %s", b)
	}
	parsed, err := RateFromPercent(f)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// RateFromPercent converts a decimal percentage, rounding to the nearest
// basis point.
func RateFromPercent(pct float64) (Rate, error) {
	if math.IsNaN(pct) || pct < 0 || pct > 100 {
		return 0, fmt.Errorf("feepolicy: rate %v out of range", pct)
	}
	return Rate(math.Round(pct * 100)), nil
}
