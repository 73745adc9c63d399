package alerts

import (
	"math"
	"strings"

	"github.com/leogray15-maker/arcane-archives/internal/database"
)

// pipMultiplier returns the price-to-pips factor for a pair. JPY crosses
// quote two decimal places, metals and crypto are quoted in whole points,
// everything else uses the standard four decimal places.
func pipMultiplier(pair string) float64 {
	p := strings.ToUpper(pair)
	if strings.Contains(p, "JPY") {
		return 100
	}
	for _, prefix := range []string{"XAU", "XAG", "BTC", "ETH"} {
		if strings.HasPrefix(p, prefix) {
			return 1
		}
	}
	return 10000
}

// PipsFor computes the signed pip distance from entry to exit for a trade
// in the given direction. Sell trades profit when price falls.
func PipsFor(pair string, direction database.AlertDirection, entry, exit float64) float64 {
	delta := exit - entry
	if direction == database.DirectionSell {
		delta = -delta
	}
	return delta * pipMultiplier(pair)
}

// RoundPips rounds a pip value to the nearest whole pip for storage.
func RoundPips(pips float64) int {
	return int(math.Round(pips))
}
