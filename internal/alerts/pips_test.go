package alerts

import (
	"testing"

	"github.com/leogray15-maker/arcane-archives/internal/database"
)

func TestPipsFor(t *testing.T) {
	tests := []struct {
		name      string
		pair      string
		direction database.AlertDirection
		entry     float64
		exit      float64
		want      int
	}{
		{"gold buy in points", "XAUUSD", database.DirectionBuy, 2400.0, 2425.0, 25},
		{"eurusd sell profit on fall", "EURUSD", database.DirectionSell, 1.1000, 1.0950, 50},
		{"jpy cross buy loss", "USDJPY", database.DirectionBuy, 150.00, 149.50, -50},
		{"jpy cross sell", "GBPJPY", database.DirectionSell, 190.00, 189.20, 80},
		{"major buy", "GBPUSD", database.DirectionBuy, 1.2500, 1.2540, 40},
		{"bitcoin in points", "BTCUSD", database.DirectionBuy, 64000, 64350, 350},
		{"silver sell", "XAGUSD", database.DirectionSell, 29.0, 31.5, -2},
		{"break even", "EURUSD", database.DirectionBuy, 1.1000, 1.1000, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RoundPips(PipsFor(tt.pair, tt.direction, tt.entry, tt.exit))
			if got != tt.want {
				t.Errorf("PipsFor(%s %s %.4f -> %.4f) = %d, want %d",
					tt.pair, tt.direction, tt.entry, tt.exit, got, tt.want)
			}
		})
	}
}
