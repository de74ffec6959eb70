package exchange

import (
	"strconv"
	"strings"

	"github.com/kisa134/trading/internal/model"
)

// ParseLevels converts the [["price","size"], …] wire form shared by all
// three venues. Entries with fewer than two fields or unparsable numbers are
// skipped; zero sizes are kept because in deltas they mean removal.
func ParseLevels(raw [][]string) []model.PriceLevel {
	out := make([]model.PriceLevel, 0, len(raw))
	for _, e := range raw {
		if len(e) < 2 {
			continue
		}
		p, err1 := strconv.ParseFloat(e[0], 64)
		s, err2 := strconv.ParseFloat(e[1], 64)
		if err1 != nil || err2 != nil {
			continue
		}
		out = append(out, model.PriceLevel{Price: p, Size: s})
	}
	return out
}

// ParseSide normalizes a venue side string to the canonical lowercase form.
// Anything that is not recognizably a buy maps to sell, matching the
// venues' own binary framing.
func ParseSide(s string) model.Side {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy", "bid", "b":
		return model.SideBuy
	default:
		return model.SideSell
	}
}

// F parses a venue decimal string, returning 0 on garbage. Venue payloads
// carry numbers as strings throughout.
func F(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}
