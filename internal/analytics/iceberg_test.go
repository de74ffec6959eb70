package analytics

import (
	"context"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kisa134/trading/internal/broker"
	"github.com/kisa134/trading/internal/model"
)

func bidBook(ts int64, size float64) *model.BookUpdate {
	return &model.BookUpdate{
		Kind:     model.KindSnapshot,
		Exchange: btc.Exchange,
		Symbol:   btc.Symbol,
		TS:       ts,
		Bids:     []model.PriceLevel{{Price: 100.0, Size: size}, {Price: 99.9, Size: 8}},
		Asks:     []model.PriceLevel{{Price: 100.1, Size: 6}},
	}
}

func decodeEvents(t *testing.T, brk broker.Broker) []*model.Event {
	t.Helper()
	var out []*model.Event
	for _, rec := range decodeStream(t, brk, model.StreamEvents(btc.Exchange, btc.Symbol)) {
		out = append(out, rec.(*model.Event))
	}
	return out
}

// A bid at 100.0 keeps showing ~5 visible while sell aggressors consume 120
// across 40 s: the visible size is a fraction of what actually traded, so
// an iceberg is inferred.
func TestIcebergDetection(t *testing.T) {
	brk := broker.NewMemory()
	ic := NewIceberg(brk, []Instrument{btc}, IcebergConfig{}, zerolog.Nop())
	ctx := context.Background()

	ts := t0
	for i := 0; i < 10; i++ {
		// Visible dips as trades hit it, then refills.
		require.NoError(t, ic.handle(ctx, "", bidBook(ts, 5)))
		tr := mkTrade(ts+1, model.SideSell, 100.0, 12)
		tr.TradeID = fmt.Sprint(i)
		require.NoError(t, ic.handle(ctx, "", tr))
		require.NoError(t, ic.handle(ctx, "", bidBook(ts+2, 4.5)))
		ts += 4000
	}

	events := decodeEvents(t, brk)
	require.Len(t, events, 1, "exactly one iceberg event")
	ev := events[0]
	assert.Equal(t, model.EventIceberg, ev.Type)
	assert.Equal(t, model.SideBuy, ev.Side)
	assert.Equal(t, 100.0, ev.Price)
	assert.NotEmpty(t, ev.ID)
}

func TestIcebergNotFiredWithoutReplenish(t *testing.T) {
	brk := broker.NewMemory()
	ic := NewIceberg(brk, []Instrument{btc}, IcebergConfig{}, zerolog.Nop())
	ctx := context.Background()

	// Plenty of consumption but the level never refills.
	require.NoError(t, ic.handle(ctx, "", bidBook(t0, 5)))
	for i := 0; i < 5; i++ {
		tr := mkTrade(t0+int64(i)+1, model.SideSell, 100.0, 10)
		tr.TradeID = fmt.Sprint(i)
		require.NoError(t, ic.handle(ctx, "", tr))
	}
	assert.Empty(t, decodeEvents(t, brk))
}

func TestIcebergNotFiredBelowRatio(t *testing.T) {
	brk := broker.NewMemory()
	ic := NewIceberg(brk, []Instrument{btc}, IcebergConfig{}, zerolog.Nop())
	ctx := context.Background()

	ts := t0
	for i := 0; i < 5; i++ {
		require.NoError(t, ic.handle(ctx, "", bidBook(ts, 5)))
		tr := mkTrade(ts+1, model.SideSell, 100.0, 1) // tiny consumption
		tr.TradeID = fmt.Sprint(i)
		require.NoError(t, ic.handle(ctx, "", tr))
		require.NoError(t, ic.handle(ctx, "", bidBook(ts+2, 4)))
		ts += 1000
	}
	assert.Empty(t, decodeEvents(t, brk))
}
