package analytics

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kisa134/trading/internal/broker"
	"github.com/kisa134/trading/internal/model"
)

const t0 = int64(1_700_000_000_000)

var btc = Instrument{Exchange: "bybit", Symbol: "BTCUSDT"}

func mkTrade(ts int64, side model.Side, price, size float64) *model.Trade {
	return &model.Trade{
		Kind:     model.KindTrade,
		Exchange: btc.Exchange,
		Symbol:   btc.Symbol,
		TS:       ts,
		TradeID:  "x",
		Side:     side,
		Price:    price,
		Size:     size,
	}
}

func decodeStream(t *testing.T, brk broker.Broker, name string) []model.Record {
	t.Helper()
	entries, err := brk.StreamRange(context.Background(), name, "", "", 0)
	require.NoError(t, err)
	var out []model.Record
	for _, e := range entries {
		rec, err := model.Decode(e.Payload)
		require.NoError(t, err)
		out = append(out, rec)
	}
	return out
}

func TestFootprintBarContents(t *testing.T) {
	brk := broker.NewMemory()
	f := NewFootprint(brk, []Instrument{btc}, 60_000, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, f.handle(ctx, "", mkTrade(t0+5, model.SideBuy, 100.0, 2)))
	require.NoError(t, f.handle(ctx, "", mkTrade(t0+6, model.SideSell, 100.0, 1)))
	require.NoError(t, f.handle(ctx, "", mkTrade(t0+100, model.SideBuy, 100.5, 4)))

	// Nothing is emitted while the bar is open.
	require.Empty(t, decodeStream(t, brk, model.StreamFootprint(btc.Exchange, btc.Symbol)))

	// A trade in the next bar closes the first one.
	require.NoError(t, f.handle(ctx, "", mkTrade(t0+60_001, model.SideBuy, 101.0, 1)))

	recs := decodeStream(t, brk, model.StreamFootprint(btc.Exchange, btc.Symbol))
	require.Len(t, recs, 1)
	bar := recs[0].(*model.FootprintBar)
	assert.Equal(t, t0, bar.Start)
	assert.Equal(t, t0+60_000, bar.End)
	require.Len(t, bar.Levels, 2)
	assert.Equal(t, model.FootprintLevel{Price: 100.0, VolBid: 1, VolAsk: 2, Delta: 1}, bar.Levels[0])
	assert.Equal(t, model.FootprintLevel{Price: 100.5, VolBid: 0, VolAsk: 4, Delta: 4}, bar.Levels[1])
	require.NotNil(t, bar.POCPrice)
	assert.Equal(t, 100.5, *bar.POCPrice)
}

func TestFootprintTickClosesQuietBar(t *testing.T) {
	brk := broker.NewMemory()
	f := NewFootprint(brk, []Instrument{btc}, 60_000, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, f.handle(ctx, "", mkTrade(t0+5, model.SideBuy, 100.0, 2)))
	require.NoError(t, f.tick(ctx, time.UnixMilli(t0+60_000)))

	recs := decodeStream(t, brk, model.StreamFootprint(btc.Exchange, btc.Symbol))
	require.Len(t, recs, 1)
}

func TestFootprintLateTradeDropped(t *testing.T) {
	brk := broker.NewMemory()
	f := NewFootprint(brk, []Instrument{btc}, 60_000, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, f.handle(ctx, "", mkTrade(t0+5, model.SideBuy, 100.0, 2)))
	require.NoError(t, f.handle(ctx, "", mkTrade(t0+60_001, model.SideBuy, 101.0, 1)))

	stream := model.StreamFootprint(btc.Exchange, btc.Symbol)
	require.Len(t, decodeStream(t, brk, stream), 1)

	// A straggler for the closed bar must not produce a second emission.
	require.NoError(t, f.handle(ctx, "", mkTrade(t0+50, model.SideSell, 100.0, 9)))
	require.NoError(t, f.tick(ctx, time.UnixMilli(t0+200_000)))

	recs := decodeStream(t, brk, stream)
	require.Len(t, recs, 2) // closed first bar + the open second bar via tick
	first := recs[0].(*model.FootprintBar)
	assert.Equal(t, t0, first.Start)
	require.Len(t, first.Levels, 1)
	assert.Equal(t, 2.0, first.Levels[0].VolAsk) // untouched by the straggler
}

func TestFootprintDiagonalImbalance(t *testing.T) {
	acc := map[float64]*levelAcc{
		100.0: {volBid: 1, volAsk: 0},
		100.5: {volBid: 0, volAsk: 9}, // 9 / 1 >= 3 against the bid below
	}
	bar := buildBar(btc, t0, t0+60_000, acc)
	require.Len(t, bar.ImbalanceLevels, 1)
	assert.Equal(t, model.Imbalance{Price: 100.5, Side: model.SideBuy, Ratio: 9}, bar.ImbalanceLevels[0])
}
