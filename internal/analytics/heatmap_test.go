package analytics

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kisa134/trading/internal/broker"
	"github.com/kisa134/trading/internal/model"
)

func domSnapshot(ts int64) *model.BookUpdate {
	return &model.BookUpdate{
		Kind:     model.KindSnapshot,
		Exchange: btc.Exchange,
		Symbol:   btc.Symbol,
		TS:       ts,
		UpdateID: ts,
		Bids: []model.PriceLevel{
			{Price: 100.04, Size: 2},
			{Price: 100.01, Size: 3}, // same bin as 100.04 at bin 0.1
			{Price: 99.96, Size: 1},
		},
		Asks: []model.PriceLevel{
			{Price: 100.06, Size: 4},
			{Price: 100.14, Size: 5},
		},
	}
}

func TestBinDOMAggregatesByBin(t *testing.T) {
	slice := BinDOM(domSnapshot(t0), 0.1)
	require.Len(t, slice.Rows, 2)
	assert.InDelta(t, 100.0, slice.Rows[0].Price, 1e-9)
	assert.Equal(t, 6.0, slice.Rows[0].VolBid)
	assert.Equal(t, 0.0, slice.Rows[0].VolAsk)
	assert.InDelta(t, 100.1, slice.Rows[1].Price, 1e-9)
	assert.Equal(t, 0.0, slice.Rows[1].VolBid)
	assert.Equal(t, 9.0, slice.Rows[1].VolAsk)
}

func TestBinDOMIdempotent(t *testing.T) {
	a, err := model.Encode(BinDOM(domSnapshot(t0), 0.1))
	require.NoError(t, err)
	b, err := model.Encode(BinDOM(domSnapshot(t0), 0.1))
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestHeatmapSamplesOncePerSecond(t *testing.T) {
	brk := broker.NewMemory()
	h := NewHeatmap(brk, map[Instrument]float64{btc: 0.1}, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, h.handle(ctx, "", domSnapshot(t0)))
	require.NoError(t, h.handle(ctx, "", domSnapshot(t0+200))) // same second
	require.NoError(t, h.handle(ctx, "", domSnapshot(t0+1000)))

	recs := decodeStream(t, brk, model.StreamHeatmap(btc.Exchange, btc.Symbol))
	require.Len(t, recs, 2)
	assert.Equal(t, (t0/1000)*1000, recs[0].(*model.HeatmapSlice).TS)
}

func TestHeatmapSkipsReplayedSecond(t *testing.T) {
	brk := broker.NewMemory()
	h := NewHeatmap(brk, map[Instrument]float64{btc: 0.1}, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, h.handle(ctx, "", domSnapshot(t0+1000)))
	// Redelivery of an earlier snapshot after restartless replay.
	require.NoError(t, h.handle(ctx, "", domSnapshot(t0)))

	recs := decodeStream(t, brk, model.StreamHeatmap(btc.Exchange, btc.Symbol))
	require.Len(t, recs, 1)
}
