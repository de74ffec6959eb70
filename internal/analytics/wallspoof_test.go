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

// bandWithLevel builds a bid band whose median size is 20, with the given
// size at 99.0.
func bandWithLevel(ts int64, size float64) *model.BookUpdate {
	bids := []model.PriceLevel{
		{Price: 99.5, Size: 18},
		{Price: 99.4, Size: 19},
		{Price: 99.3, Size: 20},
		{Price: 99.2, Size: 21},
		{Price: 99.1, Size: 22},
	}
	if size > 0 {
		bids = append(bids, model.PriceLevel{Price: 99.0, Size: size})
	}
	return &model.BookUpdate{
		Kind:     model.KindSnapshot,
		Exchange: btc.Exchange,
		Symbol:   btc.Symbol,
		TS:       ts,
		Bids:     bids,
		Asks:     []model.PriceLevel{{Price: 100.0, Size: 20}},
	}
}

// Scenario: a 500-size bid appears where the band median is ~20 (X=10); at
// +400ms it shrinks to 10 with no trade at or below 99.0 and T2=1s. One
// SPOOF, no WALL (residency never reached T1).
func TestSpoofDetection(t *testing.T) {
	brk := broker.NewMemory()
	w := NewWallSpoof(brk, []Instrument{btc}, WallSpoofConfig{X: 10, T1: 5 * time.Second, T2: time.Second}, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, w.handle(ctx, "", bandWithLevel(t0, 500)))
	require.NoError(t, w.handle(ctx, "", bandWithLevel(t0+400, 10)))

	events := decodeEvents(t, brk)
	require.Len(t, events, 1, "exactly one event")
	ev := events[0]
	assert.Equal(t, model.EventSpoof, ev.Type)
	assert.Equal(t, model.SideBuy, ev.Side)
	assert.Equal(t, 99.0, ev.Price)
}

func TestNoSpoofWhenTraded(t *testing.T) {
	brk := broker.NewMemory()
	w := NewWallSpoof(brk, []Instrument{btc}, WallSpoofConfig{X: 10, T1: 5 * time.Second, T2: time.Second}, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, w.handle(ctx, "", bandWithLevel(t0, 500)))
	// The level was eaten, not pulled.
	require.NoError(t, w.handle(ctx, "", mkTrade(t0+200, model.SideSell, 99.0, 480)))
	require.NoError(t, w.handle(ctx, "", bandWithLevel(t0+400, 10)))

	assert.Empty(t, decodeEvents(t, brk))
}

func TestNoSpoofOutsideT2(t *testing.T) {
	brk := broker.NewMemory()
	w := NewWallSpoof(brk, []Instrument{btc}, WallSpoofConfig{X: 10, T1: 5 * time.Second, T2: time.Second}, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, w.handle(ctx, "", bandWithLevel(t0, 500)))
	// The shrink lands after the spoof window: it just drifted away.
	require.NoError(t, w.handle(ctx, "", bandWithLevel(t0+5000, 10)))

	assert.Empty(t, decodeEvents(t, brk))
}

func TestWallDetection(t *testing.T) {
	brk := broker.NewMemory()
	w := NewWallSpoof(brk, []Instrument{btc}, WallSpoofConfig{X: 10, T1: 2 * time.Second, T2: time.Second}, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, w.handle(ctx, "", bandWithLevel(t0, 500)))
	require.NoError(t, w.handle(ctx, "", bandWithLevel(t0+1000, 500)))
	assert.Empty(t, decodeEvents(t, brk), "residency below T1")

	require.NoError(t, w.handle(ctx, "", bandWithLevel(t0+2000, 500)))
	events := decodeEvents(t, brk)
	require.Len(t, events, 1)
	assert.Equal(t, model.EventWall, events[0].Type)
	assert.Equal(t, model.SideBuy, events[0].Side)
	assert.Equal(t, 99.0, events[0].Price)

	// Still resting: no duplicate wall events.
	require.NoError(t, w.handle(ctx, "", bandWithLevel(t0+3000, 500)))
	assert.Len(t, decodeEvents(t, brk), 1)
}

func TestRemovedWallIsSpoof(t *testing.T) {
	brk := broker.NewMemory()
	w := NewWallSpoof(brk, []Instrument{btc}, WallSpoofConfig{X: 10, T1: 5 * time.Second, T2: time.Second}, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, w.handle(ctx, "", bandWithLevel(t0, 500)))
	require.NoError(t, w.handle(ctx, "", bandWithLevel(t0+300, 0))) // gone entirely

	events := decodeEvents(t, brk)
	require.Len(t, events, 1)
	assert.Equal(t, model.EventSpoof, events[0].Type)
}
