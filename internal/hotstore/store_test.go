package hotstore

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

var testInstrument = Instrument{Exchange: "bybit", Symbol: "BTCUSDT"}

func appendRecord(t *testing.T, brk broker.Broker, stream string, rec model.Record) {
	t.Helper()
	payload, err := model.Encode(rec)
	require.NoError(t, err)
	_, err = brk.StreamAppend(context.Background(), stream, payload, 0)
	require.NoError(t, err)
}

func trade(id string, ts int64, side model.Side, price, size float64) *model.Trade {
	return &model.Trade{
		Kind:     model.KindTrade,
		Exchange: "bybit",
		Symbol:   "BTCUSDT",
		TS:       ts,
		TradeID:  id,
		Side:     side,
		Price:    price,
		Size:     size,
	}
}

func dom(ts int64, updateID int64) *model.BookUpdate {
	return &model.BookUpdate{
		Kind:     model.KindSnapshot,
		Exchange: "bybit",
		Symbol:   "BTCUSDT",
		TS:       ts,
		UpdateID: updateID,
		Bids:     []model.PriceLevel{{Price: 100, Size: 5}},
		Asks:     []model.PriceLevel{{Price: 101, Size: 2}},
	}
}

func runStore(t *testing.T, brk broker.Broker) *Store {
	t.Helper()
	s := New(brk, []Instrument{testInstrument}, 0, zerolog.Nop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("store did not stop")
		}
	})
	return s
}

func TestDOMViewAndKV(t *testing.T) {
	brk := broker.NewMemory()
	s := runStore(t, brk)

	appendRecord(t, brk, model.StreamDOM("bybit", "BTCUSDT"), dom(1000, 10))
	require.Eventually(t, func() bool {
		_, ok := s.DOM("bybit", "BTCUSDT")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	got, _ := s.DOM("bybit", "BTCUSDT")
	assert.Equal(t, int64(10), got.UpdateID)

	value, hit, err := brk.KVGet(context.Background(), model.KeyDOM("bybit", "BTCUSDT"))
	require.NoError(t, err)
	require.True(t, hit)
	rec, err := model.Decode(value)
	require.NoError(t, err)
	assert.Equal(t, int64(10), rec.(*model.BookUpdate).UpdateID)
}

func TestStaleDOMIgnored(t *testing.T) {
	brk := broker.NewMemory()
	s := runStore(t, brk)

	appendRecord(t, brk, model.StreamDOM("bybit", "BTCUSDT"), dom(2000, 20))
	require.Eventually(t, func() bool {
		got, ok := s.DOM("bybit", "BTCUSDT")
		return ok && got.UpdateID == 20
	}, 2*time.Second, 10*time.Millisecond)

	// A replayed older snapshot must not win.
	appendRecord(t, brk, model.StreamDOM("bybit", "BTCUSDT"), dom(1000, 10))
	appendRecord(t, brk, model.StreamDOM("bybit", "BTCUSDT"), dom(3000, 30))
	require.Eventually(t, func() bool {
		got, _ := s.DOM("bybit", "BTCUSDT")
		return got.UpdateID == 30
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRecentTradesDedupeAndOrder(t *testing.T) {
	brk := broker.NewMemory()
	s := runStore(t, brk)

	stream := model.StreamTrades("bybit", "BTCUSDT")
	appendRecord(t, brk, stream, trade("b", 1002, model.SideSell, 100.5, 1))
	appendRecord(t, brk, stream, trade("a", 1001, model.SideBuy, 100.0, 2))
	appendRecord(t, brk, stream, trade("b", 1002, model.SideSell, 100.5, 1)) // redelivery
	appendRecord(t, brk, stream, trade("c", 1002, model.SideBuy, 100.6, 3))

	require.Eventually(t, func() bool {
		return len(s.RecentTrades("bybit", "BTCUSDT", 0)) == 3
	}, 2*time.Second, 10*time.Millisecond)

	got := s.RecentTrades("bybit", "BTCUSDT", 0)
	require.Len(t, got, 3)
	// Ordered by (ts, trade_id): a@1001, then b and c at 1002.
	assert.Equal(t, "a", got[0].TradeID)
	assert.Equal(t, "b", got[1].TradeID)
	assert.Equal(t, "c", got[2].TradeID)
}

func TestRecentTradesLimit(t *testing.T) {
	brk := broker.NewMemory()
	s := runStore(t, brk)

	stream := model.StreamTrades("bybit", "BTCUSDT")
	for i := 0; i < 5; i++ {
		appendRecord(t, brk, stream, trade(string(rune('a'+i)), int64(1000+i), model.SideBuy, 100, 1))
	}
	require.Eventually(t, func() bool {
		return len(s.RecentTrades("bybit", "BTCUSDT", 0)) == 5
	}, 2*time.Second, 10*time.Millisecond)

	got := s.RecentTrades("bybit", "BTCUSDT", 2)
	require.Len(t, got, 2)
	assert.Equal(t, "d", got[0].TradeID)
	assert.Equal(t, "e", got[1].TradeID)
}

func TestTradeRingEvictsOldest(t *testing.T) {
	r := &tradeRing{seen: map[string]struct{}{}, cap: 3}
	for i := 0; i < 5; i++ {
		r.add(trade(string(rune('a'+i)), int64(1000+i), model.SideBuy, 100, 1))
	}
	require.Len(t, r.buf, 3)
	assert.Equal(t, "c", r.buf[0].TradeID)
	// Evicted ids may be re-added later; the ring only guards the window.
	assert.NotContains(t, r.seen, "a")
}
