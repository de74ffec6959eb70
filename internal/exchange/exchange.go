// Package exchange defines the venue adapter contract and the shared
// WebSocket/REST plumbing the per-venue packages build on.
package exchange

import (
	"context"
	"fmt"

	"github.com/kisa134/trading/internal/model"
)

// Feed names a market-data subscription.
type Feed string

const (
	FeedOrderBook    Feed = "orderbook"
	FeedTrades       Feed = "trades"
	FeedKline        Feed = "kline"
	FeedOpenInterest Feed = "open_interest"
	FeedLiquidations Feed = "liquidations"
)

// AllFeeds is the default feed set for a symbol.
var AllFeeds = []Feed{FeedOrderBook, FeedTrades, FeedKline, FeedOpenInterest, FeedLiquidations}

// Stream is one live WebSocket session. Events are emitted in wire order;
// when the channel closes, Err reports why (DisconnectError on socket
// close). Close tears the session down.
type Stream interface {
	Events() <-chan model.Record
	Err() error
	Close() error
}

// Adapter translates one venue into the canonical model. Implementations own
// URL construction, subscription framing, heartbeats and the wire-to-
// canonical decisions: ms timestamps, lowercase sides, aggressor
// classification, venue sequence ids surfaced untouched.
type Adapter interface {
	// Name is the canonical lowercase venue id (bybit, binance, okx).
	Name() string

	// FetchSnapshot loads a REST book snapshot at the requested depth.
	FetchSnapshot(ctx context.Context, symbol string, depth int) (*model.BookUpdate, error)

	// Subscribe opens one WebSocket session for the symbol's feeds. The
	// caller (ingestor) re-subscribes with backoff after a disconnect.
	Subscribe(ctx context.Context, symbol string, feeds []Feed) (Stream, error)

	// TickSize is the instrument's price increment, used to derive
	// aggregation bins.
	TickSize(symbol string) float64
}

// ProtocolError marks a malformed wire frame. The frame is dropped, a
// counter incremented, and the stream continues.
type ProtocolError struct {
	Exchange string
	Err      error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: protocol error: %v", e.Exchange, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// DisconnectError marks a closed socket. It propagates to the ingestor,
// which re-enters its Disconnected state.
type DisconnectError struct {
	Exchange string
	Err      error
}

func (e *DisconnectError) Error() string {
	return fmt.Sprintf("%s: disconnected: %v", e.Exchange, e.Err)
}

func (e *DisconnectError) Unwrap() error { return e.Err }

// defaultTickSizes covers the majors; venues fall back to 0.01 for anything
// not listed. Overridable per deployment through config.
var defaultTickSizes = map[string]float64{
	"BTCUSDT": 0.1,
	"ETHUSDT": 0.01,
	"SOLUSDT": 0.001,
}

// DefaultTickSize resolves a tick size from overrides, then the built-in
// table, then the 0.01 fallback.
func DefaultTickSize(symbol string, overrides map[string]float64) float64 {
	if ts, ok := overrides[symbol]; ok && ts > 0 {
		return ts
	}
	if ts, ok := defaultTickSizes[symbol]; ok {
		return ts
	}
	return 0.01
}
