// Package book maintains one instrument's depth-of-market as two price-sorted
// ladders. The apply rules are the platform-wide contract: a delta size of
// zero removes the level, any other size upserts it, duplicate prices never
// survive an apply.
package book

import (
	"sort"

	"github.com/kisa134/trading/internal/model"
)

// Book is a single-writer order book. It is owned by the ingestor task of its
// instrument; concurrent access is the caller's problem by design.
type Book struct {
	ts       int64
	updateID int64
	bids     []model.PriceLevel // descending by price
	asks     []model.PriceLevel // ascending by price
}

// New returns an empty book.
func New() *Book {
	return &Book{}
}

// UpdateID is the venue sequence of the last applied update.
func (b *Book) UpdateID() int64 { return b.updateID }

// TS is the timestamp of the last applied update, ms.
func (b *Book) TS() int64 { return b.ts }

// Len reports the number of levels per side.
func (b *Book) Len() (bids, asks int) { return len(b.bids), len(b.asks) }

// ApplySnapshot replaces the whole book. Zero-size snapshot entries are
// skipped so the invariant "every size > 0" holds from the start.
func (b *Book) ApplySnapshot(u *model.BookUpdate) {
	b.bids = b.bids[:0]
	b.asks = b.asks[:0]
	for _, l := range u.Bids {
		if l.Size > 0 {
			b.bids = append(b.bids, l)
		}
	}
	for _, l := range u.Asks {
		if l.Size > 0 {
			b.asks = append(b.asks, l)
		}
	}
	sort.Slice(b.bids, func(i, j int) bool { return b.bids[i].Price > b.bids[j].Price })
	sort.Slice(b.asks, func(i, j int) bool { return b.asks[i].Price < b.asks[j].Price })
	b.ts = u.TS
	b.updateID = u.UpdateID
}

// ApplyDelta applies one incremental update. Sequence validation happens in
// the ingestor; the book only performs the level arithmetic.
func (b *Book) ApplyDelta(u *model.BookUpdate) {
	for _, l := range u.Bids {
		b.bids = upsert(b.bids, l, true)
	}
	for _, l := range u.Asks {
		b.asks = upsert(b.asks, l, false)
	}
	b.ts = u.TS
	b.updateID = u.UpdateID
}

// upsert inserts, replaces or removes one level keeping the side sorted.
// Binary search keeps each apply O(log N) plus the copy.
func upsert(side []model.PriceLevel, l model.PriceLevel, descending bool) []model.PriceLevel {
	i := sort.Search(len(side), func(i int) bool {
		if descending {
			return side[i].Price <= l.Price
		}
		return side[i].Price >= l.Price
	})
	if i < len(side) && side[i].Price == l.Price {
		if l.Size <= 0 {
			return append(side[:i], side[i+1:]...)
		}
		side[i].Size = l.Size
		return side
	}
	if l.Size <= 0 {
		return side // removing an absent level is a no-op
	}
	side = append(side, model.PriceLevel{})
	copy(side[i+1:], side[i:])
	side[i] = l
	return side
}

// BestBid returns the highest bid, ok=false when the side is empty.
func (b *Book) BestBid() (model.PriceLevel, bool) {
	if len(b.bids) == 0 {
		return model.PriceLevel{}, false
	}
	return b.bids[0], true
}

// BestAsk returns the lowest ask, ok=false when the side is empty.
func (b *Book) BestAsk() (model.PriceLevel, bool) {
	if len(b.asks) == 0 {
		return model.PriceLevel{}, false
	}
	return b.asks[0], true
}

// Crossed reports best_bid >= best_ask, which is an invariant violation
// after any valid apply.
func (b *Book) Crossed() bool {
	if len(b.bids) == 0 || len(b.asks) == 0 {
		return false
	}
	return b.bids[0].Price >= b.asks[0].Price
}

// Snapshot copies the top-n levels per side into a snapshot record.
// n <= 0 means the whole book.
func (b *Book) Snapshot(exchange, symbol string, n int) *model.BookUpdate {
	nb, na := len(b.bids), len(b.asks)
	if n > 0 {
		if nb > n {
			nb = n
		}
		if na > n {
			na = n
		}
	}
	return &model.BookUpdate{
		Kind:     model.KindSnapshot,
		Exchange: exchange,
		Symbol:   symbol,
		TS:       b.ts,
		UpdateID: b.updateID,
		Bids:     append([]model.PriceLevel(nil), b.bids[:nb]...),
		Asks:     append([]model.PriceLevel(nil), b.asks[:na]...),
	}
}
