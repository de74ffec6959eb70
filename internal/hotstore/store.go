// Package hotstore maintains the low-latency current view: the latest DOM
// per instrument and a deduplicated recent-trades window. It consumes the
// raw streams through a consumer group, so restarts replay unacked entries
// and the view converges (at-least-once upstream, idempotent here).
package hotstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kisa134/trading/internal/broker"
	"github.com/kisa134/trading/internal/metrics"
	"github.com/kisa134/trading/internal/model"
)

const (
	group      = "hotstore"
	domKeyTTL  = 60 * time.Second
	blockFor   = time.Second
	batchCount = 256
)

// Instrument identifies one (exchange, symbol) pair.
type Instrument struct {
	Exchange string
	Symbol   string
}

// Store is the hot state consumer. One instance serves all instruments.
type Store struct {
	brk         broker.Broker
	instruments []Instrument
	tradeCap    int
	log         zerolog.Logger
	heartbeat   func()

	mu     sync.RWMutex
	dom    map[Instrument]*model.BookUpdate
	trades map[Instrument]*tradeRing
}

// tradeRing keeps the most recent trades, deduplicated by trade id, ordered
// by (ts, trade_id).
type tradeRing struct {
	seen map[string]struct{}
	buf  []*model.Trade
	cap  int
}

// New builds the store. tradeCap bounds the recent-trades window per
// instrument (default 1000).
func New(brk broker.Broker, instruments []Instrument, tradeCap int, log zerolog.Logger, heartbeat func()) *Store {
	if tradeCap <= 0 {
		tradeCap = 1000
	}
	if heartbeat == nil {
		heartbeat = func() {}
	}
	return &Store{
		brk:         brk,
		instruments: instruments,
		tradeCap:    tradeCap,
		log:         log.With().Str("component", "hotstore").Logger(),
		heartbeat:   heartbeat,
		dom:         make(map[Instrument]*model.BookUpdate),
		trades:      make(map[Instrument]*tradeRing),
	}
}

// Run consumes the dom and trades streams until ctx is cancelled.
func (s *Store) Run(ctx context.Context) error {
	var names []string
	for _, in := range s.instruments {
		names = append(names, model.StreamDOM(in.Exchange, in.Symbol), model.StreamTrades(in.Exchange, in.Symbol))
	}
	for {
		if ctx.Err() != nil {
			return nil
		}
		batches, err := s.brk.StreamReadGroup(ctx, group, "hotstore-1", names, blockFor, batchCount)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn().Err(err).Msg("group read failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		s.heartbeat()
		for _, b := range batches {
			ids := make([]string, 0, len(b.Entries))
			for _, e := range b.Entries {
				s.consume(ctx, e.Payload)
				ids = append(ids, e.ID)
			}
			if len(ids) == 0 {
				continue
			}
			if err := s.brk.Ack(ctx, b.Stream, group, ids...); err != nil {
				s.log.Warn().Err(err).Str("stream", b.Stream).Msg("ack failed")
			}
		}
	}
}

// consume applies one entry. Malformed payloads are counted and skipped,
// never retried: replaying garbage forever helps nobody.
func (s *Store) consume(ctx context.Context, payload []byte) {
	rec, err := model.Decode(payload)
	if err != nil {
		metrics.WorkerErrors.WithLabelValues(group).Inc()
		s.log.Warn().Err(err).Msg("undecodable entry")
		return
	}
	switch r := rec.(type) {
	case *model.BookUpdate:
		s.applyDOM(ctx, r, payload)
	case *model.Trade:
		s.applyTrade(r)
	}
}

func (s *Store) applyDOM(ctx context.Context, u *model.BookUpdate, payload []byte) {
	in := Instrument{Exchange: u.Exchange, Symbol: u.Symbol}
	s.mu.Lock()
	cur := s.dom[in]
	// Replays and out-of-order deliveries lose to what we already hold.
	if cur != nil && (u.TS < cur.TS || (u.TS == cur.TS && u.UpdateID <= cur.UpdateID && u.UpdateID != 0)) {
		s.mu.Unlock()
		return
	}
	s.dom[in] = u
	s.mu.Unlock()

	key := model.KeyDOM(u.Exchange, u.Symbol)
	if err := s.brk.KVSet(ctx, key, payload, domKeyTTL); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("dom kv set failed")
	}
	if err := s.brk.Publish(ctx, key, payload); err != nil {
		s.log.Warn().Err(err).Str("channel", key).Msg("dom publish failed")
	}
}

func (s *Store) applyTrade(t *model.Trade) {
	in := Instrument{Exchange: t.Exchange, Symbol: t.Symbol}
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.trades[in]
	if r == nil {
		r = &tradeRing{seen: make(map[string]struct{}), cap: s.tradeCap}
		s.trades[in] = r
	}
	r.add(t)
}

func (r *tradeRing) add(t *model.Trade) {
	if _, dup := r.seen[t.TradeID]; dup {
		return
	}
	r.seen[t.TradeID] = struct{}{}
	// Insert keeping (ts, trade_id) order; trades arrive nearly sorted so
	// the search lands at the tail almost always.
	i := sort.Search(len(r.buf), func(i int) bool {
		if r.buf[i].TS != t.TS {
			return r.buf[i].TS > t.TS
		}
		return r.buf[i].TradeID > t.TradeID
	})
	r.buf = append(r.buf, nil)
	copy(r.buf[i+1:], r.buf[i:])
	r.buf[i] = t
	if len(r.buf) > r.cap {
		delete(r.seen, r.buf[0].TradeID)
		r.buf = r.buf[1:]
	}
}

// DOM returns the latest book for the instrument, ok=false before the first
// snapshot arrives.
func (s *Store) DOM(ex, sym string) (*model.BookUpdate, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.dom[Instrument{Exchange: ex, Symbol: sym}]
	return u, ok
}

// RecentTrades returns up to limit most recent trades, newest last.
func (s *Store) RecentTrades(ex, sym string, limit int) []*model.Trade {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r := s.trades[Instrument{Exchange: ex, Symbol: sym}]
	if r == nil {
		return nil
	}
	n := len(r.buf)
	if limit > 0 && n > limit {
		n = limit
	}
	out := make([]*model.Trade, n)
	copy(out, r.buf[len(r.buf)-n:])
	return out
}
