package analytics

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kisa134/trading/internal/broker"
	"github.com/kisa134/trading/internal/model"
)

// WallSpoofConfig tunes the detector. Zero values pick the defaults.
type WallSpoofConfig struct {
	X  float64       // wall size multiple of the band median (default 10)
	T1 time.Duration // residency before a WALL is emitted (default 5s)
	T2 time.Duration // shrink window for a SPOOF (default 1s)
}

func (c *WallSpoofConfig) defaults() {
	if c.X <= 0 {
		c.X = 10
	}
	if c.T1 <= 0 {
		c.T1 = 5 * time.Second
	}
	if c.T2 <= 0 {
		c.T2 = time.Second
	}
}

// WallSpoof watches level residency in the DOM. A wall is an abnormally
// large level that actually rests; a spoof is a wall-sized level that
// vanishes untouched. One WALL and one SPOOF at most per level episode.
type WallSpoof struct {
	brk   broker.Broker
	cfg   WallSpoofConfig
	log   zerolog.Logger
	state map[Instrument]map[levelKey]*residency
}

type residency struct {
	firstSeen int64
	lastSeen  int64
	maxSize   float64
	curSize   float64

	wallSized    bool  // crossed the size threshold at least once
	bigTS        int64 // last ts the level still held wall size
	bigSize      float64
	tradedTS     int64 // last trade at or through the price
	wallEmitted  bool
	spoofEmitted bool
}

func NewWallSpoof(brk broker.Broker, instruments []Instrument, cfg WallSpoofConfig, log zerolog.Logger) *WallSpoof {
	cfg.defaults()
	w := &WallSpoof{brk: brk, cfg: cfg, log: log, state: make(map[Instrument]map[levelKey]*residency)}
	for _, in := range instruments {
		w.state[in] = make(map[levelKey]*residency)
	}
	return w
}

func (w *WallSpoof) Worker() Worker {
	var streams []string
	for in := range w.state {
		streams = append(streams,
			model.StreamDOM(in.Exchange, in.Symbol),
			model.StreamTrades(in.Exchange, in.Symbol))
	}
	return Worker{
		Name:      "wallspoof",
		Streams:   streams,
		Handle:    w.handle,
		Tick:      w.gc,
		TickEvery: 30 * time.Second,
	}
}

func (w *WallSpoof) handle(ctx context.Context, _ string, rec model.Record) error {
	switch r := rec.(type) {
	case *model.BookUpdate:
		if r.Kind == model.KindSnapshot {
			return w.onDOM(ctx, r)
		}
	case *model.Trade:
		w.onTrade(r)
	}
	return nil
}

// onTrade marks levels traded at or through: a buy-side (bid) level is hit
// by any trade at or below its price, an ask level by any trade at or above.
func (w *WallSpoof) onTrade(tr *model.Trade) {
	in := Instrument{Exchange: tr.Exchange, Symbol: tr.Symbol}
	for key, res := range w.state[in] {
		if key.side == model.SideBuy && tr.Price <= key.price {
			res.tradedTS = tr.TS
		}
		if key.side == model.SideSell && tr.Price >= key.price {
			res.tradedTS = tr.TS
		}
	}
}

func (w *WallSpoof) onDOM(ctx context.Context, u *model.BookUpdate) error {
	in := Instrument{Exchange: u.Exchange, Symbol: u.Symbol}
	levels := w.state[in]
	if levels == nil {
		return nil
	}
	if err := w.scanSide(ctx, in, levels, u, model.SideBuy, u.Bids); err != nil {
		return err
	}
	return w.scanSide(ctx, in, levels, u, model.SideSell, u.Asks)
}

func (w *WallSpoof) scanSide(ctx context.Context, in Instrument, levels map[levelKey]*residency, u *model.BookUpdate, side model.Side, book []model.PriceLevel) error {
	med := medianSize(book)
	threshold := w.cfg.X * med
	present := make(map[float64]float64, len(book))
	for _, l := range book {
		present[l.Price] = l.Size
	}

	// Update or open residency for levels currently in the band.
	for _, l := range book {
		key := levelKey{side: side, price: l.Price}
		res := levels[key]
		if res == nil {
			// Only sizeable levels are worth tracking; the band churns
			// constantly at normal sizes.
			if med <= 0 || l.Size < threshold {
				continue
			}
			res = &residency{firstSeen: u.TS}
			levels[key] = res
		}
		res.lastSeen = u.TS
		res.curSize = l.Size
		if l.Size > res.maxSize {
			res.maxSize = l.Size
		}
		if med > 0 && l.Size >= threshold {
			res.wallSized = true
			res.bigTS = u.TS
			res.bigSize = l.Size
		}
	}

	// Walls: sized and resident long enough.
	for key, res := range levels {
		if key.side != side {
			continue
		}
		if _, ok := present[key.price]; ok {
			// bigTS == u.TS means the level holds wall size in this very
			// snapshot; a shrunken leftover must not fire as a wall.
			if res.wallSized && res.bigTS == u.TS && !res.wallEmitted && u.TS-res.firstSeen >= w.cfg.T1.Milliseconds() {
				res.wallEmitted = true
				if err := w.emitEvent(ctx, in, model.EventWall, key, res, u.TS); err != nil {
					return err
				}
			}
			if res.wallSized && !res.spoofEmitted && res.curSize <= 0.2*res.bigSize {
				if err := w.checkSpoof(ctx, in, key, res, u.TS); err != nil {
					return err
				}
			}
			continue
		}
		// Level gone from the band entirely.
		if res.wallSized && !res.spoofEmitted {
			res.curSize = 0
			if err := w.checkSpoof(ctx, in, key, res, u.TS); err != nil {
				return err
			}
		}
	}
	return nil
}

// checkSpoof fires when a wall-sized level lost ≥80% of its size inside T2
// without any trade at or through the price since it last held wall size.
func (w *WallSpoof) checkSpoof(ctx context.Context, in Instrument, key levelKey, res *residency, ts int64) error {
	if ts-res.bigTS > w.cfg.T2.Milliseconds() {
		return nil
	}
	if res.tradedTS >= res.bigTS {
		return nil // it was eaten, not pulled
	}
	res.spoofEmitted = true
	return w.emitEvent(ctx, in, model.EventSpoof, key, res, ts)
}

func (w *WallSpoof) emitEvent(ctx context.Context, in Instrument, typ string, key levelKey, res *residency, ts int64) error {
	detail, _ := json.Marshal(map[string]interface{}{
		"max_size":     res.maxSize,
		"cur_size":     res.curSize,
		"residency_ms": ts - res.firstSeen,
	})
	ev := &model.Event{
		Kind:     model.KindEvent,
		ID:       uuid.NewString(),
		Type:     typ,
		Exchange: in.Exchange,
		Symbol:   in.Symbol,
		TS:       ts,
		Side:     key.side,
		Price:    key.price,
		Payload:  detail,
	}
	return emit(ctx, w.brk, model.StreamEvents(in.Exchange, in.Symbol), ev, model.MaxLenEvents)
}

// gc drops residency entries not seen for ten minutes.
func (w *WallSpoof) gc(_ context.Context, now time.Time) error {
	cut := now.UnixMilli() - (10 * time.Minute).Milliseconds()
	for _, levels := range w.state {
		for key, res := range levels {
			if res.lastSeen < cut {
				delete(levels, key)
			}
		}
	}
	return nil
}

// medianSize is the median visible size across the band.
func medianSize(book []model.PriceLevel) float64 {
	if len(book) == 0 {
		return 0
	}
	sizes := make([]float64, len(book))
	for i, l := range book {
		sizes[i] = l.Size
	}
	sort.Float64s(sizes)
	n := len(sizes)
	if n%2 == 1 {
		return sizes[n/2]
	}
	return (sizes[n/2-1] + sizes[n/2]) / 2
}
