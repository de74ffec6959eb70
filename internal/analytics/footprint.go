package analytics

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/kisa134/trading/internal/broker"
	"github.com/kisa134/trading/internal/metrics"
	"github.com/kisa134/trading/internal/model"
)

const footprintImbalanceRatio = 3.0

// Footprint buckets trades into fixed time bars grouped by price. Buy
// aggressor volume lands in vol_ask, sell aggressor volume in vol_bid
// (standard footprint orientation); delta = vol_ask - vol_bid. Bars are
// immutable once emitted: late trades are dropped and counted.
type Footprint struct {
	brk   broker.Broker
	barMS int64
	log   zerolog.Logger
	state map[Instrument]*footprintState
}

type footprintState struct {
	barStart int64
	levels   map[float64]*levelAcc
	closed   int64 // highest bar start already emitted
}

type levelAcc struct {
	volBid float64
	volAsk float64
}

// NewFootprint builds the worker. barMS <= 0 defaults to one minute.
func NewFootprint(brk broker.Broker, instruments []Instrument, barMS int64, log zerolog.Logger) *Footprint {
	if barMS <= 0 {
		barMS = 60_000
	}
	f := &Footprint{brk: brk, barMS: barMS, log: log, state: make(map[Instrument]*footprintState)}
	for _, in := range instruments {
		f.state[in] = &footprintState{barStart: -1, closed: -1}
	}
	return f
}

func (f *Footprint) Worker() Worker {
	var streams []string
	for in := range f.state {
		streams = append(streams, model.StreamTrades(in.Exchange, in.Symbol))
	}
	return Worker{
		Name:      "footprint",
		Streams:   streams,
		Handle:    f.handle,
		Tick:      f.tick,
		TickEvery: time.Second,
	}
}

func (f *Footprint) handle(ctx context.Context, _ string, rec model.Record) error {
	tr, ok := rec.(*model.Trade)
	if !ok {
		return nil
	}
	in := Instrument{Exchange: tr.Exchange, Symbol: tr.Symbol}
	st := f.state[in]
	if st == nil {
		return nil
	}
	bs := (tr.TS / f.barMS) * f.barMS
	if bs <= st.closed {
		// The bar this trade belongs to is already published.
		metrics.LateTrades.WithLabelValues(tr.Exchange, tr.Symbol).Inc()
		return nil
	}
	if st.barStart >= 0 && bs > st.barStart {
		if err := f.close(ctx, in, st); err != nil {
			return err
		}
	}
	if st.barStart != bs {
		st.barStart = bs
		st.levels = make(map[float64]*levelAcc)
	}
	acc := st.levels[tr.Price]
	if acc == nil {
		acc = &levelAcc{}
		st.levels[tr.Price] = acc
	}
	if tr.Side == model.SideBuy {
		acc.volAsk += tr.Size
	} else {
		acc.volBid += tr.Size
	}
	return nil
}

// tick closes bars on wall-clock time so a quiet instrument still emits its
// open bar once the window has passed.
func (f *Footprint) tick(ctx context.Context, now time.Time) error {
	var firstErr error
	for in, st := range f.state {
		if st.barStart < 0 || len(st.levels) == 0 {
			continue
		}
		if now.UnixMilli() < st.barStart+f.barMS {
			continue
		}
		if err := f.close(ctx, in, st); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (f *Footprint) close(ctx context.Context, in Instrument, st *footprintState) error {
	bar := buildBar(in, st.barStart, st.barStart+f.barMS, st.levels)
	st.closed = st.barStart
	st.barStart = -1
	st.levels = nil
	return emit(ctx, f.brk, model.StreamFootprint(in.Exchange, in.Symbol), bar, model.MaxLenFootprint)
}

// buildBar assembles the immutable bar: levels sorted by price, POC as the
// level with the largest total volume (lowest price wins ties), diagonal
// imbalances against the opposite side one level away.
func buildBar(in Instrument, start, end int64, acc map[float64]*levelAcc) *model.FootprintBar {
	levels := make([]model.FootprintLevel, 0, len(acc))
	for price, a := range acc {
		levels = append(levels, model.FootprintLevel{
			Price:  price,
			VolBid: a.volBid,
			VolAsk: a.volAsk,
			Delta:  a.volAsk - a.volBid,
		})
	}
	sort.Slice(levels, func(i, j int) bool { return levels[i].Price < levels[j].Price })

	bar := &model.FootprintBar{
		Kind:     model.KindFootprint,
		Exchange: in.Exchange,
		Symbol:   in.Symbol,
		Start:    start,
		End:      end,
		Levels:   levels,
	}
	var pocVol float64
	for _, l := range levels {
		if total := l.VolBid + l.VolAsk; total > pocVol {
			pocVol = total
			p := l.Price
			bar.POCPrice = &p
		}
	}
	for i, l := range levels {
		// Buy imbalance: ask volume here vs bid volume one level lower.
		if i > 0 {
			if below := levels[i-1].VolBid; below > 0 && l.VolAsk/below >= footprintImbalanceRatio {
				bar.ImbalanceLevels = append(bar.ImbalanceLevels, model.Imbalance{
					Price: l.Price, Side: model.SideBuy, Ratio: l.VolAsk / below,
				})
			}
		}
		// Sell imbalance: bid volume here vs ask volume one level higher.
		if i+1 < len(levels) {
			if above := levels[i+1].VolAsk; above > 0 && l.VolBid/above >= footprintImbalanceRatio {
				bar.ImbalanceLevels = append(bar.ImbalanceLevels, model.Imbalance{
					Price: l.Price, Side: model.SideSell, Ratio: l.VolBid / above,
				})
			}
		}
	}
	return bar
}
