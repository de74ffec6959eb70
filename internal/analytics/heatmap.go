package analytics

import (
	"context"
	"math"
	"sort"

	"github.com/rs/zerolog"

	"github.com/kisa134/trading/internal/broker"
	"github.com/kisa134/trading/internal/model"
)

// Heatmap samples the DOM stream into per-second binned volume slices. The
// bin size is tick size × multiplier, derived in exactly one place so every
// consumer sees the same grid.
type Heatmap struct {
	brk   broker.Broker
	log   zerolog.Logger
	state map[Instrument]*heatmapState
}

type heatmapState struct {
	binSize     float64
	lastEmitSec int64
}

// NewHeatmap builds the worker. binSize per instrument comes from the
// adapter tick size times the configured multiplier.
func NewHeatmap(brk broker.Broker, bins map[Instrument]float64, log zerolog.Logger) *Heatmap {
	h := &Heatmap{brk: brk, log: log, state: make(map[Instrument]*heatmapState)}
	for in, bin := range bins {
		if bin <= 0 {
			bin = 0.01
		}
		h.state[in] = &heatmapState{binSize: bin}
	}
	return h
}

func (h *Heatmap) Worker() Worker {
	var streams []string
	for in := range h.state {
		streams = append(streams, model.StreamDOM(in.Exchange, in.Symbol))
	}
	return Worker{
		Name:    "heatmap",
		Streams: streams,
		Handle:  h.handle,
	}
}

// handle bins at most one DOM snapshot per wall second per instrument.
// Replays of an already-sampled second are skipped, so redelivery after a
// restart cannot duplicate slices.
func (h *Heatmap) handle(ctx context.Context, _ string, rec model.Record) error {
	u, ok := rec.(*model.BookUpdate)
	if !ok || u.Kind != model.KindSnapshot {
		return nil
	}
	in := Instrument{Exchange: u.Exchange, Symbol: u.Symbol}
	st := h.state[in]
	if st == nil {
		return nil
	}
	sec := u.TS / 1000
	if sec <= st.lastEmitSec {
		return nil
	}
	st.lastEmitSec = sec

	slice := BinDOM(u, st.binSize)
	return emit(ctx, h.brk, model.StreamHeatmap(u.Exchange, u.Symbol), slice, model.MaxLenHeatmap)
}

// BinDOM aggregates one book snapshot onto the price grid. It is
// deterministic: the same snapshot and bin size always produce identical
// rows.
func BinDOM(u *model.BookUpdate, binSize float64) *model.HeatmapSlice {
	type vols struct{ bid, ask float64 }
	acc := make(map[float64]*vols)
	bin := func(price float64) float64 {
		return math.Round(price/binSize) * binSize
	}
	for _, l := range u.Bids {
		b := bin(l.Price)
		v := acc[b]
		if v == nil {
			v = &vols{}
			acc[b] = v
		}
		v.bid += l.Size
	}
	for _, l := range u.Asks {
		b := bin(l.Price)
		v := acc[b]
		if v == nil {
			v = &vols{}
			acc[b] = v
		}
		v.ask += l.Size
	}
	rows := make([]model.HeatmapRow, 0, len(acc))
	for b, v := range acc {
		rows = append(rows, model.HeatmapRow{Price: b, VolBid: v.bid, VolAsk: v.ask})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Price < rows[j].Price })
	return &model.HeatmapSlice{
		Kind:     model.KindHeatmap,
		Exchange: u.Exchange,
		Symbol:   u.Symbol,
		TS:       (u.TS / 1000) * 1000,
		Rows:     rows,
	}
}
