package analytics

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kisa134/trading/internal/broker"
	"github.com/kisa134/trading/internal/model"
)

const icebergEpsilon = 1e-9

// IcebergConfig tunes the detector. Zero values pick the defaults.
type IcebergConfig struct {
	K      float64       // consumed/visible ratio threshold (default 5)
	R      int           // replenishments required (default 3)
	Window time.Duration // activity window and GC horizon (default 60s)
}

func (c *IcebergConfig) defaults() {
	if c.K <= 0 {
		c.K = 5
	}
	if c.R <= 0 {
		c.R = 3
	}
	if c.Window <= 0 {
		c.Window = 60 * time.Second
	}
}

// Iceberg infers hidden replenishing orders: a price level whose visible
// size keeps refilling while trades consume multiples of it. State is keyed
// by the resting side, the opposite of the trade aggressor.
type Iceberg struct {
	brk   broker.Broker
	cfg   IcebergConfig
	log   zerolog.Logger
	state map[Instrument]map[levelKey]*icebergLevel
}

type levelKey struct {
	side  model.Side
	price float64
}

type icebergLevel struct {
	visibleMax  float64
	lastVisible float64
	consumed    float64
	firstTS     int64
	lastTS      int64
	replenish   int
	emitted     bool
}

func NewIceberg(brk broker.Broker, instruments []Instrument, cfg IcebergConfig, log zerolog.Logger) *Iceberg {
	cfg.defaults()
	ic := &Iceberg{brk: brk, cfg: cfg, log: log, state: make(map[Instrument]map[levelKey]*icebergLevel)}
	for _, in := range instruments {
		ic.state[in] = make(map[levelKey]*icebergLevel)
	}
	return ic
}

func (ic *Iceberg) Worker() Worker {
	var streams []string
	for in := range ic.state {
		streams = append(streams,
			model.StreamTrades(in.Exchange, in.Symbol),
			model.StreamDOM(in.Exchange, in.Symbol))
	}
	return Worker{
		Name:      "iceberg",
		Streams:   streams,
		Handle:    ic.handle,
		Tick:      ic.gc,
		TickEvery: 10 * time.Second,
	}
}

func (ic *Iceberg) handle(ctx context.Context, _ string, rec model.Record) error {
	switch r := rec.(type) {
	case *model.Trade:
		return ic.onTrade(ctx, r)
	case *model.BookUpdate:
		if r.Kind == model.KindSnapshot {
			ic.onDOM(r)
		}
	}
	return nil
}

// onTrade accrues consumed volume at the resting level the aggressor hit:
// a sell aggressor consumes the bid at that price and vice versa.
func (ic *Iceberg) onTrade(ctx context.Context, tr *model.Trade) error {
	in := Instrument{Exchange: tr.Exchange, Symbol: tr.Symbol}
	levels := ic.state[in]
	if levels == nil {
		return nil
	}
	restSide := model.SideBuy
	if tr.Side == model.SideBuy {
		restSide = model.SideSell
	}
	key := levelKey{side: restSide, price: tr.Price}
	lv := levels[key]
	if lv == nil {
		lv = &icebergLevel{firstTS: tr.TS}
		levels[key] = lv
	}
	lv.consumed += tr.Size
	lv.lastTS = tr.TS
	return ic.maybeEmit(ctx, in, key, lv, tr.TS)
}

// onDOM refreshes visible sizes for every tracked level. A visible size
// rising after consumption is a replenishment.
func (ic *Iceberg) onDOM(u *model.BookUpdate) {
	in := Instrument{Exchange: u.Exchange, Symbol: u.Symbol}
	levels := ic.state[in]
	if levels == nil {
		return
	}
	for key, lv := range levels {
		side := u.Bids
		if key.side == model.SideSell {
			side = u.Asks
		}
		var visible float64
		for _, l := range side {
			if l.Price == key.price {
				visible = l.Size
				break
			}
		}
		if visible > lv.visibleMax {
			lv.visibleMax = visible
		}
		if lv.consumed > 0 && visible > lv.lastVisible+icebergEpsilon && lv.lastVisible > 0 {
			lv.replenish++
		}
		lv.lastVisible = visible
		if visible > 0 {
			lv.lastTS = u.TS
		}
	}
}

func (ic *Iceberg) maybeEmit(ctx context.Context, in Instrument, key levelKey, lv *icebergLevel, ts int64) error {
	if lv.emitted {
		return nil
	}
	if ts-lv.firstTS > ic.cfg.Window.Milliseconds() {
		return nil
	}
	visible := lv.visibleMax
	if visible < icebergEpsilon {
		visible = icebergEpsilon
	}
	if lv.consumed/visible < ic.cfg.K || lv.replenish < ic.cfg.R {
		return nil
	}
	lv.emitted = true
	detail, _ := json.Marshal(map[string]interface{}{
		"consumed":  lv.consumed,
		"visible":   lv.visibleMax,
		"replenish": lv.replenish,
	})
	ev := &model.Event{
		Kind:     model.KindEvent,
		ID:       uuid.NewString(),
		Type:     model.EventIceberg,
		Exchange: in.Exchange,
		Symbol:   in.Symbol,
		TS:       ts,
		Side:     key.side,
		Price:    key.price,
		Payload:  detail,
	}
	return emit(ctx, ic.brk, model.StreamEvents(in.Exchange, in.Symbol), ev, model.MaxLenEvents)
}

// gc drops levels idle longer than the window so the table stays bounded.
func (ic *Iceberg) gc(_ context.Context, now time.Time) error {
	cut := now.UnixMilli() - ic.cfg.Window.Milliseconds()
	for _, levels := range ic.state {
		for key, lv := range levels {
			if lv.lastTS < cut {
				delete(levels, key)
			}
		}
	}
	return nil
}
