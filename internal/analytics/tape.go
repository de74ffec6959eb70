package analytics

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/kisa134/trading/internal/broker"
	"github.com/kisa134/trading/internal/model"
)

const (
	tapeWindow = 60 * time.Second
	tapeKeyTTL = 60 * time.Second
	// A trade is flagged large when it exceeds this multiple of the mean
	// trade size in the window, once enough trades have been seen.
	tapeLargeMult     = 10.0
	tapeLargeMinCount = 20
)

// tapeBuckets are the rolling aggregation windows emitted with every tick.
var tapeBuckets = map[string]time.Duration{
	"1s": time.Second,
	"5s": 5 * time.Second,
	"1m": time.Minute,
}

// Tape aggregates the trade tape into rolling per-side volume windows and
// emits one aggregate per trade tick.
type Tape struct {
	brk   broker.Broker
	log   zerolog.Logger
	state map[Instrument]*tapeState
}

// Instrument identifies one (exchange, symbol) pair across the workers.
type Instrument struct {
	Exchange string
	Symbol   string
}

type tapeState struct {
	trades []*model.Trade // pruned to the 60s window, oldest first
	sum    float64
	count  int
}

// NewTape builds the tape worker over the given instruments.
func NewTape(brk broker.Broker, instruments []Instrument, log zerolog.Logger) *Tape {
	t := &Tape{brk: brk, log: log, state: make(map[Instrument]*tapeState)}
	for _, in := range instruments {
		t.state[in] = &tapeState{}
	}
	return t
}

// Worker returns the runnable consumer definition.
func (t *Tape) Worker() Worker {
	var streams []string
	for in := range t.state {
		streams = append(streams, model.StreamTrades(in.Exchange, in.Symbol))
	}
	return Worker{
		Name:    "tape",
		Streams: streams,
		Handle:  t.handle,
	}
}

func (t *Tape) handle(ctx context.Context, _ string, rec model.Record) error {
	tr, ok := rec.(*model.Trade)
	if !ok {
		return nil
	}
	in := Instrument{Exchange: tr.Exchange, Symbol: tr.Symbol}
	st := t.state[in]
	if st == nil {
		return nil
	}
	st.push(tr)
	agg := st.aggregate(tr)

	payload, err := model.Encode(agg)
	if err != nil {
		return err
	}
	name := model.StreamTape(tr.Exchange, tr.Symbol)
	if _, err := t.brk.StreamAppend(ctx, name, payload, model.MaxLenTape); err != nil {
		return err
	}
	if err := t.brk.Publish(ctx, name, payload); err != nil {
		return err
	}
	return t.brk.KVSet(ctx, model.KeyTape(tr.Exchange, tr.Symbol), payload, tapeKeyTTL)
}

func (s *tapeState) push(tr *model.Trade) {
	s.trades = append(s.trades, tr)
	s.sum += tr.Size
	s.count++
	cut := tr.TS - tapeWindow.Milliseconds()
	i := 0
	for i < len(s.trades) && s.trades[i].TS < cut {
		s.sum -= s.trades[i].Size
		s.count--
		i++
	}
	s.trades = s.trades[i:]
}

// aggregate is a pure function of the window contents; replaying the same
// trades yields the same aggregate.
func (s *tapeState) aggregate(last *model.Trade) *model.TapeAggregate {
	windows := make(map[string]model.TapeWindow, len(tapeBuckets))
	for name, d := range tapeBuckets {
		cut := last.TS - d.Milliseconds()
		var w model.TapeWindow
		for _, tr := range s.trades {
			if tr.TS <= cut {
				continue
			}
			if tr.Side == model.SideBuy {
				w.BuyVol += tr.Size
			} else {
				w.SellVol += tr.Size
			}
		}
		w.Delta = w.BuyVol - w.SellVol
		windows[name] = w
	}
	large := false
	if s.count >= tapeLargeMinCount {
		large = last.Size >= tapeLargeMult*(s.sum/float64(s.count))
	}
	return &model.TapeAggregate{
		Kind:      model.KindTape,
		Exchange:  last.Exchange,
		Symbol:    last.Symbol,
		TS:        last.TS,
		Windows:   windows,
		LastPrice: last.Price,
		LastSize:  last.Size,
		LastSide:  last.Side,
		Large:     large,
	}
}
