package analytics

import (
	"context"
	"math"

	"github.com/rs/zerolog"

	"github.com/kisa134/trading/internal/broker"
	"github.com/kisa134/trading/internal/model"
)

// TrendConfig holds the component weights. Zero values pick the defaults.
type TrendConfig struct {
	WeightDelta      float64 // delta imbalance over recent bars (default 0.5)
	WeightAbsorption float64 // high volume, near-zero delta (default 0.3)
	WeightTape       float64 // short-window tape delta (default 0.2)
	ReversalMin      float64 // exhaustion level that arms a reversal (default 0.6)
	Bars             int     // lookback depth (default 10)
}

func (c *TrendConfig) defaults() {
	if c.WeightDelta <= 0 {
		c.WeightDelta = 0.5
	}
	if c.WeightAbsorption <= 0 {
		c.WeightAbsorption = 0.3
	}
	if c.WeightTape <= 0 {
		c.WeightTape = 0.2
	}
	if c.ReversalMin <= 0 {
		c.ReversalMin = 0.6
	}
	if c.Bars <= 0 {
		c.Bars = 10
	}
}

// Trend derives continuous trend and exhaustion scores from footprint bars
// and tape aggregates, plus a discrete reversal signal when an exhausted
// move flips direction.
type Trend struct {
	brk   broker.Broker
	cfg   TrendConfig
	log   zerolog.Logger
	state map[Instrument]*trendState
}

type trendState struct {
	bars     []*model.FootprintBar
	lastTape *model.TapeAggregate
	// sign of the move when exhaustion last crossed the arm threshold
	armedSign float64
}

func NewTrend(brk broker.Broker, instruments []Instrument, cfg TrendConfig, log zerolog.Logger) *Trend {
	cfg.defaults()
	t := &Trend{brk: brk, cfg: cfg, log: log, state: make(map[Instrument]*trendState)}
	for _, in := range instruments {
		t.state[in] = &trendState{}
	}
	return t
}

func (t *Trend) Worker() Worker {
	var streams []string
	for in := range t.state {
		streams = append(streams,
			model.StreamFootprint(in.Exchange, in.Symbol),
			model.StreamTape(in.Exchange, in.Symbol))
	}
	return Worker{
		Name:    "trend",
		Streams: streams,
		Handle:  t.handle,
	}
}

func (t *Trend) handle(ctx context.Context, _ string, rec model.Record) error {
	switch r := rec.(type) {
	case *model.TapeAggregate:
		in := Instrument{Exchange: r.Exchange, Symbol: r.Symbol}
		if st := t.state[in]; st != nil {
			st.lastTape = r
		}
		return nil
	case *model.FootprintBar:
		in := Instrument{Exchange: r.Exchange, Symbol: r.Symbol}
		st := t.state[in]
		if st == nil {
			return nil
		}
		st.bars = append(st.bars, r)
		if len(st.bars) > t.cfg.Bars {
			st.bars = st.bars[1:]
		}
		return t.score(ctx, in, st, r)
	}
	return nil
}

// score recomputes on every closed bar. All components are normalized to
// [-1, 1] (exhaustion to [0, 1]) so the weights compose meaningfully.
func (t *Trend) score(ctx context.Context, in Instrument, st *trendState, bar *model.FootprintBar) error {
	deltaImb := deltaImbalance(st.bars)
	absorption := absorption(bar)
	tapeDelta := 0.0
	if st.lastTape != nil {
		if w, ok := st.lastTape.Windows["1m"]; ok {
			if total := w.BuyVol + w.SellVol; total > 0 {
				tapeDelta = w.Delta / total
			}
		}
	}
	trend := t.cfg.WeightDelta*deltaImb + t.cfg.WeightAbsorption*absorption*sign(deltaImb) + t.cfg.WeightTape*tapeDelta
	trend = clamp(trend, -1, 1)

	exhaustion := exhaustionScore(st.bars)

	comps := map[string]float64{
		"delta_imbalance": deltaImb,
		"absorption":      absorption,
		"tape_delta":      tapeDelta,
	}
	if err := t.emitScore(ctx, in, model.StreamScoreTrend(in.Exchange, in.Symbol), model.ScoreTrend, bar.End, trend, comps, model.MaxLenScores); err != nil {
		return err
	}
	if err := t.emitScore(ctx, in, model.StreamScoreExhaustion(in.Exchange, in.Symbol), model.ScoreExhaustion, bar.End, exhaustion, nil, model.MaxLenScores); err != nil {
		return err
	}

	// Reversal: exhaustion armed on a strong move, fired when the next bar's
	// delta flips against it.
	barSign := sign(barDelta(bar))
	if exhaustion >= t.cfg.ReversalMin && barSign != 0 {
		st.armedSign = barSign
	} else if st.armedSign != 0 && barSign != 0 && barSign != st.armedSign {
		st.armedSign = 0
		if err := t.emitScore(ctx, in, model.StreamSignalReversal(in.Exchange, in.Symbol), model.ScoreRuleReversal, bar.End, barSign, nil, model.MaxLenSignals); err != nil {
			return err
		}
	}
	return nil
}

func (t *Trend) emitScore(ctx context.Context, in Instrument, stream, kind string, ts int64, value float64, comps map[string]float64, maxLen int64) error {
	s := &model.Score{
		Kind:       model.KindScore,
		Exchange:   in.Exchange,
		Symbol:     in.Symbol,
		TS:         ts,
		Score:      kind,
		Value:      value,
		Components: comps,
	}
	return emit(ctx, t.brk, stream, s, maxLen)
}

func barDelta(bar *model.FootprintBar) float64 {
	var d float64
	for _, l := range bar.Levels {
		d += l.Delta
	}
	return d
}

func barVolume(bar *model.FootprintBar) float64 {
	var v float64
	for _, l := range bar.Levels {
		v += l.VolBid + l.VolAsk
	}
	return v
}

// deltaImbalance is net delta over total volume across the lookback.
func deltaImbalance(bars []*model.FootprintBar) float64 {
	var d, v float64
	for _, b := range bars {
		d += barDelta(b)
		v += barVolume(b)
	}
	if v == 0 {
		return 0
	}
	return clamp(d/v, -1, 1)
}

// absorption is high when a bar traded a lot but moved nothing: volume with
// a near-zero delta means resting orders soaked up the aggression.
func absorption(bar *model.FootprintBar) float64 {
	v := barVolume(bar)
	if v == 0 {
		return 0
	}
	return clamp(1-math.Abs(barDelta(bar))/v, 0, 1)
}

// exhaustionScore rises when the latest bar's delta dominates the lookback:
// a climactic push that tends to precede reversal.
func exhaustionScore(bars []*model.FootprintBar) float64 {
	if len(bars) < 2 {
		return 0
	}
	last := math.Abs(barDelta(bars[len(bars)-1]))
	var sum float64
	for _, b := range bars {
		sum += math.Abs(barDelta(b))
	}
	if sum == 0 {
		return 0
	}
	return clamp(last/(sum/float64(len(bars)))/3, 0, 1)
}

func sign(v float64) float64 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
