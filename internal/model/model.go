// Package model defines the canonical event model shared by every component.
// Venue adapters translate wire messages into these types once; everything
// downstream (ingestors, hot store, analytics, gateway) speaks only this.
package model

import (
	"encoding/json"
	"fmt"
)

// Side is a normalized trade/book side.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Record kinds carried in the "kind" discriminator of every broker record.
const (
	KindSnapshot     = "snapshot"
	KindDelta        = "delta"
	KindTrade        = "trade"
	KindKline        = "kline"
	KindOpenInterest = "open_interest"
	KindLiquidation  = "liquidation"
	KindHeatmap      = "heatmap"
	KindFootprint    = "footprint"
	KindEvent        = "event"
	KindScore        = "score"
	KindTape         = "tape"
)

// Record is any message that can travel on a broker stream.
type Record interface {
	RecordKind() string
}

// PriceLevel is one (price, size) entry of a book side. It marshals as the
// compact [price, size] pair used on the wire.
type PriceLevel struct {
	Price float64
	Size  float64
}

func (l PriceLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]float64{l.Price, l.Size})
}

func (l *PriceLevel) UnmarshalJSON(b []byte) error {
	var pair [2]float64
	if err := json.Unmarshal(b, &pair); err != nil {
		return err
	}
	l.Price, l.Size = pair[0], pair[1]
	return nil
}

// BookUpdate is a full snapshot (kind=snapshot) or an incremental delta
// (kind=delta) of one instrument's book. A delta entry with size 0 removes
// the level. UpdateID is the venue sequence, surfaced untouched; the
// ingestor validates continuity against PrevUpdateID.
type BookUpdate struct {
	Kind         string       `json:"kind"`
	Exchange     string       `json:"exchange"`
	Symbol       string       `json:"symbol"`
	TS           int64        `json:"ts"`
	UpdateID     int64        `json:"update_id"`
	PrevUpdateID int64        `json:"prev_update_id,omitempty"`
	Bids         []PriceLevel `json:"bids"`
	Asks         []PriceLevel `json:"asks"`
}

func (u *BookUpdate) RecordKind() string { return u.Kind }

// Trade is a single aggressor-classified trade. TradeID is unique within
// (exchange, symbol); ties on the stream break by (ts, trade_id).
type Trade struct {
	Kind     string  `json:"kind"`
	Exchange string  `json:"exchange"`
	Symbol   string  `json:"symbol"`
	TS       int64   `json:"ts"`
	TradeID  string  `json:"trade_id"`
	Side     Side    `json:"side"`
	Price    float64 `json:"price"`
	Size     float64 `json:"size"`
}

func (t *Trade) RecordKind() string { return KindTrade }

// Kline is one candle. A non-confirmed candle may be overwritten by later
// updates sharing Start; confirmed candles are immutable.
type Kline struct {
	Kind     string  `json:"kind"`
	Exchange string  `json:"exchange"`
	Symbol   string  `json:"symbol"`
	Interval string  `json:"interval"`
	Start    int64   `json:"start"`
	End      int64   `json:"end"`
	Open     float64 `json:"open"`
	High     float64 `json:"high"`
	Low      float64 `json:"low"`
	Close    float64 `json:"close"`
	Volume   float64 `json:"volume"`
	Confirm  bool    `json:"confirm"`
}

func (k *Kline) RecordKind() string { return KindKline }

// OpenInterest is one open-interest observation.
type OpenInterest struct {
	Kind              string   `json:"kind"`
	Exchange          string   `json:"exchange"`
	Symbol            string   `json:"symbol"`
	TS                int64    `json:"ts"`
	OpenInterest      float64  `json:"open_interest"`
	OpenInterestValue *float64 `json:"open_interest_value,omitempty"`
}

func (o *OpenInterest) RecordKind() string { return KindOpenInterest }

// Liquidation is one forced-order fill.
type Liquidation struct {
	Kind     string  `json:"kind"`
	Exchange string  `json:"exchange"`
	Symbol   string  `json:"symbol"`
	TS       int64   `json:"ts"`
	Side     Side    `json:"side"`
	Price    float64 `json:"price"`
	Qty      float64 `json:"qty"`
}

func (l *Liquidation) RecordKind() string { return KindLiquidation }

// HeatmapRow is aggregated resting volume at one price bin.
type HeatmapRow struct {
	Price  float64 `json:"price"`
	VolBid float64 `json:"vol_bid"`
	VolAsk float64 `json:"vol_ask"`
}

// HeatmapSlice is the DOM binned by price at slice time.
type HeatmapSlice struct {
	Kind     string       `json:"kind"`
	Exchange string       `json:"exchange"`
	Symbol   string       `json:"symbol"`
	TS       int64        `json:"ts"`
	Rows     []HeatmapRow `json:"rows"`
}

func (h *HeatmapSlice) RecordKind() string { return KindHeatmap }

// FootprintLevel is one traded price level inside a bar.
type FootprintLevel struct {
	Price  float64 `json:"price"`
	VolBid float64 `json:"vol_bid"`
	VolAsk float64 `json:"vol_ask"`
	Delta  float64 `json:"delta"`
}

// Imbalance marks a level where one side dominates by the configured ratio.
type Imbalance struct {
	Price float64 `json:"price"`
	Side  Side    `json:"side"`
	Ratio float64 `json:"ratio"`
}

// FootprintBar is a closed time bucket of trades grouped by price. Bars are
// immutable once emitted.
type FootprintBar struct {
	Kind            string           `json:"kind"`
	Exchange        string           `json:"exchange"`
	Symbol          string           `json:"symbol"`
	Start           int64            `json:"start"`
	End             int64            `json:"end"`
	Levels          []FootprintLevel `json:"levels"`
	POCPrice        *float64         `json:"poc_price,omitempty"`
	ImbalanceLevels []Imbalance      `json:"imbalance_levels,omitempty"`
}

func (f *FootprintBar) RecordKind() string { return KindFootprint }

// Event types emitted by the detectors.
const (
	EventIceberg = "ICEBERG"
	EventWall    = "WALL"
	EventSpoof   = "SPOOF"
)

// Event is a detector finding. Created once, never mutated; ID is the
// primary key downstream consumers dedupe on.
type Event struct {
	Kind     string          `json:"kind"`
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Exchange string          `json:"exchange"`
	Symbol   string          `json:"symbol"`
	TS       int64           `json:"ts"`
	Side     Side            `json:"side"`
	Price    float64         `json:"price"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

func (e *Event) RecordKind() string { return KindEvent }

// Score kinds for the derived scoring streams.
const (
	ScoreTrend        = "trend"
	ScoreExhaustion   = "exhaustion"
	ScoreRuleReversal = "rule_reversal"
)

// Score is one point of a continuous derived series.
type Score struct {
	Kind       string             `json:"kind"`
	Exchange   string             `json:"exchange"`
	Symbol     string             `json:"symbol"`
	TS         int64              `json:"ts"`
	Score      string             `json:"score"`
	Value      float64            `json:"value"`
	Components map[string]float64 `json:"components,omitempty"`
}

func (s *Score) RecordKind() string { return KindScore }

// TapeWindow is one aggregation window of the tape.
type TapeWindow struct {
	BuyVol  float64 `json:"buy_vol"`
	SellVol float64 `json:"sell_vol"`
	Delta   float64 `json:"delta"`
}

// TapeAggregate is the rolling per-window buy/sell/delta view plus the last
// trade that produced it.
type TapeAggregate struct {
	Kind      string                `json:"kind"`
	Exchange  string                `json:"exchange"`
	Symbol    string                `json:"symbol"`
	TS        int64                 `json:"ts"`
	Windows   map[string]TapeWindow `json:"windows"`
	LastPrice float64               `json:"last_price"`
	LastSize  float64               `json:"last_size"`
	LastSide  Side                  `json:"last_side"`
	Large     bool                  `json:"large"`
}

func (t *TapeAggregate) RecordKind() string { return KindTape }

// Encode serializes a record for a broker payload.
func Encode(r Record) ([]byte, error) {
	return json.Marshal(r)
}

// Decode parses a broker payload by its kind discriminator. Unknown kinds
// fail fast so schema drift surfaces at the consumer boundary.
func Decode(payload []byte) (Record, error) {
	var head struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(payload, &head); err != nil {
		return nil, fmt.Errorf("record header: %w", err)
	}
	var r Record
	switch head.Kind {
	case KindSnapshot, KindDelta:
		r = &BookUpdate{}
	case KindTrade:
		r = &Trade{}
	case KindKline:
		r = &Kline{}
	case KindOpenInterest:
		r = &OpenInterest{}
	case KindLiquidation:
		r = &Liquidation{}
	case KindHeatmap:
		r = &HeatmapSlice{}
	case KindFootprint:
		r = &FootprintBar{}
	case KindEvent:
		r = &Event{}
	case KindScore:
		r = &Score{}
	case KindTape:
		r = &TapeAggregate{}
	default:
		return nil, fmt.Errorf("unknown record kind %q", head.Kind)
	}
	if err := json.Unmarshal(payload, r); err != nil {
		return nil, fmt.Errorf("decode %s record: %w", head.Kind, err)
	}
	return r, nil
}
