// Package binance adapts the Binance USDⓈ-M futures feeds.
package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/kisa134/trading/internal/exchange"
	"github.com/kisa134/trading/internal/model"
)

const (
	Name      = "binance"
	wsBase    = "wss://fstream.binance.com/stream"
	restDepth = "https://fapi.binance.com/fapi/v1/depth"
)

// Adapter implements exchange.Adapter for Binance futures. Binance has no
// public WebSocket open-interest channel; the feed is accepted and ignored.
type Adapter struct {
	rest  *exchange.RESTClient
	ticks map[string]float64
	log   zerolog.Logger
}

func New(log zerolog.Logger, tickOverrides map[string]float64) *Adapter {
	return &Adapter{
		rest:  exchange.NewRESTClient(Name, rate.Limit(5)),
		ticks: tickOverrides,
		log:   log.With().Str("exchange", Name).Logger(),
	}
}

func (a *Adapter) Name() string { return Name }

func (a *Adapter) TickSize(symbol string) float64 {
	return exchange.DefaultTickSize(symbol, a.ticks)
}

type restBook struct {
	LastUpdateID int64      `json:"lastUpdateId"`
	E            int64      `json:"E"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

func (a *Adapter) FetchSnapshot(ctx context.Context, symbol string, depth int) (*model.BookUpdate, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("limit", fmt.Sprint(depth))
	var out restBook
	if err := a.rest.GetJSON(ctx, restDepth, params, &out); err != nil {
		return nil, err
	}
	if out.LastUpdateID == 0 {
		return nil, &exchange.ProtocolError{Exchange: Name, Err: fmt.Errorf("depth response missing lastUpdateId")}
	}
	ts := out.E
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}
	return &model.BookUpdate{
		Kind:     model.KindSnapshot,
		Exchange: Name,
		Symbol:   symbol,
		TS:       ts,
		UpdateID: out.LastUpdateID,
		Bids:     exchange.ParseLevels(out.Bids),
		Asks:     exchange.ParseLevels(out.Asks),
	}, nil
}

func (a *Adapter) Subscribe(ctx context.Context, symbol string, feeds []exchange.Feed) (exchange.Stream, error) {
	lower := strings.ToLower(symbol)
	var streams []string
	for _, f := range feeds {
		switch f {
		case exchange.FeedOrderBook:
			streams = append(streams, lower+"@depth@100ms")
		case exchange.FeedTrades:
			streams = append(streams, lower+"@aggTrade")
		case exchange.FeedKline:
			streams = append(streams, lower+"@kline_1m")
		case exchange.FeedLiquidations:
			streams = append(streams, lower+"@forceOrder")
		}
	}
	p := &parser{symbol: symbol, lower: lower}
	return exchange.OpenStream(ctx, exchange.StreamConfig{
		Exchange: Name,
		URL:      wsBase + "?streams=" + strings.Join(streams, "/"),
		Parse:    p.parse,
	}, a.log)
}

type parser struct {
	symbol string
	lower  string
}

type combinedFrame struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

func (p *parser) parse(raw []byte) ([]model.Record, error) {
	var f combinedFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, &exchange.ProtocolError{Exchange: Name, Err: err}
	}
	if f.Stream == "" {
		return nil, nil // subscription acks carry no stream
	}
	switch {
	case strings.Contains(f.Stream, "@depth"):
		return p.parseDepth(f.Data)
	case strings.Contains(f.Stream, "@aggTrade"):
		return p.parseAggTrade(f.Data)
	case strings.Contains(f.Stream, "@kline"):
		return p.parseKline(f.Data)
	case strings.Contains(f.Stream, "@forceOrder"):
		return p.parseForceOrder(f.Data)
	}
	return nil, nil
}

type depthEvent struct {
	E    int64      `json:"E"`
	U    int64      `json:"U"`
	Last int64      `json:"u"`
	Prev int64      `json:"pu"`
	Bids [][]string `json:"b"`
	Asks [][]string `json:"a"`
}

func (p *parser) parseDepth(data json.RawMessage) ([]model.Record, error) {
	var d depthEvent
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, &exchange.ProtocolError{Exchange: Name, Err: err}
	}
	// pu is the previous event's final id; the ingestor checks continuity
	// against it exactly as the venue documents.
	return []model.Record{&model.BookUpdate{
		Kind:         model.KindDelta,
		Exchange:     Name,
		Symbol:       p.symbol,
		TS:           d.E,
		UpdateID:     d.Last,
		PrevUpdateID: d.Prev,
		Bids:         exchange.ParseLevels(d.Bids),
		Asks:         exchange.ParseLevels(d.Asks),
	}}, nil
}

type aggTrade struct {
	ID         int64  `json:"a"`
	Price      string `json:"p"`
	Qty        string `json:"q"`
	T          int64  `json:"T"`
	BuyerMaker bool   `json:"m"`
}

func (p *parser) parseAggTrade(data json.RawMessage) ([]model.Record, error) {
	var d aggTrade
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, &exchange.ProtocolError{Exchange: Name, Err: err}
	}
	size := exchange.F(d.Qty)
	if size <= 0 {
		return nil, nil
	}
	side := model.SideBuy
	if d.BuyerMaker { // buyer was the maker, so the aggressor sold
		side = model.SideSell
	}
	return []model.Record{&model.Trade{
		Kind:     model.KindTrade,
		Exchange: Name,
		Symbol:   p.symbol,
		TS:       d.T,
		TradeID:  fmt.Sprint(d.ID),
		Side:     side,
		Price:    exchange.F(d.Price),
		Size:     size,
	}}, nil
}

type klineEvent struct {
	K struct {
		Start   int64  `json:"t"`
		End     int64  `json:"T"`
		Open    string `json:"o"`
		High    string `json:"h"`
		Low     string `json:"l"`
		Close   string `json:"c"`
		Volume  string `json:"v"`
		Closed  bool   `json:"x"`
	} `json:"k"`
}

func (p *parser) parseKline(data json.RawMessage) ([]model.Record, error) {
	var d klineEvent
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, &exchange.ProtocolError{Exchange: Name, Err: err}
	}
	return []model.Record{&model.Kline{
		Kind:     model.KindKline,
		Exchange: Name,
		Symbol:   p.symbol,
		Interval: "1",
		Start:    d.K.Start,
		End:      d.K.End,
		Open:     exchange.F(d.K.Open),
		High:     exchange.F(d.K.High),
		Low:      exchange.F(d.K.Low),
		Close:    exchange.F(d.K.Close),
		Volume:   exchange.F(d.K.Volume),
		Confirm:  d.K.Closed,
	}}, nil
}

type forceOrder struct {
	O struct {
		Side  string `json:"S"`
		Price string `json:"p"`
		Avg   string `json:"ap"`
		Qty   string `json:"q"`
		T     int64  `json:"T"`
	} `json:"o"`
}

func (p *parser) parseForceOrder(data json.RawMessage) ([]model.Record, error) {
	var d forceOrder
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, &exchange.ProtocolError{Exchange: Name, Err: err}
	}
	price := exchange.F(d.O.Avg)
	if price == 0 {
		price = exchange.F(d.O.Price)
	}
	return []model.Record{&model.Liquidation{
		Kind:     model.KindLiquidation,
		Exchange: Name,
		Symbol:   p.symbol,
		TS:       d.O.T,
		Side:     exchange.ParseSide(d.O.Side),
		Price:    price,
		Qty:      exchange.F(d.O.Qty),
	}}, nil
}
