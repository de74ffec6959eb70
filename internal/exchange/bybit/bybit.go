// Package bybit adapts the Bybit v5 linear perpetual feeds.
package bybit

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
	Name    = "bybit"
	wsURL   = "wss://stream.bybit.com/v5/public/linear"
	restURL = "https://api.bybit.com/v5/market/orderbook"
)

// Adapter implements exchange.Adapter for Bybit.
type Adapter struct {
	rest  *exchange.RESTClient
	ticks map[string]float64
	log   zerolog.Logger
}

// New builds the adapter. tickOverrides come from config and win over the
// built-in tick table.
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
	RetCode int    `json:"retCode"`
	RetMsg  string `json:"retMsg"`
	Result  struct {
		Symbol string     `json:"s"`
		Bids   [][]string `json:"b"`
		Asks   [][]string `json:"a"`
		TS     int64      `json:"ts"`
		U      int64      `json:"u"`
	} `json:"result"`
}

func (a *Adapter) FetchSnapshot(ctx context.Context, symbol string, depth int) (*model.BookUpdate, error) {
	params := url.Values{}
	params.Set("category", "linear")
	params.Set("symbol", symbol)
	params.Set("limit", fmt.Sprint(depth))
	var out restBook
	if err := a.rest.GetJSON(ctx, restURL, params, &out); err != nil {
		return nil, err
	}
	if out.RetCode != 0 {
		return nil, &exchange.ProtocolError{Exchange: Name, Err: fmt.Errorf("retCode %d: %s", out.RetCode, out.RetMsg)}
	}
	ts := out.Result.TS
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}
	return &model.BookUpdate{
		Kind:     model.KindSnapshot,
		Exchange: Name,
		Symbol:   symbol,
		TS:       ts,
		UpdateID: out.Result.U,
		Bids:     exchange.ParseLevels(out.Result.Bids),
		Asks:     exchange.ParseLevels(out.Result.Asks),
	}, nil
}

func (a *Adapter) Subscribe(ctx context.Context, symbol string, feeds []exchange.Feed) (exchange.Stream, error) {
	var args []string
	for _, f := range feeds {
		switch f {
		case exchange.FeedOrderBook:
			args = append(args, "orderbook.200."+symbol)
		case exchange.FeedTrades:
			args = append(args, "publicTrade."+symbol)
		case exchange.FeedKline:
			args = append(args, "kline.1."+symbol)
		case exchange.FeedOpenInterest:
			args = append(args, "tickers."+symbol)
		case exchange.FeedLiquidations:
			args = append(args, "allLiquidation."+symbol)
		}
	}
	sub, err := json.Marshal(map[string]interface{}{"op": "subscribe", "args": args})
	if err != nil {
		return nil, err
	}
	p := &parser{symbol: symbol}
	return exchange.OpenStream(ctx, exchange.StreamConfig{
		Exchange:        Name,
		URL:             wsURL,
		SubscribeFrames: [][]byte{sub},
		PingFrame:       []byte(`{"op":"ping"}`),
		Parse:           p.parse,
	}, a.log)
}

type parser struct {
	symbol string
}

type wsFrame struct {
	Topic   string          `json:"topic"`
	Type    string          `json:"type"`
	TS      int64           `json:"ts"`
	Data    json.RawMessage `json:"data"`
	Op      string          `json:"op"`
	Success *bool           `json:"success"`
}

// parse handles one frame. Control frames (subscription acks, pong) yield no
// records and no error.
func (p *parser) parse(raw []byte) ([]model.Record, error) {
	var f wsFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, &exchange.ProtocolError{Exchange: Name, Err: err}
	}
	if f.Topic == "" {
		if f.Success != nil && !*f.Success {
			return nil, &exchange.ProtocolError{Exchange: Name, Err: fmt.Errorf("subscribe rejected: %s", raw)}
		}
		return nil, nil
	}
	switch {
	case strings.HasPrefix(f.Topic, "orderbook."):
		return p.parseBook(&f)
	case strings.HasPrefix(f.Topic, "publicTrade."):
		return p.parseTrades(&f)
	case strings.HasPrefix(f.Topic, "kline."):
		return p.parseKline(&f)
	case strings.HasPrefix(f.Topic, "tickers."):
		return p.parseTicker(&f)
	case strings.HasPrefix(f.Topic, "allLiquidation."):
		return p.parseLiquidations(&f)
	}
	return nil, nil
}

type bookData struct {
	Symbol string     `json:"s"`
	Bids   [][]string `json:"b"`
	Asks   [][]string `json:"a"`
	U      int64      `json:"u"`
	Seq    int64      `json:"seq"`
}

func (p *parser) parseBook(f *wsFrame) ([]model.Record, error) {
	var d bookData
	if err := json.Unmarshal(f.Data, &d); err != nil {
		return nil, &exchange.ProtocolError{Exchange: Name, Err: err}
	}
	kind := model.KindDelta
	prev := d.U - 1
	if f.Type == "snapshot" || d.U == 1 {
		// u==1 is Bybit's in-band service-restart snapshot.
		kind = model.KindSnapshot
		prev = 0
	}
	return []model.Record{&model.BookUpdate{
		Kind:         kind,
		Exchange:     Name,
		Symbol:       p.symbol,
		TS:           f.TS,
		UpdateID:     d.U,
		PrevUpdateID: prev,
		Bids:         exchange.ParseLevels(d.Bids),
		Asks:         exchange.ParseLevels(d.Asks),
	}}, nil
}

type tradeData struct {
	T     int64  `json:"T"`
	Side  string `json:"S"`
	Vol   string `json:"v"`
	Price string `json:"p"`
	ID    string `json:"i"`
}

func (p *parser) parseTrades(f *wsFrame) ([]model.Record, error) {
	var ds []tradeData
	if err := json.Unmarshal(f.Data, &ds); err != nil {
		return nil, &exchange.ProtocolError{Exchange: Name, Err: err}
	}
	var out []model.Record
	for _, d := range ds {
		size := exchange.F(d.Vol)
		if size <= 0 {
			continue
		}
		out = append(out, &model.Trade{
			Kind:     model.KindTrade,
			Exchange: Name,
			Symbol:   p.symbol,
			TS:       d.T,
			TradeID:  d.ID,
			Side:     exchange.ParseSide(d.Side),
			Price:    exchange.F(d.Price),
			Size:     size,
		})
	}
	return out, nil
}

type klineData struct {
	Start   int64  `json:"start"`
	End     int64  `json:"end"`
	Open    string `json:"open"`
	High    string `json:"high"`
	Low     string `json:"low"`
	Close   string `json:"close"`
	Volume  string `json:"volume"`
	Confirm bool   `json:"confirm"`
}

func (p *parser) parseKline(f *wsFrame) ([]model.Record, error) {
	var ds []klineData
	if err := json.Unmarshal(f.Data, &ds); err != nil {
		return nil, &exchange.ProtocolError{Exchange: Name, Err: err}
	}
	var out []model.Record
	for _, d := range ds {
		out = append(out, &model.Kline{
			Kind:     model.KindKline,
			Exchange: Name,
			Symbol:   p.symbol,
			Interval: "1",
			Start:    d.Start,
			End:      d.End,
			Open:     exchange.F(d.Open),
			High:     exchange.F(d.High),
			Low:      exchange.F(d.Low),
			Close:    exchange.F(d.Close),
			Volume:   exchange.F(d.Volume),
			Confirm:  d.Confirm,
		})
	}
	return out, nil
}

type tickerData struct {
	OpenInterest      string `json:"openInterest"`
	OpenInterestValue string `json:"openInterestValue"`
}

func (p *parser) parseTicker(f *wsFrame) ([]model.Record, error) {
	var d tickerData
	if err := json.Unmarshal(f.Data, &d); err != nil {
		return nil, &exchange.ProtocolError{Exchange: Name, Err: err}
	}
	if d.OpenInterest == "" {
		return nil, nil // ticker delta without an OI change
	}
	oi := &model.OpenInterest{
		Kind:         model.KindOpenInterest,
		Exchange:     Name,
		Symbol:       p.symbol,
		TS:           f.TS,
		OpenInterest: exchange.F(d.OpenInterest),
	}
	if d.OpenInterestValue != "" {
		v := exchange.F(d.OpenInterestValue)
		oi.OpenInterestValue = &v
	}
	return []model.Record{oi}, nil
}

type liqData struct {
	T     int64  `json:"T"`
	Side  string `json:"S"`
	Vol   string `json:"v"`
	Price string `json:"p"`
}

func (p *parser) parseLiquidations(f *wsFrame) ([]model.Record, error) {
	var ds []liqData
	if err := json.Unmarshal(f.Data, &ds); err != nil {
		return nil, &exchange.ProtocolError{Exchange: Name, Err: err}
	}
	var out []model.Record
	for _, d := range ds {
		ts := d.T
		if ts == 0 {
			ts = f.TS
		}
		out = append(out, &model.Liquidation{
			Kind:     model.KindLiquidation,
			Exchange: Name,
			Symbol:   p.symbol,
			TS:       ts,
			Side:     exchange.ParseSide(d.Side),
			Price:    exchange.F(d.Price),
			Qty:      exchange.F(d.Vol),
		})
	}
	return out, nil
}
