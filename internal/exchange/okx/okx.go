// Package okx adapts the OKX v5 public SWAP feeds.
//
// OKX instrument ids are dash-separated ("BTC-USDT-SWAP"); the canonical
// symbol everywhere else is the compact form ("BTCUSDT"). This package owns
// both directions of that mapping.
package okx

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/kisa134/trading/internal/exchange"
	"github.com/kisa134/trading/internal/model"
)

const (
	Name      = "okx"
	wsURL     = "wss://ws.okx.com:8443/ws/v5/public"
	restBooks = "https://www.okx.com/api/v5/market/books"
)

var quotes = []string{"USDT", "USDC", "USD"}

// InstID maps a canonical symbol to the venue SWAP instrument id.
func InstID(symbol string) string {
	for _, q := range quotes {
		if strings.HasSuffix(symbol, q) && len(symbol) > len(q) {
			return symbol[:len(symbol)-len(q)] + "-" + q + "-SWAP"
		}
	}
	return symbol + "-SWAP"
}

// Symbol maps a venue instrument id back to the canonical symbol.
func Symbol(instID string) string {
	return strings.ReplaceAll(strings.TrimSuffix(instID, "-SWAP"), "-", "")
}

// Adapter implements exchange.Adapter for OKX.
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

type restResp struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
	Data []struct {
		Bids [][]string `json:"bids"`
		Asks [][]string `json:"asks"`
		TS   string     `json:"ts"`
	} `json:"data"`
}

// FetchSnapshot returns the REST book. OKX REST carries no sequence id, so
// UpdateID is 0 (unsequenced); the books channel re-sends a sequenced
// in-band snapshot on subscribe and the ingestor resyncs on that.
func (a *Adapter) FetchSnapshot(ctx context.Context, symbol string, depth int) (*model.BookUpdate, error) {
	params := url.Values{}
	params.Set("instId", InstID(symbol))
	params.Set("sz", fmt.Sprint(depth))
	var out restResp
	if err := a.rest.GetJSON(ctx, restBooks, params, &out); err != nil {
		return nil, err
	}
	if out.Code != "0" || len(out.Data) == 0 {
		return nil, &exchange.ProtocolError{Exchange: Name, Err: fmt.Errorf("books code %s: %s", out.Code, out.Msg)}
	}
	d := out.Data[0]
	return &model.BookUpdate{
		Kind:     model.KindSnapshot,
		Exchange: Name,
		Symbol:   symbol,
		TS:       int64(exchange.F(d.TS)),
		Bids:     exchange.ParseLevels(trimLevels(d.Bids)),
		Asks:     exchange.ParseLevels(trimLevels(d.Asks)),
	}, nil
}

// trimLevels cuts OKX's 4-element level arrays down to [price, size].
func trimLevels(raw [][]string) [][]string {
	out := make([][]string, 0, len(raw))
	for _, e := range raw {
		if len(e) >= 2 {
			out = append(out, e[:2])
		}
	}
	return out
}

type subArg struct {
	Channel  string `json:"channel"`
	InstID   string `json:"instId,omitempty"`
	InstType string `json:"instType,omitempty"`
}

func (a *Adapter) Subscribe(ctx context.Context, symbol string, feeds []exchange.Feed) (exchange.Stream, error) {
	inst := InstID(symbol)
	var args []subArg
	for _, f := range feeds {
		switch f {
		case exchange.FeedOrderBook:
			args = append(args, subArg{Channel: "books", InstID: inst})
		case exchange.FeedTrades:
			args = append(args, subArg{Channel: "trades", InstID: inst})
		case exchange.FeedKline:
			args = append(args, subArg{Channel: "candle1m", InstID: inst})
		case exchange.FeedOpenInterest:
			args = append(args, subArg{Channel: "open-interest", InstID: inst})
		case exchange.FeedLiquidations:
			args = append(args, subArg{Channel: "liquidation-orders", InstType: "SWAP"})
		}
	}
	sub, err := json.Marshal(map[string]interface{}{"op": "subscribe", "args": args})
	if err != nil {
		return nil, err
	}
	p := &parser{symbol: symbol, inst: inst}
	return exchange.OpenStream(ctx, exchange.StreamConfig{
		Exchange:        Name,
		URL:             wsURL,
		SubscribeFrames: [][]byte{sub},
		PingFrame:       []byte("ping"),
		Parse:           p.parse,
	}, a.log)
}

type parser struct {
	symbol string
	inst   string
}

type wsFrame struct {
	Event  string          `json:"event"`
	Arg    subArg          `json:"arg"`
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
	Msg    string          `json:"msg"`
}

func (p *parser) parse(raw []byte) ([]model.Record, error) {
	if string(raw) == "pong" {
		return nil, nil
	}
	var f wsFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, &exchange.ProtocolError{Exchange: Name, Err: err}
	}
	if f.Event != "" {
		if f.Event == "error" {
			return nil, &exchange.ProtocolError{Exchange: Name, Err: fmt.Errorf("venue error: %s", f.Msg)}
		}
		return nil, nil // subscribe confirmations
	}
	switch f.Arg.Channel {
	case "books":
		return p.parseBooks(&f)
	case "trades":
		return p.parseTrades(&f)
	case "candle1m":
		return p.parseCandles(&f)
	case "open-interest":
		return p.parseOI(&f)
	case "liquidation-orders":
		return p.parseLiquidations(&f)
	}
	return nil, nil
}

type bookData struct {
	Bids      [][]string `json:"bids"`
	Asks      [][]string `json:"asks"`
	TS        string     `json:"ts"`
	SeqID     int64      `json:"seqId"`
	PrevSeqID int64      `json:"prevSeqId"`
}

func (p *parser) parseBooks(f *wsFrame) ([]model.Record, error) {
	var ds []bookData
	if err := json.Unmarshal(f.Data, &ds); err != nil {
		return nil, &exchange.ProtocolError{Exchange: Name, Err: err}
	}
	var out []model.Record
	for _, d := range ds {
		kind := model.KindDelta
		prev := d.PrevSeqID
		if f.Action == "snapshot" || prev < 0 {
			kind = model.KindSnapshot
			prev = 0
		}
		out = append(out, &model.BookUpdate{
			Kind:         kind,
			Exchange:     Name,
			Symbol:       p.symbol,
			TS:           int64(exchange.F(d.TS)),
			UpdateID:     d.SeqID,
			PrevUpdateID: prev,
			Bids:         exchange.ParseLevels(trimLevels(d.Bids)),
			Asks:         exchange.ParseLevels(trimLevels(d.Asks)),
		})
	}
	return out, nil
}

type tradeData struct {
	TradeID string `json:"tradeId"`
	Px      string `json:"px"`
	Sz      string `json:"sz"`
	Side    string `json:"side"`
	TS      string `json:"ts"`
}

func (p *parser) parseTrades(f *wsFrame) ([]model.Record, error) {
	var ds []tradeData
	if err := json.Unmarshal(f.Data, &ds); err != nil {
		return nil, &exchange.ProtocolError{Exchange: Name, Err: err}
	}
	var out []model.Record
	for _, d := range ds {
		size := exchange.F(d.Sz)
		if size <= 0 {
			continue
		}
		out = append(out, &model.Trade{
			Kind:     model.KindTrade,
			Exchange: Name,
			Symbol:   p.symbol,
			TS:       int64(exchange.F(d.TS)),
			TradeID:  d.TradeID,
			Side:     exchange.ParseSide(d.Side),
			Price:    exchange.F(d.Px),
			Size:     size,
		})
	}
	return out, nil
}

// candle1m rows: [ts, o, h, l, c, vol, volCcy, volCcyQuote, confirm]
func (p *parser) parseCandles(f *wsFrame) ([]model.Record, error) {
	var rows [][]string
	if err := json.Unmarshal(f.Data, &rows); err != nil {
		return nil, &exchange.ProtocolError{Exchange: Name, Err: err}
	}
	var out []model.Record
	for _, r := range rows {
		if len(r) < 9 {
			continue
		}
		start := int64(exchange.F(r[0]))
		out = append(out, &model.Kline{
			Kind:     model.KindKline,
			Exchange: Name,
			Symbol:   p.symbol,
			Interval: "1",
			Start:    start,
			End:      start + 60_000,
			Open:     exchange.F(r[1]),
			High:     exchange.F(r[2]),
			Low:      exchange.F(r[3]),
			Close:    exchange.F(r[4]),
			Volume:   exchange.F(r[5]),
			Confirm:  r[8] == "1",
		})
	}
	return out, nil
}

type oiData struct {
	OI string `json:"oi"`
	TS string `json:"ts"`
}

func (p *parser) parseOI(f *wsFrame) ([]model.Record, error) {
	var ds []oiData
	if err := json.Unmarshal(f.Data, &ds); err != nil {
		return nil, &exchange.ProtocolError{Exchange: Name, Err: err}
	}
	var out []model.Record
	for _, d := range ds {
		out = append(out, &model.OpenInterest{
			Kind:         model.KindOpenInterest,
			Exchange:     Name,
			Symbol:       p.symbol,
			TS:           int64(exchange.F(d.TS)),
			OpenInterest: exchange.F(d.OI),
		})
	}
	return out, nil
}

type liqOrder struct {
	InstID  string `json:"instId"`
	Details []struct {
		Side string `json:"side"`
		BkPx string `json:"bkPx"`
		Sz   string `json:"sz"`
		TS   string `json:"ts"`
	} `json:"details"`
}

func (p *parser) parseLiquidations(f *wsFrame) ([]model.Record, error) {
	var ds []liqOrder
	if err := json.Unmarshal(f.Data, &ds); err != nil {
		return nil, &exchange.ProtocolError{Exchange: Name, Err: err}
	}
	var out []model.Record
	for _, d := range ds {
		if d.InstID != p.inst {
			continue // the channel is venue-wide, keep only our instrument
		}
		for _, det := range d.Details {
			out = append(out, &model.Liquidation{
				Kind:     model.KindLiquidation,
				Exchange: Name,
				Symbol:   p.symbol,
				TS:       int64(exchange.F(det.TS)),
				Side:     exchange.ParseSide(det.Side),
				Price:    exchange.F(det.BkPx),
				Qty:      exchange.F(det.Sz),
			})
		}
	}
	return out, nil
}
