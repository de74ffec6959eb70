package okx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kisa134/trading/internal/model"
)

func TestInstIDMapping(t *testing.T) {
	assert.Equal(t, "BTC-USDT-SWAP", InstID("BTCUSDT"))
	assert.Equal(t, "ETH-USDC-SWAP", InstID("ETHUSDC"))
	assert.Equal(t, "BTCUSDT", Symbol("BTC-USDT-SWAP"))
	assert.Equal(t, "BTCUSDT", Symbol(InstID("BTCUSDT")))
}

func parseOne(t *testing.T, raw string) []model.Record {
	t.Helper()
	p := &parser{symbol: "BTCUSDT", inst: "BTC-USDT-SWAP"}
	recs, err := p.parse([]byte(raw))
	require.NoError(t, err)
	return recs
}

func TestParseBooksSnapshot(t *testing.T) {
	recs := parseOne(t, `{"arg":{"channel":"books","instId":"BTC-USDT-SWAP"},"action":"snapshot",
		"data":[{"bids":[["100.0","5","0","2"]],"asks":[["100.1","2","0","1"]],"ts":"1700000000000","seqId":10,"prevSeqId":-1}]}`)
	require.Len(t, recs, 1)
	u := recs[0].(*model.BookUpdate)
	assert.Equal(t, model.KindSnapshot, u.Kind)
	assert.Equal(t, "okx", u.Exchange)
	assert.Equal(t, "BTCUSDT", u.Symbol)
	assert.Equal(t, int64(10), u.UpdateID)
	assert.Equal(t, int64(0), u.PrevUpdateID)
	assert.Equal(t, []model.PriceLevel{{Price: 100, Size: 5}}, u.Bids, "4-element rows trimmed to price and size")
}

func TestParseBooksUpdate(t *testing.T) {
	recs := parseOne(t, `{"arg":{"channel":"books","instId":"BTC-USDT-SWAP"},"action":"update",
		"data":[{"bids":[["100.0","0","0","0"]],"asks":[],"ts":"1700000000100","seqId":11,"prevSeqId":10}]}`)
	require.Len(t, recs, 1)
	u := recs[0].(*model.BookUpdate)
	assert.Equal(t, model.KindDelta, u.Kind)
	assert.Equal(t, int64(11), u.UpdateID)
	assert.Equal(t, int64(10), u.PrevUpdateID)
}

func TestParseTrades(t *testing.T) {
	recs := parseOne(t, `{"arg":{"channel":"trades","instId":"BTC-USDT-SWAP"},
		"data":[{"tradeId":"9001","px":"100.1","sz":"0.5","side":"buy","ts":"1700000000001"}]}`)
	require.Len(t, recs, 1)
	tr := recs[0].(*model.Trade)
	assert.Equal(t, "9001", tr.TradeID)
	assert.Equal(t, model.SideBuy, tr.Side)
	assert.Equal(t, int64(1700000000001), tr.TS)
}

func TestParseCandles(t *testing.T) {
	recs := parseOne(t, `{"arg":{"channel":"candle1m","instId":"BTC-USDT-SWAP"},
		"data":[["1700000000000","1","3","0.5","2","10","1000","100000","1"]]}`)
	require.Len(t, recs, 1)
	k := recs[0].(*model.Kline)
	assert.Equal(t, int64(1700000000000), k.Start)
	assert.Equal(t, int64(1700000060000), k.End)
	assert.True(t, k.Confirm)

	recs = parseOne(t, `{"arg":{"channel":"candle1m","instId":"BTC-USDT-SWAP"},
		"data":[["1700000000000","1","3","0.5","2","10","1000","100000","0"]]}`)
	require.Len(t, recs, 1)
	assert.False(t, recs[0].(*model.Kline).Confirm)
}

func TestParseOpenInterest(t *testing.T) {
	recs := parseOne(t, `{"arg":{"channel":"open-interest","instId":"BTC-USDT-SWAP"},
		"data":[{"oi":"55000","ts":"1700000000000"}]}`)
	require.Len(t, recs, 1)
	assert.Equal(t, 55000.0, recs[0].(*model.OpenInterest).OpenInterest)
}

func TestParseLiquidationsFiltersInstrument(t *testing.T) {
	recs := parseOne(t, `{"arg":{"channel":"liquidation-orders","instType":"SWAP"},
		"data":[{"instId":"ETH-USDT-SWAP","details":[{"side":"sell","bkPx":"2000","sz":"1","ts":"1"}]},
		        {"instId":"BTC-USDT-SWAP","details":[{"side":"buy","bkPx":"99.5","sz":"1.2","ts":"1700000000005"}]}]}`)
	require.Len(t, recs, 1, "other instruments on the shared channel are dropped")
	lq := recs[0].(*model.Liquidation)
	assert.Equal(t, model.SideBuy, lq.Side)
	assert.Equal(t, 99.5, lq.Price)
}

func TestParseControlFrames(t *testing.T) {
	assert.Empty(t, parseOne(t, `pong`))
	assert.Empty(t, parseOne(t, `{"event":"subscribe","arg":{"channel":"books","instId":"BTC-USDT-SWAP"}}`))

	p := &parser{symbol: "BTCUSDT", inst: "BTC-USDT-SWAP"}
	_, err := p.parse([]byte(`{"event":"error","msg":"channel not found"}`))
	assert.Error(t, err)
}

func TestTrimLevels(t *testing.T) {
	out := trimLevels([][]string{{"100", "5", "0", "2"}, {"99"}})
	assert.Equal(t, [][]string{{"100", "5"}}, out)
}
