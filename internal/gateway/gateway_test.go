package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kisa134/trading/internal/broker"
	"github.com/kisa134/trading/internal/model"
	"github.com/kisa134/trading/internal/supervisor"
)

type fakeHot struct {
	dom    *model.BookUpdate
	trades []*model.Trade
}

func (f *fakeHot) DOM(ex, sym string) (*model.BookUpdate, bool) {
	if f.dom == nil {
		return nil, false
	}
	return f.dom, true
}

func (f *fakeHot) RecentTrades(ex, sym string, limit int) []*model.Trade {
	if limit > 0 && limit < len(f.trades) {
		return f.trades[len(f.trades)-limit:]
	}
	return f.trades
}

func noTasks() []supervisor.TaskStatus { return nil }

func domRecord(ts, updateID int64) *model.BookUpdate {
	return &model.BookUpdate{
		Kind:     model.KindSnapshot,
		Exchange: "bybit",
		Symbol:   "BTCUSDT",
		TS:       ts,
		UpdateID: updateID,
		Bids:     []model.PriceLevel{{Price: 100, Size: 5}},
		Asks:     []model.PriceLevel{{Price: 101, Size: 2}},
	}
}

func newTestServer(t *testing.T, brk broker.Broker, hot HotView) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(New(brk, hot, noTasks, zerolog.Nop()).Router())
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server, query string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?" + query
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

// Scenario: subscribe orderbook_realtime, first frame is the latest known
// DOM, subsequent frames are ordered updates with no duplicate of the
// bootstrap snapshot.
func TestSnapshotThenStream(t *testing.T) {
	brk := broker.NewMemory()
	ctx := context.Background()
	key := model.KeyDOM("bybit", "BTCUSDT")

	payload, err := model.Encode(domRecord(1000, 10))
	require.NoError(t, err)
	require.NoError(t, brk.KVSet(ctx, key, payload, time.Minute))

	srv := newTestServer(t, brk, &fakeHot{})
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "exchange=bybit&symbol=BTCUSDT&channels=orderbook_realtime"), nil)
	require.NoError(t, err)
	defer conn.Close()

	first := readFrame(t, conn)
	assert.Equal(t, "orderbook_realtime", first.Stream)
	assert.Equal(t, "dom", first.Type)
	rec, err := model.Decode(first.Data)
	require.NoError(t, err)
	assert.Equal(t, int64(10), rec.(*model.BookUpdate).UpdateID)

	// The bootstrap frame proves the tail is live: publishes ordered after
	// it are deterministic.
	dup, err := model.Encode(domRecord(1000, 10))
	require.NoError(t, err)
	require.NoError(t, brk.Publish(ctx, key, dup))
	next, err := model.Encode(domRecord(2000, 11))
	require.NoError(t, err)
	require.NoError(t, brk.Publish(ctx, key, next))

	second := readFrame(t, conn)
	assert.Equal(t, "orderbook_realtime", second.Stream)
	assert.Empty(t, second.Type)
	rec, err = model.Decode(second.Data)
	require.NoError(t, err)
	assert.Equal(t, int64(11), rec.(*model.BookUpdate).UpdateID, "duplicate of the bootstrap snapshot must be dropped")
}

func TestUnknownChannelCloses4400(t *testing.T) {
	srv := newTestServer(t, broker.NewMemory(), &fakeHot{})
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "exchange=bybit&symbol=BTCUSDT&channels=nope"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, closeBadRequest, closeErr.Code)
}

func TestMissingParamsClose4400(t *testing.T) {
	srv := newTestServer(t, broker.NewMemory(), &fakeHot{})
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "channels=orderbook_realtime"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, closeBadRequest, closeErr.Code)
}

func TestTradesChannelForwarded(t *testing.T) {
	brk := broker.NewMemory()
	srv := newTestServer(t, brk, &fakeHot{})
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "exchange=bybit&symbol=BTCUSDT&channels=trades_realtime"), nil)
	require.NoError(t, err)
	defer conn.Close()

	tr := &model.Trade{Kind: model.KindTrade, Exchange: "bybit", Symbol: "BTCUSDT", TS: 1, TradeID: "t1", Side: model.SideBuy, Price: 100, Size: 1}
	payload, err := model.Encode(tr)
	require.NoError(t, err)

	// No bootstrap frame for trades; retry until the tail is subscribed.
	got := make(chan frame, 1)
	go func() {
		var f frame
		_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		if err := conn.ReadJSON(&f); err == nil {
			got <- f
		}
	}()
	require.Eventually(t, func() bool {
		_ = brk.Publish(context.Background(), model.StreamTrades("bybit", "BTCUSDT"), payload)
		select {
		case f := <-got:
			got <- f
			return true
		default:
			return false
		}
	}, 2*time.Second, 20*time.Millisecond)

	f := <-got
	assert.Equal(t, "trades_realtime", f.Stream)
	rec, err := model.Decode(f.Data)
	require.NoError(t, err)
	assert.Equal(t, "t1", rec.(*model.Trade).TradeID)
}

func TestResolveChannels(t *testing.T) {
	m, err := resolveChannels("okx", "BTCUSDT", []string{"orderbook_realtime", "scores.trend", "ai_response"})
	require.NoError(t, err)
	assert.Equal(t, "orderbook_realtime", m[model.KeyDOM("okx", "BTCUSDT")])
	assert.Equal(t, "scores.trend", m[model.StreamScoreTrend("okx", "BTCUSDT")])

	_, err = resolveChannels("okx", "BTCUSDT", []string{"bogus"})
	var ce *ClientError
	require.ErrorAs(t, err, &ce)
}

func TestRESTDom(t *testing.T) {
	hot := &fakeHot{dom: domRecord(1000, 10)}
	srv := newTestServer(t, broker.NewMemory(), hot)

	resp, err := http.Get(srv.URL + "/dom/bybit/BTCUSDT")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var u model.BookUpdate
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&u))
	assert.Equal(t, int64(10), u.UpdateID)
}

func TestRESTDomNotFound(t *testing.T) {
	srv := newTestServer(t, broker.NewMemory(), &fakeHot{})
	resp, err := http.Get(srv.URL + "/dom/bybit/BTCUSDT")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRESTHealth(t *testing.T) {
	srv := newTestServer(t, broker.NewMemory(), &fakeHot{})
	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
}

func TestRESTEvents(t *testing.T) {
	brk := broker.NewMemory()
	ev := &model.Event{Kind: model.KindEvent, ID: "e1", Type: model.EventWall, Exchange: "bybit", Symbol: "BTCUSDT", TS: 1, Side: model.SideBuy, Price: 99}
	payload, err := model.Encode(ev)
	require.NoError(t, err)
	_, err = brk.StreamAppend(context.Background(), model.StreamEvents("bybit", "BTCUSDT"), payload, 0)
	require.NoError(t, err)

	srv := newTestServer(t, brk, &fakeHot{})
	resp, err := http.Get(srv.URL + "/events/bybit/BTCUSDT")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out []json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out, 1)
}

func TestRESTMetricsExposed(t *testing.T) {
	srv := newTestServer(t, broker.NewMemory(), &fakeHot{})
	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAggregateKlines(t *testing.T) {
	in := []*model.Kline{
		{Start: 0, End: 60_000, Open: 1, High: 3, Low: 1, Close: 2, Volume: 10, Confirm: true},
		{Start: 60_000, End: 120_000, Open: 2, High: 5, Low: 0.5, Close: 4, Volume: 7, Confirm: true},
		{Start: 120_000, End: 180_000, Open: 4, High: 6, Low: 3, Close: 5, Volume: 3, Confirm: true},
	}
	out := aggregateKlines(in, 120_000)
	require.Len(t, out, 2)
	first := out[0]
	assert.Equal(t, int64(0), first.Start)
	assert.Equal(t, 1.0, first.Open)
	assert.Equal(t, 5.0, first.High)
	assert.Equal(t, 0.5, first.Low)
	assert.Equal(t, 4.0, first.Close)
	assert.Equal(t, 17.0, first.Volume)
}
