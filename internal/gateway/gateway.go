// Package gateway is the single client-facing surface: one WebSocket
// endpoint fanning broker pub/sub channels out per client subscription, and
// a REST read side over the hot view and the streams.
package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/kisa134/trading/internal/broker"
	"github.com/kisa134/trading/internal/metrics"
	"github.com/kisa134/trading/internal/model"
	"github.com/kisa134/trading/internal/supervisor"
)

// ClientError is a request the client got wrong: unknown channel, missing
// parameters. It maps to the 4400 close code on WebSocket and 400 on REST.
type ClientError struct {
	Msg string
}

func (e *ClientError) Error() string { return e.Msg }

// HotView is the read side the REST handlers bootstrap from.
type HotView interface {
	DOM(ex, sym string) (*model.BookUpdate, bool)
	RecentTrades(ex, sym string, limit int) []*model.Trade
}

// StatusFunc supplies the supervisor task table for /health.
type StatusFunc func() []supervisor.TaskStatus

// Server wires the gateway.
type Server struct {
	brk    broker.Broker
	hot    HotView
	status StatusFunc
	log    zerolog.Logger

	upgrader websocket.Upgrader
}

func New(brk broker.Broker, hot HotView, status StatusFunc, log zerolog.Logger) *Server {
	return &Server{
		brk:    brk,
		hot:    hot,
		status: status,
		log:    log.With().Str("component", "gateway").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Router builds the HTTP surface.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.handleWS)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/dom/{exchange}/{symbol}", s.handleDOM).Methods(http.MethodGet)
	r.HandleFunc("/trades/{exchange}/{symbol}", s.handleTrades).Methods(http.MethodGet)
	r.HandleFunc("/kline/{exchange}/{symbol}", s.handleKline).Methods(http.MethodGet)
	r.HandleFunc("/oi/{exchange}/{symbol}", s.streamHandler(model.StreamOI)).Methods(http.MethodGet)
	r.HandleFunc("/liquidations/{exchange}/{symbol}", s.streamHandler(model.StreamLiq)).Methods(http.MethodGet)
	r.HandleFunc("/heatmap/{exchange}/{symbol}", s.streamHandler(model.StreamHeatmap)).Methods(http.MethodGet)
	r.HandleFunc("/footprint/{exchange}/{symbol}", s.streamHandler(model.StreamFootprint)).Methods(http.MethodGet)
	r.HandleFunc("/events/{exchange}/{symbol}", s.streamHandler(model.StreamEvents)).Methods(http.MethodGet)
	r.HandleFunc("/tape/{exchange}/{symbol}", s.streamHandler(model.StreamTape)).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	tasks := s.status()
	status := "ok"
	for _, t := range tasks {
		if t.State == supervisor.StateParked {
			status = "degraded"
			break
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": status,
		"tasks":  tasks,
	})
}

func (s *Server) handleDOM(w http.ResponseWriter, r *http.Request) {
	v := mux.Vars(r)
	dom, ok := s.hot.DOM(v["exchange"], v["symbol"])
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no book for instrument"})
		return
	}
	writeJSON(w, http.StatusOK, dom)
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	v := mux.Vars(r)
	limit := queryInt(r, "limit", 100)
	writeJSON(w, http.StatusOK, s.hot.RecentTrades(v["exchange"], v["symbol"], limit))
}

// handleKline reads the 1m kline stream and optionally aggregates into
// larger minute buckets via ?interval=.
func (s *Server) handleKline(w http.ResponseWriter, r *http.Request) {
	v := mux.Vars(r)
	limit := queryInt(r, "limit", 200)
	interval := queryInt(r, "interval", 1)
	if interval < 1 {
		interval = 1
	}
	entries, err := s.brk.StreamRevRange(r.Context(), model.StreamKline(v["exchange"], v["symbol"]), int64(limit*interval*4))
	if err != nil {
		s.log.Warn().Err(err).Msg("kline range failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "broker unavailable"})
		return
	}
	klines := decodeKlines(entries)
	if interval > 1 {
		klines = aggregateKlines(klines, int64(interval)*60_000)
	}
	if len(klines) > limit {
		klines = klines[len(klines)-limit:]
	}
	writeJSON(w, http.StatusOK, klines)
}

// streamHandler serves the newest entries of one derived stream as a JSON
// array, oldest first.
func (s *Server) streamHandler(stream func(ex, sym string) string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v := mux.Vars(r)
		limit := queryInt(r, "limit", 100)
		entries, err := s.brk.StreamRevRange(r.Context(), stream(v["exchange"], v["symbol"]), int64(limit))
		if err != nil {
			s.log.Warn().Err(err).Msg("stream range failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "broker unavailable"})
			return
		}
		out := make([]json.RawMessage, 0, len(entries))
		for i := len(entries) - 1; i >= 0; i-- { // rev-range arrives newest first
			out = append(out, json.RawMessage(entries[i].Payload))
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// decodeKlines keeps the latest record per bar start: non-confirmed updates
// sharing a start are superseded, matching the stream's append semantics.
func decodeKlines(entries []broker.Entry) []*model.Kline {
	byStart := make(map[int64]*model.Kline)
	var order []int64
	for i := len(entries) - 1; i >= 0; i-- { // oldest first
		rec, err := model.Decode(entries[i].Payload)
		if err != nil {
			continue
		}
		k, ok := rec.(*model.Kline)
		if !ok {
			continue
		}
		if _, seen := byStart[k.Start]; !seen {
			order = append(order, k.Start)
		}
		byStart[k.Start] = k
	}
	out := make([]*model.Kline, 0, len(order))
	for _, start := range order {
		out = append(out, byStart[start])
	}
	return out
}

// aggregateKlines folds 1m candles into bucketMS buckets.
func aggregateKlines(in []*model.Kline, bucketMS int64) []*model.Kline {
	byBucket := make(map[int64]*model.Kline)
	var order []int64
	for _, k := range in {
		b := (k.Start / bucketMS) * bucketMS
		agg := byBucket[b]
		if agg == nil {
			c := *k
			c.Start = b
			c.End = b + bucketMS
			byBucket[b] = &c
			order = append(order, b)
			continue
		}
		if k.High > agg.High {
			agg.High = k.High
		}
		if k.Low < agg.Low {
			agg.Low = k.Low
		}
		agg.Close = k.Close
		agg.Volume += k.Volume
		agg.Confirm = agg.Confirm && k.Confirm
	}
	out := make([]*model.Kline, 0, len(order))
	for _, b := range order {
		out = append(out, byBucket[b])
	}
	return out
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// resolveChannels maps the public channel names onto broker pub/sub channel
// names for one instrument. Unknown names are a ClientError.
func resolveChannels(ex, sym string, channels []string) (map[string]string, error) {
	out := make(map[string]string, len(channels))
	for _, ch := range channels {
		var name string
		switch ch {
		case "orderbook_realtime":
			name = model.KeyDOM(ex, sym)
		case "trades_realtime":
			name = model.StreamTrades(ex, sym)
		case "kline":
			name = model.StreamKline(ex, sym)
		case "open_interest":
			name = model.StreamOI(ex, sym)
		case "liquidations":
			name = model.StreamLiq(ex, sym)
		case "heatmap_stream":
			name = model.StreamHeatmap(ex, sym)
		case "footprint_stream":
			name = model.StreamFootprint(ex, sym)
		case "events_stream":
			name = model.StreamEvents(ex, sym)
		case "scores.trend":
			name = model.StreamScoreTrend(ex, sym)
		case "scores.exhaustion":
			name = model.StreamScoreExhaustion(ex, sym)
		case "signals.rule_reversal":
			name = model.StreamSignalReversal(ex, sym)
		case "ai_response":
			name = fmt.Sprintf("ai_response:%s:%s", ex, sym)
		default:
			return nil, &ClientError{Msg: fmt.Sprintf("unknown channel %q", ch)}
		}
		out[name] = ch
	}
	return out, nil
}
