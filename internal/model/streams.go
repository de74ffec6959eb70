package model

import "fmt"

// Canonical broker stream names, keyed by (exchange, symbol). Pub/sub
// channels mirror stream names one to one.
func StreamDOM(ex, sym string) string       { return fmt.Sprintf("dom:%s:%s", ex, sym) }
func StreamTrades(ex, sym string) string    { return fmt.Sprintf("trades:%s:%s", ex, sym) }
func StreamKline(ex, sym string) string     { return fmt.Sprintf("kline:%s:%s", ex, sym) }
func StreamOI(ex, sym string) string        { return fmt.Sprintf("oi:%s:%s", ex, sym) }
func StreamLiq(ex, sym string) string       { return fmt.Sprintf("liq:%s:%s", ex, sym) }
func StreamHeatmap(ex, sym string) string   { return fmt.Sprintf("heatmap:%s:%s", ex, sym) }
func StreamFootprint(ex, sym string) string { return fmt.Sprintf("footprint:%s:%s", ex, sym) }
func StreamEvents(ex, sym string) string    { return fmt.Sprintf("events:%s:%s", ex, sym) }
func StreamTape(ex, sym string) string      { return fmt.Sprintf("tape:%s:%s", ex, sym) }

func StreamScoreTrend(ex, sym string) string {
	return fmt.Sprintf("scores.trend:%s:%s", ex, sym)
}
func StreamScoreExhaustion(ex, sym string) string {
	return fmt.Sprintf("scores.exhaustion:%s:%s", ex, sym)
}
func StreamSignalReversal(ex, sym string) string {
	return fmt.Sprintf("signals.rule_reversal:%s:%s", ex, sym)
}

// KV keys. Each key has a single writer by convention. The kv: prefix keeps
// them out of the stream keyspace: Redis refuses a SET on a stream key.
func KeyDOM(ex, sym string) string   { return fmt.Sprintf("kv:dom:%s:%s", ex, sym) }
func KeyTape(ex, sym string) string  { return fmt.Sprintf("kv:tape:%s:%s", ex, sym) }
func KeyWorkerHB(name string) string { return fmt.Sprintf("kv:worker:%s:hb", name) }

// Approximate trim bounds per stream.
const (
	MaxLenDOM       = 10_000
	MaxLenTrades    = 10_000
	MaxLenKline     = 5_000
	MaxLenOI        = 5_000
	MaxLenLiq       = 10_000
	MaxLenHeatmap   = 10_000
	MaxLenFootprint = 5_000
	MaxLenEvents    = 10_000
	MaxLenTape      = 500
	MaxLenScores    = 500
	MaxLenSignals   = 200
)
