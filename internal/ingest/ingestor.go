// Package ingest runs one state machine per (exchange, symbol): it keeps the
// live order book in sync against the venue sequence, resnapshots on gaps,
// and fans every canonical record out to the broker streams.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kisa134/trading/internal/book"
	"github.com/kisa134/trading/internal/broker"
	"github.com/kisa134/trading/internal/exchange"
	"github.com/kisa134/trading/internal/metrics"
	"github.com/kisa134/trading/internal/model"
	"github.com/kisa134/trading/internal/supervisor"
)

// State of the per-symbol machine, exposed for health.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnected    State = "connected"
	StateAwaitSnap    State = "await_snapshot"
	StateLive         State = "live"
)

// SequenceGapError reports a venue sequence discontinuity. It always leads
// to a resnapshot, never to a partial apply.
type SequenceGapError struct {
	Exchange string
	Symbol   string
	Expected int64
	Got      int64
}

func (e *SequenceGapError) Error() string {
	return fmt.Sprintf("%s %s: sequence gap: expected prev %d, got %d", e.Exchange, e.Symbol, e.Expected, e.Got)
}

// InvariantViolation reports a crossed book after an apply, which means the
// local state diverged from the venue and must be rebuilt.
type InvariantViolation struct {
	Exchange string
	Symbol   string
	BestBid  float64
	BestAsk  float64
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("%s %s: crossed book: bid %v >= ask %v", e.Exchange, e.Symbol, e.BestBid, e.BestAsk)
}

// Config tunes one ingestor. Zero values pick the defaults.
type Config struct {
	Depth            int           // REST snapshot depth (default 200)
	TopN             int           // levels published per DOM snapshot (default 200)
	SnapshotRetries  int           // REST attempts before parking (default 5)
	InstabilityLimit int           // resnapshots inside the window that flag the feed (default 5)
	InstabilityWin   time.Duration // default 1m
	maxBuffered      int
}

func (c *Config) defaults() {
	if c.Depth <= 0 {
		c.Depth = 200
	}
	if c.TopN <= 0 {
		c.TopN = 200
	}
	if c.SnapshotRetries <= 0 {
		c.SnapshotRetries = 5
	}
	if c.InstabilityLimit <= 0 {
		c.InstabilityLimit = 5
	}
	if c.InstabilityWin <= 0 {
		c.InstabilityWin = time.Minute
	}
	if c.maxBuffered <= 0 {
		c.maxBuffered = 4096
	}
}

// Status is the health view of one ingestor.
type Status struct {
	Exchange string `json:"exchange"`
	Symbol   string `json:"symbol"`
	State    State  `json:"state"`
	Unstable bool   `json:"unstable"`
	LastTS   int64  `json:"last_ts"`
}

// Ingestor owns one instrument end to end: WS session, book, broker writes.
type Ingestor struct {
	adapter   exchange.Adapter
	brk       broker.Broker
	symbol    string
	feeds     []exchange.Feed
	cfg       Config
	log       zerolog.Logger
	heartbeat func()

	book        *book.Book
	lastApplied int64

	mu        sync.Mutex
	state     State
	lastTS    int64
	resnapLog []time.Time
}

// New builds an ingestor. heartbeat may be nil.
func New(adapter exchange.Adapter, brk broker.Broker, symbol string, cfg Config, log zerolog.Logger, heartbeat func()) *Ingestor {
	cfg.defaults()
	if heartbeat == nil {
		heartbeat = func() {}
	}
	return &Ingestor{
		adapter:   adapter,
		brk:       brk,
		symbol:    symbol,
		feeds:     exchange.AllFeeds,
		cfg:       cfg,
		log:       log.With().Str("component", "ingestor").Str("exchange", adapter.Name()).Str("symbol", symbol).Logger(),
		heartbeat: heartbeat,
		book:      book.New(),
		state:     StateDisconnected,
	}
}

// Status returns the current health view.
func (i *Ingestor) Status() Status {
	i.mu.Lock()
	defer i.mu.Unlock()
	return Status{
		Exchange: i.adapter.Name(),
		Symbol:   i.symbol,
		State:    i.state,
		Unstable: i.unstableLocked(time.Now()),
		LastTS:   i.lastTS,
	}
}

// Run drives the machine until ctx is cancelled. It returns ErrPark-wrapped
// errors when the symbol cannot be synced at all; everything else is retried
// here with backoff.
func (i *Ingestor) Run(ctx context.Context) error {
	backoff := exchange.NewBackoff()
	for {
		err := i.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		i.setState(StateDisconnected)
		if errors.Is(err, supervisor.ErrPark) {
			return err
		}
		i.log.Warn().Err(err).Msg("session ended, reconnecting")
		if serr := backoff.Sleep(ctx); serr != nil {
			return nil
		}
	}
}

// session is one WebSocket lifetime: subscribe, sync, then stay live until
// the socket drops. Gaps and crossed books resync in place over the same
// socket; only disconnects leave this function.
func (i *Ingestor) session(ctx context.Context) error {
	stream, err := i.adapter.Subscribe(ctx, i.symbol, i.feeds)
	if err != nil {
		return err
	}
	defer stream.Close()
	i.setState(StateConnected)

	if err := i.sync(ctx, stream); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case rec, ok := <-stream.Events():
			if !ok {
				return stream.Err()
			}
			i.heartbeat()
			u, isBook := rec.(*model.BookUpdate)
			if !isBook {
				i.forward(ctx, rec)
				continue
			}
			if err := i.applyLive(ctx, u); err != nil {
				i.log.Warn().Err(err).Msg("book diverged, resnapshotting")
				i.markResnapshot()
				if err := i.sync(ctx, stream); err != nil {
					return err
				}
			}
		}
	}
}

// applyLive applies one live book update, validating sequence continuity and
// the uncrossed invariant. In-band snapshots reset the book unconditionally.
func (i *Ingestor) applyLive(ctx context.Context, u *model.BookUpdate) error {
	if u.Kind == model.KindSnapshot {
		i.book.ApplySnapshot(u)
		i.lastApplied = u.UpdateID
		i.afterApply(ctx, u.TS)
		return nil
	}
	if u.UpdateID <= i.lastApplied {
		return nil // stale replay, drop
	}
	if i.lastApplied > 0 && u.PrevUpdateID != i.lastApplied {
		metrics.SequenceGaps.WithLabelValues(i.adapter.Name(), i.symbol).Inc()
		return &SequenceGapError{Exchange: i.adapter.Name(), Symbol: i.symbol, Expected: i.lastApplied, Got: u.PrevUpdateID}
	}
	i.book.ApplyDelta(u)
	i.lastApplied = u.UpdateID
	if i.book.Crossed() {
		bb, _ := i.book.BestBid()
		ba, _ := i.book.BestAsk()
		return &InvariantViolation{Exchange: i.adapter.Name(), Symbol: i.symbol, BestBid: bb.Price, BestAsk: ba.Price}
	}
	i.afterApply(ctx, u.TS)
	return nil
}

// sync rebuilds the book: a REST snapshot is fetched while live deltas are
// buffered, then the buffer is reconciled against the snapshot sequence.
// Venues that re-send an in-band sequenced snapshot (bybit restarts, okx
// books subscribe) short-circuit the REST path when theirs arrives first.
func (i *Ingestor) sync(ctx context.Context, stream exchange.Stream) error {
	i.setState(StateAwaitSnap)
	i.lastApplied = 0

	fetchCtx, cancelFetch := context.WithCancel(ctx)
	defer cancelFetch()
	snapCh := make(chan *model.BookUpdate, 1)
	errCh := make(chan error, 1)
	go func() {
		snap, err := i.fetchSnapshot(fetchCtx)
		if err != nil {
			errCh <- err
			return
		}
		snapCh <- snap
	}()

	var buffered []*model.BookUpdate
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			return err
		case snap := <-snapCh:
			if snap.UpdateID == 0 {
				// Unsequenced REST book (okx): publish it as a warm start and
				// keep waiting for the in-band sequenced snapshot. Buffered
				// deltas cannot be reconciled without a base, drop them.
				i.book.ApplySnapshot(snap)
				i.afterApply(ctx, snap.TS)
				buffered = buffered[:0]
				snapCh = nil
				continue
			}
			// A failed reconcile propagates up and restarts the whole
			// session from subscribe.
			if err := i.reconcile(ctx, snap, buffered); err != nil {
				return err
			}
			i.setState(StateLive)
			return nil
		case rec, ok := <-stream.Events():
			if !ok {
				return stream.Err()
			}
			i.heartbeat()
			u, isBook := rec.(*model.BookUpdate)
			if !isBook {
				i.forward(ctx, rec)
				continue
			}
			if u.Kind == model.KindSnapshot && u.UpdateID > 0 {
				cancelFetch()
				i.book.ApplySnapshot(u)
				i.lastApplied = u.UpdateID
				i.afterApply(ctx, u.TS)
				i.setState(StateLive)
				return nil
			}
			if u.Kind == model.KindDelta {
				buffered = append(buffered, u)
				if len(buffered) > i.cfg.maxBuffered {
					return &SequenceGapError{Exchange: i.adapter.Name(), Symbol: i.symbol, Expected: 0, Got: u.UpdateID}
				}
			}
		}
	}
}

// reconcile applies a sequenced REST snapshot plus the deltas buffered while
// it was in flight. Deltas at or before the snapshot sequence are discarded;
// the first remaining delta must bridge the snapshot or the whole sync is a
// gap.
func (i *Ingestor) reconcile(ctx context.Context, snap *model.BookUpdate, buffered []*model.BookUpdate) error {
	pending := buffered[:0:0]
	for _, u := range buffered {
		if u.UpdateID > snap.UpdateID {
			pending = append(pending, u)
		}
	}
	if len(pending) > 0 && pending[0].PrevUpdateID > snap.UpdateID {
		metrics.SequenceGaps.WithLabelValues(i.adapter.Name(), i.symbol).Inc()
		return &SequenceGapError{Exchange: i.adapter.Name(), Symbol: i.symbol, Expected: snap.UpdateID, Got: pending[0].PrevUpdateID}
	}
	i.book.ApplySnapshot(snap)
	i.lastApplied = snap.UpdateID
	for _, u := range pending {
		if u.PrevUpdateID > i.lastApplied {
			metrics.SequenceGaps.WithLabelValues(i.adapter.Name(), i.symbol).Inc()
			return &SequenceGapError{Exchange: i.adapter.Name(), Symbol: i.symbol, Expected: i.lastApplied, Got: u.PrevUpdateID}
		}
		i.book.ApplyDelta(u)
		i.lastApplied = u.UpdateID
	}
	if i.book.Crossed() {
		bb, _ := i.book.BestBid()
		ba, _ := i.book.BestAsk()
		return &InvariantViolation{Exchange: i.adapter.Name(), Symbol: i.symbol, BestBid: bb.Price, BestAsk: ba.Price}
	}
	i.afterApply(ctx, snap.TS)
	return nil
}

// fetchSnapshot retries the REST book with backoff. Exhausting the attempts
// parks the symbol: something is wrong enough that hammering the venue will
// not fix it.
func (i *Ingestor) fetchSnapshot(ctx context.Context) (*model.BookUpdate, error) {
	backoff := exchange.NewBackoff()
	var lastErr error
	for attempt := 0; attempt < i.cfg.SnapshotRetries; attempt++ {
		snap, err := i.adapter.FetchSnapshot(ctx, i.symbol, i.cfg.Depth)
		if err == nil {
			return snap, nil
		}
		lastErr = err
		i.log.Warn().Err(err).Int("attempt", attempt+1).Msg("snapshot fetch failed")
		if serr := backoff.Sleep(ctx); serr != nil {
			return nil, serr
		}
	}
	return nil, fmt.Errorf("snapshot failed after %d attempts: %v: %w", i.cfg.SnapshotRetries, lastErr, supervisor.ErrPark)
}

// afterApply publishes the top-N book state and refreshes gauges. Broker
// hiccups are logged and dropped; the next apply re-publishes a superseding
// snapshot anyway.
func (i *Ingestor) afterApply(ctx context.Context, ts int64) {
	i.mu.Lock()
	i.lastTS = ts
	i.mu.Unlock()
	nb, na := i.book.Len()
	metrics.BookLevels.WithLabelValues(i.adapter.Name(), i.symbol, "bid").Set(float64(nb))
	metrics.BookLevels.WithLabelValues(i.adapter.Name(), i.symbol, "ask").Set(float64(na))

	snap := i.book.Snapshot(i.adapter.Name(), i.symbol, i.cfg.TopN)
	payload, err := model.Encode(snap)
	if err != nil {
		i.log.Error().Err(err).Msg("encode dom snapshot")
		return
	}
	name := model.StreamDOM(i.adapter.Name(), i.symbol)
	if _, err := i.brk.StreamAppend(ctx, name, payload, model.MaxLenDOM); err != nil {
		i.log.Warn().Err(err).Str("stream", name).Msg("dom append failed")
	}
}

// forward routes non-book records to their streams and pub/sub channels.
// These flow regardless of book sync state.
func (i *Ingestor) forward(ctx context.Context, rec model.Record) {
	var name string
	var maxLen int64
	ex := i.adapter.Name()
	switch rec.RecordKind() {
	case model.KindTrade:
		name, maxLen = model.StreamTrades(ex, i.symbol), model.MaxLenTrades
	case model.KindKline:
		name, maxLen = model.StreamKline(ex, i.symbol), model.MaxLenKline
	case model.KindOpenInterest:
		name, maxLen = model.StreamOI(ex, i.symbol), model.MaxLenOI
	case model.KindLiquidation:
		name, maxLen = model.StreamLiq(ex, i.symbol), model.MaxLenLiq
	default:
		return
	}
	payload, err := model.Encode(rec)
	if err != nil {
		i.log.Error().Err(err).Str("kind", rec.RecordKind()).Msg("encode record")
		return
	}
	if _, err := i.brk.StreamAppend(ctx, name, payload, maxLen); err != nil {
		i.log.Warn().Err(err).Str("stream", name).Msg("append failed")
		return
	}
	if err := i.brk.Publish(ctx, name, payload); err != nil {
		i.log.Warn().Err(err).Str("channel", name).Msg("publish failed")
	}
}

func (i *Ingestor) setState(s State) {
	i.mu.Lock()
	i.state = s
	i.mu.Unlock()
}

// markResnapshot records a resync for the instability window.
func (i *Ingestor) markResnapshot() {
	metrics.Resnapshots.WithLabelValues(i.adapter.Name(), i.symbol).Inc()
	now := time.Now()
	i.mu.Lock()
	i.resnapLog = append(i.resnapLog, now)
	i.pruneResnapLocked(now)
	i.mu.Unlock()
}

func (i *Ingestor) pruneResnapLocked(now time.Time) {
	cut := now.Add(-i.cfg.InstabilityWin)
	k := 0
	for _, t := range i.resnapLog {
		if t.After(cut) {
			i.resnapLog[k] = t
			k++
		}
	}
	i.resnapLog = i.resnapLog[:k]
}

// unstableLocked reports whether the resnapshot rate exceeds the limit.
func (i *Ingestor) unstableLocked(now time.Time) bool {
	i.pruneResnapLocked(now)
	return len(i.resnapLog) >= i.cfg.InstabilityLimit
}
