// Package analytics hosts the derived-data workers: tape, heatmap,
// footprint, iceberg, wall/spoof and trend. Each worker is a consumer group
// over the raw streams; processing is idempotent so at-least-once delivery
// after a restart converges to the same outputs.
package analytics

import (
	"context"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/kisa134/trading/internal/broker"
	"github.com/kisa134/trading/internal/metrics"
	"github.com/kisa134/trading/internal/model"
)

const (
	blockFor   = time.Second
	batchCount = 256
	hbTTL      = 10 * time.Second
)

// Worker is one analytics consumer. Handle is called per decoded record in
// stream order; Tick, when TickEvery > 0, fires on wall-clock time for
// workers with time-driven output (bar closes, residency checks, GC).
type Worker struct {
	Name      string
	Streams   []string
	Handle    func(ctx context.Context, stream string, rec model.Record) error
	Tick      func(ctx context.Context, now time.Time) error
	TickEvery time.Duration
}

// Run drives one worker until ctx is cancelled. Entries are always acked:
// a record that fails to process is counted and skipped, because redelivery
// would fail the same way and stall the group.
func Run(ctx context.Context, brk broker.Broker, w Worker, log zerolog.Logger, heartbeat func()) error {
	log = log.With().Str("worker", w.Name).Logger()
	if heartbeat == nil {
		heartbeat = func() {}
	}
	var tick <-chan time.Time
	if w.Tick != nil && w.TickEvery > 0 {
		t := time.NewTicker(w.TickEvery)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-tick:
			if err := w.Tick(ctx, now); err != nil {
				metrics.WorkerErrors.WithLabelValues(w.Name).Inc()
				log.Warn().Err(err).Msg("tick failed")
			}
			continue
		default:
		}

		batches, err := brk.StreamReadGroup(ctx, w.Name, w.Name+"-1", w.Streams, blockFor, batchCount)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Warn().Err(err).Msg("group read failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		heartbeat()
		hb := []byte(strconv.FormatInt(time.Now().UnixMilli(), 10))
		if err := brk.KVSet(ctx, model.KeyWorkerHB(w.Name), hb, hbTTL); err != nil {
			log.Warn().Err(err).Msg("heartbeat set failed")
		}
		for _, b := range batches {
			ids := make([]string, 0, len(b.Entries))
			for _, e := range b.Entries {
				ids = append(ids, e.ID)
				rec, derr := model.Decode(e.Payload)
				if derr != nil {
					metrics.WorkerErrors.WithLabelValues(w.Name).Inc()
					log.Warn().Err(derr).Str("stream", b.Stream).Msg("undecodable entry")
					continue
				}
				if herr := w.Handle(ctx, b.Stream, rec); herr != nil {
					metrics.WorkerErrors.WithLabelValues(w.Name).Inc()
					log.Warn().Err(herr).Str("stream", b.Stream).Msg("handle failed")
				}
			}
			if len(ids) == 0 {
				continue
			}
			if err := brk.Ack(ctx, b.Stream, w.Name, ids...); err != nil {
				log.Warn().Err(err).Str("stream", b.Stream).Msg("ack failed")
			}
		}
	}
}

// emit appends a record to its stream and mirrors it on the pub/sub channel
// of the same name. Broker failures are returned for the caller to count.
func emit(ctx context.Context, brk broker.Broker, name string, rec model.Record, maxLen int64) error {
	payload, err := model.Encode(rec)
	if err != nil {
		return err
	}
	if _, err := brk.StreamAppend(ctx, name, payload, maxLen); err != nil {
		return err
	}
	return brk.Publish(ctx, name, payload)
}
