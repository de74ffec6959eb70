// Package broker is the facade over the stream/cache broker. All durable
// cross-task communication goes through it: append-with-trim streams,
// range reads, consumer-group reads with acks, pub/sub fanout and typed
// key/value with TTL. Implementations must be safe for concurrent use.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Entry is one stream message.
type Entry struct {
	ID      string
	Payload []byte
}

// StreamBatch is the result of a group read for one stream.
type StreamBatch struct {
	Stream  string
	Entries []Entry
}

// Message is one pub/sub delivery.
type Message struct {
	Channel string
	Payload []byte
}

// Subscription is an open pub/sub tail. Next blocks until a message arrives
// or the context is done.
type Subscription interface {
	Next(ctx context.Context) (Message, error)
	Close() error
}

// Broker is the minimum contract every component depends on.
type Broker interface {
	// StreamAppend appends one message and trims the stream to approximately
	// maxLen entries. Returns the broker-assigned, monotonically increasing id.
	StreamAppend(ctx context.Context, name string, payload []byte, maxLen int64) (string, error)

	// StreamRange reads entries in [from, to] oldest-first, up to limit.
	// Empty from/to mean the stream boundaries.
	StreamRange(ctx context.Context, name, from, to string, limit int64) ([]Entry, error)

	// StreamRevRange reads the newest entries first, up to limit.
	StreamRevRange(ctx context.Context, name string, limit int64) ([]Entry, error)

	// StreamReadGroup reads from the named streams on behalf of a consumer
	// group, creating the group at stream head on first use. Pending entries
	// that were delivered but never acked are served before new ones so a
	// restarted consumer re-processes them (at-least-once).
	StreamReadGroup(ctx context.Context, group, consumer string, names []string, block time.Duration, count int64) ([]StreamBatch, error)

	// Ack commits entry ids for a group on one stream.
	Ack(ctx context.Context, name, group string, ids ...string) error

	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)

	KVSet(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// KVGet returns (value, true, nil) on hit and (nil, false, nil) on miss.
	KVGet(ctx context.Context, key string) ([]byte, bool, error)

	Close() error
}

// TransportError wraps broker/network failures. Callers retry with capped
// exponential backoff; it is never surfaced to gateway clients.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("broker %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransport reports whether err is (or wraps) a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
