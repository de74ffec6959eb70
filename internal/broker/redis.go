package broker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const payloadField = "payload"

// Redis implements Broker on top of Redis streams, pub/sub and plain keys.
type Redis struct {
	rdb *redis.Client
	log zerolog.Logger

	mu     sync.Mutex
	groups map[string]struct{} // "stream/group" pairs already created
}

// NewRedis connects to the broker at url (redis:// form). The connection is
// verified with a ping so a bad BROKER_URL fails at startup, not first use.
func NewRedis(ctx context.Context, url string, log zerolog.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, &TransportError{Op: "parse url", Err: err}
	}
	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, &TransportError{Op: "ping", Err: err}
	}
	return &Redis{
		rdb:    rdb,
		log:    log.With().Str("component", "broker").Logger(),
		groups: make(map[string]struct{}),
	}, nil
}

func (r *Redis) StreamAppend(ctx context.Context, name string, payload []byte, maxLen int64) (string, error) {
	id, err := r.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: name,
		MaxLen: maxLen,
		Approx: true,
		Values: map[string]interface{}{payloadField: payload},
	}).Result()
	if err != nil {
		return "", &TransportError{Op: "xadd " + name, Err: err}
	}
	return id, nil
}

func (r *Redis) StreamRange(ctx context.Context, name, from, to string, limit int64) ([]Entry, error) {
	if from == "" {
		from = "-"
	}
	if to == "" {
		to = "+"
	}
	msgs, err := r.rdb.XRangeN(ctx, name, from, to, limit).Result()
	if err != nil {
		return nil, &TransportError{Op: "xrange " + name, Err: err}
	}
	return toEntries(msgs), nil
}

func (r *Redis) StreamRevRange(ctx context.Context, name string, limit int64) ([]Entry, error) {
	msgs, err := r.rdb.XRevRangeN(ctx, name, "+", "-", limit).Result()
	if err != nil {
		return nil, &TransportError{Op: "xrevrange " + name, Err: err}
	}
	return toEntries(msgs), nil
}

// ensureGroup creates the consumer group at the stream head once per process.
func (r *Redis) ensureGroup(ctx context.Context, name, group string) error {
	key := name + "/" + group
	r.mu.Lock()
	_, done := r.groups[key]
	r.mu.Unlock()
	if done {
		return nil
	}
	err := r.rdb.XGroupCreateMkStream(ctx, name, group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return &TransportError{Op: "xgroup create " + name, Err: err}
	}
	r.mu.Lock()
	r.groups[key] = struct{}{}
	r.mu.Unlock()
	return nil
}

func (r *Redis) StreamReadGroup(ctx context.Context, group, consumer string, names []string, block time.Duration, count int64) ([]StreamBatch, error) {
	for _, name := range names {
		if err := r.ensureGroup(ctx, name, group); err != nil {
			return nil, err
		}
	}
	streams := make([]string, 0, len(names)*2)
	streams = append(streams, names...)
	for range names {
		streams = append(streams, ">")
	}
	res, err := r.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  streams,
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil // block timeout, nothing new
		}
		return nil, &TransportError{Op: "xreadgroup", Err: err}
	}
	out := make([]StreamBatch, 0, len(res))
	for _, s := range res {
		out = append(out, StreamBatch{Stream: s.Stream, Entries: toEntries(s.Messages)})
	}
	return out, nil
}

func (r *Redis) Ack(ctx context.Context, name, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := r.rdb.XAck(ctx, name, group, ids...).Err(); err != nil {
		return &TransportError{Op: "xack " + name, Err: err}
	}
	return nil
}

func (r *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := r.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return &TransportError{Op: "publish " + channel, Err: err}
	}
	return nil
}

func (r *Redis) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	ps := r.rdb.Subscribe(ctx, channels...)
	// Force the SUBSCRIBE round trip so failures surface here.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, &TransportError{Op: "subscribe", Err: err}
	}
	return &redisSub{ps: ps}, nil
}

func (r *Redis) KVSet(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return &TransportError{Op: "set " + key, Err: err}
	}
	return nil
}

func (r *Redis) KVGet(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := r.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, &TransportError{Op: "get " + key, Err: err}
	}
	return v, true, nil
}

func (r *Redis) Close() error { return r.rdb.Close() }

type redisSub struct {
	ps *redis.PubSub
}

func (s *redisSub) Next(ctx context.Context) (Message, error) {
	msg, err := s.ps.ReceiveMessage(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return Message{}, ctx.Err()
		}
		return Message{}, &TransportError{Op: "receive", Err: err}
	}
	return Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}, nil
}

func (s *redisSub) Close() error { return s.ps.Close() }

func toEntries(msgs []redis.XMessage) []Entry {
	out := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		e := Entry{ID: m.ID}
		if v, ok := m.Values[payloadField]; ok {
			switch p := v.(type) {
			case string:
				e.Payload = []byte(p)
			case []byte:
				e.Payload = p
			}
		}
		out = append(out, e)
	}
	return out
}
