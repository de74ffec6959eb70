package broker

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Memory is an in-process Broker used by tests and by components that want a
// broker-shaped seam without a live Redis. Semantics follow the real broker:
// approximate trims, group offsets, pending redelivery before new entries.
type Memory struct {
	mu      sync.Mutex
	seq     int64
	streams map[string][]Entry
	groups  map[string]*memGroup // stream/group
	subs    map[string][]*memSub // channel -> subscribers
	kv      map[string]kvEntry
	closed  bool
}

type memGroup struct {
	lastDelivered int64            // numeric part of the last id handed out
	pending       map[string]Entry // delivered, not yet acked
}

type kvEntry struct {
	value []byte
	exp   time.Time
}

type memSub struct {
	ch     chan Message
	parent *Memory
	names  []string
	once   sync.Once
}

// NewMemory returns an empty in-memory broker.
func NewMemory() *Memory {
	return &Memory{
		streams: make(map[string][]Entry),
		groups:  make(map[string]*memGroup),
		subs:    make(map[string][]*memSub),
		kv:      make(map[string]kvEntry),
	}
}

func (m *Memory) StreamAppend(ctx context.Context, name string, payload []byte, maxLen int64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", &TransportError{Op: "xadd " + name, Err: errClosed}
	}
	m.seq++
	id := fmt.Sprintf("%d-0", m.seq)
	entries := append(m.streams[name], Entry{ID: id, Payload: append([]byte(nil), payload...)})
	if maxLen > 0 && int64(len(entries)) > maxLen {
		entries = entries[int64(len(entries))-maxLen:]
	}
	m.streams[name] = entries
	return id, nil
}

func (m *Memory) StreamRange(ctx context.Context, name, from, to string, limit int64) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lo := idNum(from, 0)
	hi := idNum(to, 1<<62)
	var out []Entry
	for _, e := range m.streams[name] {
		n := idNum(e.ID, 0)
		if n < lo || n > hi {
			continue
		}
		out = append(out, e)
		if limit > 0 && int64(len(out)) >= limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) StreamRevRange(ctx context.Context, name string, limit int64) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.streams[name]
	var out []Entry
	for i := len(entries) - 1; i >= 0; i-- {
		out = append(out, entries[i])
		if limit > 0 && int64(len(out)) >= limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) StreamReadGroup(ctx context.Context, group, consumer string, names []string, block time.Duration, count int64) ([]StreamBatch, error) {
	deadline := time.Now().Add(block)
	for {
		batches := m.tryReadGroup(group, names, count)
		if len(batches) > 0 {
			return batches, nil
		}
		if block <= 0 || time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (m *Memory) tryReadGroup(group string, names []string, count int64) []StreamBatch {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []StreamBatch
	for _, name := range names {
		g := m.group(name, group)
		var entries []Entry
		// Unacked deliveries first, oldest first.
		if len(g.pending) > 0 {
			for _, e := range g.pending {
				entries = append(entries, e)
			}
			sort.Slice(entries, func(i, j int) bool {
				return idNum(entries[i].ID, 0) < idNum(entries[j].ID, 0)
			})
			if count > 0 && int64(len(entries)) > count {
				entries = entries[:count]
			}
		} else {
			for _, e := range m.streams[name] {
				if idNum(e.ID, 0) <= g.lastDelivered {
					continue
				}
				entries = append(entries, e)
				g.lastDelivered = idNum(e.ID, 0)
				g.pending[e.ID] = e
				if count > 0 && int64(len(entries)) >= count {
					break
				}
			}
		}
		if len(entries) > 0 {
			out = append(out, StreamBatch{Stream: name, Entries: entries})
		}
	}
	return out
}

func (m *Memory) group(name, group string) *memGroup {
	key := name + "/" + group
	g, ok := m.groups[key]
	if !ok {
		g = &memGroup{pending: make(map[string]Entry)}
		m.groups[key] = g
	}
	return g
}

func (m *Memory) Ack(ctx context.Context, name, group string, ids ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g := m.group(name, group)
	for _, id := range ids {
		delete(g.pending, id)
	}
	return nil
}

func (m *Memory) Publish(ctx context.Context, channel string, payload []byte) error {
	m.mu.Lock()
	subs := append([]*memSub(nil), m.subs[channel]...)
	m.mu.Unlock()
	msg := Message{Channel: channel, Payload: append([]byte(nil), payload...)}
	for _, s := range subs {
		select {
		case s.ch <- msg:
		default: // slow subscriber, message dropped like real pub/sub
		}
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	s := &memSub{ch: make(chan Message, 256), parent: m, names: channels}
	m.mu.Lock()
	for _, c := range channels {
		m.subs[c] = append(m.subs[c], s)
	}
	m.mu.Unlock()
	return s, nil
}

func (m *Memory) KVSet(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := kvEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.exp = time.Now().Add(ttl)
	}
	m.kv[key] = e
	return nil
}

func (m *Memory) KVGet(ctx context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.kv[key]
	if !ok || (!e.exp.IsZero() && time.Now().After(e.exp)) {
		return nil, false, nil
	}
	return e.value, true, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (s *memSub) Next(ctx context.Context) (Message, error) {
	select {
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case msg := <-s.ch:
		return msg, nil
	}
}

func (s *memSub) Close() error {
	s.once.Do(func() {
		s.parent.mu.Lock()
		for _, c := range s.names {
			subs := s.parent.subs[c]
			for i, sub := range subs {
				if sub == s {
					s.parent.subs[c] = append(subs[:i], subs[i+1:]...)
					break
				}
			}
		}
		s.parent.mu.Unlock()
	})
	return nil
}

var errClosed = fmt.Errorf("broker closed")

func idNum(id string, def int64) int64 {
	if id == "" || id == "-" || id == "+" {
		return def
	}
	if i := strings.IndexByte(id, '-'); i >= 0 {
		id = id[:i]
	}
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return def
	}
	return n
}
