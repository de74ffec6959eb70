package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/kisa134/trading/internal/broker"
	"github.com/kisa134/trading/internal/metrics"
	"github.com/kisa134/trading/internal/model"
)

const (
	// Close code for client mistakes (unknown channel, bad params).
	closeBadRequest = 4400

	queueCap      = 1024
	queueLowWater = 512

	pingInterval  = 20 * time.Second
	writeTimeout  = 5 * time.Second
	maxMissedPong = 2
)

// frame is the envelope every client message travels in. Type is set only
// on the bootstrap DOM frame.
type frame struct {
	Stream string          `json:"stream"`
	Type   string          `json:"type,omitempty"`
	Data   json.RawMessage `json:"data"`
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ex, sym := q.Get("exchange"), q.Get("symbol")
	channels := strings.Split(q.Get("channels"), ",")
	for i := range channels {
		channels[i] = strings.TrimSpace(channels[i])
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	resolved, rerr := validate(ex, sym, channels)
	if rerr != nil {
		s.closeWith(conn, closeBadRequest, rerr.Error())
		return
	}

	c := &client{
		srv:      s,
		conn:     conn,
		exchange: ex,
		symbol:   sym,
		channels: resolved,
		log:      s.log.With().Str("remote", conn.RemoteAddr().String()).Logger(),
	}
	c.cond = sync.NewCond(&c.mu)
	metrics.ClientsConnected.Inc()
	defer metrics.ClientsConnected.Dec()
	c.run(r.Context())
}

func validate(ex, sym string, channels []string) (map[string]string, error) {
	if ex == "" || sym == "" {
		return nil, &ClientError{Msg: "exchange and symbol are required"}
	}
	if len(channels) == 0 || (len(channels) == 1 && channels[0] == "") {
		return nil, &ClientError{Msg: "at least one channel is required"}
	}
	return resolveChannels(ex, sym, channels)
}

func (s *Server) closeWith(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
	_ = conn.Close()
}

// client is one WebSocket session. The queue between the broker tail and
// the writer is bounded: when it fills, the oldest non-DOM frames are shed
// down to the low-water mark, and a newer DOM frame supersedes any queued
// one, because only the latest book state matters.
type client struct {
	srv      *Server
	conn     *websocket.Conn
	exchange string
	symbol   string
	channels map[string]string // broker channel -> public name
	log      zerolog.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []queued
	closed bool

	// seam: DOM frames at or before the bootstrap snapshot are duplicates
	snapTS int64
	snapID int64
}

type queued struct {
	isDOM bool
	data  []byte
}

func (c *client) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer c.conn.Close()

	// Tail first, bootstrap second: anything published between the two is
	// already in the queue, so the client never sees a hole.
	names := make([]string, 0, len(c.channels))
	for name := range c.channels {
		names = append(names, name)
	}
	sub, err := c.srv.brk.Subscribe(ctx, names...)
	if err != nil {
		c.log.Warn().Err(err).Msg("subscribe failed")
		c.srv.closeWith(c.conn, websocket.CloseInternalServerErr, "upstream unavailable")
		return
	}
	defer sub.Close()

	if err := c.bootstrap(ctx); err != nil {
		c.log.Warn().Err(err).Msg("bootstrap failed")
	}

	go c.readLoop(cancel)
	go c.tailLoop(ctx, sub, cancel)
	c.writeLoop(ctx, cancel)
}

// bootstrap sends the latest known DOM as the first frame when the book
// channel is subscribed.
func (c *client) bootstrap(ctx context.Context) error {
	domChannel := model.KeyDOM(c.exchange, c.symbol)
	public, ok := c.channels[domChannel]
	if !ok {
		return nil
	}
	value, hit, err := c.srv.brk.KVGet(ctx, domChannel)
	if err != nil || !hit {
		return err
	}
	rec, err := model.Decode(value)
	if err != nil {
		return err
	}
	if u, ok := rec.(*model.BookUpdate); ok {
		c.snapTS, c.snapID = u.TS, u.UpdateID
	}
	data, err := json.Marshal(frame{Stream: public, Type: "dom", Data: value})
	if err != nil {
		return err
	}
	c.push(queued{isDOM: true, data: data})
	return nil
}

// tailLoop moves broker messages into the client queue.
func (c *client) tailLoop(ctx context.Context, sub broker.Subscription, cancel context.CancelFunc) {
	defer cancel()
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			return
		}
		public := c.channels[msg.Channel]
		isDOM := public == "orderbook_realtime"
		if isDOM && c.isSeamDuplicate(msg.Payload) {
			continue
		}
		data, err := json.Marshal(frame{Stream: public, Data: msg.Payload})
		if err != nil {
			continue
		}
		c.push(queued{isDOM: isDOM, data: data})
	}
}

// isSeamDuplicate drops DOM messages not newer than the bootstrap snapshot.
func (c *client) isSeamDuplicate(payload []byte) bool {
	if c.snapTS == 0 && c.snapID == 0 {
		return false
	}
	var head struct {
		TS       int64 `json:"ts"`
		UpdateID int64 `json:"update_id"`
	}
	if err := json.Unmarshal(payload, &head); err != nil {
		return false
	}
	if head.TS != c.snapTS {
		return head.TS < c.snapTS
	}
	return head.UpdateID <= c.snapID
}

// push enqueues one frame, applying the shed policy under the lock.
func (c *client) push(m queued) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if m.isDOM {
		// Supersede: a queued DOM frame is stale the moment a newer one
		// exists.
		for i := len(c.queue) - 1; i >= 0; i-- {
			if c.queue[i].isDOM {
				c.queue = append(c.queue[:i], c.queue[i+1:]...)
				metrics.QueueDrops.WithLabelValues("superseded").Inc()
				break
			}
		}
	}
	if len(c.queue) >= queueCap {
		need := len(c.queue) - queueLowWater
		kept := make([]queued, 0, queueLowWater+1)
		dropped := 0
		for _, q := range c.queue {
			if need > 0 && !q.isDOM {
				need--
				dropped++
				continue
			}
			kept = append(kept, q)
		}
		c.queue = kept
		metrics.QueueDrops.WithLabelValues("overflow").Add(float64(dropped))
	}
	c.queue = append(c.queue, m)
	c.cond.Signal()
}

// pop blocks until a frame is queued or the client is closed.
func (c *client) pop() ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.queue) == 0 && !c.closed {
		c.cond.Wait()
	}
	if c.closed {
		return nil, false
	}
	m := c.queue[0]
	c.queue = c.queue[1:]
	return m.data, true
}

func (c *client) shutdown() {
	c.mu.Lock()
	c.closed = true
	c.cond.Broadcast()
	c.mu.Unlock()
}

// writeLoop drains the queue and drives the ping cycle. Two consecutive
// pings without a pong close the session with 1011.
func (c *client) writeLoop(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()
	defer c.shutdown()

	var missed int
	var pongMu sync.Mutex
	c.conn.SetPongHandler(func(string) error {
		pongMu.Lock()
		missed = 0
		pongMu.Unlock()
		return nil
	})
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	frames := make(chan []byte)
	go func() {
		defer close(frames)
		for {
			data, ok := c.pop()
			if !ok {
				return
			}
			select {
			case frames <- data:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			pongMu.Lock()
			missed++
			dead := missed > maxMissedPong
			pongMu.Unlock()
			if dead {
				c.srv.closeWith(c.conn, websocket.CloseInternalServerErr, "pong timeout")
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		case data, ok := <-frames:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}

// readLoop exists to surface pongs and client closes.
func (c *client) readLoop(cancel context.CancelFunc) {
	defer cancel()
	defer c.shutdown()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
