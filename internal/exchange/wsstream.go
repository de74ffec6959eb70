package exchange

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/kisa134/trading/internal/metrics"
	"github.com/kisa134/trading/internal/model"
)

const (
	pingInterval = 20 * time.Second
	readTimeout  = 30 * time.Second
	writeTimeout = 5 * time.Second
)

// StreamConfig is what a venue package supplies to open a session; the
// dial/read/ping mechanics are shared here.
type StreamConfig struct {
	Exchange        string
	URL             string
	SubscribeFrames [][]byte
	// Parse turns one wire frame into zero or more canonical records.
	// A ProtocolError return drops the frame and keeps reading.
	Parse func(raw []byte) ([]model.Record, error)
	// PingFrame, when set, is sent as a text frame instead of a websocket
	// ping (bybit and okx expect an application-level "ping").
	PingFrame []byte
}

type wsStream struct {
	cfg    StreamConfig
	conn   *websocket.Conn
	events chan model.Record
	log    zerolog.Logger

	mu     sync.Mutex
	err    error
	closed bool
	done   chan struct{}
}

// OpenStream dials the venue, sends the subscription frames and starts the
// read and ping loops. One OpenStream call is one session; reconnect policy
// lives with the caller.
func OpenStream(ctx context.Context, cfg StreamConfig, log zerolog.Logger) (Stream, error) {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second
	conn, _, err := dialer.DialContext(ctx, cfg.URL, nil)
	if err != nil {
		return nil, &DisconnectError{Exchange: cfg.Exchange, Err: err}
	}
	s := &wsStream{
		cfg:    cfg,
		conn:   conn,
		events: make(chan model.Record, 256),
		log:    log.With().Str("exchange", cfg.Exchange).Logger(),
		done:   make(chan struct{}),
	}
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})
	for _, frame := range cfg.SubscribeFrames {
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			_ = conn.Close()
			return nil, &DisconnectError{Exchange: cfg.Exchange, Err: err}
		}
	}
	go s.readLoop()
	go s.pingLoop()
	return s, nil
}

func (s *wsStream) readLoop() {
	defer close(s.events)
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			s.fail(&DisconnectError{Exchange: s.cfg.Exchange, Err: err})
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(readTimeout))
		records, err := s.cfg.Parse(raw)
		if err != nil {
			metrics.ProtocolErrors.WithLabelValues(s.cfg.Exchange).Inc()
			s.log.Warn().Err(err).Msg("dropping malformed frame")
			continue
		}
		for _, r := range records {
			select {
			case s.events <- r:
			case <-s.done:
				return
			}
		}
	}
}

func (s *wsStream) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			var err error
			if len(s.cfg.PingFrame) > 0 {
				err = s.conn.WriteMessage(websocket.TextMessage, s.cfg.PingFrame)
			} else {
				err = s.conn.WriteMessage(websocket.PingMessage, nil)
			}
			if err != nil {
				s.fail(&DisconnectError{Exchange: s.cfg.Exchange, Err: err})
				_ = s.conn.Close()
				return
			}
		}
	}
}

func (s *wsStream) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.done)
	metrics.Disconnects.WithLabelValues(s.cfg.Exchange).Inc()
}

func (s *wsStream) Events() <-chan model.Record { return s.events }

func (s *wsStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *wsStream) Close() error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
	s.mu.Unlock()
	return s.conn.Close()
}

// Backoff produces full-jitter exponential delays: base 1 s doubling to a
// 30 s cap, the actual sleep drawn uniformly from (0, current].
type Backoff struct {
	Base    time.Duration
	Cap     time.Duration
	attempt int
}

// NewBackoff returns the venue reconnect policy.
func NewBackoff() *Backoff {
	return &Backoff{Base: time.Second, Cap: 30 * time.Second}
}

// Next returns the delay for the current attempt and advances.
func (b *Backoff) Next() time.Duration {
	d := b.Base << b.attempt
	if d > b.Cap || d <= 0 {
		d = b.Cap
	} else {
		b.attempt++
	}
	return time.Duration(rand.Int63n(int64(d))) + time.Millisecond
}

// Reset clears the attempt counter after a healthy session.
func (b *Backoff) Reset() { b.attempt = 0 }

// Sleep waits the next backoff delay or until ctx is done.
func (b *Backoff) Sleep(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(b.Next()):
		return nil
	}
}
