// Package supervisor is the control plane: it launches the per-symbol tasks,
// restarts them with jittered backoff when they exit, and exposes per-task
// liveness for the health endpoint.
package supervisor

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kisa134/trading/internal/metrics"
)

// ErrPark tells the supervisor a task hit an unrecoverable condition and
// must not be restarted (e.g. snapshot retries exhausted). The symbol stays
// parked until the process restarts.
var ErrPark = errors.New("task parked")

// TaskState is the lifecycle of one supervised task.
type TaskState string

const (
	StatePending TaskState = "pending"
	StateRunning TaskState = "running"
	StateBackoff TaskState = "backoff"
	StateParked  TaskState = "parked"
	StateStopped TaskState = "stopped"
)

// TaskFunc runs until its context is cancelled or it fails.
type TaskFunc func(ctx context.Context) error

// TaskStatus is the health view of one task.
type TaskStatus struct {
	Name        string    `json:"name"`
	State       TaskState `json:"state"`
	LastHBMsAgo int64     `json:"last_hb_ms_ago"`
	Restarts    int       `json:"restarts"`
}

type task struct {
	name string
	fn   TaskFunc

	mu       sync.Mutex
	state    TaskState
	lastBeat time.Time
	restarts int
}

// Supervisor runs a fixed set of registered tasks.
type Supervisor struct {
	log   zerolog.Logger
	mu    sync.Mutex
	tasks []*task
	wg    sync.WaitGroup
}

func New(log zerolog.Logger) *Supervisor {
	return &Supervisor{log: log.With().Str("component", "supervisor").Logger()}
}

// Register adds a task. The returned heartbeat func is cheap and safe to
// call from the task's own goroutine on every processed message.
func (s *Supervisor) Register(name string, fn TaskFunc) (heartbeat func()) {
	t := &task{name: name, fn: fn, state: StatePending, lastBeat: time.Now()}
	s.mu.Lock()
	s.tasks = append(s.tasks, t)
	s.mu.Unlock()
	return func() {
		t.mu.Lock()
		t.lastBeat = time.Now()
		t.mu.Unlock()
	}
}

// Run starts every registered task and blocks until ctx is cancelled and
// all tasks have drained.
func (s *Supervisor) Run(ctx context.Context) {
	s.mu.Lock()
	tasks := append([]*task(nil), s.tasks...)
	s.mu.Unlock()
	for _, t := range tasks {
		s.wg.Add(1)
		go s.supervise(ctx, t)
	}
	s.wg.Wait()
}

func (s *Supervisor) supervise(ctx context.Context, t *task) {
	defer s.wg.Done()
	backoff := time.Second
	for {
		t.setState(StateRunning)
		t.beat()
		err := t.fn(ctx)
		if ctx.Err() != nil {
			t.setState(StateStopped)
			return
		}
		if errors.Is(err, ErrPark) {
			s.log.Error().Err(err).Str("task", t.name).Msg("task parked")
			t.setState(StateParked)
			return
		}
		if err != nil {
			s.log.Warn().Err(err).Str("task", t.name).Msg("task exited, restarting")
		} else {
			s.log.Warn().Str("task", t.name).Msg("task returned, restarting")
		}
		metrics.TaskRestarts.WithLabelValues(t.name).Inc()
		t.bumpRestarts()
		t.setState(StateBackoff)
		// Full jitter keeps a burst of failing symbols from thundering back.
		delay := time.Duration(rand.Int63n(int64(backoff))) + 50*time.Millisecond
		select {
		case <-ctx.Done():
			t.setState(StateStopped)
			return
		case <-time.After(delay):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

// Snapshot returns the current status of every task.
func (s *Supervisor) Snapshot() []TaskStatus {
	s.mu.Lock()
	tasks := append([]*task(nil), s.tasks...)
	s.mu.Unlock()
	out := make([]TaskStatus, 0, len(tasks))
	now := time.Now()
	for _, t := range tasks {
		t.mu.Lock()
		out = append(out, TaskStatus{
			Name:        t.name,
			State:       t.state,
			LastHBMsAgo: now.Sub(t.lastBeat).Milliseconds(),
			Restarts:    t.restarts,
		})
		t.mu.Unlock()
	}
	return out
}

func (t *task) setState(st TaskState) {
	t.mu.Lock()
	t.state = st
	t.mu.Unlock()
}

func (t *task) beat() {
	t.mu.Lock()
	t.lastBeat = time.Now()
	t.mu.Unlock()
}

func (t *task) bumpRestarts() {
	t.mu.Lock()
	t.restarts++
	t.mu.Unlock()
}
