package syncer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"rarecandy/internal/ledger"
)

const (
	DefaultCountThreshold = 50
	DefaultTimeThreshold  = 10 * time.Second
	DefaultRetryMin       = time.Second
	DefaultRetryMax       = 30 * time.Second
	DefaultRetryAttempts  = 5

	defaultPollInterval = 250 * time.Millisecond
	defaultFlushTimeout = 15 * time.Second
)

var ErrClosed = errors.New("scheduler closed")

// Ledger is the part of *ledger.Ledger the scheduler drives.
type Ledger interface {
	Flush(ctx context.Context) error
	Snapshot() ledger.Snapshot
	Subscribe() <-chan struct{}
}

// Config tunes the scheduler. RetryAttempts caps consecutive failed attempts,
// the first one included. Zero values take the package defaults.
type Config struct {
	CountThreshold int
	TimeThreshold  time.Duration
	RetryMin       time.Duration
	RetryMax       time.Duration
	RetryAttempts  int
	PollInterval   time.Duration
	FlushTimeout   time.Duration

	Now     func() time.Time
	OnFatal func(error)
	Logger  *slog.Logger
}

func (c *Config) setDefaults() {
	if c.CountThreshold <= 0 {
		c.CountThreshold = DefaultCountThreshold
	}
	if c.TimeThreshold <= 0 {
		c.TimeThreshold = DefaultTimeThreshold
	}
	if c.RetryMin <= 0 {
		c.RetryMin = DefaultRetryMin
	}
	if c.RetryMax < c.RetryMin {
		c.RetryMax = DefaultRetryMax
		if c.RetryMax < c.RetryMin {
			c.RetryMax = c.RetryMin
		}
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = DefaultRetryAttempts
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = defaultFlushTimeout
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Scheduler decides when the ledger flushes: after CountThreshold balance
// events, after TimeThreshold of unsaved activity, on demand through FlushNow,
// and once more on Close. Retryable failures back off up to RetryMax; a fatal
// rejection stops automatic flushing and is handed to OnFatal.
type Scheduler struct {
	ledger Ledger
	cfg    Config
	log    *slog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	results chan error
	wg      sync.WaitGroup

	closeOnce sync.Once
	fatalOnce sync.Once
}

type loopState struct {
	started  time.Time
	attempts int
	backoff  time.Duration
	retry    *time.Timer
	retryC   <-chan time.Time
	stopped  bool
}

// New starts the scheduler loop.
func New(l Ledger, cfg Config) *Scheduler {
	cfg.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		ledger:  l,
		cfg:     cfg,
		log:     cfg.Logger,
		ctx:     ctx,
		cancel:  cancel,
		results: make(chan error, 8),
	}
	sub := l.Subscribe()
	st := &loopState{started: cfg.Now(), backoff: cfg.RetryMin}
	s.wg.Add(1)
	go s.run(sub, st)
	return s
}

// FlushNow flushes immediately and waits for the store to answer. Debiting
// flows call it before asking the store to spend.
func (s *Scheduler) FlushNow(ctx context.Context) error {
	if s.ctx.Err() != nil {
		return ErrClosed
	}
	err := s.ledger.Flush(ctx)
	if ctx.Err() == nil {
		select {
		case s.results <- err:
		default:
		}
	}
	return err
}

// Close stops automatic flushing and makes one last flush attempt. The
// returned error tells the caller whether unsaved gains remain.
func (s *Scheduler) Close(ctx context.Context) error {
	closed := false
	s.closeOnce.Do(func() {
		s.cancel()
		s.wg.Wait()
		closed = true
	})
	if !closed {
		return nil
	}
	if err := s.ledger.Flush(ctx); err != nil {
		s.log.Warn("final flush failed", "err", err)
		return err
	}
	return nil
}

func (s *Scheduler) run(sub <-chan struct{}, st *loopState) {
	defer s.wg.Done()
	poll := time.NewTicker(s.cfg.PollInterval)
	defer poll.Stop()
	defer st.stopRetry()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-sub:
			s.evaluate(st)
		case <-poll.C:
			s.evaluate(st)
		case <-st.retryC:
			st.retryC = nil
			if st.stopped {
				continue
			}
			s.log.Debug("retrying flush", "attempt", st.attempts+1)
			s.outcome(st, s.flush())
		case err := <-s.results:
			s.outcome(st, err)
		}
	}
}

func (s *Scheduler) evaluate(st *loopState) {
	if st.stopped {
		return
	}
	snap := s.ledger.Snapshot()
	if snap.Flushing || snap.Pending.IsZero() || snap.Events == 0 {
		return
	}
	if snap.Events >= s.cfg.CountThreshold {
		s.outcome(st, s.flush())
		return
	}
	anchor := snap.LastAttempt
	if anchor.Before(st.started) {
		anchor = st.started
	}
	if s.cfg.Now().Sub(anchor) >= s.cfg.TimeThreshold {
		s.outcome(st, s.flush())
	}
}

// flush is not tied to s.ctx. Close waits for an automatic flush to settle
// instead of abandoning a commit the store may already be applying.
func (s *Scheduler) flush() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.FlushTimeout)
	defer cancel()
	return s.ledger.Flush(ctx)
}

func (s *Scheduler) outcome(st *loopState, err error) {
	switch {
	case err == nil:
		st.attempts = 0
		st.backoff = s.cfg.RetryMin
		st.stopRetry()
	case s.ctx.Err() != nil:
		// closing; Close makes the last attempt
	case ledger.IsFatal(err):
		st.stopped = true
		st.stopRetry()
		s.log.Error("flush rejected, automatic sync stopped", "err", err)
		s.fatal(err)
	default:
		st.attempts++
		if st.attempts >= s.cfg.RetryAttempts {
			s.log.Warn("flush retries exhausted, waiting for new activity", "attempts", st.attempts, "err", err)
			st.attempts = 0
			st.backoff = s.cfg.RetryMin
			st.stopRetry()
			return
		}
		if st.retryC != nil {
			return
		}
		st.retry = time.NewTimer(st.backoff)
		st.retryC = st.retry.C
		st.backoff = nextBackoff(st.backoff, s.cfg.RetryMax)
	}
}

func (s *Scheduler) fatal(err error) {
	if s.cfg.OnFatal == nil {
		return
	}
	s.fatalOnce.Do(func() {
		go s.cfg.OnFatal(err)
	})
}

func (st *loopState) stopRetry() {
	if st.retry != nil {
		st.retry.Stop()
	}
	st.retry = nil
	st.retryC = nil
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max || next < current {
		return max
	}
	return next
}
