package passive

import (
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

const DefaultInterval = time.Second

// Sink receives generated amounts. *ledger.Ledger satisfies it.
type Sink interface {
	Add(amount decimal.Decimal) error
}

// RewardFunc returns the amount for one tick, read from the current profile.
type RewardFunc func() decimal.Decimal

type Config struct {
	Interval time.Duration
	Logger   *slog.Logger
}

// Generator credits the sink once per interval while the player is
// authenticated and not paused. Stopping bumps a generation counter so a tick
// that raced with the stop never reaches the sink.
type Generator struct {
	sink     Sink
	reward   RewardFunc
	interval time.Duration
	log      *slog.Logger

	mu            sync.Mutex
	authenticated bool
	paused        bool
	generation    uint64
	stop          chan struct{}
	wg            sync.WaitGroup
}

func New(sink Sink, reward RewardFunc, cfg Config) *Generator {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Generator{
		sink:     sink,
		reward:   reward,
		interval: cfg.Interval,
		log:      cfg.Logger,
	}
}

func (g *Generator) SetAuthenticated(v bool) {
	g.mu.Lock()
	g.authenticated = v
	g.reconcileLocked()
	g.mu.Unlock()
}

func (g *Generator) SetPaused(v bool) {
	g.mu.Lock()
	g.paused = v
	g.reconcileLocked()
	g.mu.Unlock()
}

func (g *Generator) Running() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stop != nil
}

// Stop halts ticking and waits for the tick goroutine to exit.
func (g *Generator) Stop() {
	g.SetAuthenticated(false)
	g.wg.Wait()
}

func (g *Generator) reconcileLocked() {
	want := g.authenticated && !g.paused
	switch {
	case want && g.stop == nil:
		g.generation++
		g.stop = make(chan struct{})
		g.wg.Add(1)
		go g.loop(g.generation, g.stop)
	case !want && g.stop != nil:
		g.generation++
		close(g.stop)
		g.stop = nil
	}
}

func (g *Generator) loop(generation uint64, stop <-chan struct{}) {
	defer g.wg.Done()
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			g.tick(generation)
		}
	}
}

func (g *Generator) tick(generation uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if generation != g.generation {
		return
	}
	amount := g.reward()
	if !amount.IsPositive() {
		return
	}
	if err := g.sink.Add(amount); err != nil {
		g.log.Warn("passive tick dropped", "amount", amount.String(), "err", err)
	}
}
