package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"rarecandy/internal/config"
	"rarecandy/internal/economy"
	"rarecandy/internal/ledger"
	"rarecandy/internal/passive"
	"rarecandy/internal/reward"
	"rarecandy/internal/syncer"
	"rarecandy/internal/syncq"
)

var ErrFatal = errors.New("session ended by the server")

// Store is the authoritative economy a session plays against.
type Store interface {
	ledger.Committer
	Profile(ctx context.Context) (economy.Profile, error)
	Upgrade(ctx context.Context, kind reward.Kind) (economy.Profile, error)
	Purchase(ctx context.Context, itemID int) (economy.Profile, error)
}

// Queue holds gains that a previous session failed to save.
type Queue interface {
	Take(playerID string) ([]syncq.Entry, error)
	Push(e syncq.Entry) error
}

type Deps struct {
	Store Store
	// Profile seeds the session. An empty PlayerID means load it from Store.
	Profile economy.Profile
	Config  config.Economy
	Logger  *slog.Logger
	Rand    reward.Source
	Queue   Queue

	Now     func() time.Time
	OnFatal func(error)
}

// Session owns one player's ledger, sync scheduler and passive generator.
type Session struct {
	store   Store
	queue   Queue
	log     *slog.Logger
	rand    reward.Source
	onFatal func(error)

	ledger *ledger.Ledger
	sched  *syncer.Scheduler
	gen    *passive.Generator

	mu      sync.RWMutex
	profile economy.Profile
	fatal   error

	closeOnce sync.Once
	closeErr  error
}

func New(ctx context.Context, deps Deps) (*Session, error) {
	if deps.Store == nil {
		return nil, errors.New("session: store is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Rand == nil {
		deps.Rand = reward.NewSource()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	profile := deps.Profile
	if profile.PlayerID == "" {
		p, err := deps.Store.Profile(ctx)
		if err != nil {
			return nil, fmt.Errorf("load profile: %w", err)
		}
		profile = p
	}
	profile.Levels = profile.Levels.Clone()

	s := &Session{
		store:   deps.Store,
		queue:   deps.Queue,
		log:     deps.Logger.With("player_id", profile.PlayerID),
		rand:    deps.Rand,
		onFatal: deps.OnFatal,
		profile: profile,
	}
	if balance, ok := s.replayQueued(ctx, profile.PlayerID); ok {
		s.profile.Balance = balance
	}
	s.ledger = ledger.New(deps.Store, s.profile.Balance, ledger.WithLogger(s.log), ledger.WithClock(deps.Now))

	cfg := deps.Config
	s.sched = syncer.New(s.ledger, syncer.Config{
		CountThreshold: cfg.CountThreshold,
		TimeThreshold:  cfg.TimeThreshold,
		RetryMin:       cfg.RetryMin,
		RetryMax:       cfg.RetryMax,
		RetryAttempts:  cfg.RetryAttempts,
		Now:            deps.Now,
		OnFatal:        s.handleFatal,
		Logger:         s.log,
	})
	s.gen = passive.New(s.ledger, s.tickReward, passive.Config{
		Interval: cfg.TickInterval,
		Logger:   s.log,
	})
	s.gen.SetAuthenticated(true)
	return s, nil
}

// replayQueued commits gains a previous session left behind, each under the
// key it was first sent with, so a commit the store already applied is not
// credited twice. Entries that fail go back to the queue. ok reports whether
// balance is the store's answer to the last successful commit.
func (s *Session) replayQueued(ctx context.Context, playerID string) (balance decimal.Decimal, ok bool) {
	if s.queue == nil {
		return decimal.Zero, false
	}
	entries, err := s.queue.Take(playerID)
	if err != nil {
		s.log.Warn("could not read unsynced gains", "err", err)
		return decimal.Zero, false
	}
	for i, e := range entries {
		b, err := s.store.Commit(ctx, e.Delta, e.IdempotencyKey)
		if err != nil {
			s.log.Warn("could not replay unsynced gains", "entries", len(entries)-i, "err", err)
			for _, rest := range entries[i:] {
				if perr := s.queue.Push(rest); perr != nil {
					s.log.Error("unsynced gains lost", "amount", rest.Delta.String(), "err", perr)
				}
			}
			return balance, ok
		}
		balance, ok = b, true
		s.log.Info("replayed unsynced gains", "amount", e.Delta.String(), "key", e.IdempotencyKey)
	}
	return balance, ok
}

func (s *Session) tickReward() decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return reward.TickReward(s.profile.Levels, len(s.profile.OwnedItems)).Amount
}

// Click performs one manual action and credits its reward.
func (s *Session) Click() (reward.Result, error) {
	if err := s.fatalErr(); err != nil {
		return reward.Result{}, err
	}
	s.mu.RLock()
	res := reward.ManualReward(s.profile.Levels, len(s.profile.OwnedItems), s.rand)
	s.mu.RUnlock()
	if err := s.ledger.Add(res.Amount); err != nil {
		return reward.Result{}, err
	}
	return res, nil
}

func (s *Session) SetPaused(paused bool) {
	s.gen.SetPaused(paused)
}

// Upgrade buys the next level of kind. Local gains are flushed first so the
// store debits against everything the player has earned.
func (s *Session) Upgrade(ctx context.Context, kind reward.Kind) (economy.Profile, error) {
	s.mu.RLock()
	level := s.profile.Levels.Level(kind)
	s.mu.RUnlock()
	cost, err := reward.UpgradeCost(kind, level)
	if err != nil {
		return economy.Profile{}, err
	}
	return s.debit(ctx, cost, func(ctx context.Context) (economy.Profile, error) {
		return s.store.Upgrade(ctx, kind)
	})
}

func (s *Session) Purchase(ctx context.Context, itemID int) (economy.Profile, error) {
	cost, err := reward.ItemCost(itemID)
	if err != nil {
		return economy.Profile{}, err
	}
	s.mu.RLock()
	owned := s.profile.Owns(itemID)
	s.mu.RUnlock()
	if owned {
		return economy.Profile{}, economy.ErrAlreadyOwned
	}
	return s.debit(ctx, cost, func(ctx context.Context) (economy.Profile, error) {
		return s.store.Purchase(ctx, itemID)
	})
}

func (s *Session) debit(ctx context.Context, cost decimal.Decimal, spend func(context.Context) (economy.Profile, error)) (economy.Profile, error) {
	if err := s.fatalErr(); err != nil {
		return economy.Profile{}, err
	}
	if err := ledger.CheckAffordable(s.ledger.Displayed(), cost); err != nil {
		return economy.Profile{}, err
	}
	if err := s.sched.FlushNow(ctx); err != nil {
		return economy.Profile{}, fmt.Errorf("save progress before spending: %w", err)
	}
	profile, err := spend(ctx)
	if err != nil {
		return economy.Profile{}, err
	}
	if err := s.AdoptProfile(profile); err != nil {
		return economy.Profile{}, err
	}
	return profile, nil
}

// AdoptProfile replaces levels and owned items with the store's view and
// rebases the balance. Unsaved gains stay pending on top of it.
func (s *Session) AdoptProfile(p economy.Profile) error {
	s.mu.Lock()
	if p.PlayerID == "" {
		p.PlayerID = s.profile.PlayerID
	}
	p.Levels = p.Levels.Clone()
	p.OwnedItems = append([]int(nil), p.OwnedItems...)
	s.profile = p
	s.mu.Unlock()
	return s.ledger.Adopt(p.Balance)
}

// Refresh reads the profile from the store and adopts it.
func (s *Session) Refresh(ctx context.Context) (economy.Profile, error) {
	p, err := s.store.Profile(ctx)
	if err != nil {
		return economy.Profile{}, err
	}
	return p, s.AdoptProfile(p)
}

// Profile returns the last adopted profile with the displayed balance.
func (s *Session) Profile() economy.Profile {
	s.mu.RLock()
	p := s.profile
	p.Levels = p.Levels.Clone()
	p.OwnedItems = append([]int(nil), p.OwnedItems...)
	s.mu.RUnlock()
	p.Balance = s.ledger.Displayed()
	return p
}

func (s *Session) Balance() decimal.Decimal {
	return s.ledger.Displayed()
}

func (s *Session) Snapshot() ledger.Snapshot {
	return s.ledger.Snapshot()
}

func (s *Session) LastError() string {
	return s.ledger.LastError()
}

func (s *Session) DismissError() {
	s.ledger.DismissError()
}

// Fatal returns the error that ended the session, if any.
func (s *Session) Fatal() error {
	return s.fatalErr()
}

func (s *Session) fatalErr() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.fatal == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrFatal, s.fatal)
}

func (s *Session) handleFatal(err error) {
	s.mu.Lock()
	if s.fatal == nil {
		s.fatal = err
	}
	s.mu.Unlock()
	s.log.Error("sync stopped", "err", err)
	s.gen.SetAuthenticated(false)
	if s.onFatal != nil {
		s.onFatal(err)
	}
}

// Close stops passive gains and makes a final flush. Whatever could not be
// saved goes to the queue for the next session.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.gen.Stop()
		flushErr := s.sched.Close(ctx)
		snap := s.ledger.Snapshot()
		s.ledger.Close()

		unsaved := snap.Pending.Add(snap.InFlight)
		if flushErr == nil || unsaved.IsZero() {
			s.closeErr = flushErr
			return
		}
		if s.queue == nil {
			s.closeErr = fmt.Errorf("final flush: %w", flushErr)
			return
		}
		if err := s.queueUnsaved(snap); err != nil {
			s.closeErr = errors.Join(fmt.Errorf("final flush: %w", flushErr), fmt.Errorf("queue unsynced gains: %w", err))
			return
		}
		s.log.Warn("unsynced gains queued for next session", "amount", unsaved.String(), "err", flushErr)
		s.closeErr = fmt.Errorf("final flush: %w", flushErr)
	})
	return s.closeErr
}

// queueUnsaved keeps each unsaved amount under the key the store may already
// have seen it with.
func (s *Session) queueUnsaved(snap ledger.Snapshot) error {
	s.mu.RLock()
	playerID := s.profile.PlayerID
	s.mu.RUnlock()

	var errs []error
	for _, e := range []syncq.Entry{
		{PlayerID: playerID, Delta: snap.InFlight, IdempotencyKey: snap.InFlightKey},
		{PlayerID: playerID, Delta: snap.PendingKeyed, IdempotencyKey: snap.PendingKey},
		{PlayerID: playerID, Delta: snap.Pending.Sub(snap.PendingKeyed)},
	} {
		if e.Delta.IsZero() {
			continue
		}
		if e.IdempotencyKey == "" {
			e.IdempotencyKey = uuid.NewString()
		}
		if err := s.queue.Push(e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
