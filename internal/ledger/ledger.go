package ledger

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const defaultFollowUpTimeout = 15 * time.Second

// Committer is the authoritative store as seen by the ledger. Commit applies a
// signed delta and returns the canonical balance afterwards. A key the store
// has already applied must not be applied again.
type Committer interface {
	Commit(ctx context.Context, delta decimal.Decimal, key string) (decimal.Decimal, error)
}

type Snapshot struct {
	Displayed   decimal.Decimal
	Confirmed   decimal.Decimal
	InFlight    decimal.Decimal
	Pending     decimal.Decimal
	Events      int
	LastAttempt time.Time
	Flushing    bool
	LastError   string

	// InFlightKey is the idempotency key of the commit in flight. PendingKeyed
	// is the part of Pending that a failed commit already sent under PendingKey;
	// the rest of Pending has never been sent.
	InFlightKey  string
	PendingKey   string
	PendingKeyed decimal.Decimal

	// QueuedFlushes counts callers waiting on the follow-up flush.
	QueuedFlushes int
}

type Option func(*Ledger)

func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.log = logger
		}
	}
}

// WithKeys overrides how commit idempotency keys are generated.
func WithKeys(next func() string) Option {
	return func(l *Ledger) {
		if next != nil {
			l.newKey = next
		}
	}
}

// WithFollowUpTimeout bounds a follow-up flush, which runs on behalf of every
// queued caller rather than any one caller's context.
func WithFollowUpTimeout(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.followUpTimeout = d
		}
	}
}

// WithClock overrides time.Now for LastAttempt stamps.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// Ledger keeps the player's balance as confirmed + in-flight + pending. A single
// goroutine owns that state; every public method is a message to it.
type Ledger struct {
	store  Committer
	log    *slog.Logger
	now    func() time.Time
	newKey func() string

	followUpTimeout time.Duration

	msgs      chan any
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type state struct {
	confirmed   decimal.Decimal
	inFlight    decimal.Decimal
	pending     decimal.Decimal
	events      int
	lastAttempt time.Time
	lastError   string
	inFlightKey string
	pendingKey  string
	keyed       decimal.Decimal
	partial     bool

	flushing bool
	waiters  []chan error
	queued   []chan error

	subscribers []chan struct{}
}

type changeMsg struct {
	amount decimal.Decimal
	reply  chan struct{}
}

type flushMsg struct {
	ctx   context.Context
	reply chan error
}

type flushResultMsg struct {
	balance decimal.Decimal
	err     error
}

type adoptMsg struct {
	balance decimal.Decimal
	reply   chan struct{}
}

type snapshotMsg struct {
	reply chan Snapshot
}

type dismissMsg struct{}

type subscribeMsg struct {
	ch chan struct{}
}

func New(store Committer, initial decimal.Decimal, opts ...Option) *Ledger {
	l := &Ledger{
		store:  store,
		log:    slog.Default(),
		now:    time.Now,
		newKey: uuid.NewString,
		msgs:   make(chan any, 64),
		done:   make(chan struct{}),

		followUpTimeout: defaultFollowUpTimeout,
	}
	for _, opt := range opts {
		opt(l)
	}
	st := &state{confirmed: initial}
	l.wg.Add(1)
	go l.run(st)
	return l
}

// Close stops the actor. The result of an in-flight commit is dropped; callers
// that want their gains saved flush before closing.
func (l *Ledger) Close() {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
}

// Add credits amount to the pending delta.
func (l *Ledger) Add(amount decimal.Decimal) error {
	if amount.IsNegative() {
		return ErrNegativeAmount
	}
	return l.change(amount)
}

// Deduct debits amount from the pending delta. Affordability is the caller's
// job; see CheckAffordable.
func (l *Ledger) Deduct(amount decimal.Decimal) error {
	if amount.IsNegative() {
		return ErrNegativeAmount
	}
	return l.change(amount.Neg())
}

func (l *Ledger) change(amount decimal.Decimal) error {
	reply := make(chan struct{})
	if err := l.send(changeMsg{amount: amount, reply: reply}); err != nil {
		return err
	}
	select {
	case <-reply:
		return nil
	case <-l.done:
		return ErrClosed
	}
}

// Flush commits the pending delta and waits for the outcome. With nothing
// pending and nothing in flight it returns nil without calling the store. A
// flush requested while another is in flight runs once that one settles.
func (l *Ledger) Flush(ctx context.Context) error {
	reply := make(chan error, 1)
	if err := l.send(flushMsg{ctx: ctx, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		return ErrClosed
	}
}

// Adopt takes a balance read from the store outside the flush path. Pending
// and in-flight amounts are kept on top of it.
func (l *Ledger) Adopt(balance decimal.Decimal) error {
	reply := make(chan struct{})
	if err := l.send(adoptMsg{balance: balance, reply: reply}); err != nil {
		return err
	}
	select {
	case <-reply:
		return nil
	case <-l.done:
		return ErrClosed
	}
}

func (l *Ledger) Snapshot() Snapshot {
	reply := make(chan Snapshot, 1)
	if err := l.send(snapshotMsg{reply: reply}); err != nil {
		return Snapshot{}
	}
	select {
	case s := <-reply:
		return s
	case <-l.done:
		return Snapshot{}
	}
}

func (l *Ledger) Displayed() decimal.Decimal {
	return l.Snapshot().Displayed
}

func (l *Ledger) LastError() string {
	return l.Snapshot().LastError
}

func (l *Ledger) DismissError() {
	_ = l.send(dismissMsg{})
}

// Subscribe returns a channel that receives a signal after every state change.
// Signals coalesce; read Snapshot for the current values.
func (l *Ledger) Subscribe() <-chan struct{} {
	ch := make(chan struct{}, 1)
	_ = l.send(subscribeMsg{ch: ch})
	return ch
}

func (l *Ledger) send(msg any) error {
	select {
	case <-l.done:
		return ErrClosed
	default:
	}
	select {
	case l.msgs <- msg:
		return nil
	case <-l.done:
		return ErrClosed
	}
}

func (l *Ledger) run(st *state) {
	defer l.wg.Done()
	for {
		select {
		case msg := <-l.msgs:
			l.handle(st, msg)
		case <-l.done:
			for _, w := range append(st.waiters, st.queued...) {
				w <- ErrClosed
			}
			return
		}
	}
}

func (l *Ledger) handle(st *state, msg any) {
	switch m := msg.(type) {
	case changeMsg:
		st.pending = st.pending.Add(m.amount)
		st.events++
		close(m.reply)
		l.notify(st)
	case flushMsg:
		l.requestFlush(st, m.ctx, m.reply)
	case flushResultMsg:
		l.settle(st, m)
		l.notify(st)
	case adoptMsg:
		st.confirmed = m.balance
		close(m.reply)
		l.notify(st)
	case snapshotMsg:
		m.reply <- st.snapshot()
	case dismissMsg:
		st.lastError = ""
		l.notify(st)
	case subscribeMsg:
		st.subscribers = append(st.subscribers, m.ch)
	}
}

func (l *Ledger) requestFlush(st *state, ctx context.Context, reply chan error) {
	if st.flushing {
		st.queued = append(st.queued, reply)
		return
	}
	if st.pending.IsZero() {
		reply <- nil
		return
	}
	l.startFlush(st, ctx, nil, []chan error{reply})
}

// startFlush commits pending. An amount a failed commit already sent is resent
// alone under that commit's key so the store can drop it if it landed; the rest
// of pending follows once it settles.
func (l *Ledger) startFlush(st *state, ctx context.Context, cancel context.CancelFunc, waiters []chan error) {
	captured, key := st.pending, st.pendingKey
	if key != "" {
		captured = st.keyed
	} else {
		key = l.newKey()
	}
	st.pending = st.pending.Sub(captured)
	st.partial = !st.pending.IsZero()
	st.pendingKey, st.keyed = "", decimal.Zero
	st.inFlight = captured
	st.inFlightKey = key
	st.events = 0
	st.lastAttempt = l.now()
	st.flushing = true
	st.waiters = waiters
	l.notify(st)

	go func() {
		if cancel != nil {
			defer cancel()
		}
		balance, err := l.store.Commit(ctx, captured, key)
		select {
		case l.msgs <- flushResultMsg{balance: balance, err: err}:
		case <-l.done:
		}
	}()
}

func (l *Ledger) settle(st *state, res flushResultMsg) {
	captured, key, partial := st.inFlight, st.inFlightKey, st.partial
	st.inFlight = decimal.Zero
	st.inFlightKey = ""
	st.partial = false
	st.flushing = false
	waiters := st.waiters
	st.waiters = nil

	if res.err != nil {
		st.pendingKey, st.keyed = key, captured
		st.pending = st.pending.Add(captured)
		st.lastError = SaveFailedMessage
		l.log.Warn("ledger flush failed", "amount", captured.String(), "pending", st.pending.String(), "retryable", IsRetryable(res.err), "err", res.err)
		waiters = append(waiters, st.queued...)
		st.queued = nil
		for _, w := range waiters {
			w <- res.err
		}
		return
	}

	st.confirmed = res.balance
	st.lastError = ""
	l.log.Debug("ledger flush committed", "amount", captured.String(), "balance", res.balance.String())
	queued := st.queued
	st.queued = nil
	if partial && !st.pending.IsZero() {
		// the resent amount landed; the waiters asked for everything
		queued = append(waiters, queued...)
	} else {
		for _, w := range waiters {
			w <- nil
		}
	}

	if len(queued) == 0 {
		return
	}
	if st.pending.IsZero() {
		for _, w := range queued {
			w <- nil
		}
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), l.followUpTimeout)
	l.startFlush(st, ctx, cancel, queued)
}

func (l *Ledger) notify(st *state) {
	for _, ch := range st.subscribers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (st *state) snapshot() Snapshot {
	return Snapshot{
		Displayed:   st.confirmed.Add(st.inFlight).Add(st.pending),
		Confirmed:   st.confirmed,
		InFlight:    st.inFlight,
		Pending:     st.pending,
		Events:      st.events,
		LastAttempt: st.lastAttempt,
		Flushing:    st.flushing,
		LastError:   st.lastError,

		InFlightKey:  st.inFlightKey,
		PendingKey:   st.pendingKey,
		PendingKeyed: st.keyed,

		QueuedFlushes: len(st.queued),
	}
}
