package ledger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

type commitCall struct {
	ctx   context.Context
	delta decimal.Decimal
	key   string
	done  chan commitResult
}

type commitResult struct {
	balance decimal.Decimal
	err     error
}

// gatedStore hands every commit to the test through calls and blocks until
// the test answers on the call's done channel.
type gatedStore struct {
	calls chan commitCall
}

func newGatedStore() *gatedStore {
	return &gatedStore{calls: make(chan commitCall, 8)}
}

func (s *gatedStore) Commit(ctx context.Context, delta decimal.Decimal, key string) (decimal.Decimal, error) {
	call := commitCall{ctx: ctx, delta: delta, key: key, done: make(chan commitResult, 1)}
	s.calls <- call
	select {
	case res := <-call.done:
		return res.balance, res.err
	case <-ctx.Done():
		return decimal.Zero, ctx.Err()
	}
}

func (s *gatedStore) next(t *testing.T) commitCall {
	t.Helper()
	select {
	case call := <-s.calls:
		return call
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for commit")
		return commitCall{}
	}
}

// bankStore applies deltas to an in-memory balance, optionally failing.
type bankStore struct {
	mu      sync.Mutex
	balance decimal.Decimal
	calls   int
	keys    []string
	fail    error
}

func (s *bankStore) Commit(_ context.Context, delta decimal.Decimal, key string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.keys = append(s.keys, key)
	if s.fail != nil {
		return decimal.Zero, s.fail
	}
	s.balance = s.balance.Add(delta)
	return s.balance, nil
}

func (s *bankStore) sentKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.keys...)
}

func (s *bankStore) setFail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = err
}

func (s *bankStore) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func mustEqual(t *testing.T, label string, got decimal.Decimal, want string) {
	t.Helper()
	if !got.Equal(d(want)) {
		t.Fatalf("%s: got %s want %s", label, got, want)
	}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestAddAndDeductTrackDisplayedBalance(t *testing.T) {
	l := New(&bankStore{}, d("10"), WithLogger(quietLogger()))
	defer l.Close()

	for _, v := range []string{"1.25", "2.75", "6"} {
		if err := l.Add(d(v)); err != nil {
			t.Fatalf("add %s: %v", v, err)
		}
	}
	if err := l.Deduct(d("5")); err != nil {
		t.Fatalf("deduct: %v", err)
	}

	snap := l.Snapshot()
	mustEqual(t, "displayed", snap.Displayed, "15")
	mustEqual(t, "confirmed", snap.Confirmed, "10")
	mustEqual(t, "pending", snap.Pending, "5")
	if snap.Events != 4 {
		t.Fatalf("events: got %d want 4", snap.Events)
	}
}

func TestNegativeAmountsRejected(t *testing.T) {
	l := New(&bankStore{}, decimal.Zero, WithLogger(quietLogger()))
	defer l.Close()

	if err := l.Add(d("-1")); !errors.Is(err, ErrNegativeAmount) {
		t.Fatalf("add: expected ErrNegativeAmount, got %v", err)
	}
	if err := l.Deduct(d("-1")); !errors.Is(err, ErrNegativeAmount) {
		t.Fatalf("deduct: expected ErrNegativeAmount, got %v", err)
	}
	mustEqual(t, "displayed", l.Displayed(), "0")
}

func TestFlushWithNothingPendingSkipsStore(t *testing.T) {
	store := &bankStore{}
	l := New(store, d("42"), WithLogger(quietLogger()))
	defer l.Close()

	for i := 0; i < 3; i++ {
		if err := l.Flush(context.Background()); err != nil {
			t.Fatalf("flush: %v", err)
		}
	}
	if store.callCount() != 0 {
		t.Fatalf("expected no commit calls, got %d", store.callCount())
	}
}

func TestFlushSuccessAdoptsCanonicalBalance(t *testing.T) {
	store := &bankStore{balance: d("100")}
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	l := New(store, d("100"), WithLogger(quietLogger()), WithClock(func() time.Time { return now }))
	defer l.Close()

	_ = l.Add(d("7.5"))
	if err := l.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	snap := l.Snapshot()
	mustEqual(t, "confirmed", snap.Confirmed, "107.5")
	mustEqual(t, "pending", snap.Pending, "0")
	mustEqual(t, "in flight", snap.InFlight, "0")
	if !snap.LastAttempt.Equal(now) {
		t.Fatalf("last attempt: got %v want %v", snap.LastAttempt, now)
	}
	if snap.Events != 0 {
		t.Fatalf("events should reset on capture, got %d", snap.Events)
	}
}

func TestConservationAcrossSuccessfulFlushes(t *testing.T) {
	store := &bankStore{}
	l := New(store, decimal.Zero, WithLogger(quietLogger()))
	defer l.Close()

	total := decimal.Zero
	for round := 1; round <= 5; round++ {
		for i := 0; i < round; i++ {
			amt := decimal.NewFromInt(int64(round*10 + i))
			total = total.Add(amt)
			_ = l.Add(amt)
		}
		if err := l.Flush(context.Background()); err != nil {
			t.Fatalf("round %d: %v", round, err)
		}
	}
	snap := l.Snapshot()
	if !snap.Confirmed.Equal(total) || !snap.Displayed.Equal(total) {
		t.Fatalf("conservation broken: confirmed=%s displayed=%s total=%s", snap.Confirmed, snap.Displayed, total)
	}
}

func TestFailedFlushMergesAmountsAccruedDuringAttempt(t *testing.T) {
	store := newGatedStore()
	l := New(store, decimal.Zero, WithLogger(quietLogger()))
	defer l.Close()

	_ = l.Add(d("10"))
	errc := make(chan error, 1)
	go func() { errc <- l.Flush(context.Background()) }()

	call := store.next(t)
	mustEqual(t, "captured", call.delta, "10")
	mustEqual(t, "displayed while in flight", l.Displayed(), "10")

	_ = l.Add(d("5"))
	call.done <- commitResult{err: &NetworkError{Op: "commit", Err: io.ErrUnexpectedEOF}}

	err := <-errc
	var netErr *NetworkError
	if !errors.As(err, &netErr) {
		t.Fatalf("expected NetworkError, got %v", err)
	}
	snap := l.Snapshot()
	mustEqual(t, "pending", snap.Pending, "15")
	mustEqual(t, "displayed", snap.Displayed, "15")
	if snap.LastError != SaveFailedMessage {
		t.Fatalf("last error: got %q", snap.LastError)
	}
}

func TestNetworkFailureRestoresPendingExactly(t *testing.T) {
	store := newGatedStore()
	l := New(store, d("50"), WithLogger(quietLogger()))
	defer l.Close()

	_ = l.Add(d("12.34"))
	before := l.Snapshot()

	errc := make(chan error, 1)
	go func() { errc <- l.Flush(context.Background()) }()
	call := store.next(t)

	during := l.Snapshot()
	if !during.Displayed.Equal(before.Displayed) {
		t.Fatalf("displayed moved during flush: %s -> %s", before.Displayed, during.Displayed)
	}
	mustEqual(t, "in flight", during.InFlight, "12.34")

	call.done <- commitResult{err: &NetworkError{Err: errors.New("connection refused")}}
	<-errc

	after := l.Snapshot()
	if !after.Pending.Equal(before.Pending) {
		t.Fatalf("pending: got %s want %s", after.Pending, before.Pending)
	}
	if !after.Displayed.Equal(before.Displayed) {
		t.Fatalf("displayed: got %s want %s", after.Displayed, before.Displayed)
	}
}

func TestAmountsAccruedDuringSuccessfulFlushStayPending(t *testing.T) {
	store := newGatedStore()
	l := New(store, d("1"), WithLogger(quietLogger()))
	defer l.Close()

	_ = l.Add(d("4"))
	errc := make(chan error, 1)
	go func() { errc <- l.Flush(context.Background()) }()
	call := store.next(t)

	_ = l.Add(d("2"))
	call.done <- commitResult{balance: d("5")}
	if err := <-errc; err != nil {
		t.Fatalf("flush: %v", err)
	}

	snap := l.Snapshot()
	mustEqual(t, "confirmed", snap.Confirmed, "5")
	mustEqual(t, "pending", snap.Pending, "2")
	mustEqual(t, "displayed", snap.Displayed, "7")
}

func TestFlushDuringFlightCoalescesIntoOneFollowUp(t *testing.T) {
	store := newGatedStore()
	l := New(store, decimal.Zero, WithLogger(quietLogger()))
	defer l.Close()

	_ = l.Add(d("3"))
	first := make(chan error, 1)
	go func() { first <- l.Flush(context.Background()) }()
	call := store.next(t)

	_ = l.Add(d("4"))
	queued := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() { queued <- l.Flush(context.Background()) }()
	}
	waitUntil(t, func() bool { return l.Snapshot().QueuedFlushes == 3 })

	call.done <- commitResult{balance: d("3")}
	if err := <-first; err != nil {
		t.Fatalf("first flush: %v", err)
	}

	follow := store.next(t)
	mustEqual(t, "follow-up delta", follow.delta, "4")
	follow.done <- commitResult{balance: d("7")}
	for i := 0; i < 3; i++ {
		if err := <-queued; err != nil {
			t.Fatalf("queued flush %d: %v", i, err)
		}
	}

	select {
	case extra := <-store.calls:
		t.Fatalf("unexpected extra commit of %s", extra.delta)
	case <-time.After(20 * time.Millisecond):
	}
	mustEqual(t, "confirmed", l.Snapshot().Confirmed, "7")
}

func TestQueuedFlushSharesFailure(t *testing.T) {
	store := newGatedStore()
	l := New(store, decimal.Zero, WithLogger(quietLogger()))
	defer l.Close()

	_ = l.Add(d("1"))
	first := make(chan error, 1)
	go func() { first <- l.Flush(context.Background()) }()
	call := store.next(t)

	second := make(chan error, 1)
	go func() { second <- l.Flush(context.Background()) }()
	waitUntil(t, func() bool { return l.Snapshot().QueuedFlushes == 1 })

	rejected := &RejectedError{Status: 429, Reason: "slow down", Retryable: true}
	call.done <- commitResult{err: rejected}
	if err := <-first; !errors.Is(err, rejected) {
		t.Fatalf("first: got %v", err)
	}
	if err := <-second; !errors.Is(err, rejected) {
		t.Fatalf("second: got %v", err)
	}
	mustEqual(t, "pending", l.Snapshot().Pending, "1")
}

func TestFollowUpFlushOutlivesCanceledCaller(t *testing.T) {
	store := newGatedStore()
	l := New(store, decimal.Zero, WithLogger(quietLogger()))
	defer l.Close()

	_ = l.Add(d("2"))
	first := make(chan error, 1)
	go func() { first <- l.Flush(context.Background()) }()
	call := store.next(t)

	_ = l.Add(d("5"))
	callerCtx, cancelCaller := context.WithCancel(context.Background())
	canceled := make(chan error, 1)
	go func() { canceled <- l.Flush(callerCtx) }()
	waitUntil(t, func() bool { return l.Snapshot().QueuedFlushes == 1 })
	background := make(chan error, 1)
	go func() { background <- l.Flush(context.Background()) }()
	waitUntil(t, func() bool { return l.Snapshot().QueuedFlushes == 2 })

	cancelCaller()
	if err := <-canceled; !errors.Is(err, context.Canceled) {
		t.Fatalf("canceled caller: got %v", err)
	}

	call.done <- commitResult{balance: d("2")}
	if err := <-first; err != nil {
		t.Fatalf("first flush: %v", err)
	}
	follow := store.next(t)
	if err := follow.ctx.Err(); err != nil {
		t.Fatalf("follow-up commit started with a dead context: %v", err)
	}
	mustEqual(t, "follow-up delta", follow.delta, "5")
	follow.done <- commitResult{balance: d("7")}
	if err := <-background; err != nil {
		t.Fatalf("background flush: %v", err)
	}
	mustEqual(t, "confirmed", l.Snapshot().Confirmed, "7")
}

func TestFollowUpFlushIsBounded(t *testing.T) {
	store := newGatedStore()
	l := New(store, decimal.Zero, WithLogger(quietLogger()), WithFollowUpTimeout(30*time.Millisecond))
	defer l.Close()

	_ = l.Add(d("1"))
	first := make(chan error, 1)
	go func() { first <- l.Flush(context.Background()) }()
	call := store.next(t)

	_ = l.Add(d("1"))
	queued := make(chan error, 1)
	go func() { queued <- l.Flush(context.Background()) }()
	waitUntil(t, func() bool { return l.Snapshot().QueuedFlushes == 1 })

	call.done <- commitResult{balance: d("1")}
	<-first
	store.next(t)
	if err := <-queued; !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected follow-up deadline, got %v", err)
	}
	mustEqual(t, "pending", l.Snapshot().Pending, "1")
}

func TestRetryResendsFailedAmountUnderSameKey(t *testing.T) {
	store := &bankStore{fail: &NetworkError{Err: io.EOF}}
	n := 0
	l := New(store, decimal.Zero, WithLogger(quietLogger()), WithKeys(func() string {
		n++
		return fmt.Sprintf("k%d", n)
	}))
	defer l.Close()

	_ = l.Add(d("4"))
	_ = l.Flush(context.Background())
	_ = l.Flush(context.Background())

	_ = l.Add(d("1"))
	snap := l.Snapshot()
	if snap.PendingKey != "k1" {
		t.Fatalf("pending key after new gains: got %q", snap.PendingKey)
	}
	mustEqual(t, "pending keyed", snap.PendingKeyed, "4")
	mustEqual(t, "pending", snap.Pending, "5")

	store.setFail(nil)
	if err := l.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}

	keys := store.sentKeys()
	want := []string{"k1", "k1", "k1", "k2"}
	if len(keys) != len(want) {
		t.Fatalf("keys sent: %v", keys)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("keys sent: got %v want %v", keys, want)
		}
	}
	snap = l.Snapshot()
	mustEqual(t, "confirmed", snap.Confirmed, "5")
	mustEqual(t, "pending", snap.Pending, "0")
	if snap.PendingKey != "" {
		t.Fatalf("pending key after success: got %q", snap.PendingKey)
	}
}

func TestLandedCommitWithLostAnswerIsNotCreditedTwice(t *testing.T) {
	store := newGatedStore()
	l := New(store, decimal.Zero, WithLogger(quietLogger()))
	defer l.Close()

	_ = l.Add(d("3"))
	done := make(chan error, 1)
	go func() { done <- l.Flush(context.Background()) }()
	call := store.next(t)
	if got := l.Snapshot().InFlightKey; got != call.key || got == "" {
		t.Fatalf("in-flight key: snapshot %q, sent %q", got, call.key)
	}

	// the store applied 3 but the answer never arrived
	_ = l.Add(d("1"))
	call.done <- commitResult{err: &NetworkError{Err: io.EOF}}
	<-done

	go func() { done <- l.Flush(context.Background()) }()
	resend := store.next(t)
	if resend.key != call.key {
		t.Fatalf("resend key: got %q want %q", resend.key, call.key)
	}
	mustEqual(t, "resend delta", resend.delta, "3")
	resend.done <- commitResult{balance: d("3")}

	rest := store.next(t)
	if rest.key == call.key {
		t.Fatalf("new gains must not reuse %q", call.key)
	}
	mustEqual(t, "remaining delta", rest.delta, "1")
	rest.done <- commitResult{balance: d("4")}
	if err := <-done; err != nil {
		t.Fatalf("flush: %v", err)
	}
	mustEqual(t, "confirmed", l.Snapshot().Confirmed, "4")
}

func TestAdoptKeepsPendingGains(t *testing.T) {
	l := New(&bankStore{}, d("10"), WithLogger(quietLogger()))
	defer l.Close()

	_ = l.Add(d("3"))
	if err := l.Adopt(d("100")); err != nil {
		t.Fatalf("adopt: %v", err)
	}
	snap := l.Snapshot()
	mustEqual(t, "confirmed", snap.Confirmed, "100")
	mustEqual(t, "pending", snap.Pending, "3")
	mustEqual(t, "displayed", snap.Displayed, "103")
}

func TestDismissErrorClearsMessage(t *testing.T) {
	store := &bankStore{fail: &NetworkError{Err: io.EOF}}
	l := New(store, decimal.Zero, WithLogger(quietLogger()))
	defer l.Close()

	_ = l.Add(d("1"))
	_ = l.Flush(context.Background())
	if l.LastError() != SaveFailedMessage {
		t.Fatalf("expected save failure message, got %q", l.LastError())
	}
	l.DismissError()
	if msg := l.LastError(); msg != "" {
		t.Fatalf("expected cleared error, got %q", msg)
	}
}

func TestSubscribeSignalsOnChange(t *testing.T) {
	l := New(&bankStore{}, decimal.Zero, WithLogger(quietLogger()))
	defer l.Close()

	ch := l.Subscribe()
	_ = l.Add(d("1"))
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatalf("expected change signal")
	}
}

func TestClosedLedgerRejectsCalls(t *testing.T) {
	l := New(&bankStore{}, decimal.Zero, WithLogger(quietLogger()))
	l.Close()
	l.Close()

	if err := l.Add(d("1")); !errors.Is(err, ErrClosed) {
		t.Fatalf("add: expected ErrClosed, got %v", err)
	}
	if err := l.Flush(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("flush: expected ErrClosed, got %v", err)
	}
}

func TestConcurrentAddsAreSerialized(t *testing.T) {
	l := New(&bankStore{}, decimal.Zero, WithLogger(quietLogger()))
	defer l.Close()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				_ = l.Add(d("0.01"))
			}
		}()
	}
	wg.Wait()
	mustEqual(t, "displayed", l.Displayed(), "10")
}
