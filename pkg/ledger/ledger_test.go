package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/AdityaKumar41/evolvx-sub003/pkg/faults"
	"github.com/AdityaKumar41/evolvx-sub003/pkg/sessionkey"
)

var ctx = context.Background()

// fakeAuthority implements the capacity check with a single in-memory key.
type fakeAuthority struct {
	mu       sync.Mutex
	maxPerOp uint64
	maxTotal uint64
	spent    uint64
	tokens   map[string]uint64
	seq      int
}

func newFakeAuthority(maxPerOp, maxTotal uint64) *fakeAuthority {
	return &fakeAuthority{maxPerOp: maxPerOp, maxTotal: maxTotal, tokens: map[string]uint64{}}
}

func (f *fakeAuthority) Authorize(_ context.Context, keyID string, amount uint64) (sessionkey.Reservation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if amount > f.maxPerOp {
		return sessionkey.Reservation{}, faults.New(faults.KindLimitExceeded, "per-op cap")
	}
	if f.spent+amount > f.maxTotal {
		return sessionkey.Reservation{}, faults.New(faults.KindLimitExceeded, "total cap")
	}
	f.spent += amount
	f.seq++
	token := string(rune('a' + f.seq))
	f.tokens[token] = amount
	return sessionkey.Reservation{Token: token, KeyID: keyID, Amount: amount}, nil
}

func (f *fakeAuthority) Consume(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tokens, token)
}

func (f *fakeAuthority) Release(_ context.Context, rsv sessionkey.Reservation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	amount, ok := f.tokens[rsv.Token]
	if !ok {
		return faults.New(faults.KindNotFound, "token unknown")
	}
	delete(f.tokens, rsv.Token)
	if amount > f.spent {
		f.spent = 0
	} else {
		f.spent -= amount
	}
	return nil
}

func keyCharge(amount uint64, idem string) ChargeRequest {
	return ChargeRequest{
		Payer:          PayerRef{Kind: PayerSessionKey, ID: "key_1"},
		BaseAmount:     amount,
		FeeRate:        0,
		IdempotencyKey: idem,
	}
}

func TestFeeRounding(t *testing.T) {
	require.EqualValues(t, 0, FeeFor(100, 0))
	require.EqualValues(t, 3, FeeFor(100, 0.025))   // 2.5 rounds half-up
	require.EqualValues(t, 2, FeeFor(100, 0.024))   // 2.4 rounds down
	require.EqualValues(t, 10, FeeFor(100, 0.1))
	require.EqualValues(t, 1, FeeFor(1, 0.5))
}

func TestChargeSessionKeyHappyPath(t *testing.T) {
	auth := newFakeAuthority(100, 1000)
	l := New(auth, nil)

	rec, err := l.Charge(ctx, ChargeRequest{
		Payer:          PayerRef{Kind: PayerSessionKey, ID: "key_1"},
		BaseAmount:     40,
		FeeRate:        0.1,
		IdempotencyKey: "idem-1",
	})
	require.NoError(t, err)
	require.Equal(t, StatusPending, rec.Status)
	require.EqualValues(t, 4, rec.FeeAmount)
	require.EqualValues(t, 44, rec.TotalAmount)
	require.NotEmpty(t, rec.ReservationToken)
	require.EqualValues(t, 44, auth.spent)

	settled, err := l.ResolveSettled(ctx, rec.PaymentID, "0xabc")
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, settled.Status)
	require.Equal(t, "0xabc", settled.SettlementRef)
	require.EqualValues(t, 44, auth.spent, "success keeps capacity spent")
	require.Empty(t, auth.tokens, "settled reservation must be retired")
}

func TestChargeFailureReleasesCapacity(t *testing.T) {
	auth := newFakeAuthority(100, 1000)
	l := New(auth, nil)

	rec, err := l.Charge(ctx, keyCharge(50, "idem-1"))
	require.NoError(t, err)
	require.EqualValues(t, 50, auth.spent)

	failed, err := l.ResolveFailed(ctx, rec.PaymentID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, failed.Status)
	require.EqualValues(t, 0, auth.spent, "failure must release the reservation")
}

func TestTerminalStatesImmutable(t *testing.T) {
	auth := newFakeAuthority(100, 1000)
	l := New(auth, nil)

	rec, _ := l.Charge(ctx, keyCharge(10, "idem-1"))
	_, err := l.ResolveSettled(ctx, rec.PaymentID, "0x1")
	require.NoError(t, err)

	// Re-delivery of the same outcome is tolerated.
	again, err := l.ResolveSettled(ctx, rec.PaymentID, "0x1")
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, again.Status)

	// A conflicting transition is rejected.
	_, err = l.ResolveFailed(ctx, rec.PaymentID)
	require.True(t, faults.IsKind(err, faults.KindInvalidInput))
}

func TestIdempotentRetryReturnsExistingRecord(t *testing.T) {
	auth := newFakeAuthority(100, 1000)
	l := New(auth, nil)

	first, err := l.Charge(ctx, keyCharge(30, "idem-1"))
	require.NoError(t, err)
	second, err := l.Charge(ctx, keyCharge(30, "idem-1"))
	require.NoError(t, err)
	require.Equal(t, first.PaymentID, second.PaymentID)
	require.EqualValues(t, 30, auth.spent, "retry must not double-charge")
}

func TestIdempotencyKeyPayloadMismatch(t *testing.T) {
	auth := newFakeAuthority(100, 1000)
	l := New(auth, nil)

	_, err := l.Charge(ctx, keyCharge(30, "idem-1"))
	require.NoError(t, err)
	_, err = l.Charge(ctx, keyCharge(31, "idem-1"))
	require.True(t, faults.IsKind(err, faults.KindDuplicateOperation))
}

func TestConcurrentSameKeyRetriesChargeOnce(t *testing.T) {
	auth := newFakeAuthority(100, 1000)
	l := New(auth, nil)

	var wg sync.WaitGroup
	ids := make(chan string, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := l.Charge(ctx, keyCharge(30, "idem-1"))
			if err == nil {
				ids <- rec.PaymentID
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[string]bool{}
	for id := range ids {
		seen[id] = true
	}
	require.Len(t, seen, 1, "all retries must map to one record")
	require.EqualValues(t, 30, auth.spent)
}

// gatedAuthority holds the first Authorize open until released, pinning a
// charge inside its admission window.
type gatedAuthority struct {
	*fakeAuthority
	entered chan struct{}
	proceed chan struct{}
	once    sync.Once
}

func (g *gatedAuthority) Authorize(ctx context.Context, keyID string, amount uint64) (sessionkey.Reservation, error) {
	g.once.Do(func() {
		close(g.entered)
		<-g.proceed
	})
	return g.fakeAuthority.Authorize(ctx, keyID, amount)
}

func TestInFlightPayloadMismatchRejected(t *testing.T) {
	auth := &gatedAuthority{
		fakeAuthority: newFakeAuthority(1000, 10000),
		entered:       make(chan struct{}),
		proceed:       make(chan struct{}),
	}
	l := New(auth, nil)

	type outcome struct {
		rec Record
		err error
	}
	first := make(chan outcome, 1)
	go func() {
		rec, err := l.Charge(ctx, keyCharge(100, "idem-1"))
		first <- outcome{rec, err}
	}()
	<-auth.entered

	second := make(chan outcome, 1)
	go func() {
		rec, err := l.Charge(ctx, keyCharge(999, "idem-1"))
		second <- outcome{rec, err}
	}()

	close(auth.proceed)

	got1 := <-first
	require.NoError(t, got1.err)
	require.EqualValues(t, 100, got1.rec.BaseAmount)

	// Whether the second call shared the in-flight admission or replayed
	// through the stored binding, a foreign payload must be rejected, never
	// served the first caller's record.
	got2 := <-second
	require.Error(t, got2.err, "mismatched payload admitted: %+v", got2.rec)
	require.True(t, faults.IsKind(got2.err, faults.KindDuplicateOperation),
		"expected DuplicateOperation, got %v", got2.err)
	require.EqualValues(t, 100, auth.spent, "only the admitted charge may hold capacity")
}

func TestAccountPayerDrawsCredit(t *testing.T) {
	l := New(newFakeAuthority(0, 0), nil)
	_, err := l.CreditAccount(ctx, "acc_1", 100)
	require.NoError(t, err)

	rec, err := l.Charge(ctx, ChargeRequest{
		Payer:          PayerRef{Kind: PayerAccount, ID: "acc_1"},
		BaseAmount:     60,
		FeeRate:        0,
		IdempotencyKey: "idem-1",
	})
	require.NoError(t, err)
	require.EqualValues(t, 40, l.CreditBalance("acc_1"))

	_, err = l.Charge(ctx, ChargeRequest{
		Payer:          PayerRef{Kind: PayerAccount, ID: "acc_1"},
		BaseAmount:     60,
		FeeRate:        0,
		IdempotencyKey: "idem-2",
	})
	require.True(t, faults.IsKind(err, faults.KindInsufficientFunds))

	_, err = l.ResolveFailed(ctx, rec.PaymentID)
	require.NoError(t, err)
	require.EqualValues(t, 100, l.CreditBalance("acc_1"), "failed charge refunds credit")
}

func TestReapStaleFailsOldPendings(t *testing.T) {
	auth := newFakeAuthority(100, 1000)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := New(auth, nil).WithClock(func() time.Time { return now })

	old, _ := l.Charge(ctx, keyCharge(30, "idem-old"))
	now = now.Add(10 * time.Minute)
	fresh, _ := l.Charge(ctx, keyCharge(20, "idem-fresh"))

	reaped := l.ReapStale(ctx, now.Add(-5*time.Minute))
	require.Equal(t, []string{old.PaymentID}, reaped)

	gotOld, _ := l.Get(old.PaymentID)
	require.Equal(t, StatusFailed, gotOld.Status)
	gotFresh, _ := l.Get(fresh.PaymentID)
	require.Equal(t, StatusPending, gotFresh.Status)
	require.EqualValues(t, 20, auth.spent, "reap released the stale reservation only")
}

func TestChargeValidation(t *testing.T) {
	l := New(newFakeAuthority(10, 10), nil)
	cases := []ChargeRequest{
		{Payer: PayerRef{Kind: PayerSessionKey, ID: "key_1"}, BaseAmount: 1, FeeRate: 0},          // no idem key
		{Payer: PayerRef{Kind: PayerSessionKey}, BaseAmount: 1, IdempotencyKey: "k"},              // no payer id
		{Payer: PayerRef{Kind: "SOMETHING", ID: "x"}, BaseAmount: 1, IdempotencyKey: "k"},         // bad kind
		{Payer: PayerRef{Kind: PayerSessionKey, ID: "key_1"}, BaseAmount: 0, IdempotencyKey: "k"}, // zero amount
		{Payer: PayerRef{Kind: PayerSessionKey, ID: "key_1"}, BaseAmount: 1, FeeRate: -1, IdempotencyKey: "k"},
	}
	for i, req := range cases {
		_, err := l.Charge(ctx, req)
		require.Truef(t, faults.IsKind(err, faults.KindInvalidInput), "case %d: got %v", i, err)
	}
}

func TestUnknownPaymentResolution(t *testing.T) {
	l := New(newFakeAuthority(10, 10), nil)
	_, err := l.ResolveSettled(ctx, "pay_missing", "0x1")
	require.True(t, faults.IsKind(err, faults.KindNotFound))
}

func TestPriceFor(t *testing.T) {
	for class, want := range map[ComplexityClass]uint64{
		ComplexitySimple:      10,
		ComplexityMedium:      25,
		ComplexityComplex:     50,
		ComplexityVeryComplex: 100,
	} {
		got, err := PriceFor(class)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := PriceFor("WILD")
	require.True(t, faults.IsKind(err, faults.KindInvalidInput))
}

func TestLoadRestoresIdempotency(t *testing.T) {
	auth := newFakeAuthority(100, 1000)
	l := New(auth, nil)
	rec, err := l.Charge(ctx, keyCharge(30, "idem-1"))
	require.NoError(t, err)

	restored := New(auth, nil)
	restored.Load([]Record{rec}, map[string]uint64{"acc_1": 55})

	again, err := restored.Charge(ctx, keyCharge(30, "idem-1"))
	require.NoError(t, err)
	require.Equal(t, rec.PaymentID, again.PaymentID)
	require.EqualValues(t, 55, restored.CreditBalance("acc_1"))
}
