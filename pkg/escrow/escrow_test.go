package escrow

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/AdityaKumar41/evolvx-sub003/pkg/faults"
)

var ctx = context.Background()

func seedPool(t *testing.T, st *Store, amount uint64) Pool {
	t.Helper()
	pool, err := st.Deposit(ctx, DepositParams{
		PoolID:    "pool_1",
		ProjectID: "prj_1",
		Amount:    amount,
		Source:    "acc_sponsor",
	})
	require.NoError(t, err)
	return pool
}

func TestFirstDepositCreatesPool(t *testing.T) {
	st := New(nil)
	pool := seedPool(t, st, 1000)
	require.Equal(t, StatusActive, pool.Status)
	require.Equal(t, "acc_sponsor", pool.DepositorID)
	require.EqualValues(t, 1000, pool.TotalDeposited)
	require.EqualValues(t, 1000, pool.Available())
}

func TestDepositValidation(t *testing.T) {
	st := New(nil)
	_, err := st.Deposit(ctx, DepositParams{PoolID: "pool_1", ProjectID: "prj_1", Amount: 0, Source: "acc_sponsor"})
	require.True(t, faults.IsKind(err, faults.KindInvalidInput))
	_, err = st.Deposit(ctx, DepositParams{PoolID: "pool_1", Amount: 10, Source: "acc_sponsor"})
	require.True(t, faults.IsKind(err, faults.KindInvalidInput), "new pool needs project_id")
}

func TestLockUnlock(t *testing.T) {
	st := New(nil)
	seedPool(t, st, 1000)

	pool, err := st.Lock(ctx, "pool_1", 600)
	require.NoError(t, err)
	require.EqualValues(t, 600, pool.LockedAmount)
	require.EqualValues(t, 400, pool.Available())

	_, err = st.Lock(ctx, "pool_1", 500)
	require.True(t, faults.IsKind(err, faults.KindInsufficientFunds))

	pool, err = st.Unlock(ctx, "pool_1", 200)
	require.NoError(t, err)
	require.EqualValues(t, 400, pool.LockedAmount)

	_, err = st.Unlock(ctx, "pool_1", 401)
	require.True(t, faults.IsKind(err, faults.KindInvalidInput))
}

func TestYieldIdempotentPerPeriod(t *testing.T) {
	st := New(nil)
	seedPool(t, st, 1000)

	pool, err := st.ReportYield(ctx, "pool_1", 50, "2026-02")
	require.NoError(t, err)
	require.EqualValues(t, 50, pool.YieldAccrued)

	// At-least-once delivery: the repeat is a no-op, not an error.
	pool, err = st.ReportYield(ctx, "pool_1", 50, "2026-02")
	require.NoError(t, err)
	require.EqualValues(t, 50, pool.YieldAccrued)

	pool, err = st.ReportYield(ctx, "pool_1", 30, "2026-03")
	require.NoError(t, err)
	require.EqualValues(t, 80, pool.YieldAccrued)
}

func TestWithdrawDrawsYieldBeforePrincipal(t *testing.T) {
	st := New(nil)
	seedPool(t, st, 1000)
	_, err := st.ReportYield(ctx, "pool_1", 100, "p1")
	require.NoError(t, err)

	pool, err := st.Withdraw(ctx, "pool_1", 150, "acc_sponsor")
	require.NoError(t, err)
	require.EqualValues(t, 0, pool.YieldAccrued, "yield drawn first")
	require.EqualValues(t, 950, pool.TotalDeposited)
}

func TestWithdrawAuthorizationAndFunds(t *testing.T) {
	st := New(nil)
	seedPool(t, st, 1000)

	_, err := st.Withdraw(ctx, "pool_1", 100, "acc_other")
	require.True(t, faults.IsKind(err, faults.KindNotAuthorized))

	_, err = st.Lock(ctx, "pool_1", 950)
	require.NoError(t, err)
	_, err = st.Withdraw(ctx, "pool_1", 100, "acc_sponsor")
	require.True(t, faults.IsKind(err, faults.KindInsufficientFunds))
}

func TestCancelledPoolRejectsMutation(t *testing.T) {
	st := New(nil)
	seedPool(t, st, 1000)

	_, err := st.Cancel(ctx, "pool_1", "acc_sponsor")
	require.NoError(t, err)

	_, err = st.Deposit(ctx, DepositParams{PoolID: "pool_1", ProjectID: "prj_1", Amount: 10, Source: "acc_sponsor"})
	require.True(t, faults.IsKind(err, faults.KindInvalidInput))
	_, err = st.Lock(ctx, "pool_1", 10)
	require.True(t, faults.IsKind(err, faults.KindInvalidInput))
	_, err = st.Withdraw(ctx, "pool_1", 10, "acc_sponsor")
	require.True(t, faults.IsKind(err, faults.KindInvalidInput))
}

func TestCompleteIsTerminal(t *testing.T) {
	st := New(nil)
	seedPool(t, st, 1000)
	_, err := st.Complete(ctx, "pool_1", "acc_sponsor")
	require.NoError(t, err)
	_, err = st.Complete(ctx, "pool_1", "acc_sponsor")
	require.True(t, faults.IsKind(err, faults.KindInvalidInput))
	// Deposits are still admitted while not cancelled.
	_, err = st.Deposit(ctx, DepositParams{PoolID: "pool_1", ProjectID: "prj_1", Amount: 10, Source: "acc_sponsor"})
	require.NoError(t, err)
}

func TestBalanceInvariantsUnderRandomOps(t *testing.T) {
	st := New(nil)
	seedPool(t, st, 500)
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 500; i++ {
		amount := uint64(rng.Intn(200) + 1)
		switch rng.Intn(5) {
		case 0:
			_, _ = st.Deposit(ctx, DepositParams{PoolID: "pool_1", ProjectID: "prj_1", Amount: amount, Source: "acc_sponsor"})
		case 1:
			_, _ = st.Lock(ctx, "pool_1", amount)
		case 2:
			_, _ = st.Unlock(ctx, "pool_1", amount)
		case 3:
			_, _ = st.ReportYield(ctx, "pool_1", amount, "period")
		case 4:
			_, _ = st.Withdraw(ctx, "pool_1", amount, "acc_sponsor")
		}
		pool, ok := st.Get("pool_1")
		require.True(t, ok)
		require.LessOrEqual(t, pool.LockedAmount, pool.TotalDeposited+pool.YieldAccrued,
			"locked exceeded funds at step %d", i)
	}
}

func TestLoadRestoresSeenPeriods(t *testing.T) {
	st := New(nil)
	seedPool(t, st, 100)
	pool, err := st.ReportYield(ctx, "pool_1", 25, "p1")
	require.NoError(t, err)

	restored := New(nil)
	restored.Load([]Pool{pool})
	after, err := restored.ReportYield(ctx, "pool_1", 25, "p1")
	require.NoError(t, err)
	require.EqualValues(t, 25, after.YieldAccrued, "seen period replayed after restart")
}
