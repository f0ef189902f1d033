package credit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"estate-credits/pkg/db/pagination"
	"estate-credits/pkg/errutil"
	"estate-credits/pkg/events"
	"estate-credits/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type ownerSet map[Owner]bool

func (s ownerSet) OwnerExists(_ context.Context, owner Owner) (bool, error) {
	return s[owner], nil
}

type failingOwners struct{}

func (failingOwners) OwnerExists(context.Context, Owner) (bool, error) {
	return false, errors.New("directory down")
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []TransactionEvent
}

func (p *recordingPublisher) Publish(_ context.Context, _ string, _ string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, payload.(TransactionEvent))
	return nil
}

func newTestService(t *testing.T, owners ...Owner) *Service {
	t.Helper()

	db := testutil.NewTestDB(t, &Account{}, &Transaction{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	set := ownerSet{}
	for _, o := range owners {
		set[o] = true
	}

	svc := NewService(ServiceParams{DB: db, Node: node, Owners: set})
	svc.retryBackoff = time.Millisecond
	return svc
}

func countTransactions(t *testing.T, svc *Service, owner Owner) int64 {
	t.Helper()
	n, err := svc.transactions.Count(context.Background(), &Transaction{OwnerType: owner.Type, OwnerID: owner.ID})
	require.NoError(t, err)
	return n
}

func TestNewServiceDefaults(t *testing.T) {
	svc := newTestService(t)

	require.Equal(t, 3, svc.maxRetries)
	require.Equal(t, int64(100), svc.welcomeBonus)
	require.Equal(t, int64(500), svc.agencyTrial)
	require.IsType(t, events.Nop{}, svc.events)
}

func TestWelcomeBoostScenario(t *testing.T) {
	ctx := context.Background()
	owner := User("u-1")
	svc := newTestService(t, owner)

	balance, err := svc.Credit(ctx, owner, 100, Memo{Description: "welcome"}, KindBonus)
	require.NoError(t, err)
	require.Equal(t, int64(100), balance)
	require.Equal(t, int64(1), countTransactions(t, svc, owner))

	balance, err = svc.Debit(ctx, owner, 80, Memo{Description: "boost"})
	require.NoError(t, err)
	require.Equal(t, int64(20), balance)
	require.Equal(t, int64(2), countTransactions(t, svc, owner))

	_, err = svc.Debit(ctx, owner, 50, Memo{Description: "second boost"})
	require.ErrorIs(t, err, ErrInsufficientCredits)
	require.Equal(t, errutil.StatusUnprocessableEntity, errutil.StatusOf(err))

	balance, err = svc.GetBalance(ctx, owner)
	require.NoError(t, err)
	require.Equal(t, int64(20), balance)
	require.Equal(t, int64(2), countTransactions(t, svc, owner))
}

func TestCreditDebitRoundTrip(t *testing.T) {
	ctx := context.Background()
	owner := Agency("a-1")
	svc := newTestService(t, owner)

	_, err := svc.Credit(ctx, owner, 30, Memo{}, KindAdjustment)
	require.NoError(t, err)
	start, err := svc.GetBalance(ctx, owner)
	require.NoError(t, err)

	_, err = svc.Credit(ctx, owner, 50, Memo{Description: "top up"}, KindAdjustment)
	require.NoError(t, err)
	balance, err := svc.Debit(ctx, owner, 50, Memo{Description: "spend"})
	require.NoError(t, err)
	require.Equal(t, start, balance)

	rows, _, err := svc.GetTransactionHistory(ctx, owner, pagination.Pagination{Page: 1, Limit: 2})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, int64(-50), rows[0].Delta)
	require.Equal(t, int64(50), rows[1].Delta)

	acc, err := svc.GetAccount(ctx, owner)
	require.NoError(t, err)
	require.Equal(t, acc.LifetimeEarned-acc.LifetimeSpent, acc.CurrentBalance)
}

func TestDebitNeverCreatesAccount(t *testing.T) {
	ctx := context.Background()
	owner := User("u-empty")
	svc := newTestService(t, owner)

	_, err := svc.Debit(ctx, owner, 1, Memo{})
	require.ErrorIs(t, err, ErrInsufficientCredits)

	n, err := svc.accounts.Count(ctx, &Account{OwnerID: owner.ID})
	require.NoError(t, err)
	require.Zero(t, n)

	acc, err := svc.GetAccount(ctx, owner)
	require.NoError(t, err)
	require.Zero(t, acc.CurrentBalance)
	require.Zero(t, acc.ID)
}

func TestConcurrentDebits(t *testing.T) {
	ctx := context.Background()
	owner := User("u-race")
	svc := newTestService(t, owner)

	const (
		workers = 5
		cost    = 25
	)
	_, err := svc.Credit(ctx, owner, cost*(workers-1), Memo{}, KindPurchase)
	require.NoError(t, err)

	var (
		wg           sync.WaitGroup
		mu           sync.Mutex
		successes    int
		insufficient int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Debit(ctx, owner, cost, Memo{Description: "boost"})

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrInsufficientCredits):
				insufficient++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, workers-1, successes)
	require.Equal(t, 1, insufficient)

	balance, err := svc.GetBalance(ctx, owner)
	require.NoError(t, err)
	require.Zero(t, balance)

	v, err := svc.VerifyLedger(ctx, owner)
	require.NoError(t, err)
	require.True(t, v.Valid, v.Problems)
}

func TestInvalidAmount(t *testing.T) {
	ctx := context.Background()
	owner := User("u-1")
	svc := newTestService(t, owner)

	for _, amount := range []int64{0, -5} {
		_, err := svc.Debit(ctx, owner, amount, Memo{})
		require.ErrorIs(t, err, ErrInvalidAmount)

		_, err = svc.Credit(ctx, owner, amount, Memo{}, KindBonus)
		require.ErrorIs(t, err, ErrInvalidAmount)

		_, err = svc.HasSufficientCredits(ctx, owner, amount)
		require.ErrorIs(t, err, ErrInvalidAmount)
	}

	require.Zero(t, countTransactions(t, svc, owner))
}

func TestOwnerNotFound(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	_, err := svc.Credit(ctx, User("ghost"), 10, Memo{}, KindBonus)
	require.ErrorIs(t, err, ErrOwnerNotFound)
	require.Equal(t, errutil.StatusNotFound, errutil.StatusOf(err))

	_, err = svc.GetBalance(ctx, Agency("ghost"))
	require.ErrorIs(t, err, ErrOwnerNotFound)
}

func TestOwnerLookupFailure(t *testing.T) {
	svc := newTestService(t)
	svc.owners = failingOwners{}

	_, err := svc.GetBalance(context.Background(), User("u-1"))
	require.Error(t, err)
	require.Equal(t, errutil.StatusServiceUnavailable, errutil.StatusOf(err))
}

func TestInvalidKindRejected(t *testing.T) {
	owner := User("u-1")
	svc := newTestService(t, owner)

	_, err := svc.Credit(context.Background(), owner, 10, Memo{}, Kind("gift"))
	require.Error(t, err)
	require.Equal(t, errutil.StatusBadRequest, errutil.StatusOf(err))
}

func TestHasSufficientCreditsIsStable(t *testing.T) {
	ctx := context.Background()
	owner := User("u-1")
	svc := newTestService(t, owner)

	_, err := svc.Credit(ctx, owner, 40, Memo{}, KindBonus)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		ok, err := svc.HasSufficientCredits(ctx, owner, 40)
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = svc.HasSufficientCredits(ctx, owner, 41)
		require.NoError(t, err)
		require.False(t, ok)
	}
	require.Equal(t, int64(1), countTransactions(t, svc, owner))
}

func TestIdempotencyKeyReplay(t *testing.T) {
	ctx := context.Background()
	owner := User("u-1")
	svc := newTestService(t, owner)
	pub := &recordingPublisher{}
	svc.events = pub

	memo := Memo{Description: "welcome", IdempotencyKey: "welcome:user:u-1"}
	first, err := svc.Deposit(ctx, owner, 100, memo, KindBonus)
	require.NoError(t, err)

	again, err := svc.Deposit(ctx, owner, 100, memo, KindBonus)
	require.NoError(t, err)
	require.Equal(t, first.ID, again.ID)
	require.False(t, first.Replayed)
	require.True(t, again.Replayed)

	found, err := svc.FindByIdempotencyKey(ctx, owner, memo.IdempotencyKey)
	require.NoError(t, err)
	require.Equal(t, first.ID, found.ID)
	require.True(t, found.Replayed)

	missing, err := svc.FindByIdempotencyKey(ctx, owner, "other")
	require.NoError(t, err)
	require.Nil(t, missing)

	balance, err := svc.GetBalance(ctx, owner)
	require.NoError(t, err)
	require.Equal(t, int64(100), balance)
	require.Len(t, pub.events, 1)

	_, err = svc.Deposit(ctx, owner, 50, memo, KindBonus)
	require.ErrorIs(t, err, ErrIdempotencyConflict)
}

func TestInitializeOwner(t *testing.T) {
	ctx := context.Background()
	user := User("u-1")
	agency := Agency("a-1")
	svc := newTestService(t, user, agency)

	balance, err := svc.InitializeOwner(ctx, user)
	require.NoError(t, err)
	require.Equal(t, int64(100), balance)

	balance, err = svc.InitializeOwner(ctx, agency)
	require.NoError(t, err)
	require.Equal(t, int64(600), balance)

	balance, err = svc.InitializeOwner(ctx, agency)
	require.NoError(t, err)
	require.Equal(t, int64(600), balance)
	require.Equal(t, int64(2), countTransactions(t, svc, agency))
}

func TestRefundTransaction(t *testing.T) {
	ctx := context.Background()
	owner := User("u-1")
	svc := newTestService(t, owner)

	_, err := svc.Credit(ctx, owner, 100, Memo{}, KindBonus)
	require.NoError(t, err)
	debit, err := svc.Withdraw(ctx, owner, 60, Memo{Description: "boost", TargetID: "listing-9"}, KindUsage)
	require.NoError(t, err)

	refund, err := svc.RefundTransaction(ctx, owner, debit.ID, "")
	require.NoError(t, err)
	require.Equal(t, KindRefund, refund.Kind)
	require.Equal(t, int64(60), refund.Delta)
	require.Equal(t, debit.ID.String(), refund.Reference)
	require.Equal(t, "listing-9", refund.TargetID)

	again, err := svc.RefundTransaction(ctx, owner, debit.ID, "")
	require.NoError(t, err)
	require.Equal(t, refund.ID, again.ID)

	balance, err := svc.GetBalance(ctx, owner)
	require.NoError(t, err)
	require.Equal(t, int64(100), balance)

	_, err = svc.RefundTransaction(ctx, owner, refund.ID, "")
	require.Equal(t, errutil.StatusUnprocessableEntity, errutil.StatusOf(err))

	_, err = svc.RefundTransaction(ctx, User("other"), debit.ID, "")
	require.Error(t, err)

	_, err = svc.RefundTransaction(ctx, owner, 0, "")
	require.ErrorIs(t, err, ErrTransactionNotFound)
}

func TestTransactionHistoryPaging(t *testing.T) {
	ctx := context.Background()
	owner := User("u-1")
	svc := newTestService(t, owner)

	clock := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	svc.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}

	for i := 1; i <= 5; i++ {
		_, err := svc.Credit(ctx, owner, int64(i), Memo{}, KindAdjustment)
		require.NoError(t, err)
	}

	rows, info, err := svc.GetTransactionHistory(ctx, owner, pagination.Pagination{Page: 1, Limit: 2})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.True(t, info.HasMore)
	require.Equal(t, 2, info.NextPage)
	require.Equal(t, int64(5), rows[0].Delta)
	require.Equal(t, int64(4), rows[1].Delta)

	rows, info, err = svc.GetTransactionHistory(ctx, owner, pagination.Pagination{Page: 3, Limit: 2})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.False(t, info.HasMore)
	require.Equal(t, int64(1), rows[0].Delta)
}

func TestHashChainAndSequence(t *testing.T) {
	ctx := context.Background()
	owner := Agency("a-1")
	svc := newTestService(t, owner)

	first, err := svc.Deposit(ctx, owner, 10, Memo{}, KindBonus)
	require.NoError(t, err)
	second, err := svc.Withdraw(ctx, owner, 4, Memo{}, KindUsage)
	require.NoError(t, err)

	require.Equal(t, int64(1), first.Sequence)
	require.Equal(t, int64(2), second.Sequence)
	require.Empty(t, first.PreviousHash)
	require.Equal(t, first.Hash, second.PreviousHash)
	require.Equal(t, second.ComputeHash(), second.Hash)
}

func TestVerifyLedgerDetectsTampering(t *testing.T) {
	ctx := context.Background()
	owner := User("u-1")
	svc := newTestService(t, owner)

	_, err := svc.Credit(ctx, owner, 100, Memo{}, KindBonus)
	require.NoError(t, err)
	txn, err := svc.Withdraw(ctx, owner, 30, Memo{}, KindUsage)
	require.NoError(t, err)

	v, err := svc.VerifyLedger(ctx, owner)
	require.NoError(t, err)
	require.True(t, v.Valid, v.Problems)
	require.Equal(t, int64(70), v.Sum)
	require.Equal(t, 2, v.Transactions)

	require.NoError(t, svc.db.Model(&Transaction{}).Where("id = ?", txn.ID).Update("delta", -20).Error)

	v, err = svc.VerifyLedger(ctx, owner)
	require.NoError(t, err)
	require.False(t, v.Valid)
	require.NotEmpty(t, v.Problems)
}

func TestVerifyLedgerSeesOneSnapshot(t *testing.T) {
	ctx := context.Background()
	owner := User("u-1")
	svc := newTestService(t, owner)

	_, err := svc.Credit(ctx, owner, 100, Memo{}, KindBonus)
	require.NoError(t, err)

	var armed atomic.Bool
	done := make(chan error, 1)
	err = svc.db.Callback().Query().After("gorm:query").Register("test:write_between_reads", func(tx *gorm.DB) {
		if tx.Statement.Table != "credit_accounts" || !armed.CompareAndSwap(true, false) {
			return
		}
		go func() {
			_, err := svc.Debit(ctx, owner, 30, Memo{Description: "boost"})
			done <- err
		}()
		time.Sleep(20 * time.Millisecond)
	})
	require.NoError(t, err)

	armed.Store(true)
	v, err := svc.VerifyLedger(ctx, owner)
	require.NoError(t, err)
	require.True(t, v.Valid, v.Problems)
	require.Equal(t, int64(100), v.Sum)

	require.NoError(t, <-done)
	v, err = svc.VerifyLedger(ctx, owner)
	require.NoError(t, err)
	require.True(t, v.Valid, v.Problems)
	require.Equal(t, int64(70), v.Sum)
}

func TestVerifyLedgerWithoutAccount(t *testing.T) {
	owner := User("u-new")
	svc := newTestService(t, owner)

	v, err := svc.VerifyLedger(context.Background(), owner)
	require.NoError(t, err)
	require.True(t, v.Valid)
	require.Zero(t, v.Transactions)
}

func TestWithRetryExhausted(t *testing.T) {
	svc := newTestService(t)
	svc.maxRetries = 2

	calls := 0
	err := svc.withRetry(context.Background(), "user:u-1", func() error {
		calls++
		return ErrConcurrentModification
	})

	require.Equal(t, 3, calls)
	require.ErrorIs(t, err, ErrConcurrentModification)
	require.True(t, IsRetryable(err))
	require.Equal(t, errutil.StatusConflict, errutil.StatusOf(err))
}

func TestWithRetryRecovers(t *testing.T) {
	svc := newTestService(t)

	calls := 0
	err := svc.withRetry(context.Background(), "user:u-1", func() error {
		calls++
		if calls < 2 {
			return ErrConcurrentModification
		}
		return nil
	})

	require.NoError(t, err)
	require.Equal(t, 2, calls)
}

// moveVersionBeforeUpdate bumps the account version ahead of the next n
// balance writes, as a concurrent writer would. It returns the number of
// balance writes seen.
func moveVersionBeforeUpdate(t *testing.T, svc *Service, n int) *int {
	t.Helper()

	writes := 0
	err := svc.db.Callback().Update().Before("gorm:update").Register("test:move_version", func(tx *gorm.DB) {
		if tx.Statement.Table != "credit_accounts" {
			return
		}
		writes++
		if writes > n {
			return
		}
		tx.Session(&gorm.Session{NewDB: true}).Exec("UPDATE credit_accounts SET version = version + 1")
	})
	require.NoError(t, err)
	return &writes
}

func TestCompareAndSwapRejectsStaleVersion(t *testing.T) {
	ctx := context.Background()
	owner := User("u-1")
	svc := newTestService(t, owner)

	_, err := svc.Credit(ctx, owner, 100, Memo{}, KindBonus)
	require.NoError(t, err)
	acc, err := svc.GetAccount(ctx, owner)
	require.NoError(t, err)

	next := acc.withDelta(-10, time.Now().UTC())
	stale := *acc
	stale.Version--
	require.ErrorIs(t, compareAndSwap(ctx, svc.db, &stale, &next), ErrConcurrentModification)

	acc, err = svc.GetAccount(ctx, owner)
	require.NoError(t, err)
	require.Equal(t, int64(100), acc.CurrentBalance)

	require.NoError(t, compareAndSwap(ctx, svc.db, acc, &next))
	require.ErrorIs(t, compareAndSwap(ctx, svc.db, acc, &next), ErrConcurrentModification)
}

func TestDebitRetriesAfterVersionMoved(t *testing.T) {
	ctx := context.Background()
	owner := User("u-1")
	svc := newTestService(t, owner)

	_, err := svc.Credit(ctx, owner, 100, Memo{}, KindBonus)
	require.NoError(t, err)

	writes := moveVersionBeforeUpdate(t, svc, 1)
	balance, err := svc.Debit(ctx, owner, 30, Memo{Description: "boost"})
	require.NoError(t, err)
	require.Equal(t, int64(70), balance)
	require.Equal(t, 2, *writes)
	require.Equal(t, int64(2), countTransactions(t, svc, owner))

	v, err := svc.VerifyLedger(ctx, owner)
	require.NoError(t, err)
	require.True(t, v.Valid, v.Problems)
}

func TestDebitGivesUpWhenVersionKeepsMoving(t *testing.T) {
	ctx := context.Background()
	owner := User("u-1")
	svc := newTestService(t, owner)
	svc.maxRetries = 2

	_, err := svc.Credit(ctx, owner, 100, Memo{}, KindBonus)
	require.NoError(t, err)

	writes := moveVersionBeforeUpdate(t, svc, 100)
	_, err = svc.Debit(ctx, owner, 30, Memo{Description: "boost"})
	require.True(t, IsRetryable(err))
	require.Equal(t, errutil.StatusConflict, errutil.StatusOf(err))
	require.Equal(t, 3, *writes)

	balance, err := svc.GetBalance(ctx, owner)
	require.NoError(t, err)
	require.Equal(t, int64(100), balance)
	require.Equal(t, int64(1), countTransactions(t, svc, owner))
}

func TestLostAccountInsertIsRetried(t *testing.T) {
	ctx := context.Background()
	owner := User("u-1")
	svc := newTestService(t, owner)

	inserts := 0
	err := svc.db.Callback().Create().Before("gorm:create").Register("test:racing_insert", func(tx *gorm.DB) {
		if tx.Statement.Table != "credit_accounts" {
			return
		}
		inserts++
		if inserts > 1 {
			return
		}
		tx.Session(&gorm.Session{NewDB: true}).Exec(
			"INSERT INTO credit_accounts (id, owner_type, owner_id, current_balance, lifetime_earned, lifetime_spent, version) VALUES (?, ?, ?, 0, 0, 0, 0)",
			1, string(owner.Type), owner.ID,
		)
	})
	require.NoError(t, err)

	balance, err := svc.Credit(ctx, owner, 50, Memo{}, KindBonus)
	require.NoError(t, err)
	require.Equal(t, int64(50), balance)
	require.Equal(t, 2, inserts)

	v, err := svc.VerifyLedger(ctx, owner)
	require.NoError(t, err)
	require.True(t, v.Valid, v.Problems)
}

func TestParseTransactionID(t *testing.T) {
	id, err := ParseTransactionID("1234")
	require.NoError(t, err)
	require.Equal(t, snowflake.ID(1234), id)

	_, err = ParseTransactionID("abc")
	require.Equal(t, errutil.StatusBadRequest, errutil.StatusOf(err))
}
