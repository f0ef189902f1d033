package distribution

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"estate-credits/pkg/db/pagination"
	"estate-credits/pkg/errutil"
	"estate-credits/pkg/redis"
	"estate-credits/pkg/taskname"
	"estate-credits/services/credit"
	"estate-credits/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type owners map[credit.Owner]bool

func (o owners) OwnerExists(_ context.Context, owner credit.Owner) (bool, error) {
	return o[owner], nil
}

type fakeAgents struct {
	members  map[string][]string
	agencies []string
}

func (f *fakeAgents) ActiveAgents(_ context.Context, agencyID string) ([]string, error) {
	return f.members[agencyID], nil
}

func (f *fakeAgents) ListAgencyIDs(context.Context) ([]string, error) {
	return f.agencies, nil
}

type fakeLocker struct {
	mu       sync.Mutex
	held     map[string]bool
	released []string
}

func (f *fakeLocker) Obtain(_ context.Context, key string, _ time.Duration) (func(context.Context) error, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.held[key] {
		return nil, redis.ErrLockHeld
	}
	f.held[key] = true
	return func(context.Context) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.held, key)
		f.released = append(f.released, key)
		return nil
	}, nil
}

type fakeArchiver struct {
	objects map[string][]byte
}

func (f *fakeArchiver) PutJSON(_ context.Context, key string, body []byte) error {
	f.objects[key] = body
	return nil
}

type fakeEnqueuer struct {
	mu    sync.Mutex
	tasks []*asynq.Task
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, task)
	return &asynq.TaskInfo{ID: "task-1", Queue: taskname.QueueDefault, Type: task.Type()}, nil
}

func (f *fakeEnqueuer) payloads(t *testing.T) []RunPayload {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]RunPayload, 0, len(f.tasks))
	for _, task := range f.tasks {
		require.Equal(t, taskname.DistributionRun, task.Type())
		var p RunPayload
		require.NoError(t, json.Unmarshal(task.Payload(), &p))
		out = append(out, p)
	}
	return out
}

type fixture struct {
	db       *gorm.DB
	svc      *Service
	ledger   *credit.Service
	agents   *fakeAgents
	locker   *fakeLocker
	archiver *fakeArchiver
	enqueuer *fakeEnqueuer
}

var acme = credit.Agency("acme")

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := testutil.NewTestDB(t, append([]any{&credit.Account{}, &credit.Transaction{}}, Models()...)...)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	ledger := credit.NewService(credit.ServiceParams{DB: db, Node: node, Owners: owners{
		acme:              true,
		credit.User("u1"): true,
		credit.User("u2"): true,
		credit.User("u3"): true,
	}})

	f := &fixture{
		db:       db,
		ledger:   ledger,
		agents:   &fakeAgents{members: map[string][]string{"acme": {"u1", "u2", "u3"}}, agencies: []string{"acme"}},
		locker:   &fakeLocker{held: map[string]bool{}},
		archiver: &fakeArchiver{objects: map[string][]byte{}},
		enqueuer: &fakeEnqueuer{},
	}
	f.svc = NewService(ServiceParams{
		DB:       db,
		Node:     node,
		Ledger:   ledger,
		Agents:   f.agents,
		Locker:   f.locker,
		Archiver: f.archiver,
		Enqueuer: f.enqueuer,
	})
	return f
}

func (f *fixture) fund(t *testing.T, owner credit.Owner, amount int64) {
	t.Helper()
	_, err := f.ledger.Credit(context.Background(), owner, amount, credit.Memo{Description: "purchase"}, credit.KindPurchase)
	require.NoError(t, err)
}

func (f *fixture) balance(t *testing.T, owner credit.Owner) int64 {
	t.Helper()
	b, err := f.ledger.GetBalance(context.Background(), owner)
	require.NoError(t, err)
	return b
}

func (f *fixture) history(t *testing.T, owner credit.Owner) []*credit.Transaction {
	t.Helper()
	rows, _, err := f.ledger.GetTransactionHistory(context.Background(), owner, pagination.Pagination{Page: 1, Limit: 50})
	require.NoError(t, err)
	return rows
}

func TestDistributeTeamScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, acme, 1000)
	_, err := f.svc.UpdateSettings(ctx, "acme", true, 60)
	require.NoError(t, err)

	run, err := f.svc.Distribute(ctx, "acme")
	require.NoError(t, err)
	require.Equal(t, RunCompleted, run.Status)
	require.Equal(t, int64(600), run.Planned)
	require.Equal(t, int64(600), run.Paid)
	require.Zero(t, run.Failed)
	require.Len(t, run.Legs, 3)

	require.Equal(t, int64(400), f.balance(t, acme))
	for _, id := range []string{"u1", "u2", "u3"} {
		require.Equal(t, int64(200), f.balance(t, credit.User(id)), id)

		rows := f.history(t, credit.User(id))
		require.Len(t, rows, 1)
		require.Equal(t, credit.KindTransfer, rows[0].Kind)
		require.Equal(t, "acme", rows[0].AgencyID)
	}

	var debits int
	for _, txn := range f.history(t, acme) {
		if txn.Kind == credit.KindTransfer {
			debits++
			require.Equal(t, int64(-600), txn.Delta)
			require.Equal(t, run.DebitTransactionID, txn.ID)
		}
	}
	require.Equal(t, 1, debits)

	stored, err := f.svc.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, RunCompleted, stored.Status)
	require.Len(t, stored.Legs, 3)

	var report Report
	require.NoError(t, json.Unmarshal(stored.Report, &report))
	require.Len(t, report.Succeeded, 3)
	require.Contains(t, f.archiver.objects, "distribution-runs/acme/"+run.ID.String()+".json")

	pool, err := f.svc.Settings(ctx, "acme")
	require.NoError(t, err)
	require.NotNil(t, pool.LastRunAt)

	require.Equal(t, []string{"lock:distribution:acme"}, f.locker.released)
}

func TestDistributeRemainderGoesToFirstAgent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, acme, 1000)
	_, err := f.svc.UpdateSettings(ctx, "acme", true, 50)
	require.NoError(t, err)

	_, err = f.svc.Distribute(ctx, "acme")
	require.NoError(t, err)

	require.Equal(t, int64(168), f.balance(t, credit.User("u1")))
	require.Equal(t, int64(166), f.balance(t, credit.User("u2")))
	require.Equal(t, int64(166), f.balance(t, credit.User("u3")))
	require.Equal(t, int64(500), f.balance(t, acme))
}

func TestDistributeSkips(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name   string
		setup  func(t *testing.T, f *fixture)
		reason string
	}{
		{
			name:   "no settings",
			setup:  func(t *testing.T, f *fixture) { f.fund(t, acme, 1000) },
			reason: "pool disabled",
		},
		{
			name: "disabled",
			setup: func(t *testing.T, f *fixture) {
				f.fund(t, acme, 1000)
				_, err := f.svc.UpdateSettings(ctx, "acme", false, 50)
				require.NoError(t, err)
			},
			reason: "pool disabled",
		},
		{
			name: "zero percentage",
			setup: func(t *testing.T, f *fixture) {
				f.fund(t, acme, 1000)
				_, err := f.svc.UpdateSettings(ctx, "acme", true, 0)
				require.NoError(t, err)
			},
			reason: "percentage is zero",
		},
		{
			name: "no agents",
			setup: func(t *testing.T, f *fixture) {
				f.fund(t, acme, 1000)
				f.agents.members["acme"] = nil
				_, err := f.svc.UpdateSettings(ctx, "acme", true, 50)
				require.NoError(t, err)
			},
			reason: "no active agents",
		},
		{
			name: "empty pool",
			setup: func(t *testing.T, f *fixture) {
				_, err := f.svc.UpdateSettings(ctx, "acme", true, 50)
				require.NoError(t, err)
			},
			reason: "nothing to distribute",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tt.setup(t, f)
			before := f.balance(t, acme)

			run, err := f.svc.Distribute(ctx, "acme")
			require.NoError(t, err)
			require.Equal(t, RunSkipped, run.Status)
			require.Equal(t, tt.reason, run.SkipReason)
			require.Equal(t, before, f.balance(t, acme))
			require.Zero(t, f.balance(t, credit.User("u1")))
			require.Empty(t, f.archiver.objects)
		})
	}
}

func TestDistributeFailedLegIsReturnedToPool(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, acme, 1000)
	f.agents.members["acme"] = []string{"u1", "ghost", "u2"}
	_, err := f.svc.UpdateSettings(ctx, "acme", true, 60)
	require.NoError(t, err)

	run, err := f.svc.Distribute(ctx, "acme")
	require.NoError(t, err)
	require.Equal(t, RunPartial, run.Status)
	require.Equal(t, int64(400), run.Paid)
	require.Equal(t, int64(200), run.Failed)
	require.Equal(t, int64(200), run.Refunded)
	require.NotZero(t, run.RefundTransactionID)

	require.Equal(t, int64(600), f.balance(t, acme), "pool net debit equals payouts")
	require.Equal(t, int64(200), f.balance(t, credit.User("u1")))
	require.Equal(t, int64(200), f.balance(t, credit.User("u2")))

	var failed *Leg
	for _, leg := range run.Legs {
		if leg.Status == LegFailed {
			failed = leg
		}
	}
	require.NotNil(t, failed)
	require.Equal(t, "ghost", failed.AgentID)
	require.NotEmpty(t, failed.Error)

	var report Report
	require.NoError(t, json.Unmarshal(run.Report, &report))
	require.Len(t, report.FailedLegs, 1)
	require.Equal(t, "ghost", report.FailedLegs[0].AgentID)

	verify, err := f.ledger.VerifyLedger(ctx, acme)
	require.NoError(t, err)
	require.True(t, verify.Valid)
}

func TestDistributeWhileLocked(t *testing.T) {
	f := newFixture(t)
	f.locker.held["lock:distribution:acme"] = true

	_, err := f.svc.Distribute(context.Background(), "acme")
	require.ErrorIs(t, err, ErrRunInProgress)
	require.Equal(t, errutil.StatusConflict, errutil.StatusOf(err))
}

func TestUpdateSettingsClampsPercentage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pool, err := f.svc.UpdateSettings(ctx, "acme", true, 150)
	require.NoError(t, err)
	require.Equal(t, 100, pool.Percentage)

	pool, err = f.svc.UpdateSettings(ctx, "acme", false, -10)
	require.NoError(t, err)
	require.Equal(t, 0, pool.Percentage)
	require.False(t, pool.Enabled)

	_, err = f.svc.UpdateSettings(ctx, "", true, 10)
	require.Equal(t, errutil.StatusBadRequest, errutil.StatusOf(err))
}

func TestTeamSummary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, acme, 1000)
	f.fund(t, credit.User("u1"), 90)
	_, err := f.svc.UpdateSettings(ctx, "acme", true, 30)
	require.NoError(t, err)
	_, err = f.svc.Distribute(ctx, "acme")
	require.NoError(t, err)

	summary, err := f.svc.TeamSummary(ctx, "acme")
	require.NoError(t, err)
	require.Equal(t, int64(700), summary.PoolBalance)
	require.Equal(t, 30, summary.Settings.Percentage)
	require.Equal(t, []AgentBalance{
		{AgentID: "u1", Balance: 190},
		{AgentID: "u2", Balance: 100},
		{AgentID: "u3", Balance: 100},
	}, summary.Agents)
	require.Equal(t, int64(390), summary.TotalAgentCredits)
	require.Equal(t, int64(130), summary.AverageAgent)
	require.Len(t, summary.RecentPool, 2)
}

func TestPurchaseConfirmedEnqueuesRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	agencyPurchase := &credit.Transaction{ID: 42, OwnerType: credit.OwnerAgency, OwnerID: "acme", Kind: credit.KindPurchase}
	userPurchase := &credit.Transaction{ID: 43, OwnerType: credit.OwnerUser, OwnerID: "u1", Kind: credit.KindPurchase}

	require.NoError(t, f.svc.PurchaseConfirmed(ctx, agencyPurchase, false))
	require.NoError(t, f.svc.PurchaseConfirmed(ctx, userPurchase, true))
	require.Empty(t, f.enqueuer.payloads(t))

	require.NoError(t, f.svc.PurchaseConfirmed(ctx, agencyPurchase, true))
	require.Equal(t, []RunPayload{{AgencyID: "acme", Trigger: TriggerPurchase, TransactionID: "42"}}, f.enqueuer.payloads(t))
}

func TestEnqueueWithoutQueue(t *testing.T) {
	f := newFixture(t)
	f.svc.enqueuer = nil

	_, err := f.svc.Enqueue(context.Background(), RunPayload{AgencyID: "acme"})
	require.Equal(t, errutil.StatusServiceUnavailable, errutil.StatusOf(err))
}

func TestHandleRunTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, acme, 1000)
	_, err := f.svc.UpdateSettings(ctx, "acme", true, 60)
	require.NoError(t, err)

	err = f.svc.HandleRunTask(ctx, asynq.NewTask(taskname.DistributionRun, []byte("{")))
	require.True(t, errors.Is(err, asynq.SkipRetry))

	err = f.svc.HandleRunTask(ctx, asynq.NewTask(taskname.DistributionRun, []byte(`{"trigger":"manual"}`)))
	require.True(t, errors.Is(err, asynq.SkipRetry))

	f.locker.held["lock:distribution:acme"] = true
	body, _ := json.Marshal(RunPayload{AgencyID: "acme", Trigger: TriggerSchedule})
	require.NoError(t, f.svc.HandleRunTask(ctx, asynq.NewTask(taskname.DistributionRun, body)))
	require.Equal(t, int64(1000), f.balance(t, acme))

	delete(f.locker.held, "lock:distribution:acme")
	require.NoError(t, f.svc.HandleRunTask(ctx, asynq.NewTask(taskname.DistributionRun, body)))
	require.Equal(t, int64(400), f.balance(t, acme))
}

func TestUnrecordedRunIsNotRetried(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, acme, 1000)
	_, err := f.svc.UpdateSettings(ctx, "acme", true, 60)
	require.NoError(t, err)

	require.NoError(t, f.db.Migrator().DropTable(&Leg{}))

	body, _ := json.Marshal(RunPayload{AgencyID: "acme", Trigger: TriggerSchedule})
	err = f.svc.HandleRunTask(ctx, asynq.NewTask(taskname.DistributionRun, body))
	require.Error(t, err)
	require.True(t, errors.Is(err, asynq.SkipRetry))
	require.True(t, errors.Is(err, ErrRunNotRecorded))

	require.Equal(t, int64(400), f.balance(t, acme))
	for _, id := range []string{"u1", "u2", "u3"} {
		require.Equal(t, int64(200), f.balance(t, credit.User(id)), id)
	}
	require.Len(t, f.archiver.objects, 1)
	require.Empty(t, f.locker.held)
}

func TestDistributeReportsUnrecordedRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, acme, 1000)
	_, err := f.svc.UpdateSettings(ctx, "acme", true, 60)
	require.NoError(t, err)
	require.NoError(t, f.db.Migrator().DropTable(&Run{}))

	run, err := f.svc.Distribute(ctx, "acme")
	require.ErrorIs(t, err, ErrRunNotRecorded)
	require.Equal(t, errutil.StatusInternal, errutil.StatusOf(err))
	require.NotNil(t, run)
	require.Equal(t, int64(600), run.Paid)
	require.NotZero(t, run.DebitTransactionID)
}

func TestEnqueueScheduled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.agents.agencies = []string{"acme", "beta", "gamma", "delta"}

	for _, s := range []struct {
		id      string
		enabled bool
		pct     int
	}{
		{"acme", true, 50},
		{"beta", false, 50},
		{"gamma", true, 0},
		{"orphan", true, 50},
	} {
		_, err := f.svc.UpdateSettings(ctx, s.id, s.enabled, s.pct)
		require.NoError(t, err)
	}

	n, err := f.svc.EnqueueScheduled(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, []RunPayload{{AgencyID: "acme", Trigger: TriggerSchedule}}, f.enqueuer.payloads(t))
}
