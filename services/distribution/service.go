package distribution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"estate-credits/pkg/config"
	"estate-credits/pkg/db/pagination"
	"estate-credits/pkg/errutil"
	"estate-credits/pkg/logger"
	"estate-credits/pkg/redis"
	"estate-credits/pkg/rediskey"
	"estate-credits/pkg/repository"
	"estate-credits/pkg/sequence"
	"estate-credits/pkg/task"
	"estate-credits/services/credit"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrRunInProgress = errors.New("distribution: run already in progress")
	// ErrRunNotRecorded means credits moved but the run row could not be
	// written. Running again would pay the agents a second time.
	ErrRunNotRecorded = errors.New("distribution: credits moved but run not recorded")
)

// Ledger is the part of the credit service a distribution run moves credits through.
type Ledger interface {
	GetBalance(ctx context.Context, owner credit.Owner) (int64, error)
	Withdraw(ctx context.Context, owner credit.Owner, amount int64, memo credit.Memo, kind credit.Kind) (*credit.Transaction, error)
	Deposit(ctx context.Context, owner credit.Owner, amount int64, memo credit.Memo, kind credit.Kind) (*credit.Transaction, error)
	GetTransactionHistory(ctx context.Context, owner credit.Owner, page pagination.Pagination) ([]*credit.Transaction, *pagination.PageInfo, error)
}

// AgentLister resolves agency membership.
type AgentLister interface {
	// ActiveAgents returns agent user ids in a stable order.
	ActiveAgents(ctx context.Context, agencyID string) ([]string, error)
	ListAgencyIDs(ctx context.Context) ([]string, error)
}

// ReportArchiver keeps a copy of run reports outside the database.
type ReportArchiver interface {
	PutJSON(ctx context.Context, key string, body []byte) error
}

type Service struct {
	db   *gorm.DB
	node *snowflake.Node

	pools repository.Repository[Pool]
	runs  repository.Repository[Run]
	legs  repository.Repository[Leg]

	ledger   Ledger
	agents   AgentLister
	locker   redis.Locker
	archiver ReportArchiver
	sequence sequence.Generator
	enqueuer task.Enqueuer

	lockTTL time.Duration
	now     func() time.Time
}

type ServiceParams struct {
	fx.In
	DB       *gorm.DB
	Node     *snowflake.Node
	Ledger   Ledger
	Agents   AgentLister
	Config   *config.Config     `optional:"true"`
	Locker   redis.Locker       `optional:"true"`
	Archiver ReportArchiver     `optional:"true"`
	Sequence sequence.Generator `optional:"true"`
	Enqueuer task.Enqueuer      `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	s := &Service{
		db:   p.DB,
		node: p.Node,

		pools: repository.ProvideStore[Pool](p.DB),
		runs:  repository.ProvideStore[Run](p.DB),
		legs:  repository.ProvideStore[Leg](p.DB),

		ledger:   p.Ledger,
		agents:   p.Agents,
		locker:   p.Locker,
		archiver: p.Archiver,
		sequence: p.Sequence,
		enqueuer: p.Enqueuer,

		lockTTL: 5 * time.Minute,
		now:     func() time.Time { return time.Now().UTC() },
	}
	if p.Config != nil && p.Config.Distribution.LockTTL > 0 {
		s.lockTTL = p.Config.Distribution.LockTTL
	}
	return s
}

// Distribute pays the agency's configured share of its pool out to its
// active agents. The pool is debited once; every agent credit is its own
// transaction and failed legs are returned to the pool in one refund.
func (s *Service) Distribute(ctx context.Context, agencyID string) (*Run, error) {
	log := logger.FromContext(ctx).With(zap.String("agency_id", agencyID))

	if s.locker != nil {
		release, err := s.locker.Obtain(ctx, rediskey.BuildDistributionLockKey(agencyID), s.lockTTL)
		if errors.Is(err, redis.ErrLockHeld) {
			return nil, errutil.Conflict(fmt.Sprintf("distribution already running for agency %s", agencyID), ErrRunInProgress)
		}
		if err != nil {
			return nil, err
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				log.Warn("failed to release distribution lock", zap.Error(err))
			}
		}()
	}

	run := &Run{ID: s.node.Generate(), AgencyID: agencyID, CreatedAt: s.now()}

	pool, err := s.pools.FindOne(ctx, &Pool{AgencyID: agencyID})
	if err != nil {
		return nil, err
	}
	if pool == nil || !pool.Enabled {
		return s.skip(ctx, run, "pool disabled"), nil
	}
	run.Percentage = pool.Percentage
	if pool.Percentage <= 0 {
		return s.skip(ctx, run, "percentage is zero"), nil
	}

	agents, err := s.agents.ActiveAgents(ctx, agencyID)
	if err != nil {
		return nil, err
	}
	if len(agents) == 0 {
		return s.skip(ctx, run, "no active agents"), nil
	}

	agency := credit.Agency(agencyID)
	run.PoolBalance, err = s.ledger.GetBalance(ctx, agency)
	if err != nil {
		return nil, err
	}

	alloc := Plan(run.PoolBalance, agents, pool.Percentage)
	run.Planned = alloc.Total
	if alloc.Total == 0 {
		return s.skip(ctx, run, "nothing to distribute"), nil
	}

	run.Reference = s.reference(ctx, run)
	runKey := "distribution:" + run.ID.String()

	debit, err := s.ledger.Withdraw(ctx, agency, alloc.Total, credit.Memo{
		Description:    fmt.Sprintf("Team distribution %s to %d agents", run.Reference, len(alloc.Shares)),
		TargetID:       run.ID.String(),
		AgencyID:       agencyID,
		Reference:      run.Reference,
		IdempotencyKey: runKey,
	}, credit.KindTransfer)
	if err != nil {
		log.Error("failed to debit agency pool", zap.Int64("amount", alloc.Total), zap.Error(err))
		return nil, err
	}
	run.DebitTransactionID = debit.ID

	// the pool is already debited, so the legs finish even if the caller goes away
	legCtx := context.WithoutCancel(ctx)

	report := Report{AgencyID: agencyID, RunID: run.ID.String(), Reference: run.Reference}
	for _, share := range alloc.Shares {
		leg := &Leg{ID: s.node.Generate(), RunID: run.ID, AgentID: share.AgentID, Amount: share.Amount}

		txn, err := s.ledger.Deposit(legCtx, credit.User(share.AgentID), share.Amount, credit.Memo{
			Description:    fmt.Sprintf("Team distribution %s from agency %s", run.Reference, agencyID),
			TargetID:       run.ID.String(),
			AgencyID:       agencyID,
			Reference:      run.Reference,
			IdempotencyKey: runKey + ":" + share.AgentID,
		}, credit.KindTransfer)
		if err != nil {
			leg.Status, leg.Error = LegFailed, err.Error()
			run.Failed += share.Amount
			report.FailedLegs = append(report.FailedLegs, FailedShare{Share: share, Error: err.Error()})
		} else {
			leg.Status, leg.TransactionID = LegPaid, txn.ID
			run.Paid += share.Amount
			report.Succeeded = append(report.Succeeded, share)
		}

		legsTotal.WithLabelValues(string(leg.Status)).Inc()
		legCredits.WithLabelValues(string(leg.Status)).Add(float64(share.Amount))
		run.Legs = append(run.Legs, leg)
	}

	run.Status = RunCompleted
	if run.Failed > 0 {
		run.Status = RunPartial
		log.Error("distribution legs failed",
			zap.Strings("succeeded", agentIDs(report.Succeeded)),
			zap.Strings("failed", failedIDs(report.FailedLegs)),
			zap.Int64("paid", run.Paid),
			zap.Int64("failed_amount", run.Failed),
		)

		refund, err := s.ledger.Deposit(legCtx, agency, run.Failed, credit.Memo{
			Description:    fmt.Sprintf("Undelivered team distribution %s", run.Reference),
			TargetID:       run.ID.String(),
			AgencyID:       agencyID,
			Reference:      run.Reference,
			IdempotencyKey: runKey + ":refund",
		}, credit.KindRefund)
		if err != nil {
			log.Error("failed to return undelivered credits to pool, replay the run report",
				zap.Int64("amount", run.Failed), zap.Error(err))
		} else {
			run.Refunded = run.Failed
			run.RefundTransactionID = refund.ID
		}
	}

	report.PoolBalance, report.Percentage = run.PoolBalance, run.Percentage
	report.Planned, report.Paid, report.Failed, report.Refunded = run.Planned, run.Paid, run.Failed, run.Refunded
	run.Report, _ = json.Marshal(report)

	if err := s.persist(legCtx, run); err != nil {
		s.archive(legCtx, run)
		runsTotal.WithLabelValues(string(run.Status)).Inc()
		log.Error("failed to persist distribution run, credits already moved",
			zap.String("run_id", run.ID.String()),
			zap.ByteString("report", run.Report),
			zap.Error(err))
		return run, errutil.Internal(fmt.Sprintf("distribution run %s was paid out but not recorded", run.ID),
			fmt.Errorf("%w: %w", ErrRunNotRecorded, err))
	}
	s.archive(legCtx, run)

	runsTotal.WithLabelValues(string(run.Status)).Inc()
	log.Info("distribution run finished",
		zap.String("run_id", run.ID.String()),
		zap.String("status", string(run.Status)),
		zap.Int64("planned", run.Planned),
		zap.Int64("paid", run.Paid),
	)
	return run, nil
}

func (s *Service) skip(ctx context.Context, run *Run, reason string) *Run {
	run.Status, run.SkipReason = RunSkipped, reason
	runsTotal.WithLabelValues(string(RunSkipped)).Inc()
	logger.FromContext(ctx).Info("distribution skipped",
		zap.String("agency_id", run.AgencyID), zap.String("reason", reason))
	return run
}

func (s *Service) reference(ctx context.Context, run *Run) string {
	if s.sequence == nil {
		return run.ID.String()
	}
	ref, err := s.sequence.NextDistributionReference(ctx)
	if err != nil {
		logger.FromContext(ctx).Warn("failed to allocate distribution reference", zap.Error(err))
		return run.ID.String()
	}
	return ref
}

func (s *Service) persist(ctx context.Context, run *Run) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.runs.WithTrx(tx).Create(ctx, run); err != nil {
			return err
		}
		if err := s.legs.WithTrx(tx).BatchCreate(ctx, run.Legs); err != nil {
			return err
		}
		return tx.Model(&Pool{}).Where("agency_id = ?", run.AgencyID).
			Update("last_run_at", run.CreatedAt).Error
	})
}

func (s *Service) archive(ctx context.Context, run *Run) {
	if s.archiver == nil {
		return
	}
	key := fmt.Sprintf("distribution-runs/%s/%s.json", run.AgencyID, run.ID)
	if err := s.archiver.PutJSON(ctx, key, run.Report); err != nil {
		logger.FromContext(ctx).Warn("failed to archive distribution report",
			zap.String("run_id", run.ID.String()), zap.Error(err))
	}
}

// GetRun loads a persisted run with its legs.
func (s *Service) GetRun(ctx context.Context, id snowflake.ID) (*Run, error) {
	run, err := s.runs.FindOne(ctx, &Run{ID: id})
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, errutil.NotFound(fmt.Sprintf("distribution run %s not found", id), nil)
	}
	run.Legs, err = s.legs.Find(ctx, &Leg{RunID: id})
	if err != nil {
		return nil, err
	}
	return run, nil
}

// Settings returns the pool settings, disabled when none were saved.
func (s *Service) Settings(ctx context.Context, agencyID string) (*Pool, error) {
	pool, err := s.pools.FindOne(ctx, &Pool{AgencyID: agencyID})
	if err != nil {
		return nil, err
	}
	if pool == nil {
		pool = &Pool{AgencyID: agencyID}
	}
	return pool, nil
}

// UpdateSettings stores the pool settings with the percentage clamped to [0, 100].
func (s *Service) UpdateSettings(ctx context.Context, agencyID string, enabled bool, pct int) (*Pool, error) {
	if agencyID == "" {
		return nil, errutil.BadRequest("agency id is required", nil)
	}

	pool := &Pool{
		AgencyID:   agencyID,
		Enabled:    enabled,
		Percentage: clampPercentage(pct),
		UpdatedAt:  s.now(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "agency_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"enabled", "percentage", "updated_at"}),
	}).Create(pool).Error
	if err != nil {
		return nil, err
	}

	logger.FromContext(ctx).Info("distribution settings updated",
		zap.String("agency_id", agencyID), zap.Bool("enabled", pool.Enabled), zap.Int("percentage", pool.Percentage))
	return s.Settings(ctx, agencyID)
}

type AgentBalance struct {
	AgentID string `json:"agent_id"`
	Balance int64  `json:"balance"`
}

type TeamSummary struct {
	AgencyID          string                `json:"agency_id"`
	PoolBalance       int64                 `json:"pool_balance"`
	Settings          *Pool                 `json:"settings"`
	Agents            []AgentBalance        `json:"agents"`
	TotalAgentCredits int64                 `json:"total_agent_credits"`
	AverageAgent      int64                 `json:"average_agent_credits"`
	RecentPool        []*credit.Transaction `json:"recent_pool_transactions"`
}

const recentPoolTransactions = 10

func (s *Service) TeamSummary(ctx context.Context, agencyID string) (*TeamSummary, error) {
	agency := credit.Agency(agencyID)

	settings, err := s.Settings(ctx, agencyID)
	if err != nil {
		return nil, err
	}
	balance, err := s.ledger.GetBalance(ctx, agency)
	if err != nil {
		return nil, err
	}
	agents, err := s.agents.ActiveAgents(ctx, agencyID)
	if err != nil {
		return nil, err
	}

	out := &TeamSummary{
		AgencyID:    agencyID,
		PoolBalance: balance,
		Settings:    settings,
		Agents:      make([]AgentBalance, 0, len(agents)),
	}
	for _, id := range agents {
		b, err := s.ledger.GetBalance(ctx, credit.User(id))
		if err != nil {
			return nil, err
		}
		out.Agents = append(out.Agents, AgentBalance{AgentID: id, Balance: b})
		out.TotalAgentCredits += b
	}
	if len(agents) > 0 {
		out.AverageAgent = out.TotalAgentCredits / int64(len(agents))
	}

	out.RecentPool, _, err = s.ledger.GetTransactionHistory(ctx, agency, pagination.Pagination{Page: 1, Limit: recentPoolTransactions})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func agentIDs(shares []Share) []string {
	out := make([]string, 0, len(shares))
	for _, s := range shares {
		out = append(out, s.AgentID)
	}
	return out
}

func failedIDs(shares []FailedShare) []string {
	out := make([]string, 0, len(shares))
	for _, s := range shares {
		out = append(out, s.AgentID)
	}
	return out
}
