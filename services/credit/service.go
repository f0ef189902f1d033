package credit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"estate-credits/pkg/config"
	"estate-credits/pkg/db/option"
	"estate-credits/pkg/db/pagination"
	"estate-credits/pkg/errutil"
	"estate-credits/pkg/events"
	"estate-credits/pkg/logger"
	"estate-credits/pkg/repository"
	"estate-credits/pkg/sequence"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	health "google.golang.org/grpc/health/grpc_health_v1"
	"gorm.io/gorm"
)

// OwnerResolver answers whether a user or agency exists.
type OwnerResolver interface {
	OwnerExists(ctx context.Context, owner Owner) (bool, error)
}

// Service is the only writer of credit_accounts and credit_transactions.
type Service struct {
	health.UnimplementedHealthServer

	db   *gorm.DB
	node *snowflake.Node

	accounts     repository.Repository[Account]
	transactions repository.Repository[Transaction]

	owners   OwnerResolver
	events   events.Publisher
	sequence sequence.Generator

	maxRetries   int
	retryBackoff time.Duration
	welcomeBonus int64
	agencyTrial  int64

	now func() time.Time
}

type ServiceParams struct {
	fx.In
	DB       *gorm.DB
	Node     *snowflake.Node
	Config   *config.Config
	Owners   OwnerResolver
	Events   events.Publisher   `optional:"true"`
	Sequence sequence.Generator `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	s := &Service{
		db:   p.DB,
		node: p.Node,

		accounts:     repository.ProvideStore[Account](p.DB),
		transactions: repository.ProvideStore[Transaction](p.DB),

		owners:   p.Owners,
		events:   p.Events,
		sequence: p.Sequence,

		maxRetries:   3,
		retryBackoff: 20 * time.Millisecond,
		welcomeBonus: 100,
		agencyTrial:  500,

		now: func() time.Time { return time.Now().UTC() },
	}

	if p.Config != nil {
		l := p.Config.Ledger
		if l.MaxRetries > 0 {
			s.maxRetries = l.MaxRetries
		}
		if l.RetryBackoff > 0 {
			s.retryBackoff = l.RetryBackoff
		}
		s.welcomeBonus = l.WelcomeBonus
		s.agencyTrial = l.AgencyTrialCredits
	}

	if s.events == nil {
		s.events = events.Nop{}
	}

	return s
}

func (s *Service) HasSufficientCredits(ctx context.Context, owner Owner, amount int64) (bool, error) {
	if amount <= 0 {
		return false, invalidAmount(amount)
	}

	balance, err := s.GetBalance(ctx, owner)
	if err != nil {
		return false, err
	}

	return balance >= amount, nil
}

func (s *Service) GetBalance(ctx context.Context, owner Owner) (int64, error) {
	acc, err := s.GetAccount(ctx, owner)
	if err != nil {
		return 0, err
	}
	return acc.CurrentBalance, nil
}

// GetAccount returns the owner's balance record. Owners that never received
// credits get an unsaved zero record.
func (s *Service) GetAccount(ctx context.Context, owner Owner) (*Account, error) {
	if err := s.resolve(ctx, owner); err != nil {
		return nil, err
	}

	acc, err := s.accounts.FindOne(ctx, &Account{OwnerType: owner.Type, OwnerID: owner.ID})
	if err != nil {
		logger.FromContext(ctx).Error("failed to query account", zap.String("owner", owner.String()), zap.Error(err))
		return nil, err
	}
	if acc == nil {
		return &Account{OwnerType: owner.Type, OwnerID: owner.ID}, nil
	}

	return acc, nil
}

// Debit spends amount as usage and returns the new balance.
func (s *Service) Debit(ctx context.Context, owner Owner, amount int64, memo Memo) (int64, error) {
	txn, err := s.Withdraw(ctx, owner, amount, memo, KindUsage)
	if err != nil {
		return 0, err
	}
	return txn.BalanceAfter, nil
}

// Credit adds amount and returns the new balance.
func (s *Service) Credit(ctx context.Context, owner Owner, amount int64, memo Memo, kind Kind) (int64, error) {
	txn, err := s.Deposit(ctx, owner, amount, memo, kind)
	if err != nil {
		return 0, err
	}
	return txn.BalanceAfter, nil
}

// Withdraw is Debit with an explicit kind, returning the completed transaction.
func (s *Service) Withdraw(ctx context.Context, owner Owner, amount int64, memo Memo, kind Kind) (*Transaction, error) {
	log := logger.FromContext(ctx).With(zap.String("owner", owner.String()), zap.Int64("amount", amount))

	if amount <= 0 {
		return nil, invalidAmount(amount)
	}
	if !kind.Valid() {
		return nil, errutil.BadRequest(fmt.Sprintf("unknown transaction kind %q", kind), nil)
	}
	if err := s.resolve(ctx, owner); err != nil {
		return nil, err
	}

	txn, err := s.apply(ctx, mutation{owner: owner, kind: kind, delta: -amount, memo: memo})
	if err != nil {
		if errors.Is(err, ErrInsufficientCredits) {
			insufficientTotal.Inc()
			log.Info("debit rejected", zap.Error(err))
		} else {
			log.Error("debit failed", zap.Error(err))
		}
		return nil, err
	}

	return txn, nil
}

// Deposit is Credit returning the completed transaction.
func (s *Service) Deposit(ctx context.Context, owner Owner, amount int64, memo Memo, kind Kind) (*Transaction, error) {
	if amount <= 0 {
		return nil, invalidAmount(amount)
	}
	if !kind.Valid() {
		return nil, errutil.BadRequest(fmt.Sprintf("unknown transaction kind %q", kind), nil)
	}
	if err := s.resolve(ctx, owner); err != nil {
		return nil, err
	}

	txn, err := s.apply(ctx, mutation{owner: owner, kind: kind, delta: amount, memo: memo})
	if err != nil {
		logger.FromContext(ctx).Error("credit failed",
			zap.String("owner", owner.String()), zap.Int64("amount", amount), zap.Error(err))
		return nil, err
	}

	return txn, nil
}

// RefundTransaction credits back a completed debit once.
func (s *Service) RefundTransaction(ctx context.Context, owner Owner, id snowflake.ID, reason string) (*Transaction, error) {
	if id == 0 {
		return nil, errutil.NotFound("transaction id is required", ErrTransactionNotFound)
	}

	original, err := s.transactions.FindOne(ctx, &Transaction{ID: id})
	if err != nil {
		return nil, err
	}
	if original == nil || original.Owner() != owner {
		return nil, errutil.NotFound(fmt.Sprintf("transaction %s not found for %s", id, owner), ErrTransactionNotFound)
	}
	if original.Status != StatusCompleted || original.Delta >= 0 {
		return nil, errutil.UnprocessableEntity("only completed debits can be refunded", nil)
	}

	if reason == "" {
		reason = "refund of " + original.Description
	}

	return s.Deposit(ctx, owner, -original.Delta, Memo{
		Description:    reason,
		TargetID:       original.TargetID,
		AgencyID:       original.AgencyID,
		Reference:      original.ID.String(),
		IdempotencyKey: "refund:" + original.ID.String(),
	}, KindRefund)
}

func (s *Service) GetTransactionHistory(ctx context.Context, owner Owner, page pagination.Pagination) ([]*Transaction, *pagination.PageInfo, error) {
	if err := s.resolve(ctx, owner); err != nil {
		return nil, nil, err
	}

	page = page.Normalize()
	rows, err := s.transactions.Find(ctx, &Transaction{OwnerType: owner.Type, OwnerID: owner.ID},
		option.WithSortBy(option.QuerySortBy{SortBy: "created_at", OrderBy: "desc"}),
		option.WithSortBy(option.QuerySortBy{SortBy: "id", OrderBy: "desc", Allow: map[string]bool{"id": true}}),
		option.WithLimit(page.FetchLimit()),
		option.WithOffset(page.Offset()),
	)
	if err != nil {
		logger.FromContext(ctx).Error("failed to query transactions", zap.String("owner", owner.String()), zap.Error(err))
		return nil, nil, err
	}

	rows, info := pagination.BuildPageInfo(rows, page)
	return rows, info, nil
}

func (s *Service) resolve(ctx context.Context, owner Owner) error {
	if !owner.Valid() {
		return errutil.BadRequest(fmt.Sprintf("invalid owner %q", owner), nil)
	}

	ok, err := s.owners.OwnerExists(ctx, owner)
	if err != nil {
		return errutil.ServiceUnavailable("owner lookup failed", err)
	}
	if !ok {
		return ownerNotFound(owner)
	}

	return nil
}

type mutation struct {
	owner Owner
	kind  Kind
	delta int64
	memo  Memo
}

// apply runs the per-owner critical section: lock, check, write balance,
// append transaction. It never calls out of the database.
func (s *Service) apply(ctx context.Context, m mutation) (*Transaction, error) {
	var (
		result   *Transaction
		replayed bool
	)

	err := s.withRetry(ctx, m.owner.String(), func() error {
		result, replayed = nil, false

		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			acc, err := s.lockAccount(ctx, tx, m.owner, m.delta > 0)
			if err != nil {
				return err
			}

			prior, err := s.findByIdempotencyKey(ctx, tx, acc, m.memo.IdempotencyKey)
			if err != nil {
				return err
			}
			if prior != nil {
				if prior.Status != StatusCompleted || prior.Delta != m.delta {
					return errutil.Conflict(fmt.Sprintf("idempotency key %q already used", m.memo.IdempotencyKey), ErrIdempotencyConflict)
				}
				prior.Replayed = true
				result, replayed = prior, true
				return nil
			}

			var balance int64
			if acc != nil {
				balance = acc.CurrentBalance
			}
			if m.delta < 0 && balance < -m.delta {
				return insufficientCredits(m.owner, -m.delta, balance)
			}

			now := s.now()
			txn := s.newTransaction(acc, m.kind, m.delta, m.memo, now)
			next := acc.withDelta(m.delta, now)
			if err := txn.Complete(next.CurrentBalance, next.Version, acc.LastHash, now); err != nil {
				return err
			}
			next.LastHash = txn.Hash

			if err := compareAndSwap(ctx, tx, acc, &next); err != nil {
				return err
			}
			if err := s.transactions.WithTrx(tx).Create(ctx, txn); err != nil {
				if errors.Is(err, gorm.ErrDuplicatedKey) {
					return ErrConcurrentModification
				}
				return err
			}

			result = txn
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	if !replayed {
		s.recordCompleted(ctx, result)
	}
	return result, nil
}

func (s *Service) withRetry(ctx context.Context, subject string, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if !errors.Is(err, ErrConcurrentModification) {
			return err
		}

		conflictsTotal.Inc()
		if attempt >= s.maxRetries {
			logger.FromContext(ctx).Warn("ledger retries exhausted",
				zap.String("subject", subject), zap.Int("attempts", attempt+1))
			return transientConflict(subject)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.retryBackoff * time.Duration(attempt+1)):
		}
	}
}

// lockAccount reads the account FOR UPDATE, creating it when create is set.
// A losing concurrent insert surfaces as ErrConcurrentModification.
func (s *Service) lockAccount(ctx context.Context, tx *gorm.DB, owner Owner, create bool) (*Account, error) {
	acc, err := s.accounts.WithTrx(tx).FindOne(ctx, &Account{OwnerType: owner.Type, OwnerID: owner.ID}, option.WithLockingUpdate())
	if err != nil || acc != nil || !create {
		return acc, err
	}

	acc = &Account{
		ID:            s.node.Generate(),
		OwnerType:     owner.Type,
		OwnerID:       owner.ID,
		LastUpdatedAt: s.now(),
	}
	if err := s.accounts.WithTrx(tx).Create(ctx, acc); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrConcurrentModification
		}
		return nil, err
	}

	return acc, nil
}

// FindByIdempotencyKey returns the owner's transaction recorded under key, or
// nil when the key was never used.
func (s *Service) FindByIdempotencyKey(ctx context.Context, owner Owner, key string) (*Transaction, error) {
	if key == "" {
		return nil, nil
	}
	acc, err := s.accounts.FindOne(ctx, &Account{OwnerType: owner.Type, OwnerID: owner.ID})
	if err != nil {
		return nil, err
	}
	txn, err := s.findByIdempotencyKey(ctx, s.db, acc, key)
	if err != nil || txn == nil {
		return txn, err
	}
	txn.Replayed = true
	return txn, nil
}

func (s *Service) findByIdempotencyKey(ctx context.Context, tx *gorm.DB, acc *Account, key string) (*Transaction, error) {
	if key == "" || acc == nil {
		return nil, nil
	}
	return s.transactions.WithTrx(tx).FindOne(ctx, &Transaction{AccountID: acc.ID, IdempotencyKey: &key})
}

// compareAndSwap writes next only if the row still carries prev.Version.
func compareAndSwap(ctx context.Context, tx *gorm.DB, prev, next *Account) error {
	res := tx.WithContext(ctx).Model(&Account{}).
		Where("id = ? AND version = ?", prev.ID, prev.Version).
		Updates(map[string]any{
			"current_balance": next.CurrentBalance,
			"lifetime_earned": next.LifetimeEarned,
			"lifetime_spent":  next.LifetimeSpent,
			"last_hash":       next.LastHash,
			"version":         next.Version,
			"last_updated_at": next.LastUpdatedAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrConcurrentModification
	}
	return nil
}

func (s *Service) newTransaction(acc *Account, kind Kind, delta int64, memo Memo, now time.Time) *Transaction {
	return &Transaction{
		ID:             s.node.Generate(),
		AccountID:      acc.ID,
		OwnerType:      acc.OwnerType,
		OwnerID:        acc.OwnerID,
		Kind:           kind,
		Status:         StatusPending,
		Delta:          delta,
		Description:    memo.Description,
		Reference:      memo.Reference,
		TargetID:       memo.TargetID,
		AgencyID:       memo.AgencyID,
		IdempotencyKey: memo.idempotencyKey(),
		Metadata:       memo.metadataJSON(),
		CreatedAt:      now,
	}
}

// TransactionEvent is published after a transaction completes.
type TransactionEvent struct {
	TransactionID string    `json:"transaction_id"`
	Owner         Owner     `json:"owner"`
	Kind          Kind      `json:"kind"`
	Delta         int64     `json:"delta"`
	BalanceAfter  int64     `json:"balance_after"`
	TargetID      string    `json:"target_id,omitempty"`
	AgencyID      string    `json:"agency_id,omitempty"`
	Reference     string    `json:"reference,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

func (s *Service) recordCompleted(ctx context.Context, txn *Transaction) {
	mutationsTotal.WithLabelValues(string(txn.Kind), direction(txn.Delta)).Inc()

	occurred := txn.CreatedAt
	if txn.ProcessedAt != nil {
		occurred = *txn.ProcessedAt
	}

	evt := TransactionEvent{
		TransactionID: txn.ID.String(),
		Owner:         txn.Owner(),
		Kind:          txn.Kind,
		Delta:         txn.Delta,
		BalanceAfter:  txn.BalanceAfter,
		TargetID:      txn.TargetID,
		AgencyID:      txn.AgencyID,
		Reference:     txn.Reference,
		OccurredAt:    occurred,
	}
	if err := s.events.Publish(ctx, events.TransactionCompletedType, txn.Owner().String(), evt); err != nil {
		logger.FromContext(ctx).Warn("failed to publish transaction event",
			zap.String("transaction_id", txn.ID.String()), zap.Error(err))
	}
}

// ParseTransactionID parses the decimal form of a transaction id.
func ParseTransactionID(raw string) (snowflake.ID, error) {
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, errutil.BadRequest(fmt.Sprintf("invalid transaction id %q", raw), err)
	}
	return snowflake.ID(n), nil
}
