package credit

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"estate-credits/pkg/db/option"
	"estate-credits/pkg/errutil"
	"estate-credits/pkg/logger"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const Currency = "RSD"

// CreditPackage is a purchasable bundle of credits paid by bank transfer.
type CreditPackage struct {
	Code    string          `json:"code"`
	Credits int64           `json:"credits"`
	Price   decimal.Decimal `json:"price"`
}

var packages = map[string]CreditPackage{
	"STARTER":    {Code: "STARTER", Credits: 1000, Price: decimal.NewFromInt(1000)},
	"STANDARD":   {Code: "STANDARD", Credits: 2500, Price: decimal.NewFromInt(2250)},
	"PRO":        {Code: "PRO", Credits: 5000, Price: decimal.NewFromInt(4250)},
	"ENTERPRISE": {Code: "ENTERPRISE", Credits: 10000, Price: decimal.NewFromInt(8000)},
}

func LookupPackage(code string) (CreditPackage, bool) {
	p, ok := packages[code]
	return p, ok
}

// Packages lists credit packages from smallest to largest.
func Packages() []CreditPackage {
	out := make([]CreditPackage, 0, len(packages))
	for _, p := range packages {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Credits < out[j].Credits })
	return out
}

// UnitPrice is the price of one credit in this package.
func (p CreditPackage) UnitPrice() decimal.Decimal {
	return p.Price.Div(decimal.NewFromInt(p.Credits)).Round(4)
}

// DiscountPercent is the saving against the 1:1 peg.
func (p CreditPackage) DiscountPercent() decimal.Decimal {
	face := decimal.NewFromInt(p.Credits)
	return face.Sub(p.Price).Div(face).Mul(decimal.NewFromInt(100)).Round(2)
}

// RecordPurchase stores a pending purchase awaiting bank transfer
// confirmation. The balance is untouched until ConfirmPurchase.
func (s *Service) RecordPurchase(ctx context.Context, owner Owner, packageCode string) (*Transaction, error) {
	pkg, ok := LookupPackage(packageCode)
	if !ok {
		return nil, errutil.BadRequest(fmt.Sprintf("unknown credit package %q", packageCode), ErrUnknownPackage)
	}
	if err := s.resolve(ctx, owner); err != nil {
		return nil, err
	}

	reference, err := s.nextPurchaseReference(ctx)
	if err != nil {
		return nil, err
	}

	var txn *Transaction
	err = s.withRetry(ctx, owner.String(), func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			acc, err := s.lockAccount(ctx, tx, owner, true)
			if err != nil {
				return err
			}

			txn = s.newTransaction(acc, KindPurchase, pkg.Credits, Memo{
				Description: fmt.Sprintf("Purchase of %s package (%d credits)", pkg.Code, pkg.Credits),
				TargetID:    pkg.Code,
				Reference:   reference,
				Metadata: map[string]any{
					"package":  pkg.Code,
					"price":    pkg.Price.StringFixed(2),
					"currency": Currency,
				},
			}, s.now())

			return s.transactions.WithTrx(tx).Create(ctx, txn)
		})
	})
	if err != nil {
		logger.FromContext(ctx).Error("failed to record purchase", zap.String("owner", owner.String()), zap.Error(err))
		return nil, err
	}

	return txn, nil
}

// ConfirmPurchase completes a pending purchase and credits its amount.
func (s *Service) ConfirmPurchase(ctx context.Context, id snowflake.ID, notes string) (*Transaction, error) {
	var txn *Transaction

	err := s.withRetry(ctx, "purchase:"+id.String(), func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			pending, err := s.lockPending(ctx, tx, id)
			if err != nil {
				return err
			}

			acc, err := s.accounts.WithTrx(tx).FindOne(ctx, &Account{ID: pending.AccountID}, option.WithLockingUpdate())
			if err != nil {
				return err
			}
			if acc == nil {
				return errutil.Internal(fmt.Sprintf("account %s of purchase %s is missing", pending.AccountID, id), nil)
			}

			now := s.now()
			next := acc.withDelta(pending.Delta, now)
			if err := pending.Complete(next.CurrentBalance, next.Version, acc.LastHash, now); err != nil {
				return err
			}
			if notes != "" {
				pending.AdminNotes = notes
			}
			next.LastHash = pending.Hash

			if err := compareAndSwap(ctx, tx, acc, &next); err != nil {
				return err
			}
			if err := s.settle(ctx, tx, pending); err != nil {
				return err
			}

			txn = pending
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	s.recordCompleted(ctx, txn)
	return txn, nil
}

// RejectPurchase fails a pending purchase; nothing is credited.
func (s *Service) RejectPurchase(ctx context.Context, id snowflake.ID, notes string) (*Transaction, error) {
	var txn *Transaction

	err := s.withRetry(ctx, "purchase:"+id.String(), func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			pending, err := s.lockPending(ctx, tx, id)
			if err != nil {
				return err
			}
			if err := pending.Fail(notes, s.now()); err != nil {
				return err
			}
			if err := s.settle(ctx, tx, pending); err != nil {
				return err
			}
			txn = pending
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return txn, nil
}

func (s *Service) lockPending(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*Transaction, error) {
	if id == 0 {
		return nil, errutil.NotFound("transaction id is required", ErrTransactionNotFound)
	}

	txn, err := s.transactions.WithTrx(tx).FindOne(ctx, &Transaction{ID: id}, option.WithLockingUpdate())
	if err != nil {
		return nil, err
	}
	if txn == nil || txn.Kind != KindPurchase {
		return nil, errutil.NotFound(fmt.Sprintf("purchase %s not found", id), ErrTransactionNotFound)
	}
	if txn.Status.Terminal() {
		return nil, errutil.Conflict(fmt.Sprintf("purchase %s is already %s", id, txn.Status), ErrTerminalState)
	}
	return txn, nil
}

// settle persists the terminal state of a transaction that was pending.
func (s *Service) settle(ctx context.Context, tx *gorm.DB, txn *Transaction) error {
	res := tx.WithContext(ctx).Model(&Transaction{}).
		Where("id = ? AND status = ?", txn.ID, StatusPending).
		Updates(map[string]any{
			"status":        txn.Status,
			"balance_after": txn.BalanceAfter,
			"sequence":      txn.Sequence,
			"previous_hash": txn.PreviousHash,
			"hash":          txn.Hash,
			"admin_notes":   txn.AdminNotes,
			"processed_at":  txn.ProcessedAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrConcurrentModification
	}
	return nil
}

func (s *Service) nextPurchaseReference(ctx context.Context) (string, error) {
	if s.sequence == nil {
		return "PUR-" + s.node.Generate().String(), nil
	}

	ref, err := s.sequence.NextPurchaseReference(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return "", err
		}
		logger.FromContext(ctx).Warn("sequence unavailable, falling back to snowflake reference", zap.Error(err))
		return "PUR-" + s.node.Generate().String(), nil
	}
	return ref, nil
}
