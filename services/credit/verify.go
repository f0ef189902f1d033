package credit

import (
	"context"
	"fmt"

	"estate-credits/pkg/db/option"

	"gorm.io/gorm"
)

// Verification is the outcome of replaying an owner's completed log.
type Verification struct {
	Owner        Owner    `json:"owner"`
	Balance      int64    `json:"balance"`
	Sum          int64    `json:"sum"`
	Transactions int      `json:"transactions"`
	Valid        bool     `json:"valid"`
	Problems     []string `json:"problems,omitempty"`
}

// VerifyLedger replays the completed transactions of owner in sequence
// order and checks them against the balance record. The account row is
// locked while reading so both reads see the same ledger state.
func (s *Service) VerifyLedger(ctx context.Context, owner Owner) (*Verification, error) {
	if err := s.resolve(ctx, owner); err != nil {
		return nil, err
	}

	var (
		acc  *Account
		rows []*Transaction
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		acc, err = s.lockAccount(ctx, tx, owner, false)
		if err != nil || acc == nil {
			return err
		}
		rows, err = s.transactions.WithTrx(tx).Find(ctx, &Transaction{AccountID: acc.ID, Status: StatusCompleted},
			option.WithSortBy(option.QuerySortBy{SortBy: "sequence", OrderBy: "asc", Allow: map[string]bool{"sequence": true}}),
		)
		return err
	})
	if err != nil {
		return nil, err
	}

	v := &Verification{Owner: owner}
	if acc == nil {
		v.Valid = true
		return v, nil
	}
	v.Balance = acc.CurrentBalance

	var (
		prevHash string
		earned   int64
		spent    int64
	)
	for i, txn := range rows {
		want := int64(i + 1)
		if txn.Sequence != want {
			v.problem("transaction %s has sequence %d, want %d", txn.ID, txn.Sequence, want)
		}
		if txn.PreviousHash != prevHash {
			v.problem("transaction %s breaks the hash chain", txn.ID)
		}
		if txn.ComputeHash() != txn.Hash {
			v.problem("transaction %s hash mismatch", txn.ID)
		}

		v.Sum += txn.Delta
		if txn.Delta > 0 {
			earned += txn.Delta
		} else {
			spent += -txn.Delta
		}
		if txn.BalanceAfter != v.Sum {
			v.problem("transaction %s balance_after %d, running sum %d", txn.ID, txn.BalanceAfter, v.Sum)
		}
		if v.Sum < 0 {
			v.problem("running balance negative after transaction %s", txn.ID)
		}

		prevHash = txn.Hash
	}

	v.Transactions = len(rows)
	if v.Sum != acc.CurrentBalance {
		v.problem("balance %d differs from sum of deltas %d", acc.CurrentBalance, v.Sum)
	}
	if acc.LifetimeEarned != earned || acc.LifetimeSpent != spent {
		v.problem("lifetime totals %d/%d differ from log %d/%d", acc.LifetimeEarned, acc.LifetimeSpent, earned, spent)
	}
	if acc.LifetimeEarned-acc.LifetimeSpent != acc.CurrentBalance {
		v.problem("earned - spent != balance")
	}
	if acc.LastHash != prevHash {
		v.problem("account head hash does not match the last transaction")
	}
	if acc.Version != int64(len(rows)) {
		v.problem("account version %d, completed transactions %d", acc.Version, len(rows))
	}

	v.Valid = len(v.Problems) == 0
	return v, nil
}

func (v *Verification) problem(format string, args ...any) {
	v.Problems = append(v.Problems, fmt.Sprintf(format, args...))
}
