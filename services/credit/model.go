package credit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type OwnerType string

const (
	OwnerUser   OwnerType = "user"
	OwnerAgency OwnerType = "agency"
)

func (t OwnerType) Valid() bool {
	return t == OwnerUser || t == OwnerAgency
}

func ParseOwnerType(s string) (OwnerType, error) {
	t := OwnerType(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown owner type %q", s)
	}
	return t, nil
}

// Owner identifies the holder of a ledger: a user or an agency.
type Owner struct {
	Type OwnerType `json:"type"`
	ID   string    `json:"id"`
}

func User(id string) Owner   { return Owner{Type: OwnerUser, ID: id} }
func Agency(id string) Owner { return Owner{Type: OwnerAgency, ID: id} }

func (o Owner) String() string {
	return string(o.Type) + ":" + o.ID
}

func (o Owner) Valid() bool {
	return o.Type.Valid() && strings.TrimSpace(o.ID) != ""
}

type Kind string

const (
	KindPurchase   Kind = "purchase"
	KindUsage      Kind = "usage"
	KindBonus      Kind = "bonus"
	KindRefund     Kind = "refund"
	KindAdjustment Kind = "adjustment"
	KindTransfer   Kind = "transfer"
)

func (k Kind) Valid() bool {
	switch k {
	case KindPurchase, KindUsage, KindBonus, KindRefund, KindAdjustment, KindTransfer:
		return true
	}
	return false
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Account is the balance record of one owner.
type Account struct {
	ID             snowflake.ID `gorm:"column:id;primaryKey;autoIncrement:false" json:"id"`
	OwnerType      OwnerType    `gorm:"column:owner_type;size:16;not null;uniqueIndex:idx_credit_accounts_owner,priority:1" json:"owner_type"`
	OwnerID        string       `gorm:"column:owner_id;size:64;not null;uniqueIndex:idx_credit_accounts_owner,priority:2" json:"owner_id"`
	CurrentBalance int64        `gorm:"column:current_balance;not null" json:"current_balance"`
	LifetimeEarned int64        `gorm:"column:lifetime_earned;not null" json:"lifetime_earned"`
	LifetimeSpent  int64        `gorm:"column:lifetime_spent;not null" json:"lifetime_spent"`
	LastHash       string       `gorm:"column:last_hash;size:64" json:"-"`
	Version        int64        `gorm:"column:version;not null" json:"version"`
	LastUpdatedAt  time.Time    `gorm:"column:last_updated_at" json:"last_updated_at"`
	CreatedAt      time.Time    `gorm:"column:created_at" json:"created_at"`
}

func (Account) TableName() string { return "credit_accounts" }

func (a *Account) Owner() Owner {
	return Owner{Type: a.OwnerType, ID: a.OwnerID}
}

// withDelta returns the account state after applying delta. The caller has
// already checked that a negative delta is covered by the balance.
func (a Account) withDelta(delta int64, at time.Time) Account {
	a.CurrentBalance += delta
	if delta > 0 {
		a.LifetimeEarned += delta
	} else {
		a.LifetimeSpent += -delta
	}
	a.Version++
	a.LastUpdatedAt = at
	return a
}

// Transaction is one entry of an owner's append-only log.
type Transaction struct {
	ID             snowflake.ID   `gorm:"column:id;primaryKey;autoIncrement:false" json:"id"`
	AccountID      snowflake.ID   `gorm:"column:account_id;not null;index;uniqueIndex:idx_credit_transactions_idempotency,priority:1" json:"account_id"`
	OwnerType      OwnerType      `gorm:"column:owner_type;size:16;not null;index:idx_credit_transactions_owner,priority:1" json:"owner_type"`
	OwnerID        string         `gorm:"column:owner_id;size:64;not null;index:idx_credit_transactions_owner,priority:2" json:"owner_id"`
	Kind           Kind           `gorm:"column:kind;size:16;not null" json:"kind"`
	Status         Status         `gorm:"column:status;size:16;not null;index" json:"status"`
	Delta          int64          `gorm:"column:delta;not null" json:"delta"`
	BalanceAfter   int64          `gorm:"column:balance_after;not null" json:"balance_after"`
	Sequence       int64          `gorm:"column:sequence;not null" json:"sequence"`
	Description    string         `gorm:"column:description;size:512" json:"description"`
	Reference      string         `gorm:"column:reference;size:64;index" json:"reference,omitempty"`
	TargetID       string         `gorm:"column:target_id;size:64;index" json:"target_id,omitempty"`
	AgencyID       string         `gorm:"column:agency_id;size:64;index" json:"agency_id,omitempty"`
	IdempotencyKey *string        `gorm:"column:idempotency_key;size:128;uniqueIndex:idx_credit_transactions_idempotency,priority:2" json:"idempotency_key,omitempty"`
	Metadata       datatypes.JSON `gorm:"column:metadata" json:"metadata,omitempty"`
	AdminNotes     string         `gorm:"column:admin_notes;size:512" json:"admin_notes,omitempty"`
	PreviousHash   string         `gorm:"column:previous_hash;size:64" json:"-"`
	Hash           string         `gorm:"column:hash;size:64" json:"-"`
	ProcessedAt    *time.Time     `gorm:"column:processed_at" json:"processed_at,omitempty"`
	CreatedAt      time.Time      `gorm:"column:created_at;index" json:"created_at"`

	// Replayed is set when an idempotency key matched an earlier mutation and
	// nothing new was written.
	Replayed bool `gorm:"-" json:"replayed,omitempty"`
}

func (Transaction) TableName() string { return "credit_transactions" }

func (t *Transaction) Owner() Owner {
	return Owner{Type: t.OwnerType, ID: t.OwnerID}
}

// Complete moves a pending transaction to completed and seals it into the
// account's hash chain.
func (t *Transaction) Complete(balanceAfter, sequence int64, previousHash string, at time.Time) error {
	if t.Status.Terminal() {
		return ErrTerminalState
	}
	t.Status = StatusCompleted
	t.BalanceAfter = balanceAfter
	t.Sequence = sequence
	t.PreviousHash = previousHash
	t.Hash = t.ComputeHash()
	t.ProcessedAt = &at
	return nil
}

// Fail moves a pending transaction to failed. No balance is touched.
func (t *Transaction) Fail(reason string, at time.Time) error {
	if t.Status.Terminal() {
		return ErrTerminalState
	}
	t.Status = StatusFailed
	t.ProcessedAt = &at
	if reason != "" {
		t.AdminNotes = reason
	}
	return nil
}

func (t *Transaction) ComputeHash() string {
	payload := fmt.Sprintf("%s|%d|%d|%d|%d|%d|%s",
		t.PreviousHash, t.ID, t.AccountID, t.Sequence, t.Delta, t.BalanceAfter, t.Kind)
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// Memo describes why a balance changes.
type Memo struct {
	Description string
	// TargetID references the entity paid for (listing id, package id, run id).
	TargetID string
	// AgencyID is set on distribution legs.
	AgencyID  string
	Reference string
	// IdempotencyKey makes a completed mutation replay-safe per account.
	IdempotencyKey string
	Metadata       map[string]any
}

func (m Memo) metadataJSON() datatypes.JSON {
	if len(m.Metadata) == 0 {
		return nil
	}
	b, err := json.Marshal(m.Metadata)
	if err != nil {
		return nil
	}
	return datatypes.JSON(b)
}

func (m Memo) idempotencyKey() *string {
	if m.IdempotencyKey == "" {
		return nil
	}
	key := m.IdempotencyKey
	return &key
}

// Models lists the tables owned by the ledger.
func Models() []any {
	return []any{&Account{}, &Transaction{}}
}
