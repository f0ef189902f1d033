package distribution

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type Status string

const (
	RunCompleted Status = "completed"
	// RunPartial means at least one leg failed and its amount went back to the pool.
	RunPartial Status = "partial"
	RunSkipped Status = "skipped"

	LegPaid   Status = "paid"
	LegFailed Status = "failed"
)

// Pool holds the distribution settings of an agency's credit account.
type Pool struct {
	AgencyID   string     `gorm:"column:agency_id;primaryKey;size:64" json:"agency_id"`
	Enabled    bool       `gorm:"column:enabled;not null" json:"enabled"`
	Percentage int        `gorm:"column:percentage;not null" json:"percentage"`
	LastRunAt  *time.Time `gorm:"column:last_run_at" json:"last_run_at,omitempty"`
	UpdatedAt  time.Time  `gorm:"column:updated_at" json:"updated_at"`
}

func (Pool) TableName() string { return "agency_pools" }

type Run struct {
	ID                  snowflake.ID   `gorm:"column:id;primaryKey;autoIncrement:false" json:"id"`
	AgencyID            string         `gorm:"column:agency_id;size:64;not null;index" json:"agency_id"`
	Reference           string         `gorm:"column:reference;size:64" json:"reference,omitempty"`
	Status              Status         `gorm:"column:status;size:16;not null" json:"status"`
	SkipReason          string         `gorm:"column:skip_reason;size:128" json:"skip_reason,omitempty"`
	PoolBalance         int64          `gorm:"column:pool_balance;not null" json:"pool_balance"`
	Percentage          int            `gorm:"column:percentage;not null" json:"percentage"`
	Planned             int64          `gorm:"column:planned;not null" json:"planned"`
	Paid                int64          `gorm:"column:paid;not null" json:"paid"`
	Failed              int64          `gorm:"column:failed;not null" json:"failed"`
	Refunded            int64          `gorm:"column:refunded;not null" json:"refunded"`
	DebitTransactionID  snowflake.ID   `gorm:"column:debit_transaction_id" json:"debit_transaction_id,omitempty"`
	RefundTransactionID snowflake.ID   `gorm:"column:refund_transaction_id" json:"refund_transaction_id,omitempty"`
	Report              datatypes.JSON `gorm:"column:report" json:"report,omitempty"`
	CreatedAt           time.Time      `gorm:"column:created_at;index" json:"created_at"`
	Legs                []*Leg         `gorm:"-" json:"legs,omitempty"`
}

func (Run) TableName() string { return "distribution_runs" }

// Leg is one agent payout of a run.
type Leg struct {
	ID            snowflake.ID `gorm:"column:id;primaryKey;autoIncrement:false" json:"id"`
	RunID         snowflake.ID `gorm:"column:run_id;not null;index" json:"run_id"`
	AgentID       string       `gorm:"column:agent_id;size:64;not null" json:"agent_id"`
	Amount        int64        `gorm:"column:amount;not null" json:"amount"`
	Status        Status       `gorm:"column:status;size:16;not null" json:"status"`
	TransactionID snowflake.ID `gorm:"column:transaction_id" json:"transaction_id,omitempty"`
	Error         string       `gorm:"column:error;size:512" json:"error,omitempty"`
}

func (Leg) TableName() string { return "distribution_legs" }

// Report is the replay record stored with a run and archived to object storage.
type Report struct {
	AgencyID    string        `json:"agency_id"`
	RunID       string        `json:"run_id"`
	Reference   string        `json:"reference,omitempty"`
	PoolBalance int64         `json:"pool_balance"`
	Percentage  int           `json:"percentage"`
	Planned     int64         `json:"planned"`
	Paid        int64         `json:"paid"`
	Failed      int64         `json:"failed"`
	Refunded    int64         `json:"refunded"`
	Succeeded   []Share       `json:"succeeded"`
	FailedLegs  []FailedShare `json:"failed_legs,omitempty"`
}

type FailedShare struct {
	Share
	Error string `json:"error"`
}

func Models() []any {
	return []any{&Pool{}, &Run{}, &Leg{}}
}
