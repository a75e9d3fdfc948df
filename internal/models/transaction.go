package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Transaction kinds
const (
	TxKindDeposit    = "deposit"
	TxKindWithdrawal = "withdrawal"
	TxKindPurchase   = "purchase"
	TxKindRefund     = "refund"
	TxKindCommission = "commission"
)

// Transaction statuses. Pending entries have no confirmed effect on the
// wallet; completed, failed and cancelled are terminal and immutable.
const (
	TxStatusPending   = "pending"
	TxStatusCompleted = "completed"
	TxStatusFailed    = "failed"
	TxStatusCancelled = "cancelled"
)

// Transaction is one immutable ledger entry: an intended or realized money
// movement against a user's wallet. Amount is signed in USD; only the
// transition into completed applies it to the wallet balance, exactly once.
type Transaction struct {
	ID             int             `json:"id" db:"id"`
	UserID         int             `json:"user_id" db:"user_id"`
	Amount         decimal.Decimal `json:"amount" db:"amount"`
	Kind           string          `json:"kind" db:"kind"`
	Method         string          `json:"payment_method" db:"payment_method"`
	Status         string          `json:"status" db:"status"`
	Description    string          `json:"description" db:"description"`
	CorrelationID  string          `json:"correlation_id,omitempty" db:"correlation_id"`
	Receipt        string          `json:"receipt,omitempty" db:"receipt"`
	FailureReason  string          `json:"failure_reason,omitempty" db:"failure_reason"`
	AnalysisID     *int            `json:"analysis_id,omitempty" db:"analysis_id"`
	ConsultationID *int            `json:"consultation_id,omitempty" db:"consultation_id"`
	Metadata       Metadata        `json:"metadata,omitempty" db:"metadata"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
}

// IsTerminal reports whether the entry has reached a final state.
func (t *Transaction) IsTerminal() bool {
	return t.Status == TxStatusCompleted || t.Status == TxStatusFailed || t.Status == TxStatusCancelled
}

// Metadata type for JSONB fields
type Metadata map[string]any

// Value implements driver.Valuer for Metadata
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner for Metadata
func (m *Metadata) Scan(value any) error {
	if value == nil {
		*m = nil
		return nil
	}

	b, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}

	return json.Unmarshal(b, m)
}
