package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Payment methods accepted across the platform
const (
	PaymentMethodWallet = "wallet"
	PaymentMethodMpesa  = "mpesa"
	PaymentMethodPaypal = "paypal"
	PaymentMethodBank   = "bank"
	PaymentMethodCrypto = "crypto"
)

// Wallet holds a user's internal USD balance. The balance is only ever
// mutated through a ledger operation; Version backs the optimistic lock.
type Wallet struct {
	ID                   int             `json:"id" db:"id"`
	UserID               int             `json:"user_id" db:"user_id"`
	Balance              decimal.Decimal `json:"balance" db:"balance"`
	Currency             string          `json:"currency" db:"currency"`
	DailyDepositLimit    decimal.Decimal `json:"daily_deposit_limit" db:"daily_deposit_limit"`
	DailyWithdrawalLimit decimal.Decimal `json:"daily_withdrawal_limit" db:"daily_withdrawal_limit"`
	PreferredMethod      string          `json:"preferred_payment_method" db:"preferred_payment_method"`
	MpesaVerified        bool            `json:"mpesa_verified" db:"mpesa_verified"`
	PaypalVerified       bool            `json:"paypal_verified" db:"paypal_verified"`
	Version              int             `json:"version" db:"version"`
	CreatedAt            time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at" db:"updated_at"`
}

// Default wallet limits, in USD.
var (
	DefaultDailyDepositLimit    = decimal.NewFromInt(10000)
	DefaultDailyWithdrawalLimit = decimal.NewFromInt(5000)
)
