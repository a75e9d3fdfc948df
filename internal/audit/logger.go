package audit

import (
	"encoding/json"
	"log"
	"time"

	"github.com/shopspring/decimal"
)

// Event is one structured audit record. Emitted as a single JSON line so
// the log shipper can index payment history without parsing free text.
type Event struct {
	Timestamp     time.Time       `json:"timestamp"`
	EventType     string          `json:"event_type"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	UserID        int             `json:"user_id"`
	Amount        decimal.Decimal `json:"amount"`
	Status        string          `json:"status"`
	Details       any             `json:"details,omitempty"`
}

type Logger struct{}

func NewLogger() *Logger {
	return &Logger{}
}

// LogPayment records a payment lifecycle step.
func (a *Logger) LogPayment(correlationID string, userID int, kind string, amount decimal.Decimal, status string) {
	a.log(Event{
		Timestamp:     time.Now(),
		EventType:     "PAYMENT",
		CorrelationID: correlationID,
		UserID:        userID,
		Amount:        amount,
		Status:        status,
		Details:       map[string]string{"kind": kind},
	})
}

// LogBalanceChange records a wallet mutation.
func (a *Logger) LogBalanceChange(userID int, delta, newBalance decimal.Decimal, reason string) {
	a.log(Event{
		Timestamp: time.Now(),
		EventType: "BALANCE",
		UserID:    userID,
		Amount:    delta,
		Status:    "APPLIED",
		Details: map[string]string{
			"new_balance": newBalance.StringFixed(2),
			"reason":      reason,
		},
	})
}

// LogError records a failed payment operation.
func (a *Logger) LogError(correlationID string, userID int, err error) {
	a.log(Event{
		Timestamp:     time.Now(),
		EventType:     "ERROR",
		CorrelationID: correlationID,
		UserID:        userID,
		Status:        "FAILED",
		Details:       map[string]string{"error": err.Error()},
	})
}

func (a *Logger) log(event Event) {
	data, _ := json.Marshal(event)
	log.Printf("AUDIT: %s", string(data))
}
