package services

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/cryptoconsult/backend/internal/audit"
	"github.com/cryptoconsult/backend/internal/models"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// ReconcileService maps every externally-initiated payment onto the
// pending -> completed/failed lifecycle. Finalization is idempotent: the
// status compare-and-swap guarantees at-most-once application of funds and
// at-most-once entitlement grant no matter how often the provider retries
// its callback.
type ReconcileService struct {
	db      *sql.DB
	wallets *WalletService
	audit   *audit.Logger
}

func NewReconcileService(db *sql.DB, wallets *WalletService) *ReconcileService {
	return &ReconcileService{db: db, wallets: wallets, audit: audit.NewLogger()}
}

// StartParams describes one externally-initiated payment attempt. Amount is
// signed: positive credits the wallet on success, negative debits it.
type StartParams struct {
	CorrelationID string
	UserID        int
	Amount        decimal.Decimal
	Kind          string
	Method        string
	Description   string
	AnalysisID    *int
	// HoldFunds deducts the (negative) amount at start time. Used by the
	// withdrawal flow: the payout removes spendable balance immediately and
	// is refunded on failure.
	HoldFunds bool
}

// Start parks a pending ledger entry keyed by the provider's correlation id.
// Returns ErrDuplicateCorrelation if any entry already exists for the id;
// terminalized ids are never reopened. When HoldFunds is set the wallet is
// debited in the same atomic unit, so an insufficient balance leaves no
// pending record behind.
func (rs *ReconcileService) Start(p StartParams) (*models.Transaction, error) {
	if p.CorrelationID == "" {
		return nil, fmt.Errorf("correlation id is required")
	}

	tx, err := rs.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var existing string
	err = tx.QueryRow(`SELECT status FROM transactions WHERE correlation_id = $1`, p.CorrelationID).Scan(&existing)
	if err == nil {
		return nil, fmt.Errorf("%w: %s (status %s)", ErrDuplicateCorrelation, p.CorrelationID, existing)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	entry := &models.Transaction{
		UserID:        p.UserID,
		Amount:        p.Amount,
		Kind:          p.Kind,
		Method:        p.Method,
		Status:        models.TxStatusPending,
		Description:   p.Description,
		CorrelationID: p.CorrelationID,
		AnalysisID:    p.AnalysisID,
	}
	if err := rs.wallets.recordTx(tx, entry); err != nil {
		// The unique index is the hard guarantee against a racing Start.
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateCorrelation, p.CorrelationID)
		}
		return nil, err
	}

	if p.HoldFunds {
		if _, err := rs.wallets.applyTx(tx, p.UserID, p.Amount); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	log.Printf("[RECONCILE] parked pending %s %s for user %d, correlation %s",
		p.Kind, p.Method, p.UserID, p.CorrelationID)
	rs.audit.LogPayment(p.CorrelationID, p.UserID, p.Kind, p.Amount, "PENDING")
	return entry, nil
}

// lockByCorrelation reads the entry FOR UPDATE. sql.ErrNoRows maps to
// ErrUnknownCorrelation.
func (rs *ReconcileService) lockByCorrelation(tx *sql.Tx, correlationID string) (*models.Transaction, error) {
	var t models.Transaction
	err := tx.QueryRow(`
		SELECT id, user_id, amount, kind, payment_method, status, analysis_id
		FROM transactions
		WHERE correlation_id = $1
		FOR UPDATE`, correlationID).
		Scan(&t.ID, &t.UserID, &t.Amount, &t.Kind, &t.Method, &t.Status, &t.AnalysisID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCorrelation, correlationID)
	}
	if err != nil {
		return nil, err
	}
	t.CorrelationID = correlationID
	return &t, nil
}

// FinalizeSuccess transitions the pending entry to completed, applies its
// amount to the wallet exactly once and, for purchase entries, grants the
// entitlement and bumps the item's sales counters in the same transaction.
// Unknown or already-terminal correlation ids are a benign no-op: the
// provider retries callbacks and every retry must be acceptable.
func (rs *ReconcileService) FinalizeSuccess(correlationID, receipt string) (*models.Transaction, error) {
	tx, err := rs.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	entry, err := rs.lockByCorrelation(tx, correlationID)
	if err != nil {
		if errors.Is(err, ErrUnknownCorrelation) {
			log.Printf("[RECONCILE] success callback for unknown correlation %s, ignoring", correlationID)
			return nil, nil
		}
		return nil, err
	}

	if entry.IsTerminal() {
		log.Printf("[RECONCILE] success callback replay for %s (already %s), ignoring", correlationID, entry.Status)
		return entry, nil
	}

	// The CAS on status, not the row lock, is what makes two simultaneous
	// callbacks apply funds exactly once.
	result, err := tx.Exec(`
		UPDATE transactions
		SET status = $1, receipt = $2, updated_at = $3
		WHERE id = $4 AND status = $5`,
		models.TxStatusCompleted, receipt, time.Now(), entry.ID, models.TxStatusPending)
	if err != nil {
		return nil, err
	}
	if n, err := result.RowsAffected(); err != nil {
		return nil, err
	} else if n == 0 {
		return entry, nil
	}

	if rs.appliesAtSuccess(entry) {
		if _, err := rs.wallets.applyTx(tx, entry.UserID, entry.Amount); err != nil {
			return nil, err
		}
	}

	if entry.Kind == models.TxKindPurchase && entry.AnalysisID != nil {
		if err := rs.grantAnalysis(tx, entry.UserID, *entry.AnalysisID, entry.Amount.Neg()); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	entry.Status = models.TxStatusCompleted
	entry.Receipt = receipt
	log.Printf("[RECONCILE] completed %s %s, correlation %s, receipt %s",
		entry.Kind, entry.Method, correlationID, receipt)
	rs.audit.LogPayment(correlationID, entry.UserID, entry.Kind, entry.Amount, "COMPLETED")
	return entry, nil
}

// FinalizeFailure transitions the pending entry to failed and, for
// withdrawal holds, credits the reserved amount back exactly once. Replays
// are a no-op; a second failure callback must not double-refund.
func (rs *ReconcileService) FinalizeFailure(correlationID, reason string) (*models.Transaction, error) {
	tx, err := rs.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	entry, err := rs.lockByCorrelation(tx, correlationID)
	if err != nil {
		if errors.Is(err, ErrUnknownCorrelation) {
			log.Printf("[RECONCILE] failure callback for unknown correlation %s, ignoring", correlationID)
			return nil, nil
		}
		return nil, err
	}

	if entry.IsTerminal() {
		log.Printf("[RECONCILE] failure callback replay for %s (already %s), ignoring", correlationID, entry.Status)
		return entry, nil
	}

	result, err := tx.Exec(`
		UPDATE transactions
		SET status = $1, failure_reason = $2, updated_at = $3
		WHERE id = $4 AND status = $5`,
		models.TxStatusFailed, reason, time.Now(), entry.ID, models.TxStatusPending)
	if err != nil {
		return nil, err
	}
	if n, err := result.RowsAffected(); err != nil {
		return nil, err
	} else if n == 0 {
		return entry, nil
	}

	if rs.holdsAtStart(entry) {
		if _, err := rs.wallets.applyTx(tx, entry.UserID, entry.Amount.Neg()); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	entry.Status = models.TxStatusFailed
	entry.FailureReason = reason
	log.Printf("[RECONCILE] failed %s %s, correlation %s: %s",
		entry.Kind, entry.Method, correlationID, reason)
	rs.audit.LogPayment(correlationID, entry.UserID, entry.Kind, entry.Amount, "FAILED")
	return entry, nil
}

// holdsAtStart reports whether the flow reserved funds at initiation time.
func (rs *ReconcileService) holdsAtStart(entry *models.Transaction) bool {
	return entry.Kind == models.TxKindWithdrawal
}

// appliesAtSuccess reports whether finalization moves wallet funds. Deposits
// credit the wallet at confirmation; withdrawal holds were taken at start;
// external-rail purchases settle on the provider's side and only grant the
// entitlement here.
func (rs *ReconcileService) appliesAtSuccess(entry *models.Transaction) bool {
	return entry.Kind == models.TxKindDeposit
}

// grantAnalysis creates the entitlement and bumps the aggregate sales
// counters. price is the positive amount paid.
func (rs *ReconcileService) grantAnalysis(tx *sql.Tx, userID, analysisID int, price decimal.Decimal) error {
	_, err := tx.Exec(`
		INSERT INTO purchased_analyses (user_id, analysis_id, price_paid, created_at)
		VALUES ($1, $2, $3, $4)`,
		userID, analysisID, price, time.Now())
	if err != nil {
		return fmt.Errorf("granting analysis %d to user %d: %w", analysisID, userID, err)
	}

	_, err = tx.Exec(`
		UPDATE analyses
		SET sales_count = sales_count + 1, total_revenue = total_revenue + $1
		WHERE id = $2`, price, analysisID)
	if err != nil {
		return fmt.Errorf("updating sales counters for analysis %d: %w", analysisID, err)
	}
	return nil
}

// analysisForPurchase loads the price and title for an analysis and whether
// the user already owns it. Used by external-rail purchase initiation.
func (rs *ReconcileService) analysisForPurchase(userID, analysisID int) (owned bool, title string, price decimal.Decimal, err error) {
	err = rs.db.QueryRow(`
		SELECT a.title, a.price,
		       EXISTS(SELECT 1 FROM purchased_analyses pa WHERE pa.user_id = $1 AND pa.analysis_id = a.id)
		FROM analyses a
		WHERE a.id = $2 AND a.is_published = true`, userID, analysisID).
		Scan(&title, &price, &owned)
	return owned, title, price, err
}

// PaymentStatus is the poll result for one correlation id.
type PaymentStatus struct {
	CorrelationID string          `json:"correlation_id"`
	Status        string          `json:"status"`
	Kind          string          `json:"kind"`
	Amount        decimal.Decimal `json:"amount"`
	Receipt       string          `json:"receipt,omitempty"`
	FailureReason string          `json:"failure_reason,omitempty"`
	AnalysisID    *int            `json:"analysis_id,omitempty"`
	AnalysisTitle string          `json:"analysis_title,omitempty"`
}

// Status looks up an entry by correlation id scoped to its owner, so client
// UIs do not have to depend on webhook timing alone.
func (rs *ReconcileService) Status(correlationID string, userID int) (*PaymentStatus, error) {
	var ps PaymentStatus
	var title sql.NullString
	err := rs.db.QueryRow(`
		SELECT t.correlation_id, t.status, t.kind, t.amount, t.receipt, COALESCE(t.failure_reason, ''), t.analysis_id, a.title
		FROM transactions t
		LEFT JOIN analyses a ON a.id = t.analysis_id
		WHERE t.correlation_id = $1 AND t.user_id = $2`, correlationID, userID).
		Scan(&ps.CorrelationID, &ps.Status, &ps.Kind, &ps.Amount, &ps.Receipt, &ps.FailureReason, &ps.AnalysisID, &title)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCorrelation, correlationID)
	}
	if err != nil {
		return nil, err
	}
	if title.Valid {
		ps.AnalysisTitle = title.String
	}
	return &ps, nil
}
