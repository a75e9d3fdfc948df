package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/cryptoconsult/backend/internal/config"
	"github.com/cryptoconsult/backend/internal/gateway"
	"github.com/cryptoconsult/backend/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCallbackFixture(t *testing.T) (*CallbackHandler, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	wallets := services.NewWalletService(db)
	reconcile := services.NewReconcileService(db, wallets)
	parser := gateway.NewMpesaGateway(config.MpesaConfig{})
	return NewCallbackHandler(reconcile, parser), mock, func() { db.Close() }
}

func stkCallbackBody(checkoutRequestID string, resultCode int, receipt string) []byte {
	items := []map[string]any{}
	if receipt != "" {
		items = append(items,
			map[string]any{"Name": "MpesaReceiptNumber", "Value": receipt},
			map[string]any{"Name": "Amount", "Value": 2500.00},
		)
	}
	body, _ := json.Marshal(map[string]any{
		"Body": map[string]any{
			"stkCallback": map[string]any{
				"MerchantRequestID": "29115-34620561-1",
				"CheckoutRequestID": checkoutRequestID,
				"ResultCode":        resultCode,
				"ResultDesc":        "desc",
				"CallbackMetadata":  map[string]any{"Item": items},
			},
		},
	})
	return body
}

func assertAcked(t *testing.T, w *httptest.ResponseRecorder) {
	t.Helper()
	assert.Equal(t, http.StatusOK, w.Code)
	var ack callbackAck
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ack))
	assert.Equal(t, 0, ack.ResultCode)
	assert.Equal(t, "Success", ack.ResultDesc)
}

func TestCallbackHandler_MpesaSTKCallback(t *testing.T) {
	t.Run("successful payment completes the pending deposit", func(t *testing.T) {
		handler, mock, cleanup := newCallbackFixture(t)
		defer cleanup()

		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta("SELECT id, user_id, amount, kind, payment_method, status, analysis_id FROM transactions WHERE correlation_id = $1 FOR UPDATE")).
			WithArgs("ws_CO_191").
			WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "amount", "kind", "payment_method", "status", "analysis_id"}).
				AddRow(41, 3, "16.67", "deposit", "mpesa", "pending", nil))
		mock.ExpectExec("UPDATE transactions SET status = \\$1, receipt = \\$2, updated_at = \\$3 WHERE id = \\$4 AND status = \\$5").
			WithArgs("completed", "QGH7TR1OK9", sqlmock.AnyArg(), 41, "pending").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery("SELECT id, user_id, balance, daily_deposit_limit, daily_withdrawal_limit, version FROM wallets WHERE user_id = \\$1 FOR UPDATE").
			WithArgs(3).
			WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "balance", "daily_deposit_limit", "daily_withdrawal_limit", "version"}).
				AddRow(1, 3, "50.00", "10000", "5000", 1))
		mock.ExpectExec("UPDATE wallets SET balance = \\$1, version = version \\+ 1").
			WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), 1, 1).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		r := httptest.NewRequest("POST", "/api/v1/payments/mpesa/callback",
			bytes.NewReader(stkCallbackBody("ws_CO_191", 0, "QGH7TR1OK9")))
		w := httptest.NewRecorder()
		handler.MpesaSTKCallback(w, r)

		assertAcked(t, w)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("user cancelled marks the entry failed", func(t *testing.T) {
		handler, mock, cleanup := newCallbackFixture(t)
		defer cleanup()

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, user_id, amount, kind, payment_method, status, analysis_id FROM transactions").
			WithArgs("ws_CO_192").
			WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "amount", "kind", "payment_method", "status", "analysis_id"}).
				AddRow(42, 3, "16.67", "deposit", "mpesa", "pending", nil))
		mock.ExpectExec("UPDATE transactions SET status = \\$1, failure_reason = \\$2").
			WithArgs("failed", "desc", sqlmock.AnyArg(), 42, "pending").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		r := httptest.NewRequest("POST", "/api/v1/payments/mpesa/callback",
			bytes.NewReader(stkCallbackBody("ws_CO_192", 1032, "")))
		w := httptest.NewRecorder()
		handler.MpesaSTKCallback(w, r)

		assertAcked(t, w)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown correlation still acks", func(t *testing.T) {
		handler, mock, cleanup := newCallbackFixture(t)
		defer cleanup()

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, user_id, amount, kind, payment_method, status, analysis_id FROM transactions").
			WithArgs("ws_CO_unknown").
			WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "amount", "kind", "payment_method", "status", "analysis_id"}))
		mock.ExpectRollback()

		r := httptest.NewRequest("POST", "/api/v1/payments/mpesa/callback",
			bytes.NewReader(stkCallbackBody("ws_CO_unknown", 0, "QGH7TR1OK9")))
		w := httptest.NewRecorder()
		handler.MpesaSTKCallback(w, r)

		assertAcked(t, w)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("malformed body acks without touching the database", func(t *testing.T) {
		handler, mock, cleanup := newCallbackFixture(t)
		defer cleanup()

		r := httptest.NewRequest("POST", "/api/v1/payments/mpesa/callback",
			bytes.NewReader([]byte(`{"not":"a callback"}`)))
		w := httptest.NewRecorder()
		handler.MpesaSTKCallback(w, r)

		assertAcked(t, w)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestCallbackHandler_MpesaB2CCallback(t *testing.T) {
	b2cBody := func(conversationID string, resultCode int, transactionID string) []byte {
		body, _ := json.Marshal(map[string]any{
			"Result": map[string]any{
				"ResultType":               0,
				"ResultCode":               resultCode,
				"ResultDesc":               "The service request is processed successfully.",
				"OriginatorConversationID": "10571-7910404-1",
				"ConversationID":           conversationID,
				"TransactionID":            transactionID,
			},
		})
		return body
	}

	t.Run("successful payout completes the withdrawal without re-applying the hold", func(t *testing.T) {
		handler, mock, cleanup := newCallbackFixture(t)
		defer cleanup()

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, user_id, amount, kind, payment_method, status, analysis_id FROM transactions").
			WithArgs("AG_20260310_000077").
			WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "amount", "kind", "payment_method", "status", "analysis_id"}).
				AddRow(43, 3, "-500.00", "withdrawal", "mpesa", "pending", nil))
		mock.ExpectExec("UPDATE transactions SET status = \\$1, receipt = \\$2").
			WithArgs("completed", "REC9001", sqlmock.AnyArg(), 43, "pending").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		r := httptest.NewRequest("POST", "/api/v1/payments/mpesa/b2c/callback",
			bytes.NewReader(b2cBody("AG_20260310_000077", 0, "REC9001")))
		w := httptest.NewRecorder()
		handler.MpesaB2CCallback(w, r)

		assertAcked(t, w)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("failed payout refunds the hold", func(t *testing.T) {
		handler, mock, cleanup := newCallbackFixture(t)
		defer cleanup()

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, user_id, amount, kind, payment_method, status, analysis_id FROM transactions").
			WithArgs("AG_20260310_000078").
			WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "amount", "kind", "payment_method", "status", "analysis_id"}).
				AddRow(44, 3, "-500.00", "withdrawal", "mpesa", "pending", nil))
		mock.ExpectExec("UPDATE transactions SET status = \\$1, failure_reason = \\$2").
			WithArgs("failed", "The balance is insufficient for the transaction", sqlmock.AnyArg(), 44, "pending").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery("SELECT id, user_id, balance, daily_deposit_limit, daily_withdrawal_limit, version FROM wallets WHERE user_id = \\$1 FOR UPDATE").
			WithArgs(3).
			WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "balance", "daily_deposit_limit", "daily_withdrawal_limit", "version"}).
				AddRow(1, 3, "1500.00", "10000", "5000", 4))
		mock.ExpectExec("UPDATE wallets SET balance = \\$1, version = version \\+ 1").
			WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), 1, 4).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		body, _ := json.Marshal(map[string]any{
			"Result": map[string]any{
				"ResultType":     0,
				"ResultCode":     2001,
				"ResultDesc":     "The balance is insufficient for the transaction",
				"ConversationID": "AG_20260310_000078",
			},
		})
		r := httptest.NewRequest("POST", "/api/v1/payments/mpesa/b2c/callback", bytes.NewReader(body))
		w := httptest.NewRecorder()
		handler.MpesaB2CCallback(w, r)

		assertAcked(t, w)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
