package services

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/cryptoconsult/backend/internal/config"
	"github.com/cryptoconsult/backend/internal/gateway"
	"github.com/cryptoconsult/backend/internal/models"
	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type paymentFixture struct {
	service *PaymentService
	mock    sqlmock.Sqlmock
	redis   redismock.ClientMock
	mpesa   *MockMpesaRail
	paypal  *MockPaypalRail
	cleanup func()
}

func newPaymentFixture(t *testing.T) *paymentFixture {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	redisClient, redisMock := redismock.NewClientMock()
	mpesa := &MockMpesaRail{}
	paypal := &MockPaypalRail{}

	wallets := NewWalletService(db)
	reconcile := NewReconcileService(db, wallets)
	cfg := config.LoadPaymentsConfig()
	service := NewPaymentService(redisClient, wallets, reconcile, mpesa, paypal, cfg)

	return &paymentFixture{
		service: service,
		mock:    mock,
		redis:   redisMock,
		mpesa:   mpesa,
		paypal:  paypal,
		cleanup: func() { db.Close() },
	}
}

func expectWalletFetch(mock sqlmock.Sqlmock, userID int, balance string) {
	mock.ExpectExec("INSERT INTO wallets").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT id, user_id, balance, currency, daily_deposit_limit, daily_withdrawal_limit").
		WithArgs(userID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "balance", "currency", "daily_deposit_limit",
			"daily_withdrawal_limit", "preferred_payment_method", "mpesa_verified", "paypal_verified",
			"version", "created_at", "updated_at"}).
			AddRow(1, userID, balance, "USD", "10000", "5000", "mpesa", true, false, 1, time.Now(), time.Now()))
}

func (f *paymentFixture) expectRateLimitPass(userID int) {
	key := fmt.Sprintf("payments:ratelimit:%d", userID)
	f.redis.ExpectGet(key).RedisNil()
}

func (f *paymentFixture) expectRateLimitBump(userID int) {
	key := fmt.Sprintf("payments:ratelimit:%d", userID)
	f.redis.ExpectIncr(key).SetVal(1)
	f.redis.ExpectExpire(key, initiationRateWindow).SetVal(true)
}

func TestPaymentService_InitiateMpesaDeposit(t *testing.T) {
	t.Run("parks a pending deposit and returns the correlation id", func(t *testing.T) {
		f := newPaymentFixture(t)
		defer f.cleanup()

		expectWalletFetch(f.mock, 3, "50.00")
		f.expectRateLimitPass(3)

		// 10 USD at the default 150 rate prompts for 1500 KES.
		f.mpesa.On("InitiateSTKPush", "254712345678", "WALLET-3").
			Return(&gateway.Initiation{CorrelationID: "ws_CO_501", Description: "Check your phone"}, nil).Once()

		f.mock.ExpectBegin()
		f.mock.ExpectQuery("SELECT status FROM transactions WHERE correlation_id = \\$1").
			WithArgs("ws_CO_501").
			WillReturnError(sql.ErrNoRows)
		f.mock.ExpectQuery("INSERT INTO transactions").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(70))
		f.mock.ExpectCommit()

		f.expectRateLimitBump(3)

		body, _ := json.Marshal(MpesaDepositRequest{PhoneNumber: "254712345678", Amount: "10.00"})
		r := authedRequest("POST", "/payments/mpesa/deposit", body, "3")
		w := httptest.NewRecorder()
		f.service.InitiateMpesaDeposit(w, r)

		assert.Equal(t, http.StatusAccepted, w.Code)
		var resp map[string]string
		json.Unmarshal(w.Body.Bytes(), &resp)
		assert.Equal(t, "ws_CO_501", resp["correlation_id"])
		assert.NoError(t, f.mock.ExpectationsWereMet())
		assert.NoError(t, f.redis.ExpectationsWereMet())
		f.mpesa.AssertExpectations(t)
	})

	t.Run("amount over the daily deposit limit never reaches the gateway", func(t *testing.T) {
		f := newPaymentFixture(t)
		defer f.cleanup()

		expectWalletFetch(f.mock, 3, "50.00")

		body, _ := json.Marshal(MpesaDepositRequest{PhoneNumber: "254712345678", Amount: "10000.01"})
		r := authedRequest("POST", "/payments/mpesa/deposit", body, "3")
		w := httptest.NewRecorder()
		f.service.InitiateMpesaDeposit(w, r)

		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
		assert.NoError(t, f.mock.ExpectationsWereMet())
		f.mpesa.AssertNotCalled(t, "InitiateSTKPush")
	})

	t.Run("gateway timeout maps to 504", func(t *testing.T) {
		f := newPaymentFixture(t)
		defer f.cleanup()

		expectWalletFetch(f.mock, 3, "50.00")
		f.expectRateLimitPass(3)

		f.mpesa.On("InitiateSTKPush", "254712345678", "WALLET-3").
			Return(nil, gateway.NewTimeoutError("stk push", nil)).Once()

		body, _ := json.Marshal(MpesaDepositRequest{PhoneNumber: "254712345678", Amount: "10.00"})
		r := authedRequest("POST", "/payments/mpesa/deposit", body, "3")
		w := httptest.NewRecorder()
		f.service.InitiateMpesaDeposit(w, r)

		assert.Equal(t, http.StatusGatewayTimeout, w.Code)
		assert.NoError(t, f.mock.ExpectationsWereMet())
	})

	t.Run("negative amount rejected before any lookup", func(t *testing.T) {
		f := newPaymentFixture(t)
		defer f.cleanup()

		body, _ := json.Marshal(MpesaDepositRequest{PhoneNumber: "254712345678", Amount: "-5.00"})
		r := authedRequest("POST", "/payments/mpesa/deposit", body, "3")
		w := httptest.NewRecorder()
		f.service.InitiateMpesaDeposit(w, r)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.NoError(t, f.mock.ExpectationsWereMet())
	})
}

func TestPaymentService_InitiateMpesaWithdrawal(t *testing.T) {
	t.Run("holds the funds when the provider accepts", func(t *testing.T) {
		f := newPaymentFixture(t)
		defer f.cleanup()

		expectWalletFetch(f.mock, 3, "2000.00")
		f.expectRateLimitPass(3)

		f.mpesa.On("InitiateB2C", "254712345678").
			Return(&gateway.Initiation{CorrelationID: "AG_20260310_0001"}, nil).Once()

		f.mock.ExpectBegin()
		f.mock.ExpectQuery("SELECT status FROM transactions WHERE correlation_id = \\$1").
			WithArgs("AG_20260310_0001").
			WillReturnError(sql.ErrNoRows)
		f.mock.ExpectQuery("INSERT INTO transactions").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(71))
		expectWalletLock(f.mock, 3, "2000.00", 1)
		expectWalletUpdate(f.mock, "1500.00", 1)
		f.mock.ExpectCommit()

		f.expectRateLimitBump(3)

		body, _ := json.Marshal(MpesaWithdrawRequest{PhoneNumber: "254712345678", Amount: "500.00"})
		r := authedRequest("POST", "/payments/mpesa/withdraw", body, "3")
		w := httptest.NewRecorder()
		f.service.InitiateMpesaWithdrawal(w, r)

		assert.Equal(t, http.StatusAccepted, w.Code)
		assert.NoError(t, f.mock.ExpectationsWereMet())
		assert.NoError(t, f.redis.ExpectationsWereMet())
		f.mpesa.AssertExpectations(t)
	})

	t.Run("insufficient balance rejected before the gateway", func(t *testing.T) {
		f := newPaymentFixture(t)
		defer f.cleanup()

		expectWalletFetch(f.mock, 3, "100.00")

		body, _ := json.Marshal(MpesaWithdrawRequest{PhoneNumber: "254712345678", Amount: "500.00"})
		r := authedRequest("POST", "/payments/mpesa/withdraw", body, "3")
		w := httptest.NewRecorder()
		f.service.InitiateMpesaWithdrawal(w, r)

		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
		assert.NoError(t, f.mock.ExpectationsWereMet())
		f.mpesa.AssertNotCalled(t, "InitiateB2C")
	})

	t.Run("balance drained between check and hold rolls back cleanly", func(t *testing.T) {
		f := newPaymentFixture(t)
		defer f.cleanup()

		expectWalletFetch(f.mock, 3, "2000.00")
		f.expectRateLimitPass(3)

		f.mpesa.On("InitiateB2C", "254712345678").
			Return(&gateway.Initiation{CorrelationID: "AG_20260310_0002"}, nil).Once()

		f.mock.ExpectBegin()
		f.mock.ExpectQuery("SELECT status FROM transactions WHERE correlation_id = \\$1").
			WithArgs("AG_20260310_0002").
			WillReturnError(sql.ErrNoRows)
		f.mock.ExpectQuery("INSERT INTO transactions").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(72))
		expectWalletLock(f.mock, 3, "100.00", 5)
		f.mock.ExpectRollback()

		body, _ := json.Marshal(MpesaWithdrawRequest{PhoneNumber: "254712345678", Amount: "500.00"})
		r := authedRequest("POST", "/payments/mpesa/withdraw", body, "3")
		w := httptest.NewRecorder()
		f.service.InitiateMpesaWithdrawal(w, r)

		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
		assert.NoError(t, f.mock.ExpectationsWereMet())
	})
}

func TestPaymentService_GetPaymentStatus(t *testing.T) {
	f := newPaymentFixture(t)
	defer f.cleanup()

	t.Run("completed entry reads as success", func(t *testing.T) {
		f.mock.ExpectQuery("SELECT t.correlation_id, t.status, t.kind, t.amount").
			WithArgs("ws_CO_501", 3).
			WillReturnRows(sqlmock.NewRows([]string{"correlation_id", "status", "kind", "amount", "receipt", "failure_reason", "analysis_id", "title"}).
				AddRow("ws_CO_501", "completed", "deposit", "10.00", "QGH7TR1OK9", "", nil, nil))

		router := chi.NewRouter()
		router.Get("/payments/status/{correlationID}", f.service.GetPaymentStatus)

		r := authedRequest("GET", "/payments/status/ws_CO_501", nil, "3")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, r)

		assert.Equal(t, http.StatusOK, w.Code)
		var resp map[string]any
		json.Unmarshal(w.Body.Bytes(), &resp)
		assert.Equal(t, "success", resp["status"])
		assert.Equal(t, "QGH7TR1OK9", resp["receipt"])
		assert.NoError(t, f.mock.ExpectationsWereMet())
	})

	t.Run("another user's correlation id reads as not found", func(t *testing.T) {
		f.mock.ExpectQuery("SELECT t.correlation_id, t.status, t.kind, t.amount").
			WithArgs("ws_CO_501", 9).
			WillReturnError(sql.ErrNoRows)

		router := chi.NewRouter()
		router.Get("/payments/status/{correlationID}", f.service.GetPaymentStatus)

		r := authedRequest("GET", "/payments/status/ws_CO_501", nil, "9")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, r)

		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.NoError(t, f.mock.ExpectationsWereMet())
	})
}

func TestPaymentService_CreatePaypalOrder(t *testing.T) {
	t.Run("deposit order stores the pending order for the return leg", func(t *testing.T) {
		f := newPaymentFixture(t)
		defer f.cleanup()

		f.expectRateLimitPass(3)

		f.paypal.On("CreateOrder", "25.00", "Wallet deposit").
			Return(&gateway.Initiation{
				CorrelationID: "5O190127TN364715T",
				ApprovalURL:   "https://www.sandbox.paypal.com/checkoutnow?token=5O190127TN364715T",
			}, nil).Once()

		stored, _ := json.Marshal(pendingPaypalOrder{OrderID: "5O190127TN364715T", Amount: "25.00", Kind: models.TxKindDeposit})
		f.redis.ExpectSet("paypal:order:3", stored, paypalOrderTTL).SetVal("OK")
		f.expectRateLimitBump(3)

		body, _ := json.Marshal(PaypalOrderRequest{Amount: "25.00"})
		r := authedRequest("POST", "/payments/paypal/orders", body, "3")
		w := httptest.NewRecorder()
		f.service.CreatePaypalOrder(w, r)

		assert.Equal(t, http.StatusCreated, w.Code)
		var resp map[string]string
		json.Unmarshal(w.Body.Bytes(), &resp)
		assert.Equal(t, "5O190127TN364715T", resp["order_id"])
		assert.Contains(t, resp["approval_url"], "checkoutnow")
		assert.NoError(t, f.redis.ExpectationsWereMet())
		f.paypal.AssertExpectations(t)
	})

	t.Run("analysis order uses the server-side price", func(t *testing.T) {
		f := newPaymentFixture(t)
		defer f.cleanup()

		analysisID := 7
		f.mock.ExpectQuery("SELECT a.title, a.price").
			WithArgs(3, 7).
			WillReturnRows(sqlmock.NewRows([]string{"title", "price", "exists"}).
				AddRow("Bitcoin Q1 Outlook", "30.00", false))

		f.expectRateLimitPass(3)

		// Client claimed 1.00; the stored catalogue price is what gets charged.
		f.paypal.On("CreateOrder", "30.00", "Bitcoin Q1 Outlook").
			Return(&gateway.Initiation{CorrelationID: "8X890127TN000001A", ApprovalURL: "https://paypal/approve"}, nil).Once()

		stored, _ := json.Marshal(pendingPaypalOrder{OrderID: "8X890127TN000001A", Amount: "30.00", Kind: models.TxKindPurchase, AnalysisID: &analysisID})
		f.redis.ExpectSet("paypal:order:3", stored, paypalOrderTTL).SetVal("OK")
		f.expectRateLimitBump(3)

		body, _ := json.Marshal(PaypalOrderRequest{Amount: "1.00", AnalysisID: &analysisID})
		r := authedRequest("POST", "/payments/paypal/orders", body, "3")
		w := httptest.NewRecorder()
		f.service.CreatePaypalOrder(w, r)

		assert.Equal(t, http.StatusCreated, w.Code)
		assert.NoError(t, f.mock.ExpectationsWereMet())
		assert.NoError(t, f.redis.ExpectationsWereMet())
		f.paypal.AssertExpectations(t)
	})

	t.Run("owned analysis rejected before the gateway", func(t *testing.T) {
		f := newPaymentFixture(t)
		defer f.cleanup()

		analysisID := 7
		f.mock.ExpectQuery("SELECT a.title, a.price").
			WithArgs(3, 7).
			WillReturnRows(sqlmock.NewRows([]string{"title", "price", "exists"}).
				AddRow("Bitcoin Q1 Outlook", "30.00", true))

		body, _ := json.Marshal(PaypalOrderRequest{Amount: "30.00", AnalysisID: &analysisID})
		r := authedRequest("POST", "/payments/paypal/orders", body, "3")
		w := httptest.NewRecorder()
		f.service.CreatePaypalOrder(w, r)

		assert.Equal(t, http.StatusConflict, w.Code)
		f.paypal.AssertNotCalled(t, "CreateOrder")
	})
}

func TestPaymentService_PaypalSuccess(t *testing.T) {
	storedDeposit := func(orderID string) string {
		data, _ := json.Marshal(pendingPaypalOrder{OrderID: orderID, Amount: "25.00", Kind: models.TxKindDeposit})
		return string(data)
	}

	t.Run("capture credits the wallet", func(t *testing.T) {
		f := newPaymentFixture(t)
		defer f.cleanup()

		f.redis.ExpectGet("paypal:order:3").SetVal(storedDeposit("5O190127TN364715T"))

		f.paypal.On("CaptureOrder", "5O190127TN364715T").
			Return(&gateway.CallbackResult{
				CorrelationID: "5O190127TN364715T",
				Outcome:       gateway.OutcomeSuccess,
				Receipt:       "3C679366HH908993F",
			}, nil).Once()

		f.mock.ExpectBegin()
		f.mock.ExpectQuery("SELECT status FROM transactions WHERE correlation_id = \\$1").
			WithArgs("5O190127TN364715T").
			WillReturnError(sql.ErrNoRows)
		f.mock.ExpectQuery("INSERT INTO transactions").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(80))
		f.mock.ExpectCommit()

		f.mock.ExpectBegin()
		expectEntryLock(f.mock, "5O190127TN364715T", 80, 3, "25.00", "deposit", "pending", nil)
		f.mock.ExpectExec("UPDATE transactions SET status = \\$1, receipt = \\$2").
			WithArgs("completed", "3C679366HH908993F", sqlmock.AnyArg(), 80, "pending").
			WillReturnResult(sqlmock.NewResult(0, 1))
		expectWalletLock(f.mock, 3, "50.00", 1)
		expectWalletUpdate(f.mock, "75.00", 1)
		f.mock.ExpectCommit()

		f.redis.ExpectDel("paypal:order:3").SetVal(1)

		r := authedRequest("GET", "/payments/paypal/success?token=5O190127TN364715T", nil, "3")
		w := httptest.NewRecorder()
		f.service.PaypalSuccess(w, r)

		assert.Equal(t, http.StatusOK, w.Code)
		var resp map[string]string
		json.Unmarshal(w.Body.Bytes(), &resp)
		assert.Equal(t, "success", resp["status"])
		assert.Equal(t, "3C679366HH908993F", resp["receipt"])
		assert.NoError(t, f.mock.ExpectationsWereMet())
		assert.NoError(t, f.redis.ExpectationsWereMet())
		f.paypal.AssertExpectations(t)
	})

	t.Run("token not matching the stored order never captures", func(t *testing.T) {
		f := newPaymentFixture(t)
		defer f.cleanup()

		f.redis.ExpectGet("paypal:order:3").SetVal(storedDeposit("5O190127TN364715T"))

		r := authedRequest("GET", "/payments/paypal/success?token=STOLEN_ORDER_ID", nil, "3")
		w := httptest.NewRecorder()
		f.service.PaypalSuccess(w, r)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		f.paypal.AssertNotCalled(t, "CaptureOrder")
	})

	t.Run("declined capture leaves the wallet untouched", func(t *testing.T) {
		f := newPaymentFixture(t)
		defer f.cleanup()

		f.redis.ExpectGet("paypal:order:3").SetVal(storedDeposit("5O190127TN364715T"))

		f.paypal.On("CaptureOrder", "5O190127TN364715T").
			Return(&gateway.CallbackResult{
				CorrelationID: "5O190127TN364715T",
				Outcome:       gateway.OutcomeFailure,
				Reason:        "INSTRUMENT_DECLINED",
			}, nil).Once()

		f.redis.ExpectDel("paypal:order:3").SetVal(1)

		r := authedRequest("GET", "/payments/paypal/success?token=5O190127TN364715T", nil, "3")
		w := httptest.NewRecorder()
		f.service.PaypalSuccess(w, r)

		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
		assert.NoError(t, f.mock.ExpectationsWereMet())
		assert.NoError(t, f.redis.ExpectationsWereMet())
	})

	t.Run("replayed return after capture still reads success", func(t *testing.T) {
		f := newPaymentFixture(t)
		defer f.cleanup()

		f.redis.ExpectGet("paypal:order:3").SetVal(storedDeposit("5O190127TN364715T"))

		f.paypal.On("CaptureOrder", "5O190127TN364715T").
			Return(&gateway.CallbackResult{
				CorrelationID: "5O190127TN364715T",
				Outcome:       gateway.OutcomeSuccess,
				Receipt:       "3C679366HH908993F",
			}, nil).Once()

		f.mock.ExpectBegin()
		f.mock.ExpectQuery("SELECT status FROM transactions WHERE correlation_id = \\$1").
			WithArgs("5O190127TN364715T").
			WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("completed"))
		f.mock.ExpectRollback()

		r := authedRequest("GET", "/payments/paypal/success?token=5O190127TN364715T", nil, "3")
		w := httptest.NewRecorder()
		f.service.PaypalSuccess(w, r)

		assert.Equal(t, http.StatusOK, w.Code)
		var resp map[string]string
		json.Unmarshal(w.Body.Bytes(), &resp)
		assert.Equal(t, "success", resp["status"])
		assert.NoError(t, f.mock.ExpectationsWereMet())
	})
}

func TestPaymentService_PaypalCancel(t *testing.T) {
	f := newPaymentFixture(t)
	defer f.cleanup()

	f.redis.ExpectDel("paypal:order:3").SetVal(1)

	r := authedRequest("GET", "/payments/paypal/cancel", nil, "3")
	w := httptest.NewRecorder()
	f.service.PaypalCancel(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.NoError(t, f.redis.ExpectationsWereMet())
}
