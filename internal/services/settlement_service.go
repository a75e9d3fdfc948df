package services

import (
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/moov-io/iso20022/pkg/common"
	"github.com/moov-io/iso20022/pkg/pacs_v08"

	"github.com/cryptoconsult/backend/internal/models"
	"github.com/cryptoconsult/backend/internal/money"
)

const settlementQueue = "settlement_queue"

// SettlementService drives the bank-rail withdrawal flow. Payouts are not
// pushed to an API like M-Pesa: each one becomes a pacs.008 credit transfer
// queued for the clearing batch, and the clearing system's status report
// finalizes the held entry.
type SettlementService struct {
	redis     *redis.Client
	wallets   *WalletService
	reconcile *ReconcileService
	banks     *BankService
	cfg       institutionIdentity
	validator *ValidationHelper
}

// institutionIdentity is read from configuration once at startup and stamped
// onto every outgoing message as the debtor agent.
type institutionIdentity struct {
	BIC  string
	Name string
}

func NewSettlementService(redisClient *redis.Client, wallets *WalletService, reconcile *ReconcileService,
	banks *BankService, institutionBIC, institutionName string) *SettlementService {
	return &SettlementService{
		redis:     redisClient,
		wallets:   wallets,
		reconcile: reconcile,
		banks:     banks,
		cfg:       institutionIdentity{BIC: institutionBIC, Name: institutionName},
		validator: NewValidationHelper(),
	}
}

// BankWithdrawRequest is the bank payout initiation payload
type BankWithdrawRequest struct {
	BankCode      string `json:"bank_code" validate:"required"`
	AccountNumber string `json:"account_number" validate:"required,min=6,max=20"`
	AccountName   string `json:"account_name" validate:"required,min=2"`
	Amount        string `json:"amount" validate:"required"` // USD, 2dp
}

// InitiateBankWithdrawal queues a bank payout
// @Summary Initiate bank withdrawal
// @Description Holds the funds and queues a credit transfer for the next clearing batch. Finalized when the clearing status report arrives.
// @Tags payments
// @Accept json
// @Produce json
// @Param withdrawal body BankWithdrawRequest true "Withdrawal details"
// @Success 202 {object} object{correlation_id=string}
// @Failure 400 {object} ErrorResponse
// @Failure 422 {object} ErrorResponse
// @Router /payments/bank/withdraw [post]
func (ss *SettlementService) InitiateBankWithdrawal(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	userID, ok := userIDFromContext(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req BankWithdrawRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1_048_576)).Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := ss.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	if !ss.banks.IsKnownBank(req.BankCode) {
		SendErrorResponse(w, "Unknown bank code", http.StatusBadRequest, nil)
		return
	}

	amountUSD, err := money.FromString(req.Amount)
	if err != nil || !money.IsPositive(amountUSD) {
		SendErrorResponse(w, "Amount must be a positive decimal", http.StatusBadRequest, nil)
		return
	}

	wallet, err := ss.wallets.GetOrCreateWallet(userID)
	if err != nil {
		log.Printf("[SETTLEMENT] wallet load failed for user %d: %v", userID, err)
		SendErrorResponse(w, "Failed to load wallet", http.StatusInternalServerError, nil)
		return
	}
	if !ss.wallets.CanDebit(wallet, amountUSD, models.TxKindWithdrawal) {
		SendErrorResponse(w, "Insufficient balance or daily withdrawal limit exceeded", http.StatusUnprocessableEntity, nil)
		return
	}

	correlationID := fmt.Sprintf("BANK-%s", uuid.New().String())
	entry, err := ss.reconcile.Start(StartParams{
		CorrelationID: correlationID,
		UserID:        userID,
		Amount:        amountUSD.Neg(),
		Kind:          models.TxKindWithdrawal,
		Method:        models.PaymentMethodBank,
		Description:   fmt.Sprintf("Bank withdrawal to %s (%s)", req.AccountName, req.BankCode),
		HoldFunds:     true,
	})
	if err != nil {
		if errors.Is(err, ErrInsufficientFunds) {
			SendErrorResponse(w, "Insufficient balance", http.StatusUnprocessableEntity, nil)
			return
		}
		log.Printf("[SETTLEMENT] failed to park pending bank withdrawal: %v", err)
		SendErrorResponse(w, "Failed to record pending withdrawal", http.StatusInternalServerError, nil)
		return
	}

	pacs008 := ss.buildPacs008(entry, req.BankCode, req.AccountName, req.AccountNumber)
	xmlData, err := ss.convertToXML(pacs008)
	if err != nil {
		log.Printf("[SETTLEMENT] pacs.008 marshal failed for %s: %v", correlationID, err)
		SendErrorResponse(w, "Failed to build settlement message", http.StatusInternalServerError, nil)
		return
	}

	if err := ss.queueForClearing(r, correlationID, xmlData); err != nil {
		// The hold stays in place; the queue worker retries from the ledger,
		// and a RJCT report refunds if clearing never picks it up.
		log.Printf("[SETTLEMENT] failed to queue %s for clearing: %v", correlationID, err)
	}

	log.Printf("[SETTLEMENT] queued bank withdrawal %s for user %d, %s USD to bank %s",
		correlationID, userID, money.Format(amountUSD), req.BankCode)

	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"correlation_id": correlationID})
}

func (ss *SettlementService) queueForClearing(r *http.Request, correlationID, xmlData string) error {
	if ss.redis == nil {
		return errors.New("settlement queue unavailable")
	}
	job, _ := json.Marshal(map[string]string{
		"correlation_id": correlationID,
		"message_type":   "pacs.008.001.08",
		"xml":            xmlData,
	})
	return ss.redis.RPush(r.Context(), settlementQueue, string(job)).Err()
}

// SettlementReportRequest is the clearing system's status report payload
type SettlementReportRequest struct {
	CorrelationID string `json:"correlation_id" validate:"required"`
	// ACSC settles, everything else rejects. Mirrors ExternalPaymentTransactionStatus1Code.
	Status string `json:"status" validate:"required,oneof=ACSC ACCP RJCT"`
	Reason string `json:"reason,omitempty"`
}

// ProcessSettlementReport finalizes a queued bank withdrawal
// @Summary Process settlement status report
// @Description Applies the clearing system's status report to the held withdrawal and returns the pacs.002 acknowledgement.
// @Tags payments
// @Accept json
// @Produce json
// @Param report body SettlementReportRequest true "Status report"
// @Success 200 {object} object{status=string,messageType=string,xml=string}
// @Failure 400 {object} ErrorResponse
// @Router /payments/bank/settlement-report [post]
func (ss *SettlementService) ProcessSettlementReport(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	var req SettlementReportRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1_048_576)).Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := ss.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	var entry *models.Transaction
	var err error
	if req.Status == "ACSC" {
		entry, err = ss.reconcile.FinalizeSuccess(req.CorrelationID, req.CorrelationID)
	} else if req.Status == "RJCT" {
		reason := req.Reason
		if reason == "" {
			reason = "rejected by clearing"
		}
		entry, err = ss.reconcile.FinalizeFailure(req.CorrelationID, reason)
	} else {
		// ACCP is an interim acceptance; nothing to finalize yet.
		json.NewEncoder(w).Encode(map[string]string{"status": "accepted"})
		return
	}
	if err != nil {
		log.Printf("[SETTLEMENT] report processing failed for %s: %v", req.CorrelationID, err)
		SendErrorResponse(w, "Failed to process settlement report", http.StatusInternalServerError, nil)
		return
	}
	if entry == nil {
		SendErrorResponse(w, "Unknown correlation id", http.StatusNotFound, nil)
		return
	}

	pacs002 := ss.buildPacs002(entry, req.Status)
	xmlData, err := ss.convertToXML(pacs002)
	if err != nil {
		SendErrorResponse(w, err.Error(), http.StatusInternalServerError, nil)
		return
	}

	json.NewEncoder(w).Encode(map[string]any{
		"status":      "processed",
		"messageType": "pacs.002.001.08",
		"xml":         xmlData,
	})
}

// buildPacs008 renders the held withdrawal as a FIToFICustomerCreditTransfer.
// The held amount is negative in the ledger; the wire carries its magnitude.
func (ss *SettlementService) buildPacs008(entry *models.Transaction, bankCode, accountName, accountNumber string) *pacs_v08.FIToFICustomerCreditTransferV08 {
	msgId := uuid.New().String()
	now := time.Now()
	settlementDate := now
	amount := entry.Amount.Abs().InexactFloat64()
	txId := fmt.Sprintf("TX%d", entry.ID)

	return &pacs_v08.FIToFICustomerCreditTransferV08{
		GrpHdr: pacs_v08.GroupHeader93{
			MsgId:   common.Max35Text(msgId),
			CreDtTm: common.ISODateTime(now),
			NbOfTxs: "1",
			TtlIntrBkSttlmAmt: &pacs_v08.ActiveCurrencyAndAmount{
				Ccy:   common.ActiveCurrencyCode(money.CurrencyUSD),
				Value: amount,
			},
			IntrBkSttlmDt: (*common.ISODate)(&settlementDate),
			SttlmInf: pacs_v08.SettlementInstruction7{
				SttlmMtd: "CLRG", // Clearing
			},
		},
		CdtTrfTxInf: []pacs_v08.CreditTransferTransaction39{
			{
				PmtId: pacs_v08.PaymentIdentification7{
					InstrId:    &[]common.Max35Text{common.Max35Text(txId)}[0],
					EndToEndId: common.Max35Text(entry.CorrelationID),
					TxId:       &[]common.Max35Text{common.Max35Text(txId)}[0],
				},
				IntrBkSttlmAmt: pacs_v08.ActiveCurrencyAndAmount{
					Ccy:   common.ActiveCurrencyCode(money.CurrencyUSD),
					Value: amount,
				},
				IntrBkSttlmDt: (*common.ISODate)(&settlementDate),
				ChrgBr:        "SLEV",
				DbtrAgt: pacs_v08.BranchAndFinancialInstitutionIdentification6{
					FinInstnId: pacs_v08.FinancialInstitutionIdentification18{
						BICFI: &[]common.BICFIDec2014Identifier{common.BICFIDec2014Identifier(ss.cfg.BIC)}[0],
					},
				},
				Dbtr: pacs_v08.PartyIdentification135{
					Nm: &[]common.Max140Text{common.Max140Text(ss.cfg.Name)}[0],
				},
				CdtrAgt: pacs_v08.BranchAndFinancialInstitutionIdentification6{
					FinInstnId: pacs_v08.FinancialInstitutionIdentification18{
						ClrSysMmbId: &pacs_v08.ClearingSystemMemberIdentification2{
							MmbId: common.Max35Text(bankCode),
						},
					},
				},
				Cdtr: pacs_v08.PartyIdentification135{
					Nm: &[]common.Max140Text{common.Max140Text(fmt.Sprintf("%s/%s", accountName, accountNumber))}[0],
				},
			},
		},
	}
}

// buildPacs002 creates the payment status report acknowledging the outcome.
func (ss *SettlementService) buildPacs002(entry *models.Transaction, status string) *pacs_v08.FIToFIPaymentStatusReportV08 {
	msgId := uuid.New().String()
	txId := fmt.Sprintf("TX%d", entry.ID)

	return &pacs_v08.FIToFIPaymentStatusReportV08{
		GrpHdr: pacs_v08.GroupHeader53{
			MsgId:   common.Max35Text(msgId),
			CreDtTm: common.ISODateTime(time.Now()),
		},
		TxInfAndSts: []pacs_v08.PaymentTransaction80{
			{
				OrgnlInstrId:    &[]common.Max35Text{common.Max35Text(txId)}[0],
				OrgnlEndToEndId: &[]common.Max35Text{common.Max35Text(entry.CorrelationID)}[0],
				OrgnlTxId:       &[]common.Max35Text{common.Max35Text(txId)}[0],
				TxSts:           &[]pacs_v08.ExternalPaymentTransactionStatus1Code{pacs_v08.ExternalPaymentTransactionStatus1Code(status)}[0],
			},
		},
	}
}

// convertToXML marshals an ISO 20022 document to an XML string.
func (ss *SettlementService) convertToXML(doc interface{}) (string, error) {
	xmlData, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal XML: %w", err)
	}
	return xml.Header + string(xmlData), nil
}
