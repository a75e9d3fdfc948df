package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/cryptoconsult/backend/internal/config"
	"github.com/shopspring/decimal"
)

// MpesaGateway implements the push-to-pay rail: STK push for collections and
// B2C for payouts. Confirmation arrives later on an unauthenticated callback.
type MpesaGateway struct {
	cfg        config.MpesaConfig
	baseURL    string
	httpClient *http.Client
	now        func() time.Time
}

func NewMpesaGateway(cfg config.MpesaConfig) *MpesaGateway {
	return &MpesaGateway{
		cfg:     cfg,
		baseURL: cfg.BaseURL(),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		now: time.Now,
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

// accessToken obtains a short-lived OAuth token via client credentials.
func (g *MpesaGateway) accessToken(ctx context.Context) (string, error) {
	url := g.baseURL + "/oauth/v1/generate?grant_type=client_credentials"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", NewConnectionError("building token request", err)
	}
	req.SetBasicAuth(g.cfg.ConsumerKey, g.cfg.ConsumerSecret)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", classifyTransportError("token request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", NewAuthError("credentials rejected", nil)
	}
	if resp.StatusCode != http.StatusOK {
		return "", NewRejectedError(fmt.Sprintf("token endpoint returned %d", resp.StatusCode))
	}

	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", NewConnectionError("decoding token response", err)
	}
	if tok.AccessToken == "" {
		return "", NewAuthError("empty access token", nil)
	}
	return tok.AccessToken, nil
}

// password is base64(shortcode + passkey + timestamp).
func (g *MpesaGateway) password(timestamp string) string {
	raw := g.cfg.Shortcode + g.cfg.Passkey + timestamp
	return base64.StdEncoding.EncodeToString([]byte(raw))
}

type stkPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

// InitiateSTKPush prompts the payer's phone for amountKES. On acceptance the
// provider's CheckoutRequestID becomes the correlation id for the eventual
// callback.
func (g *MpesaGateway) InitiateSTKPush(ctx context.Context, phoneNumber string, amountKES decimal.Decimal, accountRef, description string) (*Initiation, error) {
	token, err := g.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	timestamp := g.now().Format("20060102150405")
	payload := map[string]any{
		"BusinessShortCode": g.cfg.Shortcode,
		"Password":          g.password(timestamp),
		"Timestamp":         timestamp,
		"TransactionType":   "CustomerPayBillOnline",
		"Amount":            amountKES.Round(0).IntPart(),
		"PartyA":            phoneNumber,
		"PartyB":            g.cfg.Shortcode,
		"PhoneNumber":       phoneNumber,
		"CallBackURL":       g.cfg.CallbackBaseURL + "/api/v1/payments/mpesa/callback",
		"AccountReference":  accountRef,
		"TransactionDesc":   description,
	}

	var stkResp stkPushResponse
	if err := g.postJSON(ctx, "/mpesa/stkpush/v1/processrequest", token, payload, &stkResp); err != nil {
		return nil, err
	}

	if stkResp.ResponseCode != "0" {
		return nil, NewRejectedError(fmt.Sprintf("stk push rejected: %s", stkResp.ResponseDescription))
	}

	return &Initiation{
		CorrelationID: stkResp.CheckoutRequestID,
		ProviderRef:   stkResp.MerchantRequestID,
		Description:   stkResp.CustomerMessage,
	}, nil
}

type b2cResponse struct {
	ConversationID           string `json:"ConversationID"`
	OriginatorConversationID string `json:"OriginatorConversationID"`
	ResponseCode             string `json:"ResponseCode"`
	ResponseDescription      string `json:"ResponseDescription"`
}

// InitiateB2C sends a payout to the given phone number. The provider's
// ConversationID becomes the correlation id for the result callback.
func (g *MpesaGateway) InitiateB2C(ctx context.Context, phoneNumber string, amountKES decimal.Decimal, remarks string) (*Initiation, error) {
	token, err := g.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	payload := map[string]any{
		"InitiatorName":      g.cfg.InitiatorName,
		"SecurityCredential": g.cfg.SecurityCredential,
		"CommandID":          "BusinessPayment",
		"Amount":             amountKES.Round(0).IntPart(),
		"PartyA":             g.cfg.Shortcode,
		"PartyB":             phoneNumber,
		"Remarks":            remarks,
		"QueueTimeOutURL":    g.cfg.CallbackBaseURL + "/api/v1/payments/mpesa/b2c/timeout",
		"ResultURL":          g.cfg.CallbackBaseURL + "/api/v1/payments/mpesa/b2c/callback",
		"Occasion":           "withdrawal",
	}

	var resp b2cResponse
	if err := g.postJSON(ctx, "/mpesa/b2c/v1/paymentrequest", token, payload, &resp); err != nil {
		return nil, err
	}

	if resp.ResponseCode != "0" {
		return nil, NewRejectedError(fmt.Sprintf("b2c rejected: %s", resp.ResponseDescription))
	}

	return &Initiation{
		CorrelationID: resp.ConversationID,
		ProviderRef:   resp.OriginatorConversationID,
	}, nil
}

func (g *MpesaGateway) postJSON(ctx context.Context, path, token string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return NewConnectionError("encoding request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return NewConnectionError("building request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return classifyTransportError(path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return NewAuthError("request not authorized", nil)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return NewRejectedError(fmt.Sprintf("%s returned %d: %s", path, resp.StatusCode, string(raw)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return NewConnectionError("decoding response", err)
	}
	return nil
}

// classifyTransportError separates timeouts (the provider-side effect may
// still occur and will be reconciled by its callback) from hard connection
// failures.
func classifyTransportError(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return NewTimeoutError(op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewTimeoutError(op, err)
	}
	return NewConnectionError(op, err)
}

// stkCallbackEnvelope mirrors the provider's STK result payload.
type stkCallbackEnvelope struct {
	Body struct {
		StkCallback struct {
			MerchantRequestID string `json:"MerchantRequestID"`
			CheckoutRequestID string `json:"CheckoutRequestID"`
			ResultCode        int    `json:"ResultCode"`
			ResultDesc        string `json:"ResultDesc"`
			CallbackMetadata  *struct {
				Item []struct {
					Name  string          `json:"Name"`
					Value json.RawMessage `json:"Value"`
				} `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

// ParseSTKCallback normalizes an inbound STK push confirmation. ResultCode 0
// is success; the receipt is buried in the metadata item list and has to be
// scanned by name.
func (g *MpesaGateway) ParseSTKCallback(raw []byte) (*CallbackResult, error) {
	var env stkCallbackEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCallbackParse, err)
	}

	cb := env.Body.StkCallback
	if cb.CheckoutRequestID == "" {
		return nil, fmt.Errorf("%w: missing CheckoutRequestID", ErrCallbackParse)
	}

	result := &CallbackResult{
		CorrelationID: cb.CheckoutRequestID,
		ResultCode:    cb.ResultCode,
		Reason:        cb.ResultDesc,
		Outcome:       OutcomeFailure,
	}

	if cb.ResultCode != 0 {
		return result, nil
	}

	result.Outcome = OutcomeSuccess
	if cb.CallbackMetadata != nil {
		for _, item := range cb.CallbackMetadata.Item {
			switch item.Name {
			case "MpesaReceiptNumber":
				var receipt string
				if err := json.Unmarshal(item.Value, &receipt); err == nil {
					result.Receipt = receipt
				}
			case "Amount":
				var amount decimal.Decimal
				if err := json.Unmarshal(item.Value, &amount); err == nil {
					result.Amount = amount
				}
			}
		}
	}
	return result, nil
}

// b2cCallbackEnvelope mirrors the provider's B2C result payload.
type b2cCallbackEnvelope struct {
	Result struct {
		ResultCode     int    `json:"ResultCode"`
		ResultDesc     string `json:"ResultDesc"`
		ConversationID string `json:"ConversationID"`
		TransactionID  string `json:"TransactionID"`
	} `json:"Result"`
}

// ParseB2CCallback normalizes an inbound payout result.
func (g *MpesaGateway) ParseB2CCallback(raw []byte) (*CallbackResult, error) {
	var env b2cCallbackEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCallbackParse, err)
	}

	res := env.Result
	if res.ConversationID == "" {
		return nil, fmt.Errorf("%w: missing ConversationID", ErrCallbackParse)
	}

	result := &CallbackResult{
		CorrelationID: res.ConversationID,
		ResultCode:    res.ResultCode,
		Reason:        res.ResultDesc,
		Receipt:       res.TransactionID,
		Outcome:       OutcomeFailure,
	}
	if res.ResultCode == 0 {
		result.Outcome = OutcomeSuccess
	}
	return result, nil
}
