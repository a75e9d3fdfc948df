package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cryptoconsult/backend/internal/config"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PaypalGateway implements the redirect-capture rail against the orders v2
// API. The order id is the correlation id; funds move only on an explicit
// capture after the payer returns from the approval URL.
type PaypalGateway struct {
	cfg        config.PaypalConfig
	baseURL    string
	httpClient *http.Client
}

func NewPaypalGateway(cfg config.PaypalConfig) *PaypalGateway {
	return &PaypalGateway{
		cfg:     cfg,
		baseURL: cfg.BaseURL(),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type paypalTokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

func (g *PaypalGateway) accessToken(ctx context.Context) (string, error) {
	body := strings.NewReader("grant_type=client_credentials")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/v1/oauth2/token", body)
	if err != nil {
		return "", NewConnectionError("building token request", err)
	}
	req.SetBasicAuth(g.cfg.ClientID, g.cfg.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", classifyTransportError("token request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return "", NewAuthError("client credentials rejected", nil)
	}
	if resp.StatusCode != http.StatusOK {
		return "", NewRejectedError(fmt.Sprintf("token endpoint returned %d", resp.StatusCode))
	}

	var tok paypalTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", NewConnectionError("decoding token response", err)
	}
	if tok.AccessToken == "" {
		return "", NewAuthError("empty access token", nil)
	}
	return tok.AccessToken, nil
}

type orderResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Links  []struct {
		Href   string `json:"href"`
		Rel    string `json:"rel"`
		Method string `json:"method"`
	} `json:"links"`
}

// CreateOrder creates a provider-hosted checkout for amountUSD and returns
// the order id plus the approval URL the payer must be redirected to.
func (g *PaypalGateway) CreateOrder(ctx context.Context, amountUSD decimal.Decimal, description string) (*Initiation, error) {
	token, err := g.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	payload := map[string]any{
		"intent": "CAPTURE",
		"purchase_units": []map[string]any{
			{
				"amount": map[string]string{
					"currency_code": "USD",
					"value":         amountUSD.StringFixed(2),
				},
				"description": description,
			},
		},
		"application_context": map[string]string{
			"brand_name":  g.cfg.BrandName,
			"user_action": "PAY_NOW",
			"return_url":  g.cfg.ReturnURL,
			"cancel_url":  g.cfg.CancelURL,
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, NewConnectionError("encoding order", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/v2/checkout/orders", bytes.NewReader(body))
	if err != nil {
		return nil, NewConnectionError("building order request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("PayPal-Request-Id", uuid.New().String())

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError("create order", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, NewAuthError("order request not authorized", nil)
	}
	if resp.StatusCode != http.StatusCreated {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, NewRejectedError(fmt.Sprintf("create order returned %d: %s", resp.StatusCode, string(raw)))
	}

	var order orderResponse
	if err := json.NewDecoder(resp.Body).Decode(&order); err != nil {
		return nil, NewConnectionError("decoding order response", err)
	}

	init := &Initiation{CorrelationID: order.ID}
	for _, link := range order.Links {
		if link.Rel == "approve" {
			init.ApprovalURL = link.Href
			break
		}
	}
	if init.CorrelationID == "" || init.ApprovalURL == "" {
		return nil, NewRejectedError("order response missing id or approval link")
	}
	return init, nil
}

type captureResponse struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	PurchaseUnits []struct {
		Payments struct {
			Captures []struct {
				ID     string `json:"id"`
				Status string `json:"status"`
			} `json:"captures"`
		} `json:"payments"`
	} `json:"purchase_units"`
}

// CaptureOrder captures an approved order. Only 201 with status COMPLETED is
// success; anything else is a terminal failure for this rail, there is no
// pending state to retry from.
func (g *PaypalGateway) CaptureOrder(ctx context.Context, orderID string) (*CallbackResult, error) {
	token, err := g.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/v2/checkout/orders/%s/capture", g.baseURL, orderID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader([]byte("{}")))
	if err != nil {
		return nil, NewConnectionError("building capture request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError("capture order", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, NewAuthError("capture not authorized", nil)
	}

	var cap captureResponse
	if err := json.NewDecoder(resp.Body).Decode(&cap); err != nil {
		return nil, NewConnectionError("decoding capture response", err)
	}

	result := &CallbackResult{CorrelationID: orderID, Outcome: OutcomeFailure}
	if resp.StatusCode == http.StatusCreated && cap.Status == "COMPLETED" {
		result.Outcome = OutcomeSuccess
		for _, pu := range cap.PurchaseUnits {
			if len(pu.Payments.Captures) > 0 {
				result.Receipt = pu.Payments.Captures[0].ID
				break
			}
		}
		if result.Receipt == "" {
			result.Receipt = cap.ID
		}
		return result, nil
	}

	result.Reason = fmt.Sprintf("capture returned %d status %s", resp.StatusCode, cap.Status)
	return result, nil
}
