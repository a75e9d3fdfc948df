package config

import (
	"os"

	"github.com/shopspring/decimal"
)

// MpesaConfig holds the push-to-pay rail credentials. Constructed once at
// startup and passed into the gateway; nothing reads these from globals.
type MpesaConfig struct {
	ConsumerKey        string
	ConsumerSecret     string
	Shortcode          string
	Passkey            string
	InitiatorName      string
	SecurityCredential string
	CallbackBaseURL    string
	Environment        string // "sandbox" or "production"
}

// BaseURL returns the provider API root for the configured environment.
func (c MpesaConfig) BaseURL() string {
	if c.Environment == "production" {
		return "https://api.safaricom.co.ke"
	}
	return "https://sandbox.safaricom.co.ke"
}

// PaypalConfig holds the redirect-capture rail credentials.
type PaypalConfig struct {
	ClientID     string
	ClientSecret string
	BrandName    string
	ReturnURL    string
	CancelURL    string
	Environment  string
}

func (c PaypalConfig) BaseURL() string {
	if c.Environment == "production" {
		return "https://api-m.paypal.com"
	}
	return "https://api-m.sandbox.paypal.com"
}

// SettlementConfig identifies this platform in interbank clearing messages.
type SettlementConfig struct {
	InstitutionBIC  string
	InstitutionName string
}

// PaymentsConfig is the explicit configuration object for the payments core.
type PaymentsConfig struct {
	Mpesa        MpesaConfig
	Paypal       PaypalConfig
	Settlement   SettlementConfig
	ExchangeRate decimal.Decimal // USD -> KES
}

func LoadPaymentsConfig() *PaymentsConfig {
	return &PaymentsConfig{
		Mpesa: MpesaConfig{
			ConsumerKey:        getEnv("MPESA_CONSUMER_KEY", ""),
			ConsumerSecret:     getEnv("MPESA_CONSUMER_SECRET", ""),
			Shortcode:          getEnv("MPESA_SHORTCODE", "174379"),
			Passkey:            getEnv("MPESA_PASSKEY", ""),
			InitiatorName:      getEnv("MPESA_INITIATOR_NAME", "apiuser"),
			SecurityCredential: getEnv("MPESA_SECURITY_CREDENTIAL", ""),
			CallbackBaseURL:    getEnv("MPESA_CALLBACK_BASE_URL", "https://localhost:8080"),
			Environment:        getEnv("MPESA_ENVIRONMENT", "sandbox"),
		},
		Paypal: PaypalConfig{
			ClientID:     getEnv("PAYPAL_CLIENT_ID", ""),
			ClientSecret: getEnv("PAYPAL_CLIENT_SECRET", ""),
			BrandName:    getEnv("PAYPAL_BRAND_NAME", "CryptoConsult"),
			ReturnURL:    getEnv("PAYPAL_RETURN_URL", "http://localhost:8080/api/v1/payments/paypal/success"),
			CancelURL:    getEnv("PAYPAL_CANCEL_URL", "http://localhost:8080/api/v1/payments/paypal/cancel"),
			Environment:  getEnv("PAYPAL_ENVIRONMENT", "sandbox"),
		},
		Settlement: SettlementConfig{
			InstitutionBIC:  getEnv("SETTLEMENT_INSTITUTION_BIC", "CRYCKENA"),
			InstitutionName: getEnv("SETTLEMENT_INSTITUTION_NAME", "CryptoConsult Ltd"),
		},
		ExchangeRate: getEnvAsDecimal("USD_TO_KES_RATE", decimal.NewFromInt(150)),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvAsDecimal(key string, defaultVal decimal.Decimal) decimal.Decimal {
	if val := os.Getenv(key); val != "" {
		if d, err := decimal.NewFromString(val); err == nil {
			return d
		}
	}
	return defaultVal
}
