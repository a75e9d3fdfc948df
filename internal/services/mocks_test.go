package services

import (
	"context"

	"github.com/cryptoconsult/backend/internal/gateway"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
)

type MockMpesaRail struct {
	mock.Mock
}

func (m *MockMpesaRail) InitiateSTKPush(ctx context.Context, phoneNumber string, amountKES decimal.Decimal, accountRef, description string) (*gateway.Initiation, error) {
	args := m.Called(phoneNumber, accountRef)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*gateway.Initiation), args.Error(1)
}

func (m *MockMpesaRail) InitiateB2C(ctx context.Context, phoneNumber string, amountKES decimal.Decimal, remarks string) (*gateway.Initiation, error) {
	args := m.Called(phoneNumber)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*gateway.Initiation), args.Error(1)
}

func (m *MockMpesaRail) ParseSTKCallback(raw []byte) (*gateway.CallbackResult, error) {
	args := m.Called(raw)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*gateway.CallbackResult), args.Error(1)
}

func (m *MockMpesaRail) ParseB2CCallback(raw []byte) (*gateway.CallbackResult, error) {
	args := m.Called(raw)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*gateway.CallbackResult), args.Error(1)
}

type MockPaypalRail struct {
	mock.Mock
}

func (m *MockPaypalRail) CreateOrder(ctx context.Context, amountUSD decimal.Decimal, description string) (*gateway.Initiation, error) {
	args := m.Called(amountUSD.StringFixed(2), description)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*gateway.Initiation), args.Error(1)
}

func (m *MockPaypalRail) CaptureOrder(ctx context.Context, orderID string) (*gateway.CallbackResult, error) {
	args := m.Called(orderID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*gateway.CallbackResult), args.Error(1)
}
