// Package mock provides deterministic in-process collaborators for tests
// and for running the gateway without broker connectivity.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"exec_gateway/internal/core"
	apperrors "exec_gateway/pkg/errors"
)

// MockBroker implements core.IBrokerClient. Submission is idempotent by
// client_order_id, mirroring the real broker contract, and error injection
// hooks let tests exercise each broker error class.
type MockBroker struct {
	name string

	mu             sync.Mutex
	orders         map[string]*core.BrokerOrder // broker_order_id -> order
	clientOrderMap map[string]string            // client_order_id -> broker_order_id
	positions      map[string]*core.BrokerPosition
	quotes         map[string]*core.Quote
	orderIDCounter int64

	submitCount    int
	submitAttempts int

	// Error injection
	submitErr   error
	replaceErr  error
	positionErr error
	ordersErr   error
	quotesErr   error
	healthErr   error
	ackStatus   core.OrderStatus
}

// NewMockBroker builds an empty mock broker
func NewMockBroker(name string) *MockBroker {
	return &MockBroker{
		name:           name,
		orders:         make(map[string]*core.BrokerOrder),
		clientOrderMap: make(map[string]string),
		positions:      make(map[string]*core.BrokerPosition),
		quotes:         make(map[string]*core.Quote),
		orderIDCounter: 1000,
		ackStatus:      core.StatusAccepted,
	}
}

func (m *MockBroker) GetName() string { return m.name }

// SetSubmitError injects an error for subsequent SubmitOrder calls
func (m *MockBroker) SetSubmitError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submitErr = err
}

// SetReplaceError injects an error for subsequent ReplaceOrder calls
func (m *MockBroker) SetReplaceError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replaceErr = err
}

// SetPositionError injects an error for subsequent GetOpenPosition calls
func (m *MockBroker) SetPositionError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positionErr = err
}

// SetOrdersError injects an error for subsequent GetOrders calls
func (m *MockBroker) SetOrdersError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ordersErr = err
}

// SetQuotesError injects an error for subsequent GetLatestQuotes calls
func (m *MockBroker) SetQuotesError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quotesErr = err
}

// SetHealthError injects an error for subsequent CheckHealth calls
func (m *MockBroker) SetHealthError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthErr = err
}

// SetPosition seeds the broker-side open position for a symbol
func (m *MockBroker) SetPosition(symbol string, qty, avgEntry decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[symbol] = &core.BrokerPosition{Symbol: symbol, Qty: qty, AvgEntryPrice: avgEntry}
}

// SetQuote seeds the latest quote for a symbol
func (m *MockBroker) SetQuote(symbol string, bid, ask decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quotes[symbol] = &core.Quote{
		Symbol:    symbol,
		BidPrice:  bid,
		AskPrice:  ask,
		LastPrice: bid.Add(ask).Div(decimal.NewFromInt(2)),
		Timestamp: time.Now().UTC(),
	}
}

// SubmitCount reports how many non-idempotent submissions reached the broker
func (m *MockBroker) SubmitCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.submitCount
}

// SubmitAttempts counts every SubmitOrder call, including errored and
// idempotent ones
func (m *MockBroker) SubmitAttempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.submitAttempts
}

// SetOrderStatus overrides the broker-side status of an order, for
// reconciliation tests
func (m *MockBroker) SetOrderStatus(clientOrderID string, status core.OrderStatus, filledQty decimal.Decimal, avgPrice *decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	brokerID, ok := m.clientOrderMap[clientOrderID]
	if !ok {
		brokerID = m.nextIDLocked()
		m.clientOrderMap[clientOrderID] = brokerID
		m.orders[brokerID] = &core.BrokerOrder{BrokerOrderID: brokerID, ClientOrderID: clientOrderID}
	}
	order := m.orders[brokerID]
	order.Status = status
	order.FilledQty = filledQty
	order.FilledAvgPrice = avgPrice
	order.UpdatedAt = time.Now().UTC()
}

func (m *MockBroker) nextIDLocked() string {
	m.orderIDCounter++
	return fmt.Sprintf("brk-%d", m.orderIDCounter)
}

func (m *MockBroker) CheckHealth(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.healthErr
}

// SubmitOrder accepts the order, or returns the existing ack for a repeated
// client_order_id without counting a second submission
func (m *MockBroker) SubmitOrder(ctx context.Context, req *core.BrokerOrderRequest) (*core.BrokerAck, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.submitAttempts++
	if m.submitErr != nil {
		return nil, m.submitErr
	}

	if brokerID, exists := m.clientOrderMap[req.ClientOrderID]; exists {
		order := m.orders[brokerID]
		return &core.BrokerAck{
			BrokerOrderID: brokerID,
			ClientOrderID: req.ClientOrderID,
			Status:        order.Status,
			SubmittedAt:   order.UpdatedAt,
		}, nil
	}

	brokerID := m.nextIDLocked()
	now := time.Now().UTC()
	m.orders[brokerID] = &core.BrokerOrder{
		BrokerOrderID: brokerID,
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Qty:           req.Qty,
		FilledQty:     decimal.Zero,
		Status:        m.ackStatus,
		UpdatedAt:     now,
	}
	m.clientOrderMap[req.ClientOrderID] = brokerID
	m.submitCount++

	return &core.BrokerAck{
		BrokerOrderID: brokerID,
		ClientOrderID: req.ClientOrderID,
		Status:        m.ackStatus,
		SubmittedAt:   now,
	}, nil
}

func (m *MockBroker) CancelOrder(ctx context.Context, brokerOrderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[brokerOrderID]
	if !ok {
		return &apperrors.BrokerRejectionError{Code: 404, Message: "unknown order"}
	}
	if core.IsTerminalStatus(order.Status) {
		return &apperrors.BrokerRejectionError{Code: 422, Message: "order already terminal"}
	}
	order.Status = core.StatusCanceled
	order.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MockBroker) ReplaceOrder(ctx context.Context, brokerOrderID string, params *core.ReplaceParams, newClientOrderID string) (*core.BrokerAck, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.replaceErr != nil {
		return nil, m.replaceErr
	}

	original, ok := m.orders[brokerOrderID]
	if !ok {
		return nil, &apperrors.BrokerRejectionError{Code: 404, Message: "unknown order"}
	}
	if core.IsTerminalStatus(original.Status) {
		return nil, &apperrors.BrokerRejectionError{Code: 422, Message: "order already terminal"}
	}

	original.Status = core.StatusReplaced
	now := time.Now().UTC()
	original.UpdatedAt = now

	newBrokerID := m.nextIDLocked()
	qty := original.Qty
	if params != nil && params.Qty != nil {
		qty = decimal.NewFromInt(*params.Qty)
	}
	m.orders[newBrokerID] = &core.BrokerOrder{
		BrokerOrderID: newBrokerID,
		ClientOrderID: newClientOrderID,
		Symbol:        original.Symbol,
		Side:          original.Side,
		Qty:           qty,
		FilledQty:     original.FilledQty,
		Status:        core.StatusAccepted,
		UpdatedAt:     now,
	}
	m.clientOrderMap[newClientOrderID] = newBrokerID

	return &core.BrokerAck{
		BrokerOrderID: newBrokerID,
		ClientOrderID: newClientOrderID,
		Status:        core.StatusAccepted,
		SubmittedAt:   now,
	}, nil
}

func (m *MockBroker) GetOrderByClientID(ctx context.Context, clientOrderID string) (*core.BrokerOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	brokerID, ok := m.clientOrderMap[clientOrderID]
	if !ok {
		return nil, apperrors.ErrOrderNotFound
	}
	cp := *m.orders[brokerID]
	return &cp, nil
}

func (m *MockBroker) GetOpenPosition(ctx context.Context, symbol string) (*core.BrokerPosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.positionErr != nil {
		return nil, m.positionErr
	}
	pos, ok := m.positions[symbol]
	if !ok {
		return &core.BrokerPosition{Symbol: symbol, Qty: decimal.Zero, AvgEntryPrice: decimal.Zero}, nil
	}
	cp := *pos
	return &cp, nil
}

func (m *MockBroker) GetOrders(ctx context.Context, filter core.OrdersFilter) ([]*core.BrokerOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ordersErr != nil {
		return nil, m.ordersErr
	}
	var out []*core.BrokerOrder
	for _, order := range m.orders {
		if filter.Status == "open" && core.IsTerminalStatus(order.Status) {
			continue
		}
		if !filter.After.IsZero() && order.UpdatedAt.Before(filter.After) {
			continue
		}
		cp := *order
		out = append(out, &cp)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (m *MockBroker) GetLatestQuotes(ctx context.Context, symbols []string) (map[string]*core.Quote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.quotesErr != nil {
		return nil, m.quotesErr
	}
	out := make(map[string]*core.Quote, len(symbols))
	for _, sym := range symbols {
		if quote, ok := m.quotes[sym]; ok {
			cp := *quote
			out[sym] = &cp
		}
	}
	return out, nil
}
