package fatfinger

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"exec_gateway/internal/core"
)

type mockLogger struct{}

func (m *mockLogger) Debug(msg string, f ...interface{})               { fmt.Printf("DEBUG: %s %v\n", msg, f) }
func (m *mockLogger) Info(msg string, f ...interface{})                { fmt.Printf("INFO: %s %v\n", msg, f) }
func (m *mockLogger) Warn(msg string, f ...interface{})                { fmt.Printf("WARN: %s %v\n", msg, f) }
func (m *mockLogger) Error(msg string, f ...interface{})               { fmt.Printf("ERROR: %s %v\n", msg, f) }
func (m *mockLogger) Fatal(msg string, f ...interface{})               { fmt.Printf("FATAL: %s %v\n", msg, f) }
func (m *mockLogger) WithField(k string, v interface{}) core.ILogger   { return m }
func (m *mockLogger) WithFields(f map[string]interface{}) core.ILogger { return m }

type fakeQuoteSource struct {
	quote *core.Quote
	err   error
}

func (f *fakeQuoteSource) GetQuote(ctx context.Context, symbol string) (*core.Quote, error) {
	return f.quote, f.err
}

type fakeLiquidity struct {
	adv decimal.Decimal
	err error
}

func (f *fakeLiquidity) GetADV(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return f.adv, f.err
}
