// Package broker implements the IBrokerClient adapters: a REST client for
// the production broker API and a trade-update stream feeding order events
// into the same ingestion path as webhooks.
package broker

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"exec_gateway/internal/config"
	"exec_gateway/internal/core"
	apperrors "exec_gateway/pkg/errors"
	httpclient "exec_gateway/pkg/http"
)

// hmacSigner signs every request with the API key and an HMAC-SHA256 of
// method, path, and timestamp, matching the broker's auth scheme.
type hmacSigner struct {
	apiKey    string
	apiSecret string
}

func (s *hmacSigner) SignRequest(req *http.Request) error {
	ts := strconv.FormatInt(time.Now().UTC().UnixMilli(), 10)
	mac := hmac.New(sha256.New, []byte(s.apiSecret))
	fmt.Fprintf(mac, "%s%s%s", ts, req.Method, req.URL.Path)
	req.Header.Set("APCA-API-KEY-ID", s.apiKey)
	req.Header.Set("APCA-API-TIMESTAMP", ts)
	req.Header.Set("APCA-API-SIGNATURE", hex.EncodeToString(mac.Sum(nil)))
	return nil
}

// RESTClient is the production IBrokerClient. The underlying HTTP client
// already retries transient failures with backoff, so every error that
// escapes here is classified terminally: validation, rejection, or
// transport.
type RESTClient struct {
	name    string
	client  *httpclient.Client
	limiter *rate.Limiter
	logger  core.ILogger
}

// NewRESTClient builds the REST adapter from broker config
func NewRESTClient(cfg config.BrokerConfig, logger core.ILogger) *RESTClient {
	var signer httpclient.Signer
	if cfg.APIKey != "" {
		signer = &hmacSigner{apiKey: string(cfg.APIKey), apiSecret: string(cfg.APISecret)}
	}
	rps := cfg.RateLimitPerSecond
	if rps <= 0 {
		rps = 10
	}
	burst := cfg.RateLimitBurst
	if burst <= 0 {
		burst = int(rps)
	}
	timeout := time.Duration(cfg.RequestTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RESTClient{
		name:    cfg.Name,
		client:  httpclient.NewClient(cfg.BaseURL, timeout, signer),
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		logger:  logger.WithField("component", "broker_rest"),
	}
}

func (c *RESTClient) GetName() string { return c.name }

// wireOrder is the broker's order representation on the wire
type wireOrder struct {
	ID             string `json:"id"`
	ClientOrderID  string `json:"client_order_id"`
	Symbol         string `json:"symbol"`
	Side           string `json:"side"`
	Qty            string `json:"qty"`
	FilledQty      string `json:"filled_qty"`
	FilledAvgPrice string `json:"filled_avg_price,omitempty"`
	Status         string `json:"status"`
	UpdatedAt      string `json:"updated_at"`
	SubmittedAt    string `json:"submitted_at,omitempty"`
}

type wirePosition struct {
	Symbol        string `json:"symbol"`
	Qty           string `json:"qty"`
	AvgEntryPrice string `json:"avg_entry_price"`
}

type wireQuote struct {
	Symbol    string `json:"symbol"`
	BidPrice  string `json:"bp"`
	AskPrice  string `json:"ap"`
	LastPrice string `json:"lp"`
	Timestamp string `json:"t"`
}

func (c *RESTClient) CheckHealth(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	if _, err := c.client.Get(ctx, "/v2/account", nil); err != nil {
		return classify("health_check", err)
	}
	return nil
}

// SubmitOrder posts the order. The broker deduplicates by client_order_id,
// so a retried POST for an order it already holds returns the original
// order, which maps to the same ack.
func (c *RESTClient) SubmitOrder(ctx context.Context, req *core.BrokerOrderRequest) (*core.BrokerAck, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	payload := map[string]interface{}{
		"client_order_id": req.ClientOrderID,
		"symbol":          req.Symbol,
		"side":            string(req.Side),
		"qty":             req.Qty.String(),
		"type":            string(req.OrderType),
		"time_in_force":   string(req.TimeInForce),
	}
	if req.LimitPrice != nil {
		payload["limit_price"] = req.LimitPrice.String()
	}
	if req.StopPrice != nil {
		payload["stop_price"] = req.StopPrice.String()
	}

	body, err := c.client.Post(ctx, "/v2/orders", payload)
	if err != nil {
		return nil, classify("submit_order", err)
	}

	var wo wireOrder
	if err := json.Unmarshal(body, &wo); err != nil {
		return nil, &apperrors.BrokerTransportError{Op: "submit_order", Err: err}
	}
	return &core.BrokerAck{
		BrokerOrderID: wo.ID,
		ClientOrderID: wo.ClientOrderID,
		Status:        core.OrderStatus(wo.Status),
		SubmittedAt:   parseWireTime(wo.SubmittedAt, wo.UpdatedAt),
	}, nil
}

func (c *RESTClient) CancelOrder(ctx context.Context, brokerOrderID string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	if _, err := c.client.Delete(ctx, "/v2/orders/"+brokerOrderID, nil); err != nil {
		return classify("cancel_order", err)
	}
	return nil
}

func (c *RESTClient) ReplaceOrder(ctx context.Context, brokerOrderID string, params *core.ReplaceParams, newClientOrderID string) (*core.BrokerAck, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	payload := map[string]interface{}{
		"client_order_id": newClientOrderID,
	}
	if params != nil {
		if params.Qty != nil {
			payload["qty"] = strconv.FormatInt(*params.Qty, 10)
		}
		if params.LimitPrice != nil {
			payload["limit_price"] = params.LimitPrice.String()
		}
		if params.StopPrice != nil {
			payload["stop_price"] = params.StopPrice.String()
		}
		if params.TimeInForce != nil {
			payload["time_in_force"] = string(*params.TimeInForce)
		}
	}

	body, err := c.client.Patch(ctx, "/v2/orders/"+brokerOrderID, payload)
	if err != nil {
		return nil, classify("replace_order", err)
	}

	var wo wireOrder
	if err := json.Unmarshal(body, &wo); err != nil {
		return nil, &apperrors.BrokerTransportError{Op: "replace_order", Err: err}
	}
	return &core.BrokerAck{
		BrokerOrderID: wo.ID,
		ClientOrderID: wo.ClientOrderID,
		Status:        core.OrderStatus(wo.Status),
		SubmittedAt:   parseWireTime(wo.SubmittedAt, wo.UpdatedAt),
	}, nil
}

func (c *RESTClient) GetOrderByClientID(ctx context.Context, clientOrderID string) (*core.BrokerOrder, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	body, err := c.client.Get(ctx, "/v2/orders:by_client_order_id", map[string]string{
		"client_order_id": clientOrderID,
	})
	if err != nil {
		var apiErr *httpclient.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return nil, apperrors.ErrOrderNotFound
		}
		return nil, classify("get_order", err)
	}

	var wo wireOrder
	if err := json.Unmarshal(body, &wo); err != nil {
		return nil, &apperrors.BrokerTransportError{Op: "get_order", Err: err}
	}
	return wo.toBrokerOrder(), nil
}

func (c *RESTClient) GetOpenPosition(ctx context.Context, symbol string) (*core.BrokerPosition, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	body, err := c.client.Get(ctx, "/v2/positions/"+symbol, nil)
	if err != nil {
		var apiErr *httpclient.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			// A flat symbol has no position row at the broker
			return &core.BrokerPosition{Symbol: symbol, Qty: decimal.Zero, AvgEntryPrice: decimal.Zero}, nil
		}
		return nil, classify("get_position", err)
	}

	var wp wirePosition
	if err := json.Unmarshal(body, &wp); err != nil {
		return nil, &apperrors.BrokerTransportError{Op: "get_position", Err: err}
	}
	qty, _ := decimal.NewFromString(wp.Qty)
	avg, _ := decimal.NewFromString(wp.AvgEntryPrice)
	return &core.BrokerPosition{Symbol: wp.Symbol, Qty: qty, AvgEntryPrice: avg}, nil
}

func (c *RESTClient) GetOrders(ctx context.Context, filter core.OrdersFilter) ([]*core.BrokerOrder, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	params := map[string]string{}
	if filter.Status != "" {
		params["status"] = filter.Status
	}
	if filter.Limit > 0 {
		params["limit"] = strconv.Itoa(filter.Limit)
	}
	if !filter.After.IsZero() {
		params["after"] = filter.After.UTC().Format(time.RFC3339)
	}

	body, err := c.client.Get(ctx, "/v2/orders", params)
	if err != nil {
		return nil, classify("get_orders", err)
	}

	var wos []wireOrder
	if err := json.Unmarshal(body, &wos); err != nil {
		return nil, &apperrors.BrokerTransportError{Op: "get_orders", Err: err}
	}
	out := make([]*core.BrokerOrder, 0, len(wos))
	for i := range wos {
		out = append(out, wos[i].toBrokerOrder())
	}
	return out, nil
}

func (c *RESTClient) GetLatestQuotes(ctx context.Context, symbols []string) (map[string]*core.Quote, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	joined := ""
	for i, s := range symbols {
		if i > 0 {
			joined += ","
		}
		joined += s
	}
	body, err := c.client.Get(ctx, "/v2/stocks/quotes/latest", map[string]string{"symbols": joined})
	if err != nil {
		return nil, classify("get_quotes", err)
	}

	var resp struct {
		Quotes map[string]wireQuote `json:"quotes"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &apperrors.BrokerTransportError{Op: "get_quotes", Err: err}
	}

	out := make(map[string]*core.Quote, len(resp.Quotes))
	for sym, wq := range resp.Quotes {
		bid, _ := decimal.NewFromString(wq.BidPrice)
		ask, _ := decimal.NewFromString(wq.AskPrice)
		last, _ := decimal.NewFromString(wq.LastPrice)
		ts, _ := time.Parse(time.RFC3339Nano, wq.Timestamp)
		out[sym] = &core.Quote{Symbol: sym, BidPrice: bid, AskPrice: ask, LastPrice: last, Timestamp: ts}
	}
	return out, nil
}

func (wo *wireOrder) toBrokerOrder() *core.BrokerOrder {
	qty, _ := decimal.NewFromString(wo.Qty)
	filled, _ := decimal.NewFromString(wo.FilledQty)
	var avg *decimal.Decimal
	if wo.FilledAvgPrice != "" {
		if d, err := decimal.NewFromString(wo.FilledAvgPrice); err == nil {
			avg = &d
		}
	}
	updated, _ := time.Parse(time.RFC3339Nano, wo.UpdatedAt)
	return &core.BrokerOrder{
		BrokerOrderID:  wo.ID,
		ClientOrderID:  wo.ClientOrderID,
		Symbol:         wo.Symbol,
		Side:           core.Side(wo.Side),
		Qty:            qty,
		FilledQty:      filled,
		FilledAvgPrice: avg,
		Status:         core.OrderStatus(wo.Status),
		UpdatedAt:      updated,
	}
}

func parseWireTime(primary, fallback string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, primary); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339Nano, fallback); err == nil {
		return t
	}
	return time.Now().UTC()
}

// classify maps a transport-layer error onto the broker error taxonomy:
// 400/422 mean the request was malformed, other 4xx mean the broker
// declined it, and everything else is transport-level after the client's
// retries ran out.
func classify(op string, err error) error {
	var apiErr *httpclient.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusBadRequest || apiErr.StatusCode == http.StatusUnprocessableEntity:
			return &apperrors.BrokerValidationError{Code: apiErr.StatusCode, Message: string(apiErr.Body)}
		case apiErr.StatusCode >= 400 && apiErr.StatusCode < 500:
			return &apperrors.BrokerRejectionError{Code: apiErr.StatusCode, Message: string(apiErr.Body)}
		}
	}
	return &apperrors.BrokerTransportError{Op: op, Err: err}
}
