package broker

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"exec_gateway/internal/config"
	"exec_gateway/internal/core"
	"exec_gateway/pkg/websocket"
)

// UpdateHandler receives normalized order events from the stream
type UpdateHandler func(update *core.OrderUpdate)

// TradeStream maintains the broker's trade-update WebSocket and converts
// events into the same normalized OrderUpdate the webhook path produces.
// Stream events carry webhook source authority: both channels relay the
// broker's own timeline, and the CAS merge makes replays harmless.
type TradeStream struct {
	ws      *websocket.Client
	handler UpdateHandler
	logger  core.ILogger

	apiKey    string
	apiSecret string
}

// NewTradeStream builds the stream client; Start connects
func NewTradeStream(cfg config.BrokerConfig, timing config.TimingConfig, handler UpdateHandler, logger core.ILogger) *TradeStream {
	ts := &TradeStream{
		handler:   handler,
		logger:    logger.WithField("component", "trade_stream"),
		apiKey:    string(cfg.APIKey),
		apiSecret: string(cfg.APISecret),
	}
	ts.ws = websocket.NewClient(cfg.StreamURL, ts.onMessage, logger)
	ts.ws.SetPingConfig(
		time.Duration(timing.StreamPingInterval)*time.Second,
		time.Duration(timing.StreamWriteWait)*time.Second,
		time.Duration(timing.StreamPongWait)*time.Second,
	)
	ts.ws.SetOnConnected(ts.onConnected)
	return ts
}

// Start connects and begins relaying events
func (ts *TradeStream) Start() { ts.ws.Start() }

// Stop closes the stream
func (ts *TradeStream) Stop() { ts.ws.Stop() }

func (ts *TradeStream) onConnected() {
	auth := map[string]interface{}{
		"action": "auth",
		"key":    ts.apiKey,
		"secret": ts.apiSecret,
	}
	if err := ts.ws.Send(auth); err != nil {
		ts.logger.Error("Stream auth send failed", "error", err)
		return
	}
	listen := map[string]interface{}{
		"action": "listen",
		"data":   map[string]interface{}{"streams": []string{"trade_updates"}},
	}
	if err := ts.ws.Send(listen); err != nil {
		ts.logger.Error("Stream subscribe send failed", "error", err)
	}
}

// streamEnvelope is one message off the wire
type streamEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// tradeUpdate is the trade_updates payload
type tradeUpdate struct {
	Event       string    `json:"event"`
	ExecutionID string    `json:"execution_id,omitempty"`
	Qty         string    `json:"qty,omitempty"`
	Price       string    `json:"price,omitempty"`
	Timestamp   string    `json:"timestamp"`
	Order       wireOrder `json:"order"`
}

func (ts *TradeStream) onMessage(message []byte) {
	var env streamEnvelope
	if err := json.Unmarshal(message, &env); err != nil {
		ts.logger.Warn("Stream message unparseable", "error", err)
		return
	}
	if env.Stream != "trade_updates" {
		return
	}

	var tu tradeUpdate
	if err := json.Unmarshal(env.Data, &tu); err != nil {
		ts.logger.Warn("Trade update unparseable", "error", err)
		return
	}

	update := tu.toOrderUpdate()
	if update == nil {
		return
	}
	if ts.handler != nil {
		ts.handler(update)
	}
}

// streamEventStatus maps stream event names that differ from status names
var streamEventStatus = map[string]core.OrderStatus{
	"fill":         core.StatusFilled,
	"partial_fill": core.StatusPartiallyFilled,
	"canceled":     core.StatusCanceled,
	"rejected":     core.StatusRejected,
	"expired":      core.StatusExpired,
	"replaced":     core.StatusReplaced,
	"new":          core.StatusNew,
	"accepted":     core.StatusAccepted,
	"pending_new":  core.StatusPendingNew,
}

func (tu *tradeUpdate) toOrderUpdate() *core.OrderUpdate {
	status, ok := streamEventStatus[tu.Event]
	if !ok {
		// pending_cancel, done_for_day and friends carry no ledger transition
		return nil
	}

	brokerUpdatedAt, err := time.Parse(time.RFC3339Nano, tu.Timestamp)
	if err != nil {
		brokerUpdatedAt = time.Now().UTC()
	}

	update := &core.OrderUpdate{
		ClientOrderID:   tu.Order.ClientOrderID,
		BrokerOrderID:   tu.Order.ID,
		Symbol:          tu.Order.Symbol,
		Side:            core.Side(tu.Order.Side),
		Status:          status,
		BrokerUpdatedAt: brokerUpdatedAt,
		Source:          core.SourceWebhook,
	}

	if filled, err := decimal.NewFromString(tu.Order.FilledQty); err == nil {
		update.FilledQty = filled
	}
	if tu.Order.FilledAvgPrice != "" {
		if avg, err := decimal.NewFromString(tu.Order.FilledAvgPrice); err == nil {
			update.FilledAvgPrice = &avg
		}
	}

	if tu.Event == "fill" || tu.Event == "partial_fill" {
		update.FillID = tu.ExecutionID
		if qty, err := decimal.NewFromString(tu.Qty); err == nil {
			update.FillQty = qty
		}
		if tu.Price != "" {
			if price, err := decimal.NewFromString(tu.Price); err == nil {
				update.FillPrice = &price
			}
		}
	}

	return update
}
