// Package binance provides Binance USDⓈ-M Futures exchange connectivity
package binance

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
	"strings"
	"time"

	"futures_orchestrator/internal/config"
	"futures_orchestrator/internal/core"
	apperrors "futures_orchestrator/pkg/errors"
	pkghttp "futures_orchestrator/pkg/http"
	"futures_orchestrator/pkg/websocket"

	"github.com/shopspring/decimal"
)

const (
	defaultFuturesURL = "https://fapi.binance.com"
	defaultFuturesWS  = "wss://fstream.binance.com/ws"
	recvWindowMs      = 5000
)

// Request weights per the Binance futures API documentation
const (
	weightPing         = 1
	weightOrder        = 1
	weightOrderQuery   = 1
	weightOpenOrders   = 1
	weightLeverage     = 1
	weightExchangeInfo = 1
	weightPremiumIndex = 1
	weightAccount      = 5
	weightBalance      = 5
	weightPositionRisk = 5
)

// signer implements pkghttp.Signer with the Binance HMAC-SHA256 scheme
type signer struct {
	apiKey    string
	secretKey string
}

func (s *signer) SignRequest(req *http.Request) error {
	req.Header.Set("X-MBX-APIKEY", s.apiKey)

	q := req.URL.Query()
	if q.Get("timestamp") == "" {
		q.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	}
	if q.Get("recvWindow") == "" {
		q.Set("recvWindow", strconv.Itoa(recvWindowMs))
	}

	queryString := q.Encode()
	mac := hmac.New(sha256.New, []byte(s.secretKey))
	mac.Write([]byte(queryString))
	q.Set("signature", hex.EncodeToString(mac.Sum(nil)))
	req.URL.RawQuery = q.Encode()

	return nil
}

// Exchange implements core.IExchange for Binance futures
type Exchange struct {
	cfg    *config.ExchangeConfig
	logger core.ILogger

	private *pkghttp.Client // signed endpoints
	public  *pkghttp.Client // unauthenticated endpoints

	streams []*websocket.Client
}

// New creates a new Binance futures exchange instance
func New(cfg *config.ExchangeConfig, logger core.ILogger) *Exchange {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultFuturesURL
	}

	sg := &signer{apiKey: cfg.APIKey, secretKey: cfg.SecretKey}

	return &Exchange{
		cfg:     cfg,
		logger:  logger.WithField("exchange", "binance"),
		private: pkghttp.NewClient(baseURL, pkghttp.DefaultConfig, sg),
		public:  pkghttp.NewClient(baseURL, pkghttp.DefaultConfig, nil),
	}
}

// GetName returns the exchange name
func (e *Exchange) GetName() string {
	return "binance"
}

// CheckHealth probes API connectivity
func (e *Exchange) CheckHealth(ctx context.Context) error {
	_, err := e.public.Get(ctx, "/fapi/v1/ping", nil, weightPing)
	return err
}

// parseError maps a Binance error response to a standard error
func parseError(err error) error {
	var apiErr *pkghttp.APIError
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("%w: %v", apperrors.ErrExchangeUnavailable, err)
	}

	var errResp struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if jsonErr := json.Unmarshal(apiErr.Body, &errResp); jsonErr != nil {
		return fmt.Errorf("binance error (unmarshal failed): %s", string(apiErr.Body))
	}

	switch errResp.Code {
	case -2015:
		return apperrors.ErrAuthenticationFailed
	case -2010:
		return apperrors.ErrInsufficientFunds
	case -1003:
		return apperrors.ErrRateLimitExceeded
	case -1021:
		return apperrors.ErrTimestampOutOfBounds
	case -1121:
		return apperrors.ErrUnknownSymbol
	case -2011, -2013:
		return apperrors.ErrOrderNotFound
	case -2022:
		return apperrors.ErrReduceOnlyRejected
	case -1111, -4014:
		return fmt.Errorf("%w: binance %d: %s", apperrors.ErrPrecisionViolation, errResp.Code, errResp.Msg)
	case -4164:
		return fmt.Errorf("%w: binance %d: %s", apperrors.ErrInvalidOrderParameter, errResp.Code, errResp.Msg)
	}

	return fmt.Errorf("%w: binance %d: %s", apperrors.ErrOrderRejected, errResp.Code, errResp.Msg)
}

func mapOrderStatus(raw string) core.OrderStatus {
	switch raw {
	case "NEW":
		return core.OrderStatusNew
	case "PARTIALLY_FILLED":
		return core.OrderStatusPartiallyFilled
	case "FILLED":
		return core.OrderStatusFilled
	case "CANCELED":
		return core.OrderStatusCanceled
	case "REJECTED":
		return core.OrderStatusRejected
	case "EXPIRED":
		return core.OrderStatusExpired
	default:
		return core.OrderStatus(raw)
	}
}

// rawOrder is the Binance order payload shared by several endpoints
type rawOrder struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	Price         string `json:"price"`
	StopPrice     string `json:"stopPrice"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	AvgPrice      string `json:"avgPrice"`
	Status        string `json:"status"`
	TimeInForce   string `json:"timeInForce"`
	ReduceOnly    bool   `json:"reduceOnly"`
	PositionSide  string `json:"positionSide"`
	UpdateTime    int64  `json:"updateTime"`
}

func (e *Exchange) mapOrder(r *rawOrder) *core.Order {
	return &core.Order{
		OrderID:       strconv.FormatInt(r.OrderID, 10),
		ClientOrderID: r.ClientOrderID,
		Symbol:        r.Symbol,
		Side:          core.OrderSide(r.Side),
		Type:          core.OrderType(r.Type),
		Price:         e.parseDecimal(r.Price),
		StopPrice:     e.parseDecimal(r.StopPrice),
		OrigQty:       e.parseDecimal(r.OrigQty),
		ExecutedQty:   e.parseDecimal(r.ExecutedQty),
		AvgPrice:      e.parseDecimal(r.AvgPrice),
		Status:        mapOrderStatus(r.Status),
		TimeInForce:   core.TimeInForce(r.TimeInForce),
		ReduceOnly:    r.ReduceOnly,
		PositionSide:  core.PositionSide(r.PositionSide),
		UpdateTime:    time.UnixMilli(r.UpdateTime),
	}
}

func (e *Exchange) parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		e.logger.Warn("failed to parse decimal", "value", s, "error", err)
		return decimal.Zero
	}
	return d
}

// GetAccountInfo returns the authoritative account snapshot
func (e *Exchange) GetAccountInfo(ctx context.Context) (*core.AccountInfo, error) {
	body, err := e.private.Get(ctx, "/fapi/v2/account", nil, weightAccount)
	if err != nil {
		return nil, parseError(err)
	}

	var data struct {
		Assets []struct {
			Asset            string `json:"asset"`
			WalletBalance    string `json:"walletBalance"`
			AvailableBalance string `json:"availableBalance"`
		} `json:"assets"`
		Positions []struct {
			Symbol           string `json:"symbol"`
			PositionAmt      string `json:"positionAmt"`
			EntryPrice       string `json:"entryPrice"`
			UnrealizedProfit string `json:"unrealizedProfit"`
			PositionSide     string `json:"positionSide"`
			Leverage         string `json:"leverage"`
		} `json:"positions"`
	}
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal account info: %w", err)
	}

	info := &core.AccountInfo{}
	for _, a := range data.Assets {
		info.Balances = append(info.Balances, core.Balance{
			Asset:     a.Asset,
			Balance:   e.parseDecimal(a.WalletBalance),
			Available: e.parseDecimal(a.AvailableBalance),
		})
	}
	for _, p := range data.Positions {
		leverage, _ := strconv.Atoi(p.Leverage)
		info.Positions = append(info.Positions, core.Position{
			Symbol:           p.Symbol,
			PositionAmt:      e.parseDecimal(p.PositionAmt),
			EntryPrice:       e.parseDecimal(p.EntryPrice),
			UnrealizedProfit: e.parseDecimal(p.UnrealizedProfit),
			PositionSide:     core.PositionSide(p.PositionSide),
			Leverage:         leverage,
		})
	}
	return info, nil
}

// GetAvailableBalance returns the free quote balance for one asset
func (e *Exchange) GetAvailableBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	body, err := e.private.Get(ctx, "/fapi/v2/balance", nil, weightBalance)
	if err != nil {
		return decimal.Zero, parseError(err)
	}

	var data []struct {
		Asset            string `json:"asset"`
		AvailableBalance string `json:"availableBalance"`
	}
	if err := json.Unmarshal(body, &data); err != nil {
		return decimal.Zero, fmt.Errorf("failed to unmarshal balances: %w", err)
	}

	for _, b := range data {
		if b.Asset == asset {
			return e.parseDecimal(b.AvailableBalance), nil
		}
	}
	return decimal.Zero, fmt.Errorf("asset %s not found in futures wallet", asset)
}

// GetPositions returns the account positions, optionally filtered by symbol
func (e *Exchange) GetPositions(ctx context.Context, symbol string) ([]*core.Position, error) {
	params := map[string]string{}
	if symbol != "" {
		params["symbol"] = symbol
	}

	body, err := e.private.Get(ctx, "/fapi/v2/positionRisk", params, weightPositionRisk)
	if err != nil {
		return nil, parseError(err)
	}

	var data []struct {
		Symbol           string `json:"symbol"`
		PositionAmt      string `json:"positionAmt"`
		EntryPrice       string `json:"entryPrice"`
		UnRealizedProfit string `json:"unRealizedProfit"`
		PositionSide     string `json:"positionSide"`
		Leverage         string `json:"leverage"`
	}
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal positions: %w", err)
	}

	positions := make([]*core.Position, 0, len(data))
	for _, p := range data {
		leverage, _ := strconv.Atoi(p.Leverage)
		positions = append(positions, &core.Position{
			Symbol:           p.Symbol,
			PositionAmt:      e.parseDecimal(p.PositionAmt),
			EntryPrice:       e.parseDecimal(p.EntryPrice),
			UnrealizedProfit: e.parseDecimal(p.UnRealizedProfit),
			PositionSide:     core.PositionSide(p.PositionSide),
			Leverage:         leverage,
		})
	}
	return positions, nil
}

// PlaceOrder submits one order. All numeric fields are serialized as
// canonical decimal strings; quantization happens before this boundary.
func (e *Exchange) PlaceOrder(ctx context.Context, req *core.PlaceOrderRequest) (*core.Order, error) {
	params := map[string]string{
		"symbol": req.Symbol,
		"side":   string(req.Side),
		"type":   string(req.Type),
	}

	if !req.Quantity.IsZero() {
		params["quantity"] = req.Quantity.String()
	}
	if !req.Price.IsZero() {
		params["price"] = req.Price.String()
	}
	if !req.StopPrice.IsZero() {
		params["stopPrice"] = req.StopPrice.String()
	}
	if req.TimeInForce != "" {
		params["timeInForce"] = string(req.TimeInForce)
	}
	if req.PositionSide != "" && req.PositionSide != core.PositionBoth {
		params["positionSide"] = string(req.PositionSide)
	} else if req.ReduceOnly {
		// In hedge mode reduceOnly is implied by positionSide and rejected
		// as an explicit parameter, so it is only sent in one-way mode.
		params["reduceOnly"] = "true"
	}
	if req.ClientOrderID != "" {
		params["newClientOrderId"] = req.ClientOrderID
	}

	body, err := e.private.Post(ctx, "/fapi/v1/order", params, weightOrder)
	if err != nil {
		return nil, parseError(err)
	}

	var raw rawOrder
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to unmarshal order response: %w", err)
	}
	return e.mapOrder(&raw), nil
}

// CancelOrder cancels one open order
func (e *Exchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	params := map[string]string{
		"symbol":  symbol,
		"orderId": orderID,
	}
	if _, err := e.private.Delete(ctx, "/fapi/v1/order", params, weightOrder); err != nil {
		return parseError(err)
	}
	return nil
}

// GetOrder looks an order up by exchange id or client correlation id
func (e *Exchange) GetOrder(ctx context.Context, symbol, orderID, clientOrderID string) (*core.Order, error) {
	params := map[string]string{"symbol": symbol}
	if orderID != "" {
		params["orderId"] = orderID
	} else if clientOrderID != "" {
		params["origClientOrderId"] = clientOrderID
	} else {
		return nil, fmt.Errorf("%w: orderId or clientOrderId required", apperrors.ErrInvalidOrderParameter)
	}

	body, err := e.private.Get(ctx, "/fapi/v1/order", params, weightOrderQuery)
	if err != nil {
		return nil, parseError(err)
	}

	var raw rawOrder
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to unmarshal order: %w", err)
	}
	return e.mapOrder(&raw), nil
}

// GetOpenOrders returns the currently open orders for one symbol
func (e *Exchange) GetOpenOrders(ctx context.Context, symbol string) ([]*core.Order, error) {
	params := map[string]string{}
	if symbol != "" {
		params["symbol"] = symbol
	}

	body, err := e.private.Get(ctx, "/fapi/v1/openOrders", params, weightOpenOrders)
	if err != nil {
		return nil, parseError(err)
	}

	var raws []rawOrder
	if err := json.Unmarshal(body, &raws); err != nil {
		return nil, fmt.Errorf("failed to unmarshal open orders: %w", err)
	}

	orders := make([]*core.Order, 0, len(raws))
	for i := range raws {
		orders = append(orders, e.mapOrder(&raws[i]))
	}
	return orders, nil
}

// GetSymbolFilters fetches the trading rules for one symbol
func (e *Exchange) GetSymbolFilters(ctx context.Context, symbol string) (*core.SymbolFilters, error) {
	body, err := e.public.Get(ctx, "/fapi/v1/exchangeInfo", map[string]string{"symbol": symbol}, weightExchangeInfo)
	if err != nil {
		return nil, parseError(err)
	}

	var data struct {
		Symbols []struct {
			Symbol            string `json:"symbol"`
			PricePrecision    int32  `json:"pricePrecision"`
			QuantityPrecision int32  `json:"quantityPrecision"`
			Filters           []struct {
				FilterType string `json:"filterType"`
				TickSize   string `json:"tickSize"`
				StepSize   string `json:"stepSize"`
				Notional   string `json:"notional"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal exchange info: %w", err)
	}

	for _, s := range data.Symbols {
		if s.Symbol != symbol {
			continue
		}
		filters := &core.SymbolFilters{
			Symbol:        s.Symbol,
			PriceDecimals: s.PricePrecision,
			QtyDecimals:   s.QuantityPrecision,
		}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "PRICE_FILTER":
				filters.TickSize = e.parseDecimal(f.TickSize)
			case "LOT_SIZE":
				filters.StepSize = e.parseDecimal(f.StepSize)
			case "MIN_NOTIONAL":
				filters.MinNotional = e.parseDecimal(f.Notional)
			}
		}
		if filters.TickSize.IsZero() || filters.StepSize.IsZero() {
			return nil, fmt.Errorf("incomplete filters for %s", symbol)
		}
		return filters, nil
	}

	return nil, fmt.Errorf("%w: %s", apperrors.ErrUnknownSymbol, symbol)
}

// ChangeLeverage sets the initial leverage for one symbol. The endpoint
// may omit the leverage echo; a 200 response is treated as success.
func (e *Exchange) ChangeLeverage(ctx context.Context, symbol string, leverage int) error {
	params := map[string]string{
		"symbol":   symbol,
		"leverage": strconv.Itoa(leverage),
	}
	if _, err := e.private.Post(ctx, "/fapi/v1/leverage", params, weightLeverage); err != nil {
		return parseError(err)
	}
	return nil
}

// GetMarkPrice returns the current mark price for one symbol
func (e *Exchange) GetMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	body, err := e.public.Get(ctx, "/fapi/v1/premiumIndex", map[string]string{"symbol": symbol}, weightPremiumIndex)
	if err != nil {
		return decimal.Zero, parseError(err)
	}

	var data struct {
		Symbol    string `json:"symbol"`
		MarkPrice string `json:"markPrice"`
	}
	if err := json.Unmarshal(body, &data); err != nil {
		return decimal.Zero, fmt.Errorf("failed to unmarshal mark price: %w", err)
	}
	return decimal.NewFromString(data.MarkPrice)
}

// StartMarkPriceStream subscribes to mark-price updates for the given
// symbols. The stream is an optimization; callers must keep polling as
// the correctness floor.
func (e *Exchange) StartMarkPriceStream(ctx context.Context, symbols []string, callback func(update *core.MarkPriceUpdate)) error {
	wsURL := e.cfg.WSURL
	if wsURL == "" {
		wsURL = defaultFuturesWS
	}

	for _, symbol := range symbols {
		streamURL := fmt.Sprintf("%s/%s@markPrice", wsURL, strings.ToLower(symbol))

		client := websocket.NewClient(streamURL, func(message []byte) {
			var event struct {
				EventType string `json:"e"`
				EventTime int64  `json:"E"`
				Symbol    string `json:"s"`
				MarkPrice string `json:"p"`
			}
			if err := json.Unmarshal(message, &event); err != nil {
				e.logger.Error("Failed to unmarshal mark price update", "error", err)
				return
			}
			price, err := decimal.NewFromString(event.MarkPrice)
			if err != nil {
				e.logger.Error("Invalid mark price in stream", "value", event.MarkPrice, "error", err)
				return
			}
			callback(&core.MarkPriceUpdate{
				Symbol:    event.Symbol,
				MarkPrice: price,
				Timestamp: time.UnixMilli(event.EventTime),
			})
		}, e.logger)

		client.Start()
		e.streams = append(e.streams, client)

		go func(c *websocket.Client) {
			<-ctx.Done()
			c.Stop()
		}(client)
	}

	e.logger.Info("Mark price streams started", "symbols", len(symbols))
	return nil
}
