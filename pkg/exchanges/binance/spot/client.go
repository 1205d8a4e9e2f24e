package spot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"spot-core/pkg/exchanges/common"
	"spot-core/pkg/logger"
)

// Config holds Binance credentials.
type Config struct {
	APIKey    string
	APISecret string
	Testnet   bool
	// OrdersPerSecond caps order submissions (Binance allows 10/s per account on spot).
	OrdersPerSecond float64
}

// Client is the Binance spot gateway backed by go-binance.
type Client struct {
	api     *binance.Client
	limiter *rate.Limiter
	log     *zap.Logger
}

// New builds a spot gateway; testnet switches the REST base URL.
func New(cfg Config) *Client {
	api := binance.NewClient(cfg.APIKey, cfg.APISecret)
	if cfg.Testnet {
		api.BaseURL = "https://testnet.binance.vision"
	}
	ops := cfg.OrdersPerSecond
	if ops <= 0 {
		ops = 8
	}
	return &Client{
		api:     api,
		limiter: rate.NewLimiter(rate.Limit(ops), 1),
		log:     logger.Named("binance-spot"),
	}
}

// PlaceMarketOrder submits a MARKET order and aggregates its fills.
func (c *Client) PlaceMarketOrder(ctx context.Context, req common.MarketOrderRequest) (common.MarketOrderResult, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return common.MarketOrderResult{}, fmt.Errorf("binance: order rate limit: %w", err)
	}

	qty := req.QuantityText
	if qty == "" {
		qty = strconv.FormatFloat(req.Quantity, 'f', -1, 64)
	}

	svc := c.api.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(toSideType(req.Side)).
		Type(binance.OrderTypeMarket).
		Quantity(qty).
		NewOrderRespType(binance.NewOrderRespTypeFULL)
	if req.ClientID != "" {
		svc = svc.NewClientOrderID(req.ClientID)
	}

	start := time.Now()
	res, err := svc.Do(ctx)
	if err != nil {
		return common.MarketOrderResult{}, fmt.Errorf("binance: create order %s %s: %w", req.Side, req.Symbol, err)
	}
	c.log.Debug("binance-spot: order ack",
		zap.String("symbol", req.Symbol),
		zap.Int64("order_id", res.OrderID),
		zap.String("status", string(res.Status)),
		zap.Duration("latency", time.Since(start)))

	out := summarizeOrder(req.Symbol, res)
	if out.FilledQty <= 0 {
		return out, fmt.Errorf("binance: order %s status %s: %w", out.OrderID, out.Status, common.ErrNotFilled)
	}
	return out, nil
}

// CheckAccount verifies the credentials against the account endpoint and that
// the account may trade spot.
func (c *Client) CheckAccount(ctx context.Context) error {
	acct, err := c.api.NewGetAccountService().Do(ctx)
	if err != nil {
		return fmt.Errorf("binance: account check: %w", err)
	}
	if !acct.CanTrade {
		return errors.New("binance: account is not permitted to trade")
	}
	return nil
}

// LotSizeRules fetches exchangeInfo and extracts LOT_SIZE and notional filters.
func (c *Client) LotSizeRules(ctx context.Context) ([]common.SymbolFilters, error) {
	info, err := c.api.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance: exchange info: %w", err)
	}
	out := make([]common.SymbolFilters, 0, len(info.Symbols))
	for _, s := range info.Symbols {
		if s.Status != "" && s.Status != "TRADING" {
			continue
		}
		f, ok := parseFilters(s.Symbol, s.Filters)
		if !ok {
			continue
		}
		out = append(out, f)
	}
	return out, nil
}

// LastPrice returns the latest traded price via the ticker price endpoint.
func (c *Client) LastPrice(ctx context.Context, symbol string) (float64, error) {
	prices, err := c.api.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("binance: ticker price %s: %w", symbol, err)
	}
	for _, p := range prices {
		if p.Symbol == symbol {
			return strconv.ParseFloat(p.Price, 64)
		}
	}
	return 0, errors.New("binance: ticker price missing for " + symbol)
}

func toSideType(s common.Side) binance.SideType {
	if s == common.SideSell {
		return binance.SideTypeSell
	}
	return binance.SideTypeBuy
}

func mapStatus(s binance.OrderStatusType) common.OrderStatus {
	switch s {
	case binance.OrderStatusTypeNew:
		return common.StatusNew
	case binance.OrderStatusTypePartiallyFilled:
		return common.StatusPartial
	case binance.OrderStatusTypeFilled:
		return common.StatusFilled
	case binance.OrderStatusTypeCanceled:
		return common.StatusCanceled
	case binance.OrderStatusTypeRejected:
		return common.StatusRejected
	case binance.OrderStatusTypeExpired:
		return common.StatusExpired
	default:
		return common.StatusUnknown
	}
}

// summarizeOrder computes filled quantity, VWAP and quote fee from the FULL
// response. On a BUY, commission charged in the base asset never reaches the
// account, so it is taken off the filled quantity.
func summarizeOrder(symbol string, res *binance.CreateOrderResponse) common.MarketOrderResult {
	out := common.MarketOrderResult{
		OrderID: strconv.FormatInt(res.OrderID, 10),
		Status:  mapStatus(res.Status),
	}
	var notional, filled, fee, baseFee float64
	for _, f := range res.Fills {
		if f == nil {
			continue
		}
		price := parseFloat(f.Price)
		qty := parseFloat(f.Quantity)
		filled += qty
		notional += price * qty
		commission := parseFloat(f.Commission)
		switch {
		case commission == 0:
		case strings.HasPrefix(symbol, f.CommissionAsset):
			fee += commission * price // paid in base asset
			baseFee += commission
		case strings.HasSuffix(symbol, f.CommissionAsset):
			fee += commission
		}
	}
	if filled == 0 {
		// Responses without fills still carry the executed totals.
		filled = parseFloat(res.ExecutedQuantity)
		notional = parseFloat(res.CummulativeQuoteQuantity)
	}
	if filled > 0 {
		out.AvgPrice = notional / filled
	}
	if res.Side == binance.SideTypeBuy && baseFee > 0 && baseFee < filled {
		filled -= baseFee
	}
	out.FilledQty = filled
	out.Fee = fee
	return out
}

// parseFilters reads the LOT_SIZE, MIN_NOTIONAL and NOTIONAL filter maps.
func parseFilters(symbol string, filters []map[string]interface{}) (common.SymbolFilters, bool) {
	out := common.SymbolFilters{Symbol: symbol}
	hasLot := false
	for _, f := range filters {
		switch f["filterType"] {
		case "LOT_SIZE":
			out.MinQty = filterFloat(f, "minQty")
			out.MaxQty = filterFloat(f, "maxQty")
			out.StepSize = filterFloat(f, "stepSize")
			hasLot = out.StepSize > 0
		case "MIN_NOTIONAL":
			out.MinNotional = filterFloat(f, "minNotional")
		case "NOTIONAL":
			out.MinNotional = filterFloat(f, "minNotional")
			out.MaxNotional = filterFloat(f, "maxNotional")
		}
	}
	return out, hasLot
}

func filterFloat(f map[string]interface{}, key string) float64 {
	switch v := f[key].(type) {
	case string:
		return parseFloat(v)
	case float64:
		return v
	default:
		return 0
	}
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
