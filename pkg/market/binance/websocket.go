package market

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"spot-core/pkg/logger"
)

// Trade is one public trade from the <symbol>@trade stream.
type Trade struct {
	Symbol       string
	Price        float64
	Qty          float64
	Time         time.Time
	IsBuyerMaker bool
}

// StreamClient manages streaming from Binance public websockets.
type StreamClient struct {
	StreamURL   string
	ReadTimeout time.Duration
	dialer      *websocket.Dialer
	log         *zap.Logger
}

// NewStreamClient builds a websocket client; testnet toggles the host.
func NewStreamClient(testnet bool) *StreamClient {
	host := "stream.binance.com:9443"
	if testnet {
		host = "testnet.binance.vision"
	}
	return &StreamClient{
		StreamURL:   (&url.URL{Scheme: "wss", Host: host, Path: "/ws"}).String(),
		ReadTimeout: 60 * time.Second,
		dialer:      websocket.DefaultDialer,
		log:         logger.Named("binance-ws"),
	}
}

// SubscribeTrades dials the trade stream and pushes parsed trades into the
// returned channel. The channel is closed when the connection drops or ctx is
// done; callers treat the close as a disconnect. stop closes it early.
func (c *StreamClient) SubscribeTrades(ctx context.Context, symbol string) (<-chan Trade, func(), error) {
	// Binance requires lowercase symbols for WebSocket streams
	stream := fmt.Sprintf("%s@trade", strings.ToLower(symbol))
	u := fmt.Sprintf("%s/%s", c.StreamURL, stream)

	conn, _, err := c.dialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("dial binance ws trades: %w", err)
	}

	// Binance sends pings every few minutes; any frame extends the deadline.
	_ = conn.SetReadDeadline(time.Now().Add(c.ReadTimeout))
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(c.ReadTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(time.Second))
	})

	out := make(chan Trade, 100)
	var once sync.Once
	stop := func() {
		once.Do(func() {
			// Ignore errors; connection may already be closed.
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			_ = conn.Close()
		})
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			stop()
		case <-done:
		}
	}()

	go func() {
		defer close(out)
		defer close(done)
		defer stop()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				// If connection already closed by caller/context, just exit quietly.
				if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
					strings.Contains(err.Error(), "use of closed network connection") {
					return
				}
				c.log.Warn("binance ws trade read error", zap.String("symbol", symbol), zap.Error(err))
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(c.ReadTimeout))

			parsed, err := parseTradeMessage(msg)
			if err != nil {
				c.log.Debug("binance ws trade parse error", zap.String("symbol", symbol), zap.Error(err))
				continue
			}
			select {
			case out <- parsed:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, stop, nil
}

func parseTradeMessage(msg []byte) (Trade, error) {
	var raw struct {
		EventType string `json:"e"`
		Symbol    string `json:"s"`
		Price     string `json:"p"`
		Qty       string `json:"q"`
		TradeTime int64  `json:"T"`
		BuyerIsMM bool   `json:"m"`
	}
	if err := json.Unmarshal(msg, &raw); err != nil {
		return Trade{}, err
	}
	if raw.EventType != "" && raw.EventType != "trade" {
		return Trade{}, fmt.Errorf("unexpected event %q", raw.EventType)
	}
	price, err := strconv.ParseFloat(raw.Price, 64)
	if err != nil || price <= 0 {
		return Trade{}, fmt.Errorf("invalid price %q", raw.Price)
	}
	qty, _ := strconv.ParseFloat(raw.Qty, 64)
	return Trade{
		Symbol:       raw.Symbol,
		Price:        price,
		Qty:          qty,
		Time:         time.UnixMilli(raw.TradeTime),
		IsBuyerMaker: raw.BuyerIsMM,
	}, nil
}
