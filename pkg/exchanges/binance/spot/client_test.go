package spot

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/adshao/go-binance/v2"

	"spot-core/pkg/exchanges/common"
)

func TestParseFilters(t *testing.T) {
	filters := []map[string]interface{}{
		{"filterType": "PRICE_FILTER", "tickSize": "0.00001000"},
		{"filterType": "LOT_SIZE", "minQty": "1.00000000", "maxQty": "9000000.00000000", "stepSize": "1.00000000"},
		{"filterType": "NOTIONAL", "minNotional": "1.00000000", "maxNotional": "9000000.00000000"},
	}
	got, ok := parseFilters("DOGEUSDT", filters)
	if !ok {
		t.Fatal("expected LOT_SIZE to be found")
	}
	if got.MinQty != 1 || got.StepSize != 1 || got.MaxQty != 9000000 {
		t.Errorf("unexpected lot size: %+v", got)
	}
	if got.MinNotional != 1 || got.MaxNotional != 9000000 {
		t.Errorf("unexpected notional: %+v", got)
	}

	if _, ok := parseFilters("XUSDT", []map[string]interface{}{{"filterType": "PRICE_FILTER"}}); ok {
		t.Error("symbol without LOT_SIZE must be skipped")
	}
}

func TestSummarizeOrder(t *testing.T) {
	res := &binance.CreateOrderResponse{
		OrderID: 77,
		Status:  binance.OrderStatusTypeFilled,
		Fills: []*binance.Fill{
			{Price: "100", Quantity: "1", Commission: "0.1", CommissionAsset: "USDT"},
			{Price: "102", Quantity: "1", Commission: "0.001", CommissionAsset: "BTC"},
		},
	}
	got := summarizeOrder("BTCUSDT", res)
	if got.OrderID != "77" || got.Status != common.StatusFilled {
		t.Fatalf("unexpected ids: %+v", got)
	}
	if got.FilledQty != 2 || got.AvgPrice != 101 {
		t.Errorf("fills not aggregated: %+v", got)
	}
	wantFee := 0.1 + 0.001*102
	if diff := got.Fee - wantFee; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("fee = %v, want %v", got.Fee, wantFee)
	}
}

func TestSummarizeOrderWithoutFills(t *testing.T) {
	res := &binance.CreateOrderResponse{
		OrderID:                  5,
		Status:                   binance.OrderStatusTypeFilled,
		ExecutedQuantity:         "4",
		CummulativeQuoteQuantity: "10",
	}
	got := summarizeOrder("DOGEUSDT", res)
	if got.FilledQty != 4 || got.AvgPrice != 2.5 {
		t.Fatalf("unexpected summary: %+v", got)
	}
}

func TestSummarizeBuyNetsBaseCommission(t *testing.T) {
	res := &binance.CreateOrderResponse{
		OrderID: 9,
		Side:    binance.SideTypeBuy,
		Status:  binance.OrderStatusTypeFilled,
		Fills: []*binance.Fill{
			{Price: "50000", Quantity: "0.0004", Commission: "0.0000004", CommissionAsset: "BTC"},
		},
	}
	got := summarizeOrder("BTCUSDT", res)
	if diff := got.FilledQty - 0.0003996; diff > 1e-12 || diff < -1e-12 {
		t.Fatalf("FilledQty = %v, want 0.0003996", got.FilledQty)
	}
	if got.AvgPrice != 50000 {
		t.Fatalf("AvgPrice = %v", got.AvgPrice)
	}
	if diff := got.Fee - 0.02; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("Fee = %v, want 0.02", got.Fee)
	}

	res.Side = binance.SideTypeSell
	if got := summarizeOrder("BTCUSDT", res); got.FilledQty != 0.0004 {
		t.Fatalf("sell FilledQty = %v, want 0.0004", got.FilledQty)
	}
}

func TestCheckAccount(t *testing.T) {
	cases := []struct {
		name    string
		status  int
		body    string
		wantErr bool
	}{
		{"tradable", http.StatusOK, `{"canTrade":true,"balances":[]}`, false},
		{"trading disabled", http.StatusOK, `{"canTrade":false,"balances":[]}`, true},
		{"rejected key", http.StatusUnauthorized, `{"code":-2015,"msg":"Invalid API-key, IP, or permissions for action."}`, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/api/v3/account" {
					t.Errorf("unexpected path %s", r.URL.Path)
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			c := New(Config{APIKey: "key", APISecret: "secret"})
			c.api.BaseURL = srv.URL
			err := c.CheckAccount(context.Background())
			if (err != nil) != tc.wantErr {
				t.Fatalf("CheckAccount err = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}
