// Package precision makes order quantities legal for the exchange's lot-size
// and notional filters.
package precision

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"spot-core/pkg/db"
	"spot-core/pkg/logger"
)

// DefaultSymbol names the fallback rule for symbols without their own.
const DefaultSymbol = "DEFAULT"

var (
	ErrInsufficientQuantity = errors.New("quantity below exchange minimum")
	ErrNotionalTooSmall     = errors.New("notional below exchange minimum")
	ErrNotionalTooLarge     = errors.New("notional above exchange maximum")
	ErrInvalidPrice         = errors.New("price must be positive")
)

// Rule is one symbol's LOT_SIZE and notional filter.
type Rule struct {
	MinQty      float64 `json:"min_qty"`
	MaxQty      float64 `json:"max_qty"`
	StepSize    float64 `json:"step_size"`
	Decimals    int     `json:"decimals"`
	MinNotional float64 `json:"min_notional"`
	MaxNotional float64 `json:"max_notional"`
}

// builtinDefault applies when the store has no DEFAULT row either.
var builtinDefault = NewRule(0.00001, 9000000, 0.00001, 5, 0)

// NewRule builds a rule and derives its display precision from the step.
func NewRule(minQty, maxQty, step, minNotional, maxNotional float64) Rule {
	return Rule{
		MinQty:      minQty,
		MaxQty:      maxQty,
		StepSize:    step,
		Decimals:    stepDecimals(step),
		MinNotional: minNotional,
		MaxNotional: maxNotional,
	}
}

// RulesFromLotSizes converts stored lot-size rows into rules keyed by symbol.
func RulesFromLotSizes(lots []db.LotSize) map[string]Rule {
	out := make(map[string]Rule, len(lots))
	for _, l := range lots {
		out[l.Symbol] = NewRule(l.MinQty, l.MaxQty, l.StepSize, l.MinNotional, l.MaxNotional)
	}
	return out
}

// Normalizer holds the current rule set. Rules are swapped as a whole.
type Normalizer struct {
	mu     sync.RWMutex
	rules  map[string]Rule
	warned map[string]bool
	log    *zap.Logger
}

// New creates a normalizer with the given rules.
func New(rules map[string]Rule) *Normalizer {
	n := &Normalizer{log: logger.Named("precision")}
	n.SetRules(rules)
	return n
}

// SetRules replaces the rule set atomically.
func (n *Normalizer) SetRules(rules map[string]Rule) {
	cp := make(map[string]Rule, len(rules))
	for k, v := range rules {
		cp[k] = v
	}
	n.mu.Lock()
	n.rules = cp
	n.warned = make(map[string]bool)
	n.mu.Unlock()
}

// Rule returns the rule applied to symbol, falling back to DEFAULT.
func (n *Normalizer) Rule(symbol string) Rule {
	n.mu.RLock()
	r, ok := n.rules[symbol]
	n.mu.RUnlock()
	if ok {
		return r
	}

	n.mu.Lock()
	if !n.warned[symbol] {
		n.warned[symbol] = true
		n.log.Warn("precision: no lot size rule, using DEFAULT", zap.String("symbol", symbol))
	}
	def, ok := n.rules[DefaultSymbol]
	n.mu.Unlock()
	if ok {
		return def
	}
	return builtinDefault
}

// NormalizeQuantity truncates raw to a multiple of the step size and clamps it
// into [MinQty, MaxQty]. Applying it twice yields the same value.
func (n *Normalizer) NormalizeQuantity(symbol string, raw float64) (float64, error) {
	r := n.Rule(symbol)
	if raw <= 0 || math.IsNaN(raw) || math.IsInf(raw, 0) {
		return 0, fmt.Errorf("%s qty %v: %w", symbol, raw, ErrInsufficientQuantity)
	}

	q := floorToStep(decimal.NewFromFloat(raw), r.StepSize)
	if r.MaxQty > 0 {
		maxQ := floorToStep(decimal.NewFromFloat(r.MaxQty), r.StepSize)
		if q.GreaterThan(maxQ) {
			q = maxQ
		}
	}
	if q.LessThan(decimal.NewFromFloat(r.MinQty)) || !q.IsPositive() {
		return 0, fmt.Errorf("%s qty %v (min %v): %w", symbol, raw, r.MinQty, ErrInsufficientQuantity)
	}
	return q.InexactFloat64(), nil
}

// NormalizeNotional checks price*qty against the notional filters. When the
// order is too small it scales qty up to the smallest compliant step multiple,
// provided that stays within MaxQty and maxTradeSize (quote currency, 0 = no
// bound).
func (n *Normalizer) NormalizeNotional(symbol string, price, qty, maxTradeSize float64) (float64, error) {
	if price <= 0 {
		return 0, fmt.Errorf("%s price %v: %w", symbol, price, ErrInvalidPrice)
	}
	r := n.Rule(symbol)
	p := decimal.NewFromFloat(price)
	q := decimal.NewFromFloat(qty)
	notional := p.Mul(q)

	if r.MinNotional > 0 && notional.LessThan(decimal.NewFromFloat(r.MinNotional)) {
		needed := ceilToStep(decimal.NewFromFloat(r.MinNotional).Div(p), r.StepSize)
		if r.MaxQty > 0 && needed.GreaterThan(decimal.NewFromFloat(r.MaxQty)) {
			return 0, fmt.Errorf("%s needs qty %s above max %v: %w", symbol, needed, r.MaxQty, ErrNotionalTooSmall)
		}
		if maxTradeSize > 0 && needed.Mul(p).GreaterThan(decimal.NewFromFloat(maxTradeSize)) {
			return 0, fmt.Errorf("%s needs %s quote above trade size %v: %w", symbol, needed.Mul(p), maxTradeSize, ErrNotionalTooSmall)
		}
		q = needed
		notional = p.Mul(q)
	}
	if r.MaxNotional > 0 && notional.GreaterThan(decimal.NewFromFloat(r.MaxNotional)) {
		return 0, fmt.Errorf("%s notional %s above %v: %w", symbol, notional, r.MaxNotional, ErrNotionalTooLarge)
	}
	return q.InexactFloat64(), nil
}

// FormatQuantity renders qty with the symbol's step precision for the API.
func (n *Normalizer) FormatQuantity(symbol string, qty float64) string {
	r := n.Rule(symbol)
	return floorToStep(decimal.NewFromFloat(qty), r.StepSize).StringFixed(int32(r.Decimals))
}

// floorToStep uses Mod, which is exact for decimals, so the result is always
// a true multiple of step. q must be non-negative.
func floorToStep(q decimal.Decimal, step float64) decimal.Decimal {
	if step <= 0 {
		return q
	}
	return q.Sub(q.Mod(decimal.NewFromFloat(step)))
}

func ceilToStep(q decimal.Decimal, step float64) decimal.Decimal {
	f := floorToStep(q, step)
	if step <= 0 || f.Equal(q) {
		return f
	}
	return f.Add(decimal.NewFromFloat(step))
}

// stepDecimals derives decimal places from a step such as 0.001 -> 3.
func stepDecimals(step float64) int {
	if step <= 0 {
		return 8
	}
	exp := decimal.NewFromFloat(step).Exponent()
	if exp >= 0 {
		return 0
	}
	return int(-exp)
}
