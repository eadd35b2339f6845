package grid

import (
	"fmt"
	"time"

	"github.com/hozunlee/bit-moon/internal/models"

	"go.uber.org/zap"
)

// Store is the persistence surface the engine needs. Every level mutation
// is written through before the engine reports success, and construction
// reads the persisted rows back to recover bought state after a restart.
type Store interface {
	SaveGridLevel(level *models.GridLevel) error
	GridLevels(ticker string) ([]*models.GridLevel, error)
}

// PriceSource resolves the base price when the configuration leaves it
// unset.
type PriceSource interface {
	GetCurrentPrice(ticker string) (float64, error)
}

// IntervalSpec describes the distance between adjacent grid levels, either
// as a fixed KRW amount or as a percentage of the base price. Percentage
// mode wins whenever it is positive.
type IntervalSpec struct {
	Amount  float64
	Percent float64
}

// Resolve returns the absolute interval for the given base price.
func (s IntervalSpec) Resolve(basePrice float64) float64 {
	if s.Percent > 0 {
		return basePrice * s.Percent / 100
	}
	return s.Amount
}

// ActionKind discriminates the transitions Evaluate can emit.
type ActionKind int

const (
	ActionBuy ActionKind = iota
	ActionSell
)

func (k ActionKind) String() string {
	if k == ActionBuy {
		return "BUY"
	}
	return "SELL"
}

// Action is one triggered level transition.
type Action struct {
	Kind  ActionKind
	Level *models.GridLevel
}

// SellOutcome carries the realized figures of one completed sell, captured
// before the level's fill data is cleared.
type SellOutcome struct {
	Volume    float64
	Profit    float64
	ProfitPct float64
}

// Engine owns the ordered set of grid levels for one asset and executes
// level transitions. It is not safe for concurrent use; each worker owns
// exactly one engine.
type Engine struct {
	ticker string
	levels []*models.GridLevel
	store  Store
	prices PriceSource
	logger *zap.SugaredLogger
}

// NewEngine creates an empty engine for one ticker. Construct must be
// called before Evaluate.
func NewEngine(ticker string, store Store, prices PriceSource, logger *zap.SugaredLogger) *Engine {
	return &Engine{
		ticker: ticker,
		store:  store,
		prices: prices,
		logger: logger,
	}
}

// Construct derives levelCount levels from the base price and interval and
// persists each one. A zero basePrice is resolved from the live price
// source. Level i buys at basePrice - (i-1)*interval and sells one interval
// above its buy target, so buy targets strictly descend with the level
// number.
//
// Persisted rows whose boundaries match the derived ones keep their bought
// state, so a restart with an unchanged grid definition does not forget
// held levels. A changed base price or interval yields fresh rows.
func (e *Engine) Construct(basePrice float64, spec IntervalSpec, levelCount int, orderAmount float64) error {
	if levelCount <= 0 {
		return &models.GridConstructionError{Ticker: e.ticker, Err: fmt.Errorf("level count must be positive, got %d", levelCount)}
	}

	if basePrice <= 0 {
		price, err := e.prices.GetCurrentPrice(e.ticker)
		if err != nil {
			return &models.GridConstructionError{Ticker: e.ticker, Err: err}
		}
		basePrice = price
		e.logger.Infof("base price for %s resolved from live price: %.2f", e.ticker, basePrice)
	}

	interval := spec.Resolve(basePrice)
	if interval <= 0 {
		return &models.InvalidIntervalError{Interval: interval}
	}

	persisted, err := e.store.GridLevels(e.ticker)
	if err != nil {
		return &models.GridConstructionError{Ticker: e.ticker, Err: err}
	}
	previous := make(map[int]*models.GridLevel, len(persisted))
	for _, row := range persisted {
		previous[row.Level] = row
	}

	levels := make([]*models.GridLevel, 0, levelCount)
	recovered := 0
	for i := 1; i <= levelCount; i++ {
		buyTarget := basePrice - float64(i-1)*interval
		level := &models.GridLevel{
			Ticker:          e.ticker,
			Level:           i,
			BuyPriceTarget:  buyTarget,
			SellPriceTarget: buyTarget + interval,
			OrderAmount:     orderAmount,
			UpdatedAt:       time.Now().UTC(),
		}
		if prev, ok := previous[i]; ok && prev.IsBought &&
			prev.BuyPriceTarget == level.BuyPriceTarget &&
			prev.SellPriceTarget == level.SellPriceTarget &&
			prev.OrderAmount == level.OrderAmount {
			level.IsBought = true
			level.FilledVolume = prev.FilledVolume
			level.FillPrice = prev.FillPrice
			recovered++
		}
		if err := e.store.SaveGridLevel(level); err != nil {
			return &models.GridConstructionError{Ticker: e.ticker, Err: err}
		}
		levels = append(levels, level)
	}

	e.levels = levels
	e.logger.Infof("constructed %d grid levels for %s: buy %.2f..%.2f, interval %.2f",
		len(levels), e.ticker, levels[0].BuyPriceTarget, levels[len(levels)-1].BuyPriceTarget, interval)
	if recovered > 0 {
		e.logger.Infof("recovered bought state for %d levels from persisted grid", recovered)
	}

	return nil
}

// Levels returns the engine's level set, ordered by level number. The slice
// is owned by the engine.
func (e *Engine) Levels() []*models.GridLevel {
	return e.levels
}

// Evaluate checks every level against one consistent price snapshot and
// returns the triggered actions. An unbought level triggers a buy when the
// price is at or below its buy target; a bought level triggers a sell when
// the price is at or above its sell target. A level emits at most one
// action per evaluation.
func (e *Engine) Evaluate(currentPrice float64) []Action {
	var actions []Action
	for _, level := range e.levels {
		if !level.IsBought && currentPrice <= level.BuyPriceTarget {
			actions = append(actions, Action{Kind: ActionBuy, Level: level})
		} else if level.IsBought && currentPrice >= level.SellPriceTarget {
			actions = append(actions, Action{Kind: ActionSell, Level: level})
		}
	}
	return actions
}

// ApplyBuy transitions a level to bought, records the fill and persists the
// row. Returns false without touching anything if the level is already
// bought, so a duplicated action cannot double-commit capital.
func (e *Engine) ApplyBuy(level *models.GridLevel, fillVolume, fillPrice, fee float64) (bool, error) {
	if level.IsBought {
		return false, nil
	}

	level.IsBought = true
	level.FilledVolume = fillVolume
	level.FillPrice = fillPrice
	level.UpdatedAt = time.Now().UTC()

	if err := e.store.SaveGridLevel(level); err != nil {
		return true, fmt.Errorf("bought level %d not persisted: %w", level.Level, err)
	}
	return true, nil
}

// ApplySell computes the realized profit of a bought level, clears its fill
// data, persists the row and returns the outcome. Returns nil without
// touching anything if the level is not currently bought.
//
// profit = fillPrice*filledVolume - fee - orderAmount, taken over the
// volume recorded at buy time. A level without an order amount reports a
// zero percentage rather than dividing by it.
func (e *Engine) ApplySell(level *models.GridLevel, fillPrice, fee float64) (*SellOutcome, error) {
	if !level.IsBought {
		return nil, nil
	}

	volume := level.FilledVolume
	profit := fillPrice*volume - fee - level.OrderAmount
	var profitPct float64
	if level.OrderAmount > 0 {
		profitPct = profit / level.OrderAmount * 100
	}

	level.IsBought = false
	level.FilledVolume = 0
	level.FillPrice = 0
	level.UpdatedAt = time.Now().UTC()

	outcome := &SellOutcome{Volume: volume, Profit: profit, ProfitPct: profitPct}

	if err := e.store.SaveGridLevel(level); err != nil {
		return outcome, fmt.Errorf("sold level %d not persisted: %w", level.Level, err)
	}
	return outcome, nil
}
