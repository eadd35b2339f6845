package exchange

import (
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/hozunlee/bit-moon/internal/models"

	"go.uber.org/zap"
)

// Defaults for tickers the paper exchange knows nothing about.
const (
	paperDefaultPrice = 100_000
	paperWalkStep     = 0.002 // max price move per read, +/-0.2%
)

// Paper implements Exchange entirely in memory for TEST mode. A random-walk
// price per ticker drives fake balances; market orders fill immediately at
// the current simulated price. Safe for concurrent workers.
type Paper struct {
	mu sync.Mutex

	prices      map[string]float64 // ticker -> simulated price
	krw         float64
	coins       map[string]float64 // currency -> volume held
	avgPrice    map[string]float64 // currency -> average buy price
	orders      map[string]*models.OrderResult
	nextOrderID int64

	feeRate float64
	rng     *rand.Rand
	logger  *zap.SugaredLogger
}

// NewPaper seeds the simulation from the configured assets: each ticker
// starts its walk at the asset's base price (or a default when unset) and
// the account starts with the configured KRW balance.
func NewPaper(cfg *models.Config, logger *zap.SugaredLogger) *Paper {
	p := &Paper{
		prices:      make(map[string]float64),
		krw:         cfg.PaperKRWBalance,
		coins:       make(map[string]float64),
		avgPrice:    make(map[string]float64),
		orders:      make(map[string]*models.OrderResult),
		nextOrderID: 1,
		feeRate:     cfg.FeeRate,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		logger:      logger,
	}

	for _, asset := range cfg.Assets {
		start := asset.BasePrice
		if start <= 0 {
			start = paperDefaultPrice
		}
		p.prices[asset.Ticker] = start
	}

	return p
}

// GetCurrentPrice advances the ticker's random walk one step and returns the
// new price. Unknown tickers start at the default price.
func (p *Paper) GetCurrentPrice(ticker string) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	price, ok := p.prices[ticker]
	if !ok {
		price = paperDefaultPrice
	}

	price *= 1 + (p.rng.Float64()*2-1)*paperWalkStep
	p.prices[ticker] = price

	return price, nil
}

// GetBalance reports the simulated balance of one currency.
func (p *Paper) GetBalance(currency string) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if currency == "KRW" {
		return p.krw, nil
	}
	return p.coins[currency], nil
}

// GetAvgBuyPrice reports the simulated average buy price of one currency.
func (p *Paper) GetAvgBuyPrice(currency string) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.avgPrice[currency], nil
}

// SubmitMarketBuy fills a notional KRW buy at the current simulated price.
// The fee is charged on top of the notional amount, as Upbit does.
func (p *Paper) SubmitMarketBuy(ticker string, krwAmount float64) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fee := krwAmount * p.feeRate
	if p.krw < krwAmount+fee {
		return "", &models.InsufficientBalanceError{
			Currency:  "KRW",
			Required:  krwAmount + fee,
			Available: p.krw,
		}
	}

	price := p.currentPriceLocked(ticker)
	volume := krwAmount / price
	currency := CoinCurrency(ticker)

	held := p.coins[currency]
	if held+volume > 0 {
		p.avgPrice[currency] = (p.avgPrice[currency]*held + price*volume) / (held + volume)
	}
	p.coins[currency] = held + volume
	p.krw -= krwAmount + fee

	orderID := p.recordOrderLocked(volume, price, fee)
	p.logger.Debugw("paper buy filled",
		"ticker", ticker, "price", price, "volume", volume, "fee", fee)

	return orderID, nil
}

// SubmitMarketSell fills a volume sell at the current simulated price. The
// fee is deducted from the KRW proceeds.
func (p *Paper) SubmitMarketSell(ticker string, volume float64) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	currency := CoinCurrency(ticker)
	held := p.coins[currency]
	if held < volume {
		return "", &models.InsufficientBalanceError{
			Currency:  currency,
			Required:  volume,
			Available: held,
		}
	}

	price := p.currentPriceLocked(ticker)
	proceeds := volume * price
	fee := proceeds * p.feeRate

	p.coins[currency] = held - volume
	p.krw += proceeds - fee
	if p.coins[currency] == 0 {
		p.avgPrice[currency] = 0
	}

	orderID := p.recordOrderLocked(volume, price, fee)
	p.logger.Debugw("paper sell filled",
		"ticker", ticker, "price", price, "volume", volume, "fee", fee)

	return orderID, nil
}

// GetOrder returns a copy of a recorded fill.
func (p *Paper) GetOrder(orderID string) (*models.OrderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	order, ok := p.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("unknown paper order %s", orderID)
	}

	copied := *order
	return &copied, nil
}

func (p *Paper) currentPriceLocked(ticker string) float64 {
	price, ok := p.prices[ticker]
	if !ok {
		price = paperDefaultPrice
		p.prices[ticker] = price
	}
	return price
}

func (p *Paper) recordOrderLocked(volume, price, fee float64) string {
	orderID := "paper-" + strconv.FormatInt(p.nextOrderID, 10)
	p.nextOrderID++
	p.orders[orderID] = &models.OrderResult{
		OrderID:      orderID,
		State:        "done",
		FilledVolume: volume,
		AvgFillPrice: price,
		PaidFee:      fee,
	}
	return orderID
}
