package exchange

import (
	"math"
	"testing"

	"github.com/hozunlee/bit-moon/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestPaper() *Paper {
	cfg := &models.Config{
		FeeRate:         0.0005,
		PaperKRWBalance: 1_000_000,
		Assets: []models.AssetConfig{
			{Ticker: "KRW-BTC", BasePrice: 100_000, GridInterval: 1_000, GridCount: 3, OrderAmount: 100_000},
		},
	}
	return NewPaper(cfg, zap.NewNop().Sugar())
}

// TestPaperBuyAccounting verifies a market buy: the notional converts to
// volume at the simulated price with the fee charged on top, and the fill
// is queryable as an order.
func TestPaperBuyAccounting(t *testing.T) {
	p := newTestPaper()

	orderID, err := p.SubmitMarketBuy("KRW-BTC", 100_000)
	require.NoError(t, err)
	require.NotEmpty(t, orderID)

	krw, err := p.GetBalance("KRW")
	require.NoError(t, err)
	assert.InDelta(t, 899_950.0, krw, 1e-9, "the fee is charged on top of the notional")

	btc, err := p.GetBalance("BTC")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, btc, 1e-9, "100000 KRW at 100000 buys 1.0")

	avg, err := p.GetAvgBuyPrice("BTC")
	require.NoError(t, err)
	assert.InDelta(t, 100_000.0, avg, 1e-9)

	order, err := p.GetOrder(orderID)
	require.NoError(t, err)
	assert.Equal(t, "done", order.State)
	assert.InDelta(t, 1.0, order.FilledVolume, 1e-9)
	assert.InDelta(t, 100_000.0, order.AvgFillPrice, 1e-9)
	assert.InDelta(t, 50.0, order.PaidFee, 1e-9)
}

// TestPaperBuyInsufficientKRW verifies the typed rejection when the account
// cannot cover notional plus fee.
func TestPaperBuyInsufficientKRW(t *testing.T) {
	p := newTestPaper()

	_, err := p.SubmitMarketBuy("KRW-BTC", 2_000_000)
	require.Error(t, err)

	var insufficient *models.InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, "KRW", insufficient.Currency)
}

// TestPaperSellAccounting verifies a market sell: the fee comes out of the
// proceeds and a fully exited position resets the average buy price.
func TestPaperSellAccounting(t *testing.T) {
	p := newTestPaper()
	_, err := p.SubmitMarketBuy("KRW-BTC", 100_000)
	require.NoError(t, err)

	orderID, err := p.SubmitMarketSell("KRW-BTC", 1.0)
	require.NoError(t, err)

	krw, err := p.GetBalance("KRW")
	require.NoError(t, err)
	assert.InDelta(t, 999_900.0, krw, 1e-9, "round trip costs two fees")

	btc, err := p.GetBalance("BTC")
	require.NoError(t, err)
	assert.Zero(t, btc)

	avg, err := p.GetAvgBuyPrice("BTC")
	require.NoError(t, err)
	assert.Zero(t, avg, "a closed position resets the average buy price")

	order, err := p.GetOrder(orderID)
	require.NoError(t, err)
	assert.InDelta(t, 50.0, order.PaidFee, 1e-9, "the sell fee comes out of 100000 of proceeds")
}

// TestPaperSellInsufficientVolume verifies the typed rejection when more
// volume is sold than held.
func TestPaperSellInsufficientVolume(t *testing.T) {
	p := newTestPaper()

	_, err := p.SubmitMarketSell("KRW-BTC", 0.5)
	require.Error(t, err)

	var insufficient *models.InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, "BTC", insufficient.Currency)
}

// TestPaperAvgPriceIsVolumeWeighted verifies averaging over two buys at
// different walk prices.
func TestPaperAvgPriceIsVolumeWeighted(t *testing.T) {
	p := newTestPaper()

	id1, err := p.SubmitMarketBuy("KRW-BTC", 100_000)
	require.NoError(t, err)
	fill1, err := p.GetOrder(id1)
	require.NoError(t, err)

	// Advance the walk so the second buy fills at a different price.
	_, err = p.GetCurrentPrice("KRW-BTC")
	require.NoError(t, err)

	id2, err := p.SubmitMarketBuy("KRW-BTC", 100_000)
	require.NoError(t, err)
	fill2, err := p.GetOrder(id2)
	require.NoError(t, err)

	wantAvg := (fill1.AvgFillPrice*fill1.FilledVolume + fill2.AvgFillPrice*fill2.FilledVolume) /
		(fill1.FilledVolume + fill2.FilledVolume)
	avg, err := p.GetAvgBuyPrice("BTC")
	require.NoError(t, err)
	assert.InDelta(t, wantAvg, avg, 1e-9)
}

// TestPaperWalkIsBounded verifies that each price read moves the walk by at
// most the configured step.
func TestPaperWalkIsBounded(t *testing.T) {
	p := newTestPaper()

	prev, err := p.GetCurrentPrice("KRW-BTC")
	require.NoError(t, err)

	for i := 0; i < 200; i++ {
		price, err := p.GetCurrentPrice("KRW-BTC")
		require.NoError(t, err)
		require.Greater(t, price, 0.0)
		assert.LessOrEqual(t, math.Abs(price/prev-1), paperWalkStep,
			"one read may move the price at most one step")
		prev = price
	}
}

// TestPaperUnknownTickerStartsAtDefault verifies that an unconfigured
// ticker still prices.
func TestPaperUnknownTickerStartsAtDefault(t *testing.T) {
	p := newTestPaper()

	price, err := p.GetCurrentPrice("KRW-DOGE")
	require.NoError(t, err)
	assert.InDelta(t, paperDefaultPrice, price, paperDefaultPrice*paperWalkStep)
}

// TestPaperUnknownOrder verifies the lookup failure.
func TestPaperUnknownOrder(t *testing.T) {
	p := newTestPaper()
	_, err := p.GetOrder("paper-999")
	assert.Error(t, err)
}
