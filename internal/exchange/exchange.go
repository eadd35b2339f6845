package exchange

import (
	"strings"

	"github.com/hozunlee/bit-moon/internal/models"
)

// PriceSource yields the latest market price for one asset. Satisfied by
// both Exchange implementations and by the websocket TickerFeed.
type PriceSource interface {
	GetCurrentPrice(ticker string) (float64, error)
}

// Exchange is the capability surface the trading core consumes. The worker
// never knows which implementation it talks to; live trading uses Upbit and
// TEST mode uses Paper.
type Exchange interface {
	PriceSource
	GetBalance(currency string) (float64, error)
	GetAvgBuyPrice(currency string) (float64, error)
	SubmitMarketBuy(ticker string, krwAmount float64) (string, error)
	SubmitMarketSell(ticker string, volume float64) (string, error)
	GetOrder(orderID string) (*models.OrderResult, error)
}

// CoinCurrency extracts the coin currency from a ticker, "KRW-BTC" -> "BTC".
func CoinCurrency(ticker string) string {
	if i := strings.Index(ticker, "-"); i >= 0 {
		return ticker[i+1:]
	}
	return ticker
}
