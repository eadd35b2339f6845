package exchange

import (
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hozunlee/bit-moon/internal/models"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jxskiss/base62"
	"go.uber.org/zap"
)

// Upbit is the live Exchange implementation, a thin REST client over the
// Upbit open API. Authenticated calls carry a JWT bearer token; calls with
// parameters additionally carry a SHA512 hash of the encoded query.
type Upbit struct {
	accessKey string
	secretKey string
	baseURL   string
	client    *http.Client
	logger    *zap.SugaredLogger
}

// NewUpbit creates a client for the given credentials and REST base URL.
func NewUpbit(accessKey, secretKey, baseURL string, logger *zap.SugaredLogger) *Upbit {
	return &Upbit{
		accessKey: accessKey,
		secretKey: secretKey,
		baseURL:   strings.TrimRight(baseURL, "/"),
		client:    &http.Client{Timeout: 10 * time.Second},
		logger:    logger,
	}
}

// authToken builds the JWT for one request. Upbit expects HS256 with the
// access key and a fresh nonce; parameterized requests add the query hash.
func (u *Upbit) authToken(params url.Values) (string, error) {
	claims := jwt.MapClaims{
		"access_key": u.accessKey,
		"nonce":      uuid.NewString(),
	}

	if len(params) > 0 {
		hash := sha512.Sum512([]byte(params.Encode()))
		claims["query_hash"] = hex.EncodeToString(hash[:])
		claims["query_hash_alg"] = "SHA512"
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(u.secretKey))
}

// doRequest performs one API call and returns the raw response body. Error
// responses decode into *models.APIError.
func (u *Upbit) doRequest(method, endpoint string, params url.Values, signed bool) ([]byte, error) {
	fullURL := u.baseURL + endpoint

	var body io.Reader
	if method == http.MethodPost {
		body = strings.NewReader(params.Encode())
	} else if len(params) > 0 {
		fullURL += "?" + params.Encode()
	}

	req, err := http.NewRequest(method, fullURL, body)
	if err != nil {
		return nil, err
	}
	if method == http.MethodPost {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	if signed {
		token, err := u.authToken(params)
		if err != nil {
			return nil, fmt.Errorf("failed to sign request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Error models.APIError `json:"error"`
		}
		if err := json.Unmarshal(data, &apiErr); err == nil && apiErr.Error.Message != "" {
			return data, &apiErr.Error
		}
		return data, fmt.Errorf("upbit returned status %d: %s", resp.StatusCode, string(data))
	}

	return data, nil
}

// GetCurrentPrice returns the latest trade price for the ticker. Every
// failure surfaces as *models.PriceUnavailableError so callers can skip the
// cycle uniformly.
func (u *Upbit) GetCurrentPrice(ticker string) (float64, error) {
	params := url.Values{}
	params.Set("markets", ticker)

	data, err := u.doRequest(http.MethodGet, "/v1/ticker", params, false)
	if err != nil {
		return 0, &models.PriceUnavailableError{Ticker: ticker, Err: err}
	}

	var ticks []struct {
		TradePrice float64 `json:"trade_price"`
	}
	if err := json.Unmarshal(data, &ticks); err != nil {
		return 0, &models.PriceUnavailableError{Ticker: ticker, Err: err}
	}
	if len(ticks) == 0 || ticks[0].TradePrice <= 0 {
		return 0, &models.PriceUnavailableError{Ticker: ticker}
	}

	return ticks[0].TradePrice, nil
}

// upbitAccount is one entry of the /v1/accounts response. Upbit reports all
// numbers as strings.
type upbitAccount struct {
	Currency    string `json:"currency"`
	Balance     string `json:"balance"`
	Locked      string `json:"locked"`
	AvgBuyPrice string `json:"avg_buy_price"`
}

func (u *Upbit) getAccounts() ([]upbitAccount, error) {
	data, err := u.doRequest(http.MethodGet, "/v1/accounts", nil, true)
	if err != nil {
		return nil, err
	}

	var accounts []upbitAccount
	if err := json.Unmarshal(data, &accounts); err != nil {
		return nil, fmt.Errorf("failed to parse accounts response: %w", err)
	}
	return accounts, nil
}

// GetBalance returns the available balance of one currency ("KRW", "BTC").
// A currency the account has never held reports zero.
func (u *Upbit) GetBalance(currency string) (float64, error) {
	accounts, err := u.getAccounts()
	if err != nil {
		return 0, err
	}

	for _, acc := range accounts {
		if acc.Currency == currency {
			return strconv.ParseFloat(acc.Balance, 64)
		}
	}
	return 0, nil
}

// GetAvgBuyPrice returns the account's average buy price for one currency.
func (u *Upbit) GetAvgBuyPrice(currency string) (float64, error) {
	accounts, err := u.getAccounts()
	if err != nil {
		return 0, err
	}

	for _, acc := range accounts {
		if acc.Currency == currency {
			return strconv.ParseFloat(acc.AvgBuyPrice, 64)
		}
	}
	return 0, nil
}

// clientOrderID produces a unique, URL-safe identifier attached to every
// order so fills can be correlated with our own records.
func clientOrderID() string {
	return "bm" + string(base62.FormatInt(time.Now().UnixNano()))
}

// SubmitMarketBuy spends krwAmount on a market buy (Upbit ord_type "price").
func (u *Upbit) SubmitMarketBuy(ticker string, krwAmount float64) (string, error) {
	params := url.Values{}
	params.Set("market", ticker)
	params.Set("side", "bid")
	params.Set("ord_type", "price")
	params.Set("price", strconv.FormatFloat(krwAmount, 'f', -1, 64))
	params.Set("identifier", clientOrderID())

	return u.submitOrder(params)
}

// SubmitMarketSell sells the given volume at market (Upbit ord_type
// "market").
func (u *Upbit) SubmitMarketSell(ticker string, volume float64) (string, error) {
	params := url.Values{}
	params.Set("market", ticker)
	params.Set("side", "ask")
	params.Set("ord_type", "market")
	params.Set("volume", strconv.FormatFloat(volume, 'f', 8, 64))
	params.Set("identifier", clientOrderID())

	return u.submitOrder(params)
}

func (u *Upbit) submitOrder(params url.Values) (string, error) {
	data, err := u.doRequest(http.MethodPost, "/v1/orders", params, true)
	if err != nil {
		u.logger.Errorw("order submission rejected",
			"market", params.Get("market"), "side", params.Get("side"), "error", err)
		return "", err
	}

	var order struct {
		UUID string `json:"uuid"`
	}
	if err := json.Unmarshal(data, &order); err != nil {
		return "", fmt.Errorf("failed to parse order response: %w", err)
	}
	if order.UUID == "" {
		return "", fmt.Errorf("order response carried no uuid: %s", string(data))
	}

	return order.UUID, nil
}

// GetOrder fetches one order and condenses its fills into an OrderResult.
// The average fill price is volume-weighted over the order's trades.
func (u *Upbit) GetOrder(orderID string) (*models.OrderResult, error) {
	params := url.Values{}
	params.Set("uuid", orderID)

	data, err := u.doRequest(http.MethodGet, "/v1/order", params, true)
	if err != nil {
		return nil, err
	}

	var detail struct {
		UUID           string `json:"uuid"`
		State          string `json:"state"`
		ExecutedVolume string `json:"executed_volume"`
		PaidFee        string `json:"paid_fee"`
		Trades         []struct {
			Price  string `json:"price"`
			Volume string `json:"volume"`
		} `json:"trades"`
	}
	if err := json.Unmarshal(data, &detail); err != nil {
		return nil, fmt.Errorf("failed to parse order detail: %w", err)
	}

	volume, _ := strconv.ParseFloat(detail.ExecutedVolume, 64)
	fee, _ := strconv.ParseFloat(detail.PaidFee, 64)

	var avgPrice float64
	var tradedVolume float64
	for _, t := range detail.Trades {
		p, err1 := strconv.ParseFloat(t.Price, 64)
		v, err2 := strconv.ParseFloat(t.Volume, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		avgPrice += p * v
		tradedVolume += v
	}
	if tradedVolume > 0 {
		avgPrice /= tradedVolume
	}

	return &models.OrderResult{
		OrderID:      detail.UUID,
		State:        detail.State,
		FilledVolume: volume,
		AvgFillPrice: avgPrice,
		PaidFee:      fee,
	}, nil
}
