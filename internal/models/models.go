package models

import "time"

// Config holds every runtime parameter of the bot, loaded from a JSON file.
// Secrets (API keys, webhook URL, production DSN) come from the environment,
// never from this file.
type Config struct {
	AppMode             string          `json:"app_mode" validate:"required,oneof=TEST PRODUCTION"` // TEST = paper exchange + sqlite, PRODUCTION = Upbit + postgres
	CheckIntervalSec    int             `json:"check_interval_sec" validate:"gte=1"`                // seconds between trading cycles
	SnapshotIntervalSec int             `json:"snapshot_interval_sec" validate:"gte=10"`            // seconds between balance snapshots
	ErrorBackoffSec     int             `json:"error_backoff_sec" validate:"gte=1"`                 // extra sleep after a failed cycle
	OrderWaitSec        int             `json:"order_wait_sec" validate:"gte=0"`                    // delay before polling an order for its fill
	FeeRate             float64         `json:"fee_rate" validate:"gte=0,lt=1"`                     // fallback fee rate when the exchange omits paid_fee
	PaperKRWBalance     float64         `json:"paper_krw_balance" validate:"gte=0"`                 // starting KRW balance for the paper exchange
	APIURL              string          `json:"api_url"`                                            // Upbit REST base URL
	WSURL               string          `json:"ws_url"`                                             // Upbit websocket URL
	UseTickerFeed       bool            `json:"use_ticker_feed"`                                    // serve prices from the websocket feed in PRODUCTION
	Database            DatabaseConfig  `json:"database"`
	Dashboard           DashboardConfig `json:"dashboard"`
	Log                 LogConfig       `json:"log"`
	Assets              []AssetConfig   `json:"assets" validate:"required,min=1,dive"`
}

// AssetConfig is the fixed grid definition for one traded asset.
// A zero BasePrice means "resolve from the live price at startup".
// GridIntervalPercent takes precedence over GridInterval when positive.
type AssetConfig struct {
	Ticker              string  `json:"ticker" validate:"required"`                    // e.g. "KRW-BTC"
	BasePrice           float64 `json:"base_price" validate:"gte=0"`                   // KRW; 0 = use current price
	GridInterval        float64 `json:"grid_interval" validate:"gte=0"`                // absolute KRW distance between levels
	GridIntervalPercent float64 `json:"grid_interval_percent" validate:"gte=0,lt=100"` // percent of base price per level
	GridCount           int     `json:"grid_count" validate:"required,gte=1,lte=200"`  // number of levels
	OrderAmount         float64 `json:"order_amount" validate:"required,gte=5000"`     // KRW per level, Upbit minimum is 5000
}

// DatabaseConfig selects the storage backend. Driver defaults by app mode:
// sqlite3 in TEST, postgres in PRODUCTION. In PRODUCTION the DATABASE_URL
// environment variable overrides DSN when set.
type DatabaseConfig struct {
	Driver string `json:"driver" validate:"omitempty,oneof=sqlite3 postgres"`
	DSN    string `json:"dsn"`
}

// DashboardConfig configures the ops HTTP server.
type DashboardConfig struct {
	ListenAddr string `json:"listen_addr"`
}

// LogConfig defines the logging behaviour.
type LogConfig struct {
	Level      string `json:"level"`       // "debug", "info", "warn", "error"
	Output     string `json:"output"`      // "console", "file", "both"
	File       string `json:"file"`        // log file path
	MaxSize    int    `json:"max_size"`    // max size of one log file (MB)
	MaxBackups int    `json:"max_backups"` // max number of rotated files to keep
	MaxAge     int    `json:"max_age"`     // max age of rotated files (days)
	Compress   bool   `json:"compress"`    // gzip rotated files
}

// Side of an executed trade.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// GridLevel is one partition of an asset's price range. Level numbers start
// at 1 and buy targets decrease as the level number grows. FilledVolume and
// FillPrice are only meaningful while IsBought is true.
type GridLevel struct {
	Ticker          string    `json:"ticker"`
	Level           int       `json:"grid_level"`
	BuyPriceTarget  float64   `json:"buy_price_target"`
	SellPriceTarget float64   `json:"sell_price_target"`
	OrderAmount     float64   `json:"order_krw_amount"`
	IsBought        bool      `json:"is_bought"`
	FilledVolume    float64   `json:"actual_bought_volume"`
	FillPrice       float64   `json:"actual_buy_fill_price"`
	UpdatedAt       time.Time `json:"timestamp"`
}

// Trade is the immutable record of one confirmed fill. Profit and ProfitPct
// are only set on sells.
type Trade struct {
	ID        int64     `json:"id"`
	Ticker    string    `json:"ticker"`
	Side      Side      `json:"buy_sell"`
	Level     int       `json:"grid_level"`
	Price     float64   `json:"price"`
	Amount    float64   `json:"amount"`
	Volume    float64   `json:"volume"`
	Fee       float64   `json:"fee"`
	Profit    float64   `json:"profit"`
	ProfitPct float64   `json:"profit_percentage"`
	Timestamp time.Time `json:"timestamp"`
}

// BalanceSnapshot captures the account state at one point in time.
type BalanceSnapshot struct {
	ID           int64     `json:"id"`
	Ticker       string    `json:"ticker"`
	KRWBalance   float64   `json:"krw_balance"`
	CoinBalance  float64   `json:"coin_balance"`
	CoinAvgPrice float64   `json:"coin_avg_price"`
	TotalAssets  float64   `json:"total_assets"`
	CurrentPrice float64   `json:"current_price"`
	Timestamp    time.Time `json:"timestamp"`
}

// CoinControl carries the per-asset operational flags. It is written by the
// dashboard only; the bot reads it at the top of every cycle and must
// tolerate it changing between cycles.
type CoinControl struct {
	Ticker    string    `json:"ticker"`
	IsActive  bool      `json:"is_active"`
	BudgetKRW float64   `json:"budget_krw"`
	UpdatedAt time.Time `json:"updated_at"`
}

// OrderResult is the confirmed fill data for one submitted order.
type OrderResult struct {
	OrderID      string  `json:"uuid"`
	State        string  `json:"state"`
	FilledVolume float64 `json:"executed_volume"`
	AvgFillPrice float64 `json:"avg_fill_price"`
	PaidFee      float64 `json:"paid_fee"`
}
