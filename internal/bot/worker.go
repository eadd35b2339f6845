package bot

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hozunlee/bit-moon/internal/budget"
	"github.com/hozunlee/bit-moon/internal/exchange"
	"github.com/hozunlee/bit-moon/internal/grid"
	"github.com/hozunlee/bit-moon/internal/models"
	"github.com/hozunlee/bit-moon/internal/notifier"

	"go.uber.org/zap"
)

// Store is the persistence surface one worker needs. *storage.Store
// implements it; tests substitute an in-memory fake.
type Store interface {
	EnsureCoinControl(ticker string) error
	GetCoinControl(ticker string) (*models.CoinControl, error)
	InvestedCapital(ticker string) (float64, error)
	SaveGridLevel(level *models.GridLevel) error
	GridLevels(ticker string) ([]*models.GridLevel, error)
	SaveTrade(t *models.Trade) error
	SaveBalance(b *models.BalanceSnapshot) error
}

// Notifier is the fire-and-forget notification sink.
type Notifier interface {
	Notify(severity notifier.Severity, title, message string)
}

// Status is the lifecycle state of one asset worker.
type Status string

const (
	StatusIdle            Status = "IDLE"
	StatusGridConstructed Status = "GRID_CONSTRUCTED"
	StatusRunning         Status = "RUNNING"
	StatusStopped         Status = "STOPPED"
)

// Outcome describes how one triggered action ended. Reason is set when the
// action was skipped or failed.
type Outcome struct {
	Executed bool
	Reason   string
}

// Worker runs the trading loop for exactly one asset. Workers share nothing
// in-process; the store and exchange are the only shared resources and both
// are safe for concurrent use. Running is the only steady state - transient
// errors back the loop off but never stop it.
type Worker struct {
	cfg    *models.Config
	asset  models.AssetConfig
	engine *grid.Engine
	guard  *budget.Guard
	ex     exchange.Exchange
	prices exchange.PriceSource
	store  Store
	notif  Notifier
	logger *zap.SugaredLogger

	checkInterval time.Duration
	orderWait     time.Duration
	errorBackoff  time.Duration
	actionPause   time.Duration

	mu       sync.Mutex
	status   Status
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewWorker wires a worker for one configured asset. Init must succeed
// before Start.
func NewWorker(cfg *models.Config, asset models.AssetConfig, ex exchange.Exchange, prices exchange.PriceSource, store Store, notif Notifier, logger *zap.SugaredLogger) *Worker {
	workerLogger := logger.With("ticker", asset.Ticker)
	return &Worker{
		cfg:           cfg,
		asset:         asset,
		engine:        grid.NewEngine(asset.Ticker, store, prices, workerLogger),
		guard:         budget.NewGuard(store, workerLogger),
		ex:            ex,
		prices:        prices,
		store:         store,
		notif:         notif,
		logger:        workerLogger,
		checkInterval: time.Duration(cfg.CheckIntervalSec) * time.Second,
		orderWait:     time.Duration(cfg.OrderWaitSec) * time.Second,
		errorBackoff:  time.Duration(cfg.ErrorBackoffSec) * time.Second,
		actionPause:   time.Second,
		status:        StatusIdle,
	}
}

// Ticker returns the asset this worker trades.
func (w *Worker) Ticker() string {
	return w.asset.Ticker
}

// Status returns the worker's lifecycle state.
func (w *Worker) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

func (w *Worker) setStatus(s Status) {
	w.mu.Lock()
	w.status = s
	w.mu.Unlock()
}

// Init ensures the control row exists, constructs the grid and checks the
// account is reachable. Any failure here is fatal for this worker only; it
// never enters Running.
func (w *Worker) Init() error {
	if err := w.store.EnsureCoinControl(w.asset.Ticker); err != nil {
		w.setStatus(StatusStopped)
		return err
	}

	spec := grid.IntervalSpec{Amount: w.asset.GridInterval, Percent: w.asset.GridIntervalPercent}
	if err := w.engine.Construct(w.asset.BasePrice, spec, w.asset.GridCount, w.asset.OrderAmount); err != nil {
		w.setStatus(StatusStopped)
		return err
	}

	if _, err := w.ex.GetBalance("KRW"); err != nil {
		w.setStatus(StatusStopped)
		return fmt.Errorf("initial balance read failed: %w", err)
	}

	w.setStatus(StatusGridConstructed)
	return nil
}

// Start launches the trading loop.
func (w *Worker) Start() error {
	w.mu.Lock()
	if w.status == StatusRunning {
		w.mu.Unlock()
		return fmt.Errorf("worker for %s is already running", w.asset.Ticker)
	}
	if w.status != StatusGridConstructed {
		w.mu.Unlock()
		return fmt.Errorf("worker for %s is not initialized", w.asset.Ticker)
	}
	w.status = StatusRunning
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	w.mu.Unlock()

	w.notif.Notify(notifier.SeverityInfo, "session started",
		fmt.Sprintf("%s: %d levels, %.0f KRW per level", w.asset.Ticker, w.asset.GridCount, w.asset.OrderAmount))
	w.logger.Infof("worker started, cycle interval %s", w.checkInterval)

	go w.run()
	return nil
}

// Stop signals the loop and waits for the current cycle to finish. No order
// is abandoned mid-flight. Concurrent calls collapse into a single shutdown
// and all of them return only once the loop has exited.
func (w *Worker) Stop() {
	w.mu.Lock()
	if w.status != StatusRunning {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	w.stopOnce.Do(func() {
		close(w.stopCh)
		<-w.doneCh
		w.setStatus(StatusStopped)

		w.notif.Notify(notifier.SeverityInfo, "session stopped", w.asset.Ticker)
		w.logger.Info("worker stopped")
	})
}

// run is the cycle loop. A cycle that errors backs the worker off for
// longer than the normal interval and the loop resumes; only Stop ends it.
func (w *Worker) run() {
	defer close(w.doneCh)

	w.cycle()

	ticker := time.NewTicker(w.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			w.logger.Info("shutdown signal received, loop exiting")
			return
		case <-ticker.C:
			w.cycle()
		}
	}
}

func (w *Worker) cycle() {
	if err := w.safeCycle(); err != nil {
		w.logger.Errorw("cycle failed, backing off", "backoff", w.errorBackoff, "error", err)
		w.sleep(w.errorBackoff)
	}
}

// safeCycle converts a panicking cycle into an error so a single bad tick
// can never take down the process.
func (w *Worker) safeCycle() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cycle panicked: %v", r)
		}
	}()
	return w.runCycle()
}

// runCycle is one pass of the decision loop: read the control flags, take a
// single price snapshot, evaluate every level against it and execute the
// triggered actions sequentially.
func (w *Worker) runCycle() error {
	control, err := w.store.GetCoinControl(w.asset.Ticker)
	if err != nil {
		return fmt.Errorf("failed to read coin control: %w", err)
	}
	if control != nil && !control.IsActive {
		w.logger.Debug("trading deactivated, heartbeat only")
		return nil
	}

	price, err := w.prices.GetCurrentPrice(w.asset.Ticker)
	if err != nil {
		var unavailable *models.PriceUnavailableError
		if errors.As(err, &unavailable) {
			w.logger.Warnf("skipping cycle: %v", err)
			return nil
		}
		return fmt.Errorf("failed to read price: %w", err)
	}

	executed := false
	for _, action := range w.engine.Evaluate(price) {
		var outcome Outcome
		switch action.Kind {
		case grid.ActionBuy:
			outcome = w.executeBuy(action.Level)
		case grid.ActionSell:
			outcome = w.executeSell(action.Level)
		}

		if outcome.Executed {
			executed = true
			time.Sleep(w.actionPause)
		} else if outcome.Reason != "" {
			w.logger.Infow("action skipped",
				"action", action.Kind.String(), "level", action.Level.Level, "reason", outcome.Reason)
		}
	}

	if executed {
		w.snapshotBalance(price)
	}
	return nil
}

// executeBuy gates one buy through the budget guard and the KRW balance,
// submits it and applies the confirmed fill. A failed or zero-volume fill
// leaves the level untouched.
func (w *Worker) executeBuy(level *models.GridLevel) Outcome {
	ok, err := w.guard.IsWithinBudget(w.asset.Ticker, level.OrderAmount)
	if err != nil {
		w.logger.Errorf("budget check failed for level %d: %v", level.Level, err)
		return Outcome{Reason: "budget check failed"}
	}
	if !ok {
		return Outcome{Reason: "budget ceiling reached"}
	}

	krw, err := w.ex.GetBalance("KRW")
	if err != nil {
		w.logger.Errorf("failed to read KRW balance: %v", err)
		return Outcome{Reason: "balance read failed"}
	}
	if krw < level.OrderAmount {
		w.logger.Warnf("insufficient KRW for level %d: required %.0f, available %.0f",
			level.Level, level.OrderAmount, krw)
		return Outcome{Reason: "insufficient KRW balance"}
	}

	orderID, err := w.ex.SubmitMarketBuy(w.asset.Ticker, level.OrderAmount)
	if err != nil {
		var insufficient *models.InsufficientBalanceError
		if errors.As(err, &insufficient) {
			w.logger.Warnf("buy rejected for level %d: %v", level.Level, err)
			return Outcome{Reason: "insufficient KRW balance"}
		}
		w.logger.Errorf("buy submission failed for level %d: %v", level.Level, err)
		return Outcome{Reason: "order submission failed"}
	}

	result, err := w.confirmFill(orderID)
	if err != nil {
		w.logger.Warnf("buy not confirmed for level %d: %v", level.Level, err)
		return Outcome{Reason: "fill confirmation failed"}
	}
	if result.FilledVolume <= 0 {
		w.logger.Warnf("buy order %s filled zero volume, level %d left untouched", orderID, level.Level)
		return Outcome{Reason: "zero filled volume"}
	}

	fee := result.PaidFee
	if fee == 0 {
		fee = level.OrderAmount * w.cfg.FeeRate
	}

	applied, err := w.engine.ApplyBuy(level, result.FilledVolume, result.AvgFillPrice, fee)
	if err != nil {
		w.logger.Errorf("buy fill not persisted for level %d: %v", level.Level, err)
	}
	if !applied {
		return Outcome{Reason: "level already bought"}
	}

	trade := &models.Trade{
		Ticker:    w.asset.Ticker,
		Side:      models.Buy,
		Level:     level.Level,
		Price:     result.AvgFillPrice,
		Amount:    level.OrderAmount,
		Volume:    result.FilledVolume,
		Fee:       fee,
		Timestamp: time.Now().UTC(),
	}
	if err := w.store.SaveTrade(trade); err != nil {
		w.logger.Errorf("failed to record buy trade for level %d: %v", level.Level, err)
	}

	w.logger.Infow("buy filled",
		"level", level.Level, "price", result.AvgFillPrice, "volume", result.FilledVolume, "fee", fee)
	w.notif.Notify(notifier.SeverityInfo, "BUY "+w.asset.Ticker,
		fmt.Sprintf("level %d filled at %.2f, volume %.8f", level.Level, result.AvgFillPrice, result.FilledVolume))

	return Outcome{Executed: true}
}

// executeSell verifies the held balance covers the level's recorded volume,
// submits the sell and applies the confirmed fill with its realized profit.
func (w *Worker) executeSell(level *models.GridLevel) Outcome {
	currency := exchange.CoinCurrency(w.asset.Ticker)

	held, err := w.ex.GetBalance(currency)
	if err != nil {
		w.logger.Errorf("failed to read %s balance: %v", currency, err)
		return Outcome{Reason: "balance read failed"}
	}
	if held < level.FilledVolume {
		w.logger.Warnf("insufficient %s for level %d: required %.8f, available %.8f",
			currency, level.Level, level.FilledVolume, held)
		return Outcome{Reason: "insufficient coin balance"}
	}

	orderID, err := w.ex.SubmitMarketSell(w.asset.Ticker, level.FilledVolume)
	if err != nil {
		var insufficient *models.InsufficientBalanceError
		if errors.As(err, &insufficient) {
			w.logger.Warnf("sell rejected for level %d: %v", level.Level, err)
			return Outcome{Reason: "insufficient coin balance"}
		}
		w.logger.Errorf("sell submission failed for level %d: %v", level.Level, err)
		return Outcome{Reason: "order submission failed"}
	}

	result, err := w.confirmFill(orderID)
	if err != nil {
		w.logger.Warnf("sell not confirmed for level %d: %v", level.Level, err)
		return Outcome{Reason: "fill confirmation failed"}
	}
	if result.FilledVolume <= 0 {
		w.logger.Warnf("sell order %s filled zero volume, level %d left untouched", orderID, level.Level)
		return Outcome{Reason: "zero filled volume"}
	}

	fee := result.PaidFee
	if fee == 0 {
		fee = result.AvgFillPrice * result.FilledVolume * w.cfg.FeeRate
	}

	outcome, err := w.engine.ApplySell(level, result.AvgFillPrice, fee)
	if err != nil {
		w.logger.Errorf("sell fill not persisted for level %d: %v", level.Level, err)
	}
	if outcome == nil {
		return Outcome{Reason: "level not bought"}
	}

	// A sell's recorded amount is the net KRW realized, not the level's
	// nominal order amount.
	trade := &models.Trade{
		Ticker:    w.asset.Ticker,
		Side:      models.Sell,
		Level:     level.Level,
		Price:     result.AvgFillPrice,
		Amount:    result.AvgFillPrice*outcome.Volume - fee,
		Volume:    outcome.Volume,
		Fee:       fee,
		Profit:    outcome.Profit,
		ProfitPct: outcome.ProfitPct,
		Timestamp: time.Now().UTC(),
	}
	if err := w.store.SaveTrade(trade); err != nil {
		w.logger.Errorf("failed to record sell trade for level %d: %v", level.Level, err)
	}

	w.logger.Infow("sell filled",
		"level", level.Level, "price", result.AvgFillPrice, "volume", outcome.Volume,
		"profit", outcome.Profit, "profit_pct", outcome.ProfitPct)
	w.notif.Notify(notifier.SeverityInfo, "SELL "+w.asset.Ticker,
		fmt.Sprintf("level %d sold at %.2f, profit %.0f KRW (%.2f%%)",
			level.Level, result.AvgFillPrice, outcome.Profit, outcome.ProfitPct))

	return Outcome{Executed: true}
}

// confirmFill gives the exchange a moment to settle the order, then polls
// its status.
func (w *Worker) confirmFill(orderID string) (*models.OrderResult, error) {
	time.Sleep(w.orderWait)

	result, err := w.ex.GetOrder(orderID)
	if err != nil {
		return nil, &models.FillConfirmationError{OrderID: orderID, Err: err}
	}
	return result, nil
}

// CaptureBalanceSnapshot reads the account and appends a balance snapshot.
// Scheduled by the supervisor on its own cadence, independent of the cycle
// interval; the worker also snapshots right after every confirmed fill.
func (w *Worker) CaptureBalanceSnapshot() {
	price, err := w.prices.GetCurrentPrice(w.asset.Ticker)
	if err != nil {
		w.logger.Warnf("skipping balance snapshot: %v", err)
		return
	}
	w.snapshotBalance(price)
}

func (w *Worker) snapshotBalance(currentPrice float64) {
	currency := exchange.CoinCurrency(w.asset.Ticker)

	krw, err := w.ex.GetBalance("KRW")
	if err != nil {
		w.logger.Warnf("balance snapshot skipped, KRW read failed: %v", err)
		return
	}
	coin, err := w.ex.GetBalance(currency)
	if err != nil {
		w.logger.Warnf("balance snapshot skipped, %s read failed: %v", currency, err)
		return
	}
	avg, err := w.ex.GetAvgBuyPrice(currency)
	if err != nil {
		w.logger.Warnf("balance snapshot skipped, avg price read failed: %v", err)
		return
	}

	snap := &models.BalanceSnapshot{
		Ticker:       w.asset.Ticker,
		KRWBalance:   krw,
		CoinBalance:  coin,
		CoinAvgPrice: avg,
		TotalAssets:  krw + coin*currentPrice,
		CurrentPrice: currentPrice,
		Timestamp:    time.Now().UTC(),
	}
	if err := w.store.SaveBalance(snap); err != nil {
		w.logger.Errorf("failed to save balance snapshot: %v", err)
	}
}

// sleep waits for d unless the worker is stopped first.
func (w *Worker) sleep(d time.Duration) bool {
	select {
	case <-w.stopCh:
		return false
	case <-time.After(d):
		return true
	}
}
