package bot

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/hozunlee/bit-moon/internal/models"
	"github.com/hozunlee/bit-moon/internal/notifier"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeExchange fills market orders instantly at a fixed price and keeps a
// simulated KRW/coin balance, so worker flows are fully deterministic.
type fakeExchange struct {
	mu sync.Mutex

	price      float64
	priceErr   error
	priceCalls int

	krw        float64
	coin       float64
	avg        float64
	balanceErr error

	feeRate   float64
	submitErr error
	orderErr  error
	zeroFill  bool

	buyAmounts  []float64
	sellVolumes []float64

	orders map[string]*models.OrderResult
	nextID int
}

func newFakeExchange(price, krw float64) *fakeExchange {
	return &fakeExchange{
		price:   price,
		krw:     krw,
		feeRate: 0.0005,
		orders:  make(map[string]*models.OrderResult),
	}
}

func (f *fakeExchange) GetCurrentPrice(ticker string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.priceCalls++
	if f.priceErr != nil {
		return 0, f.priceErr
	}
	return f.price, nil
}

func (f *fakeExchange) GetBalance(currency string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.balanceErr != nil {
		return 0, f.balanceErr
	}
	if currency == "KRW" {
		return f.krw, nil
	}
	return f.coin, nil
}

func (f *fakeExchange) GetAvgBuyPrice(currency string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.avg, nil
}

func (f *fakeExchange) SubmitMarketBuy(ticker string, krwAmount float64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.buyAmounts = append(f.buyAmounts, krwAmount)

	if f.zeroFill {
		return f.recordOrder(0, f.price, 0), nil
	}

	volume := krwAmount / f.price
	fee := krwAmount * f.feeRate
	f.krw -= krwAmount + fee
	f.coin += volume
	f.avg = f.price
	return f.recordOrder(volume, f.price, fee), nil
}

func (f *fakeExchange) SubmitMarketSell(ticker string, volume float64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.sellVolumes = append(f.sellVolumes, volume)

	if f.zeroFill {
		return f.recordOrder(0, f.price, 0), nil
	}

	proceeds := volume * f.price
	fee := proceeds * f.feeRate
	f.coin -= volume
	f.krw += proceeds - fee
	return f.recordOrder(volume, f.price, fee), nil
}

func (f *fakeExchange) GetOrder(orderID string) (*models.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.orderErr != nil {
		return nil, f.orderErr
	}
	order, ok := f.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("unknown order %s", orderID)
	}
	copied := *order
	return &copied, nil
}

func (f *fakeExchange) recordOrder(volume, price, fee float64) string {
	orderID := fmt.Sprintf("fake-%d", f.nextID)
	f.nextID++
	f.orders[orderID] = &models.OrderResult{
		OrderID:      orderID,
		State:        "done",
		FilledVolume: volume,
		AvgFillPrice: price,
		PaidFee:      fee,
	}
	return orderID
}

func (f *fakeExchange) setPrice(p float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.price = p
}

func (f *fakeExchange) buys() []float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]float64(nil), f.buyAmounts...)
}

func (f *fakeExchange) sells() []float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]float64(nil), f.sellVolumes...)
}

func (f *fakeExchange) priceReads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.priceCalls
}

// fakeStore is an in-memory Store covering everything a worker persists.
type fakeStore struct {
	mu       sync.Mutex
	controls map[string]*models.CoinControl
	grid     map[int]*models.GridLevel
	trades   []*models.Trade
	balances []*models.BalanceSnapshot

	panicOnControl bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		controls: make(map[string]*models.CoinControl),
		grid:     make(map[int]*models.GridLevel),
	}
}

func (s *fakeStore) EnsureCoinControl(ticker string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.controls[ticker]; !ok {
		s.controls[ticker] = &models.CoinControl{Ticker: ticker, IsActive: true}
	}
	return nil
}

func (s *fakeStore) GetCoinControl(ticker string) (*models.CoinControl, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.panicOnControl {
		panic("control table corrupted")
	}
	c, ok := s.controls[ticker]
	if !ok {
		return nil, nil
	}
	copied := *c
	return &copied, nil
}

func (s *fakeStore) InvestedCapital(ticker string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sum float64
	for _, level := range s.grid {
		if level.IsBought {
			sum += level.OrderAmount
		}
	}
	return sum, nil
}

func (s *fakeStore) SaveGridLevel(level *models.GridLevel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *level
	s.grid[level.Level] = &copied
	return nil
}

func (s *fakeStore) GridLevels(ticker string) ([]*models.GridLevel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var levels []*models.GridLevel
	for _, level := range s.grid {
		copied := *level
		levels = append(levels, &copied)
	}
	sort.Slice(levels, func(i, j int) bool { return levels[i].Level < levels[j].Level })
	return levels, nil
}

func (s *fakeStore) SaveTrade(t *models.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *t
	s.trades = append(s.trades, &copied)
	return nil
}

func (s *fakeStore) SaveBalance(b *models.BalanceSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *b
	s.balances = append(s.balances, &copied)
	return nil
}

func (s *fakeStore) setControl(c *models.CoinControl) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *c
	s.controls[c.Ticker] = &copied
}

func (s *fakeStore) tradeList() []*models.Trade {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*models.Trade(nil), s.trades...)
}

func (s *fakeStore) balanceList() []*models.BalanceSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*models.BalanceSnapshot(nil), s.balances...)
}

func (s *fakeStore) level(n int) *models.GridLevel {
	s.mu.Lock()
	defer s.mu.Unlock()
	level, ok := s.grid[n]
	if !ok {
		return nil
	}
	copied := *level
	return &copied
}

// fakeNotifier records notification titles.
type fakeNotifier struct {
	mu     sync.Mutex
	titles []string
}

func (n *fakeNotifier) Notify(severity notifier.Severity, title, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.titles = append(n.titles, title)
}

func (n *fakeNotifier) sent() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.titles...)
}

func countTitle(titles []string, want string) int {
	count := 0
	for _, title := range titles {
		if title == want {
			count++
		}
	}
	return count
}

// newTestWorker builds a worker over a 3-level grid (base 100000, interval
// 1000, 100000 KRW per level) with all waits zeroed out.
func newTestWorker(ex *fakeExchange, store *fakeStore, notif *fakeNotifier) *Worker {
	cfg := &models.Config{
		AppMode:             "TEST",
		CheckIntervalSec:    1,
		SnapshotIntervalSec: 60,
		ErrorBackoffSec:     1,
		OrderWaitSec:        0,
		FeeRate:             0.0005,
	}
	asset := models.AssetConfig{
		Ticker:       "KRW-BTC",
		BasePrice:    100_000,
		GridInterval: 1_000,
		GridCount:    3,
		OrderAmount:  100_000,
	}
	w := NewWorker(cfg, asset, ex, ex, store, notif, zap.NewNop().Sugar())
	w.actionPause = 0
	return w
}

// TestWorkerInitConstructsGrid verifies that Init ensures the control row,
// persists the full grid and moves the worker to GRID_CONSTRUCTED.
func TestWorkerInitConstructsGrid(t *testing.T) {
	ex := newFakeExchange(100_000, 1_000_000)
	store := newFakeStore()
	w := newTestWorker(ex, store, &fakeNotifier{})

	require.NoError(t, w.Init())
	assert.Equal(t, StatusGridConstructed, w.Status())

	levels, err := store.GridLevels("KRW-BTC")
	require.NoError(t, err)
	require.Len(t, levels, 3)
	assert.Equal(t, 100_000.0, levels[0].BuyPriceTarget)
	assert.Equal(t, 98_000.0, levels[2].BuyPriceTarget)

	control, err := store.GetCoinControl("KRW-BTC")
	require.NoError(t, err)
	require.NotNil(t, control, "Init must create the control row")
	assert.True(t, control.IsActive)
	assert.Zero(t, control.BudgetKRW)
}

// TestWorkerInitFailsWithoutBalance verifies that an unreachable account is
// fatal for the worker.
func TestWorkerInitFailsWithoutBalance(t *testing.T) {
	ex := newFakeExchange(100_000, 1_000_000)
	ex.balanceErr = errors.New("api down")
	w := newTestWorker(ex, newFakeStore(), &fakeNotifier{})

	err := w.Init()
	require.Error(t, err)
	assert.Equal(t, StatusStopped, w.Status())
}

// TestRunCycleBuysTriggeredLevels verifies one full buy cycle: at 98500 the
// levels with buy targets 100000 and 99000 fill, are persisted as bought,
// recorded in the trade log and followed by one balance snapshot.
func TestRunCycleBuysTriggeredLevels(t *testing.T) {
	ex := newFakeExchange(98_500, 1_000_000)
	store := newFakeStore()
	notif := &fakeNotifier{}
	w := newTestWorker(ex, store, notif)
	require.NoError(t, w.Init())

	require.NoError(t, w.runCycle())

	buys := ex.buys()
	require.Len(t, buys, 2)
	assert.Equal(t, 100_000.0, buys[0])
	assert.Equal(t, 100_000.0, buys[1])

	trades := store.tradeList()
	require.Len(t, trades, 2)
	for i, trade := range trades {
		assert.Equal(t, models.Buy, trade.Side)
		assert.Equal(t, i+1, trade.Level)
		assert.Equal(t, 98_500.0, trade.Price)
		assert.Equal(t, 100_000.0, trade.Amount)
		assert.InDelta(t, 100_000.0/98_500.0, trade.Volume, 1e-9)
		assert.InDelta(t, 50.0, trade.Fee, 1e-9)
	}

	assert.True(t, store.level(1).IsBought)
	assert.True(t, store.level(2).IsBought)
	assert.False(t, store.level(3).IsBought, "the level below the price must not fill")

	snaps := store.balanceList()
	require.Len(t, snaps, 1, "an executed cycle ends with one balance snapshot")
	assert.Equal(t, 98_500.0, snaps[0].CurrentPrice)
	assert.InDelta(t, 999_900.0, snaps[0].TotalAssets, 1e-6,
		"total assets should equal starting capital minus fees")

	assert.Equal(t, 2, countTitle(notif.sent(), "BUY KRW-BTC"))
}

// TestRunCycleHeartbeatWhenInactive verifies that a deactivated control row
// turns the cycle into a heartbeat: no price read, no orders.
func TestRunCycleHeartbeatWhenInactive(t *testing.T) {
	ex := newFakeExchange(98_500, 1_000_000)
	store := newFakeStore()
	w := newTestWorker(ex, store, &fakeNotifier{})
	require.NoError(t, w.Init())

	store.setControl(&models.CoinControl{Ticker: "KRW-BTC", IsActive: false})

	require.NoError(t, w.runCycle())
	assert.Zero(t, ex.priceReads(), "an inactive cycle must not read the price")
	assert.Empty(t, ex.buys())
	assert.Empty(t, store.tradeList())
}

// TestRunCycleSkipsWhenPriceUnavailable verifies that a missing price skips
// the cycle without counting as a failure.
func TestRunCycleSkipsWhenPriceUnavailable(t *testing.T) {
	ex := newFakeExchange(98_500, 1_000_000)
	store := newFakeStore()
	w := newTestWorker(ex, store, &fakeNotifier{})
	require.NoError(t, w.Init())

	ex.priceErr = &models.PriceUnavailableError{Ticker: "KRW-BTC", Err: errors.New("feed down")}

	require.NoError(t, w.runCycle(), "an unavailable price is a skip, not an error")
	assert.Empty(t, ex.buys())
}

// TestRunCycleFailsOnUnexpectedPriceError verifies that errors other than
// an unavailable price surface to the loop for backoff.
func TestRunCycleFailsOnUnexpectedPriceError(t *testing.T) {
	ex := newFakeExchange(98_500, 1_000_000)
	w := newTestWorker(ex, newFakeStore(), &fakeNotifier{})
	require.NoError(t, w.Init())

	ex.priceErr = errors.New("connection reset")
	assert.Error(t, w.runCycle())
}

// TestBuyRespectsBudgetCeiling verifies that the budget guard stops the
// second buy of a cycle once the first one exhausts the ceiling, and that
// the rejected level stays unbought.
func TestBuyRespectsBudgetCeiling(t *testing.T) {
	ex := newFakeExchange(98_500, 1_000_000)
	store := newFakeStore()
	w := newTestWorker(ex, store, &fakeNotifier{})
	require.NoError(t, w.Init())

	store.setControl(&models.CoinControl{Ticker: "KRW-BTC", IsActive: true, BudgetKRW: 150_000})

	require.NoError(t, w.runCycle())

	assert.Len(t, ex.buys(), 1, "only the first buy fits the 150000 ceiling")
	assert.Len(t, store.tradeList(), 1)
	assert.True(t, store.level(1).IsBought)
	assert.False(t, store.level(2).IsBought, "the over-budget level must stay unbought")
}

// TestBuyLeavesLevelOnZeroVolumeFill verifies that an order confirming with
// zero executed volume leaves the level unbought and writes no trade.
func TestBuyLeavesLevelOnZeroVolumeFill(t *testing.T) {
	ex := newFakeExchange(98_500, 1_000_000)
	ex.zeroFill = true
	store := newFakeStore()
	w := newTestWorker(ex, store, &fakeNotifier{})
	require.NoError(t, w.Init())

	require.NoError(t, w.runCycle())

	assert.Len(t, ex.buys(), 2, "both triggered levels submit")
	assert.Empty(t, store.tradeList(), "a zero-volume fill must not be recorded")
	assert.False(t, store.level(1).IsBought)
	assert.False(t, store.level(2).IsBought)
	assert.Empty(t, store.balanceList(), "nothing executed, so no snapshot")
}

// TestBuySkippedWhenKRWShort verifies the balance gate runs before any
// order is submitted.
func TestBuySkippedWhenKRWShort(t *testing.T) {
	ex := newFakeExchange(98_500, 50_000)
	store := newFakeStore()
	w := newTestWorker(ex, store, &fakeNotifier{})
	require.NoError(t, w.Init())

	require.NoError(t, w.runCycle())
	assert.Empty(t, ex.buys(), "no order may be submitted with insufficient KRW")
	assert.Empty(t, store.tradeList())
}

// TestConfirmFillFailureLeavesLevel verifies that a fill that cannot be
// confirmed mutates nothing.
func TestConfirmFillFailureLeavesLevel(t *testing.T) {
	ex := newFakeExchange(98_500, 1_000_000)
	ex.orderErr = errors.New("order lookup failed")
	store := newFakeStore()
	w := newTestWorker(ex, store, &fakeNotifier{})
	require.NoError(t, w.Init())

	require.NoError(t, w.runCycle())

	assert.Len(t, ex.buys(), 2)
	assert.Empty(t, store.tradeList())
	assert.False(t, store.level(1).IsBought, "an unconfirmed fill must not mark the level bought")
}

// TestSellRealizesProfit verifies the full buy-then-sell round trip: the
// sell trade records the net realized KRW and the profit over the level's
// nominal amount, and the level is cleared for the next buy.
func TestSellRealizesProfit(t *testing.T) {
	ex := newFakeExchange(100_000, 1_000_000)
	store := newFakeStore()
	notif := &fakeNotifier{}
	w := newTestWorker(ex, store, notif)
	require.NoError(t, w.Init())

	// Buy leg: level 1 fills at its 100000 target with volume 1.0.
	require.NoError(t, w.runCycle())
	require.Len(t, store.tradeList(), 1)
	require.True(t, store.level(1).IsBought)

	// Sell leg: the price reaches the 101000 sell target.
	ex.setPrice(101_000)
	require.NoError(t, w.runCycle())

	trades := store.tradeList()
	require.Len(t, trades, 2)
	sell := trades[1]
	assert.Equal(t, models.Sell, sell.Side)
	assert.Equal(t, 1, sell.Level)
	assert.Equal(t, 101_000.0, sell.Price)
	assert.InDelta(t, 1.0, sell.Volume, 1e-9)
	assert.InDelta(t, 50.5, sell.Fee, 1e-9)
	assert.InDelta(t, 100_949.5, sell.Amount, 1e-6, "a sell records its net realized KRW")
	assert.InDelta(t, 949.5, sell.Profit, 1e-6)
	assert.InDelta(t, 0.9495, sell.ProfitPct, 1e-6)

	assert.False(t, store.level(1).IsBought, "a sold level is cleared for the next buy")
	assert.Len(t, store.balanceList(), 2)
	assert.Equal(t, 1, countTitle(notif.sent(), "SELL KRW-BTC"))
}

// TestSellLeavesLevelOnZeroVolumeFill verifies that a sell confirming with
// zero executed volume leaves the level bought and its buy trade as the only
// record, so the position is retried instead of silently forgotten.
func TestSellLeavesLevelOnZeroVolumeFill(t *testing.T) {
	ex := newFakeExchange(100_000, 1_000_000)
	store := newFakeStore()
	w := newTestWorker(ex, store, &fakeNotifier{})
	require.NoError(t, w.Init())

	// Buy leg fills level 1 normally.
	require.NoError(t, w.runCycle())
	require.True(t, store.level(1).IsBought)
	require.Len(t, store.tradeList(), 1)

	// Sell leg confirms with zero volume.
	ex.zeroFill = true
	ex.setPrice(101_000)
	require.NoError(t, w.runCycle())

	assert.Len(t, ex.sells(), 1, "the sell submits before the empty fill comes back")
	assert.True(t, store.level(1).IsBought, "a zero-volume sell must leave the level bought")
	assert.InDelta(t, 1.0, store.level(1).FilledVolume, 1e-9, "the recorded fill must survive for the retry")

	trades := store.tradeList()
	require.Len(t, trades, 1, "no sell trade may be recorded")
	assert.Equal(t, models.Buy, trades[0].Side)
	assert.Len(t, store.balanceList(), 1, "only the executed buy cycle snapshots")
}

// TestFeeFallbackWhenExchangeOmitsFee verifies the configured fee rate
// fills in when the exchange reports no paid fee: notional*rate on buys,
// proceeds*rate on sells.
func TestFeeFallbackWhenExchangeOmitsFee(t *testing.T) {
	ex := newFakeExchange(100_000, 1_000_000)
	ex.feeRate = 0
	store := newFakeStore()
	w := newTestWorker(ex, store, &fakeNotifier{})
	require.NoError(t, w.Init())

	require.NoError(t, w.runCycle())
	ex.setPrice(101_000)
	require.NoError(t, w.runCycle())

	trades := store.tradeList()
	require.Len(t, trades, 2)
	assert.InDelta(t, 50.0, trades[0].Fee, 1e-9, "buy fee falls back to notional * fee rate")
	assert.InDelta(t, 50.5, trades[1].Fee, 1e-9, "sell fee falls back to proceeds * fee rate")
}

// TestSafeCycleRecoversFromPanic verifies that a panicking cycle surfaces
// as an error instead of killing the process.
func TestSafeCycleRecoversFromPanic(t *testing.T) {
	ex := newFakeExchange(98_500, 1_000_000)
	store := newFakeStore()
	w := newTestWorker(ex, store, &fakeNotifier{})
	require.NoError(t, w.Init())

	store.panicOnControl = true

	err := w.safeCycle()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle panicked")
}

// TestWorkerLifecycle verifies the Idle -> GridConstructed -> Running ->
// Stopped progression, the double-start guard and the session
// notifications.
func TestWorkerLifecycle(t *testing.T) {
	ex := newFakeExchange(100_001, 1_000_000)
	store := newFakeStore()
	notif := &fakeNotifier{}
	w := newTestWorker(ex, store, notif)

	assert.Equal(t, StatusIdle, w.Status())
	require.Error(t, w.Start(), "Start before Init must fail")

	require.NoError(t, w.Init())
	require.NoError(t, w.Start())
	assert.Equal(t, StatusRunning, w.Status())
	assert.Error(t, w.Start(), "a running worker must refuse a second Start")

	w.Stop()
	assert.Equal(t, StatusStopped, w.Status())
	w.Stop() // stopping a stopped worker is a no-op

	assert.Error(t, w.Start(), "a stopped worker does not restart")

	titles := notif.sent()
	assert.Equal(t, 1, countTitle(titles, "session started"))
	assert.Equal(t, 1, countTitle(titles, "session stopped"))
}

// TestConcurrentStopIsSafe verifies that simultaneous Stop calls shut the
// worker down exactly once: no panic on the stop channel and a single
// session-stopped notification.
func TestConcurrentStopIsSafe(t *testing.T) {
	ex := newFakeExchange(100_001, 1_000_000)
	store := newFakeStore()
	notif := &fakeNotifier{}
	w := newTestWorker(ex, store, notif)
	require.NoError(t, w.Init())
	require.NoError(t, w.Start())

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Stop()
		}()
	}
	wg.Wait()

	assert.Equal(t, StatusStopped, w.Status())
	assert.Equal(t, 1, countTitle(notif.sent(), "session stopped"))
}

// TestCaptureBalanceSnapshot verifies the scheduled snapshot path,
// including the skip when no price is available.
func TestCaptureBalanceSnapshot(t *testing.T) {
	ex := newFakeExchange(100_000, 1_000_000)
	ex.coin = 0.5
	ex.avg = 90_000
	store := newFakeStore()
	w := newTestWorker(ex, store, &fakeNotifier{})
	require.NoError(t, w.Init())

	ex.priceErr = errors.New("feed down")
	w.CaptureBalanceSnapshot()
	assert.Empty(t, store.balanceList(), "no snapshot without a price")

	ex.priceErr = nil
	w.CaptureBalanceSnapshot()

	snaps := store.balanceList()
	require.Len(t, snaps, 1)
	assert.Equal(t, 1_000_000.0, snaps[0].KRWBalance)
	assert.Equal(t, 0.5, snaps[0].CoinBalance)
	assert.Equal(t, 90_000.0, snaps[0].CoinAvgPrice)
	assert.Equal(t, 100_000.0, snaps[0].CurrentPrice)
	assert.InDelta(t, 1_050_000.0, snaps[0].TotalAssets, 1e-6)
}
