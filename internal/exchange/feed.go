package exchange

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hozunlee/bit-moon/internal/models"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	feedPongWait       = 60 * time.Second
	feedPingPeriod     = (feedPongWait * 9) / 10 // must be less than feedPongWait
	feedReconnectDelay = 5 * time.Second
	feedMaxTickAge     = 10 * time.Second
)

// TickerFeed serves prices from Upbit's websocket ticker stream. It caches
// the latest trade price per ticker and falls back to the REST gateway when
// the cached tick is older than feedMaxTickAge, so a dropped connection
// degrades to polling instead of stalling the workers.
type TickerFeed struct {
	wsURL   string
	tickers []string
	rest    PriceSource
	logger  *zap.SugaredLogger

	mu     sync.RWMutex
	prices map[string]tick

	stopCh chan struct{}
	doneCh chan struct{}
}

type tick struct {
	price float64
	at    time.Time
}

// NewTickerFeed creates a feed for the given tickers. rest is the fallback
// price source for stale or missing ticks.
func NewTickerFeed(wsURL string, tickers []string, rest PriceSource, logger *zap.SugaredLogger) *TickerFeed {
	return &TickerFeed{
		wsURL:   wsURL,
		tickers: tickers,
		rest:    rest,
		logger:  logger,
		prices:  make(map[string]tick),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// GetCurrentPrice returns the cached websocket price while it is fresh and
// falls back to the REST source otherwise.
func (f *TickerFeed) GetCurrentPrice(ticker string) (float64, error) {
	f.mu.RLock()
	t, ok := f.prices[ticker]
	f.mu.RUnlock()

	if ok && time.Since(t.at) <= feedMaxTickAge {
		return t.price, nil
	}

	if f.rest == nil {
		return 0, &models.PriceUnavailableError{Ticker: ticker}
	}
	return f.rest.GetCurrentPrice(ticker)
}

// Start runs the connection daemon until Stop is called.
func (f *TickerFeed) Start() {
	go f.run()
}

// Stop closes the feed and waits for the daemon to exit.
func (f *TickerFeed) Stop() {
	close(f.stopCh)
	<-f.doneCh
}

// run keeps the websocket connected, reconnecting forever with a fixed
// delay. The REST fallback covers the gaps.
func (f *TickerFeed) run() {
	defer close(f.doneCh)

	for {
		select {
		case <-f.stopCh:
			f.logger.Info("ticker feed stopped")
			return
		default:
			conn, err := f.connect()
			if err != nil {
				f.logger.Warnf("ticker feed connect failed: %v, retrying in %s", err, feedReconnectDelay)
				if !f.sleep(feedReconnectDelay) {
					return
				}
				continue
			}

			f.logger.Infof("ticker feed connected for %d tickers", len(f.tickers))
			if err := f.readLoop(conn); err != nil {
				f.logger.Warnf("ticker feed read error: %v", err)
			}
			conn.Close()
			if !f.sleep(feedReconnectDelay) {
				return
			}
		}
	}
}

func (f *TickerFeed) sleep(d time.Duration) bool {
	select {
	case <-f.stopCh:
		return false
	case <-time.After(d):
		return true
	}
}

// connect dials the websocket and sends the ticker subscription frame.
func (f *TickerFeed) connect() (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL, nil)
	if err != nil {
		return nil, err
	}

	subscribe := []interface{}{
		map[string]string{"ticket": uuid.NewString()},
		map[string]interface{}{"type": "ticker", "codes": f.tickers},
	}
	if err := conn.WriteJSON(subscribe); err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe failed: %w", err)
	}

	return conn, nil
}

// readLoop consumes ticker frames from an established connection. A
// companion goroutine owns every write on it, since the websocket package
// permits one writing goroutine at a time: it sends the keepalive pings
// and, on Stop, the close frame plus a forced close that unblocks a
// pending read. Returns nil on Stop and the connection error otherwise.
func (f *TickerFeed) readLoop(conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(feedPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(feedPongWait))
		return nil
	})

	readDone := make(chan struct{})
	defer close(readDone)

	go func() {
		pingTicker := time.NewTicker(feedPingPeriod)
		defer pingTicker.Stop()

		for {
			select {
			case <-pingTicker.C:
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					// A failed ping means the connection is gone; close it
					// so the blocked read returns too.
					conn.Close()
					return
				}
			case <-f.stopCh:
				if err := conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")); err != nil {
					f.logger.Debugf("close frame not sent: %v", err)
				}
				conn.Close()
				return
			case <-readDone:
				return
			}
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-f.stopCh:
				return nil
			default:
				return err
			}
		}

		var frame struct {
			Type       string  `json:"type"`
			Code       string  `json:"code"`
			TradePrice float64 `json:"trade_price"`
		}
		if err := json.Unmarshal(message, &frame); err != nil {
			f.logger.Debugf("skipping unparseable frame: %v", err)
			continue
		}
		if frame.Type != "ticker" || frame.TradePrice <= 0 {
			continue
		}

		f.mu.Lock()
		f.prices[frame.Code] = tick{price: frame.TradePrice, at: time.Now()}
		f.mu.Unlock()
	}
}
