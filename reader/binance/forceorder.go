package binance

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	futures "github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"

	appconfig "quantflow/config"
	"quantflow/internal/channel"
	"quantflow/logger"
	"quantflow/models"
)

type liquidationTotals struct {
	buy  decimal.Decimal
	sell decimal.Decimal
}

// ForceOrderReader streams liquidation orders from the Binance futures
// websocket API. Fill quantities are accumulated per symbol and every
// event carries the running buy and sell totals downstream.
type ForceOrderReader struct {
	config   *appconfig.Config
	channels *channel.Channels
	ctx      context.Context
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log

	totalsMu sync.Mutex
	totals   map[string]*liquidationTotals
}

func NewForceOrderReader(cfg *appconfig.Config, ch *channel.Channels) *ForceOrderReader {
	return &ForceOrderReader{
		config:   cfg,
		channels: ch,
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
		totals:   make(map[string]*liquidationTotals),
	}
}

// Start launches one websocket subscription per configured symbol.
func (r *ForceOrderReader) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("binance force order reader already running")
	}
	r.running = true
	r.ctx = ctx
	r.mu.Unlock()

	cfg := r.config.Source.Binance.ForceOrder
	log := r.log.WithComponent("binance_force_order_reader").WithFields(logger.Fields{"operation": "start"})

	if !cfg.Enabled {
		log.Warn("binance force order stream disabled via configuration")
		return fmt.Errorf("binance force order stream disabled")
	}
	if len(cfg.Symbols) == 0 {
		log.Warn("no symbols configured for binance force order reader")
		return fmt.Errorf("no symbols configured for binance force order reader")
	}

	for _, sc := range cfg.Symbols {
		sym := strings.ToUpper(sc.Symbol)
		r.wg.Add(1)
		go r.streamSymbol(sym, sc)
	}

	log.WithFields(logger.Fields{"symbols": len(cfg.Symbols)}).Info("binance force order reader started successfully")
	return nil
}

// Stop waits for all symbol workers to finish.
func (r *ForceOrderReader) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	r.log.WithComponent("binance_force_order_reader").Info("stopping binance force order reader")
	r.wg.Wait()
	r.log.WithComponent("binance_force_order_reader").Info("binance force order reader stopped")
}

func (r *ForceOrderReader) streamSymbol(symbol string, sc appconfig.SymbolConfig) {
	defer r.wg.Done()

	log := r.log.WithComponent("binance_force_order_reader").WithFields(logger.Fields{
		"symbol": symbol,
		"worker": "force_order_stream",
	})

	handler := func(event *futures.WsLiquidationOrderEvent) {
		ev, err := r.accumulate(symbol, sc, event)
		if err != nil {
			log.WithError(err).Warn("failed to decode liquidation order")
			return
		}

		if !r.channels.SendForceOrder(r.ctx, ev) {
			if r.ctx.Err() != nil {
				return
			}
			log.Warn("force order channel full, dropping event")
		}
	}

	errHandler := func(err error) {
		if err != nil {
			log.WithError(err).Warn("websocket error")
		}
	}

	for {
		if r.ctx.Err() != nil {
			return
		}

		doneC, stopC, err := futures.WsLiquidationOrderServe(symbol, handler, errHandler)
		if err != nil {
			log.WithError(err).Error("failed to subscribe to force order stream")
			select {
			case <-time.After(5 * time.Second):
				continue
			case <-r.ctx.Done():
				return
			}
		}

		select {
		case <-r.ctx.Done():
			close(stopC)
			<-doneC
			return
		case <-doneC:
			log.Warn("force order stream closed, reconnecting")
			close(stopC)
			select {
			case <-r.ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
		}
	}
}

// accumulate folds one liquidation fill into the per-symbol running
// totals and returns the event snapshot to publish.
func (r *ForceOrderReader) accumulate(symbol string, sc appconfig.SymbolConfig, event *futures.WsLiquidationOrderEvent) (models.ForceOrderEvent, error) {
	order := event.LiquidationOrder
	qty, err := decimal.NewFromString(order.LastFilledQty)
	if err != nil {
		return models.ForceOrderEvent{}, err
	}

	r.totalsMu.Lock()
	defer r.totalsMu.Unlock()

	t, ok := r.totals[symbol]
	if !ok {
		t = &liquidationTotals{}
		r.totals[symbol] = t
	}
	if order.Side == futures.SideTypeBuy {
		t.buy = t.buy.Add(qty)
	} else {
		t.sell = t.sell.Add(qty)
	}

	return models.ForceOrderEvent{
		Exchange:          "binance",
		Market:            r.config.Source.Binance.Market,
		Symbol:            symbol,
		Base:              sc.Base,
		Quote:             sc.Quote,
		TotalBuyQuantity:  t.buy,
		TotalSellQuantity: t.sell,
	}, nil
}
