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

// KlineReader streams candles from the Binance futures websocket API and
// forwards only finalized ones to the kline channel.
type KlineReader struct {
	config   *appconfig.Config
	channels *channel.Channels
	ctx      context.Context
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log
}

func NewKlineReader(cfg *appconfig.Config, ch *channel.Channels) *KlineReader {
	return &KlineReader{
		config:   cfg,
		channels: ch,
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
	}
}

// Start launches one websocket subscription per configured symbol.
// Subscriptions are restarted automatically until the context is
// cancelled.
func (r *KlineReader) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("binance kline reader already running")
	}
	r.running = true
	r.ctx = ctx
	r.mu.Unlock()

	cfg := r.config.Source.Binance.Kline
	log := r.log.WithComponent("binance_kline_reader").WithFields(logger.Fields{"operation": "start"})

	if !cfg.Enabled {
		log.Warn("binance kline stream disabled via configuration")
		return fmt.Errorf("binance kline stream disabled")
	}
	if len(cfg.Symbols) == 0 {
		log.Warn("no symbols configured for binance kline reader")
		return fmt.Errorf("no symbols configured for binance kline reader")
	}

	log.WithFields(logger.Fields{
		"symbols":  strings.Join(cfg.Symbols, ","),
		"interval": cfg.Interval,
	}).Info("starting binance kline reader")

	for _, symbol := range cfg.Symbols {
		sym := strings.ToUpper(symbol)
		r.wg.Add(1)
		go r.streamSymbol(sym, cfg.Interval)
	}

	log.Info("binance kline reader started successfully")
	return nil
}

// Stop waits for all symbol workers to finish.
func (r *KlineReader) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	r.log.WithComponent("binance_kline_reader").Info("stopping binance kline reader")
	r.wg.Wait()
	r.log.WithComponent("binance_kline_reader").Info("binance kline reader stopped")
}

func (r *KlineReader) streamSymbol(symbol, interval string) {
	defer r.wg.Done()

	log := r.log.WithComponent("binance_kline_reader").WithFields(logger.Fields{
		"symbol": symbol,
		"worker": "kline_stream",
	})

	handler := func(event *futures.WsKlineEvent) {
		// Intermediate updates of a still-open candle are not events;
		// only the close of a candle is forwarded.
		if !event.Kline.IsFinal {
			return
		}

		ev, err := klineEventFromWs(event)
		if err != nil {
			log.WithError(err).Warn("failed to decode kline event")
			return
		}
		ev.Market = r.config.Source.Binance.Market

		if !r.channels.SendKline(r.ctx, ev) {
			if r.ctx.Err() != nil {
				return
			}
			log.Warn("kline channel full, dropping candle")
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

		doneC, stopC, err := futures.WsKlineServe(symbol, interval, handler, errHandler)
		if err != nil {
			log.WithError(err).Error("failed to subscribe to kline stream")
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
			log.Warn("kline stream closed, reconnecting")
			close(stopC)
			select {
			case <-r.ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
		}
	}
}

func klineEventFromWs(event *futures.WsKlineEvent) (models.KlineEvent, error) {
	k := event.Kline
	ev := models.KlineEvent{
		Exchange:     "binance",
		Event:        event.Event,
		Symbol:       strings.ToUpper(event.Symbol),
		StartTime:    k.StartTime,
		EndTime:      k.EndTime,
		Interval:     k.Interval,
		FirstTradeID: k.FirstTradeID,
		LastTradeID:  k.LastTradeID,
		TradeNum:     k.TradeNum,
	}

	fields := []struct {
		dst *decimal.Decimal
		src string
	}{
		{&ev.Open, k.Open},
		{&ev.Close, k.Close},
		{&ev.High, k.High},
		{&ev.Low, k.Low},
		{&ev.Volume, k.Volume},
		{&ev.QuoteVolume, k.QuoteVolume},
		{&ev.ActiveBuyVolume, k.ActiveBuyVolume},
		{&ev.ActiveBuyQuoteVolume, k.ActiveBuyQuoteVolume},
	}
	for _, f := range fields {
		v, err := decimal.NewFromString(f.src)
		if err != nil {
			return models.KlineEvent{}, err
		}
		*f.dst = v
	}
	return ev, nil
}
