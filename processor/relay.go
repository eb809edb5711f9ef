package processor

import (
	"context"
	"fmt"
	"sync"
	"time"

	appconfig "quantflow/config"
	"quantflow/ident"
	"quantflow/internal/channel"
	"quantflow/internal/keys"
	"quantflow/logger"
	"quantflow/models"
)

// Appender is the durable log the relay publishes into.
type Appender interface {
	AppendKline(ctx context.Context, key string, ev models.KlineEvent) error
	AppendForceOrder(ctx context.Context, ev models.ForceOrderEvent) error
}

// Relay drains the kline and force order channels and appends each event
// to its per-symbol stream. Klines get a unique id stamped before
// publishing so downstream consumers can deduplicate across redeliveries.
type Relay struct {
	config   *appconfig.Config
	channels *channel.Channels
	appender Appender
	ids      *ident.Source
	ctx      context.Context
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log

	klinesRelayed      int64
	forceOrdersRelayed int64
	errorsCount        int64
	countersMu         sync.Mutex
}

func NewRelay(cfg *appconfig.Config, ch *channel.Channels, appender Appender, ids *ident.Source) *Relay {
	return &Relay{
		config:   cfg,
		channels: ch,
		appender: appender,
		ids:      ids,
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
	}
}

func (r *Relay) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("relay already running")
	}
	r.running = true
	r.ctx = ctx
	r.mu.Unlock()

	log := r.log.WithComponent("relay").WithFields(logger.Fields{"operation": "start"})
	log.Info("starting relay")

	r.wg.Add(1)
	go r.klineWorker()
	r.wg.Add(1)
	go r.forceOrderWorker()
	r.wg.Add(1)
	go r.statsWorker()

	log.Info("relay started successfully")
	return nil
}

func (r *Relay) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	r.log.WithComponent("relay").Info("stopping relay")
	r.wg.Wait()
	r.publishStats()

	r.countersMu.Lock()
	stats := logger.Fields{
		"klines_relayed":       r.klinesRelayed,
		"force_orders_relayed": r.forceOrdersRelayed,
		"errors":               r.errorsCount,
	}
	r.countersMu.Unlock()
	r.log.WithComponent("relay").WithFields(stats).Info("relay stopped")
}

const statsInterval = time.Minute

func (r *Relay) statsWorker() {
	defer r.wg.Done()

	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.publishStats()
		}
	}
}

// publishStats emits the relay counters and channel drop counters as
// metrics, feeding the CloudWatch pipeline when it is configured.
func (r *Relay) publishStats() {
	r.countersMu.Lock()
	klines := r.klinesRelayed
	orders := r.forceOrdersRelayed
	errs := r.errorsCount
	r.countersMu.Unlock()

	r.log.LogMetric("relay", "klines_relayed", klines, "counter", nil)
	r.log.LogMetric("relay", "force_orders_relayed", orders, "counter", nil)
	r.log.LogMetric("relay", "relay_errors", errs, "counter", nil)

	ch := r.channels.GetStats()
	r.log.LogMetric("channels", "kline_dropped", ch.KlineDropped, "counter", nil)
	r.log.LogMetric("channels", "force_order_dropped", ch.ForceOrderDropped, "counter", nil)
	r.log.LogMetric("channels", "depth_dropped", ch.DepthDropped, "counter", nil)
}

func (r *Relay) klineWorker() {
	defer r.wg.Done()

	log := r.log.WithComponent("relay").WithFields(logger.Fields{"worker": "kline"})
	for {
		select {
		case <-r.ctx.Done():
			return
		case ev, ok := <-r.channels.Kline:
			if !ok {
				return
			}
			if ev.ID == 0 {
				ev.ID = r.ids.NextID()
			}
			key := keys.KlineStream(ev.Exchange, ev.Market, ev.Symbol, ev.Interval)
			if err := r.appender.AppendKline(r.ctx, key, ev); err != nil {
				r.countError()
				log.WithError(err).WithFields(logger.Fields{
					"symbol":   ev.Symbol,
					"interval": ev.Interval,
				}).Error("failed to append kline")
				continue
			}
			r.countKline()
		}
	}
}

func (r *Relay) forceOrderWorker() {
	defer r.wg.Done()

	log := r.log.WithComponent("relay").WithFields(logger.Fields{"worker": "force_order"})
	for {
		select {
		case <-r.ctx.Done():
			return
		case ev, ok := <-r.channels.ForceOrder:
			if !ok {
				return
			}
			if err := r.appender.AppendForceOrder(r.ctx, ev); err != nil {
				r.countError()
				log.WithError(err).WithFields(logger.Fields{"symbol": ev.Symbol}).Error("failed to append force order")
				continue
			}
			r.countForceOrder()
		}
	}
}

func (r *Relay) countKline() {
	r.countersMu.Lock()
	r.klinesRelayed++
	r.countersMu.Unlock()
}

func (r *Relay) countForceOrder() {
	r.countersMu.Lock()
	r.forceOrdersRelayed++
	r.countersMu.Unlock()
}

func (r *Relay) countError() {
	r.countersMu.Lock()
	r.errorsCount++
	r.countersMu.Unlock()
}
