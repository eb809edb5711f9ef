// Package worker hosts the downstream side of the event streams: group
// consumers that drain entries into durable sinks and acknowledge them
// only after the sink accepted the batch.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	appconfig "quantflow/config"
	"quantflow/logger"
	"quantflow/models"
)

// StreamSource is the consumer-group view of the event log.
type StreamSource interface {
	EnsureGroup(ctx context.Context, key, group string) error
	ReadGroup(ctx context.Context, key, group, consumer string, count int64, block time.Duration) ([]models.StreamEntry, error)
	ReadPending(ctx context.Context, key, group, consumer string, count int64) ([]models.StreamEntry, error)
	Ack(ctx context.Context, key, group string, ids ...string) error
}

// KlineSink receives decoded candles from the consumer.
type KlineSink interface {
	InsertKline(ctx context.Context, market string, klines []models.KlineEvent) error
}

// Consumer drains one kline stream through a consumer group into a sink.
// Each batch is acknowledged only after the sink accepted it, so a crash
// anywhere in between leaves the batch pending and it is redelivered on
// the next start. The sink must tolerate seeing the same snowflake id
// twice.
type Consumer struct {
	config  *appconfig.Config
	source  StreamSource
	sink    KlineSink
	key     string
	market  string
	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log
}

func NewConsumer(cfg *appconfig.Config, source StreamSource, sink KlineSink, key, market string) *Consumer {
	return &Consumer{
		config: cfg,
		source: source,
		sink:   sink,
		key:    key,
		market: market,
		wg:     &sync.WaitGroup{},
		log:    logger.GetLogger(),
	}
}

// Start ensures the group exists, reclaims this consumer's pending
// entries and then follows the stream until the context is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("consumer already running")
	}
	c.running = true
	c.ctx = ctx
	c.mu.Unlock()

	cfg := c.config.Stream
	log := c.log.WithComponent("kline_consumer").WithFields(logger.Fields{
		"stream":   c.key,
		"group":    cfg.Group,
		"consumer": cfg.Consumer,
	})

	if err := c.source.EnsureGroup(ctx, c.key, cfg.Group); err != nil {
		return err
	}

	if err := c.reclaimPending(ctx); err != nil {
		return err
	}

	log.Info("starting kline consumer")
	c.wg.Add(1)
	go c.consumeLoop()
	return nil
}

// Stop waits for the consume loop to finish.
func (c *Consumer) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.mu.Unlock()

	c.log.WithComponent("kline_consumer").Info("stopping kline consumer")
	c.wg.Wait()
	c.log.WithComponent("kline_consumer").Info("kline consumer stopped")
}

// reclaimPending drains entries delivered to this consumer before a
// previous shutdown or crash. They are processed before any new entry so
// redeliveries keep the original order.
func (c *Consumer) reclaimPending(ctx context.Context) error {
	cfg := c.config.Stream
	log := c.log.WithComponent("kline_consumer")

	for {
		entries, err := c.source.ReadPending(ctx, c.key, cfg.Group, cfg.Consumer, cfg.BatchSize)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return nil
		}
		log.WithFields(logger.Fields{"stream": c.key, "entries": len(entries)}).Info("reprocessing pending entries")
		if err := c.processBatch(ctx, entries); err != nil {
			return err
		}
	}
}

func (c *Consumer) consumeLoop() {
	defer c.wg.Done()

	cfg := c.config.Stream
	log := c.log.WithComponent("kline_consumer").WithFields(logger.Fields{"stream": c.key})

	for {
		if c.ctx.Err() != nil {
			return
		}

		entries, err := c.source.ReadGroup(c.ctx, c.key, cfg.Group, cfg.Consumer, cfg.BatchSize, time.Duration(cfg.BlockTimeout))
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			log.WithError(err).Error("failed to read from stream")
			select {
			case <-time.After(time.Second):
				continue
			case <-c.ctx.Done():
				return
			}
		}
		if len(entries) == 0 {
			continue
		}

		if err := c.processBatch(c.ctx, entries); err != nil {
			if c.ctx.Err() != nil {
				return
			}
			// The batch stays pending and is retried after restart or
			// on the next reclaim.
			log.WithError(err).Error("failed to process batch, entries left pending")
			select {
			case <-time.After(time.Second):
			case <-c.ctx.Done():
				return
			}
		}
	}
}

// processBatch decodes, sinks and acknowledges one batch. Undecodable
// entries are acknowledged anyway: redelivering them can never succeed
// and would wedge the stream.
func (c *Consumer) processBatch(ctx context.Context, entries []models.StreamEntry) error {
	cfg := c.config.Stream
	log := c.log.WithComponent("kline_consumer").WithFields(logger.Fields{"stream": c.key})

	klines := make([]models.KlineEvent, 0, len(entries))
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		ev, err := models.KlineEventFromFields(entry.Fields)
		if err != nil {
			log.WithError(err).WithFields(logger.Fields{"entry_id": entry.ID}).Warn("skipping undecodable entry")
			ids = append(ids, entry.ID)
			continue
		}
		klines = append(klines, ev)
		ids = append(ids, entry.ID)
	}

	if len(klines) > 0 {
		if err := c.sink.InsertKline(ctx, c.market, klines); err != nil {
			return err
		}
	}
	return c.source.Ack(ctx, c.key, cfg.Group, ids...)
}
