package channel

import (
	"context"
	"sync"

	"quantflow/logger"
	"quantflow/models"
)

type ChannelStats struct {
	KlineSent         int64
	KlineDropped      int64
	ForceOrderSent    int64
	ForceOrderDropped int64
	DepthSent         int64
	DepthDropped      int64
}

// Channels carries events from the exchange readers to the processors.
// Sends never block: when a buffer is full the event is dropped and
// counted, so a stalled downstream cannot back-pressure the websocket
// read loops.
type Channels struct {
	Kline      chan models.KlineEvent
	ForceOrder chan models.ForceOrderEvent
	Depth      chan models.DepthUpdate

	stats      ChannelStats
	statsMutex sync.RWMutex
	log        *logger.Log
}

func NewChannels(eventBufferSize, depthBufferSize int) *Channels {
	log := logger.GetLogger()
	c := &Channels{
		Kline:      make(chan models.KlineEvent, eventBufferSize),
		ForceOrder: make(chan models.ForceOrderEvent, eventBufferSize),
		Depth:      make(chan models.DepthUpdate, depthBufferSize),
		log:        log,
	}

	log.WithComponent("channels").WithFields(logger.Fields{
		"event_buffer_size": eventBufferSize,
		"depth_buffer_size": depthBufferSize,
	}).Info("channels initialized")

	return c
}

func (c *Channels) Close() {
	close(c.Kline)
	close(c.ForceOrder)
	close(c.Depth)
	c.log.WithComponent("channels").Info("channels closed")
}

func (c *Channels) SendKline(ctx context.Context, ev models.KlineEvent) bool {
	select {
	case c.Kline <- ev:
		c.incr(func(s *ChannelStats) { s.KlineSent++ })
		return true
	case <-ctx.Done():
		return false
	default:
		c.incr(func(s *ChannelStats) { s.KlineDropped++ })
		return false
	}
}

func (c *Channels) SendForceOrder(ctx context.Context, ev models.ForceOrderEvent) bool {
	select {
	case c.ForceOrder <- ev:
		c.incr(func(s *ChannelStats) { s.ForceOrderSent++ })
		return true
	case <-ctx.Done():
		return false
	default:
		c.incr(func(s *ChannelStats) { s.ForceOrderDropped++ })
		return false
	}
}

func (c *Channels) SendDepth(ctx context.Context, upd models.DepthUpdate) bool {
	select {
	case c.Depth <- upd:
		c.incr(func(s *ChannelStats) { s.DepthSent++ })
		return true
	case <-ctx.Done():
		return false
	default:
		c.incr(func(s *ChannelStats) { s.DepthDropped++ })
		return false
	}
}

func (c *Channels) incr(f func(*ChannelStats)) {
	c.statsMutex.Lock()
	f(&c.stats)
	c.statsMutex.Unlock()
}

func (c *Channels) GetStats() ChannelStats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}
