package processor

import (
	"context"
	"fmt"
	"sync"

	appconfig "quantflow/config"
	"quantflow/internal/channel"
	"quantflow/logger"
	"quantflow/models"
)

// DepthWriter applies level updates to the ranked book cache.
type DepthWriter interface {
	ApplyDepth(ctx context.Context, upd models.DepthUpdate) error
}

// DepthUpdater drains the depth channel and writes each batch of changed
// levels into the cache. Updates for the same symbol and side apply in
// channel order, so the book converges on the latest quantity per price.
type DepthUpdater struct {
	config   *appconfig.Config
	channels *channel.Channels
	writer   DepthWriter
	ctx      context.Context
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log
}

func NewDepthUpdater(cfg *appconfig.Config, ch *channel.Channels, writer DepthWriter) *DepthUpdater {
	return &DepthUpdater{
		config:   cfg,
		channels: ch,
		writer:   writer,
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
	}
}

func (u *DepthUpdater) Start(ctx context.Context) error {
	u.mu.Lock()
	if u.running {
		u.mu.Unlock()
		return fmt.Errorf("depth updater already running")
	}
	u.running = true
	u.ctx = ctx
	u.mu.Unlock()

	u.log.WithComponent("depth_updater").Info("starting depth updater")
	u.wg.Add(1)
	go u.worker()
	return nil
}

func (u *DepthUpdater) Stop() {
	u.mu.Lock()
	if !u.running {
		u.mu.Unlock()
		return
	}
	u.running = false
	u.mu.Unlock()

	u.log.WithComponent("depth_updater").Info("stopping depth updater")
	u.wg.Wait()
	u.log.WithComponent("depth_updater").Info("depth updater stopped")
}

func (u *DepthUpdater) worker() {
	defer u.wg.Done()

	log := u.log.WithComponent("depth_updater").WithFields(logger.Fields{"worker": "depth"})
	for {
		select {
		case <-u.ctx.Done():
			return
		case upd, ok := <-u.channels.Depth:
			if !ok {
				return
			}
			if err := u.writer.ApplyDepth(u.ctx, upd); err != nil {
				log.WithError(err).WithFields(logger.Fields{
					"symbol": upd.Symbol,
					"side":   string(upd.Side),
					"levels": len(upd.Levels),
				}).Error("failed to apply depth update")
			}
		}
	}
}
