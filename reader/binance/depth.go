package binance

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/valyala/fastjson"

	appconfig "quantflow/config"
	"quantflow/internal/channel"
	"quantflow/logger"
	"quantflow/models"
)

// DepthReader consumes the combined diff depth stream over a raw
// websocket and turns each message into per-side level updates. The raw
// transport keeps the hot path free of reflection-based JSON decoding.
type DepthReader struct {
	config   *appconfig.Config
	channels *channel.Channels
	ctx      context.Context
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log
}

func NewDepthReader(cfg *appconfig.Config, ch *channel.Channels) *DepthReader {
	return &DepthReader{
		config:   cfg,
		channels: ch,
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
	}
}

// Start connects to the combined stream and keeps reconnecting until the
// context is cancelled.
func (r *DepthReader) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("binance depth reader already running")
	}
	r.running = true
	r.ctx = ctx
	r.mu.Unlock()

	cfg := r.config.Source.Binance.Depth
	log := r.log.WithComponent("binance_depth_reader").WithFields(logger.Fields{"operation": "start"})

	if !cfg.Enabled {
		log.Warn("binance depth stream disabled via configuration")
		return fmt.Errorf("binance depth stream disabled")
	}
	if len(cfg.Symbols) == 0 || cfg.WsURL == "" {
		log.Warn("binance depth reader missing symbols or ws_url")
		return fmt.Errorf("binance depth reader missing symbols or ws_url")
	}

	url := combinedStreamURL(cfg.WsURL, cfg.Symbols)
	log.WithFields(logger.Fields{"url": url}).Info("starting binance depth reader")

	r.wg.Add(1)
	go r.readLoop(url)

	return nil
}

// Stop waits for the read loop to finish.
func (r *DepthReader) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	r.log.WithComponent("binance_depth_reader").Info("stopping binance depth reader")
	r.wg.Wait()
	r.log.WithComponent("binance_depth_reader").Info("binance depth reader stopped")
}

func combinedStreamURL(base string, symbols []string) string {
	streams := make([]string, 0, len(symbols))
	for _, s := range symbols {
		streams = append(streams, strings.ToLower(s)+"@depth@100ms")
	}
	return strings.TrimRight(base, "/") + "/stream?streams=" + strings.Join(streams, "/")
}

func (r *DepthReader) readLoop(url string) {
	defer r.wg.Done()

	log := r.log.WithComponent("binance_depth_reader").WithFields(logger.Fields{"worker": "depth_stream"})
	var parser fastjson.Parser

	for {
		if r.ctx.Err() != nil {
			return
		}

		conn, _, err := websocket.DefaultDialer.DialContext(r.ctx, url, nil)
		if err != nil {
			log.WithError(err).Error("failed to connect to depth stream")
			select {
			case <-time.After(5 * time.Second):
				continue
			case <-r.ctx.Done():
				return
			}
		}
		log.Info("depth stream connected")

		closer := make(chan struct{})
		go func() {
			select {
			case <-r.ctx.Done():
				conn.Close()
			case <-closer:
			}
		}()

		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				if r.ctx.Err() == nil {
					log.WithError(err).Warn("depth stream read failed, reconnecting")
				}
				break
			}
			if err := r.handleMessage(&parser, payload); err != nil {
				log.WithError(err).Warn("failed to decode depth message")
			}
		}

		close(closer)
		conn.Close()
		select {
		case <-r.ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

func (r *DepthReader) handleMessage(parser *fastjson.Parser, payload []byte) error {
	v, err := parser.ParseBytes(payload)
	if err != nil {
		return err
	}

	data := v.Get("data")
	if data == nil {
		// Subscription acks and pings have no data envelope.
		return nil
	}
	symbol := strings.ToUpper(string(data.GetStringBytes("s")))
	ts := time.UnixMilli(data.GetInt64("E")).UTC()
	market := r.config.Source.Binance.Market

	for _, side := range []struct {
		key  string
		side models.Side
	}{
		{"a", models.SideAsk},
		{"b", models.SideBid},
	} {
		levels, err := parseLevels(data.GetArray(side.key))
		if err != nil {
			return err
		}
		if len(levels) == 0 {
			continue
		}
		upd := models.DepthUpdate{
			Exchange:  "binance",
			Market:    market,
			Symbol:    symbol,
			Side:      side.side,
			Levels:    levels,
			Timestamp: ts,
		}
		if !r.channels.SendDepth(r.ctx, upd) && r.ctx.Err() == nil {
			r.log.WithComponent("binance_depth_reader").Warn("depth channel full, dropping update")
		}
	}
	return nil
}

func parseLevels(arr []*fastjson.Value) ([]models.PriceLevel, error) {
	if len(arr) == 0 {
		return nil, nil
	}
	levels := make([]models.PriceLevel, 0, len(arr))
	for _, item := range arr {
		pair := item.GetArray()
		if len(pair) != 2 {
			return nil, fmt.Errorf("depth level is not a price/quantity pair")
		}
		level, err := models.ParseLevel(string(pair[0].GetStringBytes()), string(pair[1].GetStringBytes()))
		if err != nil {
			return nil, err
		}
		levels = append(levels, level)
	}
	return levels, nil
}
