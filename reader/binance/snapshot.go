package binance

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/valyala/fastjson"
	"golang.org/x/time/rate"

	appconfig "quantflow/config"
	"quantflow/internal/channel"
	"quantflow/logger"
	"quantflow/models"
)

// SnapshotLoader seeds the book for each configured symbol from the REST
// depth endpoint before the diff stream takes over. Requests are rate
// limited so a long symbol list cannot trip the exchange API weight.
type SnapshotLoader struct {
	config   *appconfig.Config
	channels *channel.Channels
	client   *http.Client
	limiter  *rate.Limiter
	log      *logger.Log
}

func NewSnapshotLoader(cfg *appconfig.Config, ch *channel.Channels) *SnapshotLoader {
	sc := cfg.Source.Binance.Snapshot
	rps := sc.RequestsPerSec
	if rps <= 0 {
		rps = 5
	}
	burst := sc.Burst
	if burst <= 0 {
		burst = 1
	}
	return &SnapshotLoader{
		config:   cfg,
		channels: ch,
		client:   &http.Client{Timeout: 10 * time.Second},
		limiter:  rate.NewLimiter(rate.Limit(rps), burst),
		log:      logger.GetLogger(),
	}
}

// Load fetches one snapshot per configured depth symbol and pushes both
// sides into the depth channel. A failed symbol is logged and skipped;
// its book fills in from the diff stream alone.
func (l *SnapshotLoader) Load(ctx context.Context) error {
	cfg := l.config.Source.Binance.Snapshot
	log := l.log.WithComponent("binance_snapshot_loader")

	if cfg.RestURL == "" {
		log.Info("snapshot bootstrapping disabled, no rest_url configured")
		return nil
	}

	for _, symbol := range l.config.Source.Binance.Depth.Symbols {
		if err := l.limiter.Wait(ctx); err != nil {
			return err
		}
		sym := strings.ToUpper(symbol)
		if err := l.loadSymbol(ctx, sym); err != nil {
			log.WithError(err).WithFields(logger.Fields{"symbol": sym}).Warn("depth snapshot failed")
			continue
		}
		log.WithFields(logger.Fields{"symbol": sym}).Info("depth snapshot loaded")
	}
	return nil
}

func (l *SnapshotLoader) loadSymbol(ctx context.Context, symbol string) error {
	cfg := l.config.Source.Binance.Snapshot
	limit := cfg.Limit
	if limit <= 0 {
		limit = 100
	}

	url := fmt.Sprintf("%s?symbol=%s&limit=%d", strings.TrimRight(cfg.RestURL, "/"), symbol, limit)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("depth snapshot returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var parser fastjson.Parser
	v, err := parser.ParseBytes(body)
	if err != nil {
		return err
	}

	ts := time.Now().UTC()
	market := l.config.Source.Binance.Market
	for _, side := range []struct {
		key  string
		side models.Side
	}{
		{"asks", models.SideAsk},
		{"bids", models.SideBid},
	} {
		levels, err := parseLevels(v.GetArray(side.key))
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
		if !l.channels.SendDepth(ctx, upd) {
			return fmt.Errorf("depth channel rejected snapshot for %s", symbol)
		}
	}
	return nil
}
