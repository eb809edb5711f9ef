package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"quantflow/cache"
	"quantflow/config"
	"quantflow/ident"
	"quantflow/internal/channel"
	"quantflow/internal/keys"
	"quantflow/logger"
	"quantflow/models"
	"quantflow/processor"
	"quantflow/reader/binance"
	"quantflow/repo"
	"quantflow/worker"
	"quantflow/writer"
)

// multiSink fans one consumed batch out to every configured sink.
type multiSink []worker.KlineSink

func (m multiSink) InsertKline(ctx context.Context, market string, klines []models.KlineEvent) error {
	for _, sink := range m {
		if err := sink.InsertKline(ctx, market, klines); err != nil {
			return err
		}
	}
	return nil
}

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}
	if cfg.Logging.CloudWatch {
		logger.InitCloudWatch(cfg.Storage.S3.Region, cfg.Logging.Namespace)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Quantflow.Name,
		"version": cfg.Quantflow.Version,
	}).Info("starting quantflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ids, err := ident.New(cfg.Ident.NodeID)
	if err != nil {
		log.WithError(err).Error("failed to initialize id source")
		os.Exit(1)
	}

	store := cache.New(cfg)
	defer store.Close()
	if err := store.Ping(ctx); err != nil {
		log.WithError(err).Error("redis is unreachable")
		os.Exit(1)
	}

	// The metadata store narrows the configured symbols down to the ones
	// actually marked active. Without a database every configured symbol
	// is taken as is.
	if cfg.Database.Source != "" {
		dao, err := repo.NewMysqlMarketDao(cfg.Database.Driver, cfg.Database.Source)
		if err != nil {
			log.WithError(err).Error("failed to connect to metadata database")
			os.Exit(1)
		}
		defer dao.Close()
		filterSymbols(ctx, cfg, dao, log)
	}

	channels := channel.NewChannels(cfg.Channels.EventBuffer, cfg.Channels.DepthBuffer)
	defer channels.Close()

	relay := processor.NewRelay(cfg, channels, store, ids)
	depthUpdater := processor.NewDepthUpdater(cfg, channels, store)

	var klineSinks multiSink
	var klineRepo *repo.ClickhouseKlineRepo
	if cfg.Clickhouse.Enabled {
		klineRepo, err = repo.NewClickhouseKlineRepo(
			cfg.Clickhouse.Addr, cfg.Clickhouse.Database,
			cfg.Clickhouse.Username, cfg.Clickhouse.Password,
		)
		if err != nil {
			log.WithError(err).Error("failed to connect to clickhouse")
			os.Exit(1)
		}
		defer klineRepo.Close()
		klineSinks = append(klineSinks, klineRepo)
	}

	var archiver *writer.Archiver
	if cfg.Storage.S3.Enabled {
		archiver, err = writer.NewArchiver(cfg)
		if err != nil {
			log.WithError(err).Error("failed to create archiver")
			os.Exit(1)
		}
		klineSinks = append(klineSinks, archiver)
	}

	var consumers []*worker.Consumer
	if len(klineSinks) > 0 && cfg.Source.Binance.Kline.Enabled {
		src := cfg.Source.Binance
		for _, symbol := range src.Kline.Symbols {
			key := keys.KlineStream("binance", src.Market, symbol, src.Kline.Interval)
			consumers = append(consumers, worker.NewConsumer(cfg, store, klineSinks, key, src.Market))
		}
	} else {
		log.WithComponent("main").Info("no kline sink configured; stream consumers disabled")
	}

	klineReader := binance.NewKlineReader(cfg, channels)
	forceOrderReader := binance.NewForceOrderReader(cfg, channels)
	depthReader := binance.NewDepthReader(cfg, channels)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := relay.Start(ctx); err != nil {
			log.WithError(err).Warn("relay failed to start")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := depthUpdater.Start(ctx); err != nil {
			log.WithError(err).Warn("depth updater failed to start")
		}
	}()

	if archiver != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := archiver.Start(ctx); err != nil {
				log.WithError(err).Warn("archiver failed to start")
			}
		}()
	}

	for _, c := range consumers {
		wg.Add(1)
		go func(c *worker.Consumer) {
			defer wg.Done()
			if err := c.Start(ctx); err != nil {
				log.WithError(err).Warn("kline consumer failed to start")
			}
		}(c)
	}

	if cfg.Source.Binance.Kline.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := klineReader.Start(ctx); err != nil {
				log.WithError(err).Warn("kline reader failed to start")
			}
		}()
	}

	if cfg.Source.Binance.ForceOrder.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := forceOrderReader.Start(ctx); err != nil {
				log.WithError(err).Warn("force order reader failed to start")
			}
		}()
	}

	if cfg.Source.Binance.Depth.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Seed the books before following the diff stream so the
			// first queries see a populated top of book.
			loader := binance.NewSnapshotLoader(cfg, channels)
			if err := loader.Load(ctx); err != nil {
				log.WithError(err).Warn("snapshot bootstrapping failed")
			}
			if err := depthReader.Start(ctx); err != nil {
				log.WithError(err).Warn("depth reader failed to start")
			}
		}()
	}

	time.Sleep(2 * time.Second)
	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	log.Info("stopping readers")
	klineReader.Stop()
	forceOrderReader.Stop()
	depthReader.Stop()

	log.Info("stopping processors")
	relay.Stop()
	depthUpdater.Stop()

	log.Info("stopping consumers")
	for _, c := range consumers {
		c.Stop()
	}

	if archiver != nil {
		log.Info("stopping archiver")
		archiver.Stop()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("quantflow stopped")
}

// filterSymbols drops configured symbols the metadata store does not list
// as active for the binance market.
func filterSymbols(ctx context.Context, cfg *config.Config, dao repo.MarketDao, log *logger.Log) {
	symbols, err := dao.ActiveSymbols(ctx, "binance", cfg.Source.Binance.Market)
	if err != nil {
		log.WithError(err).Warn("failed to load active symbols, keeping configured list")
		return
	}

	active := make(map[string]repo.MarketSymbol, len(symbols))
	for _, s := range symbols {
		active[strings.ToUpper(s.Symbol)] = s
	}

	keep := func(list []string) []string {
		out := make([]string, 0, len(list))
		for _, s := range list {
			if _, ok := active[strings.ToUpper(s)]; ok {
				out = append(out, s)
			}
		}
		return out
	}

	cfg.Source.Binance.Kline.Symbols = keep(cfg.Source.Binance.Kline.Symbols)
	cfg.Source.Binance.Depth.Symbols = keep(cfg.Source.Binance.Depth.Symbols)

	kept := make([]config.SymbolConfig, 0, len(cfg.Source.Binance.ForceOrder.Symbols))
	for _, sc := range cfg.Source.Binance.ForceOrder.Symbols {
		if row, ok := active[strings.ToUpper(sc.Symbol)]; ok {
			if sc.Base == "" {
				sc.Base = row.Base
			}
			if sc.Quote == "" {
				sc.Quote = row.Quote
			}
			kept = append(kept, sc)
		}
	}
	cfg.Source.Binance.ForceOrder.Symbols = kept

	log.WithComponent("main").WithFields(logger.Fields{
		"active_symbols": len(active),
		"kline_symbols":  len(cfg.Source.Binance.Kline.Symbols),
		"depth_symbols":  len(cfg.Source.Binance.Depth.Symbols),
	}).Info("symbol configuration filtered against metadata store")
}
