package worker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	appconfig "quantflow/config"
	"quantflow/cache"
	"quantflow/internal/keys"
	"quantflow/models"
)

type fakeSink struct {
	mu       sync.Mutex
	inserted []models.KlineEvent
	markets  []string
	failing  bool
}

func (f *fakeSink) InsertKline(ctx context.Context, market string, klines []models.KlineEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return fmt.Errorf("sink unavailable")
	}
	f.inserted = append(f.inserted, klines...)
	f.markets = append(f.markets, market)
	return nil
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inserted)
}

func (f *fakeSink) setFailing(v bool) {
	f.mu.Lock()
	f.failing = v
	f.mu.Unlock()
}

func testSetup(t *testing.T) (*miniredis.Miniredis, *cache.Store, *appconfig.Config) {
	t.Helper()
	m := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { rdb.Close() })
	store := cache.NewWithClient(rdb, 4, 100)

	cfg := &appconfig.Config{
		Stream: appconfig.StreamConfig{
			Group:        "group-1",
			Consumer:     "consumer-1",
			BatchSize:    200,
			BlockTimeout: -1,
		},
	}
	return m, store, cfg
}

func appendKlines(t *testing.T, store *cache.Store, key string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		ev := models.KlineEvent{
			Exchange: "binance",
			Market:   "futures",
			ID:       int64(1000 + i),
			Symbol:   "BTCUSDT",
			Interval: "1m",
			Close:    decimal.NewFromInt(int64(64000 + i)),
		}
		if err := store.AppendKline(context.Background(), key, ev); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

func TestConsumerDrainsStreamIntoSink(t *testing.T) {
	_, store, cfg := testSetup(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	key := keys.KlineStream("binance", "futures", "BTCUSDT", "1m")
	// The group tracks from creation time, so create it before appending.
	if err := store.EnsureGroup(ctx, key, cfg.Stream.Group); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	appendKlines(t, store, key, 3)

	sink := &fakeSink{}
	c := NewConsumer(cfg, store, sink, key, "futures")
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	waitFor(t, func() bool { return sink.count() == 3 })
	cancel()
	c.Stop()

	for i, ev := range sink.inserted {
		if ev.ID != int64(1000+i) {
			t.Errorf("kline %d out of order: id %d", i, ev.ID)
		}
	}
	if sink.markets[0] != "futures" {
		t.Errorf("market = %q", sink.markets[0])
	}

	pending, err := store.ReadPending(context.Background(), key, cfg.Stream.Group, cfg.Stream.Consumer, 10)
	if err != nil {
		t.Fatalf("read pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("sunk entries must be acknowledged, %d still pending", len(pending))
	}
}

func TestConsumerSinkFailureLeavesPendingForRestart(t *testing.T) {
	_, store, cfg := testSetup(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	key := keys.KlineStream("binance", "futures", "ETHUSDT", "1m")
	if err := store.EnsureGroup(ctx, key, cfg.Stream.Group); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	appendKlines(t, store, key, 2)

	sink := &fakeSink{failing: true}
	c := NewConsumer(cfg, store, sink, key, "futures")
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	// The read happened, the insert failed, the entries stay pending.
	waitFor(t, func() bool {
		pending, err := store.ReadPending(context.Background(), key, cfg.Stream.Group, cfg.Stream.Consumer, 10)
		return err == nil && len(pending) == 2
	})
	cancel()
	c.Stop()

	// A restarted consumer with a healthy sink reclaims them before
	// reading anything new.
	sink.setFailing(false)
	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	c2 := NewConsumer(cfg, store, sink, key, "futures")
	if err := c2.Start(ctx2); err != nil {
		t.Fatalf("restart: %v", err)
	}
	waitFor(t, func() bool { return sink.count() == 2 })
	cancel2()
	c2.Stop()

	pending, err := store.ReadPending(context.Background(), key, cfg.Stream.Group, cfg.Stream.Consumer, 10)
	if err != nil {
		t.Fatalf("read pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("reclaimed entries must be acknowledged, %d still pending", len(pending))
	}
}

func TestConsumerAcksUndecodableEntries(t *testing.T) {
	m, store, cfg := testSetup(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	key := keys.KlineStream("binance", "futures", "BTCUSDT", "1m")
	if err := store.EnsureGroup(ctx, key, cfg.Stream.Group); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	if _, err := m.XAdd(key, "*", []string{"id", "not-a-number"}); err != nil {
		t.Fatalf("xadd: %v", err)
	}
	appendKlines(t, store, key, 1)

	sink := &fakeSink{}
	c := NewConsumer(cfg, store, sink, key, "futures")
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	// The poisoned entry is skipped and acked; the good one lands.
	waitFor(t, func() bool { return sink.count() == 1 })
	cancel()
	c.Stop()

	pending, err := store.ReadPending(context.Background(), key, cfg.Stream.Group, cfg.Stream.Consumer, 10)
	if err != nil {
		t.Fatalf("read pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("poisoned entry must be acked, %d still pending", len(pending))
	}
}
