package writer

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	appconfig "quantflow/config"
	"quantflow/logger"
	"quantflow/models"
)

func testKline(symbol string, id int64) models.KlineEvent {
	return models.KlineEvent{
		Exchange: "binance",
		Market:   "futures",
		ID:       id,
		Symbol:   symbol,
		Interval: "1m",
		Open:     decimal.RequireFromString("64000.10"),
		Close:    decimal.RequireFromString("64100.25"),
		High:     decimal.RequireFromString("64200.00"),
		Low:      decimal.RequireFromString("63950.50"),
		Volume:   decimal.RequireFromString("12.345"),
	}
}

func testArchiver(cfg *appconfig.Config) *Archiver {
	return &Archiver{
		config: cfg,
		wg:     &sync.WaitGroup{},
		log:    logger.GetLogger(),
		buffer: make(map[string][]models.KlineEvent),
	}
}

func TestCreateParquetFile(t *testing.T) {
	entries := []models.KlineEvent{testKline("BTCUSDT", 1), testKline("BTCUSDT", 2)}
	data, err := createParquetFile(entries)
	if err != nil {
		t.Fatalf("create parquet file: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("empty parquet output")
	}
	magic := []byte("PAR1")
	if !bytes.HasPrefix(data, magic) || !bytes.HasSuffix(data, magic) {
		t.Error("output is missing the parquet magic bytes")
	}
}

func TestObjectKeyLayout(t *testing.T) {
	cfg := &appconfig.Config{}
	cfg.Storage.S3.Prefix = "marketdata"
	a := testArchiver(cfg)

	key := a.objectKey(testKline("BTCUSDT", 1), "batch-id")
	for _, part := range []string{
		"marketdata/",
		"exchange=binance/",
		"market=futures/",
		"symbol=BTCUSDT/",
		"interval=1m/",
		"date=",
		"batch-id.parquet",
	} {
		if !strings.Contains(key, part) {
			t.Errorf("key %q missing %q", key, part)
		}
	}
	if strings.Contains(key, "\\") {
		t.Errorf("key %q must use forward slashes", key)
	}
}

func TestInsertKlineBuffersPerSymbol(t *testing.T) {
	cfg := &appconfig.Config{}
	a := testArchiver(cfg)

	klines := []models.KlineEvent{
		testKline("BTCUSDT", 1),
		testKline("ETHUSDT", 2),
		testKline("BTCUSDT", 3),
	}
	if err := a.InsertKline(context.Background(), "futures", klines); err != nil {
		t.Fatalf("insert: %v", err)
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	if len(a.buffer) != 2 {
		t.Fatalf("expected two buffers, got %d", len(a.buffer))
	}
	if n := len(a.buffer["binance|futures|BTCUSDT|1m"]); n != 2 {
		t.Errorf("BTCUSDT buffer has %d entries, want 2", n)
	}
	if n := len(a.buffer["binance|futures|ETHUSDT|1m"]); n != 1 {
		t.Errorf("ETHUSDT buffer has %d entries, want 1", n)
	}
}
