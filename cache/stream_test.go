package cache

import (
	"context"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"

	"quantflow/internal/keys"
	"quantflow/models"
)

func forceOrderFixture() models.ForceOrderEvent {
	return models.ForceOrderEvent{
		Exchange:          "binance",
		Market:            "futures",
		Symbol:            "BTCUSDT",
		Base:              "BTC",
		Quote:             "USDT",
		TotalBuyQuantity:  decimal.RequireFromString("1.5"),
		TotalSellQuantity: decimal.RequireFromString("0.75"),
	}
}

func TestAppendThenReadPreservesFieldsAndOrder(t *testing.T) {
	s := newTestStore(t, 4, 100)
	ctx := context.Background()

	key := keys.KlineStream("binance", "futures", "BTCUSDT", "1m")
	if err := s.EnsureGroup(ctx, key, "g1"); err != nil {
		t.Fatalf("ensure group: %v", err)
	}

	const total = 5
	for i := 0; i < total; i++ {
		ev := models.KlineEvent{
			Exchange: "binance",
			Market:   "futures",
			ID:       int64(1000 + i),
			Event:    "kline",
			Symbol:   "BTCUSDT",
			Interval: "1m",
			Close:    decimal.NewFromInt(int64(64000 + i)),
		}
		if err := s.AppendKline(ctx, key, ev); err != nil {
			t.Fatalf("append kline %d: %v", i, err)
		}
	}

	entries, err := s.ReadGroup(ctx, key, "g1", "c1", total, -1)
	if err != nil {
		t.Fatalf("read group: %v", err)
	}
	if len(entries) != total {
		t.Fatalf("expected %d entries, got %d", total, len(entries))
	}
	prev := ""
	for i, entry := range entries {
		if entry.ID <= prev {
			t.Errorf("entry ids must strictly increase: %s after %s", entry.ID, prev)
		}
		prev = entry.ID

		ev, err := models.KlineEventFromFields(entry.Fields)
		if err != nil {
			t.Fatalf("decode entry %d: %v", i, err)
		}
		if ev.ID != int64(1000+i) {
			t.Errorf("entry %d out of append order: id %d", i, ev.ID)
		}
		if !ev.Close.Equal(decimal.NewFromInt(int64(64000 + i))) {
			t.Errorf("entry %d close mismatch: %s", i, ev.Close)
		}
	}
}

func TestEnsureGroupIdempotent(t *testing.T) {
	s := newTestStore(t, 4, 100)
	ctx := context.Background()
	key := keys.KlineStream("binance", "futures", "BTCUSDT", "1m")

	if err := s.EnsureGroup(ctx, key, "g1"); err != nil {
		t.Fatalf("first ensure: %v", err)
	}
	if err := s.EnsureGroup(ctx, key, "g1"); err != nil {
		t.Fatalf("second ensure should be a no-op, got %v", err)
	}
}

func TestAckStopsRedelivery(t *testing.T) {
	s := newTestStore(t, 4, 100)
	ctx := context.Background()
	ev := forceOrderFixture()
	key := keys.ForceOrderStream(ev.Exchange, ev.Market, ev.Symbol)

	if err := s.EnsureGroup(ctx, key, "g1"); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	if err := s.AppendForceOrder(ctx, ev); err != nil {
		t.Fatalf("append: %v", err)
	}

	entries, err := s.ReadGroup(ctx, key, "g1", "c1", 1, -1)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one entry, got %d", len(entries))
	}
	got, err := models.ForceOrderEventFromFields(entries[0].Fields)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Symbol != "BTCUSDT" || !got.TotalBuyQuantity.Equal(ev.TotalBuyQuantity) || !got.TotalSellQuantity.Equal(ev.TotalSellQuantity) {
		t.Errorf("delivered fields differ from appended: %+v", got)
	}

	if err := s.Ack(ctx, key, "g1", entries[0].ID); err != nil {
		t.Fatalf("ack: %v", err)
	}

	// After ack there is nothing pending and nothing new.
	again, err := s.ReadGroup(ctx, key, "g1", "c1", 1, -1)
	if err != nil {
		t.Fatalf("second read: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("acked entry must not be redelivered, got %d entries", len(again))
	}
	pending, err := s.ReadPending(ctx, key, "g1", "c1", 10)
	if err != nil {
		t.Fatalf("read pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("pending set should be empty after ack, got %d", len(pending))
	}
}

func TestUnackedEntryIsRedelivered(t *testing.T) {
	s := newTestStore(t, 4, 100)
	ctx := context.Background()
	ev := forceOrderFixture()
	key := keys.ForceOrderStream(ev.Exchange, ev.Market, ev.Symbol)

	if err := s.EnsureGroup(ctx, key, "g1"); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	if err := s.AppendForceOrder(ctx, ev); err != nil {
		t.Fatalf("append: %v", err)
	}

	first, err := s.ReadGroup(ctx, key, "g1", "c1", 1, -1)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(first) != 1 {
		t.Fatalf("expected one entry, got %d", len(first))
	}

	// Simulated crash: no ack. A restart re-reads its pending entries.
	pending, err := s.ReadPending(ctx, key, "g1", "c1", 10)
	if err != nil {
		t.Fatalf("read pending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != first[0].ID {
		t.Fatalf("unacked entry should be redelivered, got %+v", pending)
	}
}

func TestAckIdempotent(t *testing.T) {
	s := newTestStore(t, 4, 100)
	ctx := context.Background()
	ev := forceOrderFixture()
	key := keys.ForceOrderStream(ev.Exchange, ev.Market, ev.Symbol)

	if err := s.EnsureGroup(ctx, key, "g1"); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	if err := s.AppendForceOrder(ctx, ev); err != nil {
		t.Fatalf("append: %v", err)
	}
	entries, err := s.ReadGroup(ctx, key, "g1", "c1", 1, -1)
	if err != nil || len(entries) != 1 {
		t.Fatalf("read: %v (%d entries)", err, len(entries))
	}

	if err := s.Ack(ctx, key, "g1", entries[0].ID); err != nil {
		t.Fatalf("first ack: %v", err)
	}
	if err := s.Ack(ctx, key, "g1", entries[0].ID); err != nil {
		t.Fatalf("repeated ack must succeed: %v", err)
	}
	if err := s.Ack(ctx, key, "g1", "99999999-0"); err != nil {
		t.Fatalf("ack of unknown id must succeed: %v", err)
	}
}

func TestForceOrderStreamBoundedRetention(t *testing.T) {
	s := newTestStore(t, 4, 100)
	ctx := context.Background()
	ev := forceOrderFixture()
	key := keys.ForceOrderStream(ev.Exchange, ev.Market, ev.Symbol)

	for i := 0; i < 500; i++ {
		ev.TotalBuyQuantity = decimal.NewFromInt(int64(i))
		if err := s.AppendForceOrder(ctx, ev); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	n, err := s.StreamLen(ctx, key)
	if err != nil {
		t.Fatalf("stream len: %v", err)
	}
	// Trimming is approximate: the length must hover near the cap, not
	// grow without bound.
	if n < 100 || n > 300 {
		t.Fatalf("stream length %d outside bounded retention window", n)
	}
}

func TestEndToEndForceOrderScenario(t *testing.T) {
	s := newTestStore(t, 4, 100)
	ctx := context.Background()
	ev := forceOrderFixture()
	key := keys.ForceOrderStream(ev.Exchange, ev.Market, ev.Symbol)

	if err := s.EnsureGroup(ctx, key, "g1"); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	if err := s.AppendForceOrder(ctx, ev); err != nil {
		t.Fatalf("append: %v", err)
	}

	entries, err := s.ReadGroup(ctx, key, "g1", "c1", 1, -1)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected the appended entry, got %d", len(entries))
	}
	want := map[string]string{
		"exchange":            "binance",
		"market":              "futures",
		"symbol":              "BTCUSDT",
		"base":                "BTC",
		"quote":               "USDT",
		"total_buy_quantity":  "1.5",
		"total_sell_quantity": "0.75",
	}
	for k, v := range want {
		if entries[0].Fields[k] != v {
			t.Errorf("field %s = %q, want %q", k, entries[0].Fields[k], v)
		}
	}

	if err := s.Ack(ctx, key, "g1", entries[0].ID); err != nil {
		t.Fatalf("ack: %v", err)
	}
	empty, err := s.ReadGroup(ctx, key, "g1", "c1", 1, -1)
	if err != nil {
		t.Fatalf("second read: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("second read should be empty, got %d entries", len(empty))
	}
}

func TestStreamLenMissingStream(t *testing.T) {
	s := newTestStore(t, 4, 100)
	n, err := s.StreamLen(context.Background(), fmt.Sprintf("ta:kline:%s", "nothing"))
	if err != nil {
		t.Fatalf("xlen on missing stream: %v", err)
	}
	if n != 0 {
		t.Fatalf("missing stream length should be 0, got %d", n)
	}
}
