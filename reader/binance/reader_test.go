package binance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	futures "github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
	"github.com/valyala/fastjson"

	appconfig "quantflow/config"
	"quantflow/internal/channel"
	"quantflow/models"
)

func testConfig() *appconfig.Config {
	return &appconfig.Config{
		Source: appconfig.SourceConfig{
			Binance: appconfig.BinanceSourceConfig{
				Market: "futures",
				Depth: appconfig.DepthSourceConfig{
					Enabled: true,
					WsURL:   "wss://fstream.binance.com",
					Symbols: []string{"BTCUSDT"},
				},
			},
		},
	}
}

func TestCombinedStreamURL(t *testing.T) {
	got := combinedStreamURL("wss://fstream.binance.com/", []string{"BTCUSDT", "ethusdt"})
	want := "wss://fstream.binance.com/stream?streams=btcusdt@depth@100ms/ethusdt@depth@100ms"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestKlineEventFromWs(t *testing.T) {
	event := &futures.WsKlineEvent{
		Event:  "kline",
		Time:   1700000000000,
		Symbol: "btcusdt",
		Kline: futures.WsKline{
			StartTime:            1699999940000,
			EndTime:              1699999999999,
			Symbol:               "BTCUSDT",
			Interval:             "1m",
			FirstTradeID:         100,
			LastTradeID:          250,
			Open:                 "64000.10",
			Close:                "64100.25",
			High:                 "64200.00",
			Low:                  "63950.50",
			Volume:               "12.345",
			TradeNum:             151,
			IsFinal:              true,
			QuoteVolume:          "790000.12",
			ActiveBuyVolume:      "6.789",
			ActiveBuyQuoteVolume: "435000.55",
		},
	}

	ev, err := klineEventFromWs(event)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Exchange != "binance" || ev.Symbol != "BTCUSDT" || ev.Interval != "1m" {
		t.Errorf("identity fields wrong: %+v", ev)
	}
	if ev.StartTime != 1699999940000 || ev.EndTime != 1699999999999 {
		t.Errorf("time fields wrong: %+v", ev)
	}
	if !ev.Close.Equal(decimal.RequireFromString("64100.25")) {
		t.Errorf("close = %s", ev.Close)
	}
	if !ev.ActiveBuyQuoteVolume.Equal(decimal.RequireFromString("435000.55")) {
		t.Errorf("active buy quote volume = %s", ev.ActiveBuyQuoteVolume)
	}
	if ev.TradeNum != 151 {
		t.Errorf("trade num = %d", ev.TradeNum)
	}
}

func TestKlineEventFromWsBadDecimal(t *testing.T) {
	event := &futures.WsKlineEvent{Kline: futures.WsKline{Open: "not-a-number"}}
	if _, err := klineEventFromWs(event); err == nil {
		t.Fatal("expected decode error for malformed decimal")
	}
}

func TestForceOrderAccumulatesTotals(t *testing.T) {
	cfg := testConfig()
	ch := channel.NewChannels(8, 8)
	defer ch.Close()
	r := NewForceOrderReader(cfg, ch)
	sc := appconfig.SymbolConfig{Symbol: "BTCUSDT", Base: "BTC", Quote: "USDT"}

	fills := []struct {
		side futures.SideType
		qty  string
	}{
		{futures.SideTypeBuy, "1.5"},
		{futures.SideTypeSell, "0.25"},
		{futures.SideTypeBuy, "0.5"},
	}
	var last models.ForceOrderEvent
	for _, f := range fills {
		ev, err := r.accumulate("BTCUSDT", sc, &futures.WsLiquidationOrderEvent{
			LiquidationOrder: futures.WsLiquidationOrder{
				Symbol:        "BTCUSDT",
				Side:          f.side,
				LastFilledQty: f.qty,
			},
		})
		if err != nil {
			t.Fatalf("accumulate: %v", err)
		}
		last = ev
	}

	if !last.TotalBuyQuantity.Equal(decimal.RequireFromString("2")) {
		t.Errorf("buy total = %s, want 2", last.TotalBuyQuantity)
	}
	if !last.TotalSellQuantity.Equal(decimal.RequireFromString("0.25")) {
		t.Errorf("sell total = %s, want 0.25", last.TotalSellQuantity)
	}
	if last.Base != "BTC" || last.Quote != "USDT" || last.Market != "futures" {
		t.Errorf("identity fields wrong: %+v", last)
	}
}

func TestHandleDepthMessage(t *testing.T) {
	cfg := testConfig()
	ch := channel.NewChannels(8, 8)
	defer ch.Close()
	r := NewDepthReader(cfg, ch)
	r.ctx = context.Background()

	payload := []byte(`{
		"stream": "btcusdt@depth@100ms",
		"data": {
			"e": "depthUpdate",
			"E": 1700000000123,
			"s": "BTCUSDT",
			"b": [["63999.5", "0.75"], ["63990.0", "0"]],
			"a": [["64000.1", "1.25"]]
		}
	}`)

	var parser fastjson.Parser
	if err := r.handleMessage(&parser, payload); err != nil {
		t.Fatalf("handle message: %v", err)
	}

	ask := <-ch.Depth
	if ask.Side != models.SideAsk || len(ask.Levels) != 1 {
		t.Fatalf("first update should be the ask side: %+v", ask)
	}
	if !ask.Levels[0].Price.Equal(decimal.RequireFromString("64000.1")) {
		t.Errorf("ask price = %s", ask.Levels[0].Price)
	}

	bid := <-ch.Depth
	if bid.Side != models.SideBid || len(bid.Levels) != 2 {
		t.Fatalf("second update should be the bid side: %+v", bid)
	}
	if !bid.Levels[1].Quantity.IsZero() {
		t.Errorf("zero-quantity removal level must survive parsing: %+v", bid.Levels[1])
	}
	if bid.Symbol != "BTCUSDT" || bid.Market != "futures" {
		t.Errorf("identity fields wrong: %+v", bid)
	}
}

func TestHandleDepthMessageIgnoresAcks(t *testing.T) {
	cfg := testConfig()
	ch := channel.NewChannels(1, 1)
	defer ch.Close()
	r := NewDepthReader(cfg, ch)
	r.ctx = context.Background()

	var parser fastjson.Parser
	if err := r.handleMessage(&parser, []byte(`{"result":null,"id":1}`)); err != nil {
		t.Fatalf("subscription ack should be ignored: %v", err)
	}
	if len(ch.Depth) != 0 {
		t.Fatal("ack must not produce depth updates")
	}
}

func TestSnapshotLoader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Query().Get("symbol") != "BTCUSDT" {
			t.Errorf("unexpected symbol query: %s", req.URL.RawQuery)
		}
		w.Write([]byte(`{
			"lastUpdateId": 160,
			"bids": [["63999.5", "2.5"]],
			"asks": [["64000.1", "1.0"], ["64001.0", "0.5"]]
		}`))
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Source.Binance.Snapshot = appconfig.SnapshotBootstrapping{
		RestURL:        srv.URL,
		Limit:          100,
		RequestsPerSec: 100,
		Burst:          1,
	}

	ch := channel.NewChannels(8, 8)
	defer ch.Close()
	l := NewSnapshotLoader(cfg, ch)
	if err := l.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}

	ask := <-ch.Depth
	if ask.Side != models.SideAsk || len(ask.Levels) != 2 {
		t.Fatalf("expected two ask levels: %+v", ask)
	}
	bid := <-ch.Depth
	if bid.Side != models.SideBid || len(bid.Levels) != 1 {
		t.Fatalf("expected one bid level: %+v", bid)
	}
	if !bid.Levels[0].Quantity.Equal(decimal.RequireFromString("2.5")) {
		t.Errorf("bid quantity = %s", bid.Levels[0].Quantity)
	}
}
