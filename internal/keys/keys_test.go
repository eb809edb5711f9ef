package keys

import "testing"

func TestDepthKeysUppercaseSymbol(t *testing.T) {
	if got := DepthAskZ("futures", "btcusdt"); got != "depth:futures:BTCUSDT:ask:z" {
		t.Errorf("unexpected ask z key: %s", got)
	}
	if got := DepthBidH("futures", "ethusdt"); got != "depth:futures:ETHUSDT:bid:h" {
		t.Errorf("unexpected bid h key: %s", got)
	}
}

func TestDepthKeyPairsShareTuple(t *testing.T) {
	// The z and h keys for one (market, symbol, side) must differ only in
	// their suffix so a single tuple derives both.
	z := DepthAskZ("futures", "BTCUSDT")
	h := DepthAskH("futures", "BTCUSDT")
	if z[:len(z)-1] != h[:len(h)-1] {
		t.Errorf("z/h keys diverge beyond suffix: %s vs %s", z, h)
	}
}

func TestStreamKeys(t *testing.T) {
	if got := ForceOrderStream("binance", "futures", "btcusdt"); got != "ta:force_order:binance:futures:BTCUSDT" {
		t.Errorf("unexpected force order key: %s", got)
	}
	if got := KlineStream("binance", "futures", "BTCUSDT", "1m"); got != "ta:kline:binance:futures:BTCUSDT:1m" {
		t.Errorf("unexpected kline key: %s", got)
	}
}

func TestStability(t *testing.T) {
	a := ForceOrderStream("binance", "futures", "BTCUSDT")
	b := ForceOrderStream("binance", "futures", "BTCUSDT")
	if a != b {
		t.Fatalf("key derivation must be stable: %s vs %s", a, b)
	}
}
