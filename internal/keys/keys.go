// Package keys derives the Redis key names shared between the depth cache,
// the stream relay and their consumers. Every function here is pure: the
// same (market, symbol) tuple always maps to the same keys.
package keys

import (
	"fmt"
	"strings"
)

// DepthAskZ returns the sorted-set key ranking ask prices for a symbol.
func DepthAskZ(market, symbol string) string {
	return fmt.Sprintf("depth:%s:%s:ask:z", market, strings.ToUpper(symbol))
}

// DepthAskH returns the hash key mapping ask price to quantity.
func DepthAskH(market, symbol string) string {
	return fmt.Sprintf("depth:%s:%s:ask:h", market, strings.ToUpper(symbol))
}

// DepthBidZ returns the sorted-set key ranking bid prices for a symbol.
func DepthBidZ(market, symbol string) string {
	return fmt.Sprintf("depth:%s:%s:bid:z", market, strings.ToUpper(symbol))
}

// DepthBidH returns the hash key mapping bid price to quantity.
func DepthBidH(market, symbol string) string {
	return fmt.Sprintf("depth:%s:%s:bid:h", market, strings.ToUpper(symbol))
}

// ForceOrderStream returns the stream key for forced-liquidation events.
func ForceOrderStream(exchange, market, symbol string) string {
	return fmt.Sprintf("ta:force_order:%s:%s:%s", exchange, market, strings.ToUpper(symbol))
}

// KlineStream returns the stream key for closed-candle events of one
// symbol and interval.
func KlineStream(exchange, market, symbol, interval string) string {
	return fmt.Sprintf("ta:kline:%s:%s:%s:%s", exchange, market, strings.ToUpper(symbol), interval)
}
