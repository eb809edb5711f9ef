// Package repo holds the storage collaborators around the cache: the
// relational metadata store that decides which markets and symbols are
// live, and the analytical sink that finalized candles drain into.
package repo

import (
	"context"

	"quantflow/models"
)

// Market is one exchange market row from the metadata store.
type Market struct {
	ID       int64  `db:"id"`
	Exchange string `db:"exchange"`
	Market   string `db:"market"`
	Status   int    `db:"status"`
}

// MarketSymbol is one tradable symbol row belonging to a market.
type MarketSymbol struct {
	ID       int64  `db:"id"`
	Exchange string `db:"exchange"`
	Market   string `db:"market"`
	Symbol   string `db:"symbol"`
	Base     string `db:"base"`
	Quote    string `db:"quote"`
	Status   int    `db:"status"`
}

// MarketDao reads market and symbol configuration. Only active rows are
// returned; a disabled row stops being cached and streamed on the next
// reload.
type MarketDao interface {
	ActiveMarkets(ctx context.Context) ([]Market, error)
	ActiveSymbols(ctx context.Context, exchange, market string) ([]MarketSymbol, error)
}

// KlineRepo is the analytical sink for finalized candles.
type KlineRepo interface {
	InsertKline(ctx context.Context, market string, klines []models.KlineEvent) error
	FetchKlineLimit(ctx context.Context, market, symbol, interval string, limit int) ([]models.KlineEvent, error)
}

// AggTradeRepo is the analytical sink for finalized aggregated trades.
type AggTradeRepo interface {
	InsertAggTrade(ctx context.Context, market string, trades []models.AggTrade) error
}
