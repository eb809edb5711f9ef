package repo

import (
	"context"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"

	"quantflow/ecode"
	"quantflow/logger"
)

const statusActive = 1

// MysqlMarketDao reads market metadata from MySQL.
type MysqlMarketDao struct {
	db  *sqlx.DB
	log *logger.Log
}

// NewMysqlMarketDao opens the metadata database and verifies the
// connection.
func NewMysqlMarketDao(driver, source string) (*MysqlMarketDao, error) {
	db, err := sqlx.Connect(driver, source)
	if err != nil {
		return nil, ecode.Wrapf(ecode.ReasonDB, err, "failed to connect to metadata database")
	}
	return &MysqlMarketDao{db: db, log: logger.GetLogger()}, nil
}

func (d *MysqlMarketDao) Close() error {
	return d.db.Close()
}

func (d *MysqlMarketDao) ActiveMarkets(ctx context.Context) ([]Market, error) {
	var markets []Market
	query := "SELECT id, exchange, market, status FROM cex_market WHERE status = ?"
	if err := d.db.SelectContext(ctx, &markets, query, statusActive); err != nil {
		return nil, ecode.Wrapf(ecode.ReasonDB, err, "failed to query active markets")
	}
	return markets, nil
}

func (d *MysqlMarketDao) ActiveSymbols(ctx context.Context, exchange, market string) ([]MarketSymbol, error) {
	var symbols []MarketSymbol
	query := "SELECT id, exchange, market, symbol, base, quote, status FROM cex_market_symbol WHERE exchange = ? AND market = ? AND status = ?"
	if err := d.db.SelectContext(ctx, &symbols, query, exchange, market, statusActive); err != nil {
		return nil, ecode.Wrapf(ecode.ReasonDB, err, "failed to query active symbols")
	}
	return symbols, nil
}
