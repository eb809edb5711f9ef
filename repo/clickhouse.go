package repo

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/shopspring/decimal"

	"quantflow/ecode"
	"quantflow/logger"
	"quantflow/models"
)

// ClickhouseKlineRepo persists finalized candles into per-market kline
// tables (kline_<market>). Decimal columns are written as strings so the
// server-side Decimal types keep full precision.
type ClickhouseKlineRepo struct {
	conn driver.Conn
	log  *logger.Log
}

func NewClickhouseKlineRepo(addr, database, username, password string) (*ClickhouseKlineRepo, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: database,
			Username: username,
			Password: password,
		},
	})
	if err != nil {
		return nil, ecode.Wrapf(ecode.ReasonClickhouse, err, "failed to open clickhouse connection")
	}
	if err := conn.Ping(context.Background()); err != nil {
		return nil, ecode.Wrapf(ecode.ReasonClickhouse, err, "clickhouse ping failed")
	}
	return &ClickhouseKlineRepo{conn: conn, log: logger.GetLogger()}, nil
}

func (r *ClickhouseKlineRepo) Close() error {
	return r.conn.Close()
}

func (r *ClickhouseKlineRepo) InsertKline(ctx context.Context, market string, klines []models.KlineEvent) error {
	if len(klines) == 0 {
		return nil
	}

	query := fmt.Sprintf("INSERT INTO kline_%s"+
		" (exchange, id, event, symbol, start_time, end_time, `interval`, first_trade_id, last_trade_id,"+
		" open, close, high, low, volume, trade_num, quote_volume, active_buy_volume, active_buy_quote_volume)",
		market)
	batch, err := r.conn.PrepareBatch(ctx, query)
	if err != nil {
		return ecode.Wrapf(ecode.ReasonClickhouse, err, "failed to prepare kline batch")
	}

	for _, k := range klines {
		err := batch.Append(
			k.Exchange,
			k.ID,
			k.Event,
			k.Symbol,
			k.StartTime,
			k.EndTime,
			k.Interval,
			k.FirstTradeID,
			k.LastTradeID,
			k.Open.String(),
			k.Close.String(),
			k.High.String(),
			k.Low.String(),
			k.Volume.String(),
			k.TradeNum,
			k.QuoteVolume.String(),
			k.ActiveBuyVolume.String(),
			k.ActiveBuyQuoteVolume.String(),
		)
		if err != nil {
			return ecode.Wrapf(ecode.ReasonClickhouse, err, "failed to append kline row")
		}
	}

	if err := batch.Send(); err != nil {
		return ecode.Wrapf(ecode.ReasonClickhouse, err, "failed to send kline batch")
	}
	return nil
}

// FetchKlineLimit returns the most recent candles for a symbol, newest
// first.
func (r *ClickhouseKlineRepo) FetchKlineLimit(ctx context.Context, market, symbol, interval string, limit int) ([]models.KlineEvent, error) {
	query := fmt.Sprintf("SELECT exchange, id, event, symbol, start_time, end_time, `interval`,"+
		" first_trade_id, last_trade_id,"+
		" toString(open), toString(close), toString(high), toString(low), toString(volume),"+
		" trade_num, toString(quote_volume), toString(active_buy_volume), toString(active_buy_quote_volume)"+
		" FROM kline_%s WHERE symbol = ? AND `interval` = ?"+
		" ORDER BY end_time DESC LIMIT ?", market)

	rows, err := r.conn.Query(ctx, query, symbol, interval, limit)
	if err != nil {
		return nil, ecode.Wrapf(ecode.ReasonClickhouse, err, "failed to query klines")
	}
	defer rows.Close()

	var out []models.KlineEvent
	for rows.Next() {
		var (
			k    models.KlineEvent
			decs [8]string
		)
		err := rows.Scan(
			&k.Exchange, &k.ID, &k.Event, &k.Symbol, &k.StartTime, &k.EndTime, &k.Interval,
			&k.FirstTradeID, &k.LastTradeID,
			&decs[0], &decs[1], &decs[2], &decs[3], &decs[4],
			&k.TradeNum, &decs[5], &decs[6], &decs[7],
		)
		if err != nil {
			return nil, ecode.Wrapf(ecode.ReasonClickhouse, err, "failed to scan kline row")
		}
		k.Market = market
		dsts := []*decimal.Decimal{
			&k.Open, &k.Close, &k.High, &k.Low, &k.Volume,
			&k.QuoteVolume, &k.ActiveBuyVolume, &k.ActiveBuyQuoteVolume,
		}
		for i, dst := range dsts {
			if *dst, err = decimal.NewFromString(decs[i]); err != nil {
				return nil, ecode.Wrapf(ecode.ReasonDecimal, err, "bad decimal column in kline row")
			}
		}
		out = append(out, k)
	}
	if err := rows.Err(); err != nil {
		return nil, ecode.Wrapf(ecode.ReasonClickhouse, err, "kline row iteration failed")
	}
	return out, nil
}
