package models

import (
	"strconv"

	"github.com/shopspring/decimal"

	"quantflow/ecode"
)

// StreamEntry is one durable log entry: the store-assigned entry id plus
// the string field mapping that was appended. The entry id orders the log;
// any application-level id lives inside Fields.
type StreamEntry struct {
	ID     string
	Fields map[string]string
}

// KlineEvent is a closed candle. Numeric fields are decimals end to end;
// they cross the stream as decimal strings so nothing is squeezed through
// a float on the way.
type KlineEvent struct {
	Exchange             string
	Market               string
	ID                   int64
	Event                string
	Symbol               string
	StartTime            int64
	EndTime              int64
	Interval             string
	FirstTradeID         int64
	LastTradeID          int64
	Open                 decimal.Decimal
	Close                decimal.Decimal
	High                 decimal.Decimal
	Low                  decimal.Decimal
	Volume               decimal.Decimal
	TradeNum             int64
	QuoteVolume          decimal.Decimal
	ActiveBuyVolume      decimal.Decimal
	ActiveBuyQuoteVolume decimal.Decimal
}

// Fields returns the stream field mapping for the event. Every value is a
// string-encoded scalar.
func (k KlineEvent) Fields() map[string]string {
	return map[string]string{
		"exchange":                k.Exchange,
		"market":                  k.Market,
		"id":                      strconv.FormatInt(k.ID, 10),
		"event":                   k.Event,
		"symbol":                  k.Symbol,
		"start_time":              strconv.FormatInt(k.StartTime, 10),
		"end_time":                strconv.FormatInt(k.EndTime, 10),
		"interval":                k.Interval,
		"first_trade_id":          strconv.FormatInt(k.FirstTradeID, 10),
		"last_trade_id":           strconv.FormatInt(k.LastTradeID, 10),
		"open":                    k.Open.String(),
		"close":                   k.Close.String(),
		"high":                    k.High.String(),
		"low":                     k.Low.String(),
		"volume":                  k.Volume.String(),
		"trade_num":               strconv.FormatInt(k.TradeNum, 10),
		"quote_volume":            k.QuoteVolume.String(),
		"active_buy_volume":       k.ActiveBuyVolume.String(),
		"active_buy_quote_volume": k.ActiveBuyQuoteVolume.String(),
	}
}

// KlineEventFromFields decodes a stream field mapping back into a
// KlineEvent. Missing numeric fields decode as zero; malformed ones are a
// decode error.
func KlineEventFromFields(fields map[string]string) (KlineEvent, error) {
	var (
		k   KlineEvent
		err error
	)
	k.Exchange = fields["exchange"]
	k.Market = fields["market"]
	k.Event = fields["event"]
	k.Symbol = fields["symbol"]
	k.Interval = fields["interval"]

	ints := []struct {
		dst *int64
		key string
	}{
		{&k.ID, "id"},
		{&k.StartTime, "start_time"},
		{&k.EndTime, "end_time"},
		{&k.FirstTradeID, "first_trade_id"},
		{&k.LastTradeID, "last_trade_id"},
		{&k.TradeNum, "trade_num"},
	}
	for _, f := range ints {
		if *f.dst, err = parseInt(fields, f.key); err != nil {
			return KlineEvent{}, err
		}
	}

	decs := []struct {
		dst *decimal.Decimal
		key string
	}{
		{&k.Open, "open"},
		{&k.Close, "close"},
		{&k.High, "high"},
		{&k.Low, "low"},
		{&k.Volume, "volume"},
		{&k.QuoteVolume, "quote_volume"},
		{&k.ActiveBuyVolume, "active_buy_volume"},
		{&k.ActiveBuyQuoteVolume, "active_buy_quote_volume"},
	}
	for _, f := range decs {
		if *f.dst, err = parseDecimal(fields, f.key); err != nil {
			return KlineEvent{}, err
		}
	}
	return k, nil
}

// ForceOrderEvent aggregates forced-liquidation volume for one symbol.
type ForceOrderEvent struct {
	Exchange          string
	Market            string
	Symbol            string
	Base              string
	Quote             string
	TotalBuyQuantity  decimal.Decimal
	TotalSellQuantity decimal.Decimal
}

// Fields returns the stream field mapping for the event.
func (f ForceOrderEvent) Fields() map[string]string {
	return map[string]string{
		"exchange":            f.Exchange,
		"market":              f.Market,
		"symbol":              f.Symbol,
		"base":                f.Base,
		"quote":               f.Quote,
		"total_buy_quantity":  f.TotalBuyQuantity.String(),
		"total_sell_quantity": f.TotalSellQuantity.String(),
	}
}

// ForceOrderEventFromFields decodes a stream field mapping back into a
// ForceOrderEvent.
func ForceOrderEventFromFields(fields map[string]string) (ForceOrderEvent, error) {
	var (
		f   ForceOrderEvent
		err error
	)
	f.Exchange = fields["exchange"]
	f.Market = fields["market"]
	f.Symbol = fields["symbol"]
	f.Base = fields["base"]
	f.Quote = fields["quote"]
	if f.TotalBuyQuantity, err = parseDecimal(fields, "total_buy_quantity"); err != nil {
		return ForceOrderEvent{}, err
	}
	if f.TotalSellQuantity, err = parseDecimal(fields, "total_sell_quantity"); err != nil {
		return ForceOrderEvent{}, err
	}
	return f, nil
}

// AggTrade is a finalized aggregated trade handed to the analytical sink.
type AggTrade struct {
	Time         int64
	Event        string
	Symbol       string
	AggTradeID   int64
	Price        decimal.Decimal
	Quantity     decimal.Decimal
	FirstTradeID int64
	LastTradeID  int64
	TradeTime    int64
	Maker        bool
}

func parseInt(fields map[string]string, key string) (int64, error) {
	s, ok := fields[key]
	if !ok || s == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, ecode.Wrapf(ecode.ReasonDecode, err, "field %s", key)
	}
	return v, nil
}

func parseDecimal(fields map[string]string, key string) (decimal.Decimal, error) {
	s, ok := fields[key]
	if !ok || s == "" {
		return decimal.Zero, nil
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, ecode.Wrapf(ecode.ReasonDecimal, err, "field %s", key)
	}
	return v, nil
}
