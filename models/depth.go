package models

import (
	"time"

	"github.com/shopspring/decimal"

	"quantflow/ecode"
)

// Side of the order book.
type Side string

const (
	SideAsk Side = "ask"
	SideBid Side = "bid"
)

// Valid reports whether s is one of the two book sides.
func (s Side) Valid() bool {
	return s == SideAsk || s == SideBid
}

// PriceLevel is one visible level of the order book. Price is the ranking
// key; Quantity is the payload keyed by price. Both are exact decimals so
// no precision is lost between the wire and the cache.
type PriceLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// ParseLevel decodes a price/quantity pair of decimal strings.
func ParseLevel(price, quantity string) (PriceLevel, error) {
	p, err := decimal.NewFromString(price)
	if err != nil {
		return PriceLevel{}, ecode.Wrapf(ecode.ReasonDecimal, err, "parse price %q", price)
	}
	q, err := decimal.NewFromString(quantity)
	if err != nil {
		return PriceLevel{}, ecode.Wrapf(ecode.ReasonDecimal, err, "parse quantity %q", quantity)
	}
	return PriceLevel{Price: p, Quantity: q}, nil
}

// DepthSnapshot is a single atomic view of the top of the book for one
// symbol. Asks are ordered ascending by price, bids descending. It is
// produced fresh on every query and never cached.
type DepthSnapshot struct {
	Market string       `json:"market"`
	Symbol string       `json:"symbol"`
	Asks   []PriceLevel `json:"asks"`
	Bids   []PriceLevel `json:"bids"`
}

// DepthUpdate carries a batch of changed levels for one side of one
// symbol's book from an ingestion reader to the cache writer. A level
// with zero quantity removes the price from the book.
type DepthUpdate struct {
	Exchange  string
	Market    string
	Symbol    string
	Side      Side
	Levels    []PriceLevel
	Timestamp time.Time
}
