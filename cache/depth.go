package cache

import (
	"context"

	"github.com/redis/go-redis/v9"

	"quantflow/ecode"
	"quantflow/internal/keys"
	"quantflow/models"
)

// The top-of-book read must see the price ranking and the per-price
// quantities as one consistent view. Both sub-reads therefore run inside a
// single server-side script: Redis executes scripts atomically, so a
// concurrent writer can never interleave between the ZRANGE and the HGETs.
const askRangeScript = `local prices = redis.call('ZRANGE', KEYS[1], 0, tonumber(ARGV[1]) - 1)
local ret = {}
for _, p in ipairs(prices) do
    local q = redis.call('HGET', KEYS[2], p)
    if q then
        table.insert(ret, {p, q})
    end
end
return ret`

const bidRangeScript = `local prices = redis.call('ZREVRANGE', KEYS[1], 0, tonumber(ARGV[1]) - 1)
local ret = {}
for _, p in ipairs(prices) do
    local q = redis.call('HGET', KEYS[2], p)
    if q then
        table.insert(ret, {p, q})
    end
end
return ret`

// TopAsks returns up to the configured number of ask levels for a symbol,
// best (lowest) price first. Fewer levels than configured are returned as
// is, without padding.
func (s *Store) TopAsks(ctx context.Context, market, symbol string) ([]models.PriceLevel, error) {
	zkey := keys.DepthAskZ(market, symbol)
	hkey := keys.DepthAskH(market, symbol)
	return s.rangeSide(ctx, s.askScript, zkey, hkey)
}

// TopBids returns up to the configured number of bid levels for a symbol,
// best (highest) price first.
func (s *Store) TopBids(ctx context.Context, market, symbol string) ([]models.PriceLevel, error) {
	zkey := keys.DepthBidZ(market, symbol)
	hkey := keys.DepthBidH(market, symbol)
	return s.rangeSide(ctx, s.bidScript, zkey, hkey)
}

// Snapshot reads both book sides. Each side is individually atomic; the
// two sides are separate reads and may straddle a write between them.
func (s *Store) Snapshot(ctx context.Context, market, symbol string) (models.DepthSnapshot, error) {
	asks, err := s.TopAsks(ctx, market, symbol)
	if err != nil {
		return models.DepthSnapshot{}, err
	}
	bids, err := s.TopBids(ctx, market, symbol)
	if err != nil {
		return models.DepthSnapshot{}, err
	}
	return models.DepthSnapshot{Market: market, Symbol: symbol, Asks: asks, Bids: bids}, nil
}

func (s *Store) rangeSide(ctx context.Context, script *redis.Script, zkey, hkey string) ([]models.PriceLevel, error) {
	reply, err := script.Run(ctx, s.rdb, []string{zkey, hkey}, s.depthLevels).Result()
	if err != nil {
		return nil, ecode.Wrapf(ecode.ReasonScript, err, "depth range %s", zkey)
	}
	return decodeLevels(reply)
}

// decodeLevels converts the script reply, an array of [price, quantity]
// string pairs, into exact decimal levels.
func decodeLevels(reply interface{}) ([]models.PriceLevel, error) {
	rows, ok := reply.([]interface{})
	if !ok {
		return nil, ecode.Newf(ecode.ReasonDecode, "unexpected depth reply type %T", reply)
	}
	levels := make([]models.PriceLevel, 0, len(rows))
	for _, row := range rows {
		pair, ok := row.([]interface{})
		if !ok || len(pair) != 2 {
			return nil, ecode.Newf(ecode.ReasonDecode, "unexpected depth row %v", row)
		}
		price, ok1 := pair[0].(string)
		quantity, ok2 := pair[1].(string)
		if !ok1 || !ok2 {
			return nil, ecode.Newf(ecode.ReasonDecode, "non-string depth pair %v", pair)
		}
		lvl, err := models.ParseLevel(price, quantity)
		if err != nil {
			return nil, err
		}
		levels = append(levels, lvl)
	}
	return levels, nil
}

// ApplyDepth writes a batch of changed levels for one side of one book.
// The whole batch goes through a transactional pipeline so readers observe
// either the book before or after the batch, never a torn mix. A zero
// quantity removes the price level.
func (s *Store) ApplyDepth(ctx context.Context, u models.DepthUpdate) error {
	if !u.Side.Valid() {
		return ecode.Newf(ecode.ReasonEncoding, "invalid side %q", u.Side)
	}

	var zkey, hkey string
	if u.Side == models.SideAsk {
		zkey = keys.DepthAskZ(u.Market, u.Symbol)
		hkey = keys.DepthAskH(u.Market, u.Symbol)
	} else {
		zkey = keys.DepthBidZ(u.Market, u.Symbol)
		hkey = keys.DepthBidH(u.Market, u.Symbol)
	}

	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, lvl := range u.Levels {
			member := lvl.Price.String()
			if lvl.Quantity.IsZero() {
				pipe.ZRem(ctx, zkey, member)
				pipe.HDel(ctx, hkey, member)
				continue
			}
			// The float score only ranks; the canonical price stays the
			// decimal string used as member and hash field.
			pipe.ZAdd(ctx, zkey, redis.Z{Score: lvl.Price.InexactFloat64(), Member: member})
			pipe.HSet(ctx, hkey, member, lvl.Quantity.String())
		}
		return nil
	})
	if err != nil {
		return ecode.Wrapf(ecode.ReasonRedis, err, "apply depth %s", zkey)
	}
	return nil
}
