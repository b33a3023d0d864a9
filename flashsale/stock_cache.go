package flashsale

import (
	"context"
	"fmt"
	"strconv"

	"github.com/shopmesh/shopmesh"
)

// Lua bodies run server-side so each stock/bucket mutation is atomic. These are the
// only writers of the stock and token-bucket keys outside the reconciler's ForceSet.

// KEYS: [1] stock, [2] sold, [3] sold_out. ARGV: [1] total, [2] force (0/1).
// Returns 1 when warmed, 0 when already warm and not forced.
const warmupScript = `
if tonumber(ARGV[2]) == 0 and redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('SET', KEYS[1], ARGV[1])
redis.call('SET', KEYS[2], '0')
redis.call('DEL', KEYS[3])
return 1
`

// KEYS: [1] stock, [2] sold, [3] sold_out. ARGV: [1] qty.
// Returns {code, remaining, sold}. code: 0=ok, 1=sold_out flag set, 2=insufficient
// stock, 3=not warmed. Sets the sold_out flag when stock reaches zero.
const deductScript = `
if redis.call('EXISTS', KEYS[3]) == 1 then
	return {1, 0, tonumber(redis.call('GET', KEYS[2]) or '0')}
end
local stock = redis.call('GET', KEYS[1])
if not stock then
	return {3, 0, 0}
end
stock = tonumber(stock)
local qty = tonumber(ARGV[1])
local sold = tonumber(redis.call('GET', KEYS[2]) or '0')
if stock < qty then
	if stock == 0 then
		redis.call('SET', KEYS[3], '1')
	end
	return {2, stock, sold}
end
local remaining = redis.call('DECRBY', KEYS[1], qty)
sold = redis.call('INCRBY', KEYS[2], qty)
if remaining == 0 then
	redis.call('SET', KEYS[3], '1')
end
return {0, remaining, sold}
`

// KEYS: [1] stock, [2] sold, [3] sold_out. ARGV: [1] qty.
// Returns {remaining, sold}. Clamps sold at zero and clears the sold_out flag since
// restored stock is saleable again.
const rollbackScript = `
local remaining = redis.call('INCRBY', KEYS[1], ARGV[1])
local sold = redis.call('DECRBY', KEYS[2], ARGV[1])
if sold < 0 then
	redis.call('SET', KEYS[2], '0')
	sold = 0
end
redis.call('DEL', KEYS[3])
return {remaining, sold}
`

// KEYS: [1] tokens, [2] last_refill, [3] sold_out, [4] rate, [5] capacity.
// ARGV: [1] default rate, [2] default capacity, [3] now (unix seconds), [4] floor.
// Returns {granted, tokens}. Lazy bucket: refill by elapsed*rate capped at capacity,
// then take one token. Negative tokens are queue depth, clamped at the floor.
const acquireScript = `
if redis.call('EXISTS', KEYS[3]) == 1 then
	return {-1, 0}
end
local rate = tonumber(redis.call('GET', KEYS[4]) or ARGV[1])
local cap = tonumber(redis.call('GET', KEYS[5]) or ARGV[2])
local now = tonumber(ARGV[3])
local floor = tonumber(ARGV[4])
local tokens = tonumber(redis.call('GET', KEYS[1]) or cap)
local last = tonumber(redis.call('GET', KEYS[2]) or now)
local refill = math.floor((now - last) * rate)
if refill > 0 then
	tokens = tokens + refill
	if tokens > cap then
		tokens = cap
	end
	redis.call('SET', KEYS[2], now)
end
tokens = tokens - 1
if tokens < floor then
	tokens = floor
end
redis.call('SET', KEYS[1], tokens)
if tokens >= 0 then
	return {1, tokens}
end
return {0, tokens}
`

// redisStockCache implements StockCache and AdmissionCache over the shared fast store.
type redisStockCache struct {
	cache shopmesh.Cache
}

// NewStockCache returns the fast-store backed stock cells and token buckets.
func NewStockCache(cache shopmesh.Cache) interface {
	StockCache
	AdmissionCache
} {
	return &redisStockCache{cache: cache}
}

func (r *redisStockCache) Warmup(ctx context.Context, sku string, total int64, force bool) (bool, error) {
	f := 0
	if force {
		f = 1
	}
	res, err := r.cache.Eval(ctx, warmupScript,
		[]string{stockKey(sku), soldKey(sku), soldOutKey(sku)}, total, f)
	if err != nil {
		return false, err
	}
	n, ok := res.(int64)
	if !ok {
		return false, fmt.Errorf("unexpected warmup script result %v", res)
	}
	return n == 1, nil
}

func (r *redisStockCache) Deduct(ctx context.Context, sku string, qty int64) (deductCode, int64, int64, error) {
	res, err := r.cache.Eval(ctx, deductScript,
		[]string{stockKey(sku), soldKey(sku), soldOutKey(sku)}, qty)
	if err != nil {
		return deductNotWarmed, 0, 0, err
	}
	vals, err := scriptInts(res, 3)
	if err != nil {
		return deductNotWarmed, 0, 0, err
	}
	switch vals[0] {
	case 0:
		return deductOK, vals[1], vals[2], nil
	case 1:
		return deductSoldOut, vals[1], vals[2], nil
	case 2:
		return deductInsufficient, vals[1], vals[2], nil
	default:
		return deductNotWarmed, 0, 0, nil
	}
}

func (r *redisStockCache) Rollback(ctx context.Context, sku string, qty int64) (int64, int64, error) {
	res, err := r.cache.Eval(ctx, rollbackScript,
		[]string{stockKey(sku), soldKey(sku), soldOutKey(sku)}, qty)
	if err != nil {
		return 0, 0, err
	}
	vals, err := scriptInts(res, 2)
	if err != nil {
		return 0, 0, err
	}
	return vals[0], vals[1], nil
}

func (r *redisStockCache) Stock(ctx context.Context, sku string) (int64, int64, bool, error) {
	found, s, err := r.cache.Get(ctx, stockKey(sku))
	if err != nil {
		return 0, 0, false, err
	}
	if !found {
		return 0, 0, false, nil
	}
	remaining, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, 0, false, err
	}
	var sold int64
	if found, s, err = r.cache.Get(ctx, soldKey(sku)); err != nil {
		return 0, 0, false, err
	} else if found {
		if sold, err = strconv.ParseInt(s, 10, 64); err != nil {
			return 0, 0, false, err
		}
	}
	return remaining, sold, true, nil
}

func (r *redisStockCache) MarkSoldOut(ctx context.Context, sku string) error {
	return r.cache.Set(ctx, soldOutKey(sku), "1", 0)
}

func (r *redisStockCache) Teardown(ctx context.Context, sku string) error {
	_, err := r.cache.Delete(ctx, []string{
		stockKey(sku), soldKey(sku), soldOutKey(sku),
	})
	return err
}

func (r *redisStockCache) ForceSet(ctx context.Context, sku string, remaining int64, sold int64) error {
	if err := r.cache.Set(ctx, stockKey(sku), strconv.FormatInt(remaining, 10), 0); err != nil {
		return err
	}
	return r.cache.Set(ctx, soldKey(sku), strconv.FormatInt(sold, 10), 0)
}

func (r *redisStockCache) TryAcquire(ctx context.Context, sku string, rate float64, capacity int64, floor int64) (bool, int64, bool, error) {
	res, err := r.cache.Eval(ctx, acquireScript,
		[]string{bucketKey(sku), bucketLastKey(sku), soldOutKey(sku), bucketRateKey(sku), bucketCapKey(sku)},
		rate, capacity, shopmesh.Now().Unix(), floor)
	if err != nil {
		return false, 0, false, err
	}
	vals, err := scriptInts(res, 2)
	if err != nil {
		return false, 0, false, err
	}
	if vals[0] == -1 {
		return false, 0, true, nil
	}
	return vals[0] == 1, vals[1], false, nil
}

func (r *redisStockCache) ConfigureBucket(ctx context.Context, sku string, rate float64, capacity int64) error {
	if err := r.cache.Set(ctx, bucketRateKey(sku), strconv.FormatFloat(rate, 'f', -1, 64), 0); err != nil {
		return err
	}
	return r.cache.Set(ctx, bucketCapKey(sku), strconv.FormatInt(capacity, 10), 0)
}

func (r *redisStockCache) DropBucket(ctx context.Context, sku string) error {
	_, err := r.cache.Delete(ctx, []string{
		bucketKey(sku), bucketLastKey(sku), bucketRateKey(sku), bucketCapKey(sku),
	})
	return err
}

// scriptInts coerces a Lua array reply into n int64s.
func scriptInts(res interface{}, n int) ([]int64, error) {
	arr, ok := res.([]interface{})
	if !ok || len(arr) < n {
		return nil, fmt.Errorf("unexpected script result %v", res)
	}
	out := make([]int64, n)
	for i := 0; i < n; i++ {
		v, ok := arr[i].(int64)
		if !ok {
			return nil, fmt.Errorf("unexpected script result element %v", arr[i])
		}
		out[i] = v
	}
	return out, nil
}
