package oracle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/betbot/pairguard/internal/events"
)

var (
	testGovernance = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	testGuardian   = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	testStranger   = common.HexToAddress("0x00000000000000000000000000000000000000c3")
)

// mockPool 模拟一个常数乘积池：trade() 按旧价格累积 price*dt 后切换储备
type mockPool struct {
	r0, r1 *uint256.Int
	ts     uint32
	c0, c1 *uint256.Int
}

func newMockPool(ts uint32, r0, r1 uint64) *mockPool {
	return &mockPool{
		r0: new(uint256.Int).Mul(uint256.NewInt(r0), uint256.NewInt(1e18)),
		r1: new(uint256.Int).Mul(uint256.NewInt(r1), uint256.NewInt(1e18)),
		ts: ts,
		c0: new(uint256.Int),
		c1: new(uint256.Int),
	}
}

// trade 在 at 时刻把储备切到 (r0, r1)，此前区间按旧价格累积
func (p *mockPool) trade(at uint32, r0, r1 uint64) {
	dt := uint256.NewInt(uint64(at - p.ts))
	f0, _ := instantFractionQ112(p.r0, p.r1, Side0)
	f1, _ := instantFractionQ112(p.r0, p.r1, Side1)
	p.c0.Add(p.c0, f0.Mul(f0, dt))
	p.c1.Add(p.c1, f1.Mul(f1, dt))
	p.r0 = new(uint256.Int).Mul(uint256.NewInt(r0), uint256.NewInt(1e18))
	p.r1 = new(uint256.Int).Mul(uint256.NewInt(r1), uint256.NewInt(1e18))
	p.ts = at
}

func (p *mockPool) GetReserves(context.Context) (*uint256.Int, *uint256.Int, uint32, error) {
	return new(uint256.Int).Set(p.r0), new(uint256.Int).Set(p.r1), p.ts, nil
}

func (p *mockPool) Price0CumulativeLast(context.Context) (*uint256.Int, error) {
	return new(uint256.Int).Set(p.c0), nil
}

func (p *mockPool) Price1CumulativeLast(context.Context) (*uint256.Int, error) {
	return new(uint256.Int).Set(p.c1), nil
}

func testConfig() Config {
	return Config{
		Side:            Side0,
		MinTwapInterval: 900,
		Decimals:        18,
		Governance:      testGovernance,
		Guardian:        testGuardian,
		MaxCeilingBps:   20000,
		MinCeilingBps:   5000,
	}
}

// newTestOracle builds an oracle over the mock pool with an injectable clock.
// The returned setNow moves the oracle's view of "now" (unix seconds).
func newTestOracle(t *testing.T, pool *mockPool, cfg Config) (*Oracle, func(uint32)) {
	t.Helper()
	o, err := New(context.Background(), cfg, pool, events.NopSink{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	current := pool.ts
	o.now = func() time.Time { return time.Unix(int64(current), 0) }
	return o, func(ts uint32) { current = ts }
}

func TestSeedAndUpdateSequence(t *testing.T) {
	t0 := uint32(1_700_000_000)
	pool := newMockPool(t0, 1000, 2000)
	o, setNow := newTestOracle(t, pool, testConfig())

	if got := o.Sequence(); got != 1 {
		t.Fatalf("seeded sequence got=%d want=1", got)
	}

	// Still fresh: update must be a benign no-op.
	setNow(t0 + 100)
	ok, err := o.Update(context.Background())
	if err != nil || ok {
		t.Fatalf("fresh update got ok=%v err=%v, want false nil", ok, err)
	}

	// One second past the interval, and reserves moved since the seed.
	pool.trade(t0+901, 1000, 2100)
	setNow(t0 + 901)
	ok, err = o.Update(context.Background())
	if err != nil || !ok {
		t.Fatalf("stale update got ok=%v err=%v, want true nil", ok, err)
	}
	if got := o.Sequence(); got != 2 {
		t.Fatalf("sequence after update got=%d want=2", got)
	}

	// Immediately again: Fresh, so false.
	ok, err = o.Update(context.Background())
	if err != nil || ok {
		t.Fatalf("immediate re-update got ok=%v err=%v, want false nil", ok, err)
	}
	if got := o.Sequence(); got != 2 {
		t.Fatalf("sequence must not move on no-op update, got=%d", got)
	}
}

func TestTWAPKnownWindow(t *testing.T) {
	t0 := uint32(1_700_000_000)
	pool := newMockPool(t0, 1000, 2000)
	o, setNow := newTestOracle(t, pool, testConfig())

	// Overwrite the seeded observation with a zero cumulative at t0, then
	// hand the pool a cumulative of 1_000_000 * 2^112 at t0+1000.
	o.ring = observationRing{}
	o.ring.append(Observation{
		Timestamp:        t0,
		Price0Cumulative: new(uint256.Int),
		Price1Cumulative: new(uint256.Int),
	})
	pool.c0 = new(uint256.Int).Lsh(uint256.NewInt(1_000_000), 112)
	pool.ts = t0 + 1000
	setNow(t0 + 1000)

	raw, err := o.twapRaw(context.Background(), Side0, 0, o.now32())
	if err != nil {
		t.Fatalf("twapRaw: %v", err)
	}
	want := new(uint256.Int).Lsh(uint256.NewInt(1_000_000), 112)
	want.Div(want, uint256.NewInt(1000))
	if raw.Cmp(want) != 0 {
		t.Fatalf("raw twap got=%s want=%s", raw.Hex(), want.Hex())
	}
}

func TestTWAPCumulativeWraparound(t *testing.T) {
	t0 := uint32(1_700_000_000)
	pool := newMockPool(t0, 1000, 2000)
	o, setNow := newTestOracle(t, pool, testConfig())

	// Previous cumulative sits just under 2^256; the pool's current value has
	// wrapped past zero. The wrapping difference must still be exact.
	prev := new(uint256.Int).SetAllOne()
	prev.Sub(prev, new(uint256.Int).Lsh(uint256.NewInt(500), 112))
	o.ring = observationRing{}
	o.ring.append(Observation{
		Timestamp:        t0,
		Price0Cumulative: prev,
		Price1Cumulative: new(uint256.Int),
	})

	delta := new(uint256.Int).Lsh(uint256.NewInt(2_000_000), 112)
	pool.c0 = new(uint256.Int).Add(prev, delta) // wraps mod 2^256
	pool.ts = t0 + 1000
	setNow(t0 + 1000)

	raw, err := o.twapRaw(context.Background(), Side0, 0, o.now32())
	if err != nil {
		t.Fatalf("twapRaw: %v", err)
	}
	want := new(uint256.Int).Div(delta, uint256.NewInt(1000))
	if raw.Cmp(want) != 0 {
		t.Fatalf("wrapped twap got=%s want=%s", raw.Hex(), want.Hex())
	}
}

func TestTWAPWindowTooShortAndFallback(t *testing.T) {
	t0 := uint32(1_700_000_000)
	pool := newMockPool(t0, 1000, 2000)
	o, setNow := newTestOracle(t, pool, testConfig())

	// Single seeded observation, only 100s old: the fallback needs a second
	// observation, so this is insufficient history.
	setNow(t0 + 100)
	if _, err := o.TWAP(context.Background()); !errors.Is(err, ErrInsufficientHistory) {
		t.Fatalf("fresh single observation: got %v want ErrInsufficientHistory", err)
	}

	// Once the single observation is a full window old it must be usable on
	// its own: one stored observation plus the projected pool state.
	setNow(t0 + 1000)
	if _, err := o.TWAP(context.Background()); err != nil {
		t.Fatalf("single old observation should be enough: %v", err)
	}

	// Record a second, fresh observation; TWAP must fall back to the older one.
	pool.trade(t0+1000, 1000, 2500)
	ok, err := o.Update(context.Background())
	if !ok || err != nil {
		t.Fatalf("update: ok=%v err=%v", ok, err)
	}
	setNow(t0 + 1010)
	if _, err := o.TWAP(context.Background()); err != nil {
		t.Fatalf("fallback to older observation failed: %v", err)
	}
}

func TestPriceClampedByCeiling(t *testing.T) {
	t0 := uint32(1_700_000_000)
	pool := newMockPool(t0, 1000, 2000)
	o, setNow := newTestOracle(t, pool, testConfig())
	setNow(t0 + 1000)

	twap, err := o.TWAP(context.Background())
	if err != nil {
		t.Fatalf("TWAP: %v", err)
	}
	p, err := o.Price(context.Background())
	if err != nil {
		t.Fatalf("Price: %v", err)
	}
	if p.Cmp(twap) != 0 {
		t.Fatalf("unbounded ceiling must report the twap: price=%s twap=%s", p.Dec(), twap.Dec())
	}

	// Force a ceiling below the twap and check the clamp.
	low := new(uint256.Int).Div(twap, uint256.NewInt(2))
	o.mu.Lock()
	o.priceCeiling = low
	o.mu.Unlock()
	p, err = o.Price(context.Background())
	if err != nil {
		t.Fatalf("Price: %v", err)
	}
	if p.Cmp(low) != 0 {
		t.Fatalf("price not clamped: got=%s ceiling=%s", p.Dec(), low.Dec())
	}
	if p.Gt(o.PriceCeiling()) {
		t.Fatalf("price above ceiling")
	}
}

func TestPriceRisesAfterFavorableTrade(t *testing.T) {
	t0 := uint32(1_700_000_000)
	pool := newMockPool(t0, 1000, 2000)
	o, setNow := newTestOracle(t, pool, testConfig())

	t1 := t0 + 1000
	setNow(t1)
	before, err := o.Price(context.Background())
	if err != nil {
		t.Fatalf("Price before: %v", err)
	}

	// token1 reserve rises relative to token0: token0 got more expensive.
	pool.trade(t1, 1000, 2600)
	t2 := t1 + 1000
	setNow(t2)
	ok, err := o.Update(context.Background())
	if !ok || err != nil {
		t.Fatalf("update: ok=%v err=%v", ok, err)
	}
	after, err := o.Price(context.Background())
	if err != nil {
		t.Fatalf("Price after: %v", err)
	}
	if !after.Gt(before) {
		t.Fatalf("price must strictly increase: before=%s after=%s", before.Dec(), after.Dec())
	}
}

func TestWorkableEligibility(t *testing.T) {
	t0 := uint32(1_700_000_000)
	pool := newMockPool(t0, 1000, 2000)
	o, setNow := newTestOracle(t, pool, testConfig())
	threshold := uint256.NewInt(1e15) // 0.1%

	// Not time-eligible yet.
	setNow(t0 + 900)
	ok, err := o.Workable(context.Background(), 0, threshold)
	if err != nil || ok {
		t.Fatalf("not time-eligible: got ok=%v err=%v", ok, err)
	}

	// Time-eligible but no trade since the seed: reserve-ineligible.
	setNow(t0 + 1000)
	ok, err = o.Workable(context.Background(), 0, threshold)
	if err != nil || ok {
		t.Fatalf("reserve-ineligible: got ok=%v err=%v", ok, err)
	}

	// A trade moved the price by ~25%: all three conditions hold.
	pool.trade(t0+1000, 1000, 2500)
	setNow(t0 + 1001)
	ok, err = o.Workable(context.Background(), 0, threshold)
	if err != nil || !ok {
		t.Fatalf("workable: got ok=%v err=%v", ok, err)
	}

	// Same state but an absurd deviation threshold: not deviation-eligible.
	huge := new(uint256.Int).Mul(uint256.NewInt(1e18), uint256.NewInt(100))
	ok, err = o.Workable(context.Background(), 0, huge)
	if err != nil || ok {
		t.Fatalf("deviation-ineligible: got ok=%v err=%v", ok, err)
	}

	// minPeriod larger than the elapsed time wins over minTwapInterval.
	ok, err = o.Workable(context.Background(), 3600, threshold)
	if err != nil || ok {
		t.Fatalf("minPeriod dominates: got ok=%v err=%v", ok, err)
	}
}

func TestTimeSinceLastUpdate(t *testing.T) {
	t0 := uint32(1_700_000_000)
	pool := newMockPool(t0, 1000, 2000)
	o, setNow := newTestOracle(t, pool, testConfig())
	setNow(t0 + 123)
	got, err := o.TimeSinceLastUpdate()
	if err != nil {
		t.Fatalf("TimeSinceLastUpdate: %v", err)
	}
	if got != 123 {
		t.Fatalf("got=%d want=123", got)
	}
}

func TestSetPriceCeilingBand(t *testing.T) {
	t0 := uint32(1_700_000_000)
	pool := newMockPool(t0, 1000, 2000)
	o, setNow := newTestOracle(t, pool, testConfig())
	setNow(t0 + 1000)
	ctx := context.Background()

	cur, err := o.Price(ctx)
	if err != nil {
		t.Fatalf("Price: %v", err)
	}
	lower := bandAbove(cur, 5000)  // cur * 1.5
	upper := bandAbove(cur, 20000) // cur * 3

	// Exactly at either boundary must succeed.
	if err := o.SetPriceCeiling(ctx, testGuardian, lower); err != nil {
		t.Fatalf("lower boundary rejected: %v", err)
	}
	// Price is still cur (twap unchanged, ceiling above it), so upper is
	// computed against the same current price.
	if err := o.SetPriceCeiling(ctx, testGuardian, upper); err != nil {
		t.Fatalf("upper boundary rejected: %v", err)
	}

	below := new(uint256.Int).Sub(lower, uint256.NewInt(1))
	if err := o.SetPriceCeiling(ctx, testGuardian, below); !errors.Is(err, ErrBoundViolation) {
		t.Fatalf("below band: got %v want ErrBoundViolation", err)
	}
	above := new(uint256.Int).Add(upper, uint256.NewInt(1))
	if err := o.SetPriceCeiling(ctx, testGuardian, above); !errors.Is(err, ErrBoundViolation) {
		t.Fatalf("above band: got %v want ErrBoundViolation", err)
	}

	// Wrong role.
	if err := o.SetPriceCeiling(ctx, testGovernance, lower); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("governance must not move the ceiling: got %v", err)
	}
}

func TestBpsPairInvariant(t *testing.T) {
	t0 := uint32(1_700_000_000)
	pool := newMockPool(t0, 1000, 2000)
	o, _ := newTestOracle(t, pool, testConfig())

	if err := o.SetMaxBPCeiling(testGovernance, 4999); !errors.Is(err, ErrBoundViolation) {
		t.Fatalf("max below min must fail: got %v", err)
	}
	if err := o.SetMinBPCeiling(testGovernance, 20001); !errors.Is(err, ErrBoundViolation) {
		t.Fatalf("min above max must fail: got %v", err)
	}
	if err := o.SetMaxBPCeiling(testGovernance, 30000); err != nil {
		t.Fatalf("valid max rejected: %v", err)
	}
	if err := o.SetMinBPCeiling(testGovernance, 30000); err != nil {
		t.Fatalf("min == max must be allowed: %v", err)
	}
	if err := o.SetMaxBPCeiling(testGuardian, 30000); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("guardian must not tune bounds: got %v", err)
	}
}

func TestSetGuardian(t *testing.T) {
	t0 := uint32(1_700_000_000)
	pool := newMockPool(t0, 1000, 2000)
	o, _ := newTestOracle(t, pool, testConfig())

	if err := o.SetGuardian(testGuardian, testStranger); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("guardian must not reassign itself: got %v", err)
	}
	if err := o.SetGuardian(testGovernance, testStranger); err != nil {
		t.Fatalf("SetGuardian: %v", err)
	}
	if got := o.Guardian(); got != testStranger {
		t.Fatalf("guardian got=%s want=%s", got.Hex(), testStranger.Hex())
	}
}

func TestZeroReserves(t *testing.T) {
	t0 := uint32(1_700_000_000)
	pool := newMockPool(t0, 1000, 2000)
	o, setNow := newTestOracle(t, pool, testConfig())
	pool.r0 = new(uint256.Int)
	setNow(t0 + 1000)
	if _, err := o.TWAP(context.Background()); !errors.Is(err, ErrZeroReserves) {
		t.Fatalf("got %v want ErrZeroReserves", err)
	}
}
