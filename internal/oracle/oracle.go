package oracle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/betbot/pairguard/internal/events"
	"github.com/betbot/pairguard/pkg/logger"
)

// Side 表示为哪一侧资产定价。
// Side0: token0 以 token1 计价（使用 price0Cumulative）；Side1 反之。
type Side int

const (
	Side0 Side = iota
	Side1
)

// Pool 池子适配器（只读）。
// 累积价格按 price * dt 单调递增，mod 2^256 回绕是协议本身的设计，
// 这里只用窗口差值，所以回绕是无害且必须保留的。
type Pool interface {
	GetReserves(ctx context.Context) (reserve0, reserve1 *uint256.Int, blockTimestampLast uint32, err error)
	Price0CumulativeLast(ctx context.Context) (*uint256.Int, error)
	Price1CumulativeLast(ctx context.Context) (*uint256.Int, error)
}

const bpsDenominator = 10000

// Config 构造期固定配置（运行期不可变）
type Config struct {
	Side            Side
	MinTwapInterval uint32 // TWAP 最小窗口（秒），不可变
	Decimals        uint8  // 被定价资产的精度，baseUnit = 10^Decimals
	Governance      common.Address
	Guardian        common.Address
	MaxCeilingBps   uint64
	MinCeilingBps   uint64
}

func (c Config) validate() error {
	if c.MinTwapInterval == 0 {
		return fmt.Errorf("minTwapInterval must be positive")
	}
	if c.MaxCeilingBps < c.MinCeilingBps {
		return fmt.Errorf("%w: maxCeilingBps %d < minCeilingBps %d", ErrBoundViolation, c.MaxCeilingBps, c.MinCeilingBps)
	}
	return nil
}

// Oracle 带价格上限保护的 TWAP 预言机（基础变体）。
//
// 所有对外操作在互斥锁内原子完成：要么完整生效，要么完全不改状态；
// "now" 在每次调用开始时采样一次，调用期间视为常量。
type Oracle struct {
	mu   sync.Mutex
	pool Pool
	sink events.Sink

	side        Side
	minInterval uint32
	baseUnit    *uint256.Int

	ring observationRing

	governance common.Address
	guardian   common.Address

	priceCeiling  *uint256.Int
	maxCeilingBps uint64
	minCeilingBps uint64

	// updateGate 额外的 update 准入检查（range-bound 变体注入 ceiling 闸门）。
	// 返回 false 表示本次 update 安静放弃（不是错误）。
	updateGate func(ctx context.Context, now uint32) (bool, error)

	// now 可注入时钟（测试用）；缺省为墙钟
	now func() time.Time
}

// New 创建基础变体并用池子当前状态播种第一条观测。
// 初始 ceiling 为无上限哨兵值（2^256-1）。
func New(ctx context.Context, cfg Config, pool Pool, sink events.Sink) (*Oracle, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if sink == nil {
		sink = events.NopSink{}
	}
	o := &Oracle{
		pool:          pool,
		sink:          sink,
		side:          cfg.Side,
		minInterval:   cfg.MinTwapInterval,
		baseUnit:      pow10(cfg.Decimals),
		governance:    cfg.Governance,
		guardian:      cfg.Guardian,
		priceCeiling:  new(uint256.Int).SetAllOne(),
		maxCeilingBps: cfg.MaxCeilingBps,
		minCeilingBps: cfg.MinCeilingBps,
		now:           time.Now,
	}
	if err := o.seed(ctx); err != nil {
		return nil, err
	}
	return o, nil
}

// seed 用池子当前的累积价格与最后更新时间写入第一条观测
func (o *Oracle) seed(ctx context.Context) error {
	obs, err := o.readPoolObservation(ctx)
	if err != nil {
		return fmt.Errorf("seed observation: %w", err)
	}
	o.ring.append(obs)
	logger.Infof("[oracle] 已播种初始观测: poolTs=%d seq=%d", obs.Timestamp, o.ring.sequence)
	return nil
}

func pow10(n uint8) *uint256.Int {
	out := uint256.NewInt(1)
	ten := uint256.NewInt(10)
	for i := uint8(0); i < n; i++ {
		out.Mul(out, ten)
	}
	return out
}

func (o *Oracle) now32() uint32 {
	// 时间戳取 mod 2^32，回绕是刻意的（与池子的 blockTimestampLast 同构）
	return uint32(o.now().Unix())
}

// readPoolObservation 读取池子当前累积价格与最后更新时间
func (o *Oracle) readPoolObservation(ctx context.Context) (Observation, error) {
	c0, err := o.pool.Price0CumulativeLast(ctx)
	if err != nil {
		return Observation{}, err
	}
	c1, err := o.pool.Price1CumulativeLast(ctx)
	if err != nil {
		return Observation{}, err
	}
	_, _, ts, err := o.pool.GetReserves(ctx)
	if err != nil {
		return Observation{}, err
	}
	return Observation{Timestamp: ts, Price0Cumulative: c0, Price1Cumulative: c1}, nil
}

// currentCumulative 把指定侧的累积价格投影到 now。
// 池子自 blockTimestampLast 起没有交易时，累积值落后于 now，
// 需要按瞬时价格 (reserveOther<<112)/reserveSelf 补到当前时刻。
// 加法按 mod 2^256 回绕（holiman/uint256 本身即回绕语义）。
func (o *Oracle) currentCumulative(ctx context.Context, side Side, now uint32) (*uint256.Int, error) {
	var cum *uint256.Int
	var err error
	if side == Side0 {
		cum, err = o.pool.Price0CumulativeLast(ctx)
	} else {
		cum, err = o.pool.Price1CumulativeLast(ctx)
	}
	if err != nil {
		return nil, err
	}
	cum = new(uint256.Int).Set(cum)

	r0, r1, ts, err := o.pool.GetReserves(ctx)
	if err != nil {
		return nil, err
	}
	if ts == now {
		return cum, nil
	}
	frac, err := instantFractionQ112(r0, r1, side)
	if err != nil {
		return nil, err
	}
	elapsed := now - ts // uint32 回绕减法
	delta := frac.Mul(frac, uint256.NewInt(uint64(elapsed)))
	return cum.Add(cum, delta), nil
}

// instantFractionQ112 瞬时价格的 Q112.112 定点表示: (reserveOther << 112) / reserveSelf
func instantFractionQ112(r0, r1 *uint256.Int, side Side) (*uint256.Int, error) {
	self, other := r0, r1
	if side == Side1 {
		self, other = r1, r0
	}
	if self == nil || self.IsZero() {
		return nil, ErrZeroReserves
	}
	frac := new(uint256.Int).Lsh(other, 112)
	return frac.Div(frac, self), nil
}

// twapRaw 计算原始 Q112.112 TWAP（两阶段降精度之前）。
//
// discard=0 基于最新观测；若该观测距 now 不足一个完整窗口（太新鲜），
// 回退到次新观测，此时要求 sequence > discard+1。
func (o *Oracle) twapRaw(ctx context.Context, side Side, discard uint64, now uint32) (*uint256.Int, error) {
	last, err := o.ring.latest(discard)
	if err != nil {
		return nil, err
	}
	if now-last.Timestamp < o.minInterval {
		last, err = o.ring.latest(discard + 1)
		if err != nil {
			return nil, err
		}
	}
	elapsed := now - last.Timestamp
	if elapsed < o.minInterval {
		return nil, ErrWindowTooShort
	}

	current, err := o.currentCumulative(ctx, side, now)
	if err != nil {
		return nil, err
	}
	prev := last.Price0Cumulative
	if side == Side1 {
		prev = last.Price1Cumulative
	}
	// 回绕减法：窗口内底层累积值即便溢出，差值依旧正确
	diff := new(uint256.Int).Sub(current, prev)
	return diff.Div(diff, uint256.NewInt(uint64(elapsed))), nil
}

// descale 两阶段降精度: raw / 2^56 * baseUnit / 2^56。
// 不能合并成一次 /2^112：先除尽会丢精度，先乘会溢出，顺序必须保持。
func (o *Oracle) descale(raw *uint256.Int) *uint256.Int {
	p := new(uint256.Int).Rsh(raw, 56)
	p.Mul(p, o.baseUnit)
	return p.Rsh(p, 56)
}

// TWAP 返回配置侧经过降精度的时间加权平均价
func (o *Oracle) TWAP(ctx context.Context) (*uint256.Int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.twapLocked(ctx, o.now32())
}

func (o *Oracle) twapLocked(ctx context.Context, now uint32) (*uint256.Int, error) {
	raw, err := o.twapRaw(ctx, o.side, 0, now)
	if err != nil {
		return nil, err
	}
	return o.descale(raw), nil
}

// TWAPOf 指定侧与 discard 的 TWAP（降精度后）
func (o *Oracle) TWAPOf(ctx context.Context, side Side, discard uint64) (*uint256.Int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	raw, err := o.twapRaw(ctx, side, discard, o.now32())
	if err != nil {
		return nil, err
	}
	return o.descale(raw), nil
}

// SpotPrice 瞬时价格（与 TWAP 同一降精度口径）
func (o *Oracle) SpotPrice(ctx context.Context) (*uint256.Int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.spotLocked(ctx)
}

func (o *Oracle) spotLocked(ctx context.Context) (*uint256.Int, error) {
	r0, r1, _, err := o.pool.GetReserves(ctx)
	if err != nil {
		return nil, err
	}
	frac, err := instantFractionQ112(r0, r1, o.side)
	if err != nil {
		return nil, err
	}
	return o.descale(frac), nil
}

// Price 对外报告价: min(TWAP, priceCeiling)
func (o *Oracle) Price(ctx context.Context) (*uint256.Int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.priceLocked(ctx, o.now32())
}

func (o *Oracle) priceLocked(ctx context.Context, now uint32) (*uint256.Int, error) {
	t, err := o.twapLocked(ctx, now)
	if err != nil {
		return nil, err
	}
	if t.Gt(o.priceCeiling) {
		return new(uint256.Int).Set(o.priceCeiling), nil
	}
	return t, nil
}

// Update 状态机 Stale -> Fresh 的迁移。
// 距上一条观测不足 minTwapInterval 时是良性 no-op，返回 (false, nil)，
// 方便 keeper 轮询；成功时追加观测并使 sequence +1。
func (o *Oracle) Update(ctx context.Context) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	now := o.now32()

	if last, err := o.ring.latest(0); err == nil {
		if now-last.Timestamp < o.minInterval {
			return false, nil
		}
	}
	if o.updateGate != nil {
		ok, err := o.updateGate(ctx, now)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}

	obs, err := o.readPoolObservation(ctx)
	if err != nil {
		return false, fmt.Errorf("read pool: %w", err)
	}
	o.ring.append(obs)
	logger.Debugf("[oracle] update: seq=%d poolTs=%d", o.ring.sequence, obs.Timestamp)
	o.sink.Publish(events.ObservationRecordedEvent{
		Sequence:      o.ring.sequence,
		PoolTimestamp: obs.Timestamp,
		Timestamp:     o.now(),
	})
	return true, nil
}

// Workable 只读谓词：update 是否值得执行。
// 三个条件同时满足：时间（超过 max(minPeriod, minTwapInterval)）、
// 储备（池子自上条观测后发生过交易）、偏离（|spot-twap|/twap 按 1e18
// 缩放后不小于 deviationThreshold）。
func (o *Oracle) Workable(ctx context.Context, minPeriod uint32, deviationThreshold *uint256.Int) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	now := o.now32()

	last, err := o.ring.latest(0)
	if err != nil {
		return false, err
	}
	window := o.minInterval
	if minPeriod > window {
		window = minPeriod
	}
	if now-last.Timestamp <= window {
		return false, nil
	}

	_, _, ts, err := o.pool.GetReserves(ctx)
	if err != nil {
		return false, err
	}
	if ts == last.Timestamp {
		// 没有新交易，观测不会带来新信息
		return false, nil
	}

	// 阈值为 nil 表示只看时间和新交易两项
	if deviationThreshold == nil {
		return true, nil
	}
	twap, err := o.twapLocked(ctx, now)
	if err != nil {
		return false, err
	}
	spot, err := o.spotLocked(ctx)
	if err != nil {
		return false, err
	}
	dev := relativeDeviation1e18(spot, twap)
	return dev.Cmp(deviationThreshold) >= 0, nil
}

// relativeDeviation1e18 |a-b| * 1e18 / b
func relativeDeviation1e18(a, b *uint256.Int) *uint256.Int {
	if b.IsZero() {
		return new(uint256.Int).SetAllOne()
	}
	diff := new(uint256.Int)
	if a.Gt(b) {
		diff.Sub(a, b)
	} else {
		diff.Sub(b, a)
	}
	diff.Mul(diff, uint256.NewInt(1e18))
	return diff.Div(diff, b)
}

// TimeSinceLastUpdate 距最近一条观测的秒数
func (o *Oracle) TimeSinceLastUpdate() (uint64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	last, err := o.ring.latest(0)
	if err != nil {
		return 0, err
	}
	return uint64(o.now32() - last.Timestamp), nil
}

// Sequence 已写入的观测数
func (o *Oracle) Sequence() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ring.sequence
}

// PriceCeiling 当前价格上限
func (o *Oracle) PriceCeiling() *uint256.Int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return new(uint256.Int).Set(o.priceCeiling)
}

// Snapshot 导出观测环（持久化用）
func (o *Oracle) Snapshot() RingSnapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ring.snapshot()
}

// RestoreSnapshot 从快照恢复观测环。
// 只接受比当前 sequence 更靠前的历史（重启恢复场景），避免回退。
func (o *Oracle) RestoreSnapshot(snap RingSnapshot) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if snap.Sequence < o.ring.sequence {
		return fmt.Errorf("snapshot sequence %d behind live sequence %d", snap.Sequence, o.ring.sequence)
	}
	o.ring.restore(snap)
	return nil
}
