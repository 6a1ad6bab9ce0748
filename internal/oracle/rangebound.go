package oracle

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/betbot/pairguard/internal/events"
	"github.com/betbot/pairguard/pkg/logger"
)

// Reference 外部参考预言机：提供一个平滑后的参考价。
// 新鲜度检查不在本层做。
type Reference interface {
	ReferencePrice(ctx context.Context) (*uint256.Int, error)
}

// RangeConfig range-bound 变体的构造配置
type RangeConfig struct {
	Config
	MaxFloorBps uint64
	MinFloorBps uint64
}

func (c RangeConfig) validate() error {
	if err := c.Config.validate(); err != nil {
		return err
	}
	if c.MaxFloorBps < c.MinFloorBps {
		return fmt.Errorf("%w: maxFloorBps %d < minFloorBps %d", ErrBoundViolation, c.MaxFloorBps, c.MinFloorBps)
	}
	return nil
}

// RangeBound 带上下限的变体。
//
// 与基础变体的差异：
//   - ceiling/floor 在构造时用外部参考价播种，而不是无上限哨兵；
//   - update 额外要求当前观测价严格低于 ceiling（价格贴着上限时
//     拒绝写入新观测，防止上限被新鲜观测"洗掉"）；
//   - priceFloor 被维护但 Price() 只按 ceiling 截断，不按 floor 托底。
//     这个不对称沿袭自参考实现，确认语义之前不要"顺手修掉"。
type RangeBound struct {
	*Oracle

	priceFloor  *uint256.Int
	maxFloorBps uint64
	minFloorBps uint64
}

// NewRangeBound 创建 range-bound 变体。
// 参考价只在构造期读取一次，用于播种 ceiling/floor。
func NewRangeBound(ctx context.Context, cfg RangeConfig, pool Pool, ref Reference, sink events.Sink) (*RangeBound, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	base, err := New(ctx, cfg.Config, pool, sink)
	if err != nil {
		return nil, err
	}
	refPrice, err := ref.ReferencePrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("reference price: %w", err)
	}
	if refPrice.IsZero() {
		return nil, fmt.Errorf("reference price is zero")
	}

	rb := &RangeBound{
		Oracle:      base,
		priceFloor:  bandBelow(refPrice, cfg.MaxFloorBps),
		maxFloorBps: cfg.MaxFloorBps,
		minFloorBps: cfg.MinFloorBps,
	}
	base.priceCeiling = bandAbove(refPrice, cfg.MaxCeilingBps)
	base.updateGate = rb.belowCeiling
	logger.Infof("[oracle] range-bound 播种: ref=%s ceiling=%s floor=%s",
		refPrice.Dec(), base.priceCeiling.Dec(), rb.priceFloor.Dec())
	return rb, nil
}

// belowCeiling update 闸门：当前观测价必须严格低于 ceiling。
// 调用方已持锁。
func (rb *RangeBound) belowCeiling(ctx context.Context, now uint32) (bool, error) {
	spot, err := rb.spotLocked(ctx)
	if err != nil {
		return false, err
	}
	return spot.Lt(rb.priceCeiling), nil
}

// PriceFloor 当前价格下限
func (rb *RangeBound) PriceFloor() *uint256.Int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return new(uint256.Int).Set(rb.priceFloor)
}

// FloorBounds 返回 (maxFloorBps, minFloorBps)
func (rb *RangeBound) FloorBounds() (uint64, uint64) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.maxFloorBps, rb.minFloorBps
}

// SetPriceFloor 仅 guardian 可调。
// 新下限必须落在当前报告价下方的闭区间
// [cur - cur*maxFloorBps/10000, cur - cur*minFloorBps/10000] 内。
func (rb *RangeBound) SetPriceFloor(ctx context.Context, caller common.Address, newFloor *uint256.Int) error {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if err := rb.requireGuardian(caller); err != nil {
		return err
	}
	cur, err := rb.priceLocked(ctx, rb.now32())
	if err != nil {
		return err
	}
	lower := bandBelow(cur, rb.maxFloorBps)
	upper := bandBelow(cur, rb.minFloorBps)
	if newFloor.Lt(lower) || newFloor.Gt(upper) {
		return fmt.Errorf("%w: floor %s outside [%s, %s]", ErrBoundViolation,
			newFloor.Dec(), lower.Dec(), upper.Dec())
	}

	old := rb.priceFloor
	rb.priceFloor = new(uint256.Int).Set(newFloor)
	logger.Infof("[guard] floor: %s -> %s (caller=%s)", old.Dec(), newFloor.Dec(), caller.Hex())
	rb.sink.Publish(events.FloorChangedEvent{
		Caller:    caller,
		Old:       old,
		New:       new(uint256.Int).Set(newFloor),
		Timestamp: rb.now(),
	})
	return nil
}

// SetMaxBPFloor 仅 governance 可调
func (rb *RangeBound) SetMaxBPFloor(caller common.Address, v uint64) error {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if err := rb.requireGovernance(caller); err != nil {
		return err
	}
	if v < rb.minFloorBps {
		return fmt.Errorf("%w: maxFloorBps %d < minFloorBps %d", ErrBoundViolation, v, rb.minFloorBps)
	}
	old := rb.maxFloorBps
	rb.maxFloorBps = v
	rb.publishBounds(caller, "maxFloorBps", old, v)
	return nil
}

// SetMinBPFloor 仅 governance 可调
func (rb *RangeBound) SetMinBPFloor(caller common.Address, v uint64) error {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if err := rb.requireGovernance(caller); err != nil {
		return err
	}
	if v > rb.maxFloorBps {
		return fmt.Errorf("%w: minFloorBps %d > maxFloorBps %d", ErrBoundViolation, v, rb.maxFloorBps)
	}
	old := rb.minFloorBps
	rb.minFloorBps = v
	rb.publishBounds(caller, "minFloorBps", old, v)
	return nil
}
