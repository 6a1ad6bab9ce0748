package oracle

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/betbot/pairguard/internal/events"
	"github.com/betbot/pairguard/pkg/logger"
)

// 角色模型：每个字段只有一个角色可写，变更前做一次平坦的权限检查。
// governance 调整 bps 边界参数并可更换 guardian；guardian 移动 ceiling/floor。

func (o *Oracle) requireGovernance(caller common.Address) error {
	if caller != o.governance {
		return fmt.Errorf("%w: %s is not governance", ErrPermissionDenied, caller.Hex())
	}
	return nil
}

func (o *Oracle) requireGuardian(caller common.Address) error {
	if caller != o.guardian {
		return fmt.Errorf("%w: %s is not guardian", ErrPermissionDenied, caller.Hex())
	}
	return nil
}

// Governance 当前 governance 地址
func (o *Oracle) Governance() common.Address {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.governance
}

// Guardian 当前 guardian 地址
func (o *Oracle) Guardian() common.Address {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.guardian
}

// CeilingBounds 返回 (maxCeilingBps, minCeilingBps)
func (o *Oracle) CeilingBounds() (uint64, uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.maxCeilingBps, o.minCeilingBps
}

// bandAbove cur + cur*bps/10000
func bandAbove(cur *uint256.Int, bps uint64) *uint256.Int {
	d := new(uint256.Int).Mul(cur, uint256.NewInt(bps))
	d.Div(d, uint256.NewInt(bpsDenominator))
	return d.Add(cur, d)
}

// bandBelow cur - cur*bps/10000
func bandBelow(cur *uint256.Int, bps uint64) *uint256.Int {
	d := new(uint256.Int).Mul(cur, uint256.NewInt(bps))
	d.Div(d, uint256.NewInt(bpsDenominator))
	return new(uint256.Int).Sub(cur, d)
}

// SetPriceCeiling 仅 guardian 可调。
// 新上限必须落在当前报告价上方的闭区间
// [cur + cur*minCeilingBps/10000, cur + cur*maxCeilingBps/10000] 内，
// 保证单步之内既设不出摸不到的上限，也设不出形同虚设的上限。
func (o *Oracle) SetPriceCeiling(ctx context.Context, caller common.Address, newCeiling *uint256.Int) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.requireGuardian(caller); err != nil {
		return err
	}
	cur, err := o.priceLocked(ctx, o.now32())
	if err != nil {
		return err
	}
	lower := bandAbove(cur, o.minCeilingBps)
	upper := bandAbove(cur, o.maxCeilingBps)
	if newCeiling.Lt(lower) || newCeiling.Gt(upper) {
		return fmt.Errorf("%w: ceiling %s outside [%s, %s]", ErrBoundViolation,
			newCeiling.Dec(), lower.Dec(), upper.Dec())
	}

	old := o.priceCeiling
	o.priceCeiling = new(uint256.Int).Set(newCeiling)
	logger.Infof("[guard] ceiling: %s -> %s (caller=%s)", old.Dec(), newCeiling.Dec(), caller.Hex())
	o.sink.Publish(events.CeilingChangedEvent{
		Caller:    caller,
		Old:       old,
		New:       new(uint256.Int).Set(newCeiling),
		Timestamp: o.now(),
	})
	return nil
}

// SetMaxBPCeiling 仅 governance 可调；不允许把 max 压到 min 之下
func (o *Oracle) SetMaxBPCeiling(caller common.Address, v uint64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.requireGovernance(caller); err != nil {
		return err
	}
	if v < o.minCeilingBps {
		return fmt.Errorf("%w: maxCeilingBps %d < minCeilingBps %d", ErrBoundViolation, v, o.minCeilingBps)
	}
	old := o.maxCeilingBps
	o.maxCeilingBps = v
	o.publishBounds(caller, "maxCeilingBps", old, v)
	return nil
}

// SetMinBPCeiling 仅 governance 可调；不允许把 min 抬到 max 之上
func (o *Oracle) SetMinBPCeiling(caller common.Address, v uint64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.requireGovernance(caller); err != nil {
		return err
	}
	if v > o.maxCeilingBps {
		return fmt.Errorf("%w: minCeilingBps %d > maxCeilingBps %d", ErrBoundViolation, v, o.maxCeilingBps)
	}
	old := o.minCeilingBps
	o.minCeilingBps = v
	o.publishBounds(caller, "minCeilingBps", old, v)
	return nil
}

// SetGuardian 仅 governance 可调
func (o *Oracle) SetGuardian(caller common.Address, newGuardian common.Address) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.requireGovernance(caller); err != nil {
		return err
	}
	old := o.guardian
	o.guardian = newGuardian
	logger.Infof("[guard] guardian: %s -> %s", old.Hex(), newGuardian.Hex())
	o.sink.Publish(events.GuardianChangedEvent{
		Caller:    caller,
		Old:       old,
		New:       newGuardian,
		Timestamp: o.now(),
	})
	return nil
}

func (o *Oracle) publishBounds(caller common.Address, param string, old, v uint64) {
	logger.Infof("[guard] %s: %d -> %d", param, old, v)
	o.sink.Publish(events.BoundsChangedEvent{
		Caller:    caller,
		Param:     param,
		Old:       old,
		New:       v,
		Timestamp: o.now(),
	})
}
