package events

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Sink 审计事件出口。
// 每个带权限的状态变更和每次成功 update 都会发布一条事件，
// 由 recorder（sqlite）或控制面（websocket 推送）消费。
type Sink interface {
	Publish(ev any)
}

// ObservationRecordedEvent 观测写入事件（update 成功）
type ObservationRecordedEvent struct {
	Sequence      uint64
	PoolTimestamp uint32
	Timestamp     time.Time
}

// CeilingChangedEvent 价格上限变更事件
type CeilingChangedEvent struct {
	Caller    common.Address
	Old       *uint256.Int
	New       *uint256.Int
	Timestamp time.Time
}

// FloorChangedEvent 价格下限变更事件
type FloorChangedEvent struct {
	Caller    common.Address
	Old       *uint256.Int
	New       *uint256.Int
	Timestamp time.Time
}

// BoundsChangedEvent bps 边界参数变更事件
// Param 取值: maxCeilingBps / minCeilingBps / maxFloorBps / minFloorBps
type BoundsChangedEvent struct {
	Caller    common.Address
	Param     string
	Old       uint64
	New       uint64
	Timestamp time.Time
}

// GuardianChangedEvent guardian 角色变更事件
type GuardianChangedEvent struct {
	Caller    common.Address
	Old       common.Address
	New       common.Address
	Timestamp time.Time
}

// NopSink 丢弃所有事件（测试用）
type NopSink struct{}

func (NopSink) Publish(any) {}

// Fanout 把事件广播给多个 Sink
type Fanout []Sink

func (f Fanout) Publish(ev any) {
	for _, s := range f {
		if s != nil {
			s.Publish(ev)
		}
	}
}
