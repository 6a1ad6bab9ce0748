package oracle

import (
	"github.com/holiman/uint256"
)

// ringCapacity 环形缓冲区容量：只保留最近 4 条观测
const ringCapacity = 4

// Observation 一条观测快照。
//
// Timestamp 为 32 位 unix 秒（有意允许在 2^32 处回绕）；
// 两个 cumulative 字段是池子的累积价格（Q112.112 * 秒，mod 2^256 回绕）。
// 写入后不可变。
type Observation struct {
	Timestamp        uint32       `json:"timestamp"`
	Price0Cumulative *uint256.Int `json:"price0Cumulative"`
	Price1Cumulative *uint256.Int `json:"price1Cumulative"`
}

// clone 深拷贝（环内数据不可被调用方篡改）
func (o Observation) clone() Observation {
	return Observation{
		Timestamp:        o.Timestamp,
		Price0Cumulative: new(uint256.Int).Set(o.Price0Cumulative),
		Price1Cumulative: new(uint256.Int).Set(o.Price1Cumulative),
	}
}

// observationRing 固定容量的观测环。
//
// 按 sequence mod ringCapacity 就地覆盖写入，sequence 单调递增、永不重置；
// 环内始终保留最近 min(sequence, ringCapacity) 条观测。
// 不做显式删除：被覆盖的槽位即为逻辑窗口以外的旧数据。
type observationRing struct {
	slots    [ringCapacity]Observation
	sequence uint64
}

// append 写入 slots[sequence mod capacity]，然后递增 sequence
func (r *observationRing) append(obs Observation) {
	r.slots[r.sequence%ringCapacity] = obs.clone()
	r.sequence++
}

// latest 返回第 (sequence-1-discard) mod capacity 条观测。
// discard=0 为最新一条，discard=1 为次新一条。
// sequence <= discard 时历史不足。
func (r *observationRing) latest(discard uint64) (Observation, error) {
	if r.sequence <= discard {
		return Observation{}, ErrInsufficientHistory
	}
	return r.slots[(r.sequence-1-discard)%ringCapacity].clone(), nil
}

// RingSnapshot 环状态快照（用于持久化，重启后恢复观测历史）
type RingSnapshot struct {
	Sequence     uint64        `json:"sequence"`
	Observations []Observation `json:"observations"`
}

func (r *observationRing) snapshot() RingSnapshot {
	n := r.sequence
	if n > ringCapacity {
		n = ringCapacity
	}
	snap := RingSnapshot{Sequence: r.sequence}
	// 从最旧到最新导出，restore 时按同样顺序回放
	for i := uint64(0); i < n; i++ {
		idx := (r.sequence - n + i) % ringCapacity
		snap.Observations = append(snap.Observations, r.slots[idx].clone())
	}
	return snap
}

func (r *observationRing) restore(snap RingSnapshot) {
	n := uint64(len(snap.Observations))
	if n > ringCapacity {
		n = ringCapacity
	}
	base := snap.Sequence - n
	for i := uint64(0); i < n; i++ {
		r.slots[(base+i)%ringCapacity] = snap.Observations[uint64(len(snap.Observations))-n+i].clone()
	}
	r.sequence = snap.Sequence
}
