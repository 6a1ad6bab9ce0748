package keeper

import (
	"context"
	"time"

	"github.com/holiman/uint256"

	"github.com/betbot/pairguard/internal/metrics"
	"github.com/betbot/pairguard/internal/oracle"
	"github.com/betbot/pairguard/pkg/config"
	"github.com/betbot/pairguard/pkg/logger"
	"github.com/betbot/pairguard/pkg/persistence"
	"github.com/betbot/pairguard/pkg/sigchan"
)

// Engine keeper 驱动的预言机最小接口。
// *oracle.Oracle 与 *oracle.RangeBound 都满足该接口。
type Engine interface {
	Workable(ctx context.Context, minPeriod uint32, deviationThreshold *uint256.Int) (bool, error)
	Update(ctx context.Context) (bool, error)
	Sequence() uint64
	Snapshot() oracle.RingSnapshot
	RestoreSnapshot(snap oracle.RingSnapshot) error
}

// Keeper 周期性检查 workable 并驱动 update。
// 每次成功写入观测后把观测环快照落盘，重启时恢复。
type Keeper struct {
	engine   Engine
	store    persistence.Store
	interval time.Duration

	minPeriod uint32
	deviation *uint256.Int

	poke *sigchan.Chan
}

// New 创建 keeper。pairTag 用于区分不同交易对的快照文件。
func New(engine Engine, cfg config.KeeperConfig, svc persistence.Service, pairTag string) (*Keeper, error) {
	var deviation *uint256.Int
	if cfg.DeviationThreshold != "" {
		d, err := uint256.FromDecimal(cfg.DeviationThreshold)
		if err != nil {
			return nil, err
		}
		deviation = d
	}

	return &Keeper{
		engine:    engine,
		store:     svc.NewStore("snapshot", pairTag, "observations"),
		interval:  time.Duration(cfg.PollInterval) * time.Second,
		minPeriod: cfg.MinPeriod,
		deviation: deviation,
		poke:      sigchan.New(1),
	}, nil
}

// Restore 尝试从快照文件恢复观测环。
// 文件不存在不算错误。
func (k *Keeper) Restore() error {
	var snap oracle.RingSnapshot
	err := k.store.Load(&snap)
	if err == persistence.ErrNotExists {
		logger.Infof("[keeper] 未找到观测快照，从链上引导")
		return nil
	}
	if err != nil {
		return err
	}
	if err := k.engine.RestoreSnapshot(snap); err != nil {
		return err
	}
	metrics.SnapshotLoads.Add(1)
	logger.Infof("[keeper] 已恢复观测快照: sequence=%d", snap.Sequence)
	return nil
}

// Poke 触发一次立即检查（控制面手动 update 后调用）
func (k *Keeper) Poke() {
	k.poke.Emit()
}

// Run 阻塞运行 keeper 循环，直到 ctx 取消
func (k *Keeper) Run(ctx context.Context) {
	logger.Infof("[keeper] 启动: interval=%s minPeriod=%d", k.interval, k.minPeriod)

	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()

	// 启动时先跑一轮，不等第一个 tick
	k.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			logger.Infof("[keeper] 停止")
			return
		case <-ticker.C:
			k.tick(ctx)
		case <-k.poke.C():
			k.tick(ctx)
		}
	}
}

func (k *Keeper) tick(ctx context.Context) {
	metrics.WorkableChecks.Add(1)

	ok, err := k.engine.Workable(ctx, k.minPeriod, k.deviation)
	if err != nil {
		metrics.UpdateErrors.Add(1)
		logger.Errorf("[keeper] workable 检查失败: %v", err)
		return
	}
	if !ok {
		metrics.UpdateSkips.Add(1)
		return
	}

	updated, err := k.engine.Update(ctx)
	if err != nil {
		metrics.UpdateErrors.Add(1)
		logger.Errorf("[keeper] update 失败: %v", err)
		return
	}
	if !updated {
		// workable 和 update 之间状态变了，下一轮再试
		metrics.UpdateSkips.Add(1)
		return
	}

	metrics.UpdateRuns.Add(1)
	logger.Infof("[keeper] 观测已写入: sequence=%d", k.engine.Sequence())
	k.saveSnapshot()
}

func (k *Keeper) saveSnapshot() {
	if err := k.store.Save(k.engine.Snapshot()); err != nil {
		logger.Errorf("[keeper] 快照保存失败: %v", err)
		return
	}
	metrics.SnapshotSaves.Add(1)
}
