package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/betbot/pairguard/internal/controlplane/server"
	"github.com/betbot/pairguard/internal/events"
	"github.com/betbot/pairguard/internal/keeper"
	"github.com/betbot/pairguard/internal/metrics"
	"github.com/betbot/pairguard/internal/oracle"
	"github.com/betbot/pairguard/internal/recorder"
	"github.com/betbot/pairguard/internal/refprice"
	"github.com/betbot/pairguard/internal/univ2"
	"github.com/betbot/pairguard/pkg/config"
	"github.com/betbot/pairguard/pkg/logger"
	"github.com/betbot/pairguard/pkg/persistence"
	"github.com/betbot/pairguard/pkg/shutdown"
	"github.com/betbot/pairguard/pkg/syncgroup"
)

const gracefulShutdownPeriod = 15 * time.Second

func main() {
	configPath := flag.String("config", "config.yaml", "配置文件路径")
	flag.Parse()

	// .env 可选：本地开发时覆盖环境变量
	_ = godotenv.Load()

	config.SetConfigPath(*configPath)
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(logger.Config{
		Level:      cfg.LogLevel,
		OutputFile: cfg.LogFile,
		MaxSize:    100,
		MaxBackups: 5,
		MaxAge:     30,
		Compress:   true,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		logrus.Errorf("oracled 退出: %v", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	// 链上交易对
	pair, err := univ2.Dial(cfg.Chain.RPCURL, common.HexToAddress(cfg.Chain.PairAddress))
	if err != nil {
		return fmt.Errorf("连接交易对失败: %w", err)
	}

	bootCtx, bootCancel := context.WithTimeout(rootCtx, 30*time.Second)
	defer bootCancel()

	pricedToken := common.HexToAddress(cfg.Chain.PricedToken)
	sideIdx, err := pair.SideOf(bootCtx, pricedToken)
	if err != nil {
		return fmt.Errorf("解析定价资产方向失败: %w", err)
	}
	side := oracle.Side0
	if sideIdx == 1 {
		side = oracle.Side1
	}
	decimals, err := pair.Decimals(bootCtx, pricedToken)
	if err != nil {
		return fmt.Errorf("读取资产精度失败: %w", err)
	}
	logger.Infof("[oracled] pair=%s pricedToken=%s side=%d decimals=%d",
		cfg.Chain.PairAddress, cfg.Chain.PricedToken, sideIdx, decimals)

	// 审计落库 + websocket 推送共用一个 Fanout
	audit, err := recorder.NewSQLiteRecorder(cfg.AuditDB)
	if err != nil {
		return fmt.Errorf("打开审计库失败: %w", err)
	}
	hub := server.NewHub()
	sink := events.Fanout{audit, hub}

	oracleCfg := oracle.Config{
		Side:            side,
		MinTwapInterval: cfg.Oracle.MinTwapInterval,
		Decimals:        decimals,
		Governance:      common.HexToAddress(cfg.Oracle.Governance),
		Guardian:        common.HexToAddress(cfg.Oracle.Guardian),
		MaxCeilingBps:   cfg.Oracle.MaxCeilingBps,
		MinCeilingBps:   cfg.Oracle.MinCeilingBps,
	}

	var (
		engine server.Engine
		floor  server.FloorEngine
		base   keeper.Engine
	)

	switch cfg.Oracle.Variant {
	case "rangebound":
		ref := refprice.NewClient(cfg.Reference.URL)
		rb, err := oracle.NewRangeBound(bootCtx, oracle.RangeConfig{
			Config:      oracleCfg,
			MaxFloorBps: cfg.Oracle.MaxFloorBps,
			MinFloorBps: cfg.Oracle.MinFloorBps,
		}, pair, ref, sink)
		if err != nil {
			return fmt.Errorf("构造 range-bound 预言机失败: %w", err)
		}
		engine, floor, base = rb, rb, rb
	default:
		o, err := oracle.New(bootCtx, oracleCfg, pair, sink)
		if err != nil {
			return fmt.Errorf("构造预言机失败: %w", err)
		}
		engine, base = o, o
	}

	// keeper：周期 workable → update，快照落盘
	svc := persistence.NewJSONFileService(cfg.Keeper.SnapshotDir)
	kp, err := keeper.New(base, cfg.Keeper, svc, cfg.Chain.PairAddress)
	if err != nil {
		return fmt.Errorf("构造 keeper 失败: %w", err)
	}
	if err := kp.Restore(); err != nil {
		logger.Warnf("[oracled] 恢复观测快照失败（忽略）: %v", err)
	}
	sg := syncgroup.NewSyncGroup()
	sg.Add(func() { kp.Run(rootCtx) })
	sg.Run()

	// 控制面
	srv, err := server.New(server.Config{Variant: cfg.Oracle.Variant}, engine, floor, kp, audit, hub)
	if err != nil {
		return fmt.Errorf("构造控制面失败: %w", err)
	}

	httpServer := &http.Server{
		Addr:    cfg.Server.Listen,
		Handler: srv.Router(),
	}
	go func() {
		logger.Infof("[oracled] 控制面监听 %s", cfg.Server.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("[oracled] 控制面异常退出: %v", err)
			rootCancel()
		}
	}()

	// expvar/pprof 调试服务（可选）
	if cfg.Server.MetricsListen != "" {
		if _, err := metrics.StartAsync(rootCtx, cfg.Server.MetricsListen); err != nil {
			logger.Warnf("[oracled] metrics 服务启动失败: %v", err)
		} else {
			logger.Infof("[oracled] metrics 监听 %s", cfg.Server.MetricsListen)
		}
	}

	// 优雅关闭：HTTP、ws hub、审计库并发收尾
	mgr := shutdown.NewManager()
	mgr.OnShutdown(func(ctx context.Context, _ *sync.WaitGroup) {
		_ = httpServer.Shutdown(ctx)
	})
	mgr.OnShutdown(func(context.Context, *sync.WaitGroup) {
		srv.Close()
	})
	mgr.OnShutdown(func(context.Context, *sync.WaitGroup) {
		// rootCancel 之后 keeper 循环会退出，这里等它收尾
		sg.Wait()
	})
	mgr.OnShutdown(func(context.Context, *sync.WaitGroup) {
		if err := audit.Close(); err != nil {
			logger.Warnf("[oracled] 关闭审计库失败: %v", err)
		}
	})

	// 等待退出信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-sigChan:
		logger.Infof("[oracled] 收到信号 %s，开始关闭", sig)
	case <-rootCtx.Done():
	}
	rootCancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), gracefulShutdownPeriod)
	defer cancel()
	mgr.Shutdown(shutdownCtx)
	logger.Infof("[oracled] 已退出")
	return nil
}
