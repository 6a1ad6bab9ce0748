package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/holiman/uint256"

	"github.com/betbot/pairguard/internal/oracle"
	"github.com/betbot/pairguard/internal/recorder"
	"github.com/betbot/pairguard/pkg/ratelimit"
)

// Engine 控制面需要的预言机只读+治理接口。
// *oracle.Oracle 直接满足；range-bound 变体通过 FloorEngine 额外暴露下限。
type Engine interface {
	Price(ctx context.Context) (*uint256.Int, error)
	TWAP(ctx context.Context) (*uint256.Int, error)
	SpotPrice(ctx context.Context) (*uint256.Int, error)
	Update(ctx context.Context) (bool, error)
	Workable(ctx context.Context, minPeriod uint32, deviationThreshold *uint256.Int) (bool, error)
	Sequence() uint64
	TimeSinceLastUpdate() (uint64, error)
	PriceCeiling() *uint256.Int
	Snapshot() oracle.RingSnapshot
	Governance() common.Address
	Guardian() common.Address
	CeilingBounds() (uint64, uint64)
	SetPriceCeiling(ctx context.Context, caller common.Address, newCeiling *uint256.Int) error
	SetMaxBPCeiling(caller common.Address, v uint64) error
	SetMinBPCeiling(caller common.Address, v uint64) error
	SetGuardian(caller common.Address, newGuardian common.Address) error
}

// FloorEngine range-bound 变体的下限接口
type FloorEngine interface {
	PriceFloor() *uint256.Int
	FloorBounds() (uint64, uint64)
	SetPriceFloor(ctx context.Context, caller common.Address, newFloor *uint256.Int) error
	SetMaxBPFloor(caller common.Address, v uint64) error
	SetMinBPFloor(caller common.Address, v uint64) error
}

// Poker keeper 的立即轮询触发器
type Poker interface {
	Poke()
}

type Config struct {
	Variant string // capped | rangebound
}

type Server struct {
	cfg    Config
	engine Engine
	floor  FloorEngine // capped 变体为 nil
	poker  Poker       // 可选
	audit  *recorder.SQLiteRecorder
	hub    *Hub

	readLimiter   ratelimit.RateLimiter
	mutateLimiter ratelimit.RateLimiter
}

// New 创建控制面。hub 可以为 nil，此时内部新建一个；
// 调用方也可以提前创建 hub 挂到 oracle 的事件 Fanout 上再传进来。
func New(cfg Config, engine Engine, floor FloorEngine, poker Poker, audit *recorder.SQLiteRecorder, hub *Hub) (*Server, error) {
	if engine == nil {
		return nil, errors.New("engine is required")
	}
	if hub == nil {
		hub = NewHub()
	}
	s := &Server{
		cfg:    cfg,
		engine: engine,
		floor:  floor,
		poker:  poker,
		audit:  audit,
		hub:    hub,
		// 读接口放宽，治理类写接口收紧
		readLimiter:   ratelimit.NewSlidingWindow(200, 10*time.Second),
		mutateLimiter: ratelimit.NewTokenBucket(10, 1, time.Minute),
	}
	go s.hub.Run()
	return s, nil
}

// Hub 返回事件广播 hub（作为 events.Sink 挂到 oracle 上）
func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) Close() error {
	s.hub.Stop()
	return nil
}

func (s *Server) Router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })

	api := r.Group("/api")
	api.GET("/price", s.limited(s.readLimiter, s.handlePrice))
	api.GET("/twap", s.limited(s.readLimiter, s.handleTWAP))
	api.GET("/workable", s.limited(s.readLimiter, s.handleWorkable))
	api.GET("/state", s.limited(s.readLimiter, s.handleState))
	api.GET("/observations", s.limited(s.readLimiter, s.handleObservations))
	api.GET("/audit", s.limited(s.readLimiter, s.handleAudit))

	api.POST("/update", s.limited(s.mutateLimiter, s.handleUpdate))
	api.POST("/ceiling", s.limited(s.mutateLimiter, s.signed(s.handleSetCeiling)))
	api.POST("/floor", s.limited(s.mutateLimiter, s.signed(s.handleSetFloor)))
	api.POST("/bounds/ceiling/max", s.limited(s.mutateLimiter, s.signed(s.handleSetMaxBPCeiling)))
	api.POST("/bounds/ceiling/min", s.limited(s.mutateLimiter, s.signed(s.handleSetMinBPCeiling)))
	api.POST("/bounds/floor/max", s.limited(s.mutateLimiter, s.signed(s.handleSetMaxBPFloor)))
	api.POST("/bounds/floor/min", s.limited(s.mutateLimiter, s.signed(s.handleSetMinBPFloor)))
	api.POST("/guardian", s.limited(s.mutateLimiter, s.signed(s.handleSetGuardian)))

	r.GET("/ws", s.handleWS)

	return r
}

// limited 超过限流直接 429
func (s *Server) limited(l ratelimit.RateLimiter, h gin.HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.Allow() {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "请求过于频繁"})
			return
		}
		h(c)
	}
}
