package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/betbot/pairguard/internal/oracle"
	"github.com/betbot/pairguard/pkg/logger"
)

// formatPrice 把 1e18 缩放的定点价格转成十进制字符串
func formatPrice(v *uint256.Int) string {
	return decimal.NewFromBigInt(v.ToBig(), -18).String()
}

// writeOracleErr 把 oracle 层错误映射为 HTTP 状态码
func writeOracleErr(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, oracle.ErrPermissionDenied):
		status = http.StatusForbidden
	case errors.Is(err, oracle.ErrBoundViolation):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, oracle.ErrInsufficientHistory), errors.Is(err, oracle.ErrWindowTooShort):
		status = http.StatusConflict
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func (s *Server) handlePrice(c *gin.Context) {
	p, err := s.engine.Price(c.Request.Context())
	if err != nil {
		writeOracleErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"price":         p.Dec(),
		"price_decimal": formatPrice(p),
	})
}

func (s *Server) handleTWAP(c *gin.Context) {
	v, err := s.engine.TWAP(c.Request.Context())
	if err != nil {
		writeOracleErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"twap":         v.Dec(),
		"twap_decimal": formatPrice(v),
	})
}

func (s *Server) handleWorkable(c *gin.Context) {
	var minPeriod uint32
	if raw := c.Query("min_period"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "min_period 无效"})
			return
		}
		minPeriod = uint32(v)
	}
	var deviation *uint256.Int
	if raw := c.Query("deviation"); raw != "" {
		v, err := uint256.FromDecimal(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "deviation 无效"})
			return
		}
		deviation = v
	}

	ok, err := s.engine.Workable(c.Request.Context(), minPeriod, deviation)
	if err != nil {
		writeOracleErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"workable": ok})
}

func (s *Server) handleState(c *gin.Context) {
	ctx := c.Request.Context()
	state := gin.H{
		"variant":    s.cfg.Variant,
		"sequence":   s.engine.Sequence(),
		"governance": s.engine.Governance().Hex(),
		"guardian":   s.engine.Guardian().Hex(),
	}

	maxBps, minBps := s.engine.CeilingBounds()
	state["max_ceiling_bps"] = maxBps
	state["min_ceiling_bps"] = minBps
	state["ceiling"] = s.engine.PriceCeiling().Dec()

	if elapsed, err := s.engine.TimeSinceLastUpdate(); err == nil {
		state["seconds_since_update"] = elapsed
	}
	if p, err := s.engine.Price(ctx); err == nil {
		state["price"] = p.Dec()
		state["price_decimal"] = formatPrice(p)
	}
	if v, err := s.engine.TWAP(ctx); err == nil {
		state["twap"] = v.Dec()
	}
	if spot, err := s.engine.SpotPrice(ctx); err == nil {
		state["spot"] = spot.Dec()
	}
	if s.floor != nil {
		maxF, minF := s.floor.FloorBounds()
		state["max_floor_bps"] = maxF
		state["min_floor_bps"] = minF
		state["floor"] = s.floor.PriceFloor().Dec()
	}

	c.JSON(http.StatusOK, state)
}

func (s *Server) handleObservations(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Snapshot())
}

func (s *Server) handleAudit(c *gin.Context) {
	if s.audit == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "审计记录未启用"})
		return
	}
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 || v > 500 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit 无效"})
			return
		}
		limit = v
	}
	entries, err := s.audit.Recent(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": entries})
}

func (s *Server) handleUpdate(c *gin.Context) {
	updated, err := s.engine.Update(c.Request.Context())
	if err != nil {
		writeOracleErr(c, err)
		return
	}
	if updated && s.poker != nil {
		// 让 keeper 立即落一次快照
		s.poker.Poke()
	}
	c.JSON(http.StatusOK, gin.H{"updated": updated, "sequence": s.engine.Sequence()})
}

type valueRequest struct {
	Value string `json:"value" binding:"required"`
}

func (s *Server) bindValue(c *gin.Context) (*uint256.Int, bool) {
	var req valueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求体无效: " + err.Error()})
		return nil, false
	}
	v, err := uint256.FromDecimal(req.Value)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "value 无效: " + err.Error()})
		return nil, false
	}
	return v, true
}

func (s *Server) bindBps(c *gin.Context) (uint64, bool) {
	var req valueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求体无效: " + err.Error()})
		return 0, false
	}
	v, err := strconv.ParseUint(req.Value, 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "value 无效: " + err.Error()})
		return 0, false
	}
	return v, true
}

func (s *Server) handleSetCeiling(c *gin.Context) {
	v, ok := s.bindValue(c)
	if !ok {
		return
	}
	caller := callerFrom(c)
	if err := s.engine.SetPriceCeiling(c.Request.Context(), caller, v); err != nil {
		writeOracleErr(c, err)
		return
	}
	logger.Infof("[controlplane] ceiling 调整: value=%s caller=%s", v.Dec(), caller.Hex())
	c.JSON(http.StatusOK, gin.H{"ceiling": v.Dec()})
}

func (s *Server) handleSetFloor(c *gin.Context) {
	if s.floor == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "当前变体不维护价格下限"})
		return
	}
	v, ok := s.bindValue(c)
	if !ok {
		return
	}
	caller := callerFrom(c)
	if err := s.floor.SetPriceFloor(c.Request.Context(), caller, v); err != nil {
		writeOracleErr(c, err)
		return
	}
	logger.Infof("[controlplane] floor 调整: value=%s caller=%s", v.Dec(), caller.Hex())
	c.JSON(http.StatusOK, gin.H{"floor": v.Dec()})
}

func (s *Server) handleSetMaxBPCeiling(c *gin.Context) {
	v, ok := s.bindBps(c)
	if !ok {
		return
	}
	if err := s.engine.SetMaxBPCeiling(callerFrom(c), v); err != nil {
		writeOracleErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"max_ceiling_bps": v})
}

func (s *Server) handleSetMinBPCeiling(c *gin.Context) {
	v, ok := s.bindBps(c)
	if !ok {
		return
	}
	if err := s.engine.SetMinBPCeiling(callerFrom(c), v); err != nil {
		writeOracleErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"min_ceiling_bps": v})
}

func (s *Server) handleSetMaxBPFloor(c *gin.Context) {
	if s.floor == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "当前变体不维护价格下限"})
		return
	}
	v, ok := s.bindBps(c)
	if !ok {
		return
	}
	if err := s.floor.SetMaxBPFloor(callerFrom(c), v); err != nil {
		writeOracleErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"max_floor_bps": v})
}

func (s *Server) handleSetMinBPFloor(c *gin.Context) {
	if s.floor == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "当前变体不维护价格下限"})
		return
	}
	v, ok := s.bindBps(c)
	if !ok {
		return
	}
	if err := s.floor.SetMinBPFloor(callerFrom(c), v); err != nil {
		writeOracleErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"min_floor_bps": v})
}

type guardianRequest struct {
	Address string `json:"address" binding:"required"`
}

func (s *Server) handleSetGuardian(c *gin.Context) {
	var req guardianRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求体无效: " + err.Error()})
		return
	}
	if !common.IsHexAddress(req.Address) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "address 无效"})
		return
	}
	newGuardian := common.HexToAddress(req.Address)
	caller := callerFrom(c)
	if err := s.engine.SetGuardian(caller, newGuardian); err != nil {
		writeOracleErr(c, err)
		return
	}
	logger.Infof("[controlplane] guardian 调整: new=%s caller=%s", newGuardian.Hex(), caller.Hex())
	c.JSON(http.StatusOK, gin.H{"guardian": newGuardian.Hex()})
}
