package adminhttp

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"scalpctl/internal/engine"
	"scalpctl/internal/logger"
	"scalpctl/internal/reconcile"
	"scalpctl/internal/safety"
	"scalpctl/internal/store/journal"
	"scalpctl/internal/strategy/mode"
	"scalpctl/internal/trader"
)

// Engine is the slice of the trading engine the admin API drives.
type Engine interface {
	Status() engine.Status
	Kill(ctx context.Context, req safety.KillRequest) (safety.KillReport, error)
	RunReconcile(ctx context.Context) (reconcile.Report, error)
	ForceMode(name mode.Name) (mode.Mode, error)
}

type DecisionReader interface {
	List(ctx context.Context, q journal.Query) ([]journal.Entry, error)
	Funnel(ctx context.Context, cycleID string) (journal.FunnelCount, error)
}

type TradeReader interface {
	ListTrades(ctx context.Context, session string) ([]trader.Trade, error)
}

type Router struct {
	engine    Engine
	decisions DecisionReader
	trades    TradeReader
}

func NewRouter(e Engine, decisions DecisionReader, trades TradeReader) *Router {
	return &Router{engine: e, decisions: decisions, trades: trades}
}

// Register 将 /api 路由挂载到给定分组下。
func (r *Router) Register(group *gin.RouterGroup) {
	if group == nil {
		return
	}
	group.GET("/status", r.handleStatus)
	group.POST("/kill", r.handleKill)
	group.POST("/reconcile", r.handleReconcile)
	group.POST("/mode", r.handleMode)
	group.GET("/decisions", r.handleDecisions)
	group.GET("/trades", r.handleTrades)
}

func (r *Router) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, r.engine.Status())
}

type killRequest struct {
	Variant string `json:"variant"`
	Reason  string `json:"reason"`
	Confirm bool   `json:"confirm"`
}

func (r *Router) handleKill(c *gin.Context) {
	var req killRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	variant, err := safety.ParseVariant(req.Variant)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if variant == safety.VariantForced {
		c.JSON(http.StatusBadRequest, gin.H{"error": "FORCED is reserved for automated triggers"})
		return
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "operator"
	}
	logger.Warnf("[api] kill requested ip=%s variant=%s reason=%s", c.ClientIP(), variant, reason)
	rep, err := r.engine.Kill(c.Request.Context(), safety.KillRequest{
		Variant:   variant,
		Reason:    reason,
		Confirmed: req.Confirm,
		Source:    "http:" + c.ClientIP(),
	})
	switch {
	case errors.Is(err, safety.ErrNotConfirmed):
		c.JSON(http.StatusPreconditionRequired, gin.H{"error": err.Error()})
	case err != nil:
		// the report is still meaningful: partial liquidation
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "report": rep})
	default:
		c.JSON(http.StatusOK, rep)
	}
}

func (r *Router) handleReconcile(c *gin.Context) {
	rep, err := r.engine.RunReconcile(c.Request.Context())
	if err != nil {
		logger.Errorf("[api] reconcile failed ip=%s err=%v", c.ClientIP(), err)
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "report": rep})
		return
	}
	c.JSON(http.StatusOK, rep)
}

type modeRequest struct {
	Mode string `json:"mode"`
}

// handleMode pins a mode; an empty mode (or "auto") releases the pin.
func (r *Router) handleMode(c *gin.Context) {
	var req modeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	name := strings.TrimSpace(req.Mode)
	if strings.EqualFold(name, "auto") {
		name = ""
	}
	m, err := r.engine.ForceMode(mode.Name(name))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, m)
}

func (r *Router) handleDecisions(c *gin.Context) {
	if r.decisions == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "决策日志未启用"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := journal.Query{
		CycleID: strings.TrimSpace(c.Query("cycle")),
		Symbol:  strings.ToUpper(strings.TrimSpace(c.Query("symbol"))),
		Limit:   limit,
	}
	if raw := strings.TrimSpace(c.Query("since")); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be RFC3339"})
			return
		}
		q.Since = since
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	entries, err := r.decisions.List(ctx, q)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	resp := gin.H{"entries": entries}
	if q.CycleID != "" {
		funnel, err := r.decisions.Funnel(ctx, q.CycleID)
		if err != nil {
			logger.Warnf("[api] funnel %s: %v", q.CycleID, err)
		} else {
			resp["funnel"] = funnel
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (r *Router) handleTrades(c *gin.Context) {
	if r.trades == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "成交记录未启用"})
		return
	}
	session := strings.TrimSpace(c.Query("session"))
	if session == "" {
		session = r.engine.Status().Session
	}
	trades, err := r.trades.ListTrades(c.Request.Context(), session)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": session, "trades": trades})
}
