package handler

import (
	"errors"
	"net/http"
	"strconv"

	"loyaltyledger/internal/service"
	"loyaltyledger/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const defaultExpirationMonths = 6

// Handler 积分接口，网关层调用
type Handler struct {
	ledger *service.LedgerService
}

func NewHandler(ledger *service.LedgerService) *Handler {
	return &Handler{ledger: ledger}
}

// fail 把服务层错误映射成 HTTP 响应
func (h *Handler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidCustomer):
		response.Error(c, http.StatusBadRequest, response.CodeInvalidCustomer, err.Error())
	case errors.Is(err, service.ErrInvalidAmount):
		response.Error(c, http.StatusBadRequest, response.CodeInvalidAmount, err.Error())
	case errors.Is(err, service.ErrInsufficientPoints):
		response.Forbidden(c, response.CodeInsufficientPoints, err.Error())
	default:
		zap.L().Error("积分接口处理失败",
			zap.String("path", c.FullPath()),
			zap.String("request_id", c.GetString("request_id")),
			zap.Error(err))
		response.ServerError(c, "服务器内部错误")
	}
}

// Health 健康检查，附带本地消息表积压
// GET /health
func (h *Handler) Health(c *gin.Context) {
	backlog, err := h.ledger.OutboxBacklog(c.Request.Context())
	if err != nil {
		zap.L().Error("健康检查失败", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"outbox": backlog,
	})
}

// ============================================================
// 查询接口
// ============================================================

// GetPoints 查询可用积分
// GET /api/v1/loyalty/points?customer_id=xxx
func (h *Handler) GetPoints(c *gin.Context) {
	customerID := c.Query("customer_id")

	points, err := h.ledger.GetPoints(c.Request.Context(), customerID)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, gin.H{
		"customer_id": customerID,
		"points":      points,
	})
}

// GetUpcomingExpirations 未来几个月将过期的积分
// GET /api/v1/loyalty/expirations?customer_id=xxx&months=6
func (h *Handler) GetUpcomingExpirations(c *gin.Context) {
	customerID := c.Query("customer_id")
	months, err := strconv.Atoi(c.DefaultQuery("months", strconv.Itoa(defaultExpirationMonths)))
	if err != nil {
		response.ParamError(c, "months 参数错误")
		return
	}

	series, err := h.ledger.GetUpcomingExpirations(c.Request.Context(), customerID, months)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, gin.H{
		"customer_id": customerID,
		"enabled":     h.ledger.ExpirationEnabled(),
		"months":      series,
	})
}

// ListTransactions 积分流水
// GET /api/v1/loyalty/transactions?customer_id=xxx&page=1&page_size=20
func (h *Handler) ListTransactions(c *gin.Context) {
	customerID := c.Query("customer_id")
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	list, total, err := h.ledger.ListTransactions(c.Request.Context(), customerID, page, pageSize)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, gin.H{
		"list":      list,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// Reconcile 余额表与流水核对
// GET /api/v1/loyalty/reconcile?customer_id=xxx
func (h *Handler) Reconcile(c *gin.Context) {
	report, err := h.ledger.Reconcile(c.Request.Context(), c.Query("customer_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, report)
}

// ============================================================
// 入账 / 扣减
// ============================================================

// EarnRequest points 和 amount_clp 二选一，points 优先
type EarnRequest struct {
	CustomerID string           `json:"customer_id" binding:"required"`
	AmountCLP  *decimal.Decimal `json:"amount_clp"`
	Points     *int64           `json:"points"`
	OrderID    *string          `json:"order_id"`
	Metadata   map[string]any   `json:"metadata"`
}

// Earn 订单返积分
// POST /api/v1/loyalty/earn
func (h *Handler) Earn(c *gin.Context) {
	var req EarnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	var (
		result *service.EarnResult
		err    error
	)
	switch {
	case req.Points != nil:
		result, err = h.ledger.EarnPointsForOrderExplicit(c.Request.Context(), req.CustomerID, *req.Points, req.OrderID, req.Metadata)
	case req.AmountCLP != nil:
		result, err = h.ledger.EarnPointsForOrder(c.Request.Context(), req.CustomerID, *req.AmountCLP, req.OrderID, req.Metadata)
	default:
		response.ParamError(c, "amount_clp 和 points 至少填一个")
		return
	}
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, result)
}

// DeductRequest points 允许小数，向下取整
type DeductRequest struct {
	CustomerID string          `json:"customer_id" binding:"required"`
	Points     decimal.Decimal `json:"points"`
	RewardID   string          `json:"reward_id"`
}

// Deduct 兑换奖励扣积分
// POST /api/v1/loyalty/deduct
//
// 积分不足返回 403，客户端应重新查询余额，不要自动重试
func (h *Handler) Deduct(c *gin.Context) {
	var req DeductRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	balance, err := h.ledger.DeductPoints(c.Request.Context(), req.CustomerID, req.Points.Floor().IntPart(), req.RewardID)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, balance)
}

type AdjustRequest struct {
	CustomerID string `json:"customer_id" binding:"required"`
	Points     int64  `json:"points"`
	Note       string `json:"note"`
	Operator   string `json:"operator" binding:"required"`
}

// Adjust 后台人工调整（写流水）
// POST /api/v1/loyalty/adjust
func (h *Handler) Adjust(c *gin.Context) {
	var req AdjustRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	balance, err := h.ledger.AdjustPoints(c.Request.Context(), req.CustomerID, req.Points, req.Note, req.Operator)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, balance)
}

type AddPointsRequest struct {
	CustomerID string `json:"customer_id" binding:"required"`
	Points     int64  `json:"points"`
}

// AddPoints 原始余额调整（不写流水）
// POST /api/v1/loyalty/add
func (h *Handler) AddPoints(c *gin.Context) {
	var req AddPointsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	balance, err := h.ledger.AddPoints(c.Request.Context(), req.CustomerID, req.Points)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, balance)
}

// ============================================================
// 换算
// ============================================================

// PointsFromAmount GET /api/v1/loyalty/conversion/points?amount=1500
func (h *Handler) PointsFromAmount(c *gin.Context) {
	amount, err := decimal.NewFromString(c.Query("amount"))
	if err != nil {
		response.ParamError(c, "amount 参数错误")
		return
	}

	points, err := h.ledger.Conversion().PointsFromAmount(amount)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, gin.H{
		"amount_clp": amount,
		"points":     points,
	})
}

// CurrencyFromPoints GET /api/v1/loyalty/conversion/currency?points=3
func (h *Handler) CurrencyFromPoints(c *gin.Context) {
	points, err := strconv.ParseInt(c.Query("points"), 10, 64)
	if err != nil {
		response.ParamError(c, "points 参数错误")
		return
	}

	response.Success(c, gin.H{
		"points":     points,
		"amount_clp": h.ledger.Conversion().CurrencyFromPoints(points),
	})
}
