package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"loyaltyledger/internal/model"
	"loyaltyledger/internal/repository"
	"loyaltyledger/pkg/idgen"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrInvalidCustomer    = errors.New("客户ID不能为空")
	ErrInsufficientPoints = errors.New("积分不足")
)

const defaultEventTopic = "loyalty.points"

// LedgerConfig 账本策略，启动时注入，调用时不再读环境变量
type LedgerConfig struct {
	ExpiryMonths     int             // <= 0 不启用过期
	CurrencyPerPoint decimal.Decimal // 多少 CLP 兑换 1 积分
	EventTopic       string
	Location         *time.Location
}

type Option func(*LedgerService)

// WithClock 替换账本时钟，测试用
func WithClock(now func() time.Time) Option {
	return func(s *LedgerService) {
		s.now = now
	}
}

type LedgerService struct {
	db              *gorm.DB
	cfg             LedgerConfig
	conversion      Conversion
	now             func() time.Time
	balanceRepo     *repository.BalanceRepository
	transactionRepo *repository.TransactionRepository
	outboxRepo      *repository.OutboxRepository
}

func NewLedgerService(db *gorm.DB, cfg LedgerConfig, opts ...Option) *LedgerService {
	if cfg.EventTopic == "" {
		cfg.EventTopic = defaultEventTopic
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}

	s := &LedgerService{
		db:              db,
		cfg:             cfg,
		conversion:      NewConversion(cfg.CurrencyPerPoint),
		balanceRepo:     repository.NewBalanceRepository(db),
		transactionRepo: repository.NewTransactionRepository(db),
		outboxRepo:      repository.NewOutboxRepository(db),
	}
	s.now = func() time.Time { return time.Now().In(cfg.Location) }

	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *LedgerService) ExpirationEnabled() bool {
	return s.cfg.ExpiryMonths > 0
}

func (s *LedgerService) Conversion() Conversion {
	return s.conversion
}

type EarnResult struct {
	Awarded       int64  `json:"awarded"`
	Balance       *int64 `json:"balance,omitempty"` // 本次没有入账时为空
	TransactionNo string `json:"transaction_no,omitempty"`
}

// ============================================================================
// 入账
// ============================================================================

// AddPoints 原始余额调整，不写流水
//
// 【注意】这是最底层的余额修改，points 可以是负数且不做下限校验。
// 需要留痕的调整请用 AdjustPoints。
func (s *LedgerService) AddPoints(ctx context.Context, customerID string, points int64) (*model.LoyaltyBalance, error) {
	if err := validateCustomer(customerID); err != nil {
		return nil, err
	}

	var balance *model.LoyaltyBalance
	err := s.transaction(ctx, func(tx *gorm.DB) error {
		b, err := s.balanceRepo.LockOrCreate(ctx, tx, customerID)
		if err != nil {
			return fmt.Errorf("锁定积分账户失败: %w", err)
		}
		if points != 0 {
			if err := s.balanceRepo.Increase(ctx, tx, customerID, points); err != nil {
				return fmt.Errorf("更新积分失败: %w", err)
			}
			b.Points += points
		}
		balance = b
		return nil
	})
	if err != nil {
		return nil, err
	}

	zap.L().Info("积分原始调整",
		zap.String("customer_id", customerID),
		zap.Int64("points", points),
		zap.Int64("balance", balance.Points))
	return balance, nil
}

// EarnPointsForOrder 按订单金额返积分
func (s *LedgerService) EarnPointsForOrder(ctx context.Context, customerID string, amountCLP decimal.Decimal, orderID *string, extra map[string]any) (*EarnResult, error) {
	points, err := s.conversion.PointsFromAmount(amountCLP)
	if err != nil {
		return nil, err
	}
	return s.earn(ctx, customerID, points, orderID, model.OrderEarned{AmountCLP: &amountCLP, Extra: extra})
}

// EarnPointsForOrderExplicit 直接指定积分数
func (s *LedgerService) EarnPointsForOrderExplicit(ctx context.Context, customerID string, points int64, orderID *string, extra map[string]any) (*EarnResult, error) {
	return s.earn(ctx, customerID, points, orderID, model.OrderEarned{Extra: extra})
}

func (s *LedgerService) earn(ctx context.Context, customerID string, points int64, orderID *string, meta model.OrderEarned) (*EarnResult, error) {
	if err := validateCustomer(customerID); err != nil {
		return nil, err
	}
	if points <= 0 {
		return &EarnResult{Awarded: 0}, nil
	}

	result := &EarnResult{Awarded: points}
	err := s.transaction(ctx, func(tx *gorm.DB) error {
		balance, err := s.balanceRepo.LockOrCreate(ctx, tx, customerID)
		if err != nil {
			return fmt.Errorf("锁定积分账户失败: %w", err)
		}

		if err := s.balanceRepo.Increase(ctx, tx, customerID, points); err != nil {
			return fmt.Errorf("积分入账失败: %w", err)
		}
		balance.Points += points

		entry, err := s.appendEntry(ctx, tx, balance, points, orderID, meta, model.EventPointsEarned)
		if err != nil {
			return err
		}

		result.Balance = &balance.Points
		result.TransactionNo = entry.TransactionNo
		return nil
	})
	if err != nil {
		return nil, err
	}

	zap.L().Info("订单返积分成功",
		zap.String("customer_id", customerID),
		zap.Int64("awarded", points),
		zap.Stringp("order_id", orderID),
		zap.String("transaction_no", result.TransactionNo))
	return result, nil
}

// ============================================================================
// 扣减
// ============================================================================

// DeductPoints 兑换奖励扣积分
//
// 【关键点】余额校验放在 FOR UPDATE 之后、同一个事务里：
//
//	goroutine1: 加锁 -> 余额=5 -> 扣 5 -> 余额=0 -> 提交释放锁
//	goroutine2: 等锁 ......................... -> 加锁 -> 余额=0 -> 积分不足，回滚
//
// 如果先在事务外查余额再加锁，两个请求都会看到 5，就会超扣。
func (s *LedgerService) DeductPoints(ctx context.Context, customerID string, points int64, rewardID string) (*model.LoyaltyBalance, error) {
	if err := validateCustomer(customerID); err != nil {
		return nil, err
	}
	if points <= 0 {
		return nil, fmt.Errorf("%w: points=%d", ErrInvalidAmount, points)
	}

	var balance *model.LoyaltyBalance
	err := s.transaction(ctx, func(tx *gorm.DB) error {
		b, err := s.balanceRepo.GetByCustomerIDForUpdate(ctx, tx, customerID)
		if err != nil {
			if errors.Is(err, repository.ErrBalanceNotFound) {
				return fmt.Errorf("%w: 账户不存在", ErrInsufficientPoints)
			}
			return fmt.Errorf("锁定积分账户失败: %w", err)
		}

		if points > b.Points {
			return fmt.Errorf("%w: 当前 %d，需要 %d", ErrInsufficientPoints, b.Points, points)
		}

		if err := s.balanceRepo.Decrease(ctx, tx, customerID, points); err != nil {
			if errors.Is(err, repository.ErrBalanceNotEnough) {
				return ErrInsufficientPoints
			}
			return fmt.Errorf("扣减积分失败: %w", err)
		}
		b.Points -= points

		if _, err := s.appendEntry(ctx, tx, b, -points, nil, model.RewardRedeem{RewardID: rewardID}, model.EventPointsRedeemed); err != nil {
			return err
		}

		balance = b
		return nil
	})
	if err != nil {
		return nil, err
	}

	zap.L().Info("积分兑换成功",
		zap.String("customer_id", customerID),
		zap.Int64("points", points),
		zap.String("reward_id", rewardID),
		zap.Int64("balance", balance.Points))
	return balance, nil
}

// AdjustPoints 后台人工调整，写 manual_adjustment 流水
// 负数调整不允许把余额扣成负数，delta = 0 直接返回当前余额
func (s *LedgerService) AdjustPoints(ctx context.Context, customerID string, delta int64, note, operator string) (*model.LoyaltyBalance, error) {
	if err := validateCustomer(customerID); err != nil {
		return nil, err
	}
	if delta == 0 {
		b, err := s.balanceRepo.GetByCustomerID(ctx, nil, customerID)
		if errors.Is(err, repository.ErrBalanceNotFound) {
			return &model.LoyaltyBalance{CustomerID: customerID}, nil
		}
		return b, err
	}

	meta := model.ManualAdjustment{Note: note, Operator: operator}

	var balance *model.LoyaltyBalance
	err := s.transaction(ctx, func(tx *gorm.DB) error {
		var (
			b   *model.LoyaltyBalance
			err error
		)
		if delta > 0 {
			b, err = s.balanceRepo.LockOrCreate(ctx, tx, customerID)
			if err != nil {
				return fmt.Errorf("锁定积分账户失败: %w", err)
			}
			if err := s.balanceRepo.Increase(ctx, tx, customerID, delta); err != nil {
				return fmt.Errorf("更新积分失败: %w", err)
			}
		} else {
			b, err = s.balanceRepo.GetByCustomerIDForUpdate(ctx, tx, customerID)
			if err != nil {
				if errors.Is(err, repository.ErrBalanceNotFound) {
					return fmt.Errorf("%w: 账户不存在", ErrInsufficientPoints)
				}
				return fmt.Errorf("锁定积分账户失败: %w", err)
			}
			if err := s.balanceRepo.Decrease(ctx, tx, customerID, -delta); err != nil {
				if errors.Is(err, repository.ErrBalanceNotEnough) {
					return fmt.Errorf("%w: 当前 %d，调整 %d", ErrInsufficientPoints, b.Points, delta)
				}
				return fmt.Errorf("更新积分失败: %w", err)
			}
		}
		b.Points += delta

		if _, err := s.appendEntry(ctx, tx, b, delta, nil, meta, model.EventPointsAdjusted); err != nil {
			return err
		}
		balance = b
		return nil
	})
	if err != nil {
		return nil, err
	}

	zap.L().Info("积分人工调整",
		zap.String("customer_id", customerID),
		zap.Int64("delta", delta),
		zap.String("operator", operator),
		zap.Int64("balance", balance.Points))
	return balance, nil
}

// transaction 写操作统一入口
//
// MySQL 上两个事务同时给同一个新客户建行时，FOR UPDATE 的间隙锁会让两边的 INSERT 互相等待，
// InnoDB 回滚其中一个（1213）。这时整体重试一次，行已经由另一边建好
func (s *LedgerService) transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	err := s.db.WithContext(ctx).Transaction(fn)
	if err != nil && repository.IsDeadlock(err) {
		zap.L().Warn("积分事务死锁，重试一次", zap.Error(err))
		err = s.db.WithContext(ctx).Transaction(fn)
	}
	return err
}

// appendEntry 在当前事务内写流水和本地消息，要么都成功要么都回滚
func (s *LedgerService) appendEntry(ctx context.Context, tx *gorm.DB, balance *model.LoyaltyBalance, delta int64, orderID *string, meta model.Metadata, event string) (*model.LoyaltyTransaction, error) {
	metadata, err := model.EncodeMetadata(meta)
	if err != nil {
		return nil, fmt.Errorf("序列化流水信息失败: %w", err)
	}

	now := s.now()
	entry := &model.LoyaltyTransaction{
		TransactionNo: idgen.GenerateTransactionNo(),
		CustomerID:    balance.CustomerID,
		PointsDelta:   delta,
		OrderID:       orderID,
		Reason:        meta.Reason(),
		Metadata:      metadata,
		CreatedAt:     now,
	}
	if err := s.transactionRepo.Create(ctx, tx, entry); err != nil {
		return nil, fmt.Errorf("记录流水失败: %w", err)
	}

	payload, err := json.Marshal(model.PointsEvent{
		Event:         event,
		TransactionNo: entry.TransactionNo,
		CustomerID:    entry.CustomerID,
		PointsDelta:   delta,
		BalanceAfter:  balance.Points,
		OrderID:       orderID,
		Reason:        entry.Reason,
		OccurredAt:    now,
		EventID:       idgen.GenerateEventKey(),
	})
	if err != nil {
		return nil, fmt.Errorf("序列化积分事件失败: %w", err)
	}

	// 按客户ID做 key，同一客户的事件落在同一分区，保证顺序
	outboxMsg := &model.OutboxMessage{
		MessageKey: entry.CustomerID,
		Topic:      s.cfg.EventTopic,
		Payload:    string(payload),
		Status:     model.OutboxStatusPending,
	}
	if err := s.outboxRepo.Create(ctx, tx, outboxMsg); err != nil {
		return nil, fmt.Errorf("写入消息失败: %w", err)
	}

	return entry, nil
}

// ============================================================================
// 查询
// ============================================================================

// GetPoints 可用积分
//
// 未启用过期：直接返回余额表，O(1)
// 启用过期：每次都从全量流水回放批次，O(流水数)
func (s *LedgerService) GetPoints(ctx context.Context, customerID string) (int64, error) {
	if err := validateCustomer(customerID); err != nil {
		return 0, err
	}

	if !s.ExpirationEnabled() {
		b, err := s.balanceRepo.GetByCustomerID(ctx, nil, customerID)
		if err != nil {
			if errors.Is(err, repository.ErrBalanceNotFound) {
				return 0, nil
			}
			return 0, fmt.Errorf("查询积分失败: %w", err)
		}
		return b.Points, nil
	}

	lots, err := s.aliveLots(ctx, customerID, s.now())
	if err != nil {
		return 0, err
	}
	return sumLots(lots), nil
}

// GetUpcomingExpirations 未来 monthsAhead 个月（含本月）每月将过期的积分
// monthsAhead 限制在 [1, 24]；未启用过期时返回全 0 序列
func (s *LedgerService) GetUpcomingExpirations(ctx context.Context, customerID string, monthsAhead int) ([]MonthlyExpiration, error) {
	if err := validateCustomer(customerID); err != nil {
		return nil, err
	}

	now := s.now()
	if !s.ExpirationEnabled() {
		return bucketExpirations(nil, 0, now, monthsAhead), nil
	}

	lots, err := s.aliveLots(ctx, customerID, now)
	if err != nil {
		return nil, err
	}
	return bucketExpirations(lots, s.cfg.ExpiryMonths, now, monthsAhead), nil
}

func (s *LedgerService) aliveLots(ctx context.Context, customerID string, now time.Time) ([]lot, error) {
	transactions, err := s.transactionRepo.ListByCustomerAsc(ctx, nil, customerID)
	if err != nil {
		return nil, fmt.Errorf("查询流水失败: %w", err)
	}
	return replayLots(transactions, s.cfg.ExpiryMonths, now), nil
}

func (s *LedgerService) ListTransactions(ctx context.Context, customerID string, page, pageSize int) ([]*model.LoyaltyTransaction, int64, error) {
	if err := validateCustomer(customerID); err != nil {
		return nil, 0, err
	}
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	return s.transactionRepo.ListByCustomerID(ctx, customerID, page, pageSize)
}

// OutboxBacklog 本地消息表积压情况
type OutboxBacklog struct {
	Pending int64 `json:"pending"`
	Failed  int64 `json:"failed"`
}

// OutboxBacklog FAILED 的消息需要人工处理
func (s *LedgerService) OutboxBacklog(ctx context.Context) (*OutboxBacklog, error) {
	pending, err := s.outboxRepo.CountByStatus(ctx, model.OutboxStatusPending)
	if err != nil {
		return nil, fmt.Errorf("统计待发送消息失败: %w", err)
	}
	failed, err := s.outboxRepo.CountByStatus(ctx, model.OutboxStatusFailed)
	if err != nil {
		return nil, fmt.Errorf("统计失败消息失败: %w", err)
	}
	return &OutboxBacklog{Pending: pending, Failed: failed}, nil
}

// ReconcileReport 余额表与流水合计的核对结果
type ReconcileReport struct {
	CustomerID string `json:"customer_id"`
	RawPoints  int64  `json:"raw_points"`
	LedgerSum  int64  `json:"ledger_sum"`
	Difference int64  `json:"difference"`
	Spendable  int64  `json:"spendable"`
	Consistent bool   `json:"consistent"`
}

// Reconcile 只读核对，不回写余额表
// AddPoints 不写流水，走过原始调整的账户会在这里体现差额
func (s *LedgerService) Reconcile(ctx context.Context, customerID string) (*ReconcileReport, error) {
	if err := validateCustomer(customerID); err != nil {
		return nil, err
	}

	var raw int64
	b, err := s.balanceRepo.GetByCustomerID(ctx, nil, customerID)
	switch {
	case err == nil:
		raw = b.Points
	case errors.Is(err, repository.ErrBalanceNotFound):
		raw = 0
	default:
		return nil, fmt.Errorf("查询积分账户失败: %w", err)
	}

	sum, err := s.transactionRepo.SumDelta(ctx, customerID)
	if err != nil {
		return nil, fmt.Errorf("汇总流水失败: %w", err)
	}

	spendable, err := s.GetPoints(ctx, customerID)
	if err != nil {
		return nil, err
	}

	report := &ReconcileReport{
		CustomerID: customerID,
		RawPoints:  raw,
		LedgerSum:  sum,
		Difference: raw - sum,
		Spendable:  spendable,
		Consistent: raw == sum,
	}

	if !report.Consistent {
		zap.L().Warn("积分对账不一致",
			zap.String("customer_id", customerID),
			zap.Int64("raw_points", raw),
			zap.Int64("ledger_sum", sum),
			zap.Int64("difference", report.Difference))
	}
	return report, nil
}

func validateCustomer(customerID string) error {
	if strings.TrimSpace(customerID) == "" {
		return ErrInvalidCustomer
	}
	return nil
}
