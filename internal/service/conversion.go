package service

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var ErrInvalidAmount = errors.New("金额或积分数量不合法")

// Conversion 固定比例的 CLP <-> 积分换算
type Conversion struct {
	currencyPerPoint decimal.Decimal
}

func NewConversion(currencyPerPoint decimal.Decimal) Conversion {
	if !currencyPerPoint.IsPositive() {
		currencyPerPoint = decimal.NewFromInt(1000)
	}
	return Conversion{currencyPerPoint: currencyPerPoint}
}

func (c Conversion) CurrencyPerPoint() decimal.Decimal {
	return c.currencyPerPoint
}

// PointsFromAmount floor(amount / currencyPerPoint)
// 不足一个积分的部分直接舍去，0 和小额订单返回 0 而不是错误
func (c Conversion) PointsFromAmount(amountCLP decimal.Decimal) (int64, error) {
	if amountCLP.IsNegative() {
		return 0, fmt.Errorf("%w: amount=%s", ErrInvalidAmount, amountCLP.String())
	}
	// 非负数时截断即向下取整，QuoRem 不受 DivisionPrecision 舍入影响
	q, _ := amountCLP.QuoRem(c.currencyPerPoint, 0)
	return q.IntPart(), nil
}

// CurrencyFromPoints points * currencyPerPoint，不是 PointsFromAmount 的严格逆运算
func (c Conversion) CurrencyFromPoints(points int64) decimal.Decimal {
	return decimal.NewFromInt(points).Mul(c.currencyPerPoint)
}
