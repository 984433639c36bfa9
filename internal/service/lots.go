package service

import (
	"time"

	"loyaltyledger/internal/model"
)

// ============================================================================
// 积分批次（lot）回放
// ============================================================================
//
// 每笔正数流水生成一个批次 {points, earnedAt}，按时间顺序排队。
// 负数流水从队首开始扣减（先进先出），扣完的批次出队，扣一半的批次原地缩小。
// 每处理完一笔流水，清理所有 earnedAt + expiryMonths <= now 的批次，
// 不管这个批次有没有被用过。
//
// 例：expiryMonths = 6，now = 2025-06-10
//
//	+100 @ 2025-01-05  -> [100@01-05]
//	+50  @ 2025-03-01  -> [100@01-05, 50@03-01]
//	-120 @ 2025-04-02  -> [30@03-01]
//	+40  @ 2025-05-20  -> [30@03-01, 40@05-20]
//	可用积分 = 70，其中 30 在 2025-09 过期，40 在 2025-11 过期
//
// ============================================================================

const (
	monthKeyLayout = "2006-01"
	minMonthsAhead = 1
	maxMonthsAhead = 24
)

type lot struct {
	points   int64
	earnedAt time.Time
}

// MonthlyExpiration 某个月将要过期的积分
type MonthlyExpiration struct {
	Month   string `json:"month"`
	Expires int64  `json:"expires"`
}

func expiresAt(earnedAt time.Time, expiryMonths int) time.Time {
	return earnedAt.AddDate(0, expiryMonths, 0)
}

// replayLots 按时间正序回放流水，返回当前仍有效的批次
func replayLots(transactions []*model.LoyaltyTransaction, expiryMonths int, now time.Time) []lot {
	queue := make([]lot, 0, len(transactions))

	for _, t := range transactions {
		switch {
		case t.PointsDelta > 0:
			queue = append(queue, lot{
				points:   t.PointsDelta,
				earnedAt: t.CreatedAt.In(now.Location()),
			})
		case t.PointsDelta < 0:
			queue = consumeLots(queue, -t.PointsDelta)
		}
		queue = pruneExpired(queue, expiryMonths, now)
	}

	return queue
}

// consumeLots 从队首扣减，队列扣空后剩余部分忽略
func consumeLots(queue []lot, spend int64) []lot {
	for spend > 0 && len(queue) > 0 {
		if queue[0].points > spend {
			queue[0].points -= spend
			return queue
		}
		spend -= queue[0].points
		queue = queue[1:]
	}
	return queue
}

// pruneExpired 遍历整个队列而不是只看队首：
// AddDate 的月末进位（01-31 + 1 个月 = 03-03）使过期时间不一定随 earnedAt 单调
func pruneExpired(queue []lot, expiryMonths int, now time.Time) []lot {
	kept := queue[:0]
	for _, l := range queue {
		if expiresAt(l.earnedAt, expiryMonths).After(now) {
			kept = append(kept, l)
		}
	}
	return kept
}

func sumLots(lots []lot) int64 {
	var total int64
	for _, l := range lots {
		total += l.points
	}
	return total
}

func clampMonthsAhead(monthsAhead int) int {
	if monthsAhead < minMonthsAhead {
		return minMonthsAhead
	}
	if monthsAhead > maxMonthsAhead {
		return maxMonthsAhead
	}
	return monthsAhead
}

// bucketExpirations 从本月开始的固定长度月度序列，没有过期的月份补 0
func bucketExpirations(lots []lot, expiryMonths int, now time.Time, monthsAhead int) []MonthlyExpiration {
	n := clampMonthsAhead(monthsAhead)

	buckets := make(map[string]int64, len(lots))
	for _, l := range lots {
		exp := expiresAt(l.earnedAt, expiryMonths)
		if !exp.After(now) {
			continue
		}
		buckets[exp.In(now.Location()).Format(monthKeyLayout)] += l.points
	}

	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	series := make([]MonthlyExpiration, n)
	for i := range series {
		key := start.AddDate(0, i, 0).Format(monthKeyLayout)
		series[i] = MonthlyExpiration{Month: key, Expires: buckets[key]}
	}
	return series
}
