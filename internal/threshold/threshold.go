// Package threshold 提供纯函数式的投票阈值评估器。
//
// 无状态、无 I/O：同一输入永远产生同一判定，便于独立单测。
package threshold

import "math"

// Aggregation 对一批已持久化表决的聚合统计 (仅覆盖真正落地的表决)。
type Aggregation struct {
	Scores []int // 参与聚合的各表决分数
}

// AvgScore 返回整数四舍五入的平均分；无表决时返回 0。
func (a Aggregation) AvgScore() int {
	if len(a.Scores) == 0 {
		return 0
	}
	sum := 0
	for _, s := range a.Scores {
		sum += s
	}
	mean := float64(sum) / float64(len(a.Scores))
	return int(math.Round(mean))
}

// Min 返回参与聚合表决中的最低分；无表决时返回 0。
func (a Aggregation) Min() int {
	if len(a.Scores) == 0 {
		return 0
	}
	m := a.Scores[0]
	for _, s := range a.Scores[1:] {
		if s < m {
			m = s
		}
	}
	return m
}

// Max 返回参与聚合表决中的最高分；无表决时返回 0。
func (a Aggregation) Max() int {
	if len(a.Scores) == 0 {
		return 0
	}
	m := a.Scores[0]
	for _, s := range a.Scores[1:] {
		if s > m {
			m = s
		}
	}
	return m
}

// Threshold 投票接受规则配置 (MeetingConfig.Threshold 的评估子集)。
type Threshold struct {
	Mode              string
	AvgScoreThreshold int
	MinRounds         int
}

// Verdict 评估结果。
type Verdict struct {
	Accepted bool
	Reason   string
	AvgScore int
}

// Evaluate 对 (threshold, round, aggregation) 求值，纯函数。
//
// mode=avg_score: round < min_rounds 时以 "min rounds not reached" 拒绝；
// 否则当 avg_score >= avg_score_threshold 时接受。未知 mode 一律拒绝。
func Evaluate(t Threshold, round int, agg Aggregation) Verdict {
	if t.Mode != "avg_score" {
		return Verdict{Accepted: false, Reason: "unknown threshold mode: " + t.Mode}
	}
	if round < t.MinRounds {
		return Verdict{Accepted: false, Reason: "min rounds not reached", AvgScore: agg.AvgScore()}
	}
	avg := agg.AvgScore()
	if avg >= t.AvgScoreThreshold {
		return Verdict{Accepted: true, Reason: "avg_score meets threshold", AvgScore: avg}
	}
	return Verdict{Accepted: false, Reason: "avg_score below threshold", AvgScore: avg}
}
