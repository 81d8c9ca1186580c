package reputation

// UnitsPerToken 是一个完整记账单位对应的最小单位数量。
const UnitsPerToken uint64 = 10_000_000

// 分数边界。
const (
	MinScore     uint32 = 0
	MaxScore     uint32 = 100
	DefaultScore uint32 = 50
)

// Tier 描述一个信用等级。
type Tier struct {
	Level    uint8  `json:"level"`
	Name     string `json:"name"`
	MinScore uint32 `json:"min_score"`
	MaxScore uint32 `json:"max_score"`
	MaxLoan  uint64 `json:"max_loan"`
}

var tiers = [...]Tier{
	{Level: 0, Name: "No Credit", MinScore: 0, MaxScore: 49, MaxLoan: 0},
	{Level: 1, Name: "Basic", MinScore: 50, MaxScore: 59, MaxLoan: UnitsPerToken / 2},
	{Level: 2, Name: "Good", MinScore: 60, MaxScore: 74, MaxLoan: 2 * UnitsPerToken},
	{Level: 3, Name: "Excellent", MinScore: 75, MaxScore: 89, MaxLoan: 5 * UnitsPerToken},
	{Level: 4, Name: "Elite", MinScore: 90, MaxScore: 100, MaxLoan: 10 * UnitsPerToken},
}

// Tiers 返回完整等级表。
func Tiers() []Tier {
	return append([]Tier(nil), tiers[:]...)
}

// TierFor 返回分数所属等级，超出上限的分数按最高等级处理。
func TierFor(score uint32) Tier {
	for i := len(tiers) - 1; i >= 0; i-- {
		if score >= tiers[i].MinScore {
			return tiers[i]
		}
	}
	return tiers[0]
}

// MaxLoanFor 返回分数对应的最高借款额。
func MaxLoanFor(score uint32) uint64 {
	return TierFor(score).MaxLoan
}

func clamp(score int64) uint32 {
	switch {
	case score < int64(MinScore):
		return MinScore
	case score > int64(MaxScore):
		return MaxScore
	}
	return uint32(score)
}
