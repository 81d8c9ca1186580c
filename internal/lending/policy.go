package lending

import (
	"math"
	"math/bits"
	"time"
)

// Outcome 是一次结算的时间分类。
type Outcome string

const (
	OutcomeEarly   Outcome = "early"
	OutcomeOnTime  Outcome = "on_time"
	OutcomeLate    Outcome = "late"
	OutcomeDefault Outcome = "default"
)

// Deltas 是各结算结果对应的信誉增量。
type Deltas struct {
	Early   int32 `json:"early" yaml:"early"`
	OnTime  int32 `json:"on_time" yaml:"on_time"`
	Late    int32 `json:"late" yaml:"late"`
	Default int32 `json:"default" yaml:"default"`
}

// For 返回 outcome 对应的增量。
func (d Deltas) For(outcome Outcome) int32 {
	switch outcome {
	case OutcomeEarly:
		return d.Early
	case OutcomeOnTime:
		return d.OnTime
	case OutcomeLate:
		return d.Late
	case OutcomeDefault:
		return d.Default
	}
	return 0
}

// Config 控制借贷引擎的期限、门槛与信誉增量。
type Config struct {
	LoanDuration     time.Duration `json:"loan_duration" yaml:"loan_duration"`
	MaxLoanDuration  time.Duration `json:"max_loan_duration" yaml:"max_loan_duration"`
	GracePeriod      time.Duration `json:"grace_period" yaml:"grace_period"`
	EarlyWindow      time.Duration `json:"early_window" yaml:"early_window"`
	MinScore         uint32        `json:"min_score" yaml:"min_score"`
	EnforceTierLimit bool          `json:"enforce_tier_limit" yaml:"enforce_tier_limit"`
	// MaxUtilization 是放款后允许的最高资金利用率（百分比），0 表示不限制。
	MaxUtilization uint32 `json:"max_utilization" yaml:"max_utilization"`
	Deltas         Deltas `json:"deltas" yaml:"deltas"`
}

// DefaultConfig 返回协议默认参数。
func DefaultConfig() Config {
	return Config{
		LoanDuration:     7 * 24 * time.Hour,
		MaxLoanDuration:  90 * 24 * time.Hour,
		GracePeriod:      24 * time.Hour,
		EarlyWindow:      12 * time.Hour,
		MinScore:         60,
		EnforceTierLimit: true,
		Deltas: Deltas{
			Early:   12,
			OnTime:  8,
			Late:    -5,
			Default: -25,
		},
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.LoanDuration <= 0 {
		c.LoanDuration = def.LoanDuration
	}
	if c.MaxLoanDuration < c.LoanDuration {
		c.MaxLoanDuration = c.LoanDuration
	}
	if c.GracePeriod < 0 {
		c.GracePeriod = 0
	}
	if c.EarlyWindow < 0 {
		c.EarlyWindow = 0
	}
	if c.Deltas == (Deltas{}) {
		c.Deltas = def.Deltas
	}
	return c
}

// Classify 按还款时间相对到期时间分类：
// now ≤ due−early 为提前，≤ due 为按时，≤ due+grace 为逾期，其余为违约。
func (c Config) Classify(now, due time.Time) Outcome {
	switch {
	case !now.After(due.Add(-c.EarlyWindow)):
		return OutcomeEarly
	case !now.After(due):
		return OutcomeOnTime
	case !now.After(due.Add(c.GracePeriod)):
		return OutcomeLate
	}
	return OutcomeDefault
}

// utilization 计算 part 占 whole 的百分比，向下取整。
func utilization(part, whole uint64) uint64 {
	if whole == 0 {
		if part == 0 {
			return 0
		}
		return math.MaxUint64
	}
	hi, lo := bits.Mul64(part, 100)
	if hi >= whole {
		return math.MaxUint64
	}
	q, _ := bits.Div64(hi, lo, whole)
	return q
}

// saturatingAdd 溢出时返回 MaxUint64。
func saturatingAdd(a, b uint64) uint64 {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return math.MaxUint64
	}
	return sum
}
