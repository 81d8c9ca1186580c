package lending

import (
	"context"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "DACTP-Chain/internal/errors"
)

// 借贷引擎错误码。
const (
	CodeInsufficientReputation xerrors.Code = "INSUFFICIENT_REPUTATION"
	CodeInsufficientLiquidity  xerrors.Code = "INSUFFICIENT_LIQUIDITY"
	CodeLoanAlreadyActive      xerrors.Code = "LOAN_ALREADY_ACTIVE"
	CodeLoanNotFound           xerrors.Code = "LOAN_NOT_FOUND"
	CodeAlreadyRepaid          xerrors.Code = "ALREADY_REPAID"
	CodeNotYetOverdue          xerrors.Code = "NOT_YET_OVERDUE"
	CodePenaltyAlreadyApplied  xerrors.Code = "PENALTY_ALREADY_APPLIED"
	CodeTierLimitExceeded      xerrors.Code = "TIER_LIMIT_EXCEEDED"
	CodePoolUtilizationTooHigh xerrors.Code = "POOL_UTILIZATION_TOO_HIGH"
)

func init() {
	xerrors.Register(CodeInsufficientReputation, xerrors.Attributes{Message: "reputation below lending threshold", Severity: xerrors.SeverityInfo, Status: http.StatusForbidden})
	xerrors.Register(CodeInsufficientLiquidity, xerrors.Attributes{Message: "insufficient pool liquidity", Severity: xerrors.SeverityWarning, Retryable: true, Status: http.StatusServiceUnavailable})
	xerrors.Register(CodeLoanAlreadyActive, xerrors.Attributes{Message: "agent already has an outstanding loan", Severity: xerrors.SeverityInfo, Status: http.StatusConflict})
	xerrors.Register(CodeLoanNotFound, xerrors.Attributes{Message: "no outstanding loan", Severity: xerrors.SeverityInfo, Status: http.StatusNotFound})
	xerrors.Register(CodeAlreadyRepaid, xerrors.Attributes{Message: "loan already repaid", Severity: xerrors.SeverityInfo, Status: http.StatusConflict})
	xerrors.Register(CodeNotYetOverdue, xerrors.Attributes{Message: "loan is still within its grace period", Severity: xerrors.SeverityInfo, Status: http.StatusConflict})
	xerrors.Register(CodePenaltyAlreadyApplied, xerrors.Attributes{Message: "default penalty already applied", Severity: xerrors.SeverityInfo, Status: http.StatusConflict})
	xerrors.Register(CodeTierLimitExceeded, xerrors.Attributes{Message: "amount exceeds reputation tier limit", Severity: xerrors.SeverityInfo, Status: http.StatusForbidden})
	xerrors.Register(CodePoolUtilizationTooHigh, xerrors.Attributes{Message: "pool utilization too high", Severity: xerrors.SeverityWarning, Retryable: true, Status: http.StatusServiceUnavailable})
}

var (
	ErrInsufficientReputation = xerrors.New(CodeInsufficientReputation, "")
	ErrInsufficientLiquidity  = xerrors.New(CodeInsufficientLiquidity, "")
	ErrLoanAlreadyActive      = xerrors.New(CodeLoanAlreadyActive, "")
	ErrLoanNotFound           = xerrors.New(CodeLoanNotFound, "")
	ErrAlreadyRepaid          = xerrors.New(CodeAlreadyRepaid, "")
	ErrNotYetOverdue          = xerrors.New(CodeNotYetOverdue, "")
	ErrPenaltyAlreadyApplied  = xerrors.New(CodePenaltyAlreadyApplied, "")
	ErrTierLimitExceeded      = xerrors.New(CodeTierLimitExceeded, "")
	ErrPoolUtilizationTooHigh = xerrors.New(CodePoolUtilizationTooHigh, "")
	ErrAlreadyInitialized     = xerrors.New(xerrors.CodeAlreadyInitialized, "lending engine already initialized")
	ErrNotInitialized         = xerrors.New(xerrors.CodeNotInitialized, "lending engine not initialized")
)

// AgentChecker 回答代理能否执行某个动作。
type AgentChecker interface {
	Check(ctx context.Context, agent common.Address, action string, amount uint64) error
}

// ScoreLedger 是引擎依赖的信誉账本能力。
type ScoreLedger interface {
	GetScore(ctx context.Context, agent common.Address) (uint32, error)
	UpdateScore(ctx context.Context, caller, agent common.Address, delta int32) (uint32, error)
}

// Treasury 是资金池使用的记账资产。
type Treasury interface {
	BalanceOf(ctx context.Context, who common.Address) (uint64, error)
	Transfer(ctx context.Context, from, to common.Address, amount uint64) error
}

// LoanStatus 描述贷款所处阶段。
type LoanStatus string

const (
	StatusActive    LoanStatus = "active"
	StatusDefaulted LoanStatus = "defaulted"
	StatusRepaid    LoanStatus = "repaid"
)

// Loan 是代理名下的贷款记录。同一代理最多只有一笔未结清贷款。
type Loan struct {
	Agent          common.Address `json:"agent" cbor:"1,keyasint"`
	Amount         uint64         `json:"amount" cbor:"2,keyasint"`
	CreatedAt      int64          `json:"created_at" cbor:"3,keyasint"`
	DueAt          int64          `json:"due_at" cbor:"4,keyasint"`
	Repaid         bool           `json:"repaid" cbor:"5,keyasint"`
	PenaltyApplied bool           `json:"penalty_applied" cbor:"6,keyasint"`
	RepaidAt       int64          `json:"repaid_at,omitempty" cbor:"7,keyasint,omitempty"`
	Outcome        Outcome        `json:"outcome,omitempty" cbor:"8,keyasint,omitempty"`
}

// Status 返回贷款阶段。违约但未结清的贷款仍然计入未偿余额。
func (l *Loan) Status() LoanStatus {
	switch {
	case l.Repaid:
		return StatusRepaid
	case l.PenaltyApplied:
		return StatusDefaulted
	}
	return StatusActive
}

// Due 返回到期时间。
func (l *Loan) Due() time.Time { return time.Unix(l.DueAt, 0) }

// Settlement 是一次还款或违约处理的结果。
type Settlement struct {
	Loan    Loan    `json:"loan"`
	Outcome Outcome `json:"outcome"`
	Delta   int32   `json:"delta"`
	Score   uint32  `json:"score"`
}

// PoolStats 汇总资金池状态。
type PoolStats struct {
	Liquidity          uint64 `json:"liquidity"`
	Outstanding        uint64 `json:"outstanding"`
	UtilizationPercent uint64 `json:"utilization_percent"`
	OpenLoans          int    `json:"open_loans"`
	Issued             uint64 `json:"issued"`
	Repaid             uint64 `json:"repaid"`
	Defaulted          uint64 `json:"defaulted"`
}

type configRecord struct {
	Admin         common.Address `cbor:"1,keyasint"`
	Identity      common.Address `cbor:"2,keyasint"`
	InitializedAt int64          `cbor:"3,keyasint"`
}

type poolRecord struct {
	Outstanding uint64 `cbor:"1,keyasint"`
	Issued      uint64 `cbor:"2,keyasint"`
	Repaid      uint64 `cbor:"3,keyasint"`
	Defaulted   uint64 `cbor:"4,keyasint"`
}
