// Package lending 实现基于授权与信誉门槛的借贷状态机。
//
// 引擎以自身身份持有资金池：放款时从池中转出，还款时转回，
// 并作为信誉账本的白名单调用方根据结算时间调整代理分数。
package lending

import (
	"context"
	"log/slog"
	"slices"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"DACTP-Chain/internal/auth"
	"DACTP-Chain/internal/events"
	xerrors "DACTP-Chain/internal/errors"
	"DACTP-Chain/internal/registry"
	"DACTP-Chain/internal/reputation"
	"DACTP-Chain/internal/state"
	"DACTP-Chain/pkg/logger"
)

const (
	configKey     = "lend/config"
	openIndexKey  = "lend/open"
	poolKey       = "lend/pool"
	loanKeyPrefix = "loan/"
)

// Engine 管理贷款生命周期。
type Engine struct {
	host     *state.Host
	agents   AgentChecker
	ledger   ScoreLedger
	treasury Treasury
	cfg      Config
	self     common.Address
	logger   *slog.Logger
}

// Option 定义可选配置。
type Option func(*Engine)

// WithConfig 覆盖默认参数。
func WithConfig(cfg Config) Option {
	return func(e *Engine) {
		e.cfg = cfg.withDefaults()
	}
}

// WithIdentity 指定引擎在账本与资金池中使用的身份。
func WithIdentity(addr common.Address) Option {
	return func(e *Engine) {
		if addr != (common.Address{}) {
			e.self = addr
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// New 绑定注册表、信誉账本与资金池资产，构造借贷引擎。
func New(host *state.Host, agents AgentChecker, ledger ScoreLedger, treasury Treasury, opts ...Option) *Engine {
	e := &Engine{
		host:     host,
		agents:   agents,
		ledger:   ledger,
		treasury: treasury,
		cfg:      DefaultConfig(),
		self:     auth.ContractAddress("lending"),
		logger:   logger.Named("lending"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Identity 返回引擎身份，即资金池账户。
func (e *Engine) Identity() common.Address { return e.self }

// Config 返回生效参数。
func (e *Engine) Config() Config { return e.cfg }

// Initialize 记录引擎管理员，只能调用一次。
func (e *Engine) Initialize(ctx context.Context, admin common.Address) error {
	return e.host.Exec(ctx, "initialize_lending", []common.Address{admin}, func(ctx context.Context, tx *state.Txn) error {
		var existing configRecord
		found, err := tx.Get(ctx, configKey, &existing)
		if err != nil {
			return err
		}
		if found {
			return ErrAlreadyInitialized
		}
		rec := configRecord{Admin: admin, Identity: e.self, InitializedAt: tx.Now().Unix()}
		if err := tx.Put(configKey, rec); err != nil {
			return err
		}
		tx.Emit(events.New(events.TypeLendingInitialized, admin, map[string]any{"identity": e.self.Hex()}))
		return nil
	})
}

// LoanOption 调整单笔贷款参数。
type LoanOption func(*loanRequest)

type loanRequest struct {
	duration time.Duration
}

// WithDuration 指定贷款期限，必须在 (0, MaxLoanDuration] 之间。
func WithDuration(d time.Duration) LoanOption {
	return func(r *loanRequest) {
		r.duration = d
	}
}

// RequestLoan 为 agent 发放一笔贷款。
func (e *Engine) RequestLoan(ctx context.Context, agent common.Address, amount uint64, opts ...LoanOption) (*Loan, error) {
	req := loanRequest{duration: e.cfg.LoanDuration}
	for _, opt := range opts {
		if opt != nil {
			opt(&req)
		}
	}

	var issued Loan
	err := e.host.Exec(ctx, "request_loan", []common.Address{agent}, func(ctx context.Context, tx *state.Txn) error {
		if err := e.requireInitialized(ctx, tx); err != nil {
			return err
		}
		if amount == 0 {
			return xerrors.New(xerrors.CodeInvalidArgument, "loan amount must be positive")
		}
		if req.duration < time.Second || req.duration > e.cfg.MaxLoanDuration {
			return xerrors.New(xerrors.CodeInvalidArgument, "loan duration out of range",
				xerrors.WithMetadata("duration", req.duration.String()),
				xerrors.WithMetadata("max", e.cfg.MaxLoanDuration.String()))
		}
		if err := e.agents.Check(ctx, agent, registry.ActionBorrow, amount); err != nil {
			return err
		}

		score, err := e.ledger.GetScore(ctx, agent)
		if err != nil {
			return err
		}
		if score < e.cfg.MinScore {
			return xerrors.New(CodeInsufficientReputation, "",
				xerrors.WithMetadata("score", strconv.FormatUint(uint64(score), 10)),
				xerrors.WithMetadata("required", strconv.FormatUint(uint64(e.cfg.MinScore), 10)))
		}
		if limit := reputation.MaxLoanFor(score); e.cfg.EnforceTierLimit && amount > limit {
			return xerrors.New(CodeTierLimitExceeded, "",
				xerrors.WithMetadata("limit", formatUint(limit)),
				xerrors.WithMetadata("amount", formatUint(amount)))
		}

		existing, found, err := readLoan(ctx, tx, agent)
		if err != nil {
			return err
		}
		if found && !existing.Repaid {
			return xerrors.New(CodeLoanAlreadyActive, "", xerrors.WithMetadata("agent", agent.Hex()))
		}

		liquidity, err := e.treasury.BalanceOf(ctx, e.self)
		if err != nil {
			return err
		}
		if liquidity < amount {
			return xerrors.New(CodeInsufficientLiquidity, "",
				xerrors.WithMetadata("liquidity", formatUint(liquidity)),
				xerrors.WithMetadata("amount", formatUint(amount)))
		}
		pool, err := readPool(ctx, tx)
		if err != nil {
			return err
		}
		if e.cfg.MaxUtilization > 0 {
			projected := utilization(saturatingAdd(pool.Outstanding, amount), saturatingAdd(liquidity, pool.Outstanding))
			if projected > uint64(e.cfg.MaxUtilization) {
				return xerrors.New(CodePoolUtilizationTooHigh, "",
					xerrors.WithMetadata("projected", formatUint(projected)),
					xerrors.WithMetadata("max", formatUint(uint64(e.cfg.MaxUtilization))))
			}
		}

		now := tx.Now()
		issued = Loan{
			Agent:     agent,
			Amount:    amount,
			CreatedAt: now.Unix(),
			DueAt:     now.Add(req.duration).Unix(),
		}
		if err := tx.Put(state.Key(loanKeyPrefix, agent), issued); err != nil {
			return err
		}
		if err := updateOpenIndex(ctx, tx, agent, true); err != nil {
			return err
		}
		pool.Outstanding += amount
		pool.Issued++
		if err := tx.Put(poolKey, pool); err != nil {
			return err
		}
		if err := e.treasury.Transfer(e.asSelf(ctx), e.self, agent, amount); err != nil {
			return err
		}
		tx.Emit(events.New(events.TypeLoanIssued, agent, map[string]any{
			"amount": amount,
			"due_at": issued.DueAt,
			"score":  score,
		}))
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("贷款已发放",
		slog.String("agent", agent.Hex()),
		slog.Uint64("amount", amount),
		slog.Time("due_at", issued.Due()),
	)
	return &issued, nil
}

// RepayLoan 结清 agent 的贷款，并按结算时间调整信誉。
//
// 代理必须仍持有 repay 授权且额度覆盖本金；吊销后无法再还款。
// 已被标记违约的贷款在结清时不再调整分数；宽限期后还款但尚未被标记的，按逾期处理。
func (e *Engine) RepayLoan(ctx context.Context, agent common.Address) (*Settlement, error) {
	var result Settlement
	err := e.host.Exec(ctx, "repay_loan", []common.Address{agent}, func(ctx context.Context, tx *state.Txn) error {
		if err := e.requireInitialized(ctx, tx); err != nil {
			return err
		}
		loan, found, err := readLoan(ctx, tx, agent)
		if err != nil {
			return err
		}
		if !found {
			return xerrors.New(CodeLoanNotFound, "", xerrors.WithMetadata("agent", agent.Hex()))
		}
		if loan.Repaid {
			return xerrors.New(CodeAlreadyRepaid, "", xerrors.WithMetadata("agent", agent.Hex()))
		}
		if err := e.agents.Check(ctx, agent, registry.ActionRepay, loan.Amount); err != nil {
			return err
		}

		now := tx.Now()
		outcome := e.cfg.Classify(now, loan.Due())
		if outcome == OutcomeDefault {
			outcome = OutcomeLate
		}
		delta := e.cfg.Deltas.For(outcome)
		if loan.PenaltyApplied {
			outcome, delta = OutcomeDefault, 0
		}

		if err := e.treasury.Transfer(ctx, agent, e.self, loan.Amount); err != nil {
			return err
		}
		loan.Repaid = true
		loan.RepaidAt = now.Unix()
		loan.Outcome = outcome
		if err := tx.Put(state.Key(loanKeyPrefix, agent), loan); err != nil {
			return err
		}
		if err := updateOpenIndex(ctx, tx, agent, false); err != nil {
			return err
		}
		pool, err := readPool(ctx, tx)
		if err != nil {
			return err
		}
		pool.Outstanding -= min(pool.Outstanding, loan.Amount)
		pool.Repaid++
		if err := tx.Put(poolKey, pool); err != nil {
			return err
		}

		var score uint32
		if delta != 0 {
			score, err = e.ledger.UpdateScore(e.asSelf(ctx), e.self, agent, delta)
		} else {
			score, err = e.ledger.GetScore(ctx, agent)
		}
		if err != nil {
			return err
		}
		result = Settlement{Loan: loan, Outcome: outcome, Delta: delta, Score: score}
		tx.Emit(events.New(events.TypeLoanRepaid, agent, map[string]any{
			"amount":  loan.Amount,
			"outcome": string(outcome),
			"delta":   delta,
			"score":   score,
		}))
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("贷款已结清",
		slog.String("agent", agent.Hex()),
		slog.String("outcome", string(result.Outcome)),
		slog.Int("delta", int(result.Delta)),
		slog.Uint64("score", uint64(result.Score)),
	)
	return &result, nil
}

// MarkOverdue 对超过宽限期的未结清贷款施加一次违约惩罚。任何人都可以调用。
func (e *Engine) MarkOverdue(ctx context.Context, agent common.Address) (*Settlement, error) {
	var result Settlement
	err := e.host.Exec(ctx, "mark_overdue", nil, func(ctx context.Context, tx *state.Txn) error {
		if err := e.requireInitialized(ctx, tx); err != nil {
			return err
		}
		loan, found, err := readLoan(ctx, tx, agent)
		if err != nil {
			return err
		}
		if !found || loan.Repaid {
			return xerrors.New(CodeLoanNotFound, "", xerrors.WithMetadata("agent", agent.Hex()))
		}
		if !e.pastGrace(tx.Now(), loan) {
			return xerrors.New(CodeNotYetOverdue, "",
				xerrors.WithMetadata("agent", agent.Hex()),
				xerrors.WithMetadata("grace_deadline", loan.Due().Add(e.cfg.GracePeriod).UTC().Format(time.RFC3339)))
		}
		if loan.PenaltyApplied {
			return xerrors.New(CodePenaltyAlreadyApplied, "", xerrors.WithMetadata("agent", agent.Hex()))
		}

		delta := e.cfg.Deltas.Default
		score, err := e.ledger.UpdateScore(e.asSelf(ctx), e.self, agent, delta)
		if err != nil {
			return err
		}
		loan.PenaltyApplied = true
		if err := tx.Put(state.Key(loanKeyPrefix, agent), loan); err != nil {
			return err
		}
		pool, err := readPool(ctx, tx)
		if err != nil {
			return err
		}
		pool.Defaulted++
		if err := tx.Put(poolKey, pool); err != nil {
			return err
		}
		result = Settlement{Loan: loan, Outcome: OutcomeDefault, Delta: delta, Score: score}
		tx.Emit(events.New(events.TypeLoanDefaulted, agent, map[string]any{
			"amount": loan.Amount,
			"delta":  delta,
			"score":  score,
		}))
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.Warn("贷款已标记违约",
		slog.String("agent", agent.Hex()),
		slog.Uint64("amount", result.Loan.Amount),
		slog.Uint64("score", uint64(result.Score)),
	)
	return &result, nil
}

// GetLoan 返回代理的贷款记录（包括已结清的最近一笔），不存在时返回 nil。
func (e *Engine) GetLoan(ctx context.Context, agent common.Address) (*Loan, error) {
	var (
		loan  Loan
		found bool
	)
	err := e.host.View(ctx, func(ctx context.Context, tx *state.Txn) error {
		var err error
		loan, found, err = readLoan(ctx, tx, agent)
		return err
	})
	if err != nil || !found {
		return nil, err
	}
	return &loan, nil
}

// IsLoanOverdue 判断贷款是否已超过宽限期且未结清。只读，不会施加惩罚。
func (e *Engine) IsLoanOverdue(ctx context.Context, agent common.Address) (bool, error) {
	var overdue bool
	err := e.host.View(ctx, func(ctx context.Context, tx *state.Txn) error {
		loan, found, err := readLoan(ctx, tx, agent)
		if err != nil {
			return err
		}
		overdue = found && !loan.Repaid && e.pastGrace(tx.Now(), loan)
		return nil
	})
	return overdue, err
}

// Liquidity 返回资金池可用余额。
func (e *Engine) Liquidity(ctx context.Context) (uint64, error) {
	return e.treasury.BalanceOf(ctx, e.self)
}

// PoolStats 返回资金池概况。
func (e *Engine) PoolStats(ctx context.Context) (PoolStats, error) {
	var stats PoolStats
	err := e.host.View(ctx, func(ctx context.Context, tx *state.Txn) error {
		liquidity, err := e.treasury.BalanceOf(ctx, e.self)
		if err != nil {
			return err
		}
		pool, err := readPool(ctx, tx)
		if err != nil {
			return err
		}
		open, err := readOpenIndex(ctx, tx)
		if err != nil {
			return err
		}
		stats = PoolStats{
			Liquidity:   liquidity,
			Outstanding: pool.Outstanding,
			OpenLoans:   len(open),
			Issued:      pool.Issued,
			Repaid:      pool.Repaid,
			Defaulted:   pool.Defaulted,
		}
		stats.UtilizationPercent = utilization(pool.Outstanding, saturatingAdd(liquidity, pool.Outstanding))
		return nil
	})
	return stats, err
}

// MaxLoanForScore 返回分数对应的最高借款额。
func (e *Engine) MaxLoanForScore(score uint32) uint64 {
	return reputation.MaxLoanFor(score)
}

// OverdueLoans 返回已超过宽限期且尚未被标记违约的代理。
func (e *Engine) OverdueLoans(ctx context.Context) ([]common.Address, error) {
	var overdue []common.Address
	err := e.host.View(ctx, func(ctx context.Context, tx *state.Txn) error {
		open, err := readOpenIndex(ctx, tx)
		if err != nil {
			return err
		}
		now := tx.Now()
		for _, agent := range open {
			loan, found, err := readLoan(ctx, tx, agent)
			if err != nil {
				return err
			}
			if !found || loan.Repaid || loan.PenaltyApplied {
				continue
			}
			if e.pastGrace(now, loan) {
				overdue = append(overdue, agent)
			}
		}
		return nil
	})
	return overdue, err
}

func (e *Engine) pastGrace(now time.Time, loan Loan) bool {
	return now.After(loan.Due().Add(e.cfg.GracePeriod))
}

// asSelf 以引擎身份发起嵌套调用。
func (e *Engine) asSelf(ctx context.Context) context.Context {
	return auth.WithSigners(ctx, e.self)
}

func (e *Engine) requireInitialized(ctx context.Context, tx *state.Txn) error {
	var rec configRecord
	found, err := tx.Get(ctx, configKey, &rec)
	if err != nil {
		return err
	}
	if !found {
		return ErrNotInitialized
	}
	return nil
}

func readLoan(ctx context.Context, tx *state.Txn, agent common.Address) (Loan, bool, error) {
	var loan Loan
	found, err := tx.Get(ctx, state.Key(loanKeyPrefix, agent), &loan)
	return loan, found, err
}

func readPool(ctx context.Context, tx *state.Txn) (poolRecord, error) {
	var pool poolRecord
	_, err := tx.Get(ctx, poolKey, &pool)
	return pool, err
}

func readOpenIndex(ctx context.Context, tx *state.Txn) ([]common.Address, error) {
	var open []common.Address
	_, err := tx.Get(ctx, openIndexKey, &open)
	return open, err
}

// updateOpenIndex 维护按地址排序的未结清贷款索引。
func updateOpenIndex(ctx context.Context, tx *state.Txn, agent common.Address, add bool) error {
	open, err := readOpenIndex(ctx, tx)
	if err != nil {
		return err
	}
	i, found := slices.BinarySearchFunc(open, agent, func(a, b common.Address) int { return a.Cmp(b) })
	switch {
	case add && !found:
		open = slices.Insert(open, i, agent)
	case !add && found:
		open = slices.Delete(open, i, i+1)
	default:
		return nil
	}
	if len(open) == 0 {
		return tx.Delete(openIndexKey)
	}
	return tx.Put(openIndexKey, open)
}

func formatUint(v uint64) string {
	return strconv.FormatUint(v, 10)
}
