// Package token 实现借贷池使用的记账资产：一次性初始化的管理员负责铸造，持有人之间可以转账。
package token

import (
	"context"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"DACTP-Chain/internal/events"
	xerrors "DACTP-Chain/internal/errors"
	"DACTP-Chain/internal/state"
	"DACTP-Chain/pkg/logger"
)

// CodeInsufficientBalance 表示余额不足以完成转账。
const CodeInsufficientBalance xerrors.Code = "INSUFFICIENT_BALANCE"

func init() {
	xerrors.Register(CodeInsufficientBalance, xerrors.Attributes{
		Message:  "insufficient balance",
		Severity: xerrors.SeverityInfo,
		Status:   http.StatusConflict,
	})
}

var (
	ErrInsufficientBalance = xerrors.New(CodeInsufficientBalance, "")
	ErrAlreadyInitialized  = xerrors.New(xerrors.CodeAlreadyInitialized, "token already initialized")
	ErrNotInitialized      = xerrors.New(xerrors.CodeNotInitialized, "token not initialized")
)

const (
	adminKey         = "token/admin"
	supplyKey        = "token/supply"
	balanceKeyPrefix = "token/bal/"
)

// Token 维护余额与总供应量。
type Token struct {
	host   *state.Host
	logger *slog.Logger
}

// Option 定义可选配置。
type Option func(*Token)

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(t *Token) {
		if l != nil {
			t.logger = l
		}
	}
}

// New 构造资产账本。
func New(host *state.Host, opts ...Option) *Token {
	t := &Token{host: host, logger: logger.Named("token")}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

// Initialize 记录铸币管理员。
func (t *Token) Initialize(ctx context.Context, admin common.Address) error {
	return t.host.Exec(ctx, "initialize_token", []common.Address{admin}, func(ctx context.Context, tx *state.Txn) error {
		var existing common.Address
		found, err := tx.Get(ctx, adminKey, &existing)
		if err != nil {
			return err
		}
		if found {
			return ErrAlreadyInitialized
		}
		if err := tx.Put(adminKey, admin); err != nil {
			return err
		}
		tx.Emit(events.New(events.TypeTokenInitialized, admin, nil))
		return nil
	})
}

// Mint 由管理员向 to 增发 amount。
func (t *Token) Mint(ctx context.Context, admin, to common.Address, amount uint64) error {
	return t.host.Exec(ctx, "mint", []common.Address{admin}, func(ctx context.Context, tx *state.Txn) error {
		var stored common.Address
		found, err := tx.Get(ctx, adminKey, &stored)
		if err != nil {
			return err
		}
		if !found {
			return ErrNotInitialized
		}
		if stored != admin {
			return xerrors.New(xerrors.CodeUnauthorized, "only the token admin can mint", xerrors.WithMetadata("caller", admin.Hex()))
		}
		if amount == 0 {
			return xerrors.New(xerrors.CodeInvalidArgument, "mint amount must be positive")
		}

		var supply uint64
		if _, err := tx.Get(ctx, supplyKey, &supply); err != nil {
			return err
		}
		if supply > math.MaxUint64-amount {
			return xerrors.New(xerrors.CodeInvalidArgument, "mint would overflow total supply")
		}
		balance, err := readBalance(ctx, tx, to)
		if err != nil {
			return err
		}
		if err := tx.Put(supplyKey, supply+amount); err != nil {
			return err
		}
		if err := tx.Put(state.Key(balanceKeyPrefix, to), balance+amount); err != nil {
			return err
		}
		tx.Emit(events.New(events.TypeTokenMinted, to, map[string]any{"amount": amount}))
		return nil
	})
}

// Transfer 从 from 向 to 转账，需要 from 的授权。
func (t *Token) Transfer(ctx context.Context, from, to common.Address, amount uint64) error {
	return t.host.Exec(ctx, "transfer", []common.Address{from}, func(ctx context.Context, tx *state.Txn) error {
		if amount == 0 {
			return xerrors.New(xerrors.CodeInvalidArgument, "transfer amount must be positive")
		}
		if to == (common.Address{}) {
			return xerrors.New(xerrors.CodeInvalidArgument, "transfer recipient must not be zero")
		}
		fromBalance, err := readBalance(ctx, tx, from)
		if err != nil {
			return err
		}
		if fromBalance < amount {
			return xerrors.New(CodeInsufficientBalance, "",
				xerrors.WithMetadata("account", from.Hex()),
				xerrors.WithMetadata("balance", formatUint(fromBalance)),
				xerrors.WithMetadata("amount", formatUint(amount)))
		}
		if from == to {
			return nil
		}
		toBalance, err := readBalance(ctx, tx, to)
		if err != nil {
			return err
		}
		// 余额之和不超过总供应量，加法不会溢出。
		if err := putBalance(tx, from, fromBalance-amount); err != nil {
			return err
		}
		if err := putBalance(tx, to, toBalance+amount); err != nil {
			return err
		}
		tx.Emit(events.New(events.TypeTokenTransferred, from, map[string]any{
			"to":     to.Hex(),
			"amount": amount,
		}))
		return nil
	})
}

// BalanceOf 返回账户余额。
func (t *Token) BalanceOf(ctx context.Context, who common.Address) (uint64, error) {
	var balance uint64
	err := t.host.View(ctx, func(ctx context.Context, tx *state.Txn) error {
		var err error
		balance, err = readBalance(ctx, tx, who)
		return err
	})
	return balance, err
}

// TotalSupply 返回总供应量。
func (t *Token) TotalSupply(ctx context.Context) (uint64, error) {
	var supply uint64
	err := t.host.View(ctx, func(ctx context.Context, tx *state.Txn) error {
		_, err := tx.Get(ctx, supplyKey, &supply)
		return err
	})
	return supply, err
}

// Admin 返回铸币管理员；未初始化时第二个返回值为 false。
func (t *Token) Admin(ctx context.Context) (common.Address, bool, error) {
	var (
		admin common.Address
		found bool
	)
	err := t.host.View(ctx, func(ctx context.Context, tx *state.Txn) error {
		var err error
		found, err = tx.Get(ctx, adminKey, &admin)
		return err
	})
	return admin, found, err
}

func readBalance(ctx context.Context, tx *state.Txn, who common.Address) (uint64, error) {
	var balance uint64
	if _, err := tx.Get(ctx, state.Key(balanceKeyPrefix, who), &balance); err != nil {
		return 0, err
	}
	return balance, nil
}

func putBalance(tx *state.Txn, who common.Address, balance uint64) error {
	if balance == 0 {
		return tx.Delete(state.Key(balanceKeyPrefix, who))
	}
	return tx.Put(state.Key(balanceKeyPrefix, who), balance)
}

func formatUint(v uint64) string {
	return strconv.FormatUint(v, 10)
}
