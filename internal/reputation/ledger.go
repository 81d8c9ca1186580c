package reputation

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"DACTP-Chain/internal/events"
	xerrors "DACTP-Chain/internal/errors"
	"DACTP-Chain/internal/state"
	"DACTP-Chain/pkg/logger"
)

// CodeCallerNotApproved 表示调用方不在白名单中。
const CodeCallerNotApproved xerrors.Code = "CALLER_NOT_APPROVED"

func init() {
	xerrors.Register(CodeCallerNotApproved, xerrors.Attributes{
		Message:  "caller is not approved to change reputation",
		Severity: xerrors.SeverityWarning,
		Status:   http.StatusForbidden,
	})
}

var (
	ErrCallerNotApproved  = xerrors.New(CodeCallerNotApproved, "")
	ErrAlreadyInitialized = xerrors.New(xerrors.CodeAlreadyInitialized, "reputation ledger already initialized")
	ErrNotInitialized     = xerrors.New(xerrors.CodeNotInitialized, "reputation ledger not initialized")
)

const (
	adminKey        = "rep/admin"
	callerKeyPrefix = "rep/caller/"
	scoreKeyPrefix  = "rep/score/"
)

type adminRecord struct {
	Admin         common.Address `cbor:"1,keyasint"`
	InitializedAt int64          `cbor:"2,keyasint"`
}

type scoreRecord struct {
	Score     uint32 `cbor:"1,keyasint"`
	UpdatedAt int64  `cbor:"2,keyasint"`
}

// Ledger 保存每个代理的信誉分，只有白名单调用方可以修改。
type Ledger struct {
	host   *state.Host
	logger *slog.Logger
}

// Option 定义可选配置。
type Option func(*Ledger)

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(ld *Ledger) {
		if l != nil {
			ld.logger = l
		}
	}
}

// New 构造信誉账本。
func New(host *state.Host, opts ...Option) *Ledger {
	ld := &Ledger{host: host, logger: logger.Named("reputation")}
	for _, opt := range opts {
		if opt != nil {
			opt(ld)
		}
	}
	return ld
}

// Initialize 设置管理员，只能调用一次。
func (l *Ledger) Initialize(ctx context.Context, admin common.Address) error {
	return l.host.Exec(ctx, "initialize_reputation", []common.Address{admin}, func(ctx context.Context, tx *state.Txn) error {
		var existing adminRecord
		found, err := tx.Get(ctx, adminKey, &existing)
		if err != nil {
			return err
		}
		if found {
			return ErrAlreadyInitialized
		}
		if err := tx.Put(adminKey, adminRecord{Admin: admin, InitializedAt: tx.Now().Unix()}); err != nil {
			return err
		}
		tx.Emit(events.New(events.TypeReputationInitialized, admin, nil))
		return nil
	})
}

// ApproveCaller 将 caller 加入白名单，重复添加是幂等的。
func (l *Ledger) ApproveCaller(ctx context.Context, admin, caller common.Address) error {
	return l.host.Exec(ctx, "approve_caller", []common.Address{admin}, func(ctx context.Context, tx *state.Txn) error {
		if err := l.requireAdmin(ctx, tx, admin); err != nil {
			return err
		}
		var approved bool
		if _, err := tx.Get(ctx, state.Key(callerKeyPrefix, caller), &approved); err != nil {
			return err
		}
		if approved {
			return nil
		}
		if err := tx.Put(state.Key(callerKeyPrefix, caller), true); err != nil {
			return err
		}
		tx.Emit(events.New(events.TypeCallerApproved, caller, map[string]any{"admin": admin.Hex()}))
		return nil
	})
}

// RemoveCaller 将 caller 移出白名单。
func (l *Ledger) RemoveCaller(ctx context.Context, admin, caller common.Address) error {
	return l.host.Exec(ctx, "remove_caller", []common.Address{admin}, func(ctx context.Context, tx *state.Txn) error {
		if err := l.requireAdmin(ctx, tx, admin); err != nil {
			return err
		}
		var approved bool
		if _, err := tx.Get(ctx, state.Key(callerKeyPrefix, caller), &approved); err != nil {
			return err
		}
		if !approved {
			return nil
		}
		if err := tx.Delete(state.Key(callerKeyPrefix, caller)); err != nil {
			return err
		}
		tx.Emit(events.New(events.TypeCallerRemoved, caller, map[string]any{"admin": admin.Hex()}))
		return nil
	})
}

// UpdateScore 对分数施加增量并截断到 [0, 100]，返回新分数。
func (l *Ledger) UpdateScore(ctx context.Context, caller, agent common.Address, delta int32) (uint32, error) {
	var updated uint32
	err := l.host.Exec(ctx, "update_score", []common.Address{caller}, func(ctx context.Context, tx *state.Txn) error {
		if err := l.requireApproved(ctx, tx, caller); err != nil {
			return err
		}
		old, err := l.readScore(ctx, tx, agent)
		if err != nil {
			return err
		}
		updated = clamp(int64(old) + int64(delta))
		if err := tx.Put(state.Key(scoreKeyPrefix, agent), scoreRecord{Score: updated, UpdatedAt: tx.Now().Unix()}); err != nil {
			return err
		}
		tx.Emit(events.New(events.TypeReputationUpdated, agent, map[string]any{
			"caller": caller.Hex(),
			"delta":  delta,
			"old":    old,
			"new":    updated,
		}))
		return nil
	})
	if err != nil {
		return 0, err
	}
	return updated, nil
}

// FreezeReputation 将分数直接置为 0。
func (l *Ledger) FreezeReputation(ctx context.Context, caller, agent common.Address) error {
	return l.host.Exec(ctx, "freeze_reputation", []common.Address{caller}, func(ctx context.Context, tx *state.Txn) error {
		if err := l.requireApproved(ctx, tx, caller); err != nil {
			return err
		}
		old, err := l.readScore(ctx, tx, agent)
		if err != nil {
			return err
		}
		if err := tx.Put(state.Key(scoreKeyPrefix, agent), scoreRecord{Score: MinScore, UpdatedAt: tx.Now().Unix()}); err != nil {
			return err
		}
		tx.Emit(events.New(events.TypeReputationFrozen, agent, map[string]any{"caller": caller.Hex(), "old": old}))
		return nil
	})
}

// GetScore 返回分数，没有记录时为 50。
func (l *Ledger) GetScore(ctx context.Context, agent common.Address) (uint32, error) {
	var score uint32
	err := l.host.View(ctx, func(ctx context.Context, tx *state.Txn) error {
		var err error
		score, err = l.readScore(ctx, tx, agent)
		return err
	})
	return score, err
}

// GetTier 返回代理当前等级。
func (l *Ledger) GetTier(ctx context.Context, agent common.Address) (Tier, error) {
	score, err := l.GetScore(ctx, agent)
	if err != nil {
		return Tier{}, err
	}
	return TierFor(score), nil
}

// IsApproved 判断 caller 是否在白名单中。
func (l *Ledger) IsApproved(ctx context.Context, caller common.Address) (bool, error) {
	var approved bool
	err := l.host.View(ctx, func(ctx context.Context, tx *state.Txn) error {
		_, err := tx.Get(ctx, state.Key(callerKeyPrefix, caller), &approved)
		return err
	})
	return approved, err
}

// Admin 返回管理员地址；未初始化时第二个返回值为 false。
func (l *Ledger) Admin(ctx context.Context) (common.Address, bool, error) {
	var rec adminRecord
	var found bool
	err := l.host.View(ctx, func(ctx context.Context, tx *state.Txn) error {
		var err error
		found, err = tx.Get(ctx, adminKey, &rec)
		return err
	})
	return rec.Admin, found, err
}

func (l *Ledger) readScore(ctx context.Context, tx *state.Txn, agent common.Address) (uint32, error) {
	var rec scoreRecord
	found, err := tx.Get(ctx, state.Key(scoreKeyPrefix, agent), &rec)
	if err != nil {
		return 0, err
	}
	if !found {
		return DefaultScore, nil
	}
	return rec.Score, nil
}

func (l *Ledger) requireAdmin(ctx context.Context, tx *state.Txn, admin common.Address) error {
	var rec adminRecord
	found, err := tx.Get(ctx, adminKey, &rec)
	if err != nil {
		return err
	}
	if !found {
		return ErrNotInitialized
	}
	if rec.Admin != admin {
		return xerrors.New(xerrors.CodeUnauthorized, "caller is not the ledger admin", xerrors.WithMetadata("caller", admin.Hex()))
	}
	return nil
}

func (l *Ledger) requireApproved(ctx context.Context, tx *state.Txn, caller common.Address) error {
	var approved bool
	if _, err := tx.Get(ctx, state.Key(callerKeyPrefix, caller), &approved); err != nil {
		return err
	}
	if !approved {
		l.logger.Warn("未授权的信誉修改请求", slog.String("caller", caller.Hex()))
		return xerrors.New(CodeCallerNotApproved, "", xerrors.WithMetadata("caller", caller.Hex()))
	}
	return nil
}
