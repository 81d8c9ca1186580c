package registry

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"DACTP-Chain/internal/events"
	xerrors "DACTP-Chain/internal/errors"
	"DACTP-Chain/internal/state"
	"DACTP-Chain/pkg/logger"
)

const agentKeyPrefix = "agent/"

// Registry 维护代理身份、授权范围、额度与吊销状态。
type Registry struct {
	host   *state.Host
	logger *slog.Logger
}

// Option 定义可选配置。
type Option func(*Registry)

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// New 构造注册表。
func New(host *state.Host, opts ...Option) *Registry {
	r := &Registry{host: host, logger: logger.Named("registry")}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// RegisterAgent 由 owner 登记或覆盖代理记录。
func (r *Registry) RegisterAgent(ctx context.Context, owner, agent common.Address, scopes []string, maxAmount uint64) error {
	return r.host.Exec(ctx, "register_agent", []common.Address{owner}, func(ctx context.Context, tx *state.Txn) error {
		if agent == (common.Address{}) {
			return xerrors.New(xerrors.CodeInvalidArgument, "agent address must not be zero")
		}
		normalized, err := normalizeScopes(scopes)
		if err != nil {
			return err
		}

		var existing AgentInfo
		found, err := tx.Get(ctx, state.Key(agentKeyPrefix, agent), &existing)
		if err != nil {
			return err
		}
		if found {
			if existing.Owner != owner {
				return xerrors.New(xerrors.CodeUnauthorized, "agent is registered to another owner",
					xerrors.WithMetadata("agent", agent.Hex()))
			}
			if existing.Revoked {
				return xerrors.New(CodeRevoked, "revoked agents cannot be re-registered",
					xerrors.WithMetadata("agent", agent.Hex()))
			}
		}

		info := AgentInfo{
			Agent:     agent,
			Owner:     owner,
			Scopes:    normalized,
			MaxAmount: maxAmount,
			UpdatedAt: tx.Now().Unix(),
		}
		if err := tx.Put(state.Key(agentKeyPrefix, agent), info); err != nil {
			return err
		}
		tx.Emit(events.New(events.TypeAgentRegistered, agent, map[string]any{
			"owner":      owner.Hex(),
			"scopes":     normalized,
			"max_amount": maxAmount,
			"overwrite":  found,
		}))
		return nil
	})
}

// RevokeAgent 永久吊销代理。对已吊销的代理重复调用是幂等的。
func (r *Registry) RevokeAgent(ctx context.Context, owner, agent common.Address) error {
	return r.host.Exec(ctx, "revoke_agent", []common.Address{owner}, func(ctx context.Context, tx *state.Txn) error {
		var info AgentInfo
		found, err := tx.Get(ctx, state.Key(agentKeyPrefix, agent), &info)
		if err != nil {
			return err
		}
		if !found {
			return xerrors.New(CodeNotRegistered, "", xerrors.WithMetadata("agent", agent.Hex()))
		}
		if info.Owner != owner {
			return xerrors.New(xerrors.CodeUnauthorized, "only the owner can revoke an agent",
				xerrors.WithMetadata("agent", agent.Hex()))
		}
		if info.Revoked {
			return nil
		}
		info.Revoked = true
		info.UpdatedAt = tx.Now().Unix()
		if err := tx.Put(state.Key(agentKeyPrefix, agent), info); err != nil {
			return err
		}
		tx.Emit(events.New(events.TypeAgentRevoked, agent, map[string]any{"owner": owner.Hex()}))
		return nil
	})
}

// Check 返回 agent 执行 action 被拒绝的原因，允许时返回 nil。只读。
func (r *Registry) Check(ctx context.Context, agent common.Address, action string, amount uint64) error {
	info, err := r.GetAgentInfo(ctx, agent)
	if err != nil {
		return err
	}
	if info == nil {
		return xerrors.New(CodeNotRegistered, "", xerrors.WithMetadata("agent", agent.Hex()))
	}
	return info.Allows(action, amount)
}

// IsAuthorized 是全函数：任何失败（包括存储错误）都回答 false。
func (r *Registry) IsAuthorized(ctx context.Context, agent common.Address, action string, amount uint64) bool {
	err := r.Check(ctx, agent, action, amount)
	if err != nil && xerrors.CodeOf(err) == xerrors.CodeStorageFailure {
		r.logger.Error("授权查询读取状态失败", slog.String("agent", agent.Hex()), slog.Any("error", err))
	}
	return err == nil
}

// GetAgentInfo 返回代理记录，不存在时返回 nil。
func (r *Registry) GetAgentInfo(ctx context.Context, agent common.Address) (*AgentInfo, error) {
	var (
		info  AgentInfo
		found bool
	)
	err := r.host.View(ctx, func(ctx context.Context, tx *state.Txn) error {
		var err error
		found, err = tx.Get(ctx, state.Key(agentKeyPrefix, agent), &info)
		return err
	})
	if err != nil || !found {
		return nil, err
	}
	return &info, nil
}

func formatUint(v uint64) string {
	return strconv.FormatUint(v, 10)
}
