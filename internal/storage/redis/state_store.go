package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	xerrors "DACTP-Chain/internal/errors"
	"DACTP-Chain/internal/state"
)

// Config 描述 Redis 连接参数。
type Config struct {
	Address  string
	Password string
	DB       int
	Prefix   string
}

// StateStore 以字符串键保存合约状态。
type StateStore struct {
	client *redis.Client
	prefix string
}

var _ state.Store = (*StateStore)(nil)

// NewStateStore 创建 Redis 状态后端并检查连通性。
func NewStateStore(ctx context.Context, cfg Config) (*StateStore, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "连接 Redis 失败")
	}
	return NewStateStoreWithClient(client, cfg.Prefix), nil
}

// NewStateStoreWithClient 复用已有客户端。
func NewStateStoreWithClient(client *redis.Client, prefix string) *StateStore {
	if prefix == "" {
		prefix = "dactp:state:"
	}
	return &StateStore{client: client, prefix: prefix}
}

// Get 读取单个键。
func (s *StateStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取 Redis 状态失败", xerrors.WithMetadata("key", key))
	}
	return value, true, nil
}

// Commit 通过 MULTI/EXEC 原子地应用整批变更。
func (s *StateStore) Commit(ctx context.Context, batch []state.Mutation) error {
	if len(batch) == 0 {
		return nil
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, m := range batch {
			if m.Delete {
				pipe.Del(ctx, s.prefix+m.Key)
				continue
			}
			pipe.Set(ctx, s.prefix+m.Key, m.Value, 0)
		}
		return nil
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("提交 %d 条 Redis 变更失败", len(batch)))
	}
	return nil
}

// Close 关闭 Redis 连接。
func (s *StateStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
