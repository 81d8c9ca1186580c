package state

import (
	"context"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Mutation 描述一次提交中的单个键写入或删除。
type Mutation struct {
	Key    string
	Value  []byte
	Delete bool
}

// Store 抽象持久化键值后端。Commit 必须整体成功或整体失败。
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Commit(ctx context.Context, batch []Mutation) error
	Close() error
}

// Key 组合状态键，地址统一使用小写十六进制。
func Key(prefix string, addr common.Address) string {
	return prefix + strings.ToLower(addr.Hex())
}

const nonceKeyPrefix = "nonce/"
