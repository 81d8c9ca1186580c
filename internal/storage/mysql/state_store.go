package mysql

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "DACTP-Chain/internal/errors"
	"DACTP-Chain/internal/state"
)

const (
	selectStateSQL  = `SELECT state_value FROM contract_state WHERE state_key = ?`
	upsertStateSQL  = `INSERT INTO contract_state (state_key, state_value, updated_at) VALUES (?, ?, ?) ON DUPLICATE KEY UPDATE state_value = VALUES(state_value), updated_at = VALUES(updated_at)`
	deleteStateSQL  = `DELETE FROM contract_state WHERE state_key = ?`
	recordCommitSQL = `INSERT INTO state_commits (mutations, committed_at) VALUES (?, ?)`
)

// 死锁与锁等待超时可以安全重试整批提交。
const (
	errLockWaitTimeout = 1205
	errDeadlock        = 1213
	maxCommitAttempts  = 3
)

// StateStore 将合约状态保存在 contract_state 表中。
type StateStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ state.Store = (*StateStore)(nil)

// NewStateStore 建立连接并执行迁移。
func NewStateStore(ctx context.Context, cfg Config) (*StateStore, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "打开 MySQL 状态库失败")
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "执行 MySQL 迁移失败")
	}
	return &StateStore{db: db, now: time.Now}, nil
}

// Get 读取单个键。
func (s *StateStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, selectStateSQL, key).Scan(&value)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取合约状态失败", xerrors.WithMetadata("key", key))
	}
	return value, true, nil
}

// Commit 在一个 SQL 事务中应用整批变更，遇到死锁时重试。
func (s *StateStore) Commit(ctx context.Context, batch []state.Mutation) error {
	if len(batch) == 0 {
		return nil
	}
	var err error
	for attempt := 1; attempt <= maxCommitAttempts; attempt++ {
		err = s.commitOnce(ctx, batch)
		if err == nil || !retryable(err) {
			break
		}
	}
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交合约状态失败", xerrors.WithRetryable(retryable(err)))
	}
	return nil
}

func (s *StateStore) commitOnce(ctx context.Context, batch []state.Mutation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	now := s.now().Unix()
	for _, m := range batch {
		if m.Delete {
			_, err = tx.ExecContext(ctx, deleteStateSQL, m.Key)
		} else {
			_, err = tx.ExecContext(ctx, upsertStateSQL, m.Key, m.Value, now)
		}
		if err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, recordCommitSQL, len(batch), now); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func retryable(err error) bool {
	var mysqlErr *mysql.MySQLError
	if stdErrors.As(err, &mysqlErr) {
		return mysqlErr.Number == errDeadlock || mysqlErr.Number == errLockWaitTimeout
	}
	return false
}

// Close 关闭底层数据库连接。
func (s *StateStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
