package mysql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	stdErrors "errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"testing/fstest"
	"time"

	"github.com/go-sql-driver/mysql"

	"DACTP-Chain/deploy/migrations"
	xerrors "DACTP-Chain/internal/errors"
	"DACTP-Chain/internal/state"
)

func newTestStore(db *sql.DB) *StateStore {
	return &StateStore{db: db, now: func() time.Time { return time.Unix(1_700_000_000, 0) }}
}

func TestStateStoreGet(t *testing.T) {
	t.Parallel()

	db, driver := newMockDB(t, []mockOperation{
		queryOp(selectStateSQL, mockRowsData{columns: []string{"state_value"}, values: [][]driver.Value{{[]byte{0x18, 0x41}}}}),
		queryOp(selectStateSQL, mockRowsData{columns: []string{"state_value"}}),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	store := newTestStore(db)
	value, ok, err := store.Get(context.Background(), "rep/score/0x01")
	if err != nil || !ok {
		t.Fatalf("get failed: ok=%v err=%v", ok, err)
	}
	if len(value) != 2 || value[1] != 0x41 {
		t.Fatalf("unexpected value %x", value)
	}

	_, ok, err = store.Get(context.Background(), "rep/score/0x02")
	if err != nil || ok {
		t.Fatalf("missing key should report absence: ok=%v err=%v", ok, err)
	}
}

func TestStateStoreCommitAppliesBatchInTransaction(t *testing.T) {
	t.Parallel()

	db, driver := newMockDB(t, []mockOperation{
		beginOp(),
		execOp(upsertStateSQL, mockResult{rowsAffected: 1}),
		execOp(deleteStateSQL, mockResult{rowsAffected: 1}),
		execOp(recordCommitSQL, mockResult{lastInsertID: 1, rowsAffected: 1}),
		commitOp(),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	err := newTestStore(db).Commit(context.Background(), []state.Mutation{
		{Key: "loan/0x01", Value: []byte{0xa0}},
		{Key: "loan/0x02", Delete: true},
	})
	if err != nil {
		t.Fatalf("commit failed: %v", err)
	}
}

func TestStateStoreCommitRollsBackOnFailure(t *testing.T) {
	t.Parallel()

	failure := stdErrors.New("constraint violated")
	db, driver := newMockDB(t, []mockOperation{
		beginOp(),
		execOp(upsertStateSQL, mockResult{rowsAffected: 1}),
		{typ: opExec, query: upsertStateSQL, err: failure},
		rollbackOp(),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	err := newTestStore(db).Commit(context.Background(), []state.Mutation{
		{Key: "a", Value: []byte{1}},
		{Key: "b", Value: []byte{2}},
	})
	if xerrors.CodeOf(err) != xerrors.CodeStorageFailure {
		t.Fatalf("expected storage failure, got %v", err)
	}
	if !stdErrors.Is(err, failure) {
		t.Fatalf("expected cause to be preserved: %v", err)
	}
}

func TestStateStoreCommitRetriesDeadlocks(t *testing.T) {
	t.Parallel()

	deadlock := &mysql.MySQLError{Number: errDeadlock, Message: "Deadlock found"}
	db, driver := newMockDB(t, []mockOperation{
		beginOp(),
		{typ: opExec, query: upsertStateSQL, err: deadlock},
		rollbackOp(),
		beginOp(),
		execOp(upsertStateSQL, mockResult{rowsAffected: 1}),
		execOp(recordCommitSQL, mockResult{rowsAffected: 1}),
		commitOp(),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	if err := newTestStore(db).Commit(context.Background(), []state.Mutation{{Key: "a", Value: []byte{1}}}); err != nil {
		t.Fatalf("commit should succeed after retry: %v", err)
	}
}

func TestStateStoreEmptyBatchIsNoop(t *testing.T) {
	t.Parallel()

	db, driver := newMockDB(t, nil)
	defer driver.assertConsumed(t)
	defer db.Close()

	if err := newTestStore(db).Commit(context.Background(), nil); err != nil {
		t.Fatalf("empty commit: %v", err)
	}
}

func migrationPreamble(applied [][]driver.Value) []mockOperation {
	return []mockOperation{
		queryOp(acquireMigrationLockSQL, mockRowsData{columns: []string{"lock"}, values: [][]driver.Value{{int64(1)}}}),
		execOp(createMigrationsTableSQL, mockResult{}),
		queryOp(selectAppliedSQL, mockRowsData{columns: []string{"version", "checksum"}, values: applied}),
	}
}

func TestRunMigrations(t *testing.T) {
	t.Parallel()

	files, err := loadMigrations(migrations.Files)
	if err != nil {
		t.Fatalf("load migrations: %v", err)
	}
	ops := migrationPreamble([][]driver.Value{{files[0].version, files[0].checksum}})
	for _, file := range files[1:] {
		ops = append(ops, beginOp())
		for _, stmt := range file.statements {
			ops = append(ops, execOp(stmt, mockResult{}))
		}
		ops = append(ops,
			execOp(insertAppliedSQL, mockResult{rowsAffected: 1}),
			commitOp(),
		)
	}
	ops = append(ops, execOp(releaseMigrationLockSQL, mockResult{}))
	db, driver := newMockDB(t, ops)
	defer driver.assertConsumed(t)
	defer db.Close()

	if err := runMigrations(context.Background(), db); err != nil {
		t.Fatalf("run migrations failed: %v", err)
	}
}

func TestRunMigrationsDetectsEditedFiles(t *testing.T) {
	t.Parallel()

	files, err := loadMigrations(migrations.Files)
	if err != nil {
		t.Fatalf("load migrations: %v", err)
	}
	ops := append(migrationPreamble([][]driver.Value{{files[0].version, strings.Repeat("0", 64)}}),
		execOp(releaseMigrationLockSQL, mockResult{}))
	db, driver := newMockDB(t, ops)
	defer driver.assertConsumed(t)
	defer db.Close()

	err = runMigrations(context.Background(), db)
	if err == nil || !strings.Contains(err.Error(), files[0].name) {
		t.Fatalf("expected checksum mismatch for %s, got %v", files[0].name, err)
	}
}

func TestRunMigrationsFailsWithoutLock(t *testing.T) {
	t.Parallel()

	db, driver := newMockDB(t, []mockOperation{
		queryOp(acquireMigrationLockSQL, mockRowsData{columns: []string{"lock"}, values: [][]driver.Value{{int64(0)}}}),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	if err := runMigrations(context.Background(), db); err == nil {
		t.Fatalf("migrations must not run without the lock")
	}
}

func TestMigrationFilesAreOrdered(t *testing.T) {
	files, err := loadMigrations(migrations.Files)
	if err != nil {
		t.Fatalf("load migrations: %v", err)
	}
	if len(files) < 2 || files[0].version != "0001" || files[1].version != "0002" {
		t.Fatalf("unexpected migrations %+v", files)
	}
	if !strings.Contains(files[0].statements[0], "contract_state") {
		t.Fatalf("first migration should create contract_state")
	}
	if len(files[0].checksum) != 64 {
		t.Fatalf("checksum %q", files[0].checksum)
	}
}

func TestLoadMigrations(t *testing.T) {
	fsys := fstest.MapFS{
		"0002_b.sql":     {Data: []byte("-- second\nCREATE TABLE b (id INT);\n")},
		"0001_a.sql":     {Data: []byte("CREATE TABLE a (id INT);\nCREATE INDEX ia ON a (id);")},
		"0003_empty.sql": {Data: []byte("-- nothing yet\n")},
		"README.md":      {Data: []byte("ignored")},
	}
	files, err := loadMigrations(fsys)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(files) != 2 || files[0].version != "0001" || files[1].version != "0002" {
		t.Fatalf("unexpected migrations %+v", files)
	}
	if len(files[0].statements) != 2 || files[1].statements[0] != "CREATE TABLE b (id INT)" {
		t.Fatalf("unexpected statements %q / %q", files[0].statements, files[1].statements)
	}

	fsys["0001_dup.sql"] = &fstest.MapFile{Data: []byte("SELECT 1;")}
	if _, err := loadMigrations(fsys); err == nil {
		t.Fatalf("duplicate versions must be rejected")
	}
}

type operationType int

const (
	opExec operationType = iota
	opQuery
	opBegin
	opCommit
	opRollback
)

type mockOperation struct {
	typ    operationType
	query  string
	result mockResult
	rows   mockRowsData
	err    error
}

type mockResult struct {
	lastInsertID int64
	rowsAffected int64
}

func (r mockResult) LastInsertId() (int64, error) { return r.lastInsertID, nil }
func (r mockResult) RowsAffected() (int64, error) { return r.rowsAffected, nil }

type mockRowsData struct {
	columns []string
	values  [][]driver.Value
}

type queueDriver struct {
	ops []mockOperation
	idx int32
}

var driverSeq atomic.Int32

func newMockDB(t *testing.T, ops []mockOperation) (*sql.DB, *queueDriver) {
	t.Helper()

	drv := &queueDriver{ops: ops}
	name := fmt.Sprintf("mock-mysql-%d", driverSeq.Add(1))
	sql.Register(name, drv)

	db, err := sql.Open(name, "")
	if err != nil {
		t.Fatalf("open mock db failed: %v", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, drv
}

func execOp(query string, result mockResult) mockOperation {
	return mockOperation{typ: opExec, query: query, result: result}
}

func queryOp(query string, rows mockRowsData) mockOperation {
	return mockOperation{typ: opQuery, query: query, rows: rows}
}

func beginOp() mockOperation { return mockOperation{typ: opBegin} }

func commitOp() mockOperation { return mockOperation{typ: opCommit} }

func rollbackOp() mockOperation { return mockOperation{typ: opRollback} }

func (d *queueDriver) assertConsumed(t *testing.T) {
	t.Helper()

	if int(atomic.LoadInt32(&d.idx)) != len(d.ops) {
		t.Fatalf("not all operations consumed: %d/%d", atomic.LoadInt32(&d.idx), len(d.ops))
	}
}

func (d *queueDriver) Open(name string) (driver.Conn, error) {
	return &mockConn{driver: d}, nil
}

type mockConn struct {
	driver *queueDriver
}

func (c *mockConn) Prepare(query string) (driver.Stmt, error) {
	return nil, fmt.Errorf("prepare not supported: %s", query)
}

func (c *mockConn) Close() error { return nil }

func (c *mockConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *mockConn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	op, err := c.next(opBegin, "")
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &mockTx{driver: c.driver}, nil
}

func (c *mockConn) Exec(query string, args []driver.Value) (driver.Result, error) {
	return c.ExecContext(context.Background(), query, named(args))
}

func (c *mockConn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	op, err := c.next(opExec, query)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return op.result, nil
}

func (c *mockConn) Query(query string, args []driver.Value) (driver.Rows, error) {
	return c.QueryContext(context.Background(), query, named(args))
}

func (c *mockConn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	op, err := c.next(opQuery, query)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &mockRows{columns: op.rows.columns, values: op.rows.values}, nil
}

func (c *mockConn) Ping(ctx context.Context) error { return nil }

func (c *mockConn) next(expected operationType, query string) (*mockOperation, error) {
	idx := int(atomic.LoadInt32(&c.driver.idx))
	if idx >= len(c.driver.ops) {
		return nil, fmt.Errorf("unexpected operation: %v", expected)
	}
	op := &c.driver.ops[idx]
	if op.typ != expected {
		return nil, fmt.Errorf("expected operation %v, got %v", expected, op.typ)
	}
	atomic.AddInt32(&c.driver.idx, 1)
	if op.query != "" {
		expectedSQL := normalizeSQL(op.query)
		actualSQL := normalizeSQL(query)
		if expectedSQL != actualSQL {
			return nil, fmt.Errorf("unexpected query. want %q got %q", expectedSQL, actualSQL)
		}
	}
	return op, nil
}

type mockTx struct {
	driver *queueDriver
}

func (t *mockTx) Commit() error {
	op, err := t.next(opCommit)
	if err != nil {
		return err
	}
	return op.err
}

func (t *mockTx) Rollback() error {
	op, err := t.next(opRollback)
	if err != nil {
		return err
	}
	return op.err
}

func (t *mockTx) next(expected operationType) (*mockOperation, error) {
	idx := int(atomic.LoadInt32(&t.driver.idx))
	if idx >= len(t.driver.ops) {
		return nil, fmt.Errorf("unexpected operation: %v", expected)
	}
	op := &t.driver.ops[idx]
	if op.typ != expected {
		return nil, fmt.Errorf("expected operation %v, got %v", expected, op.typ)
	}
	atomic.AddInt32(&t.driver.idx, 1)
	return op, nil
}

type mockRows struct {
	columns []string
	values  [][]driver.Value
	idx     int
}

func (r *mockRows) Columns() []string { return r.columns }
func (r *mockRows) Close() error      { return nil }

func (r *mockRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.values) {
		return io.EOF
	}
	copy(dest, r.values[r.idx])
	r.idx++
	return nil
}

func named(args []driver.Value) []driver.NamedValue {
	namedArgs := make([]driver.NamedValue, len(args))
	for i, arg := range args {
		namedArgs[i] = driver.NamedValue{Ordinal: i + 1, Value: arg}
	}
	return namedArgs
}

func normalizeSQL(query string) string {
	fields := strings.Fields(query)
	return strings.Join(fields, " ")
}
