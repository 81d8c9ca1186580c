package state

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"DACTP-Chain/internal/auth"
	"DACTP-Chain/internal/events"
	xerrors "DACTP-Chain/internal/errors"
	"DACTP-Chain/internal/observability/alerting"
	"DACTP-Chain/internal/observability/metrics"
	"DACTP-Chain/pkg/logger"
)

// Func 是在事务内执行的操作体。
type Func func(ctx context.Context, tx *Txn) error

type txnKey struct{}

func txnFrom(ctx context.Context) *Txn {
	tx, _ := ctx.Value(txnKey{}).(*Txn)
	return tx
}

// Host 串行执行状态变更操作：先鉴权，再在写缓冲上运行，最后整批提交或整体丢弃。
type Host struct {
	mu      sync.RWMutex
	store   Store
	clock   Clock
	sink    events.Sink
	logger  *slog.Logger
	audit   *slog.Logger
	alerter alerting.Dispatcher
}

// Option 定义可选配置。
type Option func(*Host)

// WithClock 指定账本时钟。
func WithClock(clock Clock) Option {
	return func(h *Host) {
		if clock != nil {
			h.clock = clock
		}
	}
}

// WithEventSink 指定事件接收器。
func WithEventSink(sink events.Sink) Option {
	return func(h *Host) {
		h.sink = sink
	}
}

// WithLogger 指定运行日志与审计日志。
func WithLogger(log, audit *slog.Logger) Option {
	return func(h *Host) {
		if log != nil {
			h.logger = log
		}
		if audit != nil {
			h.audit = audit
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) Option {
	return func(h *Host) {
		h.alerter = dispatcher
	}
}

// NewHost 基于状态后端构造执行环境。
func NewHost(store Store, opts ...Option) *Host {
	h := &Host{
		store: store,
		clock: SystemClock(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	if h.logger == nil {
		h.logger = logger.Named("state")
	}
	if h.audit == nil {
		h.audit = logger.Audit()
	}
	return h
}

// Now 返回账本时钟的当前时间。
func (h *Host) Now() time.Time { return h.clock.Now() }

// Exec 以 signers 的授权执行一次变更操作。
//
// 鉴权总在读取任何状态之前完成。嵌套调用加入外层事务，失败时只回滚自身写入；
// 外层操作返回错误时整批丢弃。
func (h *Host) Exec(ctx context.Context, op string, signers []common.Address, fn Func) error {
	parent := txnFrom(ctx)
	if err := auth.Require(ctx, signers...); err != nil {
		if parent == nil {
			h.record(ctx, op, err, time.Now())
		}
		return err
	}
	if parent != nil {
		if parent.readOnly {
			return xerrors.New(xerrors.CodeInternal, "state mutation inside read-only view", xerrors.WithMetadata("operation", op))
		}
		sp := parent.savepoint()
		if err := fn(ctx, parent); err != nil {
			parent.rollback(sp)
			return err
		}
		return nil
	}
	return h.execRoot(ctx, op, fn)
}

func (h *Host) execRoot(ctx context.Context, op string, fn Func) (err error) {
	start := time.Now()
	defer func() { h.record(ctx, op, err, start) }()

	tx, err := h.commitRoot(ctx, op, fn)
	if err != nil {
		return err
	}
	// 事件在释放锁之后投递。
	h.publish(ctx, tx)
	return nil
}

// commitRoot 在独占锁下执行操作并提交写入，返回已提交的事务。
func (h *Host) commitRoot(ctx context.Context, op string, fn Func) (*Txn, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	tx := h.newTxn(op, false)
	ctx = context.WithValue(ctx, txnKey{}, tx)

	nonce, err := h.nextNonceMutation(ctx, tx)
	if err != nil {
		return nil, err
	}

	if err := h.invoke(ctx, tx, fn); err != nil {
		if nonce != nil {
			if cerr := h.store.Commit(ctx, []Mutation{*nonce}); cerr != nil {
				h.logger.Error("失败操作的 nonce 消费未能落盘", slog.String("operation", op), slog.Any("error", cerr))
			}
		}
		return nil, err
	}

	batch := tx.mutations()
	if nonce != nil {
		batch = append(batch, *nonce)
	}
	if len(batch) > 0 {
		if cerr := h.store.Commit(ctx, batch); cerr != nil {
			if _, ok := xerrors.From(cerr); ok {
				return nil, cerr
			}
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, cerr, "commit state", xerrors.WithMetadata("operation", op))
		}
	}

	h.audit.Info("operation_committed",
		slog.String("operation", op),
		slog.Int("writes", len(batch)),
		slog.Int("events", len(tx.events)),
		slog.Any("signers", auth.Signers(ctx)),
	)
	return tx, nil
}

// View 在共享锁下执行只读查询。已处于事务内时直接复用该事务，可见其未提交写入。
func (h *Host) View(ctx context.Context, fn Func) error {
	if parent := txnFrom(ctx); parent != nil {
		return fn(ctx, parent)
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	tx := h.newTxn("view", true)
	return h.invoke(context.WithValue(ctx, txnKey{}, tx), tx, fn)
}

// NextNonce 返回签名者下一次请求应使用的 nonce。
func (h *Host) NextNonce(ctx context.Context, signer common.Address) (uint64, error) {
	var next uint64
	err := h.View(ctx, func(ctx context.Context, tx *Txn) error {
		_, err := tx.Get(ctx, Key(nonceKeyPrefix, signer), &next)
		return err
	})
	return next, err
}

func (h *Host) newTxn(op string, readOnly bool) *Txn {
	return &Txn{
		host:     h,
		op:       op,
		readOnly: readOnly,
		now:      h.clock.Now(),
		writes:   make(map[string]pending),
	}
}

func (h *Host) invoke(ctx context.Context, tx *Txn, fn Func) (err error) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("操作发生 panic",
				slog.String("operation", tx.op),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			err = xerrors.New(xerrors.CodeInternal, fmt.Sprintf("operation panicked: %v", r), xerrors.WithMetadata("operation", tx.op))
		}
	}()
	return fn(ctx, tx)
}

func (h *Host) nextNonceMutation(ctx context.Context, tx *Txn) (*Mutation, error) {
	grant, ok := auth.GrantFromContext(ctx)
	if !ok {
		return nil, nil
	}
	key := Key(nonceKeyPrefix, grant.Signer)
	var expected uint64
	if _, err := tx.Get(ctx, key, &expected); err != nil {
		return nil, err
	}
	if grant.Nonce != expected {
		return nil, xerrors.New(xerrors.CodeInvalidNonce,
			fmt.Sprintf("expected nonce %d, got %d", expected, grant.Nonce),
			xerrors.WithMetadata("signer", grant.Signer.Hex()))
	}
	data, err := Encode(expected + 1)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInternal, err, "encode nonce")
	}
	return &Mutation{Key: key, Value: data}, nil
}

func (h *Host) publish(ctx context.Context, tx *Txn) {
	if h.sink == nil || len(tx.events) == 0 {
		return
	}
	if err := h.sink.Publish(ctx, tx.events); err != nil {
		wrapped := xerrors.Wrap(xerrors.CodeQueueFailure, err, "publish events", xerrors.WithMetadata("operation", tx.op))
		h.logger.Error("事件发布失败", slog.String("operation", tx.op), slog.Any("error", err))
		h.alert(ctx, tx.op, wrapped)
	}
}

func (h *Host) record(ctx context.Context, op string, err error, start time.Time) {
	code := "OK"
	if err != nil {
		code = string(xerrors.CodeOf(err))
	}
	metrics.ObserveOperation(op, code, time.Since(start))
	if err == nil {
		return
	}
	h.logger.Warn("操作失败",
		slog.String("operation", op),
		slog.String("code", code),
		slog.String("error", err.Error()),
	)
	if xerrors.ShouldAlert(err) {
		h.alert(ctx, op, err)
	}
}

func (h *Host) alert(ctx context.Context, op string, err error) {
	if h.alerter == nil {
		return
	}
	if nerr := h.alerter.Notify(ctx, alerting.FromError(op, "", err)); nerr != nil {
		h.logger.Warn("告警发送失败", slog.Any("error", nerr))
	}
}
