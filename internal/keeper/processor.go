package keeper

import (
	"context"
	"errors"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"DACTP-Chain/internal/auth"
	xerrors "DACTP-Chain/internal/errors"
	"DACTP-Chain/internal/lending"
	"DACTP-Chain/internal/observability/alerting"
	"DACTP-Chain/internal/observability/metrics"
	"DACTP-Chain/pkg/logger"
)

// 处理结果标签。
const (
	ResultMarked  = "marked"
	ResultSkipped = "skipped"
	ResultFailed  = "failed"
	ResultInvalid = "invalid"
)

// Marker 是处理器依赖的违约标记能力。
type Marker interface {
	MarkOverdue(ctx context.Context, agent common.Address) (*lending.Settlement, error)
}

// Processor 从队列消费代理地址并尝试标记违约。
type Processor struct {
	marker      Marker
	consumer    Consumer
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(l *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(marker Marker, consumer Consumer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		marker:      marker,
		consumer:    consumer,
		workerCount: 1,
		logger:      logger.Named("keeper"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Start 启动消费循环，直到 ctx 取消。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil || p.marker == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "keeper processor not configured")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, raw string) error {
	agent, err := auth.ParseAddress(raw)
	if err != nil {
		metrics.ObserveKeeper(ResultInvalid)
		p.logger.Warn("丢弃无效的代理地址", slog.String("agent", raw))
		return nil
	}

	settlement, err := p.marker.MarkOverdue(ctx, agent)
	switch {
	case err == nil:
		metrics.ObserveKeeper(ResultMarked)
		logger.Audit().Info("keeper_marked_overdue",
			slog.String("agent", agent.Hex()),
			slog.Uint64("amount", settlement.Loan.Amount),
			slog.Uint64("score", uint64(settlement.Score)),
		)
		return nil
	case benign(err):
		metrics.ObserveKeeper(ResultSkipped)
		p.logger.Debug("跳过代理", slog.String("agent", agent.Hex()), slog.String("reason", string(xerrors.CodeOf(err))))
		return nil
	}

	metrics.ObserveKeeper(ResultFailed)
	p.logger.Error("标记违约失败", slog.String("agent", agent.Hex()), slog.Any("error", err))
	p.emitAlert(ctx, agent, err)
	return err
}

// benign 判断错误是否意味着该代理已无需处理，多为重复投递或期间已还款。
func benign(err error) bool {
	return errors.Is(err, lending.ErrNotYetOverdue) ||
		errors.Is(err, lending.ErrPenaltyAlreadyApplied) ||
		errors.Is(err, lending.ErrLoanNotFound)
}

func (p *Processor) emitAlert(ctx context.Context, agent common.Address, cause error) {
	if p.alerter == nil {
		return
	}
	event := alerting.FromError("mark_overdue", agent.Hex(), cause)
	if event.Metadata == nil {
		event.Metadata = map[string]string{}
	}
	event.Metadata["stage"] = "keeper"
	if err := p.alerter.Notify(ctx, event); err != nil {
		p.logger.Error("告警通知失败", slog.Any("error", err), slog.String("agent", agent.Hex()))
	}
}
