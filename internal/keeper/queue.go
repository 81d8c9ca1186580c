// Package keeper 周期性扫描超过宽限期的贷款，并通过队列分发违约标记任务。
//
// keeper 不持有任何凭证：违约标记本身对任何调用方开放，每一次调用都由借贷引擎重新校验。
package keeper

import (
	"context"
	"net/http"

	xerrors "DACTP-Chain/internal/errors"
)

// CodeQueueClosed 表示队列已关闭。
const CodeQueueClosed xerrors.Code = "KEEPER_QUEUE_CLOSED"

func init() {
	xerrors.Register(CodeQueueClosed, xerrors.Attributes{
		Message:  "keeper queue closed",
		Severity: xerrors.SeverityWarning,
		Status:   http.StatusServiceUnavailable,
	})
}

// Handler 处理一条代理地址（十六进制）。
type Handler func(ctx context.Context, agent string) error

// Producer 负责向队列投递待检查的代理。
type Producer interface {
	Publish(ctx context.Context, agent string) error
	Close() error
}

// Consumer 负责从队列中消费代理。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}

// settle 执行 handler，返回失败是否应当重新入队。
func settle(ctx context.Context, handler Handler, agent string) (requeue bool) {
	err := handler(ctx, agent)
	return err != nil && xerrors.RetryableError(err)
}

// acknowledger 是 amqp.Delivery 的确认子集。
type acknowledger interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

// settleDelivery 处理一条 RabbitMQ 消息：可重试的失败 Nack 回队列，其余一律 Ack。
func settleDelivery(ctx context.Context, handler Handler, body []byte, d acknowledger) {
	if settle(ctx, handler, string(body)) {
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}
