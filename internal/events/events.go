package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"DACTP-Chain/pkg/logger"
)

// 领域事件类型。
const (
	TypeAgentRegistered       = "agent.registered"
	TypeAgentRevoked          = "agent.revoked"
	TypeReputationInitialized = "reputation.initialized"
	TypeCallerApproved        = "reputation.caller_approved"
	TypeCallerRemoved         = "reputation.caller_removed"
	TypeReputationUpdated     = "reputation.updated"
	TypeReputationFrozen      = "reputation.frozen"
	TypeLendingInitialized    = "lending.initialized"
	TypeLoanIssued            = "loan.issued"
	TypeLoanRepaid            = "loan.repaid"
	TypeLoanDefaulted         = "loan.defaulted"
	TypeTokenInitialized      = "token.initialized"
	TypeTokenMinted           = "token.minted"
	TypeTokenTransferred      = "token.transferred"
)

// Event 是一次已提交状态变更的通知。
type Event struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Operation  string         `json:"operation"`
	Subject    string         `json:"subject,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// New 构造带唯一 ID 的事件。
func New(typ string, subject common.Address, attrs map[string]any) Event {
	evt := Event{
		ID:         uuid.NewString(),
		Type:       typ,
		Attributes: attrs,
	}
	if subject != (common.Address{}) {
		evt.Subject = subject.Hex()
	}
	return evt
}

// Sink 接收已提交操作产生的事件。
type Sink interface {
	Publish(ctx context.Context, batch []Event) error
	Close() error
}

// LogSink 将事件写入审计日志。
type LogSink struct {
	Logger *slog.Logger
}

// Publish 逐条记录事件。
func (s *LogSink) Publish(ctx context.Context, batch []Event) error {
	log := logger.Audit()
	if s != nil && s.Logger != nil {
		log = s.Logger
	}
	for _, evt := range batch {
		log.InfoContext(ctx, "domain_event",
			slog.String("event_id", evt.ID),
			slog.String("type", evt.Type),
			slog.String("operation", evt.Operation),
			slog.String("subject", evt.Subject),
			slog.Any("attributes", evt.Attributes),
		)
	}
	return nil
}

// Close 无需释放资源。
func (s *LogSink) Close() error { return nil }

// MemorySink 在内存中保留事件，主要用于测试与调试接口。
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

// NewMemorySink 创建内存事件接收器。
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Publish 追加事件。
func (s *MemorySink) Publish(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, batch...)
	return nil
}

// Events 返回事件快照。
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

// Types 返回按顺序排列的事件类型。
func (s *MemorySink) Types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, evt := range s.events {
		out[i] = evt.Type
	}
	return out
}

// Reset 清空已记录事件。
func (s *MemorySink) Reset() {
	s.mu.Lock()
	s.events = nil
	s.mu.Unlock()
}

// Close 无需释放资源。
func (s *MemorySink) Close() error { return nil }

// MultiSink 将事件投递到多个接收器。
type MultiSink []Sink

// Publish 广播事件，汇总各接收器的错误。
func (m MultiSink) Publish(ctx context.Context, batch []Event) error {
	var errs []error
	for _, sink := range m {
		if sink == nil {
			continue
		}
		if err := sink.Publish(ctx, batch); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close 关闭全部接收器。
func (m MultiSink) Close() error {
	var errs []error
	for _, sink := range m {
		if sink == nil {
			continue
		}
		errs = append(errs, sink.Close())
	}
	return errors.Join(errs...)
}
