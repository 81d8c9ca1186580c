package keeper

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "DACTP-Chain/internal/errors"
	"DACTP-Chain/internal/lending"
)

type fakeDelivery struct {
	acks, nacks int
	requeued    bool
}

func (d *fakeDelivery) Ack(bool) error {
	d.acks++
	return nil
}

func (d *fakeDelivery) Nack(_ bool, requeue bool) error {
	d.nacks++
	d.requeued = requeue
	return nil
}

func TestSettleDelivery(t *testing.T) {
	cases := []struct {
		name string
		err  error
		nack bool
	}{
		{"success", nil, false},
		{"storage failure is retried", xerrors.New(xerrors.CodeStorageFailure, "down"), true},
		{"benign outcome is dropped", lending.ErrNotYetOverdue, false},
		{"plain error is dropped", errors.New("boom"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var got string
			d := &fakeDelivery{}
			settleDelivery(context.Background(), func(_ context.Context, agent string) error {
				got = agent
				return tc.err
			}, []byte("0xabc"), d)

			if got != "0xabc" {
				t.Fatalf("handler saw %q", got)
			}
			if tc.nack {
				if d.nacks != 1 || !d.requeued || d.acks != 0 {
					t.Fatalf("expected requeue, got %+v", d)
				}
				return
			}
			if d.acks != 1 || d.nacks != 0 {
				t.Fatalf("expected ack, got %+v", d)
			}
		})
	}
}

func TestQueueConstructorsValidateConfig(t *testing.T) {
	if _, err := NewRedisQueue(context.Background(), RedisQueueConfig{}); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("redis without address: %v", err)
	}
	if _, err := NewRabbitMQQueue(RabbitMQConfig{}); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("rabbitmq without url: %v", err)
	}
	var q *RabbitMQQueue
	if err := q.Publish(context.Background(), "0x01"); xerrors.CodeOf(err) != xerrors.CodeNotInitialized {
		t.Fatalf("publish on nil queue: %v", err)
	}
	if err := q.Close(); err != nil {
		t.Fatalf("close nil queue: %v", err)
	}
}

// 需要真实 Redis：DACTP_TEST_REDIS_ADDR=127.0.0.1:6379 go test ./internal/keeper
func TestRedisQueueRequeuesRetryableFailures(t *testing.T) {
	addr := os.Getenv("DACTP_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("DACTP_TEST_REDIS_ADDR not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client := redis.NewClient(&redis.Options{Addr: addr})
	name := fmt.Sprintf("dactp:test:keeper:%d", time.Now().UnixNano())
	q := NewRedisQueueWithClient(client, name, 100*time.Millisecond)
	defer q.Close()
	defer client.Del(context.Background(), name)

	if err := q.Publish(ctx, "0xabc"); err != nil {
		t.Fatalf("publish: %v", err)
	}

	var attempts atomic.Int32
	consumeCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		done <- q.Consume(consumeCtx, 1, func(context.Context, string) error {
			if attempts.Add(1) == 1 {
				return xerrors.New(xerrors.CodeStorageFailure, "transient")
			}
			stop()
			return nil
		})
	}()

	select {
	case <-done:
	case <-ctx.Done():
		t.Fatalf("consumer did not finish")
	}
	if got := attempts.Load(); got != 2 {
		t.Fatalf("attempts = %d, want 2", got)
	}
	if n, err := client.LLen(context.Background(), name).Result(); err != nil || n != 0 {
		t.Fatalf("queue length %d %v", n, err)
	}
}
