package keeper

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"DACTP-Chain/internal/auth"
	xerrors "DACTP-Chain/internal/errors"
	"DACTP-Chain/internal/lending"
	"DACTP-Chain/internal/observability/alerting"
	"DACTP-Chain/internal/registry"
	"DACTP-Chain/internal/reputation"
	"DACTP-Chain/internal/state"
	"DACTP-Chain/internal/token"
	"DACTP-Chain/pkg/logger"
)

var (
	admin = common.HexToAddress("0x00000000000000000000000000000000000000ad")
	owner = common.HexToAddress("0x0000000000000000000000000000000000000a01")
)

type recordingDispatcher struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (d *recordingDispatcher) Notify(_ context.Context, evt alerting.Event) error {
	d.mu.Lock()
	d.events = append(d.events, evt)
	d.mu.Unlock()
	return nil
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.events)
}

type fakeMarker struct {
	calls atomic.Int32
	err   error
}

func (m *fakeMarker) MarkOverdue(context.Context, common.Address) (*lending.Settlement, error) {
	m.calls.Add(1)
	if m.err != nil {
		return nil, m.err
	}
	return &lending.Settlement{Outcome: lending.OutcomeDefault, Delta: -25}, nil
}

func TestProcessorClassifiesResults(t *testing.T) {
	agent := common.HexToAddress("0x0000000000000000000000000000000000001234").Hex()
	cases := []struct {
		name   string
		err    error
		input  string
		alerts int
		fail   bool
	}{
		{"marked", nil, agent, 0, false},
		{"already penalized", lending.ErrPenaltyAlreadyApplied, agent, 0, false},
		{"repaid meanwhile", lending.ErrLoanNotFound, agent, 0, false},
		{"still in grace", lending.ErrNotYetOverdue, agent, 0, false},
		{"storage failure", xerrors.New(xerrors.CodeStorageFailure, "disk gone"), agent, 1, true},
		{"garbage input", nil, "not-an-address", 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			marker := &fakeMarker{err: tc.err}
			alerts := &recordingDispatcher{}
			p := NewProcessor(marker, nil, WithProcessorLogger(logger.Discard()), WithAlertDispatcher(alerts))

			err := p.handle(context.Background(), tc.input)
			if (err != nil) != tc.fail {
				t.Fatalf("handle error = %v, want failure %v", err, tc.fail)
			}
			if alerts.count() != tc.alerts {
				t.Fatalf("alerts = %d, want %d", alerts.count(), tc.alerts)
			}
			if tc.input != agent && marker.calls.Load() != 0 {
				t.Fatalf("invalid input must not reach the engine")
			}
		})
	}
}

func TestProcessorRequiresConsumer(t *testing.T) {
	p := NewProcessor(&fakeMarker{}, nil)
	if err := p.Start(context.Background()); xerrors.CodeOf(err) != xerrors.CodeInitializationFailure {
		t.Fatalf("expected initialization failure, got %v", err)
	}
}

func TestMemoryQueueClosed(t *testing.T) {
	q := NewMemoryQueue(1)
	if err := q.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := q.Publish(context.Background(), "x"); xerrors.CodeOf(err) != CodeQueueClosed {
		t.Fatalf("expected queue closed, got %v", err)
	}
}

type lendingStack struct {
	clock  *state.ManualClock
	ledger *reputation.Ledger
	engine *lending.Engine
}

func newLendingStack(t *testing.T, agents ...common.Address) *lendingStack {
	t.Helper()
	clock := state.NewManualClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	host := state.NewHost(state.NewMemoryStore(), state.WithClock(clock), state.WithLogger(logger.Discard(), logger.Discard()))
	reg := registry.New(host, registry.WithLogger(logger.Discard()))
	ledger := reputation.New(host, reputation.WithLogger(logger.Discard()))
	tok := token.New(host, token.WithLogger(logger.Discard()))
	engine := lending.New(host, reg, ledger, tok, lending.WithLogger(logger.Discard()))

	adminCtx := auth.WithSigners(context.Background(), admin)
	steps := []error{
		ledger.Initialize(adminCtx, admin),
		ledger.ApproveCaller(adminCtx, admin, engine.Identity()),
		ledger.ApproveCaller(adminCtx, admin, admin),
		tok.Initialize(adminCtx, admin),
		tok.Mint(adminCtx, admin, engine.Identity(), 1_000_000),
		engine.Initialize(adminCtx, admin),
	}
	for _, err := range steps {
		if err != nil {
			t.Fatalf("setup: %v", err)
		}
	}
	for _, agent := range agents {
		if err := reg.RegisterAgent(auth.WithSigners(context.Background(), owner), owner, agent, []string{"borrow"}, 10_000); err != nil {
			t.Fatalf("register: %v", err)
		}
		if _, err := ledger.UpdateScore(adminCtx, admin, agent, 20); err != nil {
			t.Fatalf("score: %v", err)
		}
		if _, err := engine.RequestLoan(auth.WithSigners(context.Background(), agent), agent, 1_000); err != nil {
			t.Fatalf("request: %v", err)
		}
	}
	return &lendingStack{clock: clock, ledger: ledger, engine: engine}
}

func TestKeeperPenalizesOverdueLoansOnce(t *testing.T) {
	agents := []common.Address{
		common.HexToAddress("0x0000000000000000000000000000000000002001"),
		common.HexToAddress("0x0000000000000000000000000000000000002002"),
		common.HexToAddress("0x0000000000000000000000000000000000002003"),
	}
	stack := newLendingStack(t, agents...)
	queue := NewMemoryQueue(16)
	sweeper := NewSweeper(stack.engine, queue, time.Hour, logger.Discard())

	if n, err := sweeper.SweepOnce(context.Background()); err != nil || n != 0 {
		t.Fatalf("nothing is overdue yet: %d %v", n, err)
	}
	stack.clock.Advance(9 * 24 * time.Hour)

	// 重复投递同一批代理，处理器必须把重复项当作跳过。
	for i := 0; i < 2; i++ {
		if n, err := sweeper.SweepOnce(context.Background()); err != nil || n != len(agents) {
			t.Fatalf("sweep #%d published %d: %v", i, n, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	processor := NewProcessor(stack.engine, queue, WithWorkerCount(4), WithProcessorLogger(logger.Discard()))
	done := make(chan error, 1)
	go func() { done <- processor.Start(ctx) }()

	for queue.Len() > 0 {
		select {
		case <-ctx.Done():
			t.Fatalf("queue not drained")
		case <-time.After(10 * time.Millisecond):
		}
	}
	deadline := time.After(3 * time.Second)
	for {
		remaining, err := stack.engine.OverdueLoans(context.Background())
		if err != nil {
			t.Fatalf("overdue loans: %v", err)
		}
		if len(remaining) == 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("loans still pending: %v", remaining)
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("processor exit: %v", err)
	}

	for _, agent := range agents {
		score, err := stack.ledger.GetScore(context.Background(), agent)
		if err != nil {
			t.Fatalf("score: %v", err)
		}
		if score != 45 {
			t.Fatalf("agent %s score %d, want 45", agent.Hex(), score)
		}
	}
}

func TestKeeperRunStopsOnCancel(t *testing.T) {
	stack := newLendingStack(t)
	queue := NewMemoryQueue(4)
	k := &Keeper{
		Sweeper:   NewSweeper(stack.engine, queue, 10*time.Millisecond, logger.Discard()),
		Processor: NewProcessor(stack.engine, queue, WithProcessorLogger(logger.Discard())),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := k.Run(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("keeper run: %v", err)
	}
}
