package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"DACTP-Chain/internal/auth"
	"DACTP-Chain/internal/events"
	xerrors "DACTP-Chain/internal/errors"
	"DACTP-Chain/internal/state"
	"DACTP-Chain/pkg/logger"
)

var (
	owner    = common.HexToAddress("0x0000000000000000000000000000000000000a01")
	intruder = common.HexToAddress("0x0000000000000000000000000000000000000b02")
	agent    = common.HexToAddress("0x0000000000000000000000000000000000000c03")
)

func newTestRegistry(t *testing.T) (*Registry, *events.MemorySink) {
	t.Helper()
	sink := events.NewMemorySink()
	host := state.NewHost(state.NewMemoryStore(),
		state.WithEventSink(sink),
		state.WithLogger(logger.Discard(), logger.Discard()),
		state.WithClock(state.NewManualClock(time.Unix(1_700_000_000, 0))),
	)
	return New(host, WithLogger(logger.Discard())), sink
}

func TestRegisterThenAuthorize(t *testing.T) {
	t.Parallel()
	reg, sink := newTestRegistry(t)
	ctx := auth.WithSigners(context.Background(), owner)

	if err := reg.RegisterAgent(ctx, owner, agent, []string{"borrow", "repay"}, 1000); err != nil {
		t.Fatalf("register: %v", err)
	}

	cases := []struct {
		action string
		amount uint64
		want   bool
		code   xerrors.Code
	}{
		{"borrow", 900, true, ""},
		{"borrow", 1000, true, ""},
		{"BORROW", 1, false, CodeScopeDenied},
		{" borrow ", 1, false, CodeScopeDenied},
		{"trade", 1, false, CodeScopeDenied},
		{"borrow", 1001, false, CodeAmountExceedsLimit},
	}
	for _, tc := range cases {
		if got := reg.IsAuthorized(context.Background(), agent, tc.action, tc.amount); got != tc.want {
			t.Fatalf("IsAuthorized(%s,%d)=%v want %v", tc.action, tc.amount, got, tc.want)
		}
		err := reg.Check(context.Background(), agent, tc.action, tc.amount)
		if tc.want && err != nil {
			t.Fatalf("Check(%s,%d) unexpected error %v", tc.action, tc.amount, err)
		}
		if !tc.want && xerrors.CodeOf(err) != tc.code {
			t.Fatalf("Check(%s,%d) code=%s want %s", tc.action, tc.amount, xerrors.CodeOf(err), tc.code)
		}
	}

	info, err := reg.GetAgentInfo(context.Background(), agent)
	if err != nil || info == nil {
		t.Fatalf("get info: %v %v", info, err)
	}
	if info.Owner != owner || info.MaxAmount != 1000 || info.Revoked || len(info.Scopes) != 2 {
		t.Fatalf("unexpected info %+v", info)
	}
	if types := sink.Types(); len(types) != 1 || types[0] != events.TypeAgentRegistered {
		t.Fatalf("unexpected events %v", types)
	}
}

func TestUnknownAgentIsNeverAuthorized(t *testing.T) {
	t.Parallel()
	reg, _ := newTestRegistry(t)

	if reg.IsAuthorized(context.Background(), agent, "borrow", 0) {
		t.Fatalf("unregistered agent must not be authorized")
	}
	if err := reg.Check(context.Background(), agent, "borrow", 0); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("expected not registered, got %v", err)
	}
	info, err := reg.GetAgentInfo(context.Background(), agent)
	if err != nil || info != nil {
		t.Fatalf("expected absence, got %+v %v", info, err)
	}
}

func TestRegisterRequiresOwnerSignature(t *testing.T) {
	t.Parallel()
	reg, sink := newTestRegistry(t)

	err := reg.RegisterAgent(auth.WithSigners(context.Background(), intruder), owner, agent, []string{"borrow"}, 10)
	if !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if info, _ := reg.GetAgentInfo(context.Background(), agent); info != nil {
		t.Fatalf("failed registration must not persist")
	}
	if len(sink.Events()) != 0 {
		t.Fatalf("failed registration must not emit events")
	}
}

func TestOverwriteRules(t *testing.T) {
	t.Parallel()
	reg, _ := newTestRegistry(t)
	ownerCtx := auth.WithSigners(context.Background(), owner)
	intruderCtx := auth.WithSigners(context.Background(), intruder)

	if err := reg.RegisterAgent(ownerCtx, owner, agent, []string{"borrow"}, 10); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.RegisterAgent(intruderCtx, intruder, agent, []string{"borrow"}, 1_000_000); xerrors.CodeOf(err) != xerrors.CodeUnauthorized {
		t.Fatalf("foreign owner overwrite should be unauthorized, got %v", err)
	}
	if err := reg.RegisterAgent(ownerCtx, owner, agent, []string{"repay"}, 20); err != nil {
		t.Fatalf("owner overwrite: %v", err)
	}
	if reg.IsAuthorized(context.Background(), agent, "borrow", 1) {
		t.Fatalf("overwrite should replace scopes")
	}
	if !reg.IsAuthorized(context.Background(), agent, "repay", 20) {
		t.Fatalf("overwrite should apply new cap")
	}
}

func TestRevokeIsPermanent(t *testing.T) {
	t.Parallel()
	reg, sink := newTestRegistry(t)
	ownerCtx := auth.WithSigners(context.Background(), owner)

	if err := reg.RevokeAgent(ownerCtx, owner, agent); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("revoking unknown agent should fail not registered, got %v", err)
	}
	if err := reg.RegisterAgent(ownerCtx, owner, agent, []string{"borrow"}, 10); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.RevokeAgent(auth.WithSigners(context.Background(), intruder), intruder, agent); xerrors.CodeOf(err) != xerrors.CodeUnauthorized {
		t.Fatalf("non-owner revoke should be unauthorized, got %v", err)
	}
	if err := reg.RevokeAgent(ownerCtx, owner, agent); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if err := reg.RevokeAgent(ownerCtx, owner, agent); err != nil {
		t.Fatalf("second revoke should be idempotent: %v", err)
	}
	if reg.IsAuthorized(context.Background(), agent, "borrow", 1) {
		t.Fatalf("revoked agent must not be authorized")
	}
	if err := reg.Check(context.Background(), agent, "borrow", 1); !errors.Is(err, ErrRevoked) {
		t.Fatalf("expected revoked, got %v", err)
	}
	if err := reg.RegisterAgent(ownerCtx, owner, agent, []string{"borrow"}, 10); !errors.Is(err, ErrRevoked) {
		t.Fatalf("re-registering a revoked agent must fail, got %v", err)
	}
	if reg.IsAuthorized(context.Background(), agent, "borrow", 1) {
		t.Fatalf("revocation must survive re-registration attempts")
	}

	want := []string{events.TypeAgentRegistered, events.TypeAgentRevoked}
	got := sink.Types()
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("unexpected events %v", got)
	}
}

func TestRegisterValidatesInput(t *testing.T) {
	t.Parallel()
	reg, _ := newTestRegistry(t)
	ctx := auth.WithSigners(context.Background(), owner)

	if err := reg.RegisterAgent(ctx, owner, common.Address{}, []string{"borrow"}, 1); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("zero agent should be rejected, got %v", err)
	}
	if err := reg.RegisterAgent(ctx, owner, agent, []string{"borrow", " "}, 1); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("blank scope should be rejected, got %v", err)
	}
}

func TestNormalizeScopes(t *testing.T) {
	got, err := normalizeScopes([]string{"Repay", "borrow", "repay"})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if len(got) != 2 || got[0] != "borrow" || got[1] != "repay" {
		t.Fatalf("unexpected scopes %v", got)
	}
}
