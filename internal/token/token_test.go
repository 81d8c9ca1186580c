package token

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"DACTP-Chain/internal/auth"
	"DACTP-Chain/internal/events"
	xerrors "DACTP-Chain/internal/errors"
	"DACTP-Chain/internal/state"
	"DACTP-Chain/pkg/logger"
)

var (
	admin = common.HexToAddress("0x0000000000000000000000000000000000000001")
	alice = common.HexToAddress("0x0000000000000000000000000000000000000a11")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
)

func newTestToken(t *testing.T) (*Token, *events.MemorySink) {
	t.Helper()
	sink := events.NewMemorySink()
	host := state.NewHost(state.NewMemoryStore(),
		state.WithEventSink(sink),
		state.WithLogger(logger.Discard(), logger.Discard()),
	)
	tok := New(host, WithLogger(logger.Discard()))
	if err := tok.Initialize(auth.WithSigners(context.Background(), admin), admin); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return tok, sink
}

func TestMintAndTransfer(t *testing.T) {
	t.Parallel()
	tok, sink := newTestToken(t)
	adminCtx := auth.WithSigners(context.Background(), admin)

	if err := tok.Mint(adminCtx, admin, alice, 1_000); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := tok.Transfer(auth.WithSigners(context.Background(), alice), alice, bob, 400); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if got, _ := tok.BalanceOf(context.Background(), alice); got != 600 {
		t.Fatalf("alice balance %d", got)
	}
	if got, _ := tok.BalanceOf(context.Background(), bob); got != 400 {
		t.Fatalf("bob balance %d", got)
	}
	if supply, _ := tok.TotalSupply(context.Background()); supply != 1_000 {
		t.Fatalf("supply %d", supply)
	}
	want := []string{events.TypeTokenInitialized, events.TypeTokenMinted, events.TypeTokenTransferred}
	got := sink.Types()
	if len(got) != len(want) {
		t.Fatalf("unexpected events %v", got)
	}
}

func TestTransferRequiresSender(t *testing.T) {
	t.Parallel()
	tok, _ := newTestToken(t)
	if err := tok.Mint(auth.WithSigners(context.Background(), admin), admin, alice, 10); err != nil {
		t.Fatalf("mint: %v", err)
	}
	err := tok.Transfer(auth.WithSigners(context.Background(), bob), alice, bob, 5)
	if !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if got, _ := tok.BalanceOf(context.Background(), alice); got != 10 {
		t.Fatalf("balance must be unchanged, got %d", got)
	}
}

func TestTransferInsufficientBalance(t *testing.T) {
	t.Parallel()
	tok, _ := newTestToken(t)
	ctx := auth.WithSigners(context.Background(), alice)
	if err := tok.Transfer(ctx, alice, bob, 1); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
	if err := tok.Transfer(ctx, alice, bob, 0); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("zero transfer should be invalid, got %v", err)
	}
}

func TestSelfTransferKeepsBalance(t *testing.T) {
	t.Parallel()
	tok, _ := newTestToken(t)
	if err := tok.Mint(auth.WithSigners(context.Background(), admin), admin, alice, 10); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := tok.Transfer(auth.WithSigners(context.Background(), alice), alice, alice, 10); err != nil {
		t.Fatalf("self transfer: %v", err)
	}
	if got, _ := tok.BalanceOf(context.Background(), alice); got != 10 {
		t.Fatalf("self transfer changed balance to %d", got)
	}
}

func TestMintGuards(t *testing.T) {
	t.Parallel()
	tok, _ := newTestToken(t)
	adminCtx := auth.WithSigners(context.Background(), admin)

	if err := tok.Mint(auth.WithSigners(context.Background(), alice), alice, alice, 1); xerrors.CodeOf(err) != xerrors.CodeUnauthorized {
		t.Fatalf("non-admin mint should be unauthorized, got %v", err)
	}
	if err := tok.Mint(adminCtx, admin, alice, math.MaxUint64); err != nil {
		t.Fatalf("mint max: %v", err)
	}
	if err := tok.Mint(adminCtx, admin, bob, 1); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("overflowing mint should be rejected, got %v", err)
	}
	if err := tok.Initialize(adminCtx, admin); !errors.Is(err, ErrAlreadyInitialized) {
		t.Fatalf("expected already initialized, got %v", err)
	}
	got, ok, err := tok.Admin(context.Background())
	if err != nil || !ok || got != admin {
		t.Fatalf("unexpected admin %s %v %v", got.Hex(), ok, err)
	}
}
