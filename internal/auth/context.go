package auth

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	xerrors "DACTP-Chain/internal/errors"
)

// signersKey 是上下文中存储授权签名者集合的键类型。
type signersKey struct{}

// grantKey 是上下文中存储请求签名凭证的键类型。
type grantKey struct{}

type signerSet map[common.Address]struct{}

// WithSigners 在上下文中追加已授权的身份。
//
// 仅限可信路径使用：已验证的签名请求、持有私钥的引导流程，以及组件以自身身份发起的嵌套调用。
func WithSigners(ctx context.Context, addrs ...common.Address) context.Context {
	if len(addrs) == 0 {
		return ctx
	}
	existing, _ := ctx.Value(signersKey{}).(signerSet)
	next := make(signerSet, len(existing)+len(addrs))
	for addr := range existing {
		next[addr] = struct{}{}
	}
	for _, addr := range addrs {
		next[addr] = struct{}{}
	}
	return context.WithValue(ctx, signersKey{}, next)
}

// WithGrant 记录经过验证的签名凭证，并将签名者加入授权集合。
func WithGrant(ctx context.Context, grant Grant) context.Context {
	ctx = WithSigners(ctx, grant.Signer)
	return context.WithValue(ctx, grantKey{}, grant)
}

// GrantFromContext 返回请求携带的签名凭证。
func GrantFromContext(ctx context.Context) (Grant, bool) {
	if ctx == nil {
		return Grant{}, false
	}
	grant, ok := ctx.Value(grantKey{}).(Grant)
	return grant, ok
}

// Authorized 判断身份是否已在上下文中授权。
func Authorized(ctx context.Context, addr common.Address) bool {
	if ctx == nil {
		return false
	}
	set, _ := ctx.Value(signersKey{}).(signerSet)
	_, ok := set[addr]
	return ok
}

// Signers 返回上下文中的全部授权身份。
func Signers(ctx context.Context) []common.Address {
	set, _ := ctx.Value(signersKey{}).(signerSet)
	out := make([]common.Address, 0, len(set))
	for addr := range set {
		out = append(out, addr)
	}
	return out
}

// Require 要求每个给定身份均已授权，否则返回 UNAUTHORIZED。
func Require(ctx context.Context, addrs ...common.Address) error {
	for _, addr := range addrs {
		if !Authorized(ctx, addr) {
			return xerrors.New(xerrors.CodeUnauthorized, ErrUnauthorized.Message(), xerrors.WithMetadata("address", addr.Hex()))
		}
	}
	return nil
}
