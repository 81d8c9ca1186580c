package auth

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"

	xerrors "DACTP-Chain/internal/errors"
)

// 签名请求使用的 HTTP 头。
const (
	HeaderSigner    = "X-Dactp-Signer"
	HeaderNonce     = "X-Dactp-Nonce"
	HeaderSignature = "X-Dactp-Signature"
)

// signingPrefix 隔离签名域，避免与以太坊交易签名混用。
const signingPrefix = "\x19DACTP Signed Request:\n"

// Common errors returned by the authentication subsystem.
var (
	ErrUnauthorized     = xerrors.New(xerrors.CodeUnauthorized, "caller did not authorize this operation")
	ErrMissingSignature = xerrors.New(xerrors.CodeUnauthorized, "missing request signature")
	ErrInvalidSignature = xerrors.New(xerrors.CodeUnauthorized, "signature does not match signer")
	ErrInvalidAddress   = xerrors.New(xerrors.CodeInvalidArgument, "malformed address")
)

// Grant 记录一次已验证的签名授权。
type Grant struct {
	Signer common.Address
	Nonce  uint64
}

// ParseAddress 解析十六进制地址，要求带 0x 前缀的 20 字节编码。
func ParseAddress(raw string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "0x") && !strings.HasPrefix(raw, "0X") {
		return common.Address{}, xerrors.New(xerrors.CodeInvalidArgument, "address must be 0x-prefixed", xerrors.WithMetadata("address", raw))
	}
	if !common.IsHexAddress(raw) {
		return common.Address{}, xerrors.New(xerrors.CodeInvalidArgument, ErrInvalidAddress.Message(), xerrors.WithMetadata("address", raw))
	}
	return common.HexToAddress(raw), nil
}

// ContractAddress 从名字确定性地派生组件自身的身份。
func ContractAddress(name string) common.Address {
	return common.BytesToAddress(keccak([]byte("dactp:contract:" + name))[12:])
}
