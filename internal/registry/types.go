package registry

import (
	"net/http"
	"slices"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	xerrors "DACTP-Chain/internal/errors"
)

// 注册表相关错误码。
const (
	CodeNotRegistered      xerrors.Code = "NOT_REGISTERED"
	CodeRevoked            xerrors.Code = "REVOKED"
	CodeScopeDenied        xerrors.Code = "SCOPE_DENIED"
	CodeAmountExceedsLimit xerrors.Code = "AMOUNT_EXCEEDS_LIMIT"
)

func init() {
	xerrors.Register(CodeNotRegistered, xerrors.Attributes{Message: "agent not registered", Severity: xerrors.SeverityInfo, Status: http.StatusNotFound})
	xerrors.Register(CodeRevoked, xerrors.Attributes{Message: "agent revoked", Severity: xerrors.SeverityWarning, Status: http.StatusForbidden})
	xerrors.Register(CodeScopeDenied, xerrors.Attributes{Message: "action outside agent scopes", Severity: xerrors.SeverityInfo, Status: http.StatusForbidden})
	xerrors.Register(CodeAmountExceedsLimit, xerrors.Attributes{Message: "amount exceeds agent spending cap", Severity: xerrors.SeverityInfo, Status: http.StatusForbidden})
}

var (
	ErrNotRegistered      = xerrors.New(CodeNotRegistered, "")
	ErrRevoked            = xerrors.New(CodeRevoked, "")
	ErrScopeDenied        = xerrors.New(CodeScopeDenied, "")
	ErrAmountExceedsLimit = xerrors.New(CodeAmountExceedsLimit, "")
)

// 协议内置的动作名。
const (
	ActionBorrow = "borrow"
	ActionRepay  = "repay"
)

const maxScopeLength = 32

// AgentInfo 是代理的注册记录。
type AgentInfo struct {
	Agent     common.Address `json:"agent" cbor:"1,keyasint"`
	Owner     common.Address `json:"owner" cbor:"2,keyasint"`
	Scopes    []string       `json:"scopes" cbor:"3,keyasint"`
	MaxAmount uint64         `json:"max_amount" cbor:"4,keyasint"`
	Revoked   bool           `json:"revoked" cbor:"5,keyasint"`
	UpdatedAt int64          `json:"updated_at" cbor:"6,keyasint"`
}

// HasScope 判断动作是否在授权范围内，按原样精确匹配。
func (a *AgentInfo) HasScope(action string) bool {
	_, found := slices.BinarySearch(a.Scopes, action)
	return found
}

// Allows 返回动作被拒绝的原因，允许时返回 nil。
func (a *AgentInfo) Allows(action string, amount uint64) error {
	switch {
	case a == nil:
		return ErrNotRegistered
	case a.Revoked:
		return xerrors.New(CodeRevoked, "", xerrors.WithMetadata("agent", a.Agent.Hex()))
	case !a.HasScope(action):
		return xerrors.New(CodeScopeDenied, "", xerrors.WithMetadata("action", action))
	case amount > a.MaxAmount:
		return xerrors.New(CodeAmountExceedsLimit, "", xerrors.WithMetadata("max_amount", formatUint(a.MaxAmount)))
	}
	return nil
}

func normalizeScope(scope string) string {
	return strings.ToLower(strings.TrimSpace(scope))
}

// normalizeScopes 去重、排序并校验动作名。
func normalizeScopes(scopes []string) ([]string, error) {
	out := make([]string, 0, len(scopes))
	for _, raw := range scopes {
		scope := normalizeScope(raw)
		if scope == "" || len(scope) > maxScopeLength || strings.ContainsAny(scope, " \t\n/") {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "invalid scope name", xerrors.WithMetadata("scope", raw))
		}
		out = append(out, scope)
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}
