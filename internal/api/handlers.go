package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	"DACTP-Chain/internal/auth"
	xerrors "DACTP-Chain/internal/errors"
	"DACTP-Chain/internal/lending"
	"DACTP-Chain/internal/registry"
	"DACTP-Chain/internal/reputation"
)

type registerAgentRequest struct {
	Owner     string   `json:"owner"`
	Agent     string   `json:"agent"`
	Scopes    []string `json:"scopes"`
	MaxAmount uint64   `json:"max_amount"`
}

type actorRequest struct {
	Actor string `json:"actor"`
}

type callerRequest struct {
	Admin  string `json:"admin"`
	Caller string `json:"caller"`
}

type deltaRequest struct {
	Caller string `json:"caller"`
	Delta  int32  `json:"delta"`
}

type loanRequest struct {
	Agent           string `json:"agent"`
	Amount          uint64 `json:"amount"`
	DurationSeconds uint64 `json:"duration_seconds"`
}

type mintRequest struct {
	Admin  string `json:"admin"`
	To     string `json:"to"`
	Amount uint64 `json:"amount"`
}

type transferRequest struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Amount uint64 `json:"amount"`
}

type scoreResponse struct {
	Agent string          `json:"agent"`
	Score uint32          `json:"score"`
	Tier  reputation.Tier `json:"tier"`
}

type loanResponse struct {
	Loan    *lending.Loan      `json:"loan"`
	Status  lending.LoanStatus `json:"status"`
	Overdue bool               `json:"overdue"`
}

type poolResponse struct {
	lending.PoolStats
	Identity string `json:"identity"`
}

func (s *Server) handleLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req registerAgentRequest
	if !s.decode(w, r, &req) {
		return
	}
	owner, err := actorOrSigner(r, req.Owner)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	agent, err := auth.ParseAddress(req.Agent)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.svc.Registry.RegisterAgent(r.Context(), owner, agent, req.Scopes, req.MaxAmount); err != nil {
		s.writeError(w, r, err)
		return
	}
	info, err := s.svc.Registry.GetAgentInfo(r.Context(), agent)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent, ok := s.pathAddress(w, r, "agent")
	if !ok {
		return
	}
	info, err := s.svc.Registry.GetAgentInfo(r.Context(), agent)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if info == nil {
		s.writeError(w, r, xerrors.New(registry.CodeNotRegistered, "", xerrors.WithMetadata("agent", agent.Hex())))
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleIsAuthorized(w http.ResponseWriter, r *http.Request) {
	agent, ok := s.pathAddress(w, r, "agent")
	if !ok {
		return
	}
	action := r.URL.Query().Get("action")
	var amount uint64
	if raw := r.URL.Query().Get("amount"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			s.writeError(w, r, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "amount must be an unsigned integer"))
			return
		}
		amount = parsed
	}
	resp := map[string]any{
		"agent":      agent.Hex(),
		"action":     action,
		"amount":     amount,
		"authorized": s.svc.Registry.IsAuthorized(r.Context(), agent, action, amount),
	}
	if err := s.svc.Registry.Check(r.Context(), agent, action, amount); err != nil {
		resp["reason"] = string(xerrors.CodeOf(err))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRevokeAgent(w http.ResponseWriter, r *http.Request) {
	agent, ok := s.pathAddress(w, r, "agent")
	if !ok {
		return
	}
	var req actorRequest
	if !s.decode(w, r, &req) {
		return
	}
	owner, err := actorOrSigner(r, req.Actor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.svc.Registry.RevokeAgent(r.Context(), owner, agent); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agent": agent.Hex(), "revoked": true})
}

func (s *Server) handleTiers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, reputation.Tiers())
}

func (s *Server) handleInitializeLedger(w http.ResponseWriter, r *http.Request) {
	s.initialize(w, r, s.svc.Ledger.Initialize)
}

func (s *Server) handleApproveCaller(w http.ResponseWriter, r *http.Request) {
	var req callerRequest
	if !s.decode(w, r, &req) {
		return
	}
	admin, err := actorOrSigner(r, req.Admin)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	caller, err := auth.ParseAddress(req.Caller)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.svc.Ledger.ApproveCaller(r.Context(), admin, caller); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"caller": caller.Hex(), "approved": true})
}

func (s *Server) handleRemoveCaller(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.pathAddress(w, r, "caller")
	if !ok {
		return
	}
	admin, err := actorOrSigner(r, "")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.svc.Ledger.RemoveCaller(r.Context(), admin, caller); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"caller": caller.Hex(), "approved": false})
}

func (s *Server) handleGetScore(w http.ResponseWriter, r *http.Request) {
	agent, ok := s.pathAddress(w, r, "agent")
	if !ok {
		return
	}
	score, err := s.svc.Ledger.GetScore(r.Context(), agent)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, scoreResponse{Agent: agent.Hex(), Score: score, Tier: reputation.TierFor(score)})
}

func (s *Server) handleGetTier(w http.ResponseWriter, r *http.Request) {
	agent, ok := s.pathAddress(w, r, "agent")
	if !ok {
		return
	}
	tier, err := s.svc.Ledger.GetTier(r.Context(), agent)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tier)
}

func (s *Server) handleUpdateScore(w http.ResponseWriter, r *http.Request) {
	agent, ok := s.pathAddress(w, r, "agent")
	if !ok {
		return
	}
	var req deltaRequest
	if !s.decode(w, r, &req) {
		return
	}
	caller, err := actorOrSigner(r, req.Caller)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	score, err := s.svc.Ledger.UpdateScore(r.Context(), caller, agent, req.Delta)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, scoreResponse{Agent: agent.Hex(), Score: score, Tier: reputation.TierFor(score)})
}

func (s *Server) handleFreeze(w http.ResponseWriter, r *http.Request) {
	agent, ok := s.pathAddress(w, r, "agent")
	if !ok {
		return
	}
	var req actorRequest
	if !s.decode(w, r, &req) {
		return
	}
	caller, err := actorOrSigner(r, req.Actor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.svc.Ledger.FreezeReputation(r.Context(), caller, agent); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, scoreResponse{Agent: agent.Hex(), Score: reputation.MinScore, Tier: reputation.TierFor(reputation.MinScore)})
}

func (s *Server) handleInitializeLending(w http.ResponseWriter, r *http.Request) {
	s.initialize(w, r, s.svc.Engine.Initialize)
}

func (s *Server) handlePool(w http.ResponseWriter, r *http.Request) {
	stats, err := s.svc.Engine.PoolStats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, poolResponse{PoolStats: stats, Identity: s.svc.Engine.Identity().Hex()})
}

func (s *Server) handleRequestLoan(w http.ResponseWriter, r *http.Request) {
	var req loanRequest
	if !s.decode(w, r, &req) {
		return
	}
	agent, err := actorOrSigner(r, req.Agent)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var opts []lending.LoanOption
	if req.DurationSeconds > 0 {
		if req.DurationSeconds > uint64(s.svc.Engine.Config().MaxLoanDuration/time.Second) {
			s.writeError(w, r, xerrors.New(xerrors.CodeInvalidArgument, "loan duration out of range"))
			return
		}
		opts = append(opts, lending.WithDuration(time.Duration(req.DurationSeconds)*time.Second))
	}
	loan, err := s.svc.Engine.RequestLoan(r.Context(), agent, req.Amount, opts...)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, loanResponse{Loan: loan, Status: loan.Status()})
}

func (s *Server) handleGetLoan(w http.ResponseWriter, r *http.Request) {
	agent, ok := s.pathAddress(w, r, "agent")
	if !ok {
		return
	}
	loan, err := s.svc.Engine.GetLoan(r.Context(), agent)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if loan == nil {
		s.writeError(w, r, xerrors.New(lending.CodeLoanNotFound, "", xerrors.WithMetadata("agent", agent.Hex())))
		return
	}
	overdue, err := s.svc.Engine.IsLoanOverdue(r.Context(), agent)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loanResponse{Loan: loan, Status: loan.Status(), Overdue: overdue})
}

func (s *Server) handleRepayLoan(w http.ResponseWriter, r *http.Request) {
	agent, ok := s.pathAddress(w, r, "agent")
	if !ok {
		return
	}
	settlement, err := s.svc.Engine.RepayLoan(r.Context(), agent)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, settlement)
}

func (s *Server) handleMarkOverdue(w http.ResponseWriter, r *http.Request) {
	agent, ok := s.pathAddress(w, r, "agent")
	if !ok {
		return
	}
	settlement, err := s.svc.Engine.MarkOverdue(r.Context(), agent)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, settlement)
}

func (s *Server) handleInitializeToken(w http.ResponseWriter, r *http.Request) {
	s.initialize(w, r, s.svc.Token.Initialize)
}

func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	var req mintRequest
	if !s.decode(w, r, &req) {
		return
	}
	admin, err := actorOrSigner(r, req.Admin)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	to, err := auth.ParseAddress(req.To)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.svc.Token.Mint(r.Context(), admin, to, req.Amount); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeBalance(w, r, to)
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if !s.decode(w, r, &req) {
		return
	}
	from, err := actorOrSigner(r, req.From)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	to, err := auth.ParseAddress(req.To)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.svc.Token.Transfer(r.Context(), from, to, req.Amount); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeBalance(w, r, from)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.pathAddress(w, r, "addr")
	if !ok {
		return
	}
	s.writeBalance(w, r, addr)
}

func (s *Server) handleTotalSupply(w http.ResponseWriter, r *http.Request) {
	supply, err := s.svc.Token.TotalSupply(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"total_supply": supply})
}

func (s *Server) handleNonce(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.pathAddress(w, r, "addr")
	if !ok {
		return
	}
	next, err := s.svc.Host.NextNonce(r.Context(), addr)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"address": addr.Hex(), "next_nonce": next})
}

func (s *Server) writeBalance(w http.ResponseWriter, r *http.Request, addr common.Address) {
	balance, err := s.svc.Token.BalanceOf(r.Context(), addr)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"address": addr.Hex(), "balance": balance})
}

func (s *Server) initialize(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, admin common.Address) error) {
	var req actorRequest
	if !s.decode(w, r, &req) {
		return
	}
	admin, err := actorOrSigner(r, req.Actor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := fn(r.Context(), admin); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"admin": admin.Hex(), "initialized": true})
}

// decode 解析 JSON 请求体，空请求体视为零值。
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil {
		return true
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, r, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return false
	}
	return true
}

func (s *Server) pathAddress(w http.ResponseWriter, r *http.Request, param string) (common.Address, bool) {
	addr, err := auth.ParseAddress(chi.URLParam(r, param))
	if err != nil {
		s.writeError(w, r, err)
		return common.Address{}, false
	}
	return addr, true
}

// actorOrSigner 解析请求声明的操作身份，缺省时使用请求签名者。
func actorOrSigner(r *http.Request, raw string) (common.Address, error) {
	if raw != "" {
		return auth.ParseAddress(raw)
	}
	if grant, ok := auth.GrantFromContext(r.Context()); ok {
		return grant.Signer, nil
	}
	return common.Address{}, xerrors.New(xerrors.CodeUnauthorized, "request must be signed or name its actor")
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := xerrors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("请求处理失败",
			slog.String("path", r.URL.Path),
			slog.String("method", r.Method),
			slog.Any("error", err),
		)
	}
	message := err.Error()
	if e, ok := xerrors.From(err); ok {
		message = e.Message()
	}
	writeJSON(w, status, map[string]string{
		"code":    string(xerrors.CodeOf(err)),
		"message": message,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
