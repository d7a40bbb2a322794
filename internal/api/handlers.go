package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"PayRelay/internal/auth"
	xerrors "PayRelay/internal/errors"
	"PayRelay/internal/grant"
	"PayRelay/internal/group"
	"PayRelay/internal/relay"
	"PayRelay/internal/split"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	if s.executor == nil {
		unavailable(w, "executor")
		return
	}
	var req relay.Request
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	exec, err := s.executor.Execute(r.Context(), auth.CallerID(r.Context()), req)
	if err != nil {
		if exec != nil {
			writeError(w, err, exec)
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	if s.executor == nil {
		unavailable(w, "executor")
		return
	}
	exec, err := s.executor.Get(r.Context(), chi.URLParam(r, "paymentID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	if s.executor == nil {
		unavailable(w, "executor")
		return
	}
	execs, err := s.executor.ListByGrant(r.Context(), chi.URLParam(r, "grantID"), queryLimit(r, 20))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": execs})
}

// queryLimit 读取 limit 查询参数，非法或缺省时返回 def。
func queryLimit(r *http.Request, def int) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			return parsed
		}
	}
	return def
}

type createGrantRequest struct {
	Owner          string          `json:"owner"`
	DelegateSigner string          `json:"delegate_signer"`
	SingleLimit    decimal.Decimal `json:"single_limit"`
	DailyLimit     decimal.Decimal `json:"daily_limit"`
	TTLSeconds     int64           `json:"ttl_seconds"`
}

func (s *Server) handleCreateGrant(w http.ResponseWriter, r *http.Request) {
	if s.grants == nil {
		unavailable(w, "grant registry")
		return
	}
	var req createGrantRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	subject := auth.SubjectFromContext(r.Context())
	owner := strings.TrimSpace(req.Owner)
	if owner == "" {
		owner = auth.CallerID(r.Context())
	}
	// owner 只能为自己创建授权，operator 可以代为创建。
	if !subject.HasRole(auth.RoleOperator) && !grant.SameAddress(owner, subject.ID) {
		writeError(w, xerrors.New(xerrors.CodeUnauthorized, "caller may only create grants for itself"))
		return
	}
	g, err := s.grants.Create(r.Context(), grant.CreateRequest{
		Owner:          owner,
		DelegateSigner: req.DelegateSigner,
		SingleLimit:    req.SingleLimit,
		DailyLimit:     req.DailyLimit,
		TTL:            time.Duration(req.TTLSeconds) * time.Second,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

func (s *Server) handleListGrants(w http.ResponseWriter, r *http.Request) {
	if s.grants == nil {
		unavailable(w, "grant registry")
		return
	}
	subject := auth.SubjectFromContext(r.Context())
	owner := strings.TrimSpace(r.URL.Query().Get("owner"))
	if owner == "" {
		owner = auth.CallerID(r.Context())
	}
	if !subject.HasRole(auth.RoleOperator) && !grant.SameAddress(owner, subject.ID) {
		writeError(w, xerrors.New(xerrors.CodeUnauthorized, "caller may only list its own grants"))
		return
	}
	grants, err := s.grants.ListByOwner(r.Context(), owner, queryLimit(r, 20))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"grants": grants})
}

func (s *Server) handleGetGrant(w http.ResponseWriter, r *http.Request) {
	if s.grants == nil {
		unavailable(w, "grant registry")
		return
	}
	g, err := s.grants.Get(r.Context(), chi.URLParam(r, "grantID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) handleRevokeGrant(w http.ResponseWriter, r *http.Request) {
	if s.grants == nil {
		unavailable(w, "grant registry")
		return
	}
	g, err := s.grants.Revoke(r.Context(), chi.URLParam(r, "grantID"), auth.CallerID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) handleConfigureSplit(w http.ResponseWriter, r *http.Request) {
	if s.splits == nil {
		unavailable(w, "split settlement")
		return
	}
	var cfg split.Config
	if err := decode(r, &cfg); err != nil {
		writeError(w, err)
		return
	}
	cfg.OrderID = chi.URLParam(r, "orderID")
	stored, err := s.splits.Configure(r.Context(), cfg)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

func (s *Server) handleGetSplit(w http.ResponseWriter, r *http.Request) {
	if s.splits == nil {
		unavailable(w, "split settlement")
		return
	}
	orderID := chi.URLParam(r, "orderID")
	cfg, err := s.splits.Get(r.Context(), orderID)
	if err != nil {
		writeError(w, err)
		return
	}
	credits, err := s.splits.Credits(r.Context(), orderID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"config": cfg, "credits": credits})
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	if s.splits == nil {
		unavailable(w, "split settlement")
		return
	}
	var req struct {
		Gross decimal.Decimal `json:"gross"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	result, err := s.splits.Settle(r.Context(), chi.URLParam(r, "orderID"), req.Gross)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleProof(w http.ResponseWriter, r *http.Request) {
	if s.splits == nil {
		unavailable(w, "split settlement")
		return
	}
	result, err := s.splits.SubmitProof(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleDispute(w http.ResponseWriter, r *http.Request) {
	if s.splits == nil {
		unavailable(w, "split settlement")
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	cfg, err := s.splits.OpenDispute(r.Context(), chi.URLParam(r, "orderID"), req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	if s.splits == nil {
		unavailable(w, "split settlement")
		return
	}
	var req struct {
		Resolution split.Resolution `json:"resolution"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	result, err := s.splits.ResolveDispute(r.Context(), chi.URLParam(r, "orderID"), req.Resolution)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	if s.splits == nil {
		unavailable(w, "split settlement")
		return
	}
	balance, err := s.splits.Balance(r.Context(), chi.URLParam(r, "payee"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balance)
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	if s.splits == nil {
		unavailable(w, "split settlement")
		return
	}
	payee := chi.URLParam(r, "payee")
	subject := auth.SubjectFromContext(r.Context())
	if !subject.HasRole(auth.RoleOperator) && !strings.EqualFold(strings.TrimSpace(payee), subject.ID) {
		writeError(w, xerrors.New(xerrors.CodeUnauthorized, "only the payee may claim its balance"))
		return
	}
	claim, err := s.splits.Claim(r.Context(), payee)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, claim)
}

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	if s.groups == nil {
		unavailable(w, "settlement groups")
		return
	}
	var req group.CreateRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	g, err := s.groups.Create(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

func (s *Server) handleGetGroup(w http.ResponseWriter, r *http.Request) {
	if s.groups == nil {
		unavailable(w, "settlement groups")
		return
	}
	g, err := s.groups.Get(r.Context(), chi.URLParam(r, "groupID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) handleRunGroup(w http.ResponseWriter, r *http.Request) {
	if s.groups == nil {
		unavailable(w, "settlement groups")
		return
	}
	g, err := s.groups.Run(r.Context(), chi.URLParam(r, "groupID"))
	s.writeGroup(w, g, err)
}

func (s *Server) handleReportLeg(w http.ResponseWriter, r *http.Request) {
	if s.groups == nil {
		unavailable(w, "settlement groups")
		return
	}
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "leg index must be an integer"))
		return
	}
	var report group.LegReport
	if err := decode(r, &report); err != nil {
		writeError(w, err)
		return
	}
	g, err := s.groups.ReportLeg(r.Context(), chi.URLParam(r, "groupID"), index, report)
	s.writeGroup(w, g, err)
}

func (s *Server) writeGroup(w http.ResponseWriter, g *group.Group, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, g)
	case g != nil:
		writeError(w, err, g)
	default:
		writeError(w, err)
	}
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if s.executor == nil {
		unavailable(w, "executor")
		return
	}
	s.executor.Pause()
	s.log.Warn("中继已暂停", "by", auth.CallerID(r.Context()))
	writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if s.executor == nil {
		unavailable(w, "executor")
		return
	}
	s.executor.Resume()
	s.log.Info("中继已恢复", "by", auth.CallerID(r.Context()))
	writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
}
