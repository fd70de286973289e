package api

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	"basilisk-escrow/internal/auth"
	"basilisk-escrow/internal/escrow"
	"basilisk-escrow/internal/vault"
)

func caller(r *http.Request) escrow.Actor {
	actor, _ := auth.ActorFromContext(r.Context())
	return actor
}

type jobIDKey struct{}

// withJobID 解析路径中的任务 ID。路径含转义字符时 chi 按 RawPath 路由，参数需要反转义。
func (s *Server) withJobID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if r.URL.RawPath != "" {
			unescaped, err := url.PathUnescape(id)
			if err != nil {
				s.writeError(w, r, badRequest("任务 ID 编码无效", err))
				return
			}
			id = unescaped
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), jobIDKey{}, id)))
	})
}

func jobID(r *http.Request) string {
	id, _ := r.Context().Value(jobIDKey{}).(string)
	return id
}

type initializeBody struct {
	Admin      common.Address `json:"admin"`
	Arbitrator common.Address `json:"arbitrator"`
}

type updateConfigBody struct {
	Admin      *common.Address `json:"admin"`
	Arbitrator *common.Address `json:"arbitrator"`
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.machine.Config(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request) {
	var body initializeBody
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	cfg, err := s.machine.Initialize(r.Context(), escrow.InitializeRequest{
		Caller:     caller(r),
		Admin:      body.Admin,
		Arbitrator: body.Arbitrator,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, cfg)
}

func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	var body updateConfigBody
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	cfg, err := s.machine.UpdateConfig(r.Context(), escrow.UpdateConfigRequest{
		Caller:        caller(r),
		NewAdmin:      body.Admin,
		NewArbitrator: body.Arbitrator,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

type createJobBody struct {
	ID           string         `json:"id"`
	Asset        common.Address `json:"asset"`
	Amount       uint64         `json:"amount,string"`
	Description  string         `json:"description"`
	DeadlineDays int            `json:"deadline_days"`
	PayerAccount common.Hash    `json:"payer_account"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var body createJobBody
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	job, err := s.machine.CreateJob(r.Context(), escrow.CreateJobRequest{
		Caller:       caller(r),
		JobID:        body.ID,
		Asset:        body.Asset,
		Amount:       body.Amount,
		Description:  body.Description,
		DeadlineDays: body.DeadlineDays,
		PayerAccount: body.PayerAccount,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.machine.GetJob(r.Context(), jobID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	job, err := s.machine.AcceptJob(r.Context(), escrow.AcceptJobRequest{
		Caller: caller(r),
		JobID:  jobID(r),
	})
	s.respondJob(w, r, job, err)
}

type submitBody struct {
	Deliverable string `json:"deliverable"`
	Notes       string `json:"notes"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var body submitBody
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	job, err := s.machine.SubmitDeliverable(r.Context(), escrow.SubmitDeliverableRequest{
		Caller:      caller(r),
		JobID:       jobID(r),
		Deliverable: body.Deliverable,
		Notes:       body.Notes,
	})
	s.respondJob(w, r, job, err)
}

type approveBody struct {
	Rating       int         `json:"rating"`
	AgentAccount common.Hash `json:"agent_account"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var body approveBody
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	job, err := s.machine.ApproveAndPay(r.Context(), escrow.ApproveRequest{
		Caller:       caller(r),
		JobID:        jobID(r),
		Rating:       body.Rating,
		AgentAccount: body.AgentAccount,
	})
	s.respondJob(w, r, job, err)
}

type rejectBody struct {
	Reason string `json:"reason"`
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	var body rejectBody
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	job, err := s.machine.RejectWork(r.Context(), escrow.RejectRequest{
		Caller: caller(r),
		JobID:  jobID(r),
		Reason: body.Reason,
	})
	s.respondJob(w, r, job, err)
}

type cancelBody struct {
	RequesterAccount common.Hash `json:"requester_account"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var body cancelBody
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	job, err := s.machine.CancelJob(r.Context(), escrow.CancelRequest{
		Caller:           caller(r),
		JobID:            jobID(r),
		RequesterAccount: body.RequesterAccount,
	})
	s.respondJob(w, r, job, err)
}

type resolveBody struct {
	AgentPercentage  int         `json:"agent_percentage"`
	AgentAccount     common.Hash `json:"agent_account"`
	RequesterAccount common.Hash `json:"requester_account"`
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var body resolveBody
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	job, err := s.machine.ResolveDispute(r.Context(), escrow.ResolveRequest{
		Caller:           caller(r),
		JobID:            jobID(r),
		AgentPercentage:  body.AgentPercentage,
		AgentAccount:     body.AgentAccount,
		RequesterAccount: body.RequesterAccount,
	})
	s.respondJob(w, r, job, err)
}

func (s *Server) respondJob(w http.ResponseWriter, r *http.Request, job *escrow.Job, err error) {
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type listResponse struct {
	Jobs   []*escrow.Job `json:"jobs"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	opts, err := listOptionsFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	jobs, err := s.machine.ListJobs(r.Context(), opts...)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	applied := escrow.BuildListOptions(opts...)
	if jobs == nil {
		jobs = []*escrow.Job{}
	}
	writeJSON(w, http.StatusOK, listResponse{Jobs: jobs, Limit: applied.Limit, Offset: applied.Offset})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	opts, err := listOptionsFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	stats, err := s.machine.Stats(r.Context(), opts...)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// listOptionsFrom 解析查询参数：status（逗号分隔）、requester、agent、asset、
// created_from、created_to、limit、offset、order=asc|desc。
func listOptionsFrom(r *http.Request) ([]escrow.ListOption, error) {
	q := r.URL.Query()
	var opts []escrow.ListOption

	if raw := q.Get("status"); raw != "" {
		var statuses []escrow.Status
		for _, part := range strings.Split(raw, ",") {
			status, err := escrow.ParseStatus(strings.TrimSpace(part))
			if err != nil {
				return nil, badRequest("status 参数无效", err)
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, escrow.WithStatuses(statuses...))
	}
	for name, apply := range map[string]func(common.Address) escrow.ListOption{
		"requester": escrow.WithRequester,
		"agent":     escrow.WithAgent,
		"asset":     escrow.WithAsset,
	} {
		if raw := q.Get(name); raw != "" {
			if !common.IsHexAddress(raw) {
				return nil, badRequest(name+" 参数不是合法地址", nil)
			}
			opts = append(opts, apply(common.HexToAddress(raw)))
		}
	}

	from, err := intParam(q.Get("created_from"))
	if err != nil {
		return nil, err
	}
	to, err := intParam(q.Get("created_to"))
	if err != nil {
		return nil, err
	}
	if from != 0 || to != 0 {
		opts = append(opts, escrow.WithCreatedBetween(from, to))
	}
	limit, err := intParam(q.Get("limit"))
	if err != nil {
		return nil, err
	}
	offset, err := intParam(q.Get("offset"))
	if err != nil {
		return nil, err
	}
	opts = append(opts, escrow.WithLimit(int(limit)), escrow.WithOffset(int(offset)))

	switch strings.ToLower(q.Get("order")) {
	case "", "desc":
	case "asc":
		opts = append(opts, escrow.WithSortOrder(escrow.SortByCreatedAsc))
	default:
		return nil, badRequest("order 参数只能为 asc 或 desc", nil)
	}
	return opts, nil
}

func intParam(raw string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, badRequest("数值参数无效: "+raw, err)
	}
	return v, nil
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	after, err := intParam(r.URL.Query().Get("after"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	limit, err := intParam(r.URL.Query().Get("limit"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	list, err := s.machine.Events(r.Context(), uint64(after), int(limit))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []escrow.Event{}
	}

	if strings.EqualFold(r.URL.Query().Get("format"), "evm") {
		if s.codec == nil {
			s.writeError(w, r, badRequest("未启用 EVM 日志格式", nil))
			return
		}
		logs, err := s.codec.EncodeAll(list)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": list})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	owner, asset := chi.URLParam(r, "owner"), chi.URLParam(r, "asset")
	if !common.IsHexAddress(owner) || !common.IsHexAddress(asset) {
		s.writeError(w, r, badRequest("owner 与 asset 必须为合法地址", nil))
		return
	}
	acct, err := vault.Balance(r.Context(), s.ledger, common.HexToAddress(owner), common.HexToAddress(asset))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}
