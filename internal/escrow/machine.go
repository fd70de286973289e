package escrow

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strconv"
	"time"

	xerrors "basilisk-escrow/internal/errors"
	"basilisk-escrow/pkg/logger"
)

// Operation 标识状态机的一个入口。
type Operation string

const (
	OpInitialize        Operation = "initialize"
	OpUpdateConfig      Operation = "update_config"
	OpCreateJob         Operation = "create_job"
	OpAcceptJob         Operation = "accept_job"
	OpSubmitDeliverable Operation = "submit_deliverable"
	OpApproveAndPay     Operation = "approve_and_pay"
	OpRejectWork        Operation = "reject_work"
	OpCancelJob         Operation = "cancel_job"
	OpResolveDispute    Operation = "resolve_dispute"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000

	rejectionMarker = " | REJECTED: "
	notesSeparator  = " | "
)

// Machine 是任务生命周期的唯一入口。每个写操作在一个后端事务内完成
// 加载、授权、状态检查、输入校验、时间检查与资金移动。
type Machine struct {
	backend   Backend
	clock     Clock
	publisher Publisher
	observer  Observer
	logger    *slog.Logger
}

// Option 定义 Machine 的可选配置。
type Option func(*Machine)

// WithClock 替换时间来源。
func WithClock(clock Clock) Option {
	return func(m *Machine) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// WithPublisher 设置事务提交后的事件转发器。
func WithPublisher(p Publisher) Option {
	return func(m *Machine) {
		m.publisher = p
	}
}

// WithObserver 设置指标观察者。
func WithObserver(o Observer) Option {
	return func(m *Machine) {
		m.observer = o
	}
}

// WithLogger 替换运行日志。
func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewMachine 基于后端构建状态机。
func NewMachine(backend Backend, opts ...Option) *Machine {
	m := &Machine{
		backend: backend,
		clock:   SystemClock,
		logger:  logger.Named("escrow"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Initialize 创建全局配置，只能成功一次。
func (m *Machine) Initialize(ctx context.Context, req InitializeRequest) (*ProgramConfig, error) {
	var cfg ProgramConfig
	err := m.execute(ctx, OpInitialize, req.Caller, func(ctx context.Context, tx Tx, now int64) ([]*Event, error) {
		if err := requireCaller(req.Caller); err != nil {
			return nil, err
		}
		if _, err := tx.Config().Load(ctx); err == nil {
			return nil, ErrAlreadyInitialized
		} else if !stdErrors.Is(err, ErrNotInitialized) {
			return nil, err
		}

		cfg = ProgramConfig{Admin: req.Admin, Arbitrator: req.Arbitrator}
		if IsZeroActor(cfg.Admin) {
			cfg.Admin = req.Caller
		}
		if err := requireNonZeroActor(cfg.Arbitrator, "arbitrator"); err != nil {
			return nil, err
		}
		if err := tx.Config().Insert(ctx, cfg); err != nil {
			return nil, err
		}
		return []*Event{newEvent(EventConfigInitialized, "", req.Caller, now, map[string]string{
			"admin":      cfg.Admin.Hex(),
			"arbitrator": cfg.Arbitrator.Hex(),
		})}, nil
	})
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// UpdateConfig 由当前管理员修改管理员或仲裁人。
func (m *Machine) UpdateConfig(ctx context.Context, req UpdateConfigRequest) (*ProgramConfig, error) {
	var updated ProgramConfig
	err := m.execute(ctx, OpUpdateConfig, req.Caller, func(ctx context.Context, tx Tx, now int64) ([]*Event, error) {
		cfg, err := tx.Config().Load(ctx)
		if err != nil {
			return nil, err
		}
		if err := requireAdmin(cfg, req.Caller); err != nil {
			return nil, err
		}

		changes := make(map[string]string, 2)
		next := *cfg
		if req.NewAdmin != nil {
			if err := requireNonZeroActor(*req.NewAdmin, "admin"); err != nil {
				return nil, err
			}
			next.Admin = *req.NewAdmin
			changes["admin"] = next.Admin.Hex()
		}
		if req.NewArbitrator != nil {
			if err := requireNonZeroActor(*req.NewArbitrator, "arbitrator"); err != nil {
				return nil, err
			}
			next.Arbitrator = *req.NewArbitrator
			changes["arbitrator"] = next.Arbitrator.Hex()
		}
		if err := tx.Config().Save(ctx, next); err != nil {
			return nil, err
		}
		updated = next
		return []*Event{newEvent(EventConfigUpdated, "", req.Caller, now, changes)}, nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// CreateJob 创建任务并把金额从请求方账户转入托管。
func (m *Machine) CreateJob(ctx context.Context, req CreateJobRequest) (*Job, error) {
	var created *Job
	err := m.execute(ctx, OpCreateJob, req.Caller, func(ctx context.Context, tx Tx, now int64) ([]*Event, error) {
		if err := requireCaller(req.Caller); err != nil {
			return nil, err
		}
		if err := validateAmount(req.Amount); err != nil {
			return nil, err
		}
		if err := ValidateJobID(req.JobID); err != nil {
			return nil, err
		}
		if err := validateDescription(req.Description); err != nil {
			return nil, err
		}
		if IsZeroActor(req.Asset) {
			return nil, ErrInvalidMint.With(xerrors.WithMetadata("reason", "missing asset"))
		}

		key := JobKeyOf(req.JobID)
		if _, err := tx.Jobs().Get(ctx, key); err == nil {
			return nil, ErrJobIDAlreadyExists.With(xerrors.WithMetadata("job_id", req.JobID))
		} else if !stdErrors.Is(err, ErrJobNotFound) {
			return nil, err
		}

		deadline, err := deadlineFrom(now, req.DeadlineDays)
		if err != nil {
			return nil, err
		}

		job := &Job{
			ID:          req.JobID,
			Requester:   req.Caller,
			Asset:       req.Asset,
			Amount:      req.Amount,
			Description: req.Description,
			Status:      StatusOpen,
			CreatedAt:   now,
			Deadline:    deadline,
		}
		if err := tx.Jobs().Insert(ctx, job); err != nil {
			return nil, err
		}
		if err := tx.Vault().Custody(ctx, CustodyRequest{
			JobKey: key,
			JobID:  job.ID,
			Asset:  job.Asset,
			Amount: job.Amount,
			From:   req.PayerAccount,
			Payer:  req.Caller,
		}); err != nil {
			return nil, err
		}
		created = job.Clone()
		return []*Event{newEvent(EventJobCreated, job.ID, req.Caller, now, map[string]string{
			"status":      job.Status.String(),
			"requester":   job.Requester.Hex(),
			"asset":       job.Asset.Hex(),
			"amount":      strconv.FormatUint(job.Amount, 10),
			"description": job.Description,
			"created_at":  strconv.FormatInt(job.CreatedAt, 10),
			"deadline":    strconv.FormatInt(job.Deadline, 10),
		})}, nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// AcceptJob 由任意代理接受 Open 状态的任务。
func (m *Machine) AcceptJob(ctx context.Context, req AcceptJobRequest) (*Job, error) {
	return m.transition(ctx, OpAcceptJob, req.Caller, req.JobID, func(ctx context.Context, tx Tx, job *Job, now int64) (*Event, error) {
		if err := requireCaller(req.Caller); err != nil {
			return nil, err
		}
		if err := requireStatus(job, StatusOpen); err != nil {
			return nil, err
		}
		if job.HasAgent() {
			return nil, ErrJobAlreadyTaken.With(xerrors.WithMetadata("job_id", job.ID))
		}
		job.Agent = req.Caller
		job.Status = StatusInProgress
		return newEvent(EventJobAccepted, job.ID, req.Caller, now, map[string]string{
			"agent":  job.Agent.Hex(),
			"status": job.Status.String(),
		}), nil
	})
}

// SubmitDeliverable 由代理在截止时间前提交交付物。
func (m *Machine) SubmitDeliverable(ctx context.Context, req SubmitDeliverableRequest) (*Job, error) {
	return m.transition(ctx, OpSubmitDeliverable, req.Caller, req.JobID, func(ctx context.Context, tx Tx, job *Job, now int64) (*Event, error) {
		if err := requireAgent(job, req.Caller); err != nil {
			return nil, err
		}
		if err := requireStatus(job, StatusInProgress); err != nil {
			return nil, err
		}
		deliverable := req.Deliverable
		if req.Notes != "" {
			deliverable += notesSeparator + req.Notes
		}
		if err := validateDeliverable(deliverable); err != nil {
			return nil, err
		}
		if err := requireBeforeDeadline(job, now); err != nil {
			return nil, err
		}
		job.Deliverable = deliverable
		job.Status = StatusUnderReview
		return newEvent(EventDeliverableSubmitted, job.ID, req.Caller, now, map[string]string{
			"deliverable": job.Deliverable,
			"status":      job.Status.String(),
		}), nil
	})
}

// ApproveAndPay 由请求方验收并把托管资金全部释放给代理。
func (m *Machine) ApproveAndPay(ctx context.Context, req ApproveRequest) (*Job, error) {
	return m.transition(ctx, OpApproveAndPay, req.Caller, req.JobID, func(ctx context.Context, tx Tx, job *Job, now int64) (*Event, error) {
		if err := requireRequester(job, req.Caller); err != nil {
			return nil, err
		}
		if err := requireStatus(job, StatusUnderReview); err != nil {
			return nil, err
		}
		if err := validateRating(req.Rating); err != nil {
			return nil, err
		}
		if err := tx.Vault().Release(ctx, ReleaseRequest{
			JobKey: job.Key(),
			Asset:  job.Asset,
			Leg:    Leg{Account: req.AgentAccount, Recipient: job.Agent, Amount: job.Amount},
		}); err != nil {
			return nil, err
		}
		job.Rating = uint8(req.Rating)
		job.Status = StatusCompleted
		return newEvent(EventJobApproved, job.ID, req.Caller, now, map[string]string{
			"status":       job.Status.String(),
			"rating":       strconv.Itoa(req.Rating),
			"agent_amount": strconv.FormatUint(job.Amount, 10),
		}), nil
	})
}

// RejectWork 由请求方驳回交付物，任务进入争议。
func (m *Machine) RejectWork(ctx context.Context, req RejectRequest) (*Job, error) {
	return m.transition(ctx, OpRejectWork, req.Caller, req.JobID, func(ctx context.Context, tx Tx, job *Job, now int64) (*Event, error) {
		if err := requireRequester(job, req.Caller); err != nil {
			return nil, err
		}
		if err := requireStatus(job, StatusUnderReview); err != nil {
			return nil, err
		}
		deliverable := job.Deliverable + rejectionMarker + req.Reason
		if err := validateDeliverable(deliverable); err != nil {
			return nil, err
		}
		job.Deliverable = deliverable
		job.Status = StatusDisputed
		job.Disputed = true
		return newEvent(EventJobRejected, job.ID, req.Caller, now, map[string]string{
			"deliverable": job.Deliverable,
			"status":      job.Status.String(),
			"disputed":    strconv.FormatBool(job.Disputed),
			"reason":      req.Reason,
		}), nil
	})
}

// CancelJob 由请求方取消 Open 任务，或取消已超过截止时间的 InProgress 任务，并退回资金。
func (m *Machine) CancelJob(ctx context.Context, req CancelRequest) (*Job, error) {
	return m.transition(ctx, OpCancelJob, req.Caller, req.JobID, func(ctx context.Context, tx Tx, job *Job, now int64) (*Event, error) {
		if err := requireRequester(job, req.Caller); err != nil {
			return nil, err
		}
		if err := requireCancellable(job, now); err != nil {
			return nil, err
		}
		if err := tx.Vault().Release(ctx, ReleaseRequest{
			JobKey: job.Key(),
			Asset:  job.Asset,
			Leg:    Leg{Account: req.RequesterAccount, Recipient: job.Requester, Amount: job.Amount},
		}); err != nil {
			return nil, err
		}
		job.Status = StatusCancelled
		return newEvent(EventJobCancelled, job.ID, req.Caller, now, map[string]string{
			"status":           job.Status.String(),
			"requester_amount": strconv.FormatUint(job.Amount, 10),
		}), nil
	})
}

// ResolveDispute 由仲裁人按百分比拆分争议任务的托管资金。
func (m *Machine) ResolveDispute(ctx context.Context, req ResolveRequest) (*Job, error) {
	return m.transition(ctx, OpResolveDispute, req.Caller, req.JobID, func(ctx context.Context, tx Tx, job *Job, now int64) (*Event, error) {
		cfg, err := tx.Config().Load(ctx)
		if err != nil {
			return nil, err
		}
		if err := requireArbitrator(cfg, req.Caller); err != nil {
			return nil, err
		}
		if job.Status != StatusDisputed {
			return nil, ErrNotDisputed.With(
				xerrors.WithMetadata("job_id", job.ID),
				xerrors.WithMetadata("status", job.Status.String()),
			)
		}
		split, err := SplitDispute(job.Amount, req.AgentPercentage)
		if err != nil {
			return nil, err
		}
		if err := tx.Vault().SplitRelease(ctx, SplitReleaseRequest{
			JobKey: job.Key(),
			Asset:  job.Asset,
			Legs: [2]Leg{
				{Account: req.AgentAccount, Recipient: job.Agent, Amount: split.AgentAmount},
				{Account: req.RequesterAccount, Recipient: job.Requester, Amount: split.RequesterAmount},
			},
		}); err != nil {
			return nil, err
		}
		job.Status = StatusResolved
		job.Disputed = false
		return newEvent(EventDisputeResolved, job.ID, req.Caller, now, map[string]string{
			"status":           job.Status.String(),
			"disputed":         strconv.FormatBool(job.Disputed),
			"agent_percentage": strconv.Itoa(req.AgentPercentage),
			"agent_amount":     strconv.FormatUint(split.AgentAmount, 10),
			"requester_amount": strconv.FormatUint(split.RequesterAmount, 10),
		}), nil
	})
}

// GetJob 按 ID 读取任务。
func (m *Machine) GetJob(ctx context.Context, id string) (*Job, error) {
	var job *Job
	err := m.backend.Atomically(ctx, func(ctx context.Context, tx Tx) error {
		loaded, err := loadJob(ctx, tx, id)
		if err != nil {
			return err
		}
		job = loaded
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// Config 读取当前全局配置。
func (m *Machine) Config(ctx context.Context) (*ProgramConfig, error) {
	var cfg *ProgramConfig
	err := m.backend.Atomically(ctx, func(ctx context.Context, tx Tx) error {
		loaded, err := tx.Config().Load(ctx)
		if err != nil {
			return err
		}
		cfg = loaded
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// ListJobs 按过滤条件分页列出任务。
func (m *Machine) ListJobs(ctx context.Context, opts ...ListOption) ([]*Job, error) {
	return m.backend.ListJobs(ctx, BuildListOptions(opts...))
}

// Stats 汇总满足过滤条件的任务。
func (m *Machine) Stats(ctx context.Context, opts ...ListOption) (JobStats, error) {
	return m.backend.Stats(ctx, BuildListOptions(opts...))
}

// Events 返回序号大于 afterSeq 的已提交事件。
func (m *Machine) Events(ctx context.Context, afterSeq uint64, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = defaultEventLimit
	}
	if limit > maxEventLimit {
		limit = maxEventLimit
	}
	return m.backend.ListEvents(ctx, afterSeq, limit)
}

type txFunc func(ctx context.Context, tx Tx, now int64) ([]*Event, error)

type jobFunc func(ctx context.Context, tx Tx, job *Job, now int64) (*Event, error)

// transition 加载任务、执行 fn 并写回修改后的记录。
func (m *Machine) transition(ctx context.Context, op Operation, caller Actor, id string, fn jobFunc) (*Job, error) {
	var result *Job
	err := m.execute(ctx, op, caller, func(ctx context.Context, tx Tx, now int64) ([]*Event, error) {
		job, err := loadJob(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		event, err := fn(ctx, tx, job, now)
		if err != nil {
			return nil, err
		}
		if err := tx.Jobs().Update(ctx, job); err != nil {
			return nil, err
		}
		result = job.Clone()
		return []*Event{event}, nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (m *Machine) execute(ctx context.Context, op Operation, caller Actor, fn txFunc) (err error) {
	start := time.Now()
	defer func() {
		if m.observer != nil {
			m.observer.ObserveOperation(op, err, time.Since(start))
		}
	}()

	now, err := m.now(ctx)
	if err != nil {
		return err
	}

	var committed []Event
	err = m.backend.Atomically(ctx, func(ctx context.Context, tx Tx) error {
		events, err := fn(ctx, tx, now)
		if err != nil {
			return err
		}
		committed = committed[:0]
		for _, event := range events {
			if err := tx.Events().Append(ctx, event); err != nil {
				return err
			}
			committed = append(committed, event.Clone())
		}
		return nil
	})
	if err != nil {
		if xerrors.KindOf(err) == xerrors.KindInternal {
			m.logger.ErrorContext(ctx, "托管操作失败",
				slog.String("operation", string(op)),
				slog.String("caller", caller.Hex()),
				slog.Any("error", err),
			)
		}
		return err
	}

	for _, event := range committed {
		logger.Audit().InfoContext(ctx, "托管状态变更",
			slog.String("operation", string(op)),
			slog.String("event", string(event.Type)),
			slog.Uint64("seq", event.Seq),
			slog.String("job_id", event.JobID),
			slog.String("actor", event.Actor.Hex()),
			slog.String("status", event.Changes["status"]),
			slog.Any("changes", event.Changes),
		)
	}
	m.relay(context.WithoutCancel(ctx), committed)
	return nil
}

// relay 转发已提交事件。失败只记录日志与指标，不影响已提交的状态。
func (m *Machine) relay(ctx context.Context, events []Event) {
	if m.publisher == nil || len(events) == 0 {
		return
	}
	err := m.publisher.Publish(ctx, events)
	if m.observer != nil {
		m.observer.ObserveRelay(len(events), err)
	}
	if err != nil {
		m.logger.ErrorContext(ctx, "事件转发失败",
			slog.Int("events", len(events)),
			slog.Uint64("first_seq", events[0].Seq),
			slog.Any("error", err),
		)
	}
}

func (m *Machine) now(ctx context.Context) (int64, error) {
	t, err := m.clock.Now(ctx)
	if err != nil {
		return 0, xerrors.Wrap(CodeClockUnavailable, err, "读取当前时间失败")
	}
	return t.Unix(), nil
}

func loadJob(ctx context.Context, tx Tx, id string) (*Job, error) {
	if err := ValidateJobID(id); err != nil {
		return nil, err
	}
	job, err := tx.Jobs().Get(ctx, JobKeyOf(id))
	if err != nil {
		return nil, err
	}
	if err := bindJob(id, job); err != nil {
		return nil, err
	}
	return job, nil
}
