package escrow

import (
	"strconv"

	xerrors "basilisk-escrow/internal/errors"
)

// 以下守卫函数按固定顺序调用：授权 → 状态 → 输入 → 时间。
// 每个函数只检查一件事，失败时返回带上下文的哨兵错误副本。

func requireCaller(caller Actor) error {
	if IsZeroActor(caller) {
		return ErrUnauthorized.With(xerrors.WithMetadata("reason", "missing caller"))
	}
	return nil
}

func requireAdmin(cfg *ProgramConfig, caller Actor) error {
	if cfg.Admin != caller {
		return ErrUnauthorized.With(xerrors.WithMetadata("caller", caller.Hex()))
	}
	return nil
}

func requireArbitrator(cfg *ProgramConfig, caller Actor) error {
	if cfg.Arbitrator != caller {
		return ErrUnauthorizedArbitrator.With(xerrors.WithMetadata("caller", caller.Hex()))
	}
	return nil
}

func requireRequester(job *Job, caller Actor) error {
	if job.Requester != caller {
		return ErrUnauthorized.With(
			xerrors.WithMetadata("job_id", job.ID),
			xerrors.WithMetadata("caller", caller.Hex()),
		)
	}
	return nil
}

func requireAgent(job *Job, caller Actor) error {
	if !job.HasAgent() || job.Agent != caller {
		return ErrUnauthorized.With(
			xerrors.WithMetadata("job_id", job.ID),
			xerrors.WithMetadata("caller", caller.Hex()),
		)
	}
	return nil
}

func requireStatus(job *Job, want Status) error {
	if job.Status != want {
		return ErrInvalidStatus.With(
			xerrors.WithMetadata("job_id", job.ID),
			xerrors.WithMetadata("status", job.Status.String()),
			xerrors.WithMetadata("expected", want.String()),
		)
	}
	return nil
}

func requireNonZeroActor(a Actor, field string) error {
	if IsZeroActor(a) {
		return ErrInvalidActor.With(xerrors.WithMetadata("field", field))
	}
	return nil
}

// ValidateJobID 检查任务 ID 的长度约束。
func ValidateJobID(id string) error {
	if id == "" {
		return ErrInvalidJobID
	}
	if len(id) > MaxJobIDLen {
		return ErrJobIDTooLong.With(xerrors.WithMetadata("length", strconv.Itoa(len(id))))
	}
	return nil
}

func validateDescription(description string) error {
	if len(description) > MaxDescriptionLen {
		return ErrDescriptionTooLong.With(xerrors.WithMetadata("length", strconv.Itoa(len(description))))
	}
	return nil
}

func validateDeliverable(deliverable string) error {
	if len(deliverable) > MaxDeliverableLen {
		return ErrDeliverableTooLong.With(xerrors.WithMetadata("length", strconv.Itoa(len(deliverable))))
	}
	return nil
}

func validateAmount(amount uint64) error {
	if amount == 0 {
		return ErrZeroAmount
	}
	return nil
}

func validateRating(rating int) error {
	if rating < MinRating || rating > MaxRating {
		return ErrInvalidRating.With(xerrors.WithMetadata("rating", strconv.Itoa(rating)))
	}
	return nil
}

// deadlineFrom 计算 createdAt + days·86400，溢出时返回 ErrOverflow。
func deadlineFrom(createdAt int64, days int) (int64, error) {
	if days < MinDeadlineDays || days > MaxDeadlineDays {
		return 0, ErrInvalidDeadline.With(xerrors.WithMetadata("days", strconv.Itoa(days)))
	}
	delta := int64(days) * SecondsPerDay
	deadline := createdAt + delta
	if deadline < createdAt {
		return 0, ErrOverflow.With(xerrors.WithMetadata("field", "deadline"))
	}
	return deadline, nil
}

func requireBeforeDeadline(job *Job, now int64) error {
	if job.Expired(now) {
		return ErrDeadlineExpired.With(
			xerrors.WithMetadata("job_id", job.ID),
			xerrors.WithMetadata("deadline", strconv.FormatInt(job.Deadline, 10)),
		)
	}
	return nil
}

// requireCancellable 仅允许 Open 状态或已超时的 InProgress 状态取消。
func requireCancellable(job *Job, now int64) error {
	switch job.Status {
	case StatusOpen:
		return nil
	case StatusInProgress:
		if job.Expired(now) {
			return nil
		}
		return ErrCannotCancel.With(
			xerrors.WithMetadata("job_id", job.ID),
			xerrors.WithMetadata("reason", "deadline not reached"),
		)
	default:
		return ErrCannotCancel.With(
			xerrors.WithMetadata("job_id", job.ID),
			xerrors.WithMetadata("status", job.Status.String()),
		)
	}
}

// bindJob 确认按键加载的记录与请求的任务 ID 一致。
func bindJob(id string, job *Job) error {
	if job == nil || job.ID != id {
		return ErrJobNotFound.With(xerrors.WithMetadata("job_id", id))
	}
	return nil
}
