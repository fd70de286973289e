package escrow

import (
	"context"

	"github.com/google/uuid"
)

// EventType 标识一次已提交的状态变更。
type EventType string

const (
	EventConfigInitialized    EventType = "ConfigInitialized"
	EventConfigUpdated        EventType = "ConfigUpdated"
	EventJobCreated           EventType = "JobCreated"
	EventJobAccepted          EventType = "JobAccepted"
	EventDeliverableSubmitted EventType = "DeliverableSubmitted"
	EventJobApproved          EventType = "JobApproved"
	EventJobRejected          EventType = "JobRejected"
	EventJobCancelled         EventType = "JobCancelled"
	EventDisputeResolved      EventType = "DisputeResolved"
)

// Event 记录一次已提交的变更，Changes 仅包含发生变化的字段。
type Event struct {
	Seq        uint64            `json:"seq"`
	ID         string            `json:"id"`
	Type       EventType         `json:"type"`
	JobID      string            `json:"job_id,omitempty"`
	Actor      Actor             `json:"actor"`
	Changes    map[string]string `json:"changes"`
	OccurredAt int64             `json:"occurred_at"`
}

// Clone 返回事件的深拷贝。
func (e Event) Clone() Event {
	clone := e
	if e.Changes != nil {
		clone.Changes = make(map[string]string, len(e.Changes))
		for k, v := range e.Changes {
			clone.Changes[k] = v
		}
	}
	return clone
}

func newEvent(typ EventType, jobID string, actor Actor, occurredAt int64, changes map[string]string) *Event {
	return &Event{
		ID:         uuid.NewString(),
		Type:       typ,
		JobID:      jobID,
		Actor:      actor,
		Changes:    changes,
		OccurredAt: occurredAt,
	}
}

// Publisher 在事务提交后向外部系统转发事件。
type Publisher interface {
	Publish(ctx context.Context, events []Event) error
	Close() error
}
