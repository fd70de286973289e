package escrow

// InitializeRequest 创建全局配置。Admin 为零值时由调用方担任管理员。
type InitializeRequest struct {
	Caller     Actor
	Admin      Actor
	Arbitrator Actor
}

// UpdateConfigRequest 修改全局配置，nil 字段保持原值。
type UpdateConfigRequest struct {
	Caller        Actor
	NewAdmin      *Actor
	NewArbitrator *Actor
}

// CreateJobRequest 创建任务并锁定资金。
type CreateJobRequest struct {
	Caller       Actor
	JobID        string
	Asset        Asset
	Amount       uint64
	Description  string
	DeadlineDays int
	PayerAccount AccountID
}

type AcceptJobRequest struct {
	Caller Actor
	JobID  string
}

// SubmitDeliverableRequest 提交交付物。Notes 非空时以 " | " 拼接在 Deliverable 之后；
// Notes 为空时只保存 Deliverable 本身，不追加分隔符。
type SubmitDeliverableRequest struct {
	Caller      Actor
	JobID       string
	Deliverable string
	Notes       string
}

type ApproveRequest struct {
	Caller       Actor
	JobID        string
	Rating       int
	AgentAccount AccountID
}

type RejectRequest struct {
	Caller Actor
	JobID  string
	Reason string
}

type CancelRequest struct {
	Caller           Actor
	JobID            string
	RequesterAccount AccountID
}

// ResolveRequest 由仲裁人按百分比拆分争议任务的托管资金。
type ResolveRequest struct {
	Caller           Actor
	JobID            string
	AgentPercentage  int
	AgentAccount     AccountID
	RequesterAccount AccountID
}
