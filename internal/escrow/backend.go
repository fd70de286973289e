package escrow

import (
	"context"
	"time"
)

// Backend 提供事务化的状态访问。Atomically 中的 fn 返回错误时，
// 事务内的全部写入（任务、配置、资金、事件）都会被丢弃。
type Backend interface {
	Atomically(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	ListJobs(ctx context.Context, opts ListOptions) ([]*Job, error)
	Stats(ctx context.Context, opts ListOptions) (JobStats, error)
	ListEvents(ctx context.Context, afterSeq uint64, limit int) ([]Event, error)
	Close() error
}

// Tx 是单个事务内可见的存储视图。
type Tx interface {
	Config() ConfigStore
	Jobs() JobRegistry
	Vault() Vault
	Events() EventLog
}

// ConfigStore 保存单例授权配置。
type ConfigStore interface {
	// Load 在未初始化时返回 ErrNotInitialized。
	Load(ctx context.Context) (*ProgramConfig, error)
	// Insert 在已初始化时返回 ErrAlreadyInitialized。
	Insert(ctx context.Context, cfg ProgramConfig) error
	Save(ctx context.Context, cfg ProgramConfig) error
}

// JobRegistry 按键存储任务记录。
type JobRegistry interface {
	// Get 在记录不存在时返回 ErrJobNotFound。
	Get(ctx context.Context, key JobKey) (*Job, error)
	// Insert 在键已被占用时返回 ErrJobIDAlreadyExists。
	Insert(ctx context.Context, job *Job) error
	// Update 覆盖已有记录，记录不存在时返回 ErrJobNotFound。
	Update(ctx context.Context, job *Job) error
}

// EventLog 在事务内追加事件并分配递增序号。
type EventLog interface {
	Append(ctx context.Context, event *Event) error
}

// Vault 负责托管资金的转入与释放。
type Vault interface {
	Custody(ctx context.Context, req CustodyRequest) error
	Release(ctx context.Context, req ReleaseRequest) error
	SplitRelease(ctx context.Context, req SplitReleaseRequest) error
}

// CustodyRequest 将 Amount 从付款方账户转入任务托管账户。
// From 为零值时使用付款方的默认关联账户。
type CustodyRequest struct {
	JobKey JobKey
	JobID  string
	Asset  Asset
	Amount uint64
	From   AccountID
	Payer  Actor
}

// Leg 描述一笔从托管账户流出的转账。
// Account 为零值时使用收款方的默认关联账户。
type Leg struct {
	Account   AccountID
	Recipient Actor
	Amount    uint64
}

// ReleaseRequest 将托管资金全部或部分转给单一收款方。
type ReleaseRequest struct {
	JobKey JobKey
	Asset  Asset
	Leg    Leg
}

// SplitReleaseRequest 同时向两方转账，两笔都校验通过后才会执行。
type SplitReleaseRequest struct {
	JobKey JobKey
	Asset  Asset
	Legs   [2]Leg
}

// Clock 提供状态机使用的当前时间。
type Clock interface {
	Now(ctx context.Context) (time.Time, error)
}

// ClockFunc 将普通函数适配为 Clock。
type ClockFunc func() time.Time

// Now 实现 Clock。
func (f ClockFunc) Now(context.Context) (time.Time, error) {
	return f(), nil
}

// SystemClock 使用本机时间。
var SystemClock Clock = ClockFunc(time.Now)

// Observer 接收操作结果，用于指标上报。
type Observer interface {
	ObserveOperation(op Operation, err error, elapsed time.Duration)
	ObserveRelay(events int, err error)
}
