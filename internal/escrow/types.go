package escrow

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Actor 表示参与方身份（请求方、代理、仲裁人、管理员）。
type Actor = common.Address

// Asset 表示托管资产（代币合约地址）。
type Asset = common.Address

// AccountID 标识账本中的一个代币账户。
type AccountID = common.Hash

// JobKey 是由任务 ID 确定性派生的存储键。
type JobKey = common.Hash

const (
	// MaxJobIDLen 为任务 ID 的最大字节数（UUID 格式）。
	MaxJobIDLen = 36
	// MaxDescriptionLen 为任务描述的最大字节数。
	MaxDescriptionLen = 200
	// MaxDeliverableLen 为交付物（URL、备注以及驳回原因）的最大字节数。
	MaxDeliverableLen = 500

	MinDeadlineDays = 1
	MaxDeadlineDays = 255
	SecondsPerDay   = 86400

	MinRating = 1
	MaxRating = 5
)

// JobKeyOf 计算任务 ID 对应的存储键。
func JobKeyOf(id string) JobKey {
	return crypto.Keccak256Hash([]byte("job"), []byte(id))
}

// AssociatedAccount 返回 owner 持有 asset 的默认代币账户。
func AssociatedAccount(owner Actor, asset Asset) AccountID {
	return crypto.Keccak256Hash([]byte("account"), owner.Bytes(), asset.Bytes())
}

// IsZeroActor 判断身份是否未设置。
func IsZeroActor(a Actor) bool {
	return a == (Actor{})
}

// Status 表示任务在生命周期中的状态。
type Status uint8

const (
	StatusOpen Status = iota
	StatusInProgress
	StatusUnderReview
	StatusCompleted
	StatusCancelled
	StatusDisputed
	StatusResolved
)

var statusNames = [...]string{
	StatusOpen:        "open",
	StatusInProgress:  "in_progress",
	StatusUnderReview: "under_review",
	StatusCompleted:   "completed",
	StatusCancelled:   "cancelled",
	StatusDisputed:    "disputed",
	StatusResolved:    "resolved",
}

// AllStatuses 按声明顺序返回全部状态。
func AllStatuses() []Status {
	return []Status{
		StatusOpen, StatusInProgress, StatusUnderReview, StatusCompleted,
		StatusCancelled, StatusDisputed, StatusResolved,
	}
}

func (s Status) String() string {
	if !s.Valid() {
		return fmt.Sprintf("status(%d)", uint8(s))
	}
	return statusNames[s]
}

// Valid 检查状态是否为支持的枚举值。
func (s Status) Valid() bool {
	return int(s) < len(statusNames)
}

// Terminal 报告状态是否为终态。
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusResolved:
		return true
	default:
		return false
	}
}

// ParseStatus 将字符串解析为状态，大小写不敏感。
func ParseStatus(raw string) (Status, error) {
	name := strings.ToLower(strings.TrimSpace(raw))
	for i, candidate := range statusNames {
		if candidate == name {
			return Status(i), nil
		}
	}
	return 0, fmt.Errorf("unknown job status %q", raw)
}

// MarshalText 实现 encoding.TextMarshaler。
func (s Status) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid job status %d", uint8(s))
	}
	return []byte(statusNames[s]), nil
}

// UnmarshalText 实现 encoding.TextUnmarshaler。
func (s *Status) UnmarshalText(text []byte) error {
	parsed, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Job 记录一次托管交易从创建到终态的完整状态。
type Job struct {
	ID          string `json:"id"`
	Requester   Actor  `json:"requester"`
	Agent       Actor  `json:"agent"`
	Asset       Asset  `json:"asset"`
	Amount      uint64 `json:"amount,string"`
	Description string `json:"description"`
	Deliverable string `json:"deliverable"`
	Status      Status `json:"status"`
	CreatedAt   int64  `json:"created_at"`
	Deadline    int64  `json:"deadline"`
	Disputed    bool   `json:"disputed"`
	Rating      uint8  `json:"rating"`
}

// Key 返回任务的存储键。
func (j *Job) Key() JobKey {
	return JobKeyOf(j.ID)
}

// HasAgent 报告任务是否已被代理接受。
func (j *Job) HasAgent() bool {
	return !IsZeroActor(j.Agent)
}

// Expired 报告在给定时间点任务是否已超过截止时间。
func (j *Job) Expired(now int64) bool {
	return now > j.Deadline
}

// Clone 返回任务的副本。
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	clone := *j
	return &clone
}

// ProgramConfig 保存全局授权配置。
type ProgramConfig struct {
	Admin      Actor `json:"admin"`
	Arbitrator Actor `json:"arbitrator"`
}

// TokenAccount 描述账本中的一个代币账户。
type TokenAccount struct {
	ID      AccountID `json:"id"`
	Owner   Actor     `json:"owner"`
	Asset   Asset     `json:"asset"`
	Balance uint64    `json:"balance,string"`
}
