package escrow

import "github.com/holiman/uint256"

// JobStats 聚合任务状态与托管金额，常用于仪表盘或健康检查。
type JobStats struct {
	Total       int `json:"total"`
	Open        int `json:"open"`
	InProgress  int `json:"in_progress"`
	UnderReview int `json:"under_review"`
	Completed   int `json:"completed"`
	Cancelled   int `json:"cancelled"`
	Disputed    int `json:"disputed"`
	Resolved    int `json:"resolved"`
	// Escrowed 为非终态任务锁定金额之和（十进制字符串，跨资产累加）。
	Escrowed        string `json:"escrowed"`
	OldestCreatedAt int64  `json:"oldest_created_at,omitempty"`
	NewestCreatedAt int64  `json:"newest_created_at,omitempty"`

	escrowed uint256.Int
}

// Add 将一条任务计入统计。
func (s *JobStats) Add(job *Job) {
	if job == nil {
		return
	}
	s.Total++
	switch job.Status {
	case StatusOpen:
		s.Open++
	case StatusInProgress:
		s.InProgress++
	case StatusUnderReview:
		s.UnderReview++
	case StatusCompleted:
		s.Completed++
	case StatusCancelled:
		s.Cancelled++
	case StatusDisputed:
		s.Disputed++
	case StatusResolved:
		s.Resolved++
	}
	if !job.Status.Terminal() {
		s.escrowed.Add(&s.escrowed, uint256.NewInt(job.Amount))
	}
	if s.OldestCreatedAt == 0 || job.CreatedAt < s.OldestCreatedAt {
		s.OldestCreatedAt = job.CreatedAt
	}
	if job.CreatedAt > s.NewestCreatedAt {
		s.NewestCreatedAt = job.CreatedAt
	}
	s.Escrowed = s.escrowed.Dec()
}

// Finish 在未计入任何任务时补全金额字段。
func (s *JobStats) Finish() JobStats {
	if s.Escrowed == "" {
		s.Escrowed = "0"
	}
	return *s
}
