package escrow

import (
	"strconv"

	"github.com/holiman/uint256"

	xerrors "basilisk-escrow/internal/errors"
)

// Split 描述争议裁决后的资金分配。
type Split struct {
	AgentAmount     uint64 `json:"agent_amount,string"`
	RequesterAmount uint64 `json:"requester_amount,string"`
}

var hundred = uint256.NewInt(100)

// SplitDispute 按百分比拆分托管金额：代理获得 floor(amount·pct/100)，其余归请求方。
// 中间结果使用 256 位整数计算，两部分之和恒等于 amount。
func SplitDispute(amount uint64, agentPercentage int) (Split, error) {
	if agentPercentage < 0 || agentPercentage > 100 {
		return Split{}, ErrInvalidPercentage.With(xerrors.WithMetadata("percentage", strconv.Itoa(agentPercentage)))
	}

	product, overflow := new(uint256.Int).MulOverflow(uint256.NewInt(amount), uint256.NewInt(uint64(agentPercentage)))
	if overflow {
		return Split{}, ErrOverflow.With(xerrors.WithMetadata("field", "agent_share"))
	}
	share := new(uint256.Int).Div(product, hundred)
	if !share.IsUint64() || share.Uint64() > amount {
		return Split{}, ErrOverflow.With(xerrors.WithMetadata("field", "agent_share"))
	}

	agent := share.Uint64()
	return Split{AgentAmount: agent, RequesterAmount: amount - agent}, nil
}
