package events

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"basilisk-escrow/internal/escrow"
)

const escrowEventABI = `[{
  "type": "event",
  "name": "EscrowEvent",
  "anonymous": false,
  "inputs": [
    {"name": "jobKey", "type": "bytes32", "indexed": true},
    {"name": "actor", "type": "address", "indexed": true},
    {"name": "kind", "type": "string", "indexed": false},
    {"name": "jobId", "type": "string", "indexed": false},
    {"name": "keys", "type": "string[]", "indexed": false},
    {"name": "values", "type": "string[]", "indexed": false},
    {"name": "seq", "type": "uint64", "indexed": false},
    {"name": "occurredAt", "type": "int64", "indexed": false}
  ]
}]`

// LogCodec 将托管事件编码为 EVM 日志格式，供链上索引器按相同 ABI 解析。
type LogCodec struct {
	emitter common.Address
	event   abi.Event
}

// NewLogCodec 创建日志编解码器，emitter 作为日志的合约地址。
func NewLogCodec(emitter common.Address) (*LogCodec, error) {
	parsed, err := abi.JSON(strings.NewReader(escrowEventABI))
	if err != nil {
		return nil, fmt.Errorf("解析事件 ABI 失败: %w", err)
	}
	return &LogCodec{emitter: emitter, event: parsed.Events["EscrowEvent"]}, nil
}

// Topic 返回事件签名哈希。
func (c *LogCodec) Topic() common.Hash {
	return c.event.ID
}

// Encode 将事件编码为日志。配置类事件的 jobKey 主题为零值。
func (c *LogCodec) Encode(event escrow.Event) (*types.Log, error) {
	keys := make([]string, 0, len(event.Changes))
	for key := range event.Changes {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	values := make([]string, len(keys))
	for i, key := range keys {
		values[i] = event.Changes[key]
	}

	data, err := c.event.Inputs.NonIndexed().Pack(string(event.Type), event.JobID, keys, values, event.Seq, event.OccurredAt)
	if err != nil {
		return nil, fmt.Errorf("编码事件 %s 失败: %w", event.ID, err)
	}
	var jobKey common.Hash
	if event.JobID != "" {
		jobKey = escrow.JobKeyOf(event.JobID)
	}
	return &types.Log{
		Address: c.emitter,
		Topics:  []common.Hash{c.event.ID, jobKey, common.BytesToHash(event.Actor.Bytes())},
		Data:    data,
	}, nil
}

// Decode 从日志还原事件。事件 ID 不在日志中，返回值的 ID 为空。
func (c *LogCodec) Decode(log *types.Log) (escrow.Event, error) {
	if log == nil || len(log.Topics) != 3 || log.Topics[0] != c.event.ID {
		return escrow.Event{}, fmt.Errorf("日志不是 EscrowEvent")
	}
	fields, err := c.event.Inputs.NonIndexed().Unpack(log.Data)
	if err != nil {
		return escrow.Event{}, fmt.Errorf("解码日志失败: %w", err)
	}
	if len(fields) != 6 {
		return escrow.Event{}, fmt.Errorf("日志字段数量异常: %d", len(fields))
	}
	kind, _ := fields[0].(string)
	jobID, _ := fields[1].(string)
	keys, _ := fields[2].([]string)
	values, _ := fields[3].([]string)
	seq, _ := fields[4].(uint64)
	occurredAt, _ := fields[5].(int64)
	if len(keys) != len(values) {
		return escrow.Event{}, fmt.Errorf("日志变更字段不匹配")
	}
	if jobID != "" && escrow.JobKeyOf(jobID) != log.Topics[1] {
		return escrow.Event{}, fmt.Errorf("日志 jobKey 与 jobId 不一致")
	}

	changes := make(map[string]string, len(keys))
	for i, key := range keys {
		changes[key] = values[i]
	}
	return escrow.Event{
		Seq:        seq,
		Type:       escrow.EventType(kind),
		JobID:      jobID,
		Actor:      common.BytesToAddress(log.Topics[2].Bytes()),
		Changes:    changes,
		OccurredAt: occurredAt,
	}, nil
}

// EncodeAll 批量编码事件。
func (c *LogCodec) EncodeAll(events []escrow.Event) ([]*types.Log, error) {
	logs := make([]*types.Log, 0, len(events))
	for _, event := range events {
		log, err := c.Encode(event)
		if err != nil {
			return nil, err
		}
		logs = append(logs, log)
	}
	return logs, nil
}
