package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	xerrors "basilisk-escrow/internal/errors"
	"basilisk-escrow/internal/escrow"
)

// RedisConfig 描述 Redis Stream 的连接参数。
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Stream   string
	// MaxLen 为 Stream 的近似最大长度，0 表示不裁剪。
	MaxLen int64
}

// RedisPublisher 将事件追加到 Redis Stream。
type RedisPublisher struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisPublisher 创建 Redis 发布器。
func NewRedisPublisher(ctx context.Context, cfg RedisConfig) (*RedisPublisher, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return newRedisPublisher(client, cfg), nil
}

func newRedisPublisher(client *redis.Client, cfg RedisConfig) *RedisPublisher {
	stream := cfg.Stream
	if stream == "" {
		stream = "escrow:events"
	}
	return &RedisPublisher{client: client, stream: stream, maxLen: cfg.MaxLen}
}

// Publish 实现 escrow.Publisher，同一批事件通过 pipeline 一次写入。
func (p *RedisPublisher) Publish(ctx context.Context, events []escrow.Event) error {
	if len(events) == 0 {
		return nil
	}
	pipe := p.client.TxPipeline()
	for _, event := range events {
		values, err := streamValues(event)
		if err != nil {
			return err
		}
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: p.stream,
			MaxLen: p.maxLen,
			Approx: p.maxLen > 0,
			Values: values,
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return xerrors.Wrap(xerrors.CodePublishFailure, err, "Redis 发布事件失败")
	}
	return nil
}

// Read 从 Stream 中读取 afterID 之后的最多 count 条事件，afterID 为空时从头读取。
func (p *RedisPublisher) Read(ctx context.Context, afterID string, count int64) ([]escrow.Event, string, error) {
	start := "-"
	if afterID != "" {
		start = "(" + afterID
	}
	messages, err := p.client.XRangeN(ctx, p.stream, start, "+", count).Result()
	if err != nil {
		return nil, afterID, fmt.Errorf("读取 Redis Stream 失败: %w", err)
	}
	out := make([]escrow.Event, 0, len(messages))
	last := afterID
	for _, msg := range messages {
		raw, ok := msg.Values["payload"].(string)
		if !ok {
			continue
		}
		var event escrow.Event
		if err := json.Unmarshal([]byte(raw), &event); err != nil {
			return nil, last, fmt.Errorf("解析事件 %s 失败: %w", msg.ID, err)
		}
		out = append(out, event)
		last = msg.ID
	}
	return out, last, nil
}

// Close 关闭 Redis 连接。
func (p *RedisPublisher) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	return p.client.Close()
}

func streamValues(event escrow.Event) (map[string]any, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodePublishFailure, err, "序列化事件失败")
	}
	return map[string]any{
		"seq":     strconv.FormatUint(event.Seq, 10),
		"type":    string(event.Type),
		"job_id":  event.JobID,
		"payload": string(payload),
	}, nil
}
