package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	xerrors "basilisk-escrow/internal/errors"
	"basilisk-escrow/internal/escrow"
	"basilisk-escrow/pkg/logger"
)

// Channel 表示通知渠道。
type Channel string

// 支持的通知渠道
const (
	ChannelLog     Channel = "log"
	ChannelWebhook Channel = "webhook"
)

// Event 描述一次需要告警的事件。
type Event struct {
	Code       xerrors.Code      `json:"code"`
	Message    string            `json:"message"`
	Severity   xerrors.Severity  `json:"severity"`
	Operation  string            `json:"operation"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// Notifier 负责将事件发送到指定渠道。
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

// Dispatcher 将事件广播给多个通知器。
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// FanoutDispatcher 实现将事件投递到多个通知器的逻辑。
type FanoutDispatcher struct {
	notifiers map[Channel]Notifier
}

// NewFanout 创建一个新的 FanoutDispatcher。
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	set := make(map[Channel]Notifier, len(notifiers))
	for _, n := range notifiers {
		if n == nil {
			continue
		}
		set[n.Channel()] = n
	}
	return &FanoutDispatcher{notifiers: set}
}

// Notify 将事件广播至所有注册渠道。
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	var errs []error
	for _, notifier := range d.notifiers {
		if err := notifier.Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", notifier.Channel(), err))
		}
	}
	return errors.Join(errs...)
}

// LogNotifier 将告警写入审计日志。
type LogNotifier struct{}

// Channel 返回日志渠道。
func (LogNotifier) Channel() Channel { return ChannelLog }

// Notify 写入一条错误级别的审计日志。
func (LogNotifier) Notify(_ context.Context, event Event) error {
	attrs := []any{
		slog.String("code", string(event.Code)),
		slog.String("severity", string(event.Severity)),
		slog.String("operation", event.Operation),
		slog.String("message", event.Message),
	}
	for k, v := range event.Metadata {
		attrs = append(attrs, slog.String(k, v))
	}
	logger.Audit().Error("托管告警", attrs...)
	return nil
}

// WebhookNotifier 以 JSON POST 的形式投递告警。
type WebhookNotifier struct {
	URL    string
	Client *http.Client
}

// Channel 返回 webhook 渠道。
func (n *WebhookNotifier) Channel() Channel { return ChannelWebhook }

// Notify 发送告警，非 2xx 响应视为失败。
func (n *WebhookNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.URL == "" {
		logger.L().Warn("WebhookNotifier 未正确配置，跳过发送", slog.String("code", string(event.Code)))
		return nil
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化告警失败: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("构造告警请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	client := n.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("发送告警失败: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("告警接收方返回 %d", resp.StatusCode)
	}
	return nil
}

// Observer 包装另一个 escrow.Observer，对内部错误和事件转发失败发出告警。
// 同一错误码在冷却时间内只告警一次；告警在后台队列中发送，不阻塞状态机。
type Observer struct {
	next       escrow.Observer
	dispatcher Dispatcher
	cooldown   time.Duration
	now        func() time.Time

	mu    sync.Mutex
	last  map[xerrors.Code]time.Time
	queue chan Event
}

// NewObserver 创建告警观察者，调用 Run 之前告警只会入队。
func NewObserver(next escrow.Observer, dispatcher Dispatcher, cooldown time.Duration) *Observer {
	return &Observer{
		next:       next,
		dispatcher: dispatcher,
		cooldown:   cooldown,
		now:        time.Now,
		last:       make(map[xerrors.Code]time.Time),
		queue:      make(chan Event, 64),
	}
}

// ObserveOperation 实现 escrow.Observer。
func (o *Observer) ObserveOperation(op escrow.Operation, err error, elapsed time.Duration) {
	if o.next != nil {
		o.next.ObserveOperation(op, err, elapsed)
	}
	if err == nil || xerrors.KindOf(err) != xerrors.KindInternal {
		return
	}
	event := Event{
		Code:      xerrors.CodeOf(err),
		Message:   err.Error(),
		Severity:  xerrors.SeverityOf(err),
		Operation: string(op),
	}
	if typed, ok := xerrors.From(err); ok {
		event.Metadata = typed.Metadata()
	}
	o.enqueue(event)
}

// ObserveRelay 实现 escrow.Observer。
func (o *Observer) ObserveRelay(events int, err error) {
	if o.next != nil {
		o.next.ObserveRelay(events, err)
	}
	if err == nil {
		return
	}
	o.enqueue(Event{
		Code:      xerrors.CodePublishFailure,
		Message:   err.Error(),
		Severity:  xerrors.SeverityWarning,
		Operation: "relay",
		Metadata:  map[string]string{"events": fmt.Sprint(events)},
	})
}

func (o *Observer) enqueue(event Event) {
	now := o.now()
	o.mu.Lock()
	if last, ok := o.last[event.Code]; ok && now.Sub(last) < o.cooldown {
		o.mu.Unlock()
		return
	}
	o.last[event.Code] = now
	o.mu.Unlock()

	event.OccurredAt = now
	select {
	case o.queue <- event:
	default:
		logger.L().Warn("告警队列已满，丢弃告警", slog.String("code", string(event.Code)))
	}
}

// Run 发送队列中的告警，直到 ctx 结束。
func (o *Observer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-o.queue:
			if err := o.dispatcher.Notify(ctx, event); err != nil {
				logger.L().Error("告警发送失败", slog.String("code", string(event.Code)), slog.Any("error", err))
			}
		}
	}
}
