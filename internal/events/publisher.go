// Package events relays committed escrow events to external consumers:
// in-process subscribers, Redis streams, RabbitMQ exchanges and EVM-style
// logs for chain indexers.
package events

import (
	"context"
	stdErrors "errors"
	"sync"

	"basilisk-escrow/internal/escrow"
)

// MemoryPublisher 在进程内广播事件，同时保留最近的事件用于查询。
type MemoryPublisher struct {
	mu       sync.Mutex
	retain   int
	recent   []escrow.Event
	subs     map[int]chan escrow.Event
	nextSub  int
	dropped  uint64
	isClosed bool
}

// NewMemoryPublisher 创建进程内发布器，retain 为保留的最近事件数量。
func NewMemoryPublisher(retain int) *MemoryPublisher {
	if retain <= 0 {
		retain = 256
	}
	return &MemoryPublisher{retain: retain, subs: make(map[int]chan escrow.Event)}
}

// Publish 实现 escrow.Publisher。订阅者缓冲区已满时丢弃该订阅者的事件。
func (p *MemoryPublisher) Publish(_ context.Context, events []escrow.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.isClosed {
		return errPublisherClosed
	}
	for _, event := range events {
		p.recent = append(p.recent, event.Clone())
		for _, ch := range p.subs {
			select {
			case ch <- event.Clone():
			default:
				p.dropped++
			}
		}
	}
	if overflow := len(p.recent) - p.retain; overflow > 0 {
		p.recent = append([]escrow.Event(nil), p.recent[overflow:]...)
	}
	return nil
}

// Subscribe 注册订阅者，返回事件通道与取消函数。
func (p *MemoryPublisher) Subscribe(buffer int) (<-chan escrow.Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSub
	p.nextSub++
	ch := make(chan escrow.Event, buffer)
	if p.isClosed {
		close(ch)
		return ch, func() {}
	}
	p.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			if sub, ok := p.subs[id]; ok {
				delete(p.subs, id)
				close(sub)
			}
		})
	}
}

// Recent 返回保留的最近事件。
func (p *MemoryPublisher) Recent() []escrow.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]escrow.Event, 0, len(p.recent))
	for _, event := range p.recent {
		out = append(out, event.Clone())
	}
	return out
}

// Dropped 返回因订阅者缓冲区满而丢弃的事件数。
func (p *MemoryPublisher) Dropped() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

// Close 关闭全部订阅通道。
func (p *MemoryPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.isClosed {
		return nil
	}
	p.isClosed = true
	for id, ch := range p.subs {
		delete(p.subs, id)
		close(ch)
	}
	return nil
}

var errPublisherClosed = stdErrors.New("publisher closed")

// Fanout 将事件依次转发给多个发布器，汇总全部错误。
type Fanout []escrow.Publisher

// Publish 实现 escrow.Publisher。
func (f Fanout) Publish(ctx context.Context, events []escrow.Event) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, events); err != nil {
			errs = append(errs, err)
		}
	}
	return stdErrors.Join(errs...)
}

// Close 关闭全部发布器。
func (f Fanout) Close() error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return stdErrors.Join(errs...)
}
