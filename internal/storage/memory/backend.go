// Package memory provides an in-process escrow backend. Transactions are
// serialized by one mutex and buffered in an overlay that is merged on success,
// so a failed operation leaves no trace.
package memory

import (
	"context"
	"sort"
	"sync"

	xerrors "basilisk-escrow/internal/errors"
	"basilisk-escrow/internal/escrow"
	"basilisk-escrow/internal/vault"
)

// Backend 以内存方式保存托管状态，主要用于测试与单机部署。
type Backend struct {
	mu       sync.Mutex
	closed   bool
	config   *escrow.ProgramConfig
	jobs     map[escrow.JobKey][]byte
	accounts map[escrow.AccountID]escrow.TokenAccount
	custody  map[escrow.JobKey]vault.CustodyEntry
	events   []escrow.Event
}

var (
	_ escrow.Backend = (*Backend)(nil)
	_ vault.Store    = (*Backend)(nil)
)

// New 创建空的内存后端。
func New() *Backend {
	return &Backend{
		jobs:     make(map[escrow.JobKey][]byte),
		accounts: make(map[escrow.AccountID]escrow.TokenAccount),
		custody:  make(map[escrow.JobKey]vault.CustodyEntry),
	}
}

var errClosed = xerrors.New(xerrors.CodeStorageFailure, "memory backend closed")

// Atomically 在全局互斥锁内执行 fn，成功后合并写入。
func (b *Backend) Atomically(ctx context.Context, fn func(ctx context.Context, tx escrow.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errClosed
	}

	t := newTx(b)
	if err := fn(ctx, t); err != nil {
		return err
	}
	t.commit()
	return nil
}

// UpdateLedger 实现 vault.Store。
func (b *Backend) UpdateLedger(ctx context.Context, fn func(ctx context.Context, ledger *vault.Ledger) error) error {
	return b.Atomically(ctx, func(ctx context.Context, tx escrow.Tx) error {
		return fn(ctx, vault.NewLedger(ledgerState{tx.(*memTx)}))
	})
}

// ListJobs 按过滤条件分页返回任务。
func (b *Backend) ListJobs(_ context.Context, opts escrow.ListOptions) ([]*escrow.Job, error) {
	matched, err := b.matching(opts)
	if err != nil {
		return nil, err
	}
	sort.Slice(matched, func(i, j int) bool {
		a, c := matched[i], matched[j]
		if a.CreatedAt == c.CreatedAt {
			if opts.Order == escrow.SortByCreatedAsc {
				return a.ID < c.ID
			}
			return a.ID > c.ID
		}
		if opts.Order == escrow.SortByCreatedAsc {
			return a.CreatedAt < c.CreatedAt
		}
		return a.CreatedAt > c.CreatedAt
	})

	if opts.Offset >= len(matched) {
		return []*escrow.Job{}, nil
	}
	end := opts.Offset + opts.Limit
	if opts.Limit <= 0 || end > len(matched) {
		end = len(matched)
	}
	return matched[opts.Offset:end], nil
}

// Stats 汇总满足过滤条件的任务，忽略分页参数。
func (b *Backend) Stats(_ context.Context, opts escrow.ListOptions) (escrow.JobStats, error) {
	matched, err := b.matching(opts)
	if err != nil {
		return escrow.JobStats{}, err
	}
	var stats escrow.JobStats
	for _, job := range matched {
		stats.Add(job)
	}
	return stats.Finish(), nil
}

// ListEvents 返回序号大于 afterSeq 的事件。
func (b *Backend) ListEvents(_ context.Context, afterSeq uint64, limit int) ([]escrow.Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errClosed
	}
	start := sort.Search(len(b.events), func(i int) bool { return b.events[i].Seq > afterSeq })
	end := len(b.events)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	result := make([]escrow.Event, 0, end-start)
	for _, event := range b.events[start:end] {
		result = append(result, event.Clone())
	}
	return result, nil
}

// Close 实现 escrow.Backend。
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *Backend) matching(opts escrow.ListOptions) ([]*escrow.Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errClosed
	}
	result := make([]*escrow.Job, 0, len(b.jobs))
	for _, record := range b.jobs {
		job, err := escrow.DecodeJob(record)
		if err != nil {
			return nil, err
		}
		if opts.Matches(job) {
			result = append(result, job)
		}
	}
	return result, nil
}

// Holdings 返回 asset 在全部账户与全部托管中的余额合计。
func (b *Backend) Holdings(asset escrow.Asset) (accounts, custody uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, acct := range b.accounts {
		if acct.Asset == asset {
			accounts += acct.Balance
		}
	}
	for _, entry := range b.custody {
		if entry.Asset == asset {
			custody += entry.Balance
		}
	}
	return accounts, custody
}
