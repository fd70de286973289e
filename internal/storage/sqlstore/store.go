// Package sqlstore persists escrow state in MySQL or SQLite. Jobs are stored as
// fixed-size records next to a few indexed columns; ledger balances and the
// event log live in their own tables and share the same transaction.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"

	xerrors "basilisk-escrow/internal/errors"
	"basilisk-escrow/internal/escrow"
	"basilisk-escrow/internal/vault"
)

// Config 描述数据库连接参数。
type Config struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// Backend 实现 escrow.Backend 与 vault.Store。
type Backend struct {
	db      *sql.DB
	dialect dialect
}

var (
	_ escrow.Backend = (*Backend)(nil)
	_ vault.Store    = (*Backend)(nil)
)

// Open 建立连接并执行迁移。
func Open(ctx context.Context, cfg Config) (*Backend, error) {
	d, err := dialectFor(cfg.Driver)
	if err != nil {
		return nil, err
	}
	db, err := openDatabase(ctx, d, cfg)
	if err != nil {
		return nil, err
	}
	b := &Backend{db: db, dialect: d}
	if err := b.runMigrations(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

func openDatabase(ctx context.Context, d dialect, cfg Config) (*sql.DB, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("%s DSN 不能为空", d.name)
	}

	db, err := sql.Open(d.driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("连接 %s 失败: %w", d.name, err)
	}

	switch {
	case d.singleWriter:
		db.SetMaxOpenConns(1)
	case cfg.MaxOpenConns > 0:
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	default:
		db.SetMaxOpenConns(20)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(10)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else if !d.singleWriter {
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("无法连接到 %s: %w", d.name, err)
	}
	return db, nil
}

// Close 释放连接池。
func (b *Backend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

// Ping 检查数据库连通性，供健康检查使用。
func (b *Backend) Ping(ctx context.Context) error {
	return b.db.PingContext(ctx)
}

// maxTxAttempts 为 InnoDB 死锁回滚后整体重试事务的次数上限。
const maxTxAttempts = 3

// Atomically 在数据库事务内执行 fn。事务因死锁被回滚时重新执行，fn 必须可重入。
func (b *Backend) Atomically(ctx context.Context, fn func(ctx context.Context, tx escrow.Tx) error) error {
	var err error
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		if err = b.runTx(ctx, fn); !isDeadlock(err) {
			return err
		}
		if ctx.Err() != nil {
			return err
		}
	}
	return err
}

func (b *Backend) runTx(ctx context.Context, fn func(ctx context.Context, tx escrow.Tx) error) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return storageError(err, "开启事务失败")
	}
	if err := fn(ctx, &sqlTx{tx: tx, dialect: b.dialect}); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return storageError(err, "提交事务失败")
	}
	return nil
}

// UpdateLedger 实现 vault.Store。
func (b *Backend) UpdateLedger(ctx context.Context, fn func(ctx context.Context, ledger *vault.Ledger) error) error {
	return b.Atomically(ctx, func(ctx context.Context, tx escrow.Tx) error {
		return fn(ctx, vault.NewLedger(ledgerState{tx.(*sqlTx)}))
	})
}

// ListJobs 按过滤条件分页返回任务。
func (b *Backend) ListJobs(ctx context.Context, opts escrow.ListOptions) ([]*escrow.Job, error) {
	where, args := buildFilter(opts)
	order := "DESC"
	if opts.Order == escrow.SortByCreatedAsc {
		order = "ASC"
	}
	query := fmt.Sprintf(`SELECT record FROM escrow_jobs%s ORDER BY created_at %s, job_id %s LIMIT ? OFFSET ?`, where, order, order)
	args = append(args, opts.Limit, opts.Offset)
	return b.queryJobs(ctx, query, args...)
}

// Stats 汇总满足过滤条件的任务，忽略分页参数。
func (b *Backend) Stats(ctx context.Context, opts escrow.ListOptions) (escrow.JobStats, error) {
	where, args := buildFilter(opts)
	jobs, err := b.queryJobs(ctx, `SELECT record FROM escrow_jobs`+where, args...)
	if err != nil {
		return escrow.JobStats{}, err
	}
	var stats escrow.JobStats
	for _, job := range jobs {
		stats.Add(job)
	}
	return stats.Finish(), nil
}

// ListEvents 返回序号大于 afterSeq 的事件。
func (b *Backend) ListEvents(ctx context.Context, afterSeq uint64, limit int) ([]escrow.Event, error) {
	const query = `SELECT seq, event_id, event_type, job_id, actor, changes, occurred_at
FROM escrow_events WHERE seq > ? ORDER BY seq ASC LIMIT ?`
	rows, err := b.db.QueryContext(ctx, query, int64(afterSeq), limit)
	if err != nil {
		return nil, storageError(err, "查询事件失败")
	}
	defer rows.Close()

	events := make([]escrow.Event, 0, limit)
	for rows.Next() {
		var (
			event   escrow.Event
			typ     string
			actor   string
			changes string
		)
		if err := rows.Scan(&event.Seq, &event.ID, &typ, &event.JobID, &actor, &changes, &event.OccurredAt); err != nil {
			return nil, storageError(err, "解析事件失败")
		}
		event.Type = escrow.EventType(typ)
		event.Actor = parseAddress(actor)
		if err := json.Unmarshal([]byte(changes), &event.Changes); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeCorruptRecord, err, "事件变更字段无法解析")
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError(err, "遍历事件失败")
	}
	return events, nil
}

func (b *Backend) queryJobs(ctx context.Context, query string, args ...any) ([]*escrow.Job, error) {
	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageError(err, "查询任务失败")
	}
	defer rows.Close()

	jobs := make([]*escrow.Job, 0)
	for rows.Next() {
		var record []byte
		if err := rows.Scan(&record); err != nil {
			return nil, storageError(err, "解析任务失败")
		}
		job, err := escrow.DecodeJob(record)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError(err, "遍历任务失败")
	}
	return jobs, nil
}

func buildFilter(opts escrow.ListOptions) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if len(opts.Statuses) > 0 {
		placeholders := make([]string, len(opts.Statuses))
		for i, status := range opts.Statuses {
			placeholders[i] = "?"
			args = append(args, int(status))
		}
		clauses = append(clauses, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	if opts.Requester != nil {
		clauses = append(clauses, "requester = ?")
		args = append(args, opts.Requester.Hex())
	}
	if opts.Agent != nil {
		clauses = append(clauses, "agent = ?")
		args = append(args, opts.Agent.Hex())
	}
	if opts.Asset != nil {
		clauses = append(clauses, "asset = ?")
		args = append(args, opts.Asset.Hex())
	}
	if opts.CreatedGTE > 0 {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, opts.CreatedGTE)
	}
	if opts.CreatedLTE > 0 {
		clauses = append(clauses, "created_at <= ?")
		args = append(args, opts.CreatedLTE)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func storageError(err error, message string) error {
	return xerrors.Wrap(xerrors.CodeStorageFailure, err, message)
}

// isDuplicateKey 识别主键冲突，MySQL 1062 与 SQLite UNIQUE 约束失败。
func isDuplicateKey(err error) bool {
	var mysqlErr *mysql.MySQLError
	if stdErrors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// isDeadlock 识别 MySQL 1213，例如并发的首次 Initialize 在缺失行的间隙锁上相互等待。
func isDeadlock(err error) bool {
	var mysqlErr *mysql.MySQLError
	return err != nil && stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1213
}
