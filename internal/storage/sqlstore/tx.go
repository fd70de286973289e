package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"strconv"

	xerrors "basilisk-escrow/internal/errors"
	"basilisk-escrow/internal/escrow"
	"basilisk-escrow/internal/vault"
)

const configRowID = 1

type sqlTx struct {
	tx      *sql.Tx
	dialect dialect
}

func (t *sqlTx) Config() escrow.ConfigStore { return configTable{t} }
func (t *sqlTx) Jobs() escrow.JobRegistry   { return jobTable{t} }
func (t *sqlTx) Vault() escrow.Vault        { return vault.NewLedger(ledgerState{t}) }
func (t *sqlTx) Events() escrow.EventLog    { return eventTable{t} }

type configTable struct{ t *sqlTx }

func (c configTable) Load(ctx context.Context) (*escrow.ProgramConfig, error) {
	query := c.t.dialect.forUpdate(`SELECT record FROM escrow_config WHERE id = ?`)
	var record []byte
	if err := c.t.tx.QueryRowContext(ctx, query, configRowID).Scan(&record); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, escrow.ErrNotInitialized
		}
		return nil, storageError(err, "查询全局配置失败")
	}
	cfg, err := escrow.DecodeConfig(record)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c configTable) Insert(ctx context.Context, cfg escrow.ProgramConfig) error {
	_, err := c.t.tx.ExecContext(ctx, `INSERT INTO escrow_config (id, record) VALUES (?, ?)`, configRowID, escrow.EncodeConfig(cfg))
	if err != nil {
		if isDuplicateKey(err) {
			return escrow.ErrAlreadyInitialized
		}
		return storageError(err, "写入全局配置失败")
	}
	return nil
}

func (c configTable) Save(ctx context.Context, cfg escrow.ProgramConfig) error {
	result, err := c.t.tx.ExecContext(ctx, `UPDATE escrow_config SET record = ? WHERE id = ?`, escrow.EncodeConfig(cfg), configRowID)
	if err != nil {
		return storageError(err, "更新全局配置失败")
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		// MySQL 对未变化的行返回 0，需要再确认记录存在。
		if _, err := c.Load(ctx); err != nil {
			return err
		}
	}
	return nil
}

type jobTable struct{ t *sqlTx }

func (j jobTable) Get(ctx context.Context, key escrow.JobKey) (*escrow.Job, error) {
	query := j.t.dialect.forUpdate(`SELECT record FROM escrow_jobs WHERE job_key = ?`)
	var record []byte
	if err := j.t.tx.QueryRowContext(ctx, query, key.Hex()).Scan(&record); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, escrow.ErrJobNotFound
		}
		return nil, storageError(err, "查询任务失败")
	}
	return escrow.DecodeJob(record)
}

func (j jobTable) Insert(ctx context.Context, job *escrow.Job) error {
	record, err := escrow.EncodeJob(job)
	if err != nil {
		return err
	}
	const query = `INSERT INTO escrow_jobs (job_key, job_id, status, requester, agent, asset, created_at, record)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = j.t.tx.ExecContext(ctx, query,
		job.Key().Hex(), job.ID, int(job.Status), job.Requester.Hex(), job.Agent.Hex(), job.Asset.Hex(), job.CreatedAt, record)
	if err != nil {
		if isDuplicateKey(err) {
			return escrow.ErrJobIDAlreadyExists.With(xerrors.WithMetadata("job_id", job.ID))
		}
		return storageError(err, "写入任务失败")
	}
	return nil
}

func (j jobTable) Update(ctx context.Context, job *escrow.Job) error {
	record, err := escrow.EncodeJob(job)
	if err != nil {
		return err
	}
	const query = `UPDATE escrow_jobs SET status = ?, agent = ?, record = ? WHERE job_key = ?`
	result, err := j.t.tx.ExecContext(ctx, query, int(job.Status), job.Agent.Hex(), record, job.Key().Hex())
	if err != nil {
		return storageError(err, "更新任务失败")
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		if _, err := j.Get(ctx, job.Key()); err != nil {
			return err
		}
	}
	return nil
}

type eventTable struct{ t *sqlTx }

// Append 通过 escrow_sequences 行锁分配序号，保证并发事务下序号连续且唯一。
func (e eventTable) Append(ctx context.Context, event *escrow.Event) error {
	query := e.t.dialect.forUpdate(`SELECT value FROM escrow_sequences WHERE name = ?`)
	var current uint64
	if err := e.t.tx.QueryRowContext(ctx, query, "events").Scan(&current); err != nil {
		return storageError(err, "读取事件序号失败")
	}
	next := current + 1
	if _, err := e.t.tx.ExecContext(ctx, `UPDATE escrow_sequences SET value = ? WHERE name = ?`, int64(next), "events"); err != nil {
		return storageError(err, "更新事件序号失败")
	}

	changes, err := json.Marshal(event.Changes)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化事件变更失败")
	}
	const insert = `INSERT INTO escrow_events (seq, event_id, event_type, job_id, actor, changes, occurred_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`
	if _, err := e.t.tx.ExecContext(ctx, insert,
		int64(next), event.ID, string(event.Type), event.JobID, event.Actor.Hex(), string(changes), event.OccurredAt); err != nil {
		return storageError(err, "写入事件失败")
	}
	event.Seq = next
	return nil
}

// ledgerState 实现 vault.State。
type ledgerState struct{ t *sqlTx }

func (s ledgerState) Account(ctx context.Context, id escrow.AccountID) (escrow.TokenAccount, bool, error) {
	query := s.t.dialect.forUpdate(`SELECT owner, asset, balance FROM ledger_accounts WHERE account_id = ?`)
	var owner, asset, balance string
	if err := s.t.tx.QueryRowContext(ctx, query, id.Hex()).Scan(&owner, &asset, &balance); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return escrow.TokenAccount{}, false, nil
		}
		return escrow.TokenAccount{}, false, storageError(err, "查询账户失败")
	}
	amount, err := parseBalance(balance)
	if err != nil {
		return escrow.TokenAccount{}, false, err
	}
	return escrow.TokenAccount{ID: id, Owner: parseAddress(owner), Asset: parseAddress(asset), Balance: amount}, true, nil
}

func (s ledgerState) PutAccount(ctx context.Context, acct escrow.TokenAccount) error {
	_, found, err := s.Account(ctx, acct.ID)
	if err != nil {
		return err
	}
	balance := strconv.FormatUint(acct.Balance, 10)
	if found {
		_, err = s.t.tx.ExecContext(ctx, `UPDATE ledger_accounts SET balance = ? WHERE account_id = ?`, balance, acct.ID.Hex())
	} else {
		_, err = s.t.tx.ExecContext(ctx, `INSERT INTO ledger_accounts (account_id, owner, asset, balance) VALUES (?, ?, ?, ?)`,
			acct.ID.Hex(), acct.Owner.Hex(), acct.Asset.Hex(), balance)
	}
	if err != nil {
		return storageError(err, "写入账户失败")
	}
	return nil
}

func (s ledgerState) Custody(ctx context.Context, key escrow.JobKey) (vault.CustodyEntry, bool, error) {
	query := s.t.dialect.forUpdate(`SELECT job_id, asset, balance FROM ledger_custody WHERE job_key = ?`)
	var jobID, asset, balance string
	if err := s.t.tx.QueryRowContext(ctx, query, key.Hex()).Scan(&jobID, &asset, &balance); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return vault.CustodyEntry{}, false, nil
		}
		return vault.CustodyEntry{}, false, storageError(err, "查询托管余额失败")
	}
	amount, err := parseBalance(balance)
	if err != nil {
		return vault.CustodyEntry{}, false, err
	}
	return vault.CustodyEntry{JobKey: key, JobID: jobID, Asset: parseAddress(asset), Balance: amount}, true, nil
}

func (s ledgerState) PutCustody(ctx context.Context, entry vault.CustodyEntry) error {
	_, found, err := s.Custody(ctx, entry.JobKey)
	if err != nil {
		return err
	}
	balance := strconv.FormatUint(entry.Balance, 10)
	if found {
		_, err = s.t.tx.ExecContext(ctx, `UPDATE ledger_custody SET balance = ? WHERE job_key = ?`, balance, entry.JobKey.Hex())
	} else {
		_, err = s.t.tx.ExecContext(ctx, `INSERT INTO ledger_custody (job_key, job_id, asset, balance) VALUES (?, ?, ?, ?)`,
			entry.JobKey.Hex(), entry.JobID, entry.Asset.Hex(), balance)
	}
	if err != nil {
		return storageError(err, "写入托管余额失败")
	}
	return nil
}

func parseBalance(raw string) (uint64, error) {
	amount, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeCorruptRecord, err, "余额字段无法解析")
	}
	return amount, nil
}
