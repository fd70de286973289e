package memory

import (
	"context"

	"basilisk-escrow/internal/escrow"
	"basilisk-escrow/internal/vault"
)

// memTx 在提交前缓存写入，读取时优先命中缓存。
type memTx struct {
	backend *Backend

	config   *escrow.ProgramConfig
	jobs     map[escrow.JobKey][]byte
	accounts map[escrow.AccountID]escrow.TokenAccount
	custody  map[escrow.JobKey]vault.CustodyEntry
	events   []escrow.Event
}

func newTx(b *Backend) *memTx {
	return &memTx{
		backend:  b,
		jobs:     make(map[escrow.JobKey][]byte),
		accounts: make(map[escrow.AccountID]escrow.TokenAccount),
		custody:  make(map[escrow.JobKey]vault.CustodyEntry),
	}
}

func (t *memTx) Config() escrow.ConfigStore { return configView{t} }
func (t *memTx) Jobs() escrow.JobRegistry   { return jobView{t} }
func (t *memTx) Vault() escrow.Vault        { return vault.NewLedger(ledgerState{t}) }
func (t *memTx) Events() escrow.EventLog    { return eventView{t} }

func (t *memTx) commit() {
	b := t.backend
	if t.config != nil {
		cfg := *t.config
		b.config = &cfg
	}
	for key, record := range t.jobs {
		b.jobs[key] = record
	}
	for id, acct := range t.accounts {
		b.accounts[id] = acct
	}
	for key, entry := range t.custody {
		b.custody[key] = entry
	}
	b.events = append(b.events, t.events...)
}

type configView struct{ t *memTx }

func (v configView) Load(context.Context) (*escrow.ProgramConfig, error) {
	cfg := v.t.config
	if cfg == nil {
		cfg = v.t.backend.config
	}
	if cfg == nil {
		return nil, escrow.ErrNotInitialized
	}
	clone := *cfg
	return &clone, nil
}

func (v configView) Insert(ctx context.Context, cfg escrow.ProgramConfig) error {
	if _, err := v.Load(ctx); err == nil {
		return escrow.ErrAlreadyInitialized
	}
	v.t.config = &cfg
	return nil
}

func (v configView) Save(ctx context.Context, cfg escrow.ProgramConfig) error {
	if _, err := v.Load(ctx); err != nil {
		return err
	}
	v.t.config = &cfg
	return nil
}

type jobView struct{ t *memTx }

func (v jobView) record(key escrow.JobKey) ([]byte, bool) {
	if record, ok := v.t.jobs[key]; ok {
		return record, true
	}
	record, ok := v.t.backend.jobs[key]
	return record, ok
}

func (v jobView) Get(_ context.Context, key escrow.JobKey) (*escrow.Job, error) {
	record, ok := v.record(key)
	if !ok {
		return nil, escrow.ErrJobNotFound
	}
	return escrow.DecodeJob(record)
}

func (v jobView) Insert(_ context.Context, job *escrow.Job) error {
	key := job.Key()
	if _, ok := v.record(key); ok {
		return escrow.ErrJobIDAlreadyExists
	}
	record, err := escrow.EncodeJob(job)
	if err != nil {
		return err
	}
	v.t.jobs[key] = record
	return nil
}

func (v jobView) Update(_ context.Context, job *escrow.Job) error {
	key := job.Key()
	if _, ok := v.record(key); !ok {
		return escrow.ErrJobNotFound
	}
	record, err := escrow.EncodeJob(job)
	if err != nil {
		return err
	}
	v.t.jobs[key] = record
	return nil
}

type eventView struct{ t *memTx }

func (v eventView) Append(_ context.Context, event *escrow.Event) error {
	event.Seq = uint64(len(v.t.backend.events)+len(v.t.events)) + 1
	v.t.events = append(v.t.events, event.Clone())
	return nil
}

// ledgerState 实现 vault.State。
type ledgerState struct{ t *memTx }

func (s ledgerState) Account(_ context.Context, id escrow.AccountID) (escrow.TokenAccount, bool, error) {
	if acct, ok := s.t.accounts[id]; ok {
		return acct, true, nil
	}
	acct, ok := s.t.backend.accounts[id]
	return acct, ok, nil
}

func (s ledgerState) PutAccount(_ context.Context, acct escrow.TokenAccount) error {
	s.t.accounts[acct.ID] = acct
	return nil
}

func (s ledgerState) Custody(_ context.Context, key escrow.JobKey) (vault.CustodyEntry, bool, error) {
	if entry, ok := s.t.custody[key]; ok {
		return entry, true, nil
	}
	entry, ok := s.t.backend.custody[key]
	return entry, ok, nil
}

func (s ledgerState) PutCustody(_ context.Context, entry vault.CustodyEntry) error {
	s.t.custody[entry.JobKey] = entry
	return nil
}
