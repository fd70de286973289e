// Package vault implements escrow custody on top of a token account ledger.
// Backends provide the State for one transaction; the Ledger applies the
// owner, asset and balance rules on top of it.
package vault

import (
	"context"
	"strconv"

	xerrors "basilisk-escrow/internal/errors"
	"basilisk-escrow/internal/escrow"
)

// CodeAccountNotFound 表示账本中不存在指定账户。
const CodeAccountNotFound xerrors.Code = "ACCOUNT_NOT_FOUND"

func init() {
	xerrors.Register(CodeAccountNotFound, xerrors.Attributes{
		Message:  "token account not found",
		Kind:     xerrors.KindState,
		Severity: xerrors.SeverityInfo,
	})
}

// ErrAccountNotFound 在账户不存在时返回。
var ErrAccountNotFound = xerrors.New(CodeAccountNotFound, "token account not found")

// CustodyEntry 记录单个任务的托管余额。
type CustodyEntry struct {
	JobKey  escrow.JobKey `json:"job_key"`
	JobID   string        `json:"job_id"`
	Asset   escrow.Asset  `json:"asset"`
	Balance uint64        `json:"balance,string"`
}

// State 是账本在单个事务内的读写视图。
type State interface {
	Account(ctx context.Context, id escrow.AccountID) (escrow.TokenAccount, bool, error)
	PutAccount(ctx context.Context, account escrow.TokenAccount) error
	Custody(ctx context.Context, key escrow.JobKey) (CustodyEntry, bool, error)
	PutCustody(ctx context.Context, entry CustodyEntry) error
}

// Store 在事务内暴露账本，用于初始化账户与查询余额。
type Store interface {
	UpdateLedger(ctx context.Context, fn func(ctx context.Context, ledger *Ledger) error) error
}

// Ledger 实现 escrow.Vault。
type Ledger struct {
	state State
}

var _ escrow.Vault = (*Ledger)(nil)

// NewLedger 基于事务状态构建账本。
func NewLedger(state State) *Ledger {
	return &Ledger{state: state}
}

// Custody 从付款方账户扣款并记入任务托管。
func (l *Ledger) Custody(ctx context.Context, req escrow.CustodyRequest) error {
	if req.Amount == 0 {
		return escrow.ErrZeroAmount
	}
	from, err := l.resolve(ctx, nil, req.Asset, req.From, req.Payer)
	if err != nil {
		return err
	}
	if from.Balance < req.Amount {
		return escrow.ErrInsufficientFunds.With(
			xerrors.WithMetadata("account", from.ID.Hex()),
			xerrors.WithMetadata("balance", strconv.FormatUint(from.Balance, 10)),
			xerrors.WithMetadata("required", strconv.FormatUint(req.Amount, 10)),
		)
	}

	entry, found, err := l.state.Custody(ctx, req.JobKey)
	if err != nil {
		return err
	}
	if !found {
		entry = CustodyEntry{JobKey: req.JobKey, JobID: req.JobID, Asset: req.Asset}
	}
	if entry.Asset != req.Asset {
		return escrow.ErrInvalidMint.With(xerrors.WithMetadata("job_id", req.JobID))
	}
	balance, ok := addUint64(entry.Balance, req.Amount)
	if !ok {
		return escrow.ErrOverflow.With(xerrors.WithMetadata("field", "custody"))
	}

	from.Balance -= req.Amount
	entry.Balance = balance
	if err := l.state.PutAccount(ctx, from); err != nil {
		return err
	}
	return l.state.PutCustody(ctx, entry)
}

// Release 把托管资金转给单一收款方。
func (l *Ledger) Release(ctx context.Context, req escrow.ReleaseRequest) error {
	return l.release(ctx, req.JobKey, req.Asset, []escrow.Leg{req.Leg})
}

// SplitRelease 同时向两方转账。两笔转账全部校验通过后才会写入。
func (l *Ledger) SplitRelease(ctx context.Context, req escrow.SplitReleaseRequest) error {
	return l.release(ctx, req.JobKey, req.Asset, req.Legs[:])
}

func (l *Ledger) release(ctx context.Context, key escrow.JobKey, asset escrow.Asset, legs []escrow.Leg) error {
	entry, found, err := l.state.Custody(ctx, key)
	if err != nil {
		return err
	}
	if !found {
		return escrow.ErrInsufficientFunds.With(xerrors.WithMetadata("job_key", key.Hex()))
	}
	if entry.Asset != asset {
		return escrow.ErrInvalidMint.With(xerrors.WithMetadata("job_id", entry.JobID))
	}

	var total uint64
	pending := make(map[escrow.AccountID]*escrow.TokenAccount, len(legs))
	order := make([]escrow.AccountID, 0, len(legs))
	for _, leg := range legs {
		if leg.Amount == 0 {
			continue
		}
		sum, ok := addUint64(total, leg.Amount)
		if !ok {
			return escrow.ErrOverflow.With(xerrors.WithMetadata("field", "release_total"))
		}
		total = sum

		acct, err := l.resolve(ctx, pending, asset, leg.Account, leg.Recipient)
		if err != nil {
			return err
		}
		balance, ok := addUint64(acct.Balance, leg.Amount)
		if !ok {
			return escrow.ErrOverflow.With(xerrors.WithMetadata("account", acct.ID.Hex()))
		}
		acct.Balance = balance
		if _, seen := pending[acct.ID]; !seen {
			pending[acct.ID] = &acct
			order = append(order, acct.ID)
		} else {
			*pending[acct.ID] = acct
		}
	}
	if total > entry.Balance {
		return escrow.ErrInsufficientFunds.With(
			xerrors.WithMetadata("job_id", entry.JobID),
			xerrors.WithMetadata("custody", strconv.FormatUint(entry.Balance, 10)),
			xerrors.WithMetadata("required", strconv.FormatUint(total, 10)),
		)
	}

	for _, id := range order {
		if err := l.state.PutAccount(ctx, *pending[id]); err != nil {
			return err
		}
	}
	entry.Balance -= total
	return l.state.PutCustody(ctx, entry)
}

// resolve 加载账户并校验持有人与资产。id 为零值时使用关联账户，
// 关联账户不存在时视为余额为零的新账户。
func (l *Ledger) resolve(ctx context.Context, pending map[escrow.AccountID]*escrow.TokenAccount, asset escrow.Asset, id escrow.AccountID, owner escrow.Actor) (escrow.TokenAccount, error) {
	if escrow.IsZeroActor(owner) {
		return escrow.TokenAccount{}, escrow.ErrInvalidTokenOwner.With(xerrors.WithMetadata("reason", "missing owner"))
	}
	associated := escrow.AssociatedAccount(owner, asset)
	if id == (escrow.AccountID{}) {
		id = associated
	}

	if acct, ok := pending[id]; ok {
		return *acct, checkAccount(*acct, owner, asset)
	}
	acct, found, err := l.state.Account(ctx, id)
	if err != nil {
		return escrow.TokenAccount{}, err
	}
	if !found {
		if id != associated {
			return escrow.TokenAccount{}, escrow.ErrInvalidTokenOwner.With(
				xerrors.WithMetadata("account", id.Hex()),
				xerrors.WithMetadata("reason", "account not found"),
			)
		}
		return escrow.TokenAccount{ID: id, Owner: owner, Asset: asset}, nil
	}
	return acct, checkAccount(acct, owner, asset)
}

func checkAccount(acct escrow.TokenAccount, owner escrow.Actor, asset escrow.Asset) error {
	if acct.Owner != owner {
		return escrow.ErrInvalidTokenOwner.With(
			xerrors.WithMetadata("account", acct.ID.Hex()),
			xerrors.WithMetadata("owner", acct.Owner.Hex()),
			xerrors.WithMetadata("expected", owner.Hex()),
		)
	}
	if acct.Asset != asset {
		return escrow.ErrInvalidMint.With(
			xerrors.WithMetadata("account", acct.ID.Hex()),
			xerrors.WithMetadata("asset", acct.Asset.Hex()),
			xerrors.WithMetadata("expected", asset.Hex()),
		)
	}
	return nil
}

// OpenAccount 创建 owner 的关联账户，已存在时原样返回。
func (l *Ledger) OpenAccount(ctx context.Context, owner escrow.Actor, asset escrow.Asset) (escrow.TokenAccount, error) {
	if escrow.IsZeroActor(owner) {
		return escrow.TokenAccount{}, escrow.ErrInvalidActor.With(xerrors.WithMetadata("field", "owner"))
	}
	if escrow.IsZeroActor(asset) {
		return escrow.TokenAccount{}, escrow.ErrInvalidMint.With(xerrors.WithMetadata("reason", "missing asset"))
	}
	id := escrow.AssociatedAccount(owner, asset)
	acct, found, err := l.state.Account(ctx, id)
	if err != nil {
		return escrow.TokenAccount{}, err
	}
	if found {
		return acct, nil
	}
	acct = escrow.TokenAccount{ID: id, Owner: owner, Asset: asset}
	if err := l.state.PutAccount(ctx, acct); err != nil {
		return escrow.TokenAccount{}, err
	}
	return acct, nil
}

// Deposit 向账户增加余额。
func (l *Ledger) Deposit(ctx context.Context, id escrow.AccountID, amount uint64) (escrow.TokenAccount, error) {
	acct, err := l.Account(ctx, id)
	if err != nil {
		return escrow.TokenAccount{}, err
	}
	balance, ok := addUint64(acct.Balance, amount)
	if !ok {
		return escrow.TokenAccount{}, escrow.ErrOverflow.With(xerrors.WithMetadata("account", id.Hex()))
	}
	acct.Balance = balance
	if err := l.state.PutAccount(ctx, acct); err != nil {
		return escrow.TokenAccount{}, err
	}
	return acct, nil
}

// Account 读取账户。
func (l *Ledger) Account(ctx context.Context, id escrow.AccountID) (escrow.TokenAccount, error) {
	acct, found, err := l.state.Account(ctx, id)
	if err != nil {
		return escrow.TokenAccount{}, err
	}
	if !found {
		return escrow.TokenAccount{}, ErrAccountNotFound.With(xerrors.WithMetadata("account", id.Hex()))
	}
	return acct, nil
}

// CustodyOf 读取任务的托管余额，不存在时返回零余额。
func (l *Ledger) CustodyOf(ctx context.Context, key escrow.JobKey) (CustodyEntry, error) {
	entry, found, err := l.state.Custody(ctx, key)
	if err != nil {
		return CustodyEntry{}, err
	}
	if !found {
		return CustodyEntry{JobKey: key}, nil
	}
	return entry, nil
}

func addUint64(a, b uint64) (uint64, bool) {
	sum := a + b
	return sum, sum >= a
}
