package vault

import (
	"context"
	stdErrors "errors"
	"math"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"basilisk-escrow/internal/escrow"
)

type mapState struct {
	accounts map[escrow.AccountID]escrow.TokenAccount
	custody  map[escrow.JobKey]CustodyEntry
}

func newMapState() *mapState {
	return &mapState{
		accounts: make(map[escrow.AccountID]escrow.TokenAccount),
		custody:  make(map[escrow.JobKey]CustodyEntry),
	}
}

func (s *mapState) Account(_ context.Context, id escrow.AccountID) (escrow.TokenAccount, bool, error) {
	acct, ok := s.accounts[id]
	return acct, ok, nil
}

func (s *mapState) PutAccount(_ context.Context, acct escrow.TokenAccount) error {
	s.accounts[acct.ID] = acct
	return nil
}

func (s *mapState) Custody(_ context.Context, key escrow.JobKey) (CustodyEntry, bool, error) {
	entry, ok := s.custody[key]
	return entry, ok, nil
}

func (s *mapState) PutCustody(_ context.Context, entry CustodyEntry) error {
	s.custody[entry.JobKey] = entry
	return nil
}

var (
	payer = common.HexToAddress("0x0000000000000000000000000000000000000101")
	payee = common.HexToAddress("0x0000000000000000000000000000000000000202")
	token = common.HexToAddress("0x0000000000000000000000000000000000000303")
	other = common.HexToAddress("0x0000000000000000000000000000000000000404")
)

func fundedLedger(t *testing.T, balance uint64) (*Ledger, *mapState) {
	t.Helper()
	state := newMapState()
	ledger := NewLedger(state)
	ctx := context.Background()
	acct, err := ledger.OpenAccount(ctx, payer, token)
	require.NoError(t, err)
	_, err = ledger.Deposit(ctx, acct.ID, balance)
	require.NoError(t, err)
	return ledger, state
}

func custodyReq(amount uint64) escrow.CustodyRequest {
	return escrow.CustodyRequest{
		JobKey: escrow.JobKeyOf("job"),
		JobID:  "job",
		Asset:  token,
		Amount: amount,
		Payer:  payer,
	}
}

func TestCustodyMovesFunds(t *testing.T) {
	ledger, state := fundedLedger(t, 500)
	ctx := context.Background()

	require.NoError(t, ledger.Custody(ctx, custodyReq(200)))
	assert.Equal(t, uint64(300), state.accounts[escrow.AssociatedAccount(payer, token)].Balance)
	assert.Equal(t, uint64(200), state.custody[escrow.JobKeyOf("job")].Balance)

	err := ledger.Custody(ctx, custodyReq(301))
	require.ErrorIs(t, err, escrow.ErrInsufficientFunds)
}

func TestCustodyChecksAccountBinding(t *testing.T) {
	ledger, state := fundedLedger(t, 500)
	ctx := context.Background()

	foreign := escrow.TokenAccount{ID: common.HexToHash("0xf0"), Owner: other, Asset: token, Balance: 1_000}
	state.accounts[foreign.ID] = foreign
	req := custodyReq(10)
	req.From = foreign.ID
	require.ErrorIs(t, ledger.Custody(ctx, req), escrow.ErrInvalidTokenOwner)

	wrongMint := escrow.TokenAccount{ID: common.HexToHash("0xf1"), Owner: payer, Asset: other, Balance: 1_000}
	state.accounts[wrongMint.ID] = wrongMint
	req.From = wrongMint.ID
	require.ErrorIs(t, ledger.Custody(ctx, req), escrow.ErrAssetMismatch)

	req.From = common.HexToHash("0xdead")
	require.ErrorIs(t, ledger.Custody(ctx, req), escrow.ErrInvalidTokenOwner)
}

func TestReleaseCreatesAssociatedAccount(t *testing.T) {
	ledger, state := fundedLedger(t, 500)
	ctx := context.Background()
	require.NoError(t, ledger.Custody(ctx, custodyReq(200)))

	err := ledger.Release(ctx, escrow.ReleaseRequest{
		JobKey: escrow.JobKeyOf("job"),
		Asset:  token,
		Leg:    escrow.Leg{Recipient: payee, Amount: 200},
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(200), state.accounts[escrow.AssociatedAccount(payee, token)].Balance)
	assert.Equal(t, uint64(0), state.custody[escrow.JobKeyOf("job")].Balance)

	err = ledger.Release(ctx, escrow.ReleaseRequest{
		JobKey: escrow.JobKeyOf("job"),
		Asset:  token,
		Leg:    escrow.Leg{Recipient: payee, Amount: 1},
	})
	require.ErrorIs(t, err, escrow.ErrInsufficientFunds)
}

func TestReleaseRejectsWrongAsset(t *testing.T) {
	ledger, _ := fundedLedger(t, 500)
	ctx := context.Background()
	require.NoError(t, ledger.Custody(ctx, custodyReq(200)))

	err := ledger.Release(ctx, escrow.ReleaseRequest{
		JobKey: escrow.JobKeyOf("job"),
		Asset:  other,
		Leg:    escrow.Leg{Recipient: payee, Amount: 200},
	})
	require.ErrorIs(t, err, escrow.ErrInvalidMint)
}

func TestSplitReleaseValidatesBothLegsFirst(t *testing.T) {
	ledger, state := fundedLedger(t, 500)
	ctx := context.Background()
	require.NoError(t, ledger.Custody(ctx, custodyReq(200)))

	bad := escrow.TokenAccount{ID: common.HexToHash("0xb0"), Owner: other, Asset: token}
	state.accounts[bad.ID] = bad

	err := ledger.SplitRelease(ctx, escrow.SplitReleaseRequest{
		JobKey: escrow.JobKeyOf("job"),
		Asset:  token,
		Legs: [2]escrow.Leg{
			{Recipient: payee, Amount: 120},
			{Account: bad.ID, Recipient: payer, Amount: 80},
		},
	})
	require.ErrorIs(t, err, escrow.ErrInvalidTokenOwner)
	_, payeeExists := state.accounts[escrow.AssociatedAccount(payee, token)]
	assert.False(t, payeeExists, "first leg must not be applied")
	assert.Equal(t, uint64(200), state.custody[escrow.JobKeyOf("job")].Balance)

	err = ledger.SplitRelease(ctx, escrow.SplitReleaseRequest{
		JobKey: escrow.JobKeyOf("job"),
		Asset:  token,
		Legs: [2]escrow.Leg{
			{Recipient: payee, Amount: 120},
			{Recipient: payer, Amount: 80},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(120), state.accounts[escrow.AssociatedAccount(payee, token)].Balance)
	assert.Equal(t, uint64(380), state.accounts[escrow.AssociatedAccount(payer, token)].Balance)
	assert.Equal(t, uint64(0), state.custody[escrow.JobKeyOf("job")].Balance)
}

func TestSplitReleaseToSameAccount(t *testing.T) {
	ledger, state := fundedLedger(t, 500)
	ctx := context.Background()
	require.NoError(t, ledger.Custody(ctx, custodyReq(200)))

	err := ledger.SplitRelease(ctx, escrow.SplitReleaseRequest{
		JobKey: escrow.JobKeyOf("job"),
		Asset:  token,
		Legs: [2]escrow.Leg{
			{Recipient: payer, Amount: 150},
			{Recipient: payer, Amount: 50},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(500), state.accounts[escrow.AssociatedAccount(payer, token)].Balance)
}

func TestSplitReleaseSkipsZeroLegs(t *testing.T) {
	ledger, state := fundedLedger(t, 500)
	ctx := context.Background()
	require.NoError(t, ledger.Custody(ctx, custodyReq(200)))

	err := ledger.SplitRelease(ctx, escrow.SplitReleaseRequest{
		JobKey: escrow.JobKeyOf("job"),
		Asset:  token,
		Legs: [2]escrow.Leg{
			{Recipient: payee, Amount: 0},
			{Recipient: payer, Amount: 200},
		},
	})
	require.NoError(t, err)
	_, payeeExists := state.accounts[escrow.AssociatedAccount(payee, token)]
	assert.False(t, payeeExists)
}

func TestDepositOverflow(t *testing.T) {
	ledger, _ := fundedLedger(t, math.MaxUint64)
	_, err := ledger.Deposit(context.Background(), escrow.AssociatedAccount(payer, token), 1)
	require.ErrorIs(t, err, escrow.ErrOverflow)
}

func TestReleaseOverflowOnRecipient(t *testing.T) {
	ledger, state := fundedLedger(t, 500)
	ctx := context.Background()
	require.NoError(t, ledger.Custody(ctx, custodyReq(200)))
	full := escrow.TokenAccount{ID: escrow.AssociatedAccount(payee, token), Owner: payee, Asset: token, Balance: math.MaxUint64}
	state.accounts[full.ID] = full

	err := ledger.Release(ctx, escrow.ReleaseRequest{
		JobKey: escrow.JobKeyOf("job"),
		Asset:  token,
		Leg:    escrow.Leg{Recipient: payee, Amount: 1},
	})
	require.ErrorIs(t, err, escrow.ErrOverflow)
}

type funcStore func(ctx context.Context, fn func(ctx context.Context, ledger *Ledger) error) error

func (f funcStore) UpdateLedger(ctx context.Context, fn func(ctx context.Context, ledger *Ledger) error) error {
	return f(ctx, fn)
}

func TestSeedIsIdempotent(t *testing.T) {
	state := newMapState()
	store := funcStore(func(ctx context.Context, fn func(ctx context.Context, ledger *Ledger) error) error {
		return fn(ctx, NewLedger(state))
	})
	ctx := context.Background()
	genesis := []GenesisAccount{{Owner: payer, Asset: token, Balance: 10}, {Owner: payee, Asset: token}}

	seeded, err := Seed(ctx, store, genesis)
	require.NoError(t, err)
	assert.Equal(t, 2, seeded)

	seeded, err = Seed(ctx, store, genesis)
	require.NoError(t, err)
	assert.Equal(t, 0, seeded)

	acct, err := Balance(ctx, store, payer, token)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), acct.Balance)

	_, err = Balance(ctx, store, other, token)
	assert.True(t, stdErrors.Is(err, ErrAccountNotFound))
}
