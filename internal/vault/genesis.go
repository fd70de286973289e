package vault

import (
	"context"
	"fmt"

	"basilisk-escrow/internal/escrow"
)

// GenesisAccount 描述启动时预置的账户。
type GenesisAccount struct {
	Owner   escrow.Actor
	Asset   escrow.Asset
	Balance uint64
}

// Seed 为尚不存在的关联账户写入初始余额。已存在的账户保持不变，
// 因此重复启动不会重复发放。
func Seed(ctx context.Context, store Store, accounts []GenesisAccount) (int, error) {
	seeded := 0
	err := store.UpdateLedger(ctx, func(ctx context.Context, ledger *Ledger) error {
		seeded = 0
		for _, genesis := range accounts {
			id := escrow.AssociatedAccount(genesis.Owner, genesis.Asset)
			if _, found, err := ledger.state.Account(ctx, id); err != nil {
				return err
			} else if found {
				continue
			}
			if _, err := ledger.OpenAccount(ctx, genesis.Owner, genesis.Asset); err != nil {
				return fmt.Errorf("创建账户 %s 失败: %w", genesis.Owner.Hex(), err)
			}
			if genesis.Balance > 0 {
				if _, err := ledger.Deposit(ctx, id, genesis.Balance); err != nil {
					return fmt.Errorf("写入账户 %s 初始余额失败: %w", genesis.Owner.Hex(), err)
				}
			}
			seeded++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return seeded, nil
}

// Balance 读取 owner 在 asset 上的关联账户。
func Balance(ctx context.Context, store Store, owner escrow.Actor, asset escrow.Asset) (escrow.TokenAccount, error) {
	var acct escrow.TokenAccount
	err := store.UpdateLedger(ctx, func(ctx context.Context, ledger *Ledger) error {
		loaded, err := ledger.Account(ctx, escrow.AssociatedAccount(owner, asset))
		if err != nil {
			return err
		}
		acct = loaded
		return nil
	})
	return acct, err
}

// Fund 为 owner 开户（如需要）并存入 amount，用于测试与运维补款。
func Fund(ctx context.Context, store Store, owner escrow.Actor, asset escrow.Asset, amount uint64) (escrow.TokenAccount, error) {
	var acct escrow.TokenAccount
	err := store.UpdateLedger(ctx, func(ctx context.Context, ledger *Ledger) error {
		opened, err := ledger.OpenAccount(ctx, owner, asset)
		if err != nil {
			return err
		}
		funded, err := ledger.Deposit(ctx, opened.ID, amount)
		if err != nil {
			return err
		}
		acct = funded
		return nil
	})
	return acct, err
}
