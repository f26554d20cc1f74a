package main

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"assetescrow/config"
	"assetescrow/native/escrow"
	"assetescrow/native/token"
)

// applySeed installs directory overrides, registers sellers and funds
// development accounts. Directory changes go through the owner-only entry
// points so they emit the usual audit events.
func applySeed(ctx context.Context, engine *escrow.Engine, ledger *token.Ledger, owner common.Address, seed *config.Seed) error {
	operators, err := seed.OperatorEntries()
	if err != nil {
		return err
	}
	collectors, err := seed.FeesCollectorEntries()
	if err != nil {
		return err
	}
	sellers, err := seed.SellerAddresses()
	if err != nil {
		return err
	}
	allocations, err := seed.ParsedAllocations()
	if err != nil {
		return err
	}
	for _, entry := range operators {
		if err := engine.SetUniverseOperator(ctx, owner, entry.Universe, entry.Address); err != nil {
			return fmt.Errorf("operator for universe %s: %w", entry.Universe, err)
		}
	}
	for _, entry := range collectors {
		if err := engine.SetUniverseFeesCollector(ctx, owner, entry.Universe, entry.Address); err != nil {
			return fmt.Errorf("fees collector for universe %s: %w", entry.Universe, err)
		}
	}
	for _, seller := range sellers {
		if err := engine.RegisterSeller(ctx, seller); err != nil {
			return fmt.Errorf("register seller %s: %w", seller.Hex(), err)
		}
	}
	for _, alloc := range allocations {
		if err := ledger.Mint(ctx, alloc.Account, alloc.Amount); err != nil {
			return fmt.Errorf("mint to %s: %w", alloc.Account.Hex(), err)
		}
		if alloc.Approve {
			if err := ledger.Approve(ctx, alloc.Account, engine.Instance(), alloc.Amount); err != nil {
				return fmt.Errorf("approve for %s: %w", alloc.Account.Hex(), err)
			}
		}
	}
	return nil
}
