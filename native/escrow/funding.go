package escrow

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// splitFundingSources exhausts the buyer's local balance before asking the
// external ledger for the remainder: local = min(amount, balance),
// external = amount - local.
func (e *Engine) splitFundingSources(ctx context.Context, buyer common.Address, amount *big.Int) (*big.Int, *big.Int, error) {
	balance, err := e.balanceOf(buyer)
	if err != nil {
		return nil, nil, err
	}
	amt := cloneBigInt(amount)
	local := new(big.Int).Set(balance)
	if local.Cmp(amt) > 0 {
		local.Set(amt)
	}
	return new(big.Int).Sub(amt, local), local, nil
}

// maxFundsAvailable returns local + min(external balance, allowance granted to
// the escrow instance).
func (e *Engine) maxFundsAvailable(ctx context.Context, buyer common.Address) (*big.Int, error) {
	local, err := e.balanceOf(buyer)
	if err != nil {
		return nil, err
	}
	var external, allowance *big.Int
	err = e.interact(func() error {
		var err error
		if external, err = e.ledger.BalanceOf(ctx, buyer); err != nil {
			return fmt.Errorf("%w: balance query: %w", ErrExternalDependency, err)
		}
		if allowance, err = e.ledger.Allowance(ctx, buyer, e.instance); err != nil {
			return fmt.Errorf("%w: allowance query: %w", ErrExternalDependency, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	pullable := cloneBigInt(external)
	if allowance == nil || pullable.Cmp(allowance) > 0 {
		pullable = cloneBigInt(allowance)
	}
	return pullable.Add(pullable, local), nil
}

// SplitFundingSources reports how a payment of amount by buyer would be funded
// right now.
func (e *Engine) SplitFundingSources(ctx context.Context, buyer common.Address, amount *big.Int) (external, local *big.Int, err error) {
	if amount != nil && amount.Sign() < 0 {
		return nil, nil, ErrInvalidAmount
	}
	err = e.view(ctx, func(ctx context.Context, _ *callFrame) error {
		var innerErr error
		external, local, innerErr = e.splitFundingSources(ctx, buyer, amount)
		return innerErr
	})
	return external, local, err
}

// MaxFundsAvailable returns the largest payment buyer could fund right now.
func (e *Engine) MaxFundsAvailable(ctx context.Context, buyer common.Address) (*big.Int, error) {
	var out *big.Int
	err := e.view(ctx, func(ctx context.Context, _ *callFrame) error {
		var innerErr error
		out, innerErr = e.maxFundsAvailable(ctx, buyer)
		return innerErr
	})
	return out, err
}

// EnoughFundsAvailable reports whether buyer could fund amount right now.
func (e *Engine) EnoughFundsAvailable(ctx context.Context, buyer common.Address, amount *big.Int) (bool, error) {
	available, err := e.MaxFundsAvailable(ctx, buyer)
	if err != nil {
		return false, err
	}
	return available.Cmp(cloneBigInt(amount)) >= 0, nil
}
