package escrow

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

func (e *Engine) balanceOf(addr common.Address) (*big.Int, error) {
	balance, err := e.state.BalanceGet(addr)
	if err != nil {
		return nil, err
	}
	return cloneBigInt(balance), nil
}

func (e *Engine) credit(addr common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	balance, err := e.balanceOf(addr)
	if err != nil {
		return err
	}
	return e.state.BalancePut(addr, balance.Add(balance, amount))
}

func (e *Engine) debit(addr common.Address, amount *big.Int) error {
	balance, err := e.balanceOf(addr)
	if err != nil {
		return err
	}
	if balance.Cmp(amount) < 0 {
		return ErrDebitExceeds
	}
	return e.state.BalancePut(addr, balance.Sub(balance, amount))
}

// withdraw moves amount (or the whole balance when amount is nil) from the
// local balance of account to its external token account. The local balance is
// reduced before the ledger is called.
func (e *Engine) withdraw(ctx context.Context, f *callFrame, account common.Address, amount *big.Int) (*big.Int, error) {
	balance, err := e.balanceOf(account)
	if err != nil {
		return nil, err
	}
	out := balance
	if amount != nil {
		out = cloneBigInt(amount)
	}
	if out.Sign() == 0 {
		return nil, ErrNothingToWithdraw
	}
	if out.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	if out.Cmp(balance) > 0 {
		return nil, ErrDebitExceeds
	}
	if err := e.state.BalancePut(account, new(big.Int).Sub(balance, out)); err != nil {
		return nil, err
	}
	if err := e.interact(func() error {
		return e.ledger.Transfer(ctx, e.instance, account, out)
	}); err != nil {
		return nil, externalTransferError("withdraw", err)
	}
	f.emit(NewFundsWithdrawnEvent(account, out))
	return out, nil
}

// Withdraw transfers the caller's entire local balance to the caller's
// external token account and returns the amount moved.
func (e *Engine) Withdraw(ctx context.Context, caller common.Address) (*big.Int, error) {
	var out *big.Int
	err := e.call(ctx, func(ctx context.Context, f *callFrame) error {
		var innerErr error
		out, innerErr = e.withdraw(ctx, f, caller, nil)
		return innerErr
	})
	return out, err
}

// WithdrawAmount transfers part of the caller's local balance.
func (e *Engine) WithdrawAmount(ctx context.Context, caller common.Address, amount *big.Int) error {
	if amount == nil {
		return ErrNothingToWithdraw
	}
	return e.call(ctx, func(ctx context.Context, f *callFrame) error {
		_, err := e.withdraw(ctx, f, caller, amount)
		return err
	})
}
