package escrow

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"assetescrow/native/fees"
)

// PaymentState returns the state of id; ids never initiated read as
// PaymentNotStarted.
func (e *Engine) PaymentState(ctx context.Context, id common.Hash) (PaymentState, error) {
	var out PaymentState
	err := e.view(ctx, func(context.Context, *callFrame) error {
		var innerErr error
		out, innerErr = e.paymentState(id)
		return innerErr
	})
	return out, err
}

// Payment returns a copy of the stored record for id.
func (e *Engine) Payment(ctx context.Context, id common.Hash) (*Payment, bool, error) {
	var (
		out   *Payment
		found bool
	)
	err := e.view(ctx, func(context.Context, *callFrame) error {
		var innerErr error
		out, found, innerErr = e.loadPayment(id)
		return innerErr
	})
	return out, found, err
}

// AcceptsRefunds reports whether Refund would currently succeed for id.
func (e *Engine) AcceptsRefunds(ctx context.Context, id common.Hash) (bool, error) {
	var out bool
	err := e.view(ctx, func(context.Context, *callFrame) error {
		payment, ok, innerErr := e.loadPayment(id)
		if innerErr != nil {
			return innerErr
		}
		out = ok && e.acceptsRefunds(payment)
		return nil
	})
	return out, err
}

// LocalBalance returns the custodial balance held for addr.
func (e *Engine) LocalBalance(ctx context.Context, addr common.Address) (*big.Int, error) {
	var out *big.Int
	err := e.view(ctx, func(context.Context, *callFrame) error {
		var innerErr error
		out, innerErr = e.balanceOf(addr)
		return innerErr
	})
	return out, err
}

// ExternalBalance returns addr's balance on the token ledger.
func (e *Engine) ExternalBalance(ctx context.Context, addr common.Address) (*big.Int, error) {
	if e.ledger == nil {
		return nil, errNilLedger
	}
	balance, err := e.ledger.BalanceOf(ctx, addr)
	if err != nil {
		return nil, err
	}
	return cloneBigInt(balance), nil
}

// ExternalAllowance returns how much the escrow instance may pull from addr.
func (e *Engine) ExternalAllowance(ctx context.Context, addr common.Address) (*big.Int, error) {
	if e.ledger == nil {
		return nil, errNilLedger
	}
	allowance, err := e.ledger.Allowance(ctx, addr, e.instance)
	if err != nil {
		return nil, err
	}
	return cloneBigInt(allowance), nil
}

// ComputeFee returns the fee charged on amount at feeBps.
func (e *Engine) ComputeFee(amount *big.Int, feeBps uint64) *big.Int {
	return fees.ComputeFee(amount, feeBps)
}

// Params returns a copy of the process-wide parameters.
func (e *Engine) Params(ctx context.Context) (Params, error) {
	var out Params
	err := e.view(ctx, func(context.Context, *callFrame) error {
		params, innerErr := e.params()
		if innerErr != nil {
			return innerErr
		}
		out = *params
		return nil
	})
	return out, err
}

// PaymentWindow returns the window applied to new payments, in seconds.
func (e *Engine) PaymentWindow(ctx context.Context) (int64, error) {
	params, err := e.Params(ctx)
	return params.PaymentWindow, err
}

// RegistrationRequired reports whether sellers must be registered.
func (e *Engine) RegistrationRequired(ctx context.Context) (bool, error) {
	params, err := e.Params(ctx)
	return params.RegistrationRequired, err
}

// Owner returns the administrator address.
func (e *Engine) Owner(ctx context.Context) (common.Address, error) {
	params, err := e.Params(ctx)
	return params.Owner, err
}

// IsRegisteredSeller reports whether addr has registered as a seller.
func (e *Engine) IsRegisteredSeller(ctx context.Context, addr common.Address) (bool, error) {
	var out bool
	err := e.view(ctx, func(context.Context, *callFrame) error {
		var innerErr error
		out, innerErr = e.state.SellerRegistered(addr)
		return innerErr
	})
	return out, err
}
