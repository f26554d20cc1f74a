package escrow

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

func validPaymentWindow(window int64) bool {
	return window > MinPaymentWindow && window < MaxPaymentWindow
}

// SetPaymentWindow changes the window applied to payments initiated from now
// on. Bounds are exclusive.
func (e *Engine) SetPaymentWindow(ctx context.Context, caller common.Address, window int64) error {
	if !validPaymentWindow(window) {
		return ErrPaymentWindowRange
	}
	return e.call(ctx, func(ctx context.Context, f *callFrame) error {
		if err := e.onlyOwner(caller); err != nil {
			return err
		}
		params, err := e.params()
		if err != nil {
			return err
		}
		params.PaymentWindow = window
		if err := e.state.ParamsPut(params); err != nil {
			return err
		}
		f.emit(NewPaymentWindowChangedEvent(window))
		return nil
	})
}

// SetRegistrationRequired toggles whether sellers must register before being
// paid.
func (e *Engine) SetRegistrationRequired(ctx context.Context, caller common.Address, required bool) error {
	return e.call(ctx, func(ctx context.Context, f *callFrame) error {
		if err := e.onlyOwner(caller); err != nil {
			return err
		}
		params, err := e.params()
		if err != nil {
			return err
		}
		params.RegistrationRequired = required
		if err := e.state.ParamsPut(params); err != nil {
			return err
		}
		f.emit(NewRegistrationRequiredChangedEvent(required))
		return nil
	})
}

// RegisterSeller registers the caller as a seller. Registration is permanent.
func (e *Engine) RegisterSeller(ctx context.Context, caller common.Address) error {
	if caller == (common.Address{}) {
		return ErrZeroAddress
	}
	return e.call(ctx, func(ctx context.Context, f *callFrame) error {
		registered, err := e.state.SellerRegistered(caller)
		if err != nil {
			return err
		}
		if registered {
			return ErrSellerRegistered
		}
		if err := e.state.SellerPut(caller); err != nil {
			return err
		}
		f.emit(NewSellerRegisteredEvent(caller))
		return nil
	})
}

// TransferOwnership hands the administrative role to next.
func (e *Engine) TransferOwnership(ctx context.Context, caller, next common.Address) error {
	if next == (common.Address{}) {
		return ErrZeroAddress
	}
	return e.call(ctx, func(ctx context.Context, f *callFrame) error {
		if err := e.onlyOwner(caller); err != nil {
			return err
		}
		params, err := e.params()
		if err != nil {
			return err
		}
		previous := params.Owner
		params.Owner = next
		if err := e.state.ParamsPut(params); err != nil {
			return err
		}
		f.emit(NewOwnershipTransferredEvent(previous, next))
		return nil
	})
}
