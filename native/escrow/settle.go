package escrow

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"assetescrow/native/fees"
)

// Finalize settles an in-flight payment according to the outcome attested by
// the payment's operator. Anyone holding a valid signature may submit it.
func (e *Engine) Finalize(ctx context.Context, outcome TransferOutcome, operatorSig []byte) (*Payment, error) {
	var settled *Payment
	err := e.call(ctx, func(ctx context.Context, f *callFrame) error {
		var innerErr error
		settled, innerErr = e.finalize(f, outcome, operatorSig)
		return innerErr
	})
	return settled, err
}

// FinalizeAndWithdraw finalizes the payment and then withdraws the caller's
// entire local balance, including credits unrelated to this payment. Either
// both steps take effect or neither does.
func (e *Engine) FinalizeAndWithdraw(ctx context.Context, caller common.Address, outcome TransferOutcome, operatorSig []byte) (*Payment, *big.Int, error) {
	var (
		settled   *Payment
		withdrawn *big.Int
	)
	err := e.call(ctx, func(ctx context.Context, f *callFrame) error {
		var innerErr error
		if settled, innerErr = e.finalize(f, outcome, operatorSig); innerErr != nil {
			return innerErr
		}
		withdrawn, innerErr = e.withdraw(ctx, f, caller, nil)
		return innerErr
	})
	if err != nil {
		return nil, nil, err
	}
	return settled, withdrawn, nil
}

func (e *Engine) finalize(f *callFrame, outcome TransferOutcome, sig []byte) (*Payment, error) {
	payment, ok, err := e.loadPayment(outcome.PaymentID)
	if err != nil {
		return nil, err
	}
	if !ok || payment.State != PaymentAssetTransferring {
		return nil, ErrPaymentNotInProgress
	}
	if !e.oracle.VerifyTransferOutcome(outcome, sig, payment.Operator) {
		return nil, ErrInvalidSignature
	}
	if outcome.WasSuccessful {
		return payment, e.settle(f, payment)
	}
	return payment, e.refundBuyer(f, payment)
}

// Refund returns the full amount of an expired in-flight payment to the
// buyer's local balance. No signature is needed.
func (e *Engine) Refund(ctx context.Context, id common.Hash) (*Payment, error) {
	var refunded *Payment
	err := e.call(ctx, func(ctx context.Context, f *callFrame) error {
		var innerErr error
		refunded, innerErr = e.refund(f, id)
		return innerErr
	})
	return refunded, err
}

// RefundAndWithdraw refunds the payment and then withdraws the caller's entire
// local balance.
func (e *Engine) RefundAndWithdraw(ctx context.Context, caller common.Address, id common.Hash) (*Payment, *big.Int, error) {
	var (
		refunded  *Payment
		withdrawn *big.Int
	)
	err := e.call(ctx, func(ctx context.Context, f *callFrame) error {
		var innerErr error
		if refunded, innerErr = e.refund(f, id); innerErr != nil {
			return innerErr
		}
		withdrawn, innerErr = e.withdraw(ctx, f, caller, nil)
		return innerErr
	})
	if err != nil {
		return nil, nil, err
	}
	return refunded, withdrawn, nil
}

func (e *Engine) refund(f *callFrame, id common.Hash) (*Payment, error) {
	payment, ok, err := e.loadPayment(id)
	if err != nil {
		return nil, err
	}
	if !ok || !e.acceptsRefunds(payment) {
		return nil, ErrRefundNotAccepted
	}
	return payment, e.refundBuyer(f, payment)
}

func (e *Engine) acceptsRefunds(p *Payment) bool {
	return p != nil && p.State == PaymentAssetTransferring && e.now() > p.ExpirationTime
}

func (e *Engine) settle(f *callFrame, p *Payment) error {
	split := fees.Apply(p.Amount, p.FeeBps)
	p.State = PaymentPaid
	if err := e.state.PaymentPut(p.Clone()); err != nil {
		return err
	}
	if err := e.credit(p.Seller, split.Net); err != nil {
		return err
	}
	if err := e.credit(p.FeesCollector, split.Fee); err != nil {
		return err
	}
	f.emit(NewPaymentSettledEvent(p, split.Net, split.Fee))
	return nil
}

func (e *Engine) refundBuyer(f *callFrame, p *Payment) error {
	p.State = PaymentRefunded
	if err := e.state.PaymentPut(p.Clone()); err != nil {
		return err
	}
	if err := e.credit(p.Buyer, p.Amount); err != nil {
		return err
	}
	f.emit(NewBuyerRefundedEvent(p))
	return nil
}
