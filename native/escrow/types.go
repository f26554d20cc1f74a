package escrow

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// PaymentState represents the lifecycle states of a payment. NotStarted is
// never persisted: a payment id without a record reads as NotStarted.
type PaymentState uint8

const (
	PaymentNotStarted PaymentState = iota
	PaymentAssetTransferring
	PaymentRefunded
	PaymentPaid
)

// Valid reports whether the status value is within the supported range.
func (s PaymentState) Valid() bool {
	switch s {
	case PaymentNotStarted, PaymentAssetTransferring, PaymentRefunded, PaymentPaid:
		return true
	default:
		return false
	}
}

// Terminal reports whether no transition leaves the state.
func (s PaymentState) Terminal() bool {
	return s == PaymentRefunded || s == PaymentPaid
}

func (s PaymentState) String() string {
	switch s {
	case PaymentNotStarted:
		return "NotStarted"
	case PaymentAssetTransferring:
		return "AssetTransferring"
	case PaymentRefunded:
		return "Refunded"
	case PaymentPaid:
		return "Paid"
	default:
		return fmt.Sprintf("PaymentState(%d)", uint8(s))
	}
}

// Payment is the record created when a payment is initiated. Every field other
// than State is frozen at initiation; later directory or window changes never
// reach an existing record.
type Payment struct {
	ID             common.Hash
	State          PaymentState
	Buyer          common.Address
	Seller         common.Address
	Operator       common.Address
	FeesCollector  common.Address
	UniverseID     *big.Int
	ExpirationTime int64
	FeeBps         uint64
	Amount         *big.Int
}

// Clone returns a deep copy of the payment object so callers can safely mutate
// the copy without affecting the stored instance.
func (p *Payment) Clone() *Payment {
	if p == nil {
		return nil
	}
	clone := *p
	clone.Amount = cloneBigInt(p.Amount)
	clone.UniverseID = cloneBigInt(p.UniverseID)
	return &clone
}

// PaymentIntent is the message both parties agree on before funds move. The
// party that does not submit the call signs it.
type PaymentIntent struct {
	PaymentID  common.Hash
	Amount     *big.Int
	FeeBps     uint64
	UniverseID *big.Int
	Deadline   int64
	Buyer      common.Address
	Seller     common.Address
}

// Clone returns a deep copy of the intent.
func (in PaymentIntent) Clone() PaymentIntent {
	clone := in
	clone.Amount = cloneBigInt(in.Amount)
	clone.UniverseID = cloneBigInt(in.UniverseID)
	return clone
}

// TransferOutcome is the operator's attestation of how the asset transfer
// ended.
type TransferOutcome struct {
	PaymentID     common.Hash
	WasSuccessful bool
}

// Params holds the process-wide configuration shared by all payments.
type Params struct {
	Owner                common.Address
	PaymentWindow        int64
	RegistrationRequired bool
}

// Role selects one of the two directory mappings.
type Role uint8

const (
	RoleOperator Role = iota + 1
	RoleFeesCollector
)

func (r Role) String() string {
	switch r {
	case RoleOperator:
		return "operator"
	case RoleFeesCollector:
		return "feesCollector"
	default:
		return fmt.Sprintf("Role(%d)", uint8(r))
	}
}

// Valid reports whether the role is one of the known directory roles.
func (r Role) Valid() bool {
	return r == RoleOperator || r == RoleFeesCollector
}

// SanitizeIntent validates and normalises the supplied intent, returning a
// clone with non-nil numeric fields. Range checks that depend on engine state
// (fee bound, deadline) are left to the engine so each surfaces its own error.
func SanitizeIntent(in PaymentIntent) (PaymentIntent, error) {
	clone := in.Clone()
	if clone.Amount.Sign() < 0 {
		return PaymentIntent{}, ErrInvalidAmount
	}
	if clone.UniverseID.Sign() < 0 {
		return PaymentIntent{}, ErrInvalidUniverse
	}
	return clone, nil
}

// SanitizePayment validates a stored payment record.
func SanitizePayment(p *Payment) (*Payment, error) {
	if p == nil {
		return nil, fmt.Errorf("nil payment")
	}
	clone := p.Clone()
	if clone.Amount.Sign() < 0 {
		return nil, fmt.Errorf("payment amount must be non-negative")
	}
	if clone.FeeBps > 10_000 {
		return nil, fmt.Errorf("payment fee bps out of range: %d", clone.FeeBps)
	}
	if !clone.State.Valid() || clone.State == PaymentNotStarted {
		return nil, fmt.Errorf("invalid stored payment state: %d", clone.State)
	}
	return clone, nil
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
