package escrow

import (
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"assetescrow/core/events"
)

const (
	EventTypePaymentWindowChanged        = "escrow.payment_window_changed"
	EventTypeRegistrationRequiredChanged = "escrow.registration_required_changed"
	EventTypeSellerRegistered            = "escrow.seller_registered"
	EventTypeFundsReceived               = "escrow.funds_received"
	EventTypePaymentSettled              = "escrow.payment_settled"
	EventTypeBuyerRefunded               = "escrow.buyer_refunded"
	EventTypeFundsWithdrawn              = "escrow.funds_withdrawn"
	EventTypeOperatorChanged             = "escrow.operator_changed"
	EventTypeFeesCollectorChanged        = "escrow.fees_collector_changed"
	EventTypeDefaultOperatorChanged      = "escrow.default_operator_changed"
	EventTypeDefaultFeesCollectorChanged = "escrow.default_fees_collector_changed"
	EventTypeOwnershipTransferred        = "escrow.ownership_transferred"
)

// NewFundsReceivedEvent is emitted once a buyer's funds are held for payment.
func NewFundsReceivedEvent(p *Payment, external, local *big.Int) *events.Record {
	evt := newPaymentEvent(EventTypeFundsReceived, p)
	evt.Attributes["externalFunds"] = cloneBigInt(external).String()
	evt.Attributes["localFunds"] = cloneBigInt(local).String()
	return evt
}

// NewPaymentSettledEvent is emitted when a successful transfer credits the
// seller and fees collector.
func NewPaymentSettledEvent(p *Payment, net, fee *big.Int) *events.Record {
	evt := newPaymentEvent(EventTypePaymentSettled, p)
	evt.Attributes["sellerAmount"] = cloneBigInt(net).String()
	evt.Attributes["feeAmount"] = cloneBigInt(fee).String()
	return evt
}

// NewBuyerRefundedEvent is emitted when the full amount is returned to the
// buyer's local balance.
func NewBuyerRefundedEvent(p *Payment) *events.Record {
	return newPaymentEvent(EventTypeBuyerRefunded, p)
}

// NewFundsWithdrawnEvent is emitted after a local balance leaves the escrow.
func NewFundsWithdrawnEvent(account common.Address, amount *big.Int) *events.Record {
	return &events.Record{
		Type: EventTypeFundsWithdrawn,
		Attributes: map[string]string{
			"account": account.Hex(),
			"amount":  cloneBigInt(amount).String(),
		},
	}
}

// NewSellerRegisteredEvent is emitted on first registration of a seller.
func NewSellerRegisteredEvent(seller common.Address) *events.Record {
	return &events.Record{
		Type:       EventTypeSellerRegistered,
		Attributes: map[string]string{"seller": seller.Hex()},
	}
}

// NewPaymentWindowChangedEvent is emitted whenever the window is updated.
func NewPaymentWindowChangedEvent(window int64) *events.Record {
	return &events.Record{
		Type:       EventTypePaymentWindowChanged,
		Attributes: map[string]string{"paymentWindow": strconv.FormatInt(window, 10)},
	}
}

// NewRegistrationRequiredChangedEvent is emitted whenever seller registration
// is switched on or off.
func NewRegistrationRequiredChangedEvent(required bool) *events.Record {
	return &events.Record{
		Type:       EventTypeRegistrationRequiredChanged,
		Attributes: map[string]string{"required": strconv.FormatBool(required)},
	}
}

// NewDirectoryChangedEvent reports a per-universe override being set or
// removed. A removal carries the zero address.
func NewDirectoryChangedEvent(role Role, universe *big.Int, addr common.Address) *events.Record {
	typ := EventTypeOperatorChanged
	if role == RoleFeesCollector {
		typ = EventTypeFeesCollectorChanged
	}
	return &events.Record{
		Type: typ,
		Attributes: map[string]string{
			"universeId": cloneBigInt(universe).String(),
			role.String(): addr.Hex(),
		},
	}
}

// NewDefaultChangedEvent reports a new fallback address for role.
func NewDefaultChangedEvent(role Role, addr common.Address) *events.Record {
	typ := EventTypeDefaultOperatorChanged
	if role == RoleFeesCollector {
		typ = EventTypeDefaultFeesCollectorChanged
	}
	return &events.Record{
		Type:       typ,
		Attributes: map[string]string{role.String(): addr.Hex()},
	}
}

// NewOwnershipTransferredEvent is emitted when the administrator changes.
func NewOwnershipTransferredEvent(previous, next common.Address) *events.Record {
	return &events.Record{
		Type: EventTypeOwnershipTransferred,
		Attributes: map[string]string{
			"previousOwner": previous.Hex(),
			"newOwner":      next.Hex(),
		},
	}
}

func newPaymentEvent(eventType string, p *Payment) *events.Record {
	attrs := map[string]string{}
	if p != nil {
		attrs["paymentId"] = p.ID.Hex()
		attrs["buyer"] = p.Buyer.Hex()
		attrs["seller"] = p.Seller.Hex()
		attrs["operator"] = p.Operator.Hex()
		attrs["feesCollector"] = p.FeesCollector.Hex()
		attrs["universeId"] = cloneBigInt(p.UniverseID).String()
		attrs["amount"] = cloneBigInt(p.Amount).String()
		attrs["feeBps"] = strconv.FormatUint(p.FeeBps, 10)
		attrs["expirationTime"] = strconv.FormatInt(p.ExpirationTime, 10)
		attrs["state"] = p.State.String()
	}
	return &events.Record{Type: eventType, Attributes: attrs}
}
