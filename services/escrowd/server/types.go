package server

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"

	"assetescrow/native/escrow"
)

var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

// IntentRequest is the JSON form of escrow.PaymentIntent. Integers are
// decimal or 0x-prefixed strings so 256-bit values survive JSON.
type IntentRequest struct {
	PaymentID  string `json:"paymentId"`
	Amount     string `json:"amount"`
	FeeBps     uint64 `json:"feeBps"`
	UniverseID string `json:"universeId"`
	Deadline   int64  `json:"deadline"`
	Buyer      string `json:"buyer"`
	Seller     string `json:"seller"`
}

func (r IntentRequest) intent() (escrow.PaymentIntent, error) {
	id, err := parseHash("paymentId", r.PaymentID)
	if err != nil {
		return escrow.PaymentIntent{}, err
	}
	amount, err := parseInt("amount", r.Amount)
	if err != nil {
		return escrow.PaymentIntent{}, err
	}
	universe, err := parseInt("universeId", r.UniverseID)
	if err != nil {
		return escrow.PaymentIntent{}, err
	}
	buyer, err := parseAddress("buyer", r.Buyer)
	if err != nil {
		return escrow.PaymentIntent{}, err
	}
	seller, err := parseAddress("seller", r.Seller)
	if err != nil {
		return escrow.PaymentIntent{}, err
	}
	return escrow.PaymentIntent{
		PaymentID:  id,
		Amount:     amount,
		FeeBps:     r.FeeBps,
		UniverseID: universe,
		Deadline:   r.Deadline,
		Buyer:      buyer,
		Seller:     seller,
	}, nil
}

// PayRequest initiates a payment. Signature is the operator's for a direct
// payment and the buyer's for a relayed one.
type PayRequest struct {
	Intent    IntentRequest `json:"intent"`
	Signature string        `json:"signature"`
}

type FinalizeRequest struct {
	WasSuccessful bool   `json:"wasSuccessful"`
	Signature     string `json:"signature"`
	Withdraw      bool   `json:"withdraw"`
}

type RefundRequest struct {
	Withdraw bool `json:"withdraw"`
}

// WithdrawRequest withdraws Amount, or the whole balance when empty.
type WithdrawRequest struct {
	Amount string `json:"amount,omitempty"`
}

type AddressRequest struct {
	Address string `json:"address"`
}

type PaymentWindowRequest struct {
	Window int64 `json:"window"`
}

type RegistrationRequest struct {
	Required bool `json:"required"`
}

// PaymentResponse is the JSON form of escrow.Payment.
type PaymentResponse struct {
	PaymentID      string `json:"paymentId"`
	State          string `json:"state"`
	Buyer          string `json:"buyer,omitempty"`
	Seller         string `json:"seller,omitempty"`
	Operator       string `json:"operator,omitempty"`
	FeesCollector  string `json:"feesCollector,omitempty"`
	UniverseID     string `json:"universeId,omitempty"`
	ExpirationTime int64  `json:"expirationTime,omitempty"`
	FeeBps         uint64 `json:"feeBps"`
	Amount         string `json:"amount,omitempty"`
	Withdrawn      string `json:"withdrawn,omitempty"`
}

func newPaymentResponse(p *escrow.Payment) PaymentResponse {
	return PaymentResponse{
		PaymentID:      p.ID.Hex(),
		State:          p.State.String(),
		Buyer:          p.Buyer.Hex(),
		Seller:         p.Seller.Hex(),
		Operator:       p.Operator.Hex(),
		FeesCollector:  p.FeesCollector.Hex(),
		UniverseID:     bigString(p.UniverseID),
		ExpirationTime: p.ExpirationTime,
		FeeBps:         p.FeeBps,
		Amount:         bigString(p.Amount),
	}
}

type BalancesResponse struct {
	Account           string `json:"account"`
	Local             string `json:"local"`
	External          string `json:"external"`
	Allowance         string `json:"allowance"`
	MaxFundsAvailable string `json:"maxFundsAvailable"`
}

type FundingResponse struct {
	Account  string `json:"account"`
	Amount   string `json:"amount"`
	External string `json:"external"`
	Local    string `json:"local"`
	Enough   bool   `json:"enough"`
}

type ParamsResponse struct {
	Instance             string `json:"instance"`
	Currency             string `json:"currency"`
	Owner                string `json:"owner"`
	PaymentWindow        int64  `json:"paymentWindow"`
	RegistrationRequired bool   `json:"registrationRequired"`
	DefaultOperator      string `json:"defaultOperator"`
	DefaultFeesCollector string `json:"defaultFeesCollector"`
}

type UniverseResponse struct {
	UniverseID    string `json:"universeId"`
	Operator      string `json:"operator"`
	FeesCollector string `json:"feesCollector"`
}

func parseHash(field, raw string) (common.Hash, error) {
	b, err := hexutil.Decode(strings.TrimSpace(raw))
	if err != nil {
		return common.Hash{}, badRequest("%s: %v", field, err)
	}
	if len(b) != common.HashLength {
		return common.Hash{}, badRequest("%s: expected %d bytes, got %d", field, common.HashLength, len(b))
	}
	return common.BytesToHash(b), nil
}

func parseInt(field, raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, badRequest("%s: value required", field)
	}
	v, ok := math.ParseBig256(trimmed)
	if !ok {
		return nil, badRequest("%s: invalid integer %q", field, raw)
	}
	return v, nil
}

func parseAddress(field, raw string) (common.Address, error) {
	trimmed := strings.TrimSpace(raw)
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, badRequest("%s: invalid address %q", field, raw)
	}
	return common.HexToAddress(trimmed), nil
}

func parseSignature(raw string) ([]byte, error) {
	sig, err := hexutil.Decode(strings.TrimSpace(raw))
	if err != nil {
		return nil, badRequest("signature: %v", err)
	}
	return sig, nil
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
