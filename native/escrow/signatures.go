package escrow

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"assetescrow/crypto"
)

const (
	// DomainName and DomainVersion scope payment signatures to this escrow
	// scheme.
	DomainName    = "LivingAssets ERC20 Payments"
	DomainVersion = "1"

	paymentInputType   = "PaymentInput"
	transferResultType = "AssetTransferResult"
)

var paymentInputFields = []apitypes.Type{
	{Name: "paymentId", Type: "bytes32"},
	{Name: "amount", Type: "uint256"},
	{Name: "feeBPS", Type: "uint256"},
	{Name: "universeId", Type: "uint256"},
	{Name: "deadline", Type: "uint256"},
	{Name: "buyer", Type: "address"},
	{Name: "seller", Type: "address"},
}

var transferResultFields = []apitypes.Type{
	{Name: "paymentId", Type: "bytes32"},
	{Name: "wasSuccessful", Type: "bool"},
}

// SignatureOracle answers whether a signature over a typed message was
// produced by the expected signer.
type SignatureOracle interface {
	VerifyPaymentIntent(intent PaymentIntent, sig []byte, signer common.Address) bool
	VerifyTransferOutcome(outcome TransferOutcome, sig []byte, signer common.Address) bool
}

// NewDomain returns the typed-data domain bound to one escrow instance on one
// chain.
func NewDomain(chainID *big.Int, instance common.Address) crypto.Domain {
	return crypto.Domain{
		Name:              DomainName,
		Version:           DomainVersion,
		ChainID:           cloneBigInt(chainID),
		VerifyingContract: instance,
	}
}

func paymentIntentMessage(in PaymentIntent) crypto.TypedMessage {
	return crypto.TypedMessage{
		PrimaryType: paymentInputType,
		Fields:      paymentInputFields,
		Values: apitypes.TypedDataMessage{
			"paymentId":  hexutil.Encode(in.PaymentID.Bytes()),
			"amount":     cloneBigInt(in.Amount),
			"feeBPS":     new(big.Int).SetUint64(in.FeeBps),
			"universeId": cloneBigInt(in.UniverseID),
			"deadline":   big.NewInt(in.Deadline),
			"buyer":      in.Buyer.Hex(),
			"seller":     in.Seller.Hex(),
		},
	}
}

func transferOutcomeMessage(out TransferOutcome) crypto.TypedMessage {
	return crypto.TypedMessage{
		PrimaryType: transferResultType,
		Fields:      transferResultFields,
		Values: apitypes.TypedDataMessage{
			"paymentId":     hexutil.Encode(out.PaymentID.Bytes()),
			"wasSuccessful": out.WasSuccessful,
		},
	}
}

// PaymentIntentDigest returns the typed-data digest a signer commits to for
// the given intent.
func PaymentIntentDigest(domain crypto.Domain, in PaymentIntent) (common.Hash, error) {
	return domain.Digest(paymentIntentMessage(in))
}

// TransferOutcomeDigest returns the typed-data digest of an operator's
// transfer attestation.
func TransferOutcomeDigest(domain crypto.Domain, out TransferOutcome) (common.Hash, error) {
	return domain.Digest(transferOutcomeMessage(out))
}

// SignPaymentIntent signs in under domain.
func SignPaymentIntent(key *crypto.PrivateKey, domain crypto.Domain, in PaymentIntent) ([]byte, error) {
	digest, err := PaymentIntentDigest(domain, in)
	if err != nil {
		return nil, err
	}
	return crypto.SignDigest(key, digest)
}

// SignTransferOutcome signs out under domain.
func SignTransferOutcome(key *crypto.PrivateKey, domain crypto.Domain, out TransferOutcome) ([]byte, error) {
	digest, err := TransferOutcomeDigest(domain, out)
	if err != nil {
		return nil, err
	}
	return crypto.SignDigest(key, digest)
}

// TypedDataOracle verifies EIP-712 signatures under a fixed domain.
type TypedDataOracle struct {
	domain crypto.Domain
}

// NewTypedDataOracle builds an oracle for the escrow instance deployed at
// instance on chainID.
func NewTypedDataOracle(chainID *big.Int, instance common.Address) *TypedDataOracle {
	return &TypedDataOracle{domain: NewDomain(chainID, instance)}
}

// Domain returns the domain signatures must be produced under.
func (o *TypedDataOracle) Domain() crypto.Domain { return o.domain }

// VerifyPaymentIntent implements SignatureOracle.
func (o *TypedDataOracle) VerifyPaymentIntent(in PaymentIntent, sig []byte, signer common.Address) bool {
	digest, err := PaymentIntentDigest(o.domain, in)
	if err != nil {
		return false
	}
	return crypto.VerifySigner(digest, sig, signer)
}

// VerifyTransferOutcome implements SignatureOracle.
func (o *TypedDataOracle) VerifyTransferOutcome(out TransferOutcome, sig []byte, signer common.Address) bool {
	digest, err := TransferOutcomeDigest(o.domain, out)
	if err != nil {
		return false
	}
	return crypto.VerifySigner(digest, sig, signer)
}
