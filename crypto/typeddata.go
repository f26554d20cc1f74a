package crypto

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// SignatureLength is the size of a [R || S || V] secp256k1 signature.
const SignatureLength = crypto.SignatureLength

var (
	ErrSignatureLength   = errors.New("crypto: signature must be 65 bytes")
	ErrSignatureRecovery = errors.New("crypto: invalid signature recovery id")
)

var eip712DomainType = []apitypes.Type{
	{Name: "name", Type: "string"},
	{Name: "version", Type: "string"},
	{Name: "chainId", Type: "uint256"},
	{Name: "verifyingContract", Type: "address"},
}

// Domain separates typed-data signatures by scheme, chain and verifying
// instance (EIP-712).
type Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

func (d Domain) typed() apitypes.TypedDataDomain {
	chainID := big.NewInt(0)
	if d.ChainID != nil {
		chainID = new(big.Int).Set(d.ChainID)
	}
	return apitypes.TypedDataDomain{
		Name:              d.Name,
		Version:           d.Version,
		ChainId:           (*math.HexOrDecimal256)(chainID),
		VerifyingContract: d.VerifyingContract.Hex(),
	}
}

// TypedMessage is a single struct instance to be hashed under a Domain.
type TypedMessage struct {
	PrimaryType string
	Fields      []apitypes.Type
	Values      apitypes.TypedDataMessage
}

// Separator returns the EIP-712 domain separator.
func (d Domain) Separator() (common.Hash, error) {
	td := apitypes.TypedData{
		Types:  apitypes.Types{"EIP712Domain": eip712DomainType},
		Domain: d.typed(),
	}
	hash, err := td.HashStruct("EIP712Domain", td.Domain.Map())
	if err != nil {
		return common.Hash{}, fmt.Errorf("crypto: hash domain: %w", err)
	}
	return common.BytesToHash(hash), nil
}

// Digest returns keccak256(0x1901 || domainSeparator || hashStruct(msg)).
func (d Domain) Digest(msg TypedMessage) (common.Hash, error) {
	td := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain":  eip712DomainType,
			msg.PrimaryType: msg.Fields,
		},
		PrimaryType: msg.PrimaryType,
		Domain:      d.typed(),
		Message:     msg.Values,
	}
	hash, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		return common.Hash{}, fmt.Errorf("crypto: hash %s: %w", msg.PrimaryType, err)
	}
	return common.BytesToHash(hash), nil
}

// SignDigest signs digest and returns a signature with V in {27, 28}, the
// form produced by wallets for typed data.
func SignDigest(key *PrivateKey, digest common.Hash) ([]byte, error) {
	if key == nil || key.PrivateKey == nil {
		return nil, errors.New("crypto: nil private key")
	}
	sig, err := crypto.Sign(digest.Bytes(), key.PrivateKey)
	if err != nil {
		return nil, err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// RecoverSigner returns the address that produced sig over digest. V may be
// encoded as 0/1 or 27/28.
func RecoverSigner(digest common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != SignatureLength {
		return common.Address{}, ErrSignatureLength
	}
	normalized := make([]byte, SignatureLength)
	copy(normalized, sig)
	if normalized[crypto.RecoveryIDOffset] >= 27 {
		normalized[crypto.RecoveryIDOffset] -= 27
	}
	if normalized[crypto.RecoveryIDOffset] > 1 {
		return common.Address{}, ErrSignatureRecovery
	}
	pub, err := crypto.SigToPub(digest.Bytes(), normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto: recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// VerifySigner reports whether sig over digest was produced by signer. Any
// malformed signature simply fails verification.
func VerifySigner(digest common.Hash, sig []byte, signer common.Address) bool {
	if signer == (common.Address{}) {
		return false
	}
	recovered, err := RecoverSigner(digest, sig)
	if err != nil {
		return false
	}
	return recovered == signer
}
