package crypto

import (
	"math/big"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/stretchr/testify/require"
)

func testDomain(contract byte, chainID int64) Domain {
	return Domain{
		Name:              "Test Payments",
		Version:           "1",
		ChainID:           big.NewInt(chainID),
		VerifyingContract: common.BytesToAddress([]byte{contract}),
	}
}

func pingMessage(nonce int64, ok bool) TypedMessage {
	return TypedMessage{
		PrimaryType: "Ping",
		Fields: []apitypes.Type{
			{Name: "nonce", Type: "uint256"},
			{Name: "ok", Type: "bool"},
		},
		Values: apitypes.TypedDataMessage{
			"nonce": big.NewInt(nonce),
			"ok":    ok,
		},
	}
}

func TestSignAndRecover(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)
	digest, err := testDomain(0x01, 1).Digest(pingMessage(7, true))
	require.NoError(t, err)

	sig, err := SignDigest(key, digest)
	require.NoError(t, err)
	require.Len(t, sig, SignatureLength)
	require.Contains(t, []byte{27, 28}, sig[64])

	signer, err := RecoverSigner(digest, sig)
	require.NoError(t, err)
	require.Equal(t, key.Address(), signer)
	require.True(t, VerifySigner(digest, sig, key.Address()))

	raw := append([]byte(nil), sig...)
	raw[64] -= 27
	require.True(t, VerifySigner(digest, raw, key.Address()), "0/1 recovery ids are accepted")
}

func TestDigestBindsDomain(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)
	msg := pingMessage(1, false)

	base, err := testDomain(0x01, 1).Digest(msg)
	require.NoError(t, err)
	otherContract, err := testDomain(0x02, 1).Digest(msg)
	require.NoError(t, err)
	otherChain, err := testDomain(0x01, 5).Digest(msg)
	require.NoError(t, err)
	require.NotEqual(t, base, otherContract)
	require.NotEqual(t, base, otherChain)

	sig, err := SignDigest(key, base)
	require.NoError(t, err)
	require.False(t, VerifySigner(otherContract, sig, key.Address()))
	require.False(t, VerifySigner(otherChain, sig, key.Address()))

	changed, err := testDomain(0x01, 1).Digest(pingMessage(1, true))
	require.NoError(t, err)
	require.False(t, VerifySigner(changed, sig, key.Address()))
}

func TestRecoverRejectsMalformedSignatures(t *testing.T) {
	digest := common.HexToHash("0x01")
	_, err := RecoverSigner(digest, make([]byte, 64))
	require.ErrorIs(t, err, ErrSignatureLength)

	sig := make([]byte, SignatureLength)
	sig[64] = 31
	_, err = RecoverSigner(digest, sig)
	require.ErrorIs(t, err, ErrSignatureRecovery)

	require.False(t, VerifySigner(digest, nil, common.HexToAddress("0x01")))
	require.False(t, VerifySigner(digest, sig, common.Address{}))
}

func TestSeparatorDependsOnEveryField(t *testing.T) {
	base, err := testDomain(0x01, 1).Separator()
	require.NoError(t, err)
	renamed := testDomain(0x01, 1)
	renamed.Name = "Other"
	other, err := renamed.Separator()
	require.NoError(t, err)
	require.NotEqual(t, base, other)
}

func TestKeystoreRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "keys", "operator.json")

	require.NoError(t, SaveToKeystore(path, key, "secret", LightScrypt))
	loaded, err := LoadFromKeystore(path, "secret")
	require.NoError(t, err)
	require.Equal(t, key.Address(), loaded.Address())

	_, err = LoadFromKeystore(path, "wrong")
	require.Error(t, err)
}

func TestParseAddress(t *testing.T) {
	addr, err := ParseAddress(" 0x00000000000000000000000000000000000000aA ")
	require.NoError(t, err)
	require.Equal(t, common.HexToAddress("0xaa"), addr)

	_, err = ParseAddress("nhb1xyz")
	require.ErrorIs(t, err, ErrInvalidAddress)

	key, err := PrivateKeyFromHex("0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318")
	require.NoError(t, err)
	clone, err := PrivateKeyFromBytes(key.Bytes())
	require.NoError(t, err)
	require.Equal(t, key.Address(), clone.Address())
}
