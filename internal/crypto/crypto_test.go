package crypto

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/stretchr/testify/require"

	"github.com/ctrl030/AAVE-Liquidation-Protection-Bot/internal/domain"
)

const (
	ownerKey    = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	operatorKey = "0x8f2a55949038a9610f50fb23b5883af3b4ecb3c3bb792cbcefbd1542c692be63"
)

var testDomain = Domain{
	Name:              "AAVE Liquidation Protection",
	Version:           "1",
	ChainID:           1,
	VerifyingContract: common.HexToAddress("0x9999999999999999999999999999999999999999"),
}

func delegationFor(t *testing.T, owner common.Address) Delegation {
	t.Helper()
	nonce, err := NewNonce()
	require.NoError(t, err)
	return Delegation{
		Owner:        owner,
		Delegate:     testDomain.VerifyingContract,
		Collateral:   common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"),
		Debt:         common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F"),
		ThresholdBps: 8000,
		Nonce:        nonce,
		IssuedAt:     time.Unix(1_700_000_000, 0),
	}
}

func TestDigestMatchesWalletEncoding(t *testing.T) {
	owner, err := NewSigner(ownerKey)
	require.NoError(t, err)
	m := delegationFor(t, owner.Address())

	want, _, err := apitypes.TypedDataAndHash(testDomain.TypedData(m))
	require.NoError(t, err)
	require.Equal(t, want, testDomain.Digest(m))

	r := Revocation{Owner: owner.Address(), Nonce: m.Nonce}
	want, _, err = apitypes.TypedDataAndHash(testDomain.RevocationTypedData(r))
	require.NoError(t, err)
	require.Equal(t, want, testDomain.RevocationDigest(r))
}

func TestRecoverSigner(t *testing.T) {
	owner, err := NewSigner(ownerKey)
	require.NoError(t, err)
	m := delegationFor(t, owner.Address())
	digest := testDomain.Digest(m)

	sig, err := owner.SignDigest(digest)
	require.NoError(t, err)
	require.Len(t, sig, SignatureLength)
	require.Contains(t, []byte{27, 28}, sig[64])

	got, err := RecoverSigner(digest, sig)
	require.NoError(t, err)
	require.Equal(t, owner.Address(), got)

	raw := append([]byte(nil), sig...)
	raw[64] -= 27
	got, err = RecoverSigner(digest, raw)
	require.NoError(t, err)
	require.Equal(t, owner.Address(), got)

	// A different threshold yields a different digest and a different signer.
	m.ThresholdBps = 7000
	got, err = RecoverSigner(testDomain.Digest(m), sig)
	require.NoError(t, err)
	require.NotEqual(t, owner.Address(), got)
}

func TestRecoverSignerRejectsMalformed(t *testing.T) {
	digest := testDomain.Digest(Delegation{})
	_, err := RecoverSigner(digest, make([]byte, 64))
	require.ErrorIs(t, err, domain.ErrSignatureMismatch)

	bad := make([]byte, SignatureLength)
	bad[64] = 31
	_, err = RecoverSigner(digest, bad)
	require.ErrorIs(t, err, domain.ErrSignatureMismatch)
}

func TestKeyFileRoundTrip(t *testing.T) {
	blob, err := EncryptKey(operatorKey, "hunter2")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "operator.json")
	require.NoError(t, os.WriteFile(path, blob, 0o600))

	s, err := LoadSigner(KeyConfig{EncryptedKeyPath: path, KeyPassword: "hunter2"})
	require.NoError(t, err)
	direct, err := NewSigner(operatorKey)
	require.NoError(t, err)
	require.Equal(t, direct.Address(), s.Address())

	_, err = LoadSigner(KeyConfig{EncryptedKeyPath: path, KeyPassword: "wrong"})
	require.Error(t, err)

	_, err = LoadSigner(KeyConfig{})
	require.Error(t, err)
}

func TestEncryptKeyValidatesInput(t *testing.T) {
	_, err := EncryptKey(operatorKey, "")
	require.Error(t, err)
	_, err = EncryptKey("abcd", "pw")
	require.Error(t, err)
	_, err = EncryptKey("zz", "pw")
	require.Error(t, err)
}
