package crypto

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

const (
	domainType     = "EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"
	delegationType = "Delegation(address owner,address delegate,address collateral,address debt,uint256 thresholdBps,bytes32 nonce,uint256 issuedAt)"
	revocationType = "Revocation(address owner,bytes32 nonce)"
)

var (
	eip712DomainTypeHash = ethcrypto.Keccak256([]byte(domainType))
	delegationTypeHash   = ethcrypto.Keccak256([]byte(delegationType))
	revocationTypeHash   = ethcrypto.Keccak256([]byte(revocationType))
)

// Domain identifies the signing context shared by every delegation message.
type Domain struct {
	Name              string
	Version           string
	ChainID           int64
	VerifyingContract common.Address
}

// Delegation is the message an owner signs to let Delegate rescue the
// (Collateral, Debt) position once it crosses ThresholdBps.
type Delegation struct {
	Owner        common.Address
	Delegate     common.Address
	Collateral   common.Address
	Debt         common.Address
	ThresholdBps int64
	Nonce        [32]byte
	IssuedAt     time.Time
}

// Revocation is the message an owner signs to withdraw every delegation.
type Revocation struct {
	Owner common.Address
	Nonce [32]byte
}

// NewNonce returns 32 bytes from the system CSPRNG.
func NewNonce() ([32]byte, error) {
	var n [32]byte
	if _, err := rand.Read(n[:]); err != nil {
		return n, fmt.Errorf("crypto: generating nonce: %w", err)
	}
	return n, nil
}

// Separator returns keccak256(abi.encode(typeHash, name, version, chainId, verifyingContract)).
func (d Domain) Separator() []byte {
	return ethcrypto.Keccak256(
		concatBytes(
			eip712DomainTypeHash,
			ethcrypto.Keccak256([]byte(d.Name)),
			ethcrypto.Keccak256([]byte(d.Version)),
			bigIntTo32Bytes(big.NewInt(d.ChainID)),
			common.LeftPadBytes(d.VerifyingContract.Bytes(), 32),
		),
	)
}

// Digest returns the EIP-712 hash an owner signs for m.
func (d Domain) Digest(m Delegation) []byte {
	structHash := ethcrypto.Keccak256(
		concatBytes(
			delegationTypeHash,
			common.LeftPadBytes(m.Owner.Bytes(), 32),
			common.LeftPadBytes(m.Delegate.Bytes(), 32),
			common.LeftPadBytes(m.Collateral.Bytes(), 32),
			common.LeftPadBytes(m.Debt.Bytes(), 32),
			bigIntTo32Bytes(big.NewInt(m.ThresholdBps)),
			m.Nonce[:],
			bigIntTo32Bytes(big.NewInt(m.IssuedAt.Unix())),
		),
	)
	return eip712Hash(d.Separator(), structHash)
}

// RevocationDigest returns the EIP-712 hash an owner signs for r.
func (d Domain) RevocationDigest(r Revocation) []byte {
	structHash := ethcrypto.Keccak256(
		concatBytes(
			revocationTypeHash,
			common.LeftPadBytes(r.Owner.Bytes(), 32),
			r.Nonce[:],
		),
	)
	return eip712Hash(d.Separator(), structHash)
}

// TypedData renders m in the eth_signTypedData_v4 layout wallets expect.
// Owners receive it with zero collateral, debt and threshold and fill those
// fields in before signing.
func (d Domain) TypedData(m Delegation) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": domainFields(),
			"Delegation": {
				{Name: "owner", Type: "address"},
				{Name: "delegate", Type: "address"},
				{Name: "collateral", Type: "address"},
				{Name: "debt", Type: "address"},
				{Name: "thresholdBps", Type: "uint256"},
				{Name: "nonce", Type: "bytes32"},
				{Name: "issuedAt", Type: "uint256"},
			},
		},
		PrimaryType: "Delegation",
		Domain:      d.typedDomain(),
		Message: apitypes.TypedDataMessage{
			"owner":        m.Owner.Hex(),
			"delegate":     m.Delegate.Hex(),
			"collateral":   m.Collateral.Hex(),
			"debt":         m.Debt.Hex(),
			"thresholdBps": big.NewInt(m.ThresholdBps).String(),
			"nonce":        hexutil.Encode(m.Nonce[:]),
			"issuedAt":     big.NewInt(m.IssuedAt.Unix()).String(),
		},
	}
}

// RevocationTypedData renders r in the eth_signTypedData_v4 layout.
func (d Domain) RevocationTypedData(r Revocation) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": domainFields(),
			"Revocation": {
				{Name: "owner", Type: "address"},
				{Name: "nonce", Type: "bytes32"},
			},
		},
		PrimaryType: "Revocation",
		Domain:      d.typedDomain(),
		Message: apitypes.TypedDataMessage{
			"owner": r.Owner.Hex(),
			"nonce": hexutil.Encode(r.Nonce[:]),
		},
	}
}

func (d Domain) typedDomain() apitypes.TypedDataDomain {
	return apitypes.TypedDataDomain{
		Name:              d.Name,
		Version:           d.Version,
		ChainId:           (*math.HexOrDecimal256)(big.NewInt(d.ChainID)),
		VerifyingContract: d.VerifyingContract.Hex(),
	}
}

func domainFields() []apitypes.Type {
	return []apitypes.Type{
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	}
}

// eip712Hash computes keccak256("\x19\x01" || domainSeparator || structHash).
func eip712Hash(domainSep, structHash []byte) []byte {
	return ethcrypto.Keccak256(
		concatBytes(
			[]byte{0x19, 0x01},
			domainSep,
			structHash,
		),
	)
}

// bigIntTo32Bytes returns a 32-byte big-endian representation of n.
func bigIntTo32Bytes(n *big.Int) []byte {
	return common.LeftPadBytes(n.Bytes(), 32)
}

func concatBytes(slices ...[]byte) []byte {
	total := 0
	for _, s := range slices {
		total += len(s)
	}
	buf := make([]byte, 0, total)
	for _, s := range slices {
		buf = append(buf, s...)
	}
	return buf
}
