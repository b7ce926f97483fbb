package web3

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Signer wraps the ECDSA private key of a funded dispatch account. It is a
// thin alias over the go-ethereum key type so transact helpers can cast it
// back when signing.
type Signer ecdsa.PrivateKey

// Address returns the Ethereum address derived from the signer public key.
func (s *Signer) Address() common.Address {
	return ethcrypto.PubkeyToAddress(s.PublicKey)
}

// NewSignerFromHex creates a Signer from a hex-encoded private key. A 0x
// prefix is accepted.
func NewSignerFromHex(hexKey string) (*Signer, error) {
	if len(hexKey) >= 2 && hexKey[0:2] == "0x" {
		hexKey = hexKey[2:]
	}
	key, err := ethcrypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("could not parse private key: %w", err)
	}
	return (*Signer)(key), nil
}
