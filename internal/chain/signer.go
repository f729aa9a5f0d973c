package chain

import (
	"fmt"

	"github.com/nspcc-dev/neo-go/pkg/crypto/keys"
	"github.com/nspcc-dev/neo-go/pkg/wallet"
)

// Signer holds the settlement account used to sign contract submissions.
type Signer struct {
	account *wallet.Account
}

// NewSigner creates a signer from a hex-encoded private key (no 0x prefix).
func NewSigner(privateKeyHex string) (*Signer, error) {
	pk, err := keys.NewPrivateKeyFromHex(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return &Signer{account: wallet.NewAccountFromPrivateKey(pk)}, nil
}

// Address returns the signer's on-chain address.
func (s *Signer) Address() string {
	return s.account.Address
}

// Sign signs an arbitrary settlement message. The contract verifies this
// signature against the registered settlement authority key.
func (s *Signer) Sign(message []byte) []byte {
	return s.account.PrivateKey().Sign(message)
}
