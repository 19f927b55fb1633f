package crypto

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Signer signs swap transactions for one chain.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
	chainID *big.Int
	signer  types.Signer
}

// NewSigner binds key to chainID. London-era (EIP-1559) and legacy EIP-155
// transactions are both accepted.
func NewSigner(key *ecdsa.PrivateKey, chainID int64) (*Signer, error) {
	if key == nil {
		return nil, ErrNoKey
	}
	if chainID <= 0 {
		return nil, fmt.Errorf("crypto/signer: invalid chain id %d", chainID)
	}
	id := big.NewInt(chainID)
	return &Signer{
		key:     key,
		address: ethcrypto.PubkeyToAddress(key.PublicKey),
		chainID: id,
		signer:  types.LatestSignerForChainID(id),
	}, nil
}

// Address is the account swaps are sent from.
func (s *Signer) Address() common.Address {
	return s.address
}

// ChainID returns the bound chain ID.
func (s *Signer) ChainID() *big.Int {
	return new(big.Int).Set(s.chainID)
}

// SignTx signs tx for the bound chain.
func (s *Signer) SignTx(tx *types.Transaction) (*types.Transaction, error) {
	signed, err := types.SignTx(tx, s.signer, s.key)
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: sign tx: %w", err)
	}
	return signed, nil
}

// SignerFn adapts the signer to bind.TransactOpts.Signer. Requests for any
// other account are refused.
func (s *Signer) SignerFn(from common.Address, tx *types.Transaction) (*types.Transaction, error) {
	if from != s.address {
		return nil, errors.New("crypto/signer: not authorized to sign for this account")
	}
	return s.SignTx(tx)
}

// Sender recovers the sender of a signed transaction.
func (s *Signer) Sender(tx *types.Transaction) (common.Address, error) {
	return types.Sender(s.signer, tx)
}
