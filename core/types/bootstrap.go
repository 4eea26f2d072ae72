package types

import (
	"math/big"

	"github.com/Zollkron/gamerchain-sub000/common"
	"github.com/Zollkron/gamerchain-sub000/crypto"
)

// BootstrapCommit is a pioneer's sealed endorsement of the genesis parameters
// during network formation. The genesis block forms once every pioneer has
// produced a commit endorsing the same system account set and initial
// liquidity; the genesis timestamp is the median of the proposed ones.
type BootstrapCommit struct {
	Pioneer          common.Address   // the endorsing pioneer
	SystemAccounts   []common.Address // well-known system accounts in canonical order
	InitialLiquidity *big.Int         // base units credited to the liquidity pool
	TimestampMs      uint64           // this pioneer's proposed genesis timestamp
	Seal             []byte
}

// Hash returns the commit id: the digest of the full canonical encoding. Used
// for gossip duplicate suppression.
func (c *BootstrapCommit) Hash() common.Hash {
	return crypto.Sha3Hash(encodeBootstrapCommit(c, true))
}

// SigHash returns the digest the pioneer seal signs.
func (c *BootstrapCommit) SigHash() common.Hash {
	return crypto.Sha3Hash(encodeBootstrapCommit(c, false))
}

// ParamsHash returns the digest of the endorsed genesis parameters alone.
// Pioneer identity, proposed timestamp and seal are excluded, so commits from
// two pioneers endorse the same genesis exactly when this digest matches.
func (c *BootstrapCommit) ParamsHash() common.Hash {
	return crypto.Sha3Hash(encodeBootstrapParams(c))
}

// CheckSeal verifies the pioneer seal.
func (c *BootstrapCommit) CheckSeal() error {
	if len(c.Seal) == 0 {
		return ErrMissingSeal
	}
	sig := c.SigHash()
	return crypto.VerifySeal(c.Pioneer, sig[:], c.Seal)
}

// SignBootstrapCommit seals the commit with the pioneer's key.
func SignBootstrapCommit(c *BootstrapCommit, priv crypto.PrivateKey) *BootstrapCommit {
	cpy := *c
	sig := c.SigHash()
	cpy.Seal = crypto.Seal(priv, sig[:])
	return &cpy
}
