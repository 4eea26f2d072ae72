package core

import "errors"

var (
	// ErrKnownBlock is returned when the block to insert is already
	// committed. The insert is a no-op.
	ErrKnownBlock = errors.New("core: block already known")

	// ErrSideChainBlock is returned when the block to insert occupies a
	// committed height under a different hash. The chain never reorganises;
	// callers escalate this as a local fork.
	ErrSideChainBlock = errors.New("core: block conflicts with committed chain")

	// ErrNoGenesis is returned when operations requiring a formed chain run
	// against a database that never committed a genesis block.
	ErrNoGenesis = errors.New("core: genesis not found in chain")

	// ErrInvariantViolation is returned when a block breaks a structural
	// chain rule: a broken parent link, a non-increasing timestamp or a
	// malformed system transaction head.
	ErrInvariantViolation = errors.New("core: block invariant violation")

	// ErrDoubleSpend is returned when applying a block would drive a balance
	// below zero after the fee debit.
	ErrDoubleSpend = errors.New("core: transfer exceeds balance")

	// ErrBadTransactionInBlock is returned when a block carries a transaction
	// that fails stateless validation.
	ErrBadTransactionInBlock = errors.New("core: invalid transaction in block")
)

// Transaction pool rejection reasons. Every rejected submission maps onto
// exactly one of these so callers can act on the class without parsing text.
var (
	// ErrAlreadyKnown is returned when the submitted transaction is already
	// pooled. Gossip loops hit this constantly; it is not a failure.
	ErrAlreadyKnown = errors.New("core: transaction already known")

	// ErrBadSignature is returned when the transaction seal is missing, does
	// not verify or does not resolve to the declared sender.
	ErrBadSignature = errors.New("core: invalid transaction signature")

	// ErrUnknownSender is returned when the sender has never held a balance.
	ErrUnknownSender = errors.New("core: unknown sender")

	// ErrInsufficientBalance is returned when the sender balance cannot cover
	// amount plus the declared fee.
	ErrInsufficientBalance = errors.New("core: insufficient balance for amount plus fee")

	// ErrDuplicateNonce is returned when the nonce was already committed or
	// is already pending for the sender.
	ErrDuplicateNonce = errors.New("core: duplicate nonce")

	// ErrPoolFull is returned when the pool is at capacity.
	ErrPoolFull = errors.New("core: transaction pool is full")

	// ErrOversizedMemo is returned when the memo exceeds the protocol bound.
	ErrOversizedMemo = errors.New("core: memo exceeds size limit")

	// ErrSystemTx is returned when a system-tagged transaction is submitted;
	// system entries are authored by block construction, never accepted from
	// outside.
	ErrSystemTx = errors.New("core: system transactions cannot be submitted")

	// ErrBurnLocked is returned when a voluntary burn is submitted while the
	// fee split still carries a burn share.
	ErrBurnLocked = errors.New("core: voluntary burn locked until the burn share retires")

	// ErrBurnRecipient is returned when a voluntary burn pays anywhere but
	// the burn address.
	ErrBurnRecipient = errors.New("core: voluntary burn must pay the burn address")

	// ErrFaucetDisabled is returned when a faucet mint arrives on a network
	// whose configuration does not enable the faucet, or carries a fee.
	ErrFaucetDisabled = errors.New("core: faucet disabled on this network")

	// ErrSystemAddressSender is returned when a transaction tries to spend
	// from one of the protocol accounts.
	ErrSystemAddressSender = errors.New("core: system addresses cannot spend")
)
