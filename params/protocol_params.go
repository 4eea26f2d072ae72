package params

const (
	MaxMemoLength = 256 // Maximum transaction memo size in bytes.

	// MaxMessageSize bounds a single framed wire message, envelope included.
	// A full block at MaxTxsPerBlock with maximal memos stays well below it.
	MaxMessageSize = 8 * 1024 * 1024

	// DefaultPoolCapacity is the transaction pool bound when the node config
	// leaves it unset.
	DefaultPoolCapacity = 16_384

	// BalanceSnapshotInterval is the number of blocks between full balance
	// snapshots. Recovery replays at most this many blocks over the last
	// snapshot.
	BalanceSnapshotInterval uint64 = 1024

	// GossipSeenTTLMs is how long a gossip message id is remembered for
	// duplicate suppression.
	GossipSeenTTLMs = 60_000

	// AvoidListTTLMs is how long a misbehaving remote is refused reconnection
	// after a signature failure.
	AvoidListTTLMs = 300_000

	// ReputationScoreCeiling is the voluntary-burn score at which the
	// reputation multiplier saturates at its maximum.
	ReputationScoreCeiling = 1_000_000
)
