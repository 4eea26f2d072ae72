package node

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/Zollkron/gamerchain-sub000/core"
	"github.com/Zollkron/gamerchain-sub000/crypto"
	"github.com/Zollkron/gamerchain-sub000/p2p"
	"github.com/Zollkron/gamerchain-sub000/params"
	"github.com/Zollkron/gamerchain-sub000/poai"
)

// Config collects every option of one node instance. Zero values select the
// documented defaults; the chain configuration and the node key have none
// and are required.
type Config struct {
	// Name is the instance name used in logs and the datadir layout. It
	// must not contain path separators. Defaults to "gprgld".
	Name string

	// DataDir is the root directory for databases and lock files. Each
	// network id keeps its own subdirectory underneath, so one datadir
	// can host mainnet and testnet state side by side. Empty runs the
	// node fully in memory.
	DataDir string

	// Chain is the protocol configuration of the network this node joins
	// or, in pioneer mode, forms. Required.
	Chain *params.ChainConfig `toml:"-"`

	// Key is the node identity. The transport, votes, proposals and
	// genesis endorsements are all sealed with it. Required.
	Key crypto.PrivateKey `toml:"-"`

	// Validator enables the agreement role: the node votes on proposals
	// and produces blocks when the rotation hands it the proposer slot.
	// Without it the node follows the chain as an observer.
	Validator bool

	// Pioneer marks this node as part of the formation set of a network
	// that does not exist yet. Requires Validator.
	Pioneer bool

	// ListenAddr is the TCP address the networking layer accepts
	// connections on. Empty leaves a dial-only node.
	ListenAddr string

	// AdvertiseAddr overrides the address announced to peers and the
	// directory. Defaults to the bound listener address.
	AdvertiseAddr string

	// MaxPeers bounds the active peer set. Zero selects the networking
	// default.
	MaxPeers int

	// LowWater is the peer count below which the dialer queries the
	// directory for fresh candidates. Zero selects MaxPeers/4.
	LowWater int

	// EvictWhenFull selects evicting the least recently seen peer over
	// rejecting new connections once MaxPeers is reached.
	EvictWhenFull bool

	// HeartbeatInterval paces keep-alives on every peer connection.
	HeartbeatInterval time.Duration

	// DialBackoffMin and DialBackoffMax bound the exponential redial
	// backoff of the dialer.
	DialBackoffMin time.Duration
	DialBackoffMax time.Duration

	// StaticNodes are addresses dialed and redialed forever.
	StaticNodes []string

	// Directory is the optional external peer directory, queried when
	// the peer set runs low. Nil for static-only nodes.
	Directory p2p.Directory `toml:"-"`

	// Location is a free-form locality hint passed to the directory.
	Location string

	// HTTPAddr is the listen address of the HTTP API and the websocket
	// head stream. Empty disables the API.
	HTTPAddr string

	// HTTPCors is the allowed CORS origin list of the API. Empty serves
	// without CORS headers.
	HTTPCors []string

	// DatabaseCache is the chain database cache budget in megabytes.
	DatabaseCache int

	// DatabaseHandles caps the file descriptors the chain database may
	// hold open.
	DatabaseHandles int

	// Pool overrides the transaction pool tuning. Zero values select the
	// pool defaults.
	Pool core.TxPoolConfig

	// Solver is the optional challenge solver exercised once per
	// committed head. Consensus never depends on it; nil disables the
	// background solves.
	Solver poai.Solver `toml:"-"`
}

// name returns the instance name, applying the default.
func (c *Config) name() string {
	if c.Name == "" {
		return DefaultConfig.Name
	}
	return c.Name
}

// instanceDir returns the per-network state directory, empty in memory
// mode.
func (c *Config) instanceDir() string {
	if c.DataDir == "" {
		return ""
	}
	return filepath.Join(c.DataDir, c.Chain.NetworkID)
}

// chainDataDir returns the chain database directory, empty in memory mode.
func (c *Config) chainDataDir() string {
	if c.DataDir == "" {
		return ""
	}
	return filepath.Join(c.instanceDir(), chainDataDir)
}

// role maps the validator flag onto the advertised network role.
func (c *Config) role() p2p.Role {
	if c.Validator {
		return p2p.RoleAINode
	}
	return p2p.RoleObserver
}

// sanity validates the configuration before any resource is opened.
func (c *Config) sanity() error {
	if c.Chain == nil {
		return errors.New("node: chain configuration is required")
	}
	if err := c.Chain.Sanity(); err != nil {
		return fmt.Errorf("node: %v", err)
	}
	if len(c.Key) == 0 {
		return errors.New("node: node key is required")
	}
	if strings.ContainsAny(c.name(), `/\`) {
		return errors.New("node: instance name must not contain path separators")
	}
	if c.Pioneer && !c.Validator {
		return errors.New("node: pioneer mode requires the validator role")
	}
	return nil
}
