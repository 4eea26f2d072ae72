package p2p

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/Zollkron/gamerchain-sub000/common"
	"github.com/Zollkron/gamerchain-sub000/core/types"
	"github.com/Zollkron/gamerchain-sub000/params"
)

// ProtocolVersion is the wire protocol generation. Every p2p payload encoding
// leads with this byte; consensus objects carry their own codec version and
// travel as-is.
const ProtocolVersion byte = 1

// Message codes of the gamerchain wire protocol.
const (
	MsgHandshake       byte = 0x01
	MsgHeartbeat       byte = 0x02
	MsgTxGossip        byte = 0x03
	MsgProposal        byte = 0x04
	MsgVote            byte = 0x05
	MsgCommitted       byte = 0x06
	MsgBlockRequest    byte = 0x07
	MsgBlockResponse   byte = 0x08
	MsgBootstrapCommit byte = 0x09
	MsgPeerExchange    byte = 0x0a
)

// codeName renders a message code for logs.
func codeName(code byte) string {
	switch code {
	case MsgHandshake:
		return "handshake"
	case MsgHeartbeat:
		return "heartbeat"
	case MsgTxGossip:
		return "tx-gossip"
	case MsgProposal:
		return "proposal"
	case MsgVote:
		return "vote"
	case MsgCommitted:
		return "committed"
	case MsgBlockRequest:
		return "block-request"
	case MsgBlockResponse:
		return "block-response"
	case MsgBootstrapCommit:
		return "bootstrap-commit"
	case MsgPeerExchange:
		return "peer-exchange"
	default:
		return fmt.Sprintf("unknown(%#x)", code)
	}
}

// Role is the advertised function of a node on the network.
type Role byte

const (
	// RoleAINode marks a node that runs the participation proof and takes
	// part in proposing and voting.
	RoleAINode Role = 0x01
	// RoleObserver marks a node that follows the chain without a validator
	// slot.
	RoleObserver Role = 0x02
)

// Valid reports whether the role is one of the defined functions.
func (r Role) Valid() bool {
	return r == RoleAINode || r == RoleObserver
}

func (r Role) String() string {
	switch r {
	case RoleAINode:
		return "ainode"
	case RoleObserver:
		return "observer"
	default:
		return "unknown"
	}
}

const (
	maxNetworkIDLen  = 64  // handshake network identifier
	maxAddrLen       = 128 // advertised dial address
	maxGossipTxs     = 256 // transactions per gossip message
	maxExchangeAddrs = 32  // addresses per peer exchange message
)

var (
	errPayloadTooShort  = errors.New("p2p: payload too short")
	errPayloadMalformed = errors.New("p2p: malformed payload")
	errProtocolMismatch = errors.New("p2p: unsupported protocol version")
)

// Handshake is the first message on every connection, sent by both sides
// simultaneously. The connection becomes a peer only if the network
// identifier, the genesis hash and the role pass the acceptance checks.
type Handshake struct {
	NetworkID   string
	Role        Role
	Pioneer     bool
	TipHeight   uint64
	GenesisHash common.Hash // zero while the chain has no genesis yet
	ListenAddr  string      // dialable address, empty when not listening
}

// EncodeHandshake serializes the handshake payload.
func EncodeHandshake(h *Handshake) []byte {
	out := make([]byte, 0, 64+len(h.NetworkID)+len(h.ListenAddr))
	out = append(out, ProtocolVersion)
	out = appendPayloadBytes(out, []byte(h.NetworkID))
	out = append(out, byte(h.Role))
	if h.Pioneer {
		out = append(out, 1)
	} else {
		out = append(out, 0)
	}
	out = binary.BigEndian.AppendUint64(out, h.TipHeight)
	out = append(out, h.GenesisHash[:]...)
	out = appendPayloadBytes(out, []byte(h.ListenAddr))
	return out
}

// DecodeHandshake decodes a handshake payload. The decode is strict: bounded
// fields, defined role values and no trailing bytes.
func DecodeHandshake(b []byte) (*Handshake, error) {
	rest, err := checkPayloadVersion(b)
	if err != nil {
		return nil, err
	}
	h := new(Handshake)

	network, rest, err := readPayloadBytes(rest, maxNetworkIDLen)
	if err != nil {
		return nil, fmt.Errorf("%w: network id", err)
	}
	h.NetworkID = string(network)
	if len(rest) < 2 {
		return nil, fmt.Errorf("%w: role", errPayloadTooShort)
	}
	h.Role = Role(rest[0])
	if !h.Role.Valid() {
		return nil, fmt.Errorf("%w: role %#x", errPayloadMalformed, rest[0])
	}
	switch rest[1] {
	case 0:
		h.Pioneer = false
	case 1:
		h.Pioneer = true
	default:
		return nil, fmt.Errorf("%w: pioneer flag %#x", errPayloadMalformed, rest[1])
	}
	rest = rest[2:]
	if h.TipHeight, rest, err = readPayloadUint64(rest); err != nil {
		return nil, fmt.Errorf("%w: tip height", err)
	}
	if len(rest) < common.HashLength {
		return nil, fmt.Errorf("%w: genesis hash", errPayloadTooShort)
	}
	copy(h.GenesisHash[:], rest[:common.HashLength])
	rest = rest[common.HashLength:]
	addr, rest, err := readPayloadBytes(rest, maxAddrLen)
	if err != nil {
		return nil, fmt.Errorf("%w: listen addr", err)
	}
	h.ListenAddr = string(addr)
	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: trailing bytes", errPayloadMalformed)
	}
	return h, nil
}

// Heartbeat is the periodic keep-alive. It carries the sender's tip height so
// lagging peers notice and pull.
type Heartbeat struct {
	TipHeight uint64
}

// EncodeHeartbeat serializes the heartbeat payload.
func EncodeHeartbeat(h *Heartbeat) []byte {
	out := make([]byte, 0, 9)
	out = append(out, ProtocolVersion)
	return binary.BigEndian.AppendUint64(out, h.TipHeight)
}

// DecodeHeartbeat decodes a heartbeat payload.
func DecodeHeartbeat(b []byte) (*Heartbeat, error) {
	rest, err := checkPayloadVersion(b)
	if err != nil {
		return nil, err
	}
	h := new(Heartbeat)
	if h.TipHeight, rest, err = readPayloadUint64(rest); err != nil {
		return nil, fmt.Errorf("%w: tip height", err)
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: trailing bytes", errPayloadMalformed)
	}
	return h, nil
}

// EncodeTransactions serializes a transaction gossip payload.
func EncodeTransactions(txs types.Transactions) ([]byte, error) {
	if len(txs) > maxGossipTxs {
		return nil, fmt.Errorf("%w: %d transactions", errPayloadMalformed, len(txs))
	}
	out := make([]byte, 0, 8+len(txs)*160)
	out = append(out, ProtocolVersion)
	out = binary.BigEndian.AppendUint32(out, uint32(len(txs)))
	for i, tx := range txs {
		blob, err := tx.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("tx[%d]: %w", i, err)
		}
		out = appendPayloadBytes(out, blob)
	}
	return out, nil
}

// DecodeTransactions decodes a transaction gossip payload. Every entry must
// decode strictly for the batch to be accepted.
func DecodeTransactions(b []byte) (types.Transactions, error) {
	rest, err := checkPayloadVersion(b)
	if err != nil {
		return nil, err
	}
	count, rest, err := readPayloadUint32(rest)
	if err != nil {
		return nil, fmt.Errorf("%w: count", err)
	}
	if count > maxGossipTxs {
		return nil, fmt.Errorf("%w: %d transactions", errPayloadMalformed, count)
	}
	txs := make(types.Transactions, 0, count)
	for i := uint32(0); i < count; i++ {
		blob, next, err := readPayloadBytes(rest, params.MaxMessageSize)
		if err != nil {
			return nil, fmt.Errorf("%w: tx[%d]", err, i)
		}
		tx, err := types.DecodeTransaction(blob)
		if err != nil {
			return nil, fmt.Errorf("tx[%d]: %w", i, err)
		}
		txs = append(txs, tx)
		rest = next
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: trailing bytes", errPayloadMalformed)
	}
	return txs, nil
}

// BlockRequest asks a peer for the committed block at a height, the catch-up
// pull path.
type BlockRequest struct {
	Height uint64
}

// EncodeBlockRequest serializes a block request payload.
func EncodeBlockRequest(r *BlockRequest) []byte {
	out := make([]byte, 0, 9)
	out = append(out, ProtocolVersion)
	return binary.BigEndian.AppendUint64(out, r.Height)
}

// DecodeBlockRequest decodes a block request payload.
func DecodeBlockRequest(b []byte) (*BlockRequest, error) {
	rest, err := checkPayloadVersion(b)
	if err != nil {
		return nil, err
	}
	r := new(BlockRequest)
	if r.Height, rest, err = readPayloadUint64(rest); err != nil {
		return nil, fmt.Errorf("%w: height", err)
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: trailing bytes", errPayloadMalformed)
	}
	return r, nil
}

// BlockResponse answers a BlockRequest. Block is nil when the responder does
// not have the height.
type BlockResponse struct {
	Height uint64
	Block  *types.Block
}

// EncodeBlockResponse serializes a block response payload.
func EncodeBlockResponse(r *BlockResponse) ([]byte, error) {
	out := make([]byte, 0, 64)
	out = append(out, ProtocolVersion)
	out = binary.BigEndian.AppendUint64(out, r.Height)
	if r.Block == nil {
		return binary.BigEndian.AppendUint32(out, 0), nil
	}
	blob, err := r.Block.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return appendPayloadBytes(out, blob), nil
}

// DecodeBlockResponse decodes a block response payload.
func DecodeBlockResponse(b []byte) (*BlockResponse, error) {
	rest, err := checkPayloadVersion(b)
	if err != nil {
		return nil, err
	}
	r := new(BlockResponse)
	if r.Height, rest, err = readPayloadUint64(rest); err != nil {
		return nil, fmt.Errorf("%w: height", err)
	}
	blob, rest, err := readPayloadBytes(rest, params.MaxMessageSize)
	if err != nil {
		return nil, fmt.Errorf("%w: block", err)
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: trailing bytes", errPayloadMalformed)
	}
	if len(blob) == 0 {
		return r, nil
	}
	if r.Block, err = types.DecodeBlock(blob); err != nil {
		return nil, err
	}
	return r, nil
}

// PeerExchange shares dialable peer addresses.
type PeerExchange struct {
	Addrs []string
}

// EncodePeerExchange serializes a peer exchange payload, truncating to the
// message bound.
func EncodePeerExchange(x *PeerExchange) []byte {
	addrs := x.Addrs
	if len(addrs) > maxExchangeAddrs {
		addrs = addrs[:maxExchangeAddrs]
	}
	out := make([]byte, 0, 8+len(addrs)*32)
	out = append(out, ProtocolVersion)
	out = binary.BigEndian.AppendUint32(out, uint32(len(addrs)))
	for _, addr := range addrs {
		out = appendPayloadBytes(out, []byte(addr))
	}
	return out
}

// DecodePeerExchange decodes a peer exchange payload.
func DecodePeerExchange(b []byte) (*PeerExchange, error) {
	rest, err := checkPayloadVersion(b)
	if err != nil {
		return nil, err
	}
	count, rest, err := readPayloadUint32(rest)
	if err != nil {
		return nil, fmt.Errorf("%w: count", err)
	}
	if count > maxExchangeAddrs {
		return nil, fmt.Errorf("%w: %d addresses", errPayloadMalformed, count)
	}
	x := new(PeerExchange)
	for i := uint32(0); i < count; i++ {
		var addr []byte
		if addr, rest, err = readPayloadBytes(rest, maxAddrLen); err != nil {
			return nil, fmt.Errorf("%w: addr[%d]", err, i)
		}
		x.Addrs = append(x.Addrs, string(addr))
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: trailing bytes", errPayloadMalformed)
	}
	return x, nil
}

func checkPayloadVersion(b []byte) ([]byte, error) {
	if len(b) < 1 {
		return nil, errPayloadTooShort
	}
	if b[0] != ProtocolVersion {
		return nil, fmt.Errorf("%w: got %d", errProtocolMismatch, b[0])
	}
	return b[1:], nil
}

// appendPayloadBytes appends a u32 length prefix followed by b.
func appendPayloadBytes(dst, b []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(b)))
	return append(dst, b...)
}

// readPayloadBytes consumes a u32 length prefixed byte field, rejecting
// lengths above limit before touching the payload.
func readPayloadBytes(b []byte, limit int) ([]byte, []byte, error) {
	size, rest, err := readPayloadUint32(b)
	if err != nil {
		return nil, nil, err
	}
	if int64(size) > int64(limit) {
		return nil, nil, fmt.Errorf("%w: field of %d bytes exceeds limit %d", errPayloadMalformed, size, limit)
	}
	if len(rest) < int(size) {
		return nil, nil, errPayloadTooShort
	}
	return rest[:size:size], rest[size:], nil
}

func readPayloadUint32(b []byte) (uint32, []byte, error) {
	if len(b) < 4 {
		return 0, nil, errPayloadTooShort
	}
	return binary.BigEndian.Uint32(b), b[4:], nil
}

func readPayloadUint64(b []byte) (uint64, []byte, error) {
	if len(b) < 8 {
		return 0, nil, errPayloadTooShort
	}
	return binary.BigEndian.Uint64(b), b[8:], nil
}
