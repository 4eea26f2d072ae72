package p2p

import (
	"errors"
	"math/big"
	"testing"

	"github.com/Zollkron/gamerchain-sub000/common"
	"github.com/Zollkron/gamerchain-sub000/core/types"
	"github.com/Zollkron/gamerchain-sub000/crypto"
)

func testAddr(seed byte) common.Address {
	return crypto.PubkeyToAddress(crypto.PublicFromPrivate(testKey(seed)))
}

func testTx(t *testing.T, seed byte, nonce uint64) *types.Transaction {
	t.Helper()
	key := testKey(seed)
	tx := types.NewTransaction(types.TxTransfer, testAddr(seed), testAddr(seed+1),
		big.NewInt(1000), big.NewInt(10), nonce, nil)
	signed, err := types.SignTx(tx, key)
	if err != nil {
		t.Fatalf("failed to sign transaction: %v", err)
	}
	return signed
}

func testBlock(t *testing.T, height uint64, seed byte) *types.Block {
	t.Helper()
	key := testKey(seed)
	header := &types.Header{
		Height:     height,
		ParentHash: crypto.Sha3Hash([]byte{byte(height)}),
		Proposer:   testAddr(seed),
		Timestamp:  1_700_000_000_000 + height,
	}
	block := types.NewBlock(header, nil)
	return block.WithSeal(types.SealHeader(block.Header(), key))
}

func TestHandshakeEncodeDecode(t *testing.T) {
	hs := &Handshake{
		NetworkID:   "gamerchain",
		Role:        RoleAINode,
		Pioneer:     true,
		TipHeight:   1234,
		GenesisHash: crypto.Sha3Hash([]byte("genesis")),
		ListenAddr:  "203.0.113.7:30305",
	}
	decoded, err := DecodeHandshake(EncodeHandshake(hs))
	if err != nil {
		t.Fatalf("failed to decode handshake: %v", err)
	}
	if *decoded != *hs {
		t.Fatalf("handshake mismatch: have %+v, want %+v", decoded, hs)
	}
}

func TestDecodeHandshakeRejectsBadFields(t *testing.T) {
	hs := &Handshake{NetworkID: "gamerchain", Role: RoleObserver}
	good := EncodeHandshake(hs)

	// Undefined role value.
	bad := append([]byte(nil), good...)
	bad[1+4+len(hs.NetworkID)] = 0x7f
	if _, err := DecodeHandshake(bad); !errors.Is(err, errPayloadMalformed) {
		t.Fatalf("bad role: have %v, want %v", err, errPayloadMalformed)
	}

	// Pioneer flag outside {0, 1}.
	bad = append([]byte(nil), good...)
	bad[1+4+len(hs.NetworkID)+1] = 2
	if _, err := DecodeHandshake(bad); !errors.Is(err, errPayloadMalformed) {
		t.Fatalf("bad pioneer flag: have %v, want %v", err, errPayloadMalformed)
	}

	// Trailing bytes after a complete handshake.
	if _, err := DecodeHandshake(append(append([]byte(nil), good...), 0)); !errors.Is(err, errPayloadMalformed) {
		t.Fatalf("trailing bytes: have %v, want %v", err, errPayloadMalformed)
	}

	// Wrong protocol version.
	bad = append([]byte(nil), good...)
	bad[0] = ProtocolVersion + 1
	if _, err := DecodeHandshake(bad); !errors.Is(err, errProtocolMismatch) {
		t.Fatalf("wrong version: have %v, want %v", err, errProtocolMismatch)
	}

	// Truncated payload.
	if _, err := DecodeHandshake(good[:len(good)-1]); err == nil {
		t.Fatalf("truncated handshake decoded without error")
	}
}

func TestHeartbeatEncodeDecode(t *testing.T) {
	hb, err := DecodeHeartbeat(EncodeHeartbeat(&Heartbeat{TipHeight: 42}))
	if err != nil {
		t.Fatalf("failed to decode heartbeat: %v", err)
	}
	if hb.TipHeight != 42 {
		t.Fatalf("tip height mismatch: have %d, want 42", hb.TipHeight)
	}
	if _, err := DecodeHeartbeat([]byte{ProtocolVersion, 0, 0}); !errors.Is(err, errPayloadTooShort) {
		t.Fatalf("short heartbeat: have %v, want %v", err, errPayloadTooShort)
	}
}

func TestTransactionsEncodeDecode(t *testing.T) {
	txs := types.Transactions{
		testTx(t, 0x20, 0),
		testTx(t, 0x21, 7),
		testTx(t, 0x20, 1),
	}
	payload, err := EncodeTransactions(txs)
	if err != nil {
		t.Fatalf("failed to encode transactions: %v", err)
	}
	decoded, err := DecodeTransactions(payload)
	if err != nil {
		t.Fatalf("failed to decode transactions: %v", err)
	}
	if len(decoded) != len(txs) {
		t.Fatalf("transaction count mismatch: have %d, want %d", len(decoded), len(txs))
	}
	for i := range txs {
		if decoded[i].Hash() != txs[i].Hash() {
			t.Fatalf("tx %d hash mismatch: have %x, want %x", i, decoded[i].Hash(), txs[i].Hash())
		}
	}
}

func TestTransactionsBatchBound(t *testing.T) {
	batch := make(types.Transactions, maxGossipTxs+1)
	tx := testTx(t, 0x22, 0)
	for i := range batch {
		batch[i] = tx
	}
	if _, err := EncodeTransactions(batch); !errors.Is(err, errPayloadMalformed) {
		t.Fatalf("oversized batch encode: have %v, want %v", err, errPayloadMalformed)
	}

	payload, err := EncodeTransactions(batch[:1])
	if err != nil {
		t.Fatalf("failed to encode batch: %v", err)
	}
	// Rewrite the count field beyond the bound; the decoder must reject it
	// before looking at any entry.
	payload[1], payload[2], payload[3], payload[4] = 0xff, 0xff, 0xff, 0xff
	if _, err := DecodeTransactions(payload); !errors.Is(err, errPayloadMalformed) {
		t.Fatalf("oversized batch decode: have %v, want %v", err, errPayloadMalformed)
	}
}

func TestBlockRequestResponseEncodeDecode(t *testing.T) {
	req, err := DecodeBlockRequest(EncodeBlockRequest(&BlockRequest{Height: 99}))
	if err != nil {
		t.Fatalf("failed to decode block request: %v", err)
	}
	if req.Height != 99 {
		t.Fatalf("height mismatch: have %d, want 99", req.Height)
	}

	block := testBlock(t, 99, 0x23)
	payload, err := EncodeBlockResponse(&BlockResponse{Height: 99, Block: block})
	if err != nil {
		t.Fatalf("failed to encode block response: %v", err)
	}
	resp, err := DecodeBlockResponse(payload)
	if err != nil {
		t.Fatalf("failed to decode block response: %v", err)
	}
	if resp.Height != 99 || resp.Block == nil || resp.Block.Hash() != block.Hash() {
		t.Fatalf("block response mismatch: have height %d hash %v", resp.Height, resp.Block.Hash())
	}

	// A miss travels as an empty block blob.
	payload, err = EncodeBlockResponse(&BlockResponse{Height: 7})
	if err != nil {
		t.Fatalf("failed to encode miss response: %v", err)
	}
	resp, err = DecodeBlockResponse(payload)
	if err != nil {
		t.Fatalf("failed to decode miss response: %v", err)
	}
	if resp.Height != 7 || resp.Block != nil {
		t.Fatalf("miss response mismatch: have height %d block %v", resp.Height, resp.Block)
	}
}

func TestPeerExchangeEncodeDecode(t *testing.T) {
	x := &PeerExchange{Addrs: []string{"192.0.2.1:30305", "192.0.2.2:30305"}}
	decoded, err := DecodePeerExchange(EncodePeerExchange(x))
	if err != nil {
		t.Fatalf("failed to decode peer exchange: %v", err)
	}
	if len(decoded.Addrs) != 2 || decoded.Addrs[0] != x.Addrs[0] || decoded.Addrs[1] != x.Addrs[1] {
		t.Fatalf("peer exchange mismatch: have %v, want %v", decoded.Addrs, x.Addrs)
	}
}

func TestPeerExchangeTruncatesToBound(t *testing.T) {
	addrs := make([]string, maxExchangeAddrs+10)
	for i := range addrs {
		addrs[i] = "192.0.2.1:30305"
	}
	decoded, err := DecodePeerExchange(EncodePeerExchange(&PeerExchange{Addrs: addrs}))
	if err != nil {
		t.Fatalf("failed to decode truncated exchange: %v", err)
	}
	if len(decoded.Addrs) != maxExchangeAddrs {
		t.Fatalf("address count: have %d, want %d", len(decoded.Addrs), maxExchangeAddrs)
	}
}
