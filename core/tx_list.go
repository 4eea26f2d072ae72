package core

import (
	"bytes"
	"container/heap"
	"sort"
	"time"

	"github.com/Zollkron/gamerchain-sub000/core/types"
)

// poolTx is a pooled transaction with its arrival bookkeeping. The sequence
// number fixes the submission order so equally attractive transactions leave
// the pool first come, first served.
type poolTx struct {
	tx      *types.Transaction
	seq     uint64
	arrived time.Time
}

// nonceHeap is a heap.Interface over nonces, keeping the lowest reachable.
type nonceHeap []uint64

func (h nonceHeap) Len() int           { return len(h) }
func (h nonceHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h nonceHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *nonceHeap) Push(x interface{}) {
	*h = append(*h, x.(uint64))
}

func (h *nonceHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// txList holds the pooled transactions of a single sender, sorted by nonce.
// The heap and the item map are kept in sync, so the head peek is always
// valid. Nonces need not be contiguous: the ledger only requires them to
// strictly increase.
type txList struct {
	items map[uint64]*poolTx
	index *nonceHeap
}

func newTxList() *txList {
	return &txList{
		items: make(map[uint64]*poolTx),
		index: new(nonceHeap),
	}
}

// Overlaps reports whether the list already holds the given nonce.
func (l *txList) Overlaps(nonce uint64) bool {
	return l.items[nonce] != nil
}

// Put inserts a transaction, refusing to overwrite an occupied nonce.
func (l *txList) Put(ptx *poolTx) bool {
	nonce := ptx.tx.Nonce()
	if l.items[nonce] != nil {
		return false
	}
	l.items[nonce] = ptx
	heap.Push(l.index, nonce)
	return true
}

// Head returns the lowest-nonce transaction without removing it, nil when the
// list is empty.
func (l *txList) Head() *poolTx {
	if l.index.Len() == 0 {
		return nil
	}
	return l.items[(*l.index)[0]]
}

// PopHead removes and returns the lowest-nonce transaction.
func (l *txList) PopHead() *poolTx {
	if l.index.Len() == 0 {
		return nil
	}
	nonce := heap.Pop(l.index).(uint64)
	ptx := l.items[nonce]
	delete(l.items, nonce)
	return ptx
}

// Remove deletes the transaction with the given nonce, reporting whether it
// was present.
func (l *txList) Remove(nonce uint64) (*poolTx, bool) {
	ptx := l.items[nonce]
	if ptx == nil {
		return nil, false
	}
	delete(l.items, nonce)
	for i := 0; i < l.index.Len(); i++ {
		if (*l.index)[i] == nonce {
			heap.Remove(l.index, i)
			break
		}
	}
	return ptx, true
}

// Forward removes every transaction with a nonce at or below threshold,
// returning the removed set. Used to drop entries a committed block made
// unplayable.
func (l *txList) Forward(threshold uint64) []*poolTx {
	var removed []*poolTx
	for l.index.Len() > 0 && (*l.index)[0] <= threshold {
		nonce := heap.Pop(l.index).(uint64)
		removed = append(removed, l.items[nonce])
		delete(l.items, nonce)
	}
	return removed
}

// Drop removes every transaction failing the predicate, returning the removed
// set. The heap is rebuilt from the survivors.
func (l *txList) Drop(unfit func(*poolTx) bool) []*poolTx {
	var removed []*poolTx
	for nonce, ptx := range l.items {
		if unfit(ptx) {
			removed = append(removed, ptx)
			delete(l.items, nonce)
		}
	}
	if len(removed) > 0 {
		*l.index = (*l.index)[:0]
		for nonce := range l.items {
			*l.index = append(*l.index, nonce)
		}
		heap.Init(l.index)
	}
	return removed
}

// Flatten returns the transactions in ascending nonce order.
func (l *txList) Flatten() types.Transactions {
	txs := make(types.Transactions, 0, len(l.items))
	for _, ptx := range l.items {
		txs = append(txs, ptx.tx)
	}
	sort.Slice(txs, func(i, j int) bool { return txs[i].Nonce() < txs[j].Nonce() })
	return txs
}

// Len returns the number of pooled transactions of the sender.
func (l *txList) Len() int {
	return len(l.items)
}

// senderHead is one sender's lowest-nonce pooled transaction weighted for
// inclusion: the sender's reputation tier first, the declared fee second,
// submission order third and the transaction id as the final tie break.
// Draining per sender head keeps each sender's nonces ascending inside a
// block, which the ledger's strictly-increasing nonce rule requires.
type senderHead struct {
	ptx  *poolTx
	tier int
}

// headHeap is a heap.Interface over sender heads, best first.
type headHeap []*senderHead

func (h headHeap) Len() int { return len(h) }

func (h headHeap) Less(i, j int) bool {
	if h[i].tier != h[j].tier {
		return h[i].tier > h[j].tier
	}
	if c := h[i].ptx.tx.Fee().Cmp(h[j].ptx.tx.Fee()); c != 0 {
		return c > 0
	}
	if h[i].ptx.seq != h[j].ptx.seq {
		return h[i].ptx.seq < h[j].ptx.seq
	}
	ih, jh := h[i].ptx.tx.Hash(), h[j].ptx.tx.Hash()
	return bytes.Compare(ih[:], jh[:]) < 0
}

func (h headHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *headHeap) Push(x interface{}) {
	*h = append(*h, x.(*senderHead))
}

func (h *headHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return x
}
