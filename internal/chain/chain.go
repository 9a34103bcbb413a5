// Package chain implements the snapshot chain (spec §3): a doubly linked,
// chronologically ordered list whose head is the newest snapshot. Writers
// hold snapshot_mutex (internal/guard); readers — notably the COW path's
// "map check" (spec §5) — read without it via a lock-free atomic snapshot
// of the chain's order, using benbjohnson/immutable for a persistent list
// that old readers can keep iterating safely while a writer swaps in a new
// version.
package chain

import (
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/immutable"

	"github.com/flycow/snapfs/internal/hostfs"
	"github.com/flycow/snapfs/internal/super"
)

// Node is one snapshot's chain membership state, a thin projection of
// hostfs.Inode plus the dynamic flags the lifecycle manager recomputes.
type Node struct {
	Ino   hostfs.InodeID
	Flags super.Flag
}

func (n Node) HasFlag(f super.Flag) bool { return n.Flags&f == f }

// view is the immutable snapshot swapped atomically on every write. order
// holds inode ids newest-first; nodes is looked up by id. Both are
// replaced together so a reader never observes an order/nodes mismatch.
type view struct {
	order *immutable.List[hostfs.InodeID]
	nodes map[hostfs.InodeID]Node
}

// Chain is the snapshot chain. The zero value is not usable; use New.
type Chain struct {
	mu  sync.Mutex // serializes writers; spec's snapshot_mutex covers this at a higher level too
	cur atomic.Pointer[view]
}

// New returns an empty chain.
func New() *Chain {
	c := &Chain{}
	c.cur.Store(&view{order: immutable.NewList[hostfs.InodeID](), nodes: map[hostfs.InodeID]Node{}})
	return c
}

// Head returns the newest snapshot on the chain, if any.
func (c *Chain) Head() (hostfs.InodeID, bool) {
	v := c.cur.Load()
	if v.order.Len() == 0 {
		return 0, false
	}
	return v.order.Get(0), true
}

// Node returns the chain-membership state for ino.
func (c *Chain) Node(ino hostfs.InodeID) (Node, bool) {
	v := c.cur.Load()
	n, ok := v.nodes[ino]
	return n, ok
}

// All returns every node, newest first. Safe to call without holding any
// lock; iterates a point-in-time immutable snapshot.
func (c *Chain) All() []Node {
	v := c.cur.Load()
	out := make([]Node, 0, v.order.Len())
	itr := v.order.Iterator()
	for !itr.Done() {
		_, ino := itr.Next()
		out = append(out, v.nodes[ino])
	}
	return out
}

// Newer returns the chain entry immediately newer (closer to head) than
// ino, if ino is not already the head.
func (c *Chain) Newer(ino hostfs.InodeID) (Node, bool) {
	v := c.cur.Load()
	itr := v.order.Iterator()
	var prev hostfs.InodeID
	havePrev := false
	for !itr.Done() {
		_, cur := itr.Next()
		if cur == ino {
			if havePrev {
				return v.nodes[prev], true
			}
			return Node{}, false
		}
		prev, havePrev = cur, true
	}
	return Node{}, false
}

// Older returns the chain entry immediately older than ino, if any.
func (c *Chain) Older(ino hostfs.InodeID) (Node, bool) {
	v := c.cur.Load()
	itr := v.order.Iterator()
	found := false
	for !itr.Done() {
		_, cur := itr.Next()
		if found {
			return v.nodes[cur], true
		}
		if cur == ino {
			found = true
		}
	}
	return Node{}, false
}

// InsertHead adds n at the head of the chain (spec §4.E create step 3).
// Must be called with snapshot_mutex held by the caller (internal/guard).
func (c *Chain) InsertHead(n Node) {
	c.mu.Lock()
	defer c.mu.Unlock()
	old := c.cur.Load()
	newOrder := old.order.Prepend(n.Ino)
	newNodes := make(map[hostfs.InodeID]Node, len(old.nodes)+1)
	for k, v := range old.nodes {
		newNodes[k] = v
	}
	newNodes[n.Ino] = n
	c.cur.Store(&view{order: newOrder, nodes: newNodes})
}

// Update replaces an existing node's flags in place without moving its
// chain position, used by the update/reconciliation pass (spec §4.E) to
// recompute ACTIVE/INUSE/deleted flags.
func (c *Chain) Update(n Node) {
	c.mu.Lock()
	defer c.mu.Unlock()
	old := c.cur.Load()
	if _, ok := old.nodes[n.Ino]; !ok {
		return
	}
	newNodes := make(map[hostfs.InodeID]Node, len(old.nodes))
	for k, v := range old.nodes {
		newNodes[k] = v
	}
	newNodes[n.Ino] = n
	c.cur.Store(&view{order: old.order, nodes: newNodes})
}

// Remove unlinks ino from the chain entirely (spec §4.E remove).
func (c *Chain) Remove(ino hostfs.InodeID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	old := c.cur.Load()
	if _, ok := old.nodes[ino]; !ok {
		return
	}
	builder := immutable.NewListBuilder[hostfs.InodeID]()
	itr := old.order.Iterator()
	for !itr.Done() {
		_, cur := itr.Next()
		if cur != ino {
			builder.Append(cur)
		}
	}
	newNodes := make(map[hostfs.InodeID]Node, len(old.nodes)-1)
	for k, v := range old.nodes {
		if k != ino {
			newNodes[k] = v
		}
	}
	c.cur.Store(&view{order: builder.List(), nodes: newNodes})
}

// Len reports how many snapshots are currently on the chain.
func (c *Chain) Len() int {
	return c.cur.Load().order.Len()
}
