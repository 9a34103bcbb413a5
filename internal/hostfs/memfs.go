package hostfs

import (
	"context"
	"fmt"
	"sync"

	"github.com/flycow/snapfs/internal/block"
)

// MemDevice is an in-memory BlockDevice: a flat slice of blocks. It backs
// both the "live volume" and every snapshot file's logical address space in
// the demo/test harness — callers address snapshot file contents through
// MemAllocator's block maps, never directly through a MemDevice block
// number collision with the live volume (each inode's logical blocks are
// physical blocks in their own private MemDevice instance).
type MemDevice struct {
	mu     sync.RWMutex
	blocks map[block.Number]*BufferHead
	count  uint32
}

// NewMemDevice returns a MemDevice sized to hold blockCount blocks, all
// initially zeroed and absent from the cache (populated lazily on first
// read, matching a real buffer cache's behavior).
func NewMemDevice(blockCount uint32) *MemDevice {
	return &MemDevice{blocks: make(map[block.Number]*BufferHead), count: blockCount}
}

func (d *MemDevice) ReadBlock(_ context.Context, p block.Number) (*BufferHead, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	bh, ok := d.blocks[p]
	if !ok {
		bh = &BufferHead{Block: p, Uptodate: true}
		d.blocks[p] = bh
	}
	return bh, nil
}

func (d *MemDevice) SyncDirtyBuffer(_ context.Context, p block.Number) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if bh, ok := d.blocks[p]; ok {
		bh.Dirty = false
	}
	return nil
}

func (d *MemDevice) BlockCount() uint32 { return d.count }

// Write is a test/demo convenience not on the BlockDevice interface: it
// sets a block's contents directly and marks it present and uptodate,
// used by internal/seed to materialize S3-sourced content.
func (d *MemDevice) Write(p block.Number, data block.Bitmap) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.blocks[p] = &BufferHead{Block: p, Data: data, Uptodate: true}
}

// blockMap is a logical->physical mapping for one inode, keyed by logical
// block only; there is no physical->logical index.
type blockMap struct {
	byLogical map[block.Number]block.Number
}

// MemAllocator is an in-memory Allocator. It owns a private free-block
// counter for the reserved snapshot region (spec treats the snapshot file's
// address space as sparse and backed by its own allocation pool, distinct
// from the live volume's allocator) and per-inode block maps.
type MemAllocator struct {
	mu sync.Mutex

	maps map[InodeID]*blockMap

	// nextSnapBlock is a monotonically increasing counter used to mint
	// fresh physical blocks for COW'd content; it never collides with
	// live-volume physical block numbers because the demo harness keeps
	// snapshot content in a separate MemDevice addressed by these numbers.
	nextSnapBlock block.Number
	capacity      block.Number

	// quota tracks per-inode block usage for the MOW debit (spec §4.C:
	// "debit the live inode's quota by the moved count").
	quota map[InodeID]uint32
}

// NewMemAllocator returns an allocator with capacity fresh blocks available
// for COW/MOW allocation.
func NewMemAllocator(capacity block.Number) *MemAllocator {
	return &MemAllocator{
		maps:     make(map[InodeID]*blockMap),
		capacity: capacity,
		quota:    make(map[InodeID]uint32),
	}
}

func (a *MemAllocator) mapFor(id InodeID) *blockMap {
	m, ok := a.maps[id]
	if !ok {
		m = &blockMap{byLogical: make(map[block.Number]block.Number)}
		a.maps[id] = m
	}
	return m
}

func (a *MemAllocator) AllocateAt(_ context.Context, snap InodeID, phys block.Number, intent AllocIntent) (block.Number, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	logical := block.SnapshotIBlock(phys)
	m := a.mapFor(snap)
	if existing, ok := m.byLogical[logical]; ok {
		return existing, fmt.Errorf("hostfs: block %d of inode %d: %w", logical, snap, ErrAlreadyMapped)
	}
	if a.nextSnapBlock >= a.capacity {
		return 0, ErrNoSpace
	}
	newBlock := a.nextSnapBlock
	a.nextSnapBlock++
	m.byLogical[logical] = newBlock
	if intent == AllocMove {
		a.quota[snap]++
	}
	return newBlock, nil
}

func (a *MemAllocator) Move(_ context.Context, live, snap InodeID, phys block.Number) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	logical := block.SnapshotIBlock(phys)
	snapMap := a.mapFor(snap)
	if _, ok := snapMap.byLogical[logical]; ok {
		return fmt.Errorf("hostfs: block %d of inode %d: %w", logical, snap, ErrAlreadyMapped)
	}
	snapMap.byLogical[logical] = phys

	liveMap := a.mapFor(live)
	delete(liveMap.byLogical, logical)
	if a.quota[live] > 0 {
		a.quota[live]--
	}
	return nil
}

func (a *MemAllocator) Free(_ context.Context, inode InodeID, start block.Number, count uint32) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	m := a.mapFor(inode)
	for i := uint32(0); i < count; i++ {
		logical := block.SnapshotIBlock(start + block.Number(i))
		delete(m.byLogical, logical)
	}
	return nil
}

func (a *MemAllocator) MappingAt(_ context.Context, snap InodeID, phys block.Number) (block.Number, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	m := a.mapFor(snap)
	b, ok := m.byLogical[block.SnapshotIBlock(phys)]
	return b, ok
}

// FreeAll drops inode's entire block map, the truncate-to-zero special case
// spec §4.E's Remove operation performs on a snapshot inode.
func (a *MemAllocator) FreeAll(_ context.Context, inode InodeID) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	delete(a.maps, inode)
	delete(a.quota, inode)
	return nil
}

// MergeInto folds from's block map into into's, keeping into's own entry
// wherever one already exists at the same logical offset (spec §4.E Merge).
func (a *MemAllocator) MergeInto(_ context.Context, from, into InodeID) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	fromMap := a.mapFor(from)
	intoMap := a.mapFor(into)
	for logical, phys := range fromMap.byLogical {
		if _, ok := intoMap.byLogical[logical]; ok {
			continue
		}
		intoMap.byLogical[logical] = phys
	}
	delete(a.maps, from)
	a.quota[into] += a.quota[from]
	delete(a.quota, from)
	return nil
}

// Quota reports how many blocks are currently charged to inode, for tests.
func (a *MemAllocator) Quota(inode InodeID) uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.quota[inode]
}

// Remaining reports how many fresh blocks the allocator can still mint,
// satisfying internal/guard's AllocatorInspector.
func (a *MemAllocator) Remaining() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.nextSnapBlock >= a.capacity {
		return 0
	}
	return uint32(a.capacity - a.nextSnapBlock)
}

// MemInodeTable is an in-memory InodeTable.
type MemInodeTable struct {
	mu      sync.Mutex
	inodes  map[InodeID]*Inode
	nextIno InodeID
}

// NewMemInodeTable returns an inode table whose first allocated inode
// number is firstFree (well-known inodes below that, e.g. the exclude
// inode, are reserved by the caller before any allocation happens).
func NewMemInodeTable(firstFree InodeID) *MemInodeTable {
	return &MemInodeTable{inodes: make(map[InodeID]*Inode), nextIno: firstFree}
}

func (t *MemInodeTable) Lookup(_ context.Context, id InodeID) (*Inode, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ino, ok := t.inodes[id]
	if !ok {
		return nil, fmt.Errorf("hostfs: inode %d: %w", id, ErrNotFound)
	}
	cp := *ino
	return &cp, nil
}

func (t *MemInodeTable) Save(_ context.Context, inode *Inode) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := *inode
	t.inodes[inode.ID] = &cp
	return nil
}

func (t *MemInodeTable) Allocate(_ context.Context) (InodeID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextIno
	t.nextIno++
	t.inodes[id] = &Inode{ID: id}
	return id, nil
}

// MemJournal is an in-memory JournalManager. Transactions are simple
// incrementing counters with a fixed starting credit budget; ExtendCredits
// always succeeds by minting a fresh transaction id, matching the "restart
// the transaction" fallback (spec §9).
type MemJournal struct {
	mu          sync.Mutex
	nextTxnID   InodeID
	defaultCred uint32
	frozen      bool
}

// NewMemJournal returns a journal manager handing out transactions with
// defaultCredits credits each.
func NewMemJournal(defaultCredits uint32) *MemJournal {
	return &MemJournal{nextTxnID: 1, defaultCred: defaultCredits}
}

type txnKey struct{}

func (j *MemJournal) Current(ctx context.Context) (*Transaction, error) {
	if txn, ok := ctx.Value(txnKey{}).(*Transaction); ok {
		return txn, nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	txn := &Transaction{ID: j.nextTxnID, CreditsRemaining: j.defaultCred}
	j.nextTxnID++
	return txn, nil
}

// WithTransaction binds an explicit transaction into ctx, letting callers
// (notably internal/journal) thread the same transaction across a chain of
// test_and_cow calls instead of minting a fresh one per call.
func WithTransaction(ctx context.Context, txn *Transaction) context.Context {
	return context.WithValue(ctx, txnKey{}, txn)
}

func (j *MemJournal) ExtendCredits(_ context.Context, txn *Transaction, want uint32) (*Transaction, error) {
	if txn.CreditsRemaining >= want {
		return txn, nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	fresh := &Transaction{ID: j.nextTxnID, CreditsRemaining: j.defaultCred}
	j.nextTxnID++
	return fresh, nil
}

func (j *MemJournal) Freeze(_ context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.frozen = true
	return nil
}

func (j *MemJournal) Unfreeze(_ context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.frozen = false
	return nil
}

// MemPageCache is a no-op PageCache that records invalidations for tests.
type MemPageCache struct {
	mu            sync.Mutex
	Invalidations []struct {
		Inode  InodeID
		Offset block.Number
	}
}

// NewMemPageCache returns an empty MemPageCache.
func NewMemPageCache() *MemPageCache { return &MemPageCache{} }

func (c *MemPageCache) InvalidateAbove(_ context.Context, inode InodeID, offset block.Number) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Invalidations = append(c.Invalidations, struct {
		Inode  InodeID
		Offset block.Number
	}{inode, offset})
	return nil
}
