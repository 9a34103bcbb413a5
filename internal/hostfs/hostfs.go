// Package hostfs defines the external collaborators the snapshot core
// consumes from the host file system (spec §6): the block device, the
// buffer cache, the allocator, the inode table, the journal manager, and
// the page cache. Only the interfaces the core actually calls are
// specified here; everything else about the host fs is out of scope.
//
// memfs.go provides an in-memory reference implementation of all of these,
// sufficient for tests and for the cmd/snapfsd demo/monitor commands. A real
// deployment would instead adapt these interfaces onto an actual block
// device and journaling layer; the core never imports memfs directly.
package hostfs

import (
	"context"
	"errors"

	"github.com/flycow/snapfs/internal/block"
)

// InodeID identifies an inode on the host fs. Inode 0 is never valid.
type InodeID uint32

// ErrNotFound is returned by lookups that miss.
var ErrNotFound = errors.New("hostfs: not found")

// ErrNoSpace is returned by the allocator when the live volume or the
// reserved snapshot region is exhausted.
var ErrNoSpace = errors.New("hostfs: no space")

// ErrAlreadyMapped is returned by Allocator.AllocateAt when the logical
// block already has a physical mapping — the COW decision engine falls
// back to the already-mapped path on this error (spec §4.B step 4).
var ErrAlreadyMapped = errors.New("hostfs: already mapped")

// BufferHead is an in-memory handle to one block's contents, mirroring the
// host fs buffer cache (spec §3's "per-transaction COW mark" lives here).
type BufferHead struct {
	Block    block.Number
	Data     block.Bitmap // block-sized payload; reused as raw bytes, not a bitmap semantically
	Uptodate bool
	Dirty    bool

	// LastCOWedTxn is the per-transaction COW mark (spec §3): if it equals
	// the current transaction's id, this buffer was already COWed in this
	// transaction and test_and_cow short-circuits to ok.
	LastCOWedTxn InodeID
}

// BlockDevice is the live volume's physical block storage.
type BlockDevice interface {
	// ReadBlock returns the buffer for physical block p, reading through
	// from backing storage if not cached. It never returns a buffer with
	// Uptodate false without also returning an error.
	ReadBlock(ctx context.Context, p block.Number) (*BufferHead, error)

	// SyncDirtyBuffer forces a previously-marked-dirty buffer to backing
	// storage and waits for completion (spec §5 suspension points).
	SyncDirtyBuffer(ctx context.Context, p block.Number) error

	// BlockCount returns the live volume's total block count, used to
	// compute a snapshot's disksize at take time (spec §4.E step 1).
	BlockCount() uint32
}

// AllocIntent distinguishes the two ways the allocator can be asked to
// place a logical block (spec §4.B/§4.C).
type AllocIntent int

const (
	// AllocCopy allocates a fresh snapshot-file block and expects the
	// caller to copy data into it (COW path).
	AllocCopy AllocIntent = iota
	// AllocMove re-parents an existing live block into the snapshot
	// inode's block map without copying (MOW path).
	AllocMove
)

// Allocator is the snapshot-file block allocator (spec §4.B, §4.C). All
// operations are range-aware: count may be > 1 for MOW ranges.
type Allocator interface {
	// AllocateAt maps logical block SNAPSHOT_IBLOCK(phys) of the snapshot
	// inode snap to a newly allocated physical block, for intent Copy.
	// Returns ErrAlreadyMapped if a mapping already exists (the caller
	// should fall through to the already-mapped rendezvous path).
	AllocateAt(ctx context.Context, snap InodeID, phys block.Number, intent AllocIntent) (block.Number, error)

	// Move re-parents phys from the live inode's block map into the
	// snapshot inode's block map at logical SNAPSHOT_IBLOCK(phys), without
	// copying data, atomically with respect to both inodes' block maps
	// (spec §4.C). It moves exactly one block; MOW ranges call this
	// per-block from internal/mow, which itself accepts ranges.
	Move(ctx context.Context, live, snap InodeID, phys block.Number) error

	// Free releases count physical blocks starting at start from inode's
	// block map (used by lifecycle remove/shrink).
	Free(ctx context.Context, inode InodeID, start block.Number, count uint32) error

	// MappingAt reports whether snap's block map already has an entry at
	// logical offset SNAPSHOT_IBLOCK(phys), and if so, which physical
	// block it resolves to.
	MappingAt(ctx context.Context, snap InodeID, phys block.Number) (mapped block.Number, ok bool)

	// FreeAll releases every block mapped to inode's block map (spec
	// §4.E Remove: "a truncate specialized for snapshot inodes").
	FreeAll(ctx context.Context, inode InodeID) error

	// MergeInto reparents every entry of from's block map into into's,
	// except where into already has its own entry at the same logical
	// offset (into's own preserved copy wins). Used by spec §4.E Merge to
	// fold a run of snapshots forward into the one that survives.
	MergeInto(ctx context.Context, from, into InodeID) error
}

// Inode is the subset of inode state the snapshot core reads and mutates.
type Inode struct {
	ID         InodeID
	Flags      uint32
	Generation uint32
	DiskSize   uint64
	ISize      uint64

	// Next is the snapshot-chain next-pointer, shared with the orphan
	// list on the real host fs (spec §3); zero means "no next".
	Next InodeID

	// Group is the block group this inode's table entry lives in, needed
	// for the critical-path pre-allocation in create (spec §4.E step 5).
	Group block.Group

	// Excluded marks this inode as belonging to the "excluded family"
	// (spec §4.B step 1's "inode is an excluded inode" fast path) — the
	// exclude-bitmap inode and snapshot inodes themselves.
	Excluded bool
}

// HasFlag reports whether all bits of want are set in the inode's flags.
func (i *Inode) HasFlag(want uint32) bool { return i.Flags&want == want }

// InodeTable is the host fs's inode store, restricted to what the core
// needs: lookup, flag mutation, and size/generation bookkeeping.
type InodeTable interface {
	Lookup(ctx context.Context, id InodeID) (*Inode, error)
	Save(ctx context.Context, inode *Inode) error
	// Allocate reserves a fresh inode number for a new snapshot file.
	Allocate(ctx context.Context) (InodeID, error)
}

// Transaction is a handle to an in-progress journal transaction, carrying
// the per-transaction COW mark's identity and the re-entrancy flag (spec
// §4.F) plus a journal credit budget (spec §9 "journal credits").
type Transaction struct {
	ID InodeID // reusing InodeID's width; transaction ids are just uint32 counters here

	// Cowing is the per-transaction re-entrancy guard (spec §4.F): true
	// while test_and_cow is performing its own allocation+copy, so that
	// COWing the blocks we allocate for the COW itself is suppressed.
	Cowing bool

	// CreditsRemaining is the journal-credit budget (spec §9); when it
	// hits zero the journal layer must extend or restart the transaction.
	CreditsRemaining uint32
}

// JournalManager provides the serializability primitives the core relies
// on: the current transaction, credit extension, and the super/freeze lock
// used around snapshot take (spec §5).
type JournalManager interface {
	// Current returns the active transaction for ctx, starting one if the
	// host fs auto-starts transactions lazily.
	Current(ctx context.Context) (*Transaction, error)

	// ExtendCredits asks for more credits on the given transaction,
	// falling back to a restart (a brand new Transaction with a fresh id)
	// if the journal cannot extend in place. Spec §9.
	ExtendCredits(ctx context.Context, txn *Transaction, want uint32) (*Transaction, error)

	// Freeze and Unfreeze implement the super_lock/freeze discipline held
	// across snapshot take (spec §5, §4.E step 1/7).
	Freeze(ctx context.Context) error
	Unfreeze(ctx context.Context) error
}

// PageCache models the minimal cache-invalidation surface the lifecycle
// manager needs (spec §4.E disable: "invalidates page cache above the
// header region").
type PageCache interface {
	InvalidateAbove(ctx context.Context, inode InodeID, logicalOffset block.Number) error
}
