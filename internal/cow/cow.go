// Package cow implements the COW decision engine (spec §4.B, component B):
// the single entry point test_and_cow, called by the journal-interaction
// layer before any metadata write, undo-write, or data-block
// overwrite/free on the live volume.
package cow

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/flycow/snapfs/internal/block"
	"github.com/flycow/snapfs/internal/bitmapcache"
	"github.com/flycow/snapfs/internal/hostfs"
)

// Sentinel errors matching spec §7's error categories, checked with
// errors.Is by callers (internal/journal, internal/lifecycle).
var (
	// ErrNotPermitted: write to snapshot inode outside of COW itself.
	ErrNotPermitted = errors.New("cow: not permitted")
	// ErrNeedsCOW: caller only probed (may_cow=false) and a COW would be
	// required to proceed.
	ErrNeedsCOW = errors.New("cow: needs cow")
	// ErrExcludeInconsistent: a block flagged in the COW bitmap belongs to
	// an excluded inode — spec §7's fs-error category, marks FIX_EXCLUDE.
	ErrExcludeInconsistent = errors.New("cow: exclude bitmap inconsistent")
)

// ActiveSnapshot is the shared state the COW path reads without holding
// snapshot_mutex (spec §5: "Active snapshot pointer: read by COW path
// without holding snapshot_mutex"). internal/lifecycle is the sole writer.
type ActiveSnapshot struct {
	// Ino is the active snapshot's inode id, or 0 if there is none.
	Ino hostfs.InodeID
}

// Engine is component B.
type Engine struct {
	log     *logrus.Entry
	active  *ActiveSnapshot
	bitmaps *bitmapcache.Cache
	alloc   hostfs.Allocator
	device  hostfs.BlockDevice
	inodes  hostfs.InodeTable
}

// New constructs a COW decision engine.
func New(active *ActiveSnapshot, bitmaps *bitmapcache.Cache, alloc hostfs.Allocator, device hostfs.BlockDevice, inodes hostfs.InodeTable, log *logrus.Logger) *Engine {
	if log == nil {
		log = logrus.New()
	}
	return &Engine{
		log:     log.WithField("component", "cow"),
		active:  active,
		bitmaps: bitmaps,
		alloc:   alloc,
		device:  device,
		inodes:  inodes,
	}
}

// TestAndCOW implements test_and_cow (spec §4.B). inode is nil for global
// metadata writes with no owning inode. mayCOW false means the caller is
// only probing (get_undo_access/get_create_access's shape); a probe that
// would require a COW returns ErrNeedsCOW instead of performing it.
func (e *Engine) TestAndCOW(ctx context.Context, inode *hostfs.Inode, bh *hostfs.BufferHead, txn *hostfs.Transaction, mayCOW bool) error {
	// 1. Fast paths.
	if e.active.Ino == 0 {
		return nil
	}
	if txn.Cowing {
		return nil
	}
	if inode != nil && inode.ID == e.active.Ino {
		return fmt.Errorf("cow: write to active snapshot inode %d: %w", inode.ID, ErrNotPermitted)
	}
	if bh.LastCOWedTxn == txn.ID {
		return nil
	}
	if inode != nil && inode.Excluded {
		return nil
	}

	// 2. Bitmap test.
	group := block.GroupOf(bh.Block)
	cowBitmap, err := e.bitmaps.ReadCOWBitmap(ctx, e.active.Ino, group)
	if err != nil {
		return fmt.Errorf("cow: reading COW bitmap for group %d: %w", group, err)
	}
	set := cowBitmap.Test(block.OffsetInGroup(bh.Block))
	if !set {
		bh.LastCOWedTxn = txn.ID
		return nil
	}
	if inode != nil && inode.Excluded {
		return fmt.Errorf("cow: block %d flagged in COW bitmap but inode %d is excluded: %w", bh.Block, inode.ID, ErrExcludeInconsistent)
	}

	// 3. Already-mapped test.
	if _, ok := e.alloc.MappingAt(ctx, e.active.Ino, bh.Block); ok {
		// Another COWer got there first. The allocator serializes the
		// race (spec §4.B "tie-breaks"): by the time MappingAt observes a
		// mapping, the winner's copy has already completed under its own
		// lock, so there is nothing further to wait for here.
		bh.LastCOWedTxn = txn.ID
		return nil
	}

	// 4. Perform COW.
	if !mayCOW {
		return fmt.Errorf("cow: block %d of group %d: %w", bh.Block, group, ErrNeedsCOW)
	}
	return e.performCOW(ctx, inode, bh, txn, group)
}

func (e *Engine) performCOW(ctx context.Context, inode *hostfs.Inode, bh *hostfs.BufferHead, txn *hostfs.Transaction, group block.Group) error {
	if !bh.Uptodate {
		fresh, err := e.device.ReadBlock(ctx, bh.Block)
		if err != nil {
			return fmt.Errorf("cow: reading source block %d: %w", bh.Block, err)
		}
		*bh = *fresh
		if !bh.Uptodate {
			return fmt.Errorf("cow: source block %d not uptodate after synchronous read", bh.Block)
		}
	}

	txn.Cowing = true
	defer func() { txn.Cowing = false }()

	newBlock, err := e.alloc.AllocateAt(ctx, e.active.Ino, bh.Block, hostfs.AllocCopy)
	if err != nil {
		if errors.Is(err, hostfs.ErrAlreadyMapped) {
			// Lost the race after the MappingAt check above; treat as
			// already-mapped (spec §4.B step 4: "If the allocator says
			// already mapped, fall back to step 3").
			bh.LastCOWedTxn = txn.ID
			return nil
		}
		return fmt.Errorf("cow: allocating snapshot block for %d: %w", bh.Block, err)
	}

	snapBh, err := e.device.ReadBlock(ctx, newBlock)
	if err != nil {
		return fmt.Errorf("cow: acquiring snapshot buffer %d: %w", newBlock, err)
	}
	snapBh.Data = bh.Data
	snapBh.Dirty = true
	snapBh.Uptodate = true
	if err := e.device.SyncDirtyBuffer(ctx, newBlock); err != nil {
		return fmt.Errorf("cow: syncing snapshot buffer %d: %w", newBlock, err)
	}

	bh.LastCOWedTxn = txn.ID

	if inode != nil && isExcludedFamily(inode) {
		if _, err := e.markExcluded(ctx, bh.Block); err != nil {
			return fmt.Errorf("cow: marking excluded after COW: %w", err)
		}
	}

	e.log.WithFields(logrus.Fields{"block": bh.Block, "snapshot_block": newBlock, "group": group}).Debug("performed copy-on-write")
	return nil
}

func isExcludedFamily(inode *hostfs.Inode) bool {
	return inode.Excluded
}

func (e *Engine) markExcluded(ctx context.Context, p block.Number) (int, error) {
	return e.bitmaps.ExcludeBlocks(ctx, p, 1)
}
