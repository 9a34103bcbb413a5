// Package snapread implements the snapshot-image read router (spec §4.D,
// component D): it stitches reads together across the snapshot chain down
// to the live block device, fixing up block-bitmap pages along the way so
// an image presents its own point-in-time bitmaps rather than the live
// ones.
package snapread

import (
	"context"
	"errors"
	"fmt"

	"github.com/flycow/snapfs/internal/bitmapcache"
	"github.com/flycow/snapfs/internal/block"
	"github.com/flycow/snapfs/internal/chain"
	"github.com/flycow/snapfs/internal/cow"
	"github.com/flycow/snapfs/internal/hostfs"
)

// ErrIO is spec §4.D's "I/O error" outcome: the chain is exhausted at this
// position, or the previous link reaches the head while the head is not
// active.
var ErrIO = errors.New("snapread: i/o error routing snapshot read")

// ErrStaleInode is returned for a read against a snapshot inode that is
// not on the chain and is not in the middle of being created.
var ErrStaleInode = errors.New("snapread: stale snapshot inode")

// Router is component D.
type Router struct {
	chain   *chain.Chain
	active  *cow.ActiveSnapshot
	descs   *bitmapcache.GroupDescriptors
	bitmaps *bitmapcache.Cache

	// reserved returns the BlockDevice backing a snapshot's reserved
	// header region (the patched superblock/group-descriptor/inode-table
	// copies, spec §6), keyed by snapshot inode.
	reserved func(snap hostfs.InodeID) (hostfs.BlockDevice, bool)

	// content is the shared block store holding COW/MOW'd snapshot body
	// contents, addressed by the physical block numbers minted by the
	// allocator (spec §3: the snapshot file's sparse body).
	content hostfs.BlockDevice

	// live is the live volume, read through when a snapshot is active and
	// has no local mapping for a block.
	live hostfs.BlockDevice

	alloc hostfs.Allocator

	// Creating lets the lifecycle manager register a snapshot's intended
	// predecessor before it is linked onto the chain (spec §4.D: "if its
	// immediate predecessor link points at the chain head it is being
	// created"). Optional; nil means no such overrides exist.
	Creating func(snap hostfs.InodeID) (predecessor hostfs.InodeID, isCreating bool)
}

// New constructs a read router.
func New(ch *chain.Chain, active *cow.ActiveSnapshot, descs *bitmapcache.GroupDescriptors, bitmaps *bitmapcache.Cache, reserved func(hostfs.InodeID) (hostfs.BlockDevice, bool), content, live hostfs.BlockDevice, alloc hostfs.Allocator) *Router {
	return &Router{chain: ch, active: active, descs: descs, bitmaps: bitmaps, reserved: reserved, content: content, live: live, alloc: alloc}
}

// Read implements the router algorithm of spec §4.D. It never mutates
// state; there is deliberately no corresponding Write method (writes to a
// snapshot inode are always denied — spec §4.B's not-permitted fast path
// is the enforcement point, this package simply never offers one).
func (r *Router) Read(ctx context.Context, snap hostfs.InodeID, logical block.Number) (*hostfs.BufferHead, error) {
	if logical < block.ReservedOffset {
		dev, ok := r.reserved(snap)
		if !ok {
			return nil, fmt.Errorf("snapread: no reserved region for snapshot %d", snap)
		}
		return dev.ReadBlock(ctx, logical)
	}

	if _, ok := r.chain.Node(snap); !ok {
		pred, isCreating := hostfs.InodeID(0), false
		if r.Creating != nil {
			pred, isCreating = r.Creating(snap)
		}
		head, hasHead := r.chain.Head()
		if !(isCreating && hasHead && pred == head) {
			return nil, fmt.Errorf("snapread: snapshot %d: %w", snap, ErrStaleInode)
		}
		dev, ok := r.reserved(snap)
		if !ok {
			return nil, fmt.Errorf("snapread: no reserved region for snapshot %d", snap)
		}
		return dev.ReadBlock(ctx, logical)
	}

	phys := block.PhysicalOf(logical)
	cur := snap
	for {
		if mapped, ok := r.alloc.MappingAt(ctx, cur, phys); ok {
			return r.content.ReadBlock(ctx, mapped)
		}
		head, hasHead := r.chain.Head()
		if hasHead && cur == head {
			if cur == r.active.Ino {
				return r.readThroughLive(ctx, phys)
			}
			return nil, fmt.Errorf("snapread: reached chain head %d which is not active: %w", cur, ErrIO)
		}
		newer, ok := r.chain.Newer(cur)
		if !ok {
			return nil, fmt.Errorf("snapread: chain exhausted above snapshot %d: %w", cur, ErrIO)
		}
		cur = newer.Ino
	}
}

// readThroughLive reads phys from the live volume, fixing up block-bitmap
// pages so the image presents the active snapshot's point-in-time bitmap
// (spec §4.D, via 4.A's read_block_bitmap_for_image).
func (r *Router) readThroughLive(ctx context.Context, phys block.Number) (*hostfs.BufferHead, error) {
	bh, err := r.live.ReadBlock(ctx, phys)
	if err != nil {
		return nil, fmt.Errorf("snapread: reading through to live block %d: %w", phys, err)
	}
	if group, ok := r.blockBitmapGroup(phys); ok {
		fixedUp := *bh
		if err := r.bitmaps.ReadBlockBitmapForImage(ctx, r.active.Ino, group, &fixedUp.Data); err != nil {
			return nil, fmt.Errorf("snapread: fixing up block-bitmap page for group %d: %w", group, err)
		}
		return &fixedUp, nil
	}
	return bh, nil
}

func (r *Router) blockBitmapGroup(phys block.Number) (block.Group, bool) {
	for _, g := range r.descs.Groups() {
		if r.bitmaps.IsBlockBitmapBlock(g, phys) {
			return g, true
		}
	}
	return 0, false
}
