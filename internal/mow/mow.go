// Package mow implements the move-on-write engine (spec §4.C, component
// C): used for data blocks of regular files being overwritten or freed.
// It shares the COW decision tree up to the "perform" step, then re-parents
// blocks into the snapshot inode instead of copying them.
package mow

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/flycow/snapfs/internal/block"
	"github.com/flycow/snapfs/internal/bitmapcache"
	"github.com/flycow/snapfs/internal/cow"
	"github.com/flycow/snapfs/internal/hostfs"
)

// Engine is component C. It repeats component B's active-snapshot,
// bitmap and already-mapped checks itself (spec §4.C: "Same decision tree
// as 4.B until step 4") against the shared active pointer and bitmap
// cache; it holds no *cow.Engine.
type Engine struct {
	log     *logrus.Entry
	active  *cow.ActiveSnapshot
	bitmaps *bitmapcache.Cache
	alloc   hostfs.Allocator
	inodes  hostfs.InodeTable
}

// New constructs a move-on-write engine sharing the same active-snapshot
// pointer and bitmap cache as the COW engine.
func New(active *cow.ActiveSnapshot, bitmaps *bitmapcache.Cache, alloc hostfs.Allocator, inodes hostfs.InodeTable, log *logrus.Logger) *Engine {
	if log == nil {
		log = logrus.New()
	}
	return &Engine{log: log.WithField("component", "mow"), active: active, bitmaps: bitmaps, alloc: alloc, inodes: inodes}
}

// Result is the outcome of a range move: how many blocks were (or would
// need to be) moved, for both the acting and probing variants.
type Result struct {
	Moved int
}

// Move implements get_move_access/get_delete_access's range-aware MOW
// (spec §4.C): for each block in [start, start+count), runs the shared
// decision tree and, if a move is required, re-parents the block from live
// to snap via the allocator's MOVE intent, debits live's quota, and marks
// the block excluded. maxBlocks bounds how many blocks a single call will
// process, per spec's "MOW may act on ranges (up to maxblocks)".
func (e *Engine) Move(ctx context.Context, live, snap hostfs.InodeID, start block.Number, count uint32, maxBlocks uint32, mayMove bool) (Result, error) {
	if count > maxBlocks {
		count = maxBlocks
	}
	var res Result
	for i := uint32(0); i < count; i++ {
		p := start + block.Number(i)
		needed, err := e.moveOne(ctx, live, snap, p, mayMove)
		if err != nil {
			return res, fmt.Errorf("mow: block %d: %w", p, err)
		}
		if needed {
			res.Moved++
		}
	}
	return res, nil
}

// moveOne applies the shared decision tree to a single block and, when a
// move is required and permitted, performs it. It returns whether a move
// was (or would have been, in probe mode) necessary.
func (e *Engine) moveOne(ctx context.Context, live, snap hostfs.InodeID, p block.Number, mayMove bool) (bool, error) {
	if e.active.Ino == 0 {
		return false, nil
	}

	group := block.GroupOf(p)
	cowBitmap, err := e.bitmaps.ReadCOWBitmap(ctx, e.active.Ino, group)
	if err != nil {
		return false, fmt.Errorf("reading COW bitmap for group %d: %w", group, err)
	}
	if !cowBitmap.Test(block.OffsetInGroup(p)) {
		return false, nil
	}

	if _, ok := e.alloc.MappingAt(ctx, snap, p); ok {
		return false, nil // already moved/mapped by a prior COWer
	}

	if !mayMove {
		return true, nil
	}

	if err := e.alloc.Move(ctx, live, snap, p); err != nil {
		if errors.Is(err, hostfs.ErrAlreadyMapped) {
			return false, nil
		}
		return false, fmt.Errorf("moving block: %w", err)
	}
	if _, err := e.bitmaps.ExcludeBlocks(ctx, p, 1); err != nil {
		return false, fmt.Errorf("marking moved block excluded: %w", err)
	}

	e.log.WithFields(logrus.Fields{"block": p, "live": live, "snap": snap, "group": group}).Debug("moved block on write")
	return true, nil
}
