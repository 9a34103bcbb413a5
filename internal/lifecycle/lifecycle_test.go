package lifecycle

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	bolt "go.etcd.io/bbolt"

	"github.com/flycow/snapfs/internal/bitmapcache"
	"github.com/flycow/snapfs/internal/block"
	"github.com/flycow/snapfs/internal/chain"
	"github.com/flycow/snapfs/internal/cow"
	"github.com/flycow/snapfs/internal/fsm"
	"github.com/flycow/snapfs/internal/guard"
	"github.com/flycow/snapfs/internal/hostfs"
	"github.com/flycow/snapfs/internal/super"
)

// newTestManager wires a lifecycle.Manager against in-memory hostfs fakes,
// the way unpack/fsm_test.go wires its FSM against fakeDB/fakeDeviceMgr.
func newTestManager(t *testing.T) *Manager {
	t.Helper()

	device := hostfs.NewMemDevice(64)
	descs := bitmapcache.NewGroupDescriptors()
	descs.Register(&block.Descriptor{Group: 0})

	excludeDB, err := bolt.Open(filepath.Join(t.TempDir(), "exclude.db"), 0o600, nil)
	if err != nil {
		t.Fatalf("opening exclude db: %v", err)
	}
	t.Cleanup(func() { excludeDB.Close() })

	bitmaps, err := bitmapcache.New(bitmapcache.DefaultConfig(), descs, device, excludeDB, nil)
	if err != nil {
		t.Fatalf("bitmapcache.New: %v", err)
	}

	fsmDB, err := bolt.Open(filepath.Join(t.TempDir(), "fsm.db"), 0o600, nil)
	if err != nil {
		t.Fatalf("opening fsm db: %v", err)
	}
	t.Cleanup(func() { fsmDB.Close() })
	fsmMgr, err := fsm.NewManager(fsmDB, nil)
	if err != nil {
		t.Fatalf("fsm.NewManager: %v", err)
	}

	deps := Dependencies{
		Chain:      chain.New(),
		Active:     &cow.ActiveSnapshot{},
		Descs:      descs,
		Bitmaps:    bitmaps,
		Device:     device,
		Inodes:     hostfs.NewMemInodeTable(100),
		Alloc:      hostfs.NewMemAllocator(64),
		Journal:    hostfs.NewMemJournal(64),
		Pages:      hostfs.NewMemPageCache(),
		Superblock: &super.Superblock{},
		ExcludeIno: super.WellKnownExcludeIno,
	}
	g := guard.NewOperationGuard(guard.GuardConfig{})
	return New(deps, fsmMgr, g, nil, nil)
}

func TestCreateRefusesWhileHeadNotActive(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	first, err := m.Create(ctx, block.Group(0))
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := m.Create(ctx, block.Group(0)); !errors.Is(err, ErrInvalid) {
		t.Fatalf("second create: got %v, want ErrInvalid", err)
	}

	node, ok := m.Chain().Node(first)
	if !ok || !node.HasFlag(super.SNAPFILE|super.LIST) {
		t.Fatalf("unexpected chain node for first create: %+v ok=%v", node, ok)
	}
}

func TestTakeActivatesHeadAndResetsBitmaps(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	ino, err := m.Create(ctx, block.Group(0))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := m.Take(ctx); err != nil {
		t.Fatalf("take: %v", err)
	}

	node, _ := m.Chain().Node(ino)
	if !node.HasFlag(super.ACTIVE) {
		t.Fatalf("expected %d to be ACTIVE after take, flags=%s", ino, node.Flags)
	}
	if m.deps.Active.Ino != ino {
		t.Fatalf("active snapshot pointer: got %d, want %d", m.deps.Active.Ino, ino)
	}
	if m.deps.Superblock.ActiveSnapshotIno != uint32(ino) {
		t.Fatalf("superblock active ino: got %d, want %d", m.deps.Superblock.ActiveSnapshotIno, ino)
	}

	if _, err := m.Take(ctx); !errors.Is(err, ErrInvalid) {
		t.Fatalf("second take on an already-active head: got %v, want ErrInvalid", err)
	}
}

func TestEnableDisableRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	ino, err := m.Create(ctx, block.Group(0))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := m.Take(ctx); err != nil {
		t.Fatalf("take: %v", err)
	}

	if err := m.Enable(ctx, ino); err != nil {
		t.Fatalf("enable: %v", err)
	}
	inode, err := m.deps.Inodes.Lookup(ctx, ino)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if inode.ISize != inode.DiskSize {
		t.Fatalf("enabled inode isize: got %d, want %d", inode.ISize, inode.DiskSize)
	}

	if err := m.Disable(ctx, ino); err != nil {
		t.Fatalf("disable: %v", err)
	}
	inode, _ = m.deps.Inodes.Lookup(ctx, ino)
	if inode.ISize != 0 {
		t.Fatalf("disabled inode isize: got %d, want 0", inode.ISize)
	}
}

func TestDeleteRefusesWhileEnabled(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	ino, _ := m.Create(ctx, block.Group(0))
	if _, err := m.Take(ctx); err != nil {
		t.Fatalf("take: %v", err)
	}
	if err := m.Enable(ctx, ino); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if err := m.Delete(ctx, ino); !errors.Is(err, cow.ErrNotPermitted) {
		t.Fatalf("delete while enabled: got %v, want ErrNotPermitted", err)
	}
}

// TestUpdateReapsDeletedOldestRun verifies Update recomputes INUSE and
// reaps a contiguous deleted-and-unused run from the oldest end of the
// chain, stopping at the first node it must not touch.
func TestUpdateReapsDeletedOldestRun(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	oldest, _ := m.Create(ctx, block.Group(0))
	if _, err := m.Take(ctx); err != nil {
		t.Fatalf("take 1: %v", err)
	}

	middle, _ := m.Create(ctx, block.Group(0))
	if _, err := m.Take(ctx); err != nil {
		t.Fatalf("take 2: %v", err)
	}

	newest, _ := m.Create(ctx, block.Group(0))
	if _, err := m.Take(ctx); err != nil {
		t.Fatalf("take 3: %v", err)
	}

	for _, ino := range []hostfs.InodeID{oldest, middle} {
		if err := m.Delete(ctx, ino); err != nil {
			t.Fatalf("delete %d: %v", ino, err)
		}
	}

	removed, err := m.Update(ctx)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(removed) != 2 || removed[0] != oldest || removed[1] != middle {
		t.Fatalf("removed: got %v, want [%d %d]", removed, oldest, middle)
	}

	if _, ok := m.Chain().Node(oldest); ok {
		t.Fatalf("expected %d to be unlinked from the chain", oldest)
	}
	if _, ok := m.Chain().Node(newest); !ok {
		t.Fatalf("expected active head %d to remain on the chain", newest)
	}
}

// TestUpdateRemovesFailedTakeHead verifies Update reclaims a chain head
// left behind by a Take that never reached commit: a node newer than the
// active snapshot (or, with no active snapshot at all, any non-active
// node) is failed-take debris and is removed outright.
func TestUpdateRemovesFailedTakeHead(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	active, _ := m.Create(ctx, block.Group(0))
	if _, err := m.Take(ctx); err != nil {
		t.Fatalf("take: %v", err)
	}

	stuck, err := m.Create(ctx, block.Group(0))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	removed, err := m.Update(ctx)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(removed) != 1 || removed[0] != stuck {
		t.Fatalf("removed: got %v, want [%d]", removed, stuck)
	}
	if _, ok := m.Chain().Node(stuck); ok {
		t.Fatalf("expected failed-take head %d to be unlinked from the chain", stuck)
	}
	if _, ok := m.Chain().Node(active); !ok {
		t.Fatalf("expected active snapshot %d to remain on the chain", active)
	}
}

// TestUpdateShrinksAndMergesDeletedRun verifies Update closes a deleted
// run once it reaches a non-deleted boundary: the run is flagged SHRUNK,
// and merge is withheld when an older enabled snapshot still marks the
// run INUSE, matching the scenario where a deleted middle snapshot
// remains on the chain as DELETED|SHRUNK after update.
func TestUpdateShrinksAndMergesDeletedRun(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	start, _ := m.Create(ctx, block.Group(0))
	if _, err := m.Take(ctx); err != nil {
		t.Fatalf("take 1: %v", err)
	}
	if err := m.Enable(ctx, start); err != nil {
		t.Fatalf("enable start: %v", err)
	}

	middle, _ := m.Create(ctx, block.Group(0))
	if _, err := m.Take(ctx); err != nil {
		t.Fatalf("take 2: %v", err)
	}

	end, _ := m.Create(ctx, block.Group(0))
	if _, err := m.Take(ctx); err != nil {
		t.Fatalf("take 3: %v", err)
	}

	if err := m.Delete(ctx, middle); err != nil {
		t.Fatalf("delete middle: %v", err)
	}

	removed, err := m.Update(ctx)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(removed) != 0 {
		t.Fatalf("removed: got %v, want none", removed)
	}

	node, ok := m.Chain().Node(middle)
	if !ok {
		t.Fatalf("expected %d to remain on the chain", middle)
	}
	if !node.HasFlag(super.DELETED | super.SHRUNK) {
		t.Fatalf("expected %d to carry DELETED|SHRUNK after update, flags=%s", middle, node.Flags)
	}
	if !node.HasFlag(super.INUSE) {
		t.Fatalf("expected %d to carry INUSE since start is still enabled, flags=%s", middle, node.Flags)
	}
	if _, ok := m.Chain().Node(end); !ok {
		t.Fatalf("expected active snapshot %d to remain on the chain", end)
	}
}

func TestMergeRefusesEnabledMiddleNode(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	start, _ := m.Create(ctx, block.Group(0))
	if _, err := m.Take(ctx); err != nil {
		t.Fatalf("take 1: %v", err)
	}
	middle, _ := m.Create(ctx, block.Group(0))
	if _, err := m.Take(ctx); err != nil {
		t.Fatalf("take 2: %v", err)
	}
	end, _ := m.Create(ctx, block.Group(0))
	if _, err := m.Take(ctx); err != nil {
		t.Fatalf("take 3: %v", err)
	}

	if err := m.Enable(ctx, middle); err != nil {
		t.Fatalf("enable middle: %v", err)
	}
	if err := m.Merge(ctx, start, end); !errors.Is(err, cow.ErrNotPermitted) {
		t.Fatalf("merge with enabled middle node: got %v, want ErrNotPermitted", err)
	}
}

func TestShrinkFlagsMiddleNodes(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	start, _ := m.Create(ctx, block.Group(0))
	if _, err := m.Take(ctx); err != nil {
		t.Fatalf("take 1: %v", err)
	}
	middle, _ := m.Create(ctx, block.Group(0))
	if _, err := m.Take(ctx); err != nil {
		t.Fatalf("take 2: %v", err)
	}
	end, _ := m.Create(ctx, block.Group(0))
	if _, err := m.Take(ctx); err != nil {
		t.Fatalf("take 3: %v", err)
	}

	if err := m.Shrink(ctx, start, end); err != nil {
		t.Fatalf("shrink: %v", err)
	}
	node, _ := m.Chain().Node(middle)
	if !node.HasFlag(super.SHRUNK) {
		t.Fatalf("expected %d to carry SHRUNK after shrink, flags=%s", middle, node.Flags)
	}
}
