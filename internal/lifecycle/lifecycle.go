// Package lifecycle implements the snapshot lifecycle manager (spec §4.E,
// component E): create, take, enable/disable, delete, update
// (reconciliation), shrink, merge, remove, load and destroy. Every
// operation serializes through internal/guard's OperationGuard, the
// spec §5 snapshot_mutex choke point, and "take" additionally runs as a
// resumable internal/fsm machine so a crash mid-commit leaves the chain in
// a state the next update() pass can reconcile rather than a half-written
// one.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"

	"github.com/flycow/snapfs"
	"github.com/flycow/snapfs/internal/bitmapcache"
	"github.com/flycow/snapfs/internal/block"
	"github.com/flycow/snapfs/internal/chain"
	"github.com/flycow/snapfs/internal/cow"
	"github.com/flycow/snapfs/internal/fsm"
	"github.com/flycow/snapfs/internal/guard"
	"github.com/flycow/snapfs/internal/hostfs"
	"github.com/flycow/snapfs/internal/metrics"
	"github.com/flycow/snapfs/internal/super"
)

var tracer = otel.Tracer("github.com/flycow/snapfs/internal/lifecycle")

// ErrInvalid is returned when a requested operation does not apply to the
// target inode's current chain state (spec §7's "Invalid" category).
var ErrInvalid = errors.New("lifecycle: invalid state for requested operation")

// Dependencies collects every collaborator the lifecycle manager drives,
// mirroring the teacher's per-machine Dependencies struct (activate/fsm.go).
type Dependencies struct {
	Chain      *chain.Chain
	Active     *cow.ActiveSnapshot
	Descs      *bitmapcache.GroupDescriptors
	Bitmaps    *bitmapcache.Cache
	Device     hostfs.BlockDevice
	Inodes     hostfs.InodeTable
	Alloc      hostfs.Allocator
	Journal    hostfs.JournalManager
	Pages      hostfs.PageCache
	Superblock *super.Superblock
	ExcludeIno hostfs.InodeID
}

// Manager is component E.
type Manager struct {
	deps    Dependencies
	fsmMgr  *fsm.Manager
	guard   *guard.OperationGuard
	metrics *metrics.Metrics
	log     *logrus.Entry

	sbMu sync.Mutex // protects in-place Superblock field mutation

	resMu          sync.Mutex
	reserved       map[hostfs.InodeID]hostfs.BlockDevice // a snapshot's reserved metadata region
	reservedSupers map[hostfs.InodeID]super.Superblock
	reservedDescs  map[hostfs.InodeID][]block.Descriptor
}

// New constructs a lifecycle manager.
func New(deps Dependencies, fsmMgr *fsm.Manager, g *guard.OperationGuard, m *metrics.Metrics, log *logrus.Logger) *Manager {
	if log == nil {
		log = logrus.New()
	}
	return &Manager{
		deps:           deps,
		fsmMgr:         fsmMgr,
		guard:          g,
		metrics:        m,
		log:            log.WithField("component", "lifecycle"),
		reserved:       make(map[hostfs.InodeID]hostfs.BlockDevice),
		reservedSupers: make(map[hostfs.InodeID]super.Superblock),
		reservedDescs:  make(map[hostfs.InodeID][]block.Descriptor),
	}
}

// Chain exposes the underlying snapshot chain for read-only queries, used
// by internal/control's get_flags verb.
func (m *Manager) Chain() *chain.Chain { return m.deps.Chain }

// Inode looks up ino's on-disk inode record, used by read-only surfaces
// (the monitor dashboard's generation/disk-size columns) that need more
// than the chain's flags projection.
func (m *Manager) Inode(ctx context.Context, ino hostfs.InodeID) (*hostfs.Inode, error) {
	return m.deps.Inodes.Lookup(ctx, ino)
}

// ReservedDeviceFor returns the reserved-metadata-region block device for a
// snapshot inode, satisfying internal/snapread's Router "reserved" lookup.
func (m *Manager) ReservedDeviceFor(ino hostfs.InodeID) (hostfs.BlockDevice, bool) {
	m.resMu.Lock()
	defer m.resMu.Unlock()
	d, ok := m.reserved[ino]
	return d, ok
}

func (m *Manager) observe(op string) func() {
	if m.metrics == nil {
		return func() {}
	}
	return m.metrics.ObserveLifecycleOp(op)
}

// Create implements spec §4.E Create: allocates and flags a fresh snapshot
// inode, reserves its metadata region, and links it at the chain head.
// Create refuses to run while the current head exists and has not yet been
// activated by Take — a prior create left the chain in a half-finished
// state that Update must reconcile first.
func (m *Manager) Create(ctx context.Context, group block.Group) (hostfs.InodeID, error) {
	ctx, span := tracer.Start(ctx, "lifecycle.create")
	defer span.End()
	defer m.observe("create")()

	var ino hostfs.InodeID
	err := m.guard.WithOperation(ctx, "create", func() error {
		if head, ok := m.deps.Chain.Head(); ok {
			node, _ := m.deps.Chain.Node(head)
			if !node.HasFlag(super.ACTIVE) {
				return fmt.Errorf("lifecycle: create: head %d is not yet active: %w", head, ErrInvalid)
			}
		}

		id, err := m.deps.Inodes.Allocate(ctx)
		if err != nil {
			return fmt.Errorf("lifecycle: create: allocating inode: %w", err)
		}
		ino = id

		inode := &hostfs.Inode{
			ID:       ino,
			Flags:    uint32(super.SNAPFILE),
			Group:    group,
			DiskSize: uint64(m.deps.Device.BlockCount()) * block.Size,
			Excluded: true,
		}
		if err := m.deps.Inodes.Save(ctx, inode); err != nil {
			return fmt.Errorf("lifecycle: create: saving inode %d: %w", ino, err)
		}

		m.resMu.Lock()
		m.reserved[ino] = hostfs.NewMemDevice(uint32(block.ReservedOffset))
		m.resMu.Unlock()

		m.sbMu.Lock()
		m.deps.Superblock.Features |= super.HasSnapshot
		m.deps.Superblock.LastSnapshotIno = uint32(ino)
		m.sbMu.Unlock()

		m.deps.Chain.InsertHead(chain.Node{Ino: ino, Flags: super.SNAPFILE | super.LIST})
		m.log.WithFields(logrus.Fields{"inode": ino, "group": group}).Info("created snapshot inode")
		return nil
	})
	return ino, err
}

// takeState is the durable state threaded through the "snapshot-take"
// machine (spec §4.E Take steps 1-7).
type takeState struct {
	SnapIno hostfs.InodeID
}

// Take implements spec §4.E Take: freezes the fs, copies the superblock
// and each group's first block into the chain head's reserved region
// (see copyTriplets), commits it as the new active snapshot, and resets every
// group's COW-bitmap cache. The copy/commit/reset sequence runs as a
// resumable fsm machine so a crash between steps resumes exactly where it
// left off instead of repeating completed copies.
func (m *Manager) Take(ctx context.Context) (hostfs.InodeID, error) {
	ctx, span := tracer.Start(ctx, "lifecycle.take")
	defer span.End()
	defer m.observe("take")()

	var snap hostfs.InodeID
	err := m.guard.WithOperation(ctx, "take", func() error {
		head, ok := m.deps.Chain.Head()
		if !ok {
			return fmt.Errorf("lifecycle: take: chain is empty: %w", ErrInvalid)
		}
		node, _ := m.deps.Chain.Node(head)
		if node.HasFlag(super.ACTIVE) {
			return fmt.Errorf("lifecycle: take: head %d is already active: %w", head, ErrInvalid)
		}
		snap = head

		if err := m.deps.Journal.Freeze(ctx); err != nil {
			return fmt.Errorf("lifecycle: take: freezing: %w", err)
		}
		defer func() {
			if err := m.deps.Journal.Unfreeze(ctx); err != nil {
				m.log.WithError(err).Warn("failed to unfreeze after take")
			}
		}()

		m.sbMu.Lock()
		seq := m.deps.Superblock.SnapshotID
		m.sbMu.Unlock()
		runID := fsm.RunID(snapfs.DeriveOperationID("take", uint32(head), seq))
		ctx = fsm.WithRunID(ctx, runID)

		_, _, err := fsm.Register[takeState](m.fsmMgr, "snapshot-take").
			Start("copy-superblock", m.copySuperblock).
			To("copy-group-descriptors", m.copyGroupDescriptors).
			To("copy-triplets", m.copyTriplets).
			To("commit", m.commitActive).
			To("reset-bitmaps", m.resetBitmaps).
			End("complete").
			Build(ctx, takeState{SnapIno: head})
		if err != nil {
			return fmt.Errorf("lifecycle: take: %w", err)
		}
		return nil
	})
	return snap, err
}

// RunID re-exports fsm.RunID under the lifecycle package so callers that
// want to resume a stalled take (e.g. after a crash) don't need to import
// internal/fsm directly.
type RunID = fsm.RunID

func (m *Manager) copySuperblock(_ context.Context, req fsm.Request[takeState]) (fsm.Response[takeState], error) {
	m.sbMu.Lock()
	cp := m.deps.Superblock.AsImageCopy()
	m.sbMu.Unlock()

	m.resMu.Lock()
	m.reservedSupers[req.State.SnapIno] = cp
	m.resMu.Unlock()
	return fsm.NewResponse(req.State), nil
}

func (m *Manager) copyGroupDescriptors(_ context.Context, req fsm.Request[takeState]) (fsm.Response[takeState], error) {
	groups := m.deps.Descs.Groups()
	m.resMu.Lock()
	m.reservedDescs[req.State.SnapIno] = make([]block.Descriptor, 0, len(groups))
	m.resMu.Unlock()
	return fsm.NewResponse(req.State), nil
}

// copyTriplets copies one block per group, the group's first block
// (block.FirstBlockOf), into reserved slot i of the new active snapshot's
// reserved region, and records a descriptor carrying only the group number.
// The block bitmap, inode bitmap and inode table blocks named by the
// group's descriptor are not copied.
func (m *Manager) copyTriplets(ctx context.Context, req fsm.Request[takeState]) (fsm.Response[takeState], error) {
	dev, ok := m.ReservedDeviceFor(req.State.SnapIno)
	if !ok {
		return fsm.Response[takeState]{}, fmt.Errorf("lifecycle: take: no reserved region registered for %d", req.State.SnapIno)
	}

	m.resMu.Lock()
	descs := m.reservedDescs[req.State.SnapIno]
	m.resMu.Unlock()

	for i, g := range m.deps.Descs.Groups() {
		bh, err := m.deps.Device.ReadBlock(ctx, block.FirstBlockOf(g))
		if err != nil {
			return fsm.Response[takeState]{}, fmt.Errorf("lifecycle: take: reading group %d triplet: %w", g, err)
		}
		reservedSlot := block.Number(i)
		if md, ok := dev.(*hostfs.MemDevice); ok {
			md.Write(reservedSlot, bh.Data)
		}
		descs = append(descs, block.Descriptor{Group: g})
	}

	m.resMu.Lock()
	m.reservedDescs[req.State.SnapIno] = descs
	m.resMu.Unlock()
	return fsm.NewResponse(req.State), nil
}

func (m *Manager) commitActive(_ context.Context, req fsm.Request[takeState]) (fsm.Response[takeState], error) {
	prevActive := m.deps.Active.Ino

	m.sbMu.Lock()
	m.deps.Superblock.SnapshotID++
	m.deps.Superblock.ActiveSnapshotIno = uint32(req.State.SnapIno)
	m.sbMu.Unlock()

	m.deps.Active.Ino = req.State.SnapIno

	if prevActive != 0 && prevActive != req.State.SnapIno {
		if prevNode, ok := m.deps.Chain.Node(prevActive); ok {
			m.deps.Chain.Update(chain.Node{Ino: prevActive, Flags: prevNode.Flags &^ super.ACTIVE})
		}
	}

	node, _ := m.deps.Chain.Node(req.State.SnapIno)
	m.deps.Chain.Update(chain.Node{Ino: req.State.SnapIno, Flags: node.Flags | super.ACTIVE})
	return fsm.NewResponse(req.State), nil
}

func (m *Manager) resetBitmaps(_ context.Context, req fsm.Request[takeState]) (fsm.Response[takeState], error) {
	m.deps.Bitmaps.ResetAll()
	m.log.WithField("inode", req.State.SnapIno).Info("activated snapshot")
	return fsm.NewResponse(req.State), nil
}

// Enable implements spec §4.E Enable: makes a linked snapshot mountable by
// exposing its full disksize as its apparent size.
func (m *Manager) Enable(ctx context.Context, ino hostfs.InodeID) error {
	ctx, span := tracer.Start(ctx, "lifecycle.enable")
	defer span.End()
	defer m.observe("enable")()

	return m.guard.WithOperation(ctx, "enable", func() error {
		node, ok := m.deps.Chain.Node(ino)
		if !ok || !node.HasFlag(super.LIST) {
			return fmt.Errorf("lifecycle: enable: inode %d is not on the chain: %w", ino, ErrInvalid)
		}
		if node.HasFlag(super.DELETED) {
			return fmt.Errorf("lifecycle: enable: inode %d is marked deleted: %w", ino, cow.ErrNotPermitted)
		}
		inode, err := m.deps.Inodes.Lookup(ctx, ino)
		if err != nil {
			return fmt.Errorf("lifecycle: enable: %w", err)
		}
		inode.ISize = inode.DiskSize
		if err := m.deps.Inodes.Save(ctx, inode); err != nil {
			return fmt.Errorf("lifecycle: enable: %w", err)
		}
		m.deps.Chain.Update(chain.Node{Ino: ino, Flags: node.Flags | super.ENABLED})
		return nil
	})
}

// Disable implements spec §4.E Disable: refuses while the snapshot is
// currently open (loop-mounted), otherwise collapses its apparent size back
// to zero and invalidates cached pages above the reserved header region.
func (m *Manager) Disable(ctx context.Context, ino hostfs.InodeID) error {
	ctx, span := tracer.Start(ctx, "lifecycle.disable")
	defer span.End()
	defer m.observe("disable")()

	return m.guard.WithOperation(ctx, "disable", func() error {
		node, ok := m.deps.Chain.Node(ino)
		if !ok {
			return fmt.Errorf("lifecycle: disable: inode %d is not on the chain: %w", ino, ErrInvalid)
		}
		if node.HasFlag(super.OPEN) {
			return fmt.Errorf("lifecycle: disable: inode %d is open: %w", ino, cow.ErrNotPermitted)
		}
		inode, err := m.deps.Inodes.Lookup(ctx, ino)
		if err != nil {
			return fmt.Errorf("lifecycle: disable: %w", err)
		}
		inode.ISize = 0
		if err := m.deps.Inodes.Save(ctx, inode); err != nil {
			return fmt.Errorf("lifecycle: disable: %w", err)
		}
		if m.deps.Pages != nil {
			if err := m.deps.Pages.InvalidateAbove(ctx, ino, block.ReservedOffset); err != nil {
				return fmt.Errorf("lifecycle: disable: invalidating page cache: %w", err)
			}
		}
		m.deps.Chain.Update(chain.Node{Ino: ino, Flags: node.Flags &^ super.ENABLED})
		return nil
	})
}

// Delete implements spec §4.E Delete: marks a snapshot for later reaping by
// Update; it is never removed synchronously because an enabled, in-use, or
// still-referenced snapshot must not disappear out from under a reader.
func (m *Manager) Delete(ctx context.Context, ino hostfs.InodeID) error {
	ctx, span := tracer.Start(ctx, "lifecycle.delete")
	defer span.End()
	defer m.observe("delete")()

	return m.guard.WithOperation(ctx, "delete", func() error {
		node, ok := m.deps.Chain.Node(ino)
		if !ok {
			return fmt.Errorf("lifecycle: delete: inode %d is not on the chain: %w", ino, ErrInvalid)
		}
		if node.HasFlag(super.ENABLED) {
			return fmt.Errorf("lifecycle: delete: inode %d is enabled: %w", ino, cow.ErrNotPermitted)
		}
		m.deps.Chain.Update(chain.Node{Ino: ino, Flags: node.Flags | super.DELETED})
		return nil
	})
}

// Update implements spec §4.E Update: the periodic reconciliation pass.
// First it recomputes INUSE across the whole chain (a snapshot is in use
// while some older, enabled snapshot could still need to read through it to
// reach the live volume or the active snapshot); then it walks the chain
// oldest to newest, tracking need_shrink/need_merge counters and a used_by
// pointer (the nearest non-deleted snapshot already passed) exactly as
// spec §4.E describes:
//
//   - A node later than the active snapshot, or found while no snapshot on
//     the chain is active at all, is failed-take debris (Take never
//     reached commit) and is removed outright, regardless of its flags.
//   - A deleted, not-in-use node seen before used_by is established has no
//     surviving snapshot that could depend on its blocks, so it is removed
//     immediately.
//   - A deleted node seen after used_by is established instead bumps
//     need_shrink (unless already SHRUNK) and need_merge (unless already
//     INUSE); it survives this pass.
//   - Reaching a non-deleted node closes the run: Shrink and/or Merge run
//     over (used_by, node) for whichever counter is nonzero, the counters
//     reset, and used_by advances to this node.
//
// It returns every inode Update removed.
func (m *Manager) Update(ctx context.Context) ([]hostfs.InodeID, error) {
	ctx, span := tracer.Start(ctx, "lifecycle.update")
	defer span.End()
	defer m.observe("update")()

	var removed []hostfs.InodeID
	err := m.guard.WithOperation(ctx, "update", func() error {
		m.recomputeInUse()

		hasActive := false
		for _, n := range m.deps.Chain.All() {
			if n.HasFlag(super.ACTIVE) {
				hasActive = true
				break
			}
		}

		var (
			usedBy                hostfs.InodeID
			haveUsedBy            bool
			needShrink, needMerge int
		)
		passedActive := !hasActive

		for _, n := range reverseNodes(m.deps.Chain.All()) {
			if passedActive && !n.HasFlag(super.ACTIVE) {
				if err := m.doRemove(ctx, n.Ino); err != nil {
					return err
				}
				removed = append(removed, n.Ino)
				continue
			}
			if n.HasFlag(super.ACTIVE) {
				passedActive = true
			}

			deleted := n.HasFlag(super.DELETED) && !n.HasFlag(super.ACTIVE)
			switch {
			case deleted && !haveUsedBy:
				if err := m.doRemove(ctx, n.Ino); err != nil {
					return err
				}
				removed = append(removed, n.Ino)
			case deleted:
				if !n.HasFlag(super.SHRUNK) {
					needShrink++
				}
				if !n.HasFlag(super.INUSE) {
					needMerge++
				}
			default:
				if haveUsedBy {
					if needShrink > 0 {
						if err := m.doShrink(ctx, usedBy, n.Ino); err != nil {
							return err
						}
					}
					if needMerge > 0 {
						if err := m.doMerge(ctx, usedBy, n.Ino); err != nil {
							return err
						}
					}
				}
				needShrink, needMerge = 0, 0
				usedBy, haveUsedBy = n.Ino, true
			}
		}
		return nil
	})
	return removed, err
}

func (m *Manager) recomputeInUse() {
	oldestFirst := reverseNodes(m.deps.Chain.All())
	sawEnabledOlder := false
	for _, n := range oldestFirst {
		newFlags := n.Flags
		if sawEnabledOlder {
			newFlags |= super.INUSE
		} else {
			newFlags &^= super.INUSE
		}
		if newFlags != n.Flags {
			m.deps.Chain.Update(chain.Node{Ino: n.Ino, Flags: newFlags})
		}
		if n.HasFlag(super.ENABLED) {
			sawEnabledOlder = true
		}
	}
}

func reverseNodes(nodes []chain.Node) []chain.Node {
	out := make([]chain.Node, len(nodes))
	for i, n := range nodes {
		out[len(nodes)-1-i] = n
	}
	return out
}

// middleNodes returns every chain node strictly between start and end (both
// exclusive), walking from start toward the head. Spec's Open Question on
// shrink/merge's boundary semantics is resolved as a strict open interval:
// start < S < end.
func (m *Manager) middleNodes(start, end hostfs.InodeID) ([]chain.Node, error) {
	cur, ok := m.deps.Chain.Newer(start)
	if !ok {
		return nil, fmt.Errorf("lifecycle: %d has no newer chain neighbor: %w", start, ErrInvalid)
	}
	var mids []chain.Node
	for ok && cur.Ino != end {
		mids = append(mids, cur)
		cur, ok = m.deps.Chain.Newer(cur.Ino)
	}
	if !ok {
		return nil, fmt.Errorf("lifecycle: %d is not reachable from %d toward the head: %w", end, start, ErrInvalid)
	}
	return mids, nil
}

// Shrink implements spec §4.E Shrink as a flag-only pass: it marks every
// snapshot strictly between start and end SHRUNK. It frees no blocks; the
// block maps of the snapshots in the range are left unchanged.
func (m *Manager) Shrink(ctx context.Context, start, end hostfs.InodeID) error {
	ctx, span := tracer.Start(ctx, "lifecycle.shrink")
	defer span.End()
	defer m.observe("shrink")()

	return m.guard.WithOperation(ctx, "shrink", func() error {
		return m.doShrink(ctx, start, end)
	})
}

// doShrink is Shrink's body, shared by the operator-invoked verb and
// Update's automatic per-run sweep, run under a guard slot already held by
// the caller.
func (m *Manager) doShrink(ctx context.Context, start, end hostfs.InodeID) error {
	mids, err := m.middleNodes(start, end)
	if err != nil {
		return err
	}
	for _, n := range mids {
		m.deps.Chain.Update(chain.Node{Ino: n.Ino, Flags: n.Flags | super.SHRUNK})
	}
	return nil
}

// Merge implements spec §4.E Merge: folds every snapshot strictly between
// start and end forward into end's block map (end keeps its own copy where
// one already exists) and unlinks the folded snapshots, so end alone
// preserves what the whole middle run used to preserve jointly.
func (m *Manager) Merge(ctx context.Context, start, end hostfs.InodeID) error {
	ctx, span := tracer.Start(ctx, "lifecycle.merge")
	defer span.End()
	defer m.observe("merge")()

	return m.guard.WithOperation(ctx, "merge", func() error {
		return m.doMerge(ctx, start, end)
	})
}

// doMerge is Merge's body, shared by the operator-invoked verb and
// Update's automatic per-run sweep, run under a guard slot already held by
// the caller.
func (m *Manager) doMerge(ctx context.Context, start, end hostfs.InodeID) error {
	mids, err := m.middleNodes(start, end)
	if err != nil {
		return err
	}
	for _, n := range mids {
		if n.HasFlag(super.ENABLED) {
			return fmt.Errorf("lifecycle: merge: inode %d is enabled: %w", n.Ino, cow.ErrNotPermitted)
		}
	}
	for _, n := range mids {
		if err := m.deps.Alloc.MergeInto(ctx, n.Ino, end); err != nil {
			return fmt.Errorf("lifecycle: merge: folding %d into %d: %w", n.Ino, end, err)
		}
		if err := m.doRemove(ctx, n.Ino); err != nil {
			return fmt.Errorf("lifecycle: merge: removing folded inode %d: %w", n.Ino, err)
		}
	}
	return nil
}

// Remove implements spec §4.E Remove directly (outside Update's automatic
// reap), for an operator-triggered forced removal.
func (m *Manager) Remove(ctx context.Context, ino hostfs.InodeID) error {
	ctx, span := tracer.Start(ctx, "lifecycle.remove")
	defer span.End()
	defer m.observe("remove")()

	return m.guard.WithOperation(ctx, "remove", func() error {
		return m.doRemove(ctx, ino)
	})
}

// doRemove is the Remove operation's body, shared by Update's automatic
// reap and Merge's fold-then-drop, run under a guard slot already held by
// the caller.
func (m *Manager) doRemove(ctx context.Context, ino hostfs.InodeID) error {
	node, ok := m.deps.Chain.Node(ino)
	if !ok {
		return fmt.Errorf("lifecycle: remove: inode %d is not on the chain: %w", ino, ErrInvalid)
	}
	if node.HasFlag(super.ENABLED) {
		return fmt.Errorf("lifecycle: remove: inode %d is enabled: %w", ino, cow.ErrNotPermitted)
	}
	if err := m.deps.Alloc.FreeAll(ctx, ino); err != nil {
		return fmt.Errorf("lifecycle: remove: freeing blocks of %d: %w", ino, err)
	}
	if inode, err := m.deps.Inodes.Lookup(ctx, ino); err == nil {
		inode.ISize = 0
		inode.DiskSize = 0
		_ = m.deps.Inodes.Save(ctx, inode)
	}
	if m.deps.Active.Ino == ino {
		m.deps.Active.Ino = 0
	}
	m.deps.Chain.Remove(ino)

	m.resMu.Lock()
	delete(m.reserved, ino)
	delete(m.reservedSupers, ino)
	delete(m.reservedDescs, ino)
	m.resMu.Unlock()

	m.log.WithField("inode", ino).Info("removed snapshot inode")
	return nil
}

// Load implements spec §6's mount-time load: rebuilds the in-memory chain
// from a caller-supplied, chronologically-ordered (oldest first) node list
// — the host fs scan that would normally drive this lives outside the
// snapshot core's interfaces, so the scan result is handed in rather than
// performed here.
func (m *Manager) Load(ctx context.Context, oldestFirst []chain.Node) error {
	ctx, span := tracer.Start(ctx, "lifecycle.load")
	defer span.End()
	defer m.observe("load")()

	return m.guard.WithOperation(ctx, "load", func() error {
		for _, n := range oldestFirst {
			m.deps.Chain.InsertHead(n)
			if n.HasFlag(super.ACTIVE) {
				m.deps.Active.Ino = n.Ino
			}
		}
		return nil
	})
}

// Destroy implements spec §6's mount-time destroy: releases the in-memory
// active-snapshot pointer and bitmap cache without touching any on-disk
// state, so a subsequent Load can rebuild cleanly.
func (m *Manager) Destroy(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "lifecycle.destroy")
	defer span.End()
	defer m.observe("destroy")()

	return m.guard.WithOperation(ctx, "destroy", func() error {
		m.deps.Active.Ino = 0
		m.deps.Bitmaps.ResetAll()
		return nil
	})
}
