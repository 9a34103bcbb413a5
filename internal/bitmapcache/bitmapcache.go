// Package bitmapcache implements the per-group COW bitmap cache and the
// persistent exclude bitmap (spec §4.A, component A): the pending-COW
// rendezvous that lets exactly one task materialize a group's COW bitmap
// per active snapshot, and the idempotent exclude-bitmap writer.
package bitmapcache

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-memdb"
	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"github.com/flycow/snapfs/internal/block"
	"github.com/flycow/snapfs/internal/hostfs"
)

// ErrRendezvousTimeout is returned when read_cow_bitmap's busy-wait for a
// concurrent materialization exceeds the configured bound. Spec §4.A/§9
// describe the wait as brief because the event is rare; a bound here turns
// a stuck materializer into a reported error instead of a silent hang.
var ErrRendezvousTimeout = errors.New("bitmapcache: timed out waiting for concurrent COW-bitmap materialization")

// errStillInProgress is the transient signal fed back into backoff.Retry
// while a concurrent materialization has not yet committed; it never
// escapes waitForMaterialization.
var errStillInProgress = errors.New("bitmapcache: materialization still in progress")

var excludeBucket = []byte("exclude_bitmaps")

const cowBitmapTable = "cow_bitmap"

type cowBitmapRow struct {
	Key    string // "<group>:<snapshot>"
	Handle block.Number
	Bitmap block.Bitmap
}

func schema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			cowBitmapTable: {
				Name: cowBitmapTable,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Key"},
					},
				},
			},
		},
	}
}

func rowKey(g block.Group, snapshot hostfs.InodeID) string {
	return fmt.Sprintf("%d:%d", g, snapshot)
}

// handleFor mints a deterministic, non-zero cow_bitmap_blk value for
// (group, snapshot) that never collides with a live block_bitmap_blk value:
// it is tagged in the high bit, a region no real block number occupies in
// this implementation's address space.
func handleFor(g block.Group, snapshot hostfs.InodeID) block.Number {
	h := uint32(g)*1_000_003 ^ uint32(snapshot)*2_654_435_761
	h |= 1 << 31 // tag bit: marks this as a cache handle, never a real block_bitmap_blk
	return block.Number(h)
}

// GroupDescriptors is the in-memory group-descriptor table, one entry per
// group, each protected by its own mutex standing in for sb_bgl_lock(group)
// (spec §5). Only the compare/exchange on CowBitmapBlk needs this lock;
// everything else about a descriptor is effectively read-only after setup.
type GroupDescriptors struct {
	mu    sync.Mutex
	locks map[block.Group]*sync.Mutex
	descs map[block.Group]*block.Descriptor
}

// NewGroupDescriptors returns an empty descriptor table.
func NewGroupDescriptors() *GroupDescriptors {
	return &GroupDescriptors{
		locks: make(map[block.Group]*sync.Mutex),
		descs: make(map[block.Group]*block.Descriptor),
	}
}

// Register installs or replaces the descriptor for a group.
func (g *GroupDescriptors) Register(d *block.Descriptor) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.descs[d.Group] = d
	if _, ok := g.locks[d.Group]; !ok {
		g.locks[d.Group] = &sync.Mutex{}
	}
}

func (g *GroupDescriptors) lockFor(group block.Group) *sync.Mutex {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.locks[group]
	if !ok {
		l = &sync.Mutex{}
		g.locks[group] = l
	}
	return l
}

func (g *GroupDescriptors) get(group block.Group) (*block.Descriptor, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	d, ok := g.descs[group]
	if !ok {
		return nil, fmt.Errorf("bitmapcache: group %d: %w", group, hostfs.ErrNotFound)
	}
	return d, nil
}

// Groups returns every registered group, for ResetAll and the monitor
// dashboard.
func (g *GroupDescriptors) Groups() []block.Group {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]block.Group, 0, len(g.descs))
	for grp := range g.descs {
		out = append(out, grp)
	}
	return out
}

// Cache is component A: the bitmap cache.
type Cache struct {
	log     *logrus.Entry
	descs   *GroupDescriptors
	device  hostfs.BlockDevice
	mem     *memdb.MemDB
	exclude *bolt.DB

	// RendezvousPoll is the short-sleep interval for the busy-wait on a
	// concurrent materialization (spec §4.A step 3, §9); RendezvousBound
	// is the total time budget before giving up with ErrRendezvousTimeout.
	RendezvousPoll  time.Duration
	RendezvousBound time.Duration

	// inProgressSince tracks when each group entered the in-progress
	// marker state, so the health checker (internal/guard) can flag a
	// rendezvous that has been stuck unreasonably long.
	inProgressSince sync.Map // block.Group -> time.Time
}

// Config configures a Cache. Mirrors the teacher's per-subsystem
// Config/DefaultConfig convention.
type Config struct {
	RendezvousPoll  time.Duration
	RendezvousBound time.Duration
}

// DefaultConfig returns sane defaults: 1ms polls (matching the reference
// design's msleep(1)), bounded to 2 seconds total.
func DefaultConfig() Config {
	return Config{RendezvousPoll: time.Millisecond, RendezvousBound: 2 * time.Second}
}

// New constructs a Cache. excludeDB must already have excludeBucket
// available or be writable so New can create it.
func New(cfg Config, descs *GroupDescriptors, device hostfs.BlockDevice, excludeDB *bolt.DB, log *logrus.Logger) (*Cache, error) {
	mem, err := memdb.NewMemDB(schema())
	if err != nil {
		return nil, fmt.Errorf("bitmapcache: building memdb schema: %w", err)
	}
	if err := excludeDB.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(excludeBucket)
		return err
	}); err != nil {
		return nil, fmt.Errorf("bitmapcache: initializing exclude bucket: %w", err)
	}
	if log == nil {
		log = logrus.New()
	}
	return &Cache{
		log:             log.WithField("component", "bitmapcache"),
		descs:           descs,
		device:          device,
		mem:             mem,
		exclude:         excludeDB,
		RendezvousPoll:  cfg.RendezvousPoll,
		RendezvousBound: cfg.RendezvousBound,
	}, nil
}

// readExcludeBitmap loads a group's persistent exclude bitmap, returning an
// all-zero bitmap if none has been written yet.
func (c *Cache) readExcludeBitmap(group block.Group) (block.Bitmap, error) {
	var bm block.Bitmap
	err := c.exclude.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(excludeBucket).Get(groupKey(group))
		if raw == nil {
			return nil
		}
		copy(bm[:], raw)
		return nil
	})
	return bm, err
}

func groupKey(g block.Group) []byte {
	var k [4]byte
	binary.BigEndian.PutUint32(k[:], uint32(g))
	return k[:]
}

// ReadCOWBitmap implements read_cow_bitmap (spec §4.A): the first caller
// per (group, activeSnapshot) materializes the bitmap; concurrent callers
// rendezvous on the in-progress marker and then read the committed result.
func (c *Cache) ReadCOWBitmap(ctx context.Context, activeSnapshot hostfs.InodeID, group block.Group) (*block.Bitmap, error) {
	desc, err := c.descs.get(group)
	if err != nil {
		return nil, err
	}
	lock := c.descs.lockFor(group)

	lock.Lock()
	current := desc.CowBitmapBlk
	switch {
	case current == 0:
		desc.CowBitmapBlk = desc.BlockBitmapBlk // in-progress marker
		lock.Unlock()
		c.inProgressSince.Store(group, time.Now())
		return c.materialize(ctx, activeSnapshot, group, desc, lock)
	case current == desc.BlockBitmapBlk:
		lock.Unlock()
		return c.waitForMaterialization(ctx, activeSnapshot, group)
	default:
		lock.Unlock()
		return c.lookupCached(group, activeSnapshot, current)
	}
}

func (c *Cache) materialize(ctx context.Context, activeSnapshot hostfs.InodeID, group block.Group, desc *block.Descriptor, lock *sync.Mutex) (*block.Bitmap, error) {
	defer c.inProgressSince.Delete(group)

	bitmap, err := c.computeCOWBitmap(ctx, group, desc)
	if err != nil {
		lock.Lock()
		desc.CowBitmapBlk = 0 // failure resets the field, retry allowed
		lock.Unlock()
		return nil, fmt.Errorf("bitmapcache: materializing group %d: %w", group, err)
	}

	handle := handleFor(group, activeSnapshot)
	txn := c.mem.Txn(true)
	row := &cowBitmapRow{Key: rowKey(group, activeSnapshot), Handle: handle, Bitmap: *bitmap}
	if err := txn.Insert(cowBitmapTable, row); err != nil {
		txn.Abort()
		lock.Lock()
		desc.CowBitmapBlk = 0
		lock.Unlock()
		return nil, fmt.Errorf("bitmapcache: caching group %d bitmap: %w", group, err)
	}
	txn.Commit()

	lock.Lock()
	desc.CowBitmapBlk = handle
	lock.Unlock()

	c.log.WithFields(logrus.Fields{"group": group, "snapshot": activeSnapshot}).Debug("materialized COW bitmap")
	return bitmap, nil
}

// computeCOWBitmap reads the live block bitmap and the persistent exclude
// bitmap and computes cow = block_bitmap AND NOT exclude_bitmap (spec
// §3, §4.A step 2).
func (c *Cache) computeCOWBitmap(ctx context.Context, group block.Group, desc *block.Descriptor) (*block.Bitmap, error) {
	bh, err := c.device.ReadBlock(ctx, desc.BlockBitmapBlk)
	if err != nil {
		return nil, fmt.Errorf("reading block bitmap: %w", err)
	}
	excludeBm, err := c.readExcludeBitmap(group)
	if err != nil {
		return nil, fmt.Errorf("reading exclude bitmap: %w", err)
	}
	var cow block.Bitmap
	block.AndNot(&cow, &bh.Data, &excludeBm)
	return &cow, nil
}

func (c *Cache) waitForMaterialization(ctx context.Context, activeSnapshot hostfs.InodeID, group block.Group) (*block.Bitmap, error) {
	b := backoff.NewConstantBackOff(c.RendezvousPoll)
	deadline := time.Now().Add(c.RendezvousBound)

	var result *block.Bitmap
	op := func() error {
		if time.Now().After(deadline) {
			return backoff.Permanent(ErrRendezvousTimeout)
		}
		desc, err := c.descs.get(group)
		if err != nil {
			return backoff.Permanent(err)
		}
		lock := c.descs.lockFor(group)
		lock.Lock()
		current := desc.CowBitmapBlk
		lock.Unlock()
		if current == 0 {
			return backoff.Permanent(fmt.Errorf("bitmapcache: materialization for group %d failed concurrently", group))
		}
		if current == desc.BlockBitmapBlk {
			return errStillInProgress // transient: keep retrying, real error only thrown on deadline
		}
		bm, err := c.lookupCached(group, activeSnapshot, current)
		if err != nil {
			return err
		}
		result = bm
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return nil, err
	}
	return result, nil
}

func (c *Cache) lookupCached(group block.Group, snapshot hostfs.InodeID, _ block.Number) (*block.Bitmap, error) {
	txn := c.mem.Txn(false)
	defer txn.Abort()
	raw, err := txn.First(cowBitmapTable, "id", rowKey(group, snapshot))
	if err != nil {
		return nil, fmt.Errorf("bitmapcache: looking up cached bitmap: %w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("bitmapcache: group %d snapshot %d: cache entry missing after materialization", group, snapshot)
	}
	row := raw.(*cowBitmapRow)
	cp := row.Bitmap
	return &cp, nil
}

// ReadBlockBitmapForImage synthesizes the COW-bitmap contents into dst, for
// use when a snapshot-image reader reads the block-bitmap block through
// (spec §4.A's read_block_bitmap_for_image, §4.D's "fixes up" step).
func (c *Cache) ReadBlockBitmapForImage(ctx context.Context, activeSnapshot hostfs.InodeID, group block.Group, dst *block.Bitmap) error {
	bm, err := c.ReadCOWBitmap(ctx, activeSnapshot, group)
	if err != nil {
		return err
	}
	*dst = *bm
	return nil
}

// ExcludeBlocks implements exclude_blocks (spec §4.A): idempotently sets
// count bits starting at physical block start, spanning group boundaries
// if necessary, and returns how many were newly set.
func (c *Cache) ExcludeBlocks(_ context.Context, start block.Number, count uint32) (int, error) {
	if count == 0 {
		return 0, nil
	}
	newlySet := 0
	touched := make(map[block.Group]*block.Bitmap)
	order := make([]block.Group, 0)

	loadGroup := func(g block.Group) (*block.Bitmap, error) {
		if bm, ok := touched[g]; ok {
			return bm, nil
		}
		bm, err := c.readExcludeBitmap(g)
		if err != nil {
			return nil, err
		}
		touched[g] = &bm
		order = append(order, g)
		return &bm, nil
	}

	for i := uint32(0); i < count; i++ {
		p := start + block.Number(i)
		g := block.GroupOf(p)
		bm, err := loadGroup(g)
		if err != nil {
			return newlySet, fmt.Errorf("bitmapcache: exclude_blocks loading group %d: %w", g, err)
		}
		if bm.Set(block.OffsetInGroup(p)) {
			newlySet++
		}
	}

	err := c.exclude.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(excludeBucket)
		for _, g := range order {
			bm := touched[g]
			if err := bucket.Put(groupKey(g), bm[:]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("bitmapcache: persisting exclude bitmap: %w", err)
	}
	return newlySet, nil
}

// StuckGroups returns every group whose COW-bitmap materialization has
// been sitting in the in-progress marker state longer than threshold,
// satisfying internal/guard's BitmapCacheInspector.
func (c *Cache) StuckGroups(_ context.Context, threshold time.Duration) ([]uint32, error) {
	var stuck []uint32
	now := time.Now()
	c.inProgressSince.Range(func(k, v interface{}) bool {
		if now.Sub(v.(time.Time)) > threshold {
			stuck = append(stuck, uint32(k.(block.Group)))
		}
		return true
	})
	return stuck, nil
}

// IsBlockBitmapBlock reports whether phys is group's block-bitmap block,
// used by internal/snapread to decide whether a live read-through needs
// the point-in-time fixup (spec §4.D).
func (c *Cache) IsBlockBitmapBlock(group block.Group, phys block.Number) bool {
	desc, err := c.descs.get(group)
	if err != nil {
		return false
	}
	return desc.BlockBitmapBlk == phys
}

// ResetAll clears every registered group's COW-bitmap cache field to 0,
// implementing spec §4.E step 6 ("reset all per-group COW-bitmap caches to
// 0") after a snapshot take.
func (c *Cache) ResetAll() {
	for _, g := range c.descs.Groups() {
		lock := c.descs.lockFor(g)
		lock.Lock()
		if d, err := c.descs.get(g); err == nil {
			d.CowBitmapBlk = 0
		}
		lock.Unlock()
	}
	// Evict all cached rows; they are keyed by the snapshot that has just
	// stopped being active plus its now-expired handles.
	txn := c.mem.Txn(true)
	if _, err := txn.DeleteAll(cowBitmapTable, "id"); err != nil {
		txn.Abort()
		c.log.WithError(err).Warn("failed to evict COW bitmap cache on reset")
		return
	}
	txn.Commit()
}
