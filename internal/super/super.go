// Package super holds the on-disk field layout the snapshot core owns on
// the host file system: superblock fields, the group-descriptor's
// exclude-bitmap pointer, per-inode flags, and the ioctl verb surface
// (spec §6).
package super

import "github.com/iancoleman/strcase"

// Flag is a per-inode bitmask bit (spec §3). All flags are mutually
// orthogonal unless documented otherwise.
type Flag uint32

const (
	// SNAPFILE marks an inode as part of the snapshot subsystem. Once
	// set, never cleared; the inode can never be converted back to a
	// plain file.
	SNAPFILE Flag = 1 << iota
	// LIST means the inode is currently linked on the snapshot chain.
	LIST
	// ACTIVE means this is the one current active snapshot, system-wide.
	ACTIVE
	// ENABLED means the snapshot is user-visible and mountable via a loop
	// device.
	ENABLED
	// INUSE means some older enabled snapshot depends on this one.
	INUSE
	// DELETED means the user requested removal; the lifecycle reaps it.
	DELETED
	// SHRUNK means the shrink pass has completed on this snapshot.
	SHRUNK
	// OPEN means a user has the snapshot file open, held for loop-mount.
	OPEN
)

var flagNames = map[Flag]string{
	SNAPFILE: "SNAPFILE",
	LIST:     "LIST",
	ACTIVE:   "ACTIVE",
	ENABLED:  "ENABLED",
	INUSE:    "INUSE",
	DELETED:  "DELETED",
	SHRUNK:   "SHRUNK",
	OPEN:     "OPEN",
}

// String renders the set flags as a pipe-joined list, e.g. "LIST|ENABLED".
func (f Flag) String() string {
	if f == 0 {
		return "NONE"
	}
	out := ""
	for _, bit := range []Flag{SNAPFILE, LIST, ACTIVE, ENABLED, INUSE, DELETED, SHRUNK, OPEN} {
		if f&bit == 0 {
			continue
		}
		if out != "" {
			out += "|"
		}
		out += flagNames[bit]
	}
	return out
}

// JSONKey returns the control-surface JSON key for a single flag bit, e.g.
// Flag(ENABLED).JSONKey() == "enabled". Panics if f is not exactly one bit.
func (f Flag) JSONKey() string {
	name, ok := flagNames[f]
	if !ok {
		panic("super: JSONKey called on a non-singular or unknown flag")
	}
	return strcase.ToSnake(name)
}

// ParseFlagKey is the inverse of JSONKey.
func ParseFlagKey(key string) (Flag, bool) {
	want := strcase.ToScreamingSnake(key)
	for bit, name := range flagNames {
		if name == want {
			return bit, true
		}
	}
	return 0, false
}

// SettableMask is the subset of flags toggleable through set_flags (spec
// §6). internal/control's set_flags acts on ENABLED and DELETED only; a
// LIST key is ignored. The rest (ACTIVE, INUSE, OPEN) are computed
// dynamically by get_flags.
const SettableMask = LIST | ENABLED | DELETED

// DynamicMask is the subset of flags get_flags recomputes from runtime
// state rather than reading back from storage.
const DynamicMask = ACTIVE | INUSE | OPEN

// FeatureFlag is a superblock ro-compat/compat feature bit (spec §6).
type FeatureFlag uint32

const (
	// HasSnapshot is set once any snapshot has ever been created.
	HasSnapshot FeatureFlag = 1 << iota
	// ExcludeInode is set once the exclude inode has been allocated.
	ExcludeInode
	// IsSnapshot is set only on a snapshot's own superblock copy, never
	// on the live superblock.
	IsSnapshot
	// FixExclude is set when an exclude-bitmap inconsistency was detected
	// (spec §7's "Exclude inconsistency" error category); the fs is
	// marked read-only alongside this flag.
	FixExclude
	// BigJournal is advisory; this implementation does not interpret it
	// beyond carrying it through superblock copies untouched.
	BigJournal
)

// Superblock is the subset of host-fs superblock fields the snapshot core
// owns (spec §6). RESERVED_OFFSET and block size live in package block.
type Superblock struct {
	LastSnapshotIno     uint32
	ActiveSnapshotIno   uint32
	SnapshotID          uint32
	SnapshotReservedBlk uint32
	Features            FeatureFlag
	// JournalInode is zeroed in a snapshot's own copy (spec §4.E step 4);
	// on the live superblock it names the host journal inode.
	JournalInode uint32
}

// HasFeature reports whether every bit in want is set.
func (s *Superblock) HasFeature(want FeatureFlag) bool { return s.Features&want == want }

// AsImageCopy returns a copy of s patched the way a snapshot's own
// superblock region must read (spec §4.E step 2): journaling-related
// feature bits and the journal inode cleared, HAS_SNAPSHOT cleared (the
// image presents as a standalone fs that itself has no snapshots),
// IS_SNAPSHOT set.
func (s *Superblock) AsImageCopy() Superblock {
	cp := *s
	cp.JournalInode = 0
	cp.Features &^= HasSnapshot
	cp.Features |= IsSnapshot
	return cp
}

// GroupDescriptor is the on-disk group descriptor extension the snapshot
// core owns: a persistent pointer into the exclude inode's data (spec §6).
// The rest of a group descriptor (block/inode bitmap/table pointers) lives
// in block.Descriptor, which embeds the exclude pointer too for
// convenience at the call sites that need both.
type GroupDescriptor struct {
	ExcludeBitmapBlk uint32
}

// WellKnownExcludeIno is the exclude inode's fixed inode number (spec §6:
// "a special inode (well-known ino)").
const WellKnownExcludeIno = 8

// Verb enumerates the conceptual ioctl/control-surface operations (spec
// §6). Their numeric values are immaterial per spec; they exist only to
// give internal/control named constants instead of magic strings.
type Verb int

const (
	VerbSetFlags Verb = iota
	VerbGetFlags
	VerbCreate
	VerbTake
	VerbEnable
	VerbDisable
	VerbDelete
	VerbUpdate
	VerbShrink
	VerbMerge
	VerbRemove
	VerbLoad
	VerbDestroy
)
