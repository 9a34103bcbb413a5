package snapfs

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// operationIDNamespace is a stable, process-wide namespace used when
// deriving deterministic operation IDs. The exact value is not externally
// visible, but must stay stable so the same (verb, ino, seq) always yields
// the same operation ID across daemon restarts.
const operationIDNamespace = "snapfs-v1"

// DeriveOperationID deterministically derives the run ID internal/fsm uses
// to key a resumable Take machine run.
//
// Take is the only lifecycle verb backed by a multi-step fsm.Manager run
// (spec §4.E); every other verb completes synchronously under
// internal/guard.OperationGuard and needs no persisted run identity.
// Because the run ID is deterministic:
//   - A crash mid-Take resumes the same run on restart instead of starting
//     a duplicate, since fsm.Manager looks up runs by ID.
//   - Two concurrent Take calls against the same snapshot inode converge
//     on one run rather than racing two independent state machines.
//
// seq distinguishes successive Take runs against the same ino (each Take
// targets a fresh head inode, so callers pass the new head's generation
// counter or an equivalent monotonically increasing value).
func DeriveOperationID(verb string, ino uint32, seq uint32) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%d:%d", operationIDNamespace, verb, ino, seq)))
	return "op_" + hex.EncodeToString(h[:16])
}
